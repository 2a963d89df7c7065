package artifact_test

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"modelgen-service/internal/artifact"
	"modelgen-service/internal/entity"
)

func newFSStore(t *testing.T) (*artifact.FSStore, string) {
	t.Helper()
	dir := t.TempDir()
	fs, err := artifact.NewFSStore(dir)
	require.NoError(t, err)
	return fs, dir
}

func writeFile(t *testing.T, dir, name, content string) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644))
}

func TestFSStore_RoundTrip(t *testing.T) {
	fs, _ := newFSStore(t)
	ctx := context.Background()

	require.NoError(t, fs.Put(ctx, "model.gltf", []byte("gltf-bytes")))

	data, err := fs.Get(ctx, "model.gltf")
	require.NoError(t, err)
	require.Equal(t, []byte("gltf-bytes"), data)

	size, err := fs.Stat(ctx, "model.gltf")
	require.NoError(t, err)
	require.Equal(t, int64(len("gltf-bytes")), size)

	_, err = fs.Get(ctx, "missing.obj")
	require.ErrorIs(t, err, artifact.ErrNotFound)
}

func TestFSStore_RejectsPathEscapes(t *testing.T) {
	fs, _ := newFSStore(t)
	ctx := context.Background()

	require.Error(t, fs.Put(ctx, "../evil.py", []byte("x")))
	_, err := fs.Get(ctx, "nested/evil.py")
	require.ErrorIs(t, err, artifact.ErrNotFound)
	_, err = fs.Get(ctx, ".hidden")
	require.ErrorIs(t, err, artifact.ErrNotFound)
}

func TestRegistry_PreviewRetention(t *testing.T) {
	fs, dir := newFSStore(t)
	reg, err := artifact.NewRegistry(fs, nil, 5, nil)
	require.NoError(t, err)

	ctx := context.Background()
	jobID := uuid.New()
	for i := 0; i < 8; i++ {
		name := fmt.Sprintf("preview_%03d.png", i)
		writeFile(t, dir, name, "png")
		reg.Register(ctx, jobID, name, entity.KindPreview)
	}

	kind := entity.KindPreview
	previews := reg.List(&kind)
	require.Len(t, previews, 5)

	// Most recent first; the three oldest were evicted.
	require.Equal(t, "preview_007.png", previews[0].Name)
	require.Equal(t, "preview_003.png", previews[4].Name)
}

func TestRegistry_ModelsAreNeverEvicted(t *testing.T) {
	fs, dir := newFSStore(t)
	reg, err := artifact.NewRegistry(fs, nil, 2, nil)
	require.NoError(t, err)

	ctx := context.Background()
	jobID := uuid.New()
	for i := 0; i < 6; i++ {
		name := fmt.Sprintf("model_%d.obj", i)
		writeFile(t, dir, name, "obj")
		reg.Register(ctx, jobID, name, entity.KindModel)
	}

	kind := entity.KindModel
	models := reg.List(&kind)
	require.Len(t, models, 6)
	require.Equal(t, "model_5.obj", models[0].Name)
}

func TestRegistry_RegisterIsIdempotent(t *testing.T) {
	fs, dir := newFSStore(t)
	reg, err := artifact.NewRegistry(fs, nil, 5, nil)
	require.NoError(t, err)

	ctx := context.Background()
	jobID := uuid.New()
	writeFile(t, dir, "model.gltf", "gltf")

	first := reg.Register(ctx, jobID, "model.gltf", entity.KindModel)
	second := reg.Register(ctx, jobID, "model.gltf", entity.KindModel)
	require.Equal(t, first, second)

	kind := entity.KindModel
	require.Len(t, reg.List(&kind), 1)
}

func TestRegistry_RecordsSize(t *testing.T) {
	fs, dir := newFSStore(t)
	reg, err := artifact.NewRegistry(fs, nil, 5, nil)
	require.NoError(t, err)

	writeFile(t, dir, "model.obj", "twelve bytes")
	art := reg.Register(context.Background(), uuid.New(), "model.obj", entity.KindModel)
	require.Equal(t, int64(len("twelve bytes")), art.SizeBytes)
	require.Equal(t, entity.KindModel, art.Kind)
	require.False(t, art.ProducedAt.IsZero())
}

func TestRegistry_GetFallsBackToMirror(t *testing.T) {
	primary, primaryDir := newFSStore(t)
	mirror, _ := newFSStore(t)
	reg, err := artifact.NewRegistry(primary, mirror, 5, nil)
	require.NoError(t, err)

	ctx := context.Background()
	writeFile(t, primaryDir, "model.gltf", "gltf-bytes")
	reg.Register(ctx, uuid.New(), "model.gltf", entity.KindModel)

	// Primary copy lost: the mirror received one at registration.
	require.NoError(t, os.Remove(filepath.Join(primaryDir, "model.gltf")))

	data, err := reg.Get(ctx, "model.gltf")
	require.NoError(t, err)
	require.Equal(t, []byte("gltf-bytes"), data)
}

func TestRegistry_GetUnknown(t *testing.T) {
	fs, _ := newFSStore(t)
	reg, err := artifact.NewRegistry(fs, nil, 5, nil)
	require.NoError(t, err)

	_, err = reg.Get(context.Background(), "nope.png")
	require.ErrorIs(t, err, artifact.ErrNotFound)
}
