package artifact

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru/v2"
	"go.uber.org/zap"

	"modelgen-service/internal/entity"
)

// DefaultMaxPreviews is the preview retention cap when none is configured.
const DefaultMaxPreviews = 5

// Registry owns artifact metadata. Models accumulate until explicitly
// cleaned; previews are capped, dropping oldest-first. Only the orchestrator
// registers artifacts, on a done transition.
type Registry struct {
	mu       sync.RWMutex
	store    Store
	mirror   Store // optional durable tier
	models   []entity.Artifact // oldest first
	previews *lru.Cache[string, entity.Artifact]
	logger   *zap.Logger
}

func NewRegistry(store Store, mirror Store, maxPreviews int, logger *zap.Logger) (*Registry, error) {
	if maxPreviews <= 0 {
		maxPreviews = DefaultMaxPreviews
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	previews, err := lru.New[string, entity.Artifact](maxPreviews)
	if err != nil {
		return nil, err
	}
	return &Registry{
		store:    store,
		mirror:   mirror,
		previews: previews,
		logger:   logger,
	}, nil
}

// Register records an artifact produced by jobID. Idempotent per
// (jobID, name): re-registering the same pair returns the existing entry.
func (r *Registry) Register(ctx context.Context, jobID uuid.UUID, name string, kind entity.ArtifactKind) entity.Artifact {
	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, ok := r.lookup(jobID, name); ok {
		return existing
	}

	size, err := r.store.Stat(ctx, name)
	if err != nil {
		r.logger.Warn("artifact not statable at registration",
			zap.String("name", name), zap.Error(err))
		size = 0
	}

	art := entity.Artifact{
		Name:       name,
		Kind:       kind,
		JobID:      jobID,
		SizeBytes:  size,
		ProducedAt: time.Now().UTC(),
	}

	switch kind {
	case entity.KindPreview:
		// The cache applies the retention policy: previews beyond the cap
		// are evicted oldest-first. Models never enter it.
		r.previews.Add(name, art)
	default:
		r.models = append(r.models, art)
	}

	if r.mirror != nil {
		if data, err := r.store.Get(ctx, name); err == nil {
			if err := r.mirror.Put(ctx, name, data); err != nil {
				r.logger.Warn("artifact mirror failed",
					zap.String("name", name), zap.Error(err))
			}
		}
	}

	return art
}

func (r *Registry) lookup(jobID uuid.UUID, name string) (entity.Artifact, bool) {
	if art, ok := r.previews.Peek(name); ok && art.JobID == jobID {
		return art, true
	}
	for _, art := range r.models {
		if art.Name == name && art.JobID == jobID {
			return art, true
		}
	}
	return entity.Artifact{}, false
}

// List returns a point-in-time snapshot, most recent first. kind nil lists
// everything.
func (r *Registry) List(kind *entity.ArtifactKind) []entity.Artifact {
	r.mu.RLock()
	defer r.mu.RUnlock()

	// Both collections are appended newest first so the stable sort keeps
	// registration order on equal timestamps.
	var out []entity.Artifact
	if kind == nil || *kind == entity.KindModel {
		for i := len(r.models) - 1; i >= 0; i-- {
			out = append(out, r.models[i])
		}
	}
	if kind == nil || *kind == entity.KindPreview {
		keys := r.previews.Keys() // oldest first
		for i := len(keys) - 1; i >= 0; i-- {
			if art, ok := r.previews.Peek(keys[i]); ok {
				out = append(out, art)
			}
		}
	}

	sort.SliceStable(out, func(i, j int) bool {
		return out[i].ProducedAt.After(out[j].ProducedAt)
	})
	return out
}

// Get returns the raw bytes of a named artifact, falling back to the mirror
// when the primary store no longer has it.
func (r *Registry) Get(ctx context.Context, name string) ([]byte, error) {
	data, err := r.store.Get(ctx, name)
	if err == nil {
		return data, nil
	}
	if r.mirror != nil {
		if mirrored, merr := r.mirror.Get(ctx, name); merr == nil {
			return mirrored, nil
		}
	}
	return nil, err
}
