// Package scriptgen turns a natural-language prompt into a runnable Blender
// Python script by calling an OpenAI-compatible chat completions endpoint.
package scriptgen

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"
)

// Generator is the port the orchestrator consumes.
type Generator interface {
	Generate(ctx context.Context, prompt string) (string, error)
}

type Config struct {
	// BaseURL is the provider's OpenAI-compatible API root.
	BaseURL string

	// APIKey authenticates against the provider. Empty key forces offline mode.
	APIKey string

	// Model is the model identifier sent with every request.
	Model string

	// Timeout bounds a single generation request. Defaults to 120s. This is
	// independent of the worker execution deadline.
	Timeout time.Duration

	// Offline selects the deterministic fallback: a fixed known-good script
	// is returned for any prompt and no network access is attempted.
	Offline bool

	MaxTokens   int
	Temperature float64
}

type Client struct {
	cfg    Config
	httpc  *http.Client
	logger *zap.Logger
}

// FallbackScript is the fixed script served in offline mode.
const FallbackScript = "import bpy\n" +
	"bpy.ops.mesh.primitive_cube_add(size=2, location=(0, 0, 1))\n" +
	"obj = bpy.context.object\n" +
	"obj.scale = (2, 1, 0.1)\n"

const systemPrompt = "You are an expert Blender Python modeler.\n" +
	"Output runnable Blender Python code (starts with `import bpy`).\n" +
	"Do NOT include extra commentary or markdown. Only return Python code.\n" +
	"\n" +
	"IMPORTANT: After creating the 3D model, you should:\n" +
	"1. Set up proper lighting and materials for a good preview\n" +
	"2. Optionally export the model using bpy.ops.export_scene.gltf() or bpy.ops.export_scene.obj()\n" +
	"3. Render a preview image using bpy.ops.render.render(write_still=True)\n"

func New(cfg Config, logger *zap.Logger) *Client {
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://api.studio.nebius.ai/v1"
	}
	if cfg.Model == "" {
		cfg.Model = "NousResearch/Hermes-4-70B"
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 120 * time.Second
	}
	if cfg.MaxTokens == 0 {
		cfg.MaxTokens = 1200
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{
		cfg:    cfg,
		httpc:  &http.Client{Timeout: cfg.Timeout},
		logger: logger,
	}
}

// Offline reports whether the client answers from the fallback script.
func (c *Client) Offline() bool {
	return c.cfg.Offline || c.cfg.APIKey == ""
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	MaxTokens   int           `json:"max_tokens"`
	Temperature float64       `json:"temperature"`
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
		Text string `json:"text"`
	} `json:"choices"`
}

// Generate asks the provider for a Blender script and post-processes it for
// preview rendering. The result has passed validation; on any provider or
// validation failure an error is returned and nothing is retried here.
func (c *Client) Generate(ctx context.Context, prompt string) (string, error) {
	if c.Offline() {
		return FallbackScript, nil
	}

	ctx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	body := chatRequest{
		Model: c.cfg.Model,
		Messages: []chatMessage{
			{Role: "system", Content: systemPrompt},
			{Role: "user", Content: prompt},
		},
		MaxTokens:   c.cfg.MaxTokens,
		Temperature: c.cfg.Temperature,
	}
	payload, err := json.Marshal(body)
	if err != nil {
		return "", fmt.Errorf("marshal request: %w", err)
	}

	url := strings.TrimRight(c.cfg.BaseURL, "/") + "/chat/completions"
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return "", fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	httpReq.Header.Set("Content-Type", "application/json")

	start := time.Now()
	resp, err := c.httpc.Do(httpReq)
	if err != nil {
		return "", fmt.Errorf("provider request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		c.logger.Warn("provider returned error",
			zap.Int("status", resp.StatusCode),
			zap.String("body", string(msg)),
		)
		return "", fmt.Errorf("provider returned status %d: %s", resp.StatusCode, strings.TrimSpace(string(msg)))
	}

	var out chatResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("decode provider response: %w", err)
	}
	if len(out.Choices) == 0 {
		return "", fmt.Errorf("no choices in provider response")
	}
	content := out.Choices[0].Message.Content
	if content == "" {
		content = out.Choices[0].Text
	}
	if content == "" {
		return "", fmt.Errorf("empty assistant content in provider response")
	}

	script := AdjustForPreview(StripFences(content))
	if err := Validate(script); err != nil {
		return "", fmt.Errorf("generated script rejected: %w", err)
	}

	c.logger.Info("script generated",
		zap.String("model", c.cfg.Model),
		zap.Int("script_len", len(script)),
		zap.Duration("latency", time.Since(start)),
	)
	return script, nil
}
