package detector

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/agent-api/core"
	"github.com/agent-api/core/agent"
	"github.com/agent-api/core/agent/bootstrap"
	"github.com/agent-api/ollama"
	"github.com/go-logr/logr"

	"github.com/bdougie/visiondetect/internal/geometry"
	"github.com/bdougie/visiondetect/internal/models"
)

const (
	DefaultOllamaURL   = "http://localhost"
	DefaultOllamaPort  = 11434
	DefaultVisionModel = "llama3.2-vision:11b"
)

const systemPrompt = "You are an object detector. You only answer with JSON."

const detectPrompt = `List every distinct object in this image.
Answer with a JSON array and nothing else. Each element must be
{"label": "<class name>", "confidence": <0..1>, "box": [x_min, y_min, x_max, y_max]}
with box coordinates in pixels of the original image.`

// Detection is a single request and answer, so the agent never needs a tool step
const agentMaxSteps = 4

// AgentConfig selects the Ollama server and vision model
type AgentConfig struct {
	BaseURL string
	Port    int
	Model   string
}

// Agent asks a vision language model served by Ollama to locate objects
type Agent struct {
	provider core.Provider
	log      logr.Logger
	logger   *slog.Logger
}

// NewAgent initializes a vision agent backed by Ollama
func NewAgent(ctx context.Context, cfg AgentConfig, logger *slog.Logger) (*Agent, error) {
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultOllamaURL
	}
	if cfg.Port == 0 {
		cfg.Port = DefaultOllamaPort
	}
	if cfg.Model == "" {
		cfg.Model = DefaultVisionModel
	}
	if logger == nil {
		logger = slog.Default()
	}

	// Check if Ollama is running
	if err := ping(ctx, fmt.Sprintf("%s:%d/api/tags", cfg.BaseURL, cfg.Port)); err != nil {
		return nil, fmt.Errorf("ollama is not reachable: %w", err)
	}

	log := logr.FromSlogHandler(logger.Handler())
	provider := ollama.NewProvider(&ollama.ProviderOpts{
		Logger:  &log,
		BaseURL: cfg.BaseURL,
		Port:    cfg.Port,
	})
	return newAgent(ctx, provider, cfg.Model, logger)
}

func newAgent(ctx context.Context, provider core.Provider, model string, logger *slog.Logger) (*Agent, error) {
	if err := provider.UseModel(ctx, &core.Model{ID: model}); err != nil {
		return nil, fmt.Errorf("failed to select model %s: %w", model, err)
	}
	a := &Agent{
		provider: provider,
		log:      logr.FromSlogHandler(logger.Handler()),
		logger:   logger,
	}
	if _, err := a.newRunner(); err != nil {
		return nil, err
	}
	logger.Info("Vision agent ready", "model", model)
	return a, nil
}

// newRunner returns an agent with empty memory. Memory backends are not safe for
// concurrent use and keep earlier frames, so each Detect call builds its own.
func (a *Agent) newRunner() (*agent.Agent, error) {
	return agent.NewAgent(
		bootstrap.WithProvider(a.provider),
		bootstrap.WithSystemPrompt(systemPrompt),
		bootstrap.WithLogger(&a.log),
		bootstrap.WithMaxSteps(agentMaxSteps),
	)
}

func ping(ctx context.Context, url string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return err
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unexpected status %s", resp.Status)
	}
	return nil
}

// Detect sends the frame file to the model and parses its JSON answer
func (a *Agent) Detect(ctx context.Context, in Input) ([]models.Detection, error) {
	if in.Path == "" {
		return nil, errors.New("vision agent needs a frame path")
	}
	data, err := os.ReadFile(in.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to read frame '%s': %w", in.Path, err)
	}

	runner, err := a.newRunner()
	if err != nil {
		return nil, err
	}
	response, err := runner.Run(
		ctx,
		agent.WithInput(detectPrompt),
		agent.WithImageBase64(base64.StdEncoding.EncodeToString(data), imageMimeType(in.Path)),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to run agent: %w", err)
	}

	// The last message is the model's answer
	last := response.Pop()
	if last == nil || len(response.Messages) < 2 {
		return nil, fmt.Errorf("no response messages received from model")
	}
	a.logger.Debug("Raw response content", "frame", in.Path, "content", last.Content)

	return parseAgentDetections(last.Content)
}

func imageMimeType(path string) string {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".jpg", ".jpeg":
		return "image/jpeg"
	default:
		return "image/png"
	}
}

func (a *Agent) Close() error {
	return nil
}

type agentDetection struct {
	Label      string    `json:"label"`
	Confidence float64   `json:"confidence"`
	Box        []float64 `json:"box"`
}

// parseAgentDetections extracts the JSON array from a model answer. Entries with an
// empty label or an invalid box are dropped.
func parseAgentDetections(content string) ([]models.Detection, error) {
	start := strings.Index(content, "[")
	end := strings.LastIndex(content, "]")
	if start < 0 || end < start {
		if strings.TrimSpace(content) == "" {
			return nil, nil
		}
		return nil, fmt.Errorf("no JSON array in model response: %q", content)
	}

	var raw []agentDetection
	if err := json.Unmarshal([]byte(content[start:end+1]), &raw); err != nil {
		return nil, fmt.Errorf("failed to parse model response: %w", err)
	}

	dets := make([]models.Detection, 0, len(raw))
	for _, r := range raw {
		if r.Label == "" || len(r.Box) != 4 {
			continue
		}
		box := geometry.NewBox(r.Box[0], r.Box[1], r.Box[2], r.Box[3])
		if !box.Valid() {
			continue
		}
		dets = append(dets, models.Detection{
			Label:      strings.TrimSpace(r.Label),
			Confidence: max(0, min(1, r.Confidence)),
			Box:        box,
		})
	}
	return dets, nil
}
