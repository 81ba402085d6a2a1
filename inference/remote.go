package inference

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"image"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"mlpipeline/mlresult"
	"mlpipeline/mlruntime"
	"mlpipeline/vision"

	openai "github.com/sashabaranov/go-openai"
)

const posePrompt = `Estimate the pose of the most prominent person in the image.
Reply with JSON only: {"keypoints":[{"name":"nose","x":0.5,"y":0.2,"score":0.9}, ...]}
using the 17 COCO keypoint names. x and y are normalized to [0,1] relative to the image.
Omit keypoints that are not visible.`

// RemoteConfig holds configuration for an OpenAI-compatible vision model.
type RemoteConfig struct {
	// Name is the registry key. Defaults to "remote".
	Name string
	// BaseURL of the API, e.g. "http://localhost:1234/v1".
	BaseURL string
	// APIKey sent as bearer token. Local servers usually ignore it.
	APIKey string
	// Model is the vision-capable model to query.
	Model string
	// InputSize is the square letterbox size sent to the model.
	InputSize int
	// JPEGQuality for the encoded frame.
	JPEGQuality int
	// Timeout bounds each request when no HTTPClient is given.
	Timeout time.Duration
	// HTTPClient overrides the default client.
	HTTPClient *http.Client
	// SkipModelCheck disables the model listing probe in Initialize.
	SkipModelCheck bool
}

// DefaultRemoteConfig returns the remote backend defaults.
func DefaultRemoteConfig() RemoteConfig {
	return RemoteConfig{
		Name:        "remote",
		InputSize:   384,
		JPEGQuality: 85,
		Timeout:     30 * time.Second,
	}
}

// RemoteBackend sends frames to an OpenAI-compatible chat completion
// endpoint with an image part and parses the keypoints from the JSON
// reply. Rate limiting and overload (HTTP 429, 503) are reported as
// resource exhaustion so the registry degrades instead of failing.
type RemoteBackend struct {
	cfg RemoteConfig
}

// NewRemoteBackend creates a remote backend, filling unset fields from
// DefaultRemoteConfig.
func NewRemoteBackend(cfg RemoteConfig) *RemoteBackend {
	def := DefaultRemoteConfig()
	if cfg.Name == "" {
		cfg.Name = def.Name
	}
	if cfg.InputSize <= 0 {
		cfg.InputSize = def.InputSize
	}
	if cfg.JPEGQuality <= 0 {
		cfg.JPEGQuality = def.JPEGQuality
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = def.Timeout
	}
	return &RemoteBackend{cfg: cfg}
}

// Name returns the configured backend name.
func (b *RemoteBackend) Name() string { return b.cfg.Name }

// Initialize builds the API client and, unless disabled, confirms the
// configured model is served.
func (b *RemoteBackend) Initialize(ctx context.Context) (mlruntime.Handle, error) {
	if b.cfg.Model == "" {
		return nil, fmt.Errorf("%s: no model configured", b.cfg.Name)
	}

	clientConfig := openai.DefaultConfig(b.cfg.APIKey)
	if b.cfg.BaseURL != "" {
		clientConfig.BaseURL = b.cfg.BaseURL
	}
	httpClient := b.cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: b.cfg.Timeout}
	}
	clientConfig.HTTPClient = httpClient
	client := openai.NewClientWithConfig(clientConfig)

	if !b.cfg.SkipModelCheck {
		models, err := client.ListModels(ctx)
		if err != nil {
			return nil, fmt.Errorf("%s: list models: %w", b.cfg.Name, classifyAPIError(err))
		}
		found := false
		for _, m := range models.Models {
			if m.ID == b.cfg.Model {
				found = true
				break
			}
		}
		if !found {
			return nil, fmt.Errorf("%s: model %q not served by %s", b.cfg.Name, b.cfg.Model, clientConfig.BaseURL)
		}
	}

	return &remoteHandle{owner: b, client: client, http: httpClient}, nil
}

// Infer letterboxes img to InputSize, sends it as a JPEG data URL and
// parses the keypoints from the model's JSON reply.
func (b *RemoteBackend) Infer(ctx context.Context, h mlruntime.Handle, img image.Image) (Inference, error) {
	handle, ok := h.(*remoteHandle)
	if !ok || handle.owner != b {
		return Inference{}, ErrWrongHandle
	}
	if handle.closed.Load() {
		return Inference{}, ErrHandleClosed
	}

	start := time.Now()
	boxed, err := vision.LetterboxSquare(img, b.cfg.InputSize)
	if err != nil {
		return Inference{}, err
	}
	data, err := vision.EncodeJPEG(boxed, b.cfg.JPEGQuality)
	if err != nil {
		return Inference{}, err
	}
	dataURL := "data:image/jpeg;base64," + base64.StdEncoding.EncodeToString(data)

	resp, err := handle.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model: b.cfg.Model,
		Messages: []openai.ChatCompletionMessage{
			{
				Role: openai.ChatMessageRoleUser,
				MultiContent: []openai.ChatMessagePart{
					{Type: openai.ChatMessagePartTypeText, Text: posePrompt},
					{
						Type: openai.ChatMessagePartTypeImageURL,
						ImageURL: &openai.ChatMessageImageURL{
							URL:    dataURL,
							Detail: openai.ImageURLDetailLow,
						},
					},
				},
			},
		},
		ResponseFormat: &openai.ChatCompletionResponseFormat{
			Type: openai.ChatCompletionResponseFormatTypeJSONObject,
		},
		Temperature: 0,
	})
	if err != nil {
		return Inference{}, fmt.Errorf("%s: chat completion: %w", b.cfg.Name, classifyAPIError(err))
	}
	if len(resp.Choices) == 0 {
		return Inference{}, fmt.Errorf("%s: %w: no choices", b.cfg.Name, ErrBadResponse)
	}

	kps, err := parseKeypoints(resp.Choices[0].Message.Content)
	if err != nil {
		return Inference{}, fmt.Errorf("%s: %w", b.cfg.Name, err)
	}

	return Inference{
		Backend:     b.cfg.Name,
		Keypoints:   kps,
		Confidence:  meanScore(kps),
		InputWidth:  b.cfg.InputSize,
		InputHeight: b.cfg.InputSize,
		Latency:     time.Since(start),
	}, nil
}

// parseKeypoints decodes the model reply, tolerating a fenced code block
// around the JSON. Unknown names are dropped and coordinates clamped.
func parseKeypoints(content string) ([]Keypoint, error) {
	content = strings.TrimSpace(content)
	content = strings.TrimPrefix(content, "```json")
	content = strings.TrimPrefix(content, "```")
	content = strings.TrimSuffix(content, "```")

	var reply struct {
		Keypoints []Keypoint `json:"keypoints"`
	}
	if err := json.Unmarshal([]byte(strings.TrimSpace(content)), &reply); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadResponse, err)
	}

	known := make(map[string]bool, len(KeypointNames))
	for _, name := range KeypointNames {
		known[name] = true
	}

	kps := make([]Keypoint, 0, len(reply.Keypoints))
	for _, kp := range reply.Keypoints {
		if !known[kp.Name] {
			continue
		}
		kps = append(kps, Keypoint{
			Name:  kp.Name,
			X:     clamp01(kp.X),
			Y:     clamp01(kp.Y),
			Score: clamp01(kp.Score),
		})
	}
	return kps, nil
}

// classifyAPIError marks overload responses as resource exhaustion.
func classifyAPIError(err error) error {
	status := 0
	var apiErr *openai.APIError
	var reqErr *openai.RequestError
	switch {
	case errors.As(err, &apiErr):
		status = apiErr.HTTPStatusCode
	case errors.As(err, &reqErr):
		status = reqErr.HTTPStatusCode
	}
	if status == http.StatusTooManyRequests || status == http.StatusServiceUnavailable {
		return fmt.Errorf("%w: %w", mlresult.ErrResourceExhausted, err)
	}
	return err
}

type remoteHandle struct {
	owner  *RemoteBackend
	client *openai.Client
	http   *http.Client
	closed atomic.Bool
}

func (h *remoteHandle) Close() error {
	if !h.closed.CompareAndSwap(false, true) {
		return fmt.Errorf("%s: %w", h.owner.cfg.Name, ErrHandleClosed)
	}
	h.http.CloseIdleConnections()
	return nil
}
