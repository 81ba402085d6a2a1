package inference

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"

	"mlpipeline/mlresult"

	openai "github.com/sashabaranov/go-openai"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type mockVisionServer struct {
	reply      string
	status     int
	models     []string
	chatCalls  atomic.Int32
	lastHasImg atomic.Bool
}

func (m *mockVisionServer) start(t *testing.T) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		switch r.URL.Path {
		case "/v1/models":
			list := openai.ModelsList{}
			for _, id := range m.models {
				list.Models = append(list.Models, openai.Model{ID: id})
			}
			json.NewEncoder(w).Encode(list)
		case "/v1/chat/completions":
			m.chatCalls.Add(1)
			var req openai.ChatCompletionRequest
			json.NewDecoder(r.Body).Decode(&req)
			for _, msg := range req.Messages {
				for _, part := range msg.MultiContent {
					if part.ImageURL != nil && strings.HasPrefix(part.ImageURL.URL, "data:image/jpeg;base64,") {
						m.lastHasImg.Store(true)
					}
				}
			}
			if m.status != 0 {
				w.WriteHeader(m.status)
				json.NewEncoder(w).Encode(map[string]any{
					"error": map[string]string{"message": "overloaded", "type": "server_error"},
				})
				return
			}
			json.NewEncoder(w).Encode(openai.ChatCompletionResponse{
				Choices: []openai.ChatCompletionChoice{
					{Message: openai.ChatCompletionMessage{Content: m.reply}},
				},
			})
		default:
			http.NotFound(w, r)
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

func newRemote(srv *httptest.Server, model string) *RemoteBackend {
	return NewRemoteBackend(RemoteConfig{
		BaseURL: srv.URL + "/v1",
		APIKey:  "test-key",
		Model:   model,
	})
}

func TestRemoteBackend_Infer(t *testing.T) {
	mock := &mockVisionServer{
		models: []string{"pose-vl"},
		reply:  "```json\n{\"keypoints\":[{\"name\":\"nose\",\"x\":0.5,\"y\":0.2,\"score\":0.9},{\"name\":\"tail\",\"x\":0.1,\"y\":0.1,\"score\":1},{\"name\":\"left_wrist\",\"x\":1.4,\"y\":0.6,\"score\":0.7}]}\n```",
	}
	srv := mock.start(t)
	b := newRemote(srv, "pose-vl")

	h, err := b.Initialize(context.Background())
	require.NoError(t, err)
	defer h.Close()

	got, err := b.Infer(context.Background(), h, figure(50))
	require.NoError(t, err)

	assert.True(t, mock.lastHasImg.Load(), "request should carry the frame as a data URL")
	require.Len(t, got.Keypoints, 2, "unknown keypoint names are dropped")
	assert.Equal(t, "nose", got.Keypoints[0].Name)
	assert.Equal(t, 1.0, got.Keypoints[1].X, "coordinates are clamped")
	assert.InDelta(t, 0.8, got.Confidence, 1e-9)
	assert.Equal(t, 384, got.InputWidth)
	assert.Equal(t, "remote", got.Backend)
}

func TestRemoteBackend_InitializeChecksModel(t *testing.T) {
	mock := &mockVisionServer{models: []string{"text-only"}}
	srv := mock.start(t)

	_, err := newRemote(srv, "pose-vl").Initialize(context.Background())
	assert.ErrorContains(t, err, "not served")

	_, err = NewRemoteBackend(RemoteConfig{BaseURL: srv.URL + "/v1"}).Initialize(context.Background())
	assert.ErrorContains(t, err, "no model configured")

	skip := NewRemoteBackend(RemoteConfig{BaseURL: srv.URL + "/v1", Model: "pose-vl", SkipModelCheck: true})
	h, err := skip.Initialize(context.Background())
	require.NoError(t, err)
	require.NoError(t, h.Close())
}

func TestRemoteBackend_OverloadIsExhaustion(t *testing.T) {
	tests := []struct {
		name          string
		status        int
		wantExhausted bool
	}{
		{"rate limited", http.StatusTooManyRequests, true},
		{"unavailable", http.StatusServiceUnavailable, true},
		{"bad request", http.StatusBadRequest, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mock := &mockVisionServer{models: []string{"pose-vl"}, status: tt.status}
			srv := mock.start(t)
			b := newRemote(srv, "pose-vl")
			h, err := b.Initialize(context.Background())
			require.NoError(t, err)

			_, err = b.Infer(context.Background(), h, figure(50))
			require.Error(t, err)
			assert.Equal(t, tt.wantExhausted, mlresult.IsResourceExhausted(err))
		})
	}
}

func TestRemoteBackend_BadReply(t *testing.T) {
	mock := &mockVisionServer{models: []string{"pose-vl"}, reply: "I see a person waving."}
	srv := mock.start(t)
	b := newRemote(srv, "pose-vl")
	h, err := b.Initialize(context.Background())
	require.NoError(t, err)

	_, err = b.Infer(context.Background(), h, figure(50))
	assert.ErrorIs(t, err, ErrBadResponse)
}

func TestRemoteBackend_ClosedHandle(t *testing.T) {
	mock := &mockVisionServer{models: []string{"pose-vl"}}
	srv := mock.start(t)
	b := newRemote(srv, "pose-vl")
	h, err := b.Initialize(context.Background())
	require.NoError(t, err)
	require.NoError(t, h.Close())

	_, err = b.Infer(context.Background(), h, figure(50))
	assert.ErrorIs(t, err, ErrHandleClosed)
	assert.Zero(t, mock.chatCalls.Load())
}
