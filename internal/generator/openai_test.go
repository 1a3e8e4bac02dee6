package generator

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/cenkalti/backoff/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/digichar/keeper/internal/config"
)

var fakePNG = []byte{0x89, 'P', 'N', 'G', 0x0d, 0x0a, 0x1a, 0x0a}

type fakeAPI struct {
	chatFailures  int32
	chatCalls     atomic.Int32
	imageCalls    atomic.Int32
	characters    int
	imageByURL    bool
	lastChatModel atomic.Value
}

func (f *fakeAPI) server(t *testing.T) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	var srv *httptest.Server

	mux.HandleFunc("/v1/chat/completions", func(w http.ResponseWriter, r *http.Request) {
		n := f.chatCalls.Add(1)
		if n <= f.chatFailures {
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = io.WriteString(w, `{"error":{"message":"overloaded","type":"server_error"}}`)
			return
		}
		var req struct {
			Model string `json:"model"`
		}
		_ = json.NewDecoder(r.Body).Decode(&req)
		f.lastChatModel.Store(req.Model)

		chars := make([]map[string]string, f.characters)
		for i := range chars {
			chars[i] = map[string]string{
				"name":        fmt.Sprintf("Hero %d", i),
				"symbol":      fmt.Sprintf("hr-%d", i),
				"description": "A brave one.",
				"appearance":  "red cloak",
			}
		}
		content, _ := json.Marshal(map[string]any{"characters": chars})
		_ = json.NewEncoder(w).Encode(map[string]any{
			"id":      "chatcmpl-1",
			"object":  "chat.completion",
			"created": 0,
			"model":   req.Model,
			"choices": []map[string]any{{
				"index":         0,
				"finish_reason": "stop",
				"message":       map[string]any{"role": "assistant", "content": string(content)},
			}},
		})
	})

	mux.HandleFunc("/v1/images/generations", func(w http.ResponseWriter, r *http.Request) {
		f.imageCalls.Add(1)
		item := map[string]string{"b64_json": base64.StdEncoding.EncodeToString(fakePNG)}
		if f.imageByURL {
			item = map[string]string{"url": srv.URL + "/files/avatar.png"}
		}
		_ = json.NewEncoder(w).Encode(map[string]any{"created": 0, "data": []any{item}})
	})

	mux.HandleFunc("/files/avatar.png", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write(fakePNG)
	})

	srv = httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func newTestOpenAI(t *testing.T, srv *httptest.Server, attempts int) *OpenAI {
	t.Helper()
	g := NewOpenAI(config.GeneratorConfig{
		APIKey:      "sk-test",
		BaseURL:     srv.URL + "/v1",
		Model:       "test-model",
		ImageModel:  "test-image",
		MaxAttempts: attempts,
		Theme:       "testing",
	}, slog.New(slog.NewTextHandler(io.Discard, nil)), noop.NewTracerProvider())
	g.newBackOff = func() backoff.BackOff { return &backoff.ZeroBackOff{} }
	return g
}

func TestOpenAI_Generate(t *testing.T) {
	api := &fakeAPI{characters: 3}
	g := newTestOpenAI(t, api.server(t), 1)

	drafts, err := g.Generate(context.Background(), 3)
	require.NoError(t, err)
	require.Len(t, drafts, 3)

	for i, d := range drafts {
		assert.Equal(t, fmt.Sprintf("Hero %d", i), d.Name)
		assert.Equal(t, fmt.Sprintf("HR%d", i), d.Symbol)
		assert.Equal(t, fakePNG, d.Avatar)
	}
	assert.Equal(t, int32(3), api.imageCalls.Load())
	assert.Equal(t, "test-model", api.lastChatModel.Load())
}

func TestOpenAI_ImageByURL(t *testing.T) {
	api := &fakeAPI{characters: 1, imageByURL: true}
	g := newTestOpenAI(t, api.server(t), 1)

	drafts, err := g.Generate(context.Background(), 1)
	require.NoError(t, err)
	assert.Equal(t, fakePNG, drafts[0].Avatar)
}

func TestOpenAI_RetriesTransientFailure(t *testing.T) {
	api := &fakeAPI{characters: 2, chatFailures: 2}
	g := newTestOpenAI(t, api.server(t), 3)

	drafts, err := g.Generate(context.Background(), 2)
	require.NoError(t, err)
	assert.Len(t, drafts, 2)
	assert.Equal(t, int32(3), api.chatCalls.Load())
}

func TestOpenAI_ExhaustedAttempts(t *testing.T) {
	api := &fakeAPI{characters: 2, chatFailures: 10}
	g := newTestOpenAI(t, api.server(t), 2)

	_, err := g.Generate(context.Background(), 2)
	assert.ErrorIs(t, err, ErrGeneration)
	assert.Equal(t, int32(2), api.chatCalls.Load())
}

func TestOpenAI_TooFewCharacters(t *testing.T) {
	api := &fakeAPI{characters: 1}
	g := newTestOpenAI(t, api.server(t), 2)

	_, err := g.Generate(context.Background(), 3)
	assert.ErrorIs(t, err, ErrGeneration)
	assert.Equal(t, int32(2), api.chatCalls.Load())
	assert.Zero(t, api.imageCalls.Load())
}
