package captioning

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/openai/openai-go/option"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"incident-detector-service/internal/config"
)

func completionServer(t *testing.T, status int, content string) (*httptest.Server, *map[string]any) {
	t.Helper()
	var got map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.True(t, strings.HasSuffix(r.URL.Path, "/chat/completions"))
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&got))

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		if status != http.StatusOK {
			_, _ = w.Write([]byte(`{"error":{"message":"model overloaded","type":"server_error"}}`))
			return
		}
		resp := map[string]any{
			"id":      "chatcmpl-1",
			"object":  "chat.completion",
			"created": 1700000000,
			"model":   "gpt-4o-mini",
			"choices": []map[string]any{{
				"index":         0,
				"finish_reason": "stop",
				"message":       map[string]any{"role": "assistant", "content": content},
			}},
		}
		_ = json.NewEncoder(w).Encode(resp)
	}))
	t.Cleanup(srv.Close)
	return srv, &got
}

func newTestCaptioner(srv *httptest.Server) *Captioner {
	cfg := &config.CaptionConfig{Enabled: true, BaseURL: srv.URL + "/v1/", Model: "gpt-4o-mini", MaxTokens: 50}
	return NewCaptioner(cfg, option.WithMaxRetries(0)).(*Captioner)
}

func TestCaption(t *testing.T) {
	srv, got := completionServer(t, http.StatusOK, "  a car has crashed into a pole \n")
	c := newTestCaptioner(srv)

	caption := c.Caption(context.Background(), []byte("\xff\xd8\xff\xe0fake-jpeg"))
	assert.Equal(t, "A car has crashed into a pole", caption)

	req := *got
	assert.Equal(t, "gpt-4o-mini", req["model"])
	assert.EqualValues(t, 50, req["max_tokens"])

	messages, ok := req["messages"].([]any)
	require.True(t, ok)
	require.Len(t, messages, 1)
	raw, err := json.Marshal(messages[0])
	require.NoError(t, err)
	assert.Contains(t, string(raw), "data:image/jpeg;base64,")
}

func TestCaption_EmptyResponse(t *testing.T) {
	srv, _ := completionServer(t, http.StatusOK, "   ")
	c := newTestCaptioner(srv)

	assert.Equal(t, "No caption available", c.Caption(context.Background(), []byte("img")))
}

func TestCaption_FailureBecomesText(t *testing.T) {
	srv, _ := completionServer(t, http.StatusInternalServerError, "")
	c := newTestCaptioner(srv)

	caption := c.Caption(context.Background(), []byte("img"))
	assert.True(t, strings.HasPrefix(caption, "Captioning failed: "), caption)
}

func TestCaption_Disabled(t *testing.T) {
	c := NewCaptioner(&config.CaptionConfig{Enabled: false})

	assert.Equal(t, "No caption available", c.Caption(context.Background(), []byte("img")))
}

func TestNormalizeCaption(t *testing.T) {
	assert.Equal(t, "No caption available", normalizeCaption(""))
	assert.Equal(t, "Smoke over a road", normalizeCaption("smoke over a road"))
	assert.Equal(t, "Émeute", normalizeCaption("émeute"))
	assert.Equal(t, "Already fine", normalizeCaption("Already fine"))
}
