package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"iter"
	"math"
	"net/http"
	"strings"
	"time"

	"github.com/sashabaranov/go-openai"

	"github.com/comigor/chatline/internal/apperr"
)

const (
	apiVersionSuffix = "/v1"
	completionsPath  = "/chat/completions"
)

// Options configures the shared OpenAI-compatible backend.
type Options struct {
	// HandshakeTimeout bounds the wait for response headers. Streamed bodies
	// are not time-boxed.
	HandshakeTimeout time.Duration
	// HTTPClient overrides the pooled client built from HandshakeTimeout.
	HTTPClient *http.Client
}

// OpenAI talks to any OpenAI-compatible chat completions endpoint. One value
// is built at startup and shared; every call builds its own go-openai client
// on top of the shared connection pool, so concurrent calls share no mutable
// state.
type OpenAI struct {
	http *http.Client
}

var (
	_ Backend     = (*OpenAI)(nil)
	_ ModelLister = (*OpenAI)(nil)
)

// NewOpenAI creates the backend.
func NewOpenAI(opts Options) *OpenAI {
	client := opts.HTTPClient
	if client == nil {
		transport := http.DefaultTransport.(*http.Transport).Clone()
		transport.ResponseHeaderTimeout = opts.HandshakeTimeout
		client = &http.Client{Transport: transport}
	}
	return &OpenAI{http: client}
}

// APIBase returns the versioned API root for a provider base URL.
func APIBase(baseURL string) string {
	base := strings.TrimRight(baseURL, "/")
	if strings.HasSuffix(base, apiVersionSuffix) {
		return base
	}
	return base + apiVersionSuffix
}

// CompletionsURL returns the chat completions URL for a provider base URL:
// https://x/v1 and https://x both map to https://x/v1/chat/completions.
func CompletionsURL(baseURL string) string {
	return APIBase(baseURL) + completionsPath
}

// client builds a go-openai client for one call to ep.
func (o *OpenAI) client(ep Endpoint) (*openai.Client, *upstreamDoer) {
	doer := &upstreamDoer{client: o.http}
	config := openai.DefaultConfig(ep.APIKey)
	config.BaseURL = APIBase(ep.BaseURL)
	config.HTTPClient = doer
	// Comment lines and event separators count as empty messages; providers
	// send keep-alive comments for as long as a reply takes.
	config.EmptyMessagesLimit = math.MaxUint
	return openai.NewClientWithConfig(config), doer
}

// Chat starts a streaming completion.
func (o *OpenAI) Chat(ctx context.Context, ep Endpoint, modelID string, messages []Message) (*Stream, error) {
	client, doer := o.client(ep)

	req := openai.ChatCompletionRequest{
		Model:    modelID,
		Messages: make([]openai.ChatCompletionMessage, 0, len(messages)),
		Stream:   true,
	}
	for _, m := range messages {
		req.Messages = append(req.Messages, openai.ChatCompletionMessage{Role: m.Role, Content: m.Content})
	}

	stream, err := client.CreateChatCompletionStream(ctx, req)
	if err != nil {
		return nil, handshakeError(err, doer.rejected)
	}
	return NewStream(fragments(stream), stream.Close), nil
}

// ListModels lists the models served at ep. Failures map like a rejected Chat.
func (o *OpenAI) ListModels(ctx context.Context, ep Endpoint) ([]string, error) {
	client, doer := o.client(ep)
	list, err := client.ListModels(ctx)
	if err != nil {
		return nil, handshakeError(err, doer.rejected)
	}
	ids := make([]string, 0, len(list.Models))
	for _, m := range list.Models {
		ids = append(ids, m.ID)
	}
	return ids, nil
}

// fragments turns raw SSE payloads into text increments. go-openai consumes
// the [DONE] sentinel and reports it as io.EOF.
func fragments(stream *openai.ChatCompletionStream) iter.Seq2[string, error] {
	return func(yield func(string, error) bool) {
		for {
			raw, err := stream.RecvRaw()
			if errors.Is(err, io.EOF) {
				return
			}
			if err != nil {
				yield("", apperr.Internal("Stream error", err))
				return
			}

			var chunk openai.ChatCompletionStreamResponse
			if err := json.Unmarshal(raw, &chunk); err != nil {
				if !yield("", apperr.Internal(fmt.Sprintf("Failed to parse SSE data: %s", raw), err)) {
					return
				}
				continue
			}
			if len(chunk.Choices) == 0 || chunk.Choices[0].Delta.Content == "" {
				continue
			}
			if !yield(chunk.Choices[0].Delta.Content, nil) {
				return
			}
		}
	}
}

// handshakeError maps a failed stream start. A rejection carries the
// upstream body as sent; go-openai's parsed message is the fallback.
func handshakeError(err error, body []byte) error {
	detail := strings.TrimSpace(string(body))
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) && apiErr.HTTPStatusCode != 0 {
		if detail == "" {
			detail = apiErr.Message
		}
		return apperr.BadRequestUpstream(apiErr.HTTPStatusCode, detail)
	}
	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) {
		if detail == "" {
			detail = reqErr.Error()
		}
		return apperr.BadRequestUpstream(reqErr.HTTPStatusCode, detail)
	}
	return apperr.Internal("Failed to call model API", err)
}

// upstreamDoer serves one Chat call. It drops the Authorization header
// go-openai adds when the provider has no key, and keeps a copy of the body
// of a rejected request.
type upstreamDoer struct {
	client   *http.Client
	rejected []byte
}

func (d *upstreamDoer) Do(req *http.Request) (*http.Response, error) {
	if strings.TrimSpace(req.Header.Get("Authorization")) == "Bearer" {
		req.Header.Del("Authorization")
	}
	resp, err := d.client.Do(req)
	if err != nil || (resp.StatusCode >= http.StatusOK && resp.StatusCode < http.StatusBadRequest) {
		return resp, err
	}

	body, err := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	if err != nil {
		return nil, fmt.Errorf("reading rejected response body: %w", err)
	}
	d.rejected = body
	resp.Body = io.NopCloser(bytes.NewReader(body))
	return resp, nil
}
