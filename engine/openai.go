package engine

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/hazyhaar/extraq/cache"
	"github.com/hazyhaar/extraq/merge"
)

const systemPrompt = `You are a document extraction engine. Extract entities from the document per the user's instructions. Reply with JSON only, shaped as {"entities":[{"extraction_class":"...","extraction_text":"...","attributes":{},"char_span":{"start":0,"end":0}}]}. Omit char_span when you cannot locate the exact source text.`

// Client is an Engine over any OpenAI-compatible chat-completions endpoint.
// When a response-tier cache is attached, completions are cached per call
// unless the request bypasses it.
type Client struct {
	provider  string
	baseURL   string
	apiKey    string
	model     string
	http      *http.Client
	responses *cache.Tier
	logger    *slog.Logger
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithHTTPClient overrides the default HTTP client (45s timeout).
func WithHTTPClient(h *http.Client) ClientOption {
	return func(c *Client) { c.http = h }
}

// WithResponseCache attaches the response-tier cache.
func WithResponseCache(t *cache.Tier) ClientOption {
	return func(c *Client) { c.responses = t }
}

// WithLogger overrides the default slog logger.
func WithLogger(l *slog.Logger) ClientOption {
	return func(c *Client) { c.logger = l }
}

// WithDefaultModel sets the model used when a request leaves Model empty.
func WithDefaultModel(model string) ClientOption {
	return func(c *Client) { c.model = model }
}

// NewClient builds a Client. provider is the label used in errors and result
// metadata; baseURL is the API root (e.g. "https://api.openai.com/v1").
func NewClient(provider, baseURL, apiKey string, opts ...ClientOption) *Client {
	c := &Client{
		provider: provider,
		baseURL:  strings.TrimRight(baseURL, "/"),
		apiKey:   apiKey,
		http:     &http.Client{Timeout: 45 * time.Second},
		logger:   slog.Default(),
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model          string        `json:"model"`
	Messages       []chatMessage `json:"messages"`
	Temperature    float64       `json:"temperature"`
	ResponseFormat struct {
		Type string `json:"type"`
	} `json:"response_format"`
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
	Usage struct {
		TotalTokens int `json:"total_tokens"`
	} `json:"usage"`
}

// Run performs one extraction pass.
func (c *Client) Run(ctx context.Context, req Request) (merge.PassResult, error) {
	if req.Model == "" {
		req.Model = c.model
	}
	userPrompt := buildUserPrompt(req)
	key := cache.ResponseKey(userPrompt, req.Model, map[string]any{"temperature": req.Temperature})

	if c.responses != nil && !req.BypassResponseCache {
		if raw, ok := c.responses.Get(ctx, key); ok {
			var pr merge.PassResult
			if err := json.Unmarshal(raw, &pr); err == nil {
				c.logger.Debug("engine: response cache hit", "provider", c.provider, "model", req.Model)
				return pr, nil
			}
		}
	}

	body := chatRequest{
		Model: req.Model,
		Messages: []chatMessage{
			{Role: "system", Content: systemPrompt},
			{Role: "user", Content: userPrompt},
		},
		Temperature: req.Temperature,
	}
	body.ResponseFormat.Type = "json_object"

	raw, status, err := c.sendJSON(ctx, c.baseURL+"/chat/completions", body)
	if err != nil {
		switch {
		case status == http.StatusUnauthorized || status == http.StatusForbidden:
			return merge.PassResult{}, Errf(KindAuth, c.provider, "status %d: %s", status, truncate(raw))
		case status == http.StatusTooManyRequests:
			return merge.PassResult{}, Errf(KindRateLimit, c.provider, "status %d: %s", status, truncate(raw))
		default:
			return merge.PassResult{}, Errf(KindTransport, c.provider, "chat completion: %w", err)
		}
	}

	var resp chatResponse
	if err := json.Unmarshal(raw, &resp); err != nil || len(resp.Choices) == 0 {
		return merge.PassResult{}, Errf(KindMalformedOutput, c.provider, "decode completion envelope: %v", err)
	}

	entities, err := ParseEntities(resp.Choices[0].Message.Content)
	if err != nil {
		return merge.PassResult{}, Errf(KindMalformedOutput, c.provider, "parse entities: %w", err)
	}

	pr := merge.PassResult{Entities: entities, TokensUsed: resp.Usage.TotalTokens}

	if c.responses != nil {
		if b, err := json.Marshal(pr); err == nil {
			c.responses.Put(ctx, key, b)
		}
	}
	return pr, nil
}

func buildUserPrompt(req Request) string {
	var b strings.Builder
	b.WriteString(req.Prompt)
	if len(req.Examples) > 0 {
		b.WriteString("\n\nExamples:\n")
		b.Write(req.Examples)
	}
	b.WriteString("\n\nDocument:\n")
	b.WriteString(req.Text)
	return b.String()
}

// ParseEntities pulls the entity list out of a model reply. Models wrap JSON
// in code fences or prose often enough that strict decoding would fail
// constantly, so this trims to the outermost JSON value first.
func ParseEntities(content string) ([]merge.Entity, error) {
	content = strings.TrimSpace(content)
	content = strings.TrimPrefix(content, "```json")
	content = strings.TrimPrefix(content, "```")
	content = strings.TrimSuffix(content, "```")
	content = strings.TrimSpace(content)

	start := strings.IndexAny(content, "{[")
	if start < 0 {
		return nil, fmt.Errorf("no JSON value in reply")
	}
	content = content[start:]

	var envelope struct {
		Entities []merge.Entity `json:"entities"`
	}
	if err := json.Unmarshal([]byte(content), &envelope); err == nil && envelope.Entities != nil {
		return normalize(envelope.Entities), nil
	}

	var bare []merge.Entity
	if err := json.Unmarshal([]byte(content), &bare); err == nil {
		return normalize(bare), nil
	}
	return nil, fmt.Errorf("reply is neither an entity envelope nor an entity array")
}

func normalize(entities []merge.Entity) []merge.Entity {
	for i := range entities {
		if entities[i].Confidence == 0 {
			entities[i].Confidence = 1
		}
	}
	return entities
}

// sendJSON posts body as JSON and returns the raw response. Non-2xx counts
// as an error with the status attached.
func (c *Client) sendJSON(ctx context.Context, url string, body any) ([]byte, int, error) {
	bs, err := json.Marshal(body)
	if err != nil {
		return nil, 0, fmt.Errorf("encode request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(bs))
	if err != nil {
		return nil, 0, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, 0, err
	}
	defer resp.Body.Close()

	raw, _ := io.ReadAll(resp.Body)
	c.logger.Debug("engine: http response",
		"provider", c.provider,
		"status", resp.StatusCode,
		"bytes", len(raw),
		"elapsed_ms", time.Since(start).Milliseconds(),
	)

	if resp.StatusCode/100 != 2 {
		return raw, resp.StatusCode, fmt.Errorf("non-2xx status: %d", resp.StatusCode)
	}
	return raw, resp.StatusCode, nil
}

func truncate(b []byte) string {
	const limit = 200
	if len(b) > limit {
		return string(b[:limit]) + "…"
	}
	return string(b)
}
