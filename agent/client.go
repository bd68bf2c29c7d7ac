// Package agent holds the inference client and the decision pipeline
// that turns chat context into a reply or a tool-call sequence.
package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"
)

// Client is the inference capability the rest of the program depends on.
type Client interface {
	Complete(ctx context.Context, prompt string, opts Options) (string, error)
}

// Options tune one completion request.
type Options struct {
	System    string
	Deep      bool // use the deep model instead of the fast one
	JSON      bool // ask for a JSON response body
	Unlimited bool // lift the output token cap
}

const defaultMaxTokens = 2048

// GeminiClient talks to the Gemini HTTP API. It holds several API keys
// and rotates to the next one whenever a request fails, retrying up to
// twice per key before giving up.
type GeminiClient struct {
	keys      []string
	keyMu     sync.Mutex
	keyIndex  int
	fastModel string
	deepModel string
	endpoint  string
	http      *http.Client
}

func NewGeminiClient(keys []string, fastModel, deepModel string) (*GeminiClient, error) {
	if len(keys) == 0 {
		return nil, fmt.Errorf("no inference API keys configured")
	}
	if fastModel == "" {
		fastModel = "gemini-2.0-flash"
	}
	if deepModel == "" {
		deepModel = "gemini-2.5-flash"
	}
	return &GeminiClient{
		keys:      keys,
		fastModel: fastModel,
		deepModel: deepModel,
		endpoint:  "https://generativelanguage.googleapis.com/v1beta/models",
		http:      &http.Client{Timeout: 90 * time.Second},
	}, nil
}

type geminiRequest struct {
	Contents          []geminiContent `json:"contents"`
	SystemInstruction *geminiContent  `json:"systemInstruction,omitempty"`
	GenerationConfig  geminiGenConfig `json:"generationConfig"`
}

type geminiContent struct {
	Parts []geminiPart `json:"parts"`
}

type geminiPart struct {
	Text string `json:"text"`
}

type geminiGenConfig struct {
	Temperature      float64 `json:"temperature"`
	MaxOutputTokens  int     `json:"maxOutputTokens,omitempty"`
	CandidateCount   int     `json:"candidateCount"`
	ResponseMimeType string  `json:"responseMimeType,omitempty"`
}

type geminiResponse struct {
	Candidates []struct {
		Content geminiContent `json:"content"`
	} `json:"candidates"`
	Error *struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

func (c *GeminiClient) Complete(ctx context.Context, prompt string, opts Options) (string, error) {
	model := c.fastModel
	if opts.Deep {
		model = c.deepModel
	}

	req := geminiRequest{
		Contents: []geminiContent{{Parts: []geminiPart{{Text: prompt}}}},
		GenerationConfig: geminiGenConfig{
			Temperature:    0.7,
			CandidateCount: 1,
		},
	}
	if opts.System != "" {
		req.SystemInstruction = &geminiContent{Parts: []geminiPart{{Text: opts.System}}}
	}
	if !opts.Unlimited {
		req.GenerationConfig.MaxOutputTokens = defaultMaxTokens
	}
	if opts.JSON {
		req.GenerationConfig.ResponseMimeType = "application/json"
	}
	body, _ := json.Marshal(req)

	attempts := len(c.keys) * 2
	var lastErr error
	for i := 0; i < attempts; i++ {
		text, err := c.once(ctx, model, body)
		if err == nil {
			return text, nil
		}
		lastErr = err
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		slog.Warn("inference request failed, rotating key",
			"attempt", i+1, "attempts", attempts, "err", err)
		c.rotateKey()

		select {
		case <-time.After(time.Second):
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	return "", fmt.Errorf("all inference API keys exhausted: %w", lastErr)
}

func (c *GeminiClient) currentKey() string {
	c.keyMu.Lock()
	defer c.keyMu.Unlock()
	return c.keys[c.keyIndex]
}

func (c *GeminiClient) rotateKey() {
	c.keyMu.Lock()
	defer c.keyMu.Unlock()
	c.keyIndex = (c.keyIndex + 1) % len(c.keys)
}

func (c *GeminiClient) once(ctx context.Context, model string, body []byte) (string, error) {
	url := fmt.Sprintf("%s/%s:generateContent?key=%s", c.endpoint, model, c.currentKey())

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return "", err
	}

	var parsed geminiResponse
	if err := json.Unmarshal(data, &parsed); err != nil {
		return "", fmt.Errorf("decode response: %w", err)
	}
	if parsed.Error != nil {
		return "", fmt.Errorf("API error %d: %s", parsed.Error.Code, parsed.Error.Message)
	}
	if len(parsed.Candidates) == 0 {
		return "", fmt.Errorf("empty response")
	}

	var texts []string
	for _, p := range parsed.Candidates[0].Content.Parts {
		if p.Text != "" {
			texts = append(texts, p.Text)
		}
	}
	out := strings.TrimSpace(strings.Join(texts, ""))
	if out == "" {
		return "", fmt.Errorf("response had no text")
	}
	return out, nil
}
