package pipeline

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/05kashyap/intellicare/internal/metrics"
)

// OllamaResponder generates replies from a local Ollama server. Used for
// deployments that keep generation on-prem.
type OllamaResponder struct {
	url       string
	model     string
	maxTokens int
	client    *http.Client
}

// NewOllamaResponder creates an Ollama chat backend.
func NewOllamaResponder(url, model string, maxTokens, poolSize int) *OllamaResponder {
	return &OllamaResponder{
		url:       url,
		model:     model,
		maxTokens: maxTokens,
		client:    NewPooledHTTPClient(poolSize, 60*time.Second),
	}
}

type ollamaMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type ollamaRequest struct {
	Model    string          `json:"model"`
	Stream   bool            `json:"stream"`
	Messages []ollamaMessage `json:"messages"`
	Options  ollamaOptions   `json:"options"`
}

type ollamaOptions struct {
	NumPredict  int     `json:"num_predict"`
	Temperature float64 `json:"temperature"`
}

type ollamaResponse struct {
	Message ollamaMessage `json:"message"`
}

func (c *OllamaResponder) Respond(ctx context.Context, req *GenRequest) (*Reply, error) {
	messages := []ollamaMessage{{Role: "system", Content: req.System}}
	if req.Memory != "" {
		messages = append(messages, ollamaMessage{Role: "system", Content: req.Memory})
	}
	for _, m := range req.History {
		messages = append(messages, ollamaMessage{Role: m.Role, Content: m.Content})
	}
	messages = append(messages, ollamaMessage{Role: "user", Content: req.UserText})
	if req.Feedback != "" {
		messages = append(messages, ollamaMessage{Role: "system", Content: req.Feedback})
	}

	bodyBytes, err := json.Marshal(ollamaRequest{
		Model:    c.model,
		Stream:   false,
		Messages: messages,
		Options:  ollamaOptions{NumPredict: c.maxTokens, Temperature: 0.2},
	})
	if err != nil {
		return nil, fmt.Errorf("marshal ollama request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, "POST", c.url+"/api/chat", bytes.NewReader(bodyBytes))
	if err != nil {
		return nil, fmt.Errorf("create ollama request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(httpReq)
	if err != nil {
		metrics.Errors.WithLabelValues("generate", "http").Inc()
		return nil, fmt.Errorf("ollama request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		metrics.Errors.WithLabelValues("generate", "status").Inc()
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("ollama status %d: %s", resp.StatusCode, body)
	}

	var result ollamaResponse
	if err = json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("decode ollama response: %w", err)
	}
	return &Reply{Text: strings.TrimSpace(result.Message.Content)}, nil
}
