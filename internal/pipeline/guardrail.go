package pipeline

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/05kashyap/intellicare/internal/metrics"
)

// GuardMode selects which policy a safety check enforces.
type GuardMode string

const (
	// GuardInput screens caller transcripts for hate speech and harassment.
	GuardInput GuardMode = "input"
	// GuardOutput screens candidate replies for dangerous content.
	GuardOutput GuardMode = "output"
)

// Verdict is the result of one safety check.
type Verdict struct {
	Pass     bool    `json:"pass"`
	Category string  `json:"category"`
	Score    float64 `json:"score"`
}

// SafetyClassifier scores text against a content policy.
type SafetyClassifier interface {
	Check(ctx context.Context, text string, mode GuardMode) (*Verdict, error)
}

// guardPolicies maps the check mode to the classifier-side policy name.
// One policy per request; mirrors a ShieldGemma-style guard service.
var guardPolicies = map[GuardMode]string{
	GuardInput:  "no_harassment",
	GuardOutput: "no_dangerous_content",
}

// GuardClient calls an HTTP guard sidecar that classifies text as safe/unsafe
// per policy with a confidence score.
type GuardClient struct {
	url       string
	threshold float64
	client    *http.Client
}

// NewGuardClient creates a guardrail client. Scores at or above threshold
// fail the check.
func NewGuardClient(url string, threshold float64, poolSize int) *GuardClient {
	return &GuardClient{
		url:       url,
		threshold: threshold,
		client:    NewPooledHTTPClient(poolSize, 10*time.Second),
	}
}

type guardRequest struct {
	Text   string `json:"text"`
	Policy string `json:"policy"`
}

type guardResponse struct {
	Classification string  `json:"classification"` // "safe" | "unsafe"
	Category       string  `json:"category"`
	Score          float64 `json:"score"`
}

// Check classifies text under the policy for the given mode.
func (g *GuardClient) Check(ctx context.Context, text string, mode GuardMode) (*Verdict, error) {
	start := time.Now()

	body, err := json.Marshal(guardRequest{Text: text, Policy: guardPolicies[mode]})
	if err != nil {
		return nil, fmt.Errorf("marshal guard request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, "POST", g.url+"/validate", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create guard request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := g.client.Do(req)
	if err != nil {
		metrics.Errors.WithLabelValues("guard", "http").Inc()
		return nil, fmt.Errorf("guard request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		metrics.Errors.WithLabelValues("guard", "status").Inc()
		return nil, fmt.Errorf("guard status %d: %s", resp.StatusCode, respBody)
	}

	var result guardResponse
	if err = json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("decode guard response: %w", err)
	}

	metrics.StageDuration.WithLabelValues("guard").Observe(time.Since(start).Seconds())

	pass := result.Classification != "unsafe" || result.Score < g.threshold
	return &Verdict{Pass: pass, Category: result.Category, Score: result.Score}, nil
}
