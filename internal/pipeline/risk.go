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

// RiskSignal is the observational danger assessment for one turn. It never
// gates reply delivery; it only feeds escalation and reporting.
type RiskSignal struct {
	Score      float64 `json:"score"`
	Confidence float64 `json:"confidence"`
	Category   string  `json:"category"`
}

// RiskScorer scores a caller utterance for self-harm intensity.
type RiskScorer interface {
	Score(ctx context.Context, text string) (*RiskSignal, error)
}

// riskScores maps the topic-classifier categories to numeric danger scores.
// Suicidal planning is the acute case and always clears any sane
// escalation threshold.
var riskScores = map[string]float64{
	"Suicidal planning":               1.0,
	"Previous attempt":                0.8,
	"Consumption":                     0.55,
	"Ability to take care of oneself": 0.55,
	"Ability to control oneself":      0.35,
	"Ability to hope for change":      0.3,
	"Presence of a loved one":         0.25,
	"Other":                           0.1,
}

// TopicRiskClient calls an HTTP classifier that labels an utterance with one
// of the suicidal-topic categories. Non-English input is translated to
// English first when a translator is configured; translation failure falls
// back to the raw text.
type TopicRiskClient struct {
	url        string
	translator *TranslateClient
	client     *http.Client
}

// NewTopicRiskClient creates a risk classifier client. translator may be nil.
func NewTopicRiskClient(url string, translator *TranslateClient, poolSize int) *TopicRiskClient {
	return &TopicRiskClient{
		url:        url,
		translator: translator,
		client:     NewPooledHTTPClient(poolSize, 15*time.Second),
	}
}

type riskResponse struct {
	Category   string  `json:"category"`
	Confidence float64 `json:"confidence"`
}

// Score classifies the utterance and maps its category to a numeric score.
func (r *TopicRiskClient) Score(ctx context.Context, text string) (*RiskSignal, error) {
	start := time.Now()

	if r.translator != nil {
		if translated, err := r.translator.ToEnglish(ctx, text); err == nil && translated != "" {
			text = translated
		}
	}

	body, err := json.Marshal(map[string]string{"text": text})
	if err != nil {
		return nil, fmt.Errorf("marshal risk request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, "POST", r.url+"/classify", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create risk request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := r.client.Do(req)
	if err != nil {
		metrics.Errors.WithLabelValues("risk", "http").Inc()
		return nil, fmt.Errorf("risk request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		metrics.Errors.WithLabelValues("risk", "status").Inc()
		return nil, fmt.Errorf("risk status %d: %s", resp.StatusCode, respBody)
	}

	var result riskResponse
	if err = json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("decode risk response: %w", err)
	}

	metrics.StageDuration.WithLabelValues("risk").Observe(time.Since(start).Seconds())

	score, ok := riskScores[result.Category]
	if !ok {
		score = riskScores["Other"]
	}
	metrics.RiskScore.Observe(score)

	return &RiskSignal{Score: score, Confidence: result.Confidence, Category: result.Category}, nil
}

// TranslateClient calls the Sarvam translate API to normalize caller
// utterances to English before risk classification.
type TranslateClient struct {
	url    string
	apiKey string
	client *http.Client
}

// NewTranslateClient creates a translation client.
func NewTranslateClient(url, apiKey string, poolSize int) *TranslateClient {
	return &TranslateClient{
		url:    url,
		apiKey: apiKey,
		client: NewPooledHTTPClient(poolSize, 10*time.Second),
	}
}

// ToEnglish translates text (auto-detected source language) to English.
func (t *TranslateClient) ToEnglish(ctx context.Context, text string) (string, error) {
	body, err := json.Marshal(map[string]string{
		"input":                text,
		"source_language_code": "auto",
		"target_language_code": "en-IN",
	})
	if err != nil {
		return "", fmt.Errorf("marshal translate request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, "POST", t.url+"/translate", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("create translate request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("api-subscription-key", t.apiKey)

	resp, err := t.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("translate request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("translate status %d", resp.StatusCode)
	}

	var result struct {
		TranslatedText string `json:"translated_text"`
	}
	if err = json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return "", fmt.Errorf("decode translate response: %w", err)
	}
	return result.TranslatedText, nil
}
