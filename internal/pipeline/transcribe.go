package pipeline

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"time"

	"github.com/05kashyap/intellicare/internal/metrics"
)

// Transcript holds the transcription output for one chunk.
type Transcript struct {
	Text      string  `json:"transcript"`
	Language  string  `json:"language_code"`
	LatencyMs float64 `json:"latency_ms"`
}

// Transcriber produces a transcript and detected language from recorded audio.
type Transcriber interface {
	Transcribe(ctx context.Context, audio []byte) (*Transcript, error)
}

// SarvamASRClient sends recorded WAV audio as multipart form data to a
// Sarvam-compatible speech-to-text endpoint.
type SarvamASRClient struct {
	url    string
	apiKey string
	model  string
	client *http.Client
}

// NewSarvamASRClient creates a speech-to-text client.
func NewSarvamASRClient(url, apiKey, model string, poolSize int) *SarvamASRClient {
	return &SarvamASRClient{
		url:    url,
		apiKey: apiKey,
		model:  model,
		client: NewPooledHTTPClient(poolSize, 30*time.Second),
	}
}

// Transcribe uploads the chunk audio and returns the transcript with the
// detected language code.
func (c *SarvamASRClient) Transcribe(ctx context.Context, audio []byte) (*Transcript, error) {
	start := time.Now()

	var body bytes.Buffer
	writer := multipart.NewWriter(&body)

	part, err := writer.CreateFormFile("file", "chunk.wav")
	if err != nil {
		return nil, fmt.Errorf("create form file: %w", err)
	}
	if _, err = part.Write(audio); err != nil {
		return nil, fmt.Errorf("write audio: %w", err)
	}
	if err = writer.WriteField("model", c.model); err != nil {
		return nil, fmt.Errorf("write model field: %w", err)
	}
	if err = writer.Close(); err != nil {
		return nil, fmt.Errorf("close writer: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, "POST", c.url+"/speech-to-text", &body)
	if err != nil {
		return nil, fmt.Errorf("create asr request: %w", err)
	}
	req.Header.Set("Content-Type", writer.FormDataContentType())
	req.Header.Set("api-subscription-key", c.apiKey)

	resp, err := c.client.Do(req)
	if err != nil {
		metrics.Errors.WithLabelValues("asr", "http").Inc()
		return nil, fmt.Errorf("asr request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		metrics.Errors.WithLabelValues("asr", "status").Inc()
		return nil, fmt.Errorf("asr status %d: %s", resp.StatusCode, respBody)
	}

	var result Transcript
	if err = json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("decode asr response: %w", err)
	}

	latency := time.Since(start)
	metrics.StageDuration.WithLabelValues("asr").Observe(latency.Seconds())
	result.LatencyMs = float64(latency.Milliseconds())
	return &result, nil
}
