package pipeline

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/05kashyap/intellicare/internal/media"
	"github.com/05kashyap/intellicare/internal/metrics"
)

// Synthesizer turns reply text into a playable audio locator.
type Synthesizer interface {
	Synthesize(ctx context.Context, text, languageCode string) (string, error)
}

// SarvamTTSClient synthesizes speech via a Sarvam-compatible text-to-speech
// endpoint and stores the result in the media store.
type SarvamTTSClient struct {
	url     string
	apiKey  string
	model   string
	speaker string
	store   *media.Store
	client  *http.Client
}

// NewSarvamTTSClient creates a text-to-speech client backed by the media store.
func NewSarvamTTSClient(url, apiKey, model, speaker string, store *media.Store, poolSize int) *SarvamTTSClient {
	return &SarvamTTSClient{
		url:     url,
		apiKey:  apiKey,
		model:   model,
		speaker: speaker,
		store:   store,
		client:  NewPooledHTTPClient(poolSize, 30*time.Second),
	}
}

type ttsRequest struct {
	Text                string `json:"text"`
	TargetLanguageCode  string `json:"target_language_code"`
	Model               string `json:"model"`
	Speaker             string `json:"speaker"`
	EnablePreprocessing bool   `json:"enable_preprocessing"`
}

type ttsResponse struct {
	Audios []string `json:"audios"` // base64-encoded WAV
}

// Synthesize converts text to audio in the caller's language and returns a
// locator the telephony layer can play.
func (c *SarvamTTSClient) Synthesize(ctx context.Context, text, languageCode string) (string, error) {
	start := time.Now()

	if languageCode == "" {
		languageCode = "en-IN"
	}
	body, err := json.Marshal(ttsRequest{
		Text:                text,
		TargetLanguageCode:  languageCode,
		Model:               c.model,
		Speaker:             c.speaker,
		EnablePreprocessing: true,
	})
	if err != nil {
		return "", fmt.Errorf("marshal tts request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, "POST", c.url+"/text-to-speech", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("create tts request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("api-subscription-key", c.apiKey)

	resp, err := c.client.Do(req)
	if err != nil {
		metrics.Errors.WithLabelValues("tts", "http").Inc()
		return "", fmt.Errorf("tts request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		metrics.Errors.WithLabelValues("tts", "status").Inc()
		return "", fmt.Errorf("tts status %d: %s", resp.StatusCode, respBody)
	}

	var result ttsResponse
	if err = json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return "", fmt.Errorf("decode tts response: %w", err)
	}
	if len(result.Audios) == 0 {
		return "", fmt.Errorf("tts returned no audio")
	}

	audio, err := base64.StdEncoding.DecodeString(result.Audios[0])
	if err != nil {
		return "", fmt.Errorf("decode tts audio: %w", err)
	}

	locator, err := c.store.Save(audio, ".wav")
	if err != nil {
		return "", fmt.Errorf("store tts audio: %w", err)
	}

	metrics.StageDuration.WithLabelValues("tts").Observe(time.Since(start).Seconds())
	return locator, nil
}
