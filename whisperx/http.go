package whisperx

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/sony/gobreaker"

	"transcripts/jobs"
)

// HTTPTranscriber calls an OpenAI-compatible transcription endpoint. Calls
// go through a circuit breaker so a dead sidecar fails jobs fast.
type HTTPTranscriber struct {
	baseURL string
	apiKey  string
	model   string
	client  *http.Client
	cb      *gobreaker.CircuitBreaker
}

var _ jobs.Transcriber = (*HTTPTranscriber)(nil)

func NewHTTPTranscriber(baseURL, apiKey, model string, client *http.Client) *HTTPTranscriber {
	if client == nil {
		client = &http.Client{Timeout: 60 * time.Minute}
	}
	if model == "" {
		model = "whisper-1"
	}
	return &HTTPTranscriber{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		model:   model,
		client:  client,
		cb: gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:        "transcriber",
			MaxRequests: 1,
			Interval:    time.Minute,
			Timeout:     30 * time.Second,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= 3
			},
		}),
	}
}

// Ready is false while the breaker is open.
func (h *HTTPTranscriber) Ready() bool {
	return h.cb.State() != gobreaker.StateOpen
}

func (h *HTTPTranscriber) Transcribe(ctx context.Context, audioPath string, language string) (jobs.TranscriptResult, error) {
	out, err := h.cb.Execute(func() (interface{}, error) {
		return h.transcribe(ctx, audioPath, language)
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return jobs.TranscriptResult{}, fmt.Errorf("transcription service unavailable: %w", err)
	}
	if err != nil {
		return jobs.TranscriptResult{}, err
	}
	return out.(jobs.TranscriptResult), nil
}

func (h *HTTPTranscriber) transcribe(ctx context.Context, audioPath string, language string) (jobs.TranscriptResult, error) {
	f, err := os.Open(audioPath)
	if err != nil {
		return jobs.TranscriptResult{}, fmt.Errorf("opening audio: %w", err)
	}
	defer f.Close()

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	fields := [][2]string{
		{"model", h.model},
		{"response_format", "verbose_json"},
		{"timestamp_granularities[]", "segment"},
	}
	if language != "" && language != jobs.AutoLanguage {
		fields = append(fields, [2]string{"language", language})
	}
	for _, kv := range fields {
		if err := mw.WriteField(kv[0], kv[1]); err != nil {
			return jobs.TranscriptResult{}, fmt.Errorf("building transcription request: %w", err)
		}
	}
	fw, err := mw.CreateFormFile("file", filepath.Base(audioPath))
	if err != nil {
		return jobs.TranscriptResult{}, fmt.Errorf("building transcription request: %w", err)
	}
	if _, err := io.Copy(fw, f); err != nil {
		return jobs.TranscriptResult{}, fmt.Errorf("building transcription request: %w", err)
	}
	if err := mw.Close(); err != nil {
		return jobs.TranscriptResult{}, fmt.Errorf("building transcription request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.baseURL+"/v1/audio/transcriptions", &body)
	if err != nil {
		return jobs.TranscriptResult{}, fmt.Errorf("building transcription request: %w", err)
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())
	if h.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+h.apiKey)
	}

	resp, err := h.client.Do(req)
	if err != nil {
		return jobs.TranscriptResult{}, fmt.Errorf("calling transcription service: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 500))
		return jobs.TranscriptResult{}, fmt.Errorf("transcription service http %d: %s", resp.StatusCode, strings.TrimSpace(string(b)))
	}

	return decodeResult(resp.Body)
}
