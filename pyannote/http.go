package pyannote

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

// HTTPDiarizer posts audio to a diarization sidecar that answers with
// {"segments": [{"start", "end", "speaker"}]}.
type HTTPDiarizer struct {
	url    string
	client *http.Client
	cb     *gobreaker.CircuitBreaker
}

var _ jobs.Diarizer = (*HTTPDiarizer)(nil)

func NewHTTPDiarizer(url string, client *http.Client) *HTTPDiarizer {
	if client == nil {
		client = &http.Client{Timeout: 60 * time.Minute}
	}
	return &HTTPDiarizer{
		url:    url,
		client: client,
		cb: gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:        "diarizer",
			MaxRequests: 1,
			Interval:    time.Minute,
			Timeout:     30 * time.Second,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				failureRatio := float64(counts.TotalFailures) / float64(counts.Requests)
				return counts.Requests >= 3 && failureRatio >= 0.6
			},
		}),
	}
}

func (h *HTTPDiarizer) Ready() bool {
	return h.cb.State() != gobreaker.StateOpen
}

func (h *HTTPDiarizer) Diarize(ctx context.Context, audioPath string) (jobs.DiarizationResult, error) {
	out, err := h.cb.Execute(func() (interface{}, error) {
		return h.diarize(ctx, audioPath)
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return jobs.DiarizationResult{}, fmt.Errorf("diarization service unavailable: %w", err)
	}
	if err != nil {
		return jobs.DiarizationResult{}, err
	}
	return out.(jobs.DiarizationResult), nil
}

func (h *HTTPDiarizer) diarize(ctx context.Context, audioPath string) (jobs.DiarizationResult, error) {
	f, err := os.Open(audioPath)
	if err != nil {
		return jobs.DiarizationResult{}, fmt.Errorf("opening audio: %w", err)
	}
	defer f.Close()

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	fw, err := mw.CreateFormFile("file", filepath.Base(audioPath))
	if err != nil {
		return jobs.DiarizationResult{}, fmt.Errorf("building diarization request: %w", err)
	}
	if _, err := io.Copy(fw, f); err != nil {
		return jobs.DiarizationResult{}, fmt.Errorf("building diarization request: %w", err)
	}
	if err := mw.Close(); err != nil {
		return jobs.DiarizationResult{}, fmt.Errorf("building diarization request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.url, &body)
	if err != nil {
		return jobs.DiarizationResult{}, fmt.Errorf("building diarization request: %w", err)
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())

	resp, err := h.client.Do(req)
	if err != nil {
		return jobs.DiarizationResult{}, fmt.Errorf("calling diarization service: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 500))
		return jobs.DiarizationResult{}, fmt.Errorf("diarization service http %d: %s", resp.StatusCode, strings.TrimSpace(string(b)))
	}

	return decodeResult(resp.Body)
}
