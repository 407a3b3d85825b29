// Package webhook POSTs job results to caller supplied endpoints.
package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/sirupsen/logrus"

	"transcripts/logging"
)

const maxLoggedBody = 500

type Config struct {
	Timeout     time.Duration // per attempt
	MaxAttempts int           // 1 means a single attempt
	BackoffBase time.Duration // wait before attempt n is BackoffBase * 2^(n-2)
	MaxWait     time.Duration // no attempt starts once this much time has passed
}

func DefaultConfig() Config {
	return Config{
		Timeout:     10 * time.Second,
		MaxAttempts: 1,
		BackoffBase: time.Second,
		MaxWait:     30 * time.Second,
	}
}

// Attempt is one POST and what came back.
type Attempt struct {
	Number       int
	StatusCode   int
	ResponseBody string
	Err          string
	At           time.Time
}

func (a Attempt) OK() bool {
	return a.Err == "" && a.StatusCode >= 200 && a.StatusCode < 300
}

func (a Attempt) describe() string {
	if a.Err != "" {
		return a.Err
	}
	return fmt.Sprintf("HTTP %d", a.StatusCode)
}

type Result struct {
	Delivered   bool
	AttemptedAt time.Time // first attempt
	Attempts    []Attempt
}

// LastError describes the final failed attempt, or "" after a delivery.
func (r Result) LastError() string {
	if r.Delivered || len(r.Attempts) == 0 {
		return ""
	}
	return r.Attempts[len(r.Attempts)-1].describe()
}

type Sender struct {
	cfg    Config
	client *http.Client
	notify backoff.Notify
}

func NewSender(cfg Config, client *http.Client) *Sender {
	if cfg.MaxAttempts < 1 {
		cfg.MaxAttempts = 1
	}
	if cfg.BackoffBase <= 0 {
		cfg.BackoffBase = time.Second
	}
	if client == nil {
		client = &http.Client{}
	}
	return &Sender{cfg: cfg, client: client}
}

func (s *Sender) backOff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = s.cfg.BackoffBase
	b.RandomizationFactor = 0
	b.Multiplier = 2
	if s.cfg.MaxWait > 0 {
		b.MaxInterval = s.cfg.MaxWait
	}
	b.Reset()
	return b
}

// Deliver POSTs payload as JSON until a 2xx answer, the attempt cap, or the
// wait cap. Failures are reported in the Result, never as an error.
func (s *Sender) Deliver(ctx context.Context, url string, payload any) Result {
	res := Result{}

	body, err := json.Marshal(payload)
	if err != nil {
		res.AttemptedAt = time.Now().UTC()
		res.Attempts = append(res.Attempts, Attempt{Number: 1, Err: fmt.Sprintf("encode payload: %v", err), At: res.AttemptedAt})
		return res
	}

	opts := []backoff.RetryOption{
		backoff.WithBackOff(s.backOff()),
		backoff.WithMaxTries(uint(s.cfg.MaxAttempts)),
	}
	if s.cfg.MaxWait > 0 {
		opts = append(opts, backoff.WithMaxElapsedTime(s.cfg.MaxWait))
	}
	if s.notify != nil {
		opts = append(opts, backoff.WithNotify(s.notify))
	}

	_, err = backoff.Retry(ctx, func() (Attempt, error) {
		a := s.post(ctx, url, body, len(res.Attempts)+1)
		if a.Number == 1 {
			res.AttemptedAt = a.At
		}
		res.Attempts = append(res.Attempts, a)

		logging.WithFields(ctx, logrus.Fields{
			"url":     url,
			"attempt": a.Number,
			"status":  a.StatusCode,
			"error":   a.Err,
		}).Info("webhook attempt")

		if !a.OK() {
			return a, errors.New(a.describe())
		}
		return a, nil
	}, opts...)
	res.Delivered = err == nil

	return res
}

func (s *Sender) post(ctx context.Context, url string, body []byte, n int) Attempt {
	a := Attempt{Number: n, At: time.Now().UTC()}

	if s.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.cfg.Timeout)
		defer cancel()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		a.Err = fmt.Sprintf("build request: %v", err)
		return a
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		a.Err = err.Error()
		return a
	}
	defer resp.Body.Close()

	a.StatusCode = resp.StatusCode
	b, _ := io.ReadAll(io.LimitReader(resp.Body, maxLoggedBody))
	a.ResponseBody = string(b)
	return a
}
