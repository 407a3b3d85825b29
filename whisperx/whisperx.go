// Package whisperx adapts WhisperX, run as a CLI or behind an
// OpenAI-compatible HTTP endpoint, to jobs.Transcriber.
package whisperx

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"transcripts/align"
	"transcripts/jobs"
	"transcripts/logging"
)

type (
	transcribeResult struct {
		Text     string    `json:"text"`
		Language string    `json:"language"`
		Segments []segment `json:"segments"`
	}

	segment struct {
		Text  string          `json:"text"`
		Start decimal.Decimal `json:"start"`
		End   decimal.Decimal `json:"end"`
	}
)

// commandRunner starts name with args and streams its output lines to the log.
type commandRunner func(ctx context.Context, name string, args ...string) error

type Transcriber struct {
	bin    string
	model  string
	device string
	run    commandRunner
	look   func(file string) (string, error)
}

var _ jobs.Transcriber = (*Transcriber)(nil)

func NewTranscriber(bin, model, device string) *Transcriber {
	if bin == "" {
		bin = "whisperx"
	}
	return &Transcriber{bin: bin, model: model, device: device, run: runLogged, look: exec.LookPath}
}

// Ready reports whether the whisperx binary can be found.
func (w *Transcriber) Ready() bool {
	_, err := w.look(w.bin)
	return err == nil
}

func (w *Transcriber) Transcribe(ctx context.Context, audioPath string, language string) (jobs.TranscriptResult, error) {
	outDir, err := os.MkdirTemp("", "whisperx-*")
	if err != nil {
		return jobs.TranscriptResult{}, fmt.Errorf("creating whisperx output dir: %w", err)
	}
	defer os.RemoveAll(outDir)

	args := []string{audioPath, "--output_format", "json", "--output_dir", outDir}
	if w.model != "" {
		args = append(args, "--model", w.model)
	}
	if w.device != "" {
		args = append(args, "--device", w.device)
	}
	if language != "" && language != jobs.AutoLanguage {
		args = append(args, "--language", language)
	}

	if err := w.run(ctx, w.bin, args...); err != nil {
		return jobs.TranscriptResult{}, fmt.Errorf("transcribing with whisperx: %w", err)
	}

	base := filepath.Base(audioPath)
	resultPath := filepath.Join(outDir, strings.TrimSuffix(base, filepath.Ext(base))+".json")
	f, err := os.Open(resultPath)
	if err != nil {
		return jobs.TranscriptResult{}, fmt.Errorf("opening whisperx transcribe result: %w", err)
	}
	defer f.Close()

	return decodeResult(f)
}

func decodeResult(r io.Reader) (jobs.TranscriptResult, error) {
	var tr transcribeResult
	if err := json.NewDecoder(r).Decode(&tr); err != nil {
		return jobs.TranscriptResult{}, fmt.Errorf("decoding whisperx json result: %w", err)
	}

	res := jobs.TranscriptResult{
		Language: tr.Language,
		Segments: make([]align.TranscriptSegment, 0, len(tr.Segments)),
	}
	texts := make([]string, 0, len(tr.Segments))
	for _, s := range tr.Segments {
		text := strings.TrimSpace(s.Text)
		if text == "" {
			continue
		}
		res.Segments = append(res.Segments, align.TranscriptSegment{
			Start: s.Start.InexactFloat64(),
			End:   s.End.InexactFloat64(),
			Text:  text,
		})
		texts = append(texts, text)
	}

	res.Text = strings.TrimSpace(tr.Text)
	if res.Text == "" {
		res.Text = strings.Join(texts, " ")
	}
	return res, nil
}

func runLogged(ctx context.Context, name string, args ...string) error {
	cmd := exec.CommandContext(ctx, name, args...)

	stderr, err := cmd.StderrPipe()
	if err != nil {
		return err
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return err
	}
	if err := cmd.Start(); err != nil {
		return err
	}

	log := logging.WithFields(ctx, logrus.Fields{"cmd": filepath.Base(name)})
	done := make(chan struct{}, 2)
	stream := func(r io.Reader) {
		scanner := bufio.NewScanner(r)
		for scanner.Scan() {
			log.Debug(scanner.Text())
		}
		done <- struct{}{}
	}
	go stream(stderr)
	go stream(stdout)
	<-done
	<-done

	return cmd.Wait()
}
