// Package pyannote adapts pyannote.audio speaker diarization to
// jobs.Diarizer, either through a local Python helper or an HTTP sidecar.
package pyannote

import (
	"bytes"
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"

	"github.com/shopspring/decimal"

	"transcripts/align"
	"transcripts/jobs"
)

//go:embed assets/diarize.py
var helperScript []byte

const DefaultModel = "pyannote/speaker-diarization@2.1"

type (
	diarizeResult struct {
		Segments []turn `json:"segments"`
	}

	turn struct {
		Start   decimal.Decimal `json:"start"`
		End     decimal.Decimal `json:"end"`
		Speaker string          `json:"speaker"`
	}
)

// commandRunner runs name and returns its stdout.
type commandRunner func(ctx context.Context, env []string, name string, args ...string) ([]byte, error)

type Diarizer struct {
	python  string
	model   string
	hfToken string
	script  string
	run     commandRunner
	look    func(file string) (string, error)
}

var _ jobs.Diarizer = (*Diarizer)(nil)

// NewDiarizer writes the helper script to scriptDir and returns a diarizer
// that runs it with python.
func NewDiarizer(python, model, hfToken, scriptDir string) (*Diarizer, error) {
	if python == "" {
		python = "python3"
	}
	if model == "" {
		model = DefaultModel
	}
	if scriptDir == "" {
		scriptDir = os.TempDir()
	}

	script := filepath.Join(scriptDir, "transcripts_diarize.py")
	if err := os.WriteFile(script, helperScript, 0o755); err != nil {
		return nil, fmt.Errorf("write diarization helper: %w", err)
	}

	return &Diarizer{
		python:  python,
		model:   model,
		hfToken: hfToken,
		script:  script,
		run:     runOutput,
		look:    exec.LookPath,
	}, nil
}

// Ready needs a Hugging Face token and a python interpreter.
func (d *Diarizer) Ready() bool {
	if d.hfToken == "" {
		return false
	}
	_, err := d.look(d.python)
	return err == nil
}

func (d *Diarizer) Diarize(ctx context.Context, audioPath string) (jobs.DiarizationResult, error) {
	if d.hfToken == "" {
		return jobs.DiarizationResult{}, errors.New("no hugging face token configured")
	}

	env := append(os.Environ(), "HF_TOKEN="+d.hfToken)
	out, err := d.run(ctx, env, d.python, d.script, "--audio", audioPath, "--model", d.model)
	if err != nil {
		return jobs.DiarizationResult{}, fmt.Errorf("diarizing with pyannote: %w", err)
	}

	return decodeResult(bytes.NewReader(out))
}

func decodeResult(r io.Reader) (jobs.DiarizationResult, error) {
	var dr diarizeResult
	if err := json.NewDecoder(r).Decode(&dr); err != nil {
		return jobs.DiarizationResult{}, fmt.Errorf("decoding diarization result: %w", err)
	}

	res := jobs.DiarizationResult{Segments: make([]align.DiarizationSegment, 0, len(dr.Segments))}
	for _, t := range dr.Segments {
		// pyannote emits zero-length turns on very short blips
		if !t.End.GreaterThan(t.Start) {
			continue
		}
		res.Segments = append(res.Segments, align.DiarizationSegment{
			Start:   t.Start.InexactFloat64(),
			End:     t.End.InexactFloat64(),
			Speaker: t.Speaker,
		})
	}
	sort.SliceStable(res.Segments, func(i, j int) bool {
		return res.Segments[i].Start < res.Segments[j].Start
	})
	return res, nil
}

func runOutput(ctx context.Context, env []string, name string, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Env = env
	out, err := cmd.Output()
	if err != nil {
		var ee *exec.ExitError
		if errors.As(err, &ee) {
			return nil, fmt.Errorf("%w: %s", err, strings.TrimSpace(string(ee.Stderr)))
		}
		return nil, err
	}
	return out, nil
}
