package pyannote

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"slices"
	"testing"
)

func TestDiarizerRunsHelper(t *testing.T) {
	d, err := NewDiarizer("python3", "", "hf_abc", t.TempDir())
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	if b, err := os.ReadFile(d.script); err != nil || len(b) == 0 {
		t.Fatalf("helper not written: %v", err)
	}

	var gotEnv, gotArgs []string
	d.run = func(ctx context.Context, env []string, name string, args ...string) ([]byte, error) {
		gotEnv, gotArgs = env, args
		return []byte(`{"segments": [
			{"start": 4.2, "end": 6.0, "speaker": "SPEAKER_01"},
			{"start": 0.0, "end": 4.5, "speaker": "SPEAKER_00"},
			{"start": 5.0, "end": 5.0, "speaker": "SPEAKER_02"}
		]}`), nil
	}

	res, err := d.Diarize(context.Background(), "/tmp/a.wav")
	if err != nil {
		t.Fatalf("diarize: %v", err)
	}
	if !slices.Contains(gotEnv, "HF_TOKEN=hf_abc") {
		t.Fatal("token not passed to helper")
	}
	if gotArgs[0] != d.script || !slices.Contains(gotArgs, DefaultModel) {
		t.Fatalf("args = %v", gotArgs)
	}
	if len(res.Segments) != 2 {
		t.Fatalf("segments = %+v, zero-length turn should be dropped", res.Segments)
	}
	if res.Segments[0].Speaker != "SPEAKER_00" || res.Segments[1].Start != 4.2 {
		t.Fatalf("segments not in start order: %+v", res.Segments)
	}
}

func TestDiarizerWithoutToken(t *testing.T) {
	d, err := NewDiarizer("", "", "", t.TempDir())
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	d.look = func(string) (string, error) { return "/usr/bin/python3", nil }
	if d.Ready() {
		t.Fatal("ready without token")
	}
	if _, err := d.Diarize(context.Background(), "a.wav"); err == nil {
		t.Fatal("expected error without token")
	}
}

func TestDiarizerHelperFailure(t *testing.T) {
	d, _ := NewDiarizer("", "", "tok", t.TempDir())
	d.run = func(context.Context, []string, string, ...string) ([]byte, error) {
		return nil, errors.New("exit status 2: could not load pipeline")
	}
	if _, err := d.Diarize(context.Background(), "a.wav"); err == nil {
		t.Fatal("expected error")
	}
}

func TestHTTPDiarizer(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if _, _, err := r.FormFile("file"); err != nil {
			t.Errorf("file: %v", err)
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"segments":[{"start":"0.5","end":"1.25","speaker":"A"}]}`))
	}))
	defer srv.Close()

	audio := filepath.Join(t.TempDir(), "a.wav")
	if err := os.WriteFile(audio, []byte("RIFF"), 0o644); err != nil {
		t.Fatal(err)
	}

	res, err := NewHTTPDiarizer(srv.URL+"/diarize", srv.Client()).Diarize(context.Background(), audio)
	if err != nil {
		t.Fatalf("diarize: %v", err)
	}
	if len(res.Segments) != 1 || res.Segments[0].End != 1.25 || res.Segments[0].Speaker != "A" {
		t.Fatalf("segments = %+v", res.Segments)
	}
}

func TestHTTPDiarizerBreakerOpens(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	audio := filepath.Join(t.TempDir(), "a.wav")
	if err := os.WriteFile(audio, []byte("RIFF"), 0o644); err != nil {
		t.Fatal(err)
	}

	h := NewHTTPDiarizer(srv.URL, srv.Client())
	for i := 0; i < 3; i++ {
		if _, err := h.Diarize(context.Background(), audio); err == nil {
			t.Fatalf("attempt %d succeeded", i)
		}
	}
	if h.Ready() {
		t.Fatal("breaker should be open after repeated failures")
	}
}
