package jobs

import (
	"context"
	"fmt"

	"golang.org/x/sync/semaphore"
)

// LimitTranscriber lets at most slots calls reach t at once. Waiting for a
// slot honours ctx; once a call starts it runs to completion.
func LimitTranscriber(t Transcriber, slots int) Transcriber {
	if t == nil {
		return nil
	}
	return limitedTranscriber{t: t, sem: semaphore.NewWeighted(int64(max(slots, 1)))}
}

// LimitDiarizer is LimitTranscriber for diarization engines.
func LimitDiarizer(d Diarizer, slots int) Diarizer {
	if d == nil {
		return nil
	}
	return limitedDiarizer{d: d, sem: semaphore.NewWeighted(int64(max(slots, 1)))}
}

type limitedTranscriber struct {
	t   Transcriber
	sem *semaphore.Weighted
}

func (l limitedTranscriber) Transcribe(ctx context.Context, audioPath, language string) (TranscriptResult, error) {
	if err := l.sem.Acquire(ctx, 1); err != nil {
		return TranscriptResult{}, fmt.Errorf("waiting for transcriber slot: %w", err)
	}
	defer l.sem.Release(1)
	return l.t.Transcribe(context.WithoutCancel(ctx), audioPath, language)
}

func (l limitedTranscriber) Ready() bool { return l.t.Ready() }

type limitedDiarizer struct {
	d   Diarizer
	sem *semaphore.Weighted
}

func (l limitedDiarizer) Diarize(ctx context.Context, audioPath string) (DiarizationResult, error) {
	if err := l.sem.Acquire(ctx, 1); err != nil {
		return DiarizationResult{}, fmt.Errorf("waiting for diarizer slot: %w", err)
	}
	defer l.sem.Release(1)
	return l.d.Diarize(context.WithoutCancel(ctx), audioPath)
}

func (l limitedDiarizer) Ready() bool { return l.d.Ready() }
