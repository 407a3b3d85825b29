package jobs

import (
	"context"

	"transcripts/align"
)

type (
	// Transcriber turns an audio file into timed text. An empty language or
	// AutoLanguage asks the engine to detect it.
	Transcriber interface {
		Transcribe(ctx context.Context, audioPath string, language string) (TranscriptResult, error)
		Ready() bool
	}

	// Diarizer splits an audio file into speaker turns.
	Diarizer interface {
		Diarize(ctx context.Context, audioPath string) (DiarizationResult, error)
		Ready() bool
	}

	TranscriptResult struct {
		Text     string                    `json:"text"`
		Language string                    `json:"language,omitempty"`
		Segments []align.TranscriptSegment `json:"segments"`
	}

	DiarizationResult struct {
		Segments []align.DiarizationSegment `json:"segments"`
	}

	MergedResult struct {
		Language string                `json:"language"`
		Segments []align.MergedSegment `json:"segments"`
	}
)
