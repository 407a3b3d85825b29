package jobs

import (
	"io"
	"time"

	"transcripts/align"
)

type (
	Status        string
	Step          string
	WebhookStatus string
)

const (
	StatusPending      Status = "pending"
	StatusTranscribing Status = "transcribing"
	StatusDiarizing    Status = "diarizing"
	StatusMerging      Status = "merging"
	StatusCompleted    Status = "completed"
	StatusFailed       Status = "failed"
)

const (
	StepUpload        Step = "upload"
	StepTranscription Step = "transcription"
	StepDiarization   Step = "diarization"
	StepMerge         Step = "merge"
	StepWebhook       Step = "webhook"
)

const (
	WebhookNotApplicable WebhookStatus = "not_applicable"
	WebhookPending       WebhookStatus = "pending"
	WebhookDelivered     WebhookStatus = "delivered"
	WebhookFailed        WebhookStatus = "failed"
)

// AutoLanguage asks the transcriber to detect the spoken language.
const AutoLanguage = "auto"

type (
	Job struct {
		ID               string
		Owner            string
		OriginalFilename string
		ContentType      string
		FileSize         int64
		Language         string
		WebhookURL       string
		AudioBlake3      string
		IdempotencyKey   string

		Status              Status
		Steps               map[Step]time.Time
		DiarizationDegraded bool
		Error               *JobError

		Transcript  *TranscriptResult
		Diarization *DiarizationResult
		Merged      *MergedResult

		WebhookStatus   WebhookStatus
		WebhookAttempts int
		WebhookError    string

		CreatedAt   time.Time
		UpdatedAt   time.Time
		StartedAt   *time.Time
		CompletedAt *time.Time
	}

	JobError struct {
		Stage   Step   `json:"stage"`
		Message string `json:"message"`
	}

	// Viewer is the identity a read or write is performed for.
	Viewer struct {
		ID    string
		Admin bool
	}

	SubmitRequest struct {
		Owner          string
		Filename       string
		ContentType    string
		Size           int64 // declared size, -1 when unknown
		Body           io.Reader
		Language       string
		WebhookURL     string
		IdempotencyKey string
	}

	ListFilter struct {
		Page     int
		Limit    int
		Search   string
		Status   Status
		DateFrom *time.Time
		DateTo   *time.Time
	}

	Stats struct {
		Total             int     `json:"total"`
		Completed         int     `json:"completed"`
		Processing        int     `json:"processing"`
		Failed            int     `json:"failed"`
		Pending           int     `json:"pending"`
		TotalFileSize     int64   `json:"total_file_size"`
		AverageProcessing float64 `json:"average_processing_seconds"`

		Queue QueueStats `json:"queue"`
	}

	// QueueStats counts pipeline runs in this process since it started.
	QueueStats struct {
		Active    int64 `json:"active"`
		Pending   int64 `json:"pending"`
		Completed int64 `json:"completed"`
		Panicked  int64 `json:"panicked"`
	}

	WebhookAttempt struct {
		JobID        string    `json:"job_id"`
		URL          string    `json:"url"`
		Number       int       `json:"attempt"`
		StatusCode   int       `json:"status_code,omitempty"`
		ResponseBody string    `json:"response_body,omitempty"`
		Error        string    `json:"error,omitempty"`
		At           time.Time `json:"attempted_at"`
	}
)

// Result is the document returned by /process and POSTed to webhooks.
type (
	Result struct {
		Status          string             `json:"status"`
		JobID           string             `json:"job_id"`
		ProcessingSteps map[Step]time.Time `json:"processing_steps"`
		TranscriptFile  *TranscriptResult  `json:"transcript_file"`
		DiarizationFile *DiarizationResult `json:"diarization_file"`
		MergedFile      *MergedResult      `json:"merged_file"`
		WebhookSent     bool               `json:"webhook_sent"`
		Degraded        bool               `json:"diarization_degraded"`
		FileInfo        FileInfo           `json:"file_info"`
	}

	FileInfo struct {
		OriginalName string `json:"original_name"`
		Size         int64  `json:"size"`
		ContentType  string `json:"content_type"`
	}

	FailureNotice struct {
		Status   string    `json:"status"`
		JobID    string    `json:"job_id"`
		Error    *JobError `json:"error"`
		FileInfo FileInfo  `json:"file_info"`
	}

	// View is the job as callers of the job endpoints see it.
	View struct {
		ID                  string             `json:"id"`
		Owner               string             `json:"owner"`
		Status              Status             `json:"status"`
		Language            string             `json:"language"`
		WebhookURL          string             `json:"webhook_url,omitempty"`
		WebhookDelivered    WebhookStatus      `json:"webhook_delivered"`
		WebhookAttempts     int                `json:"webhook_attempts"`
		WebhookError        string             `json:"webhook_error,omitempty"`
		ProcessingSteps     map[Step]time.Time `json:"processing_steps"`
		DiarizationDegraded bool               `json:"diarization_degraded"`
		Error               *JobError          `json:"error,omitempty"`
		TranscriptResult    *TranscriptResult  `json:"transcript_result,omitempty"`
		DiarizationResult   *DiarizationResult `json:"diarization_result,omitempty"`
		MergedResult        *MergedResult      `json:"merged_result,omitempty"`
		FileInfo            FileInfo           `json:"file_info"`
		CreatedAt           time.Time          `json:"created_at"`
		UpdatedAt           time.Time          `json:"updated_at"`
		StartedAt           *time.Time         `json:"started_at,omitempty"`
		CompletedAt         *time.Time         `json:"completed_at,omitempty"`
	}
)

func (j Job) fileInfo() FileInfo {
	return FileInfo{OriginalName: j.OriginalFilename, Size: j.FileSize, ContentType: j.ContentType}
}

// Result shapes a completed job for the /process contract. A degraded job
// reports an empty diarization timeline.
func (j Job) Result() Result {
	diar := j.Diarization
	if diar == nil && j.Merged != nil {
		diar = &DiarizationResult{Segments: []align.DiarizationSegment{}}
	}
	return Result{
		Status:          "success",
		JobID:           j.ID,
		ProcessingSteps: j.stepsCopy(),
		TranscriptFile:  j.Transcript,
		DiarizationFile: diar,
		MergedFile:      j.Merged,
		WebhookSent:     j.WebhookStatus == WebhookDelivered,
		Degraded:        j.DiarizationDegraded,
		FileInfo:        j.fileInfo(),
	}
}

func (j Job) View() View {
	return View{
		ID:                  j.ID,
		Owner:               j.Owner,
		Status:              j.Status,
		Language:            j.Language,
		WebhookURL:          j.WebhookURL,
		WebhookDelivered:    j.WebhookStatus,
		WebhookAttempts:     j.WebhookAttempts,
		WebhookError:        j.WebhookError,
		ProcessingSteps:     j.stepsCopy(),
		DiarizationDegraded: j.DiarizationDegraded,
		Error:               j.Error,
		TranscriptResult:    j.Transcript,
		DiarizationResult:   j.Diarization,
		MergedResult:        j.Merged,
		FileInfo:            j.fileInfo(),
		CreatedAt:           j.CreatedAt,
		UpdatedAt:           j.UpdatedAt,
		StartedAt:           j.StartedAt,
		CompletedAt:         j.CompletedAt,
	}
}

func (j Job) stepsCopy() map[Step]time.Time {
	out := make(map[Step]time.Time, len(j.Steps))
	for k, v := range j.Steps {
		out[k] = v
	}
	return out
}

func (j Job) visibleTo(v Viewer) bool {
	return v.Admin || (v.ID != "" && v.ID == j.Owner)
}
