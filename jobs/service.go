package jobs

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math"
	"mime"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/moby/locker"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/semaphore"
	"golang.org/x/sync/singleflight"

	"transcripts/align"
	"transcripts/artifacts"
	"transcripts/b3"
	"transcripts/logging"
	"transcripts/webhook"
	"transcripts/worker"
)

// ErrFinished is returned when cancelling a job that already settled.
var ErrFinished = errors.New("job already finished")

var supportedExtensions = map[string]bool{
	".wav": true, ".mp3": true, ".m4a": true, ".m4v": true, ".flac": true, ".ogg": true,
}

var supportedContentTypes = map[string]bool{
	"audio/wav": true, "audio/x-wav": true, "audio/wave": true,
	"audio/mp3": true, "audio/mpeg": true,
	"audio/m4a": true, "audio/x-m4a": true, "audio/mp4": true,
	"audio/m4v": true, "video/x-m4v": true, "video/mp4": true,
	"audio/flac": true, "audio/x-flac": true,
	"audio/ogg": true, "application/ogg": true,
}

type (
	repo interface {
		CreateJob(ctx context.Context, j Job) error
		UpdateJob(ctx context.Context, j Job) error
		GetJob(ctx context.Context, id string) (Job, error)
		GetJobByIdempotencyKey(ctx context.Context, owner, key string) (Job, error)
		ListJobs(ctx context.Context, f ListFilter) ([]Job, int, error)
		Stats(ctx context.Context) (Stats, error)
		DeleteJob(ctx context.Context, id string, commit func() error) error
		LogWebhookAttempt(ctx context.Context, a WebhookAttempt) error
		WebhookAttempts(ctx context.Context, jobID string) ([]WebhookAttempt, error)
	}

	webhookSender interface {
		Deliver(ctx context.Context, url string, payload any) webhook.Result
	}

	Config struct {
		MaxConcurrentJobs int
		QueueSize         int
		MaxUploadBytes    int64
		DefaultLanguage   string
		ParallelStages    bool
		NotifyOnFailure   bool
		SpoolDir          string // uploads wait here until their job finishes
	}

	// Page is one page of a job listing.
	Page struct {
		Jobs  []Job
		Page  int
		Limit int
		Total int
		Pages int
	}

	run struct {
		cancel  context.CancelFunc
		settled chan struct{}
	}

	Service struct {
		cfg         Config
		r           repo
		store       *artifacts.Store
		transcriber Transcriber
		diarizer    Diarizer
		webhooks    webhookSender

		pool  *worker.Pool
		admit *semaphore.Weighted
		locks *locker.Locker // per job id
		idem  singleflight.Group

		mu   sync.Mutex
		runs map[string]*run
		bg   sync.WaitGroup

		now   func() time.Time
		newID func() string
	}
)

// NewService wires the pipeline. A nil diarizer runs every job in degraded
// mode.
func NewService(cfg Config, r repo, store *artifacts.Store, t Transcriber, d Diarizer, w webhookSender) (*Service, error) {
	if t == nil {
		return nil, errors.New("transcriber is required")
	}
	if cfg.MaxConcurrentJobs < 1 {
		cfg.MaxConcurrentJobs = 1
	}
	if cfg.DefaultLanguage == "" {
		cfg.DefaultLanguage = AutoLanguage
	}
	if cfg.SpoolDir == "" {
		cfg.SpoolDir = os.TempDir()
	}
	if err := os.MkdirAll(cfg.SpoolDir, 0o755); err != nil {
		return nil, fmt.Errorf("create spool dir: %w", err)
	}

	pool, err := worker.NewPool(worker.Config{MaxWorkers: cfg.MaxConcurrentJobs, QueueSize: cfg.QueueSize}, func(v any) {
		logging.Errorf(context.Background(), "pipeline panic: %v", v)
	})
	if err != nil {
		return nil, fmt.Errorf("start worker pool: %w", err)
	}

	return &Service{
		cfg:         cfg,
		r:           r,
		store:       store,
		transcriber: t,
		diarizer:    d,
		webhooks:    w,
		pool:        pool,
		admit:       semaphore.NewWeighted(int64(cfg.MaxConcurrentJobs + cfg.QueueSize)),
		locks:       locker.New(),
		runs:        make(map[string]*run),
		now:         func() time.Time { return time.Now().UTC() },
		newID:       uuid.NewString,
	}, nil
}

// Capacity is the number of jobs that may be admitted at once, running or
// queued.
func (s *Service) Capacity() int {
	return s.cfg.MaxConcurrentJobs + s.cfg.QueueSize
}

// Submit validates req, persists a pending job and queues its pipeline. It
// never waits for the pipeline; use Await for that.
func (s *Service) Submit(ctx context.Context, req SubmitRequest) (Job, error) {
	lang, err := s.validate(&req)
	if err != nil {
		return Job{}, err
	}

	if req.IdempotencyKey == "" {
		return s.submit(ctx, req, lang, "")
	}

	key := b3.Key(req.Owner, req.IdempotencyKey)
	v, err, _ := s.idem.Do(key, func() (any, error) {
		existing, err := s.r.GetJobByIdempotencyKey(ctx, req.Owner, key)
		if err == nil {
			return existing, nil
		}
		if !errors.Is(err, ErrNotFound) {
			return Job{}, err
		}

		j, err := s.submit(ctx, req, lang, key)
		if errors.Is(err, ErrDuplicate) {
			return s.r.GetJobByIdempotencyKey(ctx, req.Owner, key)
		}
		return j, err
	})
	if err != nil {
		return Job{}, err
	}
	return v.(Job), nil
}

func (s *Service) validate(req *SubmitRequest) (string, error) {
	if req.Owner == "" {
		return "", &ValidationError{Field: "owner", Reason: "is required"}
	}
	if req.Body == nil || req.Size == 0 {
		return "", &ValidationError{Field: "file", Reason: "empty file"}
	}

	ext := strings.ToLower(filepath.Ext(req.Filename))
	ct := req.ContentType
	if mt, _, err := mime.ParseMediaType(ct); err == nil {
		ct = mt
	}
	if !supportedExtensions[ext] && !supportedContentTypes[ct] {
		return "", &ValidationError{Field: "file", Reason: "unsupported file type, allowed: wav, mp3, m4a, m4v, flac, ogg"}
	}
	if s.cfg.MaxUploadBytes > 0 && req.Size > s.cfg.MaxUploadBytes {
		return "", &ValidationError{Field: "file", Reason: fmt.Sprintf("file exceeds %d bytes", s.cfg.MaxUploadBytes)}
	}

	lang := strings.ToLower(strings.TrimSpace(req.Language))
	if lang == "" {
		lang = s.cfg.DefaultLanguage
	}
	if len(lang) > 16 || strings.Trim(lang, "abcdefghijklmnopqrstuvwxyz-") != "" {
		return "", &ValidationError{Field: "language", Reason: "must be a language code or auto"}
	}

	if req.WebhookURL != "" {
		u, err := url.Parse(req.WebhookURL)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return "", &ValidationError{Field: "webhook_url", Reason: "must be an absolute http(s) URL"}
		}
	}

	return lang, nil
}

func (s *Service) submit(ctx context.Context, req SubmitRequest, lang, idemKey string) (Job, error) {
	if !s.admit.TryAcquire(1) {
		return Job{}, &CapacityError{Limit: s.Capacity()}
	}
	admitted := true
	defer func() {
		if admitted {
			s.admit.Release(1)
		}
	}()

	audio, size, digest, err := s.spool(req)
	if err != nil {
		return Job{}, err
	}
	keepAudio := false
	defer func() {
		if !keepAudio {
			os.Remove(audio)
		}
	}()

	now := s.now()
	j := Job{
		ID:               s.newID(),
		Owner:            req.Owner,
		OriginalFilename: filepath.Base(req.Filename),
		ContentType:      req.ContentType,
		FileSize:         size,
		Language:         lang,
		WebhookURL:       req.WebhookURL,
		AudioBlake3:      digest,
		IdempotencyKey:   idemKey,
		Status:           StatusPending,
		Steps:            map[Step]time.Time{StepUpload: now},
		WebhookStatus:    WebhookNotApplicable,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	if j.WebhookURL != "" {
		j.WebhookStatus = WebhookPending
	}

	if err := s.r.CreateJob(ctx, j); err != nil {
		return Job{}, err
	}

	runCtx, cancel := context.WithCancel(logging.WithTraceID(context.Background(), logging.TraceID(ctx)))
	rn := &run{cancel: cancel, settled: make(chan struct{})}
	s.mu.Lock()
	s.runs[j.ID] = rn
	s.mu.Unlock()

	err = s.pool.Submit(func(poolCtx context.Context) {
		stop := context.AfterFunc(poolCtx, cancel)
		defer stop()
		s.execute(runCtx, j.ID, audio, rn)
	})
	if err != nil {
		cancel()
		s.finishRun(j.ID, rn)
		if _, ferr := s.fail(ctx, j.ID, StepTranscription, ErrClosed); ferr != nil {
			logging.Errorf(ctx, "failing unqueued job %s: %v", j.ID, ferr)
		}
		return Job{}, ErrClosed
	}

	// ownership of the slot and the audio file moves to the pipeline
	admitted = false
	keepAudio = true

	logging.WithFields(ctx, logrus.Fields{
		logging.JobKey: j.ID,
		"owner":        j.Owner,
		"size":         j.FileSize,
		"language":     j.Language,
	}).Info("job accepted")

	return j, nil
}

// spool copies the upload to disk, hashing it on the way.
func (s *Service) spool(req SubmitRequest) (string, int64, string, error) {
	f, err := os.CreateTemp(s.cfg.SpoolDir, "upload-*"+strings.ToLower(filepath.Ext(req.Filename)))
	if err != nil {
		return "", 0, "", fmt.Errorf("spooling upload: %w", err)
	}

	src := req.Body
	if s.cfg.MaxUploadBytes > 0 {
		src = io.LimitReader(src, s.cfg.MaxUploadBytes+1)
	}
	digest := b3.NewDigest()
	n, err := io.Copy(f, io.TeeReader(src, digest))
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		os.Remove(f.Name())
		return "", 0, "", fmt.Errorf("spooling upload: %w", err)
	}

	switch {
	case n == 0:
		os.Remove(f.Name())
		return "", 0, "", &ValidationError{Field: "file", Reason: "empty file"}
	case s.cfg.MaxUploadBytes > 0 && n > s.cfg.MaxUploadBytes:
		os.Remove(f.Name())
		return "", 0, "", &ValidationError{Field: "file", Reason: fmt.Sprintf("file exceeds %d bytes", s.cfg.MaxUploadBytes)}
	}

	return f.Name(), n, digest.Hex(), nil
}

// execute drives one job to a terminal state, then settles it.
func (s *Service) execute(ctx context.Context, id, audio string, rn *run) {
	defer os.Remove(audio)

	final, err := s.recovered(ctx, id, audio)
	s.admit.Release(1)
	if err != nil {
		logging.WithFields(ctx, logrus.Fields{logging.JobKey: id, "error": err}).Error("pipeline could not record job state")
		s.finishRun(id, rn)
		return
	}

	s.settle(ctx, final, rn)
}

// recovered runs the pipeline and fails the job at its current stage if an
// engine panics, so the run still settles and frees its slot.
func (s *Service) recovered(ctx context.Context, id, audio string) (final Job, err error) {
	defer func() {
		r := recover()
		if r == nil {
			return
		}
		logging.WithFields(ctx, logrus.Fields{logging.JobKey: id, "panic": r}).Error("pipeline panicked")

		stage := StepTranscription
		if j, gerr := s.r.GetJob(context.WithoutCancel(ctx), id); gerr == nil {
			stage = j.Status.Stage()
		}
		final, err = s.fail(ctx, id, stage, fmt.Errorf("panic: %v", r))
	}()

	return s.pipeline(ctx, id, audio)
}

type diarization struct {
	res DiarizationResult
	err error
}

// diarize reports a panicking diarizer as an ordinary diarization failure.
func (s *Service) diarize(ctx context.Context, audio string) (d diarization) {
	defer func() {
		if r := recover(); r != nil {
			d = diarization{err: fmt.Errorf("panic: %v", r)}
		}
	}()
	d.res, d.err = s.diarizer.Diarize(ctx, audio)
	return d
}

func (s *Service) pipeline(ctx context.Context, id, audio string) (Job, error) {
	j, err := s.update(ctx, id, func(j *Job) error {
		if ctx.Err() != nil {
			return nil
		}
		now := s.now()
		j.StartedAt = &now
		return j.transition(StatusTranscribing)
	})
	if err != nil {
		return Job{}, err
	}
	if ctx.Err() != nil {
		return s.fail(ctx, id, StepTranscription, ErrCancelled)
	}

	log := logging.WithFields(ctx, logrus.Fields{logging.JobKey: id})

	var diarized chan diarization
	if s.diarizer != nil && s.cfg.ParallelStages {
		dctx, dcancel := context.WithCancel(ctx)
		defer dcancel()
		diarized = make(chan diarization, 1)
		go func() {
			diarized <- s.diarize(dctx, audio)
		}()
		abandon := func() {
			dcancel()
			<-diarized
		}
		defer func() {
			if diarized != nil {
				abandon()
			}
		}()
	}

	log.Info("transcribing")
	tr, err := s.transcriber.Transcribe(ctx, audio, j.Language)
	if err != nil {
		if ctx.Err() != nil {
			return s.fail(ctx, id, StepTranscription, ErrCancelled)
		}
		return s.fail(ctx, id, StepTranscription, &ModelError{Stage: StepTranscription, Err: err})
	}
	if tr.Segments == nil {
		tr.Segments = []align.TranscriptSegment{}
	}
	if err := s.store.Write(id, artifacts.Transcript, tr); err != nil {
		return s.fail(ctx, id, StepTranscription, err)
	}
	if _, err := s.update(ctx, id, func(j *Job) error {
		j.Steps[StepTranscription] = s.now()
		return j.transition(StatusDiarizing)
	}); err != nil {
		return Job{}, err
	}

	if ctx.Err() != nil {
		return s.fail(ctx, id, StepDiarization, ErrCancelled)
	}

	var (
		diar     *DiarizationResult
		degraded bool
	)
	switch {
	case s.diarizer == nil:
		log.Warn("no diarizer configured, continuing without speakers")
		degraded = true
	default:
		var d diarization
		if diarized != nil {
			d = <-diarized
			diarized = nil
		} else {
			log.Info("diarizing")
			d = s.diarize(ctx, audio)
		}
		if d.err != nil {
			if ctx.Err() != nil {
				return s.fail(ctx, id, StepDiarization, ErrCancelled)
			}
			log.WithField("error", d.err).Warn("diarization failed, continuing without speakers")
			degraded = true
			break
		}
		if d.res.Segments == nil {
			d.res.Segments = []align.DiarizationSegment{}
		}
		if err := s.store.Write(id, artifacts.Diarization, d.res); err != nil {
			return s.fail(ctx, id, StepDiarization, err)
		}
		diar = &d.res
	}

	if _, err := s.update(ctx, id, func(j *Job) error {
		if diar != nil {
			j.Steps[StepDiarization] = s.now()
		}
		j.DiarizationDegraded = degraded
		return j.transition(StatusMerging)
	}); err != nil {
		return Job{}, err
	}

	if ctx.Err() != nil {
		return s.fail(ctx, id, StepMerge, ErrCancelled)
	}

	var turns []align.DiarizationSegment
	if diar != nil {
		turns = diar.Segments
	}
	segs, err := align.Merge(tr.Segments, turns)
	if err != nil {
		return s.fail(ctx, id, StepMerge, &MergeError{Err: err})
	}
	lang := tr.Language
	if lang == "" {
		lang = j.Language
	}
	merged := MergedResult{Language: lang, Segments: segs}
	if err := s.store.Write(id, artifacts.Merged, merged); err != nil {
		return s.fail(ctx, id, StepMerge, err)
	}

	final, err := s.update(ctx, id, func(j *Job) error {
		now := s.now()
		j.Steps[StepMerge] = now
		j.CompletedAt = &now
		return j.transition(StatusCompleted)
	})
	if err != nil {
		return Job{}, err
	}

	final.Transcript = &tr
	final.Diarization = diar
	final.Merged = &merged
	log.WithFields(logrus.Fields{"segments": len(segs), "degraded": degraded}).Info("job completed")
	return final, nil
}

// update applies fn to the stored job under the job's lock and persists it.
// Writes outlive ctx so a cancelled job still records its outcome.
func (s *Service) update(ctx context.Context, id string, fn func(*Job) error) (Job, error) {
	ctx = context.WithoutCancel(ctx)

	s.locks.Lock(id)
	defer s.locks.Unlock(id)

	j, err := s.r.GetJob(ctx, id)
	if err != nil {
		return Job{}, err
	}
	if err := fn(&j); err != nil {
		return Job{}, err
	}
	j.UpdatedAt = s.now()
	if err := s.r.UpdateJob(ctx, j); err != nil {
		return Job{}, err
	}
	logging.Debugf(ctx, "job %s saved as %s", id, j.Status)
	return j, nil
}

func (s *Service) fail(ctx context.Context, id string, stage Step, cause error) (Job, error) {
	msg := cause.Error()
	var model *ModelError
	switch {
	case errors.Is(cause, ErrCancelled):
		msg = ErrCancelled.Error()
	case errors.As(cause, &model):
		msg = model.Err.Error()
	}

	j, err := s.update(ctx, id, func(j *Job) error {
		now := s.now()
		j.Error = &JobError{Stage: stage, Message: msg}
		j.CompletedAt = &now
		return j.transition(StatusFailed)
	})
	if err != nil {
		return Job{}, err
	}

	logging.WithFields(ctx, logrus.Fields{
		logging.JobKey: id,
		"stage":        stage,
		"error":        msg,
	}).Warn("job failed")
	return j, nil
}

// settle attempts the webhook for a terminal job, off the worker, and marks
// the run settled once that attempt is recorded.
func (s *Service) settle(ctx context.Context, j Job, rn *run) {
	notify := j.WebhookURL != "" && s.webhooks != nil &&
		(j.Status == StatusCompleted || s.cfg.NotifyOnFailure)
	if !notify {
		if j.WebhookStatus == WebhookPending {
			if _, err := s.update(ctx, j.ID, func(j *Job) error {
				j.WebhookStatus = WebhookNotApplicable
				return nil
			}); err != nil {
				logging.Errorf(ctx, "clearing webhook status of %s: %v", j.ID, err)
			}
		}
		s.finishRun(j.ID, rn)
		return
	}

	s.bg.Add(1)
	go func() {
		defer s.bg.Done()
		defer s.finishRun(j.ID, rn)
		s.deliver(context.WithoutCancel(ctx), j)
	}()
}

func (s *Service) deliver(ctx context.Context, j Job) {
	var payload any = j.Result()
	if j.Status == StatusFailed {
		payload = FailureNotice{Status: "failed", JobID: j.ID, Error: j.Error, FileInfo: j.fileInfo()}
	}

	res := s.webhooks.Deliver(ctx, j.WebhookURL, payload)
	for _, a := range res.Attempts {
		err := s.r.LogWebhookAttempt(ctx, WebhookAttempt{
			JobID:        j.ID,
			URL:          j.WebhookURL,
			Number:       a.Number,
			StatusCode:   a.StatusCode,
			ResponseBody: a.ResponseBody,
			Error:        a.Err,
			At:           a.At,
		})
		if err != nil {
			logging.Errorf(ctx, "recording webhook attempt for %s: %v", j.ID, err)
		}
	}

	_, err := s.update(ctx, j.ID, func(j *Job) error {
		j.WebhookAttempts = len(res.Attempts)
		j.WebhookError = res.LastError()
		j.WebhookStatus = WebhookFailed
		if res.Delivered {
			j.WebhookStatus = WebhookDelivered
		}
		if !res.AttemptedAt.IsZero() {
			j.Steps[StepWebhook] = res.AttemptedAt
		}
		return nil
	})
	if err != nil {
		logging.Errorf(ctx, "recording webhook outcome for %s: %v", j.ID, err)
	}
}

func (s *Service) finishRun(id string, rn *run) {
	s.mu.Lock()
	if s.runs[id] == rn {
		delete(s.runs, id)
	}
	s.mu.Unlock()
	rn.cancel()
	close(rn.settled)
}

func (s *Service) lookupRun(id string) (*run, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rn, ok := s.runs[id]
	return rn, ok
}

// Await blocks until job id has settled (terminal state plus any webhook
// attempt) or ctx is done, and returns the job with its artifacts.
func (s *Service) Await(ctx context.Context, id string) (Job, error) {
	if rn, ok := s.lookupRun(id); ok {
		select {
		case <-rn.settled:
		case <-ctx.Done():
			return Job{}, ctx.Err()
		}
	}
	return s.load(ctx, id)
}

// Get returns the job if v may see it. Other users' jobs are reported as not
// found.
func (s *Service) Get(ctx context.Context, v Viewer, id string) (Job, error) {
	j, err := s.load(ctx, id)
	if err != nil {
		return Job{}, err
	}
	if !j.visibleTo(v) {
		return Job{}, ErrNotFound
	}
	return j, nil
}

// load reads the record and attaches the artifacts of every recorded step.
func (s *Service) load(ctx context.Context, id string) (Job, error) {
	j, err := s.r.GetJob(ctx, id)
	if err != nil {
		return Job{}, err
	}

	if _, ok := j.Steps[StepTranscription]; ok {
		var tr TranscriptResult
		if err := s.store.Read(id, artifacts.Transcript, &tr); err != nil {
			return Job{}, fmt.Errorf("load transcript of %s: %w", id, err)
		}
		j.Transcript = &tr
	}
	if _, ok := j.Steps[StepDiarization]; ok {
		var d DiarizationResult
		if err := s.store.Read(id, artifacts.Diarization, &d); err != nil {
			return Job{}, fmt.Errorf("load diarization of %s: %w", id, err)
		}
		j.Diarization = &d
	}
	if _, ok := j.Steps[StepMerge]; ok {
		var m MergedResult
		if err := s.store.Read(id, artifacts.Merged, &m); err != nil {
			return Job{}, fmt.Errorf("load merged transcript of %s: %w", id, err)
		}
		j.Merged = &m
	}

	return j, nil
}

// Cancel asks a queued or running job to stop at its next stage boundary.
// A model call already underway is left to finish.
func (s *Service) Cancel(ctx context.Context, v Viewer, id string) (Job, error) {
	j, err := s.r.GetJob(ctx, id)
	if err != nil {
		return Job{}, err
	}
	if !j.visibleTo(v) {
		return Job{}, ErrNotFound
	}
	if j.Status.Terminal() {
		return j, ErrFinished
	}

	rn, ok := s.lookupRun(id)
	if !ok {
		return j, ErrFinished
	}
	rn.cancel()

	logging.WithFields(ctx, logrus.Fields{logging.JobKey: id, "by": v.ID}).Info("cancellation requested")
	return j, nil
}

// List returns a page of jobs. Paging values out of range are clamped.
func (s *Service) List(ctx context.Context, f ListFilter) (Page, error) {
	if f.Status != "" && !f.Status.Valid() {
		return Page{}, &ValidationError{Field: "status", Reason: fmt.Sprintf("unknown status %q", f.Status)}
	}
	if f.DateFrom != nil && f.DateTo != nil && f.DateTo.Before(*f.DateFrom) {
		return Page{}, &ValidationError{Field: "date_to", Reason: "is before date_from"}
	}
	f.Page = max(f.Page, 1)
	switch {
	case f.Limit <= 0:
		f.Limit = 20
	case f.Limit > 100:
		f.Limit = 100
	}

	list, total, err := s.r.ListJobs(ctx, f)
	if err != nil {
		return Page{}, err
	}

	return Page{
		Jobs:  list,
		Page:  f.Page,
		Limit: f.Limit,
		Total: total,
		Pages: int(math.Ceil(float64(total) / float64(f.Limit))),
	}, nil
}

// Stats combines the stored job counts with the live worker pool.
func (s *Service) Stats(ctx context.Context) (Stats, error) {
	st, err := s.r.Stats(ctx)
	if err != nil {
		return Stats{}, err
	}

	m := s.pool.GetMetrics()
	st.Queue = QueueStats{
		Active:    m["active_workers"],
		Pending:   m["pending_tasks"],
		Completed: m["completed_tasks"],
		Panicked:  m["panicked_tasks"],
	}
	return st, nil
}

func (s *Service) WebhookAttempts(ctx context.Context, id string) ([]WebhookAttempt, error) {
	if _, err := s.r.GetJob(ctx, id); err != nil {
		return nil, err
	}
	return s.r.WebhookAttempts(ctx, id)
}

// Delete removes the job record and its artifacts. Either both go or
// neither does. Jobs that have not settled yet are refused with ErrConflict.
func (s *Service) Delete(ctx context.Context, id string) error {
	s.locks.Lock(id)
	defer s.locks.Unlock(id)

	if _, ok := s.lookupRun(id); ok {
		return ErrConflict
	}
	j, err := s.r.GetJob(ctx, id)
	if err != nil {
		return err
	}
	if !j.Status.Terminal() {
		return ErrConflict
	}

	var restore, purge func() error
	err = s.r.DeleteJob(ctx, id, func() error {
		var err error
		restore, purge, err = s.store.Detach(id)
		return err
	})
	if err != nil {
		if restore != nil {
			if rerr := restore(); rerr != nil {
				logging.Errorf(ctx, "restoring artifacts of %s: %v", id, rerr)
			}
		}
		return err
	}

	if err := purge(); err != nil {
		logging.Warnf(ctx, "purging artifacts of %s: %v", id, err)
	}
	logging.WithFields(ctx, logrus.Fields{logging.JobKey: id}).Info("job deleted")
	return nil
}

// ArtifactPath locates a stored artifact for download. Artifacts of stages
// that never completed are not found.
func (s *Service) ArtifactPath(ctx context.Context, v Viewer, id string, kind artifacts.Kind) (string, error) {
	j, err := s.r.GetJob(ctx, id)
	if err != nil {
		return "", err
	}
	if !j.visibleTo(v) {
		return "", ErrNotFound
	}

	step := map[artifacts.Kind]Step{
		artifacts.Transcript:  StepTranscription,
		artifacts.Diarization: StepDiarization,
		artifacts.Merged:      StepMerge,
	}[kind]
	if _, ok := j.Steps[step]; !ok || !s.store.Exists(id, kind) {
		return "", ErrNotFound
	}
	return s.store.Path(id, kind), nil
}

// ModelsLoaded reports engine readiness for the health endpoint.
func (s *Service) ModelsLoaded() map[string]bool {
	return map[string]bool{
		"whisper":  s.transcriber.Ready(),
		"pyannote": s.diarizer != nil && s.diarizer.Ready(),
	}
}

// Close stops accepting jobs and waits for running pipelines and webhook
// attempts until ctx expires.
func (s *Service) Close(ctx context.Context) {
	s.pool.Stop(ctx)
	logging.Infof(ctx, "worker pool stopped after %d jobs", s.pool.GetMetrics()["completed_tasks"])

	done := make(chan struct{})
	go func() {
		s.bg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
	}
}
