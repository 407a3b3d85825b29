package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/sirupsen/logrus"

	"transcripts/api"
	"transcripts/artifacts"
	"transcripts/auth"
	"transcripts/config"
	"transcripts/jobs"
	"transcripts/logging"
	"transcripts/pyannote"
	"transcripts/webhook"
	"transcripts/whisperx"
)

const shutdownGrace = 30 * time.Second

func runServer(cfg config.Config) error {
	log := logging.StandardLogger()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	db, err := openDB(cfg.Storage.DBPath)
	if err != nil {
		return err
	}
	defer db.Close()

	repo := jobs.NewSQLiteRepo(db)
	if err := repo.Migrate(ctx); err != nil {
		return err
	}
	if n, err := repo.FailInterrupted(ctx, time.Now().UTC()); err != nil {
		return err
	} else if n > 0 {
		log.WithField("jobs", n).Warn("marked jobs interrupted by the last shutdown as failed")
	}

	store, err := artifacts.NewStore(cfg.Storage.OutputDir)
	if err != nil {
		return err
	}

	transcriber, diarizer, err := newEngines(cfg.Models, cfg.Storage.SpoolDir)
	if err != nil {
		return err
	}

	sender := webhook.NewSender(webhook.Config{
		Timeout:     cfg.Webhook.Timeout,
		MaxAttempts: cfg.Webhook.MaxAttempts,
		BackoffBase: cfg.Webhook.BackoffBase,
		MaxWait:     cfg.Webhook.MaxWait,
	}, &http.Client{})

	svc, err := jobs.NewService(jobs.Config{
		MaxConcurrentJobs: cfg.Pipeline.MaxConcurrentJobs,
		QueueSize:         cfg.Pipeline.QueueSize,
		MaxUploadBytes:    cfg.Server.MaxUploadBytes(),
		DefaultLanguage:   cfg.Pipeline.DefaultLanguage,
		ParallelStages:    cfg.Pipeline.ParallelStages,
		NotifyOnFailure:   cfg.Webhook.NotifyOnFailure,
		SpoolDir:          cfg.Storage.SpoolDir,
	}, repo, store, transcriber, diarizer, sender)
	if err != nil {
		return err
	}

	srv := api.NewServer(api.Options{
		Port:           cfg.Server.Port,
		MaxUploadBytes: cfg.Server.MaxUploadBytes(),
		SyncTimeout:    cfg.Pipeline.SyncTimeout,
		CORSOrigins:    cfg.Server.CORSOrigins,
	}, svc, newAuthenticator(cfg.Auth))

	errc := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errc <- fmt.Errorf("http listen and serve: %w", err)
		}
	}()

	select {
	case <-ctx.Done():
		log.Info("shutting down")
	case err := <-errc:
		return err
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.WithError(err).Error("shutdown server")
	}
	svc.Close(shutdownCtx)
	return nil
}

func openDB(path string) (*sql.DB, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create db dir: %w", err)
		}
	}

	dsn := "file:" + path + "?_busy_timeout=10000&_journal_mode=WAL&_synchronous=NORMAL&_foreign_keys=on"
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}

	_, err = db.Exec(`
	PRAGMA journal_size_limit = 200000000;
	PRAGMA temp_store         = MEMORY;
	PRAGMA cache_size         = -16000;`)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("configure db: %w", err)
	}

	return db, nil
}

// newEngines builds the configured model adapters, each behind its slot
// limit. The diarizer is nil when diarization is switched off or cannot run.
func newEngines(m config.Models, scriptDir string) (jobs.Transcriber, jobs.Diarizer, error) {
	log := logging.StandardLogger()

	var t jobs.Transcriber
	switch m.Transcriber {
	case "http":
		t = whisperx.NewHTTPTranscriber(m.TranscribeURL, m.TranscribeAPIKey, m.WhisperModel, nil)
	default:
		t = whisperx.NewTranscriber(m.WhisperxBin, m.WhisperModel, m.WhisperDevice)
	}
	if !t.Ready() {
		log.WithField("transcriber", m.Transcriber).Warn("transcriber is not ready, jobs will fail until it is")
	}

	var d jobs.Diarizer
	switch m.Diarizer {
	case "none":
	case "http":
		d = pyannote.NewHTTPDiarizer(m.DiarizeURL, nil)
	default:
		if m.HFToken == "" {
			log.Warn("no Hugging Face token configured, diarization disabled")
			break
		}
		pd, err := pyannote.NewDiarizer(m.PythonBin, m.PyannoteModel, m.HFToken, scriptDir)
		if err != nil {
			return nil, nil, err
		}
		d = pd
	}
	if d == nil {
		log.Warn("running without a diarizer, every job will be speaker-degraded")
	}

	log.WithFields(logrus.Fields{
		"transcriber":       m.Transcriber,
		"transcriber_slots": m.TranscriberSlots,
		"diarizer":          m.Diarizer,
		"diarizer_slots":    m.DiarizerSlots,
	}).Info("model engines configured")

	return jobs.LimitTranscriber(t, m.TranscriberSlots), jobs.LimitDiarizer(d, m.DiarizerSlots), nil
}

func newAuthenticator(a config.Auth) auth.Authenticator {
	var chain auth.Chain
	if a.JWTSecret != "" {
		chain = append(chain, auth.NewTokenManager(a.JWTSecret))
	}
	if len(a.Users) > 0 {
		chain = append(chain, auth.NewBasic(a.Users))
	}
	if len(chain) == 0 {
		logging.StandardLogger().Warn("no jwt secret or users configured, authenticated routes will answer 401")
	}
	return chain
}
