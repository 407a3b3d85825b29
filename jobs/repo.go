package jobs

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/mattn/go-sqlite3"
)

// ErrDuplicate is returned by CreateJob when the owner already used the
// idempotency key.
var ErrDuplicate = errors.New("duplicate idempotency key")

const schema = `
create table if not exists jobs (
	id text primary key,
	owner text not null,
	original_filename text not null,
	content_type text not null,
	file_size integer not null,
	language text not null,
	webhook_url text not null default '',
	audio_blake3 text not null default '',
	idempotency_key text,
	status text not null,
	processing_steps text not null default '{}',
	diarization_degraded integer not null default 0,
	error_stage text,
	error_message text,
	webhook_status text not null,
	webhook_attempts integer not null default 0,
	webhook_error text not null default '',
	created_at integer not null,
	updated_at integer not null,
	started_at integer,
	completed_at integer
);

create unique index if not exists jobs_owner_idempotency_key
	on jobs (owner, idempotency_key) where idempotency_key is not null;
create index if not exists jobs_created_at on jobs (created_at desc, id desc);
create index if not exists jobs_status on jobs (status);

create table if not exists webhook_attempts (
	id integer primary key autoincrement,
	job_id text not null references jobs (id) on delete cascade,
	url text not null,
	attempt integer not null,
	status_code integer not null default 0,
	response_body text not null default '',
	error text not null default '',
	created_at integer not null
);

create index if not exists webhook_attempts_job_id on webhook_attempts (job_id);
`

const jobColumns = `id, owner, original_filename, content_type, file_size, language,
	webhook_url, audio_blake3, idempotency_key, status, processing_steps,
	diarization_degraded, error_stage, error_message, webhook_status,
	webhook_attempts, webhook_error, created_at, updated_at, started_at, completed_at`

type SQLiteRepo struct {
	db *sql.DB
}

func NewSQLiteRepo(db *sql.DB) SQLiteRepo {
	return SQLiteRepo{db}
}

func (r SQLiteRepo) Migrate(ctx context.Context) error {
	if _, err := r.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("migrating schema: %w", err)
	}
	return nil
}

func (r SQLiteRepo) CreateJob(ctx context.Context, j Job) error {
	steps, err := json.Marshal(j.Steps)
	if err != nil {
		return fmt.Errorf("create job: encoding steps: %w", err)
	}

	_, err = r.db.ExecContext(ctx, `
		insert into jobs (
			id, owner, original_filename, content_type, file_size, language,
			webhook_url, audio_blake3, idempotency_key, status, processing_steps,
			webhook_status, created_at, updated_at
		) values ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)`,
		j.ID,
		j.Owner,
		j.OriginalFilename,
		j.ContentType,
		j.FileSize,
		j.Language,
		j.WebhookURL,
		j.AudioBlake3,
		nullString(j.IdempotencyKey),
		j.Status,
		string(steps),
		j.WebhookStatus,
		toMicro(j.CreatedAt),
		toMicro(j.UpdatedAt),
	)
	if err != nil {
		var se sqlite3.Error
		if errors.As(err, &se) && se.ExtendedCode == sqlite3.ErrConstraintUnique {
			return ErrDuplicate
		}
		return fmt.Errorf("persisting job into sqlite: %w", err)
	}

	return nil
}

// UpdateJob writes every mutable column of j.
func (r SQLiteRepo) UpdateJob(ctx context.Context, j Job) error {
	steps, err := json.Marshal(j.Steps)
	if err != nil {
		return fmt.Errorf("update job: encoding steps: %w", err)
	}

	var stage, message sql.NullString
	if j.Error != nil {
		stage = sql.NullString{String: string(j.Error.Stage), Valid: true}
		message = sql.NullString{String: j.Error.Message, Valid: true}
	}

	res, err := r.db.ExecContext(ctx, `
		update jobs set
			status = $1,
			processing_steps = $2,
			diarization_degraded = $3,
			error_stage = $4,
			error_message = $5,
			webhook_status = $6,
			webhook_attempts = $7,
			webhook_error = $8,
			updated_at = $9,
			started_at = $10,
			completed_at = $11
		where id = $12`,
		j.Status,
		string(steps),
		boolInt(j.DiarizationDegraded),
		stage,
		message,
		j.WebhookStatus,
		j.WebhookAttempts,
		j.WebhookError,
		toMicro(j.UpdatedAt),
		nullMicro(j.StartedAt),
		nullMicro(j.CompletedAt),
		j.ID,
	)
	if err != nil {
		return fmt.Errorf("updating job %s: %w", j.ID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}

	return nil
}

func (r SQLiteRepo) GetJob(ctx context.Context, id string) (Job, error) {
	row := r.db.QueryRowContext(ctx, "select "+jobColumns+" from jobs where id = $1", id)
	j, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Job{}, ErrNotFound
	}
	if err != nil {
		return Job{}, fmt.Errorf("get job: %w", err)
	}
	return j, nil
}

func (r SQLiteRepo) GetJobByIdempotencyKey(ctx context.Context, owner, key string) (Job, error) {
	row := r.db.QueryRowContext(ctx,
		"select "+jobColumns+" from jobs where owner = $1 and idempotency_key = $2",
		owner, key,
	)
	j, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Job{}, ErrNotFound
	}
	if err != nil {
		return Job{}, fmt.Errorf("get job by idempotency key: %w", err)
	}
	return j, nil
}

// ListJobs returns one page of jobs matching f, newest first, plus the total
// number of matches.
func (r SQLiteRepo) ListJobs(ctx context.Context, f ListFilter) ([]Job, int, error) {
	where, args := f.where()

	var total int
	err := r.db.QueryRowContext(ctx, "select count(*) from jobs"+where, args...).Scan(&total)
	if err != nil {
		return nil, 0, fmt.Errorf("counting jobs: %w", err)
	}

	n := len(args)
	query := fmt.Sprintf("select %s from jobs%s order by created_at desc, id desc limit $%d offset $%d",
		jobColumns, where, n+1, n+2)
	args = append(args, f.Limit, (f.Page-1)*f.Limit)

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("listing jobs: %w", err)
	}
	defer rows.Close()

	var out []Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("listing jobs: %w", err)
		}
		out = append(out, j)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("listing jobs: %w", err)
	}

	return out, total, nil
}

func (f ListFilter) where() (string, []any) {
	var (
		conds []string
		args  []any
	)
	arg := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}

	if f.Status != "" {
		conds = append(conds, "status = "+arg(f.Status))
	}
	if s := strings.TrimSpace(f.Search); s != "" {
		like := "%" + escapeLike(s) + "%"
		conds = append(conds, fmt.Sprintf(
			`(original_filename like %s escape '\' or id like %s escape '\' or owner like %s escape '\')`,
			arg(like), arg(like), arg(like),
		))
	}
	if f.DateFrom != nil {
		conds = append(conds, "created_at >= "+arg(toMicro(*f.DateFrom)))
	}
	if f.DateTo != nil {
		conds = append(conds, "created_at < "+arg(toMicro(*f.DateTo)))
	}

	if len(conds) == 0 {
		return "", nil
	}
	return " where " + strings.Join(conds, " and "), args
}

func (r SQLiteRepo) Stats(ctx context.Context) (Stats, error) {
	var (
		st  Stats
		avg sql.NullFloat64
	)
	err := r.db.QueryRowContext(ctx, `
		select
			count(*),
			coalesce(sum(status = 'completed'), 0),
			coalesce(sum(status not in ('completed', 'failed')), 0),
			coalesce(sum(status = 'failed'), 0),
			coalesce(sum(status = 'pending'), 0),
			coalesce(sum(file_size), 0),
			avg(case when status = 'completed' and started_at is not null
				then (completed_at - started_at) / 1000000.0 end)
		from jobs`,
	).Scan(&st.Total, &st.Completed, &st.Processing, &st.Failed, &st.Pending, &st.TotalFileSize, &avg)
	if err != nil {
		return Stats{}, fmt.Errorf("job stats: %w", err)
	}
	st.AverageProcessing = avg.Float64
	return st, nil
}

// DeleteJob removes the job and its webhook log in one transaction. commit
// runs just before the transaction commits and aborts it by returning an
// error.
func (r SQLiteRepo) DeleteJob(ctx context.Context, id string, commit func() error) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("deleting job: begin trx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, "delete from webhook_attempts where job_id = $1", id); err != nil {
		return fmt.Errorf("deleting webhook attempts: %w", err)
	}
	res, err := tx.ExecContext(ctx, "delete from jobs where id = $1", id)
	if err != nil {
		return fmt.Errorf("deleting job: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}

	if commit != nil {
		if err := commit(); err != nil {
			return err
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("deleting job: commiting: %w", err)
	}
	return nil
}

func (r SQLiteRepo) LogWebhookAttempt(ctx context.Context, a WebhookAttempt) error {
	_, err := r.db.ExecContext(ctx, `
		insert into webhook_attempts (job_id, url, attempt, status_code, response_body, error, created_at)
		values ($1, $2, $3, $4, $5, $6, $7)`,
		a.JobID, a.URL, a.Number, a.StatusCode, a.ResponseBody, a.Error, toMicro(a.At),
	)
	if err != nil {
		return fmt.Errorf("logging webhook attempt: %w", err)
	}
	return nil
}

func (r SQLiteRepo) WebhookAttempts(ctx context.Context, jobID string) ([]WebhookAttempt, error) {
	rows, err := r.db.QueryContext(ctx, `
		select job_id, url, attempt, status_code, response_body, error, created_at
		from webhook_attempts where job_id = $1 order by id`, jobID)
	if err != nil {
		return nil, fmt.Errorf("listing webhook attempts: %w", err)
	}
	defer rows.Close()

	var out []WebhookAttempt
	for rows.Next() {
		var (
			a  WebhookAttempt
			at int64
		)
		if err := rows.Scan(&a.JobID, &a.URL, &a.Number, &a.StatusCode, &a.ResponseBody, &a.Error, &at); err != nil {
			return nil, fmt.Errorf("scanning webhook attempt: %w", err)
		}
		a.At = fromMicro(at)
		out = append(out, a)
	}
	return out, rows.Err()
}

// FailInterrupted marks every non-terminal job as failed. It runs at startup,
// when no pipeline can still own such a job.
func (r SQLiteRepo) FailInterrupted(ctx context.Context, now time.Time) (int64, error) {
	res, err := r.db.ExecContext(ctx, `
		update jobs set
			status = 'failed',
			error_stage = case status
				when 'diarizing' then 'diarization'
				when 'merging' then 'merge'
				else 'transcription' end,
			error_message = 'interrupted by restart',
			webhook_status = case webhook_status when 'pending' then 'failed' else webhook_status end,
			updated_at = $1,
			completed_at = $1
		where status not in ('completed', 'failed')`,
		toMicro(now),
	)
	if err != nil {
		return 0, fmt.Errorf("failing interrupted jobs: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanJob(s scanner) (Job, error) {
	var (
		j                   Job
		idemKey, stage, msg sql.NullString
		steps               string
		degraded            int
		created, updated    int64
		started, completed  sql.NullInt64
	)
	err := s.Scan(
		&j.ID, &j.Owner, &j.OriginalFilename, &j.ContentType, &j.FileSize, &j.Language,
		&j.WebhookURL, &j.AudioBlake3, &idemKey, &j.Status, &steps,
		&degraded, &stage, &msg, &j.WebhookStatus,
		&j.WebhookAttempts, &j.WebhookError, &created, &updated, &started, &completed,
	)
	if err != nil {
		return Job{}, err
	}

	j.IdempotencyKey = idemKey.String
	j.DiarizationDegraded = degraded == 1
	j.CreatedAt = fromMicro(created)
	j.UpdatedAt = fromMicro(updated)
	if started.Valid {
		t := fromMicro(started.Int64)
		j.StartedAt = &t
	}
	if completed.Valid {
		t := fromMicro(completed.Int64)
		j.CompletedAt = &t
	}
	if stage.Valid {
		j.Error = &JobError{Stage: Step(stage.String), Message: msg.String}
	}
	if err := json.Unmarshal([]byte(steps), &j.Steps); err != nil {
		return Job{}, fmt.Errorf("decoding processing steps: %w", err)
	}
	if j.Steps == nil {
		j.Steps = map[Step]time.Time{}
	}

	return j, nil
}

func escapeLike(s string) string {
	return strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`).Replace(s)
}

func toMicro(t time.Time) int64 {
	return t.UnixMicro()
}

func fromMicro(v int64) time.Time {
	return time.UnixMicro(v).UTC()
}

func nullMicro(t *time.Time) sql.NullInt64 {
	if t == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: t.UnixMicro(), Valid: true}
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
