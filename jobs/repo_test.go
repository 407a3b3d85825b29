package jobs

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"
)

func seedJob(t *testing.T, r SQLiteRepo, id, owner, name string, status Status, created time.Time) Job {
	t.Helper()
	j := Job{
		ID:               id,
		Owner:            owner,
		OriginalFilename: name,
		ContentType:      "audio/wav",
		FileSize:         1000,
		Language:         "en",
		Status:           StatusPending,
		Steps:            map[Step]time.Time{StepUpload: created},
		WebhookStatus:    WebhookNotApplicable,
		CreatedAt:        created,
		UpdatedAt:        created,
	}
	if err := r.CreateJob(context.Background(), j); err != nil {
		t.Fatalf("create %s: %v", id, err)
	}
	if status != StatusPending {
		j.Status = status
		if status == StatusFailed {
			j.Error = &JobError{Stage: StepTranscription, Message: "boom"}
		}
		if status.Terminal() {
			started := created.Add(time.Second)
			done := created.Add(3 * time.Second)
			j.StartedAt, j.CompletedAt = &started, &done
		}
		if err := r.UpdateJob(context.Background(), j); err != nil {
			t.Fatalf("update %s: %v", id, err)
		}
	}
	return j
}

func TestRepoRoundTripsJob(t *testing.T) {
	r := openTestDB(t)
	base := time.Date(2024, 5, 1, 12, 0, 0, 123456000, time.UTC)
	seedJob(t, r, "job-1", "alice", "a.wav", StatusFailed, base)

	got, err := r.GetJob(context.Background(), "job-1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if !got.CreatedAt.Equal(base) || got.Status != StatusFailed {
		t.Fatalf("got %+v", got)
	}
	if got.Error == nil || got.Error.Message != "boom" || got.Error.Stage != StepTranscription {
		t.Fatalf("error = %+v", got.Error)
	}
	if got.CompletedAt == nil || got.CompletedAt.Sub(*got.StartedAt) != 2*time.Second {
		t.Fatalf("timestamps = %v %v", got.StartedAt, got.CompletedAt)
	}
	if !got.Steps[StepUpload].Equal(base) {
		t.Fatalf("steps = %v", got.Steps)
	}

	if _, err := r.GetJob(context.Background(), "missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("missing job: %v", err)
	}
	if err := r.UpdateJob(context.Background(), Job{ID: "missing", Steps: map[Step]time.Time{}}); !errors.Is(err, ErrNotFound) {
		t.Fatalf("update missing: %v", err)
	}
}

func TestRepoDuplicateIdempotencyKey(t *testing.T) {
	r := openTestDB(t)
	now := time.Now().UTC()
	j := Job{ID: "a", Owner: "alice", Status: StatusPending, Steps: map[Step]time.Time{}, WebhookStatus: WebhookNotApplicable,
		IdempotencyKey: "k", CreatedAt: now, UpdatedAt: now}
	if err := r.CreateJob(context.Background(), j); err != nil {
		t.Fatalf("create: %v", err)
	}

	j.ID = "b"
	if err := r.CreateJob(context.Background(), j); !errors.Is(err, ErrDuplicate) {
		t.Fatalf("duplicate key: %v", err)
	}

	j.ID, j.Owner = "c", "bob"
	if err := r.CreateJob(context.Background(), j); err != nil {
		t.Fatalf("same key other owner: %v", err)
	}

	j.ID, j.IdempotencyKey = "d", ""
	if err := r.CreateJob(context.Background(), j); err != nil {
		t.Fatalf("no key: %v", err)
	}
	j.ID = "e"
	if err := r.CreateJob(context.Background(), j); err != nil {
		t.Fatalf("second job without key: %v", err)
	}
}

func TestListJobsStatusFilterAcrossPages(t *testing.T) {
	r := openTestDB(t)
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	statuses := []Status{StatusCompleted, StatusFailed, StatusCompleted, StatusPending, StatusCompleted}

	completed := 0
	for i := 0; i < 23; i++ {
		st := statuses[i%len(statuses)]
		if st == StatusCompleted {
			completed++
		}
		// pairs share a timestamp so the id tie-break is exercised
		seedJob(t, r, fmt.Sprintf("job-%02d", i), "alice", "a.wav", st, base.Add(time.Duration(i/2)*time.Minute))
	}

	seen := map[string]bool{}
	for page := 1; ; page++ {
		list, total, err := r.ListJobs(context.Background(), ListFilter{Page: page, Limit: 4, Status: StatusCompleted})
		if err != nil {
			t.Fatalf("page %d: %v", page, err)
		}
		if total != completed {
			t.Fatalf("total = %d, want %d", total, completed)
		}
		if len(list) == 0 {
			break
		}
		for _, j := range list {
			if j.Status != StatusCompleted {
				t.Fatalf("page %d has %s job", page, j.Status)
			}
			if seen[j.ID] {
				t.Fatalf("%s appears on two pages", j.ID)
			}
			seen[j.ID] = true
		}
	}
	if len(seen) != completed {
		t.Fatalf("saw %d completed jobs, want %d", len(seen), completed)
	}
}

func TestListJobsNewestFirst(t *testing.T) {
	r := openTestDB(t)
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	seedJob(t, r, "old", "alice", "a.wav", StatusPending, base)
	seedJob(t, r, "new", "alice", "b.wav", StatusPending, base.Add(time.Hour))

	list, _, err := r.ListJobs(context.Background(), ListFilter{Page: 1, Limit: 10})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(list) != 2 || list[0].ID != "new" || list[1].ID != "old" {
		t.Fatalf("order = %v", list)
	}
}

func TestListJobsSearchAndDates(t *testing.T) {
	r := openTestDB(t)
	base := time.Date(2024, 3, 10, 0, 0, 0, 0, time.UTC)
	seedJob(t, r, "j1", "alice", "board_meeting.wav", StatusCompleted, base)
	seedJob(t, r, "j2", "bob", "boardXmeeting.mp3", StatusCompleted, base.Add(24*time.Hour))
	seedJob(t, r, "j3", "carol", "standup.ogg", StatusFailed, base.Add(48*time.Hour))

	tests := []struct {
		name string
		f    ListFilter
		want []string
	}{
		{"underscore is literal", ListFilter{Search: "board_"}, []string{"j1"}},
		{"owner match", ListFilter{Search: "caro"}, []string{"j3"}},
		{"id match", ListFilter{Search: "j2"}, []string{"j2"}},
		{"percent is literal", ListFilter{Search: "%"}, nil},
		{"date window", ListFilter{DateFrom: ptr(base.Add(time.Hour)), DateTo: ptr(base.Add(47 * time.Hour))}, []string{"j2"}},
		{"status and search", ListFilter{Search: "board", Status: StatusFailed}, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tt.f.Page, tt.f.Limit = 1, 10
			list, total, err := r.ListJobs(context.Background(), tt.f)
			if err != nil {
				t.Fatalf("list: %v", err)
			}
			var got []string
			for _, j := range list {
				got = append(got, j.ID)
			}
			if fmt.Sprint(got) != fmt.Sprint(tt.want) || total != len(tt.want) {
				t.Fatalf("got %v (total %d), want %v", got, total, tt.want)
			}
		})
	}
}

func TestListJobsDateToIsExclusive(t *testing.T) {
	r := openTestDB(t)
	midnight := time.Date(2024, 3, 2, 0, 0, 0, 0, time.UTC)
	seedJob(t, r, "late", "alice", "late.wav", StatusCompleted, midnight.Add(-time.Microsecond))
	seedJob(t, r, "next", "alice", "next.wav", StatusCompleted, midnight)

	list, total, err := r.ListJobs(context.Background(), ListFilter{DateTo: &midnight, Page: 1, Limit: 10})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if total != 1 || list[0].ID != "late" {
		t.Fatalf("got %d jobs: %+v", total, list)
	}
}

func ptr[T any](v T) *T { return &v }

func TestStatsCountsByStatus(t *testing.T) {
	r := openTestDB(t)
	base := time.Now().UTC()
	seedJob(t, r, "a", "alice", "a.wav", StatusCompleted, base)
	seedJob(t, r, "b", "alice", "b.wav", StatusCompleted, base)
	seedJob(t, r, "c", "alice", "c.wav", StatusFailed, base)
	seedJob(t, r, "d", "alice", "d.wav", StatusPending, base)
	seedJob(t, r, "e", "alice", "e.wav", StatusDiarizing, base)

	st, err := r.Stats(context.Background())
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	want := Stats{Total: 5, Completed: 2, Processing: 2, Failed: 1, Pending: 1, TotalFileSize: 5000, AverageProcessing: 2}
	if st != want {
		t.Fatalf("stats = %+v, want %+v", st, want)
	}
}

func TestDeleteJobRollsBackWhenCommitHookFails(t *testing.T) {
	r := openTestDB(t)
	seedJob(t, r, "a", "alice", "a.wav", StatusCompleted, time.Now().UTC())
	if err := r.LogWebhookAttempt(context.Background(), WebhookAttempt{JobID: "a", URL: "http://x", Number: 1, StatusCode: 200, At: time.Now()}); err != nil {
		t.Fatalf("log attempt: %v", err)
	}

	hookErr := errors.New("disk on fire")
	if err := r.DeleteJob(context.Background(), "a", func() error { return hookErr }); !errors.Is(err, hookErr) {
		t.Fatalf("delete: %v", err)
	}
	if _, err := r.GetJob(context.Background(), "a"); err != nil {
		t.Fatalf("job gone after rollback: %v", err)
	}
	if attempts, _ := r.WebhookAttempts(context.Background(), "a"); len(attempts) != 1 {
		t.Fatalf("attempts after rollback = %d", len(attempts))
	}

	if err := r.DeleteJob(context.Background(), "a", nil); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if attempts, _ := r.WebhookAttempts(context.Background(), "a"); len(attempts) != 0 {
		t.Fatalf("attempts after delete = %d", len(attempts))
	}
	if err := r.DeleteJob(context.Background(), "a", nil); !errors.Is(err, ErrNotFound) {
		t.Fatalf("delete missing: %v", err)
	}
}

func TestFailInterrupted(t *testing.T) {
	r := openTestDB(t)
	base := time.Now().UTC()
	seedJob(t, r, "a", "alice", "a.wav", StatusDiarizing, base)
	seedJob(t, r, "b", "alice", "b.wav", StatusCompleted, base)

	n, err := r.FailInterrupted(context.Background(), base.Add(time.Minute))
	if err != nil || n != 1 {
		t.Fatalf("n = %d, err = %v", n, err)
	}
	j, _ := r.GetJob(context.Background(), "a")
	if j.Status != StatusFailed || j.Error == nil || j.Error.Stage != StepDiarization {
		t.Fatalf("job = %+v", j)
	}
	if j, _ := r.GetJob(context.Background(), "b"); j.Status != StatusCompleted {
		t.Fatalf("completed job touched: %s", j.Status)
	}
}
