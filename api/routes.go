package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"transcripts/artifacts"
	"transcripts/auth"
	"transcripts/jobs"
	"transcripts/logging"
)

const dateOnly = "2006-01-02"

type API struct {
	svc         *jobs.Service
	syncTimeout time.Duration
}

func NewAPI(svc *jobs.Service, syncTimeout time.Duration) *API {
	return &API{svc: svc, syncTimeout: syncTimeout}
}

func registerRoutes(r *gin.Engine, api *API, authn auth.Authenticator) {
	r.GET("/health", api.handleHealth)

	authed := r.Group("/", Authenticate(authn))
	{
		authed.POST("/process", api.handleProcess)

		authed.POST("/jobs", api.handleCreateJob)
		authed.GET("/jobs/:id", api.handleGetJob)
		authed.POST("/jobs/:id/cancel", api.handleCancelJob)
	}

	admin := r.Group("/admin", Authenticate(authn), RequireAdmin())
	{
		admin.GET("/jobs", api.handleListJobs)
		admin.GET("/jobs/:id/webhooks", api.handleWebhookAttempts)
		admin.DELETE("/jobs/:id", api.handleDeleteJob)
		admin.GET("/stats", api.handleStats)
		admin.GET("/download/:id/:kind", api.handleDownload)
	}
}

func (a *API) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":        "healthy",
		"models_loaded": a.svc.ModelsLoaded(),
	})
}

// handleProcess submits the upload and holds the request until the job
// settles or the sync timeout passes.
func (a *API) handleProcess(c *gin.Context) {
	submitted, ok := a.submit(c)
	if !ok {
		return
	}

	ctx, cancel := context.WithTimeout(c.Request.Context(), a.syncTimeout)
	defer cancel()

	j, err := a.svc.Await(ctx, submitted.ID)
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		c.JSON(http.StatusGatewayTimeout, gin.H{
			"detail": "job is still processing, poll /jobs/" + submitted.ID,
			"job_id": submitted.ID,
		})
		return
	case errors.Is(err, context.Canceled):
		// client went away; the job carries on
		c.Abort()
		return
	case err != nil:
		respondError(c, err)
		return
	}

	if j.Status == jobs.StatusFailed {
		status := http.StatusInternalServerError
		if j.Error != nil && j.Error.Message == jobs.ErrCancelled.Error() {
			status = http.StatusConflict
		}
		c.JSON(status, gin.H{"detail": failureDetail(j), "job_id": j.ID})
		return
	}
	c.JSON(http.StatusOK, j.Result())
}

func (a *API) handleCreateJob(c *gin.Context) {
	j, ok := a.submit(c)
	if !ok {
		return
	}

	c.Header("Location", "/jobs/"+j.ID)
	c.JSON(http.StatusAccepted, gin.H{"job_id": j.ID, "status": j.Status})
}

// submit reads the multipart upload and hands it to the service. It writes
// the error response itself and reports whether the caller should go on.
func (a *API) submit(c *gin.Context) (jobs.Job, bool) {
	fileHeader, err := c.FormFile("file")
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			respondMessage(c, http.StatusRequestEntityTooLarge, fmt.Sprintf("file exceeds %d bytes", tooLarge.Limit))
			return jobs.Job{}, false
		}
		respondMessage(c, http.StatusBadRequest, "file: is required")
		return jobs.Job{}, false
	}

	upload, err := fileHeader.Open()
	if err != nil {
		logging.Errorf(c.Request.Context(), "opening upload: %v", err)
		respondMessage(c, http.StatusInternalServerError, "unable to read uploaded file")
		return jobs.Job{}, false
	}
	defer upload.Close()

	j, err := a.svc.Submit(c.Request.Context(), jobs.SubmitRequest{
		Owner:          viewer(c).ID,
		Filename:       fileHeader.Filename,
		ContentType:    fileHeader.Header.Get("Content-Type"),
		Size:           fileHeader.Size,
		Body:           upload,
		Language:       c.PostForm("language"),
		WebhookURL:     strings.TrimSpace(c.PostForm("webhook_url")),
		IdempotencyKey: strings.TrimSpace(c.GetHeader("Idempotency-Key")),
	})
	if err != nil {
		respondError(c, err)
		return jobs.Job{}, false
	}
	return j, true
}

func (a *API) handleGetJob(c *gin.Context) {
	j, err := a.svc.Get(c.Request.Context(), viewer(c), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, j.View())
}

func (a *API) handleCancelJob(c *gin.Context) {
	j, err := a.svc.Cancel(c.Request.Context(), viewer(c), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusAccepted, gin.H{"job_id": j.ID, "status": "cancelling"})
}

type listQuery struct {
	Page     int    `form:"page" binding:"omitempty,min=1"`
	Limit    int    `form:"limit" binding:"omitempty,min=1,max=100"`
	Search   string `form:"search" binding:"max=200"`
	Status   string `form:"status"`
	DateFrom string `form:"date_from"`
	DateTo   string `form:"date_to"`
}

func (a *API) handleListJobs(c *gin.Context) {
	var q listQuery
	if err := c.ShouldBindQuery(&q); err != nil {
		respondMessage(c, http.StatusBadRequest, err.Error())
		return
	}

	f := jobs.ListFilter{
		Page:   q.Page,
		Limit:  q.Limit,
		Search: strings.TrimSpace(q.Search),
		Status: jobs.Status(q.Status),
	}
	var err error
	if f.DateFrom, err = parseDate(q.DateFrom, false); err != nil {
		respondMessage(c, http.StatusBadRequest, "date_from: "+err.Error())
		return
	}
	if f.DateTo, err = parseDate(q.DateTo, true); err != nil {
		respondMessage(c, http.StatusBadRequest, "date_to: "+err.Error())
		return
	}

	page, err := a.svc.List(c.Request.Context(), f)
	if err != nil {
		respondError(c, err)
		return
	}

	views := make([]jobs.View, 0, len(page.Jobs))
	for _, j := range page.Jobs {
		views = append(views, j.View())
	}
	c.JSON(http.StatusOK, gin.H{
		"jobs":        views,
		"total_pages": page.Pages,
		"pagination": gin.H{
			"page":  page.Page,
			"limit": page.Limit,
			"total": page.Total,
			"pages": page.Pages,
		},
	})
}

func (a *API) handleStats(c *gin.Context) {
	stats, err := a.svc.Stats(c.Request.Context())
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, stats)
}

func (a *API) handleWebhookAttempts(c *gin.Context) {
	attempts, err := a.svc.WebhookAttempts(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	if attempts == nil {
		attempts = []jobs.WebhookAttempt{}
	}

	c.JSON(http.StatusOK, attempts)
}

func (a *API) handleDownload(c *gin.Context) {
	jobID := c.Param("id")
	kind, ok := artifacts.ParseKind(c.Param("kind"))
	if !ok {
		respondMessage(c, http.StatusBadRequest, "kind must be transcript, diarization or merged")
		return
	}

	path, err := a.svc.ArtifactPath(c.Request.Context(), viewer(c), jobID, kind)
	if err != nil {
		if errors.Is(err, jobs.ErrNotFound) {
			respondMessage(c, http.StatusNotFound, fmt.Sprintf("%s file not found", kind))
			return
		}
		respondError(c, err)
		return
	}

	c.Header("Content-Type", "application/json")
	c.FileAttachment(path, fmt.Sprintf("%s_%s.json", jobID, kind))
}

func (a *API) handleDeleteJob(c *gin.Context) {
	jobID := c.Param("id")
	if err := a.svc.Delete(c.Request.Context(), jobID); err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"status": "deleted", "job_id": jobID})
}

// parseDate accepts RFC 3339 or a bare date. A bare date_to covers the whole
// day.
func parseDate(s string, endOfDay bool) (*time.Time, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, nil
	}
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return &t, nil
	}
	t, err := time.Parse(dateOnly, s)
	if err != nil {
		return nil, errors.New("expected RFC 3339 or YYYY-MM-DD")
	}
	if endOfDay {
		// the filter's upper bound is exclusive
		t = t.Add(24 * time.Hour)
	}
	return &t, nil
}

func failureDetail(j jobs.Job) string {
	if j.Error == nil {
		return "processing failed"
	}
	return fmt.Sprintf("%s failed: %s", j.Error.Stage, j.Error.Message)
}

func statusOf(err error) int {
	var validation *jobs.ValidationError
	switch {
	case errors.As(err, &validation):
		return http.StatusBadRequest
	case errors.Is(err, auth.ErrUnauthenticated):
		return http.StatusUnauthorized
	case errors.Is(err, auth.ErrForbidden):
		return http.StatusForbidden
	case errors.Is(err, jobs.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, jobs.ErrConflict), errors.Is(err, jobs.ErrFinished):
		return http.StatusConflict
	case errors.Is(err, jobs.ErrCapacity):
		return http.StatusTooManyRequests
	case errors.Is(err, jobs.ErrClosed):
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

func respondError(c *gin.Context, err error) {
	status := statusOf(err)
	if status >= http.StatusInternalServerError {
		logging.Errorf(c.Request.Context(), "%s %s: %v", c.Request.Method, c.FullPath(), err)
		respondMessage(c, status, http.StatusText(status))
		return
	}
	if status == http.StatusTooManyRequests {
		c.Header("Retry-After", "30")
	}
	respondMessage(c, status, err.Error())
}

func respondMessage(c *gin.Context, status int, message string) {
	c.AbortWithStatusJSON(status, gin.H{"detail": message})
}
