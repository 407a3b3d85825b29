package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"transcripts/auth"
	"transcripts/jobs"
	"transcripts/logging"
)

// multipart framing and the small form fields ride on top of the file
const formOverhead = 1 << 20

type Options struct {
	Port           int
	MaxUploadBytes int64
	SyncTimeout    time.Duration
	CORSOrigins    []string
}

type Server struct {
	srv *http.Server
}

func NewServer(opts Options, svc *jobs.Service, authn auth.Authenticator) *Server {
	gin.SetMode(gin.ReleaseMode)

	return &Server{
		srv: &http.Server{
			Addr:              fmt.Sprintf(":%d", opts.Port),
			Handler:           newEngine(opts, svc, authn),
			ReadHeaderTimeout: 10 * time.Second,
		},
	}
}

func newEngine(opts Options, svc *jobs.Service, authn auth.Authenticator) *gin.Engine {
	panics := logging.StandardLogger().WriterLevel(logrus.ErrorLevel)

	engine := gin.New()
	engine.Use(gin.CustomRecoveryWithWriter(panics, func(c *gin.Context, _ any) {
		respondMessage(c, http.StatusInternalServerError, "internal server error")
	}))
	engine.Use(TraceID())
	engine.Use(RequestLogger())
	engine.Use(MaxBodySize(opts.MaxUploadBytes + formOverhead))
	engine.Use(CORS(opts.CORSOrigins))

	registerRoutes(engine, NewAPI(svc, opts.SyncTimeout), authn)
	return engine
}

// ListenAndServe blocks until Shutdown is called, which yields
// http.ErrServerClosed.
func (s *Server) ListenAndServe() error {
	logging.StandardLogger().WithField("addr", s.srv.Addr).Info("http server listening")
	return s.srv.ListenAndServe()
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}
