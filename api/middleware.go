package api

import (
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"transcripts/auth"
	"transcripts/jobs"
	"transcripts/logging"
)

const (
	requestIDHeader = "X-Request-ID"
	viewerKey       = "viewer"
)

// CORS lets browsers on origins call the API with credentials. Without
// configured origins any origin may call it, but never with credentials.
func CORS(origins []string) gin.HandlerFunc {
	config := cors.Config{
		AllowMethods:  []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowHeaders:  []string{"Authorization", "Content-Type", "Idempotency-Key", requestIDHeader},
		ExposeHeaders: []string{requestIDHeader, "Content-Disposition"},
		MaxAge:        12 * time.Hour,
	}
	if len(origins) == 0 {
		config.AllowAllOrigins = true
	} else {
		config.AllowOrigins = origins
		config.AllowCredentials = true
	}
	return cors.New(config)
}

// TraceID takes the caller's X-Request-ID or makes one up, and puts it on
// the request context and the response.
func TraceID() gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx := c.Request.Context()
		if id := c.GetHeader(requestIDHeader); id != "" && len(id) <= 64 {
			ctx = logging.WithTraceID(ctx, id)
		}
		ctx, id := logging.EnsureTraceID(ctx)
		c.Request = c.Request.WithContext(ctx)
		c.Header(requestIDHeader, id)
		c.Next()
	}
}

func RequestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()

		c.Next()

		route := c.FullPath()
		if route == "" {
			route = c.Request.URL.Path
		}
		e := logging.WithFields(c.Request.Context(), logrus.Fields{
			"method":   c.Request.Method,
			"route":    route,
			"status":   c.Writer.Status(),
			"duration": time.Since(start).String(),
		})
		if v, ok := c.Get(viewerKey); ok {
			e = e.WithField("user", v.(jobs.Viewer).ID)
		}
		if c.Writer.Status() >= http.StatusInternalServerError {
			e.Warn("request failed")
			return
		}
		e.Info("request")
	}
}

func MaxBodySize(limit int64) gin.HandlerFunc {
	return func(c *gin.Context) {
		if limit > 0 {
			c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, limit)
		}
		c.Next()
	}
}

// Authenticate resolves the caller and stores it as a jobs.Viewer.
func Authenticate(a auth.Authenticator) gin.HandlerFunc {
	return func(c *gin.Context) {
		id, err := a.Authenticate(c.Request)
		if err != nil {
			c.Header("WWW-Authenticate", `Basic realm="transcripts", Bearer`)
			respondError(c, err)
			return
		}
		c.Set(viewerKey, jobs.Viewer{ID: id.UserID, Admin: id.Admin})
		c.Next()
	}
}

func RequireAdmin() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !viewer(c).Admin {
			respondError(c, auth.ErrForbidden)
			return
		}
		c.Next()
	}
}

func viewer(c *gin.Context) jobs.Viewer {
	v, _ := c.Get(viewerKey)
	vw, _ := v.(jobs.Viewer)
	return vw
}
