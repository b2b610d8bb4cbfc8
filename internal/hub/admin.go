package hub

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/danmuck/hubctl/internal/auth"
	"github.com/danmuck/hubctl/internal/observability"
	"github.com/danmuck/hubctl/internal/protocol"
	"github.com/danmuck/hubctl/internal/registry"
	"github.com/danmuck/hubctl/internal/store"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
)

const (
	Version             = "0.1.0"
	defaultHistoryLimit = 50
	deliverTimeout      = 5 * time.Second
)

// HistoryReader serves persisted session history. *store.Store satisfies it.
type HistoryReader interface {
	ListHistory(ctx context.Context, limit int) ([]registry.Session, error)
	GetSession(ctx context.Context, id string) (registry.Session, error)
	Count(ctx context.Context) (int, error)
}

// AdminOptions configures the admin router.
type AdminOptions struct {
	// Token enables bearer auth on everything except /health and /metrics.
	Token       string
	CORSOrigins []string
	History     HistoryReader
	Started     time.Time
}

// RespondRequest is the body of POST /sessions/:id/respond.
type RespondRequest struct {
	InteractionID string          `json:"interaction_id"`
	Action        string          `json:"action"`
	Data          json.RawMessage `json:"data,omitempty"`
}

// NewAdminRouter builds the renderer-facing HTTP API over svc.
func NewAdminRouter(svc *Service, opts AdminOptions) *gin.Engine {
	observability.RegisterMetrics()
	if opts.Started.IsZero() {
		opts.Started = time.Now()
	}

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(observability.RequestLogger(log.Logger))
	r.Use(observability.RequestMetricsMiddleware())
	r.Use(cors.New(cors.Config{
		AllowOrigins: normalizeOrigins(opts.CORSOrigins),
		AllowMethods: []string{"GET", "POST"},
		AllowHeaders: []string{"Origin", "Content-Type", "Authorization", "If-None-Match"},
		MaxAge:       12 * time.Hour,
	}))
	_ = r.SetTrustedProxies([]string{"127.0.0.1", "::1"})

	r.GET("/health", func(c *gin.Context) {
		body := gin.H{
			"status":          "ok",
			"uptime":          time.Since(opts.Started).String(),
			"mode":            svc.Mode(),
			"active_sessions": svc.Registry().ActiveCount(),
			"connections":     len(svc.Connections()),
			"version":         Version,
		}
		if opts.History != nil {
			if n, err := opts.History.Count(c.Request.Context()); err == nil {
				body["history_rows"] = n
			} else {
				log.Warn().Err(err).Msg("hub admin health history count")
			}
		}
		c.JSON(http.StatusOK, body)
	})
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	var validator auth.Validator
	if strings.TrimSpace(opts.Token) != "" {
		validator = auth.StaticToken{Token: strings.TrimSpace(opts.Token)}
	}
	api := r.Group("/", auth.Middleware(validator))

	api.GET("/sessions", func(c *gin.Context) {
		reg := svc.Registry()
		var sessions []registry.Session
		switch c.DefaultQuery("state", "active") {
		case "active":
			sessions = reg.ListActiveSessions()
		case "all":
			sessions = reg.ListSessions()
		default:
			c.JSON(http.StatusBadRequest, gin.H{"error": "state must be active or all"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"sessions": sessions})
	})

	api.GET("/sessions/:id", func(c *gin.Context) {
		sess, err := svc.Registry().Snapshot(c.Param("id"))
		if err != nil && opts.History != nil {
			// Swept sessions are only in the store.
			if persisted, perr := opts.History.GetSession(c.Request.Context(), c.Param("id")); perr == nil {
				sess, err = persisted, nil
			}
		}
		if err != nil {
			c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
			return
		}
		body, err := json.Marshal(sess)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		etag := `"` + store.Digest(body) + `"`
		c.Header("ETag", etag)
		if match := c.GetHeader("If-None-Match"); match != "" && match == etag {
			c.Status(http.StatusNotModified)
			return
		}
		c.Data(http.StatusOK, "application/json; charset=utf-8", body)
	})

	api.GET("/connections", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"connections": svc.Connections()})
	})

	api.GET("/history", func(c *gin.Context) {
		limit := defaultHistoryLimit
		if raw := c.Query("limit"); raw != "" {
			n, err := strconv.Atoi(raw)
			if err != nil || n <= 0 {
				c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be a positive integer"})
				return
			}
			limit = n
		}
		if opts.History == nil {
			c.JSON(http.StatusOK, gin.H{"source": "memory", "sessions": svc.Registry().History(limit)})
			return
		}
		sessions, err := opts.History.ListHistory(c.Request.Context(), limit)
		if err != nil {
			log.Error().Err(err).Msg("hub.admin history")
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"source": "store", "sessions": sessions})
	})

	api.POST("/sessions/:id/respond", func(c *gin.Context) {
		var req RespondRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		ctx, cancel := context.WithTimeout(c.Request.Context(), deliverTimeout)
		defer cancel()
		env, err := svc.Deliver(ctx, c.Param("id"), protocol.ResponsePayload{
			InteractionID: req.InteractionID,
			Action:        req.Action,
			Data:          req.Data,
		})
		if err != nil {
			c.JSON(respondStatus(err), gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusAccepted, gin.H{"status": "delivered", "sequence": env.Sequence})
	})

	api.GET("/events", func(c *gin.Context) {
		filter := strings.TrimSpace(c.Query("session"))
		events, cancel := svc.Registry().Subscribe(c.Request.Context())
		defer cancel()

		c.Header("Content-Type", "text/event-stream")
		c.Header("Cache-Control", "no-cache")
		c.Header("X-Accel-Buffering", "no")
		c.Status(http.StatusOK)
		c.Writer.Flush()
		c.Stream(func(w io.Writer) bool {
			evt, ok := <-events
			if !ok {
				return false
			}
			if filter != "" && evt.SessionID != filter {
				return true
			}
			c.SSEvent(string(evt.Type), evt)
			return true
		})
	})

	return r
}

func respondStatus(err error) int {
	switch {
	case errors.Is(err, registry.ErrSessionNotFound):
		return http.StatusNotFound
	case errors.Is(err, ErrNotConnected):
		return http.StatusConflict
	case errors.Is(err, protocol.ErrMalformedEnvelope):
		return http.StatusBadRequest
	default:
		return http.StatusBadGateway
	}
}

func normalizeOrigins(origins []string) []string {
	out := make([]string, 0, len(origins))
	for _, origin := range origins {
		if origin = strings.TrimSpace(origin); origin != "" {
			out = append(out, origin)
		}
	}
	if len(out) == 0 {
		return []string{"http://localhost:3000", "http://127.0.0.1:3000"}
	}
	return out
}
