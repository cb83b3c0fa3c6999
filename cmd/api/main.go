package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"dutytrack/internal/auth"
	"dutytrack/internal/config"
	"dutytrack/internal/duty"
	"dutytrack/internal/httpmiddleware"
	"dutytrack/internal/leaderboard"
	"dutytrack/internal/queue"
	"dutytrack/internal/store"
)

func main() {
	cfg := config.Load()

	// Set Gin mode based on environment
	if cfg.Env == "production" || cfg.Env == "prod" {
		gin.SetMode(gin.ReleaseMode)
	}

	if err := runHTTP(cfg); err != nil {
		log.Fatalf("http server failed: %v", err)
	}
}

func runHTTP(cfg config.App) error {
	loc := cfg.Location()

	var (
		st duty.Store
		db *store.DB
	)
	if cfg.StoreBackend == "memory" {
		st = duty.NewMemStore()
		log.Println("using in-memory store")
	} else {
		var err error
		db, err = store.NewDB(cfg.DatabaseURL)
		if err != nil {
			return err
		}
		defer func() { _ = db.Close() }()
		st = duty.NewRepository(db.Client)
	}

	redisClient := store.NewRedis(cfg.RedisAddr)

	var q queue.Queue
	if cfg.QueueBackend == "memory" {
		q = queue.NewInMemory(64)
	} else {
		q = queue.NewRedisQueue(redisClient.Client, "dutytrack:punches")
	}

	board := leaderboard.NewCache(redisClient.Client, "")
	svc := duty.NewService(st, cfg.EarlyTimeout, loc)

	r := gin.New()

	// Recovery middleware
	r.Use(gin.Recovery())

	// Custom logger
	r.Use(gin.LoggerWithConfig(gin.LoggerConfig{
		SkipPaths: []string{"/healthz", "/metrics"},
	}))

	// CORS middleware
	r.Use(corsMiddleware())

	// Security headers
	r.Use(securityHeaders())

	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	r.GET("/healthz", func(c *gin.Context) {
		redisHealthy := redisClient.Healthy(c.Request.Context())
		storeHealthy := cfg.StoreBackend == "memory" || db != nil
		status := http.StatusOK
		if !redisHealthy || !storeHealthy {
			status = http.StatusServiceUnavailable
		}
		c.JSON(status, gin.H{"status": "ok", "redis": redisHealthy, "store": storeHealthy})
	})

	// Kiosks are unauthenticated; the rate limiter keeps a stuck scanner
	// from hammering the punch path.
	limiter := httpmiddleware.NewSimpleTokenBucket(cfg.RateLimitPerMin, cfg.RateLimitPerMin)

	r.POST("/v1/punch", limiter.GinMiddleware(), func(c *gin.Context) {
		var req struct {
			SchoolID string `json:"school_id" binding:"required"`
			Force    bool   `json:"force"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}

		res, err := svc.Punch(c.Request.Context(), req.SchoolID, req.Force)
		if err != nil {
			writeError(c, err)
			return
		}

		if err := q.Publish(c.Request.Context(), queue.Message{Type: res.Action, Body: []byte(res.Session.AccountID)}); err != nil {
			log.Printf("queue publish failed: %v", err)
		}

		c.JSON(http.StatusOK, res)
	})

	r.GET("/v1/active-names", func(c *gin.Context) {
		names, err := svc.ActiveNames(c.Request.Context())
		if err != nil {
			writeError(c, err)
			return
		}
		if names == nil {
			names = []string{}
		}
		c.JSON(http.StatusOK, gin.H{"names": names})
	})

	r.GET("/v1/leaderboard", func(c *gin.Context) {
		limit, _ := intQuery(c, "limit", 50)
		entries, err := board.Top(c.Request.Context(), limit)
		if err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": "leaderboard unavailable"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"entries": entries})
	})

	// Staff tokens come from the account subsystem in production; the dev
	// mint below exists so the staff routes are usable against a local stack.
	if gin.Mode() != gin.ReleaseMode {
		r.POST("/v1/auth/dev-token", func(c *gin.Context) {
			var req struct {
				AccountID string `json:"account_id" binding:"required"`
				Role      string `json:"role" binding:"required"`
			}
			if err := c.ShouldBindJSON(&req); err != nil {
				c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
				return
			}
			if req.Role != duty.RoleAdmin && req.Role != duty.RoleManager {
				c.JSON(http.StatusBadRequest, gin.H{"error": "role must be admin or manager"})
				return
			}
			tokens, err := auth.Issue(req.AccountID, req.Role, cfg.JWTIssuer, cfg.JWTSigningKey, cfg.AccessTTL, cfg.RefreshTTL)
			if err != nil {
				c.JSON(http.StatusInternalServerError, gin.H{"error": "token issue failed"})
				return
			}
			c.JSON(http.StatusCreated, gin.H{
				"access_token":  tokens.AccessToken,
				"refresh_token": tokens.RefreshToken,
				"expires_at":    tokens.AccessExp.Unix(),
			})
		})
	}

	staff := r.Group("/v1", auth.StaffAuth(cfg.JWTSigningKey, cfg.JWTIssuer, duty.RoleAdmin, duty.RoleManager))

	staff.GET("/sessions", func(c *gin.Context) {
		f, err := sessionFilterFromQuery(c, loc)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		views, total, err := svc.ListSessions(c.Request.Context(), f)
		if err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"sessions": sessionRows(svc, views), "total": total})
	})

	staff.GET("/sessions/active", func(c *gin.Context) {
		views, total, err := svc.ListSessions(c.Request.Context(), duty.SessionFilter{
			ActiveOnly:         true,
			ExcludeInvalidated: true,
		})
		if err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"sessions": sessionRows(svc, views), "total": total})
	})

	staff.GET("/sessions/overdue/count", func(c *gin.Context) {
		count, err := svc.OverdueCount(c.Request.Context())
		if err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"count": count})
	})

	staff.GET("/sessions/:id", func(c *gin.Context) {
		sess, err := svc.GetSession(c.Request.Context(), c.Param("id"))
		if err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, sessionBody(svc, sess))
	})

	// A time-out with only a time of day closes the session on its own
	// calendar day (rolling past midnight when needed); full date+time
	// pairs overwrite the stored instants directly.
	staff.PUT("/sessions/:id", func(c *gin.Context) {
		var req timesRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		id := c.Param("id")
		in, out := req.edits()

		var (
			sess *duty.Session
			err  error
		)
		if in.Zero() && out.Date == "" && out.Time != "" {
			sess, err = svc.CloseSessionAt(c.Request.Context(), id, out.Time)
		} else {
			sess, err = svc.AdjustSession(c.Request.Context(), id, in, out)
		}
		if err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, sessionBody(svc, sess))
	})

	staff.PUT("/sessions/:id/invalidate", func(c *gin.Context) {
		var req struct {
			Notes string `json:"notes"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		sess, err := svc.InvalidateSession(c.Request.Context(), c.Param("id"), req.Notes)
		if err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, sessionBody(svc, sess))
	})

	staff.PUT("/sessions/:id/revalidate", func(c *gin.Context) {
		sess, err := svc.RevalidateSession(c.Request.Context(), c.Param("id"))
		if err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, sessionBody(svc, sess))
	})

	staff.POST("/sessions/bulk/close", func(c *gin.Context) {
		var req struct {
			IDs []string `json:"ids" binding:"required"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		res, err := svc.BulkClose(c.Request.Context(), req.IDs)
		if err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, res)
	})

	staff.POST("/sessions/bulk/invalidate", func(c *gin.Context) {
		var req struct {
			IDs   []string `json:"ids" binding:"required"`
			Notes string   `json:"notes"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		res, err := svc.BulkInvalidate(c.Request.Context(), req.IDs, req.Notes)
		if err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, res)
	})

	staff.POST("/sessions/bulk/revalidate", func(c *gin.Context) {
		var req struct {
			IDs []string `json:"ids" binding:"required"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		res, err := svc.BulkRevalidate(c.Request.Context(), req.IDs)
		if err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, res)
	})

	staff.POST("/sessions/bulk/adjust", func(c *gin.Context) {
		var req struct {
			IDs []string `json:"ids" binding:"required"`
			timesRequest
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		in, out := req.edits()
		res, err := svc.BulkAdjust(c.Request.Context(), req.IDs, in, out)
		if err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, res)
	})

	staff.GET("/summary", func(c *gin.Context) {
		from, err := dateBound(c.Query("from"), loc, false)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		to, err := dateBound(c.Query("to"), loc, true)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		rows, err := svc.Summary(c.Request.Context(), from, to)
		if err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"summary": rows})
	})

	staff.GET("/performance", func(c *gin.Context) {
		from, err := dateBound(c.Query("from"), loc, false)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		to, err := dateBound(c.Query("to"), loc, true)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		stats, err := svc.AggregateAll(c.Request.Context(), duty.PerformanceFilter{
			Role:      c.Query("role"),
			Status:    c.Query("status"),
			Suspended: c.Query("suspended"),
			Search:    c.Query("search"),
			AccountID: c.Query("account_id"),
			From:      from,
			To:        to,
		})
		if err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"performance": stats})
	})

	staff.POST("/adjustments", func(c *gin.Context) {
		var req struct {
			AccountID string `json:"account_id" binding:"required"`
			Minutes   int64  `json:"minutes" binding:"required"`
			Reason    string `json:"reason"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		var managerID *string
		if claims, ok := auth.ClaimsFrom(c); ok && claims.Subject != "" {
			managerID = &claims.Subject
		}
		adj, err := svc.CreateAdjustment(c.Request.Context(), req.AccountID, managerID, req.Minutes, req.Reason)
		if err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusCreated, adj)
	})

	staff.GET("/adjustments", func(c *gin.Context) {
		limit, _ := intQuery(c, "limit", 50)
		offset, _ := intQuery(c, "offset", 0)
		adjs, total, err := svc.ListAdjustments(c.Request.Context(), c.Query("account_id"), limit, offset)
		if err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"adjustments": adjs, "total": total})
	})

	staff.DELETE("/adjustments/:id", func(c *gin.Context) {
		if err := svc.DeleteAdjustment(c.Request.Context(), c.Param("id")); err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"deleted": true})
	})

	admin := r.Group("/v1", auth.StaffAuth(cfg.JWTSigningKey, cfg.JWTIssuer, duty.RoleAdmin))

	admin.DELETE("/sessions/:id", func(c *gin.Context) {
		if err := svc.DeleteSession(c.Request.Context(), c.Param("id")); err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"deleted": true})
	})

	admin.POST("/sessions/bulk/delete", func(c *gin.Context) {
		var req struct {
			IDs []string `json:"ids" binding:"required"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		res, err := svc.BulkDelete(c.Request.Context(), req.IDs)
		if err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, res)
	})

	admin.POST("/maintenance/move-up", func(c *gin.Context) {
		updated, err := svc.MoveUpEligibleStudents(c.Request.Context())
		if err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"updated": updated})
	})

	// Graceful shutdown
	srv := &http.Server{
		Addr:         ":" + cfg.HTTPPort,
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Start server in goroutine
	go func() {
		log.Printf("Starting server on :%s", cfg.HTTPPort)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server error: %v", err)
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Println("Shutting down server...")

	// Give outstanding requests 10 seconds to complete
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Printf("Server forced shutdown: %v", err)
	}

	log.Println("Server exited")
	return nil
}

// timesRequest carries split date/time components for administrative time
// edits. A field is only applied when both of its components are present.
type timesRequest struct {
	TimeInDate  string `json:"time_in_date"`
	TimeInTime  string `json:"time_in_time"`
	TimeOutDate string `json:"time_out_date"`
	TimeOutTime string `json:"time_out_time"`
}

func (r timesRequest) edits() (in, out duty.TimeEdit) {
	in = duty.TimeEdit{Date: r.TimeInDate, Time: r.TimeInTime}
	out = duty.TimeEdit{Date: r.TimeOutDate, Time: r.TimeOutTime}
	return in, out
}

// sessionRow decorates a stored session with its derived read-side fields.
type sessionRow struct {
	duty.SessionView
	Status          duty.Status `json:"status"`
	DurationMinutes *int64      `json:"duration_minutes"`
}

func sessionRows(svc *duty.Service, views []duty.SessionView) []sessionRow {
	rows := make([]sessionRow, 0, len(views))
	for _, v := range views {
		row := sessionRow{SessionView: v, Status: svc.SessionStatus(&v.Session)}
		if mins, err := v.Session.DurationMinutes(); err == nil {
			row.DurationMinutes = mins
		}
		rows = append(rows, row)
	}
	return rows
}

func sessionBody(svc *duty.Service, sess *duty.Session) gin.H {
	body := gin.H{"session": sess, "status": svc.SessionStatus(sess)}
	if mins, err := sess.DurationMinutes(); err == nil {
		body["duration_minutes"] = mins
	}
	return body
}

func sessionFilterFromQuery(c *gin.Context, loc *time.Location) (duty.SessionFilter, error) {
	from, err := dateBound(c.Query("from"), loc, false)
	if err != nil {
		return duty.SessionFilter{}, err
	}
	to, err := dateBound(c.Query("to"), loc, true)
	if err != nil {
		return duty.SessionFilter{}, err
	}
	limit, _ := intQuery(c, "limit", 50)
	offset, _ := intQuery(c, "offset", 0)
	return duty.SessionFilter{
		AccountID:          c.Query("account_id"),
		From:               from,
		To:                 to,
		ActiveOnly:         c.Query("active") == "true",
		ExcludeInvalidated: c.Query("exclude_invalidated") == "true",
		Limit:              limit,
		Offset:             offset,
	}, nil
}

// dateBound parses a "YYYY-MM-DD" query value as midnight in the institution
// timezone, expressed in UTC. endOfDay moves the bound to the following
// midnight so "to" includes the whole named day.
func dateBound(s string, loc *time.Location, endOfDay bool) (*time.Time, error) {
	if s == "" {
		return nil, nil
	}
	t, err := time.ParseInLocation("2006-01-02", s, loc)
	if err != nil {
		return nil, err
	}
	if endOfDay {
		t = t.AddDate(0, 0, 1)
	}
	u := t.UTC()
	return &u, nil
}

func intQuery(c *gin.Context, key string, fallback int) (int, error) {
	v := c.Query(key)
	if v == "" {
		return fallback, nil
	}
	parsed, err := strconv.Atoi(v)
	if err != nil {
		return fallback, err
	}
	return parsed, nil
}

// writeError maps domain errors to HTTP statuses. The early-timeout payload
// carries enough for the kiosk to render the confirm dialog and retry with
// force=true.
func writeError(c *gin.Context, err error) {
	var early *duty.EarlyTimeoutError
	switch {
	case errors.As(err, &early):
		c.JSON(http.StatusConflict, gin.H{
			"error":             "early_timeout",
			"detail":            early.Error(),
			"elapsed_minutes":   int(early.Elapsed.Minutes()),
			"threshold_minutes": int(early.Threshold.Minutes()),
		})
	case errors.Is(err, duty.ErrAccountNotFound),
		errors.Is(err, duty.ErrSessionNotFound),
		errors.Is(err, duty.ErrAdjustmentNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
	case errors.Is(err, duty.ErrAccountSuspended):
		c.JSON(http.StatusForbidden, gin.H{"error": err.Error()})
	case errors.Is(err, duty.ErrNotesRequired),
		errors.Is(err, duty.ErrReasonRequired),
		errors.Is(err, duty.ErrNotStudent):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	case errors.Is(err, duty.ErrInvalidInterval):
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": err.Error()})
	case errors.Is(err, duty.ErrPunchConflict):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	default:
		log.Printf("internal error: %v", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
	}
}

// CORS middleware for browser requests
func corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		origin := c.Request.Header.Get("Origin")
		if origin == "" {
			origin = "*"
		}

		c.Header("Access-Control-Allow-Origin", origin)
		c.Header("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		c.Header("Access-Control-Allow-Headers", "Origin, Content-Type, Accept, Authorization")
		c.Header("Access-Control-Allow-Credentials", "true")
		c.Header("Access-Control-Max-Age", "86400")

		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}

		c.Next()
	}
}

// Security headers middleware
func securityHeaders() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("X-Content-Type-Options", "nosniff")
		c.Header("X-Frame-Options", "DENY")
		c.Header("X-XSS-Protection", "1; mode=block")
		c.Header("Referrer-Policy", "strict-origin-when-cross-origin")

		// Only add HSTS in production
		if gin.Mode() == gin.ReleaseMode {
			c.Header("Strict-Transport-Security", "max-age=31536000; includeSubDomains")
		}

		c.Next()
	}
}
