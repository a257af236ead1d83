package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/crypto/bcrypt"

	"campusattend/internal/auth"
	"campusattend/internal/config"
	"campusattend/internal/directory"
	"campusattend/internal/geofence"
	"campusattend/internal/httpmiddleware"
	"campusattend/internal/metrics"
	"campusattend/internal/queue"
	"campusattend/internal/session"
	"campusattend/internal/store"
	"campusattend/internal/ws"
)

func main() {
	cfg := config.Load()

	if cfg.Env == "production" || cfg.Env == "prod" {
		gin.SetMode(gin.ReleaseMode)
	}

	if err := runHTTP(cfg); err != nil {
		log.Fatalf("http server failed: %v", err)
	}
}

func runHTTP(cfg config.App) error {
	db, err := store.NewDB(cfg.DatabaseURL)
	if err != nil {
		log.Printf("warning: db not reachable: %v", err)
	}
	defer func() {
		if db != nil {
			_ = db.Close()
		}
	}()

	redisClient := store.NewRedis(cfg.RedisAddr)

	var q queue.Queue
	if cfg.QueueBackend == "memory" {
		q = queue.NewInMemory(64)
	} else {
		q = queue.NewRedisQueue(redisClient.Client, "campus:sessions")
	}

	users := directory.NewRepository(db.Client)
	repo := session.NewRepository(db.Client)
	settings := geofence.NewSettingsStore(db.Client, geofence.Settings{
		CenterLatitude:  cfg.CampusLatitude,
		CenterLongitude: cfg.CampusLongitude,
		MaxRadiusMeters: cfg.CampusRadiusM,
	})
	pending := session.NewRedisPending(redisClient.Client, "pending:")
	engine := session.NewEngine(session.EngineConfig{
		Store:     repo,
		Pending:   pending,
		Users:     users,
		Settings:  settings,
		Feed:      session.NewRedisFeed(redisClient.Client),
		Deadlines: queue.NewScheduler(q),
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	hub := ws.NewHub(redisClient.Client)
	go hub.Run(ctx)

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(gin.LoggerWithConfig(gin.LoggerConfig{
		SkipPaths: []string{"/healthz", "/metrics"},
	}))
	r.Use(corsMiddleware())
	r.Use(securityHeaders())
	r.Use(httpmiddleware.NewSimpleTokenBucket(cfg.RateLimitPerMin, cfg.RateLimitPerMin).GinMiddleware())

	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	r.GET("/healthz", func(c *gin.Context) {
		redisHealthy := redisClient.Healthy(c.Request.Context())
		dbHealthy := db != nil
		status := http.StatusOK
		if !redisHealthy || !dbHealthy {
			status = http.StatusServiceUnavailable
		}
		c.JSON(status, gin.H{"status": "ok", "redis": redisHealthy, "db": dbHealthy})
	})

	r.POST("/v1/auth/register", func(c *gin.Context) {
		var req struct {
			UserID     string `json:"user_id" binding:"required"`
			Email      string `json:"email" binding:"required"`
			Name       string `json:"name" binding:"required"`
			RollNumber string `json:"roll_number"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}

		if err := users.UpsertUser(c.Request.Context(), directory.User{
			ID:          req.UserID,
			Email:       req.Email,
			DisplayName: req.Name,
			RollNumber:  req.RollNumber,
		}); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}

		// Admins are provisioned out of band; the role claim follows the
		// directory, not the request.
		role := auth.RoleStudent
		if u, err := users.GetUser(c.Request.Context(), req.UserID); err == nil && u.IsAdmin {
			role = auth.RoleAdmin
		}

		tokens, err := auth.Issue(req.UserID, role, cfg.JWTIssuer, cfg.JWTSigningKey, cfg.AccessTTL, cfg.RefreshTTL)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "token issue failed"})
			return
		}
		c.JSON(http.StatusCreated, gin.H{
			"access_token":  tokens.AccessToken,
			"refresh_token": tokens.RefreshToken,
			"expires_at":    tokens.AccessExp.Unix(),
			"role":          role,
		})
	})

	authGroup := r.Group("/v1", auth.UserAuth(cfg.JWTSigningKey, cfg.JWTIssuer))

	authGroup.GET("/live", hub.Handle)

	authGroup.GET("/classes", func(c *gin.Context) {
		classes, err := repo.ListClasses(c.Request.Context())
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"classes": classes})
	})

	authGroup.GET("/classes/:id", func(c *gin.Context) {
		cls, err := repo.Class(c.Request.Context(), c.Param("id"))
		if err != nil {
			fail(c, err)
			return
		}
		c.JSON(http.StatusOK, cls)
	})

	authGroup.POST("/classes/:id/enroll", func(c *gin.Context) {
		claims := auth.From(c)
		err := repo.RequestEnrollment(c.Request.Context(), c.Param("id"), claims.Subject)
		if err != nil {
			fail(c, err)
			return
		}
		c.JSON(http.StatusAccepted, gin.H{"status": "pending approval"})
	})

	authGroup.POST("/checkins", func(c *gin.Context) {
		var req struct {
			ClassID  string `json:"class_id" binding:"required"`
			DeviceID string `json:"device_id" binding:"required"`
			Location struct {
				Latitude       float64 `json:"latitude"`
				Longitude      float64 `json:"longitude"`
				AccuracyMeters float64 `json:"accuracy_meters"`
			} `json:"location" binding:"required"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}

		claims := auth.From(c)
		sample := geofence.Sample{
			Latitude:       req.Location.Latitude,
			Longitude:      req.Location.Longitude,
			AccuracyMeters: req.Location.AccuracyMeters,
			CapturedAt:     time.Now().UTC(),
		}

		rec, err := engine.CheckIn(c.Request.Context(), req.ClassID, claims.Subject, req.DeviceID, sample)
		if err != nil {
			metrics.CheckinsRejected.WithLabelValues(rejectReason(err)).Inc()
			fail(c, err)
			return
		}
		metrics.CheckinsAccepted.Inc()
		c.JSON(http.StatusCreated, gin.H{"record": rec})
	})

	admin := authGroup.Group("", auth.AdminOnly())

	admin.POST("/classes", func(c *gin.Context) {
		var req struct {
			Name        string `json:"name" binding:"required"`
			Description string `json:"description"`
			Password    string `json:"password"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}

		hash := ""
		if req.Password != "" {
			h, err := bcrypt.GenerateFromPassword([]byte(req.Password), bcrypt.DefaultCost)
			if err != nil {
				c.JSON(http.StatusInternalServerError, gin.H{"error": "password hash failed"})
				return
			}
			hash = string(h)
		}

		claims := auth.From(c)
		cls, err := repo.CreateClass(c.Request.Context(), session.Class{
			Name:         req.Name,
			Description:  req.Description,
			CreatedBy:    claims.Subject,
			PasswordHash: hash,
		})
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusCreated, cls)
	})

	// Co-access: another admin proves knowledge of the class password before
	// managing a class they did not create.
	admin.POST("/classes/:id/join", func(c *gin.Context) {
		var req struct {
			Password string `json:"password" binding:"required"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		cls, err := repo.Class(c.Request.Context(), c.Param("id"))
		if err != nil {
			fail(c, err)
			return
		}
		if cls.PasswordHash == "" ||
			bcrypt.CompareHashAndPassword([]byte(cls.PasswordHash), []byte(req.Password)) != nil {
			c.JSON(http.StatusForbidden, gin.H{"error": "wrong class password"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "co-access granted"})
	})

	admin.GET("/classes/:id/roster", func(c *gin.Context) {
		students, err := repo.Roster(c.Request.Context(), c.Param("id"))
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"students": students})
	})

	admin.GET("/classes/:id/pending-students", func(c *gin.Context) {
		students, err := repo.PendingStudents(c.Request.Context(), c.Param("id"))
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"students": students})
	})

	admin.POST("/classes/:id/approve", func(c *gin.Context) {
		var req struct {
			UserID string `json:"user_id" binding:"required"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		if err := repo.ApproveEnrollment(c.Request.Context(), c.Param("id"), req.UserID); err != nil {
			fail(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "approved"})
	})

	admin.POST("/classes/:id/remove", func(c *gin.Context) {
		var req struct {
			UserID string `json:"user_id" binding:"required"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		if err := repo.RemoveEnrollment(c.Request.Context(), c.Param("id"), req.UserID); err != nil {
			fail(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "removed"})
	})

	admin.POST("/classes/:id/start", func(c *gin.Context) {
		var req struct {
			DurationMinutes int `json:"duration_minutes"`
		}
		// Body is optional; an empty one means an unbounded session.
		_ = c.ShouldBindJSON(&req)
		cls, err := engine.StartSession(c.Request.Context(), c.Param("id"), req.DurationMinutes)
		if err != nil {
			fail(c, err)
			return
		}
		metrics.SessionsStarted.Inc()
		c.JSON(http.StatusOK, cls)
	})

	admin.POST("/classes/:id/end", func(c *gin.Context) {
		summary, err := engine.EndSession(c.Request.Context(), c.Param("id"))
		if err != nil {
			fail(c, err)
			return
		}
		metrics.SessionsEnded.Inc()
		metrics.Automarked.Add(float64(summary.Automarked))
		c.JSON(http.StatusOK, summary)
	})

	admin.DELETE("/classes/:id/sessions/:sessionID", func(c *gin.Context) {
		deleted, err := engine.DeleteSession(c.Request.Context(), c.Param("id"), c.Param("sessionID"))
		if err != nil {
			fail(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"deleted": deleted})
	})

	admin.GET("/classes/:id/sessions/:sessionID/records", func(c *gin.Context) {
		records, err := repo.ListRecords(c.Request.Context(), c.Param("id"), c.Param("sessionID"))
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"records": records})
	})

	admin.POST("/records/:id/toggle", func(c *gin.Context) {
		rec, err := engine.ToggleRecordStatus(c.Request.Context(), c.Param("id"))
		if err != nil {
			fail(c, err)
			return
		}
		c.JSON(http.StatusOK, rec)
	})

	admin.GET("/settings", func(c *gin.Context) {
		geo, err := settings.Settings(c.Request.Context())
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, geo)
	})

	admin.PUT("/settings", func(c *gin.Context) {
		var req geofence.Settings
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		if err := settings.Update(c.Request.Context(), req); err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "updated"})
	})

	// Graceful shutdown
	srv := &http.Server{
		Addr:         ":" + cfg.HTTPPort,
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		log.Printf("Starting server on :%s", cfg.HTTPPort)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server error: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Println("Shutting down server...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Printf("Server forced shutdown: %v", err)
	}

	log.Println("Server exited")
	return nil
}

// fail translates domain errors into HTTP responses.
func fail(c *gin.Context, err error) {
	var oor *session.OutOfRangeError
	switch {
	case errors.Is(err, session.ErrClassNotFound), errors.Is(err, session.ErrRecordNotFound),
		errors.Is(err, directory.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
	case errors.Is(err, session.ErrAlreadyActive), errors.Is(err, session.ErrSessionLive),
		errors.Is(err, session.ErrNotActive), errors.Is(err, session.ErrAlreadyPending):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	case errors.Is(err, session.ErrNotEnrolled), errors.Is(err, session.ErrDeviceMismatch):
		c.JSON(http.StatusForbidden, gin.H{"error": err.Error()})
	case errors.As(err, &oor):
		c.JSON(http.StatusForbidden, gin.H{
			"error":           err.Error(),
			"distance_meters": oor.DistanceMeters,
			"within_campus":   false,
		})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
	}
}

func rejectReason(err error) string {
	var oor *session.OutOfRangeError
	switch {
	case errors.As(err, &oor):
		return "out_of_range"
	case errors.Is(err, session.ErrDeviceMismatch):
		return "device_mismatch"
	case errors.Is(err, session.ErrNotEnrolled):
		return "not_enrolled"
	case errors.Is(err, session.ErrNotActive):
		return "not_active"
	default:
		return "error"
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

		if gin.Mode() == gin.ReleaseMode {
			c.Header("Strict-Transport-Security", "max-age=31536000; includeSubDomains")
		}

		c.Next()
	}
}
