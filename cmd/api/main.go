package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"ams/internal/auth"
	"ams/internal/checkin"
	"ams/internal/config"
	"ams/internal/faceclient"
	"ams/internal/httpmiddleware"
	"ams/internal/identity"
	"ams/internal/ledger"
	"ams/internal/metrics"
	"ams/internal/model"
	"ams/internal/qrtoken"
	"ams/internal/queue"
	"ams/internal/session"
	"ams/internal/store"
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
	db, err := store.NewDB(cfg.DatabaseURL)
	if err != nil {
		return err
	}
	defer db.Close()

	repo := store.NewRepository(db.Client)
	if err := repo.Migrate(context.Background()); err != nil {
		return err
	}

	redisClient := store.NewRedis(cfg.RedisAddr)

	var q queue.Queue
	if cfg.QueueBackend == "memory" {
		q = queue.NewInMemory(64)
	} else {
		q = queue.NewRedisQueue(redisClient.Client, "ams:snapshots")
	}

	signer := qrtoken.New(cfg.QRSecret, cfg.QRDeepLinkPrefix)
	face := faceclient.New(cfg.FaceServiceURL, cfg.FaceSkip)

	engine := checkin.NewEngine(checkin.Config{
		Cards:   identity.NewCardResolver(repo),
		QR:      identity.NewQRResolver(repo, signer),
		WiFi:    identity.NewWiFiResolver(repo, identity.NewNetworkAuthorizer(cfg.WifiAllowedPatterns)),
		Face:    identity.NewFaceResolver(face, repo, repo, cfg.FaceMinConfidence, nil),
		Locator: session.NewLocator(repo, nil),
		Ledger:  ledger.New(repo, nil),
		Signer:  signer,
		Queue:   queue.SnapshotPublisher{Q: q},
		Metrics: metrics.New(),
	})

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(gin.LoggerWithConfig(gin.LoggerConfig{
		SkipPaths: []string{"/healthz", "/metrics"},
	}))
	r.Use(corsMiddleware())
	r.Use(securityHeaders())
	r.Use(httpmiddleware.NewRateLimiter(cfg.RateLimitPerMin).Middleware())

	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	r.GET("/healthz", func(c *gin.Context) {
		redisHealthy := redisClient.Healthy(c.Request.Context())
		dbHealthy := db.Client.PingContext(c.Request.Context()) == nil
		status := http.StatusOK
		if !redisHealthy || !dbHealthy {
			status = http.StatusServiceUnavailable
		}
		c.JSON(status, gin.H{"status": "ok", "redis": redisHealthy, "db": dbHealthy})
	})

	r.POST("/v1/devices/register", func(c *gin.Context) {
		var req struct {
			DeviceID string `json:"device_id" binding:"required"`
			EntityID string `json:"entity_id" binding:"required"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		if err := repo.UpsertDevice(c.Request.Context(), req.DeviceID, req.EntityID); err != nil {
			writeError(c, err)
			return
		}
		token, err := auth.Issue(req.DeviceID, req.EntityID, cfg.JWTIssuer, cfg.JWTSigningKey, cfg.AccessTTL)
		if err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusCreated, gin.H{
			"access_token": token.Value,
			"expires_at":   token.ExpiresAt.Unix(),
		})
	})

	// Organization-device surface: card readers, kiosks, operator tools.
	authGroup := r.Group("/v1", auth.DeviceAuth(cfg.JWTSigningKey, cfg.JWTIssuer))

	authGroup.POST("/checkin/card", func(c *gin.Context) {
		var req struct {
			CardUID    string `json:"card_uid" binding:"required"`
			DeviceInfo string `json:"device_info"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		resp, err := engine.CardScan(c.Request.Context(), checkin.CardScanRequest{
			CardUID:    req.CardUID,
			DeviceInfo: req.DeviceInfo,
		})
		if err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, resp)
	})

	authGroup.POST("/checkin/face", func(c *gin.Context) {
		var req struct {
			SessionID   string `json:"session_id" binding:"required"`
			ImageBase64 string `json:"image_base64" binding:"required"`
			DeviceInfo  string `json:"device_info"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		resp, err := engine.FaceCheckIn(c.Request.Context(), checkin.FaceRequest{
			SessionID:   req.SessionID,
			EntityID:    auth.EntityFromContext(c),
			ImageBase64: req.ImageBase64,
			DeviceInfo:  req.DeviceInfo,
		})
		if err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, resp)
	})

	authGroup.PUT("/attendance/:id/checkout", func(c *gin.Context) {
		resp, err := engine.ManualCheckout(c.Request.Context(), c.Param("id"), auth.EntityFromContext(c))
		if err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, resp)
	})

	authGroup.GET("/sessions/:id/qr", func(c *gin.Context) {
		target, err := ownedSession(c, repo)
		if err != nil {
			writeError(c, err)
			return
		}
		// Reuse the stored token; issue one lazily for sessions that
		// never had one.
		token := ""
		if target.QRToken != nil {
			token = *target.QRToken
		} else {
			token, err = signer.Generate(*target)
			if err != nil {
				writeError(c, err)
				return
			}
			if err := repo.UpdateSessionToken(c.Request.Context(), target.ID, token); err != nil {
				writeError(c, err)
				return
			}
		}
		c.JSON(http.StatusOK, gin.H{
			"sessionId": target.ID,
			"token":     token,
			"deepLink":  signer.DeepLinkURL(token),
		})
	})

	authGroup.POST("/sessions/:id/qr/refresh", func(c *gin.Context) {
		target, err := ownedSession(c, repo)
		if err != nil {
			writeError(c, err)
			return
		}
		token, err := signer.Generate(*target)
		if err != nil {
			writeError(c, err)
			return
		}
		if err := repo.UpdateSessionToken(c.Request.Context(), target.ID, token); err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{
			"sessionId": target.ID,
			"token":     token,
			"deepLink":  signer.DeepLinkURL(token),
		})
	})

	authGroup.GET("/sessions/:id/stats", func(c *gin.Context) {
		target, err := ownedSession(c, repo)
		if err != nil {
			writeError(c, err)
			return
		}
		stats, err := repo.StatsBySession(c.Request.Context(), target.ID)
		if err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, stats)
	})

	authGroup.GET("/sessions/:id/recognition-logs", func(c *gin.Context) {
		target, err := ownedSession(c, repo)
		if err != nil {
			writeError(c, err)
			return
		}
		logs, err := repo.RecognitionLogsBySession(c.Request.Context(), target.ID, auth.EntityFromContext(c), queryInt(c, "limit", 100))
		if err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"logs": logs})
	})

	// Mobile surface: subscribers identify themselves by mobile number
	// plus organization, no device token.
	mobile := r.Group("/v1/mobile")

	mobile.POST("/checkin/qr", func(c *gin.Context) {
		var req struct {
			MobileNumber string `json:"mobile_number" binding:"required"`
			EntityID     string `json:"entity_id" binding:"required"`
			Token        string `json:"qr_token" binding:"required"`
			DeviceInfo   string `json:"device_info"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		resp, err := engine.QRCheckIn(c.Request.Context(), checkin.QRRequest{
			MobileNumber: req.MobileNumber,
			EntityID:     req.EntityID,
			Token:        req.Token,
			DeviceInfo:   req.DeviceInfo,
		})
		if err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, resp)
	})

	mobile.POST("/checkin/wifi", func(c *gin.Context) {
		var req struct {
			MobileNumber string `json:"mobile_number" binding:"required"`
			EntityID     string `json:"entity_id" binding:"required"`
			NetworkName  string `json:"network_name" binding:"required"`
			SessionID    string `json:"session_id"`
			DeviceInfo   string `json:"device_info"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		resp, err := engine.WiFiCheckIn(c.Request.Context(), checkin.WiFiRequest{
			MobileNumber: req.MobileNumber,
			EntityID:     req.EntityID,
			NetworkName:  req.NetworkName,
			SessionID:    req.SessionID,
			DeviceInfo:   req.DeviceInfo,
		})
		if err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, resp)
	})

	mobile.GET("/attendance/history", func(c *gin.Context) {
		sub, ok := mobileSubscriber(c, repo)
		if !ok {
			return
		}
		items, err := repo.History(c.Request.Context(), sub, queryInt(c, "limit", 50))
		if err != nil {
			writeError(c, err)
			return
		}
		out := make([]gin.H, 0, len(items))
		for _, item := range items {
			out = append(out, gin.H{
				"attendanceId":   item.Entry.ID,
				"sessionId":      item.Entry.SessionID,
				"session":        item.SessionName,
				"checkInTime":    item.Entry.CheckInTime,
				"checkInMethod":  item.Entry.CheckInMethod,
				"checkOutTime":   item.Entry.CheckOutTime,
				"checkOutMethod": item.Entry.CheckOutMethod,
			})
		}
		c.JSON(http.StatusOK, gin.H{"history": out})
	})

	mobile.GET("/status", func(c *gin.Context) {
		sub, ok := mobileSubscriber(c, repo)
		if !ok {
			return
		}
		entry, target, err := repo.OpenEntryAnywhere(c.Request.Context(), sub)
		if err != nil {
			writeError(c, err)
			return
		}
		if entry == nil {
			c.JSON(http.StatusOK, gin.H{"checkedIn": false})
			return
		}
		resp := gin.H{
			"checkedIn":     true,
			"attendanceId":  entry.ID,
			"sessionId":     entry.SessionID,
			"checkInTime":   entry.CheckInTime,
			"checkInMethod": entry.CheckInMethod,
		}
		if target != nil {
			resp["session"] = target.Name
		}
		c.JSON(http.StatusOK, resp)
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

	// Give outstanding requests 10 seconds to complete
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Printf("Server forced shutdown: %v", err)
	}

	log.Println("Server exited")
	return nil
}

// ownedSession loads the :id session and checks it belongs to the
// authenticated device's organization.
func ownedSession(c *gin.Context, repo *store.Repository) (*model.Session, error) {
	target, err := repo.SessionByID(c.Request.Context(), c.Param("id"))
	if err != nil {
		return nil, err
	}
	if target == nil {
		return nil, session.ErrNotFound
	}
	if target.EntityID != auth.EntityFromContext(c) {
		return nil, session.ErrWrongOrganization
	}
	return target, nil
}

// mobileSubscriber resolves the subscriber behind a mobile query pair.
// Writes the error response itself when resolution fails.
func mobileSubscriber(c *gin.Context, repo *store.Repository) (string, bool) {
	mobileNumber := c.Query("mobile_number")
	entityID := c.Query("entity_id")
	if mobileNumber == "" || entityID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "mobile_number and entity_id required"})
		return "", false
	}
	sub, err := repo.SubscriberByMobile(c.Request.Context(), mobileNumber, entityID)
	if err != nil {
		writeError(c, err)
		return "", false
	}
	if sub == nil {
		writeError(c, identity.ErrSubscriberNotFound)
		return "", false
	}
	return sub.ID, true
}

func queryInt(c *gin.Context, key string, fallback int) int {
	if v := c.Query(key); v != "" {
		if parsed, err := strconv.Atoi(v); err == nil {
			return parsed
		}
	}
	return fallback
}

// writeError renders the API error shape. Unmapped causes are logged
// here and reach the client as a generic 500.
func writeError(c *gin.Context, err error) {
	apiErr := checkin.AsError(err)
	if apiErr.Status >= http.StatusInternalServerError {
		log.Printf("%s %s: %v", c.Request.Method, c.Request.URL.Path, err)
	}
	c.JSON(apiErr.Status, gin.H{"error": apiErr})
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
