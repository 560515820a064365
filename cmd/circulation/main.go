package main

import (
	"context"
	"errors"
	"io"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"sync/atomic"
	"syscall"
	"time"

	"communityshare/pkg/catalog"
	"communityshare/pkg/circuitbreaker"
	"communityshare/pkg/circulation"
	"communityshare/pkg/config"
	"communityshare/pkg/database"
	"communityshare/pkg/metadata"
	"communityshare/pkg/metrics"
	"communityshare/pkg/models"
	"communityshare/pkg/notify"
	"communityshare/pkg/scan"
	"communityshare/pkg/workers"

	"github.com/gin-gonic/gin"
	"gorm.io/gorm"
)

var (
	cfg     config.App
	db      *gorm.DB
	engine  *circulation.Engine
	items   *catalog.Service
	scans   *scan.Service
	library *metadata.Client
	logger  = slog.Default()
	ready   atomic.Bool
)

func main() {
	log.Println("Starting circulation service...")

	cfg = config.Load()
	logger = slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	var err error
	db, err = database.Open(cfg)
	if err != nil {
		log.Fatalf("Failed to open database: %v", err)
	}
	log.Println("Database connected successfully")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var sender notify.Sender = notify.LogSender{Log: logger}
	if cfg.NotifyWebhookURL != "" {
		log.Printf("Delivering notifications to %s", cfg.NotifyWebhookURL)
		sender = notify.NewWebhookSender(cfg.NotifyWebhookURL)
	}
	dispatcher := notify.NewDispatcher(sender, cfg.NotifyMaxRetries, logger)

	library = metadata.NewClient(cfg.OpenLibraryURL)
	engine = circulation.New(db, dispatcher, logger)
	items = catalog.New(db, library, logger)
	// No vision extractor is wired in yet, so analyses end in Failed.
	scans = scan.New(db, nil, items, logger, 32)

	go dispatcher.Run(ctx)
	go scans.Run(ctx)
	go workers.NewReminder(engine, cfg.ReminderWindowDays, cfg.ReminderInterval, logger).Run(ctx)

	go func() {
		if err := database.Bootstrap(ctx, db, cfg.AdminEmail); err != nil {
			log.Fatalf("Bootstrap failed: %v", err)
		}
		ready.Store(true)
		log.Println("Bootstrap complete")
	}()

	server := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           setupRouter(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		log.Printf("Circulation service starting on :%s", cfg.Port)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("Server failed: %v", err)
		}
	}()

	<-ctx.Done()
	log.Println("Shutting down...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("Server shutdown failed: %v", err)
	}
}

func setupRouter() *gin.Engine {
	server := gin.Default()
	server.GET("/manage/health", healthCheck)
	server.GET("/metrics", gin.WrapH(metrics.Handler()))

	api := server.Group("/api/v1", requireReady)
	api.GET("/items", listItems)
	api.GET("/items/:id", getItem)
	api.GET("/items/:id/reviews", listReviews)
	api.GET("/catalog/search", searchCatalog)
	api.GET("/catalog/lookup", lookupCatalog)

	member := api.Group("", requireUser)
	member.POST("/items/:id/requests", submitRequest)
	member.POST("/items/:id/holds", joinWaitlist)
	member.POST("/items/:id/reviews", submitReview)
	member.GET("/requests", listMyRequests)
	member.POST("/requests/:id/cancel", cancelRequest)
	member.GET("/loans", listMyLoans)
	member.POST("/loans/:id/renewals", requestRenewal)
	member.GET("/holds", listMyHolds)
	member.DELETE("/holds/:id", cancelMyHold)
	member.POST("/scans", createScan)
	member.GET("/scans", listScans)
	member.GET("/scans/:id", getScan)
	member.POST("/scans/:id/analyze", analyzeScan)
	member.POST("/scans/:id/confirm", confirmScan)

	staff := api.Group("/manage", requireUser, requireStaff)
	staff.POST("/items", createItem)
	staff.PUT("/items/:id", updateItem)
	staff.DELETE("/items/:id", deactivateItem)
	staff.POST("/items/:id/images", addItemImage)
	staff.PUT("/items/:id/featured-image", setFeaturedImage)
	staff.POST("/items/:id/notify-next", notifyNextHolder)
	staff.GET("/requests", listPendingRequests)
	staff.POST("/requests/:id/approve", approveRequest)
	staff.POST("/requests/:id/deny", denyRequest)
	staff.GET("/loans/overdue", listOverdueLoans)
	staff.GET("/loans/history", listLoanHistory)
	staff.POST("/loans/:id/return", returnLoan)
	staff.POST("/loans/:id/renew", renewLoan)
	staff.GET("/renewals", listPendingRenewals)
	staff.POST("/renewals/:id/approve", approveRenewal)
	staff.POST("/renewals/:id/deny", denyRenewal)
	staff.GET("/waitlists", listWaitlists)
	staff.POST("/holds/:id/move", moveHold)
	staff.POST("/holds/:id/cancel", cancelHold)
	staff.POST("/reminders", runReminders)
	staff.GET("/dashboard", dashboard)
	staff.GET("/ledger", verifyLedger)
	staff.POST("/users", createUser)
	staff.PATCH("/users/:id", updateUser)

	return server
}

func healthCheck(c *gin.Context) {
	if !ready.Load() {
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"status":  "DOWN",
			"details": "Bootstrap in progress",
		})
		return
	}
	if err := database.Ping(db); err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"status":  "DOWN",
			"details": "Database connection failed",
			"error":   err.Error(),
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "UP"})
}

func requireReady(c *gin.Context) {
	if !ready.Load() {
		c.AbortWithStatusJSON(http.StatusServiceUnavailable, gin.H{"error": "service is starting"})
		return
	}
	c.Next()
}

const userKey = "user"

func requireUser(c *gin.Context) {
	username := c.GetHeader("X-User-Name")
	if username == "" {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "X-User-Name header is required"})
		return
	}
	user, err := engine.FindUser(c.Request.Context(), username)
	if err != nil {
		respondError(c, err)
		c.Abort()
		return
	}
	c.Set(userKey, user)
	c.Next()
}

func requireStaff(c *gin.Context) {
	if !isStaff(currentUser(c)) {
		c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "staff role required"})
		return
	}
	c.Next()
}

func currentUser(c *gin.Context) *models.User {
	return c.MustGet(userKey).(*models.User)
}

func isStaff(user *models.User) bool {
	return user.Role == models.RoleAdmin || user.Role == models.RoleLibrarian
}

func paramID(c *gin.Context, name string) (uint, bool) {
	id, err := strconv.ParseUint(c.Param(name), 10, 64)
	if err != nil || id == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid " + name})
		return 0, false
	}
	return uint(id), true
}

// bindOptional accepts an empty body and leaves out untouched.
func bindOptional(c *gin.Context, out interface{}) bool {
	if err := c.ShouldBindJSON(out); err != nil && !errors.Is(err, io.EOF) {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return false
	}
	return true
}

// respondError maps engine outcomes onto status codes. An invalid state is a
// no-op, not a failure.
func respondError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, circulation.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
	case errors.Is(err, circulation.ErrInvalidState):
		c.JSON(http.StatusOK, gin.H{"changed": false, "message": err.Error()})
	case errors.Is(err, circulation.ErrItemUnavailable), errors.Is(err, circulation.ErrItemAvailable):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	case errors.Is(err, circulation.ErrRenewalLimitReached):
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": err.Error()})
	case errors.Is(err, circulation.ErrReviewNotAllowed):
		c.JSON(http.StatusForbidden, gin.H{"error": err.Error()})
	case errors.Is(err, circulation.ErrInvalidInput):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	case errors.Is(err, metadata.ErrUpstream):
		c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
	case errors.Is(err, circuitbreaker.ErrOpen):
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "catalog lookup temporarily unavailable"})
	default:
		logger.Error("request failed", "method", c.Request.Method, "path", c.FullPath(), "err", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
	}
}
