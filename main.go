package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-contrib/multitemplate"
	"github.com/gin-gonic/gin"

	"atlas-server/bank"
	"atlas-server/calibration"
	"atlas-server/config"
	"atlas-server/db"
	"atlas-server/exam"
	"atlas-server/graph"
	"atlas-server/handlers"
	"atlas-server/ingestion"
	"atlas-server/middleware"
)

func main() {
	// Load configuration
	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatalf("Error loading configuration: %v", err)
	}

	// Initialize database connection pool
	pool, err := db.InitDB(cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("Unable to connect to database: %v", err)
	}
	defer pool.Close()

	// Ensure database schema is set up (simple creation for demo)
	if err := db.CreateSchema(pool); err != nil {
		log.Fatalf("Error creating database schema: %v", err)
	}

	// Services
	ingestionSvc := ingestion.NewService(pool)
	graphSvc := graph.NewService(pool)
	calibrationSvc := calibration.NewService(pool, nil)
	examEngine := exam.NewEngine(pool, graphSvc, calibrationSvc)
	bankLoader := bank.NewLoader(pool, cfg.BankPath)

	// Publish the knowledge bank at startup. A missing or invalid bank is
	// not fatal; the server runs with whatever the store already holds.
	if err := bankLoader.Reload(context.Background(), "system"); err != nil {
		log.Printf("Initial knowledge bank load failed: %v", err)
	}

	// Set Gin mode
	gin.SetMode(cfg.GinMode)

	// Initialize Gin router
	router := gin.Default()

	// Load HTML templates for admin UI
	renderer := multitemplate.NewRenderer()
	renderer.AddFromFiles("admin_dashboard", "templates/layout.html", "templates/admin_dashboard.html")
	renderer.AddFromFiles("admin_error_logs", "templates/layout.html", "templates/admin_error_logs.html")
	renderer.AddFromFiles("admin_item_health", "templates/layout.html", "templates/admin_item_health.html")
	renderer.AddFromFiles("admin_settings", "templates/layout.html", "templates/admin_settings.html")
	router.HTMLRender = renderer

	// Middleware
	router.Use(middleware.Logger()) // Custom logger middleware
	router.Use(cors.New(cors.Config{
		AllowOrigins:     []string{"*"},
		AllowMethods:     []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowHeaders:     []string{"Origin", "Content-Type", "Authorization"},
		AllowCredentials: false,
		MaxAge:           12 * time.Hour,
	}))

	authMiddleware := middleware.AuthMiddleware(cfg.Auth.JWTSigningKey, cfg.Auth.Issuer)

	// API Routes (version 1)
	apiV1 := router.Group("/api/v1")
	apiV1.Use(authMiddleware) // Apply auth to all API routes
	{
		apiV1.POST("/attempts", handlers.StartAttempt(ingestionSvc))
		apiV1.POST("/attempts/:attempt_id/telemetry", handlers.SubmitTelemetry(ingestionSvc))
		apiV1.GET("/attempts/:attempt_id/state", handlers.GetExamState(ingestionSvc))
		apiV1.POST("/attempts/:attempt_id/finalize", handlers.FinalizeAttempt(examEngine))
		apiV1.GET("/students/:student_id/knowledge_map", handlers.GetStudentKnowledgeMap(graphSvc))
	}

	// Admin UI Routes
	admin := router.Group("/admin")
	admin.Use(authMiddleware)
	admin.Use(middleware.RoleCheckMiddleware([]string{"admin", "instructor"})) // Role-based access control for admin routes
	{
		admin.GET("/dashboard", handlers.AdminDashboard(pool, graphSvc))
		admin.GET("/knowledge_map", handlers.AdminKnowledgeMap(graphSvc))
		admin.GET("/error_logs", handlers.AdminErrorLogs(pool))
		admin.GET("/item_health", handlers.AdminItemHealth(calibrationSvc))
		admin.GET("/settings", handlers.AdminSettings(pool))
		admin.POST("/settings", handlers.AdminUpdateSettings(pool))
		admin.POST("/bank/reload", handlers.AdminReloadBank(bankLoader))
	}

	// Periodic knowledge bank reload, for deployments where the bank file
	// is updated by an external sync process.
	if cfg.BankReloadInterval > 0 {
		go func() {
			ticker := time.NewTicker(cfg.BankReloadInterval)
			defer ticker.Stop()
			for range ticker.C {
				log.Println("Running scheduled knowledge bank reload...")
				if err := bankLoader.Reload(context.Background(), "system"); err != nil {
					log.Printf("Scheduled bank reload failed: %v", err)
					db.LogAdminEvent(pool, "system", "bank_reload_failed", cfg.BankPath, fmt.Sprintf("Error: %v", err))
				}
			}
		}()
	}

	// Daily item calibration job
	go func() {
		ticker := time.NewTicker(cfg.CalibrationInterval)
		defer ticker.Stop()
		for range ticker.C {
			log.Println("Running item calibration...")
			if err := calibrationSvc.RecalibrateAll(context.Background()); err != nil {
				log.Printf("Error recalibrating items: %v", err)
				db.LogAdminEvent(pool, "system", "calibration_failed", "all_items", fmt.Sprintf("Error: %v", err))
			} else {
				log.Println("Item calibration completed.")
				db.LogAdminEvent(pool, "system", "calibration_success", "all_items", "Slip/guess parameters refreshed.")
			}
		}
	}()

	// Start the server
	srv := &http.Server{
		Addr:    cfg.ServerPort,
		Handler: router,
	}

	// Goroutine to gracefully shut down the server
	go func() {
		quit := make(chan os.Signal, 1)
		signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
		<-quit
		log.Println("Shutting down server...")
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(ctx); err != nil {
			log.Fatalf("Server forced to shutdown: %v", err)
		}
	}()

	log.Printf("ATLAS Server starting on %s", cfg.ServerPort)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Fatalf("Server startup error: %v", err)
	}
	log.Println("Server exited gracefully.")
}
