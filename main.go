package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"

	"wans2v/config"
	"wans2v/handlers"
	"wans2v/services"
	"wans2v/utils"
)

func main() {
	// Load configuration
	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	log.Printf("Configuration loaded: %s", cfg)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	integrations, err := services.OpenIntegrations(ctx, cfg)
	if err != nil {
		log.Fatalf("Failed to initialize integrations: %v", err)
	}
	defer integrations.Close()

	pipeline := services.NewPipelineFromConfig(cfg, cfg.OutputDir, "rest", true, integrations.Options()...)

	var history handlers.HistoryReader
	if integrations.History != nil {
		history = integrations.History
	}
	videoHandler := handlers.NewVideoHandler(pipeline, history, cfg.MaxUploadMB, utils.QueryGPU)

	router := newRouter(cfg, videoHandler)

	srv := &http.Server{
		Addr:    fmt.Sprintf(":%s", cfg.Port),
		Handler: router,
	}

	go func() {
		log.Printf("Starting server on %s", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("Failed to start server: %v", err)
		}
	}()

	<-ctx.Done()
	log.Println("Shutdown signal received, stopping server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Printf("Server shutdown error: %v", err)
	}

	// Background generations are not cancellable, wait for them
	videoHandler.Wait()
}

func newRouter(cfg *config.Config, videoHandler *handlers.VideoHandler) *gin.Engine {
	router := gin.New()
	router.Use(gin.Logger(), handlers.PanicRecover())
	router.MaxMultipartMemory = 32 << 20

	// Setup CORS
	corsConfig := cors.Config{
		AllowMethods:  []string{"GET", "POST", "OPTIONS"},
		AllowHeaders:  []string{"Origin", "Content-Type", "Accept", "Authorization"},
		ExposeHeaders: []string{"Content-Length", "Content-Disposition"},
		MaxAge:        12 * time.Hour,
	}
	if len(cfg.CORSOrigins) == 0 {
		corsConfig.AllowAllOrigins = true
	} else {
		corsConfig.AllowOrigins = cfg.CORSOrigins
		corsConfig.AllowCredentials = true
	}
	router.Use(cors.New(corsConfig))

	videoHandler.RegisterRoutes(router, handlers.AuthMiddleware(cfg.APIKeys, cfg.JWTSecret))
	return router
}
