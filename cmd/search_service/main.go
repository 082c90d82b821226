package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"

	"docindex/internal/config"
	"docindex/internal/embedding"
	"docindex/internal/search_service/api"
	"docindex/internal/tokenizer"
	"docindex/pkg/logger"
)

func main() {
	configPath := flag.String("config", "config/config.yaml", "path to the yaml configuration file")
	flag.Parse()

	_ = godotenv.Load()

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	level, err := logrus.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = logrus.InfoLevel
	}
	logger.Init(level)
	appLogger := logger.New("search_service", "")
	appLogger.Info("starting search service")

	counter, err := tokenizer.New()
	if err != nil {
		log.Fatalf("Failed to initialize tokenizer: %v", err)
	}
	provider, err := embedding.NewProvider(
		embedding.ProviderType(cfg.Embedding.Provider),
		cfg.Embedding.APIKey, cfg.Embedding.Model, cfg.Embedding.URL,
	)
	if err != nil {
		log.Fatalf("Failed to create embedding provider: %v", err)
	}
	embedder := embedding.NewClient(provider, counter, embedding.Config{
		TokenLimit:        cfg.Embedding.TokenLimit,
		MaxRetries:        cfg.Embedding.MaxRetries,
		RequestsPerSecond: cfg.Embedding.RequestsPerSecond,
		RequestTimeout:    time.Duration(cfg.Embedding.TimeoutSeconds) * time.Second,
	}, appLogger)

	searchAPI := api.NewAPI(cfg, embedder, appLogger)
	defer searchAPI.Close()

	gin.SetMode(gin.ReleaseMode)
	router := gin.Default()
	api.RegisterRoutes(router, searchAPI)

	server := &http.Server{
		Addr:    cfg.Server.Address,
		Handler: router,
	}
	go func() {
		appLogger.Info(fmt.Sprintf("HTTP server listening at %s", cfg.Server.Address))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Failed to serve HTTP: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	appLogger.Info("shutting down server")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		appLogger.Error(fmt.Sprintf("server shutdown failed: %v", err))
	}
	appLogger.Info("server stopped")
}
