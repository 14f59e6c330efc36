package main

import (
	"context"
	"errors"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gematik/ehealthid-rp/pkg/oidf"
	"github.com/gematik/ehealthid-rp/pkg/prettylog"
	"github.com/gematik/ehealthid-rp/pkg/rp"
	"github.com/joho/godotenv"
	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

func init() {
	godotenv.Load()

	level := slog.LevelInfo
	if os.Getenv("LOG_LEVEL") == "debug" {
		level = slog.LevelDebug
	}

	if os.Getenv("LOG_PRETTY") == "true" {
		slog.SetDefault(slog.New(prettylog.NewHandler(level)))
	} else {
		slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))
	}
}

func main() {
	configPath := os.Getenv("RP_CONFIG")
	if configPath == "" {
		configPath = "config.yaml"
	}

	cfg, err := rp.LoadConfig(configPath)
	if err != nil {
		log.Fatal(err)
	}

	startupCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	relyingParty, err := oidf.NewRelyingPartyFromConfig(startupCtx, cfg.Federation)
	if err != nil {
		log.Fatal(err)
	}
	slog.Info("Joined federation", "fed_master", cfg.Federation.FedMasterURL, "client_id", relyingParty.ClientID())

	opts := []rp.Option{
		rp.WithRelyingParty(relyingParty),
	}
	if cfg.Redis != nil {
		opts = append(opts, rp.WithRedisSessions(*cfg.Redis, time.Duration(cfg.SessionTTL)))
		slog.Info("Using redis session store", "address", cfg.Redis.Address)
	}

	server, err := rp.NewServer(cfg, opts...)
	if err != nil {
		log.Fatal(err)
	}

	root := echo.New()
	root.HideBanner = true
	server.MountRoutes(root.Group(""))
	root.GET("/metrics", echo.WrapHandler(promhttp.Handler()))

	go func() {
		if err := root.Start(cfg.Address); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal(err)
		}
	}()
	slog.Info("Started eHealthID relying party", "address", cfg.Address, "base_uri", cfg.BaseURI)

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)
	<-quit

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelShutdown()
	if err := root.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown failed", "error", err)
	}
}
