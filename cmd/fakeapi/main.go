// Package main runs the WebApi simulator for local development against
// lockerctl
package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/mesmerverse/coresdk/internal/fakeapi"
)

func main() {
	addr := flag.String("addr", "127.0.0.1:8090", "Listen address")
	keyOut := flag.String("public-key-out", "server.pem", "Where to write the server's public key")
	maxAttempts := flag.Int("max-attempts", 3, "Failed unlocks before a device is dropped")
	flag.Parse()

	_ = godotenv.Load()

	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})

	api, err := fakeapi.New(fakeapi.Config{
		ClientID:     envOr("CORESDK_CLIENT_ID", "coresdk-local"),
		ClientSecret: envOr("CORESDK_CLIENT_SECRET", "coresdk-local-secret"),
		MaxAttempts:  *maxAttempts,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to create fake WebApi")
	}
	if err := os.WriteFile(*keyOut, []byte(api.PublicKeyPEM()), 0o644); err != nil {
		log.Fatal().Err(err).Msg("Failed to write public key")
	}

	srv := &http.Server{
		Addr:              *addr,
		Handler:           api.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigChan
		log.Info().Str("signal", sig.String()).Msg("Received shutdown signal")
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(ctx)
	}()

	log.Info().
		Str("addr", *addr).
		Str("public_key", *keyOut).
		Msg("Fake WebApi listening")
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Fatal().Err(err).Msg("Server error")
	}
	log.Info().Msg("Fake WebApi shutdown complete")
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
