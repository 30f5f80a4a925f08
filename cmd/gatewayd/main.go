// Command gatewayd runs the edge gateway: it bridges the local MQTT bus to
// the cloud's inventory and command APIs, the way thin-edge.io's tedge-agent
// bridges a device to Cumulocity.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/edgestack/gateway/internal/config"
	"github.com/edgestack/gateway/pkg/gateway"
)

func main() {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})

	cfg := config.Load()

	gw, err := gateway.New(cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("gatewayd: failed to initialize gateway")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	recoverCtx, recoverCancel := context.WithTimeout(ctx, 5*time.Second)
	if err := gw.Recover(recoverCtx); err != nil {
		log.Warn().Err(err).Msg("gatewayd: startup recovery failed, continuing with an empty command set")
	}
	recoverCancel()

	go func() {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		<-sigCh
		log.Info().Msg("gatewayd: shutdown signal received")
		cancel()
	}()

	log.Info().
		Str("mqtt_root", cfg.MQTTRoot).
		Int("http_port", cfg.HTTPPort).
		Msg("gatewayd: starting")

	if err := gw.Run(ctx); err != nil {
		log.Fatal().Err(err).Msg("gatewayd: exited with error")
	}
}
