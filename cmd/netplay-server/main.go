//go:build linux

// File: cmd/netplay-server/main.go
// Author: momentics <momentics@gmail.com>

// The netplay server: accepts players, tracks their positions and broadcasts
// them on a fixed cadence. Runs until SIGINT/SIGTERM.
package main

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"

	"github.com/momentics/netplay/config"
	"github.com/momentics/netplay/reactor"
	"github.com/momentics/netplay/server"
)

const configPath = "netplay.yml"

func main() {
	log := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).With().Timestamp().Logger()

	cfg, err := config.Load(configPath, config.ServerDefault())
	if err != nil {
		log.Fatal().Err(err).Msg("load config")
	}

	r, err := reactor.New(cfg.ReactorThreads, log)
	if err != nil {
		log.Fatal().Err(err).Msg("start reactor")
	}
	srv, err := server.New(cfg, r, log)
	if err != nil {
		log.Fatal().Err(err).Msg("start server")
	}

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	<-sig
	log.Info().Msg("shutting down")

	if err := r.Close(); err != nil {
		log.Error().Err(err).Msg("stop reactor")
	}
	if err := srv.Close(); err != nil {
		log.Error().Err(err).Msg("close server")
	}
}
