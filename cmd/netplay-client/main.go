//go:build linux

// File: cmd/netplay-client/main.go
// Author: momentics <momentics@gmail.com>

// A headless netplay client. The real product embeds the renderer's camera;
// this binary stands in with a camera orbiting the origin so the server and
// other clients see a moving player. Peer positions are printed once a
// second.
package main

import (
	"math"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/momentics/netplay/client"
	"github.com/momentics/netplay/config"
	"github.com/momentics/netplay/protocol"
	"github.com/momentics/netplay/reactor"
)

const configPath = "netplay.yml"

// orbitCamera circles the origin at a fixed radius, advancing with wall time.
type orbitCamera struct {
	start time.Time
}

func (o *orbitCamera) CurrentPosition() protocol.Position {
	angle := time.Since(o.start).Seconds()
	return protocol.Position{
		X: int32(1000 * math.Cos(angle)),
		Y: 0,
		Z: int32(1000 * math.Sin(angle)),
	}
}

func main() {
	log := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).With().Timestamp().Logger()

	cfg, err := config.Load(configPath, config.ClientDefault())
	if err != nil {
		log.Fatal().Err(err).Msg("load config")
	}

	r, err := reactor.New(cfg.ReactorThreads, log)
	if err != nil {
		log.Fatal().Err(err).Msg("start reactor")
	}
	cam := &orbitCamera{start: time.Now()}
	c, err := client.Dial(cfg, r, cam, log)
	if err != nil {
		log.Fatal().Err(err).Msg("dial server")
	}

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	report := time.NewTicker(time.Second)
	defer report.Stop()

	for {
		select {
		case <-report.C:
			c.Peers(func(id int, pos protocol.Position) {
				log.Info().Int("peer", id).
					Int32("x", pos.X).Int32("y", pos.Y).Int32("z", pos.Z).
					Msg("peer position")
			})
		case <-c.Done():
			log.Info().Msg("server gone, exiting")
			_ = r.Close()
			os.Exit(1)
		case <-sig:
			log.Info().Msg("shutting down")
			if err := r.Close(); err != nil {
				log.Error().Err(err).Msg("stop reactor")
			}
			return
		}
	}
}
