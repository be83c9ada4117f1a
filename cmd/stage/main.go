package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/Stage/internal/adapters/rtm"
	"github.com/dkeye/Stage/internal/adapters/tokens"
	"github.com/dkeye/Stage/internal/app"
	"github.com/dkeye/Stage/internal/config"
	"github.com/dkeye/Stage/internal/core"
)

func main() {
	name := flag.String("name", "guest", "display name")
	host := flag.Bool("host", false, "create a room after login")
	flag.Parse()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	zerolog.SetGlobalLevel(zerolog.InfoLevel)

	cfg, err := config.Load()
	if err != nil {
		log.Error().Err(err).Msg("failed to load config")
	}

	var transport core.Transport
	if cfg.Mode == "local" {
		transport = rtm.NewHub().NewClient()
	} else {
		transport = rtm.NewWSClient(cfg.SignalURL, cfg.AckTimeout)
	}

	coord := app.NewCoordinator(transport, tokens.NewClient(cfg.TokenURL), core.ChannelID(cfg.LobbyChannel))
	go coord.Run(ctx)

	go watchStreams(ctx, coord)

	if err := coord.Login(ctx, *name); err != nil {
		log.Fatal().Err(err).Msg("login failed")
	}
	if *host {
		room, err := coord.CreateRoom(ctx)
		if err != nil {
			log.Error().Err(err).Msg("create room failed")
		} else {
			log.Info().Str("room", string(room.ID)).Msg("hosting room")
		}
	}

	<-ctx.Done()
	log.Info().Msg("Shutting down")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := coord.Logout(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("logout failed")
	}
	log.Info().Msg("Client exited gracefully")
}

func watchStreams(ctx context.Context, coord *app.Coordinator) {
	states := coord.ConnectionStates().Subscribe(ctx)
	rooms := coord.OpenRooms().Subscribe(ctx)
	sessions := coord.Sessions().Subscribe(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case s := <-states:
			log.Info().Str("state", s.String()).Msg("connection")
		case rs := <-rooms:
			log.Info().Int("open", len(rs)).Msg("rooms")
		case sess := <-sessions:
			if sess == nil {
				log.Info().Msg("no room session")
				continue
			}
			log.Info().Str("room", string(sess.Info.RoomID)).Bool("broadcaster", sess.Info.Broadcaster).Msg("room session")
		}
	}
}
