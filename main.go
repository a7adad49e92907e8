package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/chatdeck/wa-engine/config"
	"github.com/chatdeck/wa-engine/credential"
	"github.com/chatdeck/wa-engine/database"
	"github.com/chatdeck/wa-engine/server"
	"github.com/chatdeck/wa-engine/session"
	"github.com/chatdeck/wa-engine/sink"
	meow "github.com/chatdeck/wa-engine/transport/meow"
	"github.com/chatdeck/wa-engine/utils"
)

func main() {
	cfg := config.LoadConfig()
	utils.InitLogger(cfg.LogLevel)

	if cfg.APISecret == "" {
		log.Fatal().Msg("API_SECRET must be set")
	}

	db, err := database.Open(cfg.DatabaseType, cfg.DatabaseDSN)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to open database")
	}
	defer db.Close()

	creds := credential.NewStore(db)
	defer creds.Close()

	dialer, err := meow.NewDialer(db, creds, cfg.QRTerminal)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to initialize whatsapp transport")
	}

	snk := sink.New(db)

	engine := session.NewEngine(dialer, creds, snk, session.Options{
		ReconnectDelay: cfg.ReconnectDelay,
		ConnectTimeout: cfg.ConnectTimeout,
		LogoutTimeout:  cfg.LogoutTimeout,
	})

	// Bring back sessions that were connected before the last shutdown.
	restoreCtx, cancelRestore := context.WithTimeout(context.Background(), 2*time.Minute)
	engine.Restore(restoreCtx)
	cancelRestore()

	srv := server.NewServer(cfg.APIAddr, cfg.APISecret, engine)
	go func() {
		if err := srv.Start(); err != nil {
			log.Fatal().Err(err).Msg("api server failed")
		}
	}()

	log.Info().Str("addr", cfg.APIAddr).Msg("wa-engine started")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan

	log.Info().Msg("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("http shutdown incomplete")
	}

	// Sockets close without logging out so connected tenants restore on the
	// next boot.
	engine.Shutdown()
}
