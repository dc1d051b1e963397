package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/helm-home/bridge/internal"
	"github.com/helm-home/bridge/internal/app"
	"github.com/helm-home/bridge/internal/config"
	"github.com/helm-home/bridge/internal/credentials"
	"github.com/helm-home/bridge/internal/logbuf"
	"github.com/helm-home/bridge/internal/ntp"
)

func main() {
	log.Info(fmt.Sprintf("Bridge %s is running", internal.BridgeVersionRevision))
	config.LoadConfig()
	app.InitMetrics()

	if config.HubToken() == "" {
		log.Fatal("no hub token configured: set HA_TOKEN or SUPERVISOR_TOKEN")
	}

	// Every log line also lands in the ring so the cloud can pull recent
	// diagnostics over the session.
	logRing := logbuf.NewRing(500)
	log.AddHook(logbuf.NewHook(logRing))

	var clock ntp.TimeProvider
	if config.Config.NTPEnabled {
		ntpClient := ntp.NewClient(ntp.Options{
			Servers:      config.Config.NTPServers,
			SyncInterval: time.Duration(config.Config.NTPSyncInterval) * time.Second,
			QueryTimeout: time.Duration(config.Config.NTPQueryTimeout) * time.Second,
		})
		ntpClient.Start(context.Background())
		defer ntpClient.Stop()
		clock = ntpClient
	} else {
		clock = ntp.NewLocalTimeProvider()
	}

	store := credentials.NewStore(config.Config.CredentialPath)
	if cred := store.Load(); cred != nil {
		log.Infof("loaded credential for bridge %s (tenant %s)", cred.BridgeID, cred.TenantID)
	} else {
		log.Info("no credential on disk, bridge starts unpaired")
	}

	bridge, err := app.NewBridge(store, clock, logRing)
	if err != nil {
		log.Fatalf("bridge setup failed: %v", err)
	}

	server := app.NewServer(config.Config.HealthPort, bridge.Health())
	go func() {
		if err := server.Start(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("observability server failed: %v", err)
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := bridge.Run(ctx); err != nil {
		log.Errorf("bridge stopped: %v", err)
		shutdownServer(server)
		os.Exit(1)
	}
	shutdownServer(server)
}

func shutdownServer(server *app.Server) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		log.Warnf("observability server shutdown failed: %v", err)
	}
}
