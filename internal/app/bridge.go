package app

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/helm-home/bridge/internal"
	"github.com/helm-home/bridge/internal/batcher"
	"github.com/helm-home/bridge/internal/cloud"
	"github.com/helm-home/bridge/internal/config"
	"github.com/helm-home/bridge/internal/credentials"
	"github.com/helm-home/bridge/internal/executor"
	"github.com/helm-home/bridge/internal/fullsync"
	"github.com/helm-home/bridge/internal/hub"
	"github.com/helm-home/bridge/internal/logbuf"
	"github.com/helm-home/bridge/internal/models"
	"github.com/helm-home/bridge/internal/ntp"
	"github.com/helm-home/bridge/internal/pairing"
	"github.com/helm-home/bridge/internal/utils"
)

// Bridge owns every long-lived component and the event loop connecting them.
// All cross-component traffic flows through here; the components never call
// each other directly except through the narrow interfaces they declare.
type Bridge struct {
	bridgeID string
	store    *credentials.Store
	clock    ntp.TimeProvider
	logs     *logbuf.Ring

	hub       *hub.Session
	cloud     *cloud.Session
	collector *fullsync.Collector
	batch     *batcher.Batcher
	exec      *executor.Executor
	health    *HealthManager

	entityCount atomic.Int64
	pairingUp   atomic.Bool
}

func NewBridge(store *credentials.Store, clock ntp.TimeProvider, logs *logbuf.Ring) (*Bridge, error) {
	bridgeID := config.ResolveBridgeID()

	hubSession, err := hub.NewSession(hub.Options{
		BaseURL: config.HubURL(),
		Token:   config.HubToken(),
	})
	if err != nil {
		return nil, fmt.Errorf("hub session setup failed: %w", err)
	}

	cloudSession, err := cloud.NewSession(cloud.Options{
		BaseURL:           config.CloudBaseURL(),
		BridgeID:          bridgeID,
		BridgeVersion:     internal.BridgeVersion,
		ProtocolVersion:   internal.ProtocolVersion,
		HeartbeatInterval: time.Duration(config.Config.HeartbeatInterval) * time.Second,
	}, store, clock, logs)
	if err != nil {
		return nil, fmt.Errorf("cloud session setup failed: %w", err)
	}

	b := &Bridge{
		bridgeID:  bridgeID,
		store:     store,
		clock:     clock,
		logs:      logs,
		hub:       hubSession,
		cloud:     cloudSession,
		collector: fullsync.NewCollector(hubSession),
		health:    NewHealthManager(),
	}
	b.batch = batcher.New(cloudSession)
	b.exec = executor.New(hubSession, b.collector, cloudSession, clock)

	cloudSession.SetHubInfoFunc(func() cloud.HubInfo {
		return cloud.HubInfo{
			HaVersion:   hubSession.HaVersion(),
			Connected:   hubSession.Connected(),
			EntityCount: int(b.entityCount.Load()),
			LastEventAt: b.batch.LastEventAt(),
		}
	})
	return b, nil
}

// HubConnected implements StatusSource.
func (b *Bridge) HubConnected() bool { return b.hub.Connected() }

// CloudConnected implements StatusSource.
func (b *Bridge) CloudConnected() bool { return b.cloud.Authenticated() }

// Paired implements StatusSource.
func (b *Bridge) Paired() bool { return b.store.IsPaired() }

// Health exposes the manager backing the /health and /ready endpoints.
func (b *Bridge) Health() *HealthManager { return b.health }

// Run drives the bridge until the context ends. It returns nil on a clean
// shutdown and an error when the hub is unreachable or rejects the token.
func (b *Bridge) Run(ctx context.Context) error {
	log := log.WithField("prefix", "app.Bridge.Run")

	// A REST probe before any WebSocket work separates "bad URL or token"
	// from "flaky connection" in the startup log.
	version, err := hub.CheckAPI(ctx, config.HubURL(), config.HubToken())
	if err != nil {
		return fmt.Errorf("hub API probe failed: %w", err)
	}
	log.Infof("bridge %s starting against hub %s", b.bridgeID, version)

	healthStop := make(chan struct{})
	defer close(healthStop)
	go b.health.StartHealthMonitoring(b, healthStop)

	b.hub.Connect()

	if b.store.IsPaired() {
		log.Info("credential resident, connecting to cloud")
		b.cloud.Connect()
	} else {
		b.startPairing(ctx)
	}

	for {
		select {
		case <-ctx.Done():
			b.shutdown()
			return nil

		case ev := <-b.hub.StateChanges():
			b.batch.Add(ev)

		case haVersion := <-b.hub.AuthEvents():
			log.Infof("hub session up (version %s)", haVersion)
			utils.RunWithRecovery(func() { b.refreshEntityCount(ctx) })

		case msg := <-b.hub.AuthFailures():
			b.shutdown()
			return fmt.Errorf("hub rejected the access token: %s", msg)

		case err := <-b.hub.Disconnects():
			log.Warnf("hub session lost: %v", err)

		case cmd := <-b.cloud.Commands():
			utils.RunWithRecovery(func() { b.exec.Execute(ctx, cmd) })

		case <-b.cloud.FullSyncRequests():
			utils.RunWithRecovery(func() { b.sendFullSync(ctx) })

		case tenant := <-b.cloud.AuthEvents():
			log.Infof("cloud session up (tenant %s)", tenant)

		case msg := <-b.cloud.AuthFailures():
			// The credential is already cleared; go back to pairing.
			log.Warnf("cloud session terminated: %s", msg)
			b.startPairing(ctx)

		case err := <-b.cloud.Disconnects():
			log.Warnf("cloud session lost: %v", err)
		}
	}
}

// startPairing runs the pairing flow in the background and brings the cloud
// session up once a credential lands. At most one flow runs at a time.
func (b *Bridge) startPairing(ctx context.Context) {
	if !b.pairingUp.CompareAndSwap(false, true) {
		return
	}
	utils.RunWithRecovery(func() {
		defer b.pairingUp.Store(false)
		coordinator := pairing.NewCoordinator(pairing.Options{
			BaseURL:       config.CloudBaseURL(),
			BridgeID:      b.bridgeID,
			BridgeVersion: internal.BridgeVersion,
			HaVersion:     b.hub.HaVersion(),
		}, b.store)
		if err := coordinator.Run(ctx); err != nil {
			log.WithField("prefix", "app.Bridge.startPairing").Warnf("pairing aborted: %v", err)
			return
		}
		b.cloud.Connect()
	})
}

// hubInventory is the slice of the hub session the startup load needs.
type hubInventory interface {
	GetEntities(ctx context.Context) ([]models.RegistryEntry, error)
	GetStates(ctx context.Context) ([]models.EntityState, error)
}

// loadInventory pulls the entity registry and the current states after every
// hub authentication. Both calls are best-effort; the registry warms the
// session and the states give the heartbeat its entity count. It returns the
// state count, or -1 when states could not be fetched.
func loadInventory(ctx context.Context, inv hubInventory) int {
	log := log.WithField("prefix", "app.Bridge.loadInventory")

	if _, err := inv.GetEntities(ctx); err != nil {
		log.Warnf("entity registry inventory failed: %v", err)
	}
	states, err := inv.GetStates(ctx)
	if err != nil {
		log.Warnf("state inventory failed: %v", err)
		return -1
	}
	return len(states)
}

func (b *Bridge) refreshEntityCount(ctx context.Context) {
	if n := loadInventory(ctx, b.hub); n >= 0 {
		b.entityCount.Store(int64(n))
	}
}

func (b *Bridge) sendFullSync(ctx context.Context) {
	log := log.WithField("prefix", "app.Bridge.sendFullSync")

	data := b.collector.Collect(ctx)
	b.entityCount.Store(int64(len(data.Entities)))
	if err := b.cloud.SendFullSync(data); err != nil {
		log.Warnf("full sync delivery failed: %v", err)
		return
	}
	log.Infof("full sync sent: %d areas, %d devices, %d entities", len(data.Areas), len(data.Devices), len(data.Entities))
}

func (b *Bridge) shutdown() {
	log := log.WithField("prefix", "app.Bridge.shutdown")
	log.Info("shutting down")

	b.batch.Close()
	b.cloud.Disconnect()
	b.hub.Disconnect()
}
