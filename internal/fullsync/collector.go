// Package fullsync assembles the complete topology snapshot the cloud asks
// for: areas, devices, entities joined with their registry entries, and the
// service catalogue.
package fullsync

import (
	"context"
	"sort"
	"sync"

	log "github.com/sirupsen/logrus"

	"github.com/helm-home/bridge/internal/models"
)

// HubClient is the slice of the hub session the collector needs.
type HubClient interface {
	GetAreas(ctx context.Context) ([]models.Area, error)
	GetDevices(ctx context.Context) ([]models.Device, error)
	GetEntities(ctx context.Context) ([]models.RegistryEntry, error)
	GetStates(ctx context.Context) ([]models.EntityState, error)
	GetServices(ctx context.Context) (map[string]map[string]interface{}, error)
}

type Collector struct {
	hub HubClient
}

func NewCollector(hub HubClient) *Collector {
	return &Collector{hub: hub}
}

// Collect runs the five hub RPCs concurrently and merges the results. Each
// call tolerates failure on its own: a failed sub-collection becomes an empty
// one and the snapshot still goes out.
func (c *Collector) Collect(ctx context.Context) models.FullSyncData {
	log := log.WithField("prefix", "fullsync.Collect")

	var (
		areas    []models.Area
		devices  []models.Device
		registry []models.RegistryEntry
		states   []models.EntityState
		services map[string]map[string]interface{}
	)

	var wg sync.WaitGroup
	wg.Add(5)
	go func() {
		defer wg.Done()
		var err error
		if areas, err = c.hub.GetAreas(ctx); err != nil {
			log.Warnf("area registry fetch failed, syncing without areas: %v", err)
			areas = nil
		}
	}()
	go func() {
		defer wg.Done()
		var err error
		if devices, err = c.hub.GetDevices(ctx); err != nil {
			log.Warnf("device registry fetch failed, syncing without devices: %v", err)
			devices = nil
		}
	}()
	go func() {
		defer wg.Done()
		var err error
		if registry, err = c.hub.GetEntities(ctx); err != nil {
			log.Warnf("entity registry fetch failed, syncing without registry joins: %v", err)
			registry = nil
		}
	}()
	go func() {
		defer wg.Done()
		var err error
		if states, err = c.hub.GetStates(ctx); err != nil {
			log.Warnf("state fetch failed, syncing without entities: %v", err)
			states = nil
		}
	}()
	go func() {
		defer wg.Done()
		var err error
		if services, err = c.hub.GetServices(ctx); err != nil {
			log.Warnf("service catalogue fetch failed, syncing without services: %v", err)
			services = nil
		}
	}()
	wg.Wait()

	byEntity := make(map[string]models.RegistryEntry, len(registry))
	for _, entry := range registry {
		byEntity[entry.EntityID] = entry
	}
	byDevice := make(map[string]models.Device, len(devices))
	for _, d := range devices {
		byDevice[d.ID] = d
	}

	entities := make([]models.SyncedEntity, 0, len(states))
	for _, state := range states {
		entity := models.SyncedEntity{
			EntityID:    state.EntityID,
			State:       state.State,
			Attributes:  state.Attributes,
			LastChanged: state.LastChanged,
			LastUpdated: state.LastUpdated,
		}
		if entry, ok := byEntity[state.EntityID]; ok {
			entity.DeviceID = entry.DeviceID
			entity.AreaID = entry.AreaID
			if entity.AreaID == "" && entry.DeviceID != "" {
				// Entities without their own area inherit the device's.
				entity.AreaID = byDevice[entry.DeviceID].AreaID
			}
		}
		entities = append(entities, entity)
	}

	domains := make([]string, 0, len(services))
	for domain := range services {
		domains = append(domains, domain)
	}
	sort.Strings(domains)
	flattened := make([]models.DomainServices, 0, len(domains))
	for _, domain := range domains {
		flattened = append(flattened, models.DomainServices{
			Domain:   domain,
			Services: services[domain],
		})
	}

	return models.FullSyncData{
		Areas:    emptyIfNil(areas),
		Devices:  emptyIfNil(devices),
		Entities: entities,
		Services: flattened,
	}
}

func emptyIfNil[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return s
}
