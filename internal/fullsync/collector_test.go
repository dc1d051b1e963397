package fullsync

import (
	"context"
	"errors"
	"testing"

	"github.com/helm-home/bridge/internal/models"
)

type fakeHub struct {
	areas       []models.Area
	areasErr    error
	devices     []models.Device
	devicesErr  error
	registry    []models.RegistryEntry
	registryErr error
	states      []models.EntityState
	statesErr   error
	services    map[string]map[string]interface{}
	servicesErr error
}

func (f *fakeHub) GetAreas(ctx context.Context) ([]models.Area, error) {
	return f.areas, f.areasErr
}

func (f *fakeHub) GetDevices(ctx context.Context) ([]models.Device, error) {
	return f.devices, f.devicesErr
}

func (f *fakeHub) GetEntities(ctx context.Context) ([]models.RegistryEntry, error) {
	return f.registry, f.registryErr
}

func (f *fakeHub) GetStates(ctx context.Context) ([]models.EntityState, error) {
	return f.states, f.statesErr
}

func (f *fakeHub) GetServices(ctx context.Context) (map[string]map[string]interface{}, error) {
	return f.services, f.servicesErr
}

func populatedHub() *fakeHub {
	return &fakeHub{
		areas: []models.Area{{AreaID: "kitchen", Name: "Kitchen"}},
		devices: []models.Device{
			{ID: "dev1", Name: "Hue Bridge", AreaID: "kitchen"},
		},
		registry: []models.RegistryEntry{
			{EntityID: "light.kitchen", DeviceID: "dev1", AreaID: "kitchen"},
			{EntityID: "sensor.hall", DeviceID: "dev1"},
		},
		states: []models.EntityState{
			{EntityID: "light.kitchen", State: "on"},
			{EntityID: "sensor.hall", State: "21.5"},
			{EntityID: "sun.sun", State: "above_horizon"},
		},
		services: map[string]map[string]interface{}{
			"light":  {"turn_on": map[string]interface{}{}, "turn_off": map[string]interface{}{}},
			"homeassistant": {"restart": map[string]interface{}{}},
		},
	}
}

func TestCollectJoinsRegistry(t *testing.T) {
	data := NewCollector(populatedHub()).Collect(context.Background())

	if len(data.Entities) != 3 {
		t.Fatalf("Collect() returned %d entities, want 3", len(data.Entities))
	}

	byID := map[string]models.SyncedEntity{}
	for _, e := range data.Entities {
		byID[e.EntityID] = e
	}

	kitchen := byID["light.kitchen"]
	if kitchen.DeviceID != "dev1" || kitchen.AreaID != "kitchen" {
		t.Errorf("light.kitchen joined as %+v, want dev1/kitchen", kitchen)
	}

	// No own area: inherits the device's.
	hall := byID["sensor.hall"]
	if hall.AreaID != "kitchen" {
		t.Errorf("sensor.hall area = %q, want inherited kitchen", hall.AreaID)
	}

	// Not in the registry at all: no joins, still synced.
	sun := byID["sun.sun"]
	if sun.DeviceID != "" || sun.AreaID != "" {
		t.Errorf("sun.sun joined as %+v, want no joins", sun)
	}
}

func TestCollectFlattensServicesSorted(t *testing.T) {
	data := NewCollector(populatedHub()).Collect(context.Background())

	if len(data.Services) != 2 {
		t.Fatalf("Collect() returned %d service domains, want 2", len(data.Services))
	}
	if data.Services[0].Domain != "homeassistant" || data.Services[1].Domain != "light" {
		t.Errorf("service domains = [%s %s], want sorted", data.Services[0].Domain, data.Services[1].Domain)
	}
	if _, ok := data.Services[1].Services["turn_on"]; !ok {
		t.Error("light domain lost its turn_on service")
	}
}

func TestCollectToleratesPartialFailure(t *testing.T) {
	hub := populatedHub()
	hub.areasErr = errors.New("registry busy")
	hub.areas = nil

	data := NewCollector(hub).Collect(context.Background())

	if data.Areas == nil {
		t.Fatal("Collect() areas is nil, want empty array")
	}
	if len(data.Areas) != 0 {
		t.Errorf("Collect() areas = %v, want empty", data.Areas)
	}
	if len(data.Devices) != 1 {
		t.Errorf("Collect() devices = %d, want 1 despite area failure", len(data.Devices))
	}
	if len(data.Entities) != 3 {
		t.Errorf("Collect() entities = %d, want 3 despite area failure", len(data.Entities))
	}
}

func TestCollectAllFailuresStillProducesSnapshot(t *testing.T) {
	hub := &fakeHub{
		areasErr:    errors.New("down"),
		devicesErr:  errors.New("down"),
		registryErr: errors.New("down"),
		statesErr:   errors.New("down"),
		servicesErr: errors.New("down"),
	}

	data := NewCollector(hub).Collect(context.Background())

	if data.Areas == nil || data.Devices == nil || data.Entities == nil || data.Services == nil {
		t.Fatalf("Collect() produced nil collections: %+v", data)
	}
	if len(data.Areas)+len(data.Devices)+len(data.Entities)+len(data.Services) != 0 {
		t.Errorf("Collect() = %+v, want all empty", data)
	}
}
