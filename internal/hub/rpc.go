package hub

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/bytedance/sonic"

	"github.com/helm-home/bridge/internal/models"
)

// GetConfig fetches the hub's configuration record.
func (s *Session) GetConfig(ctx context.Context) (map[string]interface{}, error) {
	raw, err := s.SendCommand(ctx, "get_config", nil)
	if err != nil {
		return nil, err
	}
	var cfg map[string]interface{}
	if err := sonic.Unmarshal(raw, &cfg); err != nil {
		return nil, fmt.Errorf("invalid get_config result: %w", err)
	}
	return cfg, nil
}

// GetAreas lists the hub's area registry.
func (s *Session) GetAreas(ctx context.Context) ([]models.Area, error) {
	raw, err := s.SendCommand(ctx, "config/area_registry/list", nil)
	if err != nil {
		return nil, err
	}
	var areas []models.Area
	if err := sonic.Unmarshal(raw, &areas); err != nil {
		return nil, fmt.Errorf("invalid area registry result: %w", err)
	}
	return areas, nil
}

// GetDevices lists the hub's device registry.
func (s *Session) GetDevices(ctx context.Context) ([]models.Device, error) {
	raw, err := s.SendCommand(ctx, "config/device_registry/list", nil)
	if err != nil {
		return nil, err
	}
	var devices []models.Device
	if err := sonic.Unmarshal(raw, &devices); err != nil {
		return nil, fmt.Errorf("invalid device registry result: %w", err)
	}
	return devices, nil
}

// GetEntities lists the hub's entity registry.
func (s *Session) GetEntities(ctx context.Context) ([]models.RegistryEntry, error) {
	raw, err := s.SendCommand(ctx, "config/entity_registry/list", nil)
	if err != nil {
		return nil, err
	}
	var entries []models.RegistryEntry
	if err := sonic.Unmarshal(raw, &entries); err != nil {
		return nil, fmt.Errorf("invalid entity registry result: %w", err)
	}
	return entries, nil
}

// GetStates fetches the current state of every entity.
func (s *Session) GetStates(ctx context.Context) ([]models.EntityState, error) {
	raw, err := s.SendCommand(ctx, "get_states", nil)
	if err != nil {
		return nil, err
	}
	var states []models.EntityState
	if err := sonic.Unmarshal(raw, &states); err != nil {
		return nil, fmt.Errorf("invalid get_states result: %w", err)
	}
	return states, nil
}

// GetServices fetches the hub's service catalogue as a map of domain to
// service descriptions.
func (s *Session) GetServices(ctx context.Context) (map[string]map[string]interface{}, error) {
	raw, err := s.SendCommand(ctx, "get_services", nil)
	if err != nil {
		return nil, err
	}
	var services map[string]map[string]interface{}
	if err := sonic.Unmarshal(raw, &services); err != nil {
		return nil, fmt.Errorf("invalid get_services result: %w", err)
	}
	return services, nil
}

// CallService invokes a hub service. serviceData and target are passed
// through opaquely.
func (s *Session) CallService(ctx context.Context, domain, service string, serviceData, target map[string]interface{}) (json.RawMessage, error) {
	data := map[string]interface{}{
		"domain":  domain,
		"service": service,
	}
	if len(serviceData) > 0 {
		data["service_data"] = serviceData
	}
	if len(target) > 0 {
		data["target"] = target
	}
	return s.SendCommand(ctx, "call_service", data)
}
