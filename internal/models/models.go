package models

// EntityState is the hub's opaque state shape: a string value, an attribute
// dictionary and the two hub timestamps.
type EntityState struct {
	EntityID    string                 `json:"entity_id"`
	State       string                 `json:"state"`
	Attributes  map[string]interface{} `json:"attributes,omitempty"`
	LastChanged string                 `json:"last_changed,omitempty"`
	LastUpdated string                 `json:"last_updated,omitempty"`
}

// StateChangeEvent is a single state_changed notification from the hub.
type StateChangeEvent struct {
	EntityID  string
	OldState  *EntityState
	NewState  *EntityState
	Timestamp string
}

// Area is one entry of the hub's area registry.
type Area struct {
	AreaID string `json:"area_id"`
	Name   string `json:"name"`
}

// Device is one entry of the hub's device registry.
type Device struct {
	ID           string `json:"id"`
	Name         string `json:"name,omitempty"`
	Manufacturer string `json:"manufacturer,omitempty"`
	Model        string `json:"model,omitempty"`
	AreaID       string `json:"area_id,omitempty"`
}

// RegistryEntry is one entry of the hub's entity registry. It links an entity
// to its device and area.
type RegistryEntry struct {
	EntityID string `json:"entity_id"`
	DeviceID string `json:"device_id,omitempty"`
	AreaID   string `json:"area_id,omitempty"`
	Platform string `json:"platform,omitempty"`
	Name     string `json:"name,omitempty"`
}

// SyncedEntity is the outbound entity shape of a full sync: the current state
// joined with the registry entry that owns it.
type SyncedEntity struct {
	EntityID    string                 `json:"entityId"`
	State       string                 `json:"state"`
	Attributes  map[string]interface{} `json:"attributes,omitempty"`
	DeviceID    string                 `json:"deviceId,omitempty"`
	AreaID      string                 `json:"areaId,omitempty"`
	LastChanged string                 `json:"lastChanged,omitempty"`
	LastUpdated string                 `json:"lastUpdated,omitempty"`
}

// DomainServices is one domain of the hub's service catalogue.
type DomainServices struct {
	Domain   string                 `json:"domain"`
	Services map[string]interface{} `json:"services"`
}

// FullSyncData is the complete topology snapshot sent to the cloud.
type FullSyncData struct {
	Areas    []Area           `json:"areas"`
	Devices  []Device         `json:"devices"`
	Entities []SyncedEntity   `json:"entities"`
	Services []DomainServices `json:"services"`
}

// StoredCredential is the persistent pairing secret. It is either absent or
// complete; partial records are never written.
type StoredCredential struct {
	BridgeID         string `json:"bridgeId"`
	BridgeCredential string `json:"bridgeCredential"`
	TenantID         string `json:"tenantId"`
	PairedAt         string `json:"pairedAt,omitempty"`
	CloudURL         string `json:"cloudUrl,omitempty"`
}

// Complete reports whether all identifying fields are present.
func (c StoredCredential) Complete() bool {
	return c.BridgeID != "" && c.BridgeCredential != "" && c.TenantID != ""
}
