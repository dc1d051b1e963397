package config

import (
	"strings"
	"testing"
)

func TestHubURLPrecedence(t *testing.T) {
	tests := []struct {
		name          string
		haURL         string
		supervisorURL string
		want          string
	}{
		{
			name:          "HA_URL wins",
			haURL:         "http://homeassistant.local:8123",
			supervisorURL: "http://supervisor/core",
			want:          "http://homeassistant.local:8123",
		},
		{
			name:          "falls back to supervisor",
			haURL:         "",
			supervisorURL: "http://supervisor/core",
			want:          "http://supervisor/core",
		},
		{
			name:          "trailing slash trimmed",
			haURL:         "http://homeassistant.local:8123/",
			supervisorURL: "",
			want:          "http://homeassistant.local:8123",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			Config.HaURL = tt.haURL
			Config.SupervisorURL = tt.supervisorURL
			if got := HubURL(); got != tt.want {
				t.Errorf("HubURL() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestHubTokenPrecedence(t *testing.T) {
	Config.HaToken = "ha-token"
	Config.SupervisorToken = "supervisor-token"
	if got := HubToken(); got != "ha-token" {
		t.Errorf("HubToken() = %q, want ha-token", got)
	}

	Config.HaToken = ""
	if got := HubToken(); got != "supervisor-token" {
		t.Errorf("HubToken() = %q, want supervisor-token", got)
	}
}

func TestGenerateBridgeID(t *testing.T) {
	seen := map[string]bool{}
	for i := 0; i < 100; i++ {
		id := GenerateBridgeID()
		if !strings.HasPrefix(id, "helm-bridge-") {
			t.Fatalf("GenerateBridgeID() = %q, want helm-bridge- prefix", id)
		}
		suffix := strings.TrimPrefix(id, "helm-bridge-")
		if len(suffix) != 8 {
			t.Fatalf("GenerateBridgeID() suffix %q has length %d, want 8", suffix, len(suffix))
		}
		for _, r := range suffix {
			if !(r >= '0' && r <= '9' || r >= 'a' && r <= 'z') {
				t.Fatalf("GenerateBridgeID() suffix %q contains %q", suffix, r)
			}
		}
		if seen[id] {
			t.Fatalf("GenerateBridgeID() returned duplicate %q", id)
		}
		seen[id] = true
	}
}

func TestResolveBridgeIDPersists(t *testing.T) {
	Config.BridgeID = ""
	Config.CredentialPath = t.TempDir() + "/credentials.json"

	first := ResolveBridgeID()
	second := ResolveBridgeID()
	if first != second {
		t.Errorf("ResolveBridgeID() not stable across calls: %q then %q", first, second)
	}

	Config.BridgeID = "helm-bridge-pinned01"
	if got := ResolveBridgeID(); got != "helm-bridge-pinned01" {
		t.Errorf("ResolveBridgeID() = %q, want env override", got)
	}
	Config.BridgeID = ""
}
