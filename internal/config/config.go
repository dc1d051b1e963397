package config

import (
	"log"
	"os"
	"path/filepath"
	"strings"

	"github.com/caarlos0/env/v6"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

var Config = struct {
	LogLevel string `env:"LOG_LEVEL" envDefault:"info"`

	// Hub settings. HA_URL/HA_TOKEN win over the supervisor variants.
	HaURL           string `env:"HA_URL"`
	SupervisorURL   string `env:"SUPERVISOR_URL" envDefault:"http://supervisor/core"`
	HaToken         string `env:"HA_TOKEN"`
	SupervisorToken string `env:"SUPERVISOR_TOKEN"`

	// Cloud settings.
	CloudURL       string `env:"CLOUD_URL" envDefault:"https://helm.replit.app"`
	BridgeID       string `env:"BRIDGE_ID"`
	CredentialPath string `env:"CREDENTIAL_PATH" envDefault:"/data/credentials.json"`

	HealthPort        int `env:"HEALTH_PORT" envDefault:"8099"`
	HeartbeatInterval int `env:"HEARTBEAT_INTERVAL" envDefault:"60"` // seconds

	// NTP settings.
	NTPEnabled      bool     `env:"NTP_ENABLED" envDefault:"false"`
	NTPServers      []string `env:"NTP_SERVERS"`
	NTPSyncInterval int      `env:"NTP_SYNC_INTERVAL" envDefault:"300"` // seconds
	NTPQueryTimeout int      `env:"NTP_QUERY_TIMEOUT" envDefault:"5"`   // seconds
}{}

func LoadConfig() {
	if err := env.Parse(&Config); err != nil {
		log.Fatalf("config parsing failed: %v\n", err)
	}

	level, err := logrus.ParseLevel(strings.ToLower(Config.LogLevel))
	if err != nil {
		log.Printf("Invalid LOG_LEVEL '%s', using default 'info'. Valid levels: panic, fatal, error, warn, info, debug, trace", Config.LogLevel)
		level = logrus.InfoLevel
	}
	logrus.SetLevel(level)
}

// HubURL returns the effective hub base URL without a trailing slash.
func HubURL() string {
	url := Config.HaURL
	if url == "" {
		url = Config.SupervisorURL
	}
	return strings.TrimRight(url, "/")
}

// HubToken returns the effective hub bearer token. An empty token is a fatal
// configuration error; the orchestrator enforces that at startup.
func HubToken() string {
	if Config.HaToken != "" {
		return Config.HaToken
	}
	return Config.SupervisorToken
}

// CloudBaseURL returns the cloud base URL without a trailing slash.
func CloudBaseURL() string {
	return strings.TrimRight(Config.CloudURL, "/")
}

// ResolveBridgeID returns the stable bridge identifier. Precedence:
// BRIDGE_ID env, the persisted id next to the credential file, a freshly
// generated one (persisted best-effort).
func ResolveBridgeID() string {
	log := logrus.WithField("prefix", "config.ResolveBridgeID")
	if Config.BridgeID != "" {
		return Config.BridgeID
	}

	idPath := filepath.Join(filepath.Dir(Config.CredentialPath), "bridge-id")
	if data, err := os.ReadFile(idPath); err == nil {
		id := strings.TrimSpace(string(data))
		if id != "" {
			return id
		}
	}

	id := GenerateBridgeID()
	if err := os.MkdirAll(filepath.Dir(idPath), 0o700); err == nil {
		if err := os.WriteFile(idPath, []byte(id+"\n"), 0o600); err != nil {
			log.Warnf("failed to persist bridge id: %v", err)
		}
	} else {
		log.Warnf("failed to create bridge id directory: %v", err)
	}
	log.Infof("generated bridge id %s", id)
	return id
}

// GenerateBridgeID mints a new identifier of the form
// helm-bridge-<8 lowercase alnum>.
func GenerateBridgeID() string {
	suffix := strings.ReplaceAll(uuid.New().String(), "-", "")[:8]
	return "helm-bridge-" + suffix
}
