package config

import (
	"log"

	"github.com/kelseyhightower/envconfig"
)

type Settings struct {
	ListenAddr string `envconfig:"LISTEN_ADDR" default:":8000"`
	LogPath    string `envconfig:"LOG_PATH" default:"/app/data/bastion.log"`

	// Backend the gateway consumes: session status/control REST endpoints
	// and the monitoring broadcast WebSocket.
	APIBaseURL   string `envconfig:"API_BASE_URL" default:"http://localhost:8080"`
	APIToken     string `envconfig:"API_TOKEN" default:""`
	MonitorWSURL string `envconfig:"MONITOR_WS_URL" default:"ws://localhost:8080/api/v1/ws/monitor"`

	// Recording file store (external collaborator, mounted read-only).
	RecordingDir string `envconfig:"RECORDING_DIR" default:"/app/data/recordings"`

	// Cron spec for the authoritative active-session resync.
	RegistryResyncSpec string `envconfig:"REGISTRY_RESYNC_SPEC" default:"@every 1m"`

	// Optional YAML file with terminal tuning overrides (see tuning.go).
	TerminalTuningFile string `envconfig:"TERMINAL_TUNING_FILE" default:""`
}

var Cfg Settings

func Load() {
	if err := envconfig.Process("BASTION", &Cfg); err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
}
