// Package config loads Wasmbed's process configuration from environment
// variables, following the 12-factor convention the platform's components
// all share: no config files, just env vars with sane defaults.
package config

import (
	"fmt"
	"reflect"
	"strconv"
	"time"

	"github.com/caarlos0/env/v6"
)

// parseSeconds parses the *_SECS environment variables: a bare integer is
// a second count ("90"), anything else goes through time.ParseDuration
// ("90s", "5m") so either spelling works.
func parseSeconds(v string) (interface{}, error) {
	if n, err := strconv.Atoi(v); err == nil {
		return time.Duration(n) * time.Second, nil
	}
	return time.ParseDuration(v)
}

var parserFuncs = map[reflect.Type]env.ParserFunc{
	reflect.TypeOf(time.Duration(0)): parseSeconds,
}

// OnOff parses the "on"/"off" vocabulary the PAIRING_MODE variable uses,
// rather than Go's bool-ish "true"/"false". It implements
// encoding.TextUnmarshaler so caarlos0/env binds it directly.
type OnOff bool

// UnmarshalText implements encoding.TextUnmarshaler.
func (o *OnOff) UnmarshalText(text []byte) error {
	switch string(text) {
	case "on":
		*o = true
	case "off", "":
		*o = false
	default:
		return fmt.Errorf("invalid on/off value %q", text)
	}
	return nil
}

// Bool reports the boolean value of o.
func (o OnOff) Bool() bool { return bool(o) }

// GatewayConfig configures one Gateway Server process.
type GatewayConfig struct {
	GatewayName string `env:"GATEWAY_NAME" envDefault:"gateway-default"`

	BindAddr      string `env:"BIND_ADDR" envDefault:"0.0.0.0:4420"`
	AdminBindAddr string `env:"ADMIN_BIND_ADDR" envDefault:"127.0.0.1:4421"`

	TLSCertPath     string `env:"TLS_CERT_PATH"`
	TLSKeyPath      string `env:"TLS_KEY_PATH"`
	TLSClientCAPath string `env:"TLS_CLIENT_CA_PATH"`

	LivenessWindow       time.Duration `env:"LIVENESS_WINDOW_SECS" envDefault:"90"`
	UnreachableThreshold time.Duration `env:"UNREACHABLE_THRESHOLD_SECS" envDefault:"300"`
	DrainDeadline        time.Duration `env:"DRAIN_DEADLINE_SECS" envDefault:"120"`
	RequestTimeout       time.Duration `env:"REQUEST_TIMEOUT_SECS" envDefault:"30"`
	DeployAckTimeout     time.Duration `env:"DEPLOY_ACK_TIMEOUT_SECS" envDefault:"60"`
	StopAckTimeout       time.Duration `env:"STOP_ACK_TIMEOUT_SECS" envDefault:"60"`

	MaxSessions int `env:"MAX_SESSIONS" envDefault:"1024"`
	ShardCount  int `env:"SHARD_COUNT" envDefault:"0"`

	PairingMode OnOff `env:"PAIRING_MODE" envDefault:"off"`

	LogLevel  string `env:"LOG_LEVEL" envDefault:"info"`
	LogFormat string `env:"LOG_FORMAT" envDefault:"json"`

	MetricsBindAddr string `env:"METRICS_BIND_ADDR" envDefault:"127.0.0.1:4422"`
}

// TLSEnabled reports whether TLS material was configured. When it is not,
// the Gateway Server logs a warning and serves plaintext TCP.
func (c GatewayConfig) TLSEnabled() bool {
	return c.TLSCertPath != "" && c.TLSKeyPath != ""
}

// ControllerManagerConfig configures the process hosting all three
// reconcilers.
type ControllerManagerConfig struct {
	ResyncInterval  time.Duration `env:"RESYNC_INTERVAL_SECS" envDefault:"30"`
	MaxInFlight     int           `env:"MAX_IN_FLIGHT" envDefault:"8"`
	StopDeadline    time.Duration `env:"STOP_DEADLINE_SECS" envDefault:"60"`
	WorkersPerCtrl  int           `env:"WORKERS_PER_CONTROLLER" envDefault:"4"`
	MetricsBindAddr string        `env:"METRICS_BIND_ADDR" envDefault:"127.0.0.1:4423"`

	LivenessWindow       time.Duration `env:"LIVENESS_WINDOW_SECS" envDefault:"90"`
	UnreachableThreshold time.Duration `env:"UNREACHABLE_THRESHOLD_SECS" envDefault:"300"`
	DrainDeadline        time.Duration `env:"DRAIN_DEADLINE_SECS" envDefault:"120"`
	RequestTimeout       time.Duration `env:"REQUEST_TIMEOUT_SECS" envDefault:"30"`
	DeployAckTimeout     time.Duration `env:"DEPLOY_ACK_TIMEOUT_SECS" envDefault:"60"`
	StopAckTimeout       time.Duration `env:"STOP_ACK_TIMEOUT_SECS" envDefault:"60"`

	MaxBackoff time.Duration `env:"MAX_RECONCILE_BACKOFF_SECS" envDefault:"60"`

	LogLevel  string `env:"LOG_LEVEL" envDefault:"info"`
	LogFormat string `env:"LOG_FORMAT" envDefault:"json"`
}

// LoadGateway parses a GatewayConfig from the process environment.
func LoadGateway() (*GatewayConfig, error) {
	cfg := GatewayConfig{}
	if err := env.ParseWithFuncs(&cfg, parserFuncs); err != nil {
		return nil, fmt.Errorf("parse gateway config: %w", err)
	}
	// Both set or both empty; one without the other is a misconfiguration
	// rather than the deliberate "TLS disabled" state.
	if (cfg.TLSCertPath == "") != (cfg.TLSKeyPath == "") {
		return nil, fmt.Errorf("TLS_CERT_PATH and TLS_KEY_PATH must both be set or both be empty")
	}
	return &cfg, nil
}

// LoadControllerManager parses a ControllerManagerConfig from the process
// environment.
func LoadControllerManager() (*ControllerManagerConfig, error) {
	cfg := ControllerManagerConfig{}
	if err := env.ParseWithFuncs(&cfg, parserFuncs); err != nil {
		return nil, fmt.Errorf("parse controller-manager config: %w", err)
	}
	return &cfg, nil
}
