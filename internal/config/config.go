// Package config holds worker process configuration: queue name, RPC
// server coordinates, sampling defaults and plugin search paths.
//
// Grounded on the teacher's internal/config/config.go: a plain struct
// with a Validate() method that fills in defaults and returns sentinel
// errors from a shared error package, rather than a third-party config
// loader. No example repo in the pack wires something like viper into an
// agent/worker binary (the one viper import in the pack, firestige-Otus,
// belongs to an unrelated service lineage), so this stays on the
// teacher's own flags+env idiom.
package config

import (
	"os"
	"strconv"
	"strings"

	"github.com/streamspace-dev/worker-core/internal/workerrors"
)

// RPCServerConfig is the parent supervisor's RPC coordinates
// (spec.md §6: RPC_SERVER_CONF.{HOST,PORT,RPC_PATH}).
type RPCServerConfig struct {
	Host string
	Port int
	Path string
}

// WorkerConfig is the full set of knobs the worker binary accepts, via
// flags or environment variables (cmd/worker wires both, the same way
// the teacher's main.go layers flag.String over getEnvOrDefault).
type WorkerConfig struct {
	// Queue is the broker list key to consume from.
	Queue string

	// RedisURL is the broker connection string, e.g. redis://host:6379/0.
	RedisURL string

	RPCServer RPCServerConfig

	// EntityServiceURL is the base URL used to refresh sampling config,
	// e.g. https://entities.example.com (spec.md's zmon.url).
	EntityServiceURL string

	// DefaultSamplingRate is zmon.sampling.rate, 0-100.
	DefaultSamplingRate int

	// CriticalChecks is zmon.critical.checks.
	CriticalChecks []string

	// SamplingUpdateRateSeconds is zmon.sampling.update.rate.
	SamplingUpdateRateSeconds int

	// EventlogHost/Port/HTTP mirror eventlog.host/eventlog.port/eventlog.http.
	EventlogHost string
	EventlogPort int
	EventlogHTTP bool

	// PluginPaths are the plugin manifest search directories, read by
	// FromEnv from WORKER_PLUGIN_PATH (the ZMON_PLUGINS equivalent).
	PluginPaths []string
}

// Validate fills in defaults and rejects configurations missing a
// required field. Mirrors the teacher's Validate(): defaults are applied
// in place, required fields produce sentinel errors.
func (c *WorkerConfig) Validate() error {
	if c.Queue == "" {
		c.Queue = "worker:queue:default"
	}

	if c.RPCServer.Host == "" {
		return workerrors.ErrMissingRPCHost
	}
	if c.RPCServer.Path == "" {
		return workerrors.ErrMissingRPCPath
	}
	if c.RPCServer.Port == 0 {
		c.RPCServer.Port = 8000
	}

	if c.DefaultSamplingRate == 0 {
		c.DefaultSamplingRate = 100
	}
	if c.DefaultSamplingRate < 0 || c.DefaultSamplingRate > 100 {
		return workerrors.ErrInvalidSamplingRate
	}

	if c.SamplingUpdateRateSeconds <= 0 {
		c.SamplingUpdateRateSeconds = 60
	}

	if c.EventlogPort == 0 {
		c.EventlogPort = 8081
	}
	if c.EventlogHost == "" {
		c.EventlogHost = "localhost"
	}

	return nil
}

// FromEnv builds a WorkerConfig from the WORKER_* environment variables
// listed in SPEC_FULL.md §6, applying Validate()'s defaults afterward.
func FromEnv() (*WorkerConfig, error) {
	cfg := &WorkerConfig{
		Queue:            os.Getenv("WORKER_QUEUE"),
		RedisURL:         os.Getenv("WORKER_REDIS_URL"),
		EntityServiceURL: os.Getenv("WORKER_ENTITY_SERVICE_URL"),
		RPCServer: RPCServerConfig{
			Host: os.Getenv("WORKER_RPC_HOST"),
			Path: os.Getenv("WORKER_RPC_PATH"),
		},
		EventlogHost: os.Getenv("WORKER_EVENTLOG_HOST"),
	}

	if v := os.Getenv("WORKER_RPC_PORT"); v != "" {
		if p, err := strconv.Atoi(v); err == nil {
			cfg.RPCServer.Port = p
		}
	}
	if v := os.Getenv("WORKER_SAMPLING_RATE"); v != "" {
		if r, err := strconv.Atoi(v); err == nil {
			cfg.DefaultSamplingRate = r
		}
	}
	if v := os.Getenv("WORKER_CRITICAL_CHECKS"); v != "" {
		cfg.CriticalChecks = strings.Split(strings.ReplaceAll(v, " ", ""), ",")
	}
	if v := os.Getenv("WORKER_SAMPLING_UPDATE_RATE"); v != "" {
		if r, err := strconv.Atoi(v); err == nil {
			cfg.SamplingUpdateRateSeconds = r
		}
	}
	if v := os.Getenv("WORKER_EVENTLOG_PORT"); v != "" {
		if p, err := strconv.Atoi(v); err == nil {
			cfg.EventlogPort = p
		}
	}
	if v := os.Getenv("WORKER_EVENTLOG_HTTP"); v != "" {
		cfg.EventlogHTTP = v == "true" || v == "1"
	}
	if v := os.Getenv("WORKER_PLUGIN_PATH"); v != "" {
		cfg.PluginPaths = strings.Split(v, ":")
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}
