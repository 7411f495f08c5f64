package config

import (
	"os"
	"testing"

	"github.com/streamspace-dev/worker-core/internal/workerrors"
)

// TestWorkerConfig_Validate tests the Validate method
func TestWorkerConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		config  *WorkerConfig
		wantErr error
	}{
		{
			name: "valid config with all fields",
			config: &WorkerConfig{
				Queue:                     "worker:queue:critical",
				RedisURL:                  "redis://localhost:6379/0",
				RPCServer:                 RPCServerConfig{Host: "localhost", Port: 9000, Path: "/RPC2"},
				EntityServiceURL:          "https://entities.example.com",
				DefaultSamplingRate:       50,
				CriticalChecks:            []string{"1", "2"},
				SamplingUpdateRateSeconds: 30,
				EventlogHost:              "eventlog.example.com",
				EventlogPort:              9100,
			},
			wantErr: nil,
		},
		{
			name: "valid config with minimal fields",
			config: &WorkerConfig{
				RPCServer: RPCServerConfig{Host: "localhost", Path: "/RPC2"},
			},
			wantErr: nil,
		},
		{
			name:    "missing RPC host",
			config:  &WorkerConfig{RPCServer: RPCServerConfig{Path: "/RPC2"}},
			wantErr: workerrors.ErrMissingRPCHost,
		},
		{
			name:    "missing RPC path",
			config:  &WorkerConfig{RPCServer: RPCServerConfig{Host: "localhost"}},
			wantErr: workerrors.ErrMissingRPCPath,
		},
		{
			name: "sampling rate out of range",
			config: &WorkerConfig{
				RPCServer:           RPCServerConfig{Host: "localhost", Path: "/RPC2"},
				DefaultSamplingRate: 150,
			},
			wantErr: workerrors.ErrInvalidSamplingRate,
		},
		{
			name: "negative sampling rate",
			config: &WorkerConfig{
				RPCServer:           RPCServerConfig{Host: "localhost", Path: "/RPC2"},
				DefaultSamplingRate: -1,
			},
			wantErr: workerrors.ErrInvalidSamplingRate,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.config.Validate()

			if tt.wantErr != nil {
				if err == nil {
					t.Errorf("Validate() error = nil, wantErr %v", tt.wantErr)
					return
				}
				if err != tt.wantErr {
					t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
				}
				return
			}

			if err != nil {
				t.Errorf("Validate() unexpected error = %v", err)
			}
		})
	}
}

// TestWorkerConfig_Validate_Defaults tests that Validate sets default values
func TestWorkerConfig_Validate_Defaults(t *testing.T) {
	config := &WorkerConfig{
		RPCServer: RPCServerConfig{Host: "localhost", Path: "/RPC2"},
	}

	err := config.Validate()
	if err != nil {
		t.Fatalf("Validate() unexpected error = %v", err)
	}

	if config.Queue != "worker:queue:default" {
		t.Errorf("Queue = %s, want worker:queue:default", config.Queue)
	}

	if config.RPCServer.Port != 8000 {
		t.Errorf("RPCServer.Port = %d, want 8000", config.RPCServer.Port)
	}

	if config.DefaultSamplingRate != 100 {
		t.Errorf("DefaultSamplingRate = %d, want 100", config.DefaultSamplingRate)
	}

	if config.SamplingUpdateRateSeconds != 60 {
		t.Errorf("SamplingUpdateRateSeconds = %d, want 60", config.SamplingUpdateRateSeconds)
	}

	if config.EventlogPort != 8081 {
		t.Errorf("EventlogPort = %d, want 8081", config.EventlogPort)
	}

	if config.EventlogHost != "localhost" {
		t.Errorf("EventlogHost = %s, want localhost", config.EventlogHost)
	}
}

// TestWorkerConfig_Validate_CustomValues tests that custom values are preserved
func TestWorkerConfig_Validate_CustomValues(t *testing.T) {
	config := &WorkerConfig{
		Queue:                     "worker:queue:custom",
		RPCServer:                 RPCServerConfig{Host: "rpc.example.com", Port: 9999, Path: "/custom"},
		DefaultSamplingRate:       25,
		SamplingUpdateRateSeconds: 120,
		EventlogHost:              "logs.example.com",
		EventlogPort:              7000,
	}

	err := config.Validate()
	if err != nil {
		t.Fatalf("Validate() unexpected error = %v", err)
	}

	if config.Queue != "worker:queue:custom" {
		t.Errorf("Queue = %s, want worker:queue:custom", config.Queue)
	}

	if config.RPCServer.Port != 9999 {
		t.Errorf("RPCServer.Port = %d, want 9999", config.RPCServer.Port)
	}

	if config.DefaultSamplingRate != 25 {
		t.Errorf("DefaultSamplingRate = %d, want 25", config.DefaultSamplingRate)
	}

	if config.SamplingUpdateRateSeconds != 120 {
		t.Errorf("SamplingUpdateRateSeconds = %d, want 120", config.SamplingUpdateRateSeconds)
	}

	if config.EventlogHost != "logs.example.com" {
		t.Errorf("EventlogHost = %s, want logs.example.com", config.EventlogHost)
	}

	if config.EventlogPort != 7000 {
		t.Errorf("EventlogPort = %d, want 7000", config.EventlogPort)
	}
}

// TestFromEnv tests that FromEnv reads the WORKER_* environment variables.
func TestFromEnv(t *testing.T) {
	t.Setenv("WORKER_QUEUE", "worker:queue:env")
	t.Setenv("WORKER_RPC_HOST", "rpc.internal")
	t.Setenv("WORKER_RPC_PORT", "9100")
	t.Setenv("WORKER_RPC_PATH", "/RPC2")
	t.Setenv("WORKER_SAMPLING_RATE", "40")
	t.Setenv("WORKER_CRITICAL_CHECKS", "1, 2, 3")
	t.Setenv("WORKER_SAMPLING_UPDATE_RATE", "45")
	t.Setenv("WORKER_EVENTLOG_PORT", "9200")
	t.Setenv("WORKER_EVENTLOG_HTTP", "true")
	t.Setenv("WORKER_PLUGIN_PATH", "/etc/worker/plugins:/opt/plugins")

	cfg, err := FromEnv()
	if err != nil {
		t.Fatalf("FromEnv() unexpected error = %v", err)
	}

	if cfg.Queue != "worker:queue:env" {
		t.Errorf("Queue = %s, want worker:queue:env", cfg.Queue)
	}
	if cfg.RPCServer.Host != "rpc.internal" {
		t.Errorf("RPCServer.Host = %s, want rpc.internal", cfg.RPCServer.Host)
	}
	if cfg.RPCServer.Port != 9100 {
		t.Errorf("RPCServer.Port = %d, want 9100", cfg.RPCServer.Port)
	}
	if cfg.DefaultSamplingRate != 40 {
		t.Errorf("DefaultSamplingRate = %d, want 40", cfg.DefaultSamplingRate)
	}
	if len(cfg.CriticalChecks) != 3 || cfg.CriticalChecks[0] != "1" {
		t.Errorf("CriticalChecks = %v, want [1 2 3]", cfg.CriticalChecks)
	}
	if cfg.SamplingUpdateRateSeconds != 45 {
		t.Errorf("SamplingUpdateRateSeconds = %d, want 45", cfg.SamplingUpdateRateSeconds)
	}
	if cfg.EventlogPort != 9200 {
		t.Errorf("EventlogPort = %d, want 9200", cfg.EventlogPort)
	}
	if !cfg.EventlogHTTP {
		t.Errorf("EventlogHTTP = false, want true")
	}
	if len(cfg.PluginPaths) != 2 || cfg.PluginPaths[1] != "/opt/plugins" {
		t.Errorf("PluginPaths = %v, want [/etc/worker/plugins /opt/plugins]", cfg.PluginPaths)
	}
}

// TestFromEnv_MissingRPCHost verifies FromEnv surfaces Validate's error.
func TestFromEnv_MissingRPCHost(t *testing.T) {
	os.Unsetenv("WORKER_RPC_HOST")
	t.Setenv("WORKER_RPC_PATH", "/RPC2")

	_, err := FromEnv()
	if err != workerrors.ErrMissingRPCHost {
		t.Errorf("FromEnv() error = %v, want %v", err, workerrors.ErrMissingRPCHost)
	}
}
