// Command worker is the entry point for a single task-intake worker
// process: it wires configuration, logging, tracing, the plugin
// registry, the broker consumer, the flow-control reactor, and the task
// executor, then runs the intake loop until signalled to stop.
//
// Flags mirror the teacher's main.go flags+env idiom
// (flag.String(name, os.Getenv(...), usage)), generalized to the
// WORKER_* environment variables SPEC_FULL.md §6 lists.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/streamspace-dev/worker-core/internal/broker"
	"github.com/streamspace-dev/worker-core/internal/config"
	"github.com/streamspace-dev/worker-core/internal/executor"
	"github.com/streamspace-dev/worker-core/internal/logging"
	"github.com/streamspace-dev/worker-core/internal/plugins"
	"github.com/streamspace-dev/worker-core/internal/reactor"
	"github.com/streamspace-dev/worker-core/internal/rpcclient"
	"github.com/streamspace-dev/worker-core/internal/tasks"
	"github.com/streamspace-dev/worker-core/internal/tracing"
)

func main() {
	os.Exit(run())
}

// run returns the process exit code: 0 on a clean signalled shutdown, 1
// for invalid configuration (including a bad Redis URL), 2 on a plugin
// collection or RPC dial failure at startup or an error surfacing out of
// the intake loop. There is no flow selection: the binary always runs
// the queue intake loop, so no exit code is tied to a flow name.
func run() int {
	queue := flag.String("queue", os.Getenv("WORKER_QUEUE"), "broker queue name")
	redisURL := flag.String("redis-url", os.Getenv("WORKER_REDIS_URL"), "Redis connection URL")
	rpcHost := flag.String("rpc-host", os.Getenv("WORKER_RPC_HOST"), "parent supervisor RPC host")
	rpcPort := flag.Int("rpc-port", getEnvIntOrDefault("WORKER_RPC_PORT", 8000), "parent supervisor RPC port")
	rpcPath := flag.String("rpc-path", getEnvOrDefault("WORKER_RPC_PATH", "/RPC2"), "parent supervisor RPC path")
	logLevel := flag.String("log-level", getEnvOrDefault("WORKER_LOG_LEVEL", "info"), "log level")
	logPretty := flag.Bool("log-pretty", os.Getenv("WORKER_LOG_PRETTY") == "true", "pretty-print logs for local development")
	flag.Parse()

	logger := logging.Init("worker", *logLevel, *logPretty)

	cfg, err := config.FromEnv()
	if err != nil {
		logger.Error().Err(err).Msg("invalid configuration")
		return 1
	}
	if *queue != "" {
		cfg.Queue = *queue
	}
	if *redisURL != "" {
		cfg.RedisURL = *redisURL
	}
	if *rpcHost != "" {
		cfg.RPCServer.Host = *rpcHost
	}
	if *rpcPort != 0 {
		cfg.RPCServer.Port = *rpcPort
	}
	if *rpcPath != "" {
		cfg.RPCServer.Path = *rpcPath
	}
	if err := cfg.Validate(); err != nil {
		logger.Error().Err(err).Msg("invalid configuration")
		return 1
	}

	setProcessTitle(fmt.Sprintf("worker-core %s", cfg.Queue))

	registry := plugins.New(nil)
	if err := registry.Collect(plugins.CollectOptions{LoadBuiltins: true, LoadEnv: false, AdditionalDirs: cfg.PluginPaths}); err != nil {
		logger.Error().Err(err).Msg("plugin collection failed")
		return 2
	}
	logger.Info().Strs("plugins", registry.GetAllPluginNames()).Msg("plugins collected")

	rpcEndpoint := fmt.Sprintf("http://%s:%d%s", cfg.RPCServer.Host, cfg.RPCServer.Port, cfg.RPCServer.Path)
	rpcClient, err := rpcclient.Dial(rpcEndpoint)
	if err != nil {
		logger.Error().Err(err).Str("endpoint", rpcEndpoint).Msg("failed to dial parent supervisor RPC endpoint")
		return 2
	}

	react := reactor.New(rpcClient, nil, logger)
	exec := executor.New(tasks.Handlers(logger))
	tracer := tracing.New("worker-core")

	var redisClient *redis.Client
	if cfg.RedisURL != "" {
		opt, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			logger.Error().Err(err).Msg("invalid redis URL")
			return 1
		}
		redisClient = redis.NewClient(opt)
	} else {
		redisClient = redis.NewClient(&redis.Options{Addr: "localhost:6379"})
	}

	consumer := broker.New(broker.Config{
		Queue:               cfg.Queue,
		EntityServiceURL:    cfg.EntityServiceURL,
		DefaultSamplingRate: cfg.DefaultSamplingRate,
		CriticalChecks:      cfg.CriticalChecks,
		SamplingUpdateRate:  time.Duration(cfg.SamplingUpdateRateSeconds) * time.Second,
	}, redisClient, react, exec, tracer, nil, logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger.Info().
		Int("pid", os.Getpid()).
		Str("queue", cfg.Queue).
		Msg("starting worker")

	react.Start()
	defer react.Stop()

	if err := consumer.Run(ctx); err != nil && ctx.Err() == nil {
		logger.Error().Err(err).Msg("exception in start_worker")
		return 2
	}

	logger.Warn().Msg("caught shutdown signal: finishing")
	return 0
}

func getEnvOrDefault(key, defaultValue string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultValue
}

func getEnvIntOrDefault(key string, defaultValue int) int {
	if v := os.Getenv(key); v != "" {
		var n int
		if _, err := fmt.Sscanf(v, "%d", &n); err == nil {
			return n
		}
	}
	return defaultValue
}

// setProcessTitle copies title into a byte-slice copy of argv[0]; the
// original argv memory is not written, so the process title seen in `ps`
// is left unchanged. No pack example wires a process-title library
// (setproctitle has no widely-used Go equivalent in the corpus) — see
// DESIGN.md.
func setProcessTitle(title string) {
	if len(os.Args) == 0 {
		return
	}
	n := copy([]byte(os.Args[0]), title)
	_ = n
}
