// Package config loads process configuration from the environment, in the
// same getEnv-with-default style the rest of the invulnerable stack uses.
package config

import (
	"fmt"
	"os"
	"strconv"
)

// Config holds every tunable the orchestrator core needs.
type Config struct {
	Server   ServerConfig
	Registry RegistryConfig
	Queue    QueueConfig
	Worker   WorkerConfig
	Engine   EngineConfig
	Notifier NotifierConfig
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Port string
}

// RegistryConfig bounds the in-memory scan registry.
type RegistryConfig struct {
	MaxEntries      int
	MaxVulnsPerScan int
}

// QueueConfig bounds the FIFO job queue and its concurrency gate.
type QueueConfig struct {
	MaxQueued     int
	MaxConcurrent int
	RetryAfterSec int
}

// WorkerConfig bounds how the worker manager supervises engine children.
type WorkerConfig struct {
	TimeoutMs       int
	ShutdownGraceMs int
	MemLimitMB      int
}

// EngineConfig bounds the clone/scan/parse pipeline run inside a child.
type EngineConfig struct {
	CloneBin       string
	ScanBin        string
	CloneTimeoutMs int
	ScanTimeoutMs  int
	BatchSize      int
	MaxOutputBytes int64
}

// NotifierConfig holds outbound webhook settings.
type NotifierConfig struct {
	TimeoutMs int
}

// LoadFromEnv loads configuration from environment variables, falling back
// to the compile-time defaults spec.md §6 names. It fails fast if
// REGISTRY_MAX_ENTRIES, QUEUE_MAX_SIZE, QUEUE_MAX_CONCURRENT or
// WORKER_TIMEOUT_MS is not positive or CLONE_BIN/SCAN_BIN is empty; other
// settings are not range-checked, and an unparsable integer falls back to
// its default.
func LoadFromEnv() (*Config, error) {
	cfg := &Config{
		Server: ServerConfig{
			Port: getEnv("PORT", "8080"),
		},
		Registry: RegistryConfig{
			MaxEntries:      getEnvInt("REGISTRY_MAX_ENTRIES", 50),
			MaxVulnsPerScan: getEnvInt("REGISTRY_MAX_VULNS_PER_SCAN", 10_000),
		},
		Queue: QueueConfig{
			MaxQueued:     getEnvInt("QUEUE_MAX_SIZE", 100),
			MaxConcurrent: getEnvInt("QUEUE_MAX_CONCURRENT", 4),
			RetryAfterSec: getEnvInt("RETRY_AFTER_SECONDS", 30),
		},
		Worker: WorkerConfig{
			TimeoutMs:       getEnvInt("WORKER_TIMEOUT_MS", 480_000),
			ShutdownGraceMs: getEnvInt("WORKER_SHUTDOWN_GRACE_MS", 5_000),
			MemLimitMB:      getEnvInt("WORKER_MEM_LIMIT_MB", 150),
		},
		Engine: EngineConfig{
			CloneBin:       getEnv("CLONE_BIN", "git"),
			ScanBin:        getEnv("SCAN_BIN", "trivy"),
			CloneTimeoutMs: getEnvInt("CLONE_TIMEOUT_MS", 120_000),
			ScanTimeoutMs:  getEnvInt("SCAN_TIMEOUT_MS", 300_000),
			BatchSize:      getEnvInt("VULN_BATCH_SIZE", 50),
			MaxOutputBytes: int64(getEnvInt("EXEC_MAX_BUFFER_MB", 10)) * 1024 * 1024,
		},
		Notifier: NotifierConfig{
			TimeoutMs: getEnvInt("NOTIFIER_TIMEOUT_MS", 5_000),
		},
	}

	if cfg.Registry.MaxEntries <= 0 {
		return nil, fmt.Errorf("REGISTRY_MAX_ENTRIES must be positive")
	}
	if cfg.Queue.MaxQueued <= 0 {
		return nil, fmt.Errorf("QUEUE_MAX_SIZE must be positive")
	}
	if cfg.Queue.MaxConcurrent <= 0 {
		return nil, fmt.Errorf("QUEUE_MAX_CONCURRENT must be positive")
	}
	if cfg.Worker.TimeoutMs <= 0 {
		return nil, fmt.Errorf("WORKER_TIMEOUT_MS must be positive")
	}
	if cfg.Engine.CloneBin == "" {
		return nil, fmt.Errorf("CLONE_BIN must not be empty")
	}
	if cfg.Engine.ScanBin == "" {
		return nil, fmt.Errorf("SCAN_BIN must not be empty")
	}

	return cfg, nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	n, err := strconv.Atoi(value)
	if err != nil {
		return defaultValue
	}
	return n
}
