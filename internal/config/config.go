package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/pelletier/go-toml/v2"
)

// Config represents the application configuration sourced from the
// environment and an optional TOML file named by CONFIG_FILE.
type Config struct {
	AppName          string
	ListenAddr       string
	DocumentName     string
	DocumentRouting  bool
	MetricsAddr      string
	LogLevel         string
	ShutdownTimeout  time.Duration
	HealthcheckProbe time.Duration
	OTLPEndpoint     string

	HeartbeatInterval  time.Duration
	HeartbeatTolerance int
	SendBuffer         int
	WriteTimeout       time.Duration
	MaxMessageBytes    int64
	LoopBuffer         int

	PostgresURL     string
	RedisAddr       string
	RedisPassword   string
	RedisDB         int
	ObjectEndpoint  string
	ObjectRegion    string
	ObjectBucket    string
	ObjectAccessKey string
	ObjectSecretKey string
	ObjectUseSSL    bool

	SnapshotInterval  time.Duration
	SnapshotThreshold int
}

// Load reads configuration while applying defaults for a single in-memory
// shared note. Environment variables win over the file, the file wins over
// defaults.
func Load() (Config, error) {
	src, err := newSource(os.Getenv("CONFIG_FILE"))
	if err != nil {
		return Config{}, err
	}

	cfg := Config{
		AppName:          src.getEnv("APP_NAME", "shared-note"),
		ListenAddr:       src.getEnv("LISTEN_ADDR", "0.0.0.0:1234"),
		DocumentName:     src.getEnv("DOCUMENT_NAME", "shared-note"),
		DocumentRouting:  src.getBool("DOCUMENT_ROUTING", false),
		MetricsAddr:      src.getEnv("METRICS_LISTEN_ADDR", ":9090"),
		LogLevel:         src.getEnv("LOG_LEVEL", "info"),
		ShutdownTimeout:  src.getDuration("SHUTDOWN_TIMEOUT", 10*time.Second),
		HealthcheckProbe: src.getDuration("HEALTHCHECK_INTERVAL", 30*time.Second),
		OTLPEndpoint:     src.getEnv("OTEL_EXPORTER_OTLP_ENDPOINT", ""),

		HeartbeatInterval:  src.getDuration("HEARTBEAT_INTERVAL", 30*time.Second),
		HeartbeatTolerance: src.getInt("HEARTBEAT_TOLERANCE", 2),
		SendBuffer:         src.getInt("SEND_BUFFER", 256),
		WriteTimeout:       src.getDuration("WRITE_TIMEOUT", 5*time.Second),
		MaxMessageBytes:    int64(src.getInt("MAX_MESSAGE_BYTES", 1<<20)),
		LoopBuffer:         src.getInt("LOOP_BUFFER", 1024),

		PostgresURL:     src.getEnv("POSTGRES_URL", ""),
		RedisAddr:       src.getEnv("REDIS_ADDR", ""),
		RedisPassword:   src.getEnv("REDIS_PASSWORD", ""),
		RedisDB:         src.getInt("REDIS_DB", 0),
		ObjectEndpoint:  src.getEnv("OBJECT_ENDPOINT", ""),
		ObjectRegion:    src.getEnv("OBJECT_REGION", "us-east-1"),
		ObjectBucket:    src.getEnv("OBJECT_BUCKET", "shared-note"),
		ObjectAccessKey: src.getEnv("OBJECT_ACCESS_KEY", ""),
		ObjectSecretKey: src.getEnv("OBJECT_SECRET_KEY", ""),
		ObjectUseSSL:    src.getBool("OBJECT_USE_SSL", false),

		SnapshotInterval:  src.getDuration("SNAPSHOT_INTERVAL", 15*time.Second),
		SnapshotThreshold: src.getInt("SNAPSHOT_THRESHOLD", 500),
	}

	if cfg.ObjectEndpoint != "" && (cfg.ObjectAccessKey == "" || cfg.ObjectSecretKey == "") {
		return Config{}, fmt.Errorf("object storage credentials must be provided")
	}
	if cfg.SendBuffer <= 0 || cfg.LoopBuffer <= 0 {
		return Config{}, fmt.Errorf("send and loop buffers must be positive")
	}
	if cfg.MaxMessageBytes <= 0 {
		return Config{}, fmt.Errorf("max message bytes must be positive")
	}
	if cfg.DocumentName == "" {
		return Config{}, fmt.Errorf("document name must not be empty")
	}

	return cfg, nil
}

// source resolves a key from the environment first, then the config file.
type source struct {
	file map[string]any
}

func newSource(path string) (source, error) {
	if path == "" {
		return source{}, nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return source{}, fmt.Errorf("read config file: %w", err)
	}
	values := make(map[string]any)
	if err := toml.Unmarshal(raw, &values); err != nil {
		return source{}, fmt.Errorf("parse config file %s: %w", path, err)
	}
	return source{file: values}, nil
}

func (s source) lookup(key string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	if v, ok := s.file[strings.ToLower(key)]; ok {
		return fmt.Sprint(v)
	}
	return ""
}

func (s source) getEnv(key, fallback string) string {
	if value := s.lookup(key); value != "" {
		return value
	}
	return fallback
}

func (s source) getInt(key string, fallback int) int {
	raw := s.lookup(key)
	if raw == "" {
		return fallback
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return fallback
	}
	return v
}

func (s source) getBool(key string, fallback bool) bool {
	raw := s.lookup(key)
	if raw == "" {
		return fallback
	}
	v, err := strconv.ParseBool(raw)
	if err != nil {
		return fallback
	}
	return v
}

func (s source) getDuration(key string, fallback time.Duration) time.Duration {
	raw := s.lookup(key)
	if raw == "" {
		return fallback
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return fallback
	}
	return d
}
