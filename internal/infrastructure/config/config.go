package config

import (
	"os"
	"path/filepath"
	"strconv"
	"time"
)

// Config carries every recognized option of the proxy core. The GUI shell
// passes the same shape through the command interface; FromEnv exists for
// the standalone binary.
type Config struct {
	ListenAddr string
	APIAddr    string
	LogLevel   string

	MaxConnections int
	IdleTimeout    time.Duration
	ConnectTimeout time.Duration
	DrainTimeout   time.Duration

	// UpstreamProxy chains all outbound dials through host:port; empty
	// means direct.
	UpstreamProxy string
	InsecureTLS   bool

	// Retention for the in-memory traffic store.
	MaxExchanges       int
	MaxAge             time.Duration
	MaxFramesPerSocket int

	DecodeBodies bool
	BodyMaxBytes int

	// ProfileDir holds the persisted root certificate pair.
	ProfileDir string
	// CertCacheSize bounds the per-host leaf certificate cache.
	CertCacheSize int
}

func Default() Config {
	home, _ := os.UserHomeDir()
	return Config{
		ListenAddr:         ":8899",
		APIAddr:            "127.0.0.1:8898",
		LogLevel:           "info",
		MaxConnections:     512,
		IdleTimeout:        60 * time.Second,
		ConnectTimeout:     10 * time.Second,
		DrainTimeout:       10 * time.Second,
		MaxExchanges:       1000,
		MaxAge:             0,
		MaxFramesPerSocket: 10000,
		DecodeBodies:       true,
		BodyMaxBytes:       8 << 20,
		ProfileDir:         filepath.Join(home, ".ez-shark"),
		CertCacheSize:      256,
	}
}

func FromEnv() Config {
	cfg := Default()
	cfg.ListenAddr = getEnv("LISTEN_ADDR", cfg.ListenAddr)
	cfg.APIAddr = getEnv("API_ADDR", cfg.APIAddr)
	cfg.LogLevel = getEnv("LOG_LEVEL", cfg.LogLevel)
	cfg.MaxConnections = getEnvInt("MAX_CONNECTIONS", cfg.MaxConnections)
	cfg.IdleTimeout = getEnvDuration("IDLE_TIMEOUT", cfg.IdleTimeout)
	cfg.ConnectTimeout = getEnvDuration("CONNECT_TIMEOUT", cfg.ConnectTimeout)
	cfg.DrainTimeout = getEnvDuration("DRAIN_TIMEOUT", cfg.DrainTimeout)
	cfg.UpstreamProxy = getEnv("UPSTREAM_PROXY", cfg.UpstreamProxy)
	cfg.MaxExchanges = getEnvInt("MAX_EXCHANGES", cfg.MaxExchanges)
	cfg.MaxAge = getEnvDuration("MAX_AGE", cfg.MaxAge)
	cfg.MaxFramesPerSocket = getEnvInt("MAX_FRAMES_PER_SOCKET", cfg.MaxFramesPerSocket)
	cfg.BodyMaxBytes = getEnvInt("BODY_MAX_BYTES", cfg.BodyMaxBytes)
	cfg.ProfileDir = getEnv("PROFILE_DIR", cfg.ProfileDir)
	cfg.CertCacheSize = getEnvInt("CERT_CACHE_SIZE", cfg.CertCacheSize)
	if v := os.Getenv("DECODE_BODIES"); v == "0" || v == "false" {
		cfg.DecodeBodies = false
	}
	if v := os.Getenv("INSECURE_TLS"); v == "1" || v == "true" {
		cfg.InsecureTLS = true
	}
	return cfg
}

func getEnv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getEnvInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func getEnvDuration(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}
