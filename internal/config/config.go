// Package config loads process-wide configuration for the SSH gateway from
// the environment (and an optional .env file), with sane defaults. The
// result is treated as an effectively immutable, read-only value for the
// life of the process.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// SSH carries connector-level defaults: algorithms, timeouts, and which
// auth methods the server will attempt. AllowedAuthMethods, KnownHostsPath
// and RequireHostKeyVerification are loaded but not read by the terminal
// route, which takes the allowed methods from the ssh/policy settings group
// and the host-key settings from the ssh/connection settings group.
type SSH struct {
	Term                                 string
	Ciphers                              []string
	ReadyTimeout                         time.Duration
	KeepaliveInterval                    time.Duration
	KeepaliveCountMax                    int
	AlwaysSendKeyboardInteractivePrompts bool
	AllowedAuthMethods                   []string
	KnownHostsPath                       string
	RequireHostKeyVerification           bool
}

// Options toggles session-level behaviors. Reauth and reconnect are on by
// default; replay and auto-logging are off unless a deployment opts in.
type Options struct {
	AllowReplay    bool
	AllowReauth    bool
	AllowReconnect bool
	AutoLog        bool
}

// Session carries the cookie/session-bridge settings and the idle timeout
// enforced by the session state machine's liveness reaper.
type Session struct {
	Name      string
	Secret    string
	TimeoutMs int
}

// HTTP carries the CORS/origin allowlist consumed by the client event
// gateway's upgrade handshake.
type HTTP struct {
	Origins []string
}

// Config is the full process configuration.
type Config struct {
	// Server
	Port      int
	Env       string
	Version   string
	LogLevel  string
	LogFormat string

	// Redis (Asynq task queue)
	RedisAddr string

	SSH     SSH
	Options Options
	Session Session
	HTTP    HTTP
}

// Load reads a .env file (if present) and the process environment into a
// Config, applying defaults for anything unset.
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		Port:      getEnvAsInt("PORT", 8080),
		Env:       getEnv("ENV", "development"),
		Version:   getEnv("VERSION", "0.1.0"),
		LogLevel:  getEnv("LOG_LEVEL", "info"),
		LogFormat: getEnv("LOG_FORMAT", "json"),
		RedisAddr: parseRedisAddr(getEnv("REDIS_URL", "redis://localhost:6379")),

		SSH: SSH{
			Term:                                 getEnv("SSH_TERM", "xterm-256color"),
			Ciphers:                              getEnvAsSlice("SSH_CIPHERS", nil),
			ReadyTimeout:                         time.Duration(getEnvAsInt("SSH_READY_TIMEOUT_MS", 20000)) * time.Millisecond,
			KeepaliveInterval:                    time.Duration(getEnvAsInt("SSH_KEEPALIVE_INTERVAL_MS", 120000)) * time.Millisecond,
			KeepaliveCountMax:                    getEnvAsInt("SSH_KEEPALIVE_COUNT_MAX", 10),
			AlwaysSendKeyboardInteractivePrompts: getEnvAsBool("SSH_ALWAYS_SEND_KBDINT_PROMPTS", false),
			AllowedAuthMethods:                   getEnvAsSlice("SSH_ALLOWED_AUTH_METHODS", []string{"publickey", "password", "keyboard-interactive"}),
			KnownHostsPath:                       getEnv("SSH_KNOWN_HOSTS_PATH", ""),
			RequireHostKeyVerification:           getEnvAsBool("SSH_REQUIRE_HOST_KEY_VERIFICATION", false),
		},
		Options: Options{
			AllowReplay:    getEnvAsBool("OPTIONS_ALLOW_REPLAY", false),
			AllowReauth:    getEnvAsBool("OPTIONS_ALLOW_REAUTH", true),
			AllowReconnect: getEnvAsBool("OPTIONS_ALLOW_RECONNECT", true),
			AutoLog:        getEnvAsBool("OPTIONS_AUTO_LOG", false),
		},
		Session: Session{
			Name:      getEnv("SESSION_NAME", "gateway.sid"),
			Secret:    getEnv("SESSION_SECRET", ""),
			TimeoutMs: getEnvAsInt("SESSION_TIMEOUT_MS", 30*60*1000),
		},
		HTTP: HTTP{
			Origins: getEnvAsSlice("HTTP_ALLOWED_ORIGINS", []string{"http://localhost:5173"}),
		},
	}

	if cfg.Env == "production" && cfg.Session.Secret == "" {
		return nil, fmt.Errorf("SESSION_SECRET is required in production")
	}

	return cfg, nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	valueStr := getEnv(key, "")
	if value, err := strconv.Atoi(valueStr); err == nil {
		return value
	}
	return defaultValue
}

func getEnvAsBool(key string, defaultValue bool) bool {
	valueStr := getEnv(key, "")
	if value, err := strconv.ParseBool(valueStr); err == nil {
		return value
	}
	return defaultValue
}

func getEnvAsSlice(key string, defaultValue []string) []string {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return defaultValue
	}

	var result []string
	for _, part := range strings.Split(valueStr, ",") {
		part = strings.TrimSpace(part)
		if part != "" {
			result = append(result, part)
		}
	}
	return result
}

// parseRedisAddr extracts host:port from a Redis URL.
// Supports: redis://host:port, host:port, host
func parseRedisAddr(redisURL string) string {
	addr := strings.TrimPrefix(redisURL, "redis://")
	addr = strings.TrimPrefix(addr, "rediss://")
	addr = strings.TrimSuffix(addr, "/")

	if !strings.Contains(addr, ":") {
		addr = addr + ":6379"
	}
	return addr
}
