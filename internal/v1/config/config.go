// Package config loads the layered server configuration: built-in defaults,
// then an optional JSON file (SIGNAL_FISH_CONFIG_PATH or the literal
// SIGNAL_FISH_CONFIG_JSON), then SIGNAL_FISH__SECTION__FIELD environment
// overrides. A broken config source never aborts startup; the loader logs a
// warning and keeps the previous layer.
package config

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/Ambiguous-Interactive/signal-fish-server/internal/v1/logging"
	"go.uber.org/zap"
)

// Config is the root configuration snapshot handed to the rest of the server.
type Config struct {
	Port      uint16          `json:"port"`
	Server    ServerConfig    `json:"server"`
	Protocol  ProtocolConfig  `json:"protocol"`
	RateLimit RateLimitConfig `json:"rate_limit"`
	Security  SecurityConfig  `json:"security"`
	Logging   LoggingConfig   `json:"logging"`
}

// ServerConfig holds room lifecycle and reconnection tuning.
type ServerConfig struct {
	DefaultMaxPlayers     int    `json:"default_max_players"`
	PingTimeout           int64  `json:"ping_timeout"`
	RoomCleanupInterval   int64  `json:"room_cleanup_interval"`
	MaxRoomsPerGame       int    `json:"max_rooms_per_game"`
	EmptyRoomTimeout      int64  `json:"empty_room_timeout"`
	InactiveRoomTimeout   int64  `json:"inactive_room_timeout"`
	ReconnectionWindow    int64  `json:"reconnection_window"`
	EventBufferSize       int    `json:"event_buffer_size"`
	EnableReconnection    bool   `json:"enable_reconnection"`
	HeartbeatThrottleSecs int64  `json:"heartbeat_throttle_secs"`
	OutboundQueueSize     int    `json:"outbound_queue_size"`
	RegionID              string `json:"region_id"`
	RoomCodePrefix        string `json:"room_code_prefix"`
}

// ProtocolConfig bounds the values clients may send in JoinRoom.
type ProtocolConfig struct {
	MaxGameNameLength   int `json:"max_game_name_length"`
	RoomCodeLength      int `json:"room_code_length"`
	MaxPlayerNameLength int `json:"max_player_name_length"`
	MaxPlayersLimit     int `json:"max_players_limit"`
}

// RateLimitConfig caps room creations and join attempts per client identity
// within a sliding window of TimeWindow seconds.
type RateLimitConfig struct {
	MaxRoomCreations int   `json:"max_room_creations"`
	TimeWindow       int64 `json:"time_window"`
	MaxJoinAttempts  int   `json:"max_join_attempts"`
}

// SecurityConfig carries connection caps, auth requirements, and transport TLS.
type SecurityConfig struct {
	MaxMessageSize       int64             `json:"max_message_size"`
	MaxConnectionsPerIP  int               `json:"max_connections_per_ip"`
	RequireWebsocketAuth bool              `json:"require_websocket_auth"`
	RequireMetricsAuth   bool              `json:"require_metrics_auth"`
	MetricsAuthToken     string            `json:"metrics_auth_token"`
	CorsOrigins          string            `json:"cors_origins"`
	AuthorizedApps       map[string]string `json:"authorized_apps"`
	Transport            TransportConfig   `json:"transport"`
}

// TransportConfig wraps transport-level security settings.
type TransportConfig struct {
	TLS TLSConfig `json:"tls"`
}

// TLSConfig controls optional TLS termination by the process itself.
type TLSConfig struct {
	Enabled  bool   `json:"enabled"`
	CertFile string `json:"cert_file"`
	KeyFile  string `json:"key_file"`
}

// LoggingConfig selects the zap level and encoder.
type LoggingConfig struct {
	Level  string `json:"level"`
	Format string `json:"format"`
}

// Default returns the built-in configuration used when no file or environment
// overrides are present.
func Default() *Config {
	return &Config{
		Port: 3536,
		Server: ServerConfig{
			DefaultMaxPlayers:     8,
			PingTimeout:           30,
			RoomCleanupInterval:   60,
			MaxRoomsPerGame:       1000,
			EmptyRoomTimeout:      300,
			InactiveRoomTimeout:   3600,
			ReconnectionWindow:    300,
			EventBufferSize:       100,
			EnableReconnection:    true,
			HeartbeatThrottleSecs: 1,
			OutboundQueueSize:     256,
			RegionID:              "global",
			RoomCodePrefix:        "",
		},
		Protocol: ProtocolConfig{
			MaxGameNameLength:   64,
			RoomCodeLength:      6,
			MaxPlayerNameLength: 32,
			MaxPlayersLimit:     100,
		},
		RateLimit: RateLimitConfig{
			MaxRoomCreations: 10,
			TimeWindow:       60,
			MaxJoinAttempts:  30,
		},
		Security: SecurityConfig{
			MaxMessageSize:      65536,
			MaxConnectionsPerIP: 100,
			CorsOrigins:         "*",
			AuthorizedApps:      map[string]string{},
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// Load assembles the effective configuration. It never fails: each layer that
// cannot be parsed is skipped with a warning so the server always starts.
func Load() *Config {
	cfg := Default()
	ctx := context.Background()

	if raw, source, ok := readConfigSource(); ok {
		if err := json.Unmarshal(raw, cfg); err != nil {
			logging.Warn(ctx, "Invalid config JSON, falling back to defaults",
				zap.String("source", source), zap.Error(err))
			cfg = Default()
		} else {
			logging.Info(ctx, "Loaded configuration", zap.String("source", source))
		}
	}

	applyEnvOverrides(cfg)
	return cfg
}

// readConfigSource resolves the file layer: an inline JSON literal wins over
// an explicit path, which wins over a config.json in the working directory.
func readConfigSource() (raw []byte, source string, ok bool) {
	if literal := os.Getenv("SIGNAL_FISH_CONFIG_JSON"); literal != "" {
		return []byte(literal), "SIGNAL_FISH_CONFIG_JSON", true
	}
	if path := os.Getenv("SIGNAL_FISH_CONFIG_PATH"); path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			logging.Warn(context.Background(), "Cannot read config file",
				zap.String("path", path), zap.Error(err))
			return nil, "", false
		}
		return data, path, true
	}
	if data, err := os.ReadFile("config.json"); err == nil {
		return data, "config.json", true
	}
	return nil, "", false
}

// applyEnvOverrides maps SIGNAL_FISH__SECTION__FIELD variables onto cfg.
// Unknown variables are ignored; unparsable values keep the previous layer.
func applyEnvOverrides(cfg *Config) {
	envUint16("SIGNAL_FISH__PORT", &cfg.Port)

	envInt("SIGNAL_FISH__SERVER__DEFAULT_MAX_PLAYERS", &cfg.Server.DefaultMaxPlayers)
	envInt64("SIGNAL_FISH__SERVER__PING_TIMEOUT", &cfg.Server.PingTimeout)
	envInt64("SIGNAL_FISH__SERVER__ROOM_CLEANUP_INTERVAL", &cfg.Server.RoomCleanupInterval)
	envInt("SIGNAL_FISH__SERVER__MAX_ROOMS_PER_GAME", &cfg.Server.MaxRoomsPerGame)
	envInt64("SIGNAL_FISH__SERVER__EMPTY_ROOM_TIMEOUT", &cfg.Server.EmptyRoomTimeout)
	envInt64("SIGNAL_FISH__SERVER__INACTIVE_ROOM_TIMEOUT", &cfg.Server.InactiveRoomTimeout)
	envInt64("SIGNAL_FISH__SERVER__RECONNECTION_WINDOW", &cfg.Server.ReconnectionWindow)
	envInt("SIGNAL_FISH__SERVER__EVENT_BUFFER_SIZE", &cfg.Server.EventBufferSize)
	envBool("SIGNAL_FISH__SERVER__ENABLE_RECONNECTION", &cfg.Server.EnableReconnection)
	envInt64("SIGNAL_FISH__SERVER__HEARTBEAT_THROTTLE_SECS", &cfg.Server.HeartbeatThrottleSecs)
	envInt("SIGNAL_FISH__SERVER__OUTBOUND_QUEUE_SIZE", &cfg.Server.OutboundQueueSize)
	envString("SIGNAL_FISH__SERVER__REGION_ID", &cfg.Server.RegionID)
	envString("SIGNAL_FISH__SERVER__ROOM_CODE_PREFIX", &cfg.Server.RoomCodePrefix)

	envInt("SIGNAL_FISH__PROTOCOL__MAX_GAME_NAME_LENGTH", &cfg.Protocol.MaxGameNameLength)
	envInt("SIGNAL_FISH__PROTOCOL__ROOM_CODE_LENGTH", &cfg.Protocol.RoomCodeLength)
	envInt("SIGNAL_FISH__PROTOCOL__MAX_PLAYER_NAME_LENGTH", &cfg.Protocol.MaxPlayerNameLength)
	envInt("SIGNAL_FISH__PROTOCOL__MAX_PLAYERS_LIMIT", &cfg.Protocol.MaxPlayersLimit)

	envInt("SIGNAL_FISH__RATE_LIMIT__MAX_ROOM_CREATIONS", &cfg.RateLimit.MaxRoomCreations)
	envInt64("SIGNAL_FISH__RATE_LIMIT__TIME_WINDOW", &cfg.RateLimit.TimeWindow)
	envInt("SIGNAL_FISH__RATE_LIMIT__MAX_JOIN_ATTEMPTS", &cfg.RateLimit.MaxJoinAttempts)

	envInt64("SIGNAL_FISH__SECURITY__MAX_MESSAGE_SIZE", &cfg.Security.MaxMessageSize)
	envInt("SIGNAL_FISH__SECURITY__MAX_CONNECTIONS_PER_IP", &cfg.Security.MaxConnectionsPerIP)
	envBool("SIGNAL_FISH__SECURITY__REQUIRE_WEBSOCKET_AUTH", &cfg.Security.RequireWebsocketAuth)
	envBool("SIGNAL_FISH__SECURITY__REQUIRE_METRICS_AUTH", &cfg.Security.RequireMetricsAuth)
	envString("SIGNAL_FISH__SECURITY__METRICS_AUTH_TOKEN", &cfg.Security.MetricsAuthToken)
	envString("SIGNAL_FISH__SECURITY__CORS_ORIGINS", &cfg.Security.CorsOrigins)
	envBool("SIGNAL_FISH__SECURITY__TRANSPORT__TLS__ENABLED", &cfg.Security.Transport.TLS.Enabled)
	envString("SIGNAL_FISH__SECURITY__TRANSPORT__TLS__CERT_FILE", &cfg.Security.Transport.TLS.CertFile)
	envString("SIGNAL_FISH__SECURITY__TRANSPORT__TLS__KEY_FILE", &cfg.Security.Transport.TLS.KeyFile)

	envString("SIGNAL_FISH__LOGGING__LEVEL", &cfg.Logging.Level)
	envString("SIGNAL_FISH__LOGGING__FORMAT", &cfg.Logging.Format)
}

func envString(key string, dst *string) {
	if v, ok := os.LookupEnv(key); ok {
		*dst = v
	}
}

func envBool(key string, dst *bool) {
	if v, ok := os.LookupEnv(key); ok {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

func envInt(key string, dst *int) {
	if v, ok := os.LookupEnv(key); ok {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func envInt64(key string, dst *int64) {
	if v, ok := os.LookupEnv(key); ok {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			*dst = n
		}
	}
}

func envUint16(key string, dst *uint16) {
	if v, ok := os.LookupEnv(key); ok {
		if n, err := strconv.ParseUint(v, 10, 16); err == nil {
			*dst = uint16(n)
		}
	}
}

// Validate checks the settings that would make the server unsafe or unable to
// serve. It returns all problems at once so operators fix them in one pass.
func Validate(cfg *Config) error {
	var errs []string

	if cfg.Protocol.RoomCodeLength < 3 || cfg.Protocol.RoomCodeLength > 16 {
		errs = append(errs, fmt.Sprintf("protocol.room_code_length must be between 3 and 16 (got %d)", cfg.Protocol.RoomCodeLength))
	}
	if cfg.Protocol.MaxPlayersLimit < 1 {
		errs = append(errs, "protocol.max_players_limit must be at least 1")
	}
	if cfg.Server.DefaultMaxPlayers < 1 || cfg.Server.DefaultMaxPlayers > cfg.Protocol.MaxPlayersLimit {
		errs = append(errs, fmt.Sprintf("server.default_max_players must be in [1, %d] (got %d)", cfg.Protocol.MaxPlayersLimit, cfg.Server.DefaultMaxPlayers))
	}
	if cfg.Server.EventBufferSize < 1 {
		errs = append(errs, "server.event_buffer_size must be at least 1")
	}
	if cfg.Server.OutboundQueueSize < 1 {
		errs = append(errs, "server.outbound_queue_size must be at least 1")
	}
	if cfg.Security.RequireMetricsAuth && cfg.Security.MetricsAuthToken == "" {
		errs = append(errs, "security.metrics_auth_token is required when require_metrics_auth is enabled")
	}
	if cfg.Security.RequireWebsocketAuth && len(cfg.Security.AuthorizedApps) == 0 {
		errs = append(errs, "security.authorized_apps must not be empty when require_websocket_auth is enabled")
	}
	if cfg.Security.Transport.TLS.Enabled {
		if cfg.Security.Transport.TLS.CertFile == "" || cfg.Security.Transport.TLS.KeyFile == "" {
			errs = append(errs, "security.transport.tls requires cert_file and key_file when enabled")
		}
	}
	if cfg.RateLimit.TimeWindow < 1 {
		errs = append(errs, "rate_limit.time_window must be at least 1 second")
	}

	if len(errs) > 0 {
		return fmt.Errorf("configuration validation failed:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}

// PrettyJSON renders the effective configuration with secrets redacted.
func PrettyJSON(cfg *Config) (string, error) {
	printable := *cfg
	if printable.Security.MetricsAuthToken != "" {
		printable.Security.MetricsAuthToken = logging.RedactToken(printable.Security.MetricsAuthToken)
	}
	if len(printable.Security.AuthorizedApps) > 0 {
		redacted := make(map[string]string, len(printable.Security.AuthorizedApps))
		for app, secret := range printable.Security.AuthorizedApps {
			redacted[app] = logging.RedactToken(secret)
		}
		printable.Security.AuthorizedApps = redacted
	}

	out, err := json.MarshalIndent(&printable, "", "  ")
	if err != nil {
		return "", fmt.Errorf("failed to serialize config: %w", err)
	}
	return string(out), nil
}
