package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config корневая структура конфигурации процесса.
type Config struct {
	Server      ServerConfig      `yaml:"server"`
	Replication ReplicationConfig `yaml:"replication"`
	Session     SessionConfig     `yaml:"session"`
	Events      EventsConfig      `yaml:"events"`
	Auth        AuthConfig        `yaml:"auth"`
	EventBus    EventBusConfig    `yaml:"eventbus"`
	Directory   DirectoryConfig   `yaml:"directory"`
	Journal     JournalConfig     `yaml:"journal"`
	Telemetry   TelemetryConfig   `yaml:"telemetry"`
	Log         LogConfig         `yaml:"log"`
}

type ServerConfig struct {
	Transport      string  `yaml:"transport"` // "kcp" или "websocket"
	Host           string  `yaml:"host"`
	ReliablePort   int     `yaml:"reliable_port"`
	UnreliablePort int     `yaml:"unreliable_port"`
	WebSocketPort  int     `yaml:"websocket_port"`
	RESTPort       int     `yaml:"rest_port"`
	TickRate       float64 `yaml:"tick_rate"`
	MTU            int     `yaml:"mtu"`
	InboxCapacity  int     `yaml:"inbox_capacity"`
}

// BandConfig описывает полосу скорости и частоту отправки в ней.
type BandConfig struct {
	MaxSpeed float64 `yaml:"max_speed"`
	RateHz   float64 `yaml:"rate_hz"`
}

type ReplicationConfig struct {
	Idle              BandConfig `yaml:"idle"`
	Walking           BandConfig `yaml:"walking"`
	Running           BandConfig `yaml:"running"`
	DriftThreshold    float64    `yaml:"drift_threshold"`
	MaxRateHz         float64    `yaml:"max_rate_hz"`
	TeleportThreshold float64    `yaml:"teleport_threshold"`
	DownshiftDebounce float64    `yaml:"downshift_debounce_seconds"`
	BlendRate         float64    `yaml:"blend_rate"`
	MaxExtrapolation  float64    `yaml:"max_extrapolation_seconds"`
	CompressAbove     int        `yaml:"compress_above_bytes"`
}

type SessionConfig struct {
	InitialState        string  `yaml:"initial_state"`
	DefaultCountdown    float64 `yaml:"default_countdown_seconds"`
	MinPlayers          int     `yaml:"min_players"`
	AutoStart           bool    `yaml:"auto_start"`
	TimerSyncInterval   float64 `yaml:"timer_sync_seconds"`
	DespawnOnDisconnect bool    `yaml:"despawn_on_disconnect"`
}

type EventsConfig struct {
	MinRadius    float64 `yaml:"min_radius"`
	MaxRadius    float64 `yaml:"max_radius"`
	MinIntensity float64 `yaml:"min_intensity"`
	MaxIntensity float64 `yaml:"max_intensity"`
	RatePerSec   float64 `yaml:"rate_per_second"`
	Burst        int     `yaml:"burst"`
}

type AuthConfig struct {
	Secret   string          `yaml:"secret"`
	Required bool            `yaml:"required"`
	TokenTTL time.Duration   `yaml:"token_ttl"`
	Accounts []AccountConfig `yaml:"accounts"`
}

// AccountConfig учётная запись для входа через REST (пароль хранится bcrypt-хэшем)
type AccountConfig struct {
	Name         string `yaml:"name"`
	PasswordHash string `yaml:"password_hash"`
	Admin        bool   `yaml:"admin"`
}

type EventBusConfig struct {
	URL       string `yaml:"url"` // пусто: in-memory шина
	Stream    string `yaml:"stream"`
	Retention int    `yaml:"retention_hours"`
	Buffer    int    `yaml:"buffer"`
}

type DirectoryConfig struct {
	RedisAddr string        `yaml:"redis_addr"` // пусто: отключено
	Password  string        `yaml:"password"`
	DB        int           `yaml:"db"`
	TTL       time.Duration `yaml:"ttl"`
}

type JournalConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

type TelemetryConfig struct {
	Enabled     bool   `yaml:"enabled"`
	ServiceName string `yaml:"service_name"`
}

type LogConfig struct {
	Dir          string `yaml:"dir"`
	ConsoleLevel string `yaml:"console_level"`
	FileLevel    string `yaml:"file_level"`
}

// Default возвращает конфигурацию по умолчанию.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Transport:      "kcp",
			Host:           "0.0.0.0",
			ReliablePort:   7777,
			UnreliablePort: 7778,
			WebSocketPort:  7780,
			RESTPort:       8088,
			TickRate:       60,
			MTU:            1200,
			InboxCapacity:  4096,
		},
		Replication: ReplicationConfig{
			Idle:              BandConfig{MaxSpeed: 0.1, RateHz: 3},
			Walking:           BandConfig{MaxSpeed: 4.0, RateHz: 6},
			Running:           BandConfig{RateHz: 12},
			DriftThreshold:    0.05,
			MaxRateHz:         30,
			TeleportThreshold: 10,
			DownshiftDebounce: 0.5,
			BlendRate:         10,
			MaxExtrapolation:  0.25,
			CompressAbove:     512,
		},
		Session: SessionConfig{
			InitialState:        "Lobby",
			DefaultCountdown:    3,
			MinPlayers:          1,
			AutoStart:           true,
			TimerSyncInterval:   1,
			DespawnOnDisconnect: true,
		},
		Events: EventsConfig{
			MinRadius:    0.1,
			MaxRadius:    50,
			MinIntensity: 0,
			MaxIntensity: 1,
			RatePerSec:   10,
			Burst:        10,
		},
		Auth: AuthConfig{
			TokenTTL: 24 * time.Hour,
		},
		EventBus: EventBusConfig{
			Stream:    "CHARSYNC",
			Retention: 24,
			Buffer:    1024,
		},
		Directory: DirectoryConfig{
			TTL: 15 * time.Second,
		},
		Journal: JournalConfig{
			Path: "data/journal",
		},
		Telemetry: TelemetryConfig{
			ServiceName: "charsync",
		},
		Log: LogConfig{
			ConsoleLevel: "info",
			FileLevel:    "debug",
		},
	}
}

// GetReliablePort возвращает порт надёжного канала: config -> env -> default
func (s *ServerConfig) GetReliablePort() int {
	return getPortWithEnvFallback(s.ReliablePort, "CHARSYNC_RELIABLE_PORT", 7777)
}

// GetUnreliablePort возвращает порт best-effort канала
func (s *ServerConfig) GetUnreliablePort() int {
	return getPortWithEnvFallback(s.UnreliablePort, "CHARSYNC_UNRELIABLE_PORT", 7778)
}

// GetWebSocketPort возвращает порт WebSocket транспорта
func (s *ServerConfig) GetWebSocketPort() int {
	return getPortWithEnvFallback(s.WebSocketPort, "CHARSYNC_WS_PORT", 7780)
}

// GetRESTPort возвращает порт REST API
func (s *ServerConfig) GetRESTPort() int {
	return getPortWithEnvFallback(s.RESTPort, "CHARSYNC_REST_PORT", 8088)
}

// TickInterval длительность одного тика симуляции
func (s *ServerConfig) TickInterval() time.Duration {
	if s.TickRate <= 0 {
		return time.Second / 60
	}
	return time.Duration(float64(time.Second) / s.TickRate)
}

// getPortWithEnvFallback возвращает порт с приоритетом: config -> env -> default
func getPortWithEnvFallback(configPort int, envVar string, defaultPort int) int {
	if configPort > 0 {
		return configPort
	}

	if envVal := os.Getenv(envVar); envVal != "" {
		if port, err := strconv.Atoi(envVal); err == nil && port > 0 {
			return port
		}
	}

	return defaultPort
}

// Load читает YAML поверх значений по умолчанию.
// Если path == "", берётся ENV CHARSYNC_CONFIG; если и он пуст: возвращаются дефолты.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		path = os.Getenv("CHARSYNC_CONFIG")
		if path == "" {
			return cfg, nil
		}
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("чтение конфигурации %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("разбор конфигурации %s: %w", path, err)
	}
	if secret := os.Getenv("CHARSYNC_JWT_SECRET"); secret != "" {
		cfg.Auth.Secret = secret
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate проверяет согласованность настроек.
func (c *Config) Validate() error {
	var errs []error
	r := c.Replication
	if r.Idle.RateHz <= 0 || r.Walking.RateHz <= 0 || r.Running.RateHz <= 0 {
		errs = append(errs, errors.New("replication: частоты полос должны быть > 0"))
	}
	if r.Idle.MaxSpeed >= r.Walking.MaxSpeed {
		errs = append(errs, errors.New("replication: idle.max_speed должен быть меньше walking.max_speed"))
	}
	if r.TeleportThreshold <= 0 {
		errs = append(errs, errors.New("replication: teleport_threshold должен быть > 0"))
	}
	if r.DriftThreshold <= 0 {
		errs = append(errs, errors.New("replication: drift_threshold должен быть > 0"))
	}
	if c.Session.DefaultCountdown <= 0 {
		errs = append(errs, errors.New("session: default_countdown_seconds должен быть > 0"))
	}
	if c.Session.MinPlayers < 1 {
		errs = append(errs, errors.New("session: min_players должен быть >= 1"))
	}
	e := c.Events
	if e.MinRadius > e.MaxRadius {
		errs = append(errs, errors.New("events: min_radius > max_radius"))
	}
	if e.MinIntensity > e.MaxIntensity {
		errs = append(errs, errors.New("events: min_intensity > max_intensity"))
	}
	if e.RatePerSec <= 0 || e.Burst < 1 {
		errs = append(errs, errors.New("events: rate_per_second и burst должны быть положительными"))
	}
	if c.Server.Transport != "kcp" && c.Server.Transport != "websocket" {
		errs = append(errs, fmt.Errorf("server: неизвестный транспорт %q", c.Server.Transport))
	}
	if c.Auth.Required && len(c.Auth.Secret) < 32 {
		errs = append(errs, errors.New("auth: секрет короче 32 байт при обязательной аутентификации"))
	}
	seen := make(map[string]struct{}, len(c.Auth.Accounts))
	for i, a := range c.Auth.Accounts {
		key := strings.ToLower(a.Name)
		if key == "" || a.PasswordHash == "" {
			errs = append(errs, fmt.Errorf("auth: учётная запись #%d без имени или хэша пароля", i))
			continue
		}
		if _, dup := seen[key]; dup {
			errs = append(errs, fmt.Errorf("auth: учётная запись %q задана дважды", a.Name))
		}
		seen[key] = struct{}{}
	}
	return errors.Join(errs...)
}
