package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/tailscale/hujson"
)

type Config struct {
	Debug       bool              `json:"debug"`
	Controller  ControllerConfig  `json:"controller"`
	Broker      BrokerConfig      `json:"broker"`
	Database    DatabaseConfig    `json:"database"`
	Store       StoreConfig       `json:"store"`
	Protocol    ProtocolConfig    `json:"protocol"`
	Workflow    WorkflowConfig    `json:"workflow"`
	Diagnostics DiagnosticsConfig `json:"diagnostics"`
}

type ControllerConfig struct {
	Host                  string `json:"host"`
	Port                  int    `json:"port"`
	CertFile              string `json:"cert_file"`
	KeyFile               string `json:"key_file"`
	ServerName            string `json:"server_name"`
	ConnectRetries        int    `json:"connect_retries"`
	ConnectDelaySeconds   int    `json:"connect_delay_seconds"`
	ConnectTimeoutSeconds int    `json:"connect_timeout_seconds"`
	PollTimeoutSeconds    int    `json:"poll_timeout_seconds"`
	FrameTimeoutSeconds   int    `json:"frame_timeout_seconds"`
	MaxFrameSize          int    `json:"max_frame_size"`
	LegacyCiphers         bool   `json:"legacy_ciphers"`
}

type BrokerConfig struct {
	Host                string `json:"host"`
	Port                int    `json:"port"`
	VirtualHost         string `json:"virtual_host"`
	User                string `json:"user"`
	Password            string `json:"password"`
	EventsQueue         string `json:"events_queue"`
	CommandsExchange    string `json:"commands_exchange"`
	CommandsQueue       string `json:"commands_queue"`
	ConnectRetries      int    `json:"connect_retries"`
	ConnectDelaySeconds int    `json:"connect_delay_seconds"`
	PublishRetries      int    `json:"publish_retries"`
	Concurrency         int    `json:"concurrency"`
}

type DatabaseConfig struct {
	Host     string `json:"host"`
	Port     int    `json:"port"`
	Name     string `json:"name"`
	User     string `json:"user"`
	Password string `json:"password"`
	MaxConns int    `json:"max_conns"`
}

type StoreConfig struct {
	RedisAddr           string `json:"redis_addr"`
	ProcessedTTLMinutes int    `json:"processed_ttl_minutes"`
}

type ProtocolConfig struct {
	Version        int `json:"version"`
	TemplateID     int `json:"template_id"`
	DataID         int `json:"data_id"`
	ActionIssue    int `json:"action_issue"`
	ActionWithdraw int `json:"action_withdraw"`
}

type WorkflowConfig struct {
	SettleDelayMillis int `json:"settle_delay_millis"`
	BackdateMinutes   int `json:"backdate_minutes"`
	ValidForMinutes   int `json:"valid_for_minutes"`
	StaleAfterMinutes int `json:"stale_after_minutes"`
	EvictEverySeconds int `json:"evict_every_seconds"`
}

type DiagnosticsConfig struct {
	ListenAddr     string `json:"listen_addr"`
	PanelPath      string `json:"panel_path"`
	PanelAuthToken string `json:"panel_auth_token"`
}

func Default() Config {
	return Config{
		Debug: envBool("DEBUG_MODE", false),
		Controller: ControllerConfig{
			Host:                  envOrDefault("TCP_SERVER_HOST", "localhost"),
			Port:                  envInt("TCP_SERVER_PORT", 9000),
			CertFile:              envOrDefault("TCP_SERVER_CERT", "certs/cert.pem"),
			KeyFile:               envOrDefault("TCP_SERVER_KEY", "certs/key.pem"),
			ServerName:            envOrDefault("TCP_SERVER_CERT_CN", "SKD"),
			ConnectRetries:        5,
			ConnectDelaySeconds:   5,
			ConnectTimeoutSeconds: 10,
			PollTimeoutSeconds:    5,
			FrameTimeoutSeconds:   30,
			MaxFrameSize:          16 << 20,
			LegacyCiphers:         envBool("TCP_SERVER_LEGACY_CIPHERS", true),
		},
		Broker: BrokerConfig{
			Host:                envOrDefault("RMQ_HOST", "rabbitmq"),
			Port:                envInt("RMQ_PORT", 5672),
			VirtualHost:         envOrDefault("RMQ_VIRTUAL_HOST", "/"),
			User:                envOrDefault("RMQ_USER", "guest"),
			Password:            envOrDefault("RMQ_PASSWORD", "guest"),
			EventsQueue:         envOrDefault("RMQ_EVENTS_EXCHANGE_NAME", "pacs_client") + ".events",
			CommandsExchange:    envOrDefault("RMQ_COMMANDS_EXCHANGE_NAME", "pacs_client"),
			CommandsQueue:       "commands",
			ConnectRetries:      5,
			ConnectDelaySeconds: 5,
			PublishRetries:      3,
			Concurrency:         8,
		},
		Database: DatabaseConfig{
			Host:     envOrDefault("DATABASE_HOST", "localhost"),
			Port:     envInt("DATABASE_PORT", 5432),
			Name:     envOrDefault("DATABASE_NAME", "postgres"),
			User:     envOrDefault("DATABASE_USER", "postgres"),
			Password: envOrDefault("DATABASE_PASSWORD", "postgres"),
			MaxConns: 4,
		},
		Store: StoreConfig{
			RedisAddr:           os.Getenv("REDIS_ADDR"),
			ProcessedTTLMinutes: 24 * 60,
		},
		Protocol: ProtocolConfig{
			Version:        envInt("REVERS_VERSION", 1),
			TemplateID:     envInt("REVERS_TEMPLATE_ID", 16),
			DataID:         envInt("REVERS_DATA_ID", 293),
			ActionIssue:    envInt("REVERS_ACTION_ISSUE", 1),
			ActionWithdraw: envInt("REVERS_ACTION_WITHDRAW", 0),
		},
		Workflow: WorkflowConfig{
			SettleDelayMillis: 2000,
			BackdateMinutes:   60,
			ValidForMinutes:   8 * 60,
			StaleAfterMinutes: 10,
			EvictEverySeconds: 60,
		},
		Diagnostics: DiagnosticsConfig{
			ListenAddr:     envOrDefault("DIAG_LISTEN_ADDR", ":8080"),
			PanelPath:      "/ws/panel",
			PanelAuthToken: os.Getenv("PANEL_AUTH_TOKEN"),
		},
	}
}

// Load reads an optional JSON (comments and trailing commas allowed) file on
// top of the environment defaults.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, cfg.Validate()
	}

	content, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config failed: %w", err)
	}
	content, err = hujson.Standardize(content)
	if err != nil {
		return Config{}, fmt.Errorf("parse config failed: %w", err)
	}
	if err := json.Unmarshal(content, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse config failed: %w", err)
	}

	cfg.normalize()
	return cfg, cfg.Validate()
}

func (c *Config) normalize() {
	d := Default()
	if c.Controller.ServerName == "" {
		c.Controller.ServerName = d.Controller.ServerName
	}
	if c.Controller.ConnectTimeoutSeconds <= 0 {
		c.Controller.ConnectTimeoutSeconds = d.Controller.ConnectTimeoutSeconds
	}
	if c.Controller.PollTimeoutSeconds <= 0 {
		c.Controller.PollTimeoutSeconds = d.Controller.PollTimeoutSeconds
	}
	if c.Controller.FrameTimeoutSeconds <= 0 {
		c.Controller.FrameTimeoutSeconds = d.Controller.FrameTimeoutSeconds
	}
	if c.Controller.MaxFrameSize <= 0 {
		c.Controller.MaxFrameSize = d.Controller.MaxFrameSize
	}
	if c.Broker.CommandsQueue == "" {
		c.Broker.CommandsQueue = d.Broker.CommandsQueue
	}
	if c.Broker.PublishRetries <= 0 {
		c.Broker.PublishRetries = d.Broker.PublishRetries
	}
	if c.Broker.Concurrency <= 0 {
		c.Broker.Concurrency = d.Broker.Concurrency
	}
	if c.Store.ProcessedTTLMinutes <= 0 {
		c.Store.ProcessedTTLMinutes = d.Store.ProcessedTTLMinutes
	}
	if c.Workflow.SettleDelayMillis <= 0 {
		c.Workflow.SettleDelayMillis = d.Workflow.SettleDelayMillis
	}
	if c.Workflow.ValidForMinutes <= 0 {
		c.Workflow.ValidForMinutes = d.Workflow.ValidForMinutes
	}
	if c.Workflow.StaleAfterMinutes <= 0 {
		c.Workflow.StaleAfterMinutes = d.Workflow.StaleAfterMinutes
	}
	if c.Workflow.EvictEverySeconds <= 0 {
		c.Workflow.EvictEverySeconds = d.Workflow.EvictEverySeconds
	}
	if c.Diagnostics.PanelPath == "" {
		c.Diagnostics.PanelPath = d.Diagnostics.PanelPath
	}
}

func (c Config) Validate() error {
	var errs []error
	if c.Controller.Host == "" || c.Controller.Port <= 0 {
		errs = append(errs, errors.New("controller host and port are required"))
	}
	if c.Controller.CertFile == "" || c.Controller.KeyFile == "" {
		errs = append(errs, errors.New("controller cert_file and key_file are required"))
	}
	if c.Controller.ConnectRetries <= 0 {
		errs = append(errs, errors.New("controller connect_retries must be positive"))
	}
	if c.Broker.Host == "" {
		errs = append(errs, errors.New("broker host is required"))
	}
	if c.Broker.ConnectRetries <= 0 {
		errs = append(errs, errors.New("broker connect_retries must be positive"))
	}
	if c.Broker.EventsQueue == "" || c.Broker.CommandsExchange == "" {
		errs = append(errs, errors.New("broker events_queue and commands_exchange are required"))
	}
	if len(errs) > 0 {
		return fmt.Errorf("invalid config: %w", errors.Join(errs...))
	}
	return nil
}

func (c ControllerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

func (c ControllerConfig) ConnectDelay() time.Duration {
	return time.Duration(c.ConnectDelaySeconds) * time.Second
}

func (c ControllerConfig) ConnectTimeout() time.Duration {
	return time.Duration(c.ConnectTimeoutSeconds) * time.Second
}

func (c ControllerConfig) PollTimeout() time.Duration {
	return time.Duration(c.PollTimeoutSeconds) * time.Second
}

func (c ControllerConfig) FrameTimeout() time.Duration {
	return time.Duration(c.FrameTimeoutSeconds) * time.Second
}

// URL is the AMQP connection URL.
func (c BrokerConfig) URL() string {
	u := url.URL{
		Scheme: "amqp",
		User:   url.UserPassword(c.User, c.Password),
		Host:   fmt.Sprintf("%s:%d", c.Host, c.Port),
		Path:   "/" + strings.TrimPrefix(c.VirtualHost, "/"),
	}
	return u.String()
}

func (c BrokerConfig) ConnectDelay() time.Duration {
	return time.Duration(c.ConnectDelaySeconds) * time.Second
}

// DSN is the PostgreSQL connection string.
func (c DatabaseConfig) DSN() string {
	u := url.URL{
		Scheme:   "postgres",
		User:     url.UserPassword(c.User, c.Password),
		Host:     fmt.Sprintf("%s:%d", c.Host, c.Port),
		Path:     "/" + c.Name,
		RawQuery: fmt.Sprintf("pool_max_conns=%d", c.MaxConns),
	}
	return u.String()
}

func (c StoreConfig) ProcessedTTL() time.Duration {
	return time.Duration(c.ProcessedTTLMinutes) * time.Minute
}

func (c WorkflowConfig) SettleDelay() time.Duration {
	return time.Duration(c.SettleDelayMillis) * time.Millisecond
}

func (c WorkflowConfig) Backdate() time.Duration {
	return time.Duration(c.BackdateMinutes) * time.Minute
}

func (c WorkflowConfig) ValidFor() time.Duration {
	return time.Duration(c.ValidForMinutes) * time.Minute
}

func (c WorkflowConfig) StaleAfter() time.Duration {
	return time.Duration(c.StaleAfterMinutes) * time.Minute
}

func (c WorkflowConfig) EvictEvery() time.Duration {
	return time.Duration(c.EvictEverySeconds) * time.Second
}

func envOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func envInt(key string, defaultValue int) int {
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

func envBool(key string, defaultValue bool) bool {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	b, err := strconv.ParseBool(value)
	if err != nil {
		return defaultValue
	}
	return b
}
