package config

import (
	"errors"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Storage    StorageConfig    `yaml:"storage"`
	Agent      AgentConfig      `yaml:"agent"`
	Dispatcher DispatcherConfig `yaml:"dispatcher"`
	Webhook    WebhookConfig    `yaml:"webhook"`
	Proxy      ProxyConfig      `yaml:"proxy"`
	Notify     NotifyConfig     `yaml:"notify"`
}

type ServerConfig struct {
	Addr string     `yaml:"addr"`
	Cors CorsConfig `yaml:"cors"`
}

type CorsConfig struct {
	AllowOrigins     []string `yaml:"allowOrigins"`
	AllowCredentials bool     `yaml:"allowCredentials"`
}

type StorageConfig struct {
	SQLitePath string `yaml:"sqlitePath"`
}

// AgentConfig describes how to reach the browser automation agent. Iteration
// budgets shrink from full task to code submission to fast verification.
type AgentConfig struct {
	BaseURL          string        `yaml:"baseURL"`
	Model            string        `yaml:"model"`
	TimeoutMs        int           `yaml:"timeoutMs"`
	VerifyTimeoutMs  int           `yaml:"verifyTimeoutMs"`
	MaxIterations    int           `yaml:"maxIterations"`
	CodeIterations   int           `yaml:"codeIterations"`
	VerifyIterations int           `yaml:"verifyIterations"`
	Retry            AgentRetryCfg `yaml:"retry"`
}

type AgentRetryCfg struct {
	Count     int `yaml:"count"`
	WaitMs    int `yaml:"waitMs"`
	MaxWaitMs int `yaml:"maxWaitMs"`
}

func (c AgentConfig) Timeout() time.Duration {
	if c.TimeoutMs <= 0 {
		return 5 * time.Minute
	}
	return time.Duration(c.TimeoutMs) * time.Millisecond
}

func (c AgentConfig) VerifyTimeout() time.Duration {
	if c.VerifyTimeoutMs <= 0 {
		return 90 * time.Second
	}
	return time.Duration(c.VerifyTimeoutMs) * time.Millisecond
}

func (c AgentRetryCfg) Wait() time.Duration {
	if c.WaitMs <= 0 {
		return 500 * time.Millisecond
	}
	return time.Duration(c.WaitMs) * time.Millisecond
}

func (c AgentRetryCfg) MaxWait() time.Duration {
	if c.MaxWaitMs <= 0 {
		return 3 * time.Second
	}
	return time.Duration(c.MaxWaitMs) * time.Millisecond
}

type DispatcherConfig struct {
	TickIntervalMs int     `yaml:"tickIntervalMs"`
	MaxRetries     int     `yaml:"maxRetries"`
	RetryDelayMs   int     `yaml:"retryDelayMs"`
	AgentQPS       float64 `yaml:"agentQPS"`
	AgentBurst     int     `yaml:"agentBurst"`
}

func (c DispatcherConfig) TickInterval() time.Duration {
	if c.TickIntervalMs <= 0 {
		return 3 * time.Second
	}
	return time.Duration(c.TickIntervalMs) * time.Millisecond
}

func (c DispatcherConfig) RetryDelay() time.Duration {
	if c.RetryDelayMs <= 0 {
		return 5 * time.Minute
	}
	return time.Duration(c.RetryDelayMs) * time.Millisecond
}

type WebhookConfig struct {
	Secret string `yaml:"secret"`
}

type ProxyConfig struct {
	ListenAddr  string `yaml:"listenAddr"`
	UpstreamURL string `yaml:"upstreamURL"`
}

type NotifyConfig struct {
	CallbackURL string      `yaml:"callbackURL"`
	Email       EmailConfig `yaml:"email"`
}

type EmailConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	From     string `yaml:"from"`
	To       string `yaml:"to"`
}

func Load(path string) (Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}
	var cfg Config
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return Config{}, err
	}
	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Server.Addr == "" {
		c.Server.Addr = ":8090"
	}
	if c.Storage.SQLitePath == "" {
		c.Storage.SQLitePath = "./data/automation_engine.db"
	}
	if c.Agent.BaseURL == "" {
		c.Agent.BaseURL = "http://127.0.0.1:8080/agent"
	}
	if c.Agent.MaxIterations <= 0 {
		c.Agent.MaxIterations = 40
	}
	if c.Agent.CodeIterations <= 0 {
		c.Agent.CodeIterations = 15
	}
	if c.Agent.VerifyIterations <= 0 {
		c.Agent.VerifyIterations = 5
	}
	if c.Agent.Retry.Count < 0 {
		c.Agent.Retry.Count = 0
	}
	if c.Dispatcher.MaxRetries <= 0 {
		c.Dispatcher.MaxRetries = 3
	}
	if c.Dispatcher.AgentBurst <= 0 {
		c.Dispatcher.AgentBurst = 2
	}
	if c.Proxy.ListenAddr == "" {
		c.Proxy.ListenAddr = "127.0.0.1:3128"
	}
}

func (c Config) validate() error {
	if c.Server.Addr == "" {
		return errors.New("server.addr is required")
	}
	if c.Agent.BaseURL == "" {
		return errors.New("agent.baseURL is required")
	}
	if c.Webhook.Secret == "" {
		return errors.New("webhook.secret is required")
	}
	return nil
}
