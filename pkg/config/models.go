package config

import "time"

const (
	EnvDevelopment = "development"
	EnvProduction  = "production"
)

// Connection limit modes.
const (
	LimitReject = "reject"
	LimitCycle  = "cycle"
)

type Config struct {
	Environment string        `mapstructure:"environment"`
	Server      ServerConfig  `mapstructure:"server"`
	Backend     BackendConfig `mapstructure:"backend"`
	Transport   TransportConfig
	Session     SessionConfig `mapstructure:"session"`
	Routes      []RouteConfig `mapstructure:"routes"`
}

type ServerConfig struct {
	Address         string
	Auth            AuthConfig
	ConnectionLimit ConnectionLimitConfig `mapstructure:"connectionLimit"`
}

type AuthConfig struct {
	JWTSecret  string `mapstructure:"jwtSecret"`
	CookieName string `mapstructure:"cookieName"`
}

type ConnectionLimitConfig struct {
	MaxPerUser int    `mapstructure:"maxPerUser"`
	Mode       string `mapstructure:"mode"` // LimitReject or LimitCycle
}

type BackendConfig struct {
	Target   string         `mapstructure:"target"`
	Prefixes []PrefixConfig `mapstructure:"prefixes"`
}

type PrefixConfig struct {
	Prefix       string `mapstructure:"prefix" yaml:"prefix,omitempty"`
	Kind         string `mapstructure:"kind" yaml:"kind,omitempty"` // http, stream or redirect
	ChangeOrigin bool   `mapstructure:"changeOrigin" yaml:"changeOrigin,omitempty"`
	WS           bool   `mapstructure:"ws" yaml:"ws,omitempty"`
	Insecure     bool   `mapstructure:"insecure" yaml:"insecure,omitempty"`
}

type TransportConfig struct {
	ReadTimeout    time.Duration `mapstructure:"readTimeout"`
	DialTimeout    time.Duration `mapstructure:"dialTimeout"`
	RequestTimeout time.Duration `mapstructure:"requestTimeout"`
	Retry          RetryConfig   `mapstructure:"retry"`
}

type RetryConfig struct {
	MaxAttempts    int           `mapstructure:"maxAttempts"`
	InitialBackoff time.Duration `mapstructure:"initialBackoff"`
	MaxBackoff     time.Duration `mapstructure:"maxBackoff"`
}

type SessionConfig struct {
	// StorePath persists the session between runs when set.
	StorePath         string        `mapstructure:"storePath"`
	CheckEndpoint     string        `mapstructure:"checkEndpoint"`
	CorrelationSecret string        `mapstructure:"correlationSecret"`
	CorrelationTTL    time.Duration `mapstructure:"correlationTTL"`
	// CorrelationPath keeps issued correlation tokens between runs so a
	// callback can land in a later invocation. Defaults next to StorePath.
	CorrelationPath string `mapstructure:"correlationPath"`
	LoginRoute      string `mapstructure:"loginRoute"`
	LogoutRoute     string `mapstructure:"logoutRoute"`
}

type RouteConfig struct {
	Name     string `mapstructure:"name" yaml:"name,omitempty"`
	Path     string `mapstructure:"path" yaml:"path,omitempty"`
	Auth     string `mapstructure:"auth" yaml:"auth,omitempty"`
	Guest    string `mapstructure:"guest" yaml:"guest,omitempty"`
	Endpoint string `mapstructure:"endpoint" yaml:"endpoint,omitempty"`
	Method   string `mapstructure:"method" yaml:"method,omitempty"`
	Purpose  string `mapstructure:"purpose" yaml:"purpose,omitempty"`
	Callback bool   `mapstructure:"callback" yaml:"callback,omitempty"`
	Landing  bool   `mapstructure:"landing" yaml:"landing,omitempty"`
	NotFound bool   `mapstructure:"notFound" yaml:"notFound,omitempty"`
}
