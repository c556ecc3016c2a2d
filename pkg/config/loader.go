package config

import (
	"log/slog"
	"strings"

	"github.com/spf13/viper"
)

// Load reads configuration from a file and environment variables, fills in
// the default route table and backend prefixes when none are declared and
// validates the result.
func Load(logger *slog.Logger, fileName string) (*Config, error) {
	v := viper.New()

	// 1. Set default values
	v.SetDefault("environment", EnvProduction)
	v.SetDefault("server.address", ":5173")
	v.SetDefault("server.auth.jwtSecret", "")
	v.SetDefault("server.auth.cookieName", "accessToken")
	v.SetDefault("server.connectionLimit.maxPerUser", 5)
	v.SetDefault("server.connectionLimit.mode", LimitReject)
	v.SetDefault("backend.target", "http://localhost:8080")
	v.SetDefault("transport.readTimeout", "60s")
	v.SetDefault("transport.dialTimeout", "5s")
	v.SetDefault("transport.requestTimeout", "10s")
	v.SetDefault("transport.retry.maxAttempts", 3)
	v.SetDefault("transport.retry.initialBackoff", "200ms")
	v.SetDefault("transport.retry.maxBackoff", "5s")
	// keys without a meaningful default are still registered so that
	// environment overrides reach Unmarshal
	v.SetDefault("session.storePath", "")
	v.SetDefault("session.checkEndpoint", "")
	v.SetDefault("session.correlationSecret", "")
	v.SetDefault("session.correlationTTL", "10m")
	v.SetDefault("session.correlationPath", "")
	v.SetDefault("session.loginRoute", "login")
	v.SetDefault("session.logoutRoute", "logout")

	// 2. Set config file details
	if strings.ContainsAny(fileName, `/\`) || strings.HasSuffix(fileName, ".yaml") || strings.HasSuffix(fileName, ".yml") {
		v.SetConfigFile(fileName)
	} else {
		v.SetConfigName(fileName)
		v.SetConfigType("yaml")
		v.AddConfigPath(".") // look for config in the working directory
	}

	// 3. Set up environment variable handling
	v.SetEnvPrefix("ROOMGATE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// 4. Read the configuration file
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			// Config file was found but another error was produced
			return nil, err
		}
		logger.Warn("Config file not found. ignoring error and relying on defaults/env vars")
	}

	// 5. Unmarshal the configuration into our struct
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, err
	}

	if len(cfg.Routes) == 0 {
		cfg.Routes = DefaultRoutes()
	}
	if len(cfg.Backend.Prefixes) == 0 {
		cfg.Backend.Prefixes = DefaultPrefixes()
	}
	if err := Validate(&cfg); err != nil {
		return nil, err
	}
	logger.Info("Configuration loaded",
		slog.String("environment", cfg.Environment),
		slog.Int("routes", len(cfg.Routes)),
		slog.Int("prefixes", len(cfg.Backend.Prefixes)),
	)
	return &cfg, nil
}
