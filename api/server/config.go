package server

import (
	"errors"
	"time"

	"golang.org/x/time/rate"

	"github.com/seedcommons/harvest/engine/pkg/engine"
)

type Config struct {
	ListenAddr string
	Engine     *engine.Engine

	// SystemToken authorizes the privileged stage and reset endpoints.
	SystemToken string

	// AllowedOrigins configures CORS for the query surface.
	AllowedOrigins []string

	QueryRate  rate.Limit
	QueryBurst int

	ReadHeaderTimeout time.Duration

	Version string
	Commit  string
	Date    string
}

func (cfg *Config) Validate() error {
	if cfg.Engine == nil {
		return errors.New("engine is required")
	}
	if cfg.ListenAddr == "" {
		cfg.ListenAddr = ":8080"
	}
	if cfg.SystemToken == "" {
		return errors.New("system token is required")
	}
	if len(cfg.AllowedOrigins) == 0 {
		cfg.AllowedOrigins = []string{"*"}
	}
	if cfg.QueryRate == 0 {
		cfg.QueryRate = rate.Every(time.Minute / 300)
	}
	if cfg.QueryBurst <= 0 {
		cfg.QueryBurst = 30
	}
	if cfg.ReadHeaderTimeout <= 0 {
		cfg.ReadHeaderTimeout = 10 * time.Second
	}
	if cfg.Version == "" {
		cfg.Version = "dev"
	}
	return nil
}
