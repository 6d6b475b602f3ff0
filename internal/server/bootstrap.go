package server

import (
	"fmt"

	"github.com/indirect/gemstash/internal/config"
)

func buildUpstreamRoute(cfg *config.Config, up config.UpstreamConfig) (*UpstreamRoute, error) {
	src, err := up.Source(cfg.Global.EnvPrefix)
	if err != nil {
		return nil, fmt.Errorf("upstream %s: %w", up.Name, err)
	}
	return &UpstreamRoute{
		Name:       up.Name,
		Domain:     normalizeDomain(up.Domain),
		ListenPort: cfg.Global.ListenPort,
		Source:     src,
	}, nil
}

func defaultRoute(cfg *config.Config) (*UpstreamRoute, error) {
	src, err := cfg.DefaultSource()
	if err != nil {
		return nil, fmt.Errorf("RubygemsURL: %w", err)
	}
	return &UpstreamRoute{
		Name:       DefaultRouteName,
		ListenPort: cfg.Global.ListenPort,
		Source:     src,
		Default:    true,
	}, nil
}
