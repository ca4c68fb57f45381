package config

import (
	"fmt"
	"os"
	"strings"
)

// Config holds the environment-driven settings for the server.
type Config struct {
	SonosKey            string
	SonosSecret         string
	SpotifyClientID     string
	SpotifyClientSecret string

	// HostURL is the externally reachable root URL without a trailing
	// slash, e.g. "https://party.example.org". Used to build OAuth
	// redirect URIs and guest invite links.
	HostURL string

	Listen     string
	TrustProxy bool
}

// Load reads the configuration from the environment. Provider credentials
// are required; everything else has a default.
func Load() (*Config, error) {
	cfg := &Config{
		SonosKey:            os.Getenv("SONOS_KEY"),
		SonosSecret:         os.Getenv("SONOS_SECRET"),
		SpotifyClientID:     os.Getenv("SPOTIFY_CLIENT_ID"),
		SpotifyClientSecret: os.Getenv("SPOTIFY_CLIENT_SECRET"),
		HostURL:             strings.TrimSpace(os.Getenv("HOST_URL")),
		Listen:              os.Getenv("LISTEN"),
		TrustProxy:          true,
	}

	if cfg.SonosKey == "" || cfg.SonosSecret == "" {
		return nil, fmt.Errorf("SONOS_KEY and SONOS_SECRET must be set")
	}
	if cfg.SpotifyClientID == "" || cfg.SpotifyClientSecret == "" {
		return nil, fmt.Errorf("SPOTIFY_CLIENT_ID and SPOTIFY_CLIENT_SECRET must be set")
	}
	if cfg.HostURL == "" {
		return nil, fmt.Errorf("HOST_URL must be set")
	}
	if strings.HasSuffix(cfg.HostURL, "/") {
		return nil, fmt.Errorf("HOST_URL must not end with a trailing slash")
	}
	if cfg.Listen == "" {
		cfg.Listen = "0.0.0.0:8000"
	}
	if v := strings.ToLower(strings.TrimSpace(os.Getenv("TRUST_PROXY"))); v != "" {
		cfg.TrustProxy = v == "1" || v == "true" || v == "yes"
	}
	return cfg, nil
}
