// Package config loads the engine configuration from YAML with sensible
// defaults. Environment variables override individual endpoints in main.
package config

import (
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Endpoints are the remote collaborators the engine talks to.
type Endpoints struct {
	AuthURL   string `yaml:"auth_url"`
	LedgerURL string `yaml:"ledger_url"`
	FeedURL   string `yaml:"feed_url"`
}

// Timers control the recurring loops.
type Timers struct {
	SessionCheckSeconds int `yaml:"session_check_seconds"`
	ReconcileSeconds    int `yaml:"reconcile_seconds"`
}

// Ledger tunes the remote ledger client.
type Ledger struct {
	RateLimitPerMinute int `yaml:"rate_limit_per_minute"`
}

// Root is the top-level configuration.
type Root struct {
	Port      string    `yaml:"port"`
	Endpoints Endpoints `yaml:"endpoints"`
	Timers    Timers    `yaml:"timers"`
	Ledger    Ledger    `yaml:"ledger"`
}

// Load reads a YAML config file and applies defaults. A missing path
// returns the defaults unchanged.
func Load(path string) (Root, error) {
	var c Root
	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return c, err
		}
		if err := yaml.Unmarshal(b, &c); err != nil {
			return c, err
		}
	}

	if c.Port == "" {
		c.Port = "8080"
	}
	if c.Timers.SessionCheckSeconds == 0 {
		c.Timers.SessionCheckSeconds = 60
	}
	if c.Timers.ReconcileSeconds == 0 {
		c.Timers.ReconcileSeconds = 5
	}
	if c.Ledger.RateLimitPerMinute == 0 {
		c.Ledger.RateLimitPerMinute = 60
	}
	return c, nil
}

// SessionCheckInterval returns the session tick cadence.
func (c Root) SessionCheckInterval() time.Duration {
	return time.Duration(c.Timers.SessionCheckSeconds) * time.Second
}

// ReconcileInterval returns the reconciliation tick cadence.
func (c Root) ReconcileInterval() time.Duration {
	return time.Duration(c.Timers.ReconcileSeconds) * time.Second
}
