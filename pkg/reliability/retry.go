package reliability

import (
	"math"
	"math/rand"
	"time"

	"github.com/tempoworks/tempo/pkg/config"
)

// Policy computes retry schedules: exponential backoff with a cap and
// ±20% jitter. Per-node overrides shadow the defaults.
type Policy struct {
	defaults  config.RetryConfig
	overrides map[string]config.RetryConfig
}

// NewPolicy builds a policy from the configured defaults.
func NewPolicy(defaults config.RetryConfig) *Policy {
	return &Policy{defaults: defaults, overrides: make(map[string]config.RetryConfig)}
}

// Override installs node-specific retry settings.
func (p *Policy) Override(nodeID string, cfg config.RetryConfig) {
	p.overrides[nodeID] = cfg
}

// MaxAttempts for a node.
func (p *Policy) MaxAttempts(nodeID string) int {
	return p.settings(nodeID).MaxAttempts
}

// ShouldRetry reports whether another attempt is allowed after attempt
// (1-based) failed.
func (p *Policy) ShouldRetry(nodeID string, attempt int) bool {
	return attempt < p.settings(nodeID).MaxAttempts
}

// Delay returns how long to wait before attempt+1. The base delay is
// base × multiplier^(attempt-1), capped, then jittered ±20%.
func (p *Policy) Delay(nodeID string, attempt int) time.Duration {
	cfg := p.settings(nodeID)
	if attempt < 1 {
		attempt = 1
	}

	base := cfg.BackoffBaseSeconds * math.Pow(cfg.BackoffMultiplier, float64(attempt-1))
	capped := math.Min(base, float64(cfg.MaxBackoffSeconds))
	jittered := capped * (0.8 + 0.4*rand.Float64())
	return time.Duration(jittered * float64(time.Second))
}

func (p *Policy) settings(nodeID string) config.RetryConfig {
	if cfg, ok := p.overrides[nodeID]; ok {
		return cfg
	}
	return p.defaults
}
