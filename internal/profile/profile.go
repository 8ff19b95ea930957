// Package profile validates agent strategy profiles. Profile JSON arrives
// untyped from storage and must pass here before an agent may trade.
package profile

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
	"unicode"
)

// Goals
const (
	GoalMaximizePnl  = "maximize_pnl"
	GoalRiskAdjusted = "risk_adjusted"
	GoalMinDrawdown  = "min_drawdown"
)

// Styles
const (
	StyleConservative = "conservative"
	StyleModerate     = "moderate"
	StyleAggressive   = "aggressive"
)

const maxCustomRulesLen = 500

// Constraints bound an agent's trading behavior.
type Constraints struct {
	MaxTradePct        float64 `json:"maxTradePct"`
	MaxPositionPct     float64 `json:"maxPositionPct"`
	CooldownTicks      int     `json:"cooldownTicks"`
	MaxTradesPerWindow int     `json:"maxTradesPerWindow"`
}

// Filters gate trading on minimum market activity. Both zero disables them.
type Filters struct {
	MinEvents1h    int     `json:"minEvents1h"`
	MinVolumeMon1h float64 `json:"minVolumeMon1h"`
}

// Config is a validated agent profile.
type Config struct {
	Goal        string      `json:"goal"`
	Style       string      `json:"style"`
	Constraints Constraints `json:"constraints"`
	Filters     Filters     `json:"filters"`
	CustomRules string      `json:"customRules,omitempty"`
}

// Parse validates raw profile JSON into a Config.
func Parse(raw string) (*Config, error) {
	var cfg Config
	if err := json.Unmarshal([]byte(raw), &cfg); err != nil {
		return nil, fmt.Errorf("profile json: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	cfg.CustomRules = Sanitize(cfg.CustomRules, maxCustomRulesLen)
	return &cfg, nil
}

// Validate checks enumerations and numeric ranges.
func (c *Config) Validate() error {
	switch c.Goal {
	case GoalMaximizePnl, GoalRiskAdjusted, GoalMinDrawdown:
	default:
		return fmt.Errorf("invalid goal %q", c.Goal)
	}
	switch c.Style {
	case StyleConservative, StyleModerate, StyleAggressive:
	default:
		return fmt.Errorf("invalid style %q", c.Style)
	}
	if c.Constraints.MaxTradePct <= 0 || c.Constraints.MaxTradePct > 1 {
		return fmt.Errorf("maxTradePct %v out of (0, 1]", c.Constraints.MaxTradePct)
	}
	if c.Constraints.MaxPositionPct <= 0 || c.Constraints.MaxPositionPct > 1 {
		return fmt.Errorf("maxPositionPct %v out of (0, 1]", c.Constraints.MaxPositionPct)
	}
	if c.Constraints.CooldownTicks < 0 {
		return fmt.Errorf("cooldownTicks must be non-negative")
	}
	if c.Constraints.MaxTradesPerWindow <= 0 {
		return fmt.Errorf("maxTradesPerWindow must be positive")
	}
	if c.Filters.MinEvents1h < 0 || c.Filters.MinVolumeMon1h < 0 {
		return fmt.Errorf("filters must be non-negative")
	}
	if len(c.CustomRules) > maxCustomRulesLen {
		return fmt.Errorf("customRules exceeds %d chars", maxCustomRulesLen)
	}
	return nil
}

// FiltersDisabled reports that both activity filters are zero, which turns
// the guardrail filter rules off.
func (c *Config) FiltersDisabled() bool {
	return c.Filters.MinEvents1h == 0 && c.Filters.MinVolumeMon1h == 0
}

// Hash returns a stable hash of the profile contents. Equal profiles hash
// equal regardless of the stored JSON's key order.
func (c *Config) Hash() string {
	canonical, _ := json.Marshal(c)
	sum := sha256.Sum256(canonical)
	return hex.EncodeToString(sum[:])
}

// Sanitize strips control characters and clamps free text before it is
// embedded in a prompt.
func Sanitize(s string, maxLen int) string {
	var b strings.Builder
	for _, r := range s {
		if unicode.IsControl(r) && r != '\n' {
			continue
		}
		b.WriteRune(r)
	}
	out := strings.TrimSpace(b.String())
	if maxLen > 0 && len(out) > maxLen {
		out = out[:maxLen]
	}
	return out
}
