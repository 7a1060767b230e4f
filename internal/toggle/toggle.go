// Package toggle resolves feature toggles and A/B experiment variants per user.
//
// A toggle resolves enabled only when every gate passes, in order:
//
//  1. A local override, if set, wins unconditionally.
//  2. The toggle's Enabled flag must be true.
//  3. The user's rollout bucket must fall below RolloutPercentage.
//  4. If UserGroups is non-empty, the user must be in at least one group.
//  5. Every Condition must match the user's context.
//
// Rollout buckets come from a BLAKE3 hash of the toggle name and user id, so a
// user resolves the same way for a toggle until its configuration changes.
package toggle

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"slices"
	"strings"

	"github.com/zeebo/blake3"
	"gopkg.in/yaml.v3"
)

// Well-known toggle names consumed by voxctl itself.
const (
	// AutoPlay gates speaking chat responses automatically.
	AutoPlay = "voice_auto_play"

	// RateLimiting gates admission control in the rate limiter.
	RateLimiting = "voice_rate_limiting"
)

// ErrInvalidConfig is wrapped by every validation failure.
var ErrInvalidConfig = errors.New("toggle: invalid config")

// ConditionType selects which part of the user context a Condition inspects.
type ConditionType string

const (
	ConditionBrowser  ConditionType = "browser"
	ConditionPlatform ConditionType = "platform"
	ConditionCustom   ConditionType = "custom"
)

// Condition is a runtime predicate a user must satisfy.
type Condition struct {
	Type ConditionType `yaml:"type" json:"type"`

	// Values lists the accepted browser families or platforms. For custom
	// conditions they are passed to the predicate.
	Values []string `yaml:"values,omitempty" json:"values,omitempty"`

	// Name selects the registered predicate of a custom condition.
	Name string `yaml:"name,omitempty" json:"name,omitempty"`
}

// Toggle is one feature toggle definition.
type Toggle struct {
	Name              string      `yaml:"name" json:"name"`
	Description       string      `yaml:"description,omitempty" json:"description,omitempty"`
	Enabled           bool        `yaml:"enabled" json:"enabled"`
	RolloutPercentage float64     `yaml:"rollout_percentage" json:"rollout_percentage"`
	UserGroups        []string    `yaml:"user_groups,omitempty" json:"user_groups,omitempty"`
	Conditions        []Condition `yaml:"conditions,omitempty" json:"conditions,omitempty"`
}

// Experiment is an A/B test assigning one of Variants to the sampled
// Percentage of users.
type Experiment struct {
	Name       string   `yaml:"name" json:"name"`
	Variants   []string `yaml:"variants" json:"variants"`
	Percentage float64  `yaml:"percentage" json:"percentage"`
}

// Config is a complete toggle document.
type Config struct {
	Toggles     []Toggle     `yaml:"toggles" json:"toggles"`
	Experiments []Experiment `yaml:"experiments,omitempty" json:"experiments,omitempty"`
}

// Validate checks names, percentages and condition types.
func (c Config) Validate() error {
	var errs []error
	seen := make(map[string]bool, len(c.Toggles))
	for i, t := range c.Toggles {
		if t.Name == "" {
			errs = append(errs, fmt.Errorf("%w: toggles[%d]: name is required", ErrInvalidConfig, i))
		} else if seen[t.Name] {
			errs = append(errs, fmt.Errorf("%w: toggles[%d]: duplicate name %q", ErrInvalidConfig, i, t.Name))
		}
		seen[t.Name] = true
		if t.RolloutPercentage < 0 || t.RolloutPercentage > 100 {
			errs = append(errs, fmt.Errorf("%w: toggle %q: rollout_percentage %v outside [0,100]", ErrInvalidConfig, t.Name, t.RolloutPercentage))
		}
		for j, cond := range t.Conditions {
			switch cond.Type {
			case ConditionBrowser, ConditionPlatform:
			case ConditionCustom:
				if cond.Name == "" {
					errs = append(errs, fmt.Errorf("%w: toggle %q: conditions[%d]: custom condition needs a name", ErrInvalidConfig, t.Name, j))
				}
			default:
				errs = append(errs, fmt.Errorf("%w: toggle %q: conditions[%d]: unknown type %q", ErrInvalidConfig, t.Name, j, cond.Type))
			}
		}
	}
	exps := make(map[string]bool, len(c.Experiments))
	for i, e := range c.Experiments {
		if e.Name == "" {
			errs = append(errs, fmt.Errorf("%w: experiments[%d]: name is required", ErrInvalidConfig, i))
		} else if exps[e.Name] {
			errs = append(errs, fmt.Errorf("%w: experiments[%d]: duplicate name %q", ErrInvalidConfig, i, e.Name))
		}
		exps[e.Name] = true
		if len(e.Variants) == 0 {
			errs = append(errs, fmt.Errorf("%w: experiment %q: at least one variant is required", ErrInvalidConfig, e.Name))
		}
		if e.Percentage < 0 || e.Percentage > 100 {
			errs = append(errs, fmt.Errorf("%w: experiment %q: percentage %v outside [0,100]", ErrInvalidConfig, e.Name, e.Percentage))
		}
	}
	return errors.Join(errs...)
}

// LoadConfig decodes and validates a YAML (or JSON) toggle document. Unknown
// fields are rejected.
func LoadConfig(r io.Reader) (Config, error) {
	var cfg Config
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		return Config{}, fmt.Errorf("toggle: decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// User is the context a toggle is resolved against.
type User struct {
	ID       string            `json:"id"`
	Groups   []string          `json:"groups,omitempty"`
	Browser  string            `json:"browser,omitempty"`
	Platform string            `json:"platform,omitempty"`
	Attrs    map[string]string `json:"attrs,omitempty"`
}

// InGroup reports whether u belongs to any of groups.
func (u User) InGroup(groups []string) bool {
	for _, g := range groups {
		if slices.Contains(u.Groups, g) {
			return true
		}
	}
	return false
}

// Predicate evaluates a custom condition against the user and the
// condition's configured values.
type Predicate func(u User, values []string) bool

// bucket maps (salt, userID) to [0, 10000).
func bucket(salt, userID string) uint32 {
	sum := blake3.Sum256([]byte(salt + ":" + userID))
	return binary.BigEndian.Uint32(sum[:4]) % 10000
}

// inRollout reports whether the bucket falls below pct (0–100, two decimals
// of resolution).
func inRollout(salt, userID string, pct float64) bool {
	return float64(bucket(salt, userID))/100 < pct
}

func matchAny(v string, accepted []string) bool {
	for _, a := range accepted {
		if strings.EqualFold(v, a) {
			return true
		}
	}
	return false
}

func (c Condition) matches(u User, predicates map[string]Predicate) bool {
	switch c.Type {
	case ConditionBrowser:
		return matchAny(u.Browser, c.Values)
	case ConditionPlatform:
		return matchAny(u.Platform, c.Values)
	case ConditionCustom:
		p, ok := predicates[c.Name]
		if !ok {
			slog.Debug("toggle: unknown custom predicate", "name", c.Name)
			return false
		}
		return p(u, c.Values)
	}
	return false
}
