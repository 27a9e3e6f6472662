// Package feature decides which wallet capabilities a user may use.
package feature

import (
	"hash/fnv"
	"sort"
)

const (
	Deposits    = "deposits"
	Withdrawals = "withdrawals"
	Tipping     = "tipping"
	Transfers   = "transfers"
)

// Reason explains a gate decision.
type Reason string

const (
	ReasonOK              Reason = "ok"
	ReasonUnknownFeature  Reason = "unknown_feature"
	ReasonFeatureDisabled Reason = "feature_disabled"
	ReasonLevelTooLow     Reason = "level_too_low"
	ReasonNotInRollout    Reason = "not_in_rollout"
)

// Rule configures a single feature. RolloutPercent of 0 is treated as 100.
type Rule struct {
	Enabled        bool `yaml:"enabled" json:"enabled"`
	MinLevel       int  `yaml:"min_level" json:"minLevel"`
	RolloutPercent int  `yaml:"rollout_percent" json:"rolloutPercent"`
}

// Subject identifies the caller the gate is evaluated for.
type Subject struct {
	UserID string
	Level  int
}

// Decision is the gate outcome.
type Decision struct {
	Feature   string `json:"feature"`
	HasAccess bool   `json:"hasAccess"`
	Reason    Reason `json:"reason"`
}

// Gate evaluates rules. It is immutable after construction and safe for
// concurrent use.
type Gate struct {
	rules map[string]Rule
}

// NewGate copies rules into a new gate.
func NewGate(rules map[string]Rule) *Gate {
	copied := make(map[string]Rule, len(rules))
	for id, r := range rules {
		copied[id] = r
	}
	return &Gate{rules: copied}
}

// DefaultRules enables every wallet feature. Withdrawals need level 1.
func DefaultRules() map[string]Rule {
	return map[string]Rule{
		Deposits:    {Enabled: true},
		Withdrawals: {Enabled: true, MinLevel: 1},
		Tipping:     {Enabled: true},
		Transfers:   {Enabled: true},
	}
}

// HasAccess checks the enabled flag and the level threshold only.
func (g *Gate) HasAccess(featureID string, level int) Decision {
	rule, ok := g.rules[featureID]
	switch {
	case !ok:
		return Decision{Feature: featureID, Reason: ReasonUnknownFeature}
	case !rule.Enabled:
		return Decision{Feature: featureID, Reason: ReasonFeatureDisabled}
	case level < rule.MinLevel:
		return Decision{Feature: featureID, Reason: ReasonLevelTooLow}
	}
	return Decision{Feature: featureID, HasAccess: true, Reason: ReasonOK}
}

// Allow applies HasAccess and then the percentage rollout for the subject.
func (g *Gate) Allow(featureID string, s Subject) Decision {
	d := g.HasAccess(featureID, s.Level)
	if !d.HasAccess {
		return d
	}
	pct := g.rules[featureID].RolloutPercent
	if pct <= 0 || pct >= 100 {
		return d
	}
	if bucket(featureID, s.UserID) >= uint32(pct) {
		return Decision{Feature: featureID, Reason: ReasonNotInRollout}
	}
	return d
}

// All evaluates every configured feature for s, ordered by feature id.
func (g *Gate) All(s Subject) []Decision {
	ids := make([]string, 0, len(g.rules))
	for id := range g.rules {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	out := make([]Decision, 0, len(ids))
	for _, id := range ids {
		out = append(out, g.Allow(id, s))
	}
	return out
}

// bucket maps a user deterministically into [0, 100) per feature.
func bucket(featureID, userID string) uint32 {
	h := fnv.New32a()
	h.Write([]byte(featureID))
	h.Write([]byte{0})
	h.Write([]byte(userID))
	return h.Sum32() % 100
}
