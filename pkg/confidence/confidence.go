// Package confidence implements the confidence lifecycle as pure
// functions: initial scoring, reinforcement, time decay, contradiction
// resolution, and the archival test. All graph mutations route their
// confidence math through here so boost and decay rules live in one
// place.
package confidence

import (
	"time"

	"github.com/memloom/memloom/pkg/config"
	"github.com/memloom/memloom/pkg/types"
)

// HedgeLevel classifies how strongly an utterance was hedged.
type HedgeLevel string

const (
	HedgeNone     HedgeLevel = "none"
	HedgeMild     HedgeLevel = "mild"
	HedgeModerate HedgeLevel = "moderate"
	HedgeStrong   HedgeLevel = "strong"
)

const daysPerMonth = 30.44

// Engine evaluates confidence using configured parameters. The zero
// value is not usable; construct with New.
type Engine struct {
	cfg config.ConfidenceConfig
	dec config.DecayConfig
}

// New returns an Engine bound to the given parameters.
func New(cfg config.ConfidenceConfig, dec config.DecayConfig) *Engine {
	return &Engine{cfg: cfg, dec: dec}
}

// Base returns the configured base score for a provenance mechanism.
// User corrections score as explicit: the user said so directly.
func (e *Engine) Base(mechanism types.Provenance) float64 {
	switch mechanism {
	case types.ProvenanceExplicit, types.ProvenanceUserCorrection:
		return e.cfg.BaseExplicit
	case types.ProvenanceObservational:
		return e.cfg.BaseObservational
	case types.ProvenanceInferential:
		return e.cfg.BaseInferential
	case types.ProvenanceReflective:
		return e.cfg.BaseReflective
	}
	return e.cfg.BaseInferential
}

// HedgeMultiplier returns the configured multiplier for a hedge level.
func (e *Engine) HedgeMultiplier(h HedgeLevel) float64 {
	switch h {
	case HedgeNone:
		return e.cfg.HedgeNone
	case HedgeMild:
		return e.cfg.HedgeMild
	case HedgeModerate:
		return e.cfg.HedgeModerate
	case HedgeStrong:
		return e.cfg.HedgeStrong
	}
	return e.cfg.HedgeModerate
}

// Initial computes the confidence of a freshly extracted fact:
// base(mechanism) x hedge multiplier x sentiment strength, clamped.
func (e *Engine) Initial(mechanism types.Provenance, hedge HedgeLevel, sentimentStrength float64) float64 {
	if sentimentStrength <= 0 {
		sentimentStrength = 1.0
	}
	return e.Clamp(e.Base(mechanism) * e.HedgeMultiplier(hedge) * sentimentStrength)
}

// Reinforce moves confidence toward the cap by the configured boost:
// new = old + boost x (1 - old).
func (e *Engine) Reinforce(current float64) float64 {
	return e.Clamp(current + e.cfg.ReinforcementBoost*(1-current))
}

// DecayRate returns the monthly decay rate for a temporal type.
func (e *Engine) DecayRate(t types.TemporalType) float64 {
	switch t {
	case types.TemporalTrait:
		return e.dec.TraitRate
	case types.TemporalState:
		return e.dec.StateRate
	case types.TemporalWish:
		return e.dec.WishRate
	case types.TemporalEpisode:
		return e.dec.EpisodeRate
	}
	return e.dec.StateRate
}

// Decay computes the confidence after elapsed time since the last
// reinforcement. Decay is linear in months past the grace period:
// new = current - rate x max(0, months - grace). Trait edges are exempt
// while trait decay protection is enabled.
func (e *Engine) Decay(current, rate float64, elapsed time.Duration, temporal types.TemporalType) float64 {
	if e.cfg.TraitDecayShield && temporal == types.TemporalTrait {
		return current
	}
	months := elapsed.Hours() / 24 / daysPerMonth
	graceMonths := float64(e.dec.GraceDays) / daysPerMonth
	effective := months - graceMonths
	if effective <= 0 {
		return current
	}
	return e.Clamp(current - rate*effective)
}

// Supersedes reports whether a contradicting fact is strong enough to
// retire the existing edge: the new confidence must exceed the old by at
// least the configured margin.
func (e *Engine) Supersedes(old, new float64) bool {
	return new >= old+e.cfg.ContradictMargin
}

// ShouldArchive reports whether a decayed edge drops out of the active
// graph.
func (e *Engine) ShouldArchive(current float64) bool {
	return current < e.cfg.ArchiveThreshold
}

// Clamp bounds a confidence to [0, max_confidence].
func (e *Engine) Clamp(c float64) float64 {
	if c < 0 {
		return 0
	}
	if c > e.cfg.MaxConfidence {
		return e.cfg.MaxConfidence
	}
	return c
}
