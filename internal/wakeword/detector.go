// Package wakeword decides when a passively listening meeting session should
// start or stop attending to the conversation.
package wakeword

import (
	"regexp"

	"go.uber.org/zap"

	"github.com/ent0n29/aida-voice/internal/logging"
	"github.com/ent0n29/aida-voice/internal/policy"
)

var wakePatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)\bhey\s+aida\b`),
	regexp.MustCompile(`(?i)\baida\b`),
	// "Ada" is a frequent mis-transcription of the assistant name.
	regexp.MustCompile(`(?i)\bhey\s+ada\b`),
}

var deactivatePatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)\bthanks?\s+aida\b`),
	regexp.MustCompile(`(?i)\bthat'?s?\s+all\s+aida\b`),
	regexp.MustCompile(`(?i)\bnever\s*mind\b`),
}

// Target is anything carrying the voice-active flag.
type Target interface {
	ID() string
	VoiceActive() bool
	SetVoiceActive(active bool) bool
}

// Transition is the outcome of evaluating one transcript fragment.
type Transition int

const (
	NoChange Transition = iota
	Activated
	Deactivated
)

func (t Transition) String() string {
	switch t {
	case Activated:
		return "activated"
	case Deactivated:
		return "deactivated"
	default:
		return "none"
	}
}

// Detector is stateless; a single value can be shared across sessions.
type Detector struct {
	logger *zap.Logger
}

func NewDetector(logger *zap.Logger) *Detector {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Detector{logger: logger.With(zap.String("component", "wakeword"))}
}

// MatchesWake reports whether text contains a wake phrase.
func (d *Detector) MatchesWake(text string) bool {
	return matchAny(wakePatterns, text)
}

// MatchesDeactivate reports whether text contains a deactivation phrase.
func (d *Detector) MatchesDeactivate(text string) bool {
	return matchAny(deactivatePatterns, text)
}

// Activate turns listening on. Calling it on an active target does nothing.
func (d *Detector) Activate(t Target) {
	if t.SetVoiceActive(true) {
		d.logger.Info("voice activated", zap.String("session_id", t.ID()))
	}
}

// Deactivate turns listening off. Calling it on an inactive target does nothing.
func (d *Detector) Deactivate(t Target) {
	if t.SetVoiceActive(false) {
		d.logger.Info("voice deactivated", zap.String("session_id", t.ID()))
	}
}

// Evaluate applies one transcript fragment to t. Deactivation phrases are
// checked first because every one of them also names the assistant.
func (d *Detector) Evaluate(text string, t Target) Transition {
	switch {
	case d.MatchesDeactivate(text):
		if !t.VoiceActive() {
			return NoChange
		}
		d.logger.Debug("deactivation phrase", policy.String("text", logging.Truncate(text, 80)))
		d.Deactivate(t)
		return Deactivated
	case d.MatchesWake(text):
		if t.VoiceActive() {
			return NoChange
		}
		d.logger.Debug("wake phrase", policy.String("text", logging.Truncate(text, 80)))
		d.Activate(t)
		return Activated
	default:
		return NoChange
	}
}

func matchAny(patterns []*regexp.Regexp, text string) bool {
	for _, p := range patterns {
		if p.MatchString(text) {
			return true
		}
	}
	return false
}
