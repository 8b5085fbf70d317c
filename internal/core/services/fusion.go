package services

import (
	"math"
	"sort"

	"incident-detector-service/internal/core/domain"
)

const (
	DefaultConfidenceThreshold = 0.75
	DefaultAmbiguityMargin     = 0.15
)

const (
	reasonNoIncident    = "No visible incident"
	reasonLikelyFake    = "Likely fake photo"
	reasonAmbiguous     = "Ambiguous"
	reasonLowConfidence = "Low confidence, needs human review"
	reasonValidIncident = "Valid incident"

	suffixNoIncident  = "No visible incident"
	suffixLikelyFake  = "This is likely a Fake Photo."
	suffixHumanReview = "This needs human intervention."
)

// incidentQualifiers are appended to the caption of accepted incidents.
var incidentQualifiers = map[string]string{
	"fire": "This appears to be a valid fire incident.",
	"road": "This seems to be a valid road accident or collision.",
}

// FusionPolicy holds the thresholds of the decision table.
type FusionPolicy struct {
	ConfidenceThreshold float64
	AmbiguityMargin     float64
}

func DefaultFusionPolicy() FusionPolicy {
	return FusionPolicy{
		ConfidenceThreshold: DefaultConfidenceThreshold,
		AmbiguityMargin:     DefaultAmbiguityMargin,
	}
}

// DecisionFusionEngine combines classifier output with auxiliary signals.
type DecisionFusionEngine struct {
	policy FusionPolicy
}

func NewDecisionFusionEngine(policy FusionPolicy) *DecisionFusionEngine {
	return &DecisionFusionEngine{policy: policy}
}

func (e *DecisionFusionEngine) Policy() FusionPolicy { return e.policy }

// IsAmbiguous applies the engine's margin to a raw score vector.
func (e *DecisionFusionEngine) IsAmbiguous(scores []float64) bool {
	return IsAmbiguous(scores, e.policy.AmbiguityMargin)
}

func (e *DecisionFusionEngine) Decide(c domain.ClassificationResult, caption string, isFake, isAmbiguous bool) domain.Verdict {
	return Decide(c, caption, isFake, isAmbiguous, e.policy.ConfidenceThreshold)
}

// Decide evaluates the ordered rule chain; the first matching rule wins.
func Decide(c domain.ClassificationResult, caption string, isFake, isAmbiguous bool, confidenceThreshold float64) domain.Verdict {
	switch {
	case c.Label == domain.LabelNoneAccident:
		return domain.Verdict{
			Label:      c.Label,
			Confidence: roundedConfidence(c.Confidence),
			Status:     domain.VerdictInvalid,
			Action:     domain.ActionReject,
			Reason:     reasonNoIncident,
			Caption:    withSuffix(caption, suffixNoIncident),
		}
	case isFake:
		return domain.Verdict{
			Label:   c.Label,
			Status:  domain.VerdictInvalid,
			Action:  domain.ActionReject,
			Reason:  reasonLikelyFake,
			Caption: withSuffix(caption, suffixLikelyFake),
		}
	case isAmbiguous:
		return domain.Verdict{
			Label:   domain.LabelNoneAccident,
			Status:  domain.VerdictInvalid,
			Action:  domain.ActionUncertain,
			Reason:  reasonAmbiguous,
			Caption: withSuffix(caption, suffixHumanReview),
		}
	case !(c.Confidence >= confidenceThreshold):
		return domain.Verdict{
			Label:   c.Label,
			Status:  domain.VerdictInvalid,
			Action:  domain.ActionUncertain,
			Reason:  reasonLowConfidence,
			Caption: withSuffix(caption, suffixHumanReview),
		}
	}

	merged := caption
	if q, ok := incidentQualifiers[c.Label]; ok {
		merged = withSuffix(caption, q)
	}
	return domain.Verdict{
		Label:      c.Label,
		Confidence: roundedConfidence(c.Confidence),
		Status:     domain.VerdictValid,
		Action:     domain.ActionAccept,
		Reason:     reasonValidIncident,
		Caption:    merged,
	}
}

// IsAmbiguous is true when the two best scores are closer than margin.
// Vectors it cannot judge are reported as not ambiguous.
func IsAmbiguous(scores []float64, margin float64) bool {
	if len(scores) < 2 {
		return false
	}
	sorted := make([]float64, len(scores))
	copy(sorted, scores)
	for _, v := range sorted {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return false
		}
	}
	sort.Sort(sort.Reverse(sort.Float64Slice(sorted)))
	return sorted[0]-sorted[1] < margin
}

func withSuffix(caption, suffix string) string {
	return caption + ". " + suffix
}

func roundedConfidence(v float64) *float64 {
	r := math.Round(v*1e4) / 1e4
	return &r
}
