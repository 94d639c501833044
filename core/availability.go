package core

import "fmt"

// UseCase selects the engine specialization a session is created for.
type UseCase int

const (
	// UseCaseGeneral is the default general-purpose configuration.
	UseCaseGeneral UseCase = 0
	// UseCaseContentTagging configures the engine for tagging and
	// classification output.
	UseCaseContentTagging UseCase = 1
)

// String returns the use case name.
func (u UseCase) String() string {
	switch u {
	case UseCaseGeneral:
		return "general"
	case UseCaseContentTagging:
		return "content_tagging"
	default:
		return fmt.Sprintf("use_case_%d", int(u))
	}
}

// GuardrailLevel selects how strictly the engine filters input and output.
type GuardrailLevel int

const (
	// GuardrailsDefault applies the engine's standard safety filtering.
	GuardrailsDefault GuardrailLevel = 0
	// GuardrailsPermissiveContentTransformations relaxes filtering for
	// transformations of caller-provided content.
	GuardrailsPermissiveContentTransformations GuardrailLevel = 1
)

// String returns the guardrail level name.
func (g GuardrailLevel) String() string {
	switch g {
	case GuardrailsDefault:
		return "default"
	case GuardrailsPermissiveContentTransformations:
		return "permissive_content_transformations"
	default:
		return fmt.Sprintf("guardrails_%d", int(g))
	}
}

// UnavailableReason explains why an engine reported itself unavailable.
type UnavailableReason int

const (
	// ReasonIntelligenceNotEnabled reports that the platform feature backing
	// the engine is switched off.
	ReasonIntelligenceNotEnabled UnavailableReason = 0
	// ReasonDeviceNotEligible reports hardware that cannot run the engine.
	ReasonDeviceNotEligible UnavailableReason = 1
	// ReasonModelNotReady reports assets that are still downloading or
	// otherwise not ready yet.
	ReasonModelNotReady UnavailableReason = 2
	// ReasonUnknown reports an unclassified availability failure.
	ReasonUnknown UnavailableReason = 255
)

// String returns the reason name.
func (r UnavailableReason) String() string {
	switch r {
	case ReasonIntelligenceNotEnabled:
		return "intelligence_not_enabled"
	case ReasonDeviceNotEligible:
		return "device_not_eligible"
	case ReasonModelNotReady:
		return "model_not_ready"
	case ReasonUnknown:
		return "unknown"
	default:
		return fmt.Sprintf("reason_%d", int(r))
	}
}

// Availability is an engine's self-reported readiness.
type Availability struct {
	Available bool
	Reason    UnavailableReason
}

// Available is the availability of a ready engine.
func Available() Availability {
	return Availability{Available: true}
}

// Unavailable builds an availability carrying the reason the engine cannot
// serve requests.
func Unavailable(reason UnavailableReason) Availability {
	return Availability{Available: false, Reason: reason}
}

// ModelConfig carries the engine configuration a session is created with.
type ModelConfig struct {
	UseCase    UseCase
	Guardrails GuardrailLevel
}
