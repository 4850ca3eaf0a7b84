// Package envelope implements the command envelope data model and the
// trust policy gate that decides whether an actuation request may cross
// the wire, generalizing the teacher's flat message-type constants
// (internal/dht/message.go) into a richer typed enum domain, and its
// endorsement-threshold check (internal/agent/trust.go) into the tier
// ordering comparison used by evaluateForwardTrust.
package envelope

import (
	"encoding/json"
	"sort"

	"github.com/ssd-technologies/clawmesh/internal/wireerr"
)

// TrustTier is a totally ordered label on evidence quality.
type TrustTier string

const (
	T0PlanningInference      TrustTier = "T0_planning_inference"
	T1UnverifiedObservation  TrustTier = "T1_unverified_observation"
	T2OperationalObservation TrustTier = "T2_operational_observation"
	T3VerifiedActionEvidence TrustTier = "T3_verified_action_evidence"
)

var trustTierRank = map[TrustTier]int{
	T0PlanningInference:      0,
	T1UnverifiedObservation:  1,
	T2OperationalObservation: 2,
	T3VerifiedActionEvidence: 3,
}

// Valid reports whether t is one of the four recognized tiers.
func (t TrustTier) Valid() bool {
	_, ok := trustTierRank[t]
	return ok
}

// Rank returns t's position in the total order, T0=0 .. T3=3. Callers must
// check Valid first; Rank of an invalid tier returns -1.
func (t TrustTier) Rank() int {
	if r, ok := trustTierRank[t]; ok {
		return r
	}
	return -1
}

// VerificationRequirement is the external confirmation an actuation needs
// before it may proceed.
type VerificationRequirement string

const (
	VerificationNone          VerificationRequirement = "none"
	VerificationDevice        VerificationRequirement = "device"
	VerificationHuman         VerificationRequirement = "human"
	VerificationDeviceOrHuman VerificationRequirement = "device_or_human"
)

// Valid reports whether v is a recognized verification requirement.
func (v VerificationRequirement) Valid() bool {
	switch v {
	case VerificationNone, VerificationDevice, VerificationHuman, VerificationDeviceOrHuman:
		return true
	}
	return false
}

// ActionType classifies what an envelope's operation does.
type ActionType string

const (
	ActionCommunication ActionType = "communication"
	ActionObservation   ActionType = "observation"
	ActionActuation     ActionType = "actuation"
)

// Valid reports whether a is a recognized action type.
func (a ActionType) Valid() bool {
	switch a {
	case ActionCommunication, ActionObservation, ActionActuation:
		return true
	}
	return false
}

// EvidenceSource classifies where a piece of supporting evidence came from.
type EvidenceSource string

const (
	EvidenceLLM    EvidenceSource = "llm"
	EvidenceSensor EvidenceSource = "sensor"
	EvidenceDevice EvidenceSource = "device"
	EvidenceHuman  EvidenceSource = "human"
	EvidenceMixed  EvidenceSource = "mixed"
)

// Valid reports whether e is a recognized evidence source.
func (e EvidenceSource) Valid() bool {
	switch e {
	case EvidenceLLM, EvidenceSensor, EvidenceDevice, EvidenceHuman, EvidenceMixed:
		return true
	}
	return false
}

// Trust is the envelope's trust metadata block.
type Trust struct {
	ActionType            ActionType              `json:"action_type"`
	EvidenceTrustTier     TrustTier               `json:"evidence_trust_tier"`
	MinimumTrustTier      TrustTier               `json:"minimum_trust_tier"`
	VerificationRequired  VerificationRequirement `json:"verification_required"`
	VerificationSatisfied *bool                   `json:"verification_satisfied,omitempty"`
	EvidenceSources       []EvidenceSource        `json:"evidence_sources,omitempty"`
	ApprovedBy            []string                `json:"approved_by,omitempty"`
}

// Source identifies the envelope's originator.
type Source struct {
	NodeID string `json:"nodeId"`
	Role   string `json:"role,omitempty"`
}

// TargetKind enumerates what an envelope's target.ref names.
type TargetKind string

const (
	TargetCapability TargetKind = "capability"
	TargetDevice     TargetKind = "device"
	TargetPeer       TargetKind = "peer"
	TargetTask       TargetKind = "task"
)

func (k TargetKind) Valid() bool {
	switch k {
	case TargetCapability, TargetDevice, TargetPeer, TargetTask:
		return true
	}
	return false
}

// Target is what an envelope's operation is aimed at.
type Target struct {
	Kind TargetKind `json:"kind"`
	Ref  string     `json:"ref"`
}

// Operation is what the envelope asks to be done.
type Operation struct {
	Name   string          `json:"name"`
	Params json.RawMessage `json:"params,omitempty"`
}

// Envelope is the command envelope (v1), the structured control-plane
// message carried inside a forward payload.
type Envelope struct {
	Version     int       `json:"version"`
	Kind        string    `json:"kind"`
	CommandID   string    `json:"commandId"`
	CreatedAtMs int64     `json:"createdAtMs"`
	Source      Source    `json:"source"`
	Target      Target    `json:"target"`
	Operation   Operation `json:"operation"`
	Trust       *Trust    `json:"trust,omitempty"`
	Note        string    `json:"note,omitempty"`
}

// ValidateEnvelope checks version, kind, required fields' shapes, and the
// domain of every trust enum present. An envelope with no trust block is
// structurally valid (the legacy no-trust path); evaluateForwardTrust
// still treats a missing trust block as allowed.
func ValidateEnvelope(e *Envelope) error {
	if e == nil {
		return wireerr.New(wireerr.CodeInvalidCommandEnvelope, "envelope is nil")
	}
	if e.Version != 1 {
		return wireerr.New(wireerr.CodeInvalidCommandEnvelope, "version must be 1")
	}
	if e.Kind != "command" {
		return wireerr.New(wireerr.CodeInvalidCommandEnvelope, `kind must be "command"`)
	}
	if e.CommandID == "" {
		return wireerr.New(wireerr.CodeInvalidCommandEnvelope, "commandId must be non-empty")
	}
	if e.CreatedAtMs <= 0 {
		return wireerr.New(wireerr.CodeInvalidCommandEnvelope, "createdAtMs must be a positive number")
	}
	if !e.Target.Kind.Valid() {
		return wireerr.New(wireerr.CodeInvalidCommandEnvelope, "target.kind outside its enum domain")
	}
	if e.Target.Ref == "" {
		return wireerr.New(wireerr.CodeInvalidCommandEnvelope, "target.ref must be non-empty")
	}
	if e.Operation.Name == "" {
		return wireerr.New(wireerr.CodeInvalidCommandEnvelope, "operation.name must be non-empty")
	}

	if e.Trust != nil {
		if err := validateTrustEnums(e.Trust); err != nil {
			return wireerr.New(wireerr.CodeInvalidCommandEnvelope, err.Error())
		}
	}
	return nil
}

func validateTrustEnums(t *Trust) error {
	if !t.ActionType.Valid() {
		return wireerr.New(wireerr.CodeInvalidTrustPolicy, "action_type outside its enum domain")
	}
	if !t.EvidenceTrustTier.Valid() {
		return wireerr.New(wireerr.CodeInvalidTrustPolicy, "evidence_trust_tier outside its enum domain")
	}
	if !t.MinimumTrustTier.Valid() {
		return wireerr.New(wireerr.CodeInvalidTrustPolicy, "minimum_trust_tier outside its enum domain")
	}
	if !t.VerificationRequired.Valid() {
		return wireerr.New(wireerr.CodeInvalidTrustPolicy, "verification_required outside its enum domain")
	}
	for _, s := range t.EvidenceSources {
		if !s.Valid() {
			return wireerr.New(wireerr.CodeInvalidTrustPolicy, "evidence_sources contains an unrecognized source")
		}
	}
	return nil
}

// EvaluateForwardTrust runs the trust policy gate against a single trust
// block. A nil block is treated as allowed (the legacy, trust-less path).
// An actuation block missing any of evidence_trust_tier, minimum_trust_tier
// or verification_required is denied with TRUST_METADATA_REQUIRED before
// enum domains are checked. Non-actuation action types pass once their enum
// shapes validate.
func EvaluateForwardTrust(t *Trust) *wireerr.Error {
	if t == nil {
		return nil
	}
	if t.ActionType == ActionActuation &&
		(t.EvidenceTrustTier == "" || t.MinimumTrustTier == "" || t.VerificationRequired == "") {
		return wireerr.New(wireerr.CodeTrustMetadataRequired, "actuation requires evidence_trust_tier, minimum_trust_tier, and verification_required")
	}
	if err := validateTrustEnums(t); err != nil {
		if werr, ok := err.(*wireerr.Error); ok {
			return werr
		}
		return wireerr.New(wireerr.CodeInvalidTrustPolicy, err.Error())
	}

	if t.ActionType != ActionActuation {
		return nil
	}

	if isLLMOnly(t.EvidenceSources) {
		return wireerr.New(wireerr.CodeLLMOnlyActuationBlocked, "actuation evidence is exclusively llm-sourced")
	}

	if t.EvidenceTrustTier.Rank() < t.MinimumTrustTier.Rank() {
		return wireerr.New(wireerr.CodeInsufficientTrustTier, "evidence_trust_tier is below minimum_trust_tier")
	}

	if t.VerificationRequired != VerificationNone {
		satisfied := t.VerificationSatisfied != nil && *t.VerificationSatisfied
		if !satisfied {
			return wireerr.New(wireerr.CodeVerificationRequired, "verification_required is not satisfied")
		}
	}

	return nil
}

// isLLMOnly reports whether sources is non-empty and every element is
// "llm" (duplicates included — ["llm","llm"] still blocks).
func isLLMOnly(sources []EvidenceSource) bool {
	if len(sources) == 0 {
		return false
	}
	for _, s := range sources {
		if s != EvidenceLLM {
			return false
		}
	}
	return true
}

// canonicalTrust is the sorted, comparable projection of a Trust block
// used by ResolveForwardTrust to compare command.trust against top-level
// trust independent of slice ordering.
type canonicalTrust struct {
	ActionType            ActionType
	EvidenceTrustTier     TrustTier
	MinimumTrustTier      TrustTier
	VerificationRequired  VerificationRequirement
	VerificationSatisfied bool
	EvidenceSources       []EvidenceSource
	ApprovedBy            []string
}

// CanonicalTrust projects t into its order-independent comparable form.
func CanonicalTrust(t *Trust) canonicalTrust {
	if t == nil {
		return canonicalTrust{}
	}
	sources := append([]EvidenceSource(nil), t.EvidenceSources...)
	sort.Slice(sources, func(i, j int) bool { return sources[i] < sources[j] })

	approved := append([]string(nil), t.ApprovedBy...)
	sort.Strings(approved)

	return canonicalTrust{
		ActionType:            t.ActionType,
		EvidenceTrustTier:     t.EvidenceTrustTier,
		MinimumTrustTier:      t.MinimumTrustTier,
		VerificationRequired:  t.VerificationRequired,
		VerificationSatisfied: t.VerificationSatisfied != nil && *t.VerificationSatisfied,
		EvidenceSources:       sources,
		ApprovedBy:            approved,
	}
}

func canonicalEqual(a, b canonicalTrust) bool {
	if a.ActionType != b.ActionType ||
		a.EvidenceTrustTier != b.EvidenceTrustTier ||
		a.MinimumTrustTier != b.MinimumTrustTier ||
		a.VerificationRequired != b.VerificationRequired ||
		a.VerificationSatisfied != b.VerificationSatisfied {
		return false
	}
	if len(a.EvidenceSources) != len(b.EvidenceSources) {
		return false
	}
	for i := range a.EvidenceSources {
		if a.EvidenceSources[i] != b.EvidenceSources[i] {
			return false
		}
	}
	if len(a.ApprovedBy) != len(b.ApprovedBy) {
		return false
	}
	for i := range a.ApprovedBy {
		if a.ApprovedBy[i] != b.ApprovedBy[i] {
			return false
		}
	}
	return true
}

// ResolveForwardTrust checks envelope/top-level trust consistency. When
// envelopeTrust is nil, topLevel is simply returned (nothing to compare
// against). A non-nil envelopeTrust that fails canonical equality against a
// non-nil topLevel yields TRUST_ENVELOPE_MISMATCH.
func ResolveForwardTrust(envelopeTrust, topLevel *Trust) (*Trust, *wireerr.Error) {
	if envelopeTrust == nil {
		return topLevel, nil
	}
	if topLevel == nil {
		return envelopeTrust, nil
	}
	if !canonicalEqual(CanonicalTrust(envelopeTrust), CanonicalTrust(topLevel)) {
		return nil, wireerr.New(wireerr.CodeTrustEnvelopeMismatch, "command.trust and top-level trust do not canonically match")
	}
	return topLevel, nil
}
