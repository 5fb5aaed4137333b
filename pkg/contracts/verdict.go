package contracts

import "time"

// Decision is the Council's final classification of a candidate.
type Decision string

const (
	VerdictAccept Decision = "accept"
	VerdictReject Decision = "reject"
	VerdictModify Decision = "modify"
)

// DecisionReason is the machine-readable reason behind Decision.
type DecisionReason string

const (
	ReasonConsensus     DecisionReason = "consensus"
	ReasonHardReject    DecisionReason = "hard_reject"
	ReasonQuorum        DecisionReason = "quorum"
	ReasonBudget        DecisionReason = "budget"
	ReasonMandatoryGate DecisionReason = "mandatory_gate"
	ReasonWaived        DecisionReason = "waived"
)

// Verdict is the Council's signed, immutable decision record for one
// candidate. Verdict is append-only: once written to the
// Provenance Store it is never mutated.
type Verdict struct {
	ID                 string         `json:"id"`
	TaskID             string         `json:"task_id"`
	Decision           Decision       `json:"decision"`
	DecisionReason     DecisionReason `json:"decision_reason"`
	ConsensusScore     float64        `json:"consensus_score"`
	Votes              []JudgeVote    `json:"votes"`
	JudgeSnapshot      []JudgeSpec    `json:"judge_snapshot"`
	NeedInvestigation  bool           `json:"need_investigation,omitempty"`
	DissentText        string         `json:"dissent_text"`
	Remediation        []Finding      `json:"remediation,omitempty"`
	ConstitutionalRefs []string       `json:"constitutional_refs,omitempty"`
	CAWSCompliance     CAWSResult     `json:"caws_compliance"`
	ContractPayload    map[string]any `json:"contract_payload,omitempty"`
	CreatedAt          time.Time      `json:"created_at"`

	// Provenance / signing — populated by the signer and the chain store at
	// append time.
	Signature string `json:"signature"`
	KeyID     string `json:"key_id"`
	PrevHash  string `json:"prev_hash"`
	SelfHash  string `json:"self_hash"`
}

// ForSigning returns a copy of the Verdict with Signature and SelfHash
// cleared — the canonical form signatures are computed over.
func (v Verdict) ForSigning() Verdict {
	v.Signature = ""
	v.SelfHash = ""
	return v
}
