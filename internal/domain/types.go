package domain

// RunState represents the lifecycle state of a run
type RunState string

const (
	RunCreated   RunState = "created"
	RunRunning   RunState = "running"
	RunCompleted RunState = "completed"
	RunFailed    RunState = "failed"
	RunAborted   RunState = "aborted"
)

// Terminal returns true if the run state is final
func (s RunState) Terminal() bool {
	switch s {
	case RunCompleted, RunFailed, RunAborted:
		return true
	}
	return false
}

// runTransitions encodes the allowed forward transitions for a run
var runTransitions = map[RunState][]RunState{
	RunCreated: {RunRunning, RunFailed},
	RunRunning: {RunCompleted, RunFailed, RunAborted},
}

// CanTransitionRun reports whether a run may move from one state to another
func CanTransitionRun(from, to RunState) bool {
	for _, next := range runTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// PhaseState represents the execution state of a phase
type PhaseState string

const (
	PhasePending       PhaseState = "pending"
	PhaseDispatched    PhaseState = "dispatched"
	PhaseBuilding      PhaseState = "building"
	PhaseAuditing      PhaseState = "auditing"
	PhaseDoneSuccess   PhaseState = "done_success"
	PhaseEscalated     PhaseState = "escalated_retry"
	PhaseDoneEscalated PhaseState = "done_escalated_success"
	PhaseFailed        PhaseState = "failed"
	PhaseBlockedQuota  PhaseState = "blocked_quota"
)

// Terminal returns true if the phase state is final
func (s PhaseState) Terminal() bool {
	switch s {
	case PhaseDoneSuccess, PhaseDoneEscalated, PhaseFailed, PhaseBlockedQuota:
		return true
	}
	return false
}

// Successful returns true for terminal states that count as a passed phase
func (s PhaseState) Successful() bool {
	return s == PhaseDoneSuccess || s == PhaseDoneEscalated
}

// phaseTransitions encodes the phase state machine. ESCALATED_RETRY is the
// only state that loops back into BUILDING; terminal states have no exits.
var phaseTransitions = map[PhaseState][]PhaseState{
	PhasePending:    {PhaseDispatched, PhaseFailed, PhaseBlockedQuota},
	PhaseDispatched: {PhaseBuilding, PhaseFailed, PhaseBlockedQuota},
	PhaseBuilding:   {PhaseAuditing, PhaseEscalated, PhaseFailed, PhaseBlockedQuota},
	PhaseAuditing:   {PhaseDoneSuccess, PhaseDoneEscalated, PhaseEscalated, PhaseFailed, PhaseBlockedQuota},
	PhaseEscalated:  {PhaseBuilding, PhaseFailed, PhaseBlockedQuota},
}

// CanTransitionPhase reports whether a phase may move from one state to another
func CanTransitionPhase(from, to PhaseState) bool {
	for _, next := range phaseTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// SafetyProfile controls how strictly budgets are derived for a run
type SafetyProfile string

const (
	ProfileLenient SafetyProfile = "lenient"
	ProfileNormal  SafetyProfile = "normal"
	ProfileStrict  SafetyProfile = "strict"
)

// Valid returns true if the profile is a known value
func (p SafetyProfile) Valid() bool {
	switch p {
	case ProfileLenient, ProfileNormal, ProfileStrict:
		return true
	}
	return false
}

// RunScope describes how much of the plan a run covers
type RunScope string

const (
	ScopeIncremental RunScope = "incremental"
	ScopeMultiTier   RunScope = "multi_tier"
)

// Complexity classifies how hard a phase is expected to be
type Complexity string

const (
	ComplexityLow    Complexity = "low"
	ComplexityMedium Complexity = "medium"
	ComplexityHigh   Complexity = "high"
)

// Severity classifies issues
type Severity string

const (
	SeverityMinor    Severity = "minor"
	SeverityMajor    Severity = "major"
	SeverityCritical Severity = "critical"
)

// Rank returns an ordering for severities (higher is worse)
func (s Severity) Rank() int {
	switch s {
	case SeverityCritical:
		return 3
	case SeverityMajor:
		return 2
	case SeverityMinor:
		return 1
	}
	return 0
}

// IssueScope tags where an issue was recorded
type IssueScope string

const (
	IssueScopePhase   IssueScope = "phase"
	IssueScopeRun     IssueScope = "run"
	IssueScopeProject IssueScope = "project"
)

// Role identifies which agent role a model selection or usage event is for
type Role string

const (
	RoleBuilder Role = "builder"
	RoleAuditor Role = "auditor"
)

// Verdict is an auditor's overall judgement of an applied change
type Verdict string

const (
	VerdictApproved    Verdict = "approved"
	VerdictIssuesFound Verdict = "issues_found"
)
