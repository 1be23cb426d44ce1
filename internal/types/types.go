// Package types holds the shared data model for the runtime core: the
// plain structs and closed string enums that every other package passes
// around by id and looks up through the store rather than holding owning
// references to each other.
package types

import "time"

// EnvironmentClass selects the billing rate multiplier for a Session.
type EnvironmentClass string

const (
	EnvDevelopment EnvironmentClass = "development"
	EnvStaging     EnvironmentClass = "staging"
	EnvProduction  EnvironmentClass = "production"
	EnvGPU         EnvironmentClass = "gpu"
	EnvHighMemory  EnvironmentClass = "high_memory"
)

// SandboxState is the closed set of lifecycle states a Sandbox may be in.
type SandboxState string

const (
	SandboxCreating SandboxState = "creating"
	SandboxRunning  SandboxState = "running"
	SandboxIdle     SandboxState = "idle"
	SandboxReaping  SandboxState = "reaping"
	SandboxGone     SandboxState = "gone"
)

// ResourceLimits mirrors the limits the Driver hot-applies via update_limits.
type ResourceLimits struct {
	CPUShares float64 `json:"cpu_shares"`
	MemBytes  int64   `json:"mem_bytes"`
	PIDs      int64   `json:"pids"`
	IOBps     int64   `json:"io_bps"`
}

// SecurityProfile is the closed enumeration of isolation knobs passed
// through to the engine untouched.
type SecurityProfile struct {
	Name             string   `json:"name"`
	DroppedCaps      []string `json:"dropped_caps"`
	AddedCaps        []string `json:"added_caps"`
	SeccompProfile   string   `json:"seccomp_profile"`
	ApparmorProfile  string   `json:"apparmor_profile"`
	ReadonlyRootfs   bool     `json:"readonly_rootfs"`
	TmpfsMounts      []string `json:"tmpfs_mounts"`
	NetworkMode      string   `json:"network_mode"`
}

// SandboxLabels carries ownership and pooling metadata for a Sandbox.
type SandboxLabels struct {
	Owner     string    `json:"owner"`
	Project   string    `json:"project"`
	Session   string    `json:"session"`
	Pooled    bool      `json:"pooled"`
	CreatedAt time.Time `json:"created_at"`
}

// Sandbox is an isolated execution environment owned by at most one
// Session at a time. It is created exclusively by the Driver and
// assigned exclusively by the Orchestrator.
type Sandbox struct {
	ID              string          `json:"id"`
	Runtime         string          `json:"runtime"`
	Version         string          `json:"version"`
	Limits          ResourceLimits  `json:"limits"`
	SecurityProfile string          `json:"security_profile_ref"`
	State           SandboxState    `json:"state"`
	EngineHandle    string          `json:"engine_handle"`
	Labels          SandboxLabels   `json:"labels"`
}

// PoolKey identifies a warm pool bucket.
type PoolKey struct {
	Runtime string `json:"runtime"`
	Version string `json:"version"`
}

// PoolEntry is a Sandbox reserved in a pool keyed by (runtime, version).
type PoolEntry struct {
	Sandbox      *Sandbox  `json:"sandbox"`
	Key          PoolKey   `json:"key"`
	CreationTime time.Time `json:"creation_time"`
}

// TerminationCause is the closed set of reasons a Session ends.
type TerminationCause string

const (
	TerminationNone            TerminationCause = ""
	TerminationIdle            TerminationCause = "idle"
	TerminationCreditExhausted TerminationCause = "credit_exhausted"
	TerminationUnhealthy       TerminationCause = "unhealthy"
	TerminationClientClosed    TerminationCause = "client_closed"
	TerminationStale           TerminationCause = "stale"
	TerminationSlowClient      TerminationCause = "slow_client"
	TerminationAdmin           TerminationCause = "admin"
)

// Session binds one user/project to one Sandbox, from assignment to reap.
type Session struct {
	ID                string           `json:"id"`
	UserRef           string           `json:"user_ref"`
	ProjectRef        string           `json:"project_ref"`
	AssignedSandboxRef string          `json:"assigned_sandbox_ref"`
	EnvironmentClass  EnvironmentClass `json:"environment_class"`
	StartedAt         time.Time        `json:"started_at"`
	LastActivityAt    time.Time        `json:"last_activity_at"`
	IdleSince         *time.Time       `json:"idle_since,omitempty"`
	TerminatedAt      *time.Time       `json:"terminated_at,omitempty"`
	TerminationCause  TerminationCause `json:"termination_cause,omitempty"`
	FinalCostMillis   int64            `json:"final_cost_millicredits"`
	FinalCostComputed bool             `json:"final_cost_computed"`
}

// IsActive reports whether the session has not yet been terminated.
func (s *Session) IsActive() bool {
	return s.TerminatedAt == nil
}

// ResourceSnapshot is one timestamped resource-usage observation.
type ResourceSnapshot struct {
	SessionRef    string    `json:"session_ref"`
	TS            time.Time `json:"ts"`
	CPUPercent    float64   `json:"cpu_percent"`
	MemBytes      int64     `json:"mem_bytes"`
	DiskReadBytes int64     `json:"disk_read_bytes"`
	DiskWriteBytes int64    `json:"disk_write_bytes"`
	NetRxBytes    int64     `json:"net_rx_bytes"`
	NetTxBytes    int64     `json:"net_tx_bytes"`
	GPUPercent    *float64  `json:"gpu_percent,omitempty"`
	GPUMemBytes   *int64    `json:"gpu_mem_bytes,omitempty"`
	IsIdle        bool      `json:"is_idle"`
}

// ClientDescriptor identifies the connecting IDE client.
type ClientDescriptor struct {
	Kind         string   `json:"kind"`
	Version      string   `json:"version"`
	Capabilities []string `json:"capabilities"`
}

// IDEConnection is a duplex channel session bound to one Sandbox.
type IDEConnection struct {
	ID              string           `json:"id"`
	UserRef         string           `json:"user_ref"`
	ProjectRef      string           `json:"project_ref"`
	Client          ClientDescriptor `json:"client_descriptor"`
	BoundSandboxRef string           `json:"bound_sandbox_ref"`
	OpenedAt        time.Time        `json:"opened_at"`
	LastHeartbeatAt time.Time        `json:"last_heartbeat_at"`
}

// Awareness is one user's collaboration cursor/selection state.
type Awareness struct {
	UserRef      string `json:"user_ref"`
	Cursor       string `json:"cursor"`
	Selection    string `json:"selection"`
	FocusedFile  string `json:"focused_file"`
}

// TransactionKind is the closed set of ledger transaction kinds.
type TransactionKind string

const (
	TxGrant    TransactionKind = "grant"
	TxUsage    TransactionKind = "usage"
	TxEarning  TransactionKind = "earning"
	TxGiftOut  TransactionKind = "gift_out"
	TxGiftIn   TransactionKind = "gift_in"
	TxRollover TransactionKind = "rollover"
)

// EarningKind is the closed set of contribution types that earn credits.
type EarningKind string

const (
	EarnPRMerge        EarningKind = "pr_merge"
	EarnHelpfulAnswer   EarningKind = "helpful_answer"
	EarnTemplateUse     EarningKind = "template_use"
	EarnBugFix          EarningKind = "bug_fix"
	EarnReferral        EarningKind = "referral"
	EarnDocumentation   EarningKind = "documentation"
	EarnCodeReview      EarningKind = "code_review"
	EarnHackathonWin    EarningKind = "hackathon_win"
)

// Account is a user's credits balance and lifetime statistics. Balance
// and statistics are denominated in millicredits (1 credit = 1000
// millicredits) so sub-credit interval costs accumulate exactly.
type Account struct {
	ID                    string     `json:"id"`
	UserRef               string     `json:"user_ref"`
	BalanceMillis         int64      `json:"balance_millicredits"`
	LifetimeEarnedMillis  int64      `json:"lifetime_earned_millicredits"`
	LifetimeSpentMillis   int64      `json:"lifetime_spent_millicredits"`
	LifetimeGiftedSentMillis     int64 `json:"lifetime_gifted_sent_millicredits"`
	LifetimeGiftedReceivedMillis int64 `json:"lifetime_gifted_received_millicredits"`
	MonthlyAllocationMillis int64    `json:"monthly_allocation_millicredits"`
	RolloverCapacityMillis  int64    `json:"rollover_capacity_millicredits"`
	LastRolloverAt        *time.Time `json:"last_rollover_at,omitempty"`
	// LastRolloverCreditsMillis is an informational snapshot of
	// min(balance, RolloverCapacityMillis) at the last rollover; it does
	// not bound the actual balance.
	LastRolloverCreditsMillis int64 `json:"last_rollover_credits_millicredits"`
	TeamPoolRef           string     `json:"team_pool_ref,omitempty"`
}

// Transaction is an immutable, append-only ledger entry.
type Transaction struct {
	ID          string          `json:"id"`
	AccountRef  string          `json:"account_ref"`
	AmountMillis int64          `json:"amount_millicredits"`
	Kind        TransactionKind `json:"kind"`
	Description string          `json:"description"`
	Reference   string          `json:"reference,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
}

// TeamPool is a shared balance for members with per-member caps.
type TeamPool struct {
	ID                      string `json:"id"`
	TeamRef                 string `json:"team_ref"`
	BalanceMillis           int64  `json:"balance_millicredits"`
	MonthlyAllocationMillis int64  `json:"monthly_allocation_millicredits"`
	MemberDailyCapMillis    int64  `json:"member_daily_cap_millicredits"`
	MemberMonthlyCapMillis  int64  `json:"member_monthly_cap_millicredits"`
	ApprovalThresholdMillis int64  `json:"approval_threshold_millicredits"`
	TotalContributedMillis  int64  `json:"total_contributed_millicredits"`
	TotalConsumedMillis     int64  `json:"total_consumed_millicredits"`
}
