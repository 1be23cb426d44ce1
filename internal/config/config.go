// Package config defines the closed set of options the runtime core
// consumes (spec §6), bound from environment variables with explicit
// defaults, matching the pack's env-var-driven settings convention.
package config

import (
	"time"

	"github.com/joeshaw/envdecode"
	"github.com/joho/godotenv"
)

// RateTable holds the per-unit billing rates (spec §4.5). CPU, memory and
// GPU rates are millicredits per hour per unit (core, GiB, full GPU); IO
// and bandwidth rates are millicredits per MB transferred.
type RateTable struct {
	CPUUnitRateMillis       int64 `env:"CPU_UNIT_RATE_MILLIS,default=1000"`
	MemUnitRateMillis       int64 `env:"MEM_UNIT_RATE_MILLIS,default=100"`
	GPUUnitRateMillis       int64 `env:"GPU_UNIT_RATE_MILLIS,default=100000"`
	IOUnitRateMillis        int64 `env:"IO_UNIT_RATE_MILLIS,default=10"`
	BandwidthUnitRateMillis int64 `env:"BANDWIDTH_UNIT_RATE_MILLIS,default=1000"`
}

// EnvironmentMultiplier is the fixed table keyed by environment class,
// expressed as a fixed-point value scaled by 1000 (so 0.5 == 500).
type EnvironmentMultiplier struct {
	Development int64 `env:"ENV_MULT_DEVELOPMENT,default=0"`
	Staging     int64 `env:"ENV_MULT_STAGING,default=500"`
	Production  int64 `env:"ENV_MULT_PRODUCTION,default=1000"`
	GPU         int64 `env:"ENV_MULT_GPU,default=5000"`
	HighMemory  int64 `env:"ENV_MULT_HIGH_MEMORY,default=2000"`
}

// EarningTable is the closed table of credits awarded per contribution
// kind, in millicredits, grounded on credits_service_memory.py's
// CREDITS_PER_* constants.
type EarningTable struct {
	PRMergeMillis        int64 `env:"EARN_PR_MERGE_MILLIS,default=100000"`
	HelpfulAnswerMillis  int64 `env:"EARN_HELPFUL_ANSWER_MILLIS,default=50000"`
	TemplateUseMillis    int64 `env:"EARN_TEMPLATE_USE_MILLIS,default=10000"`
	BugFixMillis         int64 `env:"EARN_BUG_FIX_MILLIS,default=75000"`
	ReferralMillis       int64 `env:"EARN_REFERRAL_MILLIS,default=200000"`
	DocumentationMillis  int64 `env:"EARN_DOCUMENTATION_MILLIS,default=25000"`
	CodeReviewMillis     int64 `env:"EARN_CODE_REVIEW_MILLIS,default=40000"`
	HackathonWinMillis   int64 `env:"EARN_HACKATHON_WIN_MILLIS,default=1000000"`
}

// PoolTuning is the warm-pool sizing policy (spec §4.2/§6). A single
// instance applies to every (runtime, version) key; there are no per-key
// overrides.
type PoolTuning struct {
	Min       int           `env:"POOL_MIN,default=2"`
	Max       int           `env:"POOL_MAX,default=10"`
	ReuseAge  time.Duration `env:"POOL_REUSE_AGE,default=1h"`
	HighWater float64       `env:"POOL_HIGH_WATER,default=0.8"`
	LowWater  float64       `env:"POOL_LOW_WATER,default=0.2"`
	Step      int           `env:"POOL_STEP,default=2"`
}

// TeamCaps is the optional team-pool spending policy.
type TeamCaps struct {
	MemberDailyCapMillis    int64 `env:"TEAM_MEMBER_DAILY_CAP_MILLIS,default=0"`
	MemberMonthlyCapMillis  int64 `env:"TEAM_MEMBER_MONTHLY_CAP_MILLIS,default=0"`
	ApprovalThresholdMillis int64 `env:"TEAM_APPROVAL_THRESHOLD_MILLIS,default=50000"`
}

// SecurityPaths is the configured allow/block mount-path sets (spec §4.1).
type SecurityPaths struct {
	AllowedPrefixes []string `env:"MOUNT_ALLOWED_PREFIXES,default=/workspace;/tmp"`
	BlockedTargets  []string `env:"MOUNT_BLOCKED_TARGETS,default=/proc;/sys;/dev"`
	EnvDenyList     []string `env:"ENV_DENY_LIST,default=AWS_SECRET_ACCESS_KEY;DATABASE_URL;PRIVATE_KEY"`
}

// Config is the single closed configuration object consumed by the core.
type Config struct {
	HTTPPort string `env:"HTTP_PORT,default=8080"`
	DriverName string `env:"DRIVER_NAME,default=docker"`
	APIKey   string `env:"API_KEY"`
	JWTSecret string `env:"JWT_SECRET,default=dev-insecure-secret"`

	StoreBackend string `env:"STORE_BACKEND,default=memory"`
	BoltPath     string `env:"BOLT_PATH,default=forge.db"`

	SampleInterval         time.Duration `env:"SAMPLE_INTERVAL,default=1s"`
	HistoryWindow          time.Duration `env:"HISTORY_WINDOW,default=5m"`
	IdleCPUThresholdPct    float64       `env:"IDLE_CPU_THRESHOLD_PCT,default=1.0"`
	IdleMemThresholdBytes  int64         `env:"IDLE_MEM_THRESHOLD_BYTES,default=104857600"`
	IdleDurationThreshold  time.Duration `env:"IDLE_DURATION_THRESHOLD,default=5m"`
	CommitInterval         time.Duration `env:"COMMIT_INTERVAL,default=60s"`

	HeartbeatInterval time.Duration `env:"HEARTBEAT_INTERVAL,default=30s"`
	HeartbeatTimeout  time.Duration `env:"HEARTBEAT_TIMEOUT,default=90s"`

	HealthProbeInterval time.Duration `env:"HEALTH_PROBE_INTERVAL,default=30s"`
	HealthProbeTimeout  time.Duration `env:"HEALTH_PROBE_TIMEOUT,default=5s"`
	HealthMaxFailures   int           `env:"HEALTH_MAX_FAILURES,default=3"`
	IdleLoopInterval    time.Duration `env:"IDLE_LOOP_INTERVAL,default=30s"`
	PoolManagerInterval time.Duration `env:"POOL_MANAGER_INTERVAL,default=60s"`
	AutoscaleInterval   time.Duration `env:"AUTOSCALE_INTERVAL,default=300s"`

	EngineCreateDeadline time.Duration `env:"ENGINE_CREATE_DEADLINE,default=30s"`
	EngineStatsDeadline  time.Duration `env:"ENGINE_STATS_DEADLINE,default=10s"`

	MonthlyAllocationMillis int64 `env:"MONTHLY_ALLOCATION_MILLIS,default=100000"`
	RolloverCapacityMillis  int64 `env:"ROLLOVER_CAPACITY_MILLIS,default=200000"`

	// LanguageServerCommand/DebugAdapterCommand, when set, are the
	// in-sandbox commands internal/multiplex's exec-based LSP/DAP proxies
	// run for every lsp_request/dap_request; empty disables the proxy.
	LanguageServerCommand string `env:"LANGUAGE_SERVER_COMMAND"`
	DebugAdapterCommand   string `env:"DEBUG_ADAPTER_COMMAND"`

	Rates      RateTable
	EnvMult    EnvironmentMultiplier
	Earning    EarningTable
	Pool       PoolTuning
	TeamCaps   TeamCaps
	Security   SecurityPaths
}

// Load reads an optional .env file (development convenience, ignored if
// absent) then binds environment variables onto a Config with defaults.
func Load() (*Config, error) {
	_ = godotenv.Load()

	var cfg Config
	if err := envdecode.StrictDecode(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// EnvironmentMultiplierFor resolves the fixed-point multiplier (scaled by
// 1000) for a given environment class, defaulting to production (1000)
// for unknown classes.
func (c *Config) EnvironmentMultiplierFor(class string) int64 {
	switch class {
	case "development":
		return c.EnvMult.Development
	case "staging":
		return c.EnvMult.Staging
	case "production":
		return c.EnvMult.Production
	case "gpu":
		return c.EnvMult.GPU
	case "high_memory":
		return c.EnvMult.HighMemory
	default:
		return c.EnvMult.Production
	}
}

// EarningAmountMillis resolves the closed earning-kind table.
func (c *Config) EarningAmountMillis(kind string) (int64, bool) {
	switch kind {
	case "pr_merge":
		return c.Earning.PRMergeMillis, true
	case "helpful_answer":
		return c.Earning.HelpfulAnswerMillis, true
	case "template_use":
		return c.Earning.TemplateUseMillis, true
	case "bug_fix":
		return c.Earning.BugFixMillis, true
	case "referral":
		return c.Earning.ReferralMillis, true
	case "documentation":
		return c.Earning.DocumentationMillis, true
	case "code_review":
		return c.Earning.CodeReviewMillis, true
	case "hackathon_win":
		return c.Earning.HackathonWinMillis, true
	default:
		return 0, false
	}
}
