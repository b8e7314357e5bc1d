package types

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

// SandboxStatus represents the lifecycle state of a sandbox
type SandboxStatus string

const (
	StatusCreating     SandboxStatus = "creating"
	StatusStarting     SandboxStatus = "starting"
	StatusReady        SandboxStatus = "ready"
	StatusRunning      SandboxStatus = "running"
	StatusShuttingDown SandboxStatus = "shutting_down"
	StatusStopped      SandboxStatus = "stopped"
	StatusFailed       SandboxStatus = "failed"
	StatusExpired      SandboxStatus = "expired"
)

// AllStatuses lists every legal status value, in lifecycle order.
var AllStatuses = []SandboxStatus{
	StatusCreating,
	StatusStarting,
	StatusReady,
	StatusRunning,
	StatusShuttingDown,
	StatusStopped,
	StatusFailed,
	StatusExpired,
}

// Terminal reports whether the status is absorbing. A sandbox in a
// terminal state never changes status again.
func (s SandboxStatus) Terminal() bool {
	return s == StatusStopped || s == StatusFailed
}

// Active reports whether the sandbox can accept exec and heartbeat calls.
func (s SandboxStatus) Active() bool {
	return s == StatusReady || s == StatusRunning
}

// ValidTransition reports whether from -> to is a legal edge of the
// sandbox state machine. Self-transitions are not legal.
func ValidTransition(from, to SandboxStatus) bool {
	switch from {
	case StatusCreating:
		return to == StatusStarting || to == StatusFailed
	case StatusStarting:
		return to == StatusReady || to == StatusFailed
	case StatusReady:
		return to == StatusRunning || to == StatusShuttingDown || to == StatusExpired
	case StatusRunning:
		return to == StatusShuttingDown || to == StatusExpired
	case StatusExpired:
		// Expired sandboxes are torn down through the normal destroy path.
		return to == StatusShuttingDown
	case StatusShuttingDown:
		return to == StatusStopped
	default:
		// stopped and failed are absorbing
		return false
	}
}

// StopReason records why a sandbox left the active part of its lifecycle
type StopReason string

const (
	StopReasonUserRequested    StopReason = "user_requested"
	StopReasonExpired          StopReason = "expired"
	StopReasonError            StopReason = "error"
	StopReasonGracefulShutdown StopReason = "graceful_shutdown"
	StopReasonAdmin            StopReason = "admin"
)

// Sandbox is the registry record for one ephemeral sandbox. The store is
// the source of truth; the container engine is only ever queried.
type Sandbox struct {
	ID           string         `json:"id" db:"id"`
	UserID       string         `json:"user_id" db:"user_id"`
	Status       SandboxStatus  `json:"status" db:"status"`
	ContainerID  string         `json:"container_id,omitempty" db:"container_id"`
	CreatedAt    time.Time      `json:"created_at" db:"created_at"`
	UpdatedAt    time.Time      `json:"updated_at" db:"updated_at"`
	ExpiresAt    time.Time      `json:"expires_at" db:"expires_at"`
	LastActiveAt time.Time      `json:"last_active_at" db:"last_active_at"`
	StopReason   StopReason     `json:"stop_reason,omitempty" db:"stop_reason"`
	WorkingDir   string         `json:"working_dir,omitempty" db:"working_dir"`
	Config       map[string]any `json:"config,omitempty" db:"-"`
}

// Clone returns a deep copy. Stores hand out clones so callers can't
// mutate records behind the store's back.
func (s *Sandbox) Clone() *Sandbox {
	if s == nil {
		return nil
	}
	out := *s
	if s.Config != nil {
		out.Config = make(map[string]any, len(s.Config))
		for k, v := range s.Config {
			out.Config[k] = v
		}
	}
	return &out
}

// Expired reports whether the sandbox lease has lapsed at the given time.
// Only active sandboxes can expire.
func (s *Sandbox) Expired(now time.Time) bool {
	return s.Status.Active() && !s.ExpiresAt.After(now)
}

// NewSandboxID returns a fresh sandbox identifier of the form
// sbx-<12 hex chars>.
func NewSandboxID() string {
	raw := strings.ReplaceAll(uuid.New().String(), "-", "")
	return "sbx-" + raw[:12]
}

// In-container protocol contract. The driver injects the environment,
// the agent honors it, and the readiness probe watches the marker.
const (
	ReadyMarkerPath = "/tmp/.sandbox_ready"
	HotPath         = "/home/agent"
	ColdPath        = "/data/cold"

	EnvSandboxID       = "SANDBOX_ID"
	EnvUserID          = "USER_ID"
	EnvS3Bucket        = "S3_BUCKET"
	EnvS3Region        = "S3_REGION"
	EnvHotPath         = "HOT_PATH"
	EnvColdPath        = "COLD_PATH"
	EnvShutdownTimeout = "SHUTDOWN_TIMEOUT_SECONDS"
)

// Container labels stamped by the driver, namespaced by the configured
// label prefix (default "matrx").
const (
	LabelSandboxID = "sandbox_id"
	LabelUserID    = "user_id"
	LabelCreatedAt = "created_at"
	LabelManaged   = "managed"
)

// ExecRequest is a command execution request against a sandbox.
type ExecRequest struct {
	Command    string        `json:"command"`
	WorkingDir string        `json:"cwd,omitempty"`
	Timeout    time.Duration `json:"-"`

	// User is the in-container account the command runs as. Empty
	// means the engine default; the manager always fills it so user
	// commands never run as the root agent.
	User string `json:"-"`
}

// ExecResult is the outcome of a command execution.
type ExecResult struct {
	ExitCode   int    `json:"exit_code"`
	Stdout     string `json:"stdout"`
	Stderr     string `json:"stderr"`
	WorkingDir string `json:"cwd"`
}

// MaxCommandBytes bounds the exec command payload.
const MaxCommandBytes = 10000
