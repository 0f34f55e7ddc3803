package stores

import (
	"time"
)

// Run is one persisted invocation.
type Run struct {
	ID          string    `json:"id"`
	ConfigPath  string    `json:"config_path"`
	Success     bool      `json:"success"`
	EnvCount    int       `json:"env_count"`
	FailedCount int       `json:"failed_count"`
	StartedAt   time.Time `json:"started_at"`
	Duration    time.Duration `json:"duration"`
	CreatedAt   time.Time `json:"created_at"`
}

// EnvResult is one persisted environment outcome.
type EnvResult struct {
	RunID         string        `json:"run_id"`
	Position      int           `json:"position"`
	Env           string        `json:"env"`
	Outcome       string        `json:"outcome"`
	Stage         string        `json:"stage"`
	ExitCode      int           `json:"exit_code"`
	FailedCommand string        `json:"failed_command,omitempty"`
	Error         string        `json:"error,omitempty"`
	Duration      time.Duration `json:"duration"`
}
