package engine

import (
	"encoding/json"
	"fmt"
)

// Mode selects how Changer.Change binds to the remote client.
type Mode string

const (
	// ModeCreate makes every change a pure create that fails on existing resources.
	ModeCreate Mode = "create"

	// ModeUpdate makes every change an upsert.
	ModeUpdate Mode = "update"
)

// ModeFor returns ModeUpdate when force is set and ModeCreate otherwise.
func ModeFor(force bool) Mode {
	if force {
		return ModeUpdate
	}
	return ModeCreate
}

// Validate checks if the mode is valid.
func (m Mode) Validate() error {
	switch m {
	case ModeCreate, ModeUpdate:
		return nil
	default:
		return fmt.Errorf("invalid mode: %s", m)
	}
}

// RunStatus represents the overall status of a deployment or undeploy run.
type RunStatus string

const (
	// RunStatusPending indicates the run is prepared but no entity was dispatched.
	RunStatusPending RunStatus = "pending"

	// RunStatusRunning indicates the run is currently executing.
	RunStatusRunning RunStatus = "running"

	// RunStatusSucceeded indicates the run completed successfully.
	RunStatusSucceeded RunStatus = "succeeded"

	// RunStatusFailed indicates the run stopped on an error.
	RunStatusFailed RunStatus = "failed"

	// RunStatusCancelled indicates the context was cancelled between waves.
	RunStatusCancelled RunStatus = "cancelled"

	// RunStatusPartial indicates some entities were deployed before the run failed.
	RunStatusPartial RunStatus = "partial"
)

// IsTerminal returns true if the run status represents a final state.
func (s RunStatus) IsTerminal() bool {
	return s == RunStatusSucceeded || s == RunStatusFailed ||
		s == RunStatusCancelled || s == RunStatusPartial
}

// Validate checks if the run status is valid.
func (s RunStatus) Validate() error {
	switch s {
	case RunStatusPending, RunStatusRunning, RunStatusSucceeded,
		RunStatusFailed, RunStatusCancelled, RunStatusPartial:
		return nil
	default:
		return fmt.Errorf("invalid run status: %s", s)
	}
}

// MarshalJSON implements custom JSON marshaling for type-safe enum serialization.
func (s RunStatus) MarshalJSON() ([]byte, error) {
	return json.Marshal(string(s))
}

// UnmarshalJSON implements custom JSON unmarshaling with validation.
func (s *RunStatus) UnmarshalJSON(data []byte) error {
	var str string
	if err := json.Unmarshal(data, &str); err != nil {
		return err
	}
	*s = RunStatus(str)
	return s.Validate()
}

// NodeStatus is the scheduling state of one dependency graph node.
type NodeStatus string

const (
	// NodePending waits for dependencies.
	NodePending NodeStatus = "pending"

	// NodeReady has all graph-internal dependencies deployed.
	NodeReady NodeStatus = "ready"

	// NodeDeployed was dispatched successfully.
	NodeDeployed NodeStatus = "deployed"

	// NodeFailed was dispatched and rejected.
	NodeFailed NodeStatus = "failed"
)

// IsTerminal returns true for deployed and failed nodes.
func (s NodeStatus) IsTerminal() bool {
	return s == NodeDeployed || s == NodeFailed
}
