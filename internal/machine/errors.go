package machine

import (
	"fmt"
	"time"
)

// ConfigError reports a required machine option that is absent, mistyped or out of range.
// No remote call is made once it is returned.
type ConfigError struct {
	Machine string
	Field   string
	Reason  string
	Err     error
}

func (e *ConfigError) Error() string {
	msg := fmt.Sprintf("machine %q: option %q", e.Machine, e.Field)
	if e.Reason != "" {
		msg += ": " + e.Reason
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *ConfigError) Unwrap() error { return e.Err }

// ImageNotFoundError is returned when the base image does not exist in the account.
type ImageNotFoundError struct {
	Provider string
	Name     string
}

func (e *ImageNotFoundError) Error() string {
	return fmt.Sprintf("%s: can't find image %q among the account's images", e.Provider, e.Name)
}

// ProviderError wraps a failed provider API call.
type ProviderError struct {
	Provider string
	Op       string
	Err      error
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("%s: %s failed: %v", e.Provider, e.Op, e.Err)
}

func (e *ProviderError) Unwrap() error { return e.Err }

// UnsupportedOperationError is returned when a driver lacks a capability the
// reconciliation needs, e.g. starting a stopped machine.
type UnsupportedOperationError struct {
	Provider string
	Op       string
}

func (e *UnsupportedOperationError) Error() string {
	return fmt.Sprintf("%s: %s is not supported", e.Provider, e.Op)
}

// PollTimeoutError is returned when a node does not reach the wanted state in time.
type PollTimeoutError struct {
	VMID    string
	Want    NodeState
	Last    NodeState
	Timeout time.Duration
	// Err is the last status query error, if the final attempts failed
	Err error
}

func (e *PollTimeoutError) Error() string {
	msg := fmt.Sprintf("timed out after %s waiting for VM %s to be %s (last state %s)", e.Timeout, e.VMID, e.Want, e.Last)
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *PollTimeoutError) Unwrap() error { return e.Err }
