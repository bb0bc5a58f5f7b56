// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: MPL-2.0

package login

import (
	"fmt"
	"strings"
)

// Strategy is the mechanism used to reach the provider's sign-in UI.
type Strategy int

const (
	// StrategyPopup completes sign-in without leaving the current process:
	// the provider returns its result to a listener owned by the caller.
	StrategyPopup Strategy = iota + 1

	// StrategyRedirect hands the browser to the provider and picks the result
	// up on a later load, after the provider redirects back.
	StrategyRedirect
)

func (s Strategy) String() string {
	switch s {
	case StrategyPopup:
		return "popup"
	case StrategyRedirect:
		return "redirect"
	default:
		return fmt.Sprintf("strategy(%d)", int(s))
	}
}

// ParseStrategy parses "popup" or "redirect" (case-insensitive).
func ParseStrategy(s string) (Strategy, error) {
	const op = "login.ParseStrategy"
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "popup":
		return StrategyPopup, nil
	case "redirect":
		return StrategyRedirect, nil
	default:
		return 0, fmt.Errorf("%s: unknown strategy %q: %w", op, s, ErrInvalidParameter)
	}
}

func (s Strategy) valid() bool {
	return s == StrategyPopup || s == StrategyRedirect
}

// Status is the lifecycle state of a sign-in attempt.
type Status int

const (
	StatusIdle Status = iota
	StatusInProgress
	StatusAwaitingRedirectResult
	StatusSucceeded
	StatusFailed
)

func (s Status) String() string {
	switch s {
	case StatusIdle:
		return "idle"
	case StatusInProgress:
		return "in progress"
	case StatusAwaitingRedirectResult:
		return "awaiting redirect result"
	case StatusSucceeded:
		return "succeeded"
	case StatusFailed:
		return "failed"
	default:
		return fmt.Sprintf("status(%d)", int(s))
	}
}

// Attempt represents one user-initiated sign-in. It's only mutated by the
// Orchestrator.
type Attempt struct {
	Strategy  Strategy `json:"strategy"`
	Status    Status   `json:"status"`
	LastError *Err     `json:"-"`
}

// Outcome is the single value delivered by the channel returned from each
// Orchestrator operation.
type Outcome struct {
	// Status of the attempt when the operation finished.
	Status Status

	// Strategy that produced the outcome.
	Strategy Strategy

	// FellBack is true when the popup strategy failed and the redirect
	// strategy was tried in its place.
	FellBack bool

	// NoOp is true when ResolvePendingResult found nothing to resolve.
	NoOp bool

	// Navigated is the target the Navigator was sent to, if any.
	Navigated string

	// Err is the error reported to the user, if any.
	Err *Err
}
