package report

import (
	"fmt"
	"sync"

	"github.com/medclare/medclare/internal/platform/apperr"
)

// VerifyAction is a doctor's decision on an explanation.
type VerifyAction string

const (
	ActionApprove VerifyAction = "approve"
	ActionReject  VerifyAction = "reject"
)

// verificationTransitions lists, per current verification status, the actions
// a doctor may take. An approved report is reopened only by a content change.
var verificationTransitions = map[VerificationStatus][]VerifyAction{
	VerificationNone:     {ActionApprove, ActionReject},
	VerificationRejected: {ActionApprove, ActionReject},
	VerificationApproved: {},
}

// statusTransitions lists the processing states reachable from each state.
var statusTransitions = map[Status][]Status{
	StatusUploaded:   {StatusProcessing},
	StatusProcessing: {StatusExtracted, StatusExplained, StatusUploaded, StatusEdited},
	StatusExtracted:  {StatusProcessing},
	StatusExplained:  {StatusProcessing, StatusEdited},
	StatusEdited:     {StatusProcessing, StatusEdited},
}

// ValidateStatusTransition checks a processing state change. Leaving
// processing for a pre-run state is how a failed run restores its report.
func ValidateStatusTransition(from, to Status) error {
	allowed, ok := statusTransitions[from]
	if !ok {
		return apperr.InvalidTransition("status", fmt.Sprintf("unknown status %q", from))
	}
	for _, s := range allowed {
		if s == to {
			return nil
		}
	}
	return apperr.InvalidTransition("status", fmt.Sprintf("cannot move report from %s to %s", from, to))
}

// ValidateVerify returns the verification status that action leads to.
func ValidateVerify(r *Report, action VerifyAction) (VerificationStatus, error) {
	if action != ActionApprove && action != ActionReject {
		return "", apperr.Validation("verify", fmt.Sprintf("action must be approve or reject, got %q", action))
	}
	if !r.Status.HasExplanation() {
		return "", apperr.InvalidTransition("verify", fmt.Sprintf("report is %s, expected explained or edited", r.Status))
	}
	current := r.VerificationStatus
	if current == "" {
		current = VerificationNone
	}
	for _, a := range verificationTransitions[current] {
		if a == action {
			if action == ActionApprove {
				return VerificationApproved, nil
			}
			return VerificationRejected, nil
		}
	}
	return "", apperr.InvalidTransition("verify", fmt.Sprintf("cannot %s a report that is already %s", action, current))
}

// ValidateEdit checks that a report's explanation may be replaced by a doctor.
func ValidateEdit(r *Report) error {
	if r.Status.HasExplanation() || r.VerificationStatus == VerificationRejected {
		return nil
	}
	return apperr.InvalidTransition("edit", fmt.Sprintf("report is %s, expected explained or edited", r.Status))
}

// keyedMutex serializes work per report id within this process.
type keyedMutex struct {
	mu    sync.Mutex
	locks map[string]*keyedEntry
}

type keyedEntry struct {
	mu   sync.Mutex
	refs int
}

func newKeyedMutex() *keyedMutex {
	return &keyedMutex{locks: make(map[string]*keyedEntry)}
}

// Lock blocks until key is free and returns the unlock function.
func (k *keyedMutex) Lock(key string) func() {
	k.mu.Lock()
	e, ok := k.locks[key]
	if !ok {
		e = &keyedEntry{}
		k.locks[key] = e
	}
	e.refs++
	k.mu.Unlock()

	e.mu.Lock()
	return func() {
		e.mu.Unlock()
		k.mu.Lock()
		e.refs--
		if e.refs == 0 {
			delete(k.locks, key)
		}
		k.mu.Unlock()
	}
}
