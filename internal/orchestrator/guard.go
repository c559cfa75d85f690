package orchestrator

import (
	"context"
	"fmt"
)

const (
	ReasonConflict     = "merge conflict with base branch"
	ReasonRebaseFailed = "rebase failed"
)

type GuardDecision int

const (
	GuardProceed GuardDecision = iota
	GuardRebased
	GuardConflict
	GuardRebaseFailed
	GuardCheckFailed
)

func (d GuardDecision) String() string {
	switch d {
	case GuardProceed:
		return "proceed"
	case GuardRebased:
		return "rebased"
	case GuardConflict:
		return "conflict"
	case GuardRebaseFailed:
		return "rebase-failed"
	case GuardCheckFailed:
		return "check-failed"
	}
	return fmt.Sprintf("GuardDecision(%d)", int(d))
}

// Halts reports whether the sprint must stop on this decision.
func (d GuardDecision) Halts() bool {
	switch d {
	case GuardProceed, GuardRebased:
		return false
	case GuardConflict, GuardRebaseFailed, GuardCheckFailed:
		return true
	}
	return true
}

// GuardResult is the decision plus the task failure reason for halting
// decisions.
type GuardResult struct {
	Decision GuardDecision
	Reason   string
}

func (g GuardResult) haltReason() HaltReason {
	switch g.Decision {
	case GuardConflict:
		return HaltConflict
	case GuardRebaseFailed:
		return HaltRebaseFailed
	case GuardCheckFailed:
		return HaltGuardFailed
	case GuardProceed, GuardRebased:
	}
	return HaltNone
}

// checkBase keeps the shared branch aligned with base. An unchanged base is a
// no-op. A base that moved is merged in memory first; any conflict stops the
// run, otherwise the branch is rebased. Conflicts are never resolved
// automatically, and not being able to tell counts as a conflict.
func (o *Orchestrator) checkBase(ctx context.Context, base string) GuardResult {
	advanced, err := o.vcs.BaseAdvanced(ctx, base)
	if err != nil {
		return GuardResult{Decision: GuardCheckFailed, Reason: fmt.Sprintf("could not compare with base branch: %v", err)}
	}
	if !advanced {
		return GuardResult{Decision: GuardProceed}
	}

	conflict, err := o.vcs.WouldConflict(ctx, base)
	if err != nil {
		return GuardResult{Decision: GuardCheckFailed, Reason: fmt.Sprintf("could not check for conflicts with base branch: %v", err)}
	}
	if conflict {
		return GuardResult{Decision: GuardConflict, Reason: ReasonConflict}
	}

	if err := o.vcs.Rebase(ctx, base); err != nil {
		o.logger.Warn("automatic rebase failed", "base", base, "error", err)
		return GuardResult{Decision: GuardRebaseFailed, Reason: ReasonRebaseFailed}
	}
	o.logger.Info("rebased shared branch onto updated base", "base", base)
	return GuardResult{Decision: GuardRebased}
}
