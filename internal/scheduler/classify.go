package scheduler

import (
	"context"
	"errors"

	"git.home.luguber.info/inful/docfleet/internal/executor"
	ferrors "git.home.luguber.info/inful/docfleet/internal/foundation/errors"
	"git.home.luguber.info/inful/docfleet/internal/store"
)

// outcome is the terminal record of one attempt.
type outcome struct {
	status    store.Status
	reason    ferrors.ErrorCategory
	transient bool
}

func (o outcome) succeeded() bool { return o.status == store.StatusSucceeded }

// classifyResult maps a finished build to an outcome. The build tool's own
// failures are permanent; a timeout may be load related and is retried.
func classifyResult(res *executor.Result) outcome {
	if res.Succeeded() {
		return outcome{status: store.StatusSucceeded}
	}
	switch res.Reason {
	case ferrors.CategoryTimeout:
		return outcome{status: store.StatusFailed, reason: ferrors.CategoryTimeout, transient: true}
	case ferrors.CategoryEmptyOutput:
		return outcome{status: store.StatusFailed, reason: ferrors.CategoryEmptyOutput}
	default:
		return outcome{status: store.StatusFailed, reason: ferrors.CategoryBuildFailure}
	}
}

// classifyError maps an infrastructure error to an errored outcome. Errors
// without a build category count as sandbox faults.
func classifyError(err error) outcome {
	switch cat := ferrors.GetCategory(err); cat {
	case ferrors.CategorySourceUnavailable, ferrors.CategoryStorageFailure, ferrors.CategorySandboxFault:
		return outcome{status: store.StatusErrored, reason: cat, transient: true}
	case ferrors.CategoryTimeout:
		return outcome{status: store.StatusFailed, reason: cat, transient: true}
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return outcome{status: store.StatusFailed, reason: ferrors.CategoryTimeout, transient: true}
	}
	return outcome{status: store.StatusErrored, reason: ferrors.CategorySandboxFault, transient: true}
}
