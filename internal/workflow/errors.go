package workflow

import "errors"

var (
	// ErrNotFound indicates an unknown workflow instance.
	ErrNotFound = errors.New("workflow not found")

	// ErrInvalidStep indicates the named step does not exist or is not in a
	// completable state. The workflow is left unchanged.
	ErrInvalidStep = errors.New("invalid workflow step")

	// ErrPrerequisiteNotMet indicates a prerequisite step is not yet
	// completed or skipped. The workflow is left unchanged.
	ErrPrerequisiteNotMet = errors.New("step prerequisite not met")

	// ErrExecutorFailed wraps an automated step executor failure. The step
	// and workflow are marked failed; already-applied step state is kept
	// for diagnosis.
	ErrExecutorFailed = errors.New("step executor failed")

	// ErrTerminal indicates the workflow is already completed, failed, or
	// cancelled.
	ErrTerminal = errors.New("workflow is in a terminal state")

	// ErrGraph indicates an invalid step graph definition.
	ErrGraph = errors.New("invalid step graph")
)
