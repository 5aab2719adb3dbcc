// Package engine defines the narrow contract the ingestion path uses to
// start orchestration runs. The engine behind it owns the durable
// "request token → launch worker → wait for completion → clean up"
// sequence; callers only start runs and rely on the engine's atomic
// create-if-absent-by-name primitive for idempotency.
package engine

import (
	"context"
	"errors"
)

// ErrRunExists is returned by StartRun when a run with the requested
// name already exists. For the ingestion path this is the expected
// outcome of event redelivery, not an error condition.
var ErrRunExists = errors.New("orchestration run already exists")

// RunInput is the structured document a run is started with. It maps
// one-to-one onto a job-queued event that passed classification.
type RunInput struct {
	Owner      string          `json:"owner"`
	Repository string          `json:"repo"`
	RunID      int64           `json:"runId"`
	Labels     map[string]bool `json:"labels"`
}

// Engine starts orchestration runs. StartRun only starts the run -- it
// never waits for completion; long-running work happens entirely inside
// the engine.
type Engine interface {
	// StartRun starts one run uniquely named by name, carrying input
	// as its input document. Returns an opaque run handle, or
	// ErrRunExists if a run with that name was already started.
	StartRun(ctx context.Context, name string, input RunInput) (handle string, err error)
}
