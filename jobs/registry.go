package jobs

import (
	"context"
	"sync"

	"github.com/patent-drafter/reqcore/types"
)

// Handler runs one job. The payload has already been decoded and validated.
type Handler func(ctx context.Context, payload types.OfficeActionPayload) (*types.JobResult, error)

// HandlerLoader builds a Handler on first use, so the queue does not import
// the code that does the work.
type HandlerLoader func() (Handler, error)

// ProgressSource reads live progress for a finished job from the entity it
// worked on.
type ProgressSource interface {
	Progress(ctx context.Context, payload types.OfficeActionPayload) (map[string]interface{}, error)
}

type Registry struct {
	mu      sync.Mutex
	loaders map[string]HandlerLoader
	loaded  map[string]Handler
}

func NewRegistry() *Registry {
	return &Registry{
		loaders: make(map[string]HandlerLoader),
		loaded:  make(map[string]Handler),
	}
}

func (r *Registry) Register(jobType string, loader HandlerLoader) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.loaders[jobType] = loader
	delete(r.loaded, jobType)
}

// RegisterHandler registers an already built handler.
func (r *Registry) RegisterHandler(jobType string, handler Handler) {
	r.Register(jobType, func() (Handler, error) { return handler, nil })
}

// Lookup returns the handler for jobType, loading it on first call. A
// failed load is retried on the next lookup.
func (r *Registry) Lookup(jobType string) (Handler, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if handler, ok := r.loaded[jobType]; ok {
		return handler, nil
	}

	loader, ok := r.loaders[jobType]
	if !ok {
		return nil, types.Errorf(types.ErrJobHandlerNotFound, "type: %s", jobType)
	}

	handler, err := loader()
	if err != nil {
		return nil, types.WrapError(err, "failed to load job handler")
	}
	if handler == nil {
		return nil, types.Errorf(types.ErrJobHandlerNotFound, "type: %s", jobType)
	}

	r.loaded[jobType] = handler
	return handler, nil
}
