package jobs

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/ChuLiYu/pbem-host/internal/worker"
	"github.com/ChuLiYu/pbem-host/pkg/types"
)

// ErrUnknownAction is returned for jobs no handler is registered for.
var ErrUnknownAction = errors.New("unknown job action")

// Router dispatches jobs to handlers by action. Its Dispatch method is a
// worker.Handler.
type Router struct {
	mu       sync.RWMutex
	handlers map[string]worker.Handler
	log      *slog.Logger
}

func NewRouter(logger *slog.Logger) *Router {
	if logger == nil {
		logger = slog.Default()
	}
	return &Router{handlers: make(map[string]worker.Handler), log: logger}
}

// Handle registers h for action, replacing any previous handler.
func (r *Router) Handle(action string, h worker.Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[action] = h
}

// Actions lists the registered actions.
func (r *Router) Actions() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return sortedKeys(r.handlers)
}

// Dispatch runs the handler registered for job's action.
func (r *Router) Dispatch(ctx context.Context, job types.Job) error {
	r.mu.RLock()
	h, ok := r.handlers[job.Call.Action]
	r.mu.RUnlock()
	if !ok {
		return worker.Permanent(fmt.Errorf("%w: %q", ErrUnknownAction, job.Call.Action))
	}

	start := time.Now()
	r.log.Info("Job started", "job", job.ID, "action", job.Call.Action, "args", job.Call.Args, "attempt", job.Attempt)
	err := h(ctx, job)
	if err != nil {
		r.log.Warn("Job handler failed", "job", job.ID, "action", job.Call.Action, "duration", time.Since(start), "error", err)
		return err
	}
	r.log.Info("Job finished", "job", job.ID, "action", job.Call.Action, "duration", time.Since(start))
	return nil
}
