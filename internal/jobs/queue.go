package jobs

import (
	"context"
	"time"

	"github.com/ChuLiYu/pbem-host/internal/queue"
	"github.com/ChuLiYu/pbem-host/pkg/fx"
	"github.com/ChuLiYu/pbem-host/pkg/types"
)

// Queue is the Gateway over the durable queue server.
type Queue struct {
	q *queue.Server

	// Per-attempt timeout and attempts of one-shot jobs; zero uses the
	// server defaults.
	Timeout     time.Duration
	MaxAttempts int
}

// NewQueue wraps a started queue server.
func NewQueue(q *queue.Server) *Queue {
	return &Queue{q: q}
}

func (g *Queue) EnqueueOnce(ctx context.Context, key string, call types.Call) (types.JobID, error) {
	job, _, err := g.q.Enqueue(call, queue.EnqueueOptions{
		Key:         key,
		Timeout:     g.Timeout,
		MaxAttempts: g.MaxAttempts,
	})
	if err != nil {
		return "", err
	}
	return job.ID, nil
}

func (g *Queue) UpsertRecurring(ctx context.Context, def Definition) error {
	_, _, err := g.q.UpsertRecurring(def.ID, def.Cron, def.TimeZone, def.Call)
	return err
}

func (g *Queue) RemoveIfExists(ctx context.Context, id string) error {
	_, err := g.q.RemoveRecurring(id)
	return err
}

func (g *Queue) Lookup(ctx context.Context, id string) (fx.Option[Definition], error) {
	rec, ok := g.q.Recurring(id)
	if !ok {
		return fx.None[Definition](), nil
	}
	return fx.Some(Definition{ID: rec.ID, Cron: rec.Cron, TimeZone: rec.TimeZone, Call: rec.Call}), nil
}

func (g *Queue) Status(ctx context.Context, id types.JobID) (Status, error) {
	job, ok := g.q.Job(id)
	if !ok {
		return StatusUnknown, nil
	}
	return MapState(string(job.Status)), nil
}
