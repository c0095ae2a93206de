package archive

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/park285/cheese-roomsync/internal/domain"
	"github.com/park285/cheese-roomsync/internal/obslog"
)

// Outbox writes records to a Store and keeps failed writes queued for
// retry. A duplicate counts as delivered.
type Outbox struct {
	store Store
	log   *zap.Logger

	baseDelay time.Duration
	maxDelay  time.Duration

	mu    sync.Mutex
	queue []*domain.GameRecord
	wake  chan struct{}
}

type OutboxOption func(*Outbox)

func WithRetryDelay(base, max time.Duration) OutboxOption {
	return func(o *Outbox) {
		if base > 0 {
			o.baseDelay = base
		}
		if max >= base && max > 0 {
			o.maxDelay = max
		}
	}
}

func WithOutboxLogger(l *zap.Logger) OutboxOption {
	return func(o *Outbox) {
		if l != nil {
			o.log = l
		}
	}
}

func NewOutbox(store Store, opts ...OutboxOption) *Outbox {
	o := &Outbox{
		store:     store,
		log:       obslog.L(),
		baseDelay: 500 * time.Millisecond,
		maxDelay:  30 * time.Second,
		wake:      make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Submit attempts one write. On failure the record stays queued and the
// write error is returned; Run keeps retrying it.
func (o *Outbox) Submit(ctx context.Context, rec *domain.GameRecord) error {
	err := o.write(ctx, rec)
	if err == nil {
		return nil
	}
	o.mu.Lock()
	o.queue = append(o.queue, rec)
	o.mu.Unlock()
	select {
	case o.wake <- struct{}{}:
	default:
	}
	return err
}

func (o *Outbox) write(ctx context.Context, rec *domain.GameRecord) error {
	err := o.store.Insert(ctx, rec)
	switch {
	case err == nil:
		o.log.Info("game_archived",
			zap.String("room_id", rec.RoomID),
			zap.String("record_id", rec.ID),
			zap.String("result", rec.Result),
			zap.String("reason", rec.Reason),
		)
		return nil
	case errors.Is(err, ErrDuplicateRecord):
		o.log.Debug("game_archive_duplicate", zap.String("room_id", rec.RoomID), zap.Time("started_at", rec.StartedAt))
		return nil
	default:
		o.log.Warn("game_archive_failed", zap.String("room_id", rec.RoomID), zap.String("record_id", rec.ID), zap.Error(err))
		return err
	}
}

// Pending is the number of records waiting for a retry.
func (o *Outbox) Pending() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.queue)
}

// Flush retries every queued record once and returns the first error.
func (o *Outbox) Flush(ctx context.Context) error {
	o.mu.Lock()
	batch := o.queue
	o.queue = nil
	o.mu.Unlock()

	var (
		first error
		keep  []*domain.GameRecord
	)
	for _, rec := range batch {
		if ctx.Err() != nil {
			keep = append(keep, rec)
			continue
		}
		if err := o.write(ctx, rec); err != nil {
			if first == nil {
				first = err
			}
			keep = append(keep, rec)
		}
	}

	o.mu.Lock()
	o.queue = append(keep, o.queue...)
	o.mu.Unlock()
	return first
}

// Run retries queued records with capped exponential backoff until ctx ends.
func (o *Outbox) Run(ctx context.Context) error {
	failures := 0
	for {
		var delay time.Duration
		if o.Pending() > 0 {
			delay = backoff(o.baseDelay, o.maxDelay, failures)
		}
		if delay == 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-o.wake:
				failures = 0
				continue
			}
		}
		t := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		case <-t.C:
		case <-o.wake:
			t.Stop()
		}
		if err := o.Flush(ctx); err != nil {
			failures++
		} else {
			failures = 0
		}
	}
}

func backoff(base, max time.Duration, failures int) time.Duration {
	d := base
	for i := 0; i < failures && d < max; i++ {
		d *= 2
	}
	if d > max {
		d = max
	}
	return d
}
