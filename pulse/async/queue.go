package async

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/teranos/kairos/errors"
)

// SubscriberChannelBufferSize is the buffer size for subscriber channels
const SubscriberChannelBufferSize = 100

// Queue wraps a JobStore and fans every successful state change out to
// subscribers. It satisfies JobStore itself, so the dispatcher and the
// continuation manager write through it and observers see every transition.
type Queue struct {
	JobStore

	mu          sync.RWMutex
	subscribers []chan *Job // Channels to notify of job updates
}

// NewQueue creates a queue over a store
func NewQueue(store JobStore) *Queue {
	return &Queue{
		JobStore:    store,
		subscribers: make([]chan *Job, 0),
	}
}

// Create persists a job and notifies subscribers
func (q *Queue) Create(ctx context.Context, job *Job) error {
	if err := q.JobStore.Create(ctx, job); err != nil {
		err = errors.Wrap(err, "failed to enqueue job")
		err = errors.WithDetail(err, fmt.Sprintf("Job ID: %s", job.ID))
		err = errors.WithDetail(err, fmt.Sprintf("Handler: %s", job.HandlerName))
		return err
	}
	q.notify(job)
	return nil
}

func (q *Queue) ClaimDue(ctx context.Context, limit int, now time.Time, claimedBy string) ([]*Job, error) {
	return q.notifyAll(q.JobStore.ClaimDue(ctx, limit, now, claimedBy))
}

func (q *Queue) PromoteRetries(ctx context.Context, now time.Time) ([]*Job, error) {
	return q.notifyAll(q.JobStore.PromoteRetries(ctx, now))
}

func (q *Queue) RequeueOrphaned(ctx context.Context) ([]*Job, error) {
	return q.notifyAll(q.JobStore.RequeueOrphaned(ctx))
}

func (q *Queue) MarkProcessing(ctx context.Context, id string) (*Job, error) {
	return q.notifyOne(q.JobStore.MarkProcessing(ctx, id))
}

func (q *Queue) MarkSucceeded(ctx context.Context, id string) (*Job, error) {
	return q.notifyOne(q.JobStore.MarkSucceeded(ctx, id))
}

func (q *Queue) MarkFailed(ctx context.Context, id string, cause error) (*Job, error) {
	return q.notifyOne(q.JobStore.MarkFailed(ctx, id, cause))
}

func (q *Queue) MarkRetrying(ctx context.Context, id string, nextFireAt time.Time, cause error) (*Job, error) {
	return q.notifyOne(q.JobStore.MarkRetrying(ctx, id, nextFireAt, cause))
}

func (q *Queue) Unclaim(ctx context.Context, id string) (*Job, error) {
	return q.notifyOne(q.JobStore.Unclaim(ctx, id))
}

func (q *Queue) Reschedule(ctx context.Context, id string, nextFireAt time.Time) (*Job, error) {
	return q.notifyOne(q.JobStore.Reschedule(ctx, id, nextFireAt))
}

func (q *Queue) Cancel(ctx context.Context, id string, reason string) (*Job, error) {
	return q.notifyOne(q.JobStore.Cancel(ctx, id, reason))
}

func (q *Queue) ReleaseChildren(ctx context.Context, parentID string) ([]*Job, error) {
	return q.notifyAll(q.JobStore.ReleaseChildren(ctx, parentID))
}

func (q *Queue) CancelChildren(ctx context.Context, parentID string, reason string) ([]*Job, error) {
	return q.notifyAll(q.JobStore.CancelChildren(ctx, parentID, reason))
}

func (q *Queue) UpdateRecurring(ctx context.Context, job *Job) (*Job, error) {
	return q.notifyOne(q.JobStore.UpdateRecurring(ctx, job))
}

// Subscribe returns a channel that receives job updates.
// The caller is responsible for calling Unsubscribe when done.
// The returned channel is buffered to prevent blocking the notifier.
func (q *Queue) Subscribe() chan *Job {
	q.mu.Lock()
	defer q.mu.Unlock()

	ch := make(chan *Job, SubscriberChannelBufferSize)
	q.subscribers = append(q.subscribers, ch)
	return ch
}

// Unsubscribe removes a subscriber channel from the queue.
// The channel is NOT closed by this method; callers close it themselves
// after unsubscribing if needed.
func (q *Queue) Unsubscribe(ch chan *Job) {
	q.mu.Lock()
	defer q.mu.Unlock()

	for i, sub := range q.subscribers {
		if sub == ch {
			q.subscribers = append(q.subscribers[:i], q.subscribers[i+1:]...)
			return
		}
	}
}

func (q *Queue) notifyOne(job *Job, err error) (*Job, error) {
	if err == nil {
		q.notify(job)
	}
	return job, err
}

func (q *Queue) notifyAll(jobs []*Job, err error) ([]*Job, error) {
	if err == nil {
		q.notify(jobs...)
	}
	return jobs, err
}

// notify sends job updates to all subscribers without blocking.
// A slow subscriber misses updates rather than stalling the dispatcher.
func (q *Queue) notify(jobs ...*Job) {
	q.mu.RLock()
	defer q.mu.RUnlock()

	for _, job := range jobs {
		for _, ch := range q.subscribers {
			select {
			case ch <- job:
			default:
			}
		}
	}
}
