// Package jobs defines the asynq task carrying usage events to the worker.
package jobs

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/hibiken/asynq"

	"github.com/avym/foliostate/internal/usagelog"
)

const TaskLogUsage = "usage:log_event"

// QueueUsage is the queue the worker drains for usage events.
const QueueUsage = "usage"

// LogUsagePayload wraps the event for transport through the task queue.
type LogUsagePayload struct {
	Event usagelog.Event `json:"event"`
}

// NewLogUsageTask builds the asynq task for one usage event.
func NewLogUsageTask(e usagelog.Event) (*asynq.Task, error) {
	payload, err := json.Marshal(LogUsagePayload{Event: e})
	if err != nil {
		return nil, fmt.Errorf("marshal usage payload: %w", err)
	}
	return asynq.NewTask(TaskLogUsage, payload), nil
}

// Enqueuer pushes usage events onto the queue. This is the durable
// alternative to usagelog.Log.LogEvent's in-process goroutine: the event
// survives a process crash and the worker retries transient store failures.
type Enqueuer struct {
	client *asynq.Client
}

// NewEnqueuer connects a queue client to the given Redis address.
func NewEnqueuer(redisAddr string) *Enqueuer {
	return &Enqueuer{client: asynq.NewClient(asynq.RedisClientOpt{Addr: redisAddr})}
}

// Enqueue queues one usage event for the worker.
func (q *Enqueuer) Enqueue(e usagelog.Event) error {
	task, err := NewLogUsageTask(e)
	if err != nil {
		return err
	}
	_, err = q.client.Enqueue(task,
		asynq.Queue(QueueUsage),
		asynq.MaxRetry(3),
		asynq.Timeout(30*time.Second),
	)
	if err != nil {
		return fmt.Errorf("enqueue usage event: %w", err)
	}
	return nil
}

// Close releases the queue client.
func (q *Enqueuer) Close() error { return q.client.Close() }
