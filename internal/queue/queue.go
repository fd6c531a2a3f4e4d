// Package queue connects the worker to the job stream over NATS.
package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"
)

// workerGroup is the queue group name; NATS delivers each job message to
// exactly one member of the group.
const workerGroup = "statement-workers"

// JobMessage is the wire form of a queued job notification.
type JobMessage struct {
	JobID    string `json:"job_id"`
	UploadID string `json:"upload_id"`
	TraceID  string `json:"trace_id,omitempty"`
}

// Queue publishes and consumes job notifications.
type Queue struct {
	conn    *nats.Conn
	subject string
	log     zerolog.Logger
}

func Connect(url, subject string, log zerolog.Logger) (*Queue, error) {
	conn, err := nats.Connect(url,
		nats.MaxReconnects(-1),
		nats.RetryOnFailedConnect(true),
	)
	if err != nil {
		return nil, fmt.Errorf("connect nats: %w", err)
	}
	return &Queue{
		conn:    conn,
		subject: subject,
		log:     log.With().Str("component", "queue").Logger(),
	}, nil
}

// Subscribe consumes job notifications until ctx is cancelled, invoking
// handle for each. Malformed messages are logged and dropped. Subscribe
// returns only after the drain finishes, so once it returns no handler is
// running and none will start.
func (q *Queue) Subscribe(ctx context.Context, handle func(ctx context.Context, msg JobMessage)) error {
	sub, err := q.conn.QueueSubscribe(q.subject, workerGroup, func(m *nats.Msg) {
		msg, err := decodeJob(m.Data)
		if err != nil {
			q.log.Error().Err(err).Msg("dropping malformed job message")
			return
		}
		handle(ctx, msg)
	})
	if err != nil {
		return fmt.Errorf("subscribe %s: %w", q.subject, err)
	}

	<-ctx.Done()
	if err := sub.Drain(); err != nil {
		q.log.Warn().Err(err).Msg("drain subscription")
		return nil
	}
	// Drain is asynchronous; in-flight handlers see the cancelled ctx and
	// exit quickly, and the subscription turns invalid once the last
	// delivery completes.
	for sub.IsValid() {
		time.Sleep(10 * time.Millisecond)
	}
	return nil
}

// decodeJob parses the wire form of a job notification.
func decodeJob(data []byte) (JobMessage, error) {
	var msg JobMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return JobMessage{}, fmt.Errorf("decode job message: %w", err)
	}
	if msg.JobID == "" {
		return JobMessage{}, fmt.Errorf("job message has no job_id")
	}
	return msg, nil
}

func (q *Queue) Close() {
	if err := q.conn.Drain(); err != nil {
		q.log.Warn().Err(err).Msg("drain connection")
	}
	q.conn.Close()
}
