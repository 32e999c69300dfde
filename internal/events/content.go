package events

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"
	json "github.com/goccy/go-json"
	"golang.org/x/sync/errgroup"

	"github.com/danielpatrickdp/adaptive-recommender/internal/codec"
	"github.com/danielpatrickdp/adaptive-recommender/internal/logging"
	"github.com/danielpatrickdp/adaptive-recommender/internal/modelclient"
)

// ContentWorker asks the content generation service to prepare material for
// every served recommendation. Its failures are logged and acked; they
// never reach the recommendation already delivered.
//
// Messages are acked as soon as they are queued, so the bus never holds more
// than its output buffer. At most Limits.Concurrency calls run at once and at
// most Limits.Queue events wait for one; events arriving past that are
// dropped and counted.
type ContentWorker struct {
	models  modelclient.Invoker
	timeout time.Duration
	limits  WorkerLimits

	received  atomic.Int64
	generated atomic.Int64
	failed    atomic.Int64
	dropped   atomic.Int64
}

// WorkerLimits bounds the content worker.
type WorkerLimits struct {
	Concurrency int
	Queue       int
}

// DefaultWorkerLimits is used for unset limits.
var DefaultWorkerLimits = WorkerLimits{Concurrency: 4, Queue: 64}

// ContentWorkerStats is a snapshot of worker counters.
type ContentWorkerStats struct {
	Received  int64
	Generated int64
	Failed    int64
	Dropped   int64
}

// NewContentWorker creates a worker calling the content endpoint with the
// given per-call timeout.
func NewContentWorker(models modelclient.Invoker, timeout time.Duration, limits WorkerLimits) *ContentWorker {
	if limits.Concurrency < 1 {
		limits.Concurrency = DefaultWorkerLimits.Concurrency
	}
	if limits.Queue < 0 {
		limits.Queue = 0
	}
	return &ContentWorker{models: models, timeout: timeout, limits: limits}
}

// Run consumes recommendation.served until ctx ends or the subscription
// closes, then waits for in-flight calls.
func (w *ContentWorker) Run(ctx context.Context, sub message.Subscriber) error {
	msgs, err := sub.Subscribe(ctx, TopicRecommendationServed)
	if err != nil {
		return fmt.Errorf("subscribe %s: %w", TopicRecommendationServed, err)
	}
	logging.Info().Int("concurrency", w.limits.Concurrency).Int("queue", w.limits.Queue).
		Msg("[EVENTS] content worker started")

	jobs := make(chan *message.Message, w.limits.Queue)
	var g errgroup.Group
	for i := 0; i < w.limits.Concurrency; i++ {
		g.Go(func() error {
			for msg := range jobs {
				w.Handle(ctx, msg)
			}
			return nil
		})
	}
	defer g.Wait()
	defer close(jobs)

	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-msgs:
			if !ok {
				return nil
			}
			w.dispatch(jobs, msg)
		}
	}
}

// dispatch queues msg without blocking and acks it either way.
func (w *ContentWorker) dispatch(jobs chan<- *message.Message, msg *message.Message) {
	defer msg.Ack()
	select {
	case jobs <- msg:
	default:
		w.received.Add(1)
		w.dropped.Add(1)
		logging.Warn().Str("message_uuid", msg.UUID).Msg("[EVENTS] content worker saturated, event dropped")
	}
}

// Handle processes one served event.
func (w *ContentWorker) Handle(ctx context.Context, msg *message.Message) {
	w.received.Add(1)

	var ev RecommendationServed
	if err := json.Unmarshal(msg.Payload, &ev); err != nil {
		w.failed.Add(1)
		logging.Warn().Err(err).Str("message_uuid", msg.UUID).Msg("[EVENTS] malformed served event")
		return
	}

	ctx = logging.WithStudentID(logging.WithRequestID(ctx, ev.RequestID), ev.StudentID)
	resp, err := w.models.Invoke(ctx, modelclient.EndpointContent, codec.Payload{
		"student_id":  ev.StudentID,
		"content_id":  ev.ContentID,
		"difficulty":  ev.Difficulty,
		"concept_ids": codec.Ints(ev.ConceptIDs),
		"tier":        ev.Tier,
	}, w.timeout)
	if err != nil {
		w.failed.Add(1)
		logging.Ctx(ctx).Warn().Err(err).Str("content_id", ev.ContentID).Msg("[EVENTS] content generation failed")
		return
	}
	w.generated.Add(1)
	ref, _ := resp.String("content_ref")
	logging.Ctx(ctx).Debug().Str("content_id", ev.ContentID).Str("content_ref", ref).Msg("[EVENTS] content generated")
}

// Stats returns the worker counters.
func (w *ContentWorker) Stats() ContentWorkerStats {
	return ContentWorkerStats{
		Received:  w.received.Load(),
		Generated: w.generated.Load(),
		Failed:    w.failed.Load(),
		Dropped:   w.dropped.Load(),
	}
}
