// Package events publishes one-way notifications about served
// recommendations and recorded interactions. Nothing published here feeds
// back into a recommendation.
package events

// #region imports
import (
	"context"
	"fmt"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	json "github.com/goccy/go-json"

	"github.com/danielpatrickdp/adaptive-recommender/internal/logging"
)

// #endregion

// #region topics

const (
	TopicRecommendationServed = "recommendation.served"
	TopicInteractionRecorded  = "interaction.recorded"
)

// #endregion

// #region payloads

// RecommendationServed is emitted after a recommendation is delivered and
// its state update attempted.
type RecommendationServed struct {
	EventID       string    `json:"event_id"`
	RequestID     string    `json:"request_id"`
	StudentID     string    `json:"student_id"`
	ContentID     string    `json:"content_id"`
	Difficulty    float64   `json:"difficulty"`
	ConceptIDs    []int     `json:"concept_ids"`
	Tier          string    `json:"tier"`
	PredictedGain float64   `json:"predicted_gain"`
	Downgrades    []string  `json:"downgrades,omitempty"`
	VersionID     string    `json:"version_id,omitempty"`
	Persisted     bool      `json:"persisted"`
	OccurredAt    time.Time `json:"occurred_at"`
}

// InteractionRecorded is emitted after an observed outcome is applied.
type InteractionRecorded struct {
	EventID          string    `json:"event_id"`
	StudentID        string    `json:"student_id"`
	ContentID        string    `json:"content_id"`
	Score            float64   `json:"score"`
	InteractionCount int64     `json:"interaction_count"`
	VersionID        string    `json:"version_id,omitempty"`
	OccurredAt       time.Time `json:"occurred_at"`
}

// #endregion

// #region bus

// Bus is an in-process pub/sub pair. The zero subscriber count is fine:
// events published with nobody listening are dropped.
type Bus struct {
	pubsub *gochannel.GoChannel
	logger watermill.LoggerAdapter
}

// NewBus creates a Bus with a buffered in-process channel per subscriber.
func NewBus(buffer int64) *Bus {
	logger := NewLoggerAdapter()
	return &Bus{
		pubsub: gochannel.NewGoChannel(gochannel.Config{OutputChannelBuffer: buffer}, logger),
		logger: logger,
	}
}

// Publisher exposes the publishing half.
func (b *Bus) Publisher() message.Publisher { return b.pubsub }

// Subscriber exposes the subscribing half.
func (b *Bus) Subscriber() message.Subscriber { return b.pubsub }

// Close stops delivery and closes every subscription channel.
func (b *Bus) Close() error { return b.pubsub.Close() }

// PublishServed emits a RecommendationServed event.
func (b *Bus) PublishServed(ctx context.Context, ev RecommendationServed) error {
	if ev.EventID == "" {
		ev.EventID = logging.NewRequestID()
	}
	if ev.OccurredAt.IsZero() {
		ev.OccurredAt = time.Now().UTC()
	}
	return b.publish(ctx, TopicRecommendationServed, ev.EventID, ev.StudentID, ev)
}

// PublishInteraction emits an InteractionRecorded event.
func (b *Bus) PublishInteraction(ctx context.Context, ev InteractionRecorded) error {
	if ev.EventID == "" {
		ev.EventID = logging.NewRequestID()
	}
	if ev.OccurredAt.IsZero() {
		ev.OccurredAt = time.Now().UTC()
	}
	return b.publish(ctx, TopicInteractionRecorded, ev.EventID, ev.StudentID, ev)
}

func (b *Bus) publish(ctx context.Context, topic, id, studentID string, v any) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", topic, err)
	}
	msg := message.NewMessage(id, payload)
	msg.Metadata.Set("student_id", studentID)
	if rid := logging.RequestID(ctx); rid != "" {
		msg.Metadata.Set("request_id", rid)
	}
	if err := b.pubsub.Publish(topic, msg); err != nil {
		return fmt.Errorf("publish %s: %w", topic, err)
	}
	return nil
}

// #endregion
