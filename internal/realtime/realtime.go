// Package realtime pushes UI refresh events to connected desks over Redis
// pub/sub. These events are best effort; durable events use the outbox.
package realtime

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/dohealth/clinicflow/internal/observability/metrics"
	"github.com/dohealth/clinicflow/pkg/circuitbreaker"
)

// Event names understood by the desk UI
const (
	EventAppointmentCreated       = "appointment_created"
	EventWaitingListUpdate        = "do_health_waiting_list_update"
	EventWaitingList              = "waiting_list"
	EventEncounterUpdated         = "patient_encounter_updated"
	EventPatientUpdated           = "patient_updated"
	EventMedicationRequestUpdated = "medication_request_updated"
	EventProcedureUpdated         = "clinical_procedure_updated"
)

var known = map[string]bool{
	EventAppointmentCreated:       true,
	EventWaitingListUpdate:        true,
	EventWaitingList:              true,
	EventEncounterUpdated:         true,
	EventPatientUpdated:           true,
	EventMedicationRequestUpdated: true,
	EventProcedureUpdated:         true,
}

// Known reports whether event is one the desks listen to.
func Known(event string) bool { return known[event] }

// ChannelPrefix namespaces the Redis channels
const ChannelPrefix = "clinic:realtime:"

// Channel returns the Redis channel of an event
func Channel(event string) string { return ChannelPrefix + event }

// Publisher sends an event to every subscriber
type Publisher interface {
	Publish(ctx context.Context, event string, payload interface{}) error
}

// Subscriber streams the raw JSON payloads of one event until ctx ends
type Subscriber interface {
	Subscribe(ctx context.Context, event string) (<-chan []byte, error)
}

// RedisPublisher publishes through Redis behind a circuit breaker
type RedisPublisher struct {
	client  redis.UniversalClient
	breaker *circuitbreaker.CircuitBreaker
	metrics *metrics.Metrics
	logger  *zap.Logger
}

// NewRedisPublisher creates a publisher. A nil breaker calls Redis directly.
func NewRedisPublisher(client redis.UniversalClient, breaker *circuitbreaker.CircuitBreaker, m *metrics.Metrics, logger *zap.Logger) *RedisPublisher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RedisPublisher{client: client, breaker: breaker, metrics: m, logger: logger}
}

// Publish encodes payload as JSON and publishes it on the event channel
func (p *RedisPublisher) Publish(ctx context.Context, event string, payload interface{}) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode %s payload: %w", event, err)
	}

	send := func() error {
		return p.client.Publish(ctx, Channel(event), body).Err()
	}
	if p.breaker != nil {
		err = p.breaker.Do(ctx, send)
	} else {
		err = send()
	}
	p.metrics.Published(event, err)
	if err != nil {
		return fmt.Errorf("publish %s: %w", event, err)
	}
	return nil
}

// Subscribe listens on the event channel
func (p *RedisPublisher) Subscribe(ctx context.Context, event string) (<-chan []byte, error) {
	sub := p.client.Subscribe(ctx, Channel(event))
	if _, err := sub.Receive(ctx); err != nil {
		sub.Close()
		return nil, fmt.Errorf("subscribe %s: %w", event, err)
	}

	out := make(chan []byte, 16)
	go func() {
		defer close(out)
		defer sub.Close()
		msgs := sub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-msgs:
				if !ok {
					return
				}
				select {
				case out <- []byte(msg.Payload):
				default:
					p.logger.Warn("slow realtime subscriber, dropping event", zap.String("event", event))
				}
			}
		}
	}()
	return out, nil
}

// Best wraps a publisher so failures are logged instead of returned.
// Workflow side effects must not fail because the UI could not be told.
type Best struct {
	Publisher Publisher
	Logger    *zap.Logger
}

// Publish forwards to the wrapped publisher and swallows its error
func (b Best) Publish(ctx context.Context, event string, payload interface{}) error {
	if b.Publisher == nil {
		return nil
	}
	if err := b.Publisher.Publish(ctx, event, payload); err != nil && b.Logger != nil {
		b.Logger.Warn("realtime publish failed", zap.String("event", event), zap.Error(err))
	}
	return nil
}

// Message is one published event kept by Recorder
type Message struct {
	Event   string
	Payload interface{}
}

// Recorder keeps published events in memory. The worker uses it when Redis is
// not configured, and tests use it to assert on side effects.
type Recorder struct {
	mu       sync.Mutex
	messages []Message
}

// Publish records the event
func (r *Recorder) Publish(ctx context.Context, event string, payload interface{}) error {
	r.mu.Lock()
	r.messages = append(r.messages, Message{Event: event, Payload: payload})
	r.mu.Unlock()
	return nil
}

// Messages returns a copy of everything published so far
func (r *Recorder) Messages() []Message {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Message(nil), r.messages...)
}

// Events returns the published event names in order
func (r *Recorder) Events() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.messages))
	for _, m := range r.messages {
		out = append(out, m.Event)
	}
	return out
}
