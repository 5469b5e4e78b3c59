package redpanda

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/twmb/franz-go/pkg/kadm"
	"github.com/twmb/franz-go/pkg/kerr"
	"github.com/twmb/franz-go/pkg/kgo"
	"go.uber.org/zap"
)

// Clinic event topics
const (
	TopicAppointmentEvents = "clinic.appointment.events"
	TopicEncounterEvents   = "clinic.encounter.events"
	TopicBillingEvents     = "clinic.billing.events"
	TopicDeadLetter        = "clinic.dead.letter"
)

// TopicConfig describes a topic to create
type TopicConfig struct {
	Name              string
	Partitions        int32
	ReplicationFactor int16
	Configs           map[string]*string
}

// DefaultTopicConfigs returns the topics the clinic services need.
// Appointment and encounter events are keyed by aggregate id, so partition
// count bounds worker parallelism per clinic.
func DefaultTopicConfigs(replication int16) []TopicConfig {
	ptr := func(s string) *string { return &s }
	if replication <= 0 {
		replication = 1
	}

	events := func(name string, partitions int32, retention string) TopicConfig {
		return TopicConfig{
			Name:              name,
			Partitions:        partitions,
			ReplicationFactor: replication,
			Configs: map[string]*string{
				"retention.ms":     ptr(retention),
				"cleanup.policy":   ptr("delete"),
				"compression.type": ptr("lz4"),
			},
		}
	}

	return []TopicConfig{
		events(TopicAppointmentEvents, 6, "604800000"), // 7 days
		events(TopicEncounterEvents, 6, "604800000"),
		events(TopicBillingEvents, 3, "2592000000"), // 30 days, finance reconciliation
		events(TopicDeadLetter, 1, "1209600000"),     // 14 days
	}
}

// Admin wraps kadm for topic and group administration
type Admin struct {
	client *kadm.Client
	logger *zap.Logger
}

// NewAdmin connects an admin client
func NewAdmin(brokers []string, logger *zap.Logger) (*Admin, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	cl, err := kgo.NewClient(kgo.SeedBrokers(brokers...))
	if err != nil {
		return nil, fmt.Errorf("create admin client: %w", err)
	}

	return &Admin{
		client: kadm.NewClient(cl),
		logger: logger,
	}, nil
}

// EnsureTopics creates the clinic topics that do not exist yet and returns
// their names. Existing topics keep their partition count and configs.
func (a *Admin) EnsureTopics(ctx context.Context, replication int16) ([]string, error) {
	existing, err := a.client.ListTopics(ctx)
	if err != nil {
		return nil, fmt.Errorf("list topics: %w", err)
	}

	var created []string
	for _, tc := range DefaultTopicConfigs(replication) {
		if existing.Has(tc.Name) {
			continue
		}
		resp, err := a.client.CreateTopic(ctx, tc.Partitions, tc.ReplicationFactor, tc.Configs, tc.Name)
		switch {
		case errors.Is(err, kerr.TopicAlreadyExists), errors.Is(resp.Err, kerr.TopicAlreadyExists):
			// created concurrently by another replica
			continue
		case err != nil:
			return created, fmt.Errorf("create topic %s: %w", tc.Name, err)
		case resp.Err != nil:
			return created, fmt.Errorf("create topic %s: %w", tc.Name, resp.Err)
		}
		a.logger.Info("topic created",
			zap.String("topic", tc.Name),
			zap.Int32("partitions", tc.Partitions),
			zap.Int16("replication", tc.ReplicationFactor))
		created = append(created, tc.Name)
	}
	return created, nil
}

// ListTopics lists all topics
func (a *Admin) ListTopics(ctx context.Context) ([]string, error) {
	topics, err := a.client.ListTopics(ctx)
	if err != nil {
		return nil, fmt.Errorf("list topics: %w", err)
	}
	return topics.Names(), nil
}

// GetConsumerGroupLag sums the lag of groupID per topic. A group that has
// not committed yet reports no topics.
func (a *Admin) GetConsumerGroupLag(ctx context.Context, groupID string) (map[string]int64, error) {
	described, err := a.client.Lag(ctx, groupID)
	if err != nil {
		return nil, fmt.Errorf("group lag for %s: %w", groupID, err)
	}

	lag := make(map[string]int64)
	described.Each(func(g kadm.DescribedGroupLag) {
		if g.Error() != nil {
			a.logger.Warn("group lag incomplete", zap.String("group", g.Group), zap.Error(g.Error()))
		}
		for topic, t := range g.Lag.TotalByTopic() {
			lag[topic] += t.Lag
		}
	})
	return lag, nil
}

// Close releases the client
func (a *Admin) Close() {
	a.client.Close()
}

// HealthCheck pings the brokers with a five second bound
func HealthCheck(ctx context.Context, brokers []string) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	cl, err := kgo.NewClient(kgo.SeedBrokers(brokers...))
	if err != nil {
		return fmt.Errorf("create client: %w", err)
	}
	defer cl.Close()

	if err := cl.Ping(ctx); err != nil {
		return fmt.Errorf("ping brokers %v: %w", brokers, err)
	}
	return nil
}
