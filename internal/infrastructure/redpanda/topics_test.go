package redpanda

import (
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/twmb/franz-go/pkg/kgo"
)

func TestDefaultTopicConfigs(t *testing.T) {
	topics := DefaultTopicConfigs(0)

	var names []string
	for _, tc := range topics {
		names = append(names, tc.Name)
		if tc.ReplicationFactor != 1 {
			t.Errorf("%s replication = %d, want 1", tc.Name, tc.ReplicationFactor)
		}
		if tc.Configs["retention.ms"] == nil {
			t.Errorf("%s has no retention", tc.Name)
		}
	}
	want := []string{TopicAppointmentEvents, TopicEncounterEvents, TopicBillingEvents, TopicDeadLetter}
	if diff := cmp.Diff(want, names); diff != "" {
		t.Errorf("topics mismatch (-want +got):\n%s", diff)
	}

	if got := DefaultTopicConfigs(3)[0].ReplicationFactor; got != 3 {
		t.Errorf("replication = %d, want 3", got)
	}
}

func TestToMessageCopiesHeaders(t *testing.T) {
	msg := toMessage(recordWithHeaders("clinic.encounter.events", map[string]string{
		"event_type":  "encounter.submitted",
		"traceparent": "00-0af7651916cd43dd8448eb211c80319c-b7ad6b7169203331-01",
	}))
	if msg.Topic != "clinic.encounter.events" {
		t.Errorf("Topic = %q", msg.Topic)
	}
	if msg.Headers["event_type"] != "encounter.submitted" {
		t.Errorf("event_type header = %q", msg.Headers["event_type"])
	}
	if len(msg.Headers) != 2 {
		t.Errorf("headers = %v, want 2 entries", msg.Headers)
	}
}

func recordWithHeaders(topic string, headers map[string]string) *kgo.Record {
	rec := &kgo.Record{Topic: topic, Key: []byte("ENC-1"), Value: []byte(`{}`)}
	for k, v := range headers {
		rec.Headers = append(rec.Headers, kgo.RecordHeader{Key: k, Value: []byte(v)})
	}
	return rec
}
