package ingress

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/openfroyo/flowplane/pkg/engine"
	"github.com/openfroyo/flowplane/pkg/telemetry"
)

var silent = zerolog.New(nil).Level(zerolog.Disabled)

type fakeMsg struct {
	data    []byte
	subject string
	settled string
}

func (m *fakeMsg) Data() []byte    { return m.data }
func (m *fakeMsg) Subject() string { return m.subject }
func (m *fakeMsg) Ack() error      { m.settled = OutcomeAck; return nil }
func (m *fakeMsg) Nak() error      { m.settled = OutcomeNak; return nil }
func (m *fakeMsg) Term() error     { m.settled = OutcomeTerm; return nil }

type fakeSubmitter struct {
	mu       sync.Mutex
	order    []string
	failures map[string]error
}

func (s *fakeSubmitter) Submit(_ context.Context, event engine.Event) <-chan error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.order = append(s.order, event.ID())
	ch := make(chan error, 1)
	ch <- s.failures[event.Type()]
	return ch
}

type fakeLog struct{ ids []string }

func (l *fakeLog) AppendEvent(_ context.Context, event engine.Event) error {
	l.ids = append(l.ids, event.ID())
	return nil
}

type fakeArchiver struct {
	ids []string
	err error
}

func (a *fakeArchiver) Archive(_ context.Context, event engine.Event) error {
	a.ids = append(a.ids, event.ID())
	return a.err
}

func message(t *testing.T, id, eventType, source string) *fakeMsg {
	t.Helper()
	data, err := json.Marshal(engine.NewEvent(eventType, source, engine.WithEventID(id), engine.WithPipelineID("etl")))
	if err != nil {
		t.Fatalf("Marshal() error = %v", err)
	}
	return &fakeMsg{data: data, subject: "flowplane.events.etl." + eventType}
}

func TestHandleBatchSettlesMessages(t *testing.T) {
	sched := &fakeSubmitter{failures: map[string]error{
		"retry":     engine.NewTransientError("store unavailable", errors.New("timeout")),
		"cancelled": context.Canceled,
		"broken":    engine.NewPermanentError("bad event", nil),
	}}
	log := &fakeLog{}
	archiver := &fakeArchiver{}

	cfg := Config{Sources: []string{"/pipelines/**"}}
	c, err := NewConsumer(cfg, sched, silent, WithEventLog(log), WithArchiver(archiver))
	if err != nil {
		t.Fatalf("NewConsumer() error = %v", err)
	}

	ok := message(t, "e1", engine.EventSucceeded, engine.NodeSource("etl", "extract"))
	retry := message(t, "e2", "retry", "/pipelines/etl/nodes/load")
	cancelled := message(t, "e3", "cancelled", "/pipelines/etl/nodes/load")
	broken := message(t, "e4", "broken", "/pipelines/etl/nodes/load")
	foreign := message(t, "e5", engine.EventSucceeded, "/cron/nightly")
	garbage := &fakeMsg{data: []byte("{not json"), subject: "flowplane.events.x"}
	untyped := &fakeMsg{data: []byte(`{"id":"e6","source":"/pipelines/etl"}`), subject: "flowplane.events.x"}

	c.HandleBatch(context.Background(), []Message{ok, retry, cancelled, broken, foreign, garbage, untyped})

	tests := []struct {
		name string
		msg  *fakeMsg
		want string
	}{
		{"handled", ok, OutcomeAck},
		{"transient", retry, OutcomeNak},
		{"cancelled", cancelled, OutcomeNak},
		{"permanent", broken, OutcomeTerm},
		{"filtered", foreign, OutcomeAck},
		{"malformed", garbage, OutcomeTerm},
		{"missing type", untyped, OutcomeTerm},
	}
	for _, tt := range tests {
		if tt.msg.settled != tt.want {
			t.Errorf("%s: settled = %q, want %q", tt.name, tt.msg.settled, tt.want)
		}
	}

	wantOrder := []string{"e1", "e2", "e3", "e4"}
	if len(sched.order) != len(wantOrder) {
		t.Fatalf("submitted = %v, want %v", sched.order, wantOrder)
	}
	for i, id := range wantOrder {
		if sched.order[i] != id {
			t.Errorf("submitted[%d] = %s, want %s", i, sched.order[i], id)
		}
	}
	if len(log.ids) != 4 {
		t.Errorf("event log = %v, want 4 entries", log.ids)
	}
	if len(archiver.ids) != 1 || archiver.ids[0] != "e1" {
		t.Errorf("archived = %v, want [e1]", archiver.ids)
	}
}

func TestHandleBatchCountsOutcomes(t *testing.T) {
	metrics, err := telemetry.NewMetrics(telemetry.MetricsConfig{Enabled: true, Namespace: "test"})
	if err != nil {
		t.Fatalf("NewMetrics() error = %v", err)
	}
	archiver := &fakeArchiver{err: errors.New("bucket gone")}
	c, err := NewConsumer(Config{}, &fakeSubmitter{}, silent, WithMetrics(metrics), WithArchiver(archiver))
	if err != nil {
		t.Fatalf("NewConsumer() error = %v", err)
	}

	msg := message(t, "e1", engine.EventStarted, engine.NodeSource("etl", "extract"))
	c.HandleBatch(context.Background(), []Message{msg, &fakeMsg{data: []byte("?")}})

	families, err := metrics.Registry().Gather()
	if err != nil {
		t.Fatalf("Gather() error = %v", err)
	}
	counts := map[string]float64{}
	for _, f := range families {
		for _, m := range f.GetMetric() {
			for _, l := range m.GetLabel() {
				if l.GetName() == "outcome" {
					counts[f.GetName()+"/"+l.GetValue()] += m.GetCounter().GetValue()
				}
			}
		}
	}
	if counts["test_messages_consumed_total/ack"] != 1 || counts["test_messages_consumed_total/term"] != 1 {
		t.Errorf("consumed counts = %v", counts)
	}
	if counts["test_events_archived_total/error"] != 1 {
		t.Errorf("archive counts = %v", counts)
	}
}

func TestNewConsumerRejectsBadPattern(t *testing.T) {
	if _, err := NewConsumer(Config{Types: []string{"[unclosed"}}, &fakeSubmitter{}, silent); err == nil {
		t.Error("expected an error for an invalid type pattern")
	}
}

func TestConfigDefaults(t *testing.T) {
	var cfg Config
	if cfg.fetchBatch() != 32 || cfg.fetchWait() != 5*time.Second {
		t.Errorf("defaults = %d, %v", cfg.fetchBatch(), cfg.fetchWait())
	}
	cfg = Config{FetchBatch: 4, FetchWait: time.Second}
	if cfg.fetchBatch() != 4 || cfg.fetchWait() != time.Second {
		t.Errorf("overrides = %d, %v", cfg.fetchBatch(), cfg.fetchWait())
	}
}
