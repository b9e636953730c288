package ingress

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/openfroyo/flowplane/pkg/engine"
)

type handlerFunc func(ctx context.Context, event engine.Event) error

func (f handlerFunc) OnEvent(ctx context.Context, event engine.Event) error { return f(ctx, event) }

func TestEmbeddedRoundTrip(t *testing.T) {
	if testing.Short() {
		t.Skip("starts an embedded NATS server")
	}

	cfg := Config{
		Enabled:       true,
		Embedded:      true,
		StoreDir:      t.TempDir(),
		Stream:        "TEST_EVENTS",
		Subjects:      []string{"test.events.>"},
		Durable:       "test-consumer",
		AckWait:       5 * time.Second,
		MaxDeliver:    3,
		FetchBatch:    8,
		FetchWait:     200 * time.Millisecond,
		PublishPrefix: "test.events",
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	conn, err := Connect(ctx, cfg, silent)
	if err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	defer conn.Close()

	var (
		mu   sync.Mutex
		seen []string
		done = make(chan struct{})
	)
	sched := engine.NewPartitionedScheduler(handlerFunc(func(_ context.Context, event engine.Event) error {
		mu.Lock()
		defer mu.Unlock()
		seen = append(seen, event.ID())
		if len(seen) == 2 {
			close(done)
		}
		return nil
	}), 2, 8, silent)
	sched.Start()
	defer sched.Stop()

	consumer, err := NewConsumer(cfg, sched, silent)
	if err != nil {
		t.Fatalf("NewConsumer() error = %v", err)
	}
	runCtx, stop := context.WithCancel(ctx)
	runErr := make(chan error, 1)
	go func() { runErr <- consumer.Run(runCtx, conn.Stream) }()

	pub := NewPublisher(cfg, conn.JS, conn.NC, silent)
	for _, id := range []string{"a", "b"} {
		ev := engine.NewEvent(engine.EventSucceeded, engine.NodeSource("etl", id),
			engine.WithEventID(id), engine.WithPipelineID("etl"))
		if err := pub.Emit(ctx, ev); err != nil {
			t.Fatalf("Emit() error = %v", err)
		}
	}

	select {
	case <-done:
	case <-ctx.Done():
		t.Fatal("timed out waiting for events")
	}
	stop()
	if err := <-runErr; err != nil {
		t.Errorf("Run() error = %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(seen) != 2 || seen[0] != "a" || seen[1] != "b" {
		t.Errorf("handled = %v, want [a b]", seen)
	}
}
