package inmem

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"goa.design/troupe/runtime/bus"
	"goa.design/troupe/runtime/envelope"
	"goa.design/troupe/runtime/refcode"
)

const waitTimeout = 2 * time.Second

func textEnvelope(t *testing.T, text string) envelope.Envelope {
	t.Helper()
	code, err := refcode.New(refcode.Date{Year: 2026, Month: 8, Day: 24}, 1)
	if err != nil {
		t.Fatalf("refcode.New: %v", err)
	}
	return envelope.Envelope{
		Payload:       envelope.TextMessage{Meta: envelope.NewMeta(), Text: text},
		ReferenceCode: code,
	}
}

func waitFor[T any](t *testing.T, ch <-chan T, what string) T {
	t.Helper()
	select {
	case v := <-ch:
		return v
	case <-time.After(waitTimeout):
		t.Fatalf("timed out waiting for %s", what)
		panic("unreachable")
	}
}

func TestPublishConsume(t *testing.T) {
	ctx := context.Background()
	b := New()
	defer b.Close(ctx)

	got := make(chan envelope.Envelope, 1)
	handle, err := b.Consume(ctx, "work", func(_ context.Context, env envelope.Envelope) error {
		got <- env
		return nil
	})
	if err != nil {
		t.Fatalf("Consume: %v", err)
	}
	defer handle.Stop(ctx)

	sent := textEnvelope(t, "hello")
	if err := b.Publish(ctx, "work", sent); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	env := waitFor(t, got, "delivery")
	text, ok := env.Payload.(envelope.TextMessage)
	if !ok {
		t.Fatalf("payload type = %T, want TextMessage", env.Payload)
	}
	if text.Text != "hello" {
		t.Errorf("text = %q, want %q", text.Text, "hello")
	}
	if env.ReferenceCode != sent.ReferenceCode {
		t.Errorf("reference code = %v, want %v", env.ReferenceCode, sent.ReferenceCode)
	}
}

func TestHandlerErrorDeadLetters(t *testing.T) {
	ctx := context.Background()
	b := New()
	defer b.Close(ctx)

	handle, err := b.Consume(ctx, "work", func(context.Context, envelope.Envelope) error {
		return errors.New("cannot process")
	})
	if err != nil {
		t.Fatalf("Consume: %v", err)
	}
	defer handle.Stop(ctx)

	dead := make(chan envelope.Envelope, 1)
	dlq, err := b.Consume(ctx, bus.DeadLetterQueue, func(_ context.Context, env envelope.Envelope) error {
		dead <- env
		return nil
	})
	if err != nil {
		t.Fatalf("Consume dead-letter: %v", err)
	}
	defer dlq.Stop(ctx)

	if err := b.Publish(ctx, "work", textEnvelope(t, "poison")); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	env := waitFor(t, dead, "dead-lettered message")
	text, ok := env.Payload.(envelope.TextMessage)
	if !ok || text.Text != "poison" {
		t.Errorf("dead-lettered payload = %#v, want the original text message", env.Payload)
	}
}

func TestUndecodableMessageDeadLetters(t *testing.T) {
	ctx := context.Background()
	b := New()
	defer b.Close(ctx)

	handled := make(chan struct{}, 1)
	handle, err := b.Consume(ctx, "work", func(context.Context, envelope.Envelope) error {
		handled <- struct{}{}
		return nil
	})
	if err != nil {
		t.Fatalf("Consume: %v", err)
	}
	defer handle.Stop(ctx)

	// Inject bytes the codec cannot decode, bypassing Publish.
	raw := []byte("not an envelope")
	ch, err := b.channel("work")
	if err != nil {
		t.Fatalf("channel: %v", err)
	}
	ch <- raw

	// The broken message must land on the dead-letter queue untouched and
	// must never reach the handler.
	dlqCh, err := b.channel(bus.DeadLetterQueue)
	if err != nil {
		t.Fatalf("channel: %v", err)
	}
	got := waitFor(t, dlqCh, "dead-lettered bytes")
	if string(got) != string(raw) {
		t.Errorf("dead-lettered bytes = %q, want %q", got, raw)
	}
	select {
	case <-handled:
		t.Error("handler saw an undecodable message")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestDeadLetterQueueIsNeverDeadLettered(t *testing.T) {
	ctx := context.Background()
	b := New()
	defer b.Close(ctx)

	attempts := make(chan struct{}, 4)
	dlq, err := b.Consume(ctx, bus.DeadLetterQueue, func(context.Context, envelope.Envelope) error {
		attempts <- struct{}{}
		return errors.New("still cannot process")
	})
	if err != nil {
		t.Fatalf("Consume dead-letter: %v", err)
	}
	defer dlq.Stop(ctx)

	if err := b.Publish(ctx, bus.DeadLetterQueue, textEnvelope(t, "poison")); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	waitFor(t, attempts, "first dead-letter delivery")
	select {
	case <-attempts:
		t.Error("dead-letter message was redelivered")
	case <-time.After(100 * time.Millisecond):
	}
}

func TestQueueOrderPreserved(t *testing.T) {
	ctx := context.Background()
	b := New()
	defer b.Close(ctx)

	const n = 20
	var (
		mu    sync.Mutex
		texts []string
	)
	done := make(chan struct{}, 1)
	handle, err := b.Consume(ctx, "work", func(_ context.Context, env envelope.Envelope) error {
		text := env.Payload.(envelope.TextMessage).Text
		mu.Lock()
		texts = append(texts, text)
		full := len(texts) == n
		mu.Unlock()
		if full {
			done <- struct{}{}
		}
		return nil
	})
	if err != nil {
		t.Fatalf("Consume: %v", err)
	}
	defer handle.Stop(ctx)

	for i := 0; i < n; i++ {
		if err := b.Publish(ctx, "work", textEnvelope(t, fmt.Sprintf("msg-%02d", i))); err != nil {
			t.Fatalf("Publish %d: %v", i, err)
		}
	}

	waitFor(t, done, "all deliveries")
	mu.Lock()
	defer mu.Unlock()
	for i, text := range texts {
		if want := fmt.Sprintf("msg-%02d", i); text != want {
			t.Fatalf("delivery %d = %q, want %q", i, text, want)
		}
	}
}

func TestCompetingConsumersEachMessageOnce(t *testing.T) {
	ctx := context.Background()
	b := New()
	defer b.Close(ctx)

	const n = 10
	seen := make(chan string, n)
	for i := 0; i < 2; i++ {
		handle, err := b.Consume(ctx, "work", func(_ context.Context, env envelope.Envelope) error {
			seen <- env.Payload.(envelope.TextMessage).Text
			return nil
		})
		if err != nil {
			t.Fatalf("Consume %d: %v", i, err)
		}
		defer handle.Stop(ctx)
	}

	for i := 0; i < n; i++ {
		if err := b.Publish(ctx, "work", textEnvelope(t, fmt.Sprintf("msg-%d", i))); err != nil {
			t.Fatalf("Publish %d: %v", i, err)
		}
	}

	got := make(map[string]int)
	for i := 0; i < n; i++ {
		got[waitFor(t, seen, "delivery")]++
	}
	for text, count := range got {
		if count != 1 {
			t.Errorf("%q delivered %d times", text, count)
		}
	}
	if len(got) != n {
		t.Errorf("distinct messages = %d, want %d", len(got), n)
	}
}

func TestStopIsolatesConsumer(t *testing.T) {
	ctx := context.Background()
	b := New()
	defer b.Close(ctx)

	stoppedQueue := make(chan struct{}, 4)
	handle, err := b.Consume(ctx, "a", func(context.Context, envelope.Envelope) error {
		stoppedQueue <- struct{}{}
		return nil
	})
	if err != nil {
		t.Fatalf("Consume a: %v", err)
	}

	live := make(chan struct{}, 1)
	other, err := b.Consume(ctx, "b", func(context.Context, envelope.Envelope) error {
		live <- struct{}{}
		return nil
	})
	if err != nil {
		t.Fatalf("Consume b: %v", err)
	}
	defer other.Stop(ctx)

	if err := handle.Stop(ctx); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if err := handle.Stop(ctx); err != nil {
		t.Fatalf("second Stop: %v", err)
	}

	if err := b.Publish(ctx, "a", textEnvelope(t, "after stop")); err != nil {
		t.Fatalf("Publish a: %v", err)
	}
	if err := b.Publish(ctx, "b", textEnvelope(t, "still running")); err != nil {
		t.Fatalf("Publish b: %v", err)
	}

	waitFor(t, live, "delivery on queue b")
	select {
	case <-stoppedQueue:
		t.Error("stopped consumer received a message")
	case <-time.After(100 * time.Millisecond):
	}
}

func TestStopWaitsForInFlightHandler(t *testing.T) {
	ctx := context.Background()
	b := New()
	defer b.Close(ctx)

	started := make(chan struct{})
	release := make(chan struct{})
	handle, err := b.Consume(ctx, "work", func(context.Context, envelope.Envelope) error {
		close(started)
		<-release
		return nil
	})
	if err != nil {
		t.Fatalf("Consume: %v", err)
	}

	if err := b.Publish(ctx, "work", textEnvelope(t, "slow")); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	waitFor(t, started, "handler start")

	stopped := make(chan error, 1)
	go func() { stopped <- handle.Stop(ctx) }()

	select {
	case err := <-stopped:
		t.Fatalf("Stop returned %v before handler finished", err)
	case <-time.After(50 * time.Millisecond):
	}

	close(release)
	if err := waitFor(t, stopped, "Stop return"); err != nil {
		t.Errorf("Stop = %v, want nil", err)
	}
}

func TestCloseRejectsFurtherUse(t *testing.T) {
	ctx := context.Background()
	b := New()

	handle, err := b.Consume(ctx, "work", func(context.Context, envelope.Envelope) error {
		return nil
	})
	if err != nil {
		t.Fatalf("Consume: %v", err)
	}
	_ = handle

	if err := b.Close(ctx); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := b.Close(ctx); err != nil {
		t.Fatalf("second Close: %v", err)
	}

	if err := b.Publish(ctx, "work", textEnvelope(t, "late")); !errors.Is(err, bus.ErrClosed) {
		t.Errorf("Publish after Close = %v, want ErrClosed", err)
	}
	if _, err := b.Consume(ctx, "work", func(context.Context, envelope.Envelope) error { return nil }); !errors.Is(err, bus.ErrClosed) {
		t.Errorf("Consume after Close = %v, want ErrClosed", err)
	}
}

func TestHandlerPanicDeadLetters(t *testing.T) {
	ctx := context.Background()
	b := New()
	defer b.Close(ctx)

	handle, err := b.Consume(ctx, "work", func(context.Context, envelope.Envelope) error {
		panic("boom")
	})
	if err != nil {
		t.Fatalf("Consume: %v", err)
	}
	defer handle.Stop(ctx)

	dead := make(chan envelope.Envelope, 1)
	dlq, err := b.Consume(ctx, bus.DeadLetterQueue, func(_ context.Context, env envelope.Envelope) error {
		dead <- env
		return nil
	})
	if err != nil {
		t.Fatalf("Consume dead-letter: %v", err)
	}
	defer dlq.Stop(ctx)

	if err := b.Publish(ctx, "work", textEnvelope(t, "panics")); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	env := waitFor(t, dead, "dead-lettered message")
	if text, ok := env.Payload.(envelope.TextMessage); !ok || text.Text != "panics" {
		t.Errorf("dead-lettered payload = %#v", env.Payload)
	}
}
