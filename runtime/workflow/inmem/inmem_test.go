package inmem

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"goa.design/troupe/runtime/envelope"
	"goa.design/troupe/runtime/refcode"
	"goa.design/troupe/runtime/workflow"
)

func mustCode(t *testing.T, seq int) refcode.Code {
	t.Helper()
	code, err := refcode.New(refcode.Date{Year: 2026, Month: 8, Day: 24}, seq)
	if err != nil {
		t.Fatalf("refcode.New: %v", err)
	}
	return code
}

func textEnvelope(text string) envelope.Envelope {
	return envelope.Envelope{Payload: envelope.TextMessage{Meta: envelope.NewMeta(), Text: text}}
}

func newWorkflow(t *testing.T, parentSeq int, subSeqs ...int) workflow.Record {
	t.Helper()
	subs := make([]refcode.Code, 0, len(subSeqs))
	for _, seq := range subSeqs {
		subs = append(subs, mustCode(t, seq))
	}
	return workflow.Record{
		ReferenceCode:         mustCode(t, parentSeq),
		OriginalEnvelope:      textEnvelope("original goal"),
		SubtaskReferenceCodes: subs,
		Summary:               "two-part plan",
		Status:                workflow.StatusInProgress,
		CreatedAt:             time.Now(),
	}
}

func TestCreateAndLookup(t *testing.T) {
	ctx := context.Background()
	tracker := New()
	rec := newWorkflow(t, 1, 2, 3)

	if err := tracker.Create(ctx, rec); err != nil {
		t.Fatalf("Create: %v", err)
	}

	got, err := tracker.Get(ctx, rec.ReferenceCode)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Summary != rec.Summary || len(got.SubtaskReferenceCodes) != 2 {
		t.Errorf("got %+v", got)
	}

	bySub, err := tracker.FindBySubtask(ctx, mustCode(t, 2))
	if err != nil {
		t.Fatalf("FindBySubtask: %v", err)
	}
	if bySub.ReferenceCode != rec.ReferenceCode {
		t.Errorf("FindBySubtask parent = %v, want %v", bySub.ReferenceCode, rec.ReferenceCode)
	}

	// A parent code is not a sub-task code.
	if _, err := tracker.FindBySubtask(ctx, rec.ReferenceCode); !errors.Is(err, workflow.ErrNotFound) {
		t.Errorf("FindBySubtask(parent) = %v, want ErrNotFound", err)
	}
	// And a sub-task code is not a parent code.
	if _, err := tracker.Get(ctx, mustCode(t, 2)); !errors.Is(err, workflow.ErrNotFound) {
		t.Errorf("Get(subtask) = %v, want ErrNotFound", err)
	}
}

func TestCreateRejectsSelfReference(t *testing.T) {
	ctx := context.Background()
	tracker := New()
	rec := newWorkflow(t, 1, 1, 2)

	if err := tracker.Create(ctx, rec); err == nil {
		t.Fatal("Create accepted a workflow listing itself as a sub-task")
	}
}

func TestResultsAndCompletion(t *testing.T) {
	ctx := context.Background()
	tracker := New()
	rec := newWorkflow(t, 1, 2, 3)
	if err := tracker.Create(ctx, rec); err != nil {
		t.Fatalf("Create: %v", err)
	}

	done, err := tracker.AllSubtasksComplete(ctx, rec.ReferenceCode)
	if err != nil {
		t.Fatalf("AllSubtasksComplete: %v", err)
	}
	if done {
		t.Fatal("complete before any result stored")
	}

	// Store out of order; results come back in sub-task order.
	if err := tracker.StoreSubtaskResult(ctx, mustCode(t, 3), textEnvelope("third")); err != nil {
		t.Fatalf("StoreSubtaskResult: %v", err)
	}
	done, err = tracker.AllSubtasksComplete(ctx, rec.ReferenceCode)
	if err != nil {
		t.Fatalf("AllSubtasksComplete: %v", err)
	}
	if done {
		t.Fatal("complete with one of two results stored")
	}
	if err := tracker.StoreSubtaskResult(ctx, mustCode(t, 2), textEnvelope("second")); err != nil {
		t.Fatalf("StoreSubtaskResult: %v", err)
	}

	done, err = tracker.AllSubtasksComplete(ctx, rec.ReferenceCode)
	if err != nil {
		t.Fatalf("AllSubtasksComplete: %v", err)
	}
	if !done {
		t.Fatal("not complete with every result stored")
	}

	results, err := tracker.GetCompletedResults(ctx, rec.ReferenceCode)
	if err != nil {
		t.Fatalf("GetCompletedResults: %v", err)
	}
	if len(results) != 2 {
		t.Fatalf("got %d results, want 2", len(results))
	}
	first := results[0].Envelope.Payload.(envelope.TextMessage).Text
	second := results[1].Envelope.Payload.(envelope.TextMessage).Text
	if first != "second" || second != "third" {
		t.Errorf("result order = %q, %q; want sub-task order", first, second)
	}
}

func TestDuplicateResultReplaces(t *testing.T) {
	ctx := context.Background()
	tracker := New()
	rec := newWorkflow(t, 1, 2)
	if err := tracker.Create(ctx, rec); err != nil {
		t.Fatalf("Create: %v", err)
	}

	// At-least-once delivery can hand the same reply to the router twice.
	for _, text := range []string{"first attempt", "second attempt"} {
		if err := tracker.StoreSubtaskResult(ctx, mustCode(t, 2), textEnvelope(text)); err != nil {
			t.Fatalf("StoreSubtaskResult: %v", err)
		}
	}

	results, err := tracker.GetCompletedResults(ctx, rec.ReferenceCode)
	if err != nil {
		t.Fatalf("GetCompletedResults: %v", err)
	}
	if len(results) != 1 {
		t.Fatalf("got %d results, want 1", len(results))
	}
	if text := results[0].Envelope.Payload.(envelope.TextMessage).Text; text != "second attempt" {
		t.Errorf("stored text = %q, want the replacement", text)
	}
}

func TestStoreResultUnknownSubtask(t *testing.T) {
	ctx := context.Background()
	tracker := New()

	err := tracker.StoreSubtaskResult(ctx, mustCode(t, 9), textEnvelope("orphan"))
	if !errors.Is(err, workflow.ErrNotFound) {
		t.Errorf("StoreSubtaskResult = %v, want ErrNotFound", err)
	}
}

func TestUpdateStatus(t *testing.T) {
	ctx := context.Background()
	fixed := time.Date(2026, 8, 24, 15, 0, 0, 0, time.UTC)
	tracker := New(WithNow(func() time.Time { return fixed }))
	rec := newWorkflow(t, 1, 2)
	if err := tracker.Create(ctx, rec); err != nil {
		t.Fatalf("Create: %v", err)
	}

	if err := tracker.UpdateStatus(ctx, rec.ReferenceCode, workflow.StatusCompleted); err != nil {
		t.Fatalf("UpdateStatus: %v", err)
	}
	got, err := tracker.Get(ctx, rec.ReferenceCode)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Status != workflow.StatusCompleted {
		t.Errorf("status = %s, want completed", got.Status)
	}
	if !got.CompletedAt.Equal(fixed) {
		t.Errorf("completed at = %v, want %v", got.CompletedAt, fixed)
	}

	if err := tracker.UpdateStatus(ctx, mustCode(t, 99), workflow.StatusFailed); !errors.Is(err, workflow.ErrNotFound) {
		t.Errorf("UpdateStatus unknown = %v, want ErrNotFound", err)
	}
}

func TestConcurrentResultStorage(t *testing.T) {
	ctx := context.Background()
	tracker := New()

	const n = 20
	subSeqs := make([]int, n)
	for i := range subSeqs {
		subSeqs[i] = i + 2
	}
	rec := newWorkflow(t, 1, subSeqs...)
	if err := tracker.Create(ctx, rec); err != nil {
		t.Fatalf("Create: %v", err)
	}

	var wg sync.WaitGroup
	wg.Add(n)
	for i := 0; i < n; i++ {
		go func(seq int) {
			defer wg.Done()
			env := textEnvelope(fmt.Sprintf("result %d", seq))
			if err := tracker.StoreSubtaskResult(ctx, mustCode(t, seq), env); err != nil {
				t.Errorf("StoreSubtaskResult %d: %v", seq, err)
			}
		}(subSeqs[i])
	}
	wg.Wait()

	done, err := tracker.AllSubtasksComplete(ctx, rec.ReferenceCode)
	if err != nil {
		t.Fatalf("AllSubtasksComplete: %v", err)
	}
	if !done {
		t.Error("not complete after every concurrent store finished")
	}
	results, err := tracker.GetCompletedResults(ctx, rec.ReferenceCode)
	if err != nil {
		t.Fatalf("GetCompletedResults: %v", err)
	}
	if len(results) != n {
		t.Errorf("got %d results, want %d", len(results), n)
	}
}
