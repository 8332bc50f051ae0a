package anthropic

import (
	"context"
	"errors"
	"testing"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"goa.design/troupe/runtime/model"
)

type stubMessagesClient struct {
	lastParams sdk.MessageNewParams
	resp       *sdk.Message
	err        error
}

func (s *stubMessagesClient) New(_ context.Context, body sdk.MessageNewParams, _ ...option.RequestOption) (*sdk.Message, error) {
	s.lastParams = body
	return s.resp, s.err
}

var _ MessagesClient = (*stubMessagesClient)(nil)

func TestNewValidatesOptions(t *testing.T) {
	if _, err := New(nil, Options{DefaultModel: "m"}); err == nil {
		t.Fatal("expected error for nil client")
	}
	if _, err := New(&stubMessagesClient{}, Options{}); err == nil {
		t.Fatal("expected error for missing default model")
	}
}

func TestCompleteTranslatesResponse(t *testing.T) {
	stub := &stubMessagesClient{
		resp: &sdk.Message{
			Content: []sdk.ContentBlockUnion{
				{Type: "text", Text: "world"},
			},
			StopReason: sdk.StopReasonEndTurn,
			Usage: sdk.Usage{
				InputTokens:  10,
				OutputTokens: 5,
			},
		},
	}
	cl, err := New(stub, Options{DefaultModel: "claude-sonnet", MaxTokens: 128})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	resp, err := cl.Complete(context.Background(), model.Request{
		Messages: []model.Message{
			{Role: model.RoleSystem, Content: "be brief"},
			{Role: model.RoleUser, Content: "hello"},
		},
	})
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if got := resp.Text(); got != "world" {
		t.Fatalf("unexpected text %q", got)
	}
	if resp.StopReason != string(sdk.StopReasonEndTurn) {
		t.Fatalf("unexpected stop reason %q", resp.StopReason)
	}
	if resp.Usage.InputTokens != 10 || resp.Usage.OutputTokens != 5 || resp.Usage.TotalTokens != 15 {
		t.Fatalf("unexpected usage: %+v", resp.Usage)
	}

	if got := stub.lastParams.Model; got != "claude-sonnet" {
		t.Fatalf("unexpected model %q", got)
	}
	if got := stub.lastParams.MaxTokens; got != 128 {
		t.Fatalf("unexpected max tokens %d", got)
	}
	if len(stub.lastParams.System) != 1 || stub.lastParams.System[0].Text != "be brief" {
		t.Fatalf("unexpected system blocks: %+v", stub.lastParams.System)
	}
	if len(stub.lastParams.Messages) != 1 {
		t.Fatalf("expected 1 conversational message, got %d", len(stub.lastParams.Messages))
	}
}

func TestCompleteResolvesModelClass(t *testing.T) {
	stub := &stubMessagesClient{resp: &sdk.Message{
		Content: []sdk.ContentBlockUnion{{Type: "text", Text: "ok"}},
	}}
	cl, err := New(stub, Options{
		DefaultModel: "claude-sonnet",
		HighModel:    "claude-opus",
		SmallModel:   "claude-haiku",
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	cases := []struct {
		name  string
		req   model.Request
		model string
	}{
		{"explicit model wins", model.Request{Model: "claude-x", Class: model.ClassSmall}, "claude-x"},
		{"high reasoning", model.Request{Class: model.ClassHighReasoning}, "claude-opus"},
		{"small", model.Request{Class: model.ClassSmall}, "claude-haiku"},
		{"unknown class falls back", model.Request{Class: "huge"}, "claude-sonnet"},
		{"default", model.Request{}, "claude-sonnet"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			tc.req.Messages = []model.Message{{Role: model.RoleUser, Content: "hi"}}
			if _, err := cl.Complete(context.Background(), tc.req); err != nil {
				t.Fatalf("Complete: %v", err)
			}
			if got := string(stub.lastParams.Model); got != tc.model {
				t.Fatalf("expected model %q, got %q", tc.model, got)
			}
		})
	}
}

func TestCompleteRequiresConversation(t *testing.T) {
	cl, err := New(&stubMessagesClient{}, Options{DefaultModel: "claude-sonnet"})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if _, err := cl.Complete(context.Background(), model.Request{}); err == nil {
		t.Fatal("expected error for empty messages")
	}
	onlySystem := model.Request{Messages: []model.Message{{Role: model.RoleSystem, Content: "x"}}}
	if _, err := cl.Complete(context.Background(), onlySystem); err == nil {
		t.Fatal("expected error for system-only messages")
	}
}

func TestCompleteWrapsRateLimitedErrors(t *testing.T) {
	stub := &stubMessagesClient{err: model.ErrRateLimited}
	cl, err := New(stub, Options{DefaultModel: "claude-sonnet"})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	_, err = cl.Complete(context.Background(), model.Request{
		Messages: []model.Message{{Role: model.RoleUser, Content: "hi"}},
	})
	if !errors.Is(err, model.ErrRateLimited) {
		t.Fatalf("expected ErrRateLimited, got %v", err)
	}
}

func TestCompleteSurfacesProviderError(t *testing.T) {
	boom := errors.New("upstream down")
	stub := &stubMessagesClient{err: boom}
	cl, err := New(stub, Options{DefaultModel: "claude-sonnet"})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	_, err = cl.Complete(context.Background(), model.Request{
		Messages: []model.Message{{Role: model.RoleUser, Content: "hi"}},
	})
	if !errors.Is(err, boom) {
		t.Fatalf("expected wrapped provider error, got %v", err)
	}
	if errors.Is(err, model.ErrRateLimited) {
		t.Fatalf("plain failure must not be rate limited: %v", err)
	}
}
