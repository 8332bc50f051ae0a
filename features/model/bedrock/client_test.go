package bedrock

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	brtypes "github.com/aws/aws-sdk-go-v2/service/bedrockruntime/types"
	smithy "github.com/aws/smithy-go"
	"github.com/stretchr/testify/require"

	"goa.design/troupe/runtime/model"
)

type stubRuntimeClient struct {
	lastInput *bedrockruntime.ConverseInput
	output    *bedrockruntime.ConverseOutput
	err       error
}

func (s *stubRuntimeClient) Converse(
	_ context.Context,
	params *bedrockruntime.ConverseInput,
	_ ...func(*bedrockruntime.Options),
) (*bedrockruntime.ConverseOutput, error) {
	s.lastInput = params
	return s.output, s.err
}

var _ RuntimeClient = (*stubRuntimeClient)(nil)

func textOutput(text string) *bedrockruntime.ConverseOutput {
	return &bedrockruntime.ConverseOutput{
		Output: &brtypes.ConverseOutputMemberMessage{
			Value: brtypes.Message{
				Role:    brtypes.ConversationRoleAssistant,
				Content: []brtypes.ContentBlock{&brtypes.ContentBlockMemberText{Value: text}},
			},
		},
		StopReason: brtypes.StopReasonEndTurn,
		Usage: &brtypes.TokenUsage{
			InputTokens:  aws.Int32(10),
			OutputTokens: aws.Int32(5),
			TotalTokens:  aws.Int32(15),
		},
	}
}

func TestNewValidatesOptions(t *testing.T) {
	_, err := New(nil, Options{DefaultModel: "m"})
	require.Error(t, err)
	_, err = New(&stubRuntimeClient{}, Options{})
	require.Error(t, err)
}

func TestCompleteTranslatesResponse(t *testing.T) {
	stub := &stubRuntimeClient{output: textOutput("world")}
	cl, err := New(stub, Options{DefaultModel: "sonnet"})
	require.NoError(t, err)

	resp, err := cl.Complete(context.Background(), model.Request{
		MaxTokens:   128,
		Temperature: 0.5,
		Messages: []model.Message{
			{Role: model.RoleSystem, Content: "be brief"},
			{Role: model.RoleUser, Content: "hello"},
		},
	})
	require.NoError(t, err)
	require.Equal(t, "world", resp.Text())
	require.Equal(t, string(brtypes.StopReasonEndTurn), resp.StopReason)
	require.Equal(t, 10, resp.Usage.InputTokens)
	require.Equal(t, 5, resp.Usage.OutputTokens)
	require.Equal(t, 15, resp.Usage.TotalTokens)

	require.NotNil(t, stub.lastInput)
	require.Equal(t, "sonnet", aws.ToString(stub.lastInput.ModelId))
	require.Len(t, stub.lastInput.Messages, 1)
	require.Len(t, stub.lastInput.System, 1)
	require.NotNil(t, stub.lastInput.InferenceConfig)
	require.Equal(t, int32(128), aws.ToInt32(stub.lastInput.InferenceConfig.MaxTokens))
	require.Equal(t, float32(0.5), aws.ToFloat32(stub.lastInput.InferenceConfig.Temperature))
}

func TestCompleteResolvesModelClass(t *testing.T) {
	stub := &stubRuntimeClient{output: textOutput("ok")}
	cl, err := New(stub, Options{
		DefaultModel: "sonnet",
		HighModel:    "opus",
		SmallModel:   "haiku",
	})
	require.NoError(t, err)

	cases := []struct {
		name  string
		req   model.Request
		model string
	}{
		{"explicit model wins", model.Request{Model: "nova", Class: model.ClassSmall}, "nova"},
		{"high reasoning", model.Request{Class: model.ClassHighReasoning}, "opus"},
		{"small", model.Request{Class: model.ClassSmall}, "haiku"},
		{"default", model.Request{}, "sonnet"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			tc.req.Messages = []model.Message{{Role: model.RoleUser, Content: "hi"}}
			_, err := cl.Complete(context.Background(), tc.req)
			require.NoError(t, err)
			require.Equal(t, tc.model, aws.ToString(stub.lastInput.ModelId))
		})
	}
}

func TestCompleteRequiresConversation(t *testing.T) {
	cl, err := New(&stubRuntimeClient{}, Options{DefaultModel: "sonnet"})
	require.NoError(t, err)
	_, err = cl.Complete(context.Background(), model.Request{})
	require.Error(t, err)
}

func TestIsRateLimitedIdempotentOnSentinel(t *testing.T) {
	require.True(t, isRateLimited(model.ErrRateLimited))
	wrapped := fmt.Errorf("provider: %w", model.ErrRateLimited)
	require.True(t, isRateLimited(wrapped))
	require.False(t, isRateLimited(errors.New("other")))
}

func TestCompleteWrapsThrottlingErrors(t *testing.T) {
	stub := &stubRuntimeClient{
		err: &smithy.GenericAPIError{Code: "ThrottlingException", Message: "slow down"},
	}
	cl, err := New(stub, Options{DefaultModel: "sonnet"})
	require.NoError(t, err)
	_, err = cl.Complete(context.Background(), model.Request{
		Messages: []model.Message{{Role: model.RoleUser, Content: "hi"}},
	})
	require.Error(t, err)
	require.ErrorIs(t, err, model.ErrRateLimited)
}

func TestCompleteSurfacesProviderError(t *testing.T) {
	boom := errors.New("upstream down")
	stub := &stubRuntimeClient{err: boom}
	cl, err := New(stub, Options{DefaultModel: "sonnet"})
	require.NoError(t, err)
	_, err = cl.Complete(context.Background(), model.Request{
		Messages: []model.Message{{Role: model.RoleUser, Content: "hi"}},
	})
	require.ErrorIs(t, err, boom)
	require.False(t, errors.Is(err, model.ErrRateLimited))
}
