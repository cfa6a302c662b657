package llm

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var _ Client = (*StubClient)(nil)
var _ Client = (*GeminiClient)(nil)

func TestStubClient_ReplaysScriptThenRepeatsLast(t *testing.T) {
	stub := NewStubClient(
		Response{Text: "first", Usage: Usage{TotalTokens: 5}},
		Response{Text: "second", Usage: Usage{TotalTokens: 7}},
	)

	ctx := context.Background()
	resp, err := stub.Complete(ctx, "sys", "p1")
	require.NoError(t, err)
	assert.Equal(t, "first", resp.Text)
	assert.Equal(t, 5, resp.Usage.TotalTokens)

	resp, err = stub.Complete(ctx, "sys", "p2")
	require.NoError(t, err)
	assert.Equal(t, "second", resp.Text)

	// The script is exhausted; the last entry repeats.
	resp, err = stub.Complete(ctx, "sys", "p3")
	require.NoError(t, err)
	assert.Equal(t, "second", resp.Text)

	assert.Equal(t, 3, stub.Calls())
	assert.Equal(t, []string{"p1", "p2", "p3"}, stub.Prompts())
}

func TestStubClient_DefaultResponseWithoutScript(t *testing.T) {
	stub := NewStubClient()

	resp, err := stub.Complete(context.Background(), "", "anything")
	require.NoError(t, err)
	assert.Equal(t, "ok", resp.Text)
	assert.Equal(t, 20, resp.Usage.TotalTokens)
	assert.Equal(t, "stub", stub.Model())
}

func TestStubClient_FailInjectsErrorAtCall(t *testing.T) {
	stub := NewStubClient(Response{Text: "fine"})
	scripted := errors.New("rate limit exceeded")
	stub.Fail(1, scripted)

	ctx := context.Background()
	_, err := stub.Complete(ctx, "", "p1")
	require.NoError(t, err)

	_, err = stub.Complete(ctx, "", "p2")
	assert.ErrorIs(t, err, scripted)

	// Later calls succeed again.
	_, err = stub.Complete(ctx, "", "p3")
	assert.NoError(t, err)
}

func TestStubClient_ResponderOverridesScript(t *testing.T) {
	stub := NewStubClient(Response{Text: "scripted"})
	stub.Responder = func(system, prompt string) (*Response, error) {
		return &Response{Text: system + "/" + prompt, Usage: Usage{TotalTokens: 1}}, nil
	}

	resp, err := stub.Complete(context.Background(), "sys", "hello")
	require.NoError(t, err)
	assert.Equal(t, "sys/hello", resp.Text)
	assert.Equal(t, 1, stub.Calls())
}

func TestNewGeminiClient_RequiresAPIKey(t *testing.T) {
	_, err := NewGeminiClient(context.Background(), GeminiConfig{}, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "api key")
}
