package oracle

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"atomforge/internal/config"
)

func testClientConfig() config.OracleConfig {
	return config.OracleConfig{
		Provider:    "scripted",
		TimeoutMS:   5000,
		MaxInFlight: 4,
		MaxRetries:  3,
	}
}

func TestClient_PassesThroughSuccess(t *testing.T) {
	provider := NewScriptedProvider(ScriptedResponse{Text: "func A() {}"})
	client := NewClient(provider, testClientConfig())

	text, err := client.Generate(context.Background(), Request{Prompt: "p", Temperature: 0.7})
	require.NoError(t, err)
	assert.Equal(t, "func A() {}", text)

	calls := provider.Calls()
	require.Len(t, calls, 1)
	assert.Equal(t, 0.7, calls[0].Temperature)
}

func TestClient_RetriesTransientErrors(t *testing.T) {
	provider := NewScriptedProvider(
		ScriptedResponse{Err: &Error{Kind: KindTransport, Message: "connection reset"}},
		ScriptedResponse{Err: &Error{Kind: KindRateLimit, Message: "429"}},
		ScriptedResponse{Text: "ok"},
	)
	client := NewClient(provider, testClientConfig())

	text, err := client.Generate(context.Background(), Request{Prompt: "p"})
	require.NoError(t, err)
	assert.Equal(t, "ok", text)
	assert.Len(t, provider.Calls(), 3)
}

func TestClient_DoesNotRetryInvalidRequest(t *testing.T) {
	provider := NewScriptedProvider(
		ScriptedResponse{Err: &Error{Kind: KindInvalidRequest, Message: "bad prompt"}},
		ScriptedResponse{Text: "never reached"},
	)
	client := NewClient(provider, testClientConfig())

	_, err := client.Generate(context.Background(), Request{Prompt: "p"})
	require.Error(t, err)
	var oerr *Error
	require.ErrorAs(t, err, &oerr)
	assert.Equal(t, KindInvalidRequest, oerr.Kind)
	assert.Len(t, provider.Calls(), 1, "invalid_request must not be retried")
}

func TestClient_SemanticErrorNotRetried(t *testing.T) {
	// Empty output is a model-side semantic failure: the retry
	// orchestrator's problem, not the transport client's.
	provider := NewScriptedProvider(ScriptedResponse{Text: "   "})
	client := NewClient(provider, testClientConfig())

	_, err := client.Generate(context.Background(), Request{Prompt: "p"})
	require.Error(t, err)
	var oerr *Error
	require.ErrorAs(t, err, &oerr)
	assert.Equal(t, KindSemantic, oerr.Kind)
	assert.Len(t, provider.Calls(), 1)
}

func TestClient_TransientExhaustionSurfacesLastError(t *testing.T) {
	cfg := testClientConfig()
	cfg.MaxRetries = 1
	provider := NewScriptedProvider(
		ScriptedResponse{Err: &Error{Kind: KindServer, Message: "boom"}},
	)
	client := NewClient(provider, cfg)

	_, err := client.Generate(context.Background(), Request{Prompt: "p"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "retries exhausted")
	assert.Len(t, provider.Calls(), 2) // initial + 1 retry
}

func TestClient_CancelledWhileWaitingForSlot(t *testing.T) {
	cfg := testClientConfig()
	cfg.MaxInFlight = 1
	provider := NewScriptedProvider(ScriptedResponse{Text: "ok"})
	client := NewClient(provider, cfg)

	// Occupy the only slot.
	client.sem <- struct{}{}
	defer func() { <-client.sem }()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := client.Generate(ctx, Request{Prompt: "p"})
	require.Error(t, err)
	assert.Empty(t, provider.Calls())
}

func TestError_TransientClassification(t *testing.T) {
	assert.True(t, (&Error{Kind: KindTransport}).Transient())
	assert.True(t, (&Error{Kind: KindRateLimit}).Transient())
	assert.True(t, (&Error{Kind: KindServer}).Transient())
	assert.False(t, (&Error{Kind: KindInvalidRequest}).Transient())
	assert.False(t, (&Error{Kind: KindSemantic}).Transient())
}

func TestClassifyStatus(t *testing.T) {
	kind, bad := classifyStatus(429)
	assert.True(t, bad)
	assert.Equal(t, KindRateLimit, kind)

	kind, bad = classifyStatus(500)
	assert.True(t, bad)
	assert.Equal(t, KindServer, kind)

	kind, bad = classifyStatus(400)
	assert.True(t, bad)
	assert.Equal(t, KindInvalidRequest, kind)

	_, bad = classifyStatus(200)
	assert.False(t, bad)
}

func TestScriptedProvider_RepeatsFinalResponse(t *testing.T) {
	provider := NewScriptedProvider(ScriptedResponse{Text: "only"})
	for i := 0; i < 3; i++ {
		text, err := provider.Generate(context.Background(), Request{})
		require.NoError(t, err)
		assert.Equal(t, "only", text)
	}
}
