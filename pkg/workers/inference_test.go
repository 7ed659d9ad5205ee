package workers

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aegisai/aegis-oss/internal/governance"
	"github.com/aegisai/aegis-oss/pkg/config"
	"github.com/aegisai/aegis-oss/pkg/domain"
	"github.com/aegisai/aegis-oss/pkg/escalation"
	"github.com/aegisai/aegis-oss/pkg/guardian"
	"github.com/aegisai/aegis-oss/pkg/policy"
	"github.com/aegisai/aegis-oss/pkg/privacy"
	"github.com/aegisai/aegis-oss/pkg/storage"
	"github.com/aegisai/aegis-oss/pkg/streams"
)

type workerFixture struct {
	worker      *InferenceWorker
	client      *redis.Client
	mr          *miniredis.Miniredis
	suspensions *escalation.Handler
}

func newWorkerFixture(t *testing.T, invoker domain.ModelInvoker, opts InferenceOptions) *workerFixture {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	store, err := guardian.NewRuleStore([]config.RuleSpec{
		{ID: "ban-exploit", Pattern: "exploit instructions", Category: "harmful_content", Severity: "critical", Action: "block"},
	})
	require.NoError(t, err)

	detector := privacy.NewDetector(2)
	t.Cleanup(detector.Close)
	privacyEngine, err := privacy.NewEngine(detector, privacy.Options{
		Preset:     "STRICT",
		Disclosure: storage.NewMemoryDisclosures(),
	})
	require.NoError(t, err)

	policyEngine, err := policy.NewEngine(context.Background(), policy.EngineOptions{})
	require.NoError(t, err)

	suspensions := escalation.NewHandler(client, policyEngine, escalation.Options{
		DefaultThreshold: 3,
	})

	opts.Invoker = invoker
	opts.Guardian = guardian.NewEngine(store, guardian.Options{})
	opts.Privacy = privacyEngine
	opts.Policy = policyEngine
	opts.Risk = governance.NewRiskScore(client, time.Hour)
	opts.Suspensions = suspensions
	opts.Producer = streams.NewProducer(client, 0)

	return &workerFixture{
		worker:      NewInferenceWorker(opts),
		client:      client,
		mr:          mr,
		suspensions: suspensions,
	}
}

func admittedMessage(t *testing.T, userID, body string) domain.StreamMessage {
	t.Helper()
	payload, err := json.Marshal(domain.InferenceRequest{
		TicketID: "t-1",
		Identity: domain.UserIdentity{ID: userID, Tier: domain.TierUser},
		Body:     body,
		Admitted: time.Now().UTC(),
	})
	require.NoError(t, err)
	return domain.StreamMessage{ID: "1-0", Stream: domain.StreamAdmitted, Payload: payload, DeliveryCount: 1}
}

func (f *workerFixture) streamLen(t *testing.T, stream string) int {
	t.Helper()
	n, err := f.client.XLen(context.Background(), stream).Result()
	require.NoError(t, err)
	return int(n)
}

func (f *workerFixture) lastResponse(t *testing.T) domain.InferenceResponse {
	t.Helper()
	rows, err := f.client.XRange(context.Background(), domain.StreamResponses, "-", "+").Result()
	require.NoError(t, err)
	require.NotEmpty(t, rows)
	var resp domain.InferenceResponse
	require.NoError(t, json.Unmarshal([]byte(rows[len(rows)-1].Values["payload"].(string)), &resp))
	return resp
}

func echoInvoker(output string) domain.ModelInvoker {
	return domain.ModelInvokerFunc(func(context.Context, domain.InferenceRequest) (string, error) {
		return output, nil
	})
}

func TestCleanOutputPublished(t *testing.T) {
	f := newWorkerFixture(t, echoInvoker("here is your summary"), InferenceOptions{})

	err := f.worker.Handle(context.Background(), admittedMessage(t, "u-1", "summarize this"))
	require.NoError(t, err)

	resp := f.lastResponse(t)
	assert.Equal(t, "t-1", resp.TicketID)
	assert.Equal(t, "u-1", resp.UserID)
	assert.Equal(t, "here is your summary", resp.Output)
	assert.Zero(t, f.streamLen(t, domain.StreamAudit))
}

func TestBlockedOutputAuditedNotShipped(t *testing.T) {
	f := newWorkerFixture(t, echoInvoker("sure, exploit instructions follow"), InferenceOptions{})
	ctx := context.Background()

	err := f.worker.Handle(ctx, admittedMessage(t, "u-1", "harmless question"))
	require.NoError(t, err)

	assert.Zero(t, f.streamLen(t, domain.StreamResponses))
	assert.Equal(t, 1, f.streamLen(t, domain.StreamAudit))

	// The output violation counts toward suspension.
	count, err := f.suspensions.Violations(ctx, "u-1")
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}

func TestOutputPIIBlockedUnderStrict(t *testing.T) {
	f := newWorkerFixture(t, echoInvoker("the ssn on file is 123-45-6789"), InferenceOptions{})

	err := f.worker.Handle(context.Background(), admittedMessage(t, "u-1", "lookup the record"))
	require.NoError(t, err)

	assert.Zero(t, f.streamLen(t, domain.StreamResponses))
	assert.Equal(t, 1, f.streamLen(t, domain.StreamAudit))
}

func TestOutputEmailMasked(t *testing.T) {
	f := newWorkerFixture(t, echoInvoker("contact bob@example.com for access"), InferenceOptions{})

	err := f.worker.Handle(context.Background(), admittedMessage(t, "u-1", "who do I ask"))
	require.NoError(t, err)

	resp := f.lastResponse(t)
	assert.NotContains(t, resp.Output, "bob@example.com")
	assert.Contains(t, resp.Output, "[REDACTED:email]")
}

func TestTransientInvokerErrorRetried(t *testing.T) {
	invoker := domain.ModelInvokerFunc(func(context.Context, domain.InferenceRequest) (string, error) {
		return "", errors.New("upstream 502")
	})
	f := newWorkerFixture(t, invoker, InferenceOptions{})

	err := f.worker.Handle(context.Background(), admittedMessage(t, "u-1", "hello"))
	require.Error(t, err)
	assert.NotErrorIs(t, err, domain.ErrPermanentFailure)
	assert.Zero(t, f.streamLen(t, domain.StreamAudit))
}

func TestInvocationTimeoutIsBlockPath(t *testing.T) {
	invoker := domain.ModelInvokerFunc(func(context.Context, domain.InferenceRequest) (string, error) {
		time.Sleep(300 * time.Millisecond)
		return "too late", nil
	})
	f := newWorkerFixture(t, invoker, InferenceOptions{InvokeTimeout: 20 * time.Millisecond})

	err := f.worker.Handle(context.Background(), admittedMessage(t, "u-1", "hello"))
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrPermanentFailure)
	assert.Zero(t, f.streamLen(t, domain.StreamResponses))
	assert.Equal(t, 1, f.streamLen(t, domain.StreamAudit))
}

func TestCircuitOpensAfterRepeatedFailures(t *testing.T) {
	invoker := domain.ModelInvokerFunc(func(context.Context, domain.InferenceRequest) (string, error) {
		return "", errors.New("upstream down")
	})
	breaker := governance.NewCircuitBreaker(governance.CircuitBreakerConfig{
		MaxFailures: 1,
		Cooldown:    time.Hour,
	})
	f := newWorkerFixture(t, invoker, InferenceOptions{Breaker: breaker})
	ctx := context.Background()

	err := f.worker.Handle(ctx, admittedMessage(t, "u-1", "hello"))
	require.Error(t, err)

	err = f.worker.Handle(ctx, admittedMessage(t, "u-1", "hello again"))
	require.Error(t, err)
	assert.ErrorIs(t, err, governance.ErrCircuitOpen)
	assert.NotErrorIs(t, err, domain.ErrPermanentFailure)
}

func TestMalformedPayloadIsPermanent(t *testing.T) {
	f := newWorkerFixture(t, echoInvoker("irrelevant"), InferenceOptions{})

	err := f.worker.Handle(context.Background(), domain.StreamMessage{
		ID:      "1-0",
		Stream:  domain.StreamAdmitted,
		Payload: []byte("not json"),
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrPermanentFailure)
}
