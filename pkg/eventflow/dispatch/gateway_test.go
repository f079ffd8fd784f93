package dispatch_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/randalmurphal/eventflow/pkg/eventflow/correlate"
	"github.com/randalmurphal/eventflow/pkg/eventflow/dispatch"
	eferrors "github.com/randalmurphal/eventflow/pkg/eventflow/errors"
	"github.com/randalmurphal/eventflow/pkg/eventflow/event"
	"github.com/randalmurphal/eventflow/pkg/eventflow/subscription"
)

type started struct {
	definitionID string
	tenantID     string
	variables    map[string]event.Value
}

// fakeInstances records calls and can be told to fail.
type fakeInstances struct {
	mu        sync.Mutex
	seq       atomic.Int64
	starts    []started
	signals    map[string]int
	terminated []string
	startErr   error
	signalErr  error
}

func newFakeInstances() *fakeInstances {
	return &fakeInstances{signals: make(map[string]int)}
}

func (f *fakeInstances) Terminate(_ context.Context, instanceID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.terminated = append(f.terminated, instanceID)
	return nil
}

func (f *fakeInstances) Start(_ context.Context, definitionID, tenantID string, variables map[string]event.Value) (string, error) {
	if f.startErr != nil {
		return "", f.startErr
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.starts = append(f.starts, started{definitionID, tenantID, variables})
	return fmt.Sprintf("instance-%d", f.seq.Add(1)), nil
}

func (f *fakeInstances) Signal(_ context.Context, instanceID string, _ event.Instance) error {
	if f.signalErr != nil {
		return f.signalErr
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.signals[instanceID]++
	return nil
}

func (f *fakeInstances) startCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.starts)
}

type fakeEnqueuer struct {
	mu   sync.Mutex
	jobs []correlate.Match
	err  error
}

func (f *fakeEnqueuer) Enqueue(_ context.Context, m correlate.Match, _ event.Instance) (string, error) {
	if f.err != nil {
		return "", f.err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.jobs = append(f.jobs, m)
	return fmt.Sprintf("job-%d", len(f.jobs)), nil
}

func startMatch(config subscription.Configuration) correlate.Match {
	return correlate.Match{
		Subscription: &subscription.Subscription{
			ID:                "sub-1",
			EventType:         "myEvent",
			ScopeDefinitionID: "order:1",
			Configuration:     config,
		},
		Action: correlate.Action{Kind: correlate.ActionStart},
	}
}

func dedupMatch(refID string) correlate.Match {
	m := startMatch(subscription.Configuration{OnlyOneInstance: true})
	m.Action.Lineage = "order"
	m.Action.ReferenceID = refID
	return m
}

func kermit() event.Instance {
	return event.Instance{
		EventKey: "myEvent",
		Headers:  map[string]event.Value{"myHeader1": event.String("Hello"), "myHeader2": event.Integer(1234)},
		Payload:  map[string]event.Value{"customerId": event.String("kermit"), "payload1": event.String("Hello World")},
	}
}

func TestGateway_SyncStart(t *testing.T) {
	instances := newFakeInstances()
	g := dispatch.NewGateway(subscription.NewMemoryStore(), instances)

	out := g.Dispatch(context.Background(), startMatch(subscription.Configuration{}), kermit())
	require.NoError(t, out.Err)
	assert.Equal(t, subscription.ModeSync, out.Mode)
	assert.Equal(t, "instance-1", out.InstanceID)
	assert.Empty(t, out.JobID)

	require.Equal(t, 1, instances.startCount())
	assert.Equal(t, "order:1", instances.starts[0].definitionID)
	assert.Len(t, instances.starts[0].variables, 4, "all headers and payload fields by default")
}

func TestGateway_SyncSignal(t *testing.T) {
	instances := newFakeInstances()
	g := dispatch.NewGateway(subscription.NewMemoryStore(), instances)

	m := startMatch(subscription.Configuration{})
	m.Subscription.ScopeID = "instance-9"
	m.Action = correlate.Action{Kind: correlate.ActionSignal, InstanceID: "instance-9"}

	out := g.Dispatch(context.Background(), m, kermit())
	require.NoError(t, out.Err)
	assert.Equal(t, "instance-9", out.InstanceID)
	assert.Equal(t, 1, instances.signals["instance-9"])
}

func TestGateway_DedupRecordsReferenceAndSignalsAfterwards(t *testing.T) {
	ctx := context.Background()
	store := subscription.NewMemoryStore()
	instances := newFakeInstances()
	g := dispatch.NewGateway(store, instances)

	first := g.Execute(ctx, dedupMatch("ref-kermit"), kermit())
	require.NoError(t, first.Err)
	assert.Equal(t, correlate.ActionStart, first.Action.Kind)

	require.NoError(t, store.View(ctx, func(tx subscription.Tx) error {
		ref, err := tx.FindInstanceReference("order", "ref-kermit")
		require.NoError(t, err)
		assert.Equal(t, first.InstanceID, ref.InstanceID)
		assert.Equal(t, subscription.ReferenceTypeEventInstance, ref.ReferenceType)
		assert.Equal(t, "order:1", ref.DefinitionID)
		return nil
	}))

	// A stale decision from the matcher is re-checked under the lock.
	second := g.Execute(ctx, dedupMatch("ref-kermit"), kermit())
	require.NoError(t, second.Err)
	assert.Equal(t, correlate.ActionSignal, second.Action.Kind)
	assert.Equal(t, first.InstanceID, second.InstanceID)

	assert.Equal(t, 1, instances.startCount())
	assert.Equal(t, 1, instances.signals[first.InstanceID])
}

func TestGateway_DedupSignalWithVanishedReferenceStarts(t *testing.T) {
	instances := newFakeInstances()
	g := dispatch.NewGateway(subscription.NewMemoryStore(), instances)

	m := dedupMatch("ref-gone")
	m.Action.Kind = correlate.ActionSignal
	m.Action.InstanceID = "terminated-instance"

	out := g.Execute(context.Background(), m, kermit())
	require.NoError(t, out.Err)
	assert.Equal(t, correlate.ActionStart, out.Action.Kind)
	assert.Equal(t, 1, instances.startCount())
	assert.Zero(t, instances.signals["terminated-instance"])
}

func TestGateway_ConcurrentDedupStartsOnce(t *testing.T) {
	instances := newFakeInstances()
	g := dispatch.NewGateway(subscription.NewMemoryStore(), instances)

	const deliveries = 50
	var wg sync.WaitGroup
	outcomes := make([]dispatch.Outcome, deliveries)
	for i := 0; i < deliveries; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			outcomes[i] = g.Execute(context.Background(), dedupMatch("ref-kermit"), kermit())
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 1, instances.startCount())
	starts := 0
	for _, out := range outcomes {
		require.NoError(t, out.Err)
		if out.Action.Kind == correlate.ActionStart {
			starts++
		}
		assert.Equal(t, "instance-1", out.InstanceID)
	}
	assert.Equal(t, 1, starts)
	assert.Equal(t, deliveries-1, instances.signals["instance-1"])
}

func TestGateway_DistinctKeysStartIndependently(t *testing.T) {
	instances := newFakeInstances()
	g := dispatch.NewGateway(subscription.NewMemoryStore(), instances)

	a := g.Execute(context.Background(), dedupMatch("ref-kermit"), kermit())
	b := g.Execute(context.Background(), dedupMatch("ref-gonzo"), kermit())
	require.NoError(t, a.Err)
	require.NoError(t, b.Err)
	assert.NotEqual(t, a.InstanceID, b.InstanceID)
	assert.Equal(t, 2, instances.startCount())
}

func TestGateway_Async(t *testing.T) {
	instances := newFakeInstances()
	enqueuer := &fakeEnqueuer{}
	g := dispatch.NewGateway(subscription.NewMemoryStore(), instances,
		dispatch.WithMode(subscription.ModeAsync), dispatch.WithEnqueuer(enqueuer))

	out := g.Dispatch(context.Background(), startMatch(subscription.Configuration{}), kermit())
	require.NoError(t, out.Err)
	assert.Equal(t, subscription.ModeAsync, out.Mode)
	assert.Equal(t, "job-1", out.JobID)
	assert.Empty(t, out.InstanceID)
	assert.Zero(t, instances.startCount(), "async dispatch has no visible side effect")
	assert.Len(t, enqueuer.jobs, 1)

	// A subscription may override the gateway default.
	out = g.Dispatch(context.Background(), startMatch(subscription.Configuration{Mode: subscription.ModeSync}), kermit())
	require.NoError(t, out.Err)
	assert.Equal(t, 1, instances.startCount())
}

func TestGateway_AsyncWithoutEnqueuer(t *testing.T) {
	g := dispatch.NewGateway(subscription.NewMemoryStore(), newFakeInstances())

	out := g.Dispatch(context.Background(), startMatch(subscription.Configuration{Mode: subscription.ModeAsync}), kermit())
	assert.ErrorIs(t, out.Err, dispatch.ErrNoEnqueuer)

	enqueueFailure := errors.New("queue down")
	g = dispatch.NewGateway(subscription.NewMemoryStore(), newFakeInstances(),
		dispatch.WithMode(subscription.ModeAsync), dispatch.WithEnqueuer(&fakeEnqueuer{err: enqueueFailure}))
	out = g.Dispatch(context.Background(), startMatch(subscription.Configuration{}), kermit())
	assert.ErrorIs(t, out.Err, enqueueFailure)
}

func TestGateway_FailuresAreReportedPerAction(t *testing.T) {
	down := errors.New("runtime unavailable")
	instances := newFakeInstances()
	instances.startErr = down
	store := subscription.NewMemoryStore()
	g := dispatch.NewGateway(store, instances)

	out := g.Execute(context.Background(), dedupMatch("ref-kermit"), kermit())
	require.Error(t, out.Err)
	assert.ErrorIs(t, out.Err, down)

	var de *dispatch.DispatchError
	require.ErrorAs(t, out.Err, &de)
	assert.Equal(t, "sub-1", de.SubscriptionID)
	assert.Equal(t, correlate.ActionStart, de.Action)
	assert.True(t, eferrors.IsRetryable(out.Err), "contract failures are transient")

	// No reference is written for a failed start.
	require.NoError(t, store.View(context.Background(), func(tx subscription.Tx) error {
		_, err := tx.FindInstanceReference("order", "ref-kermit")
		assert.ErrorIs(t, err, subscription.ErrNotFound)
		return nil
	}))

	permanent := eferrors.Permanent(errors.New("definition suspended"), "start")
	instances.startErr = permanent
	out = g.Execute(context.Background(), startMatch(subscription.Configuration{}), kermit())
	assert.False(t, eferrors.IsRetryable(out.Err))
}

// faultyStore fails the next reservation insert or bind inside Update.
type faultyStore struct {
	subscription.Store
	failInsert atomic.Bool
	failBind   atomic.Bool
}

func (s *faultyStore) Update(ctx context.Context, fn func(tx subscription.Tx) error) error {
	return s.Store.Update(ctx, func(tx subscription.Tx) error {
		return fn(&faultyTx{Tx: tx, store: s})
	})
}

type faultyTx struct {
	subscription.Tx
	store *faultyStore
}

var errWrite = errors.New("disk full")

func (t *faultyTx) InsertInstanceReference(ref *subscription.InstanceReference) error {
	if t.store.failInsert.CompareAndSwap(true, false) {
		return errWrite
	}
	return t.Tx.InsertInstanceReference(ref)
}

func (t *faultyTx) BindInstanceReference(lineage, referenceID, instanceID string) error {
	if t.store.failBind.CompareAndSwap(true, false) {
		return errWrite
	}
	return t.Tx.BindInstanceReference(lineage, referenceID, instanceID)
}

func TestGateway_DedupReservationFailureStartsNothing(t *testing.T) {
	ctx := context.Background()
	store := &faultyStore{Store: subscription.NewMemoryStore()}
	instances := newFakeInstances()
	g := dispatch.NewGateway(store, instances)

	store.failInsert.Store(true)
	out := g.Execute(ctx, dedupMatch("ref-kermit"), kermit())
	require.ErrorIs(t, out.Err, errWrite)
	assert.True(t, eferrors.IsRetryable(out.Err))
	assert.Zero(t, instances.startCount(), "no instance without a reservation")

	// The redelivery starts exactly one instance.
	out = g.Execute(ctx, dedupMatch("ref-kermit"), kermit())
	require.NoError(t, out.Err)
	assert.Equal(t, correlate.ActionStart, out.Action.Kind)
	assert.Equal(t, 1, instances.startCount())

	out = g.Execute(ctx, dedupMatch("ref-kermit"), kermit())
	require.NoError(t, out.Err)
	assert.Equal(t, correlate.ActionSignal, out.Action.Kind)
	assert.Equal(t, 1, instances.startCount())
}

func TestGateway_DedupBindFailureTerminatesInstance(t *testing.T) {
	ctx := context.Background()
	store := &faultyStore{Store: subscription.NewMemoryStore()}
	instances := newFakeInstances()
	g := dispatch.NewGateway(store, instances)

	store.failBind.Store(true)
	out := g.Execute(ctx, dedupMatch("ref-kermit"), kermit())
	require.ErrorIs(t, out.Err, errWrite)
	assert.False(t, eferrors.IsRetryable(out.Err), "a retry would start a second instance")
	assert.Equal(t, "instance-1", out.InstanceID)
	assert.Equal(t, []string{"instance-1"}, instances.terminated)

	// The reservation stays pending and the next delivery claims it.
	require.NoError(t, store.View(ctx, func(tx subscription.Tx) error {
		ref, err := tx.FindInstanceReference("order", "ref-kermit")
		require.NoError(t, err)
		assert.True(t, ref.Pending())
		return nil
	}))
	out = g.Execute(ctx, dedupMatch("ref-kermit"), kermit())
	require.NoError(t, out.Err)
	assert.Equal(t, "instance-2", out.InstanceID)
	assert.Equal(t, 2, instances.startCount())
	require.NoError(t, store.View(ctx, func(tx subscription.Tx) error {
		ref, err := tx.FindInstanceReference("order", "ref-kermit")
		require.NoError(t, err)
		assert.Equal(t, "instance-2", ref.InstanceID)
		return nil
	}))
}

func TestVariables(t *testing.T) {
	evt := kermit()

	sub := &subscription.Subscription{Configuration: subscription.Configuration{
		Variables: []subscription.VariableMapping{
			{Source: subscription.SourcePayload, Field: "customerId", Variable: "customerIdVar"},
			{Source: subscription.SourcePayload, Field: "payload1", Variable: "anotherVarName"},
			{Source: subscription.SourceHeader, Field: "myHeader1", Variable: "myHeaderValue1"},
			{Source: subscription.SourceHeader, Field: "myHeader2", Variable: "myHeaderValue2"},
			{Source: subscription.SourceHeader, Field: "absent", Variable: "neverSet"},
			{Source: subscription.SourcePayload, Field: "customerId"},
		},
	}}

	vars := dispatch.Variables(sub, evt)
	assert.Len(t, vars, 5)
	assert.True(t, vars["customerIdVar"].Equal(event.String("kermit")))
	assert.True(t, vars["anotherVarName"].Equal(event.String("Hello World")))
	assert.True(t, vars["myHeaderValue1"].Equal(event.String("Hello")))
	assert.True(t, vars["myHeaderValue2"].Equal(event.Integer(1234)))
	assert.True(t, vars["customerId"].Equal(event.String("kermit")))

	// Payload wins over a header of the same name in the default mapping.
	evt.Headers["customerId"] = event.String("from-header")
	vars = dispatch.Variables(&subscription.Subscription{}, evt)
	assert.True(t, vars["customerId"].Equal(event.String("kermit")))
}
