package correlation

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/pbinitiative/zenflow/pkg/bpmn/model"
	"github.com/pbinitiative/zenflow/pkg/bpmn/runtime"
	"github.com/pbinitiative/zenflow/pkg/ptr"
	"github.com/pbinitiative/zenflow/pkg/storage"
	"github.com/pbinitiative/zenflow/pkg/storage/inmemory"
	"github.com/pbinitiative/zenflow/pkg/zenflake"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// recorder counts resume calls per waiting event and trigger
type recorder struct {
	mu       sync.Mutex
	waiting  map[int64]int
	triggers map[int64]int
	fail     error
}

func newRecorder() *recorder {
	return &recorder{waiting: map[int64]int{}, triggers: map[int64]int{}}
}

func (r *recorder) resume(ctx context.Context, waiting runtime.WaitingEvent, trigger runtime.Trigger) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.fail != nil {
		return r.fail
	}
	r.waiting[waiting.Key]++
	r.triggers[trigger.Key]++
	return nil
}

func (r *recorder) total() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, c := range r.waiting {
		n += c
	}
	return n
}

func newTestEngine(t *testing.T) (*Engine, *inmemory.Storage, *recorder) {
	t.Helper()
	keys, err := zenflake.NewGenerator(4)
	require.NoError(t, err)
	store := inmemory.NewStorage(keys)
	rec := newRecorder()
	return New(store, rec.resume), store, rec
}

var testInstance = runtime.ProcessInstance{
	Key:                    100,
	ProcessDefinitionKey:   10,
	BpmnProcessId:          "order",
	RootProcessInstanceKey: 100,
}

func catchNode(name string, eventType model.EventDefinitionType) model.FlowNode {
	return model.FlowNode{
		Id:    "catch-" + name,
		Type:  model.ElementTypeIntermediateCatchEvent,
		Event: &model.EventDefinition{Type: eventType, Name: name},
	}
}

func registerCatch(t *testing.T, e *Engine, store storage.Storage, name string, eventType model.EventDefinitionType, correlation runtime.Correlation) runtime.WaitingEvent {
	t.Helper()
	fni := runtime.FlowNodeInstance{Key: store.GenerateId(), ElementId: "catch-" + name}
	w, delivered, err := e.RegisterWaitingEvent(t.Context(), NewIntermediateCatchWaitingEvent(testInstance, fni, catchNode(name, eventType), correlation))
	require.NoError(t, err)
	require.False(t, delivered)
	return w
}

func TestMessageIsDeliveredToExactlyOneRegistration(t *testing.T) {
	e, store, rec := newTestEngine(t)
	w1 := registerCatch(t, e, store, "payment", model.EventDefinitionMessage, runtime.NewCorrelation("order-1"))
	w2 := registerCatch(t, e, store, "payment", model.EventDefinitionMessage, runtime.NewCorrelation("order-1"))

	delivered, err := e.MatchTrigger(t.Context(), runtime.Trigger{
		TriggerType: runtime.TriggerTypeMessage,
		Name:        "payment",
		Correlation: runtime.NewCorrelation("order-1"),
	})
	require.NoError(t, err)
	assert.Equal(t, 1, delivered)
	assert.Equal(t, 1, rec.waiting[w1.Key])
	assert.Equal(t, 0, rec.waiting[w2.Key])

	_, err = store.FindWaitingEventByKey(t.Context(), w1.Key)
	assert.ErrorIs(t, err, storage.ErrNotFound)
	remaining, err := store.FindWaitingEventByKey(t.Context(), w2.Key)
	require.NoError(t, err)
	assert.False(t, remaining.Locked)
	assert.Empty(t, store.Triggers)
}

func TestMessageWithoutMatchStaysPending(t *testing.T) {
	e, store, rec := newTestEngine(t)
	registerCatch(t, e, store, "payment", model.EventDefinitionMessage, runtime.NewCorrelation("order-1"))

	delivered, err := e.MatchTrigger(t.Context(), runtime.Trigger{
		TriggerType: runtime.TriggerTypeMessage,
		Name:        "payment",
		Correlation: runtime.NewCorrelation("order-2"),
		Variables:   map[string]any{"amount": 10},
	})
	require.NoError(t, err)
	assert.Equal(t, 0, delivered)
	assert.Equal(t, 0, rec.total())
	assert.Len(t, store.Triggers, 1)

	// a registration arriving later picks the pending message up
	fni := runtime.FlowNodeInstance{Key: store.GenerateId()}
	w, delivered2, err := e.RegisterWaitingEvent(t.Context(), NewIntermediateCatchWaitingEvent(testInstance, fni, catchNode("payment", model.EventDefinitionMessage), runtime.NewCorrelation("order-2")))
	require.NoError(t, err)
	assert.True(t, delivered2)
	assert.Equal(t, 1, rec.waiting[w.Key])
	assert.Empty(t, store.Triggers)
}

func TestSignalIsBroadcast(t *testing.T) {
	e, store, rec := newTestEngine(t)
	w1 := registerCatch(t, e, store, "shutdown", model.EventDefinitionSignal, runtime.Correlation{})
	w2 := registerCatch(t, e, store, "shutdown", model.EventDefinitionSignal, runtime.Correlation{})
	other := registerCatch(t, e, store, "other", model.EventDefinitionSignal, runtime.Correlation{})

	delivered, err := e.MatchTrigger(t.Context(), runtime.Trigger{TriggerType: runtime.TriggerTypeSignal, Name: "shutdown"})
	require.NoError(t, err)
	assert.Equal(t, 2, delivered)
	assert.Equal(t, 1, rec.waiting[w1.Key])
	assert.Equal(t, 1, rec.waiting[w2.Key])
	assert.Equal(t, 0, rec.waiting[other.Key])
	assert.Empty(t, store.Triggers)

	// a signal without receivers is not kept
	delivered, err = e.MatchTrigger(t.Context(), runtime.Trigger{TriggerType: runtime.TriggerTypeSignal, Name: "shutdown"})
	require.NoError(t, err)
	assert.Equal(t, 0, delivered)
	assert.Empty(t, store.Triggers)
}

func TestFailedResumeRollsBack(t *testing.T) {
	e, store, rec := newTestEngine(t)
	w := registerCatch(t, e, store, "payment", model.EventDefinitionMessage, runtime.Correlation{})
	rec.fail = errors.New("boom")

	trigger := runtime.Trigger{Key: store.GenerateId(), TriggerType: runtime.TriggerTypeMessage, Name: "payment"}
	_, err := e.MatchTrigger(t.Context(), trigger)
	assert.ErrorContains(t, err, "boom")

	storedWaiting, err := store.FindWaitingEventByKey(t.Context(), w.Key)
	require.NoError(t, err)
	assert.False(t, storedWaiting.Locked)
	storedTrigger, err := store.FindTriggerByKey(t.Context(), trigger.Key)
	require.NoError(t, err)
	assert.False(t, storedTrigger.Locked)

	// redelivery of the same trigger succeeds once the callback recovers
	rec.fail = nil
	delivered, err := e.MatchTrigger(t.Context(), trigger)
	require.NoError(t, err)
	assert.Equal(t, 1, delivered)
	assert.Equal(t, 1, rec.waiting[w.Key])
}

func TestStartRegistrationSurvivesDelivery(t *testing.T) {
	e, store, rec := newTestEngine(t)
	def := model.ProcessDefinition{BpmnProcessId: "order", Key: 10}
	node := model.FlowNode{Id: "start", Type: model.ElementTypeStartEvent, Event: &model.EventDefinition{Type: model.EventDefinitionMessage, Name: "new-order"}}
	w, _, err := e.RegisterWaitingEvent(t.Context(), NewStartWaitingEvent(def, node))
	require.NoError(t, err)
	assert.Equal(t, runtime.WaitingEventKindStart, w.Kind)

	for range 3 {
		delivered, err := e.MatchTrigger(t.Context(), runtime.Trigger{TriggerType: runtime.TriggerTypeMessage, Name: "new-order"})
		require.NoError(t, err)
		assert.Equal(t, 1, delivered)
	}
	assert.Equal(t, 3, rec.waiting[w.Key])
	stored, err := store.FindWaitingEventByKey(t.Context(), w.Key)
	require.NoError(t, err)
	assert.False(t, stored.Locked)
}

func TestConcurrentMessagesAreDeliveredAtMostOnce(t *testing.T) {
	e, store, rec := newTestEngine(t)
	const n = 20
	waiting := make([]runtime.WaitingEvent, n)
	for i := range waiting {
		waiting[i] = registerCatch(t, e, store, "payment", model.EventDefinitionMessage, runtime.Correlation{})
	}

	var wg sync.WaitGroup
	for i := range n {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := e.MatchTrigger(context.Background(), runtime.Trigger{
				TriggerType: runtime.TriggerTypeMessage,
				Name:        "payment",
				Variables:   map[string]any{"i": i},
			})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	rec.mu.Lock()
	defer rec.mu.Unlock()
	delivered := 0
	for key, count := range rec.waiting {
		assert.LessOrEqual(t, count, 1, "waiting event %d resumed twice", key)
		delivered += count
	}
	for key, count := range rec.triggers {
		assert.LessOrEqual(t, count, 1, "trigger %d delivered twice", key)
	}
	// every message is either delivered or still pending, none is lost
	assert.Equal(t, n, delivered+len(store.Triggers))
	assert.Equal(t, n-delivered, len(store.WaitingEvents))
}

func TestDeleteRegistrations(t *testing.T) {
	e, store, _ := newTestEngine(t)
	w1 := registerCatch(t, e, store, "a", model.EventDefinitionMessage, runtime.Correlation{})
	registerCatch(t, e, store, "b", model.EventDefinitionSignal, runtime.Correlation{})

	require.NoError(t, e.DeleteForFlowNode(t.Context(), w1.FlowNodeInstanceKey))
	_, err := store.FindWaitingEventByKey(t.Context(), w1.Key)
	assert.ErrorIs(t, err, storage.ErrNotFound)
	assert.Len(t, store.WaitingEvents, 1)

	require.NoError(t, e.DeleteForProcessInstance(t.Context(), testInstance.Key))
	assert.Empty(t, store.WaitingEvents)
}

func TestExpiredTriggers(t *testing.T) {
	e, store, rec := newTestEngine(t)
	now := time.Now()
	for i, ttl := range []time.Duration{-time.Hour, time.Hour, 80 * time.Minute} {
		_, err := e.MatchTrigger(t.Context(), runtime.Trigger{
			TriggerType: runtime.TriggerTypeMessage,
			Name:        fmt.Sprintf("late-%d", i),
			ExpiresAt:   ptr.To(now.Add(ttl)),
		})
		require.NoError(t, err)
	}
	// the one already expired when thrown is never stored
	assert.Len(t, store.Triggers, 2)

	require.NoError(t, e.ExpireTriggers(t.Context(), now.Add(90*time.Minute)))
	assert.Empty(t, store.Triggers)

	fni := runtime.FlowNodeInstance{Key: store.GenerateId()}
	_, delivered, err := e.RegisterWaitingEvent(t.Context(), NewIntermediateCatchWaitingEvent(testInstance, fni, catchNode("late-2", model.EventDefinitionMessage), runtime.Correlation{}))
	require.NoError(t, err)
	assert.False(t, delivered)
	assert.Equal(t, 0, rec.total())
}
