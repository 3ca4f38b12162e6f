package statemachine

import (
	"context"
	"slices"

	"github.com/pbinitiative/zenflow/pkg/bpmn/runtime"
)

// Child identifies what arrived at a parent: a sequence flow reaching a join
// or a contained flow node instance reaching its container.
type Child struct {
	Key            int64
	ElementId      string
	SequenceFlowId string
}

func (c Child) arrivalId() string {
	if c.SequenceFlowId != "" {
		return c.SequenceFlowId
	}
	return c.ElementId
}

// hitFunc runs with the parent locked and reports whether the parent fires
type hitFunc func(ctx context.Context, m *Machine, parent runtime.FlowNodeInstance, child Child) (bool, error)

type kindState struct {
	kind  runtime.NodeKind
	state runtime.StateId
}

var hitTable = map[kindState]hitFunc{
	{runtime.NodeKindExclusiveGateway, runtime.StateExecuting}: hitFirst,
	{runtime.NodeKindParallelGateway, runtime.StateExecuting}:  hitJoin,
	{runtime.NodeKindInclusiveGateway, runtime.StateExecuting}: hitJoin,

	{runtime.NodeKindSubProcess, runtime.StateExecuting}:    hitContainer,
	{runtime.NodeKindSubProcess, runtime.StateCancelling}:   hitContainer,
	{runtime.NodeKindSubProcess, runtime.StateAborting}:     hitContainer,
	{runtime.NodeKindCallActivity, runtime.StateExecuting}:  hitContainer,
	{runtime.NodeKindCallActivity, runtime.StateCancelling}: hitContainer,
	{runtime.NodeKindCallActivity, runtime.StateAborting}:   hitContainer,
}

func hitFirst(ctx context.Context, m *Machine, parent runtime.FlowNodeInstance, child Child) (bool, error) {
	return true, nil
}

// hitJoin counts arrived branches, the join fires exactly when the count reaches the expected branches
func hitJoin(ctx context.Context, m *Machine, parent runtime.FlowNodeInstance, child Child) (bool, error) {
	count, err := m.store.AddToken(ctx, parent.Key, 1)
	if err != nil {
		return false, err
	}
	parent.TokenCount = count
	parent.HitBy = append(slices.Clone(parent.HitBy), child.arrivalId())
	if err := m.store.SaveFlowNodeInstance(ctx, parent); err != nil {
		return false, err
	}
	expected := max(parent.ExpectedTokens, 1)
	m.logger.Debug("join hit", "element", parent.ElementId, "key", parent.Key, "from", child.arrivalId(), "tokens", count, "expected", expected)
	return count == expected, nil
}

// hitContainer releases the token of a finished child, the container fires once no child is in flight
func hitContainer(ctx context.Context, m *Machine, parent runtime.FlowNodeInstance, child Child) (bool, error) {
	count, err := m.store.AddToken(ctx, parent.Key, -1)
	if err != nil {
		return false, err
	}
	m.logger.Debug("container hit", "element", parent.ElementId, "key", parent.Key, "child", child.Key, "tokens", count)
	return count == 0, nil
}
