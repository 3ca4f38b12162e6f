package bpmn

import (
	"context"
	"errors"
	"fmt"

	"github.com/pbinitiative/zenflow/pkg/bpmn/correlation"
	"github.com/pbinitiative/zenflow/pkg/bpmn/model"
	"github.com/pbinitiative/zenflow/pkg/bpmn/runtime"
	otelPkg "github.com/pbinitiative/zenflow/pkg/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// LoadDefinitionFile reads a YAML process definition and deploys it.
func (engine *Engine) LoadDefinitionFile(ctx context.Context, filename string) (model.ProcessDefinition, error) {
	definition, err := model.LoadYAMLFile(filename)
	if err != nil {
		return definition, wrapEngineErrorf(err, "failed to load process definition from %s", filename)
	}
	return engine.DeployDefinition(ctx, definition)
}

// DeployDefinition stores the definition as the next version of its process id.
// Message and signal start events of the new version replace the registrations of older versions.
func (engine *Engine) DeployDefinition(ctx context.Context, definition model.ProcessDefinition) (res model.ProcessDefinition, err error) {
	ctx, span := engine.tracer.Start(ctx, fmt.Sprintf("deploy:%s", definition.BpmnProcessId), trace.WithAttributes(
		attribute.String(otelPkg.AttributeProcessId, definition.BpmnProcessId),
	))
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	if err := definition.Validate(); err != nil {
		return definition, wrapEngineErrorf(err, "failed to deploy %s", definition.BpmnProcessId)
	}
	previous, err := engine.store.FindProcessDefinitionsById(ctx, definition.BpmnProcessId)
	if err != nil {
		return definition, fmt.Errorf("failed to find versions of %s: %w", definition.BpmnProcessId, err)
	}
	definition.Version = 1
	if len(previous) > 0 {
		definition.Version = previous[len(previous)-1].Version + 1
	}
	definition.Key = engine.store.GenerateId()
	if err := engine.store.SaveProcessDefinition(ctx, definition); err != nil {
		return definition, fmt.Errorf("failed to save process definition %s: %w", definition.BpmnProcessId, err)
	}
	engine.definitions.Add(definition.Key, definition)
	span.SetAttributes(attribute.Int64(otelPkg.AttributeProcessDefinitionKey, definition.Key))

	if err := engine.replaceStartRegistrations(ctx, previous, definition); err != nil {
		return definition, err
	}
	engine.logger.Info("process definition deployed", "id", definition.BpmnProcessId, "version", definition.Version, "key", definition.Key)
	return definition, nil
}

func (engine *Engine) replaceStartRegistrations(ctx context.Context, previous []model.ProcessDefinition, definition model.ProcessDefinition) error {
	var errJoin error
	for _, old := range previous {
		for _, node := range eventStartNodes(old) {
			registrations, err := engine.store.FindWaitingEvents(ctx, triggerTypeOf(node), node.Event.Name)
			if err != nil {
				errJoin = errors.Join(errJoin, err)
				continue
			}
			for _, w := range registrations {
				if w.Kind == runtime.WaitingEventKindStart && w.ProcessDefinitionKey == old.Key {
					errJoin = errors.Join(errJoin, engine.store.DeleteWaitingEvent(ctx, w.Key))
				}
			}
		}
	}
	for _, node := range eventStartNodes(definition) {
		waiting := correlation.NewStartWaitingEvent(definition, node)
		waiting.Correlation = constantCorrelation(node)
		if _, _, err := engine.correlation.RegisterWaitingEvent(ctx, waiting); err != nil {
			errJoin = errors.Join(errJoin, err)
		}
	}
	if errJoin != nil {
		return fmt.Errorf("failed to register start events of %s: %w", definition.BpmnProcessId, errJoin)
	}
	return nil
}

func eventStartNodes(definition model.ProcessDefinition) []model.FlowNode {
	var res []model.FlowNode
	for _, node := range definition.StartEvents("") {
		if node.HasEvent(model.EventDefinitionMessage) || node.HasEvent(model.EventDefinitionSignal) {
			res = append(res, node)
		}
	}
	return res
}

func noneStartNodes(definition model.ProcessDefinition, container string) []model.FlowNode {
	var res []model.FlowNode
	for _, node := range definition.StartEvents(container) {
		if node.Event == nil || node.Event.Type == model.EventDefinitionNone {
			res = append(res, node)
		}
	}
	return res
}

func triggerTypeOf(node model.FlowNode) runtime.TriggerType {
	if node.HasEvent(model.EventDefinitionSignal) {
		return runtime.TriggerTypeSignal
	}
	return runtime.TriggerTypeMessage
}

// definition returns the process definition through the cache.
func (engine *Engine) definition(ctx context.Context, key int64) (*model.ProcessDefinition, error) {
	if definition, ok := engine.definitions.Get(key); ok {
		return &definition, nil
	}
	definition, err := engine.store.FindProcessDefinitionByKey(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("failed to find process definition %d: %w", key, err)
	}
	engine.definitions.Add(key, definition)
	return &definition, nil
}

func (engine *Engine) FindProcessDefinition(ctx context.Context, key int64) (model.ProcessDefinition, error) {
	definition, err := engine.definition(ctx, key)
	if err != nil {
		return model.ProcessDefinition{}, err
	}
	return *definition, nil
}

func findNode(definition *model.ProcessDefinition, elementId string) (model.FlowNode, error) {
	node, ok := definition.FindFlowNode(elementId)
	if !ok {
		return node, newEngineErrorf("element %s not found in process %s version %d", elementId, definition.BpmnProcessId, definition.Version)
	}
	return node, nil
}
