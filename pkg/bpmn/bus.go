package bpmn

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	"github.com/google/uuid"
	"github.com/hashicorp/go-hclog"
	"github.com/pbinitiative/zenflow/internal/appcontext"
	"github.com/pbinitiative/zenflow/pkg/bpmn/runtime"
)

const (
	TopicFlowNodeCompleted = "flownode.completed"
	TopicFlowNodeFailed    = "flownode.failed"
	TopicTriggerThrown     = "trigger.thrown"

	metadataExecutionKey = "execution_key"
)

type flowNodeResult struct {
	FlowNodeInstanceKey int64          `json:"flowNodeInstanceKey"`
	Variables           map[string]any `json:"variables,omitempty"`
	Error               string         `json:"error,omitempty"`
}

func (engine *Engine) setupBus() error {
	logger := &watermillLogger{logger: engine.logger.Named("bus")}
	engine.bus = gochannel.NewGoChannel(gochannel.Config{
		Persistent:                     false,
		BlockPublishUntilSubscriberAck: false,
	}, logger)
	router, err := message.NewRouter(message.RouterConfig{}, logger)
	if err != nil {
		return fmt.Errorf("failed to create notification router: %w", err)
	}
	router.AddNoPublisherHandler("flownode_completed_handler", TopicFlowNodeCompleted, engine.bus, engine.handleFlowNodeCompleted)
	router.AddNoPublisherHandler("flownode_failed_handler", TopicFlowNodeFailed, engine.bus, engine.handleFlowNodeFailed)
	router.AddNoPublisherHandler("trigger_thrown_handler", TopicTriggerThrown, engine.bus, engine.handleTriggerThrown)
	engine.router = router
	return nil
}

func (engine *Engine) publish(ctx context.Context, topic string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal %s notification: %w", topic, err)
	}
	msg := message.NewMessage(uuid.NewString(), data)
	if key, ok := appcontext.GetExecutionKey(ctx); ok {
		msg.Metadata.Set(metadataExecutionKey, strconv.FormatInt(key, 10))
	}
	if err := engine.bus.Publish(topic, msg); err != nil {
		return fmt.Errorf("failed to publish %s notification: %w", topic, err)
	}
	return nil
}

func messageContext(msg *message.Message) context.Context {
	ctx := msg.Context()
	if key, err := strconv.ParseInt(msg.Metadata.Get(metadataExecutionKey), 10, 64); err == nil {
		ctx = appcontext.WithExecutionKey(ctx, key)
	}
	return ctx
}

// Handlers never return errors, a nacked message would be redelivered in a loop.

func (engine *Engine) handleFlowNodeCompleted(msg *message.Message) error {
	var result flowNodeResult
	if err := json.Unmarshal(msg.Payload, &result); err != nil {
		engine.logger.Error("dropping malformed completion", "message", msg.UUID, "err", err)
		return nil
	}
	err := engine.FlowNodeCompleted(messageContext(msg), result.FlowNodeInstanceKey, result.Variables)
	engine.logResult(result, err)
	return nil
}

func (engine *Engine) handleFlowNodeFailed(msg *message.Message) error {
	var result flowNodeResult
	if err := json.Unmarshal(msg.Payload, &result); err != nil {
		engine.logger.Error("dropping malformed failure", "message", msg.UUID, "err", err)
		return nil
	}
	err := engine.FlowNodeFailed(messageContext(msg), result.FlowNodeInstanceKey, errors.New(result.Error))
	engine.logResult(result, err)
	return nil
}

func (engine *Engine) logResult(result flowNodeResult, err error) {
	switch {
	case err == nil:
	case errors.Is(err, ErrFlowNodeNotActive):
		engine.logger.Debug("discarding result of inactive flow node", "key", result.FlowNodeInstanceKey)
	default:
		engine.logger.Error("failed to apply flow node result", "key", result.FlowNodeInstanceKey, "err", err)
	}
}

func (engine *Engine) handleTriggerThrown(msg *message.Message) error {
	var trigger runtime.Trigger
	if err := json.Unmarshal(msg.Payload, &trigger); err != nil {
		engine.logger.Error("dropping malformed trigger", "message", msg.UUID, "err", err)
		return nil
	}
	if _, err := engine.throw(messageContext(msg), trigger); err != nil {
		engine.logger.Error("failed to correlate thrown trigger", "trigger", trigger.String(), "err", err)
	}
	return nil
}

type watermillLogger struct {
	logger hclog.Logger
}

var _ watermill.LoggerAdapter = &watermillLogger{}

func fieldArgs(fields watermill.LogFields) []any {
	args := make([]any, 0, len(fields)*2)
	for k, v := range fields {
		args = append(args, k, v)
	}
	return args
}

func (l *watermillLogger) Error(msg string, err error, fields watermill.LogFields) {
	l.logger.Error(msg, append(fieldArgs(fields), "err", err)...)
}

func (l *watermillLogger) Info(msg string, fields watermill.LogFields) {
	// router lifecycle messages
	l.logger.Debug(msg, fieldArgs(fields)...)
}

func (l *watermillLogger) Debug(msg string, fields watermill.LogFields) {
	l.logger.Debug(msg, fieldArgs(fields)...)
}

func (l *watermillLogger) Trace(msg string, fields watermill.LogFields) {
	l.logger.Trace(msg, fieldArgs(fields)...)
}

func (l *watermillLogger) With(fields watermill.LogFields) watermill.LoggerAdapter {
	return &watermillLogger{logger: l.logger.With(fieldArgs(fields)...)}
}
