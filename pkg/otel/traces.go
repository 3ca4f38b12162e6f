package otel

const (
	Prefix                        = "bpmn-"
	AttributeProcessInstanceKey   = Prefix + "instance-key"
	AttributeProcessId            = Prefix + "process-id"
	AttributeProcessDefinitionKey = Prefix + "definition-key"
	AttributeElementId            = Prefix + "element-id"
	AttributeElementKey           = Prefix + "element-key"
	AttributeNodeKind             = Prefix + "node-kind"
	AttributeState                = Prefix + "state"
	AttributeEvent                = Prefix + "event"
	AttributeTokenCount           = Prefix + "token-count"
	AttributeTriggerType          = Prefix + "trigger-type"
	AttributeTriggerName          = Prefix + "trigger-name"
	AttributeTriggerKey           = Prefix + "trigger-key"
	AttributeWaitingEventKey      = Prefix + "waiting-event-key"
	AttributeJobKey               = Prefix + "job-key"
	AttributeJobClass             = Prefix + "job-class"
	AttributeConnectorType        = Prefix + "connector-type"
	AttributeConnectorExecutionId = Prefix + "connector-execution-id"
	AttributeCommandName          = Prefix + "command"
)
