package model

type ElementType string

const (
	ElementTypeStartEvent             ElementType = "START_EVENT"
	ElementTypeEndEvent               ElementType = "END_EVENT"
	ElementTypeServiceTask            ElementType = "SERVICE_TASK"
	ElementTypeUserTask               ElementType = "USER_TASK"
	ElementTypeGateway                ElementType = "GATEWAY"
	ElementTypeIntermediateCatchEvent ElementType = "INTERMEDIATE_CATCH_EVENT"
	ElementTypeIntermediateThrowEvent ElementType = "INTERMEDIATE_THROW_EVENT"
	ElementTypeBoundaryEvent          ElementType = "BOUNDARY_EVENT"
	ElementTypeSubProcess             ElementType = "SUB_PROCESS"
	ElementTypeEventSubProcess        ElementType = "EVENT_SUB_PROCESS"
	ElementTypeCallActivity           ElementType = "CALL_ACTIVITY"
)

type EventDefinitionType string

const (
	EventDefinitionNone    EventDefinitionType = "NONE"
	EventDefinitionMessage EventDefinitionType = "MESSAGE"
	EventDefinitionSignal  EventDefinitionType = "SIGNAL"
	EventDefinitionTimer   EventDefinitionType = "TIMER"
)

// MaxCorrelationKeys is the number of correlation slots a message can be narrowed by.
const MaxCorrelationKeys = 5

// FlowNode is one element of a process graph.
// Container holds the id of the enclosing (event) sub process, empty on process level.
type FlowNode struct {
	Id              string               `yaml:"id" json:"id"`
	Name            string               `yaml:"name,omitempty" json:"name,omitempty"`
	Type            ElementType          `yaml:"type" json:"type"`
	Container       string               `yaml:"container,omitempty" json:"container,omitempty"`
	Gateway         *Gateway             `yaml:"gateway,omitempty" json:"gateway,omitempty"`
	Event           *EventDefinition     `yaml:"event,omitempty" json:"event,omitempty"`
	Connector       *ConnectorDefinition `yaml:"connector,omitempty" json:"connector,omitempty"`
	AttachedTo      string               `yaml:"attachedTo,omitempty" json:"attachedTo,omitempty"`
	CalledProcessId string               `yaml:"calledProcessId,omitempty" json:"calledProcessId,omitempty"`
}

// EventDefinition describes what a catching or throwing event waits for or produces.
// Correlation holds up to MaxCorrelationKeys FEEL expressions, one per slot,
// evaluated against the process instance variables.
type EventDefinition struct {
	Type         EventDefinitionType `yaml:"type" json:"type"`
	Name         string              `yaml:"name,omitempty" json:"name,omitempty"`
	Correlation  []string            `yaml:"correlation,omitempty" json:"correlation,omitempty"`
	Duration     string              `yaml:"duration,omitempty" json:"duration,omitempty"`
	Interrupting bool                `yaml:"interrupting,omitempty" json:"interrupting,omitempty"`
}

// ConnectorDefinition binds a service task to a connector implementation.
// Inputs are FEEL expressions, Outputs map connector result keys to process variables.
type ConnectorDefinition struct {
	Type    string            `yaml:"type" json:"type"`
	Inputs  map[string]string `yaml:"inputs,omitempty" json:"inputs,omitempty"`
	Outputs map[string]string `yaml:"outputs,omitempty" json:"outputs,omitempty"`
}

type SequenceFlow struct {
	Id                  string `yaml:"id" json:"id"`
	Name                string `yaml:"name,omitempty" json:"name,omitempty"`
	SourceRef           string `yaml:"source" json:"source"`
	TargetRef           string `yaml:"target" json:"target"`
	ConditionExpression string `yaml:"condition,omitempty" json:"condition,omitempty"`
}

func (f SequenceFlow) GetId() string {
	return f.Id
}

func (f SequenceFlow) GetConditionExpression() string {
	return f.ConditionExpression
}

func (n FlowNode) IsGateway() bool {
	return n.Type == ElementTypeGateway && n.Gateway != nil
}

func (n FlowNode) IsContainer() bool {
	return n.Type == ElementTypeSubProcess || n.Type == ElementTypeEventSubProcess || n.Type == ElementTypeCallActivity
}

func (n FlowNode) HasEvent(t EventDefinitionType) bool {
	return n.Event != nil && n.Event.Type == t
}
