package bizflow

import (
	"time"

	"gopkg.in/yaml.v3"
)

// NodeConfig is the per-type configuration carried by a node. Each node type
// has its own configuration shape; configuration for an unrecognized type is
// preserved as an UnknownConfig so older engines can round-trip definitions
// authored by newer tooling.
type NodeConfig interface {
	nodeConfig()
}

// TaskConfig configures a human task node.
type TaskConfig struct {
	Assignee string         `json:"assignee,omitempty" yaml:"assignee,omitempty"`
	Form     map[string]any `json:"form,omitempty" yaml:"form,omitempty"`
	DueIn    time.Duration  `json:"due_in,omitempty" yaml:"due_in,omitempty"`
}

// ApprovalConfig configures an approval node.
type ApprovalConfig struct {
	Approvers    []string `json:"approvers,omitempty" yaml:"approvers,omitempty"`
	MinApprovals int      `json:"min_approvals,omitempty" yaml:"min_approvals,omitempty"`
}

// ServiceConfig configures an external service call node. The engine does not
// invoke the service itself; an external collaborator does and calls back via
// CompleteTask.
type ServiceConfig struct {
	URL     string            `json:"url,omitempty" yaml:"url,omitempty"`
	Method  string            `json:"method,omitempty" yaml:"method,omitempty"`
	Headers map[string]string `json:"headers,omitempty" yaml:"headers,omitempty"`
}

// GatewayConfig configures a gateway node. Advancement currently ignores it;
// see Engine.CompleteTask for the first-edge policy.
type GatewayConfig struct {
	Mode string `json:"mode,omitempty" yaml:"mode,omitempty"`
}

// TimerConfig configures a timer node. Timers are fired by an external
// scheduler, not by the engine.
type TimerConfig struct {
	Delay time.Duration `json:"delay,omitempty" yaml:"delay,omitempty"`
	Until string        `json:"until,omitempty" yaml:"until,omitempty"`
}

// EmailConfig configures an email node.
type EmailConfig struct {
	To       []string `json:"to,omitempty" yaml:"to,omitempty"`
	Subject  string   `json:"subject,omitempty" yaml:"subject,omitempty"`
	Template string   `json:"template,omitempty" yaml:"template,omitempty"`
}

// UnknownConfig preserves configuration for node types without a dedicated
// shape (start, end) or from newer tooling.
type UnknownConfig map[string]any

func (TaskConfig) nodeConfig()     {}
func (ApprovalConfig) nodeConfig() {}
func (ServiceConfig) nodeConfig()  {}
func (GatewayConfig) nodeConfig()  {}
func (TimerConfig) nodeConfig()    {}
func (EmailConfig) nodeConfig()    {}
func (UnknownConfig) nodeConfig()  {}

// decodeNodeConfig resolves a raw YAML config blob into the configuration
// type matching the node type.
func decodeNodeConfig(nodeType NodeType, raw *yaml.Node) (NodeConfig, error) {
	if raw == nil || raw.Kind == 0 {
		return nil, nil
	}
	switch nodeType {
	case NodeTypeTask:
		var c TaskConfig
		if err := raw.Decode(&c); err != nil {
			return nil, err
		}
		return c, nil
	case NodeTypeApproval:
		var c ApprovalConfig
		if err := raw.Decode(&c); err != nil {
			return nil, err
		}
		return c, nil
	case NodeTypeService:
		var c ServiceConfig
		if err := raw.Decode(&c); err != nil {
			return nil, err
		}
		return c, nil
	case NodeTypeGateway:
		var c GatewayConfig
		if err := raw.Decode(&c); err != nil {
			return nil, err
		}
		return c, nil
	case NodeTypeTimer:
		var c TimerConfig
		if err := raw.Decode(&c); err != nil {
			return nil, err
		}
		return c, nil
	case NodeTypeEmail:
		var c EmailConfig
		if err := raw.Decode(&c); err != nil {
			return nil, err
		}
		return c, nil
	default:
		var c UnknownConfig
		if err := raw.Decode(&c); err != nil {
			return nil, err
		}
		if len(c) == 0 {
			return nil, nil
		}
		return c, nil
	}
}
