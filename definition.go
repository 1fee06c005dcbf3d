package bizflow

import (
	"fmt"
	"os"
	"sort"
	"time"

	"gopkg.in/yaml.v3"
)

// NodeType identifies the kind of step a node represents.
type NodeType string

const (
	NodeTypeStart    NodeType = "start"
	NodeTypeTask     NodeType = "task"
	NodeTypeApproval NodeType = "approval"
	NodeTypeService  NodeType = "service"
	NodeTypeGateway  NodeType = "gateway"
	NodeTypeTimer    NodeType = "timer"
	NodeTypeEmail    NodeType = "email"
	NodeTypeEnd      NodeType = "end"
)

// Category classifies a process definition for listing and reporting.
type Category string

const (
	CategoryHR         Category = "hr"
	CategoryFinance    Category = "finance"
	CategoryOperations Category = "operations"
	CategorySales      Category = "sales"
	CategoryIT         Category = "it"
	CategoryGeneral    Category = "general"
)

// Position is presentation-only node placement. The engine never reads it.
type Position struct {
	X float64 `json:"x" yaml:"x"`
	Y float64 `json:"y" yaml:"y"`
}

// Node is a single typed step in a process definition.
type Node struct {
	ID          string     `json:"id" yaml:"id"`
	Type        NodeType   `json:"type" yaml:"type"`
	Name        string     `json:"name,omitempty" yaml:"name,omitempty"`
	Position    Position   `json:"position,omitempty" yaml:"position,omitempty"`
	Config      NodeConfig `json:"config,omitempty" yaml:"config,omitempty"`
	Connections []string   `json:"connections,omitempty" yaml:"connections,omitempty"`
}

// UnmarshalYAML decodes a node, resolving the config blob into the
// type-specific configuration for the node's declared type.
func (n *Node) UnmarshalYAML(value *yaml.Node) error {
	var raw struct {
		ID          string    `yaml:"id"`
		Type        NodeType  `yaml:"type"`
		Name        string    `yaml:"name"`
		Position    Position  `yaml:"position"`
		Config      yaml.Node `yaml:"config"`
		Connections []string  `yaml:"connections"`
	}
	if err := value.Decode(&raw); err != nil {
		return err
	}
	n.ID = raw.ID
	n.Type = raw.Type
	n.Name = raw.Name
	n.Position = raw.Position
	n.Connections = raw.Connections

	config, err := decodeNodeConfig(raw.Type, &raw.Config)
	if err != nil {
		return fmt.Errorf("node %q: %w", raw.ID, err)
	}
	n.Config = config
	return nil
}

// DefinitionOptions configures a new process definition.
type DefinitionOptions struct {
	ID          string         `json:"id,omitempty" yaml:"id,omitempty"`
	Name        string         `json:"name" yaml:"name"`
	Version     string         `json:"version,omitempty" yaml:"version,omitempty"`
	Category    Category       `json:"category,omitempty" yaml:"category,omitempty"`
	Description string         `json:"description,omitempty" yaml:"description,omitempty"`
	IsActive    bool           `json:"is_active,omitempty" yaml:"is_active,omitempty"`
	Nodes       []*Node        `json:"nodes" yaml:"nodes"`
	Variables   map[string]any `json:"variables,omitempty" yaml:"variables,omitempty"`
	CreatedBy   string         `json:"created_by,omitempty" yaml:"created_by,omitempty"`
}

// ProcessDefinition is a versioned, named template describing a directed
// graph of typed steps. Definitions are read-mostly from the engine's
// perspective: the engine never mutates one.
type ProcessDefinition struct {
	id          string
	name        string
	version     string
	category    Category
	description string
	isActive    bool
	nodes       []*Node
	nodesByID   map[string]*Node
	variables   map[string]any
	createdBy   string
	updatedBy   string
	updatedAt   time.Time
}

// NewDefinition returns a new ProcessDefinition configured with the given
// options. Structural validity is not required here: a definition may be
// stored while still being authored. Validate gates activation and
// instantiation instead.
func NewDefinition(opts DefinitionOptions) (*ProcessDefinition, error) {
	if opts.Name == "" {
		return nil, fmt.Errorf("definition name required")
	}
	if opts.ID == "" {
		opts.ID = NewDefinitionID()
	}
	if opts.Version == "" {
		opts.Version = "1"
	}
	if opts.Category == "" {
		opts.Category = CategoryGeneral
	}

	nodesByID := make(map[string]*Node, len(opts.Nodes))
	for _, node := range opts.Nodes {
		if node.ID == "" {
			return nil, fmt.Errorf("node id required")
		}
		// First occurrence wins; duplicates are reported by Validate.
		if _, ok := nodesByID[node.ID]; !ok {
			nodesByID[node.ID] = node
		}
	}

	return &ProcessDefinition{
		id:          opts.ID,
		name:        opts.Name,
		version:     opts.Version,
		category:    opts.Category,
		description: opts.Description,
		isActive:    opts.IsActive,
		nodes:       opts.Nodes,
		nodesByID:   nodesByID,
		variables:   copyVariables(opts.Variables),
		createdBy:   opts.CreatedBy,
	}, nil
}

// ID returns the definition id.
func (d *ProcessDefinition) ID() string {
	return d.id
}

// Name returns the definition name.
func (d *ProcessDefinition) Name() string {
	return d.name
}

// Version returns the definition version.
func (d *ProcessDefinition) Version() string {
	return d.version
}

// Category returns the definition category.
func (d *ProcessDefinition) Category() Category {
	return d.category
}

// Description returns the definition description.
func (d *ProcessDefinition) Description() string {
	return d.description
}

// IsActive reports whether the definition may be instantiated.
func (d *ProcessDefinition) IsActive() bool {
	return d.isActive
}

// CreatedBy returns the identity of the definition author.
func (d *ProcessDefinition) CreatedBy() string {
	return d.createdBy
}

// Nodes returns the definition's nodes in authored order.
func (d *ProcessDefinition) Nodes() []*Node {
	return d.nodes
}

// Variables returns a copy of the definition's variable seed. Instances
// start with these values merged under any caller-supplied variables.
func (d *ProcessDefinition) Variables() map[string]any {
	return copyVariables(d.variables)
}

// NodeIDs returns the ids of all nodes, sorted.
func (d *ProcessDefinition) NodeIDs() []string {
	ids := make([]string, 0, len(d.nodesByID))
	for id := range d.nodesByID {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// FindNode returns the node with the given id. A failed lookup for an id an
// instance is bound to signals definition/instance drift, so callers must
// treat it as a data-integrity error rather than a user error.
func (d *ProcessDefinition) FindNode(id string) (*Node, bool) {
	node, ok := d.nodesByID[id]
	return node, ok
}

// StartNode returns the definition's start node, or false if it has none.
func (d *ProcessDefinition) StartNode() (*Node, bool) {
	for _, node := range d.nodes {
		if node.Type == NodeTypeStart {
			return node, true
		}
	}
	return nil, false
}

// Connections returns the ordered outgoing edge targets of a node.
func (d *ProcessDefinition) Connections(nodeID string) ([]string, bool) {
	node, ok := d.nodesByID[nodeID]
	if !ok {
		return nil, false
	}
	return node.Connections, true
}

// Activate validates the definition and marks it active. A definition that
// fails validation stays inactive.
func (d *ProcessDefinition) Activate() error {
	if err := d.Validate(); err != nil {
		return err
	}
	d.isActive = true
	return nil
}

// Deactivate marks the definition inactive. Running instances are unaffected;
// only new starts are blocked.
func (d *ProcessDefinition) Deactivate() {
	d.isActive = false
}

// Touch records an author update.
func (d *ProcessDefinition) Touch(updatedBy string, at time.Time) {
	d.updatedBy = updatedBy
	d.updatedAt = at
}

// UpdatedBy returns the identity of the last author update, if any.
func (d *ProcessDefinition) UpdatedBy() string {
	return d.updatedBy
}

// UpdatedAt returns the time of the last author update, if any.
func (d *ProcessDefinition) UpdatedAt() time.Time {
	return d.updatedAt
}

// LoadFile loads a process definition from a YAML file.
func LoadFile(path string) (*ProcessDefinition, error) {
	yamlData, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read definition file: %w", err)
	}
	return LoadString(string(yamlData))
}

// LoadString loads a process definition from a YAML string.
func LoadString(data string) (*ProcessDefinition, error) {
	var opts DefinitionOptions
	if err := yaml.Unmarshal([]byte(data), &opts); err != nil {
		return nil, fmt.Errorf("failed to unmarshal definition: %w", err)
	}
	return NewDefinition(opts)
}
