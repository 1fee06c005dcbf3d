package bizflow

// Validate runs the structural checks a definition must pass before it can be
// instantiated: at least one node, exactly one start node, unique node ids,
// and every connection target resolving to an existing node. It is run when a
// definition is activated and again defensively at instance-start time.
func (d *ProcessDefinition) Validate() error {
	if len(d.nodes) == 0 {
		return &ValidationError{Code: ValidationEmptyDefinition}
	}

	seen := make(map[string]bool, len(d.nodes))
	startCount := 0
	for _, node := range d.nodes {
		if seen[node.ID] {
			return &ValidationError{Code: ValidationDuplicateNodeID, NodeID: node.ID}
		}
		seen[node.ID] = true
		if node.Type == NodeTypeStart {
			startCount++
		}
	}
	if startCount != 1 {
		return &ValidationError{Code: ValidationNoStartNode}
	}

	for _, node := range d.nodes {
		for _, target := range node.Connections {
			if !seen[target] {
				return &ValidationError{Code: ValidationDanglingEdge, NodeID: node.ID, Target: target}
			}
		}
	}
	return nil
}
