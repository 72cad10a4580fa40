// Package workflow defines the serializable workflow schema: a graph of
// typed nodes joined by control and data connections, with validation,
// canonical JSON persistence, and registry-backed hydration.
package workflow

import (
	"fmt"

	"github.com/casarerpa/core/internal/model"
	"github.com/casarerpa/core/internal/node"
)

// SchemaVersion is written to every saved workflow and checked on load.
const SchemaVersion = "1.0"

// Metadata describes a workflow for listing and display.
type Metadata struct {
	Name        string   `json:"name"`
	Description string   `json:"description,omitempty"`
	Version     string   `json:"version,omitempty"`
	Author      string   `json:"author,omitempty"`
	Tags        []string `json:"tags,omitempty"`
}

// Connection joins a source output port to a target input port. Either
// both ends are exec ports (control flow) or both are data ports with
// compatible types.
type Connection struct {
	SourceNode model.NodeID `json:"source_node"`
	SourcePort string       `json:"source_port"`
	TargetNode model.NodeID `json:"target_node"`
	TargetPort string       `json:"target_port"`
}

// SubflowPort maps an externally visible port to a node port inside the
// subflow graph.
type SubflowPort struct {
	Name             string         `json:"name"`
	DataType         model.PortType `json:"data_type"`
	InternalNodeID   model.NodeID   `json:"internal_node_id"`
	InternalPortName string         `json:"internal_port_name"`
}

// SubflowPorts declares the external interface of a subflow.
type SubflowPorts struct {
	Inputs  []SubflowPort `json:"inputs"`
	Outputs []SubflowPort `json:"outputs"`
}

// Bounds is an editor hint for subflow framing. Not interpreted here.
type Bounds struct {
	X      float64 `json:"x"`
	Y      float64 `json:"y"`
	Width  float64 `json:"width"`
	Height float64 `json:"height"`
}

// Workflow is the persisted graph definition.
type Workflow struct {
	SchemaVersion string                     `json:"schema_version"`
	Metadata      Metadata                   `json:"metadata"`
	Nodes         map[model.NodeID]node.Data `json:"nodes"`
	Connections   []Connection               `json:"connections"`

	// Subflow-only sections.
	Ports  *SubflowPorts `json:"ports,omitempty"`
	Bounds *Bounds       `json:"bounds,omitempty"`
}

// New creates an empty workflow with the given name.
func New(name string) *Workflow {
	return &Workflow{
		SchemaVersion: SchemaVersion,
		Metadata:      Metadata{Name: name, Version: "1.0"},
		Nodes:         make(map[model.NodeID]node.Data),
	}
}

// AddNode inserts a node definition. Duplicate ids are rejected.
func (w *Workflow) AddNode(data node.Data) error {
	if data.NodeID == "" {
		return fmt.Errorf("node id is empty")
	}
	if _, exists := w.Nodes[data.NodeID]; exists {
		return fmt.Errorf("node %s already exists", data.NodeID)
	}
	if w.Nodes == nil {
		w.Nodes = make(map[model.NodeID]node.Data)
	}
	w.Nodes[data.NodeID] = data
	return nil
}

// Connect validates a connection against the hydrated port declarations
// and appends it. Data fan-in to one input port is rejected here, at
// connect time.
func (w *Workflow) Connect(reg *node.Registry, conn Connection) error {
	nodes, err := w.Hydrate(reg)
	if err != nil {
		return err
	}
	if err := w.checkConnection(nodes, conn, w.Connections); err != nil {
		return err
	}
	w.Connections = append(w.Connections, conn)
	return nil
}

// Hydrate builds live node instances for every definition in the graph.
func (w *Workflow) Hydrate(reg *node.Registry) (map[model.NodeID]node.Node, error) {
	out := make(map[model.NodeID]node.Node, len(w.Nodes))
	for id, data := range w.Nodes {
		if data.NodeID == "" {
			data.NodeID = id
		}
		if data.NodeID != id {
			return nil, fmt.Errorf("node map key %s disagrees with node_id %s", id, data.NodeID)
		}
		n, err := reg.Build(data)
		if err != nil {
			return nil, err
		}
		out[id] = n
	}
	return out, nil
}

// Validate checks the whole graph: node construction (types and config
// schemas), port uniqueness, connection invariants, and runnability.
func (w *Workflow) Validate(reg *node.Registry) error {
	nodes, err := w.Hydrate(reg)
	if err != nil {
		return err
	}

	for id, n := range nodes {
		if err := checkPortNames(n.InputPorts()); err != nil {
			return fmt.Errorf("node %s inputs: %w", id, err)
		}
		if err := checkPortNames(n.OutputPorts()); err != nil {
			return fmt.Errorf("node %s outputs: %w", id, err)
		}
		if !n.IsStart() && !hasPort(n.InputPorts(), model.ExecIn) {
			return fmt.Errorf("node %s declares neither exec_in nor start", id)
		}
	}

	for i, conn := range w.Connections {
		if err := w.checkConnection(nodes, conn, w.Connections[:i]); err != nil {
			return err
		}
	}

	if _, err := w.StartNode(nodes); err != nil {
		return err
	}
	return nil
}

// StartNode resolves the graph entry point: the node flagged start, or the
// single node with no incoming exec edge. Multiple candidates fail with an
// ambiguity error.
func (w *Workflow) StartNode(nodes map[model.NodeID]node.Node) (model.NodeID, error) {
	var starts []model.NodeID
	for id, n := range nodes {
		if n.IsStart() {
			starts = append(starts, id)
		}
	}
	if len(starts) == 1 {
		return starts[0], nil
	}
	if len(starts) > 1 {
		return "", fmt.Errorf("ambiguous start: %d start nodes", len(starts))
	}

	// No explicit start: fall back to nodes without exec predecessors.
	hasExecIn := make(map[model.NodeID]bool)
	for _, conn := range w.Connections {
		if isExecConnection(nodes, conn) {
			hasExecIn[conn.TargetNode] = true
		}
	}
	for id := range nodes {
		if !hasExecIn[id] {
			starts = append(starts, id)
		}
	}
	if len(starts) == 1 {
		return starts[0], nil
	}
	return "", fmt.Errorf("ambiguous start: %d candidate entry nodes", len(starts))
}

// Runnable reports whether the graph has a unique start node and every
// node is weakly reachable from it.
func (w *Workflow) Runnable(reg *node.Registry) error {
	nodes, err := w.Hydrate(reg)
	if err != nil {
		return err
	}
	start, err := w.StartNode(nodes)
	if err != nil {
		return err
	}

	adj := make(map[model.NodeID][]model.NodeID)
	for _, conn := range w.Connections {
		adj[conn.SourceNode] = append(adj[conn.SourceNode], conn.TargetNode)
		adj[conn.TargetNode] = append(adj[conn.TargetNode], conn.SourceNode)
	}

	seen := map[model.NodeID]bool{start: true}
	queue := []model.NodeID{start}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		for _, next := range adj[cur] {
			if !seen[next] {
				seen[next] = true
				queue = append(queue, next)
			}
		}
	}

	for id := range nodes {
		if !seen[id] {
			return fmt.Errorf("node %s is not connected to the start node", id)
		}
	}
	return nil
}

func (w *Workflow) checkConnection(nodes map[model.NodeID]node.Node, conn Connection, existing []Connection) error {
	src, ok := nodes[conn.SourceNode]
	if !ok {
		return fmt.Errorf("connection source node %s not found", conn.SourceNode)
	}
	dst, ok := nodes[conn.TargetNode]
	if !ok {
		return fmt.Errorf("connection target node %s not found", conn.TargetNode)
	}

	srcPort, ok := findPort(src.OutputPorts(), conn.SourcePort)
	if !ok {
		return fmt.Errorf("node %s has no output port %q", conn.SourceNode, conn.SourcePort)
	}
	dstPort, ok := findPort(dst.InputPorts(), conn.TargetPort)
	if !ok {
		return fmt.Errorf("node %s has no input port %q", conn.TargetNode, conn.TargetPort)
	}

	if srcPort.Exec != dstPort.Exec {
		return fmt.Errorf("connection %s.%s -> %s.%s mixes control and data ports",
			conn.SourceNode, conn.SourcePort, conn.TargetNode, conn.TargetPort)
	}

	if srcPort.Exec {
		// Control fan-in is allowed; nothing more to check.
		return nil
	}

	if !model.Compatible(srcPort.Type, dstPort.Type) {
		return fmt.Errorf("incompatible port types %s -> %s on %s.%s -> %s.%s",
			srcPort.Type, dstPort.Type,
			conn.SourceNode, conn.SourcePort, conn.TargetNode, conn.TargetPort)
	}

	// One data source per input port.
	for _, prev := range existing {
		if prev.TargetNode == conn.TargetNode && prev.TargetPort == conn.TargetPort {
			return fmt.Errorf("input %s.%s already has a data source", conn.TargetNode, conn.TargetPort)
		}
	}
	return nil
}

func isExecConnection(nodes map[model.NodeID]node.Node, conn Connection) bool {
	src, ok := nodes[conn.SourceNode]
	if !ok {
		return false
	}
	p, ok := findPort(src.OutputPorts(), conn.SourcePort)
	return ok && p.Exec
}

func findPort(ports []model.PortDecl, name string) (model.PortDecl, bool) {
	for _, p := range ports {
		if p.Name == name {
			return p, true
		}
	}
	return model.PortDecl{}, false
}

func hasPort(ports []model.PortDecl, name string) bool {
	_, ok := findPort(ports, name)
	return ok
}

func checkPortNames(ports []model.PortDecl) error {
	seen := make(map[string]bool, len(ports))
	for _, p := range ports {
		if seen[p.Name] {
			return fmt.Errorf("duplicate port name %q", p.Name)
		}
		seen[p.Name] = true
	}
	return nil
}
