package model

// PortType classifies the value a data port carries.
type PortType string

const (
	PortAny           PortType = "ANY"
	PortBoolean       PortType = "BOOLEAN"
	PortInteger       PortType = "INTEGER"
	PortFloat         PortType = "FLOAT"
	PortString        PortType = "STRING"
	PortList          PortType = "LIST"
	PortDict          PortType = "DICT"
	PortDateTime      PortType = "DATETIME"
	PortBytes         PortType = "BYTES"
	PortNodeReference PortType = "NODE_REFERENCE"
)

// Reserved port names that carry control flow rather than data.
const (
	ExecIn  = "exec_in"
	ExecOut = "exec_out"
)

// IsExecPort reports whether a port name is a control-flow connector.
// By convention every exec port is named exec_in, exec_out, or carries an
// exec_ prefix (branch outputs like "true"/"false" are declared as exec
// ports explicitly on the node, not by name).
func IsExecPort(name string) bool {
	return name == ExecIn || name == ExecOut
}

// Compatible reports whether a value of type src may flow into a port of
// type dst. ANY accepts anything; INTEGER widens to FLOAT; otherwise the
// types must match exactly.
func Compatible(src, dst PortType) bool {
	if src == PortAny || dst == PortAny {
		return true
	}
	if src == PortInteger && dst == PortFloat {
		return true
	}
	return src == dst
}

// PortDecl declares a single input or output port on a node.
type PortDecl struct {
	Name string   `json:"name"`
	Type PortType `json:"type"`
	// Exec marks the port as a control-flow connector. Exec ports never
	// appear in data edges and carry no value.
	Exec bool `json:"exec,omitempty"`
}
