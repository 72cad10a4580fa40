package runner

import (
	"context"
	"path/filepath"

	"github.com/casarerpa/core/internal/model"
	"github.com/casarerpa/core/internal/node"
	"github.com/casarerpa/core/internal/resilience"
	"github.com/casarerpa/core/internal/runtime"
	"github.com/casarerpa/core/internal/workflow"
)

// RunSubflow loads a nested workflow and executes it in the caller's
// context namespace. Declared input ports seed node inputs from like-named
// variables; declared output ports publish node outputs back as variables.
func (r *Runner) RunSubflow(ctx context.Context, path string, ec *runtime.ExecutionContext) error {
	if r.depth+1 > r.cfg.MaxSubflowDepth {
		return resilience.Errorf(resilience.KindFatal,
			"subflow depth exceeds %d, possible recursion at %s", r.cfg.MaxSubflowDepth, path)
	}

	if !filepath.IsAbs(path) && r.cfg.SubflowDir != "" {
		path = filepath.Join(r.cfg.SubflowDir, path)
	}
	sub, err := workflow.Load(path, r.reg)
	if err != nil {
		return resilience.WithKind(resilience.KindValidation, err)
	}

	sr := &Runner{
		wf:       sub,
		reg:      r.reg,
		bus:      r.bus,
		cp:       r.cp,
		cfg:      r.cfg,
		jobID:    r.jobID,
		state:    model.StateIdle,
		executed: make(map[model.NodeID]bool),
		execOut:  make(map[model.NodeID]map[string][]model.NodeID),
		dataIn:   make(map[model.NodeID][]workflow.Connection),
		ec:       ec,
		depth:    r.depth + 1,
	}
	if err := sr.wire(); err != nil {
		return resilience.WithKind(resilience.KindValidation, err)
	}

	if sub.Ports != nil {
		for _, p := range sub.Ports.Inputs {
			n, ok := sr.nodes[p.InternalNodeID]
			if !ok {
				continue
			}
			if v := ec.Get(p.Name, nil); v != nil {
				n.SetInput(p.InternalPortName, v)
			}
		}
	}

	if err := sr.Run(ctx); err != nil {
		return err
	}

	if sub.Ports != nil {
		for _, p := range sub.Ports.Outputs {
			n, ok := sr.nodes[p.InternalNodeID]
			if !ok {
				continue
			}
			if v, ok := n.Output(p.InternalPortName); ok {
				ec.Set(p.Name, v)
			}
		}
	}
	return nil
}

// wire hydrates nodes and edge indexes for an already-constructed Runner.
func (r *Runner) wire() error {
	if err := r.wf.Validate(r.reg); err != nil {
		return err
	}
	if err := r.wf.Runnable(r.reg); err != nil {
		return err
	}
	nodes, err := r.wf.Hydrate(r.reg)
	if err != nil {
		return err
	}
	r.nodes = nodes

	start, err := r.wf.StartNode(nodes)
	if err != nil {
		return err
	}
	r.startID = start

	for _, conn := range r.wf.Connections {
		src := nodes[conn.SourceNode]
		if portIsExec(src.OutputPorts(), conn.SourcePort) {
			byPort := r.execOut[conn.SourceNode]
			if byPort == nil {
				byPort = make(map[string][]model.NodeID)
				r.execOut[conn.SourceNode] = byPort
			}
			byPort[conn.SourcePort] = append(byPort[conn.SourcePort], conn.TargetNode)
		} else {
			r.dataIn[conn.TargetNode] = append(r.dataIn[conn.TargetNode], conn)
		}
	}

	for _, n := range nodes {
		if host, ok := n.(node.SubflowHost); ok {
			host.SetSubflowRunner(r)
		}
	}
	return nil
}
