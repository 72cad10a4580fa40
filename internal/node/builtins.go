package node

// RegisterBuiltins installs the control-flow and variable node set into a
// registry. Applications call this once at startup; additional node packs
// (browser, desktop, HTTP, database) register through the same entry point.
func RegisterBuiltins(r *Registry) {
	f := func(v float64) *float64 { return &v }

	r.Register(Definition{Type: TypeStart, Constructor: newStartNode})
	r.Register(Definition{Type: TypeEnd, Constructor: newEndNode})

	r.Register(Definition{
		Type:        TypeIf,
		Constructor: newIfNode,
		Properties: PropertySchema{
			{Name: "condition", Type: PropExpr, Required: true, Label: "Condition",
				Tooltip: "Boolean expression over workflow variables", Order: 1},
		},
	})

	r.Register(Definition{
		Type:        TypeWhile,
		Constructor: newWhileNode,
		Properties: PropertySchema{
			{Name: "condition", Type: PropExpr, Required: true, Label: "Condition", Order: 1},
			{Name: "max_iterations", Type: PropInteger, Default: 0, Label: "Max iterations",
				Tooltip: "0 means unbounded", Min: f(0), Order: 2},
		},
	})

	r.Register(Definition{
		Type:        TypeForEach,
		Constructor: newForEachNode,
		Properties: PropertySchema{
			{Name: "collection", Type: PropExpr, Required: true, Label: "Collection", Order: 1},
			{Name: "item_variable", Type: PropString, Default: "item", Label: "Item variable", Order: 2},
			{Name: "index_variable", Type: PropString, Default: "", Label: "Index variable", Order: 3},
		},
	})

	r.Register(Definition{Type: TypeLoopEnd, Constructor: newLoopEndNode})
	r.Register(Definition{Type: TypeBreak, Constructor: newBreakNode})
	r.Register(Definition{Type: TypeContinue, Constructor: newContinueNode})

	r.Register(Definition{
		Type:        TypeTry,
		Constructor: newTryNode,
		Properties: PropertySchema{
			{Name: "error_variable", Type: PropString, Default: "error", Label: "Error variable", Order: 1},
			{Name: "error_type_variable", Type: PropString, Default: "error_type", Label: "Error type variable", Order: 2},
		},
	})

	r.Register(Definition{
		Type:        TypeOnError,
		Constructor: newOnErrorNode,
		Properties: PropertySchema{
			{Name: "error_variable", Type: PropString, Default: "error", Order: 1},
			{Name: "store_in", Type: PropString, Default: "", Order: 2},
			{Name: "reraise", Type: PropBoolean, Default: false, Order: 3},
		},
	})

	r.Register(Definition{
		Type:        TypeRetry,
		Constructor: newRetryNode,
		Properties: PropertySchema{
			{Name: "max_attempts", Type: PropInteger, Default: 3, Min: f(1), Order: 1},
			{Name: "initial_delay_ms", Type: PropDuration, Default: 1000, Min: f(0), Order: 2},
			{Name: "backoff_multiplier", Type: PropFloat, Default: 2.0, Min: f(1), Order: 3},
		},
	})
	r.Register(Definition{Type: TypeRetrySuccess, Constructor: newRetrySuccessNode})
	r.Register(Definition{Type: TypeRetryFail, Constructor: newRetryFailNode})

	r.Register(Definition{
		Type:        TypeThrow,
		Constructor: newThrowNode,
		Properties: PropertySchema{
			{Name: "message", Type: PropString, Default: "error raised", Order: 1},
			{Name: "error_type", Type: PropChoice, Default: "Fatal", Order: 2,
				Choices: []string{"ValidationError", "Timeout", "Transient", "NotFound", "Conflict", "Fatal"}},
		},
	})

	r.Register(Definition{
		Type:        TypeAssert,
		Constructor: newAssertNode,
		Properties: PropertySchema{
			{Name: "condition", Type: PropExpr, Required: true, Order: 1},
			{Name: "message", Type: PropString, Default: "", Order: 2},
		},
	})

	r.Register(Definition{
		Type:        TypeSubflowInvoke,
		Constructor: newSubflowInvokeNode,
		Properties: PropertySchema{
			{Name: "path", Type: PropFilePath, Required: true, Label: "Subflow file", Order: 1},
		},
	})

	r.Register(Definition{
		Type:        TypeSetVariable,
		Constructor: newSetVariableNode,
		Properties: PropertySchema{
			{Name: "name", Type: PropString, Required: true, Order: 1},
			{Name: "value", Type: PropJSON, Default: nil, Order: 2},
			{Name: "expression", Type: PropExpr, Default: "", Order: 3,
				Tooltip: "Takes precedence over the literal value when set"},
		},
	})

	r.Register(Definition{
		Type:        TypeReadVariable,
		Constructor: newReadVariableNode,
		Properties: PropertySchema{
			{Name: "name", Type: PropString, Required: true, Order: 1},
			{Name: "default", Type: PropJSON, Default: nil, Order: 2},
		},
	})

	r.Register(Definition{
		Type:        TypeWriteVariable,
		Constructor: newWriteVariableNode,
		Properties: PropertySchema{
			{Name: "name", Type: PropString, Required: true, Order: 1},
		},
	})

	r.Register(Definition{
		Type:        TypeIncrementVariable,
		Constructor: newIncrementVariableNode,
		Properties: PropertySchema{
			{Name: "name", Type: PropString, Required: true, Order: 1},
			{Name: "by", Type: PropFloat, Default: 1.0, Order: 2},
		},
	})

	r.Register(Definition{
		Type:        TypeLog,
		Constructor: newLogNode,
		Properties: PropertySchema{
			{Name: "message", Type: PropString, Required: true, Order: 1},
			{Name: "level", Type: PropChoice, Default: "info",
				Choices: []string{"debug", "info", "warn", "error"}, Order: 2},
		},
	})

	r.Register(Definition{
		Type:        TypeDelay,
		Constructor: newDelayNode,
		Properties: PropertySchema{
			{Name: "duration_ms", Type: PropDuration, Default: 0, Min: f(0), Order: 1},
		},
	})
}
