package workflow

import (
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
)

// Step names in the SHA claim graph.
const (
	StepComplianceVerification = "compliance_verification"
	StepInvoiceGeneration      = "invoice_generation"
	StepPaymentTracking        = "payment_tracking"
)

// StepDef is one node of a graph definition.
type StepDef struct {
	Name              string
	Order             int
	Required          bool
	Automated         bool
	EstimatedDuration time.Duration
	Prerequisites     []string
	NextSteps         []string
}

// Graph is an ordered step topology. Validate before instantiating.
type Graph []StepDef

// DefaultSHAGraph is the fixed topology every SHA claim moves through.
// Payment tracking stays manual: a person confirms the money arrived.
func DefaultSHAGraph() Graph {
	return Graph{
		{
			Name:              StepComplianceVerification,
			Order:             1,
			Required:          true,
			Automated:         true,
			EstimatedDuration: 5 * time.Minute,
			NextSteps:         []string{StepInvoiceGeneration},
		},
		{
			Name:              StepInvoiceGeneration,
			Order:             2,
			Required:          true,
			Automated:         true,
			EstimatedDuration: 5 * time.Minute,
			Prerequisites:     []string{StepComplianceVerification},
			NextSteps:         []string{StepPaymentTracking},
		},
		{
			Name:              StepPaymentTracking,
			Order:             3,
			Required:          true,
			Automated:         false,
			EstimatedDuration: 72 * time.Hour,
			Prerequisites:     []string{StepInvoiceGeneration},
		},
	}
}

// Validate rejects graphs with duplicate names, unknown prerequisite or
// next-step references, or prerequisite cycles.
func (g Graph) Validate() error {
	if len(g) == 0 {
		return fmt.Errorf("%w: graph has no steps", ErrGraph)
	}

	byName := make(map[string]*StepDef, len(g))
	for i := range g {
		def := &g[i]
		if def.Name == "" {
			return fmt.Errorf("%w: step with empty name", ErrGraph)
		}
		if _, dup := byName[def.Name]; dup {
			return fmt.Errorf("%w: duplicate step %q", ErrGraph, def.Name)
		}
		byName[def.Name] = def
	}

	for _, def := range g {
		for _, pre := range def.Prerequisites {
			if _, ok := byName[pre]; !ok {
				return fmt.Errorf("%w: step %q references unknown prerequisite %q", ErrGraph, def.Name, pre)
			}
		}
		for _, next := range def.NextSteps {
			if _, ok := byName[next]; !ok {
				return fmt.Errorf("%w: step %q references unknown next step %q", ErrGraph, def.Name, next)
			}
		}
	}

	// Cycle detection over the prerequisite edges.
	const (
		unvisited = 0
		visiting  = 1
		done      = 2
	)
	state := make(map[string]int, len(g))
	var visit func(name string) error
	visit = func(name string) error {
		switch state[name] {
		case visiting:
			return fmt.Errorf("%w: prerequisite cycle through %q", ErrGraph, name)
		case done:
			return nil
		}
		state[name] = visiting
		for _, pre := range byName[name].Prerequisites {
			if err := visit(pre); err != nil {
				return err
			}
		}
		state[name] = done
		return nil
	}
	for name := range byName {
		if err := visit(name); err != nil {
			return err
		}
	}
	return nil
}

// Instantiate builds the steps of a new workflow instance from the graph,
// sorted by step order.
func (g Graph) Instantiate() []*Step {
	steps := make([]*Step, 0, len(g))
	for _, def := range g {
		steps = append(steps, &Step{
			ID:                uuid.New(),
			Name:              def.Name,
			Order:             def.Order,
			Status:            StepPending,
			Required:          def.Required,
			Automated:         def.Automated,
			EstimatedDuration: def.EstimatedDuration,
			Prerequisites:     append([]string(nil), def.Prerequisites...),
			NextSteps:         append([]string(nil), def.NextSteps...),
		})
	}
	sort.Slice(steps, func(i, j int) bool { return steps[i].Order < steps[j].Order })
	return steps
}
