package workflow

import (
	"errors"
	"testing"
	"time"
)

func TestGraph_ValidateDefault(t *testing.T) {
	if err := DefaultSHAGraph().Validate(); err != nil {
		t.Fatalf("default graph should validate: %v", err)
	}
}

func TestGraph_ValidateEmpty(t *testing.T) {
	if err := (Graph{}).Validate(); !errors.Is(err, ErrGraph) {
		t.Fatalf("expected ErrGraph, got %v", err)
	}
}

func TestGraph_ValidateDuplicateName(t *testing.T) {
	g := Graph{
		{Name: "verify", Order: 1},
		{Name: "verify", Order: 2},
	}
	if err := g.Validate(); !errors.Is(err, ErrGraph) {
		t.Fatalf("expected ErrGraph for duplicate name, got %v", err)
	}
}

func TestGraph_ValidateUnknownPrerequisite(t *testing.T) {
	g := Graph{
		{Name: "invoice", Order: 1, Prerequisites: []string{"verify"}},
	}
	if err := g.Validate(); !errors.Is(err, ErrGraph) {
		t.Fatalf("expected ErrGraph for unknown prerequisite, got %v", err)
	}
}

func TestGraph_ValidateUnknownNextStep(t *testing.T) {
	g := Graph{
		{Name: "verify", Order: 1, NextSteps: []string{"invoice"}},
	}
	if err := g.Validate(); !errors.Is(err, ErrGraph) {
		t.Fatalf("expected ErrGraph for unknown next step, got %v", err)
	}
}

func TestGraph_ValidateCycle(t *testing.T) {
	g := Graph{
		{Name: "a", Order: 1, Prerequisites: []string{"c"}},
		{Name: "b", Order: 2, Prerequisites: []string{"a"}},
		{Name: "c", Order: 3, Prerequisites: []string{"b"}},
	}
	if err := g.Validate(); !errors.Is(err, ErrGraph) {
		t.Fatalf("expected ErrGraph for cycle, got %v", err)
	}
}

func TestGraph_ValidateSelfCycle(t *testing.T) {
	g := Graph{
		{Name: "a", Order: 1, Prerequisites: []string{"a"}},
	}
	if err := g.Validate(); !errors.Is(err, ErrGraph) {
		t.Fatalf("expected ErrGraph for self cycle, got %v", err)
	}
}

func TestGraph_InstantiateOrderedAndPending(t *testing.T) {
	g := Graph{
		{Name: "third", Order: 3, EstimatedDuration: time.Hour},
		{Name: "first", Order: 1, Required: true},
		{Name: "second", Order: 2, Prerequisites: []string{"first"}},
	}

	steps := g.Instantiate()
	if len(steps) != 3 {
		t.Fatalf("expected 3 steps, got %d", len(steps))
	}
	for i, want := range []string{"first", "second", "third"} {
		if steps[i].Name != want {
			t.Fatalf("step %d: expected %s, got %s", i, want, steps[i].Name)
		}
		if steps[i].Status != StepPending {
			t.Fatalf("step %s: expected pending, got %s", steps[i].Name, steps[i].Status)
		}
		if steps[i].ID.String() == "00000000-0000-0000-0000-000000000000" {
			t.Fatalf("step %s: expected a generated ID", steps[i].Name)
		}
	}
	if steps[2].EstimatedDuration != time.Hour {
		t.Fatalf("expected estimated duration to carry over")
	}
}
