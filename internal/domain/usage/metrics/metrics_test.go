package metrics

import "testing"

func TestNew(t *testing.T) {
	m := New(42, 15000, 1.5)
	if m.Calls() != 42 {
		t.Errorf("Calls() = %d", m.Calls())
	}
	if m.Tokens() != 15000 {
		t.Errorf("Tokens() = %d", m.Tokens())
	}
	if m.EstimatedCost() != 1.5 {
		t.Errorf("EstimatedCost() = %f", m.EstimatedCost())
	}
}

func TestNew_Zero(t *testing.T) {
	m := New(0, 0, 0)
	if m.Calls() != 0 || m.Tokens() != 0 || m.EstimatedCost() != 0 {
		t.Errorf("expected zero metrics, got %+v", m)
	}
}
