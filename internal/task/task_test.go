package task

import (
	"testing"
	"time"

	"github.com/lewta/drone-orchd/internal/paramtree"
)

func TestValidate_RequiresCommandID(t *testing.T) {
	tk := Task{Type: "Navigate", TimeoutSec: 10}
	if err := tk.Validate(); err == nil {
		t.Fatal("expected error for missing commandId, got nil")
	}
}

func TestValidate_RequiresType(t *testing.T) {
	tk := Task{CommandID: "c1", TimeoutSec: 10}
	if err := tk.Validate(); err == nil {
		t.Fatal("expected error for missing type, got nil")
	}
}

func TestValidate_RequiresPositiveTimeout(t *testing.T) {
	tk := Task{CommandID: "c1", Type: "Navigate", TimeoutSec: 0}
	if err := tk.Validate(); err == nil {
		t.Fatal("expected error for zero timeout, got nil")
	}
}

func TestValidate_OK(t *testing.T) {
	tk := Task{CommandID: "c1", Type: "Navigate", TimeoutSec: 10}
	if err := tk.Validate(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestPriority_Score_OrdersHighFirst(t *testing.T) {
	if High.Score() >= Normal.Score() {
		t.Errorf("High.Score() = %d, want < Normal.Score() = %d", High.Score(), Normal.Score())
	}
	if Normal.Score() >= Low.Score() {
		t.Errorf("Normal.Score() = %d, want < Low.Score() = %d", Normal.Score(), Low.Score())
	}
}

func TestParsePriority(t *testing.T) {
	cases := map[string]Priority{
		"High":    High,
		"high":    High,
		"Low":     Low,
		"low":     Low,
		"Normal":  Normal,
		"":        Normal,
		"bogus":   Normal,
	}
	for in, want := range cases {
		if got := ParsePriority(in); got != want {
			t.Errorf("ParsePriority(%q) = %v, want %v", in, got, want)
		}
	}
}

func TestHasCapabilities(t *testing.T) {
	tk := Task{
		RequiredCapabilities: map[string]struct{}{"browser": {}, "dns": {}},
	}
	static := map[string]struct{}{"browser": {}, "dns": {}, "http": {}}
	if !tk.HasCapabilities(static) {
		t.Error("expected capabilities to be satisfied")
	}

	partial := map[string]struct{}{"browser": {}}
	if tk.HasCapabilities(partial) {
		t.Error("expected capabilities to be unsatisfied when dns is missing")
	}
}

func TestTask_ParametersRoundtrip(t *testing.T) {
	params := paramtree.Object(map[string]paramtree.Value{
		"mode": paramtree.String("intervention"),
	})
	tk := Task{
		CommandID:  "c1",
		Type:       "Click",
		Parameters: params,
		EnqueuedAt: time.Now(),
	}
	mode, ok := tk.Parameters.Get("mode")
	if !ok {
		t.Fatal("expected mode key present")
	}
	s, _ := mode.String()
	if s != "intervention" {
		t.Errorf("mode = %q, want intervention", s)
	}
}
