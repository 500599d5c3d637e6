package daemon

import (
	"testing"

	"go.uber.org/fx"
)

// TestModuleGraph verifies the fx dependency graph resolves without errors.
// Constructors are not executed, so no session directory or config file is
// touched; this catches missing or mistyped provider parameters at test time
// instead of as a startup crash.
func TestModuleGraph(t *testing.T) {
	err := fx.ValidateApp(
		Module(Params{SessionName: "graphtest"}),
	)
	if err != nil {
		t.Fatalf("fx graph does not resolve: %v", err)
	}
}
