package bddsteps

import (
	"testing"

	"github.com/cucumber/godog"
)

// TestFeatures runs every .feature file in ../../features against the
// engine wiring InitializeScenario sets up, exercising the six literal
// scenarios end to end: happy-path dispatch, ack timeout, burst cooldown,
// persona-missing dead-letter, intervention whitelist, and resume replay.
func TestFeatures(t *testing.T) {
	suite := godog.TestSuite{
		ScenarioInitializer: InitializeScenario,
		Options: &godog.Options{
			Format:   "pretty",
			Paths:    []string{"../../features"},
			TestingT: t,
		},
	}
	if suite.Run() != 0 {
		t.Fatal("non-zero status returned, failed to run feature tests")
	}
}
