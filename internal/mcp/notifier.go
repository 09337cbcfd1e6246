package mcp

import (
	"context"
	"log"

	"webpilot-mcp-server/internal/facts"
	"webpilot-mcp-server/internal/recorder"
	"webpilot-mcp-server/internal/recovery"
)

// GovernanceNotifier fans recovery telemetry out to the fact ledger, the
// flight recorder, and the standard logger. The recovery engine only writes
// into it and never reads back.
type GovernanceNotifier struct {
	ledger *facts.Ledger
	flight *recorder.Recorder
}

func NewGovernanceNotifier(ledger *facts.Ledger, flight *recorder.Recorder) *GovernanceNotifier {
	return &GovernanceNotifier{ledger: ledger, flight: flight}
}

func (n *GovernanceNotifier) RecoveryAttempt(opName, strategyID string, action recovery.Action, attempt int, cause error) {
	log.Printf("recovery: %s attempt %d via %s (%s): %v", opName, attempt, action, strategyID, cause)
	n.ledger.RecoveryAttempted(context.Background(), opName, strategyID, string(action))
	n.flight.LogRecovery(opName, map[string]interface{}{
		"strategy": strategyID,
		"action":   string(action),
		"attempt":  attempt,
		"cause":    cause.Error(),
	})
}

func (n *GovernanceNotifier) RecoveryActionError(opName string, action recovery.Action, err error) {
	log.Printf("recovery: %s action %s itself failed: %v", opName, action, err)
	n.flight.LogRecovery(opName, map[string]interface{}{
		"action":       string(action),
		"action_error": err.Error(),
	})
}

func (n *GovernanceNotifier) RecoveryFinished(opName string, outcome recovery.Outcome, attempts int) {
	if attempts > 0 || outcome != recovery.OutcomeSuccess {
		log.Printf("recovery: %s finished outcome=%s attempts=%d", opName, outcome, attempts)
	}
	n.flight.LogRecovery(opName, map[string]interface{}{
		"outcome":  string(outcome),
		"attempts": attempts,
	})
}
