package engine

import "context"

// Action is the advisory response to a hijack signal.
type Action string

const (
	ActionBlock  Action = "block"
	ActionReauth Action = "reauth"
	ActionLog    Action = "log"
)

// Evaluator resolves the advisory action for a hijack risk score and its
// reasons. Results are advisory: the caller decides what to do with them.
type Evaluator interface {
	ResolveHijackAction(ctx context.Context, riskScore float64, reasons []string) (Action, error)
}
