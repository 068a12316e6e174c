// Package ast implements the automation engine for Automated Streamlined
// Transactions: scripted login, per-item processing and logoff cycles driven
// against a 3270 host.
package ast

import (
	"time"

	"pkt.systems/tngate/schema"
)

// ItemResult records the outcome of one processed item. Every item fed to a
// run yields exactly one ItemResult.
type ItemResult struct {
	ItemID      string
	Status      schema.ItemStatus
	StartedAt   time.Time
	CompletedAt time.Time
	DurationMs  int64
	Error       string
	Data        map[string]any
}

// Result is the outcome of one AST execution.
type Result struct {
	Status      schema.ASTStatus
	Message     string
	Data        map[string]any
	StartedAt   time.Time
	CompletedAt time.Time
	Error       string
	// Screens holds masked screen captures taken along the way.
	Screens []string
	// Items holds one result per fed item, in recording order.
	Items []ItemResult
}

// Duration returns the execution time in seconds, or 0 when incomplete.
func (r Result) Duration() float64 {
	if r.StartedAt.IsZero() || r.CompletedAt.IsZero() {
		return 0
	}
	return r.CompletedAt.Sub(r.StartedAt).Seconds()
}

// Success reports whether the run finished successfully.
func (r Result) Success() bool { return r.Status == schema.ASTSuccess }

func countByStatus(items []ItemResult) (success, failed, skipped int) {
	for _, it := range items {
		switch it.Status {
		case schema.ItemSuccess:
			success++
		case schema.ItemFailed:
			failed++
		case schema.ItemSkipped:
			skipped++
		}
	}
	return success, failed, skipped
}
