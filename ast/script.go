package ast

import (
	"context"
	"fmt"

	"pkt.systems/tngate/host"
	"pkt.systems/tngate/schema"
)

// Profile describes a script: its registry name and the authentication
// configuration the engine uses to log in before each item.
type Profile struct {
	Name        schema.ASTName
	Description string
	// AuthKeywords verify a successful login. An empty list skips the
	// post-login check.
	AuthKeywords    []string
	AuthApplication string
	AuthGroup       string
}

// Script is one automation workflow. The engine drives the full cycle per
// item: authenticate, ProcessItem, Logoff. Scripts implement only the parts
// specific to their transaction.
type Script interface {
	Profile() Profile

	// ValidateItem reports whether an item should be processed. Invalid
	// items are recorded as skipped.
	ValidateItem(item any) bool

	// ItemID derives the identifier used in results and logs.
	ItemID(item any) string

	// PrepareItems extracts or fetches the work list from run parameters.
	PrepareItems(params map[string]any) []any

	// ProcessItem performs the transaction for one item and returns data to
	// attach to its result.
	ProcessItem(ctx context.Context, h *host.Host, item any, index, total int) (map[string]any, error)

	// Logoff returns the terminal to the signon screen. Returned screens are
	// captures taken along the way.
	Logoff(ctx context.Context, h *host.Host) ([]string, error)
}

// DefaultItemID stringifies an item, preferring common identifier keys when
// the item is a decoded JSON object.
func DefaultItemID(item any) string {
	if m, ok := item.(map[string]any); ok {
		for _, key := range []string{"id", "policyNumber", "name"} {
			if v, ok := m[key]; ok && v != nil {
				return fmt.Sprint(v)
			}
		}
	}
	return fmt.Sprint(item)
}

// ItemsFromParams reads the work list from params, accepting either the
// policyNumbers or items key.
func ItemsFromParams(params map[string]any) []any {
	for _, key := range []string{"policyNumbers", "items"} {
		if v, ok := params[key]; ok {
			if list, ok := v.([]any); ok && len(list) > 0 {
				return list
			}
		}
	}
	return nil
}

// StringParam reads a string parameter, tolerating absent or non-string
// values.
func StringParam(params map[string]any, key string) string {
	if v, ok := params[key]; ok {
		if s, ok := v.(string); ok {
			return s
		}
	}
	return ""
}
