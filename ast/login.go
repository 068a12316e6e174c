package ast

import (
	"context"
	"errors"
	"time"

	"pkt.systems/pslog"
	"pkt.systems/tngate/host"
	"pkt.systems/tngate/schema"
)

// LoginName is the registry name of the built-in login script.
const LoginName schema.ASTName = "login"

const (
	exitMenuWait    = 800 * time.Millisecond
	signonWait      = 10 * time.Second
	maxLogoffCycles = 20
	processingDelay = 500 * time.Millisecond
)

// ValidPolicyNumber reports whether s is a well-formed policy number:
// exactly nine alphanumeric characters.
func ValidPolicyNumber(s string) bool {
	if len(s) != 9 {
		return false
	}
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case c >= '0' && c <= '9':
		case c >= 'a' && c <= 'z':
		case c >= 'A' && c <= 'Z':
		default:
			return false
		}
	}
	return true
}

// Login performs a complete signon, policy lookup and signoff cycle per
// policy number against the Fire application.
type Login struct{}

// Profile implements Script.
func (l *Login) Profile() Profile {
	return Profile{
		Name:            LoginName,
		Description:     "Login to TSO and process policies (full cycle per policy)",
		AuthKeywords:    []string{"Fire System Selection"},
		AuthApplication: "FIRE06",
		AuthGroup:       "@OOFIRE",
	}
}

// ValidateItem implements Script.
func (l *Login) ValidateItem(item any) bool {
	return ValidPolicyNumber(DefaultItemID(item))
}

// ItemID implements Script.
func (l *Login) ItemID(item any) string { return DefaultItemID(item) }

// PrepareItems implements Script.
func (l *Login) PrepareItems(params map[string]any) []any { return ItemsFromParams(params) }

// ProcessItem implements Script. The policy lookup screens are not wired
// yet; the step currently records the policy as active.
// TODO: navigate to the policy inquiry screen and read the policy data.
func (l *Login) ProcessItem(ctx context.Context, h *host.Host, item any, index, total int) (map[string]any, error) {
	policy := DefaultItemID(item)
	pslog.Ctx(ctx).Info("processing policy", "policy", policy, "index", index, "total", total)

	select {
	case <-time.After(processingDelay):
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	return map[string]any{
		"policyNumber": policy,
		"status":       "active",
	}, nil
}

// Logoff implements Script: back out with PF15 until the exit menu shows,
// confirm the exit, and wait for the signon screen.
func (l *Login) Logoff(ctx context.Context, h *host.Host) ([]string, error) {
	log := pslog.Ctx(ctx)
	log.Info("signing off from terminal session")

	var screens []string
	for cycle := 0; cycle < maxLogoffCycles; cycle++ {
		if h.WaitForText(ctx, "Exit Menu", exitMenuWait, false) {
			break
		}
		if err := h.PF(15); err != nil {
			return screens, err
		}
	}

	screens = append(screens, h.ShowScreen("Exit Menu"))
	if err := h.FillFieldAt(36, 5, "1", true); err != nil {
		return screens, err
	}
	screens = append(screens, h.ShowScreen("Confirm Exit"))
	if err := h.Enter(); err != nil {
		return screens, err
	}

	for _, keyword := range []string{"**** SIGNON ****", "SIGNON"} {
		if h.WaitForText(ctx, keyword, signonWait, false) {
			log.Info("signed off", "keyword", keyword)
			screens = append(screens, h.ShowScreen("Signed Off"))
			return screens, nil
		}
	}

	screens = append(screens, h.ShowScreen("Sign Off Failed"))
	return screens, errors.New("failed to sign off")
}
