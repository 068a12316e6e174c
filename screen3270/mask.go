package screen3270

import "regexp"

// Password-like values are masked on any screen text surfaced for display or
// logging. The label patterns match the dotted prompts used by the host
// ("Password...  SECRET").
var (
	passwordRE = regexp.MustCompile(`(?i)(Password\.+\s+)(\S+)`)
	passcodeRE = regexp.MustCompile(`(?i)(Passcode\.+\s+)(\S+)`)
)

// MaskSecrets replaces password and passcode values with asterisks.
func MaskSecrets(text string) string {
	text = passwordRE.ReplaceAllString(text, "${1}******")
	text = passcodeRE.ReplaceAllString(text, "${1}******")
	return text
}
