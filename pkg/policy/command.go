package policy

import (
	"regexp"
	"strings"

	"golang.org/x/text/unicode/norm"
)

// CommandKind is the closed variant every inbound command is folded into at
// the boundary. Policy rules match on the tag, never on free-text parsing.
type CommandKind string

const (
	KindRestartService CommandKind = "restart_service"
	KindShell          CommandKind = "shell"
	KindOther          CommandKind = "other"
)

// Command is the parsed form of a request's command string.
type Command struct {
	Kind   CommandKind
	Target string // set for restart_service
	Raw    string // normalized original text
}

var restartForm = regexp.MustCompile(`^restart[_-]service[:\s]+([A-Za-z0-9._-]+)$`)

// shellMarkers are substrings that mark a command as the shell/arbitrary-
// execution category. Matching any one of them is terminal: the policy
// engine denies the whole category unconditionally.
var shellMarkers = []string{
	"rm -rf", "rm -fr", "rm -f ", "rm -r ",
	"mkfs", "wipefs", "dd if=",
	"shutdown", "reboot", "poweroff", "init 0", "init 6",
	":(){", "kill -9",
	"chmod -r 777", "chown -r",
	";", "|", "&&", "||", "`", "$(", ">", "<",
	"sh -c", "bash -c", "eval ",
}

// ParseCommand normalizes raw text (NFKC, so full-width and compatibility
// forms cannot dodge the matchers) and folds it into the closed variant.
func ParseCommand(raw string) Command {
	normalized := strings.TrimSpace(norm.NFKC.String(raw))
	lower := strings.ToLower(normalized)

	if m := restartForm.FindStringSubmatch(lower); m != nil {
		return Command{Kind: KindRestartService, Target: m[1], Raw: normalized}
	}
	for _, marker := range shellMarkers {
		if strings.Contains(lower, marker) {
			return Command{Kind: KindShell, Raw: normalized}
		}
	}
	return Command{Kind: KindOther, Raw: normalized}
}
