package ppp

import (
	"fmt"
	"regexp"
	"strings"

	"go.uber.org/zap"
)

// Up and down reason keys recorded for accounting.
const (
	ReasonManual         = "Manual"
	ReasonRedial         = "Redial"
	ReasonProtoErr       = "Protocol error"
	ReasonLoginFail      = "Login failed"
	ReasonEchoTimeout    = "Echo timeout"
	ReasonPortNeeded     = "Increased demand"
	ReasonPortUnneeded   = "Decreased demand"
	ReasonAdminShutdown  = "Admin shutdown"
	ReasonPeerDisconnect = "Peer disconnect"
	ReasonDropped        = "Dropped"
	ReasonIncomingCall   = "Incoming call"
	ReasonMultilinkFail  = "Multi-link PPP negotiation failure."
	ReasonPPPAuthFailure = "PPP authorization failed."
	ReasonDialOnDemand   = "Dial on demand"
	ReasonAuthTimeout    = "Authentication timeout"
)

// dropAction is what MatchAction returns for a drop action.
const dropAction = "##DROP##"

// reasonText formats "key:detail", or key alone.
func reasonText(key, detail string) string {
	if detail == "" {
		return key
	}
	return key + ":" + detail
}

// recordReason stores the first up or down reason since it was last
// cleared.
func (l *Link) recordReason(up bool, key, detail string) {
	if up {
		if l.upReasonValid {
			return
		}
		l.upReasonValid = true
		l.upReason = reasonText(key, detail)
		return
	}
	if l.downReasonValid {
		return
	}
	l.downReasonValid = true
	l.downReason = reasonText(key, detail)
}

// recordReason applies to every link of the bundle.
func (b *Bundle) recordReason(up bool, key, detail string) {
	for _, l := range b.links {
		if l != nil {
			l.recordReason(up, key, detail)
		}
	}
}

// ActionKind selects what an action does with a matching peer.
type ActionKind int

const (
	ActionBundle ActionKind = iota
	ActionForward
	ActionDrop
)

func (k ActionKind) String() string {
	switch k {
	case ActionBundle:
		return "bundle"
	case ActionForward:
		return "forward"
	case ActionDrop:
		return "drop"
	default:
		return "unknown"
	}
}

// Action routes an incoming call or an authenticated peer. An empty
// regular expression matches every login.
type Action struct {
	Kind  ActionKind
	Arg   string
	Regex string

	re *regexp.Regexp
}

// ParseAction parses "bundle <name> [regex]", "forward <link> [regex]"
// or "drop [regex]".
func ParseAction(s string) (Action, error) {
	f := strings.Fields(s)
	if len(f) == 0 {
		return Action{}, fmt.Errorf("empty action")
	}
	var a Action
	rest := f[1:]
	switch f[0] {
	case "bundle", "forward":
		if len(rest) == 0 {
			return Action{}, fmt.Errorf("action %q needs an argument", f[0])
		}
		a.Kind = ActionBundle
		if f[0] == "forward" {
			a.Kind = ActionForward
		}
		a.Arg, rest = rest[0], rest[1:]
	case "drop":
		a.Kind = ActionDrop
	default:
		return Action{}, fmt.Errorf("unknown action %q", f[0])
	}
	if len(rest) > 1 {
		return Action{}, fmt.Errorf("too many arguments in action %q", s)
	}
	if len(rest) == 1 {
		re, err := regexp.Compile(rest[0])
		if err != nil {
			return Action{}, fmt.Errorf("action regex: %w", err)
		}
		a.Regex, a.re = rest[0], re
	}
	return a, nil
}

func (a Action) matches(login string) bool {
	return a.re == nil || a.re.MatchString(login)
}

// MatchAction looks up the action for a stage: 1 on an incoming call,
// 2 to pick a forward target after authentication, 3 to pick a bundle.
// It returns "" when nothing applies and "##DROP##" for a drop.
func (l *Link) MatchAction(stage int, login string) string {
	acts := l.conf.Actions
	if len(acts) == 0 {
		l.log.Debug("Link: No actions defined")
		return ""
	}
	if stage == 1 {
		if len(acts) == 1 && acts[0].Regex == "" {
			switch acts[0].Kind {
			case ActionForward:
				l.log.Info("Link: Matched action", zap.String("action", "forward"), zap.String("arg", acts[0].Arg))
				return acts[0].Arg
			case ActionDrop:
				l.log.Info("Link: Matched action", zap.String("action", "drop"))
				return dropAction
			}
		}
		return ""
	}
	for _, a := range acts {
		if !a.matches(login) {
			continue
		}
		if a.Kind == ActionDrop {
			l.log.Info("Link: Matched action", zap.String("action", "drop"))
			return dropAction
		}
		if (stage == 2 && a.Kind == ActionForward) || (stage == 3 && a.Kind == ActionBundle) {
			l.log.Info("Link: Matched action",
				zap.Stringer("action", a.Kind),
				zap.String("arg", a.Arg),
				zap.String("regex", a.Regex),
			)
			return a.Arg
		}
		return ""
	}
	return ""
}
