package permission

import (
	"github.com/agentdesk/agentdesk/pkg/types"
)

// QuestionTool asks the user a question. It has no automatic answer, so it
// always goes to a human.
const QuestionTool = "AskUserQuestion"

// VerdictKind is the gate's immediate classification of a tool call.
type VerdictKind int

const (
	VerdictAllow VerdictKind = iota
	VerdictDeny
	VerdictAsk
)

func (k VerdictKind) String() string {
	switch k {
	case VerdictAllow:
		return "allow"
	case VerdictDeny:
		return "deny"
	case VerdictAsk:
		return "ask"
	}
	return "unknown"
}

// Verdict is the result of Decide. Reason is set for VerdictDeny.
type Verdict struct {
	Kind   VerdictKind
	Reason string
}

// Decision converts an immediate verdict into a decision. It panics for
// VerdictAsk, which has no immediate decision.
func (v Verdict) Decision() Decision {
	switch v.Kind {
	case VerdictAllow:
		return Allow()
	case VerdictDeny:
		return Deny(v.Reason)
	}
	panic("permission: verdict requires approval")
}

// Decide classifies a tool call. It is pure and total:
//
//  1. the question tool always requires approval
//  2. a non-empty allow-list denies any tool that is not a member
//  3. free mode allows
//  4. secure mode, and any unrecognized mode, requires approval
func Decide(toolName string, mode types.PermissionMode, allowList []string) Verdict {
	if toolName == QuestionTool {
		return Verdict{Kind: VerdictAsk}
	}
	if len(allowList) > 0 && !MatchAllowList(toolName, allowList) {
		return Verdict{Kind: VerdictDeny, Reason: ReasonRestricted}
	}
	if mode == types.ModeFree {
		return Verdict{Kind: VerdictAllow}
	}
	return Verdict{Kind: VerdictAsk}
}
