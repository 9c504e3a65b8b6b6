package container

import (
	"fmt"
	"strings"

	v1 "github.com/kandev/kandev/pkg/api/v1"
)

// executorCLI maps an executor profile id to the binary invoked for a
// coding-agent request. The registry (internal/agent/registry) only
// describes Docker-backed agent types; no equivalent table exists for
// direct-process execution, so this is a small, explicitly documented
// stand-in rather than an adaptation of that registry.
var executorCLI = map[string]string{
	"claude-code": "claude",
	"codex":       "codex",
	"gemini-cli":  "gemini",
}

const defaultExecutorCLI = "claude"

// commandForAction derives the shell command line process.Spawn runs for a
// given ExecutorAction: a script's literal body, or a coding-agent CLI
// invocation with its prompt piped in as an argument.
func commandForAction(action v1.ExecutorAction) (string, error) {
	switch action.Type {
	case v1.ExecutorActionScriptRequest:
		if action.ScriptRequest == nil || action.ScriptRequest.Script == "" {
			return "", fmt.Errorf("script action has no script body")
		}
		return action.ScriptRequest.Script, nil

	case v1.ExecutorActionCodingAgentInitialRequest, v1.ExecutorActionCodingAgentFollowUpRequest:
		if action.CodingAgentRequest == nil {
			return "", fmt.Errorf("coding agent action has no request payload")
		}
		cli, ok := executorCLI[action.CodingAgentRequest.ExecutorProfileID]
		if !ok {
			cli = defaultExecutorCLI
		}
		return fmt.Sprintf("%s --print %s", cli, shellQuote(action.CodingAgentRequest.Prompt)), nil

	default:
		return "", fmt.Errorf("unknown executor action type %q", action.Type)
	}
}

// shellQuote wraps s in single quotes for the "sh -lc" invocation
// process.Spawn uses, escaping any embedded single quote the POSIX way.
func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
