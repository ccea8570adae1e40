package twm

import (
	"encoding/json"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

// toolName is the single tool the Command Parser recognizes.
const toolName = "recache_message_array"

var (
	// xmlInvocationRe matches the MCP XML-wrapped call, capturing the
	// arguments JSON blob.
	xmlInvocationRe = regexp.MustCompile(
		`(?s)<use_mcp_tool>\s*<server_name>[^<]*</server_name>\s*<tool_name>` +
			regexp.QuoteMeta(toolName) + `</tool_name>\s*<arguments>(.*?)</arguments>\s*</use_mcp_tool>`)

	// jsonRPCInvocationRe matches a JSON-RPC 2.0 tools/call envelope naming
	// our tool, anywhere in the text. It captures the whole JSON object so
	// json.Unmarshal can pull out params.arguments.
	jsonRPCInvocationRe = regexp.MustCompile(
		`(?s)\{\s*"jsonrpc"\s*:\s*"2\.0"[^{}]*"method"\s*:\s*"tools/call"[^{}]*"params"\s*:\s*\{.*?"name"\s*:\s*"[^"]*__` +
			regexp.QuoteMeta(toolName) + `"[^{}]*"arguments"\s*:\s*(\{.*?\})[^{}]*\}[^{}]*\}`)

	// positionRangeRe matches "N-M" range tokens.
	positionRangeRe = regexp.MustCompile(`^(\d+)-(\d+)$`)
	// positionSingleRe matches a bare integer token.
	positionSingleRe = regexp.MustCompile(`^\d+$`)
)

// Position is one parsed position reference from a recache_message_array
// invocation.
type Position struct {
	Value         int
	FromRange     bool
	RangeSource   string // the originating "N-M" token, if FromRange
}

// Command is the detected and parsed recache_message_array invocation.
type Command struct {
	// RawInvocation is the exact substring matched in the assistant text
	// (the whole XML block or JSON-RPC object), used by the Neuralyzer to
	// strip it.
	RawInvocation string
	Positions     []Position
}

// detectInvocation scans text for either wrapper form and returns the raw
// matched block plus the raw arguments JSON, or ok=false if neither is
// present. Detection alone never validates the JSON; ParseCommand does.
func detectInvocation(text string) (rawBlock, rawArgsJSON string, ok bool) {
	if m := xmlInvocationRe.FindStringSubmatch(text); m != nil {
		return m[0], strings.TrimSpace(m[1]), true
	}
	if m := jsonRPCInvocationRe.FindStringSubmatch(text); m != nil {
		return m[0], strings.TrimSpace(m[1]), true
	}
	return "", "", false
}

// DetectCommand scans the latest assistant text for a recache_message_array
// invocation without validating it. When no invocation is present, or its
// arguments are not valid JSON, it returns a nil Command and an error
// wrapping ErrParseFailed, which the Orchestrator never surfaces to the
// model.
func DetectCommand(text string) (*Command, error) {
	rawBlock, rawArgs, ok := detectInvocation(text)
	if !ok {
		return nil, errors.WithStack(ErrParseFailed)
	}

	var args struct {
		Messages string `json:"messages"`
	}
	if err := json.Unmarshal([]byte(rawArgs), &args); err != nil {
		return nil, errors.Wrap(ErrParseFailed, err.Error())
	}

	if strings.TrimSpace(args.Messages) == "" {
		return &Command{RawInvocation: rawBlock}, errors.WithStack(ErrEmptyArguments)
	}

	positions := parsePositions(args.Messages)
	if len(positions) == 0 {
		return &Command{RawInvocation: rawBlock}, errors.WithStack(ErrNoValidPositions)
	}

	return &Command{RawInvocation: rawBlock, Positions: positions}, nil
}

// parsePositions implements a lax grammar: split on commas, expand N-M
// ranges, drop garbage tokens, collapse duplicates keeping the first
// occurrence's tag, sort ascending.
func parsePositions(raw string) []Position {
	tokens := strings.Split(raw, ",")
	seen := make(map[int]bool)
	var out []Position

	for _, tok := range tokens {
		tok = strings.TrimSpace(tok)
		if tok == "" {
			continue
		}

		if m := positionRangeRe.FindStringSubmatch(tok); m != nil {
			lo, errLo := strconv.Atoi(m[1])
			hi, errHi := strconv.Atoi(m[2])
			if errLo != nil || errHi != nil || lo > hi {
				continue
			}
			for v := lo; v <= hi; v++ {
				if seen[v] {
					continue
				}
				seen[v] = true
				out = append(out, Position{Value: v, FromRange: true, RangeSource: tok})
			}
			continue
		}

		if positionSingleRe.MatchString(tok) {
			v, err := strconv.Atoi(tok)
			if err != nil {
				continue
			}
			if seen[v] {
				continue
			}
			seen[v] = true
			out = append(out, Position{Value: v, FromRange: false})
			continue
		}
		// any other token is silently ignored
	}

	sort.Slice(out, func(i, j int) bool { return out[i].Value < out[j].Value })
	return out
}
