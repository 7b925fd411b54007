package translator

import (
	"encoding/json"
	"regexp"
	"strings"
)

// Bounds of the inline tool-call scan.
const (
	maxScanBytes      = 64 * 1024
	maxToolDetections = 8
	maxJSONCandidates = 256
)

var (
	toolNamePattern = regexp.MustCompile(`^[A-Za-z_][\w.\-]{0,63}$`)

	// "calling tool lookup_balance(account=ops)" and similar, on one line.
	callPhrasePattern = regexp.MustCompile("(?i)\\b(?:calling|invoking|called|using)\\s+(?:the\\s+)?(?:tool|function)\\s+`?([A-Za-z_][\\w.\\-]{0,63})`?\\s*\\(([^()\\n]{0,512})\\)")

	toolNameKeys = []string{"tool", "tool_name", "name", "function"}
	toolArgKeys  = []string{"arguments", "args", "parameters", "input"}

	// "name" is common in plain data, so it only pairs with the call-specific
	// argument keys.
	genericNameArgKeys = []string{"arguments", "args"}
)

// ToolCall is a tool-call-shaped fragment found in agent text.
type ToolCall struct {
	Name      string
	Arguments json.RawMessage
}

// ScanToolCalls looks for tool calls an agent only reported inline in its
// text. Two shapes are recognized:
//
//  1. a JSON object with a tool-name key ("tool", "tool_name", "name",
//     "function") holding an identifier AND an arguments key ("arguments",
//     "args", "parameters", "input") holding an object or a string. The
//     generic "name" key only counts alongside "arguments" or "args", so
//     records like {"name": "Cash", "input": "..."} are not calls;
//  2. an explicit phrase such as "calling tool NAME(args)" on a single line.
//
// Anything else is ignored, so calls described in free prose are missed. A
// JSON object quoted in prose that happens to carry both keys is reported;
// that is the known false positive. The scan is bounded to the first 64 KiB
// of text and to 8 detections.
func ScanToolCalls(text string) []ToolCall {
	if len(text) > maxScanBytes {
		text = text[:maxScanBytes]
	}

	var calls []ToolCall
	calls = scanJSONCalls(text, calls)
	if len(calls) < maxToolDetections {
		calls = scanPhraseCalls(text, calls)
	}
	return calls
}

func scanJSONCalls(text string, calls []ToolCall) []ToolCall {
	candidates := 0
	for i := 0; i < len(text) && len(calls) < maxToolDetections; i++ {
		if text[i] != '{' {
			continue
		}
		candidates++
		if candidates > maxJSONCandidates {
			break
		}

		dec := json.NewDecoder(strings.NewReader(text[i:]))
		var obj map[string]json.RawMessage
		if err := dec.Decode(&obj); err != nil {
			continue
		}
		call, ok := toolCallFromObject(obj)
		if !ok {
			// nested objects may still match
			continue
		}
		calls = append(calls, call)
		i += int(dec.InputOffset()) - 1
	}
	return calls
}

func toolCallFromObject(obj map[string]json.RawMessage) (ToolCall, bool) {
	var name string
	argKeys := toolArgKeys
	for _, key := range toolNameKeys {
		raw, ok := obj[key]
		if !ok {
			continue
		}
		if err := json.Unmarshal(raw, &name); err == nil && toolNamePattern.MatchString(name) {
			if key == "name" {
				argKeys = genericNameArgKeys
			}
			break
		}
		name = ""
	}
	if name == "" {
		return ToolCall{}, false
	}

	for _, key := range argKeys {
		raw, ok := obj[key]
		if !ok {
			continue
		}
		raw = json.RawMessage(strings.TrimSpace(string(raw)))
		switch {
		case len(raw) > 0 && raw[0] == '{':
			return ToolCall{Name: name, Arguments: raw}, true
		case len(raw) > 0 && raw[0] == '"':
			var s string
			if err := json.Unmarshal(raw, &s); err != nil {
				continue
			}
			if trimmed := strings.TrimSpace(s); strings.HasPrefix(trimmed, "{") && json.Valid([]byte(trimmed)) {
				return ToolCall{Name: name, Arguments: json.RawMessage(trimmed)}, true
			}
			return ToolCall{Name: name, Arguments: raw}, true
		}
	}
	return ToolCall{}, false
}

func scanPhraseCalls(text string, calls []ToolCall) []ToolCall {
	matches := callPhrasePattern.FindAllStringSubmatch(text, maxToolDetections-len(calls))
	for _, m := range matches {
		calls = append(calls, ToolCall{Name: m[1], Arguments: phraseArguments(m[2])})
	}
	return calls
}

func phraseArguments(args string) json.RawMessage {
	args = strings.TrimSpace(args)
	if args == "" {
		return json.RawMessage(`{}`)
	}
	if strings.HasPrefix(args, "{") && json.Valid([]byte(args)) {
		return json.RawMessage(args)
	}
	raw, _ := json.Marshal(args)
	return raw
}
