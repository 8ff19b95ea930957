package planner

import (
	"encoding/json"
	"fmt"
	"strings"
)

// ExtractJSON pulls the first balanced JSON object or array out of model
// output that may be wrapped in code fences or prose. Brackets inside
// string literals are ignored.
func ExtractJSON(raw string) (string, bool) {
	start := -1
	var open, close byte
	depth := 0
	var quote byte // 0 when outside a string
	escaped := false

	for i := 0; i < len(raw); i++ {
		c := raw[i]

		if start >= 0 && quote != 0 {
			if escaped {
				escaped = false
			} else if c == '\\' {
				escaped = true
			} else if c == quote {
				quote = 0
			}
			continue
		}

		switch {
		case start < 0 && (c == '{' || c == '['):
			start = i
			open = c
			if c == '{' {
				close = '}'
			} else {
				close = ']'
			}
			depth = 1
		case start >= 0 && (c == '"' || c == '\''):
			quote = c
		case start >= 0 && c == open:
			depth++
		case start >= 0 && c == close:
			depth--
			if depth == 0 {
				return raw[start : i+1], true
			}
		}
	}
	return "", false
}

// ParseDecision parses a single-arena model response into a valid decision.
func ParseDecision(raw string) (Decision, error) {
	payload, ok := ExtractJSON(raw)
	if !ok {
		return Decision{}, fmt.Errorf("no JSON object in model output")
	}
	// A batched model may answer with a one-element array even for one arena.
	if strings.HasPrefix(payload, "[") {
		list, err := decodeList(payload)
		if err != nil {
			return Decision{}, err
		}
		if len(list) != 1 {
			return Decision{}, fmt.Errorf("expected 1 decision, got %d", len(list))
		}
		return list[0], nil
	}

	var d Decision
	if err := json.Unmarshal([]byte(payload), &d); err != nil {
		return Decision{}, fmt.Errorf("decode decision: %w", err)
	}
	return normalize(d)
}

// ParseDecisions parses a multi-arena response and enforces the expected
// count. A single bare object is accepted when want == 1.
func ParseDecisions(raw string, want int) ([]Decision, error) {
	payload, ok := ExtractJSON(raw)
	if !ok {
		return nil, fmt.Errorf("no JSON in model output")
	}

	if strings.HasPrefix(payload, "{") {
		if want != 1 {
			return nil, fmt.Errorf("expected %d decisions, got a single object", want)
		}
		d, err := ParseDecision(payload)
		if err != nil {
			return nil, err
		}
		return []Decision{d}, nil
	}

	list, err := decodeList(payload)
	if err != nil {
		return nil, err
	}
	if len(list) != want {
		return nil, fmt.Errorf("expected %d decisions, got %d", want, len(list))
	}
	return list, nil
}

func decodeList(payload string) ([]Decision, error) {
	var list []Decision
	if err := json.Unmarshal([]byte(payload), &list); err != nil {
		return nil, fmt.Errorf("decode decisions: %w", err)
	}
	out := make([]Decision, 0, len(list))
	for i, d := range list {
		n, err := normalize(d)
		if err != nil {
			return nil, fmt.Errorf("decision %d: %w", i, err)
		}
		out = append(out, n)
	}
	return out, nil
}

func normalize(d Decision) (Decision, error) {
	d.Action = strings.ToUpper(strings.TrimSpace(d.Action))
	if !d.Valid() {
		return Decision{}, fmt.Errorf("invalid decision: action=%q sizePct=%.4f confidence=%.4f",
			d.Action, d.SizePct, d.Confidence)
	}
	if d.Action == ActionHold {
		d.SizePct = 0
	}
	return d, nil
}
