package agent

import (
	"encoding/json"
	"errors"
	"strings"

	"github.com/tidwall/gjson"
)

// ErrNoJSON is returned by Parse when the reply carries no JSON object.
var ErrNoJSON = errors.New("agent: no JSON object in response")

// maxFallbackSummary caps how much free text a fallback result carries.
const maxFallbackSummary = 2000

// Action is one recommended next step.
type Action struct {
	Action    string `json:"action"`
	Priority  string `json:"priority"`
	Timing    string `json:"timing"`
	Reasoning string `json:"reasoning,omitempty"`
}

// Structured is the normalised form of a model reply.
type Structured struct {
	Summary            string          `json:"summary"`
	Confidence         *float64        `json:"confidence,omitempty"`
	RecommendedActions []Action        `json:"recommended_actions"`
	RiskFactors        []string        `json:"risk_factors,omitempty"`
	Opportunities      []string        `json:"opportunities,omitempty"`
	Data               json.RawMessage `json:"data,omitempty"`
	ParseFailed        bool            `json:"parse_failed,omitempty"`
}

// Parse extracts the first JSON object from text (fenced or inline) and
// reads the well-known fields from it. Role-specific fields stay in Data.
func Parse(text string) (Structured, error) {
	raw, ok := extractObject(text)
	if !ok {
		return Structured{}, ErrNoJSON
	}
	doc := gjson.Parse(raw)

	s := Structured{
		Summary:            firstString(doc, "summary", "analysis", "response"),
		Confidence:         confidence(doc),
		RecommendedActions: actions(doc),
		RiskFactors:        stringList(doc.Get("risk_factors")),
		Opportunities:      stringList(doc.Get("opportunities")),
		Data:               json.RawMessage(raw),
	}
	if s.Summary == "" {
		s.Summary = truncate(proseAround(text, raw), maxFallbackSummary)
	}
	return s, nil
}

// Fallback wraps an unparseable reply so the unit still completes with a
// usable result.
func Fallback(text string) Structured {
	return Structured{
		Summary:            truncate(strings.TrimSpace(text), maxFallbackSummary),
		RecommendedActions: []Action{},
		ParseFailed:        true,
	}
}

// extractObject tries fenced code blocks first, then every '{' in order,
// returning the first span that is a valid JSON object.
func extractObject(text string) (string, bool) {
	parts := strings.Split(text, "```")
	for i := 1; i < len(parts); i += 2 {
		block := strings.TrimSpace(parts[i])
		if nl := strings.IndexByte(block, '\n'); nl >= 0 && !strings.HasPrefix(block, "{") {
			block = strings.TrimSpace(block[nl+1:])
		}
		if isObject(block) {
			return block, true
		}
	}

	for start := strings.IndexByte(text, '{'); start >= 0; {
		if end := matchBrace(text, start); end > start {
			if candidate := text[start : end+1]; isObject(candidate) {
				return candidate, true
			}
		}
		next := strings.IndexByte(text[start+1:], '{')
		if next < 0 {
			break
		}
		start += next + 1
	}
	return "", false
}

func isObject(s string) bool {
	return gjson.Valid(s) && gjson.Parse(s).IsObject()
}

// matchBrace returns the index of the brace closing the one at start,
// ignoring braces inside strings, or -1.
func matchBrace(text string, start int) int {
	depth := 0
	inString, escaped := false, false
	for i := start; i < len(text); i++ {
		c := text[i]
		switch {
		case escaped:
			escaped = false
		case inString && c == '\\':
			escaped = true
		case c == '"':
			inString = !inString
		case inString:
		case c == '{':
			depth++
		case c == '}':
			depth--
			if depth == 0 {
				return i
			}
		}
	}
	return -1
}

func firstString(doc gjson.Result, paths ...string) string {
	for _, p := range paths {
		if v := doc.Get(p); v.Type == gjson.String && strings.TrimSpace(v.Str) != "" {
			return strings.TrimSpace(v.Str)
		}
	}
	return ""
}

// confidence accepts a 0-1 fraction or a 0-100 percentage.
func confidence(doc gjson.Result) *float64 {
	for _, p := range []string{"confidence", "confidence_score"} {
		v := doc.Get(p)
		if !v.Exists() || (v.Type != gjson.Number && v.Type != gjson.String) {
			continue
		}
		f := v.Float()
		if v.Type == gjson.String && strings.HasSuffix(strings.TrimSpace(v.Str), "%") {
			f = gjson.Parse(strings.TrimSuffix(strings.TrimSpace(v.Str), "%")).Float() / 100
		} else if f > 1 {
			f /= 100
		}
		if f < 0 {
			f = 0
		}
		if f > 1 {
			f = 1
		}
		return &f
	}
	return nil
}

func actions(doc gjson.Result) []Action {
	list := doc.Get("recommended_actions")
	if !list.IsArray() {
		list = doc.Get("actions")
	}
	out := []Action{}
	for _, item := range list.Array() {
		switch {
		case item.Type == gjson.String:
			out = append(out, Action{Action: strings.TrimSpace(item.Str), Priority: "medium", Timing: "moderate"})
		case item.IsObject():
			a := Action{
				Action:    firstString(item, "action", "description", "step"),
				Priority:  firstString(item, "priority"),
				Timing:    firstString(item, "timing"),
				Reasoning: firstString(item, "reasoning", "rationale"),
			}
			if a.Action == "" {
				continue
			}
			if a.Priority == "" {
				a.Priority = "medium"
			}
			if a.Timing == "" {
				a.Timing = "moderate"
			}
			out = append(out, a)
		}
	}
	return out
}

func stringList(v gjson.Result) []string {
	var out []string
	for _, item := range v.Array() {
		switch {
		case item.Type == gjson.String:
			out = append(out, item.Str)
		case item.IsObject():
			if s := firstString(item, "factor", "description", "name", "title"); s != "" {
				out = append(out, s)
			}
		}
	}
	return out
}

// proseAround returns text without the JSON object and code fences.
func proseAround(text, raw string) string {
	rest := strings.Replace(text, raw, "", 1)
	rest = strings.ReplaceAll(rest, "```json", "")
	rest = strings.ReplaceAll(rest, "```", "")
	return strings.TrimSpace(rest)
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}
