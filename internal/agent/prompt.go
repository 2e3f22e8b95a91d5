package agent

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
)

// BuildPrompt renders the user message for one unit: the task kind followed
// by the payload as indented JSON.
func BuildPrompt(r Role, kind string, payload json.RawMessage) (string, error) {
	ctx := "{}"
	if len(bytes.TrimSpace(payload)) > 0 {
		var buf bytes.Buffer
		if err := json.Indent(&buf, payload, "", "  "); err != nil {
			return "", fmt.Errorf("format payload: %w", err)
		}
		ctx = buf.String()
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Role: %s\n", r.Name)
	fmt.Fprintf(&b, "Task: %s\n\n", kind)
	b.WriteString("Context:\n")
	b.WriteString(ctx)
	b.WriteString("\n")
	return b.String(), nil
}
