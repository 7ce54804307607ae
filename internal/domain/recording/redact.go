package recording

import (
	"encoding/json"
	"regexp"
	"strings"

	"github.com/Strob0t/CodePair/internal/domain/event"
)

// Redacted replaces sensitive values in recorded message text.
const Redacted = "[REDACTED]"

var sensitiveRE = regexp.MustCompile(`(?i)\b(password|token|api[\s_-]?key|secret)(\s*[:=]\s*|\s+)("[^"]*"|'[^']*'|\S+)`)

// textFields are the payload fields treated as free-form message text.
var textFields = []string{"message", "text", "content"}

// sensitiveMetadata lists metadata keys dropped from recorded events.
var sensitiveMetadata = map[string]bool{
	"password": true,
	"token":    true,
	"key":      true,
}

// RedactText masks values following password, token, api key and secret
// markers.
func RedactText(s string) string {
	return sensitiveRE.ReplaceAllString(s, "${1}${2}"+Redacted)
}

// Sanitize returns a copy of ev with sensitive message text masked and
// sensitive metadata fields removed. Payloads that are not JSON objects are
// left as they are.
func Sanitize(ev *event.Event) event.Event {
	out := ev.Clone()

	for k := range out.Metadata {
		if sensitiveMetadata[strings.ToLower(k)] {
			delete(out.Metadata, k)
		}
	}

	if len(out.Data) == 0 {
		return out
	}
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(out.Data, &obj); err != nil {
		return out
	}
	changed := false
	for _, f := range textFields {
		raw, ok := obj[f]
		if !ok {
			continue
		}
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			continue
		}
		masked := RedactText(s)
		if masked == s {
			continue
		}
		enc, err := json.Marshal(masked)
		if err != nil {
			continue
		}
		obj[f] = enc
		changed = true
	}
	if changed {
		if data, err := json.Marshal(obj); err == nil {
			out.Data = data
		}
	}
	return out
}
