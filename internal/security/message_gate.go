package security

import "encoding/json"

// MessageGate composes the message-gate stages in spec order: XSS
// sanitization first (a rewrite, not a rejection), then the
// SQL-injection and path-traversal scans, both reject-on-match, run
// against each string leaf as it arrived (HTML-escaping would turn the
// quotes the SQLi patterns look for into entities).
type MessageGate struct{}

// Sanitize walks payload's string leaves recursively, rewriting each
// through SanitizeText, and scans every original leaf for SQLi and
// path-traversal patterns. It returns the rewritten payload (the form
// safe to echo, broadcast, or persist) and the first denial found, if
// any — on denial the original payload is returned unchanged since the
// caller should drop the message rather than act on a partial rewrite.
func (MessageGate) Sanitize(payload json.RawMessage) (json.RawMessage, Outcome) {
	if len(payload) == 0 {
		return payload, allow
	}
	var v any
	if err := json.Unmarshal(payload, &v); err != nil {
		return payload, allow
	}

	outcome := allow
	var walk func(any) any
	walk = func(v any) any {
		switch t := v.(type) {
		case string:
			clean := SanitizeText(t)
			if outcome.Allowed {
				if o := ScanSQLi(t); !o.Allowed {
					outcome = o
				} else if o := ScanPathTraversal(t); !o.Allowed {
					outcome = o
				}
			}
			return clean
		case map[string]any:
			out := make(map[string]any, len(t))
			for k, val := range t {
				out[k] = walk(val)
			}
			return out
		case []any:
			out := make([]any, len(t))
			for i, val := range t {
				out[i] = walk(val)
			}
			return out
		default:
			return v
		}
	}

	cleaned := walk(v)
	if !outcome.Allowed {
		return payload, outcome
	}
	out, err := json.Marshal(cleaned)
	if err != nil {
		return payload, allow
	}
	return out, allow
}
