// Package redact strips secret-shaped substrings from trace content before
// it crosses the trust boundary.
package redact

import (
	"encoding/json"
	"regexp"
)

const marker = "[REDACTED]"

type rule struct {
	name    string
	pattern *regexp.Regexp
	replace string
}

// Rules are applied in order. The PEM block rule runs first so generic
// patterns never match inside a multi-line key block.
var defaultRules = []rule{
	{
		name:    "private_key_block",
		pattern: regexp.MustCompile(`(?s)-----BEGIN [A-Z ]*PRIVATE KEY-----.*?-----END [A-Z ]*PRIVATE KEY-----`),
		replace: marker,
	},
	{
		name:    "bearer_token",
		pattern: regexp.MustCompile(`(?i)bearer\s+[A-Za-z0-9\-_.~+/]+=*`),
		replace: "Bearer " + marker,
	},
	{
		name:    "jwt",
		pattern: regexp.MustCompile(`eyJ[A-Za-z0-9\-_]+\.[A-Za-z0-9\-_]+\.[A-Za-z0-9\-_]*`),
		replace: marker,
	},
	{
		name:    "connection_string",
		pattern: regexp.MustCompile(`(?i)([A-Z0-9_]*(?:_URL|_URI|_DSN)\s*[=:]\s*)\S+`),
		replace: "${1}" + marker,
	},
	{
		name:    "api_key",
		pattern: regexp.MustCompile(`\b(?:sk|pk)-[A-Za-z0-9\-_]{8,}`),
		replace: marker,
	},
	{
		name:    "secret_pair_json",
		pattern: regexp.MustCompile(`(?i)("(?:[a-z0-9_\-]*)(?:password|secret|api[_-]?key|token)[a-z0-9_\-]*"\s*:\s*)"[^"]*"`),
		replace: `${1}"` + marker + `"`,
	},
	{
		name:    "secret_pair_env",
		pattern: regexp.MustCompile(`(?i)\b((?:[a-z0-9_]*)(?:password|secret|api[_-]?key|token)[a-z0-9_]*\s*[=:]\s*)\S+`),
		replace: "${1}" + marker,
	},
}

var emailRule = rule{
	name:    "email",
	pattern: regexp.MustCompile(`[A-Za-z0-9._%+\-]+@[A-Za-z0-9.\-]+\.[A-Za-z]{2,}`),
	replace: marker,
}

// Redactor applies the rule set to strings and nested metadata objects.
type Redactor struct {
	rules []rule
}

// New returns a redactor with the default rule set. Email redaction is
// opt-in.
func New(redactEmails bool) *Redactor {
	rules := defaultRules
	if redactEmails {
		rules = append(append([]rule{}, defaultRules...), emailRule)
	}
	return &Redactor{rules: rules}
}

// String applies every rule to s in order.
func (r *Redactor) String(s string) string {
	for _, ru := range r.rules {
		s = ru.pattern.ReplaceAllString(s, ru.replace)
	}
	return s
}

// Metadata walks an arbitrary nested structure and redacts every string
// value, leaving non-string values untouched.
func (r *Redactor) Metadata(v any) any {
	switch val := v.(type) {
	case string:
		return r.String(val)
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, item := range val {
			out[k] = r.Metadata(item)
		}
		return out
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = r.Metadata(item)
		}
		return out
	default:
		return v
	}
}

// JSON redacts every string value inside a raw JSON document. Documents
// that fail to parse are redacted as plain text.
func (r *Redactor) JSON(raw json.RawMessage) json.RawMessage {
	if len(raw) == 0 {
		return raw
	}
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return json.RawMessage(r.String(string(raw)))
	}
	out, err := json.Marshal(r.Metadata(v))
	if err != nil {
		return raw
	}
	return out
}
