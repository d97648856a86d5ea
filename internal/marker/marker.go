// Package marker implements the covert control channel embedded in
// generated partner replies. The model may emit one delimited block of
// machine-readable JSON inside otherwise human-readable text; the block
// is stripped before anything reaches the user.
package marker

import (
	"encoding/json"
	"regexp"
	"strings"
)

const (
	openTag  = "<SYS>"
	closeTag = "</SYS>"
)

// (?s) so the block may span newlines; non-greedy so surrounding prose
// is never swallowed.
var blockRe = regexp.MustCompile(`(?s)<SYS>(.*?)</SYS>`)

// Flags carries the machine-readable signals a reply may embed.
// Fields are named, not positional, so the schema can grow without
// breaking older replies.
type Flags struct {
	UserWantQuit bool `json:"user_want_to_quit"`
}

// Strip removes every control block and returns the user-visible text.
func Strip(text string) string {
	return strings.TrimSpace(blockRe.ReplaceAllString(text, ""))
}

// ParseFlags extracts and decodes the first control block. A missing
// block or malformed JSON yields zero Flags; model output is never
// treated as an input error.
func ParseFlags(text string) Flags {
	m := blockRe.FindStringSubmatch(text)
	if m == nil {
		return Flags{}
	}
	var f Flags
	if err := json.Unmarshal([]byte(strings.TrimSpace(m[1])), &f); err != nil {
		return Flags{}
	}
	return f
}

// Encode renders flags as a control block. Used by prompts documenting
// the contract and by tests; the live producer is the model itself.
func Encode(f Flags) string {
	b, err := json.Marshal(f)
	if err != nil {
		return openTag + "{}" + closeTag
	}
	return openTag + string(b) + closeTag
}
