package query

import (
	"encoding/json"
	"regexp"
	"strings"
	"unicode"
)

// maxRepairAttempt is the last attempt number Repair still rewrites.
const maxRepairAttempt = 3

var (
	bareKey    = regexp.MustCompile(`([a-zA-Z]*):`)
	concatJunk = regexp.MustCompile(`[a-zA-Z]\{`)
)

// Repair rewrites a malformed "array of objects" answer until it parses or
// the attempt budget is spent, and returns the last rewrite either way.
// Callers start at attempt 0; any attempt above 3 returns text unchanged.
//
// Each attempt quotes bare alphabetic keys, collapses tripled quotes, cuts
// the text at the first letter glued to an opening brace and drops the last
// incomplete element by cutting after the final "}," and closing the array.
// Attempt 0 first strips Markdown code fences and returns the result
// unchanged if it already parses. Text that then starts with neither '[' nor
// '{' is returned as-is; text starting with '{' gets the missing '['.
//
// Without a "}," the text is closed only when it ends in '}'. Dropping its
// last character instead would cut into the only element.
//
// Keys containing digits or other non-letters are not quoted.
func Repair(text string, attempt int) string {
	if attempt > maxRepairAttempt {
		return text
	}

	if attempt == 0 {
		text = stripFences(text)
		if json.Valid([]byte(text)) {
			return text
		}
		if text == "" || (text[0] != '[' && text[0] != '{') {
			return text
		}
		if text[0] == '{' {
			text = "[" + text
		}
	}

	text = bareKey.ReplaceAllString(text, `"${1}":`)
	text = strings.ReplaceAll(text, `"""`, `"`)

	if loc := concatJunk.FindStringIndex(text); loc != nil {
		text = text[:loc[0]]
	}

	if i := strings.LastIndex(text, "},"); i >= 0 {
		text = text[:i] + "}]"
	} else if t := strings.TrimRightFunc(text, unicode.IsSpace); strings.HasSuffix(t, "}") {
		text = t + "]"
	}

	if json.Valid([]byte(text)) {
		return text
	}
	return Repair(text, attempt+1)
}

func stripFences(s string) string {
	s = strings.TrimSpace(s)
	s = strings.TrimPrefix(s, "```json")
	s = strings.TrimPrefix(s, "```")
	s = strings.TrimSuffix(s, "```")
	return strings.TrimSpace(s)
}
