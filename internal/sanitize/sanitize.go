// Package sanitize neutralizes client-supplied free text before it is stored
// or relayed. Plain-text sanitization strips every tag; the permissive HTML
// variant exists only for surfaces that intentionally render limited rich text.
package sanitize

import (
	"regexp"
	"strings"

	"github.com/microcosm-cc/bluemonday"
)

var (
	strictPolicy = bluemonday.StrictPolicy()
	richPolicy   = newRichPolicy()

	// Mentions are rewritten only after all raw markup has been neutralized,
	// so a mention token cannot reintroduce markup.
	mentionPattern = regexp.MustCompile(`@([A-Za-z0-9_.-]+)`)

	// The XML-significant characters that survive tag stripping. bluemonday
	// already entity-escapes < > " ' & in text nodes; the slash does not get
	// that treatment and is escaped here.
	charEscaper = strings.NewReplacer(
		"<", "&lt;",
		">", "&gt;",
		`"`, "&#34;",
		"'", "&#39;",
		"/", "&#x2F;",
	)
)

func newRichPolicy() *bluemonday.Policy {
	policy := bluemonday.NewPolicy()
	policy.AllowElements(
		"b", "i", "em", "strong",
		"p", "br",
		"ul", "ol", "li",
		"code", "pre",
		"a",
	)
	policy.AllowAttrs("href", "title").OnElements("a")
	policy.AllowStandardURLs()
	policy.RequireNoFollowOnLinks(true)
	return policy
}

// Text strips all markup and escapes the XML-significant characters so the
// result is safe to store and later render as plain text.
func Text(input string) string {
	return charEscaper.Replace(strictPolicy.Sanitize(input))
}

// Comment sanitizes comment text: markup removal first, then inert mention
// spans, then explicit line-break markers. Order matters.
func Comment(input string) string {
	out := Text(input)
	out = mentionPattern.ReplaceAllString(out, `<span class="mention">@$1</span>`)
	out = strings.ReplaceAll(out, "\r\n", "\n")
	out = strings.ReplaceAll(out, "\n", "<br/>")
	return out
}

// ActivityDetails sanitizes a flat key/value detail map. String values are
// sanitized, scalars pass through, string elements of arrays are sanitized
// individually, and nested objects are dropped entirely rather than walked.
func ActivityDetails(details map[string]any) map[string]any {
	if details == nil {
		return nil
	}
	clean := make(map[string]any, len(details))
	for key, value := range details {
		switch typed := value.(type) {
		case string:
			clean[key] = Text(typed)
		case map[string]any:
			// dropped, never recursively sanitized
		case []any:
			items := make([]any, 0, len(typed))
			for _, item := range typed {
				switch element := item.(type) {
				case string:
					items = append(items, Text(element))
				case map[string]any:
					// dropped
				default:
					items = append(items, element)
				}
			}
			clean[key] = items
		default:
			clean[key] = value
		}
	}
	return clean
}

// HTML keeps a small allow-list of inline and structural tags for contexts
// that render limited rich text; link targets are the only attributes allowed.
func HTML(input string) string {
	return richPolicy.Sanitize(input)
}
