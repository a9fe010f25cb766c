// telegram_html.go converts Markdown produced by the model into the HTML
// subset Telegram accepts: <b>, <i>, <code>, <pre>, <s>.
package format

import "strings"

// ToTelegramHTML converts standard Markdown to Telegram HTML. Raw HTML
// metacharacters in the input are escaped first, so only markup produced
// by the conversion reaches the transport. Unterminated Markdown spans are
// left as-is; Balance handles whatever the conversion leaves dangling.
func ToTelegramHTML(text string) string {
	text = strings.ReplaceAll(text, "&", "&amp;")
	text = strings.ReplaceAll(text, "<", "&lt;")
	text = strings.ReplaceAll(text, ">", "&gt;")

	// Code blocks first so their contents escape the inline passes:
	// ```lang\ncode``` -> <pre>code</pre>
	for {
		start := strings.Index(text, "```")
		if start == -1 {
			break
		}
		end := strings.Index(text[start+3:], "```")
		if end == -1 {
			break
		}
		end += start + 3
		inner := text[start+3 : end]
		// Drop the optional language identifier on the first line.
		if nl := strings.Index(inner, "\n"); nl != -1 {
			inner = inner[nl+1:]
		}
		text = text[:start] + "<pre>" + strings.TrimSpace(inner) + "</pre>" + text[end+3:]
	}

	text = replaceSpan(text, "**", "<b>", "</b>")
	text = replaceSpan(text, "__", "<b>", "</b>")
	text = replaceSpan(text, "~~", "<s>", "</s>")
	text = replaceSpan(text, "`", "<code>", "</code>")
	text = replaceSpan(text, "*", "<i>", "</i>")

	return text
}

// replaceSpan rewrites delim...delim pairs as open...close, left to right.
// An odd trailing delimiter stays untouched, and empty spans are treated
// as literal text (so "**" is not an italic pair).
func replaceSpan(text, delim, open, close string) string {
	var b strings.Builder
	for {
		start := strings.Index(text, delim)
		if start == -1 {
			break
		}
		end := strings.Index(text[start+len(delim):], delim)
		if end == -1 {
			break
		}
		end += start + len(delim)
		inner := text[start+len(delim) : end]
		if inner == "" {
			b.WriteString(text[:start+len(delim)])
			text = text[start+len(delim):]
			continue
		}
		b.WriteString(text[:start])
		b.WriteString(open)
		b.WriteString(inner)
		b.WriteString(close)
		text = text[end+len(delim):]
	}
	b.WriteString(text)
	return b.String()
}
