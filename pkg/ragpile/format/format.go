// Package format prepares outbound text for transports with strict
// formatting and size constraints: it repairs unbalanced markup tags and
// splits text into size-bounded chunks.
package format

import "iter"

// tag is one parsed tag boundary: the byte offsets of "<" and ">" and the
// tag name ("/x" for closers). Scoped to a single Balance call.
type tag struct {
	start     int
	end       int
	name      string
	nameFound bool
	closed    bool
	deleted   bool
}

// Balance repairs the markup in text so that every opening tag has a
// matching, properly nested closing tag. Unmatched tags are deleted, not
// escaped; the text they enclose is preserved.
//
// This is a best-effort syntactic repair, not a parser: tag names are
// handled generically (no allow-list), attributes are ignored, and only a
// single level of tag crossing is repaired; deeper interleaving may
// remain unbalanced. The result is a fixed point: Balance(Balance(s)) ==
// Balance(s).
func Balance(text string) string {
	tags := scanTags(text)
	if len(tags) == 0 {
		return text
	}

	var open []*tag
	for _, t := range tags {
		if t.name == "" || t.name[0] != '/' {
			open = append(open, t)
			continue
		}
		name := t.name[1:]
		switch {
		case len(open) == 0:
			// Closer with nothing open: drop it.
			t.deleted = true
		case open[len(open)-1].name == name:
			// Matches the innermost open tag: keep both.
			open = open[:len(open)-1]
		case len(open) >= 2 && open[len(open)-2].name == name:
			// Single-level crossing: drop the intervening unclosed tag,
			// keep this closer and its matching opener.
			open[len(open)-1].deleted = true
			open = open[:len(open)-2]
		default:
			t.deleted = true
		}
	}
	// Anything still open never got closed: drop it.
	for _, t := range open {
		t.deleted = true
	}

	var out []byte
	pos := 0
	for _, t := range tags {
		if !t.deleted {
			continue
		}
		if t.start > pos {
			out = append(out, text[pos:t.start]...)
		}
		if t.end+1 > pos {
			pos = t.end + 1
		}
		if pos > len(text) {
			pos = len(text)
		}
	}
	out = append(out, text[pos:]...)
	return string(out)
}

// scanTags records every tag boundary in one pass. A tag name runs from
// "<" to the first space or ">". A "<" that never closes before the next
// "<" ends right before it; one still open at the end of the text runs to
// the end. Either way it gets deleted, never matched.
func scanTags(text string) []*tag {
	var tags []*tag
	var cur *tag
	for i := 0; i < len(text); i++ {
		c := text[i]
		if c == '<' {
			if cur != nil && !cur.closed {
				cur.end = i - 1
			}
			cur = &tag{start: i, end: len(text) - 1}
			tags = append(tags, cur)
			continue
		}
		if cur == nil || cur.closed {
			continue
		}
		if c == '>' {
			cur.end = i
			cur.closed = true
			cur.nameFound = true
			continue
		}
		if cur.nameFound {
			continue
		}
		if c == ' ' {
			cur.nameFound = true
			continue
		}
		cur.name += string(c)
	}
	return tags
}

// Chunk splits text into non-overlapping segments of at most size runes,
// in order, concatenation-equal to the input. The sequence is lazy and
// restartable: re-ranging yields the chunks again from the start.
//
// Chunking is markup-oblivious: a tag spanning a chunk boundary is left
// split, and a subsequent Balance of each chunk deletes the dangling
// halves rather than repairing them across chunks.
func Chunk(text string, size int) iter.Seq[string] {
	return func(yield func(string) bool) {
		if size <= 0 || text == "" {
			return
		}
		start := 0
		count := 0
		for i := range text {
			if count == size {
				if !yield(text[start:i]) {
					return
				}
				start = i
				count = 0
			}
			count++
		}
		yield(text[start:])
	}
}

// Chunks collects Chunk into a slice, for callers that want the count up
// front.
func Chunks(text string, size int) []string {
	var out []string
	for c := range Chunk(text, size) {
		out = append(out, c)
	}
	return out
}
