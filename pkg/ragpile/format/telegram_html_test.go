package format

import "testing"

func TestToTelegramHTML(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name  string
		input string
		want  string
	}{
		{"plain", "hello", "hello"},
		{"bold", "**bold**", "<b>bold</b>"},
		{"underscore bold", "__bold__", "<b>bold</b>"},
		{"italic", "*italic*", "<i>italic</i>"},
		{"strike", "~~gone~~", "<s>gone</s>"},
		{"inline code", "run `ls` now", "run <code>ls</code> now"},
		{"code block", "```go\nfmt.Println()\n```", "<pre>fmt.Println()</pre>"},
		{"escapes html", "a < b & c > d", "a &lt; b &amp; c &gt; d"},
		{"mixed", "**a** and *b*", "<b>a</b> and <i>b</i>"},
		{"unterminated left alone", "**dangling", "**dangling"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if got := ToTelegramHTML(tt.input); got != tt.want {
				t.Errorf("ToTelegramHTML(%q) = %q, want %q", tt.input, got, tt.want)
			}
		})
	}
}

func TestToTelegramHTML_OutputBalances(t *testing.T) {
	t.Parallel()

	// Whatever the conversion emits must survive Balance unchanged when
	// the Markdown was well formed.
	in := "**bold** then *italic* and `code`"
	html := ToTelegramHTML(in)
	if got := Balance(html); got != html {
		t.Errorf("Balance altered converted output: %q -> %q", html, got)
	}
}
