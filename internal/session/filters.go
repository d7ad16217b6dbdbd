package session

import (
	"strings"
	"unicode"
)

// Recognizers emit annotation tokens instead of words when a segment
// carries no usable speech. A transcript that reduces to such tokens
// is treated as empty and short-circuits the cycle.
var blankMarkers = []string{
	"[blank_audio]",
	"[no_speech]",
	"[silence]",
	"[inaudible]",
	"[music]",
	"(silence)",
	"(music)",
	"(upbeat music)",
	"(laughter)",
}

// BlankTranscript reports whether a recognizer result contains no
// usable speech.
func BlankTranscript(text string) bool {
	t := strings.ToLower(strings.TrimSpace(text))
	if t == "" {
		return true
	}
	for _, m := range blankMarkers {
		t = strings.ReplaceAll(t, m, "")
	}
	t = strings.TrimFunc(t, func(r rune) bool {
		return unicode.IsSpace(r) || unicode.IsPunct(r)
	})
	return t == ""
}

// Rewriter models sometimes refuse outright instead of rewriting.
// Output that opens with one of these refusals, or that carries the
// [no_speech] token, is discarded and handled like an empty rewrite.
var refusalPrefixes = []string{
	"i'm sorry",
	"i am sorry",
	"i cannot",
	"i can't",
	"as an ai",
	"sorry,",
}

// InvalidRewrite reports whether a rewriter result must be treated as
// empty output.
func InvalidRewrite(text string) bool {
	t := strings.ToLower(strings.TrimSpace(text))
	if t == "" {
		return true
	}
	if strings.Contains(t, "[no_speech]") {
		return true
	}
	for _, p := range refusalPrefixes {
		if strings.HasPrefix(t, p) {
			return true
		}
	}
	return false
}
