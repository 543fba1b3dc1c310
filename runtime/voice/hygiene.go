package voice

import (
	"regexp"
	"strings"
	"unicode"
)

var (
	toolCodeFenceRe = regexp.MustCompile("(?s)```tool_code.*?```")
	defaultAPIRe    = regexp.MustCompile(`default_api\.\w+\([^)]*\)`)
	multiSpaceRe    = regexp.MustCompile(` {2,}`)
)

// Stripper removes angle-bracket command tags, tool_code fences, and
// default_api leakage from LLM text deltas as they stream in, per the
// utterance hygiene rules applied before every chunk reaches TTS. Tags may
// be split arbitrarily across Feed calls; Stripper buffers an open tag
// until it closes (or Flush is called) so a tag never leaks partial text.
type Stripper struct {
	pending          string
	lastEmittedSpace bool
	sawAnyOutput     bool
}

// NewStripper returns a ready-to-use Stripper.
func NewStripper() *Stripper {
	return &Stripper{}
}

// Feed appends chunk to the buffered stream and returns the portion that is
// now safe to emit to TTS: every complete command tag, tool_code fence, and
// default_api call is stripped, consecutive spaces created by stripping are
// collapsed to one, and text belonging to a still-open tag is held back for
// the next Feed or Flush call.
func (s *Stripper) Feed(chunk string) string {
	buf := s.pending + chunk
	safe, rest := splitAtOpenTag(buf)
	s.pending = rest
	return s.emit(safe)
}

// Flush returns any text still buffered, treating an unterminated trailing
// tag as noise to drop (the stream ended before the model closed it).
func (s *Stripper) Flush() string {
	buf := s.pending
	s.pending = ""
	if buf == "" {
		return ""
	}
	if idx := strings.IndexByte(buf, '<'); idx >= 0 {
		buf = buf[:idx]
	}
	return s.emit(buf)
}

// emit cleans a fragment known to contain no unterminated tag and appends it
// to the running output, collapsing a leading space when the previously
// emitted text already ended in whitespace so stripping never produces a
// double space.
func (s *Stripper) emit(fragment string) string {
	cleaned := clean(fragment)
	if cleaned == "" {
		return ""
	}
	if s.lastEmittedSpace {
		cleaned = strings.TrimLeft(cleaned, " ")
	}
	if cleaned == "" {
		return ""
	}
	s.lastEmittedSpace = strings.HasSuffix(cleaned, " ")
	s.sawAnyOutput = true
	return cleaned
}

// clean strips tool_code fences, default_api leakage, and complete
// angle-bracket tags from text that contains no unterminated tag, then
// collapses any run of spaces the substitutions introduced.
func clean(text string) string {
	text = toolCodeFenceRe.ReplaceAllString(text, "")
	text = defaultAPIRe.ReplaceAllString(text, "")
	text = stripCompleteTags(text)
	text = multiSpaceRe.ReplaceAllString(text, " ")
	return text
}

var commandTagRe = regexp.MustCompile(`<[^<>]*>`)

func stripCompleteTags(text string) string {
	return commandTagRe.ReplaceAllString(text, " ")
}

// splitAtOpenTag scans buf for an unterminated "<...>" tag at the end and
// returns the text before it (safe to clean and emit now) and the
// unterminated remainder (held back until it closes).
func splitAtOpenTag(buf string) (safe, rest string) {
	depth := 0
	tagStart := -1
	for i, r := range buf {
		switch r {
		case '<':
			if depth == 0 {
				depth = 1
				tagStart = i
			}
		case '>':
			if depth == 1 {
				depth = 0
				tagStart = -1
			}
		}
	}
	if depth == 1 && tagStart >= 0 {
		return buf[:tagStart], buf[tagStart:]
	}
	return buf, ""
}

// StripCommandTags is the non-streaming form used where a complete string
// (not a chunk stream) needs hygiene applied in one pass, e.g. replaying a
// stored transcript entry.
func StripCommandTags(text string) string {
	s := NewStripper()
	out := s.Feed(text)
	return out + s.Flush()
}

// TransliterateForTTS prepares text for a TTS retry after a provider rejects
// the original payload with "no audio frames were pushed": non-ASCII
// segments are transliterated to their closest ASCII form and ampersands are
// spelled out, since some TTS providers silently drop frames for input they
// cannot synthesize.
func TransliterateForTTS(text string) string {
	text = strings.ReplaceAll(text, "&", " and ")
	text = multiSpaceRe.ReplaceAllString(text, " ")
	var b strings.Builder
	b.Grow(len(text))
	for _, r := range text {
		if r <= unicode.MaxASCII {
			b.WriteRune(r)
			continue
		}
		if ascii, ok := asciiFold[r]; ok {
			b.WriteString(ascii)
			continue
		}
		// Unknown non-ASCII rune: drop it rather than emit bytes the TTS
		// provider already rejected once.
	}
	return strings.TrimSpace(b.String())
}

// asciiFold covers the accented Latin characters most likely to appear in
// customer names and addresses; anything else falls back to being dropped.
var asciiFold = map[rune]string{
	'á': "a", 'à': "a", 'ä': "a", 'â': "a", 'ã': "a", 'å': "a",
	'é': "e", 'è': "e", 'ë': "e", 'ê': "e",
	'í': "i", 'ì': "i", 'ï': "i", 'î': "i",
	'ó': "o", 'ò': "o", 'ö': "o", 'ô': "o", 'õ': "o",
	'ú': "u", 'ù': "u", 'ü': "u", 'û': "u",
	'ñ': "n", 'ç': "c",
	'Á': "A", 'À': "A", 'Ä': "A", 'Â': "A", 'Ã': "A", 'Å': "A",
	'É': "E", 'È': "E", 'Ë': "E", 'Ê': "E",
	'Í': "I", 'Ì': "I", 'Ï': "I", 'Î': "I",
	'Ó': "O", 'Ò': "O", 'Ö': "O", 'Ô': "O", 'Õ': "O",
	'Ú': "U", 'Ù': "U", 'Ü': "U", 'Û': "U",
	'Ñ': "N", 'Ç': "C",
}
