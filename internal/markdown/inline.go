package markdown

import (
	"regexp"
	"sort"
)

type SpanKind string

const (
	SpanText   SpanKind = "text"
	SpanBold   SpanKind = "bold"
	SpanItalic SpanKind = "italic"
	SpanCode   SpanKind = "code"
	SpanLink   SpanKind = "link"
)

type Span struct {
	Kind SpanKind `json:"kind"`
	Text string   `json:"text"`
	URL  string   `json:"url,omitempty"`
}

type inlinePattern struct {
	kind SpanKind
	re   *regexp.Regexp
	// anchored patterns are tried at every occurrence of lead instead of
	// once over the whole text, so a candidate is not hidden behind an
	// earlier overlapping match of the same pattern.
	anchored bool
	lead     byte
}

// Collection order matters only for stable tie-breaking between candidates
// with identical start and length.
var inlinePatterns = []inlinePattern{
	{kind: SpanBold, re: regexp.MustCompile(`\*\*(.+?)\*\*`)},
	{kind: SpanCode, re: regexp.MustCompile("`(.+?)`")},
	{kind: SpanLink, re: regexp.MustCompile(`\[(.+?)\]\((.+?)\)`)},
	{kind: SpanItalic, re: regexp.MustCompile(`^\*([^*]+)\*`), anchored: true, lead: '*'},
}

type candidate struct {
	kind  SpanKind
	start int
	end   int
	text  string
	url   string
}

// Inline splits text into styled spans. Every pattern is matched over the
// whole input first; candidates are then ordered by start (longest first on
// ties) and any candidate starting before the end of the last accepted one
// is discarded, so styles never nest or overlap.
func Inline(text string) []Span {
	if text == "" {
		return nil
	}

	var candidates []candidate
	for _, pattern := range inlinePatterns {
		for _, loc := range matches(pattern, text) {
			c := candidate{
				kind:  pattern.kind,
				start: loc[0],
				end:   loc[1],
				text:  text[loc[2]:loc[3]],
			}
			if pattern.kind == SpanLink {
				c.url = text[loc[4]:loc[5]]
			}
			candidates = append(candidates, c)
		}
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		if candidates[i].start != candidates[j].start {
			return candidates[i].start < candidates[j].start
		}
		return candidates[i].end-candidates[i].start > candidates[j].end-candidates[j].start
	})

	spans := []Span{}
	cursor := 0
	for _, c := range candidates {
		if c.start < cursor {
			continue
		}
		if c.start > cursor {
			spans = append(spans, Span{Kind: SpanText, Text: text[cursor:c.start]})
		}
		spans = append(spans, Span{Kind: c.kind, Text: c.text, URL: c.url})
		cursor = c.end
	}
	if cursor < len(text) {
		spans = append(spans, Span{Kind: SpanText, Text: text[cursor:]})
	}
	return spans
}

// matches returns submatch index slices relative to text. The anchored italic
// pattern stops at the next '*', so trying it at every '*' stays linear.
func matches(pattern inlinePattern, text string) [][]int {
	if !pattern.anchored {
		return pattern.re.FindAllStringSubmatchIndex(text, -1)
	}
	var out [][]int
	for i := 0; i < len(text); i++ {
		if text[i] != pattern.lead {
			continue
		}
		loc := pattern.re.FindStringSubmatchIndex(text[i:])
		if loc == nil {
			continue
		}
		for j := range loc {
			if loc[j] >= 0 {
				loc[j] += i
			}
		}
		out = append(out, loc)
	}
	return out
}
