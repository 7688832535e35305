// Package markdown renders the restricted markdown subset produced by the
// brief generator into a tree of display nodes.
//
// Block syntax: headings (#, ##, ###), thematic breaks, unordered and
// ordered lists, blockquotes and paragraphs. Inline syntax: **bold**,
// *italic*, `code` and [links](url). Anything else is paragraph text.
package markdown

import (
	"regexp"
	"strings"
)

type NodeKind string

const (
	KindHeading    NodeKind = "heading"
	KindParagraph  NodeKind = "paragraph"
	KindList       NodeKind = "list"
	KindBlockquote NodeKind = "blockquote"
	KindRule       NodeKind = "rule"
)

// Node is one block-level display element. Spans is set for headings,
// paragraphs and blockquotes; Items for lists.
type Node struct {
	Kind    NodeKind `json:"kind"`
	Level   int      `json:"level,omitempty"`
	Ordered bool     `json:"ordered,omitempty"`
	Spans   []Span   `json:"spans,omitempty"`
	Items   [][]Span `json:"items,omitempty"`
}

var (
	ruleRe      = regexp.MustCompile(`^[-*_]{3,}$`)
	bulletRe    = regexp.MustCompile(`^\s*[-*+]\s`)
	bulletStrip = regexp.MustCompile(`^\s*[-*+]\s+`)
	orderedRe   = regexp.MustCompile(`^\s*\d+[.)]\s`)
	orderStrip  = regexp.MustCompile(`^\s*\d+[.)]\s+`)
)

// Render converts md into display nodes. It never fails: unrecognised
// syntax becomes paragraph text and empty input yields no nodes.
func Render(md string) []Node {
	lines := strings.Split(md, "\n")
	nodes := []Node{}
	i := 0
	for i < len(lines) {
		line := lines[i]

		if strings.TrimSpace(line) == "" {
			i++
			continue
		}

		if level, text, ok := heading(line); ok {
			nodes = append(nodes, Node{Kind: KindHeading, Level: level, Spans: Inline(text)})
			i++
			continue
		}

		if ruleRe.MatchString(strings.TrimSpace(line)) {
			nodes = append(nodes, Node{Kind: KindRule})
			i++
			continue
		}

		if bulletRe.MatchString(line) {
			var items [][]Span
			for i < len(lines) && bulletRe.MatchString(lines[i]) {
				items = append(items, Inline(bulletStrip.ReplaceAllString(lines[i], "")))
				i++
			}
			nodes = append(nodes, Node{Kind: KindList, Items: items})
			continue
		}

		if orderedRe.MatchString(line) {
			var items [][]Span
			for i < len(lines) && orderedRe.MatchString(lines[i]) {
				items = append(items, Inline(orderStrip.ReplaceAllString(lines[i], "")))
				i++
			}
			nodes = append(nodes, Node{Kind: KindList, Ordered: true, Items: items})
			continue
		}

		if strings.HasPrefix(line, "> ") {
			var quoted []string
			for i < len(lines) && strings.HasPrefix(lines[i], "> ") {
				quoted = append(quoted, lines[i][2:])
				i++
			}
			nodes = append(nodes, Node{Kind: KindBlockquote, Spans: Inline(strings.Join(quoted, " "))})
			continue
		}

		var para []string
		for i < len(lines) && !startsBlock(lines[i]) {
			para = append(para, lines[i])
			i++
		}
		if len(para) == 0 {
			// A line starting with '#' that is not a valid heading would
			// otherwise stall the scan.
			para = append(para, line)
			i++
		}
		nodes = append(nodes, Node{Kind: KindParagraph, Spans: Inline(strings.Join(para, " "))})
	}
	return nodes
}

// heading maps "# " to level 2, "## " to 3 and "### " to 4. Level 1 belongs
// to the page chrome around the rendered brief.
func heading(line string) (int, string, bool) {
	switch {
	case strings.HasPrefix(line, "### "):
		return 4, line[4:], true
	case strings.HasPrefix(line, "## "):
		return 3, line[3:], true
	case strings.HasPrefix(line, "# "):
		return 2, line[2:], true
	}
	return 0, "", false
}

func startsBlock(line string) bool {
	return strings.TrimSpace(line) == "" ||
		strings.HasPrefix(line, "#") ||
		strings.HasPrefix(line, "> ") ||
		bulletRe.MatchString(line) ||
		orderedRe.MatchString(line) ||
		ruleRe.MatchString(strings.TrimSpace(line))
}

// PlainText flattens nodes back into text, one block per line.
func PlainText(nodes []Node) string {
	var b strings.Builder
	for i, node := range nodes {
		if i > 0 {
			b.WriteByte('\n')
		}
		switch node.Kind {
		case KindRule:
			b.WriteString("---")
		case KindList:
			for j, item := range node.Items {
				if j > 0 {
					b.WriteByte('\n')
				}
				b.WriteString(spansText(item))
			}
		default:
			b.WriteString(spansText(node.Spans))
		}
	}
	return b.String()
}

func spansText(spans []Span) string {
	var b strings.Builder
	for _, span := range spans {
		b.WriteString(span.Text)
	}
	return b.String()
}
