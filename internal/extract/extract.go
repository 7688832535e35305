// Package extract fetches a prospect's website and reduces it to bounded
// plain text for the brief prompt. Failures are returned as bracketed
// diagnostic strings, never as errors, because the result is always spliced
// into the prompt verbatim.
package extract

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"regexp"
	"strings"
	"time"
	"unicode/utf8"

	"go.uber.org/zap"
	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"
)

const (
	DefaultTimeout   = 10 * time.Second
	DefaultMaxChars  = 12000
	DefaultUserAgent = "Mozilla/5.0 (compatible; AnvilCRM/1.0; +https://www.anvil-online.com)"

	TruncatedSuffix = "\n\n[Content truncated]"
	EmptyContent    = "[Website returned empty content]"

	maxBodyBytes = 4 << 20
)

type Config struct {
	Timeout   time.Duration
	UserAgent string
	MaxChars  int
	// Client overrides the HTTP client; its Timeout is replaced by Timeout.
	Client *http.Client
	Logger *zap.Logger
}

type Extractor struct {
	client    *http.Client
	userAgent string
	maxChars  int
	logger    *zap.Logger
}

func New(cfg Config) *Extractor {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.UserAgent == "" {
		cfg.UserAgent = DefaultUserAgent
	}
	if cfg.MaxChars <= 0 {
		cfg.MaxChars = DefaultMaxChars
	}
	client := &http.Client{}
	if cfg.Client != nil {
		copied := *cfg.Client
		client = &copied
	}
	client.Timeout = cfg.Timeout
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Extractor{
		client:    client,
		userAgent: cfg.UserAgent,
		maxChars:  cfg.MaxChars,
		logger:    logger,
	}
}

// Extract returns the cleaned text of the page at target, or a diagnostic of
// the form "[Could not fetch website: ...]".
func (e *Extractor) Extract(ctx context.Context, target string) string {
	fullURL := NormalizeURL(target)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, fullURL, nil)
	if err != nil {
		return couldNotFetch(err.Error())
	}
	req.Header.Set("User-Agent", e.userAgent)
	req.Header.Set("Accept", "text/html,application/xhtml+xml")

	resp, err := e.client.Do(req)
	if err != nil {
		e.logger.Info("website fetch failed", zap.String("url", fullURL), zap.Error(err))
		return couldNotFetch(transportMessage(err))
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		e.logger.Info("website returned error status", zap.String("url", fullURL), zap.Int("status", resp.StatusCode))
		return couldNotFetch(fmt.Sprintf("HTTP %d", resp.StatusCode))
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return couldNotFetch(transportMessage(err))
	}

	text := Truncate(Clean(string(body)), e.maxChars)
	if text == "" {
		return EmptyContent
	}
	return text
}

// NormalizeURL prefixes https:// unless target already starts with "http".
func NormalizeURL(target string) string {
	target = strings.TrimSpace(target)
	if strings.HasPrefix(target, "http") {
		return target
	}
	return "https://" + target
}

func couldNotFetch(msg string) string {
	return "[Could not fetch website: " + msg + "]"
}

func transportMessage(err error) string {
	var urlErr *url.Error
	if errors.As(err, &urlErr) && urlErr.Err != nil {
		err = urlErr.Err
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return "request timed out"
	}
	return err.Error()
}

var blockTags = map[atom.Atom]bool{
	atom.Div: true, atom.P: true, atom.Li: true, atom.Tr: true, atom.Br: true, atom.Hr: true,
	atom.H1: true, atom.H2: true, atom.H3: true, atom.H4: true, atom.H5: true, atom.H6: true,
	atom.Section: true, atom.Article: true, atom.Header: true, atom.Footer: true,
	atom.Nav: true, atom.Main: true, atom.Aside: true, atom.Blockquote: true,
}

var droppedTags = map[atom.Atom]bool{
	atom.Script: true, atom.Style: true, atom.Noscript: true,
}

// Applied in order, so "&amp;lt;" decodes to "<".
var entities = [][2]string{
	{"&amp;", "&"},
	{"&lt;", "<"},
	{"&gt;", ">"},
	{"&quot;", `"`},
	{"&#39;", "'"},
	{"&nbsp;", " "},
}

var (
	numericEntityRe = regexp.MustCompile(`&#\d+;`)
	namedEntityRe   = regexp.MustCompile(`&\w+;`)
	spaceRunRe      = regexp.MustCompile(`[ \t]+`)
	blankLinesRe    = regexp.MustCompile(`\n\s*\n`)
)

// Clean strips markup from an HTML document. Script, style and noscript
// bodies and comments are dropped, block-level tags become newlines and all
// other tags become spaces. Only a fixed set of entities is decoded; any
// other entity becomes a space.
func Clean(document string) string {
	var b strings.Builder
	z := html.NewTokenizer(strings.NewReader(document))
	dropped := 0
	for {
		tt := z.Next()
		switch tt {
		case html.ErrorToken:
			return collapse(decodeEntities(b.String()))
		case html.CommentToken, html.DoctypeToken:
			continue
		case html.TextToken:
			if dropped == 0 {
				b.Write(z.Raw())
			}
		case html.StartTagToken, html.EndTagToken, html.SelfClosingTagToken:
			name, _ := z.TagName()
			tag := atom.Lookup(name)
			if droppedTags[tag] {
				switch {
				case tt == html.StartTagToken:
					dropped++
				case tt == html.EndTagToken && dropped > 0:
					dropped--
				}
				continue
			}
			if dropped > 0 {
				continue
			}
			if blockTags[tag] {
				b.WriteByte('\n')
			} else {
				b.WriteByte(' ')
			}
		}
	}
}

func decodeEntities(text string) string {
	for _, pair := range entities {
		text = strings.ReplaceAll(text, pair[0], pair[1])
	}
	text = numericEntityRe.ReplaceAllString(text, " ")
	return namedEntityRe.ReplaceAllString(text, " ")
}

func collapse(text string) string {
	text = spaceRunRe.ReplaceAllString(text, " ")
	text = blankLinesRe.ReplaceAllString(text, "\n\n")
	return strings.TrimSpace(text)
}

// Truncate cuts text to maxChars characters and appends TruncatedSuffix when
// anything was removed.
func Truncate(text string, maxChars int) string {
	if maxChars <= 0 || utf8.RuneCountInString(text) <= maxChars {
		return text
	}
	n := 0
	for i := range text {
		if n == maxChars {
			return text[:i] + TruncatedSuffix
		}
		n++
	}
	return text
}
