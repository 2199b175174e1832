package playlist

import (
	"fmt"
	"net/url"
	"strings"
)

const (
	keyTag  = "#EXT-X-KEY:"
	uriAttr = "URI="
)

// Rewriter rewrites playlist lines so every URI they carry points at
// proxyOrigin+proxyPath with the absolute upstream URL in the url query
// parameter.
type Rewriter struct {
	base        *url.URL
	proxyOrigin string
	proxyPath   string
}

// NewRewriter creates a Rewriter resolving relative references against baseURL.
func NewRewriter(baseURL, proxyOrigin, proxyPath string) (*Rewriter, error) {
	base, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("parse base url: %w", err)
	}
	return &Rewriter{base: base, proxyOrigin: proxyOrigin, proxyPath: proxyPath}, nil
}

// Rewrite is shorthand for NewRewriter followed by Rewriter.Rewrite.
func Rewrite(body, baseURL, proxyOrigin, proxyPath string) (string, error) {
	rw, err := NewRewriter(baseURL, proxyOrigin, proxyPath)
	if err != nil {
		return "", err
	}
	return rw.Rewrite(body)
}

// Rewrite returns body with every segment, variant and key URI proxied.
// Output has the same number of lines in the same order; tags, comments and
// blank lines are kept byte for byte, as are line endings. Any reference that
// fails to resolve aborts the whole rewrite.
func (rw *Rewriter) Rewrite(body string) (string, error) {
	lines := strings.Split(body, "\n")
	for i, line := range lines {
		content, crlf := strings.CutSuffix(line, "\r")
		out, err := rw.rewriteLine(content)
		if err != nil {
			return "", fmt.Errorf("line %d: %w", i+1, err)
		}
		if crlf {
			out += "\r"
		}
		lines[i] = out
	}
	return strings.Join(lines, "\n"), nil
}

func (rw *Rewriter) rewriteLine(line string) (string, error) {
	if strings.HasPrefix(line, keyTag) {
		return rw.rewriteKeyLine(line)
	}
	if strings.HasPrefix(line, "#") || strings.TrimSpace(line) == "" {
		return line, nil
	}
	return rw.proxyURL(strings.TrimSpace(line))
}

// rewriteKeyLine replaces the URI attribute value of an EXT-X-KEY tag with
// its proxied form, always double-quoted, and leaves every other byte alone.
func (rw *Rewriter) rewriteKeyLine(line string) (string, error) {
	pos := strings.Index(line, uriAttr)
	if pos < 0 {
		return line, nil
	}

	head := line[:pos+len(uriAttr)]
	rest := line[pos+len(uriAttr):]
	v, ok := ScanAttrValue(rest)
	if !ok {
		return line, nil
	}

	proxied, err := rw.proxyURL(v.Value)
	if err != nil {
		return "", err
	}

	var b strings.Builder
	b.Grow(len(line) + len(proxied))
	b.WriteString(head)
	b.WriteString(rest[:v.Start])
	b.WriteByte('"')
	b.WriteString(proxied)
	b.WriteByte('"')
	b.WriteString(rest[v.End:])
	return b.String(), nil
}

func (rw *Rewriter) proxyURL(ref string) (string, error) {
	u, err := url.Parse(cleanRef(ref))
	if err != nil {
		return "", fmt.Errorf("resolve %q: %w", ref, err)
	}
	abs := rw.base.ResolveReference(u).String()
	return rw.proxyOrigin + rw.proxyPath + "?url=" + encodeComponent(abs), nil
}

// cleanRef drops tabs and newlines from ref and percent-encodes stray '%'
// signs and other control bytes, so references browsers accept also parse here.
func cleanRef(ref string) string {
	var b strings.Builder
	b.Grow(len(ref))
	for i := 0; i < len(ref); i++ {
		c := ref[i]
		switch {
		case c == '\t' || c == '\n' || c == '\r':
		case c == '%' && !(i+2 < len(ref) && isHex(ref[i+1]) && isHex(ref[i+2])):
			b.WriteString("%25")
		case c < 0x20 || c == 0x7f:
			fmt.Fprintf(&b, "%%%02X", c)
		default:
			b.WriteByte(c)
		}
	}
	return b.String()
}

func isHex(c byte) bool {
	return ('0' <= c && c <= '9') || ('a' <= c && c <= 'f') || ('A' <= c && c <= 'F')
}

// encodeComponent percent-encodes s for use as a query value, leaving only
// ALPHA / DIGIT / "-" / "." / "_" / "~" unescaped.
func encodeComponent(s string) string {
	return strings.ReplaceAll(url.QueryEscape(s), "+", "%20")
}
