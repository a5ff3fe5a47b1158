// Package sanitize cleans HTML bodies coming from foreign services.
//
// Fragments are parsed with golang.org/x/net/html and rendered back, which
// balances unclosed tags and drops stray end tags.
package sanitize

import (
	"strings"

	"github.com/PuerkitoBio/goquery"
	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"
)

// preserveTags keep their bare newlines.
var preserveTags = map[string]bool{
	"pre":      true,
	"code":     true,
	"textarea": true,
	"table":    true,
	"lj-raw":   true,
}

func parse(s string) ([]*html.Node, *html.Node, error) {
	root := &html.Node{Type: html.ElementNode, Data: "div", DataAtom: atom.Div}
	nodes, err := html.ParseFragment(strings.NewReader(s), root)
	if err != nil {
		return nil, nil, err
	}
	for _, n := range nodes {
		root.AppendChild(n)
	}
	return nodes, root, nil
}

func render(root *html.Node) string {
	var sb strings.Builder
	for c := root.FirstChild; c != nil; c = c.NextSibling {
		if err := html.Render(&sb, c); err != nil {
			return ""
		}
	}
	return sb.String()
}

// Clean balances the markup of s.
func Clean(s string) string {
	if s == "" {
		return ""
	}
	_, root, err := parse(s)
	if err != nil {
		return html.EscapeString(s)
	}
	return render(root)
}

// FormatBody balances s and, unless preformatted, turns bare newlines into
// <br> outside pre, code, textarea, table and lj-raw elements.
func FormatBody(s string, preformatted bool) string {
	if s == "" {
		return ""
	}
	_, root, err := parse(s)
	if err != nil {
		return html.EscapeString(s)
	}
	if !preformatted {
		addBreaks(root)
	}
	return render(root)
}

func addBreaks(n *html.Node) {
	for c := n.FirstChild; c != nil; {
		next := c.NextSibling
		switch c.Type {
		case html.ElementNode:
			if !preserveTags[c.Data] {
				addBreaks(c)
			}
		case html.TextNode:
			if strings.Contains(c.Data, "\n") {
				lines := strings.Split(c.Data, "\n")
				for i, line := range lines {
					text := line
					if i > 0 {
						n.InsertBefore(&html.Node{Type: html.ElementNode, Data: "br", DataAtom: atom.Br}, c)
						text = "\n" + line
					}
					n.InsertBefore(&html.Node{Type: html.TextNode, Data: text}, c)
				}
				n.RemoveChild(c)
			}
		}
		c = next
	}
}

// Unwrap replaces every element named in tags with its children.
func Unwrap(s string, tags ...string) string {
	if s == "" || len(tags) == 0 {
		return s
	}
	_, root, err := parse(s)
	if err != nil {
		return s
	}
	drop := make(map[string]bool, len(tags))
	for _, t := range tags {
		drop[strings.ToLower(t)] = true
	}
	unwrap(root, drop)
	return render(root)
}

func unwrap(n *html.Node, drop map[string]bool) {
	for c := n.FirstChild; c != nil; {
		next := c.NextSibling
		if c.Type == html.ElementNode {
			unwrap(c, drop)
			if drop[c.Data] {
				for gc := c.FirstChild; gc != nil; {
					gnext := gc.NextSibling
					c.RemoveChild(gc)
					n.InsertBefore(gc, c)
					gc = gnext
				}
				n.RemoveChild(c)
			}
		}
		c = next
	}
}

// HasMarkup reports whether s contains any element.
func HasMarkup(s string) bool {
	if !strings.ContainsRune(s, '<') {
		return false
	}
	_, root, err := parse(s)
	if err != nil {
		return false
	}
	var found bool
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		for c := n.FirstChild; c != nil && !found; c = c.NextSibling {
			if c.Type == html.ElementNode {
				found = true
				return
			}
			walk(c)
		}
	}
	walk(root)
	return found
}

// Text returns the text content of an HTML fragment.
func Text(s string) string {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(s))
	if err != nil {
		return s
	}
	return doc.Find("body").Text()
}

// StripReblogQuote removes the quoted original and its attribution line
// that TypePad puts at the top of a reblog.
func StripReblogQuote(s string) string {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(s))
	if err != nil {
		return s
	}
	body := doc.Find("body")
	first := body.Children().First()
	if goquery.NodeName(first) != "blockquote" {
		return s
	}
	next := first.Next()
	first.Remove()
	if goquery.NodeName(next) == "p" && next.Find("small").Length() > 0 {
		next.Remove()
	}
	out, err := body.Html()
	if err != nil {
		return s
	}
	return strings.TrimSpace(out)
}
