// Package selector turns DOM elements into durable locator strings and back.
//
// A locator is a chain of compound CSS selectors joined by the child
// combinator, rooted at body, html or the nearest element with a unique id:
//
//	body > main.content > ul.list:nth-of-type(2) > li:nth-of-type(3)
//	#sidebar > a.btn.primary
//
// Resolution never fails. When the page has mutated since encoding, Resolve
// drops outer segments, then falls back to the trailing tag, then the trailing
// class, and finally to the document body.
package selector

import (
	"slices"
	"strconv"
	"strings"

	"github.com/andybalholm/cascadia"
	"golang.org/x/net/html"
)

const separator = " > "

type Strategy int

const (
	StrategyExact Strategy = iota
	StrategySuffix
	StrategyTag
	StrategyClass
	StrategyFallback
)

func (s Strategy) String() string {
	switch s {
	case StrategyExact:
		return "exact"
	case StrategySuffix:
		return "suffix"
	case StrategyTag:
		return "tag"
	case StrategyClass:
		return "class"
	default:
		return "fallback"
	}
}

type Resolution struct {
	Node     *html.Node
	Strategy Strategy
}

// Degraded reports whether the locator no longer identified the node it was
// encoded from and the body was used instead.
func (r Resolution) Degraded() bool {
	return r.Strategy == StrategyFallback
}

func Encode(element *html.Node) string {
	if element == nil || element.Type != html.ElementNode {
		return "body"
	}

	root := rootOf(element)

	var segments []string
	for n := element; n != nil && n.Type == html.ElementNode; n = n.Parent {
		if n.Data == "body" || n.Data == "html" {
			segments = append(segments, n.Data)
			break
		}

		if id := attr(n, "id"); id != "" && countById(root, id) == 1 {
			segments = append(segments, "#"+Escape(id))
			break
		}

		segments = append(segments, segmentOf(n))
	}

	slices.Reverse(segments)

	return strings.Join(segments, separator)
}

// Decode returns the element locator points at in doc. doc must be a parsed
// document; for one the result is never nil.
func Decode(doc *html.Node, locator string) *html.Node {
	return Resolve(doc, locator).Node
}

// Resolve is Decode reporting which strategy found the node. A nil doc
// resolves to a nil node with StrategyFallback.
func Resolve(doc *html.Node, locator string) Resolution {
	segments := splitLocator(locator)

	for i := range segments {
		matches := queryAll(doc, strings.Join(segments[i:], separator))
		if len(matches) != 1 {
			continue
		}

		strategy := StrategyExact
		if i > 0 {
			strategy = StrategySuffix
		}

		return Resolution{Node: matches[0], Strategy: strategy}
	}

	if len(segments) > 0 {
		tag, classes := parseSegment(segments[len(segments)-1])

		if tag != "" && tag != "*" {
			if matches := queryAll(doc, tag); len(matches) > 0 {
				return Resolution{Node: matches[0], Strategy: StrategyTag}
			}
		}

		if len(classes) > 0 {
			if matches := queryAll(doc, "."+classes[len(classes)-1]); len(matches) > 0 {
				return Resolution{Node: matches[0], Strategy: StrategyClass}
			}
		}
	}

	return Resolution{Node: Body(doc), Strategy: StrategyFallback}
}

// Body returns the body element of doc, or the outermost element when the
// tree has no body.
func Body(doc *html.Node) *html.Node {
	if doc == nil {
		return nil
	}

	var first *html.Node
	var body *html.Node
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if body != nil {
			return
		}
		if n.Type == html.ElementNode {
			if first == nil {
				first = n
			}
			if n.Data == "body" {
				body = n
				return
			}
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(doc)

	if body != nil {
		return body
	}
	if first != nil {
		return first
	}

	return doc
}

func segmentOf(n *html.Node) string {
	// Type selectors match lowercased names, so foreign elements such as
	// SVG's foreignObject are located by position among all siblings.
	if n.Data != strings.ToLower(n.Data) {
		return segmentByPosition(n)
	}

	var b strings.Builder
	b.WriteString(Escape(n.Data))

	classes := strings.Fields(attr(n, "class"))
	slices.Sort(classes)
	for _, class := range slices.Compact(classes) {
		b.WriteByte('.')
		b.WriteString(Escape(class))
	}

	if position, total := typePosition(n); total > 1 {
		b.WriteString(":nth-of-type(")
		b.WriteString(strconv.Itoa(position))
		b.WriteByte(')')
	}

	return b.String()
}

func segmentByPosition(n *html.Node) string {
	var b strings.Builder
	b.WriteString("*")

	classes := strings.Fields(attr(n, "class"))
	slices.Sort(classes)
	for _, class := range slices.Compact(classes) {
		b.WriteByte('.')
		b.WriteString(Escape(class))
	}

	b.WriteString(":nth-child(")
	b.WriteString(strconv.Itoa(childPosition(n)))
	b.WriteByte(')')

	return b.String()
}

// childPosition returns the 1-based index of n among its element siblings.
func childPosition(n *html.Node) int {
	if n.Parent == nil {
		return 1
	}

	position := 0
	for c := n.Parent.FirstChild; c != nil; c = c.NextSibling {
		if c.Type != html.ElementNode {
			continue
		}
		position++
		if c == n {
			break
		}
	}

	return position
}

// typePosition returns the 1-based index of n among its element siblings
// sharing its tag name, and how many such siblings there are.
func typePosition(n *html.Node) (int, int) {
	if n.Parent == nil {
		return 1, 1
	}

	position, total := 0, 0
	for c := n.Parent.FirstChild; c != nil; c = c.NextSibling {
		if c.Type != html.ElementNode || c.Data != n.Data {
			continue
		}
		total++
		if c == n {
			position = total
		}
	}

	return position, total
}

func splitLocator(locator string) []string {
	var segments []string
	for _, part := range strings.Split(locator, separator) {
		part = strings.TrimSpace(part)
		if part != "" {
			segments = append(segments, part)
		}
	}

	return segments
}

// parseSegment splits a compound selector into its (escaped) tag name and
// class names, ignoring id and pseudo-class parts.
func parseSegment(segment string) (string, []string) {
	var tag string
	var classes []string

	kind := byte(0)
	var current strings.Builder

	flush := func() {
		switch kind {
		case 0:
			tag = current.String()
		case '.':
			if current.Len() > 0 {
				classes = append(classes, current.String())
			}
		}
		current.Reset()
	}

	for i := 0; i < len(segment); i++ {
		c := segment[i]
		if c == '\\' && i+1 < len(segment) {
			current.WriteByte(c)
			current.WriteByte(segment[i+1])
			i++
			continue
		}

		if c == '.' || c == '#' || c == ':' || c == '[' {
			flush()
			kind = c
			continue
		}

		current.WriteByte(c)
	}
	flush()

	return tag, classes
}

func queryAll(doc *html.Node, selector string) []*html.Node {
	if doc == nil || selector == "" {
		return nil
	}

	compiled, err := cascadia.Compile(selector)
	if err != nil {
		return nil
	}

	return compiled.MatchAll(doc)
}

func rootOf(n *html.Node) *html.Node {
	for n.Parent != nil {
		n = n.Parent
	}

	return n
}

func countById(root *html.Node, id string) int {
	count := 0
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.ElementNode && attr(n, "id") == id {
			count++
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(root)

	return count
}

func attr(n *html.Node, key string) string {
	for _, a := range n.Attr {
		if a.Namespace == "" && a.Key == key {
			return a.Val
		}
	}

	return ""
}
