package selector

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/net/html"
)

const page = `<!DOCTYPE html>
<html>
<head><title>Pricing</title></head>
<body>
  <header class="top nav"><a href="/">Home</a><a href="/pricing">Pricing</a></header>
  <main>
    <section class="plans">
      <div class="plan card"><h2>Free</h2><p>0</p></div>
      <div class="card plan featured"><h2>Pro</h2><p>10</p></div>
      <div class="plan card"><h2>Team</h2><p>20</p></div>
    </section>
    <div id="faq"><ul><li>One</li><li>Two</li></ul></div>
    <div id="dup">a</div><div id="dup">b</div>
    <span id="1st">digit</span>
  </main>
</body>
</html>`

const drawing = `<html><body><figure class="chart">
  <svg><defs><linearGradient id="g1"></linearGradient><clipPath></clipPath><clipPath class="mask"></clipPath></defs>
  <foreignObject><p>label</p></foreignObject><textPath></textPath></svg>
</figure></body></html>`

func parse(t *testing.T, source string) *html.Node {
	t.Helper()

	doc, err := html.Parse(strings.NewReader(source))
	require.NoError(t, err)

	return doc
}

func elements(doc *html.Node) []*html.Node {
	var result []*html.Node
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.ElementNode {
			result = append(result, n)
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(doc)

	return result
}

func find(t *testing.T, doc *html.Node, selector string) *html.Node {
	t.Helper()

	matches := queryAll(doc, selector)
	require.NotEmpty(t, matches, selector)

	return matches[0]
}

func TestEncode(t *testing.T) {
	doc := parse(t, page)

	t.Run("body and html", func(t *testing.T) {
		assert.Equal(t, "body", Encode(find(t, doc, "body")))
		assert.Equal(t, "html", Encode(find(t, doc, "html")))
	})

	t.Run("sorted classes and ordinal", func(t *testing.T) {
		featured := find(t, doc, ".featured")

		assert.Equal(t,
			"body > main > section.plans > div.card.featured.plan:nth-of-type(2)",
			Encode(featured))
	})

	t.Run("unique id terminates the walk", func(t *testing.T) {
		second := find(t, doc, "#faq li:nth-of-type(2)")

		assert.Equal(t, "#faq > ul > li:nth-of-type(2)", Encode(second))
	})

	t.Run("duplicate id is not used", func(t *testing.T) {
		dup := find(t, doc, "main > div:nth-of-type(3)")

		assert.Equal(t, "body > main > div:nth-of-type(3)", Encode(dup))
	})

	t.Run("id needing escape", func(t *testing.T) {
		span := find(t, doc, "span")

		assert.Equal(t, `#\31 st`, Encode(span))
	})

	t.Run("camel case svg element", func(t *testing.T) {
		svg := parse(t, drawing)

		var foreign *html.Node
		for _, element := range elements(svg) {
			if element.Data == "foreignObject" {
				foreign = element
			}
		}
		require.NotNil(t, foreign)

		assert.Equal(t, "body > figure.chart > svg > *:nth-child(2)", Encode(foreign))
		assert.Equal(t, "#g1", Encode(find(t, svg, "#g1")))
	})

	t.Run("non element", func(t *testing.T) {
		assert.Equal(t, "body", Encode(nil))
		assert.Equal(t, "body", Encode(doc))
	})
}

func TestDecodeRoundTrip(t *testing.T) {
	for _, source := range []string{page, drawing} {
		doc := parse(t, source)

		for _, element := range elements(doc) {
			locator := Encode(element)
			resolution := Resolve(doc, locator)

			assert.Same(t, element, resolution.Node, locator)
			assert.Equal(t, StrategyExact, resolution.Strategy, locator)
		}
	}
}

func TestResolveDegraded(t *testing.T) {
	t.Run("outer structure changed", func(t *testing.T) {
		original := parse(t, page)
		locator := Encode(find(t, original, ".featured h2"))

		mutated := parse(t, strings.Replace(page, "<main>", "<article><main>", 1))

		resolution := Resolve(mutated, locator)

		assert.Equal(t, StrategySuffix, resolution.Strategy)
		assert.Equal(t, "h2", resolution.Node.Data)
		assert.Equal(t, "Pro", resolution.Node.FirstChild.Data)
	})

	t.Run("falls back to trailing tag", func(t *testing.T) {
		doc := parse(t, `<html><body><aside><p>x</p></aside></body></html>`)

		resolution := Resolve(doc, "body > main > p.lead:nth-of-type(4)")

		assert.Equal(t, StrategyTag, resolution.Strategy)
		assert.Equal(t, "p", resolution.Node.Data)
	})

	t.Run("falls back to trailing class", func(t *testing.T) {
		doc := parse(t, `<html><body><div class="hero big"></div></body></html>`)

		resolution := Resolve(doc, "body > section.big.hero")

		assert.Equal(t, StrategyClass, resolution.Strategy)
		assert.Equal(t, "div", resolution.Node.Data)
	})

	t.Run("falls back to body", func(t *testing.T) {
		doc := parse(t, `<html><body><div></div></body></html>`)

		for _, locator := range []string{"", "#gone", "body > video.player", ":::", "table > [broken"} {
			resolution := Resolve(doc, locator)

			require.NotNil(t, resolution.Node, locator)
			assert.Equal(t, "body", resolution.Node.Data, locator)
			assert.True(t, resolution.Degraded(), locator)
		}
	})

	t.Run("nil document", func(t *testing.T) {
		resolution := Resolve(nil, "body > main")

		assert.Nil(t, resolution.Node)
		assert.True(t, resolution.Degraded())
		assert.Nil(t, Decode(nil, "body"))
	})

	t.Run("ambiguous suffix keeps dropping", func(t *testing.T) {
		doc := parse(t, `<html><body><ul><li>a</li></ul><ol><li>b</li><li>c</li></ol></body></html>`)

		resolution := Resolve(doc, "body > ul > li")

		assert.Equal(t, StrategyExact, resolution.Strategy)
		assert.Equal(t, "a", resolution.Node.FirstChild.Data)

		resolution = Resolve(doc, "body > menu > li")

		assert.Equal(t, StrategyTag, resolution.Strategy)
		assert.Equal(t, "a", resolution.Node.FirstChild.Data)
	})
}

func TestBody(t *testing.T) {
	doc := parse(t, page)

	assert.Equal(t, "body", Body(doc).Data)
	assert.Nil(t, Body(nil))

	fragment := &html.Node{Type: html.ElementNode, Data: "div"}
	assert.Same(t, fragment, Body(fragment))
}

func TestEscape(t *testing.T) {
	cases := map[string]string{
		"plain":  "plain",
		"a b":    `a\ b`,
		"1x":     `\31 x`,
		"-2":     `-\32 `,
		"-":      `\-`,
		"a.b":    `a\.b`,
		"w:full": `w\:full`,
		"é":      "é",
	}

	for input, expected := range cases {
		assert.Equal(t, expected, Escape(input), input)
	}
}
