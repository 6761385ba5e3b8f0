package extractor

import (
	"math"
	"regexp"
	"strings"
	"unicode/utf8"

	"github.com/PuerkitoBio/goquery"
	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"
)

const minParagraphLength = 25

var (
	positiveWeight = regexp.MustCompile(`(?i)article|body|content|entry|hentry|h-entry|main|page|post|text|blog|story`)
	negativeWeight = regexp.MustCompile(`(?i)hidden|banner|combx|comment|com-|contact|foot|footer|footnote|masthead|media|meta|` +
		`outbrain|promo|related|scroll|shoutbox|sidebar|skyscraper|sponsor|shopping|tags|tool|widget`)
	sentenceEnd = regexp.MustCompile(`\.( |$)`)
)

type scorer struct {
	scores map[*html.Node]float64
	order  map[*html.Node]int
	seen   []*html.Node
}

// selectContent scores block elements under root and returns the best
// candidate merged with qualifying siblings, or nil when nothing reaches
// minScore.
func selectContent(root *goquery.Selection, minScore float64) *goquery.Selection {
	if root.Length() == 0 {
		return nil
	}
	sc := &scorer{
		scores: make(map[*html.Node]float64),
		order:  make(map[*html.Node]int),
	}
	idx := 0
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		sc.order[n] = idx
		idx++
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(root.Nodes[0])

	root.Find("p, pre, td, blockquote").Each(func(_ int, s *goquery.Selection) {
		text := collapseSpace(s.Text())
		length := utf8.RuneCountInString(text)
		if length < minParagraphLength {
			return
		}
		points := 1 + float64(strings.Count(text, ",")) + math.Min(float64(length/100), 3)
		node := s.Nodes[0]
		if parent := elementParent(node); parent != nil {
			sc.add(parent, points)
			if grand := elementParent(parent); grand != nil {
				sc.add(grand, points/2)
			}
		}
	})

	var (
		top      *html.Node
		topScore float64
	)
	for _, n := range sc.seen {
		final := sc.scores[n] * (1 - linkDensity(n))
		sc.scores[n] = final
		if top == nil || final > topScore || (final == topScore && sc.order[n] < sc.order[top]) {
			top, topScore = n, final
		}
	}
	if top == nil || topScore < minScore {
		return nil
	}
	return goquery.NewDocumentFromNode(sc.mergeSiblings(top, topScore)).Selection
}

func (sc *scorer) add(n *html.Node, points float64) {
	if _, ok := sc.scores[n]; !ok {
		if _, inRoot := sc.order[n]; !inRoot {
			return
		}
		sc.scores[n] = tagWeight(n) + classWeight(n)
		sc.seen = append(sc.seen, n)
	}
	sc.scores[n] += points
}

// mergeSiblings moves top and any sibling that looks like part of the same
// article into a detached wrapper.
func (sc *scorer) mergeSiblings(top *html.Node, topScore float64) *html.Node {
	wrapper := &html.Node{Type: html.ElementNode, Data: "div", DataAtom: atom.Div}
	parent := top.Parent
	if parent == nil {
		return top
	}
	threshold := math.Max(10, topScore*0.2)
	topClass := attr(top, "class")

	var keep []*html.Node
	for sib := parent.FirstChild; sib != nil; sib = sib.NextSibling {
		if sib.Type != html.ElementNode {
			continue
		}
		if sib == top {
			keep = append(keep, sib)
			continue
		}
		bonus := 0.0
		if topClass != "" && attr(sib, "class") == topClass {
			bonus = topScore * 0.2
		}
		if score, ok := sc.scores[sib]; ok && score+bonus >= threshold {
			keep = append(keep, sib)
			continue
		}
		if sib.DataAtom == atom.P {
			text := collapseSpace(nodeText(sib))
			length := utf8.RuneCountInString(text)
			density := linkDensity(sib)
			if (length > 80 && density < 0.25) || (length > 0 && length <= 80 && density == 0 && sentenceEnd.MatchString(text)) {
				keep = append(keep, sib)
			}
		}
	}
	for _, n := range keep {
		parent.RemoveChild(n)
		wrapper.AppendChild(n)
	}
	return wrapper
}

func tagWeight(n *html.Node) float64 {
	switch n.DataAtom {
	case atom.Div, atom.Article, atom.Main, atom.Section:
		return 5
	case atom.Pre, atom.Td, atom.Blockquote:
		return 3
	case atom.Address, atom.Ol, atom.Ul, atom.Dl, atom.Dd, atom.Dt, atom.Li, atom.Form:
		return -3
	case atom.H1, atom.H2, atom.H3, atom.H4, atom.H5, atom.H6, atom.Th:
		return -5
	}
	return 0
}

func classWeight(n *html.Node) float64 {
	weight := 0.0
	for _, v := range []string{attr(n, "class"), attr(n, "id")} {
		if v == "" {
			continue
		}
		if negativeWeight.MatchString(v) {
			weight -= 25
		}
		if positiveWeight.MatchString(v) {
			weight += 25
		}
	}
	return weight
}

func linkDensity(n *html.Node) float64 {
	total := utf8.RuneCountInString(collapseSpace(nodeText(n)))
	if total == 0 {
		return 0
	}
	links := 0
	for _, a := range goquery.NewDocumentFromNode(n).Find("a").Nodes {
		links += utf8.RuneCountInString(collapseSpace(nodeText(a)))
	}
	return math.Min(float64(links)/float64(total), 1)
}

func elementParent(n *html.Node) *html.Node {
	p := n.Parent
	if p == nil || p.Type != html.ElementNode {
		return nil
	}
	return p
}

func attr(n *html.Node, key string) string {
	for _, a := range n.Attr {
		if a.Key == key {
			return a.Val
		}
	}
	return ""
}

func nodeText(n *html.Node) string {
	var b strings.Builder
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.TextNode {
			b.WriteString(n.Data)
			b.WriteByte(' ')
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(n)
	return b.String()
}
