package telegram

import (
	"fmt"
	"html"
	"strings"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/ast"
	"github.com/yuin/goldmark/extension"
	extast "github.com/yuin/goldmark/extension/ast"
	"github.com/yuin/goldmark/text"
)

// renderer turns model markdown into the small HTML dialect Telegram
// accepts. Telegram has no block tags beyond pre and blockquote, so
// headings become bold lines, lists become bullet lines and everything
// else folds into inline markup. Unknown constructs degrade to their
// escaped text.
type renderer struct {
	md goldmark.Markdown
}

func newRenderer() *renderer {
	return &renderer{
		md: goldmark.New(
			goldmark.WithExtensions(extension.Strikethrough),
		),
	}
}

// Render converts markdown to Telegram HTML. Callers fall back to the raw
// text without a parse mode when it fails.
func (r *renderer) Render(src string) (out string, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("telegram: markdown render panicked: %v", rec)
		}
	}()

	source := []byte(src)
	doc := r.md.Parser().Parse(text.NewReader(source))

	w := &htmlWriter{source: source}
	if err := ast.Walk(doc, w.walk); err != nil {
		return "", err
	}
	return strings.TrimRight(w.b.String(), "\n"), nil
}

// htmlWriter walks the goldmark AST and emits Telegram-safe tags.
type htmlWriter struct {
	source    []byte
	b         strings.Builder
	listDepth int
	ordinals  []int // per-depth counter, 0 for unordered lists
}

func (w *htmlWriter) walk(n ast.Node, entering bool) (ast.WalkStatus, error) {
	switch node := n.(type) {
	case *ast.Document:

	case *ast.Heading:
		if entering {
			w.b.WriteString("<b>")
		} else {
			w.b.WriteString("</b>\n\n")
		}

	case *ast.Paragraph:
		if !entering {
			w.blockBreak()
		}

	case *ast.TextBlock:
		// Tight list items carry their text in a TextBlock; the item
		// itself terminates the line unless a nested block follows.
		if !entering && node.NextSibling() != nil {
			w.b.WriteByte('\n')
		}

	case *ast.Blockquote:
		if entering {
			w.b.WriteString("<blockquote>")
		} else {
			w.trimNewlines()
			w.b.WriteString("</blockquote>\n\n")
		}

	case *ast.List:
		if entering {
			w.listDepth++
			start := 0
			if node.IsOrdered() {
				start = node.Start
				if start == 0 {
					start = 1
				}
			}
			w.ordinals = append(w.ordinals, start)
		} else {
			w.listDepth--
			w.ordinals = w.ordinals[:len(w.ordinals)-1]
			if w.listDepth == 0 {
				w.blockBreak()
			}
		}

	case *ast.ListItem:
		if entering {
			w.b.WriteString(strings.Repeat("  ", w.listDepth-1))
			i := len(w.ordinals) - 1
			if w.ordinals[i] > 0 {
				fmt.Fprintf(&w.b, "%d. ", w.ordinals[i])
				w.ordinals[i]++
			} else {
				w.b.WriteString("• ")
			}
		} else {
			w.trimNewlines()
			w.b.WriteByte('\n')
		}

	case *ast.FencedCodeBlock:
		if entering {
			lang := string(node.Language(w.source))
			if lang != "" {
				fmt.Fprintf(&w.b, `<pre><code class="language-%s">`, html.EscapeString(lang))
			} else {
				w.b.WriteString("<pre>")
			}
			w.writeLines(node)
			if lang != "" {
				w.b.WriteString("</code></pre>\n\n")
			} else {
				w.b.WriteString("</pre>\n\n")
			}
			return ast.WalkSkipChildren, nil
		}

	case *ast.CodeBlock:
		if entering {
			w.b.WriteString("<pre>")
			w.writeLines(node)
			w.b.WriteString("</pre>\n\n")
			return ast.WalkSkipChildren, nil
		}

	case *ast.ThematicBreak:
		if entering {
			w.b.WriteString("———\n\n")
		}

	case *ast.Emphasis:
		tag := "i"
		if node.Level == 2 {
			tag = "b"
		}
		if entering {
			w.b.WriteString("<" + tag + ">")
		} else {
			w.b.WriteString("</" + tag + ">")
		}

	case *extast.Strikethrough:
		if entering {
			w.b.WriteString("<s>")
		} else {
			w.b.WriteString("</s>")
		}

	case *ast.CodeSpan:
		if entering {
			w.b.WriteString("<code>")
		} else {
			w.b.WriteString("</code>")
		}

	case *ast.Link:
		if entering {
			fmt.Fprintf(&w.b, `<a href="%s">`, html.EscapeString(string(node.Destination)))
		} else {
			w.b.WriteString("</a>")
		}

	case *ast.AutoLink:
		if entering {
			url := string(node.URL(w.source))
			fmt.Fprintf(&w.b, `<a href="%s">%s</a>`, html.EscapeString(url), html.EscapeString(url))
		}

	case *ast.Image:
		// Telegram HTML has no inline images; link to the source instead.
		if entering {
			fmt.Fprintf(&w.b, `<a href="%s">`, html.EscapeString(string(node.Destination)))
		} else {
			w.b.WriteString("</a>")
		}

	case *ast.Text:
		if entering {
			w.b.WriteString(html.EscapeString(string(node.Segment.Value(w.source))))
			if node.HardLineBreak() || node.SoftLineBreak() {
				w.b.WriteByte('\n')
			}
		}

	case *ast.String:
		if entering {
			w.b.WriteString(html.EscapeString(string(node.Value)))
		}

	case *ast.RawHTML, *ast.HTMLBlock:
		// Model-emitted HTML is untrusted; keep it visible as text.
		if entering {
			w.writeRaw(n)
			return ast.WalkSkipChildren, nil
		}

	default:
		// Unhandled nodes contribute their children's text only.
	}
	return ast.WalkContinue, nil
}

// writeLines emits a code block's lines escaped but otherwise untouched.
func (w *htmlWriter) writeLines(n ast.Node) {
	lines := n.Lines()
	for i := 0; i < lines.Len(); i++ {
		seg := lines.At(i)
		w.b.WriteString(html.EscapeString(string(seg.Value(w.source))))
	}
}

// writeRaw emits a raw-HTML node's underlying bytes as escaped text.
func (w *htmlWriter) writeRaw(n ast.Node) {
	switch node := n.(type) {
	case *ast.RawHTML:
		for i := 0; i < node.Segments.Len(); i++ {
			seg := node.Segments.At(i)
			w.b.WriteString(html.EscapeString(string(seg.Value(w.source))))
		}
	case *ast.HTMLBlock:
		lines := node.Lines()
		for i := 0; i < lines.Len(); i++ {
			seg := lines.At(i)
			w.b.WriteString(html.EscapeString(string(seg.Value(w.source))))
		}
	}
}

// blockBreak separates top-level blocks with one blank line.
func (w *htmlWriter) blockBreak() {
	w.trimNewlines()
	w.b.WriteString("\n\n")
}

// trimNewlines drops trailing newlines so tags close tightly.
func (w *htmlWriter) trimNewlines() {
	s := w.b.String()
	trimmed := strings.TrimRight(s, "\n")
	if len(trimmed) != len(s) {
		w.b.Reset()
		w.b.WriteString(trimmed)
	}
}
