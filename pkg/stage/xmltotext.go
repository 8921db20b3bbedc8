package stage

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/net/html"

	"github.com/3leaps/emop/pkg/atomicfile"
	"github.com/3leaps/emop/pkg/job"
)

// XMLToText flattens the denoised hOCR into plain text, one line per
// ocr_line element.
type XMLToText struct {
	job *job.Job
	env *Env
}

func NewXMLToText(j *job.Job, env *Env) Stage {
	return &XMLToText{job: j, env: env}
}

func (x *XMLToText) Name() string { return NameXMLToText }

func (x *XMLToText) ShouldRun() bool {
	return !isFile(x.job.Local(x.job.IDHMCTxtFile))
}

func (x *XMLToText) Run(_ context.Context) Result {
	src := x.job.Local(x.job.IDHMCXMLFile)
	f, err := os.Open(src)
	if err != nil {
		return Failed(fmt.Sprintf("XML_To_Text: %v", err))
	}
	defer f.Close()

	text, err := HOCRText(f)
	if err != nil {
		return Failed(fmt.Sprintf("XML_To_Text: parse %s: %v", src, err))
	}
	dst := x.job.Local(x.job.IDHMCTxtFile)
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return Failed(fmt.Sprintf("XML_To_Text: %v", err))
	}
	if err := atomicfile.Write(dst, []byte(text)); err != nil {
		return Failed(fmt.Sprintf("XML_To_Text: %v", err))
	}
	return Result{}
}

// HOCRText extracts text from an hOCR document. Words inside an ocr_line
// are joined by single spaces; documents without line markup yield their
// text nodes one per line.
func HOCRText(r io.Reader) (string, error) {
	doc, err := html.Parse(r)
	if err != nil {
		return "", err
	}

	var lines []string
	var walk func(n *html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.ElementNode && hasClass(n, "ocr_line") {
			if line := strings.Join(strings.Fields(textOf(n)), " "); line != "" {
				lines = append(lines, line)
			}
			return
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(doc)

	if len(lines) == 0 {
		for _, l := range strings.Split(textOf(doc), "\n") {
			if l = strings.Join(strings.Fields(l), " "); l != "" {
				lines = append(lines, l)
			}
		}
	}
	if len(lines) == 0 {
		return "", nil
	}
	return strings.Join(lines, "\n") + "\n", nil
}

func hasClass(n *html.Node, class string) bool {
	for _, a := range n.Attr {
		if a.Key == "class" {
			for _, c := range strings.Fields(a.Val) {
				if c == class {
					return true
				}
			}
		}
	}
	return false
}

// textOf concatenates text beneath n, separating elements with spaces so
// adjacent word spans do not run together.
func textOf(n *html.Node) string {
	var b strings.Builder
	var walk func(n *html.Node)
	walk = func(n *html.Node) {
		switch n.Type {
		case html.TextNode:
			b.WriteString(n.Data)
		case html.ElementNode:
			switch n.Data {
			case "head", "script", "style", "title":
				return
			}
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
		if n.Type == html.ElementNode {
			b.WriteByte(' ')
		}
	}
	walk(n)
	return b.String()
}
