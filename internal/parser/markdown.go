package parser

import (
	"errors"
	"fmt"
	"strings"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/ast"
	"github.com/yuin/goldmark/text"

	"github.com/harrison/foreman/internal/models"
)

// planFenceInfo marks the fenced code block inside a markdown document
// that carries the plan: ```yaml plan
const planFenceInfo = "plan"

// ParseMarkdown extracts the plan from a markdown document. The document
// must contain exactly one fenced yaml code block whose info string names
// it a plan (```yaml plan); everything else in the document is prose.
func ParseMarkdown(data []byte) (*models.PlanSpec, error) {
	md := goldmark.New()
	reader := text.NewReader(data)
	doc := md.Parser().Parse(reader)

	var blocks []string
	err := ast.Walk(doc, func(node ast.Node, entering bool) (ast.WalkStatus, error) {
		if !entering {
			return ast.WalkContinue, nil
		}
		fence, ok := node.(*ast.FencedCodeBlock)
		if !ok {
			return ast.WalkContinue, nil
		}
		if !isPlanFence(fence, data) {
			return ast.WalkContinue, nil
		}
		var b strings.Builder
		for i := 0; i < fence.Lines().Len(); i++ {
			line := fence.Lines().At(i)
			b.Write(line.Value(data))
		}
		blocks = append(blocks, b.String())
		return ast.WalkContinue, nil
	})
	if err != nil {
		return nil, fmt.Errorf("walk markdown: %w", err)
	}

	switch len(blocks) {
	case 0:
		return nil, errors.New("no ```yaml plan``` block found in markdown document")
	case 1:
		return ParseYAML([]byte(blocks[0]))
	default:
		return nil, fmt.Errorf("markdown document has %d plan blocks, expected one", len(blocks))
	}
}

// isPlanFence reports whether a fenced block's info string marks it as
// the plan, e.g. "yaml plan".
func isPlanFence(fence *ast.FencedCodeBlock, source []byte) bool {
	if fence.Info == nil {
		return false
	}
	info := strings.Fields(string(fence.Info.Value(source)))
	if len(info) < 2 {
		return false
	}
	lang := strings.ToLower(info[0])
	if lang != "yaml" && lang != "yml" {
		return false
	}
	for _, word := range info[1:] {
		if strings.EqualFold(word, planFenceInfo) {
			return true
		}
	}
	return false
}
