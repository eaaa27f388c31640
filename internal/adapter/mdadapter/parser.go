package mdadapter

import (
	"regexp"

	"github.com/yuin/goldmark/ast"
	"github.com/yuin/goldmark/parser"
	"github.com/yuin/goldmark/text"
)

var directiveRe = regexp.MustCompile(`^\{\{\s*resource:\s*([^\s}]+)\s*\}\}`)

type ResourceDirectiveParser struct{}

func NewResourceDirectiveParser() parser.InlineParser {
	return &ResourceDirectiveParser{}
}

func (s *ResourceDirectiveParser) Trigger() []byte {
	return []byte{'{'}
}

func (s *ResourceDirectiveParser) Parse(parent ast.Node, block text.Reader, pc parser.Context) ast.Node {
	line, _ := block.PeekLine()

	matches := directiveRe.FindSubmatch(line)
	if matches == nil {
		return nil
	}

	block.Advance(len(matches[0]))

	return &ResourceDirective{
		Identifier: string(matches[1]),
	}
}
