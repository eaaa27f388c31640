package mdadapter

import (
	"github.com/yuin/goldmark/ast"
)

var KindResourceDirective = ast.NewNodeKind("ResourceDirective")

// ResourceDirective is an inline link to a published resource: {{ resource: docs/a.txt }}
type ResourceDirective struct {
	ast.BaseInline
	Identifier string
}

func (n *ResourceDirective) Kind() ast.NodeKind {
	return KindResourceDirective
}

func (n *ResourceDirective) Dump(source []byte, level int) {
	ast.DumpHelper(n, source, level, map[string]string{
		"Identifier": n.Identifier,
	}, nil)
}
