package mdadapter

import (
	"github.com/yuin/goldmark/ast"
	"github.com/yuin/goldmark/renderer"
	"github.com/yuin/goldmark/util"
)

// URLFunc maps a resource identifier to its public URL.
type URLFunc func(identifier string) string

type ResourceDirectiveRenderer struct {
	url URLFunc
}

func NewResourceDirectiveRenderer(url URLFunc) renderer.NodeRenderer {
	return &ResourceDirectiveRenderer{url: url}
}

func (r *ResourceDirectiveRenderer) RegisterFuncs(reg renderer.NodeRendererFuncRegisterer) {
	reg.Register(KindResourceDirective, r.renderResourceDirective)
}

func (r *ResourceDirectiveRenderer) renderResourceDirective(w util.BufWriter, source []byte, n ast.Node, entering bool) (ast.WalkStatus, error) {
	if !entering {
		return ast.WalkContinue, nil
	}

	directive := n.(*ResourceDirective)

	_, _ = w.WriteString(`<a class="resource" href="`)
	_, _ = w.Write(util.EscapeHTML([]byte(r.url(directive.Identifier))))
	_, _ = w.WriteString(`">`)
	_, _ = w.Write(util.EscapeHTML([]byte(directive.Identifier)))
	_, _ = w.WriteString(`</a>`)

	return ast.WalkContinue, nil
}
