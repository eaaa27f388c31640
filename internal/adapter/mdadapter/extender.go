package mdadapter

import (
	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/parser"
	"github.com/yuin/goldmark/renderer"
	"github.com/yuin/goldmark/util"
)

// ResourceLinkExtension renders {{ resource: <identifier> }} directives as links to the resource.
type ResourceLinkExtension struct {
	url URLFunc
}

func NewResourceLinkExtension(url URLFunc) goldmark.Extender {
	return &ResourceLinkExtension{url: url}
}

func (e *ResourceLinkExtension) Extend(m goldmark.Markdown) {
	m.Parser().AddOptions(
		parser.WithInlineParsers(
			util.Prioritized(NewResourceDirectiveParser(), 500),
		),
	)
	m.Renderer().AddOptions(
		renderer.WithNodeRenderers(
			util.Prioritized(NewResourceDirectiveRenderer(e.url), 500),
		),
	)
}
