package pageadapter

import (
	"bytes"
	"errors"
	"fmt"
	"html/template"
	"io"
	"io/fs"
	"log/slog"
	"sync"
	"time"

	_ "embed"

	"github.com/jgivc/resyncserver/internal/adapter/mdadapter"
	"github.com/jgivc/resyncserver/internal/entity"
	"github.com/jgivc/resyncserver/internal/util"
	"github.com/spf13/afero"
	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/parser"
	"github.com/yuin/goldmark/renderer/html"
	"go.abhg.dev/goldmark/frontmatter"
)

//go:embed templates/home.html
var homeTemplateContent string

type Frontmatter struct {
	Title  string `yaml:"title"`
	Author string `yaml:"author"`
}

type ResourceLink struct {
	entity.Resource
	URL string
}

type PageData struct {
	Title          string
	DescriptionURL string
	ResourceCount  int
	LastRun        *entity.GenerationRun
	LastError      string
	Running        bool
	Resources      []ResourceLink
	About          template.HTML
	Author         string
}

type about struct {
	modTime time.Time
	html    template.HTML
	fm      Frontmatter
}

// pageRenderer renders the home page. The optional about file is markdown with yaml
// frontmatter and is re-read when its modification time changes.
type pageRenderer struct {
	fs        afero.Fs
	aboutPath string
	tmpl      *template.Template
	md        goldmark.Markdown

	mu    sync.Mutex
	about *about

	log *slog.Logger
}

// NewPageRenderer builds the home page renderer. Resource directives in the about file
// link to urlPrefix.
func NewPageRenderer(fs afero.Fs, aboutPath, urlPrefix string, log *slog.Logger) (*pageRenderer, error) {
	tmpl, err := template.New("home").Parse(homeTemplateContent)
	if err != nil {
		return nil, fmt.Errorf("cannot parse page template: %w", err)
	}

	md := goldmark.New(
		goldmark.WithExtensions(
			&frontmatter.Extender{},
			mdadapter.NewResourceLinkExtension(func(id string) string {
				return util.JoinURL(urlPrefix, id)
			}),
		),
		goldmark.WithRendererOptions(
			html.WithHardWraps(),
			html.WithXHTML(),
		),
	)

	return &pageRenderer{
		fs:        fs,
		aboutPath: aboutPath,
		tmpl:      tmpl,
		md:        md,
		log:       log.With(slog.String("item", "PageRenderer")),
	}, nil
}

func (p *pageRenderer) Render(w io.Writer, data *PageData) error {
	if ab, err := p.getAbout(); err != nil {
		p.log.Error("Cannot render about file", slog.String("path", p.aboutPath), slog.Any("error", err))
	} else if ab != nil {
		data.About = ab.html
		data.Author = ab.fm.Author
		if ab.fm.Title != "" {
			data.Title = ab.fm.Title
		}
	}

	var buf bytes.Buffer
	if err := p.tmpl.Execute(&buf, data); err != nil {
		return fmt.Errorf("cannot execute template: %w", err)
	}

	if _, err := buf.WriteTo(w); err != nil {
		return fmt.Errorf("cannot write page: %w", err)
	}

	return nil
}

func (p *pageRenderer) getAbout() (*about, error) {
	if p.aboutPath == "" {
		return nil, nil
	}

	info, err := p.fs.Stat(p.aboutPath)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}

		return nil, fmt.Errorf("cannot stat about file: %w", err)
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.about != nil && p.about.modTime.Equal(info.ModTime()) {
		return p.about, nil
	}

	content, err := afero.ReadFile(p.fs, p.aboutPath)
	if err != nil {
		return nil, fmt.Errorf("cannot read about file: %w", err)
	}

	ab, err := p.convert(content)
	if err != nil {
		return nil, err
	}

	ab.modTime = info.ModTime()
	p.about = ab

	return ab, nil
}

func (p *pageRenderer) convert(content []byte) (*about, error) {
	ctx := parser.NewContext()

	var buf bytes.Buffer
	if err := p.md.Convert(content, &buf, parser.WithContext(ctx)); err != nil {
		return nil, fmt.Errorf("cannot convert markdown: %w", err)
	}

	ab := &about{html: template.HTML(buf.String())}

	if data := frontmatter.Get(ctx); data != nil {
		if err := data.Decode(&ab.fm); err != nil {
			return nil, fmt.Errorf("cannot decode frontmatter: %w", err)
		}
	}

	return ab, nil
}
