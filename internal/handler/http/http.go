package httphandler

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"mime"
	"net/http"
	"path"
	"strconv"
	"strings"
	"time"

	"github.com/jgivc/resyncserver/internal/adapter/pageadapter"
	"github.com/jgivc/resyncserver/internal/common"
	"github.com/jgivc/resyncserver/internal/entity"
	"github.com/jgivc/resyncserver/internal/service/source"
	"github.com/jgivc/resyncserver/internal/util"
	"github.com/spf13/afero"
)

const (
	sampleSize = 10

	MIMETypeXML  = "application/xml"
	MIMETypeJSON = "application/json"
	encodingGzip = "gzip"
)

type StatusService interface {
	Status() source.Status
	RandomResources(n int) []entity.Resource
}

type GenerateService interface {
	Trigger(startNew bool) (string, error)
}

type PageRenderer interface {
	Render(w io.Writer, data *pageadapter.PageData) error
}

func NewHomeHandler(srv StatusService, renderer PageRenderer, urlPrefix string, log *slog.Logger) http.HandlerFunc {
	log = log.With(slog.String("handler", "HomeHandler"))

	return func(w http.ResponseWriter, r *http.Request) {
		st := srv.Status()

		data := &pageadapter.PageData{
			Title:          st.Name,
			DescriptionURL: st.DescriptionURL,
			ResourceCount:  st.ResourceCount,
			LastRun:        st.LastRun,
			LastError:      st.LastError,
			Running:        st.Running,
		}

		for _, res := range srv.RandomResources(sampleSize) {
			data.Resources = append(data.Resources, pageadapter.ResourceLink{
				Resource: res,
				URL:      util.JoinURL(urlPrefix, res.Identifier),
			})
		}

		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		if err := renderer.Render(w, data); err != nil {
			log.Error("Cannot render page", slog.Any("error", err))
			http.Error(w, "Cannot render page", http.StatusInternalServerError)
		}
	}
}

// NewResourceHandler serves files below root. Paths with ".." segments, directories and
// missing files are answered with 404.
func NewResourceHandler(root afero.Fs, descriptionPath string, log *slog.Logger) http.HandlerFunc {
	log = log.With(slog.String("handler", "ResourceHandler"))
	descriptionPath = strings.Trim(descriptionPath, "/")

	return func(w http.ResponseWriter, r *http.Request) {
		p := r.PathValue("path")
		if !IsSafePath(p) {
			http.NotFound(w, r)

			return
		}

		name := path.Clean("/" + p)

		file, err := root.Open(name)
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				http.NotFound(w, r)

				return
			}

			log.Error("Cannot open file", slog.String("path", name), slog.Any("error", err))
			http.Error(w, "Cannot get file", http.StatusInternalServerError)

			return
		}
		defer file.Close()

		info, err := file.Stat()
		if err != nil {
			log.Error("Cannot stat file", slog.String("path", name), slog.Any("error", err))
			http.Error(w, "Cannot get file", http.StatusInternalServerError)

			return
		}

		if info.IsDir() {
			http.NotFound(w, r)

			return
		}

		contentType, encoding := contentTypeOf(root, name, descriptionPath)
		if encoding != "" {
			w.Header().Set("Content-Encoding", encoding)
			// ServeContent omits Content-Length for encoded content.
			if r.Header.Get("Range") == "" {
				w.Header().Set("Content-Length", strconv.FormatInt(info.Size(), 10))
			}
		}
		w.Header().Set("Content-Type", contentType)
		w.Header().Set("Last-Modified", info.ModTime().UTC().Format(http.TimeFormat))

		tag := fmt.Sprintf("%s|%d|%d", name, info.Size(), info.ModTime().UnixNano())
		w.Header().Set("ETag", `"`+util.GetIDFromString(&tag)+`"`)

		http.ServeContent(w, r, name, info.ModTime(), file)
	}
}

func contentTypeOf(root afero.Fs, name, descriptionPath string) (string, string) {
	if descriptionPath != "" && name == "/"+descriptionPath {
		return MIMETypeXML, ""
	}

	if strings.HasSuffix(name, ".gz") {
		inner := strings.TrimSuffix(name, ".gz")
		if path.Ext(inner) != "" {
			if contentType := mime.TypeByExtension(path.Ext(inner)); contentType != "" {
				return contentType, encodingGzip
			}
		}

		return util.MIMETypeUnknown, encodingGzip
	}

	contentType, err := util.DetectMIMEType(root, name)
	if err != nil {
		return util.MIMETypeUnknown, ""
	}

	return contentType, ""
}

// IsSafePath reports whether p stays below the root it is resolved against.
func IsSafePath(p string) bool {
	for _, segment := range strings.FieldsFunc(p, func(r rune) bool { return r == '/' || r == '\\' }) {
		if segment == ".." {
			return false
		}
	}

	return !strings.ContainsRune(p, 0)
}

type generateResponse struct {
	TaskID   string `json:"task_id"`
	StartNew bool   `json:"start_new"`
}

func NewGenerateHandler(srv GenerateService, log *slog.Logger) http.HandlerFunc {
	log = log.With(slog.String("handler", "GenerateHandler"))

	return func(w http.ResponseWriter, r *http.Request) {
		startNew := false
		if v := r.URL.Query().Get("fresh"); v != "" {
			b, err := strconv.ParseBool(v)
			if err != nil {
				http.Error(w, "Bad request", http.StatusBadRequest)

				return
			}
			startNew = b
		}

		id, err := srv.Trigger(startNew)
		if err != nil {
			switch {
			case errors.Is(err, common.ErrGenerationQueueFull), errors.Is(err, common.ErrSourceClosed):
				w.Header().Set("Retry-After", "5")
				http.Error(w, "Cannot schedule generation", http.StatusServiceUnavailable)
			default:
				log.Error("Cannot schedule generation", slog.Any("error", err))
				http.Error(w, "Cannot schedule generation", http.StatusInternalServerError)
			}

			return
		}

		log.Info("Generation scheduled", slog.String("task_id", id), slog.Bool("start_new", startNew))

		writeJSON(w, http.StatusAccepted, &generateResponse{TaskID: id, StartNew: startNew}, log)
	}
}

type healthResponse struct {
	Status        string     `json:"status"`
	Timestamp     time.Time  `json:"timestamp"`
	ResourceCount int        `json:"resource_count"`
	LastRun       *time.Time `json:"last_run,omitempty"`
}

func NewHealthHandler(srv StatusService, log *slog.Logger) http.HandlerFunc {
	log = log.With(slog.String("handler", "HealthHandler"))

	return func(w http.ResponseWriter, r *http.Request) {
		st := srv.Status()

		resp := &healthResponse{
			Status:        "healthy",
			Timestamp:     time.Now().UTC(),
			ResourceCount: st.ResourceCount,
		}

		if st.LastRun != nil {
			start := st.LastRun.StartTime
			resp.LastRun = &start
		}

		writeJSON(w, http.StatusOK, resp, log)
	}
}

func writeJSON(w http.ResponseWriter, status int, v any, log *slog.Logger) {
	w.Header().Set("Content-Type", MIMETypeJSON)
	w.WriteHeader(status)

	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Error("Cannot encode response", slog.Any("error", err))
	}
}
