package rsadapter

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/jgivc/resyncserver/internal/common"
	"github.com/jgivc/resyncserver/internal/entity"
	"github.com/jgivc/resyncserver/internal/util"
	"github.com/spf13/afero"
)

const (
	ResourceListNameFormat = "resourcelist_%04d.xml"
	ResourceListPattern    = "resourcelist_*.xml"
	ResourceListIndexName  = "resourcelist-index.xml"
	CapabilityListName     = "capabilitylist.xml"

	defaultMaxItemsInList = 50000
	filePerm              = 0o644
)

type document struct {
	path string
	data []byte
}

// Writer writes resource lists, the capability list and the source description.
// Every document is staged in a temp file first and renamed into place once all of them are staged.
// A failed rename restores the documents already replaced, so the previous set stays published.
type Writer struct {
	fs  afero.Fs
	now func() time.Time
	log *slog.Logger
}

func NewWriter(fs afero.Fs, now func() time.Time, log *slog.Logger) *Writer {
	if now == nil {
		now = time.Now
	}

	return &Writer{
		fs:  fs,
		now: now,
		log: log.With(slog.String("item", "ResourceSyncWriter")),
	}
}

func (w *Writer) Write(ctx context.Context, resources []entity.Resource, outDir string, meta entity.RunMeta) ([]string, time.Time, error) {
	log := w.log.With(slog.String("run_id", meta.RunID), slog.String("out_dir", outDir))

	completed := w.now()

	docs, err := w.build(resources, outDir, meta, completed)
	if err != nil {
		return nil, time.Time{}, common.NewWriteError(outDir, err)
	}

	if err := ctx.Err(); err != nil {
		return nil, time.Time{}, fmt.Errorf("%w: %w", common.ErrGenerationCanceled, err)
	}

	temps := make([]string, 0, len(docs))
	for _, doc := range docs {
		tmp, err := util.WriteTempFile(w.fs, doc.path, doc.data, filePerm)
		if err != nil {
			log.Error("Cannot stage document", slog.String("path", doc.path), slog.Any("error", err))
			w.removeAll(temps)

			return nil, time.Time{}, common.NewWriteError(doc.path, err)
		}

		temps = append(temps, tmp)
	}

	if err := ctx.Err(); err != nil {
		w.removeAll(temps)

		return nil, time.Time{}, fmt.Errorf("%w: %w", common.ErrGenerationCanceled, err)
	}

	paths := make([]string, 0, len(docs))
	backups := make([]string, 0, len(docs))
	for i, doc := range docs {
		backup, err := w.backup(doc.path)
		if err != nil {
			log.Error("Cannot back up document", slog.String("path", doc.path), slog.Any("error", err))
			w.rollback(paths, backups, log)
			w.removeAll(temps[i:])

			return nil, time.Time{}, common.NewWriteError(doc.path, err)
		}

		if err := w.fs.Rename(temps[i], doc.path); err != nil {
			log.Error("Cannot publish document", slog.String("path", doc.path), slog.Any("error", err))
			if backup != "" {
				w.removeAll([]string{backup})
			}
			w.rollback(paths, backups, log)
			w.removeAll(temps[i:])

			return nil, time.Time{}, common.NewWriteError(doc.path, err)
		}

		paths = append(paths, doc.path)
		backups = append(backups, backup)
	}

	for _, backup := range backups {
		if backup != "" {
			w.removeAll([]string{backup})
		}
	}

	w.removeStale(outDir, paths, log)

	log.Info("Documents written", slog.Int("document_count", len(paths)), slog.Int("resource_count", len(resources)))

	return paths, completed, nil
}

func (w *Writer) build(resources []entity.Resource, outDir string, meta entity.RunMeta, completed time.Time) ([]document, error) {
	maxItems := meta.MaxItemsInList
	if maxItems < 1 {
		maxItems = defaultMaxItemsInList
	}

	capabilityURL := util.JoinURL(meta.MetadataURLPrefix, CapabilityListName)
	indexURL := util.JoinURL(meta.MetadataURLPrefix, ResourceListIndexName)

	var parts [][]entity.Resource
	for start := 0; start < len(resources); start += maxItems {
		parts = append(parts, resources[start:min(start+maxItems, len(resources))])
	}

	if len(parts) == 0 {
		parts = append(parts, nil)
	}

	var docs []document

	listIndex := newSitemapIndex(CapabilityResourceList, link{Rel: RelUp, Href: capabilityURL})
	listIndex.MD.At = formatTime(meta.StartTime)
	listIndex.MD.Completed = formatTime(completed)

	for i, part := range parts {
		name := fmt.Sprintf(ResourceListNameFormat, i)

		links := []link{{Rel: RelUp, Href: capabilityURL}}
		if len(parts) > 1 {
			links = append(links, link{Rel: RelIndex, Href: indexURL})
		}

		list := newURLSet(CapabilityResourceList, links...)
		list.MD.At = formatTime(meta.StartTime)
		list.MD.Completed = formatTime(completed)

		list.URLs = make([]urlEntry, 0, len(part))
		for _, res := range part {
			length := res.Length
			list.URLs = append(list.URLs, urlEntry{
				Loc:     util.JoinURL(meta.ResourceURLPrefix, res.Identifier),
				LastMod: formatTime(res.LastModified),
				MD:      &itemMD{Length: &length, Type: res.MIMEType},
			})
		}

		data, err := marshal(list)
		if err != nil {
			return nil, err
		}

		docs = append(docs, document{path: filepath.Join(outDir, name), data: data})
		listIndex.Sitemaps = append(listIndex.Sitemaps, urlEntry{Loc: util.JoinURL(meta.MetadataURLPrefix, name)})
	}

	listURL := util.JoinURL(meta.MetadataURLPrefix, fmt.Sprintf(ResourceListNameFormat, 0))
	if len(parts) > 1 {
		data, err := marshal(listIndex)
		if err != nil {
			return nil, err
		}

		docs = append(docs, document{path: filepath.Join(outDir, ResourceListIndexName), data: data})
		listURL = indexURL
	}

	capability := newURLSet(CapabilityList,
		link{Rel: RelUp, Href: meta.DescriptionURL},
	)
	capability.URLs = []urlEntry{{Loc: listURL, MD: &itemMD{Capability: CapabilityResourceList}}}

	data, err := marshal(capability)
	if err != nil {
		return nil, err
	}

	docs = append(docs, document{path: filepath.Join(outDir, CapabilityListName), data: data})

	if meta.DescriptionFile != "" {
		description := newURLSet(CapabilityDescription)
		description.URLs = []urlEntry{{Loc: capabilityURL, MD: &itemMD{Capability: CapabilityList}}}

		data, err := marshal(description)
		if err != nil {
			return nil, err
		}

		docs = append(docs, document{path: meta.DescriptionFile, data: data})
	}

	return docs, nil
}

// backup copies the published document at path into a temp file next to it.
// An empty name means there was nothing to back up.
func (w *Writer) backup(path string) (string, error) {
	if !util.FileExists(w.fs, path) {
		return "", nil
	}

	data, err := afero.ReadFile(w.fs, path)
	if err != nil {
		return "", fmt.Errorf("cannot read %s: %w", path, err)
	}

	return util.WriteTempFile(w.fs, path, data, filePerm)
}

// rollback restores the previous version of every published document, newest first.
// Documents that did not exist before are removed.
func (w *Writer) rollback(paths, backups []string, log *slog.Logger) {
	for i := len(paths) - 1; i >= 0; i-- {
		if backups[i] == "" {
			if err := w.fs.Remove(paths[i]); err != nil {
				log.Warn("Cannot remove document", slog.String("path", paths[i]), slog.Any("error", err))
			}

			continue
		}

		if err := w.fs.Rename(backups[i], paths[i]); err != nil {
			log.Error("Cannot restore document", slog.String("path", paths[i]), slog.Any("error", err))
			w.removeAll([]string{backups[i]})
		}
	}
}

// removeStale deletes resource list parts and the index left over from a larger previous run.
func (w *Writer) removeStale(outDir string, written []string, log *slog.Logger) {
	keep := make(map[string]struct{}, len(written))
	for _, path := range written {
		keep[path] = struct{}{}
	}

	candidates, err := afero.Glob(w.fs, filepath.Join(outDir, ResourceListPattern))
	if err != nil {
		log.Warn("Cannot list old documents", slog.Any("error", err))

		return
	}
	candidates = append(candidates, filepath.Join(outDir, ResourceListIndexName))

	for _, path := range candidates {
		if _, ok := keep[path]; ok || !util.FileExists(w.fs, path) {
			continue
		}

		if err := w.fs.Remove(path); err != nil {
			log.Warn("Cannot remove stale document", slog.String("path", path), slog.Any("error", err))

			continue
		}

		log.Debug("Stale document removed", slog.String("path", path))
	}
}

func (w *Writer) removeAll(paths []string) {
	for _, path := range paths {
		if err := w.fs.Remove(path); err != nil {
			w.log.Warn("Cannot remove temp file", slog.String("path", path), slog.Any("error", err))
		}
	}
}
