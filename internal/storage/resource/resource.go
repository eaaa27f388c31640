package resource

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/jgivc/resyncserver/internal/common"
	"github.com/jgivc/resyncserver/internal/entity"
	"github.com/jgivc/resyncserver/internal/util"
	"github.com/spf13/afero"
)

const defaultWorkers = 4

type ScannerConfig struct {
	ResourceDir string
	SkipDirs    []string // Absolute paths excluded from the scan, e.g. the metadata directory
	SkipFiles   []string // Base names excluded from the scan
	Workers     int
}

type resourceScanner struct {
	running   atomic.Bool
	fs        afero.Fs
	cfg       ScannerConfig
	skipDirs  map[string]struct{}
	skipFiles map[string]struct{}
	log       *slog.Logger
}

func NewResourceScanner(fs afero.Fs, cfg ScannerConfig, log *slog.Logger) *resourceScanner {
	if cfg.Workers < 1 {
		cfg.Workers = defaultWorkers
	}

	s := &resourceScanner{
		fs:        fs,
		cfg:       cfg,
		skipDirs:  make(map[string]struct{}, len(cfg.SkipDirs)),
		skipFiles: make(map[string]struct{}, len(cfg.SkipFiles)),
		log:       log.With(slog.String("item", "ResourceScanner")),
	}

	for _, dir := range cfg.SkipDirs {
		s.skipDirs[filepath.Clean(dir)] = struct{}{}
	}

	for _, name := range cfg.SkipFiles {
		s.skipFiles[name] = struct{}{}
	}

	return s
}

// Scan walks the resource directory and returns every published file.
// Hidden files and directories are skipped.
func (s *resourceScanner) Scan(ctx context.Context) ([]entity.Resource, error) {
	if !s.running.CompareAndSwap(false, true) {
		return nil, common.ErrRefreshHasAlreadyStarted
	}
	defer s.running.Store(false)

	root := filepath.Clean(s.cfg.ResourceDir)

	var dirs []string
	err := afero.Walk(s.fs, root, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}

		if !info.IsDir() {
			return nil
		}

		if path != root && (isHidden(info.Name()) || s.isSkippedDir(path)) {
			return filepath.SkipDir
		}

		dirs = append(dirs, path)

		return ctx.Err()
	})
	if err != nil {
		return nil, fmt.Errorf("cannot walk resource directory: %w", err)
	}

	in := make(chan string, len(dirs))
	out := make(chan entity.Resource, s.cfg.Workers)

	for _, dir := range dirs {
		in <- dir
	}
	close(in)

	var wg sync.WaitGroup
	wg.Add(s.cfg.Workers)
	for n := 0; n < s.cfg.Workers; n++ {
		go s.worker(ctx, n, root, in, out, &wg)
	}

	go func() {
		wg.Wait()
		close(out)
	}()

	resources := make([]entity.Resource, 0, len(dirs))
	for res := range out {
		resources = append(resources, res)
	}

	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("scan interrupted: %w", err)
	}

	entity.SortResources(resources)
	s.log.Info("Scan finished", slog.Int("dir_count", len(dirs)), slog.Int("resource_count", len(resources)))

	return resources, nil
}

func (s *resourceScanner) worker(ctx context.Context, n int, root string, in chan string, out chan entity.Resource, wg *sync.WaitGroup) {
	defer wg.Done()

	log := s.log.With(slog.Int("worker_id", n))
	log.Debug("Started")

	for dir := range in {
		entries, err := afero.ReadDir(s.fs, dir)
		if err != nil {
			log.Error("Cannot read folder", slog.String("folder_path", dir), slog.Any("error", err))

			continue
		}

		for _, entry := range entries {
			if !entry.Mode().IsRegular() || s.isSkippedFile(entry.Name()) {
				continue
			}

			res, err := s.toResource(root, filepath.Join(dir, entry.Name()), entry)
			if err != nil {
				log.Error("Cannot read file", slog.String("file_path", filepath.Join(dir, entry.Name())), slog.Any("error", err))

				continue
			}

			select {
			case <-ctx.Done():
				log.Info("Interrupted")

				return
			case out <- res:
			}
		}
	}

	log.Debug("Done")
}

func (s *resourceScanner) toResource(root, path string, info os.FileInfo) (entity.Resource, error) {
	rel, err := filepath.Rel(root, path)
	if err != nil {
		return entity.Resource{}, fmt.Errorf("cannot get relative path: %w", err)
	}

	mimeType, err := util.DetectMIMEType(s.fs, path)
	if err != nil {
		return entity.Resource{}, fmt.Errorf("cannot detect mime type: %w", err)
	}

	return entity.Resource{
		Identifier:   filepath.ToSlash(rel),
		LastModified: info.ModTime().UTC(),
		Length:       info.Size(),
		MIMEType:     mimeType,
	}, nil
}

func (s *resourceScanner) isSkippedDir(path string) bool {
	_, ok := s.skipDirs[filepath.Clean(path)]

	return ok
}

func (s *resourceScanner) isSkippedFile(name string) bool {
	if isHidden(name) || util.IsTempFile(name) {
		return true
	}

	_, ok := s.skipFiles[name]

	return ok
}

func isHidden(name string) bool {
	return strings.HasPrefix(name, ".")
}
