package generator

import (
	"errors"
	"fmt"
	"io/fs"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/jgivc/resyncserver/internal/common"
	"github.com/jgivc/resyncserver/internal/entity"
	"github.com/jgivc/resyncserver/internal/util"
	"github.com/spf13/afero"
	"gopkg.in/yaml.v2"
)

const (
	SnapshotFilePattern = "resourcelist_*.xml"
	StateFileName       = "generation.yaml"
)

// Parameters describe one generation invocation. Every invocation works on its own copy,
// only LastExecution is carried from one run to the next.
type Parameters struct {
	MetadataDir     string
	ResourceDir     string
	DescriptionPath string // Relative to ResourceDir, slash separated
	URLPrefix       string
	Strategy        entity.Strategy
	LastExecution   *time.Time
	SaveSitemaps    bool
	MaxItemsInList  int

	fs afero.Fs
}

type stateRecord struct {
	Strategy      string `yaml:"strategy"`
	LastExecution string `yaml:"last_execution,omitempty"`
}

func NewParameters(fs afero.Fs, p Parameters) (*Parameters, error) {
	strategy, err := entity.ParseStrategy(string(p.Strategy))
	if err != nil {
		return nil, fmt.Errorf("%w: %w", common.ErrConfiguration, err)
	}

	if p.MetadataDir == "" {
		return nil, fmt.Errorf("%w: metadata directory is not set", common.ErrConfiguration)
	}

	metadataDir, err := filepath.Abs(p.MetadataDir)
	if err != nil {
		return nil, fmt.Errorf("%w: cannot resolve metadata directory: %w", common.ErrConfiguration, err)
	}

	resourceDir := p.ResourceDir
	if resourceDir != "" {
		if resourceDir, err = filepath.Abs(resourceDir); err != nil {
			return nil, fmt.Errorf("%w: cannot resolve resource directory: %w", common.ErrConfiguration, err)
		}

		// Documents are published under the resource URL prefix.
		rel, err := filepath.Rel(resourceDir, metadataDir)
		if err != nil || rel == "." || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
			return nil, fmt.Errorf("%w: metadata directory %s is not inside resource directory %s",
				common.ErrConfiguration, metadataDir, resourceDir)
		}
	}

	if err := fs.MkdirAll(metadataDir, 0o755); err != nil {
		return nil, fmt.Errorf("%w: cannot create metadata directory: %w", common.ErrConfiguration, err)
	}

	info, err := fs.Stat(metadataDir)
	if err != nil {
		return nil, fmt.Errorf("%w: cannot stat metadata directory: %w", common.ErrConfiguration, err)
	}

	if !info.IsDir() {
		return nil, fmt.Errorf("%w: metadata path is not a directory: %s", common.ErrConfiguration, metadataDir)
	}

	if strings.Contains(p.DescriptionPath, "..") {
		return nil, fmt.Errorf("%w: invalid source description path: %s", common.ErrConfiguration, p.DescriptionPath)
	}

	if p.MaxItemsInList < 1 {
		p.MaxItemsInList = 50000
	}

	p.MetadataDir = metadataDir
	p.ResourceDir = resourceDir
	p.Strategy = strategy
	p.fs = fs

	return &p, nil
}

// AbsMetadataPath returns the absolute path of a file in the metadata directory.
func (p *Parameters) AbsMetadataPath(name string) string {
	return filepath.Join(p.MetadataDir, name)
}

// SnapshotFiles lists existing resource list documents, sorted by name.
func (p *Parameters) SnapshotFiles() ([]string, error) {
	files, err := afero.Glob(p.fs, p.AbsMetadataPath(SnapshotFilePattern))
	if err != nil {
		return nil, fmt.Errorf("cannot list snapshot files: %w", err)
	}

	sort.Strings(files)

	return files, nil
}

// LatestSnapshot returns the most recent resource list document or an empty string.
func (p *Parameters) LatestSnapshot() (string, error) {
	files, err := p.SnapshotFiles()
	if err != nil || len(files) == 0 {
		return "", err
	}

	return files[len(files)-1], nil
}

func (p *Parameters) DescriptionFile() string {
	return filepath.Join(p.ResourceDir, filepath.FromSlash(p.DescriptionPath))
}

func (p *Parameters) DescriptionURL() string {
	return util.JoinURL(p.URLPrefix, p.DescriptionPath)
}

// MetadataURLPrefix is the public URL of the metadata directory.
func (p *Parameters) MetadataURLPrefix() string {
	rel, err := filepath.Rel(p.ResourceDir, p.MetadataDir)
	if err != nil || p.ResourceDir == "" || strings.HasPrefix(rel, "..") {
		rel = filepath.Base(p.MetadataDir)
	}

	return util.JoinURL(p.URLPrefix, filepath.ToSlash(rel))
}

// Load restores LastExecution from the state record. A missing record is not an error.
func (p *Parameters) Load() error {
	data, err := afero.ReadFile(p.fs, p.AbsMetadataPath(StateFileName))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}

		return fmt.Errorf("cannot read state file: %w", err)
	}

	var rec stateRecord
	if err := yaml.Unmarshal(data, &rec); err != nil {
		return fmt.Errorf("cannot parse state file: %w", err)
	}

	if rec.LastExecution == "" {
		p.LastExecution = nil

		return nil
	}

	last, err := time.Parse(time.RFC3339Nano, rec.LastExecution)
	if err != nil {
		return fmt.Errorf("cannot parse last execution time: %w", err)
	}

	p.LastExecution = &last

	return nil
}

// Save writes the state record atomically.
func (p *Parameters) Save() error {
	rec := stateRecord{Strategy: p.Strategy.String()}
	if p.LastExecution != nil {
		rec.LastExecution = p.LastExecution.UTC().Format(time.RFC3339Nano)
	}

	data, err := yaml.Marshal(&rec)
	if err != nil {
		return fmt.Errorf("cannot marshal state: %w", err)
	}

	path := p.AbsMetadataPath(StateFileName)
	if err := util.WriteFileAtomic(p.fs, path, data, 0o644); err != nil {
		return common.NewWriteError(path, err)
	}

	return nil
}

func (p *Parameters) Clone() *Parameters {
	c := *p
	if p.LastExecution != nil {
		last := *p.LastExecution
		c.LastExecution = &last
	}

	return &c
}
