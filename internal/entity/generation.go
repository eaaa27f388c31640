package entity

import (
	"fmt"
	"time"
)

type Strategy string

const (
	StrategyResourceList          Strategy = "resourcelist"
	StrategyNewChangeList         Strategy = "new_changelist"
	StrategyIncrementalChangeList Strategy = "inc_changelist"
)

func ParseStrategy(s string) (Strategy, error) {
	switch st := Strategy(s); st {
	case StrategyResourceList, StrategyNewChangeList, StrategyIncrementalChangeList:
		return st, nil
	}

	return "", fmt.Errorf("unknown strategy: %q", s)
}

func (s Strategy) String() string {
	return string(s)
}

// GenerationRun describes one execution of the generator. It is not persisted.
type GenerationRun struct {
	ID            string
	StartTime     time.Time
	CompletedTime time.Time
	Strategy      Strategy
	ResourceCount int
	DocumentPaths []string
	DryRun        bool
}

// RunMeta is handed to the document writer.
type RunMeta struct {
	RunID             string
	StartTime         time.Time
	ResourceURLPrefix string
	MetadataURLPrefix string
	DescriptionFile   string // Absolute path of the well-known source description document
	DescriptionURL    string
	MaxItemsInList    int
}
