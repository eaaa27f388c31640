package entity

import (
	"sort"
	"time"
)

// Resource is a single file published by the source.
type Resource struct {
	Identifier   string    // Path relative to the resource directory, slash separated
	LastModified time.Time // Modification time of the file
	Length       int64     // Size of the file in bytes
	MIMEType     string
}

// SortResources orders resources by identifier so that generated documents are stable.
func SortResources(resources []Resource) {
	sort.Slice(resources, func(i, j int) bool {
		return resources[i].Identifier < resources[j].Identifier
	})
}
