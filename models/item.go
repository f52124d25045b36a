// Package models defines data structures shared by the walker and the downloader.
package models

// Item describes one downloadable file discovered by the walker.
type Item struct {
	GroupLabel string `json:"group_label"`
	Name       string `json:"name"`
	Extension  string `json:"extension"`
	// SourceURL is empty when the upstream withheld the file; such items are skipped.
	SourceURL string `json:"source_url,omitempty"`
}

// FileName returns the base file name the item is stored under.
func (i Item) FileName() string {
	return i.Name + "." + i.Extension
}

// HasSource reports whether the item can be downloaded at all.
func (i Item) HasSource() bool {
	return i.SourceURL != ""
}

// Container groups the items discovered for a single query.
type Container struct {
	Label string `json:"label"`
	Items []Item `json:"items"`
}

// Len returns the number of items in the container.
func (c *Container) Len() int {
	if c == nil {
		return 0
	}
	return len(c.Items)
}

// Queries holds the parsed contents of a tag file.
type Queries struct {
	Tags  []string
	Pools []uint64
	Posts []uint64
}

// Empty reports whether no query of any kind is present.
func (q Queries) Empty() bool {
	return len(q.Tags) == 0 && len(q.Pools) == 0 && len(q.Posts) == 0
}

// Total returns the number of queries across all kinds.
func (q Queries) Total() int {
	return len(q.Tags) + len(q.Pools) + len(q.Posts)
}
