package scraper

import (
	"github.com/aluiziolira/booru-fetch/models"
	"github.com/aluiziolira/booru-fetch/parser"
)

// postsPayload is the body of posts.json.
type postsPayload struct {
	Posts []post `json:"posts"`
}

type post struct {
	ID   uint64   `json:"id"`
	File postFile `json:"file"`
}

type postFile struct {
	Ext string `json:"ext"`
	MD5 string `json:"md5"`
	// URL is null for posts the upstream hides from anonymous clients.
	URL *string `json:"url"`
}

// pool is one element of the pools.json array.
type pool struct {
	ID      uint64   `json:"id"`
	Name    string   `json:"name"`
	PostIDs []uint64 `json:"post_ids"`
}

func (p post) item(label, name string) models.Item {
	it := models.Item{
		GroupLabel: label,
		Name:       parser.NormalizeName(name),
		Extension:  parser.NormalizeExtension(p.File.Ext),
	}
	if p.File.URL != nil {
		it.SourceURL = *p.File.URL
	}
	return it
}

// maxID returns the largest post id on a page.
func maxID(posts []post) uint64 {
	var head uint64
	for _, p := range posts {
		if p.ID > head {
			head = p.ID
		}
	}
	return head
}
