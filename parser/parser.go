package parser

import (
	"fmt"
	"strings"

	"github.com/aluiziolira/booru-fetch/models"
)

// ValidateItem ensures the walker captured a usable file name for the item.
func ValidateItem(it models.Item) error {
	if strings.TrimSpace(it.Name) == "" {
		return fmt.Errorf("item missing name")
	}
	if strings.TrimSpace(it.Extension) == "" {
		return fmt.Errorf("item %s missing extension", it.Name)
	}
	if strings.ContainsAny(it.Name, `/\`) || strings.ContainsAny(it.Extension, `/\`) {
		return fmt.Errorf("item %s.%s contains a path separator", it.Name, it.Extension)
	}
	if it.Name == "." || it.Name == ".." {
		return fmt.Errorf("item name %q is reserved", it.Name)
	}
	return nil
}

// NormalizeExtension lower-cases the extension and drops a leading dot.
func NormalizeExtension(ext string) string {
	ext = strings.TrimSpace(ext)
	ext = strings.TrimPrefix(ext, ".")
	return strings.ToLower(ext)
}

// NormalizeName trims whitespace from a content hash or sequence name.
func NormalizeName(name string) string {
	return strings.TrimSpace(name)
}

// SanitizeLabel turns a query label into a single directory name. Tag
// expressions may contain separators or dot segments that would otherwise
// escape the output directory.
func SanitizeLabel(label string) string {
	label = strings.TrimSpace(label)
	label = strings.Map(func(r rune) rune {
		switch r {
		case '/', '\\', 0:
			return '_'
		}
		return r
	}, label)
	switch label {
	case "", ".", "..":
		return "_" + label
	}
	return label
}
