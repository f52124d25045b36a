package parser

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/aluiziolira/booru-fetch/models"
)

// DefaultTagFile is written when no tag file exists yet.
const DefaultTagFile = `# This file lists the tags, pools and posts to download
# Lines beginning with # are comments
# Insert entries under the matching section, one per line

[general]

[pools]

[single-post]

`

type section int

const (
	sectionGeneral section = iota
	sectionPools
	sectionPosts
)

// ReadTags parses a tag file. Entries that appear before any section header
// belong to [general].
func ReadTags(r io.Reader) (models.Queries, error) {
	var q models.Queries
	current := sectionGeneral

	sc := bufio.NewScanner(r)
	lineNo := 0
	for sc.Scan() {
		lineNo++
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		if strings.HasPrefix(line, "[") {
			switch line {
			case "[general]":
				current = sectionGeneral
			case "[pools]":
				current = sectionPools
			case "[single-post]":
				current = sectionPosts
			default:
				return models.Queries{}, fmt.Errorf("line %d: unknown section %s", lineNo, line)
			}
			continue
		}

		switch current {
		case sectionGeneral:
			q.Tags = append(q.Tags, line)
		case sectionPools:
			id, err := parseID(line)
			if err != nil {
				return models.Queries{}, fmt.Errorf("line %d: pool id: %w", lineNo, err)
			}
			q.Pools = append(q.Pools, id)
		case sectionPosts:
			id, err := parseID(line)
			if err != nil {
				return models.Queries{}, fmt.Errorf("line %d: post id: %w", lineNo, err)
			}
			q.Posts = append(q.Posts, id)
		}
	}
	if err := sc.Err(); err != nil {
		return models.Queries{}, fmt.Errorf("read tag file: %w", err)
	}
	return q, nil
}

// ReadTagFile opens path and parses it with ReadTags.
func ReadTagFile(path string) (models.Queries, error) {
	f, err := os.Open(path)
	if err != nil {
		return models.Queries{}, fmt.Errorf("open tag file: %w", err)
	}
	defer f.Close()
	return ReadTags(f)
}

// EnsureTagFile writes DefaultTagFile to path when it does not exist and
// reports whether it did.
func EnsureTagFile(path string) (bool, error) {
	if _, err := os.Stat(path); err == nil {
		return false, nil
	} else if !errors.Is(err, os.ErrNotExist) {
		return false, fmt.Errorf("stat tag file: %w", err)
	}
	if err := ensureDir(path); err != nil {
		return false, err
	}
	if err := os.WriteFile(path, []byte(DefaultTagFile), 0o644); err != nil {
		return false, fmt.Errorf("write default tag file: %w", err)
	}
	return true, nil
}

func parseID(s string) (uint64, error) {
	id, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		return 0, err
	}
	if id == 0 {
		return 0, fmt.Errorf("id must be positive")
	}
	return id, nil
}

func ensureDir(filename string) error {
	dir := filepath.Dir(filename)
	if dir == "" || dir == "." {
		return nil
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create directory %q: %w", dir, err)
	}
	return nil
}
