package collector

import (
	"fmt"
	"os"
	"slices"
	"strings"

	"github.com/goccy/go-json"
)

const legacyPrefix = "LEGACY_"

// Universe is the set of statistics and sub-types a server can report
type Universe struct {
	Untyped  []string `json:"untyped"`
	Blocks   []string `json:"blocks"`
	Entities []string `json:"entities"`
	Items    []string `json:"items"`
}

// Catalog supplies the universe the collector iterates
type Catalog interface {
	Resolve() (*Universe, error)
}

// Resolve returns u without legacy identifiers, so a Universe can be used
// directly as a Catalog
func (u *Universe) Resolve() (*Universe, error) {
	return &Universe{
		Untyped:  current(u.Untyped),
		Blocks:   current(u.Blocks),
		Entities: current(u.Entities),
		Items:    current(u.Items),
	}, nil
}

// HasUntyped reports whether category is read as an untyped counter
func (u *Universe) HasUntyped(category string) bool {
	return slices.Contains(u.Untyped, category)
}

// FileCatalog reads the universe from a JSON file
type FileCatalog string

func (f FileCatalog) Resolve() (*Universe, error) {
	return LoadCatalog(string(f))
}

// LoadCatalog reads a catalog file of the form
// {"untyped":[...],"blocks":[...],"entities":[...],"items":[...]}
func LoadCatalog(path string) (*Universe, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read catalog: %w", err)
	}

	var u Universe
	if err := json.Unmarshal(data, &u); err != nil {
		return nil, fmt.Errorf("failed to parse catalog %s: %w", path, err)
	}
	return u.Resolve()
}

func current(ids []string) []string {
	out := make([]string, 0, len(ids))
	seen := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		id = strings.TrimSpace(id)
		if id == "" || strings.HasPrefix(id, legacyPrefix) {
			continue
		}
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}
