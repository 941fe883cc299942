package chunkstore

import (
	"errors"
	"fmt"
	"strings"

	"github.com/goccy/go-json"
)

// Group is the root group of a store: a set of named arrays sharing axes.
type Group struct {
	store Storage
	reg   *Registry
}

type groupMeta struct {
	ZarrFormat int `json:"zarr_format"`
}

type consolidated struct {
	Metadata map[string]json.RawMessage `json:"metadata"`
	Format   int                        `json:"zarr_consolidated_format"`
}

// CreateGroup initializes an empty root group.
func CreateGroup(s Storage, reg *Registry, attrs map[string]any) (*Group, error) {
	if err := writeJSON(s, GroupMetaKey, groupMeta{ZarrFormat: 2}); err != nil {
		return nil, err
	}
	if attrs == nil {
		attrs = map[string]any{}
	}
	if err := writeJSON(s, AttrsKey, attrs); err != nil {
		return nil, err
	}
	return &Group{store: s, reg: reg}, nil
}

// OpenGroup opens an existing root group.
func OpenGroup(s Storage, reg *Registry) (*Group, error) {
	var m groupMeta
	if err := readJSON(s, GroupMetaKey, &m); err != nil {
		return nil, fmt.Errorf("open group: %w", err)
	}
	if m.ZarrFormat != 2 {
		return nil, fmt.Errorf("open group: unsupported zarr_format %d", m.ZarrFormat)
	}
	return &Group{store: s, reg: reg}, nil
}

// Exists reports whether s holds a group.
func Exists(s Storage) bool {
	_, err := s.Get(GroupMetaKey)
	return err == nil
}

func (g *Group) Storage() Storage { return g.store }

// CreateArray adds an array to the group.
func (g *Group) CreateArray(name string, meta ArrayMeta, dims []string, attrs map[string]any) (*Array, error) {
	return CreateArray(g.store, g.reg, name, meta, dims, attrs)
}

// Array opens a member array.
func (g *Group) Array(name string) (*Array, error) {
	return OpenArray(g.store, g.reg, name)
}

// Attrs returns the group attributes.
func (g *Group) Attrs() (map[string]any, error) {
	attrs := map[string]any{}
	err := readJSON(g.store, AttrsKey, &attrs)
	if errors.Is(err, ErrNotFound) {
		return attrs, nil
	}
	return attrs, err
}

// SetAttrs replaces the group attributes.
func (g *Group) SetAttrs(attrs map[string]any) error {
	return writeJSON(g.store, AttrsKey, attrs)
}

// ArrayNames lists member arrays.
func (g *Group) ArrayNames() ([]string, error) {
	keys, err := g.store.List("")
	if err != nil {
		return nil, err
	}
	var names []string
	for _, k := range keys {
		if strings.HasSuffix(k, "/"+ArrayMetaKey) {
			names = append(names, strings.TrimSuffix(k, "/"+ArrayMetaKey))
		}
	}
	return names, nil
}

// Consolidate gathers every metadata document into .zmetadata.
func (g *Group) Consolidate() error {
	keys, err := g.store.List("")
	if err != nil {
		return err
	}
	c := consolidated{Metadata: map[string]json.RawMessage{}, Format: 1}
	for _, k := range keys {
		base := k[strings.LastIndex(k, "/")+1:]
		if base != ArrayMetaKey && base != AttrsKey && base != GroupMetaKey {
			continue
		}
		b, err := g.store.Get(k)
		if err != nil {
			return err
		}
		c.Metadata[k] = json.RawMessage(b)
	}
	return writeJSON(g.store, ConsolidatedMetaKey, c)
}

// ConsolidatedKeys returns the metadata keys recorded in .zmetadata.
func ConsolidatedKeys(s Storage) (map[string]json.RawMessage, error) {
	var c consolidated
	if err := readJSON(s, ConsolidatedMetaKey, &c); err != nil {
		return nil, err
	}
	return c.Metadata, nil
}

// PatchConsolidated replaces a single entry of .zmetadata with the current
// content of key.
func PatchConsolidated(s Storage, key string) error {
	var c consolidated
	if err := readJSON(s, ConsolidatedMetaKey, &c); err != nil {
		return fmt.Errorf("patch consolidated metadata: %w", err)
	}
	b, err := s.Get(key)
	if err != nil {
		return err
	}
	c.Metadata[key] = json.RawMessage(b)
	return writeJSON(s, ConsolidatedMetaKey, c)
}
