// Package prefs is a small persistent key-value store for strings and
// integers, the side table in which the key store keeps encrypted passwords
// and key provenance.
package prefs

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"sort"
	"strings"
	"sync"

	"github.com/joncooperworks/amks/fileutil"
)

// Store is a string-keyed preference table. Writes are durable when they
// return nil.
type Store interface {
	GetString(key string) (string, bool)
	PutString(key, value string) error
	GetInt(key string, def int) int
	PutInt(key string, value int) error
	Contains(key string) bool
	Remove(key string) error
	// Keys lists keys with the given prefix in sorted order.
	Keys(prefix string) []string
}

type document struct {
	Strings map[string]string `json:"strings,omitempty"`
	Ints    map[string]int    `json:"ints,omitempty"`
}

func newDocument() document {
	return document{Strings: map[string]string{}, Ints: map[string]int{}}
}

func (d document) clone() document {
	c := newDocument()
	for k, v := range d.Strings {
		c.Strings[k] = v
	}
	for k, v := range d.Ints {
		c.Ints[k] = v
	}
	return c
}

func (d document) keys(prefix string) []string {
	seen := make(map[string]struct{}, len(d.Strings)+len(d.Ints))
	for k := range d.Strings {
		seen[k] = struct{}{}
	}
	for k := range d.Ints {
		seen[k] = struct{}{}
	}
	var out []string
	for k := range seen {
		if strings.HasPrefix(k, prefix) {
			out = append(out, k)
		}
	}
	sort.Strings(out)
	return out
}

// File is a Store persisted as a JSON document. Every write replaces the
// file atomically, and the in-memory view only changes once the write has
// succeeded.
type File struct {
	path string
	mu   sync.RWMutex
	doc  document
}

// Open loads the preference file at path. A missing file is an empty store.
func Open(path string) (*File, error) {
	f := &File{path: path, doc: newDocument()}
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return f, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading preferences %s: %w", path, err)
	}
	if err := json.Unmarshal(data, &f.doc); err != nil {
		return nil, fmt.Errorf("parsing preferences %s: %w", path, err)
	}
	if f.doc.Strings == nil {
		f.doc.Strings = map[string]string{}
	}
	if f.doc.Ints == nil {
		f.doc.Ints = map[string]int{}
	}
	return f, nil
}

// Path returns the backing file path.
func (f *File) Path() string { return f.path }

func (f *File) mutate(fn func(d *document)) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	next := f.doc.clone()
	fn(&next)
	data, err := json.MarshalIndent(next, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding preferences: %w", err)
	}
	if err := fileutil.WriteAtomic(f.path, data, 0o600); err != nil {
		return fmt.Errorf("writing preferences: %w", err)
	}
	f.doc = next
	return nil
}

// GetString implements Store.
func (f *File) GetString(key string) (string, bool) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	v, ok := f.doc.Strings[key]
	return v, ok
}

// PutString implements Store.
func (f *File) PutString(key, value string) error {
	return f.mutate(func(d *document) { d.Strings[key] = value })
}

// GetInt implements Store.
func (f *File) GetInt(key string, def int) int {
	f.mu.RLock()
	defer f.mu.RUnlock()
	if v, ok := f.doc.Ints[key]; ok {
		return v
	}
	return def
}

// PutInt implements Store.
func (f *File) PutInt(key string, value int) error {
	return f.mutate(func(d *document) { d.Ints[key] = value })
}

// Contains implements Store.
func (f *File) Contains(key string) bool {
	f.mu.RLock()
	defer f.mu.RUnlock()
	_, s := f.doc.Strings[key]
	_, i := f.doc.Ints[key]
	return s || i
}

// Remove implements Store.
func (f *File) Remove(key string) error {
	if !f.Contains(key) {
		return nil
	}
	return f.mutate(func(d *document) {
		delete(d.Strings, key)
		delete(d.Ints, key)
	})
}

// Keys implements Store.
func (f *File) Keys(prefix string) []string {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.doc.keys(prefix)
}

// Memory is a Store that is never persisted.
type Memory struct {
	mu  sync.RWMutex
	doc document
}

// NewMemory returns an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{doc: newDocument()}
}

func (m *Memory) GetString(key string) (string, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.doc.Strings[key]
	return v, ok
}

func (m *Memory) PutString(key, value string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.doc.Strings[key] = value
	return nil
}

func (m *Memory) GetInt(key string, def int) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if v, ok := m.doc.Ints[key]; ok {
		return v
	}
	return def
}

func (m *Memory) PutInt(key string, value int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.doc.Ints[key] = value
	return nil
}

func (m *Memory) Contains(key string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, s := m.doc.Strings[key]
	_, i := m.doc.Ints[key]
	return s || i
}

func (m *Memory) Remove(key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.doc.Strings, key)
	delete(m.doc.Ints, key)
	return nil
}

func (m *Memory) Keys(prefix string) []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.doc.keys(prefix)
}
