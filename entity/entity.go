// Package entity resolves hierarchical target paths to local entities.
//
// Resolution is purely local: the receiving peer walks its own tree from the
// root using the path components. The protocol only ever holds the path, never
// a reference to the entity itself.
package entity

import (
	"errors"
	"fmt"
	"strings"
	"sync"
)

var (
	ErrNotFound    = errors.New("entity: not found")
	ErrExists      = errors.New("entity: path already bound")
	ErrInvalidPath = errors.New("entity: invalid path")
)

// Entity is anything that exposes procedures. EntityType selects the
// procedure table used to dispatch calls to it.
type Entity interface {
	EntityType() string
}

// Resolver maps a path to a local entity.
type Resolver interface {
	Resolve(path string) (Entity, error)
}

// ResolverFunc adapts a function to Resolver.
type ResolverFunc func(path string) (Entity, error)

func (f ResolverFunc) Resolve(path string) (Entity, error) { return f(path) }

// SplitPath returns the components of path. Empty and "." components are
// dropped, so "/root//world/./player" and "root/world/player" are the same.
func SplitPath(path string) []string {
	parts := strings.Split(path, "/")
	out := parts[:0]
	for _, p := range parts {
		if p == "" || p == "." {
			continue
		}
		out = append(out, p)
	}
	return out
}

// Tree is an in-memory hierarchy of entities.
type Tree struct {
	mu   sync.RWMutex
	root *node
}

type node struct {
	entity   Entity
	children map[string]*node
}

func NewTree() *Tree {
	return &Tree{root: &node{}}
}

// Add binds e at path, creating intermediate components as needed.
func (t *Tree) Add(path string, e Entity) error {
	parts := SplitPath(path)
	if len(parts) == 0 {
		return fmt.Errorf("%w: %q", ErrInvalidPath, path)
	}
	for _, p := range parts {
		if p == ".." {
			return fmt.Errorf("%w: %q", ErrInvalidPath, path)
		}
	}
	if e == nil {
		return fmt.Errorf("%w: nil entity at %q", ErrInvalidPath, path)
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	n := t.root
	for _, p := range parts {
		if n.children == nil {
			n.children = make(map[string]*node)
		}
		child, ok := n.children[p]
		if !ok {
			child = &node{}
			n.children[p] = child
		}
		n = child
	}
	if n.entity != nil {
		return fmt.Errorf("%w: %q", ErrExists, path)
	}
	n.entity = e
	return nil
}

// Remove unbinds the entity at path. Children stay reachable.
func (t *Tree) Remove(path string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	n := t.walk(SplitPath(path))
	if n == nil || n.entity == nil {
		return false
	}
	n.entity = nil
	return true
}

func (t *Tree) Resolve(path string) (Entity, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	n := t.walk(SplitPath(path))
	if n == nil || n.entity == nil {
		return nil, fmt.Errorf("%w: %q", ErrNotFound, path)
	}
	return n.entity, nil
}

// walk must be called with t.mu held.
func (t *Tree) walk(parts []string) *node {
	if len(parts) == 0 {
		return nil
	}
	n := t.root
	for _, p := range parts {
		child, ok := n.children[p]
		if !ok {
			return nil
		}
		n = child
	}
	return n
}

// Paths returns the bound paths in no particular order.
func (t *Tree) Paths() []string {
	t.mu.RLock()
	defer t.mu.RUnlock()

	var out []string
	var visit func(prefix string, n *node)
	visit = func(prefix string, n *node) {
		if n.entity != nil {
			out = append(out, prefix)
		}
		for name, child := range n.children {
			visit(prefix+"/"+name, child)
		}
	}
	visit("", t.root)
	return out
}
