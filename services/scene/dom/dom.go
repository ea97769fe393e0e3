// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package dom

import (
	"fmt"
	"slices"
)

// Spec describes an instance to be inserted, optionally with children.
type Spec struct {
	// Class is the instance's class tag (e.g. "Part", "Workspace").
	Class string

	// Name is the display name. Empty means "same as Class".
	Name string

	// Properties are copied into the DOM on insert.
	Properties map[string]Value

	// Children are inserted beneath the new instance, in order.
	Children []Spec
}

// Instance is a read-only view of one instance.
//
// Children and Properties are copies; mutating them does not affect the DOM.
type Instance struct {
	Ref        Ref
	Class      string
	Name       string
	Parent     Ref
	Children   []Ref
	Properties map[string]Value
}

type node struct {
	class    string
	name     string
	parent   Ref
	children []Ref
	props    map[string]Value
}

// DOM is an arena of instances under a single synthetic root.
//
// # Description
//
// Instances are stored in a map keyed by Ref. Refs are allocated from a
// per-DOM counter and are never reused within the DOM's lifetime, so a stale
// Ref yields ErrNotFound rather than aliasing a newer instance.
//
// # Thread Safety
//
// Not safe for concurrent use.
type DOM struct {
	nodes map[Ref]*node
	root  Ref
	next  Ref
}

// New creates a DOM holding only a root instance of the given class.
func New(rootClass string) *DOM {
	d := &DOM{nodes: make(map[Ref]*node)}
	d.root = d.alloc()
	d.nodes[d.root] = &node{class: rootClass, name: rootClass}
	return d
}

func (d *DOM) alloc() Ref {
	d.next++
	return d.next
}

// Root returns the Ref of the synthetic root.
func (d *DOM) Root() Ref { return d.root }

// Len returns the number of instances, including the root.
func (d *DOM) Len() int { return len(d.nodes) }

// Contains reports whether ref names an instance in this DOM.
func (d *DOM) Contains(ref Ref) bool {
	_, ok := d.nodes[ref]
	return ok
}

// Insert adds a new instance (and spec.Children, recursively) under parent.
//
// # Inputs
//
//   - parent: Ref of an existing instance in this DOM.
//   - spec: Description of the instance to create.
//
// # Outputs
//
//   - Ref: The new instance's Ref.
//   - error: ErrInvalidParent if parent does not exist. Nothing is inserted
//     in that case.
//
// The new instance is appended as the last child of parent.
func (d *DOM) Insert(parent Ref, spec Spec) (Ref, error) {
	p, ok := d.nodes[parent]
	if !ok {
		return NullRef, fmt.Errorf("%w: %s", ErrInvalidParent, parent)
	}
	ref := d.insertSpec(parent, spec)
	p.children = append(p.children, ref)
	return ref, nil
}

func (d *DOM) insertSpec(parent Ref, spec Spec) Ref {
	ref := d.alloc()
	name := spec.Name
	if name == "" {
		name = spec.Class
	}
	n := &node{
		class:  spec.Class,
		name:   name,
		parent: parent,
		props:  cloneProps(spec.Properties),
	}
	d.nodes[ref] = n
	for _, child := range spec.Children {
		n.children = append(n.children, d.insertSpec(ref, child))
	}
	return ref
}

// Get returns a view of the instance named by ref.
func (d *DOM) Get(ref Ref) (Instance, error) {
	n, ok := d.nodes[ref]
	if !ok {
		return Instance{}, fmt.Errorf("%w: %s", ErrNotFound, ref)
	}
	return Instance{
		Ref:        ref,
		Class:      n.class,
		Name:       n.name,
		Parent:     n.parent,
		Children:   slices.Clone(n.children),
		Properties: cloneProps(n.props),
	}, nil
}

// Children returns the child Refs of ref in insertion order.
//
// Returns an empty, non-nil slice for leaves and ErrNotFound if ref is absent.
func (d *DOM) Children(ref Ref) ([]Ref, error) {
	n, ok := d.nodes[ref]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, ref)
	}
	out := make([]Ref, len(n.children))
	copy(out, n.children)
	return out, nil
}

// Parent returns the parent of ref. The root's parent is NullRef.
func (d *DOM) Parent(ref Ref) (Ref, error) {
	n, ok := d.nodes[ref]
	if !ok {
		return NullRef, fmt.Errorf("%w: %s", ErrNotFound, ref)
	}
	return n.parent, nil
}

// Descendants returns every instance below ref in pre-order, excluding ref.
func (d *DOM) Descendants(ref Ref) ([]Ref, error) {
	if _, ok := d.nodes[ref]; !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, ref)
	}
	sub := d.subtree(ref)
	return sub[1:], nil
}

// SetProperty sets or replaces a property on ref. A nil value deletes it.
func (d *DOM) SetProperty(ref Ref, name string, v Value) error {
	n, ok := d.nodes[ref]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, ref)
	}
	if v == nil {
		delete(n.props, name)
		return nil
	}
	if n.props == nil {
		n.props = make(map[string]Value)
	}
	n.props[name] = v
	return nil
}

// subtree returns ref followed by all of its descendants in pre-order.
// ref must exist.
func (d *DOM) subtree(ref Ref) []Ref {
	out := []Ref{ref}
	for i := 0; i < len(out); i++ {
		// Children are spliced in right after their parent to keep pre-order.
		kids := d.nodes[out[i]].children
		if len(kids) == 0 {
			continue
		}
		out = slices.Insert(out, i+1, kids...)
	}
	return out
}

// isAncestor reports whether anc is a proper ancestor of ref.
func (d *DOM) isAncestor(anc, ref Ref) bool {
	for cur := d.nodes[ref].parent; !cur.IsNull(); cur = d.nodes[cur].parent {
		if cur == anc {
			return true
		}
	}
	return false
}
