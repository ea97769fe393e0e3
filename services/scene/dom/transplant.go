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

// Transplant moves the subtree rooted at ref from src to dst under parent.
//
// # Description
//
// The subtree is removed from src and re-created in dst with fresh Refs
// allocated by dst. Class, name, properties and the child structure are
// preserved exactly. The returned Ref is the subtree root's new identity in
// dst; the old Ref must not be used afterwards.
//
// # Outputs
//
//   - Ref: New Ref of the moved subtree root in dst.
//   - error: ErrInvalidParent if parent is not in dst, ErrNotFound if ref is
//     not in src. On error neither DOM is modified.
//
// # Example
//
//	newRef, err := dom.Transplant(model, part, place, workspace)
//	if err != nil {
//	    return err
//	}
func Transplant(src *DOM, ref Ref, dst *DOM, parent Ref) (Ref, error) {
	moved, err := TransplantMany(src, []Ref{ref}, dst, parent)
	if err != nil {
		return NullRef, err
	}
	return moved[0], nil
}

// TransplantMany moves several subtrees from src to dst in one step.
//
// # Description
//
// Subtrees are appended under parent in the order given. Because all subtrees
// move together, Ref-typed properties that point from one moved subtree into
// another are rewritten to the new Refs. Ref properties pointing at instances
// that stay behind are cleared to NullRef, and so are Ref properties left in
// src that pointed at moved instances.
//
// # Outputs
//
//   - []Ref: New Refs in dst, parallel to refs.
//   - error: ErrInvalidParent, ErrNotFound, ErrInvalidNode (root, duplicate
//     or nested refs) or ErrSameDOM. All validation happens before any
//     mutation, so a failed call leaves both DOMs unchanged.
func TransplantMany(src *DOM, refs []Ref, dst *DOM, parent Ref) ([]Ref, error) {
	if src == dst {
		return nil, ErrSameDOM
	}
	target, ok := dst.nodes[parent]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrInvalidParent, parent)
	}
	seen := make(map[Ref]struct{}, len(refs))
	for _, ref := range refs {
		if _, ok := src.nodes[ref]; !ok {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, ref)
		}
		if ref == src.root {
			return nil, fmt.Errorf("%w: cannot transplant the root", ErrInvalidNode)
		}
		if _, dup := seen[ref]; dup {
			return nil, fmt.Errorf("%w: %s listed twice", ErrInvalidNode, ref)
		}
		seen[ref] = struct{}{}
	}
	for _, ref := range refs {
		for other := range seen {
			if other != ref && src.isAncestor(other, ref) {
				return nil, fmt.Errorf("%w: %s is inside moved subtree %s", ErrInvalidNode, ref, other)
			}
		}
	}

	// Allocate every new Ref up front so property rewrites can see them all.
	subtrees := make([][]Ref, len(refs))
	remap := make(map[Ref]Ref)
	for i, ref := range refs {
		subtrees[i] = src.subtree(ref)
		for _, old := range subtrees[i] {
			remap[old] = dst.alloc()
		}
	}

	moved := make([]Ref, len(refs))
	for i, sub := range subtrees {
		for _, old := range sub {
			n := src.nodes[old]
			newParent := remap[n.parent]
			if old == sub[0] {
				newParent = parent
			}
			children := make([]Ref, len(n.children))
			for j, c := range n.children {
				children[j] = remap[c]
			}
			dst.nodes[remap[old]] = &node{
				class:    n.class,
				name:     n.name,
				parent:   newParent,
				children: children,
				props:    rewriteRefs(n.props, remap),
			}
		}
		moved[i] = remap[sub[0]]
		target.children = append(target.children, moved[i])
	}

	for _, ref := range refs {
		p := src.nodes[src.nodes[ref].parent]
		p.children = slices.DeleteFunc(p.children, func(c Ref) bool { return c == ref })
	}
	for old := range remap {
		delete(src.nodes, old)
	}
	for _, n := range src.nodes {
		clearDangling(n.props, remap)
	}
	return moved, nil
}

// rewriteRefs copies props, mapping Ref values through remap. Refs with no
// mapping would dangle in the target DOM and become NullRef.
func rewriteRefs(props map[string]Value, remap map[Ref]Ref) map[string]Value {
	out := cloneProps(props)
	for k, v := range out {
		if r, ok := v.(Ref); ok && !r.IsNull() {
			out[k] = remap[r]
		}
	}
	return out
}

func clearDangling(props map[string]Value, moved map[Ref]Ref) {
	for k, v := range props {
		if r, ok := v.(Ref); ok {
			if _, gone := moved[r]; gone {
				props[k] = NullRef
			}
		}
	}
}
