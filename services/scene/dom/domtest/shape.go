// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package domtest provides helpers for comparing DOM trees in tests.
//
// Shapes drop Refs entirely, so two DOMs holding the same content compare
// equal with cmp.Diff even though their Refs differ.
package domtest

import (
	"strconv"
	"strings"

	"github.com/AleutianAI/modeledit/services/scene/dom"
)

// Shape is a Ref-free snapshot of one instance and its subtree.
//
// Ref-valued properties are rendered as "@" followed by the slash-separated
// child-index path from the DOM root (e.g. "@0/2"), or "@null".
type Shape struct {
	Class      string
	Name       string
	Properties map[string]any
	Children   []Shape
}

// RootShapes snapshots every top-level instance of d.
func RootShapes(d *dom.DOM) []Shape {
	paths := indexPaths(d)
	kids, _ := d.Children(d.Root())
	out := make([]Shape, 0, len(kids))
	for _, k := range kids {
		out = append(out, shapeOf(d, k, paths))
	}
	return out
}

// Of snapshots the subtree rooted at ref.
func Of(d *dom.DOM, ref dom.Ref) Shape {
	return shapeOf(d, ref, indexPaths(d))
}

func shapeOf(d *dom.DOM, ref dom.Ref, paths map[dom.Ref]string) Shape {
	inst, err := d.Get(ref)
	if err != nil {
		return Shape{Class: "<missing>"}
	}
	s := Shape{Class: inst.Class, Name: inst.Name}
	if len(inst.Properties) > 0 {
		s.Properties = make(map[string]any, len(inst.Properties))
		for k, v := range inst.Properties {
			switch tv := v.(type) {
			case dom.Ref:
				if p, ok := paths[tv]; ok {
					s.Properties[k] = "@" + p
				} else {
					s.Properties[k] = "@null"
				}
			default:
				s.Properties[k] = tv
			}
		}
	}
	for _, c := range inst.Children {
		s.Children = append(s.Children, shapeOf(d, c, paths))
	}
	return s
}

func indexPaths(d *dom.DOM) map[dom.Ref]string {
	out := make(map[dom.Ref]string)
	var walk func(ref dom.Ref, prefix []string)
	walk = func(ref dom.Ref, prefix []string) {
		kids, _ := d.Children(ref)
		for i, k := range kids {
			p := append(append([]string(nil), prefix...), strconv.Itoa(i))
			out[k] = strings.Join(p, "/")
			walk(k, p)
		}
	}
	walk(d.Root(), nil)
	return out
}

// Build inserts specs under the root of a new DOM and returns it with the
// top-level Refs.
func Build(rootClass string, specs ...dom.Spec) (*dom.DOM, []dom.Ref) {
	d := dom.New(rootClass)
	refs := make([]dom.Ref, 0, len(specs))
	for _, s := range specs {
		r, _ := d.Insert(d.Root(), s)
		refs = append(refs, r)
	}
	return d, refs
}
