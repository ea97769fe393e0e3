// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package codec

import (
	"fmt"
	"slices"
	"strconv"

	"github.com/AleutianAI/modeledit/services/scene/dom"
)

const (
	wireVersion = 1
	nullRef     = "null"
	rootClass   = "DataModel"
)

// wireDocument is the format-neutral form shared by both encodings.
type wireDocument struct {
	Version int        `codec:"v"`
	Items   []wireItem `codec:"items"`
}

type wireItem struct {
	Referent   string         `codec:"ref"`
	Class      string         `codec:"class"`
	Name       string         `codec:"name"`
	Properties []wireProperty `codec:"props,omitempty"`
	Children   []wireItem     `codec:"children,omitempty"`
}

type wireProperty struct {
	Name  string `codec:"n"`
	Type  string `codec:"t"`
	Value string `codec:"v"`
}

// fromDOM flattens the subtrees at refs. Referents are assigned in pre-order
// so output is deterministic for a given DOM.
func fromDOM(d *dom.DOM, refs []dom.Ref) (*wireDocument, error) {
	referents := make(map[dom.Ref]string)
	for _, r := range refs {
		desc, err := d.Descendants(r)
		if err != nil {
			return nil, err
		}
		for _, x := range append([]dom.Ref{r}, desc...) {
			referents[x] = "REF" + strconv.Itoa(len(referents))
		}
	}

	var build func(dom.Ref) (wireItem, error)
	build = func(ref dom.Ref) (wireItem, error) {
		inst, err := d.Get(ref)
		if err != nil {
			return wireItem{}, err
		}
		item := wireItem{Referent: referents[ref], Class: inst.Class, Name: inst.Name}
		names := make([]string, 0, len(inst.Properties))
		for k := range inst.Properties {
			names = append(names, k)
		}
		slices.Sort(names)
		for _, k := range names {
			item.Properties = append(item.Properties, encodeValue(k, inst.Properties[k], referents))
		}
		for _, c := range inst.Children {
			child, err := build(c)
			if err != nil {
				return wireItem{}, err
			}
			item.Children = append(item.Children, child)
		}
		return item, nil
	}

	doc := &wireDocument{Version: wireVersion}
	for _, r := range refs {
		item, err := build(r)
		if err != nil {
			return nil, err
		}
		doc.Items = append(doc.Items, item)
	}
	return doc, nil
}

func encodeValue(name string, v dom.Value, referents map[dom.Ref]string) wireProperty {
	p := wireProperty{Name: name, Type: v.Kind().String()}
	switch tv := v.(type) {
	case dom.String:
		p.Value = string(tv)
	case dom.Bool:
		p.Value = strconv.FormatBool(bool(tv))
	case dom.Int:
		p.Value = strconv.FormatInt(int64(tv), 10)
	case dom.Float:
		p.Value = strconv.FormatFloat(float64(tv), 'g', -1, 64)
	case dom.Ref:
		p.Value = nullRef
		if s, ok := referents[tv]; ok {
			p.Value = s
		}
	}
	return p
}

type pendingRef struct {
	owner    dom.Ref
	name     string
	referent string
}

// toDOM rebuilds a DOM. Ref properties are resolved after every item exists,
// since they may point forward in the file.
func (doc *wireDocument) toDOM() (*dom.DOM, error) {
	if doc.Version != wireVersion {
		return nil, fmt.Errorf("%w: unsupported version %d", ErrMalformed, doc.Version)
	}
	d := dom.New(rootClass)
	referents := make(map[string]dom.Ref)
	var pending []pendingRef

	var insert func(parent dom.Ref, item wireItem) error
	insert = func(parent dom.Ref, item wireItem) error {
		if item.Class == "" {
			return fmt.Errorf("%w: item %q has no class", ErrMalformed, item.Referent)
		}
		props := make(map[string]dom.Value, len(item.Properties))
		var refs []wireProperty
		for _, p := range item.Properties {
			if p.Type == dom.KindRef.String() {
				refs = append(refs, p)
				continue
			}
			v, err := decodeValue(p)
			if err != nil {
				return err
			}
			props[p.Name] = v
		}
		ref, err := d.Insert(parent, dom.Spec{Class: item.Class, Name: item.Name, Properties: props})
		if err != nil {
			return err
		}
		if item.Referent != "" {
			if _, dup := referents[item.Referent]; dup {
				return fmt.Errorf("%w: duplicate referent %q", ErrMalformed, item.Referent)
			}
			referents[item.Referent] = ref
		}
		for _, p := range refs {
			pending = append(pending, pendingRef{owner: ref, name: p.Name, referent: p.Value})
		}
		for _, c := range item.Children {
			if err := insert(ref, c); err != nil {
				return err
			}
		}
		return nil
	}

	for _, item := range doc.Items {
		if err := insert(d.Root(), item); err != nil {
			return nil, err
		}
	}
	for _, p := range pending {
		target := referents[p.referent] // unknown or "null" resolve to NullRef
		if err := d.SetProperty(p.owner, p.name, target); err != nil {
			return nil, err
		}
	}
	return d, nil
}

func decodeValue(p wireProperty) (dom.Value, error) {
	switch p.Type {
	case dom.KindString.String():
		return dom.String(p.Value), nil
	case dom.KindBool.String():
		b, err := strconv.ParseBool(p.Value)
		if err != nil {
			return nil, fmt.Errorf("%w: property %q: %v", ErrMalformed, p.Name, err)
		}
		return dom.Bool(b), nil
	case dom.KindInt.String():
		i, err := strconv.ParseInt(p.Value, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("%w: property %q: %v", ErrMalformed, p.Name, err)
		}
		return dom.Int(i), nil
	case dom.KindFloat.String():
		f, err := strconv.ParseFloat(p.Value, 64)
		if err != nil {
			return nil, fmt.Errorf("%w: property %q: %v", ErrMalformed, p.Name, err)
		}
		return dom.Float(f), nil
	default:
		return nil, fmt.Errorf("%w: property %q has unknown type %q", ErrMalformed, p.Name, p.Type)
	}
}
