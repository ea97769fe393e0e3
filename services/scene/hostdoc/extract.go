// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package hostdoc

import (
	"fmt"

	"github.com/AleutianAI/modeledit/services/scene/dom"
)

// Exclusion names an editor-injected default by exact class and name.
type Exclusion struct {
	Class string
	Name  string
}

// ExclusionPolicy lists the mount point children that are dropped on extract.
//
// Matching is exact on both fields. A renamed camera, or a second terrain
// with another name, is user content and is kept.
type ExclusionPolicy []Exclusion

// DefaultExclusionPolicy returns the defaults the editor recreates in every
// place: its camera and its terrain.
func DefaultExclusionPolicy() ExclusionPolicy {
	return ExclusionPolicy{
		{Class: "Camera", Name: "Camera"},
		{Class: "Terrain", Name: "Terrain"},
	}
}

// Excludes reports whether an instance with this class and name is dropped.
func (p ExclusionPolicy) Excludes(class, name string) bool {
	for _, e := range p {
		if e.Class == class && e.Name == name {
			return true
		}
	}
	return false
}

// Extractor pulls model content out of host documents.
type Extractor struct {
	Policy ExclusionPolicy
}

// Extract uses the default exclusion policy.
func Extract(host *dom.DOM) (*dom.DOM, error) {
	return Extractor{Policy: DefaultExclusionPolicy()}.Extract(host)
}

// Extract moves the surviving mount point children into a new model DOM.
//
// # Description
//
// Locates the unique mount point, skips children matched by the policy, and
// transplants the rest (in enumeration order, as one batch) under the root of
// a fresh DOM. An empty mount point yields an empty model, not an error.
//
// # Outputs
//
//   - *dom.DOM: The model document.
//   - error: ErrMountPointNotFound for malformed hosts; dom errors otherwise.
func (e Extractor) Extract(host *dom.DOM) (*dom.DOM, error) {
	mount, err := FindMountPoint(host)
	if err != nil {
		return nil, err
	}
	kids, err := host.Children(mount)
	if err != nil {
		return nil, err
	}
	keep := make([]dom.Ref, 0, len(kids))
	for _, k := range kids {
		inst, err := host.Get(k)
		if err != nil {
			return nil, err
		}
		if e.Policy.Excludes(inst.Class, inst.Name) {
			continue
		}
		keep = append(keep, k)
	}

	model := dom.New(RootClass)
	if _, err := dom.TransplantMany(host, keep, model, model.Root()); err != nil {
		return nil, fmt.Errorf("extract model: %w", err)
	}
	return model, nil
}
