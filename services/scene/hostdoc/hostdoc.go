// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package hostdoc wraps model content into a host ("place") document and
// extracts it back out.
//
// A host document is a DOM whose root has class RootClass and exactly one
// child of class MountPointClass. Model instances live directly under that
// mount point while the external editor has the document open.
package hostdoc

import (
	"errors"
	"fmt"

	"github.com/AleutianAI/modeledit/services/scene/dom"
)

const (
	// RootClass is the class of every host and model DOM root.
	RootClass = "DataModel"

	// MountPointClass marks the container that holds model content.
	MountPointClass = "Workspace"
)

// ErrMountPointNotFound is returned when a host document has zero or more
// than one MountPointClass instance directly under its root.
var ErrMountPointNotFound = errors.New("mount point not found")

// Build creates a host document and moves assets from src into its mount point.
//
// # Description
//
// The host DOM gets a RootClass root and a single MountPointClass child.
// assets are transplanted from src in the given order, in one batch, so
// references between them survive. src loses those instances and is expected
// to be discarded.
//
// # Outputs
//
//   - *dom.DOM: The host document.
//   - dom.Ref: The mount point.
//   - error: Transplant errors (ErrNotFound, ErrInvalidNode) from dom.
func Build(src *dom.DOM, assets []dom.Ref) (*dom.DOM, dom.Ref, error) {
	host := dom.New(RootClass)
	mount, err := host.Insert(host.Root(), dom.Spec{Class: MountPointClass})
	if err != nil {
		return nil, dom.NullRef, err
	}
	if _, err := dom.TransplantMany(src, assets, host, mount); err != nil {
		return nil, dom.NullRef, fmt.Errorf("wrap model: %w", err)
	}
	return host, mount, nil
}

// BuildFromRoot wraps every top-level instance of src.
func BuildFromRoot(src *dom.DOM) (*dom.DOM, dom.Ref, error) {
	assets, err := src.Children(src.Root())
	if err != nil {
		return nil, dom.NullRef, err
	}
	return Build(src, assets)
}

// FindMountPoint returns the unique MountPointClass child of host's root.
func FindMountPoint(host *dom.DOM) (dom.Ref, error) {
	kids, err := host.Children(host.Root())
	if err != nil {
		return dom.NullRef, err
	}
	found := dom.NullRef
	count := 0
	for _, k := range kids {
		inst, err := host.Get(k)
		if err != nil {
			return dom.NullRef, err
		}
		if inst.Class == MountPointClass {
			found = k
			count++
		}
	}
	if count != 1 {
		return dom.NullRef, fmt.Errorf("%w: found %d %s instances under root", ErrMountPointNotFound, count, MountPointClass)
	}
	return found, nil
}
