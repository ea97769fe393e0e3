// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package dom provides an arena-backed scene graph of instances.
//
// A DOM owns a tree of instances rooted at a synthetic root instance. Every
// instance is addressed by a Ref that is only meaningful inside the DOM that
// issued it. Two DOMs may hand out the same numeric Ref for unrelated
// instances.
//
// # Ownership Model
//
// An instance belongs to exactly one DOM and appears in exactly one parent's
// child list. Instances move between DOMs only through Transplant and
// TransplantMany, which remove the subtree from the source and re-create it in
// the target under fresh Refs. Nothing is ever shared or copied between DOMs.
//
// # Thread Safety
//
// DOM is NOT safe for concurrent use. Each rebuild of a host document owns
// the DOMs it decodes and constructs, so no locking is needed in practice.
//
// # Lifecycle
//
//  1. Create with New(rootClass) or by decoding a file (see package codec)
//  2. Populate with Insert, or receive subtrees via Transplant
//  3. Read with Get, Children, Descendants
//  4. Discard once encoded
package dom

import "errors"

// Sentinel errors for DOM operations.
var (
	// ErrNotFound is returned when a Ref does not name an instance in the DOM.
	ErrNotFound = errors.New("instance not found")

	// ErrInvalidParent is returned when an insertion or transplant targets a
	// parent Ref that does not exist in the target DOM.
	ErrInvalidParent = errors.New("invalid parent")

	// ErrInvalidNode is returned for structurally impossible requests, such as
	// transplanting the root or moving the same subtree twice in one call.
	ErrInvalidNode = errors.New("invalid instance")

	// ErrSameDOM is returned when a transplant names the same DOM as source
	// and target.
	ErrSameDOM = errors.New("source and target DOM are the same")
)
