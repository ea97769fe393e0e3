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
	"maps"
	"strconv"
)

// Ref identifies an instance inside one DOM. The zero Ref is NullRef.
type Ref uint64

// NullRef is the Ref that never names an instance.
const NullRef Ref = 0

// IsNull reports whether r is NullRef.
func (r Ref) IsNull() bool { return r == NullRef }

// String returns a debug form of the Ref.
func (r Ref) String() string {
	if r.IsNull() {
		return "ref:null"
	}
	return "ref:" + strconv.FormatUint(uint64(r), 10)
}

// ValueKind tags the concrete type of a property Value.
type ValueKind uint8

const (
	KindString ValueKind = iota + 1
	KindBool
	KindInt
	KindFloat
	KindRef
)

// String returns the wire name of the kind.
func (k ValueKind) String() string {
	switch k {
	case KindString:
		return "string"
	case KindBool:
		return "bool"
	case KindInt:
		return "int"
	case KindFloat:
		return "float"
	case KindRef:
		return "ref"
	default:
		return "unknown"
	}
}

// Value is a property value stored on an instance.
//
// The concrete types are String, Bool, Int, Float and Ref. A Ref value points
// at another instance of the same DOM and is rewritten when the instance is
// transplanted.
type Value interface {
	Kind() ValueKind
}

type (
	String string
	Bool   bool
	Int    int64
	Float  float64
)

func (String) Kind() ValueKind { return KindString }
func (Bool) Kind() ValueKind   { return KindBool }
func (Int) Kind() ValueKind    { return KindInt }
func (Float) Kind() ValueKind  { return KindFloat }
func (Ref) Kind() ValueKind    { return KindRef }

// cloneProps copies a property map so callers never alias DOM storage.
func cloneProps(props map[string]Value) map[string]Value {
	if len(props) == 0 {
		return nil
	}
	return maps.Clone(props)
}
