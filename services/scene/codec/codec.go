// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package codec reads and writes model and place documents.
//
// Two encodings are supported and chosen by file extension:
//
//	.model  .place    binary: header + zstd-compressed msgpack
//	.modelx .placex   XML
//
// Both encodings carry the same content: a forest of items with class,
// name, typed properties and children. Referents are assigned per file and
// exist only to encode Ref-valued properties.
package codec

import (
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"strings"

	"github.com/AleutianAI/modeledit/services/scene/dom"
)

var (
	// ErrUnsupportedFormat is returned for unrecognized file extensions.
	ErrUnsupportedFormat = errors.New("unsupported file type")

	// ErrMalformed is returned when a document cannot be decoded.
	ErrMalformed = errors.New("malformed document")
)

// Format selects an encoding.
type Format int

const (
	FormatUnknown Format = iota
	FormatBinary
	FormatXML
)

// String returns the config name of the format.
func (f Format) String() string {
	switch f {
	case FormatBinary:
		return "binary"
	case FormatXML:
		return "xml"
	default:
		return "unknown"
	}
}

var extensions = map[string]Format{
	".model":  FormatBinary,
	".place":  FormatBinary,
	".modelx": FormatXML,
	".placex": FormatXML,
}

// FormatForPath picks the format from the file extension (case-insensitive).
func FormatForPath(path string) (Format, error) {
	ext := filepath.Ext(path)
	if f, ok := extensions[strings.ToLower(ext)]; ok {
		return f, nil
	}
	if ext == "" {
		ext = "(no extension)"
	}
	return FormatUnknown, fmt.Errorf("%w '%s'", ErrUnsupportedFormat, ext)
}

// ModelFormatForPath is FormatForPath restricted to model assets. Place
// documents (.place, .placex) are only ever host documents.
func ModelFormatForPath(path string) (Format, error) {
	f, err := FormatForPath(path)
	if err != nil {
		return FormatUnknown, err
	}
	switch ext := filepath.Ext(path); strings.ToLower(ext) {
	case ".model", ".modelx":
		return f, nil
	default:
		return FormatUnknown, fmt.Errorf("%w '%s'", ErrUnsupportedFormat, ext)
	}
}

// ParseFormat parses a config name ("binary" or "xml").
func ParseFormat(name string) (Format, error) {
	switch strings.ToLower(name) {
	case "binary":
		return FormatBinary, nil
	case "xml":
		return FormatXML, nil
	default:
		return FormatUnknown, fmt.Errorf("%w '%s'", ErrUnsupportedFormat, name)
	}
}

// PlaceExtension returns the host document extension for f.
func PlaceExtension(f Format) string {
	if f == FormatXML {
		return ".placex"
	}
	return ".place"
}

// Decode reads a document into a new DOM whose root has class "DataModel".
func Decode(r io.Reader, f Format) (*dom.DOM, error) {
	var doc *wireDocument
	var err error
	switch f {
	case FormatBinary:
		doc, err = decodeBinary(r)
	case FormatXML:
		doc, err = decodeXML(r)
	default:
		return nil, fmt.Errorf("%w '%s'", ErrUnsupportedFormat, f)
	}
	if err != nil {
		return nil, err
	}
	return doc.toDOM()
}

// Encode writes the subtrees rooted at refs (usually the root's children).
func Encode(w io.Writer, d *dom.DOM, refs []dom.Ref, f Format) error {
	doc, err := fromDOM(d, refs)
	if err != nil {
		return err
	}
	switch f {
	case FormatBinary:
		return encodeBinary(w, doc)
	case FormatXML:
		return encodeXML(w, doc)
	default:
		return fmt.Errorf("%w '%s'", ErrUnsupportedFormat, f)
	}
}
