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
	"encoding/base64"
	"encoding/xml"
	"fmt"
	"io"
	"unicode/utf8"
)

const (
	// The instance name travels as a "Name" string property in XML, the way
	// scene editors lay it out, and is lifted back into wireItem.Name on decode.
	xmlNameProperty = "Name"

	xmlStringType = "string"

	// Strings XML 1.0 cannot carry (control characters, invalid UTF-8) are
	// written base64-encoded under this type and decode back to strings.
	xmlBinaryStringType = "BinaryString"
)

type xmlDocument struct {
	XMLName xml.Name  `xml:"modeledit"`
	Version int       `xml:"version,attr"`
	Items   []xmlItem `xml:"Item"`
}

type xmlItem struct {
	Class      string        `xml:"class,attr"`
	Referent   string        `xml:"referent,attr,omitempty"`
	Properties xmlProperties `xml:"Properties"`
	Items      []xmlItem     `xml:"Item"`
}

type xmlProperties struct {
	Values []xmlValue `xml:",any"`
}

// xmlValue uses the element name as the property type: <bool name="Anchored">true</bool>.
type xmlValue struct {
	XMLName xml.Name
	Name    string `xml:"name,attr"`
	Value   string `xml:",chardata"`
}

func encodeXML(w io.Writer, doc *wireDocument) error {
	out := xmlDocument{Version: doc.Version}
	for _, item := range doc.Items {
		out.Items = append(out.Items, toXMLItem(item))
	}
	if _, err := io.WriteString(w, xml.Header); err != nil {
		return err
	}
	enc := xml.NewEncoder(w)
	enc.Indent("", "\t")
	if err := enc.Encode(out); err != nil {
		return fmt.Errorf("encode document: %w", err)
	}
	if err := enc.Close(); err != nil {
		return err
	}
	_, err := io.WriteString(w, "\n")
	return err
}

func toXMLItem(item wireItem) xmlItem {
	x := xmlItem{Class: item.Class, Referent: item.Referent}
	x.Properties.Values = append(x.Properties.Values, toXMLString(xmlNameProperty, item.Name))
	for _, p := range item.Properties {
		if p.Type == xmlStringType {
			x.Properties.Values = append(x.Properties.Values, toXMLString(p.Name, p.Value))
			continue
		}
		x.Properties.Values = append(x.Properties.Values, xmlValue{
			XMLName: xml.Name{Local: p.Type},
			Name:    p.Name,
			Value:   p.Value,
		})
	}
	for _, c := range item.Children {
		x.Items = append(x.Items, toXMLItem(c))
	}
	return x
}

func decodeXML(r io.Reader) (*wireDocument, error) {
	var in xmlDocument
	if err := xml.NewDecoder(r).Decode(&in); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	doc := &wireDocument{Version: in.Version}
	for _, x := range in.Items {
		item, err := fromXMLItem(x)
		if err != nil {
			return nil, err
		}
		doc.Items = append(doc.Items, item)
	}
	return doc, nil
}

func fromXMLItem(x xmlItem) (wireItem, error) {
	item := wireItem{Class: x.Class, Referent: x.Referent}
	named := false
	for _, v := range x.Properties.Values {
		p := wireProperty{Name: v.Name, Type: v.XMLName.Local, Value: v.Value}
		if p.Type == xmlBinaryStringType {
			raw, err := base64.StdEncoding.DecodeString(v.Value)
			if err != nil {
				return wireItem{}, fmt.Errorf("%w: property %q: %v", ErrMalformed, v.Name, err)
			}
			p.Type, p.Value = xmlStringType, string(raw)
		}
		if !named && p.Name == xmlNameProperty && p.Type == xmlStringType {
			item.Name = p.Value
			named = true
			continue
		}
		item.Properties = append(item.Properties, p)
	}
	for _, c := range x.Items {
		child, err := fromXMLItem(c)
		if err != nil {
			return wireItem{}, err
		}
		item.Children = append(item.Children, child)
	}
	return item, nil
}

func toXMLString(name, s string) xmlValue {
	if xmlSafe(s) {
		return xmlValue{XMLName: xml.Name{Local: xmlStringType}, Name: name, Value: s}
	}
	return xmlValue{
		XMLName: xml.Name{Local: xmlBinaryStringType},
		Name:    name,
		Value:   base64.StdEncoding.EncodeToString([]byte(s)),
	}
}

// xmlSafe reports whether s survives XML 1.0 chardata unchanged.
func xmlSafe(s string) bool {
	if !utf8.ValidString(s) {
		return false
	}
	for _, r := range s {
		switch {
		case r == '\t' || r == '\n' || r == '\r':
		case r >= 0x20 && r <= 0xD7FF:
		case r >= 0xE000 && r <= 0xFFFD:
		case r >= 0x10000 && r <= 0x10FFFF:
		default:
			return false
		}
	}
	return true
}
