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
	"bytes"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/klauspost/compress/zstd"
	ugcodec "github.com/ugorji/go/codec"
)

// binaryMagic opens every binary document. The trailing bytes catch
// line-ending translation the same way the PNG signature does.
var binaryMagic = [8]byte{'<', 'm', 'd', 'l', '!', 0x89, '\r', '\n'}

var msgpack = &ugcodec.MsgpackHandle{WriteExt: true}

// Layout: magic[8] | version uint16 LE | zstd(msgpack(wireDocument)).
func encodeBinary(w io.Writer, doc *wireDocument) error {
	if _, err := w.Write(binaryMagic[:]); err != nil {
		return err
	}
	if err := binary.Write(w, binary.LittleEndian, uint16(wireVersion)); err != nil {
		return err
	}
	zw, err := zstd.NewWriter(w)
	if err != nil {
		return fmt.Errorf("create zstd writer: %w", err)
	}
	if err := ugcodec.NewEncoder(zw, msgpack).Encode(doc); err != nil {
		zw.Close()
		return fmt.Errorf("encode document: %w", err)
	}
	return zw.Close()
}

func decodeBinary(r io.Reader) (*wireDocument, error) {
	var magic [8]byte
	if _, err := io.ReadFull(r, magic[:]); err != nil {
		return nil, fmt.Errorf("%w: short header: %v", ErrMalformed, err)
	}
	if !bytes.Equal(magic[:], binaryMagic[:]) {
		return nil, fmt.Errorf("%w: not a binary document", ErrMalformed)
	}
	var version uint16
	if err := binary.Read(r, binary.LittleEndian, &version); err != nil {
		return nil, fmt.Errorf("%w: short header: %v", ErrMalformed, err)
	}
	if version != wireVersion {
		return nil, fmt.Errorf("%w: unsupported version %d", ErrMalformed, version)
	}
	zr, err := zstd.NewReader(r)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	defer zr.Close()

	var doc wireDocument
	if err := ugcodec.NewDecoder(zr, msgpack).Decode(&doc); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return &doc, nil
}
