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
	"bufio"
	"fmt"
	"os"
	"path/filepath"

	"github.com/AleutianAI/modeledit/services/scene/dom"
)

// ReadFile decodes path using the format implied by its extension.
func ReadFile(path string) (*dom.DOM, Format, error) {
	f, err := FormatForPath(path)
	if err != nil {
		return nil, FormatUnknown, err
	}
	file, err := os.Open(path)
	if err != nil {
		return nil, f, err
	}
	defer file.Close()

	d, err := Decode(bufio.NewReader(file), f)
	if err != nil {
		return nil, f, fmt.Errorf("read %s: %w", path, err)
	}
	return d, f, nil
}

// WriteFile encodes the subtrees at refs to path, replacing it atomically.
//
// # Description
//
// Data is written to a temporary file in the same directory, synced, and
// renamed over path. A crash or encode error never leaves path truncated.
// An existing file's permission bits are carried over.
func WriteFile(path string, d *dom.DOM, refs []dom.Ref, f Format) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	committed := false
	defer func() {
		if !committed {
			tmp.Close()
			os.Remove(tmpName)
		}
	}()

	w := bufio.NewWriter(tmp)
	if err := Encode(w, d, refs, f); err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	if err := w.Flush(); err != nil {
		return err
	}
	if info, err := os.Stat(path); err == nil {
		if err := tmp.Chmod(info.Mode().Perm()); err != nil {
			return err
		}
	}
	if err := tmp.Sync(); err != nil {
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmpName, path); err != nil {
		return err
	}
	committed = true
	return nil
}

// WriteRoot writes all top-level instances of d.
func WriteRoot(path string, d *dom.DOM, f Format) error {
	refs, err := d.Children(d.Root())
	if err != nil {
		return err
	}
	return WriteFile(path, d, refs, f)
}
