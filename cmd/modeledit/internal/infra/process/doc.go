// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

/*
Package process provides abstractions for running the external editor and
for keeping two sessions off the same asset.

# Overview

This package contains two main components:

  - ProcessManager: Runs a process attached to the terminal and waits for it
  - ProcessLocker: File-based locking so one asset has at most one session

# ProcessManager

All exec.Command calls go through this interface so the session driver can
be tested without launching a real editor.

	pm := process.NewDefaultProcessManager()
	if err := pm.Run(ctx, editorPath, hostPath); err != nil {
	    var cmdErr *process.CommandError
	    if errors.As(err, &cmdErr) {
	        fmt.Println(cmdErr.ExitCode)
	    }
	}

For testing, use MockProcessManager:

	mock := &process.MockProcessManager{
	    RunFunc: func(ctx context.Context, name string, args ...string) error {
	        return os.WriteFile(args[0], data, 0o644)
	    },
	}

# ProcessLocker

ProcessLock uses flock(2) on Unix. The lock name is derived from the asset
path, so sessions on different assets never contend:

	lock := process.NewProcessLock(process.ProcessLockConfig{
	    LockName: process.LockNameFor(assetPath),
	})
	if err := lock.Acquire(); err != nil {
	    return err
	}
	defer lock.Release()
*/
package process
