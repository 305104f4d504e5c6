// Copyright 2026 The Cellbox Authors
// SPDX-License-Identifier: Apache-2.0

package sys

import (
	"fmt"
	"os"
	"unsafe"

	"golang.org/x/sys/unix"
)

// Real performs the operations against the live kernel.
type Real struct{}

// NewReal returns the production syscall layer.
func NewReal() *Real {
	return &Real{}
}

var _ Interface = (*Real)(nil)

func (r *Real) ReadFile(path string) ([]byte, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	return data, nil
}

func (r *Real) WriteFile(path string, data []byte) error {
	// os.WriteFile opens with O_CREATE but never creates parents, which
	// is the contract: a missing parent surfaces as ENOENT.
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	return nil
}

func (r *Real) MkdirAll(path string, perm os.FileMode) error {
	if err := os.MkdirAll(path, perm); err != nil {
		return fmt.Errorf("mkdir %s: %w", path, err)
	}
	return nil
}

func (r *Real) RemoveAll(path string) error {
	if err := os.RemoveAll(path); err != nil {
		return fmt.Errorf("remove %s: %w", path, err)
	}
	return nil
}

func (r *Real) Rmdir(path string) error {
	if err := unix.Rmdir(path); err != nil {
		return fmt.Errorf("rmdir %s: %w", path, err)
	}
	return nil
}

func (r *Real) Exists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

func (r *Real) IsDir(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.IsDir()
}

func (r *Real) Mount(source, target, fstype string, flags uintptr, data string) error {
	if err := unix.Mount(source, target, fstype, flags, data); err != nil {
		return fmt.Errorf("mount %s on %s (%s): %w", source, target, fstype, err)
	}
	return nil
}

func (r *Real) Unmount(target string, flags int) error {
	if err := unix.Unmount(target, flags); err != nil {
		return fmt.Errorf("unmount %s: %w", target, err)
	}
	return nil
}

func (r *Real) PivotRoot(newRoot, putOld string) error {
	if err := unix.PivotRoot(newRoot, putOld); err != nil {
		return fmt.Errorf("pivot_root %s: %w", newRoot, err)
	}
	return nil
}

func (r *Real) Unshare(flags int) error {
	if err := unix.Unshare(flags); err != nil {
		return fmt.Errorf("unshare: %w", err)
	}
	return nil
}

func (r *Real) Sethostname(name string) error {
	if err := unix.Sethostname([]byte(name)); err != nil {
		return fmt.Errorf("sethostname %s: %w", name, err)
	}
	return nil
}

func (r *Real) Chdir(dir string) error {
	if err := unix.Chdir(dir); err != nil {
		return fmt.Errorf("chdir %s: %w", dir, err)
	}
	return nil
}

func (r *Real) SetNoNewPrivs() error {
	if err := unix.Prctl(unix.PR_SET_NO_NEW_PRIVS, 1, 0, 0, 0); err != nil {
		return fmt.Errorf("prctl(PR_SET_NO_NEW_PRIVS): %w", err)
	}
	return nil
}

func (r *Real) SetProcessName(name string) error {
	// PR_SET_NAME silently truncates to 15 bytes plus NUL.
	ptr, err := unix.BytePtrFromString(name)
	if err != nil {
		return fmt.Errorf("prctl(PR_SET_NAME): %w", err)
	}
	if err := unix.Prctl(unix.PR_SET_NAME, uintptr(unsafe.Pointer(ptr)), 0, 0, 0); err != nil {
		return fmt.Errorf("prctl(PR_SET_NAME): %w", err)
	}
	return nil
}

func (r *Real) Exec(argv0 string, argv []string, envv []string) error {
	if err := unix.Exec(argv0, argv, envv); err != nil {
		return fmt.Errorf("execve %s: %w", argv0, err)
	}
	return nil
}
