// Copyright 2026 The Cellbox Authors
// SPDX-License-Identifier: Apache-2.0

package sys

import (
	"fmt"
	"os"
	"path"
	"strconv"
	"strings"
	"sync"

	"golang.org/x/sys/unix"
)

// Fake is an in-memory syscall layer for tests. It records every call in
// order, serves reads from an in-memory file tree, and can be primed to
// fail specific operations. Writes to paths registered with SetWriteOnce
// succeed once and then fail with EPERM, matching the kernel's handling of
// /proc/self/uid_map and gid_map.
type Fake struct {
	mu sync.Mutex

	calls []Call
	files map[string][]byte
	dirs  map[string]bool

	failures  map[string]error
	writeOnce map[string]bool
	written   map[string]bool
}

// Call is one recorded operation.
type Call struct {
	Op   string
	Args []string
}

// String renders the call as "op arg1 arg2 ...".
func (c Call) String() string {
	if len(c.Args) == 0 {
		return c.Op
	}
	return c.Op + " " + strings.Join(c.Args, " ")
}

// NewFake returns a Fake pre-seeded with the directories most modules
// assume to exist.
func NewFake() *Fake {
	f := &Fake{
		files:     make(map[string][]byte),
		dirs:      make(map[string]bool),
		failures:  make(map[string]error),
		writeOnce: make(map[string]bool),
		written:   make(map[string]bool),
	}
	for _, d := range []string{"/", "/proc", "/proc/self", "/sys", "/sys/fs", "/sys/fs/cgroup", "/tmp", "/dev"} {
		f.dirs[d] = true
	}
	return f
}

var _ Interface = (*Fake)(nil)

// Fail makes the given operation on the given path return err. The path is
// matched against the first recorded argument: for SetNoNewPrivs, which
// records none, it is the empty string; for Unshare it is the flags in
// 0x-prefixed hex.
func (f *Fake) Fail(op, path string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failures[op+" "+path] = err
}

// SetWriteOnce marks path so that a second WriteFile fails with EPERM.
func (f *Fake) SetWriteOnce(path string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.writeOnce[path] = true
}

// AddDir seeds a directory into the fake tree.
func (f *Fake) AddDir(path string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.dirs[path] = true
}

// AddFile seeds a file into the fake tree.
func (f *Fake) AddFile(path string, data []byte) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.files[path] = data
}

// Calls returns a copy of the recorded call list.
func (f *Fake) Calls() []Call {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]Call, len(f.calls))
	copy(out, f.calls)
	return out
}

// Trace returns the recorded calls rendered as strings, for order
// assertions.
func (f *Fake) Trace() []string {
	calls := f.Calls()
	out := make([]string, len(calls))
	for i, c := range calls {
		out[i] = c.String()
	}
	return out
}

// CallsTo returns the recorded calls for one operation.
func (f *Fake) CallsTo(op string) []Call {
	var out []Call
	for _, c := range f.Calls() {
		if c.Op == op {
			out = append(out, c)
		}
	}
	return out
}

// FileContents returns what was last written to path.
func (f *Fake) FileContents(path string) ([]byte, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	data, ok := f.files[path]
	return data, ok
}

func (f *Fake) record(op string, args ...string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, Call{Op: op, Args: args})
	key := op + " "
	if len(args) > 0 {
		key += args[0]
	}
	if err, ok := f.failures[key]; ok {
		return err
	}
	return nil
}

func (f *Fake) ReadFile(p string) ([]byte, error) {
	if err := f.record("read", p); err != nil {
		return nil, fmt.Errorf("read %s: %w", p, err)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	data, ok := f.files[p]
	if !ok {
		return nil, fmt.Errorf("read %s: %w", p, os.ErrNotExist)
	}
	return data, nil
}

func (f *Fake) WriteFile(p string, data []byte) error {
	if err := f.record("write", p, string(data)); err != nil {
		return fmt.Errorf("write %s: %w", p, err)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.writeOnce[p] && f.written[p] {
		return fmt.Errorf("write %s: %w", p, unix.EPERM)
	}
	if parent := path.Dir(p); !f.dirs[parent] {
		return fmt.Errorf("write %s: %w", p, os.ErrNotExist)
	}
	f.files[p] = append([]byte(nil), data...)
	f.written[p] = true
	return nil
}

func (f *Fake) MkdirAll(p string, perm os.FileMode) error {
	if err := f.record("mkdir", p); err != nil {
		return fmt.Errorf("mkdir %s: %w", p, err)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	for dir := p; dir != "/" && dir != "."; dir = path.Dir(dir) {
		f.dirs[dir] = true
	}
	return nil
}

func (f *Fake) RemoveAll(p string) error {
	if err := f.record("removeall", p); err != nil {
		return fmt.Errorf("remove %s: %w", p, err)
	}
	f.removeTree(p)
	return nil
}

func (f *Fake) Rmdir(p string) error {
	if err := f.record("rmdir", p); err != nil {
		return fmt.Errorf("rmdir %s: %w", p, err)
	}
	f.removeTree(p)
	return nil
}

func (f *Fake) removeTree(p string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.dirs, p)
	for dir := range f.dirs {
		if strings.HasPrefix(dir, p+"/") {
			delete(f.dirs, dir)
		}
	}
	for file := range f.files {
		if file == p || strings.HasPrefix(file, p+"/") {
			delete(f.files, file)
		}
	}
}

func (f *Fake) Exists(p string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.dirs[p] {
		return true
	}
	_, ok := f.files[p]
	return ok
}

func (f *Fake) IsDir(p string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.dirs[p]
}

func (f *Fake) Mount(source, target, fstype string, flags uintptr, data string) error {
	if err := f.record("mount", source, target, fstype, "0x"+strconv.FormatUint(uint64(flags), 16), data); err != nil {
		return fmt.Errorf("mount %s on %s: %w", source, target, err)
	}
	return nil
}

func (f *Fake) Unmount(target string, flags int) error {
	if err := f.record("unmount", target, "0x"+strconv.FormatInt(int64(flags), 16)); err != nil {
		return fmt.Errorf("unmount %s: %w", target, err)
	}
	return nil
}

func (f *Fake) PivotRoot(newRoot, putOld string) error {
	if err := f.record("pivot_root", newRoot, putOld); err != nil {
		return fmt.Errorf("pivot_root %s: %w", newRoot, err)
	}
	return nil
}

func (f *Fake) Unshare(flags int) error {
	if err := f.record("unshare", "0x"+strconv.FormatInt(int64(flags), 16)); err != nil {
		return fmt.Errorf("unshare: %w", err)
	}
	return nil
}

func (f *Fake) Sethostname(name string) error {
	if err := f.record("sethostname", name); err != nil {
		return fmt.Errorf("sethostname %s: %w", name, err)
	}
	return nil
}

func (f *Fake) Chdir(dir string) error {
	if err := f.record("chdir", dir); err != nil {
		return fmt.Errorf("chdir %s: %w", dir, err)
	}
	return nil
}

func (f *Fake) SetNoNewPrivs() error {
	if err := f.record("no_new_privs"); err != nil {
		return fmt.Errorf("prctl(PR_SET_NO_NEW_PRIVS): %w", err)
	}
	return nil
}

func (f *Fake) SetProcessName(name string) error {
	if err := f.record("set_name", name); err != nil {
		return fmt.Errorf("prctl(PR_SET_NAME): %w", err)
	}
	return nil
}

func (f *Fake) Exec(argv0 string, argv []string, envv []string) error {
	if err := f.record("exec", argv0, strings.Join(argv, " ")); err != nil {
		return fmt.Errorf("execve %s: %w", argv0, err)
	}
	// A real exec never returns on success; the fake just records the
	// call and returns so the test keeps running.
	return nil
}
