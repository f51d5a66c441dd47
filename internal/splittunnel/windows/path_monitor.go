//go:build windows

// Package windows implements Windows split tunneling (spec §4.10): a
// reparse-point-aware watch over user-excluded executable paths, plus
// per-process WFP interface blocking so excluded processes can only
// reach the physical NIC.
package windows

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/Microsoft/go-winio"
	"golang.org/x/sys/windows"
)

// shutdownTimeout bounds how long Close waits for orphaned watches to
// drain through the IOCP, per spec §4.10's "2s shutdown timeout".
const shutdownTimeout = 2 * time.Second

// watchMask is FILE_NOTIFY_CHANGE_FILE_NAME | DIR_NAME | ATTRIBUTES.
const watchMask = windows.FILE_NOTIFY_CHANGE_FILE_NAME |
	windows.FILE_NOTIFY_CHANGE_DIR_NAME |
	windows.FILE_NOTIFY_CHANGE_ATTRIBUTES

// ResolvedPath is one (prefix-volume, tail) pair a user-supplied path
// expands to after following reparse points (spec §4.10).
type ResolvedPath struct {
	VolumePrefix string
	Tail         string
}

// ReparseResolver resolves a path through junctions/symlinks/mount
// points via FSCTL_GET_REPARSE_POINT, following chains until a
// non-reparse component is reached.
type ReparseResolver struct{}

// Resolve expands path into its (prefix-volume, tail) pair, following
// any reparse points along the way.
func (ReparseResolver) Resolve(path string) (ResolvedPath, error) {
	current := path
	for depth := 0; depth < 32; depth++ {
		target, isReparse, err := readReparseTarget(current)
		if err != nil {
			return ResolvedPath{}, fmt.Errorf("resolve %s: %w", path, err)
		}
		if !isReparse {
			break
		}
		current = target
	}
	return splitVolumeTail(current), nil
}

func readReparseTarget(path string) (target string, isReparse bool, err error) {
	p, err := windows.UTF16PtrFromString(path)
	if err != nil {
		return "", false, err
	}

	handle, err := windows.CreateFile(p,
		windows.GENERIC_READ,
		windows.FILE_SHARE_READ|windows.FILE_SHARE_WRITE,
		nil,
		windows.OPEN_EXISTING,
		windows.FILE_FLAG_BACKUP_SEMANTICS|windows.FILE_FLAG_OPEN_REPARSE_POINT,
		0,
	)
	if err != nil {
		return "", false, fmt.Errorf("open %s: %w", path, err)
	}
	defer windows.CloseHandle(handle)

	buf := make([]byte, 16*1024)
	var bytesReturned uint32
	err = windows.DeviceIoControl(handle, windows.FSCTL_GET_REPARSE_POINT, nil, 0, &buf[0], uint32(len(buf)), &bytesReturned, nil)
	if err != nil {
		if err == windows.ERROR_NOT_A_REPARSE_POINT {
			return "", false, nil
		}
		return "", false, fmt.Errorf("FSCTL_GET_REPARSE_POINT: %w", err)
	}

	rp, err := winio.DecodeReparsePoint(buf[:bytesReturned])
	if err != nil {
		return "", false, fmt.Errorf("decode reparse point: %w", err)
	}
	return rp.Target, true, nil
}

func splitVolumeTail(path string) ResolvedPath {
	if len(path) >= 2 && path[1] == ':' {
		return ResolvedPath{VolumePrefix: strings.ToUpper(path[:2]), Tail: path[2:]}
	}
	return ResolvedPath{VolumePrefix: "", Tail: path}
}

// watch is one live ReadDirectoryChangesW subscription on a directory.
type watch struct {
	handle windows.Handle
	buf    [64 * 1024]byte
	ov     windows.Overlapped
	dir    string
}

// PathMonitor maintains one recursive ReadDirectoryChangesW watch per
// distinct volume-prefix directory across all excluded paths, rebuilding
// additively and notifying the caller whenever a watched directory
// changes (spec §4.10).
type PathMonitor struct {
	iocp windows.Handle

	mu      sync.Mutex
	watches map[string]*watch // keyed by directory path
}

// NewPathMonitor creates an empty monitor with its own I/O completion
// port.
func NewPathMonitor() (*PathMonitor, error) {
	iocp, err := windows.CreateIoCompletionPort(windows.InvalidHandle, 0, 0, 0)
	if err != nil {
		return nil, fmt.Errorf("create IOCP: %w", err)
	}
	return &PathMonitor{iocp: iocp, watches: make(map[string]*watch)}, nil
}

// Watch starts (or reuses) a recursive watch on dir.
func (m *PathMonitor) Watch(dir string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.watches[dir]; ok {
		return nil
	}

	p, err := windows.UTF16PtrFromString(dir)
	if err != nil {
		return err
	}
	handle, err := windows.CreateFile(p,
		windows.FILE_LIST_DIRECTORY,
		windows.FILE_SHARE_READ|windows.FILE_SHARE_WRITE|windows.FILE_SHARE_DELETE,
		nil,
		windows.OPEN_EXISTING,
		windows.FILE_FLAG_BACKUP_SEMANTICS|windows.FILE_FLAG_OVERLAPPED,
		0,
	)
	if err != nil {
		return fmt.Errorf("open directory %s: %w", dir, err)
	}

	if _, err := windows.CreateIoCompletionPort(handle, m.iocp, 0, 0); err != nil {
		windows.CloseHandle(handle)
		return fmt.Errorf("associate IOCP for %s: %w", dir, err)
	}

	w := &watch{handle: handle, dir: dir}
	if err := issueRead(w); err != nil {
		windows.CloseHandle(handle)
		return fmt.Errorf("issue initial read for %s: %w", dir, err)
	}

	m.watches[dir] = w
	return nil
}

func issueRead(w *watch) error {
	var bytesReturned uint32
	return windows.ReadDirectoryChanges(w.handle, &w.buf[0], uint32(len(w.buf)), true, watchMask, &bytesReturned, &w.ov, 0)
}

// Run drains completion packets from the IOCP until stop is closed
// (checked after each dequeued packet), calling
// onChange(dir) for every directory that reports a change, and
// re-issuing the read so the watch keeps going.
func (m *PathMonitor) Run(stop <-chan struct{}, onChange func(dir string)) {
	for {
		var bytesTransferred uint32
		var key uintptr
		var overlapped *windows.Overlapped

		err := windows.GetQueuedCompletionStatus(m.iocp, &bytesTransferred, &key, &overlapped, windows.INFINITE)
		select {
		case <-stop:
			return
		default:
		}
		if overlapped == nil {
			continue
		}

		m.mu.Lock()
		var matched *watch
		for _, w := range m.watches {
			if &w.ov == overlapped {
				matched = w
				break
			}
		}
		m.mu.Unlock()
		if matched == nil {
			continue
		}

		if err == nil {
			onChange(matched.dir)
			issueRead(matched)
		}
	}
}

// Unwatch cancels and removes the watch on dir, draining its pending I/O
// through the IOCP before returning, bounded by shutdownTimeout.
func (m *PathMonitor) Unwatch(dir string) error {
	m.mu.Lock()
	w, ok := m.watches[dir]
	if ok {
		delete(m.watches, dir)
	}
	m.mu.Unlock()
	if !ok {
		return nil
	}

	windows.CancelIoEx(w.handle, &w.ov)

	done := make(chan struct{})
	go func() {
		var bytesTransferred uint32
		windows.GetOverlappedResult(w.handle, &w.ov, &bytesTransferred, true)
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(shutdownTimeout):
	}
	return windows.CloseHandle(w.handle)
}

// Close tears down every remaining watch.
func (m *PathMonitor) Close() error {
	m.mu.Lock()
	dirs := make([]string, 0, len(m.watches))
	for dir := range m.watches {
		dirs = append(dirs, dir)
	}
	m.mu.Unlock()

	var lastErr error
	for _, dir := range dirs {
		if err := m.Unwatch(dir); err != nil {
			lastErr = err
		}
	}
	windows.CloseHandle(m.iocp)
	return lastErr
}
