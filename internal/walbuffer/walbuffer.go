// Package walbuffer is a local durability journal for outbound messages,
// adapted from the teacher's sharded write-ahead log. The distributed
// queue state now lives entirely in Redis (spec.md section 9), so the
// journal no longer feeds a replay path into a separate store of record;
// instead it is an operator-facing audit trail of every message accepted
// by an Enqueuer, rotated and pruned the same way the original WAL was.
package walbuffer

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"serialdispatch/internal/queue"
)

const (
	defaultMaxFileSize = 100 * 1024 * 1024 // 100MB
)

// Buffer journals queue.Message values to a single append-only file,
// rotating it once it grows past maxFileSize. Unlike the teacher's
// WALManager, there is only one stream to manage: nothing here shards by
// namespace, since every message already carries its own recipient ID.
type Buffer struct {
	mu          sync.Mutex
	dir         string
	file        *os.File
	fileSize    int64
	maxFileSize int64
}

func Open(dir string) (*Buffer, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create WAL directory %s: %w", dir, err)
	}
	path := filepath.Join(dir, "wal.log")
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return nil, fmt.Errorf("open WAL file: %w", err)
	}
	info, err := f.Stat()
	if err != nil {
		return nil, fmt.Errorf("stat WAL file: %w", err)
	}
	return &Buffer{
		dir:         dir,
		file:        f,
		fileSize:    info.Size(),
		maxFileSize: defaultMaxFileSize,
	}, nil
}

// Append journals a message. This is best-effort: a journal write failure
// is logged by the caller but never blocks the Redis enqueue that makes
// the message actually deliverable.
func (b *Buffer) Append(msg queue.Message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal journal entry: %w", err)
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.fileSize >= b.maxFileSize {
		if err := b.rotate(); err != nil {
			return fmt.Errorf("rotate WAL file: %w", err)
		}
	}
	n, err := b.file.Write(append(data, '\n'))
	if err != nil {
		return fmt.Errorf("write WAL entry: %w", err)
	}
	b.fileSize += int64(n)
	return nil
}

func (b *Buffer) rotate() error {
	currentPath := filepath.Join(b.dir, "wal.log")
	if err := b.file.Close(); err != nil {
		return fmt.Errorf("close WAL file: %w", err)
	}
	timestamp := time.Now().Format("20060102T150405")
	rotatedPath := filepath.Join(b.dir, fmt.Sprintf("wal-%s.log", timestamp))
	if err := os.Rename(currentPath, rotatedPath); err != nil {
		return fmt.Errorf("rename WAL file: %w", err)
	}
	f, err := os.OpenFile(currentPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return fmt.Errorf("open new WAL file: %w", err)
	}
	b.file = f
	b.fileSize = 0
	return nil
}

// Cleanup removes rotated journal files older than retention.
func (b *Buffer) Cleanup(retention time.Duration) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	cutoff := time.Now().Add(-retention)
	files, err := filepath.Glob(filepath.Join(b.dir, "wal-*.log"))
	if err != nil {
		return fmt.Errorf("list WAL files: %w", err)
	}
	for _, file := range files {
		filename := filepath.Base(file)
		if len(filename) < 19 {
			continue
		}
		timeStr := filename[4 : len(filename)-4] // strip "wal-" and ".log"
		t, err := time.ParseInLocation("20060102T150405", timeStr, time.Local)
		if err != nil {
			continue
		}
		if t.Before(cutoff) {
			if err := os.Remove(file); err != nil {
				return fmt.Errorf("remove old WAL file %s: %w", file, err)
			}
		}
	}
	return nil
}

// ReadAll returns every journaled entry still in the active file, for
// operator tooling or crash-forensics use.
func (b *Buffer) ReadAll() ([]queue.Message, error) {
	b.mu.Lock()
	path := b.file.Name()
	b.mu.Unlock()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read WAL file: %w", err)
	}
	var out []queue.Message
	for _, line := range bytes.Split(data, []byte{'\n'}) {
		if len(line) == 0 {
			continue
		}
		var msg queue.Message
		if err := json.Unmarshal(line, &msg); err != nil {
			continue
		}
		out = append(out, msg)
	}
	return out, nil
}

func (b *Buffer) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.file.Close()
}
