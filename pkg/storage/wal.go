package storage

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/vjranagit/heartwatch/pkg/types"
)

// Mutation kinds recorded in the journal
const (
	MutationInsert    = "insert"
	MutationDeleteAll = "delete_all"
)

// Mutation is one store-mutating operation
type Mutation struct {
	Kind   string        `json:"op"`
	Sample *types.Sample `json:"sample,omitempty"`
}

// WAL journals submitted mutations until they have been applied
type WAL struct {
	path       string
	filename   string
	file       *os.File
	writer     *bufio.Writer
	mu         sync.Mutex
	flushTimer *time.Timer
	closed     bool

	// entries written since the last Truncate
	entries int
}

// walEntry is a single journal line
type walEntry struct {
	Timestamp time.Time `json:"timestamp"`
	Mutation
}

// NewWAL creates a new journal file under dataPath/wal
func NewWAL(dataPath string) (*WAL, error) {
	walPath := filepath.Join(dataPath, "wal")
	if err := os.MkdirAll(walPath, 0755); err != nil {
		return nil, fmt.Errorf("failed to create WAL directory: %w", err)
	}

	filename := filepath.Join(walPath, fmt.Sprintf("wal-%d.log", time.Now().UnixNano()))
	file, err := os.OpenFile(filename, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to open WAL file: %w", err)
	}

	wal := &WAL{
		path:     walPath,
		filename: filename,
		file:     file,
		writer:   bufio.NewWriter(file),
	}

	wal.flushTimer = time.AfterFunc(time.Second, wal.autoFlush)

	return wal, nil
}

// Append appends a mutation to the journal
func (w *WAL) Append(m Mutation) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return fmt.Errorf("WAL is closed")
	}

	data, err := json.Marshal(walEntry{Timestamp: time.Now(), Mutation: m})
	if err != nil {
		return fmt.Errorf("failed to marshal WAL entry: %w", err)
	}

	if _, err := w.writer.Write(data); err != nil {
		return fmt.Errorf("failed to write to WAL: %w", err)
	}
	if err := w.writer.WriteByte('\n'); err != nil {
		return fmt.Errorf("failed to write newline: %w", err)
	}
	w.entries++

	return nil
}

// Truncate discards every journaled entry. Call it only once all of them
// have been applied to the store.
func (w *WAL) Truncate() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed || w.entries == 0 {
		return nil
	}

	w.writer.Reset(w.file)
	if err := w.file.Truncate(0); err != nil {
		return fmt.Errorf("failed to truncate WAL: %w", err)
	}
	if err := w.file.Sync(); err != nil {
		return fmt.Errorf("failed to sync WAL: %w", err)
	}

	w.entries = 0
	return nil
}

// Flush flushes the journal to disk
func (w *WAL) Flush() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.flushLocked()
}

func (w *WAL) flushLocked() error {
	if w.closed {
		return nil
	}

	if err := w.writer.Flush(); err != nil {
		return fmt.Errorf("failed to flush WAL: %w", err)
	}

	if err := w.file.Sync(); err != nil {
		return fmt.Errorf("failed to sync WAL: %w", err)
	}

	return nil
}

func (w *WAL) autoFlush() {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return
	}
	w.flushLocked()
	w.flushTimer.Reset(time.Second)
}

// Close flushes and closes the journal, keeping the file for replay
func (w *WAL) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return nil
	}
	if err := w.flushLocked(); err != nil {
		return err
	}

	w.closed = true
	w.flushTimer.Stop()
	return w.file.Close()
}

// Remove closes the journal and deletes its file. Call it once every
// journaled mutation has been applied.
func (w *WAL) Remove() error {
	if err := w.Close(); err != nil {
		return err
	}
	if err := os.Remove(w.filename); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove WAL file: %w", err)
	}
	return nil
}

// ReplayWAL replays journaled mutations in the order they were written and
// removes each file once replayed. It returns the number of mutations replayed.
func ReplayWAL(dataPath string, handler func(Mutation) error) (int, error) {
	walPath := filepath.Join(dataPath, "wal")

	entries, err := os.ReadDir(walPath)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, fmt.Errorf("failed to read WAL directory: %w", err)
	}

	// ReadDir sorts by name; wal-<nanos> names of equal length sort by age
	names := make([]string, 0, len(entries))
	for _, entry := range entries {
		if !entry.IsDir() {
			names = append(names, entry.Name())
		}
	}
	sort.Slice(names, func(i, j int) bool {
		if len(names[i]) != len(names[j]) {
			return len(names[i]) < len(names[j])
		}
		return names[i] < names[j]
	})

	total := 0
	for _, name := range names {
		filename := filepath.Join(walPath, name)
		n, err := replayWALFile(filename, handler)
		total += n
		if err != nil {
			return total, fmt.Errorf("failed to replay %s: %w", filename, err)
		}

		os.Remove(filename)
	}

	return total, nil
}

func replayWALFile(filename string, handler func(Mutation) error) (int, error) {
	file, err := os.Open(filename)
	if err != nil {
		return 0, err
	}
	defer file.Close()

	n := 0
	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		if len(scanner.Bytes()) == 0 {
			continue
		}

		var entry walEntry
		if err := json.Unmarshal(scanner.Bytes(), &entry); err != nil {
			// A torn final line from a crash mid-write ends the file
			return n, nil
		}

		if err := handler(entry.Mutation); err != nil {
			return n, fmt.Errorf("failed to replay entry: %w", err)
		}
		n++
	}

	return n, scanner.Err()
}
