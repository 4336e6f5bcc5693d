package audit

import (
	"bufio"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// GenesisHash is the prev_hash for the first entry in a new audit log.
const GenesisHash = "sha256:0000000000000000000000000000000000000000000000000000000000000000"

// maxLineSize bounds one JSONL entry when reading a log back.
const maxLineSize = 1 << 20

// Log is the durable side of the audit trail: an append-only JSONL file
// with SHA-256 hash chaining. Each entry's prev_hash is the hash of the
// previous entry's JSON line, forming a tamper-evident chain.
type Log struct {
	path string
	file *os.File

	mu         sync.Mutex
	prevHash   string
	entries    int
	policyHash string
}

// Open opens (or creates) an audit log file for appending. An existing log
// is resumed: the chain continues from its last line. A last line that is
// not a complete entry (a write torn by a crash) is an error, so the chain
// is never extended from a corrupt tail.
func Open(path string) (*Log, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return nil, fmt.Errorf("audit: create directory: %w", err)
	}

	l := &Log{path: path, prevHash: GenesisHash}
	if err := l.resume(); err != nil {
		return nil, err
	}

	file, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0600)
	if err != nil {
		return nil, fmt.Errorf("audit: open file: %w", err)
	}
	l.file = file
	return l, nil
}

// resume reads an existing log for its chain tail, entry count and the
// policy hash in force at the last decision.
func (l *Log) resume() error {
	f, err := os.Open(l.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("audit: read existing log: %w", err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), maxLineSize)
	var last []byte
	for scanner.Scan() {
		last = append(last[:0], scanner.Bytes()...)
		l.entries++
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("audit: scan existing log: %w", err)
	}
	if l.entries == 0 {
		return nil
	}

	var tail Entry
	if err := json.Unmarshal(last, &tail); err != nil {
		return fmt.Errorf("audit: line %d of %s is not a complete entry, run 'voxgate audit verify': %w", l.entries, l.path, err)
	}
	l.prevHash = HashLine(last)
	l.policyHash = tail.PolicyHash
	return nil
}

// Entries returns how many entries the log holds, including those resumed from disk.
func (l *Log) Entries() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.entries
}

// PolicyHash returns the policy hash of the most recent entry that carried one.
func (l *Log) PolicyHash() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.policyHash
}

// Path returns the file the log appends to.
func (l *Log) Path() string {
	return l.path
}

// Append writes an entry to the log with hash chaining.
// It sets the entry's PrevHash (and ID/Timestamp if empty), marshals to JSON,
// writes the line, and syncs to disk.
func (l *Log) Append(entry Entry) error {
	stamp(&entry)

	l.mu.Lock()
	defer l.mu.Unlock()

	entry.PrevHash = l.prevHash

	line, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("audit: marshal entry: %w", err)
	}

	if _, err := l.file.Write(append(line, '\n')); err != nil {
		return fmt.Errorf("audit: write entry: %w", err)
	}

	if err := l.file.Sync(); err != nil {
		return fmt.Errorf("audit: sync: %w", err)
	}

	l.prevHash = HashLine(line)
	l.entries++
	if entry.PolicyHash != "" {
		l.policyHash = entry.PolicyHash
	}
	return nil
}

// Close flushes and closes the underlying file.
func (l *Log) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.file.Close()
}

// HashLine returns "sha256:<hex>" of the given bytes.
func HashLine(line []byte) string {
	h := sha256.Sum256(line)
	return "sha256:" + hex.EncodeToString(h[:])
}
