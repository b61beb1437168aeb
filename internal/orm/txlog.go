package orm

import (
	"bufio"
	"encoding/json"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"

	kerr "github.com/gddisney/Katamari/pkg/errors"
	"github.com/gddisney/Katamari/pkg/logger"
)

// TxLogEntry is one pending write recorded before the store is touched.
type TxLogEntry struct {
	Key           string        `json:"key"`
	Value         any           `json:"value"`
	TTL           time.Duration `json:"ttl"`
	TransactionID string        `json:"transaction_id"`
}

// TxLog is the append-only newline-delimited JSON transaction log protecting
// the ORM's multi-step write. Start appends an entry, Commit truncates the
// log to zero, Rollback deletes every logged key and then truncates.
type TxLog struct {
	mu   sync.Mutex
	path string
}

// NewTxLog creates a transaction log at path.
func NewTxLog(path string) *TxLog {
	return &TxLog{path: path}
}

// Start records a pending write and returns its transaction id.
func (t *TxLog) Start(key string, value any, ttl time.Duration) (string, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	entry := TxLogEntry{
		Key:           key,
		Value:         value,
		TTL:           ttl,
		TransactionID: uuid.NewString(),
	}
	data, err := json.Marshal(entry)
	if err != nil {
		return "", kerr.Codec("failed to encode transaction log entry", err)
	}

	f, err := os.OpenFile(t.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return "", kerr.IO("failed to open transaction log", err)
	}
	defer f.Close()

	if _, err := f.Write(append(data, '\n')); err != nil {
		return "", kerr.IO("failed to append transaction log entry", err)
	}
	return entry.TransactionID, nil
}

// Entries reads every pending entry from the log.
func (t *TxLog) Entries() ([]TxLogEntry, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.readEntries()
}

func (t *TxLog) readEntries() ([]TxLogEntry, error) {
	f, err := os.Open(t.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, kerr.IO("failed to open transaction log", err)
	}
	defer f.Close()

	var entries []TxLogEntry
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var entry TxLogEntry
		if err := json.Unmarshal(line, &entry); err != nil {
			logger.Warn("txlog: skipping malformed entry", "error", err)
			continue
		}
		entries = append(entries, entry)
	}
	if err := scanner.Err(); err != nil {
		return entries, kerr.IO("failed to read transaction log", err)
	}
	return entries, nil
}

// Commit truncates the log to zero.
func (t *TxLog) Commit() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if err := os.Truncate(t.path, 0); err != nil && !os.IsNotExist(err) {
		return kerr.IO("failed to truncate transaction log", err)
	}
	return nil
}

// Rollback invokes deleteKey for every logged key, then truncates. Deletion
// failures are logged and do not stop the sweep; rollback is best-effort.
func (t *TxLog) Rollback(deleteKey func(key string) error) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	entries, err := t.readEntries()
	if err != nil {
		return err
	}
	for _, entry := range entries {
		if derr := deleteKey(entry.Key); derr != nil {
			logger.Warn("txlog: rollback delete failed", "key", entry.Key, "error", derr)
		}
	}
	if err := os.Truncate(t.path, 0); err != nil && !os.IsNotExist(err) {
		return kerr.IO("failed to truncate transaction log", err)
	}
	return nil
}
