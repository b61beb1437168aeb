// Package dbm implements the durable append-only key-value engine.
//
// Layout on disk:
//   - <name>.dat — concatenated records [keySize:u32 BE][valueSize:u32 BE][key][value]
//   - <name>.idx — JSON object mapping key -> byte offset of the latest record
//   - <name>.wal — records in the same format, truncated once the data file
//     and index are durable
//
// Writes go to the WAL first. If the process dies mid-write, the next Open
// replays every complete WAL record into the data file, so a set either fully
// happens or is re-applied on recovery. Deletion removes the key from the
// offset index only; record bytes are immortal and the index is the source of
// truth for liveness.
package dbm

import (
	"encoding/binary"
	"encoding/json"
	"io"
	"os"
	"sync"

	"github.com/gofrs/flock"

	kerr "github.com/gddisney/Katamari/pkg/errors"
	"github.com/gddisney/Katamari/pkg/logger"
	"github.com/gddisney/Katamari/pkg/metrics"
)

// File suffixes for the three on-disk files.
const (
	DataFileSuffix  = ".dat"
	IndexFileSuffix = ".idx"
	WALFileSuffix   = ".wal"
)

const headerSize = 8 // two big-endian uint32 sizes

// DBM is a single-writer durable key-value store with WAL crash recovery.
type DBM struct {
	name      string
	dataPath  string
	indexPath string
	walPath   string

	mu       sync.Mutex
	index    map[string]int64 // key -> offset of latest record
	dataFile *os.File         // open O_RDWR for ReadAt + appends

	dataLock *flock.Flock // advisory locks shared with other processes
	walLock  *flock.Flock
}

// Open opens (or creates) the store rooted at name. Recovery runs before the
// store is usable: a missing index is rebuilt from the data file and any
// complete WAL records are replayed.
func Open(name string) (*DBM, error) {
	d := &DBM{
		name:      name,
		dataPath:  name + DataFileSuffix,
		indexPath: name + IndexFileSuffix,
		walPath:   name + WALFileSuffix,
		index:     make(map[string]int64),
		dataLock:  flock.New(name + DataFileSuffix + ".lock"),
		walLock:   flock.New(name + WALFileSuffix + ".lock"),
	}

	f, err := os.OpenFile(d.dataPath, os.O_RDWR|os.O_CREATE, 0644)
	if err != nil {
		return nil, kerr.IO("failed to open data file", err)
	}
	d.dataFile = f

	if err := d.loadIndex(); err != nil {
		f.Close()
		return nil, err
	}
	if err := d.recoverFromWAL(); err != nil {
		f.Close()
		return nil, err
	}
	return d, nil
}

// loadIndex loads the offset index from disk, or rebuilds it by scanning the
// data file when the index file is absent. Rebuild is latest-wins: the last
// offset at which a key appears is kept.
func (d *DBM) loadIndex() error {
	data, err := os.ReadFile(d.indexPath)
	if err == nil {
		if jerr := json.Unmarshal(data, &d.index); jerr != nil {
			return kerr.IO("corrupt index file", jerr)
		}
		return nil
	}
	if !os.IsNotExist(err) {
		return kerr.IO("failed to read index file", err)
	}

	// No index file: rebuild from the data file.
	d.index = make(map[string]int64)
	var offset int64
	for {
		key, valueSize, err := d.readHeader(offset)
		if err == io.EOF {
			break
		}
		if err != nil {
			// A torn tail in the data file ends the scan; everything
			// before it is intact.
			logger.Warn("dbm: truncated record during index rebuild", "offset", offset)
			break
		}
		d.index[key] = offset
		offset += headerSize + int64(len(key)) + int64(valueSize)
	}
	return d.writeIndex()
}

// readHeader reads the record header at offset and returns the key and the
// value size. io.EOF signals a clean end of file.
func (d *DBM) readHeader(offset int64) (string, uint32, error) {
	header := make([]byte, headerSize)
	if _, err := d.dataFile.ReadAt(header, offset); err != nil {
		if err == io.EOF {
			return "", 0, io.EOF
		}
		return "", 0, err
	}
	keySize := binary.BigEndian.Uint32(header[0:4])
	valueSize := binary.BigEndian.Uint32(header[4:8])

	keyBytes := make([]byte, keySize)
	if _, err := d.dataFile.ReadAt(keyBytes, offset+headerSize); err != nil {
		return "", 0, err
	}
	return string(keyBytes), valueSize, nil
}

// writeIndex persists the in-memory offset index.
func (d *DBM) writeIndex() error {
	data, err := json.Marshal(d.index)
	if err != nil {
		return kerr.IO("failed to encode index", err)
	}
	if err := os.WriteFile(d.indexPath, data, 0644); err != nil {
		return kerr.IO("failed to write index file", err)
	}
	return nil
}

// recoverFromWAL replays every complete record from the WAL into the data
// file, then removes the WAL and persists the index. A short record at the
// WAL tail is discarded.
func (d *DBM) recoverFromWAL() error {
	walData, err := os.ReadFile(d.walPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return kerr.IO("failed to read WAL", err)
	}
	if len(walData) == 0 {
		if err := os.Remove(d.walPath); err != nil && !os.IsNotExist(err) {
			return kerr.IO("failed to remove empty WAL", err)
		}
		return nil
	}

	replayed := 0
	pos := 0
	for pos < len(walData) {
		if pos+headerSize > len(walData) {
			logger.Warn("dbm: discarding torn WAL record", "offset", pos)
			break
		}
		keySize := int(binary.BigEndian.Uint32(walData[pos : pos+4]))
		valueSize := int(binary.BigEndian.Uint32(walData[pos+4 : pos+8]))
		end := pos + headerSize + keySize + valueSize
		if end > len(walData) {
			logger.Warn("dbm: discarding torn WAL record", "offset", pos)
			break
		}

		record := walData[pos:end]
		key := string(walData[pos+headerSize : pos+headerSize+keySize])

		offset, err := d.appendToData(record)
		if err != nil {
			return kerr.WALReplay("failed to re-apply WAL record", err)
		}
		d.index[key] = offset
		replayed++
		pos = end
	}

	if err := os.Remove(d.walPath); err != nil {
		return kerr.IO("failed to remove WAL after replay", err)
	}
	if err := d.writeIndex(); err != nil {
		return err
	}
	if replayed > 0 {
		metrics.WALReplays.Add(float64(replayed))
		logger.Info("dbm: recovered from WAL", "records", replayed, "database", d.name)
	}
	return nil
}

// appendToData appends raw record bytes to the data file under the advisory
// lock, fsyncs, and returns the offset the record was written at.
func (d *DBM) appendToData(record []byte) (int64, error) {
	if err := d.dataLock.Lock(); err != nil {
		return 0, err
	}
	defer d.dataLock.Unlock()

	offset, err := d.dataFile.Seek(0, io.SeekEnd)
	if err != nil {
		return 0, err
	}
	if _, err := d.dataFile.Write(record); err != nil {
		return 0, err
	}
	if err := d.dataFile.Sync(); err != nil {
		return 0, err
	}
	return offset, nil
}

// encodeRecord builds the on-disk record for a key/value pair.
func encodeRecord(key string, value []byte) []byte {
	record := make([]byte, headerSize+len(key)+len(value))
	binary.BigEndian.PutUint32(record[0:4], uint32(len(key)))
	binary.BigEndian.PutUint32(record[4:8], uint32(len(value)))
	copy(record[headerSize:], key)
	copy(record[headerSize+len(key):], value)
	return record
}

// Set durably stores value (JSON-encoded) under key. The WAL write is synced
// before the data file is touched; an I/O failure after that point leaves the
// WAL intact so the next Open re-applies the record.
func (d *DBM) Set(key string, value any) error {
	valueData, err := json.Marshal(value)
	if err != nil {
		return kerr.Codec("failed to encode value for "+key, err)
	}
	record := encodeRecord(key, valueData)

	d.mu.Lock()
	defer d.mu.Unlock()

	if err := d.appendToWAL(record); err != nil {
		return kerr.IO("WAL append failed", err)
	}

	offset, err := d.appendToData(record)
	if err != nil {
		return kerr.IO("data append failed", err)
	}

	d.index[key] = offset
	if err := d.writeIndex(); err != nil {
		return err
	}

	// The record is durable and indexed; the WAL entry is no longer needed.
	if err := os.Truncate(d.walPath, 0); err != nil {
		return kerr.IO("failed to truncate WAL", err)
	}
	return nil
}

// appendToWAL appends record bytes to the WAL under the advisory lock and
// fsyncs before returning.
func (d *DBM) appendToWAL(record []byte) error {
	if err := d.walLock.Lock(); err != nil {
		return err
	}
	defer d.walLock.Unlock()

	f, err := os.OpenFile(d.walPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return err
	}
	defer f.Close()

	if _, err := f.Write(record); err != nil {
		return err
	}
	return f.Sync()
}

// Get retrieves the latest value for key. The mutex covers only the index
// lookup and header read; the value body is read with ReadAt, which is safe
// on a shared handle.
func (d *DBM) Get(key string) (any, error) {
	d.mu.Lock()
	offset, ok := d.index[key]
	if !ok {
		d.mu.Unlock()
		return nil, kerr.NotFoundKey(key)
	}
	k, valueSize, err := d.readHeader(offset)
	d.mu.Unlock()
	if err != nil {
		return nil, kerr.IO("failed to read record header", err)
	}

	valueData := make([]byte, valueSize)
	if _, err := d.dataFile.ReadAt(valueData, offset+headerSize+int64(len(k))); err != nil {
		return nil, kerr.IO("failed to read record value", err)
	}

	var value any
	if err := json.Unmarshal(valueData, &value); err != nil {
		return nil, kerr.Codec("corrupt value for "+key, err)
	}
	return value, nil
}

// GetInto is Get decoding straight into out instead of an any.
func (d *DBM) GetInto(key string, out any) error {
	value, err := d.Get(key)
	if err != nil {
		return err
	}
	data, err := json.Marshal(value)
	if err != nil {
		return kerr.Codec("failed to re-encode value for "+key, err)
	}
	if err := json.Unmarshal(data, out); err != nil {
		return kerr.Codec("failed to decode value for "+key, err)
	}
	return nil
}

// Delete removes key from the offset index and persists the index. The data
// bytes remain on disk but become unreachable.
func (d *DBM) Delete(key string) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if _, ok := d.index[key]; !ok {
		return kerr.NotFoundKey(key)
	}
	delete(d.index, key)
	return d.writeIndex()
}

// Keys returns all live keys.
func (d *DBM) Keys() []string {
	d.mu.Lock()
	defer d.mu.Unlock()

	keys := make([]string, 0, len(d.index))
	for k := range d.index {
		keys = append(keys, k)
	}
	return keys
}

// Items returns a copy of the offset index.
func (d *DBM) Items() map[string]int64 {
	d.mu.Lock()
	defer d.mu.Unlock()

	items := make(map[string]int64, len(d.index))
	for k, v := range d.index {
		items[k] = v
	}
	return items
}

// Len returns the number of live keys.
func (d *DBM) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.index)
}

// Close closes the data file handle.
func (d *DBM) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.dataFile != nil {
		err := d.dataFile.Close()
		d.dataFile = nil
		if err != nil {
			return kerr.IO("failed to close data file", err)
		}
	}
	return nil
}
