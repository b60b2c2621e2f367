package queue

import (
	"encoding/json"
	"errors"
	"fmt"
	"maps"
	"os"
	"path/filepath"
	"slices"
	"sync"
	"time"

	"github.com/szibis/vitals-sync/internal/compression"
	"github.com/szibis/vitals-sync/internal/logging"
)

// Record is the persisted metadata of a queued item.
type Record struct {
	ID         string    `json:"id"`
	Path       string    `json:"path"`
	DataType   string    `json:"data_type"`
	EnqueuedAt time.Time `json:"enqueued_at"`
	RetryCount int       `json:"retry_count"`
}

// Store persists the queue. Save always receives the complete state:
// records in queue order and the JSON-encoded payload of each item by ID.
// Load returns what the last successful Save wrote; a payload may be
// missing for a record when the backend does not keep payloads.
type Store interface {
	Load() ([]Record, map[string][]byte, error)
	Save(records []Record, payloads map[string][]byte) error
	Close() error
}

// MemoryStore keeps the last saved state in memory. It survives a queue
// being reopened within the same process, not a restart.
type MemoryStore struct {
	mu       sync.Mutex
	records  []Record
	payloads map[string][]byte
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{payloads: make(map[string][]byte)}
}

func (s *MemoryStore) Load() ([]Record, map[string][]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.records), maps.Clone(s.payloads), nil
}

func (s *MemoryStore) Save(records []Record, payloads map[string][]byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records = slices.Clone(records)
	s.payloads = maps.Clone(payloads)
	return nil
}

func (s *MemoryStore) Close() error { return nil }

const (
	metaFileName = "queue.meta"
	dataFileName = "queue.data"
	metaVersion  = 1
)

// FileStoreConfig configures a FileStore.
type FileStoreConfig struct {
	// Dir holds queue.meta and queue.data.
	Dir string
	// Compression is applied to queue.data.
	Compression compression.Type
	// PersistPayloads controls whether payloads are written at all. When
	// false only metadata survives a restart and restored items are
	// dropped as payload_lost.
	PersistPayloads bool
}

type metaFile struct {
	Version         int              `json:"version"`
	SavedAt         time.Time        `json:"saved_at"`
	Compression     compression.Type `json:"compression"`
	PersistPayloads bool             `json:"persist_payloads"`
	Items           []Record         `json:"items"`
}

// FileStore persists the queue as two files in a directory. queue.data
// holds the payloads, compressed; queue.meta lists the items in order.
// Each file is replaced atomically (temp file, fsync, rename) and the data
// file is written before the meta file, so a crash never leaves meta
// pointing at payloads that were not written.
type FileStore struct {
	mu  sync.Mutex
	cfg FileStoreConfig
}

// NewFileStore creates the directory if needed.
func NewFileStore(cfg FileStoreConfig) (*FileStore, error) {
	if cfg.Dir == "" {
		return nil, errors.New("queue directory is required")
	}
	if err := os.MkdirAll(cfg.Dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create queue directory: %w", err)
	}
	if cfg.Compression == "" {
		cfg.Compression = compression.TypeNone
	}
	return &FileStore{cfg: cfg}, nil
}

func (s *FileStore) metaPath() string { return filepath.Join(s.cfg.Dir, metaFileName) }
func (s *FileStore) dataPath() string { return filepath.Join(s.cfg.Dir, dataFileName) }

// Load reads both files. A missing meta file is an empty queue. A missing
// or unreadable data file yields records without payloads.
func (s *FileStore) Load() ([]Record, map[string][]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	raw, err := os.ReadFile(s.metaPath())
	if errors.Is(err, os.ErrNotExist) {
		return nil, map[string][]byte{}, nil
	}
	if err != nil {
		return nil, nil, fmt.Errorf("failed to read queue meta: %w", err)
	}
	var meta metaFile
	if err := json.Unmarshal(raw, &meta); err != nil {
		// A torn meta file means the previous state is unknown; start empty.
		logging.Warn("queue meta file is corrupt, starting with an empty queue", logging.F(
			"path", s.metaPath(),
			"error", err.Error(),
		))
		return nil, map[string][]byte{}, nil
	}

	payloads := map[string][]byte{}
	if !meta.PersistPayloads {
		return meta.Items, payloads, nil
	}
	data, err := os.ReadFile(s.dataPath())
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			logging.Warn("failed to read queue data file", logging.F("error", err.Error()))
		}
		return meta.Items, payloads, nil
	}
	data, err = compression.Decompress(data, meta.Compression)
	if err != nil {
		logging.Warn("failed to decompress queue data file", logging.F("error", err.Error()))
		return meta.Items, payloads, nil
	}
	var stored map[string]json.RawMessage
	if err := json.Unmarshal(data, &stored); err != nil {
		logging.Warn("queue data file is corrupt", logging.F("error", err.Error()))
		return meta.Items, payloads, nil
	}
	for id, p := range stored {
		payloads[id] = []byte(p)
	}
	return meta.Items, payloads, nil
}

// Save replaces both files.
func (s *FileStore) Save(records []Record, payloads map[string][]byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cfg.PersistPayloads {
		stored := make(map[string]json.RawMessage, len(records))
		for _, r := range records {
			if p, ok := payloads[r.ID]; ok {
				stored[r.ID] = p
			}
		}
		data, err := json.Marshal(stored)
		if err != nil {
			return fmt.Errorf("failed to encode queue payloads: %w", err)
		}
		data, err = compression.Compress(data, compression.Config{Type: s.cfg.Compression})
		if err != nil {
			return fmt.Errorf("failed to compress queue payloads: %w", err)
		}
		if err := writeFileAtomic(s.dataPath(), data); err != nil {
			return err
		}
	}

	if records == nil {
		records = []Record{}
	}
	meta, err := json.Marshal(metaFile{
		Version:         metaVersion,
		SavedAt:         time.Now().UTC(),
		Compression:     s.cfg.Compression,
		PersistPayloads: s.cfg.PersistPayloads,
		Items:           records,
	})
	if err != nil {
		return fmt.Errorf("failed to encode queue meta: %w", err)
	}
	return writeFileAtomic(s.metaPath(), meta)
}

func (s *FileStore) Close() error { return nil }

func writeFileAtomic(path string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpName := tmp.Name()
	cleanup := func() {
		tmp.Close()
		os.Remove(tmpName)
	}
	if _, err := tmp.Write(data); err != nil {
		cleanup()
		return fmt.Errorf("failed to write %s: %w", path, err)
	}
	if err := tmp.Sync(); err != nil {
		cleanup()
		return fmt.Errorf("failed to sync %s: %w", path, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("failed to close %s: %w", path, err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("failed to rename %s: %w", path, err)
	}
	return nil
}
