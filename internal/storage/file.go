package storage

import (
	"bufio"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// FileStore persists documents as one JSON file per document plus a shared
// append-only NDJSON audit log. Document files are written atomically
// (temp file + rename); audit entries are fsynced on append so a crash loses
// at most the entry being written.
type FileStore struct {
	mu     sync.Mutex
	dir    string
	audit  *os.File
	logger zerolog.Logger
}

type docFile struct {
	State       DocumentState     `json:"state"`
	VectorClock map[string]uint64 `json:"vectorClock"`
	UpdatedAt   time.Time         `json:"updatedAt"`
}

// NewFileStore opens (or creates) a store rooted at dir.
func NewFileStore(dir string, logger zerolog.Logger) (*FileStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}
	audit, err := os.OpenFile(filepath.Join(dir, "deltas.log"), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open audit log: %w", err)
	}
	return &FileStore{
		dir:    dir,
		audit:  audit,
		logger: logger.With().Str("component", "filestore").Logger(),
	}, nil
}

// docPath maps an opaque documentId to a filesystem-safe file name.
func (s *FileStore) docPath(id string) string {
	return filepath.Join(s.dir, "doc-"+hex.EncodeToString([]byte(id))+".json")
}

func (s *FileStore) readDocFile(id string) (*docFile, error) {
	data, err := os.ReadFile(s.docPath(id))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("read document %s: %w", id, err)
	}
	var df docFile
	if err := json.Unmarshal(data, &df); err != nil {
		return nil, fmt.Errorf("parse document %s: %w", id, err)
	}
	return &df, nil
}

// writeDocFile writes via a temp file and rename so readers never observe a
// torn snapshot.
func (s *FileStore) writeDocFile(id string, df *docFile) error {
	data, err := json.Marshal(df)
	if err != nil {
		return fmt.Errorf("marshal document %s: %w", id, err)
	}
	path := s.docPath(id)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write document %s: %w", id, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("rename document %s: %w", id, err)
	}
	return nil
}

func (s *FileStore) GetDocument(id string) (*StoredDocument, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	df, err := s.readDocFile(id)
	if err != nil || df == nil {
		return nil, err
	}
	return &StoredDocument{State: df.State, UpdatedAt: df.UpdatedAt}, nil
}

func (s *FileStore) SaveDocument(id string, state DocumentState) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	df, err := s.readDocFile(id)
	if err != nil {
		return err
	}
	if df == nil {
		df = &docFile{VectorClock: make(map[string]uint64)}
	}
	df.State = state
	df.UpdatedAt = time.Now()
	return s.writeDocFile(id, df)
}

func (s *FileStore) GetVectorClock(id string) (map[string]uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	df, err := s.readDocFile(id)
	if err != nil {
		return nil, err
	}
	if df == nil || df.VectorClock == nil {
		return map[string]uint64{}, nil
	}
	return df.VectorClock, nil
}

func (s *FileStore) UpdateVectorClock(id string, clientID string, counter uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	df, err := s.readDocFile(id)
	if err != nil {
		return err
	}
	if df == nil {
		df = &docFile{State: DocumentState{Fields: map[string]any{}}, VectorClock: make(map[string]uint64)}
	}
	if df.VectorClock == nil {
		df.VectorClock = make(map[string]uint64)
	}
	if counter > df.VectorClock[clientID] {
		df.VectorClock[clientID] = counter
	}
	return s.writeDocFile(id, df)
}

// SaveDelta appends one audit entry and flushes it to disk.
func (s *FileStore) SaveDelta(rec DeltaRecord) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal delta record: %w", err)
	}
	data = append(data, '\n')

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := s.audit.Write(data); err != nil {
		return fmt.Errorf("append delta record: %w", err)
	}
	return s.audit.Sync()
}

// ReadDeltas scans the audit log from the beginning. Corrupt lines are
// skipped with a warning.
func (s *FileStore) ReadDeltas() ([]DeltaRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	f, err := os.Open(filepath.Join(s.dir, "deltas.log"))
	if err != nil {
		return nil, fmt.Errorf("open audit log: %w", err)
	}
	defer f.Close()

	var records []DeltaRecord
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var rec DeltaRecord
		if err := json.Unmarshal(line, &rec); err != nil {
			s.logger.Warn().Err(err).Msg("Skipping corrupt audit entry")
			continue
		}
		records = append(records, rec)
	}
	return records, scanner.Err()
}

func (s *FileStore) Disconnect() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.audit.Close()
}
