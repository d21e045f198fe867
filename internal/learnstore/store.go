package learnstore

import (
	"crypto/sha1"
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"time"

	"yesman/internal/logging"
)

// ErrCorrupted reports store damage that truncation could not repair.
var ErrCorrupted = errors.New("learn store corrupted")

// Record is one (prompt, chosen response, outcome) tuple. Records are
// append-only; corrections are later records superseding earlier ones by
// RecordedAt.
type Record struct {
	Project     string    `json:"project"`
	SessionID   string    `json:"sessionId"`
	Fingerprint string    `json:"fingerprint"`
	Response    string    `json:"response"`
	Strategy    string    `json:"strategy"`
	Confidence  float64   `json:"confidence"`
	Outcome     string    `json:"outcome"`
	DecidedAt   time.Time `json:"decidedAt"`
	RecordedAt  time.Time `json:"recordedAt"`
}

// Envelope layout, per file:
//
//	magic "YMLS" + 1 version byte, then records of
//	1 kind tag byte + 4-byte big-endian length + JSON payload.
//
// A torn tail (partial record) is recovered by truncating to the last
// valid record.
var fileMagic = []byte("YMLS")

const (
	formatVersion  = 0x01
	recInteraction = 0x01
	maxRecordSize  = 1 << 20
	fileSuffix     = ".ymlog"
)

type Store struct {
	dir    string
	logger *slog.Logger

	mu    sync.Mutex
	files map[string]*os.File
}

func Open(dir string, logger *slog.Logger) (*Store, error) {
	if strings.TrimSpace(dir) == "" {
		return nil, errors.New("store directory is required")
	}
	if logger == nil {
		logger = logging.Discard()
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	return &Store{dir: dir, logger: logger, files: map[string]*os.File{}}, nil
}

// Append writes records for one project. The caller (the responder's
// single writer) serializes calls; Append itself is still safe under mu.
func (s *Store) Append(projectID string, records []Record) error {
	if len(records) == 0 {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	f, err := s.fileLocked(projectID)
	if err != nil {
		return err
	}
	for _, rec := range records {
		rec.Project = projectID
		payload, err := json.Marshal(rec)
		if err != nil {
			return err
		}
		frame := make([]byte, 0, 5+len(payload))
		frame = append(frame, recInteraction)
		frame = binary.BigEndian.AppendUint32(frame, uint32(len(payload)))
		frame = append(frame, payload...)
		if _, err := f.Write(frame); err != nil {
			return err
		}
	}
	return f.Sync()
}

// Load reads every record for one project, compacted to the last
// maxPerFingerprint records per fingerprint. A torn tail is truncated with
// a warning; failure to truncate surfaces ErrCorrupted.
func (s *Store) Load(projectID string, maxPerFingerprint int) ([]Record, error) {
	path := s.pathFor(projectID)
	return s.loadPath(path, maxPerFingerprint)
}

// LoadAll reads every project file in the store directory.
func (s *Store) LoadAll(maxPerFingerprint int) (map[string][]Record, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, err
	}
	out := map[string][]Record{}
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), fileSuffix) {
			continue
		}
		records, err := s.loadPath(filepath.Join(s.dir, e.Name()), maxPerFingerprint)
		if err != nil {
			return nil, err
		}
		for _, rec := range records {
			out[rec.Project] = append(out[rec.Project], rec)
		}
	}
	return out, nil
}

func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var errs error
	for _, f := range s.files {
		if err := f.Close(); err != nil {
			errs = errors.Join(errs, err)
		}
	}
	s.files = map[string]*os.File{}
	return errs
}

func (s *Store) fileLocked(projectID string) (*os.File, error) {
	if f, ok := s.files[projectID]; ok {
		return f, nil
	}
	path := s.pathFor(projectID)
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, err
	}
	info, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return nil, err
	}
	if info.Size() == 0 {
		header := append(append([]byte{}, fileMagic...), formatVersion)
		if _, err := f.Write(header); err != nil {
			_ = f.Close()
			return nil, err
		}
	}
	s.files[projectID] = f
	return f, nil
}

func (s *Store) loadPath(path string, maxPerFingerprint int) ([]Record, error) {
	f, err := os.Open(path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var records []Record
	var offset int64

	recoverTail := func(cause error) ([]Record, error) {
		if err := s.recover(path, offset, cause); err != nil {
			return nil, err
		}
		return compact(records, maxPerFingerprint), nil
	}

	header := make([]byte, len(fileMagic)+1)
	if _, err := io.ReadFull(f, header); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, nil
		}
		return recoverTail(err)
	}
	if string(header[:len(fileMagic)]) != string(fileMagic) {
		return nil, fmt.Errorf("%w: bad magic in %s", ErrCorrupted, path)
	}
	if header[len(fileMagic)] != formatVersion {
		return nil, fmt.Errorf("%w: unsupported version %d in %s", ErrCorrupted, header[len(fileMagic)], path)
	}

	offset = int64(len(header))
	head := make([]byte, 5)
	for {
		if _, err := io.ReadFull(f, head); err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			return recoverTail(err)
		}
		if head[0] != recInteraction {
			return recoverTail(fmt.Errorf("unknown record tag %#x", head[0]))
		}
		size := binary.BigEndian.Uint32(head[1:])
		if size == 0 || size > maxRecordSize {
			return recoverTail(fmt.Errorf("implausible record size %d", size))
		}
		payload := make([]byte, size)
		if _, err := io.ReadFull(f, payload); err != nil {
			return recoverTail(err)
		}
		var rec Record
		if err := json.Unmarshal(payload, &rec); err != nil {
			return recoverTail(err)
		}
		records = append(records, rec)
		offset += int64(5 + size)
	}
	return compact(records, maxPerFingerprint), nil
}

// recover truncates the file to the last valid record. The store stays
// usable; only a failed truncation is fatal.
func (s *Store) recover(path string, validSize int64, cause error) error {
	s.logger.Warn("learn store tail damaged, truncating", "path", path, "valid_bytes", validSize, "err", cause)
	if err := os.Truncate(path, validSize); err != nil {
		return fmt.Errorf("%w: truncate %s failed: %v (cause: %v)", ErrCorrupted, path, err, cause)
	}
	return nil
}

func compact(records []Record, maxPerFingerprint int) []Record {
	if maxPerFingerprint <= 0 || len(records) == 0 {
		return records
	}
	counts := map[string]int{}
	for _, rec := range records {
		counts[rec.Fingerprint]++
	}
	out := make([]Record, 0, len(records))
	for _, rec := range records {
		if counts[rec.Fingerprint] > maxPerFingerprint {
			// Oldest-first eviction: skip leading excess.
			counts[rec.Fingerprint]--
			continue
		}
		out = append(out, rec)
	}
	return out
}

var unsafeNameRe = regexp.MustCompile(`[^a-zA-Z0-9._-]+`)

func (s *Store) pathFor(projectID string) string {
	sanitized := unsafeNameRe.ReplaceAllString(projectID, "_")
	if len(sanitized) > 64 {
		sanitized = sanitized[len(sanitized)-64:]
	}
	sum := sha1.Sum([]byte(projectID))
	return filepath.Join(s.dir, sanitized+"-"+hex.EncodeToString(sum[:4])+fileSuffix)
}
