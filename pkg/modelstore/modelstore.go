// Package modelstore persists the trained scaler and forest as one
// versioned, checksummed artifact.
package modelstore

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/binary"
	"encoding/gob"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"github.com/hed1ad/txguard/pkg/preprocess"
)

// SchemaVersion is the artifact layout written by this package.
const SchemaVersion uint16 = 1

var magic = [4]byte{'T', 'X', 'G', 'M'}

// headerSize is magic + version + sha256.
const headerSize = 4 + 2 + sha256.Size

var (
	// ErrNotFound is returned by Load when no artifact has been saved.
	ErrNotFound = errors.New("model artifact not found")
	// ErrCorrupt is returned for truncated, tampered or unknown-version artifacts.
	ErrCorrupt = errors.New("model artifact corrupt")
	// ErrMismatch is returned when scaler and forest do not describe the same features.
	ErrMismatch = errors.New("model artifact mismatch")
)

// Artifact is a scaler and a forest trained together.
type Artifact struct {
	ID        uuid.UUID
	CreatedAt time.Time
	Samples   int
	Features  []string
	Scaler    preprocess.Params
	// Forest is the detector's own serialised form.
	Forest []byte
	// ForestFeatures is the width the forest was fitted on.
	ForestFeatures int
}

// Validate checks that the pair is internally consistent.
func (a *Artifact) Validate() error {
	n := len(a.Features)
	switch {
	case n == 0:
		return fmt.Errorf("%w: no features", ErrMismatch)
	case len(a.Scaler.Mean) != n || len(a.Scaler.Scale) != n:
		return fmt.Errorf("%w: scaler has %d columns, artifact lists %d features", ErrMismatch, len(a.Scaler.Mean), n)
	case a.ForestFeatures != n:
		return fmt.Errorf("%w: forest has %d features, artifact lists %d", ErrMismatch, a.ForestFeatures, n)
	case len(a.Forest) == 0:
		return fmt.Errorf("%w: empty forest", ErrMismatch)
	}
	return nil
}

// FileStore keeps a single artifact at a fixed path.
type FileStore struct {
	path string
}

// NewFileStore returns a store writing to path.
func NewFileStore(path string) *FileStore {
	return &FileStore{path: path}
}

// Path returns the artifact location.
func (s *FileStore) Path() string {
	return s.path
}

// Save writes the artifact atomically: a temp file in the same directory is
// synced and renamed over the previous artifact.
func (s *FileStore) Save(ctx context.Context, a *Artifact) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := a.Validate(); err != nil {
		return err
	}

	data, err := Encode(a)
	if err != nil {
		return err
	}

	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return fmt.Errorf("create model directory: %w", err)
	}

	tmp, err := os.CreateTemp(dir, ".model-*.tmp")
	if err != nil {
		return fmt.Errorf("create temp artifact: %w", err)
	}
	tmpName := tmp.Name()
	defer func() { _ = os.Remove(tmpName) }()

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("write artifact: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("sync artifact: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close artifact: %w", err)
	}
	if err := os.Rename(tmpName, s.path); err != nil {
		return fmt.Errorf("publish artifact: %w", err)
	}
	return nil
}

// Load reads and verifies the artifact.
func (s *FileStore) Load(ctx context.Context) (*Artifact, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	data, err := os.ReadFile(s.path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("read artifact: %w", err)
	}
	return Decode(data)
}

// Encode frames an artifact: magic, big-endian version, sha256(payload), gob payload.
func Encode(a *Artifact) ([]byte, error) {
	var payload bytes.Buffer
	if err := gob.NewEncoder(&payload).Encode(a); err != nil {
		return nil, fmt.Errorf("encode artifact: %w", err)
	}

	sum := sha256.Sum256(payload.Bytes())
	out := make([]byte, 0, headerSize+payload.Len())
	out = append(out, magic[:]...)
	out = binary.BigEndian.AppendUint16(out, SchemaVersion)
	out = append(out, sum[:]...)
	out = append(out, payload.Bytes()...)
	return out, nil
}

// Decode verifies the frame and returns the artifact.
func Decode(data []byte) (*Artifact, error) {
	if len(data) < headerSize {
		return nil, fmt.Errorf("%w: %d bytes", ErrCorrupt, len(data))
	}
	if !bytes.Equal(data[:4], magic[:]) {
		return nil, fmt.Errorf("%w: bad magic", ErrCorrupt)
	}
	if v := binary.BigEndian.Uint16(data[4:6]); v != SchemaVersion {
		return nil, fmt.Errorf("%w: schema version %d, want %d", ErrCorrupt, v, SchemaVersion)
	}
	payload := data[headerSize:]
	if sum := sha256.Sum256(payload); !bytes.Equal(sum[:], data[6:headerSize]) {
		return nil, fmt.Errorf("%w: checksum", ErrCorrupt)
	}

	var a Artifact
	if err := gob.NewDecoder(bytes.NewReader(payload)).Decode(&a); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorrupt, err)
	}
	if err := a.Validate(); err != nil {
		return nil, err
	}
	return &a, nil
}
