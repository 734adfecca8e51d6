package localfs

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/unidrive/unidrive/internal/backend"
)

const (
	indexFile  = "index.json"
	objectsDir = "objects"

	// rootFolderID is the fixed local id of every account's root.
	rootFolderID = "root"
)

// docRec is the persisted form of one document.
type docRec struct {
	Doc      backend.Document `json:"doc"`
	Versions []objectRef      `json:"versions"`
}

// objectRef points at one immutable content file.
type objectRef struct {
	Object string `json:"object"`
	Size   int64  `json:"size"`
}

// index is the persisted account state.
type index struct {
	Folders map[string]*backend.Folder `json:"folders"`
	// Files maps folder id to file id to record.
	Files  map[string]map[string]*docRec `json:"files"`
	NextID int64                         `json:"next_id"`
}

func newIndex() *index {
	now := time.Now()
	return &index{
		Folders: map[string]*backend.Folder{
			rootFolderID: {LocalID: rootFolderID, Name: "/", Created: now, Modified: now},
		},
		Files: map[string]map[string]*docRec{rootFolderID: {}},
	}
}

// clone deep-copies the index through its JSON form.
func (idx *index) clone() (*index, error) {
	raw, err := json.Marshal(idx)
	if err != nil {
		return nil, err
	}
	var out index
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (idx *index) nextLocalID(prefix string) string {
	idx.NextID++
	return fmt.Sprintf("%s-%d", prefix, idx.NextID)
}

// store is the shared on-disk state of one account.
type store struct {
	dir string

	mu     sync.Mutex
	loaded bool
	idx    *index
}

// open loads the index, creating the account directory on first use.
func (s *store) open() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.loaded {
		return nil
	}
	if err := os.MkdirAll(filepath.Join(s.dir, objectsDir), 0o755); err != nil {
		return fmt.Errorf("create account dir %s: %w", s.dir, err)
	}

	raw, err := os.ReadFile(filepath.Join(s.dir, indexFile))
	if err != nil {
		if os.IsNotExist(err) {
			s.idx = newIndex()
			s.loaded = true
			return nil
		}
		return fmt.Errorf("read index: %w", err)
	}
	var idx index
	if err := json.Unmarshal(raw, &idx); err != nil {
		return fmt.Errorf("parse index: %w", err)
	}
	s.idx = &idx
	s.loaded = true
	return nil
}

// persist writes the index atomically via temp file and rename.
func (s *store) persist() error {
	s.mu.Lock()
	raw, err := json.MarshalIndent(s.idx, "", "  ")
	s.mu.Unlock()
	if err != nil {
		return fmt.Errorf("encode index: %w", err)
	}

	tmp, err := os.CreateTemp(s.dir, ".index-*.tmp")
	if err != nil {
		return fmt.Errorf("create temp index: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(raw); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("write index: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("close temp index: %w", err)
	}
	if err := os.Rename(tmpName, filepath.Join(s.dir, indexFile)); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("rename index: %w", err)
	}
	return nil
}

// objectPath returns the content file path for one object name.
func (s *store) objectPath(object string) string {
	return filepath.Join(s.dir, objectsDir, object)
}

// writeObject streams content into a new immutable object file,
// atomically, and returns the number of bytes written.
func (s *store) writeObject(object string, body io.Reader) (int64, error) {
	tmp, err := os.CreateTemp(filepath.Join(s.dir, objectsDir), ".obj-*.tmp")
	if err != nil {
		return 0, fmt.Errorf("create temp object: %w", err)
	}
	tmpName := tmp.Name()
	n, err := io.Copy(tmp, body)
	if err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return 0, fmt.Errorf("write object: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return 0, fmt.Errorf("close temp object: %w", err)
	}
	if err := os.Rename(tmpName, s.objectPath(object)); err != nil {
		os.Remove(tmpName)
		return 0, fmt.Errorf("rename object: %w", err)
	}
	return n, nil
}
