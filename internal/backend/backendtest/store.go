package backendtest

import (
	"fmt"
	"sync"
	"time"

	"github.com/unidrive/unidrive/internal/backend"
)

// RootID is the local id of every account's root folder.
const RootID = "root"

type fileRec struct {
	doc      backend.Document
	versions [][]byte // content per version; index = version number - 1
	trashed  bool
}

type state struct {
	folders map[string]*backend.Folder
	files   map[string]map[string]*fileRec // folder id -> file id -> rec
	nextID  int
}

// Account is the persistent in-memory state of one backend account,
// shared by every handle opened onto it.
type Account struct {
	mu      sync.Mutex
	service string
	name    string

	st       *state
	snapshot *state // non-nil while a transaction is open

	// Capability switches; set before opening handles.
	Versioning bool
	Sequences  bool
	// Members, when non-nil, enables the member-directory facet with
	// the given known user ids.
	Members map[string]bool

	// Fault injection.
	CloseErr      error
	SearchErr     error
	SearchDelay   time.Duration
	FailSaveAfter int // fail the Nth save (1-based); 0 disables
	saveCount     int

	// Call recording.
	Ops           []string
	ConnectCount  int
	CloseCount    int
	BeginCount    int
	CommitCount   int
	RollbackCount int
	FinishCount   int
}

func newAccount(service, name string) *Account {
	now := time.Now()
	st := &state{
		folders: map[string]*backend.Folder{
			RootID: {LocalID: RootID, Name: "/", Created: now, Modified: now},
		},
		files: map[string]map[string]*fileRec{RootID: {}},
	}
	return &Account{service: service, name: name, st: st}
}

func (a *Account) bump(counter *int) {
	a.mu.Lock()
	*counter++
	a.mu.Unlock()
}

func (a *Account) record(op string) {
	a.Ops = append(a.Ops, op)
}

// OpCount returns how often the named operation was recorded.
func (a *Account) OpCount(op string) int {
	a.mu.Lock()
	defer a.mu.Unlock()
	n := 0
	for _, o := range a.Ops {
		if o == op {
			n++
		}
	}
	return n
}

func (a *Account) nextLocalID(prefix string) string {
	a.st.nextID++
	return fmt.Sprintf("%s-%d", prefix, a.st.nextID)
}

// ─── Transactions ───────────────────────────────────────────────────────────

func (a *Account) begin() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.snapshot != nil {
		return fmt.Errorf("transaction already open on %s/%s", a.service, a.name)
	}
	a.snapshot = cloneState(a.st)
	a.BeginCount++
	return nil
}

func (a *Account) commit() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.snapshot == nil {
		return fmt.Errorf("commit without transaction on %s/%s", a.service, a.name)
	}
	a.snapshot = nil
	a.CommitCount++
	return nil
}

func (a *Account) rollback() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.snapshot == nil {
		return fmt.Errorf("rollback without transaction on %s/%s", a.service, a.name)
	}
	a.st = a.snapshot
	a.snapshot = nil
	a.RollbackCount++
	return nil
}

func cloneState(st *state) *state {
	cp := &state{
		folders: make(map[string]*backend.Folder, len(st.folders)),
		files:   make(map[string]map[string]*fileRec, len(st.files)),
		nextID:  st.nextID,
	}
	for id, f := range st.folders {
		fc := *f
		fc.Permissions = append([]backend.FolderPermission(nil), f.Permissions...)
		cp.folders[id] = &fc
	}
	for fid, docs := range st.files {
		m := make(map[string]*fileRec, len(docs))
		for id, rec := range docs {
			rc := &fileRec{doc: cloneDoc(rec.doc), trashed: rec.trashed}
			rc.versions = make([][]byte, len(rec.versions))
			for i, v := range rec.versions {
				rc.versions[i] = append([]byte(nil), v...)
			}
			m[id] = rc
		}
		cp.files[fid] = m
	}
	return cp
}

func cloneDoc(d backend.Document) backend.Document {
	d.Categories = append([]string(nil), d.Categories...)
	perms := make([]backend.Permission, len(d.Permissions))
	for i, p := range d.Permissions {
		perms[i] = p
		if p.Guest != nil {
			g := *p.Guest
			perms[i].Guest = &g
		}
	}
	d.Permissions = perms
	return d
}

// ─── Seeding helpers ────────────────────────────────────────────────────────

// AddFolder creates a folder under parent and returns its record.
func (a *Account) AddFolder(parentID, name string) *backend.Folder {
	a.mu.Lock()
	defer a.mu.Unlock()
	now := time.Now()
	f := &backend.Folder{
		LocalID:       a.nextLocalID("d"),
		ParentLocalID: parentID,
		Name:          name,
		Seq:           1,
		Created:       now,
		Modified:      now,
	}
	a.st.folders[f.LocalID] = f
	a.st.files[f.LocalID] = map[string]*fileRec{}
	if p, ok := a.st.folders[parentID]; ok {
		p.HasSubfolders = true
	}
	return f
}

// AddFile creates a document with the given content and returns its
// record. The optional mutate hook adjusts metadata before insertion.
func (a *Account) AddFile(folderID, name string, content []byte, mutate ...func(*backend.Document)) *backend.Document {
	a.mu.Lock()
	defer a.mu.Unlock()
	now := time.Now()
	doc := backend.Document{
		LocalID:       a.nextLocalID("f"),
		FolderLocalID: folderID,
		Name:          name,
		Size:          int64(len(content)),
		Seq:           1,
		VersionNumber: 1,
		Created:       now,
		Modified:      now,
	}
	for _, m := range mutate {
		m(&doc)
	}
	a.st.files[folderID][doc.LocalID] = &fileRec{
		doc:      doc,
		versions: [][]byte{append([]byte(nil), content...)},
	}
	return &doc
}

// FileContent returns the current content of a document, or nil if it
// does not exist.
func (a *Account) FileContent(folderID, fileID string) []byte {
	a.mu.Lock()
	defer a.mu.Unlock()
	docs, ok := a.st.files[folderID]
	if !ok {
		return nil
	}
	rec, ok := docs[fileID]
	if !ok || len(rec.versions) == 0 {
		return nil
	}
	return rec.versions[len(rec.versions)-1]
}

// FolderExists reports whether the folder is present.
func (a *Account) FolderExists(folderID string) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	_, ok := a.st.folders[folderID]
	return ok
}

// FileCount returns the number of documents in a folder.
func (a *Account) FileCount(folderID string) int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.st.files[folderID])
}
