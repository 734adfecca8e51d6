package backend

import (
	"strings"
	"time"
)

// Document is the backend-neutral file metadata record. LocalID and
// FolderLocalID are backend-local; the composite layer rewrites them into
// global identifiers before anything leaves the federation boundary.
type Document struct {
	LocalID       string
	FolderLocalID string
	Name          string
	Size          int64
	MimeType      string
	Seq           int64 // per-document sequence number for optimistic concurrency
	VersionNumber int
	Created       time.Time
	Modified      time.Time
	ModifiedBy    string
	Note          string
	Categories    []string
	Permissions   []Permission
	Locked        bool
	LockedBy      string
}

// Version describes one stored version of a document.
type Version struct {
	Number   int
	Size     int64
	Modified time.Time
	Actor    string
	Comment  string
}

// Folder is the backend-neutral folder metadata record.
type Folder struct {
	LocalID       string
	ParentLocalID string
	Name          string
	Seq           int64
	Created       time.Time
	Modified      time.Time
	Permissions   []FolderPermission
	HasSubfolders bool
}

// FolderPermission grants a backend-local user a permission level on a
// folder. User identifiers are only meaningful within their own backend.
type FolderPermission struct {
	UserID string
	Level  string // "read" or "write"
}

// Permission is an object-level permission entry on a document. A nil
// Guest means the entry references an already-resolved entity; a non-nil
// Guest marks a share recipient that still has to be materialized by the
// share service before any backend can understand the entry.
type Permission struct {
	EntityID string
	IsGroup  bool
	Level    string // "read" or "write"
	Guest    *GuestRecipient
}

// GuestRecipient names a not-yet-resolved share recipient.
type GuestRecipient struct {
	Email       string
	DisplayName string
}

// IsGuest reports whether the entry awaits share-service resolution.
func (p Permission) IsGuest() bool {
	return p.Guest != nil
}

// SameEntity reports whether two entries reference the same entity,
// using entity id + group flag equality.
func (p Permission) SameEntity(o Permission) bool {
	return p.EntityID == o.EntityID && p.IsGroup == o.IsGroup
}

// Quota reports storage usage for one backend account. Zero limits mean
// the backend imposes none.
type Quota struct {
	TotalBytes int64
	UsedBytes  int64
	TotalFiles int64
	UsedFiles  int64
}

// FileRef addresses one document within an account for bulk operations.
// ExpectedSeq carries the caller's last-seen sequence number; a mismatch
// makes the item conflict instead of being processed.
type FileRef struct {
	FolderLocalID string
	FileLocalID   string
	ExpectedSeq   int64
}

// Field selects which document attributes a lookup must populate. An
// empty selector means all fields.
type Field string

const (
	FieldID          Field = "id"
	FieldFolder      Field = "folder"
	FieldName        Field = "name"
	FieldSize        Field = "size"
	FieldSeq         Field = "seq"
	FieldModified    Field = "modified"
	FieldNote        Field = "note"
	FieldCategories  Field = "categories"
	FieldPermissions Field = "permissions"
)

// MinimalFields resolves just identity and folder placement; used for
// lazy folder resolution of under-specified global ids.
var MinimalFields = []Field{FieldID, FieldFolder}

// SortField names a document attribute results are ordered by.
type SortField string

const (
	SortByName     SortField = "name"
	SortByModified SortField = "modified"
	SortBySize     SortField = "size"
)

// SortDir is the requested sort direction.
type SortDir int

const (
	Ascending SortDir = iota
	Descending
)

// CompareDocuments orders two documents by the given field and direction,
// with name as a stable tiebreaker. Returns <0, 0 or >0.
func CompareDocuments(a, b Document, field SortField, dir SortDir) int {
	var c int
	switch field {
	case SortBySize:
		switch {
		case a.Size < b.Size:
			c = -1
		case a.Size > b.Size:
			c = 1
		}
	case SortByModified:
		switch {
		case a.Modified.Before(b.Modified):
			c = -1
		case a.Modified.After(b.Modified):
			c = 1
		}
	default:
		c = strings.Compare(a.Name, b.Name)
	}
	if c == 0 && field != SortByName {
		c = strings.Compare(a.Name, b.Name)
	}
	if dir == Descending {
		c = -c
	}
	return c
}
