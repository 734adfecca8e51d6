// Package fedid encodes and decodes the global identifiers that address
// files and folders across all federated storage backends. A global ID
// packs (service, account, local folder id, local file id) into a single
// opaque token; file and folder tokens live in disjoint namespaces so a
// token can never be mistaken for the other kind.
package fedid

import (
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
)

// ErrInvalidIdentifier is returned when a token is malformed, was produced
// by a foreign system, or names the wrong kind of object.
var ErrInvalidIdentifier = errors.New("invalid global identifier")

const (
	filePrefix   = "uf1."
	folderPrefix = "ud1."

	// fieldSep separates tuple fields inside the encoded payload. It is a
	// control character that never appears in backend-local identifiers.
	fieldSep = "\x1f"
)

// FileID addresses one file on one backend account. FolderLocalID may be
// empty when the backend issued the file id without folder context; such
// IDs must be resolved before folder-dependent operations (see composite).
type FileID struct {
	Service       string
	Account       string
	FolderLocalID string
	FileLocalID   string
}

// FolderID addresses one folder on one backend account.
type FolderID struct {
	Service       string
	Account       string
	FolderLocalID string
}

// AccountKey returns the service/account routing key for this file.
func (id FileID) AccountKey() string {
	return id.Service + "/" + id.Account
}

// AccountKey returns the service/account routing key for this folder.
func (id FolderID) AccountKey() string {
	return id.Service + "/" + id.Account
}

// Folder returns the FolderID containing this file. Only meaningful when
// FolderLocalID is set.
func (id FileID) Folder() FolderID {
	return FolderID{Service: id.Service, Account: id.Account, FolderLocalID: id.FolderLocalID}
}

// HasFolder reports whether the file id carries its containing folder.
func (id FileID) HasFolder() bool {
	return id.FolderLocalID != ""
}

// String encodes the file id as an opaque token.
func (id FileID) String() string {
	return filePrefix + encodePayload(id.Service, id.Account, id.FolderLocalID, id.FileLocalID)
}

// String encodes the folder id as an opaque token.
func (id FolderID) String() string {
	return folderPrefix + encodePayload(id.Service, id.Account, id.FolderLocalID)
}

// DecodeFile parses a file token. Folder tokens and foreign strings fail
// with ErrInvalidIdentifier.
func DecodeFile(token string) (FileID, error) {
	payload, ok := strings.CutPrefix(token, filePrefix)
	if !ok {
		return FileID{}, fmt.Errorf("%w: not a file token: %q", ErrInvalidIdentifier, token)
	}
	fields, err := decodePayload(payload, 4)
	if err != nil {
		return FileID{}, fmt.Errorf("file token %q: %w", token, err)
	}
	id := FileID{
		Service:       fields[0],
		Account:       fields[1],
		FolderLocalID: fields[2],
		FileLocalID:   fields[3],
	}
	if id.Service == "" || id.Account == "" || id.FileLocalID == "" {
		return FileID{}, fmt.Errorf("%w: file token %q missing required fields", ErrInvalidIdentifier, token)
	}
	return id, nil
}

// DecodeFolder parses a folder token. File tokens and foreign strings fail
// with ErrInvalidIdentifier.
func DecodeFolder(token string) (FolderID, error) {
	payload, ok := strings.CutPrefix(token, folderPrefix)
	if !ok {
		return FolderID{}, fmt.Errorf("%w: not a folder token: %q", ErrInvalidIdentifier, token)
	}
	fields, err := decodePayload(payload, 3)
	if err != nil {
		return FolderID{}, fmt.Errorf("folder token %q: %w", token, err)
	}
	id := FolderID{
		Service:       fields[0],
		Account:       fields[1],
		FolderLocalID: fields[2],
	}
	if id.Service == "" || id.Account == "" || id.FolderLocalID == "" {
		return FolderID{}, fmt.Errorf("%w: folder token %q missing required fields", ErrInvalidIdentifier, token)
	}
	return id, nil
}

func encodePayload(fields ...string) string {
	return base64.RawURLEncoding.EncodeToString([]byte(strings.Join(fields, fieldSep)))
}

func decodePayload(payload string, want int) ([]string, error) {
	raw, err := base64.RawURLEncoding.DecodeString(payload)
	if err != nil {
		return nil, fmt.Errorf("%w: undecodable payload", ErrInvalidIdentifier)
	}
	fields := strings.Split(string(raw), fieldSep)
	if len(fields) != want {
		return nil, fmt.Errorf("%w: expected %d fields, got %d", ErrInvalidIdentifier, want, len(fields))
	}
	return fields, nil
}
