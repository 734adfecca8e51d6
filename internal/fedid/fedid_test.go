package fedid

import (
	"errors"
	"testing"
)

func TestFileRoundTrip(t *testing.T) {
	tests := []FileID{
		{Service: "webdav", Account: "acct1", FolderLocalID: "f-17", FileLocalID: "doc-42"},
		{Service: "s3drive", Account: "bucket-a", FolderLocalID: "", FileLocalID: "0001"},
		{Service: "localfs", Account: "home", FolderLocalID: "root", FileLocalID: "a/b weird:chars"},
	}
	for _, want := range tests {
		got, err := DecodeFile(want.String())
		if err != nil {
			t.Fatalf("DecodeFile(%v): %v", want, err)
		}
		if got != want {
			t.Errorf("round trip: got %+v, want %+v", got, want)
		}
	}
}

func TestFolderRoundTrip(t *testing.T) {
	want := FolderID{Service: "webdav", Account: "acct1", FolderLocalID: "f-17"}
	got, err := DecodeFolder(want.String())
	if err != nil {
		t.Fatalf("DecodeFolder: %v", err)
	}
	if got != want {
		t.Errorf("round trip: got %+v, want %+v", got, want)
	}
}

func TestNamespacesAreDisjoint(t *testing.T) {
	fileTok := FileID{Service: "s", Account: "a", FolderLocalID: "d", FileLocalID: "f"}.String()
	folderTok := FolderID{Service: "s", Account: "a", FolderLocalID: "d"}.String()

	if _, err := DecodeFolder(fileTok); !errors.Is(err, ErrInvalidIdentifier) {
		t.Errorf("file token decoded as folder: err=%v", err)
	}
	if _, err := DecodeFile(folderTok); !errors.Is(err, ErrInvalidIdentifier) {
		t.Errorf("folder token decoded as file: err=%v", err)
	}
}

func TestDecodeRejectsMalformed(t *testing.T) {
	tests := []string{
		"",
		"garbage",
		"uf1.%%%not-base64%%%",
		"ud1.",
		"uf1." + encodePayload("svc", "acct"),             // too few fields
		"ud1." + encodePayload("svc", "acct", "d", "f"),   // too many fields
		"uf1." + encodePayload("", "acct", "dir", "file"), // empty service
		"ud1." + encodePayload("svc", "acct", ""),         // empty folder id
	}
	for _, tok := range tests {
		if _, err := DecodeFile(tok); err == nil {
			t.Errorf("DecodeFile(%q) succeeded, want error", tok)
		}
		if _, err := DecodeFolder(tok); err == nil {
			t.Errorf("DecodeFolder(%q) succeeded, want error", tok)
		}
	}
}

func TestMissingFolderTolerated(t *testing.T) {
	id := FileID{Service: "svc", Account: "acct", FileLocalID: "file-1"}
	got, err := DecodeFile(id.String())
	if err != nil {
		t.Fatalf("DecodeFile: %v", err)
	}
	if got.HasFolder() {
		t.Error("HasFolder() = true for id without folder")
	}
	if got.FileLocalID != "file-1" || got.Account != "acct" {
		t.Errorf("fields corrupted: %+v", got)
	}
}

func TestAccountKey(t *testing.T) {
	id := FileID{Service: "webdav", Account: "acct1", FileLocalID: "x"}
	if id.AccountKey() != "webdav/acct1" {
		t.Errorf("AccountKey() = %q", id.AccountKey())
	}
}
