package localfs

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/unidrive/unidrive/internal/backend"
)

func open(t *testing.T, root, account string) backend.AccountAccess {
	t.Helper()
	d, err := New("localfs", Config{Root: root, CreateDirs: true})
	require.NoError(t, err)
	h, err := d.Open(context.Background(), account, "tester")
	require.NoError(t, err)
	require.NoError(t, h.Connect(context.Background()))
	t.Cleanup(func() { h.Close(context.Background()) })
	return h
}

func saveFile(t *testing.T, h backend.AccountAccess, folder, name, content string) *backend.Document {
	t.Helper()
	doc, err := h.Files().Save(context.Background(),
		&backend.Document{FolderLocalID: folder, Name: name},
		strings.NewReader(content), int64(len(content)), 0)
	require.NoError(t, err)
	return doc
}

func TestSaveAndReadBack(t *testing.T) {
	h := open(t, t.TempDir(), "acct")
	ctx := context.Background()

	doc := saveFile(t, h, rootFolderID, "hello.txt", "hello")
	require.NotEmpty(t, doc.LocalID)
	require.Equal(t, int64(5), doc.Size)
	require.Equal(t, int64(1), doc.Seq)

	rc, size, err := h.Files().Content(ctx, rootFolderID, doc.LocalID)
	require.NoError(t, err)
	defer rc.Close()
	require.Equal(t, int64(5), size)
	data, err := io.ReadAll(rc)
	require.NoError(t, err)
	require.Equal(t, "hello", string(data))
}

func TestStateSurvivesReopen(t *testing.T) {
	root := t.TempDir()
	ctx := context.Background()

	h := open(t, root, "acct")
	folders := h.Folders()
	sub, err := folders.Create(ctx, rootFolderID, "docs")
	require.NoError(t, err)
	doc := saveFile(t, h, sub.LocalID, "kept.txt", "persisted")
	require.NoError(t, h.Close(ctx))

	// A fresh driver over the same root sees everything.
	h2 := open(t, root, "acct")
	got, err := h2.Files().Get(ctx, sub.LocalID, doc.LocalID, nil)
	require.NoError(t, err)
	require.Equal(t, "kept.txt", got.Name)

	rc, _, err := h2.Files().Content(ctx, sub.LocalID, doc.LocalID)
	require.NoError(t, err)
	data, _ := io.ReadAll(rc)
	rc.Close()
	require.Equal(t, "persisted", string(data))
}

func TestUpdateGrowsHistory(t *testing.T) {
	h := open(t, t.TempDir(), "acct")
	ctx := context.Background()

	doc := saveFile(t, h, rootFolderID, "draft.txt", "v1")
	doc.Name = "draft.txt"
	updated, err := h.Files().Save(ctx, doc, strings.NewReader("v2!"), 3, doc.Seq)
	require.NoError(t, err)
	require.Equal(t, 2, updated.VersionNumber)

	versioned := h.Facets().Versioned
	require.NotNil(t, versioned)
	versions, err := versioned.Versions(ctx, rootFolderID, doc.LocalID)
	require.NoError(t, err)
	require.Len(t, versions, 2)

	rc, _, err := versioned.ContentOfVersion(ctx, rootFolderID, doc.LocalID, 1)
	require.NoError(t, err)
	data, _ := io.ReadAll(rc)
	rc.Close()
	require.Equal(t, "v1", string(data))
}

func TestSaveIgnoringVersionReplacesNewest(t *testing.T) {
	h := open(t, t.TempDir(), "acct")
	ctx := context.Background()
	require.True(t, h.Capabilities().Has(backend.CapIgnorableVersions))

	doc := saveFile(t, h, rootFolderID, "wip.txt", "first")
	updated, err := h.Facets().Versioned.SaveIgnoringVersion(ctx, doc, strings.NewReader("fixed"), 5, doc.Seq)
	require.NoError(t, err)
	require.Equal(t, 1, updated.VersionNumber)

	versions, err := h.Facets().Versioned.Versions(ctx, rootFolderID, doc.LocalID)
	require.NoError(t, err)
	require.Len(t, versions, 1)
}

func TestStaleSequenceConflicts(t *testing.T) {
	h := open(t, t.TempDir(), "acct")
	ctx := context.Background()

	doc := saveFile(t, h, rootFolderID, "guarded.txt", "x")
	_, err := h.Files().Save(ctx, doc, strings.NewReader("y"), 1, doc.Seq+7)
	require.ErrorIs(t, err, backend.ErrConflict)
}

func TestRollbackRestoresIndexAndObjects(t *testing.T) {
	root := t.TempDir()
	h := open(t, root, "acct")
	ctx := context.Background()

	kept := saveFile(t, h, rootFolderID, "kept.txt", "stay")

	require.NoError(t, h.Begin(ctx))
	saveFile(t, h, rootFolderID, "doomed.txt", "temporary")
	require.NoError(t, h.Rollback(ctx))

	docs, err := h.Files().List(ctx, rootFolderID, nil, backend.SortByName, backend.Ascending)
	require.NoError(t, err)
	require.Len(t, docs, 1)
	require.Equal(t, "kept.txt", docs[0].Name)
	_ = kept

	// Only the surviving document's object remains on disk.
	entries, err := os.ReadDir(filepath.Join(root, "acct", objectsDir))
	require.NoError(t, err)
	require.Len(t, entries, 1)
}

func TestCommitPersistsTransaction(t *testing.T) {
	root := t.TempDir()
	h := open(t, root, "acct")
	ctx := context.Background()

	require.NoError(t, h.Begin(ctx))
	doc := saveFile(t, h, rootFolderID, "tx.txt", "committed")
	require.NoError(t, h.Commit(ctx))

	h2 := open(t, root, "acct")
	got, err := h2.Files().Get(ctx, rootFolderID, doc.LocalID, nil)
	require.NoError(t, err)
	require.Equal(t, "tx.txt", got.Name)
}

func TestFolderTreeOperations(t *testing.T) {
	h := open(t, t.TempDir(), "acct")
	ctx := context.Background()
	folders := h.Folders()

	a, err := folders.Create(ctx, rootFolderID, "a")
	require.NoError(t, err)
	b, err := folders.Create(ctx, a.LocalID, "b")
	require.NoError(t, err)

	// Duplicate names under one parent conflict.
	_, err = folders.Create(ctx, rootFolderID, "a")
	require.ErrorIs(t, err, backend.ErrConflict)

	// Moving a folder under its own subtree conflicts.
	require.ErrorIs(t, folders.Move(ctx, a.LocalID, b.LocalID), backend.ErrConflict)

	chain, err := folders.PathToRoot(ctx, b.LocalID)
	require.NoError(t, err)
	require.Len(t, chain, 3)
	require.Equal(t, "b", chain[0].Name)

	found, err := h.Facets().Paths.FolderByPath(ctx, "/a/b")
	require.NoError(t, err)
	require.Equal(t, b.LocalID, found.LocalID)

	require.NoError(t, folders.Delete(ctx, a.LocalID))
	exists, err := folders.Exists(ctx, b.LocalID)
	require.NoError(t, err)
	require.False(t, exists)
}

func TestContentRange(t *testing.T) {
	h := open(t, t.TempDir(), "acct")
	ctx := context.Background()

	doc := saveFile(t, h, rootFolderID, "ranged.txt", "0123456789")
	rc, err := h.Facets().Ranged.ContentRange(ctx, rootFolderID, doc.LocalID, 2, 4)
	require.NoError(t, err)
	data, _ := io.ReadAll(rc)
	rc.Close()
	require.Equal(t, "2345", string(data))
}

func TestStatsAndSeqs(t *testing.T) {
	h := open(t, t.TempDir(), "acct")
	ctx := context.Background()

	sub, err := h.Folders().Create(ctx, rootFolderID, "sub")
	require.NoError(t, err)
	saveFile(t, h, rootFolderID, "one.txt", "aa")
	saveFile(t, h, sub.LocalID, "two.txt", "bbb")

	stats, err := h.Facets().Stats.Stats(ctx, rootFolderID)
	require.NoError(t, err)
	require.Equal(t, int64(2), stats.FileCount)
	require.Equal(t, int64(1), stats.FolderCount)
	require.Equal(t, int64(5), stats.TotalBytes)

	seqs, err := h.Facets().Sequences.FolderSeqs(ctx, []string{rootFolderID, sub.LocalID})
	require.NoError(t, err)
	require.Len(t, seqs, 2)
	// The subfolder saw one save after creation.
	require.Equal(t, int64(2), seqs[sub.LocalID])
}
