package transfer

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/unidrive/unidrive/internal/backend"
	"github.com/unidrive/unidrive/internal/backend/backendtest"
	"github.com/unidrive/unidrive/internal/fedid"
	"github.com/unidrive/unidrive/internal/scope"
)

type fixture struct {
	registry *backend.Registry
	src      *backendtest.Account
	dst      *backendtest.Account
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	reg := backend.NewRegistry()
	d1 := backendtest.NewDriver("drive1")
	d2 := backendtest.NewDriver("drive2")
	reg.Register(d1)
	reg.Register(d2)
	return &fixture{
		registry: reg,
		src:      d1.Account("acct1"),
		dst:      d2.Account("acct2"),
	}
}

func (f *fixture) scope() *scope.Scope {
	return scope.New(f.registry, "alice")
}

func (f *fixture) spec(srcFolder string, mode Mode, move bool) Spec {
	return Spec{
		Source:       fedid.FolderID{Service: "drive1", Account: "acct1", FolderLocalID: srcFolder},
		TargetParent: fedid.FolderID{Service: "drive2", Account: "acct2", FolderLocalID: backendtest.RootID},
		Move:         move,
		Mode:         mode,
	}
}

// seedTree builds /reports with two files and a subfolder with one file.
func (f *fixture) seedTree() (folderID string) {
	folder := f.src.AddFolder(backendtest.RootID, "reports")
	f.src.AddFile(folder.LocalID, "q1.txt", []byte("first quarter"))
	f.src.AddFile(folder.LocalID, "q2.txt", []byte("second quarter"))
	sub := f.src.AddFolder(folder.LocalID, "archive")
	f.src.AddFile(sub.LocalID, "old.txt", []byte("ancient"))
	return folder.LocalID
}

func TestDryRunPerformsNoMutation(t *testing.T) {
	f := newFixture(t)
	folderID := f.seedTree()

	result, err := NewEngine().Run(context.Background(), f.scope(), f.spec(folderID, DryRun, false))
	require.NoError(t, err)
	require.NotNil(t, result)

	require.Equal(t, 0, f.dst.OpCount("folder.create"), "dry run must not create folders")
	require.Equal(t, 0, f.dst.OpCount("file.save"), "dry run must not save files")
	require.Equal(t, 0, f.dst.BeginCount, "dry run opens no transactions")
	require.True(t, f.src.FolderExists(folderID), "source untouched")
	require.Equal(t, 2, len(result.TransferredFiles))
	require.Len(t, result.Nested, 1)
	require.Equal(t, 3, result.FileCount())
}

func TestDryRunWarningsAreIdempotent(t *testing.T) {
	f := newFixture(t)
	folder := f.src.AddFolder(backendtest.RootID, "annotated")
	f.src.AddFile(folder.LocalID, "a.txt", []byte("x"), func(d *backend.Document) {
		d.Note = "hand-written remark"
		d.Categories = []string{"tax", "2026"}
	})
	f.src.AddFile(folder.LocalID, "b.txt", []byte("y"), func(d *backend.Document) {
		d.Permissions = []backend.Permission{{EntityID: "u7", Level: "read"}}
	})

	sc := f.scope()
	e := NewEngine()
	first, err := e.Run(context.Background(), sc, f.spec(folder.LocalID, DryRun, false))
	require.NoError(t, err)
	second, err := e.Run(context.Background(), sc, f.spec(folder.LocalID, DryRun, false))
	require.NoError(t, err)

	require.Equal(t, first.Warnings(true), second.Warnings(true),
		"two consecutive dry runs must report the identical warning set")

	kinds := map[WarningKind]int{}
	for _, w := range first.Warnings(true) {
		kinds[w.Kind]++
	}
	require.Equal(t, 1, kinds[WarnNote])
	require.Equal(t, 1, kinds[WarnCategories])
	require.Equal(t, 1, kinds[WarnObjectPermissions])
}

func TestCommitCopiesWholeTree(t *testing.T) {
	f := newFixture(t)
	folderID := f.seedTree()

	result, err := NewEngine().Run(context.Background(), f.scope(), f.spec(folderID, Commit, false))
	require.NoError(t, err)

	// Root of the copy exists at the destination with both files.
	target := result.TargetFolderID
	require.Equal(t, "drive2", target.Service)
	require.True(t, f.dst.FolderExists(target.FolderLocalID))
	require.Equal(t, 2, f.dst.FileCount(target.FolderLocalID))

	// Content made it across.
	for srcID, dstLocal := range result.TransferredFiles {
		content := f.dst.FileContent(target.FolderLocalID, dstLocal)
		require.Equal(t, f.src.FileContent(srcID.FolderLocalID, srcID.FileLocalID), content)
	}

	// Nested folder was recreated.
	require.Len(t, result.Nested, 1)
	nested := result.Nested[0]
	require.True(t, f.dst.FolderExists(nested.TargetFolderID.FolderLocalID))
	require.Equal(t, 1, f.dst.FileCount(nested.TargetFolderID.FolderLocalID))

	// Transactions committed on both sides, source kept (copy, not move).
	require.Equal(t, 1, f.src.CommitCount)
	require.Equal(t, 1, f.dst.CommitCount)
	require.True(t, f.src.FolderExists(folderID))
}

func TestCommitFailureRollsBackBothSides(t *testing.T) {
	f := newFixture(t)
	folderID := f.seedTree()
	// Fail on the third destination save: two files land, then boom.
	f.dst.FailSaveAfter = 3

	_, err := NewEngine().Run(context.Background(), f.scope(), f.spec(folderID, Commit, false))
	require.ErrorIs(t, err, ErrTransferAborted)

	require.Equal(t, 1, f.src.RollbackCount, "source transaction must roll back")
	require.Equal(t, 1, f.dst.RollbackCount, "destination transaction must roll back")
	require.Equal(t, 0, f.src.CommitCount)
	require.Equal(t, 0, f.dst.CommitCount)

	// Destination shows no trace of the partial copy.
	require.Equal(t, 0, f.dst.FileCount(backendtest.RootID))
	// Source is untouched.
	require.True(t, f.src.FolderExists(folderID))
	require.Equal(t, 2, f.src.FileCount(folderID))
}

func TestMoveDeletesSourceAfterCommit(t *testing.T) {
	f := newFixture(t)
	folderID := f.seedTree()

	result, err := NewEngine().Run(context.Background(), f.scope(), f.spec(folderID, Commit, true))
	require.NoError(t, err)

	require.False(t, f.src.FolderExists(folderID), "move must delete the source tree")
	require.True(t, f.dst.FolderExists(result.TargetFolderID.FolderLocalID))
}

func TestVersionsCopiedWhenBothSupportVersioning(t *testing.T) {
	f := newFixture(t)
	f.src.Versioning = true
	f.dst.Versioning = true
	folder := f.src.AddFolder(backendtest.RootID, "versioned")
	doc := f.src.AddFile(folder.LocalID, "doc.txt", []byte("v1"))

	// Add a second version through the driver's own save path.
	sc := f.scope()
	ctx := context.Background()
	h, err := sc.Access(ctx, "drive1", "acct1")
	require.NoError(t, err)
	got, err := h.Files().Get(ctx, folder.LocalID, doc.LocalID, nil)
	require.NoError(t, err)
	got.Name = "doc.txt"
	_, err = h.Files().Save(ctx, got, strings.NewReader("v2"), 2, got.Seq)
	require.NoError(t, err)

	result, err := NewEngine().Run(ctx, sc, f.spec(folder.LocalID, Commit, false))
	require.NoError(t, err)
	require.Empty(t, result.Warnings(true), "no version warning when both ends support versioning")

	dstLocal := result.TransferredFiles[fedid.FileID{
		Service: "drive1", Account: "acct1",
		FolderLocalID: folder.LocalID, FileLocalID: doc.LocalID,
	}]
	require.Equal(t, []byte("v2"), f.dst.FileContent(result.TargetFolderID.FolderLocalID, dstLocal))
}

func TestVersionWarningWhenDestinationLacksVersioning(t *testing.T) {
	f := newFixture(t)
	f.src.Versioning = true
	folder := f.src.AddFolder(backendtest.RootID, "versioned")
	f.src.AddFile(folder.LocalID, "doc.txt", []byte("v2"), func(d *backend.Document) {
		d.VersionNumber = 3
	})

	result, err := NewEngine().Run(context.Background(), f.scope(), f.spec(folder.LocalID, DryRun, false))
	require.NoError(t, err)

	warnings := result.Warnings(true)
	require.Len(t, warnings, 1)
	require.Equal(t, WarnVersions, warnings[0].Kind)
}

func TestFolderPermissionWarningsHonorMemberDirectory(t *testing.T) {
	f := newFixture(t)
	f.dst.Members = map[string]bool{"known-user": true}
	folder := f.src.AddFolder(backendtest.RootID, "shared")
	folder.Permissions = []backend.FolderPermission{
		{UserID: "known-user", Level: "write"},
		{UserID: "stranger", Level: "read"},
	}

	result, err := NewEngine().Run(context.Background(), f.scope(), f.spec(folder.LocalID, DryRun, false))
	require.NoError(t, err)

	warnings := result.Warnings(true)
	require.Len(t, warnings, 1, "only the foreign user's permission warns")
	require.Equal(t, WarnFolderPermissions, warnings[0].Kind)
	require.Contains(t, warnings[0].Detail, "stranger")
}

