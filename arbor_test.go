package arbor

import (
	"bytes"
	"context"
	"log/slog"
	"os"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arbor-db/arbor/pkg/observer"
	"github.com/arbor-db/arbor/pkg/types"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelError,
	}))
}

func openRepo(t *testing.T, dir string) *Repository {
	t.Helper()
	repo, err := New(Config{
		Paths:         []string{dir},
		MinimumFreeGB: 1,
		Logger:        testLogger(),
	})
	require.NoError(t, err)
	require.NoError(t, repo.Start(context.Background()))
	t.Cleanup(func() {
		require.NoError(t, repo.Close(context.Background()))
	})
	return repo
}

func TestNewRejectsEmptyPaths(t *testing.T) {
	_, err := New(Config{})
	require.Error(t, err)
}

func TestOpenSessionRequiresStart(t *testing.T) {
	repo, err := New(Config{Paths: []string{t.TempDir()}, Logger: testLogger()})
	require.NoError(t, err)

	_, err = repo.OpenSession()
	require.ErrorIs(t, err, ErrNotStarted)
}

func TestLifecycleRoundTrip(t *testing.T) {
	repo := openRepo(t, t.TempDir())

	s, err := repo.OpenSession()
	require.NoError(t, err)
	defer s.Close()

	doc, err := s.AddNode(repo.RootID(), "docs", types.NodeDefinition{Type: "arbor:node", Versionable: true})
	require.NoError(t, err)
	_, err = s.SetProperty(doc.ID, "title", []types.Value{types.StringValue("draft")})
	require.NoError(t, err)
	require.NoError(t, s.Save())

	v, err := s.Checkin(doc.ID)
	require.NoError(t, err)
	assert.Equal(t, "1.0", v.Name())

	// A second session sees the saved content.
	s2, err := repo.OpenSession()
	require.NoError(t, err)
	defer s2.Close()

	got, err := s2.NodeByPath("docs")
	require.NoError(t, err)
	assert.Equal(t, doc.ID, got.ID)

	prop, err := s2.Property(doc.ID, "title")
	require.NoError(t, err)
	assert.Equal(t, "draft", prop.Values()[0].Str)
}

func TestRestartKeepsRootAndContent(t *testing.T) {
	dir := t.TempDir()

	repo, err := New(Config{Paths: []string{dir}, MinimumFreeGB: 1, Logger: testLogger()})
	require.NoError(t, err)
	require.NoError(t, repo.Start(context.Background()))
	rootID := repo.RootID()

	s, err := repo.OpenSession()
	require.NoError(t, err)
	_, err = s.AddNode(rootID, "keep", types.NodeDefinition{Type: "arbor:node"})
	require.NoError(t, err)
	require.NoError(t, s.Save())
	s.Close()
	require.NoError(t, repo.Close(context.Background()))

	reopened := openRepo(t, dir)
	assert.Equal(t, rootID, reopened.RootID())

	s2, err := reopened.OpenSession()
	require.NoError(t, err)
	defer s2.Close()
	_, err = s2.NodeByPath("keep")
	require.NoError(t, err)
}

func TestSubscribeDeliversVersionEvents(t *testing.T) {
	repo := openRepo(t, t.TempDir())

	var mu sync.Mutex
	var events []observer.Event
	cancel, err := repo.Subscribe(func(ev observer.Event) {
		mu.Lock()
		events = append(events, ev)
		mu.Unlock()
	})
	require.NoError(t, err)
	defer cancel()

	s, err := repo.OpenSession()
	require.NoError(t, err)
	defer s.Close()

	doc, err := s.AddNode(repo.RootID(), "tracked", types.NodeDefinition{Type: "arbor:node", Versionable: true})
	require.NoError(t, err)
	require.NoError(t, s.Save())
	_, err = s.Checkin(doc.ID)
	require.NoError(t, err)

	mu.Lock()
	defer mu.Unlock()
	var names []string
	for _, ev := range events {
		if ev.Type == observer.EventVersionCreated {
			names = append(names, ev.VersionName)
		}
	}
	assert.Contains(t, names, "1.0")
}

func TestExportImportMovesContent(t *testing.T) {
	source := openRepo(t, t.TempDir())

	s, err := source.OpenSession()
	require.NoError(t, err)
	doc, err := s.AddNode(source.RootID(), "payload", types.NodeDefinition{Type: "arbor:node", Versionable: true})
	require.NoError(t, err)
	_, err = s.SetProperty(doc.ID, "title", []types.Value{types.StringValue("exported")})
	require.NoError(t, err)
	require.NoError(t, s.Save())
	_, err = s.Checkin(doc.ID)
	require.NoError(t, err)
	s.Close()

	var snapshot bytes.Buffer
	require.NoError(t, source.Export(context.Background(), &snapshot))

	// Import into a fresh directory, then reopen so the imported root
	// record takes effect.
	targetDir := t.TempDir()
	target, err := New(Config{Paths: []string{targetDir}, MinimumFreeGB: 1, Logger: testLogger()})
	require.NoError(t, err)
	require.NoError(t, target.Start(context.Background()))
	require.NoError(t, target.Import(context.Background(), bytes.NewReader(snapshot.Bytes())))
	require.NoError(t, target.Close(context.Background()))

	restored := openRepo(t, targetDir)
	assert.Equal(t, source.RootID(), restored.RootID())

	s2, err := restored.OpenSession()
	require.NoError(t, err)
	defer s2.Close()

	got, err := s2.NodeByPath("payload")
	require.NoError(t, err)
	prop, err := s2.Property(got.ID, "title")
	require.NoError(t, err)
	assert.Equal(t, "exported", prop.Values()[0].Str)

	h, err := s2.History(got.ID)
	require.NoError(t, err)
	_, ok := h.Version("1.0")
	assert.True(t, ok)
}

func TestCloseIsIdempotent(t *testing.T) {
	repo, err := New(Config{Paths: []string{t.TempDir()}, MinimumFreeGB: 1, Logger: testLogger()})
	require.NoError(t, err)
	require.NoError(t, repo.Start(context.Background()))

	require.NoError(t, repo.Close(context.Background()))
	require.NoError(t, repo.Close(context.Background()))

	_, err = repo.OpenSession()
	require.ErrorIs(t, err, ErrClosed)
}
