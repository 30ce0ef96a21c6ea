package docs

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kalambet/hotbox/internal/extension"
	"github.com/kalambet/hotbox/internal/launch"
)

func touch(t *testing.T, dir, rel string) string {
	t.Helper()
	path := filepath.Join(dir, rel)
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte("%PDF-1.4 not really"), 0o644))
	return path
}

func TestScan_ExtractsConcurrentlyAndFallsBack(t *testing.T) {
	dir := t.TempDir()
	invoice := touch(t, dir, "invoice-2026.pdf")
	touch(t, dir, "papers/raft.PDF")
	touch(t, dir, ".cache/hidden.pdf")
	touch(t, dir, "notes.txt")

	rec := &launch.Recorder{}
	e := New([]string{dir}, rec)
	var calls atomic.Int32
	e.extract = func(path string) (string, string, error) {
		calls.Add(1)
		if strings.HasSuffix(path, "raft.PDF") {
			return "In Search of an Understandable Consensus Algorithm", "Raft is a consensus algorithm", nil
		}
		return "", "", errors.New("malformed")
	}

	docs, err := e.scan(context.Background(), []string{dir, filepath.Join(dir, "missing")})
	require.NoError(t, err)
	require.Len(t, docs, 2)
	assert.EqualValues(t, 2, calls.Load())

	assert.Equal(t, invoice, docs[0].Path)
	assert.Equal(t, "invoice-2026", docs[0].Title)
	assert.Equal(t, "In Search of an Understandable Consensus Algorithm", docs[1].Title)
}

func TestQuery_OpensDocument(t *testing.T) {
	dir := t.TempDir()
	path := touch(t, dir, "raft.pdf")

	rec := &launch.Recorder{}
	e := New([]string{dir}, rec)
	e.extract = func(string) (string, string, error) { return "Raft Paper", "consensus", nil }
	require.NoError(t, e.Init(context.Background()))
	defer e.Close()

	var rs []extension.Result
	for r, err := range e.Query(context.Background(), extension.Query{Input: "raft"}) {
		require.NoError(t, err)
		rs = append(rs, r)
	}
	require.Len(t, rs, 1)
	assert.Equal(t, path, rs[0].ID)
	assert.Equal(t, "Raft Paper", rs[0].Text)
	assert.Equal(t, "consensus", rs[0].Subtext)

	require.NoError(t, rs[0].Action(context.Background()))
	opened, _ := rec.Snapshot()
	assert.Equal(t, []string{path}, opened)

	for range e.Query(context.Background(), extension.Query{Input: ""}) {
		t.Fatal("empty input should yield nothing")
	}
}

func TestExtractPDF_Malformed(t *testing.T) {
	path := touch(t, t.TempDir(), "broken.pdf")
	_, _, err := extractPDF(path)
	assert.Error(t, err)
}

func TestSnip(t *testing.T) {
	assert.Equal(t, "a b c", snip("  a\n b\t\tc ", 10))
	assert.Equal(t, "abc…", snip("abcdef", 3))
}
