// Package testutils holds fixtures shared by package tests.
package testutils

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/aretw0/loam"
	"github.com/aretw0/loam/pkg/core"
	"github.com/stretchr/testify/require"
)

// SeedRepo initializes a Loam repository in a temp dir and saves docs into it.
// It returns the absolute repository path and the repository.
func SeedRepo(t *testing.T, docs ...core.Document) (string, core.Repository) {
	t.Helper()

	absPath, err := filepath.Abs(t.TempDir())
	require.NoError(t, err, "Failed to get absolute path for temp dir")

	repo, err := loam.Init(absPath)
	require.NoError(t, err, "Failed to init loam repo")

	ctx := context.Background()
	for _, doc := range docs {
		require.NoError(t, repo.Save(ctx, doc), "Failed to save %s", doc.ID)
	}
	return absPath, repo
}

// Markdown wraps front matter and an optional body into a Loam document.
func Markdown(id, frontMatter, body string) core.Document {
	return core.Document{ID: id, Content: "---\n" + frontMatter + "---\n" + body}
}
