// Package generator asks a model backend for the files of a small static site.
package generator

import (
	"context"
	"fmt"
	"path"
	"sort"
	"strings"

	"appbuilder/internal/domain"
)

type Request struct {
	Brief       string
	Attachments []domain.SavedAttachment
	Checks      []string
	Round       int
	// PrevReadme is the README of the previous round, when it could be fetched.
	PrevReadme *string
}

type Generator interface {
	Generate(ctx context.Context, req Request) (domain.GeneratedArtifact, error)
}

// NormalizePath cleans a generated file path into a repo-relative slash path.
// Paths that leave the repository root or touch .git are rejected.
func NormalizePath(p string) (string, error) {
	raw := p
	p = strings.TrimSpace(strings.ReplaceAll(p, "\\", "/"))
	p = strings.TrimLeft(path.Clean("/"+p), "/")
	if p == "" || p == "." {
		return "", fmt.Errorf("invalid file path %q", raw)
	}
	if strings.Contains(raw, "..") {
		for _, seg := range strings.Split(strings.ReplaceAll(raw, "\\", "/"), "/") {
			if seg == ".." {
				return "", fmt.Errorf("file path %q escapes the repository", raw)
			}
		}
	}
	if p == ".git" || strings.HasPrefix(p, ".git/") {
		return "", fmt.Errorf("file path %q targets .git", raw)
	}
	return p, nil
}

// normalizeFiles rewrites every key through NormalizePath. Later duplicates of
// the same cleaned path win in sorted key order.
func normalizeFiles(files map[string]string) (map[string]string, error) {
	keys := make([]string, 0, len(files))
	for k := range files {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make(map[string]string, len(files))
	for _, k := range keys {
		p, err := NormalizePath(k)
		if err != nil {
			return nil, err
		}
		out[p] = files[k]
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("generator returned no files")
	}
	return out, nil
}

// SortedPaths returns the file paths of an artifact in commit order.
func SortedPaths(files map[string]string) []string {
	paths := make([]string, 0, len(files))
	for p := range files {
		paths = append(paths, p)
	}
	sort.Strings(paths)
	return paths
}
