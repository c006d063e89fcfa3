package model

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// Resolve turns a `--model` argument — either a repo ID like
// "mistralai/Voxtral-Mini-3B-2507" or a literal directory path — into a
// local directory that VerifyModel and the weight loader can read. Repo IDs
// are looked up under HF_HUB_CACHE, then HF_HOME/hub, in the Hub's
// `models--org--name/snapshots/<revision>` cache layout; a path containing
// a filesystem separator is returned unchanged (the caller owns it).
func Resolve(modelArg string) (string, error) {
	if modelArg == "" {
		return "", fmt.Errorf("model argument is required")
	}

	if strings.ContainsRune(modelArg, os.PathSeparator) || strings.HasPrefix(modelArg, ".") {
		if _, err := os.Stat(modelArg); err != nil {
			return "", fmt.Errorf("model directory %q: %w", modelArg, err)
		}

		return modelArg, nil
	}

	manifest, err := PinnedManifest(modelArg)
	if err != nil {
		return "", err
	}

	for _, cacheRoot := range candidateCacheRoots() {
		dir, ok := findCachedSnapshot(cacheRoot, manifest.Repo)
		if ok {
			return dir, nil
		}
	}

	return "", fmt.Errorf("model %q not found in HF_HUB_CACHE or HF_HOME; run `model download` first", modelArg)
}

// candidateCacheRoots returns the Hub cache roots to search, in priority
// order, per the environment variables named in the model artifact layout.
func candidateCacheRoots() []string {
	var roots []string

	if v := os.Getenv("HF_HUB_CACHE"); v != "" {
		roots = append(roots, v)
	}

	if v := os.Getenv("HF_HOME"); v != "" {
		roots = append(roots, filepath.Join(v, "hub"))
	}

	if home, err := os.UserHomeDir(); err == nil {
		roots = append(roots, filepath.Join(home, ".cache", "huggingface", "hub"))
	}

	return roots
}

// hubRepoDirName mirrors huggingface_hub's cache folder naming:
// "org/name" -> "models--org--name".
func hubRepoDirName(repo string) string {
	return "models--" + strings.ReplaceAll(repo, "/", "--")
}

// findCachedSnapshot looks for repo under root in the standard Hub cache
// layout (root/models--org--name/snapshots/<revision>/) and returns the
// first snapshot directory that contains every file PinnedManifest expects.
func findCachedSnapshot(root, repo string) (string, bool) {
	snapshotsDir := filepath.Join(root, hubRepoDirName(repo), "snapshots")

	entries, err := os.ReadDir(snapshotsDir)
	if err != nil {
		return "", false
	}

	manifest, err := PinnedManifest(repo)
	if err != nil {
		return "", false
	}

	for _, e := range entries {
		if !e.IsDir() {
			continue
		}

		dir := filepath.Join(snapshotsDir, e.Name())
		if hasAllFiles(dir, manifest) {
			return dir, true
		}
	}

	return "", false
}

func hasAllFiles(dir string, manifest Manifest) bool {
	for _, f := range manifest.Files {
		if _, err := os.Stat(filepath.Join(dir, filepath.FromSlash(f.Filename))); err != nil {
			return false
		}
	}

	return true
}
