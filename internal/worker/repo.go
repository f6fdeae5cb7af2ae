package worker

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/gobwas/glob"
	"go.uber.org/zap"

	"github.com/radlabs/rad-crawler/internal/extract"
	"github.com/radlabs/rad-crawler/internal/ingest"
	"github.com/radlabs/rad-crawler/internal/metrics"
)

const (
	defaultMaxFiles = 2000

	// Files larger than this are skipped outright.
	maxFileSize = 1 << 20
)

// Directories never walked regardless of the job's include patterns.
var skippedDirs = map[string]struct{}{
	".git":         {},
	"node_modules": {},
	"vendor":       {},
	"dist":         {},
	"build":        {},
	"target":       {},
	".next":        {},
	"__pycache__":  {},
}

// runRepoIngest walks a repository tree and indexes its text files. A remote
// repo_url is shallow-cloned to a temp dir first; a local path is walked in
// place.
func (w *Worker) runRepoIngest(ctx context.Context, job ingest.Job) (ingest.Progress, error) {
	var progress ingest.Progress

	params := job.Params.Repo
	if params == nil {
		return progress, errors.New("repo_ingest job has no repo params")
	}

	root := params.Path
	kind := ingest.SourceFilesystem
	locator := params.Path
	if params.RepoURL != "" {
		tmp, err := os.MkdirTemp("", "rad-repo-*")
		if err != nil {
			return progress, fmt.Errorf("create clone dir: %w", err)
		}
		defer func() {
			if rmErr := os.RemoveAll(tmp); rmErr != nil {
				w.logger.Warn("clone cleanup failed", zap.String("dir", tmp), zap.Error(rmErr))
			}
		}()
		if err := cloneRepo(ctx, params.RepoURL, tmp); err != nil {
			return progress, err
		}
		root = tmp
		kind = ingest.SourceGitRepo
		locator = params.RepoURL
	}

	info, err := os.Stat(root)
	if err != nil {
		return progress, fmt.Errorf("stat repo root: %w", err)
	}
	if !info.IsDir() {
		return progress, fmt.Errorf("repo root %q is not a directory", root)
	}

	include, err := compileGlobs(params.Include)
	if err != nil {
		return progress, fmt.Errorf("compile include patterns: %w", err)
	}
	exclude, err := compileGlobs(params.Exclude)
	if err != nil {
		return progress, fmt.Errorf("compile exclude patterns: %w", err)
	}

	src, err := w.store.CreateSource(ctx, kind, locator)
	if err != nil {
		return progress, fmt.Errorf("create source: %w", err)
	}

	maxFiles := firstPositive(params.MaxFiles, defaultMaxFiles)
	tally := &errorTally{max: w.cfg.MaxErrors}

	walkErr := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if w.stopping(ctx) {
			return fs.SkipAll
		}
		if d.IsDir() {
			if _, skip := skippedDirs[d.Name()]; skip {
				return fs.SkipDir
			}
			return nil
		}
		if progress.FilesIngested >= maxFiles {
			return fs.SkipAll
		}

		rel, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}
		rel = filepath.ToSlash(rel)

		if !matchAny(include, rel, true) || matchAny(exclude, rel, false) {
			return nil
		}

		chunks, err := w.ingestFile(ctx, src.ID, path, rel)
		if err != nil {
			metrics.ObservePage(locator, "error")
			tally.add(rel, err)
			if tally.exceeded() {
				return tally.summary()
			}
			return nil
		}
		if chunks < 0 {
			// Binary or oversized, silently skipped.
			return nil
		}
		metrics.ObservePage(locator, "ok")

		progress.FilesIngested++
		progress.ChunksCreated += chunks
		progress.CurrentItem = rel
		if upErr := w.store.UpdateProgress(ctx, job.ID, progress); upErr != nil {
			w.logger.Warn("progress update failed",
				zap.Int64("job_id", job.ID), zap.Error(upErr))
		}
		return nil
	})
	if walkErr != nil {
		return progress, walkErr
	}

	if progress.FilesIngested == 0 {
		if err := tally.summary(); err != nil {
			return progress, err
		}
	}
	return progress, nil
}

// ingestFile indexes one file. It returns -1 when the file is skipped as
// binary or oversized.
func (w *Worker) ingestFile(ctx context.Context, sourceID int64, path, rel string) (int, error) {
	info, err := os.Stat(path)
	if err != nil {
		return 0, fmt.Errorf("stat: %w", err)
	}
	if info.Size() > maxFileSize {
		return -1, nil
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		return 0, fmt.Errorf("read: %w", err)
	}
	if bytes.ContainsRune(raw, 0) {
		return -1, nil
	}

	text := extract.NormalizeText(string(raw))
	if text == "" {
		return -1, nil
	}

	docType, language := extract.ClassifyFile(rel)
	doc := ingest.Document{
		SourceID:    sourceID,
		ExternalID:  rel,
		Title:       filepath.Base(rel),
		Language:    language,
		DocType:     docType,
		ContentHash: extract.HashText(text),
		SizeBytes:   int64(len(text)),
	}
	return w.indexDocument(ctx, doc, text, ingest.ChunkMeta{Language: language, FilePath: rel})
}

func cloneRepo(ctx context.Context, repoURL, dir string) error {
	cmd := exec.CommandContext(ctx, "git", "clone", "--depth", "1", "--single-branch", repoURL, dir)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("git clone %s: %w: %s", repoURL, err, strings.TrimSpace(stderr.String()))
	}
	return nil
}

func compileGlobs(patterns []string) ([]glob.Glob, error) {
	globs := make([]glob.Glob, 0, len(patterns))
	for _, p := range patterns {
		g, err := glob.Compile(p, '/')
		if err != nil {
			return nil, fmt.Errorf("pattern %q: %w", p, err)
		}
		globs = append(globs, g)
	}
	return globs, nil
}

// matchAny reports whether rel matches any glob. An empty set returns
// emptyResult, so includes default to everything and excludes to nothing.
func matchAny(globs []glob.Glob, rel string, emptyResult bool) bool {
	if len(globs) == 0 {
		return emptyResult
	}
	for _, g := range globs {
		if g.Match(rel) {
			return true
		}
	}
	return false
}
