// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package retrieval

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"github.com/google/uuid"
	chromem "github.com/philippgille/chromem-go"
)

// DefaultFileTypes are the extensions ingested when a request names none.
var DefaultFileTypes = []string{"md", "txt", "html"}

// IngestRequest describes one ingestion run.
type IngestRequest struct {
	Path      string
	Recursive bool
	Rebuild   bool
	FileTypes []string
}

// IngestResult reports an ingestion run.
type IngestResult struct {
	Index      *Index
	Files      int
	Nodes      int
	PersistDir string
}

// Ingestor builds the document index from files on disk.
//
// # Description
//
// Files are read, split by the Chunker and stored in a persisted chromem
// collection. Chunk ids are derived from the file path and chunk number,
// so re-ingesting a file overwrites its previous chunks. Rebuild drops
// the collection first.
type Ingestor struct {
	chunker     *Chunker
	embed       chromem.EmbeddingFunc
	collection  string
	concurrency int
	logger      *slog.Logger
}

// NewIngestor creates an Ingestor. A nil logger uses slog.Default().
func NewIngestor(chunker *Chunker, embed chromem.EmbeddingFunc, collection string, concurrency int, logger *slog.Logger) *Ingestor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Ingestor{
		chunker:     chunker,
		embed:       embed,
		collection:  collection,
		concurrency: concurrency,
		logger:      logger,
	}
}

// Ingest indexes req.Path into persistDir.
//
// # Inputs
//
//   - ctx: Context for the embedding calls.
//   - req: Source path and options.
//   - persistDir: Directory of the persisted index.
//
// # Outputs
//
//   - IngestResult: The bound index and counts.
//   - error: Scan, read, or indexing failure.
func (g *Ingestor) Ingest(ctx context.Context, req IngestRequest, persistDir string) (IngestResult, error) {
	paths, err := ScanFiles(req.Path, req.Recursive, req.FileTypes)
	if err != nil {
		return IngestResult{}, err
	}

	var docs []Document
	for _, p := range paths {
		text, err := LoadText(p)
		if err != nil {
			g.logger.Warn("skipping unreadable file", "path", p, "error", err)
			continue
		}
		docs = append(docs, g.documentsFor(p, text)...)
	}

	idx, err := CreateIndex(persistDir, g.collection, g.embed, req.Rebuild)
	if err != nil {
		return IngestResult{}, err
	}
	if err := idx.Add(ctx, docs, g.concurrency); err != nil {
		return IngestResult{}, err
	}

	g.logger.Info("documents indexed",
		"path", req.Path, "files", len(paths), "nodes", len(docs),
		"total_nodes", idx.Count(), "persist_dir", persistDir)
	return IngestResult{Index: idx, Files: len(paths), Nodes: len(docs), PersistDir: persistDir}, nil
}

func (g *Ingestor) documentsFor(path, text string) []Document {
	abs, err := filepath.Abs(path)
	if err != nil {
		abs = path
	}
	chunks := g.chunker.Split(text)
	docs := make([]Document, 0, len(chunks))
	for i, ch := range chunks {
		docs = append(docs, Document{
			ID:      uuid.NewSHA1(uuid.NameSpaceURL, []byte(abs+"#"+strconv.Itoa(i))).String(),
			Content: ch,
			Metadata: map[string]string{
				"file":  filepath.Base(abs),
				"path":  abs,
				"chunk": strconv.Itoa(i),
			},
		})
	}
	return docs
}

// ScanFiles lists the files to ingest under root, sorted. A file root is
// returned as-is. Without recursion only the top level is listed.
func ScanFiles(root string, recursive bool, fileTypes []string) ([]string, error) {
	info, err := os.Stat(root)
	if err != nil {
		return nil, fmt.Errorf("stat %s: %w", root, err)
	}
	if !info.IsDir() {
		return []string{root}, nil
	}

	if len(fileTypes) == 0 {
		fileTypes = DefaultFileTypes
	}
	want := make(map[string]bool, len(fileTypes))
	for _, ext := range fileTypes {
		want[strings.ToLower(strings.TrimPrefix(strings.TrimSpace(ext), "."))] = true
	}
	match := func(p string) bool {
		return want[strings.ToLower(strings.TrimPrefix(filepath.Ext(p), "."))]
	}

	var out []string
	if !recursive {
		entries, err := os.ReadDir(root)
		if err != nil {
			return nil, fmt.Errorf("read dir %s: %w", root, err)
		}
		for _, e := range entries {
			if e.Type().IsRegular() && match(e.Name()) {
				out = append(out, filepath.Join(root, e.Name()))
			}
		}
		return out, nil
	}

	err = filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.Type().IsRegular() && match(p) {
			out = append(out, p)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("walk %s: %w", root, err)
	}
	sort.Strings(out)
	return out, nil
}

// LoadText reads a file as text. HTML is reduced to its visible text.
// Invalid UTF-8 sequences are replaced.
func LoadText(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".html", ".htm":
		return htmlText(data)
	default:
		return strings.ToValidUTF8(string(data), "�"), nil
	}
}

func htmlText(data []byte) (string, error) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(data))
	if err != nil {
		return "", fmt.Errorf("parse html: %w", err)
	}
	doc.Find("script, style, noscript, iframe").Remove()

	var lines []string
	if title := strings.TrimSpace(doc.Find("title").First().Text()); title != "" {
		lines = append(lines, "# "+title)
	}
	doc.Find("h1, h2, h3, h4, h5, h6, p, li, td, pre").Each(func(_ int, s *goquery.Selection) {
		if text := strings.Join(strings.Fields(s.Text()), " "); text != "" {
			lines = append(lines, text)
		}
	})
	if len(lines) == 0 {
		body := strings.TrimSpace(doc.Find("body").Text())
		if body == "" {
			return "", errors.New("html has no text")
		}
		return body, nil
	}
	return strings.Join(lines, "\n"), nil
}
