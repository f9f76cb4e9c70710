// Package source discovers changelogs in a filesystem tree.
//
// A migration folder holds one entry per changelog, named
// V<version>__<description> with underscores standing in for spaces:
//
//	V1__initial_documents/        document import, a folder of .json files
//	V1.1__cleanup_users.query     query script
//	V2__user_by_name.json         index definition
//
// Entries not matching the pattern are ignored.
package source

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io/fs"
	"os"
	"path"
	"regexp"
	"sort"
	"strings"

	"go.uber.org/zap"

	"github.com/xoliver/couchmove"
)

var changeLogPattern = regexp.MustCompile(`^V([0-9A-Za-z.]+)__(.+)$`)

var _ couchmove.ChangeSource = (*Source)(nil)

// Source reads changelogs from a migration folder.
type Source struct {
	logger *zap.Logger
	fsys   fs.FS
}

// New returns a Source over the provided filesystem. The filesystem root is
// the migration folder itself.
func New(fsys fs.FS) *Source {
	return &Source{
		logger: zap.NewNop(),
		fsys:   fsys,
	}
}

// NewDir returns a Source over the migration folder at dir.
func NewDir(dir string) *Source {
	return New(os.DirFS(dir))
}

// WithLogger sets the logger on the source.
func (s *Source) WithLogger(logger *zap.Logger) {
	s.logger = logger
}

// Fetch returns the changelogs of the migration folder sorted by version.
// Two entries carrying the same version fail the fetch.
func (s *Source) Fetch(ctx context.Context) ([]couchmove.ChangeLog, error) {
	entries, err := fs.ReadDir(s.fsys, ".")
	if err != nil {
		return nil, fmt.Errorf("reading migration folder: %w", err)
	}

	seen := map[string]string{}
	var changeLogs []couchmove.ChangeLog
	for _, entry := range entries {
		name := entry.Name()
		if strings.HasPrefix(name, ".") {
			continue
		}

		c, ok, err := s.parseEntry(entry)
		if err != nil {
			return nil, err
		}
		if !ok {
			s.logger.Debug("Ignoring entry", zap.String("name", name))
			continue
		}

		if prev, ok := seen[c.Version]; ok {
			return nil, &couchmove.Error{
				Code: couchmove.EInvalid,
				Op:   "source.Fetch",
				Msg:  fmt.Sprintf("duplicate changelog version %q in %q and %q", c.Version, prev, c.Script),
			}
		}
		seen[c.Version] = c.Script

		changeLogs = append(changeLogs, c)
	}

	sort.Slice(changeLogs, func(i, j int) bool {
		return changeLogs[i].Version < changeLogs[j].Version
	})
	return changeLogs, nil
}

// parseEntry turns a migration folder entry into a changelog. The second
// return value reports whether the entry is a changelog at all.
func (s *Source) parseEntry(entry fs.DirEntry) (couchmove.ChangeLog, bool, error) {
	var (
		name = entry.Name()
		base = name
		typ  couchmove.Type
	)

	if entry.IsDir() {
		typ = couchmove.TypeDocuments
	} else {
		switch ext := path.Ext(name); ext {
		case ".query":
			typ = couchmove.TypeQuery
		case ".json":
			typ = couchmove.TypeIndex
		default:
			return couchmove.ChangeLog{}, false, nil
		}
		base = strings.TrimSuffix(name, path.Ext(name))
	}

	m := changeLogPattern.FindStringSubmatch(base)
	if m == nil {
		return couchmove.ChangeLog{}, false, nil
	}

	checksum, err := s.checksum(entry)
	if err != nil {
		return couchmove.ChangeLog{}, false, fmt.Errorf("computing checksum of %q: %w", name, err)
	}

	return couchmove.ChangeLog{
		Version:     m[1],
		Description: strings.ReplaceAll(m[2], "_", " "),
		Type:        typ,
		Script:      name,
		Checksum:    checksum,
		Status:      couchmove.StatusToBeExecuted,
	}, true, nil
}

// checksum fingerprints a changelog entry. A folder is hashed file by file
// in path order so renames and content changes both show up.
func (s *Source) checksum(entry fs.DirEntry) (string, error) {
	if !entry.IsDir() {
		content, err := fs.ReadFile(s.fsys, entry.Name())
		if err != nil {
			return "", err
		}
		sum := sha256.Sum256(content)
		return hex.EncodeToString(sum[:]), nil
	}

	h := sha256.New()
	err := fs.WalkDir(s.fsys, entry.Name(), func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}

		content, err := fs.ReadFile(s.fsys, p)
		if err != nil {
			return err
		}
		h.Write([]byte(p))
		h.Write(content)
		return nil
	})
	if err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// ReadScript returns the content of the named script file.
func (s *Source) ReadScript(ctx context.Context, script string) ([]byte, error) {
	content, err := fs.ReadFile(s.fsys, script)
	if err != nil {
		return nil, fmt.Errorf("reading migration script %q: %w", script, err)
	}
	return content, nil
}

// ReadDocuments returns the JSON documents of the named changelog folder,
// named by their path relative to it.
func (s *Source) ReadDocuments(ctx context.Context, script string) ([]couchmove.Document, error) {
	var docs []couchmove.Document
	err := fs.WalkDir(s.fsys, script, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || path.Ext(p) != ".json" {
			return nil
		}

		content, err := fs.ReadFile(s.fsys, p)
		if err != nil {
			return err
		}

		docs = append(docs, couchmove.Document{
			Name:    strings.TrimPrefix(p, script+"/"),
			Content: content,
		})
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("reading migration documents %q: %w", script, err)
	}
	return docs, nil
}
