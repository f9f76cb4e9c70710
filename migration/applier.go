package migration

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/xoliver/couchmove"
	"github.com/xoliver/couchmove/kv"
)

var (
	// documentsBucket receives imported documents and applied query
	// statements.
	documentsBucket = []byte("documents")

	// indexesBucket receives imported index definitions.
	indexesBucket = []byte("indexes")
)

var (
	_ couchmove.Applier = (*DocumentImporter)(nil)
	_ couchmove.Applier = (*QueryApplier)(nil)
	_ couchmove.Applier = (*IndexImporter)(nil)
)

// DocumentImporter applies document import changelogs: every document of
// the changelog folder is upserted under its file name.
type DocumentImporter struct {
	bucket kv.Bucket
}

// NewDocumentImporter returns a DocumentImporter targeting store.
func NewDocumentImporter(store kv.Store) *DocumentImporter {
	return &DocumentImporter{bucket: store.Bucket(documentsBucket)}
}

// Apply imports every document referenced by c.
func (i *DocumentImporter) Apply(ctx context.Context, source couchmove.ChangeSource, c *couchmove.ChangeLog) error {
	docs, err := source.ReadDocuments(ctx, c.Script)
	if err != nil {
		return err
	}

	for _, doc := range docs {
		if !json.Valid(doc.Content) {
			return &couchmove.Error{
				Code: couchmove.EInvalid,
				Msg:  fmt.Sprintf("document %q is not valid JSON", doc.Name),
			}
		}

		key := strings.TrimSuffix(doc.Name, ".json")
		if _, err := i.bucket.Upsert(ctx, []byte(key), doc.Content); err != nil {
			return fmt.Errorf("importing document %q: %w", doc.Name, err)
		}
	}
	return nil
}

// QueryApplier applies query script changelogs. A script is a list of
// statements, one per line:
//
//	UPSERT <key> <json document>
//	DELETE <key>
//
// Blank lines and lines starting with -- are ignored. Statements run in
// order and the first failing statement aborts the script.
type QueryApplier struct {
	bucket kv.Bucket
}

// NewQueryApplier returns a QueryApplier targeting store.
func NewQueryApplier(store kv.Store) *QueryApplier {
	return &QueryApplier{bucket: store.Bucket(documentsBucket)}
}

// Apply runs every statement of the script referenced by c.
func (a *QueryApplier) Apply(ctx context.Context, source couchmove.ChangeSource, c *couchmove.ChangeLog) error {
	content, err := source.ReadScript(ctx, c.Script)
	if err != nil {
		return err
	}

	for n, line := range strings.Split(string(content), "\n") {
		stmt := strings.TrimSpace(line)
		if stmt == "" || strings.HasPrefix(stmt, "--") {
			continue
		}

		if err := a.applyStatement(ctx, stmt); err != nil {
			return fmt.Errorf("statement at line %d of %q: %w", n+1, c.Script, err)
		}
	}
	return nil
}

func (a *QueryApplier) applyStatement(ctx context.Context, stmt string) error {
	verb, rest, _ := strings.Cut(stmt, " ")
	switch strings.ToUpper(verb) {
	case "UPSERT":
		key, doc, ok := strings.Cut(strings.TrimSpace(rest), " ")
		if !ok || !json.Valid([]byte(doc)) {
			return &couchmove.Error{
				Code: couchmove.EInvalid,
				Msg:  fmt.Sprintf("malformed upsert statement %q", stmt),
			}
		}
		_, err := a.bucket.Upsert(ctx, []byte(key), []byte(doc))
		return err

	case "DELETE":
		key := strings.TrimSpace(rest)
		if key == "" {
			return &couchmove.Error{
				Code: couchmove.EInvalid,
				Msg:  fmt.Sprintf("malformed delete statement %q", stmt),
			}
		}
		// Deleting an absent key is not an error, scripts stay
		// re-runnable.
		if err := a.bucket.Remove(ctx, []byte(key)); err != nil && !kv.IsNotFound(err) {
			return err
		}
		return nil

	default:
		return &couchmove.Error{
			Code: couchmove.EInvalid,
			Msg:  fmt.Sprintf("unknown statement %q", verb),
		}
	}
}

// IndexImporter applies index definition changelogs: the JSON definition is
// stored under the changelog description, spaces replaced with underscores.
type IndexImporter struct {
	bucket kv.Bucket
}

// NewIndexImporter returns an IndexImporter targeting store.
func NewIndexImporter(store kv.Store) *IndexImporter {
	return &IndexImporter{bucket: store.Bucket(indexesBucket)}
}

// Apply imports the index definition referenced by c.
func (i *IndexImporter) Apply(ctx context.Context, source couchmove.ChangeSource, c *couchmove.ChangeLog) error {
	content, err := source.ReadScript(ctx, c.Script)
	if err != nil {
		return err
	}

	if !json.Valid(content) {
		return &couchmove.Error{
			Code: couchmove.EInvalid,
			Msg:  fmt.Sprintf("index definition %q is not valid JSON", c.Script),
		}
	}

	name := strings.ReplaceAll(c.Description, " ", "_")
	_, err = i.bucket.Upsert(ctx, []byte(name), content)
	return err
}
