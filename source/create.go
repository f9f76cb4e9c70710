package source

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/xoliver/couchmove"
)

var versionPattern = regexp.MustCompile(`^[0-9A-Za-z.]+$`)

// Create scaffolds a changelog entry under the migration folder dir and
// returns the created path. Document import changelogs become folders to
// be filled with JSON files, query changelogs start as an empty statement
// script and index changelogs as an empty definition.
func Create(dir string, t couchmove.Type, version, description string) (string, error) {
	const op = "source.Create"

	if err := t.Valid(); err != nil {
		return "", err
	}
	if !versionPattern.MatchString(version) {
		return "", &couchmove.Error{
			Code: couchmove.EInvalid,
			Op:   op,
			Msg:  fmt.Sprintf("invalid changelog version %q", version),
		}
	}
	if strings.TrimSpace(description) == "" {
		return "", &couchmove.Error{
			Code: couchmove.EInvalid,
			Op:   op,
			Msg:  "changelog description cannot be empty",
		}
	}

	name := fmt.Sprintf("V%s__%s", version, strings.ReplaceAll(description, " ", "_"))
	createErr := func(err error) error {
		if os.IsExist(err) {
			return &couchmove.Error{
				Code: couchmove.EConflict,
				Op:   op,
				Msg:  fmt.Sprintf("changelog %q already exists", name),
			}
		}
		return &couchmove.Error{Code: couchmove.EInternal, Op: op, Err: err}
	}

	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", &couchmove.Error{Code: couchmove.EInternal, Op: op, Err: err}
	}

	var starter string
	switch t {
	case couchmove.TypeDocuments:
		path := filepath.Join(dir, name)
		if err := os.Mkdir(path, 0755); err != nil {
			return "", createErr(err)
		}
		return path, nil
	case couchmove.TypeQuery:
		name += ".query"
		starter = "-- " + description + "\n"
	case couchmove.TypeIndex:
		name += ".json"
		starter = "{}\n"
	}

	path := filepath.Join(dir, name)
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0644)
	if err != nil {
		return "", createErr(err)
	}
	if _, err := f.WriteString(starter); err != nil {
		f.Close()
		return "", createErr(err)
	}
	if err := f.Close(); err != nil {
		return "", createErr(err)
	}
	return path, nil
}
