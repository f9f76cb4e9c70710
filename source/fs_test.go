package source_test

import (
	"context"
	"testing"
	"testing/fstest"

	"github.com/stretchr/testify/require"

	"github.com/xoliver/couchmove"
	"github.com/xoliver/couchmove/source"
)

func testFS() fstest.MapFS {
	return fstest.MapFS{
		"V1__initial_documents/user.json": {Data: []byte(`{"name": "admin"}`)},
		"V1__initial_documents/role.json": {Data: []byte(`{"name": "reader"}`)},
		"V1.1__cleanup_users.query":       {Data: []byte("DELETE user::legacy\n")},
		"V2__user_by_name.json":           {Data: []byte(`{"fields": ["name"]}`)},
		"README.md":                       {Data: []byte("not a changelog")},
		".hidden.query":                   {Data: []byte("DELETE x\n")},
		"broken_name.query":               {Data: []byte("DELETE y\n")},
	}
}

func TestSource_Fetch(t *testing.T) {
	s := source.New(testFS())

	changeLogs, err := s.Fetch(context.Background())
	require.NoError(t, err)
	require.Len(t, changeLogs, 3)

	require.Equal(t, "1", changeLogs[0].Version)
	require.Equal(t, couchmove.TypeDocuments, changeLogs[0].Type)
	require.Equal(t, "initial documents", changeLogs[0].Description)
	require.Equal(t, "V1__initial_documents", changeLogs[0].Script)
	require.Equal(t, couchmove.StatusToBeExecuted, changeLogs[0].Status)
	require.NotEmpty(t, changeLogs[0].Checksum)

	require.Equal(t, "1.1", changeLogs[1].Version)
	require.Equal(t, couchmove.TypeQuery, changeLogs[1].Type)
	require.Equal(t, "cleanup users", changeLogs[1].Description)
	require.Equal(t, "V1.1__cleanup_users.query", changeLogs[1].Script)

	require.Equal(t, "2", changeLogs[2].Version)
	require.Equal(t, couchmove.TypeIndex, changeLogs[2].Type)
	require.Equal(t, "user by name", changeLogs[2].Description)
	require.Equal(t, "V2__user_by_name.json", changeLogs[2].Script)
}

func TestSource_FetchOrdersVersionsLexically(t *testing.T) {
	s := source.New(fstest.MapFS{
		"V2__b.query":   {Data: []byte("DELETE b\n")},
		"V10__d.query":  {Data: []byte("DELETE d\n")},
		"V1__a.query":   {Data: []byte("DELETE a\n")},
		"V1.5__c.query": {Data: []byte("DELETE c\n")},
	})

	changeLogs, err := s.Fetch(context.Background())
	require.NoError(t, err)

	var versions []string
	for _, c := range changeLogs {
		versions = append(versions, c.Version)
	}
	require.Equal(t, []string{"1", "1.5", "10", "2"}, versions)
}

func TestSource_FetchDuplicateVersion(t *testing.T) {
	s := source.New(fstest.MapFS{
		"V1__a.query": {Data: []byte("DELETE a\n")},
		"V1__b.json":  {Data: []byte(`{}`)},
	})

	_, err := s.Fetch(context.Background())
	require.Equal(t, couchmove.EInvalid, couchmove.ErrorCode(err))
}

func TestSource_ChecksumTracksContent(t *testing.T) {
	fsys := testFS()
	s := source.New(fsys)

	before, err := s.Fetch(context.Background())
	require.NoError(t, err)

	fsys["V1.1__cleanup_users.query"] = &fstest.MapFile{Data: []byte("DELETE user::other\n")}

	after, err := s.Fetch(context.Background())
	require.NoError(t, err)

	require.NotEqual(t, before[1].Checksum, after[1].Checksum)
	require.Equal(t, before[0].Checksum, after[0].Checksum)
	require.Equal(t, before[2].Checksum, after[2].Checksum)
}

func TestSource_FolderChecksumTracksRenames(t *testing.T) {
	fsys := testFS()
	s := source.New(fsys)

	before, err := s.Fetch(context.Background())
	require.NoError(t, err)

	content := fsys["V1__initial_documents/user.json"]
	delete(fsys, "V1__initial_documents/user.json")
	fsys["V1__initial_documents/admin.json"] = content

	after, err := s.Fetch(context.Background())
	require.NoError(t, err)
	require.NotEqual(t, before[0].Checksum, after[0].Checksum)
}

func TestSource_ReadScript(t *testing.T) {
	s := source.New(testFS())

	content, err := s.ReadScript(context.Background(), "V1.1__cleanup_users.query")
	require.NoError(t, err)
	require.Equal(t, "DELETE user::legacy\n", string(content))

	_, err = s.ReadScript(context.Background(), "V9__absent.query")
	require.Error(t, err)
}

func TestSource_ReadDocuments(t *testing.T) {
	fsys := testFS()
	fsys["V1__initial_documents/nested/config.json"] = &fstest.MapFile{Data: []byte(`{"a": 1}`)}
	fsys["V1__initial_documents/notes.txt"] = &fstest.MapFile{Data: []byte("ignore me")}
	s := source.New(fsys)

	docs, err := s.ReadDocuments(context.Background(), "V1__initial_documents")
	require.NoError(t, err)

	names := make([]string, 0, len(docs))
	for _, d := range docs {
		names = append(names, d.Name)
	}
	require.ElementsMatch(t, []string{"user.json", "role.json", "nested/config.json"}, names)
}
