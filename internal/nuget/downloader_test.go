package nuget

import (
	"archive/zip"
	"bytes"
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func buildPackage(t *testing.T, entries map[string]string) []byte {
	t.Helper()
	var buf bytes.Buffer
	writer := zip.NewWriter(&buf)
	for name, content := range entries {
		entry, err := writer.Create(name)
		require.NoError(t, err)
		_, err = entry.Write([]byte(content))
		require.NoError(t, err)
	}
	require.NoError(t, writer.Close())
	return buf.Bytes()
}

type feed struct {
	server    *httptest.Server
	downloads []string
}

func newFeed(t *testing.T, versions string, nupkg []byte) *feed {
	t.Helper()
	f := &feed{}
	mux := http.NewServeMux()
	mux.HandleFunc("/v3/index.json", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintf(w, `{"resources":[
			{"@id":"%s/search","@type":"SearchQueryService"},
			{"@id":"%s/flat","@type":"PackageBaseAddress/3.0.0"}]}`, f.server.URL, f.server.URL)
	})
	mux.HandleFunc("/flat/interop.lib/index.json", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, versions)
	})
	mux.HandleFunc("/flat/interop.lib/", func(w http.ResponseWriter, r *http.Request) {
		f.downloads = append(f.downloads, r.URL.Path)
		_, _ = w.Write(nupkg)
	})
	f.server = httptest.NewServer(mux)
	t.Cleanup(f.server.Close)
	return f
}

func (f *feed) client() *Client {
	return &Client{Index: f.server.URL + "/v3/index.json", HTTP: f.server.Client(), Log: zerolog.Nop()}
}

func TestFetch_LatestVersion(t *testing.T) {
	nupkg := buildPackage(t, map[string]string{
		"lib/net48/Interop.Lib.dll":         "net48",
		"lib/netstandard2.0/Interop.Lib.dll": "netstandard",
		"tools/install.EXE":                 "tool",
		"README.md":                         "docs",
	})
	f := newFeed(t, `{"versions":["1.0.0","1.10.0","1.9.3","not-a-version"]}`, nupkg)
	dir := t.TempDir()

	files, err := f.client().Fetch(context.Background(), "Interop.Lib", "", dir, []string{".dll", ".exe"})
	require.NoError(t, err)

	assert.Equal(t, []string{"/flat/interop.lib/1.10.0/interop.lib.1.10.0.nupkg"}, f.downloads)
	assert.ElementsMatch(t, []string{
		filepath.Join(dir, "lib", "net48", "Interop.Lib.dll"),
		filepath.Join(dir, "lib", "netstandard2.0", "Interop.Lib.dll"),
		filepath.Join(dir, "tools", "install.EXE"),
	}, files)

	content, err := os.ReadFile(filepath.Join(dir, "lib", "net48", "Interop.Lib.dll"))
	require.NoError(t, err)
	assert.Equal(t, "net48", string(content))
	assert.NoFileExists(t, filepath.Join(dir, "README.md"))
}

func TestFetch_RequestedVersion(t *testing.T) {
	f := newFeed(t, `{"versions":[]}`, buildPackage(t, map[string]string{"a.dll": "x"}))

	_, err := f.client().Fetch(context.Background(), "Interop.Lib", "2.0.0-Beta", t.TempDir(), []string{".dll"})
	require.NoError(t, err)

	assert.Equal(t, []string{"/flat/interop.lib/2.0.0-beta/interop.lib.2.0.0-beta.nupkg"}, f.downloads)
}

func TestFetch_NoVersions(t *testing.T) {
	f := newFeed(t, `{"versions":[]}`, nil)

	_, err := f.client().Fetch(context.Background(), "Interop.Lib", "", t.TempDir(), []string{".dll"})
	assert.ErrorContains(t, err, "no published versions")
}

func TestFetch_UnknownPackage(t *testing.T) {
	f := newFeed(t, `{"versions":[]}`, nil)

	_, err := f.client().Fetch(context.Background(), "Missing.Package", "", t.TempDir(), []string{".dll"})
	assert.ErrorContains(t, err, "unexpected status 404")
}

func TestFetch_InvalidArchive(t *testing.T) {
	f := newFeed(t, `{"versions":["1.0.0"]}`, []byte("not a zip"))

	_, err := f.client().Fetch(context.Background(), "Interop.Lib", "", t.TempDir(), []string{".dll"})
	assert.ErrorContains(t, err, "not a valid archive")
}

func TestParseReference(t *testing.T) {
	id, packageVersion, err := ParseReference("Interop.Lib@1.2.3")
	require.NoError(t, err)
	assert.Equal(t, "Interop.Lib", id)
	assert.Equal(t, "1.2.3", packageVersion)

	id, packageVersion, err = ParseReference(" Interop.Lib ")
	require.NoError(t, err)
	assert.Equal(t, "Interop.Lib", id)
	assert.Empty(t, packageVersion)

	_, _, err = ParseReference("@1.0.0")
	assert.Error(t, err)

	_, _, err = ParseReference("Interop.Lib@latest!")
	assert.Error(t, err)
}

func TestSafeJoin(t *testing.T) {
	dir := t.TempDir()

	target, err := safeJoin(dir, "lib/net48/a.dll")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "lib", "net48", "a.dll"), target)

	for _, name := range []string{"../evil.dll", "lib/../../evil.dll", "/abs/evil.dll", `..\evil.dll`} {
		_, err := safeJoin(dir, name)
		assert.Error(t, err, name)
	}
}
