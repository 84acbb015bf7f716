// Package nuget downloads NuGet packages so the binaries they ship can be
// scanned like a local directory.
package nuget

import (
	"archive/zip"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/hashicorp/go-version"
	"github.com/rs/zerolog"
)

const DefaultIndex string = "https://api.nuget.org/v3/index.json"

const baseAddressResource string = "PackageBaseAddress"

// Client talks to a NuGet v3 feed.
type Client struct {
	// Index is the service index of the feed.
	Index string
	HTTP  *http.Client
	Log   zerolog.Logger
}

func NewClient(log zerolog.Logger) *Client {
	return &Client{
		Index: DefaultIndex,
		HTTP:  http.DefaultClient,
		Log:   log,
	}
}

// ParseReference splits `id@version` into its parts. Version may be empty.
func ParseReference(reference string) (id string, packageVersion string, err error) {
	id, packageVersion, _ = strings.Cut(strings.TrimSpace(reference), "@")
	if id == "" {
		return "", "", fmt.Errorf("package reference %q has no id", reference)
	}

	if packageVersion != "" {
		if _, err := version.NewVersion(packageVersion); err != nil {
			return "", "", fmt.Errorf("package reference %q: %w", reference, err)
		}
	}

	return id, packageVersion, nil
}

// Fetch downloads the package and extracts every entry with one of the given
// extensions below dir, keeping the package layout. When packageVersion is
// empty the highest published version is used. It returns the extracted paths.
func (client *Client) Fetch(ctx context.Context, id, packageVersion, dir string, extensions []string) ([]string, error) {
	baseAddress, err := client.getBaseAddress(ctx)
	if err != nil {
		return nil, err
	}

	name := strings.ToLower(id)
	if packageVersion == "" {
		packageVersion, err = client.latestVersion(ctx, baseAddress, name)
		if err != nil {
			return nil, err
		}
	}
	packageVersion = strings.ToLower(packageVersion)

	client.Log.Info().Str("package", id).Str("version", packageVersion).Msg("Downloading package.")

	nugetBytes, err := client.queryGet(ctx, fmt.Sprintf("%s%s/%s/%s.%s.nupkg", baseAddress, name, packageVersion, name, packageVersion))
	if err != nil {
		return nil, fmt.Errorf("downloading %s %s: %w", id, packageVersion, err)
	}

	return extract(nugetBytes, dir, extensions)
}

func (client *Client) latestVersion(ctx context.Context, baseAddress, name string) (string, error) {
	versionsResponse, err := client.queryGet(ctx, fmt.Sprintf("%s%s/index.json", baseAddress, name))
	if err != nil {
		return "", fmt.Errorf("listing versions of %s: %w", name, err)
	}

	versions, err := parse[map[string][]string](versionsResponse)
	if err != nil {
		return "", fmt.Errorf("parsing versions of %s: %w", name, err)
	}

	orderedVersions := make([]*version.Version, 0, len(versions["versions"]))
	for _, versionString := range versions["versions"] {
		parsed, err := version.NewVersion(versionString)
		if err != nil {
			client.Log.Debug().Str("version", versionString).Err(err).Msg("Ignoring unparsable version.")
			continue
		}
		orderedVersions = append(orderedVersions, parsed)
	}

	if len(orderedVersions) == 0 {
		return "", fmt.Errorf("package %s has no published versions", name)
	}

	sort.Sort(version.Collection(orderedVersions))
	return orderedVersions[len(orderedVersions)-1].Original(), nil
}

func (client *Client) getBaseAddress(ctx context.Context) (string, error) {
	response, err := client.queryGet(ctx, client.Index)
	if err != nil {
		return "", fmt.Errorf("reading service index: %w", err)
	}

	index, err := parse[nugetIndex](response)
	if err != nil {
		return "", fmt.Errorf("parsing service index: %w", err)
	}

	for _, resource := range index.Resources {
		if strings.Contains(resource.Type, baseAddressResource) {
			return strings.TrimSuffix(resource.Id, "/") + "/", nil
		}
	}

	return "", fmt.Errorf("service index %s has no %s resource", client.Index, baseAddressResource)
}

func extract(nugetBytes []byte, dir string, extensions []string) ([]string, error) {
	bytesReader := bytes.NewReader(nugetBytes)
	nuget, err := zip.NewReader(bytesReader, int64(bytesReader.Len()))
	if err != nil {
		return nil, fmt.Errorf("package is not a valid archive: %w", err)
	}

	var extracted []string
	for _, file := range nuget.File {
		if file.FileInfo().IsDir() || !hasExtension(file.Name, extensions) {
			continue
		}

		target, err := safeJoin(dir, file.Name)
		if err != nil {
			return nil, err
		}

		if err := extractFile(file, target); err != nil {
			return nil, err
		}
		extracted = append(extracted, target)
	}

	return extracted, nil
}

func extractFile(file *zip.File, target string) error {
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return err
	}

	reader, err := file.Open()
	if err != nil {
		return fmt.Errorf("opening %s: %w", file.Name, err)
	}
	defer reader.Close()

	content, err := io.ReadAll(reader)
	if err != nil {
		return fmt.Errorf("reading %s: %w", file.Name, err)
	}

	return os.WriteFile(target, content, 0o644)
}

// Joins an archive entry name to dir, refusing names that escape it.
func safeJoin(dir, name string) (string, error) {
	name = filepath.FromSlash(strings.ReplaceAll(name, `\`, "/"))
	if filepath.IsAbs(name) || !filepath.IsLocal(name) {
		return "", fmt.Errorf("archive entry %q escapes the extraction directory", name)
	}

	return filepath.Join(dir, name), nil
}

func hasExtension(name string, extensions []string) bool {
	for _, extension := range extensions {
		if strings.EqualFold(filepath.Ext(name), extension) {
			return true
		}
	}

	return false
}

func parse[T interface{}](source []byte) (T, error) {
	var parsedBody T
	err := json.Unmarshal(source, &parsedBody)
	return parsedBody, err
}

func (client *Client) queryGet(ctx context.Context, url string) ([]byte, error) {
	request, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}

	response, err := client.HTTP.Do(request)
	if err != nil {
		return nil, err
	}
	defer response.Body.Close()

	if response.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("GET %s: unexpected status %s", url, response.Status)
	}

	return io.ReadAll(response.Body)
}

type nugetIndex struct {
	Resources []nugetResource `json:"resources"`
}

type nugetResource struct {
	Id   string `json:"@id"`
	Type string `json:"@type"`
}
