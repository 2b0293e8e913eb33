// Package update replaces the courier binary with the latest GitHub release,
// keeping every consumer machine on the same build.
package update

import (
	"bufio"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"runtime"
	"strconv"
	"strings"
	"time"

	"github.com/GoCodeAlone/courier/internal/fsutil"
)

const (
	defaultAPIBase = "https://api.github.com"
	checksumsAsset = "checksums.txt"
)

// ErrChecksumMismatch is returned when a download does not match the digest
// published with the release.
var ErrChecksumMismatch = errors.New("checksum mismatch")

// Release is a newer build available for this platform.
type Release struct {
	Version string `json:"version"`
	URL     string `json:"url"`
	SHA256  string `json:"sha256,omitempty"` // empty when the release has no checksums.txt
}

type githubRelease struct {
	TagName string `json:"tag_name"`
	Assets  []struct {
		Name string `json:"name"`
		URL  string `json:"browser_download_url"`
	} `json:"assets"`
}

// Updater checks for and applies self-updates from GitHub releases.
type Updater struct {
	CurrentVersion string
	RepoOwner      string
	RepoName       string
	Binary         string
	APIBase        string
	GOOS, GOARCH   string
	httpClient     *http.Client
}

func New(currentVersion string) *Updater {
	return &Updater{
		CurrentVersion: currentVersion,
		RepoOwner:      "GoCodeAlone",
		RepoName:       "courier",
		Binary:         "courier",
		APIBase:        defaultAPIBase,
		GOOS:           runtime.GOOS,
		GOARCH:         runtime.GOARCH,
		httpClient:     &http.Client{Timeout: 30 * time.Second},
	}
}

// CheckForUpdate returns the latest release when it is newer than the
// running build, or nil, nil when there is nothing to do. Dev builds never
// update.
func (u *Updater) CheckForUpdate(ctx context.Context) (*Release, error) {
	if u.CurrentVersion == "dev" || u.CurrentVersion == "" {
		return nil, nil
	}

	var rel githubRelease
	endpoint := fmt.Sprintf("%s/repos/%s/%s/releases/latest", u.APIBase, u.RepoOwner, u.RepoName)
	if err := u.get(ctx, endpoint, func(r io.Reader) error { return json.NewDecoder(r).Decode(&rel) }); err != nil {
		return nil, fmt.Errorf("fetch latest release: %w", err)
	}
	if !newer(rel.TagName, u.CurrentVersion) {
		return nil, nil
	}

	prefix := u.assetName()
	out := &Release{Version: rel.TagName}
	var sumsURL, asset string
	for _, a := range rel.Assets {
		switch name := strings.ToLower(a.Name); {
		case name == checksumsAsset:
			sumsURL = a.URL
		case out.URL == "" && strings.HasPrefix(name, prefix):
			out.URL, asset = a.URL, a.Name
		}
	}
	if out.URL == "" {
		return nil, fmt.Errorf("no %s asset for %s/%s in %s", u.Binary, u.GOOS, u.GOARCH, rel.TagName)
	}
	if sumsURL != "" {
		sum, err := u.lookupChecksum(ctx, sumsURL, asset)
		if err != nil {
			return nil, err
		}
		out.SHA256 = sum
	}
	return out, nil
}

// assetName is the goreleaser-style prefix for this platform, e.g.
// courier_linux_x86_64.
func (u *Updater) assetName() string {
	arch := u.GOARCH
	if arch == "amd64" {
		arch = "x86_64"
	}
	return strings.ToLower(fmt.Sprintf("%s_%s_%s", u.Binary, u.GOOS, arch))
}

// lookupChecksum reads a "<hex>  <name>" checksums file and returns the
// digest for name.
func (u *Updater) lookupChecksum(ctx context.Context, url, name string) (string, error) {
	var sum string
	err := u.get(ctx, url, func(r io.Reader) error {
		sc := bufio.NewScanner(r)
		for sc.Scan() {
			fields := strings.Fields(sc.Text())
			if len(fields) == 2 && fields[1] == name {
				sum = strings.ToLower(fields[0])
				return nil
			}
		}
		return sc.Err()
	})
	if err != nil {
		return "", fmt.Errorf("fetch checksums: %w", err)
	}
	if sum == "" {
		return "", fmt.Errorf("%s not listed in %s", name, checksumsAsset)
	}
	return sum, nil
}

// ApplyUpdate downloads the release and atomically replaces the executable
// at exe. The old binary stays in place if the download or checksum fails.
func (u *Updater) ApplyUpdate(ctx context.Context, release *Release, exe string) error {
	return fsutil.AtomicWrite(exe, 0o755, func(w io.Writer) error {
		return u.get(ctx, release.URL, func(r io.Reader) error {
			h := sha256.New()
			if _, err := io.Copy(io.MultiWriter(w, h), r); err != nil {
				return err
			}
			if release.SHA256 != "" {
				if got := hex.EncodeToString(h.Sum(nil)); got != release.SHA256 {
					return fmt.Errorf("%w: got %s, want %s", ErrChecksumMismatch, got, release.SHA256)
				}
			}
			return nil
		})
	})
}

func (u *Updater) get(ctx context.Context, url string, read func(io.Reader) error) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/vnd.github+json")
	req.Header.Set("User-Agent", u.Binary+"/"+u.CurrentVersion)

	resp, err := u.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close() //nolint:errcheck

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("GET %s returned %d", url, resp.StatusCode)
	}
	return read(resp.Body)
}

// newer reports whether tag is a higher dotted version than current. Tags
// that do not parse are compared as strings.
func newer(tag, current string) bool {
	a, okA := parseVersion(tag)
	b, okB := parseVersion(current)
	if !okA || !okB {
		return strings.TrimPrefix(tag, "v") != strings.TrimPrefix(current, "v")
	}
	for i := range a {
		if a[i] != b[i] {
			return a[i] > b[i]
		}
	}
	return false
}

func parseVersion(s string) ([3]int, bool) {
	var v [3]int
	s = strings.TrimPrefix(s, "v")
	if i := strings.IndexAny(s, "-+"); i >= 0 {
		s = s[:i]
	}
	parts := strings.Split(s, ".")
	if len(parts) > 3 {
		return v, false
	}
	for i, p := range parts {
		n, err := strconv.Atoi(p)
		if err != nil {
			return v, false
		}
		v[i] = n
	}
	return v, true
}
