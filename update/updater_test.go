package update

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
)

const newBinary = "#!/bin/sh\necho new\n"

func digest(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:])
}

// releaseServer serves a latest-release document plus its assets.
func releaseServer(t *testing.T, tag string, withSums bool) *httptest.Server {
	t.Helper()
	var srv *httptest.Server
	mux := http.NewServeMux()
	mux.HandleFunc("GET /repos/GoCodeAlone/courier/releases/latest", func(w http.ResponseWriter, r *http.Request) {
		sums := ""
		if withSums {
			sums = fmt.Sprintf(`,{"name":"checksums.txt","browser_download_url":"%s/dl/checksums.txt"}`, srv.URL)
		}
		fmt.Fprintf(w, `{"tag_name":%q,"assets":[
			{"name":"courier_darwin_arm64","browser_download_url":"%[2]s/dl/darwin"},
			{"name":"courierd_linux_x86_64","browser_download_url":"%[2]s/dl/daemon"},
			{"name":"courier_linux_x86_64","browser_download_url":"%[2]s/dl/linux"}%[3]s
		]}`, tag, srv.URL, sums)
	})
	mux.HandleFunc("GET /dl/linux", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, newBinary)
	})
	mux.HandleFunc("GET /dl/checksums.txt", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintf(w, "%s  courierd_linux_x86_64\n%s  courier_linux_x86_64\n", digest("daemon"), digest(newBinary))
	})
	srv = httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func newTestUpdater(current, apiBase string) *Updater {
	u := New(current)
	u.APIBase = apiBase
	u.GOOS, u.GOARCH = "linux", "amd64"
	return u
}

func TestCheckForUpdate(t *testing.T) {
	srv := releaseServer(t, "v0.2.0", true)
	rel, err := newTestUpdater("v0.1.0", srv.URL).CheckForUpdate(context.Background())
	if err != nil {
		t.Fatalf("CheckForUpdate: %v", err)
	}
	if rel == nil {
		t.Fatal("expected a release")
	}
	if rel.Version != "v0.2.0" {
		t.Errorf("Version = %q, want v0.2.0", rel.Version)
	}
	if rel.URL != srv.URL+"/dl/linux" {
		t.Errorf("URL = %q, want linux asset", rel.URL)
	}
	if rel.SHA256 != digest(newBinary) {
		t.Errorf("SHA256 = %q, want digest of courier_linux_x86_64", rel.SHA256)
	}
}

func TestCheckForUpdate_NothingToDo(t *testing.T) {
	srv := releaseServer(t, "v0.2.0", false)
	for _, current := range []string{"v0.2.0", "0.2.0", "v0.3.1", "dev"} {
		rel, err := newTestUpdater(current, srv.URL).CheckForUpdate(context.Background())
		if err != nil || rel != nil {
			t.Errorf("%s: CheckForUpdate = %v, %v, want nil, nil", current, rel, err)
		}
	}
}

func TestCheckForUpdate_APIError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
	}))
	defer srv.Close()
	if _, err := newTestUpdater("v0.1.0", srv.URL).CheckForUpdate(context.Background()); err == nil {
		t.Fatal("expected error for 403")
	}
}

func TestNewer(t *testing.T) {
	tests := []struct {
		tag, current string
		want         bool
	}{
		{"v1.2.0", "v1.1.9", true},
		{"v1.10.0", "v1.9.0", true},
		{"v1.2", "v1.2.0", false},
		{"v0.9.0", "v1.0.0", false},
		{"nightly", "v1.0.0", true},
	}
	for _, tt := range tests {
		if got := newer(tt.tag, tt.current); got != tt.want {
			t.Errorf("newer(%q, %q) = %v, want %v", tt.tag, tt.current, got, tt.want)
		}
	}
}

func TestApplyUpdate(t *testing.T) {
	srv := releaseServer(t, "v0.2.0", true)
	exe := filepath.Join(t.TempDir(), "courier")
	if err := os.WriteFile(exe, []byte("old"), 0o755); err != nil {
		t.Fatalf("write exe: %v", err)
	}

	u := newTestUpdater("v0.1.0", srv.URL)
	rel, err := u.CheckForUpdate(context.Background())
	if err != nil {
		t.Fatalf("CheckForUpdate: %v", err)
	}
	if err := u.ApplyUpdate(context.Background(), rel, exe); err != nil {
		t.Fatalf("ApplyUpdate: %v", err)
	}
	data, err := os.ReadFile(exe)
	if err != nil {
		t.Fatalf("read exe: %v", err)
	}
	if string(data) != newBinary {
		t.Errorf("exe = %q", data)
	}
	info, _ := os.Stat(exe)
	if info.Mode().Perm()&0o100 == 0 {
		t.Errorf("mode = %v, want executable", info.Mode())
	}
}

func TestApplyUpdate_ChecksumMismatchKeepsBinary(t *testing.T) {
	srv := releaseServer(t, "v0.2.0", false)
	exe := filepath.Join(t.TempDir(), "courier")
	if err := os.WriteFile(exe, []byte("old"), 0o755); err != nil {
		t.Fatalf("write exe: %v", err)
	}

	rel := &Release{Version: "v0.2.0", URL: srv.URL + "/dl/linux", SHA256: digest("something else")}
	err := newTestUpdater("v0.1.0", srv.URL).ApplyUpdate(context.Background(), rel, exe)
	if !errors.Is(err, ErrChecksumMismatch) {
		t.Fatalf("ApplyUpdate = %v, want ErrChecksumMismatch", err)
	}
	data, _ := os.ReadFile(exe)
	if string(data) != "old" {
		t.Errorf("exe = %q, want original kept", data)
	}
}
