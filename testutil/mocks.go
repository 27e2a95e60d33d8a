package testutil

import (
	"archive/zip"
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
)

// MockGitHubServer creates a test server that mocks the GitHub releases API
type MockGitHubServer struct {
	*httptest.Server
	Handlers map[string]http.HandlerFunc
}

// NewMockGitHubServer creates a new mock GitHub API server
func NewMockGitHubServer(t *testing.T) *MockGitHubServer {
	t.Helper()
	m := &MockGitHubServer{
		Handlers: make(map[string]http.HandlerFunc),
	}
	m.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := r.URL.Path
		if handler, ok := m.Handlers[key]; ok {
			handler(w, r)
			return
		}
		w.WriteHeader(http.StatusNotFound)
	}))
	t.Cleanup(m.Close)
	return m
}

// MockLatestRelease adds a handler for /repos/{repo}/releases/latest. Each asset name is
// served from /download/{name}; zipballPath is advertised as zipball_url when non-empty.
func (m *MockGitHubServer) MockLatestRelease(repo, tag string, assets []string, zipballPath string) {
	m.Handlers["/repos/"+repo+"/releases/latest"] = func(w http.ResponseWriter, r *http.Request) {
		list := make([]map[string]string, 0, len(assets))
		for _, a := range assets {
			list = append(list, map[string]string{
				"name":                 a,
				"browser_download_url": m.URL + "/download/" + a,
			})
		}
		response := map[string]interface{}{
			"tag_name":     tag,
			"name":         "Version " + tag,
			"body":         "Bug fixes",
			"published_at": "2026-01-02T03:04:05Z",
			"assets":       list,
		}
		if zipballPath != "" {
			response["zipball_url"] = m.URL + zipballPath
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(response) //nolint:errcheck // test mock response
	}
}

// MockDownload serves body at path.
func (m *MockGitHubServer) MockDownload(path string, body []byte) {
	m.Handlers[path] = func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/zip")
		_, _ = w.Write(body) //nolint:errcheck // test mock response
	}
}

// ZipOf builds a zip archive from slash-separated names and contents.
func ZipOf(t testing.TB, files map[string]string) []byte {
	t.Helper()
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	for _, name := range SortedKeys(files) {
		w, err := zw.Create(name)
		if err != nil {
			t.Fatalf("zip create %s: %v", name, err)
		}
		if _, err := w.Write([]byte(files[name])); err != nil {
			t.Fatalf("zip write %s: %v", name, err)
		}
	}
	if err := zw.Close(); err != nil {
		t.Fatalf("zip close: %v", err)
	}
	return buf.Bytes()
}
