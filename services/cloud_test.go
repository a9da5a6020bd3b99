package services

import (
	"context"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"filevora/egress"
	"filevora/logging"
	"filevora/models"
	"filevora/storage"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// permissiveValidator accepts any URL and rewrites it to the test server.
type permissiveValidator struct {
	target string
	seen   []string
}

func (p *permissiveValidator) Validate(_ context.Context, raw string) (*url.URL, error) {
	p.seen = append(p.seen, raw)
	return url.Parse(p.target)
}

func newTestImporter(t *testing.T, validator URLValidator, maxSize int64) (*CloudImporter, *storage.Store, afero.Fs) {
	t.Helper()
	fs := afero.NewMemMapFs()
	store, err := storage.NewStore(fs, "/jobs", time.Hour, logging.Discard())
	require.NoError(t, err)
	return NewCloudImporter(store, validator, http.DefaultClient, maxSize, logging.Discard()), store, fs
}

func jobCount(t *testing.T, fs afero.Fs) int {
	t.Helper()
	entries, err := afero.ReadDir(fs, "/jobs")
	require.NoError(t, err)
	return len(entries)
}

func TestImport_StreamsIntoOutputs(t *testing.T) {
	var auth string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		auth = r.Header.Get("Authorization")
		_, _ = w.Write([]byte("%PDF-1.7\n%%EOF\n"))
	}))
	defer server.Close()

	validator := &permissiveValidator{target: server.URL + "/file"}
	importer, _, fs := newTestImporter(t, validator, 1024)

	result, err := importer.Import(context.Background(), ImportRequest{
		Provider:    "Google",
		FileID:      "1AbC/../x",
		Filename:    "../My Drive File.pdf",
		AccessToken: "ya29.token",
	})
	require.NoError(t, err)

	assert.Equal(t, "Bearer ya29.token", auth)
	assert.Equal(t, "My_Drive_File.pdf", result.Artifact.SanitizedName)
	assert.Equal(t, "application/pdf", result.Artifact.DetectedType)
	assert.Equal(t, result.Job.OutputsDir(), strings.TrimSuffix(result.Artifact.Path, "/My_Drive_File.pdf"))
	assert.Equal(t, []string{"https://www.googleapis.com/drive/v3/files/1AbC%2F..%2Fx?alt=media"}, validator.seen)

	data, err := afero.ReadFile(fs, result.Artifact.Path)
	require.NoError(t, err)
	assert.Equal(t, int64(len(data)), result.Artifact.Size)
}

func TestImport_RejectsBeforeAllocating(t *testing.T) {
	guard := egress.NewGuard(staticResolver{"internal.example.com": "10.0.0.8"}, logging.Discard())
	importer, _, fs := newTestImporter(t, guard, 1024)

	cases := []struct {
		name string
		req  ImportRequest
		kind models.Kind
	}{
		{"provider", ImportRequest{Provider: "box", FileURL: "https://www.googleapis.com/x", Filename: "a.pdf"}, models.KindValidation},
		{"no url", ImportRequest{Provider: "dropbox", Filename: "a.pdf"}, models.KindValidation},
		{"blocked name", ImportRequest{Provider: "dropbox", FileURL: "https://content.dropboxapi.com/x", Filename: "a.exe"}, models.KindValidation},
		{"http", ImportRequest{Provider: "dropbox", FileURL: "http://content.dropboxapi.com/x", Filename: "a.pdf"}, models.KindUnsafeURL},
		{"private", ImportRequest{Provider: "onedrive", FileURL: "https://internal.example.com/x", Filename: "a.pdf"}, models.KindUnsafeURL},
		{"metadata", ImportRequest{Provider: "onedrive", FileURL: "https://169.254.169.254/latest", Filename: "a.pdf"}, models.KindUnsafeURL},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := importer.Import(context.Background(), tc.req)
			require.Error(t, err)
			assert.Equal(t, tc.kind, models.KindOf(err))
		})
	}
	assert.Zero(t, jobCount(t, fs))
}

func TestImport_TooLargeDiscardsJob(t *testing.T) {
	for name, handler := range map[string]http.HandlerFunc{
		"declared": func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Content-Length", "4096")
			_, _ = w.Write(make([]byte, 4096))
		},
		"streamed": func(w http.ResponseWriter, r *http.Request) {
			flusher := w.(http.Flusher)
			for i := 0; i < 8; i++ {
				_, _ = w.Write(make([]byte, 512))
				flusher.Flush()
			}
		},
	} {
		t.Run(name, func(t *testing.T) {
			server := httptest.NewServer(handler)
			defer server.Close()

			importer, _, fs := newTestImporter(t, &permissiveValidator{target: server.URL}, 1024)
			_, err := importer.Import(context.Background(), ImportRequest{Provider: "dropbox", FileURL: "https://content.dropboxapi.com/x", Filename: "big.bin"})

			require.Error(t, err)
			assert.Equal(t, models.KindTooLarge, models.KindOf(err))
			assert.Contains(t, err.Error(), "1.0 KiB")
			assert.Zero(t, jobCount(t, fs))
		})
	}
}

func TestImport_UpstreamFailureDiscardsJob(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusForbidden)
	}))
	defer server.Close()

	importer, _, fs := newTestImporter(t, &permissiveValidator{target: server.URL}, 1024)
	_, err := importer.Import(context.Background(), ImportRequest{Provider: "dropbox", FileURL: "https://content.dropboxapi.com/x", Filename: "a.pdf"})

	require.Error(t, err)
	assert.Equal(t, models.KindUpstream, models.KindOf(err))
	var appErr *models.Error
	require.ErrorAs(t, err, &appErr)
	assert.NotEmpty(t, appErr.JobID)
	assert.Zero(t, jobCount(t, fs))
}

type staticResolver map[string]string

func (s staticResolver) LookupIPAddr(_ context.Context, host string) ([]net.IPAddr, error) {
	ip, ok := s[host]
	if !ok {
		return nil, &net.DNSError{Err: "no such host", Name: host, IsNotFound: true}
	}
	return []net.IPAddr{{IP: net.ParseIP(ip)}}, nil
}
