package extract

import (
	"archive/zip"
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubStrategy struct {
	name   string
	result string
	err    error
	calls  int
}

func (s *stubStrategy) Extract(context.Context, string, string) (string, error) {
	s.calls++
	return s.result, s.err
}

func newStubDispatcher() (*Dispatcher, map[string]*stubStrategy) {
	stubs := map[string]*stubStrategy{
		"document": {name: "document", result: "doc text"},
		"image":    {name: "image", result: "image description"},
		"audio":    {name: "audio", result: "transcript"},
		"text":     {name: "text", result: "raw text"},
	}
	d := NewDispatcher(stubs["document"], stubs["image"], stubs["audio"], stubs["text"])
	return d, stubs
}

func TestDispatcher_RoutesByExtension(t *testing.T) {
	tests := []struct {
		path string
		want string
	}{
		{"report.pdf", "document"},
		{"contract.docx", "document"},
		{"photo.JPG", "image"},
		{"scan.png", "image"},
		{"memo.mp3", "audio"},
		{"call.webm", "audio"},
		{"notes.txt", "text"},
		{"data.csv", "text"},
		{"page.html", "text"},
	}

	for _, tc := range tests {
		t.Run(tc.path, func(t *testing.T) {
			d, stubs := newStubDispatcher()
			_, err := d.Extract(context.Background(), tc.path, "")
			require.NoError(t, err)
			assert.Equal(t, 1, stubs[tc.want].calls, "expected %s strategy", tc.want)
		})
	}
}

func TestDispatcher_UnknownExtensionUnsupported(t *testing.T) {
	d, _ := newStubDispatcher()

	for _, path := range []string{"archive.zip", "binary.exe", "noext"} {
		_, err := d.Extract(context.Background(), path, "")
		assert.ErrorIs(t, err, ErrUnsupported, path)
	}

	assert.False(t, d.Supported("archive.zip"))
	assert.True(t, d.Supported("report.pdf"))
}

func TestTextStrategy_ReadsFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "notes.txt")
	require.NoError(t, os.WriteFile(path, []byte("hello world"), 0o644))

	s := NewTextStrategy()
	text, err := s.Extract(context.Background(), path, "")
	require.NoError(t, err)
	assert.Equal(t, "hello world", text)
}

func TestTextStrategy_HTMLThroughReadability(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "page.html")
	html := `<html><head><title>T</title></head><body>
		<nav>menu menu menu</nav>
		<article><p>The quick brown fox jumped over the lazy dog and kept running until it reached the riverbank where it finally rested.</p></article>
	</body></html>`
	require.NoError(t, os.WriteFile(path, []byte(html), 0o644))

	s := NewTextStrategy()
	text, err := s.Extract(context.Background(), path, "")
	require.NoError(t, err)
	assert.Contains(t, text, "quick brown fox")
}

func TestDocumentStrategy_DOCX(t *testing.T) {
	docXML := `<?xml version="1.0"?>
<w:document xmlns:w="http://schemas.openxmlformats.org/wordprocessingml/2006/main">
  <w:body>
    <w:p><w:r><w:t>First paragraph.</w:t></w:r></w:p>
    <w:p><w:r><w:t>Second </w:t></w:r><w:r><w:t>paragraph.</w:t></w:r></w:p>
  </w:body>
</w:document>`

	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	f, err := zw.Create("word/document.xml")
	require.NoError(t, err)
	_, err = f.Write([]byte(docXML))
	require.NoError(t, err)
	require.NoError(t, zw.Close())

	dir := t.TempDir()
	path := filepath.Join(dir, "contract.docx")
	require.NoError(t, os.WriteFile(path, buf.Bytes(), 0o644))

	s := NewDocumentStrategy()
	text, err := s.Extract(context.Background(), path, "")
	require.NoError(t, err)
	assert.Contains(t, text, "First paragraph.")
	assert.Contains(t, text, "Second paragraph.")
}

func TestDocumentStrategy_DOCXMissingDocument(t *testing.T) {
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	f, err := zw.Create("other.xml")
	require.NoError(t, err)
	_, err = f.Write([]byte("<x/>"))
	require.NoError(t, err)
	require.NoError(t, zw.Close())

	dir := t.TempDir()
	path := filepath.Join(dir, "broken.docx")
	require.NoError(t, os.WriteFile(path, buf.Bytes(), 0o644))

	s := NewDocumentStrategy()
	_, err = s.Extract(context.Background(), path, "")
	assert.ErrorContains(t, err, "word/document.xml")
}

func TestImageStrategy_SendsDataURLAndHint(t *testing.T) {
	var received visionRequest
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&received))
		_ = json.NewEncoder(w).Encode(map[string]any{
			"choices": []map[string]any{
				{"message": map[string]any{"content": "A signed contract on a desk."}},
			},
		})
	}))
	defer server.Close()

	dir := t.TempDir()
	path := filepath.Join(dir, "photo.png")
	require.NoError(t, os.WriteFile(path, []byte{0x89, 0x50, 0x4e, 0x47}, 0o644))

	s := NewImageStrategy(server.URL, "vision-model")
	text, err := s.Extract(context.Background(), path, "settlement paperwork")
	require.NoError(t, err)
	assert.Equal(t, "A signed contract on a desk.", text)

	require.Len(t, received.Messages, 1)
	parts := received.Messages[0].Content
	require.Len(t, parts, 2)
	assert.Contains(t, parts[0].Text, "settlement paperwork")
	require.NotNil(t, parts[1].ImageURL)
	assert.Contains(t, parts[1].ImageURL.URL, "data:image/png;base64,")
}

func TestImageStrategy_ServerError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "overloaded", http.StatusServiceUnavailable)
	}))
	defer server.Close()

	dir := t.TempDir()
	path := filepath.Join(dir, "photo.jpg")
	require.NoError(t, os.WriteFile(path, []byte{0xff, 0xd8}, 0o644))

	s := NewImageStrategy(server.URL, "vision-model")
	_, err := s.Extract(context.Background(), path, "")
	assert.ErrorContains(t, err, "503")
}

func TestAudioStrategy_Transcribes(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseMultipartForm(1<<20))
		assert.Equal(t, "whisper-1", r.FormValue("model"))
		_, header, err := r.FormFile("file")
		require.NoError(t, err)
		assert.Equal(t, "memo.mp3", header.Filename)
		_ = json.NewEncoder(w).Encode(map[string]string{"text": "meeting notes transcript"})
	}))
	defer server.Close()

	dir := t.TempDir()
	path := filepath.Join(dir, "memo.mp3")
	require.NoError(t, os.WriteFile(path, []byte("fake audio"), 0o644))

	s := NewAudioStrategy(server.URL, "whisper-1")
	text, err := s.Extract(context.Background(), path, "")
	require.NoError(t, err)
	assert.Equal(t, "meeting notes transcript", text)
}
