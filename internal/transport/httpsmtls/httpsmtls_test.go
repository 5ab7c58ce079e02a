package httpsmtls

import (
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func writeTemp(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
	return path
}

func TestNewBoundaryAvoidsCollision(t *testing.T) {
	dir := t.TempDir()
	files := []Attachment{
		{FieldName: "dbjs", Path: writeTemp(t, dir, "a.json", strings.Repeat("x", 200))},
	}
	b, err := NewBoundary(files)
	if err != nil {
		t.Fatalf("NewBoundary: %v", err)
	}
	if len(b) != boundaryLen {
		t.Errorf("len(boundary) = %d, want %d", len(b), boundaryLen)
	}
	content, _ := os.ReadFile(files[0].Path)
	if strings.Contains(string(content), b) {
		t.Errorf("boundary %q collides with file content", b)
	}
}

func TestFileContainsAcrossChunkBoundary(t *testing.T) {
	dir := t.TempDir()
	needle := "ZZZZZZZZZZZZZZZZZZZZ"
	padding := strings.Repeat("a", 64*1024-10)
	path := writeTemp(t, dir, "straddle.bin", padding+needle)
	found, err := fileContains(path, []byte(needle))
	if err != nil {
		t.Fatalf("fileContains: %v", err)
	}
	if !found {
		t.Errorf("fileContains did not find needle straddling the read-buffer boundary")
	}
}

func TestContentLengthMatchesBody(t *testing.T) {
	dir := t.TempDir()
	files := []Attachment{
		{FieldName: "dbjs", Path: writeTemp(t, dir, "one.json", "hello world")},
		{FieldName: "wave", Path: writeTemp(t, dir, "two.bin", strings.Repeat("q", 500))},
	}
	boundary := "FIXEDBOUNDARYFORTESTING"
	want, err := ContentLength(files, boundary)
	if err != nil {
		t.Fatalf("ContentLength: %v", err)
	}

	next, closeFn := Body(files, boundary)
	defer closeFn()
	var got int64
	for {
		chunk, err := next()
		if err != nil {
			t.Fatalf("next: %v", err)
		}
		if chunk == nil {
			break
		}
		got += int64(len(chunk))
	}
	if got != want {
		t.Errorf("actual body length = %d, ContentLength() = %d", got, want)
	}
}

func TestBodyIsReadableStream(t *testing.T) {
	dir := t.TempDir()
	files := []Attachment{{FieldName: "dbjs", Path: writeTemp(t, dir, "f.json", "payload")}}
	next, closeFn := Body(files, "BOUND")
	defer closeFn()

	var out strings.Builder
	for {
		chunk, err := next()
		if err == io.EOF || chunk == nil {
			break
		}
		if err != nil {
			t.Fatalf("next: %v", err)
		}
		out.Write(chunk)
	}
	if !strings.Contains(out.String(), "payload") {
		t.Errorf("body does not contain file payload: %q", out.String())
	}
	if !strings.Contains(out.String(), "--BOUND--") {
		t.Errorf("body does not contain trailing boundary: %q", out.String())
	}
}
