package archive

import (
	"archive/zip"
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"strings"
	"testing"

	"github.com/spf13/afero"

	"github.com/yuanying/epubpager/internal/errs"
)

type testFile struct {
	name   string
	body   string
	stored bool
}

// buildZip writes files into an in-memory ZIP and returns its bytes.
func buildZip(t *testing.T, comment string, files ...testFile) []byte {
	t.Helper()
	var buf bytes.Buffer
	w := zip.NewWriter(&buf)
	for _, f := range files {
		method := zip.Deflate
		if f.stored {
			method = zip.Store
		}
		fw, err := w.CreateHeader(&zip.FileHeader{Name: f.name, Method: method})
		if err != nil {
			t.Fatalf("failed to create %s: %v", f.name, err)
		}
		if _, err := fw.Write([]byte(f.body)); err != nil {
			t.Fatalf("failed to write %s: %v", f.name, err)
		}
	}
	if comment != "" {
		if err := w.SetComment(comment); err != nil {
			t.Fatalf("failed to set comment: %v", err)
		}
	}
	if err := w.Close(); err != nil {
		t.Fatalf("failed to close zip: %v", err)
	}
	return buf.Bytes()
}

func openBytes(t *testing.T, data []byte) *Archive {
	t.Helper()
	a, err := Open(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	return a
}

func longText(lines int) string {
	var sb strings.Builder
	for i := 0; i < lines; i++ {
		fmt.Fprintf(&sb, "line %d of a chapter with words that wrap and repeat %x\n", i, i*7919)
	}
	return sb.String()
}

func readEntry(t *testing.T, a *Archive, name string) (string, error) {
	t.Helper()
	rc, err := a.Stream(name)
	if err != nil {
		return "", err
	}
	defer rc.Close()
	data, err := io.ReadAll(rc)
	return string(data), err
}

func TestOpen_IndexesEntries(t *testing.T) {
	data := buildZip(t, "",
		testFile{name: "mimetype", body: "application/epub+zip", stored: true},
		testFile{name: "META-INF/", body: ""},
		testFile{name: "OEBPS/ch1.xhtml", body: "<p>one</p>"},
	)
	a := openBytes(t, data)

	if got := len(a.Entries()); got != 2 {
		t.Fatalf("expected 2 entries (directory skipped), got %d", got)
	}
	if a.Size() != int64(len(data)) {
		t.Errorf("Size() = %d, want %d", a.Size(), len(data))
	}
	e, ok := a.Entry("mimetype")
	if !ok {
		t.Fatal("mimetype entry not found")
	}
	if e.Method != MethodStored {
		t.Errorf("mimetype method = %d, want stored", e.Method)
	}
	if e.UncompressedSize != uint32(len("application/epub+zip")) {
		t.Errorf("mimetype size = %d", e.UncompressedSize)
	}
}

func TestEntry_Lookup(t *testing.T) {
	a := openBytes(t, buildZip(t, "", testFile{name: "OEBPS/Text/Ch1.xhtml", body: "x"}))

	tests := []struct {
		name string
		want bool
	}{
		{"OEBPS/Text/Ch1.xhtml", true},
		{"oebps/text/ch1.xhtml", true},
		{"./OEBPS/Text/Ch1.xhtml", true},
		{"/OEBPS/Text/Ch1.xhtml", true},
		{"OEBPS/Text/Ch2.xhtml", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := a.Has(tt.name); got != tt.want {
				t.Errorf("Has(%q) = %v, want %v", tt.name, got, tt.want)
			}
		})
	}
}

func TestStream_StoredAndDeflated(t *testing.T) {
	body := longText(400)
	a := openBytes(t, buildZip(t, "",
		testFile{name: "stored.txt", body: body, stored: true},
		testFile{name: "deflated.txt", body: body},
	))

	for _, name := range []string{"stored.txt", "deflated.txt"} {
		t.Run(name, func(t *testing.T) {
			got, err := readEntry(t, a, name)
			if err != nil {
				t.Fatalf("read failed: %v", err)
			}
			if got != body {
				t.Errorf("content mismatch: got %d bytes, want %d", len(got), len(body))
			}
		})
	}
}

func TestStream_EntryNotFound(t *testing.T) {
	a := openBytes(t, buildZip(t, "", testFile{name: "a.txt", body: "a"}))
	_, err := a.Stream("missing.txt")
	if !errors.Is(err, ErrEntryNotFound) {
		t.Fatalf("expected ErrEntryNotFound, got %v", err)
	}
	if !errs.Is(err, errs.KindContainer) {
		t.Errorf("expected container kind, got %v", errs.KindOf(err))
	}
}

func TestStream_ChecksumMismatch(t *testing.T) {
	data := buildZip(t, "", testFile{name: "a.txt", body: "hello stored world", stored: true})
	i := bytes.Index(data, []byte("hello stored world"))
	if i < 0 {
		t.Fatal("stored body not found in archive bytes")
	}
	data[i] = 'j'

	a := openBytes(t, data)
	_, err := readEntry(t, a, "a.txt")
	if !errors.Is(err, ErrChecksum) {
		t.Fatalf("expected ErrChecksum, got %v", err)
	}
}

func TestStream_Truncated(t *testing.T) {
	data := buildZip(t, "", testFile{name: "big.txt", body: longText(800)})

	// Shrink the compressed size recorded in the central directory so the
	// deflate stream ends early.
	cd := bytes.Index(data, []byte{'P', 'K', 0x01, 0x02})
	if cd < 0 {
		t.Fatal("central directory not found")
	}
	size := binary.LittleEndian.Uint32(data[cd+20 : cd+24])
	binary.LittleEndian.PutUint32(data[cd+20:cd+24], size/2)

	a := openBytes(t, data)
	_, err := readEntry(t, a, "big.txt")
	var te *TruncatedError
	if !errors.As(err, &te) {
		t.Fatalf("expected TruncatedError, got %v", err)
	}
	if te.Name != "big.txt" {
		t.Errorf("TruncatedError.Name = %q", te.Name)
	}
}

func TestStream_UnsupportedMethod(t *testing.T) {
	data := buildZip(t, "", testFile{name: "a.txt", body: "abc", stored: true})
	cd := bytes.Index(data, []byte{'P', 'K', 0x01, 0x02})
	binary.LittleEndian.PutUint16(data[cd+10:cd+12], 12) // bzip2

	a := openBytes(t, data)
	_, err := a.Stream("a.txt")
	if !errors.Is(err, ErrUnsupportedMethod) {
		t.Fatalf("expected ErrUnsupportedMethod, got %v", err)
	}
}

func TestOpen_CorruptEndOfDirectory(t *testing.T) {
	data := buildZip(t, "", testFile{name: "a.txt", body: "abc"})
	eocd := bytes.LastIndex(data, []byte{'P', 'K', 0x05, 0x06})
	if eocd < 0 {
		t.Fatal("end of central directory not found")
	}
	copy(data[eocd:], []byte{0, 0, 0, 0})

	a, err := Open(bytes.NewReader(data), int64(len(data)))
	if a != nil {
		t.Error("expected no archive on corrupt container")
	}
	if !errors.Is(err, ErrInvalidContainer) {
		t.Fatalf("expected ErrInvalidContainer, got %v", err)
	}
	if errs.KindOf(err) != errs.KindContainer {
		t.Errorf("kind = %v, want container", errs.KindOf(err))
	}
}

func TestOpen_DirectoryOutOfBounds(t *testing.T) {
	data := buildZip(t, "", testFile{name: "a.txt", body: "abc"})
	eocd := bytes.LastIndex(data, []byte{'P', 'K', 0x05, 0x06})
	binary.LittleEndian.PutUint32(data[eocd+16:eocd+20], uint32(len(data)))

	if _, err := Open(bytes.NewReader(data), int64(len(data))); !errors.Is(err, ErrInvalidContainer) {
		t.Fatalf("expected ErrInvalidContainer, got %v", err)
	}
}

func TestOpen_TooSmall(t *testing.T) {
	if _, err := Open(bytes.NewReader([]byte("PK")), 2); !errors.Is(err, ErrInvalidContainer) {
		t.Fatalf("expected ErrInvalidContainer, got %v", err)
	}
}

func TestOpen_LongComment(t *testing.T) {
	comment := strings.Repeat("c", 3000)
	a := openBytes(t, buildZip(t, comment, testFile{name: "a.txt", body: "abc"}))
	if got, err := readEntry(t, a, "a.txt"); err != nil || got != "abc" {
		t.Fatalf("read = %q, %v", got, err)
	}
}

func TestOpen_BoundedIndex(t *testing.T) {
	files := make([]testFile, MaxEntries+6)
	for i := range files {
		files[i] = testFile{name: fmt.Sprintf("f%04d.txt", i), body: "x", stored: true}
	}
	a := openBytes(t, buildZip(t, "", files...))
	if got := len(a.Entries()); got != MaxEntries {
		t.Errorf("indexed %d entries, want %d", got, MaxEntries)
	}
	if a.Dropped() != 6 {
		t.Errorf("Dropped() = %d, want 6", a.Dropped())
	}
}

func TestReadAll_Limit(t *testing.T) {
	a := openBytes(t, buildZip(t, "", testFile{name: "a.txt", body: strings.Repeat("a", 100)}))

	data, err := a.ReadAll("a.txt", 100)
	if err != nil {
		t.Fatalf("ReadAll failed: %v", err)
	}
	if len(data) != 100 {
		t.Errorf("ReadAll returned %d bytes", len(data))
	}
	if _, err := a.ReadAll("a.txt", 99); !errors.Is(err, ErrEntryTooLarge) {
		t.Errorf("expected ErrEntryTooLarge, got %v", err)
	}
}

func TestFingerprint(t *testing.T) {
	one := buildZip(t, "", testFile{name: "a.txt", body: "abc"})
	two := buildZip(t, "", testFile{name: "a.txt", body: "abd"})

	if openBytes(t, one).Fingerprint() != openBytes(t, one).Fingerprint() {
		t.Error("fingerprint not stable across opens")
	}
	if openBytes(t, one).Fingerprint() == openBytes(t, two).Fingerprint() {
		t.Error("fingerprint did not change with content")
	}
	fa, ok := openBytes(t, one).EntryFingerprint("a.txt")
	if !ok {
		t.Fatal("EntryFingerprint missing entry")
	}
	fb, _ := openBytes(t, two).EntryFingerprint("a.txt")
	if fa == fb {
		t.Error("entry fingerprint did not change with content")
	}
}

func TestOpenFile(t *testing.T) {
	fs := afero.NewMemMapFs()
	if err := afero.WriteFile(fs, "/books/b.epub", buildZip(t, "", testFile{name: "a.txt", body: "abc"}), 0o644); err != nil {
		t.Fatalf("write failed: %v", err)
	}
	a, err := OpenFile(fs, "/books/b.epub")
	if err != nil {
		t.Fatalf("OpenFile failed: %v", err)
	}
	if got, err := readEntry(t, a, "a.txt"); err != nil || got != "abc" {
		t.Errorf("read = %q, %v", got, err)
	}
	if err := a.Close(); err != nil {
		t.Errorf("Close failed: %v", err)
	}

	if _, err := OpenFile(fs, "/books/missing.epub"); !errs.Is(err, errs.KindContainer) {
		t.Errorf("expected container error, got %v", err)
	}
}

func TestResolvePath(t *testing.T) {
	tests := []struct {
		base, href, want string
	}{
		{"OEBPS/Text", "ch1.xhtml", "OEBPS/Text/ch1.xhtml"},
		{"OEBPS/Text", "../Images/a%20b.png", "OEBPS/Images/a b.png"},
		{"OEBPS/Text", "ch2.xhtml#sec", "OEBPS/Text/ch2.xhtml"},
		{"", "content.opf", "content.opf"},
		{"OEBPS", "../../etc/passwd", ""},
		{"OEBPS", "/abs.xhtml", ""},
		{"OEBPS", "http://example.com/a.png", ""},
		{"OEBPS", "#only-fragment", ""},
	}
	for _, tt := range tests {
		t.Run(tt.href, func(t *testing.T) {
			if got := ResolvePath(tt.base, tt.href); got != tt.want {
				t.Errorf("ResolvePath(%q, %q) = %q, want %q", tt.base, tt.href, got, tt.want)
			}
		})
	}
	if Dir("content.opf") != "" || Dir("OEBPS/content.opf") != "OEBPS" {
		t.Error("Dir returned unexpected values")
	}
}
