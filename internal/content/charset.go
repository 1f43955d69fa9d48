package content

import (
	"bufio"
	"bytes"
	"errors"
	"io"
	"regexp"
	"strings"

	"golang.org/x/net/html/charset"
)

const sniffLen = 1024

var (
	utf8BOM       = []byte{0xEF, 0xBB, 0xBF}
	xmlEncodingRe = regexp.MustCompile(`^\s*<\?xml[^>]*\sencoding\s*=\s*["']([A-Za-z0-9._:-]+)["']`)
	metaCharsetRe = regexp.MustCompile(`(?i)<meta[^>]+charset\s*=\s*["']?([A-Za-z0-9._:-]+)`)
)

// decode returns a UTF-8 reader over chapter bytes. A byte order mark wins,
// then an XML or meta declaration; undeclared documents are read as UTF-8,
// the XHTML default. Empty input yields io.EOF.
func decode(r io.Reader) (io.Reader, error) {
	br := bufio.NewReaderSize(r, readBufferSize)
	preview, err := br.Peek(sniffLen)
	if err != nil && !errors.Is(err, io.EOF) {
		return nil, err
	}
	if len(preview) == 0 {
		return nil, io.EOF
	}
	if bytes.HasPrefix(preview, utf8BOM) {
		_, _ = br.Discard(len(utf8BOM))
		return br, nil
	}
	if _, name, certain := charset.DetermineEncoding(preview, ""); certain {
		return charset.NewReaderLabel(name, br)
	}

	var label string
	if m := xmlEncodingRe.FindSubmatch(preview); m != nil {
		label = string(m[1])
	} else if m := metaCharsetRe.FindSubmatch(preview); m != nil {
		label = string(m[1])
	}
	switch strings.ToLower(label) {
	case "", "utf-8", "utf8":
		return br, nil
	}
	dec, err := charset.NewReaderLabel(label, br)
	if err != nil {
		// Unknown label; assume UTF-8.
		return br, nil
	}
	return dec, nil
}
