package store

import "fmt"

// RecordSize is the maximum uncompressed size of one text record.
const RecordSize = 4096

// PalmDoc LZ77 window limits.
const (
	maxDistance = 2047
	minMatch    = 3
	maxMatch    = 10
)

// compressRecord applies PalmDoc compression to one record of at most
// RecordSize bytes.
func compressRecord(data []byte) []byte {
	if len(data) == 0 {
		return nil
	}

	out := make([]byte, 0, len(data))
	i := 0
	for i < len(data) {
		// 2-byte back reference: 10 (2 bits) | distance (11 bits) | length-3 (3 bits)
		if n, dist := longestMatch(data, i); n >= minMatch {
			out = append(out, byte(0x80|(dist>>5)), byte((dist&0x1F)<<3|(n-minMatch)))
			i += n
			continue
		}

		// Space followed by a printable character packs into one byte.
		if data[i] == ' ' && i+1 < len(data) && data[i+1] >= 0x40 && data[i+1] <= 0x7F {
			out = append(out, data[i+1]^0x80)
			i += 2
			continue
		}

		if plainLiteral(data[i]) {
			out = append(out, data[i])
			i++
			continue
		}

		// Bytes that collide with opcodes go into a counted block of up to 8.
		start := i
		for i < len(data) && i-start < 8 && !plainLiteral(data[i]) {
			if i > start {
				if n, _ := longestMatch(data, i); n >= minMatch {
					break
				}
			}
			i++
		}
		out = append(out, byte(i-start))
		out = append(out, data[start:i]...)
	}
	return out
}

func plainLiteral(b byte) bool {
	return b == 0x00 || (b >= 0x09 && b <= 0x7F)
}

// longestMatch finds the longest earlier occurrence of the bytes at pos
// within the window. It returns (0, 0) when no match of minMatch exists.
func longestMatch(data []byte, pos int) (int, int) {
	if pos+minMatch > len(data) {
		return 0, 0
	}
	window := min(pos, maxDistance)
	limit := min(maxMatch, len(data)-pos)

	bestLen, bestDist := 0, 0
	for dist := 1; dist <= window; dist++ {
		from := pos - dist
		n := 0
		for n < limit && data[from+n] == data[pos+n] {
			n++
		}
		if n >= minMatch && n > bestLen {
			bestLen, bestDist = n, dist
			if n == limit {
				break
			}
		}
	}
	return bestLen, bestDist
}

// decompressRecord reverses compressRecord. Output longer than RecordSize
// is rejected so corrupt input cannot grow without bound.
func decompressRecord(data []byte) ([]byte, error) {
	out := make([]byte, 0, RecordSize)
	for i := 0; i < len(data); {
		b := data[i]
		i++
		switch {
		case b == 0x00 || (b >= 0x09 && b <= 0x7F):
			out = append(out, b)
		case b <= 0x08:
			n := int(b)
			if i+n > len(data) {
				return nil, fmt.Errorf("literal block overflows record at %d", i-1)
			}
			out = append(out, data[i:i+n]...)
			i += n
		case b <= 0xBF:
			if i >= len(data) {
				return nil, fmt.Errorf("back reference truncated at %d", i-1)
			}
			lo := data[i]
			i++
			dist := int(b&0x3F)<<5 | int(lo>>3)
			n := int(lo&0x07) + minMatch
			if dist == 0 || dist > len(out) {
				return nil, fmt.Errorf("back reference distance %d at output %d", dist, len(out))
			}
			from := len(out) - dist
			for j := 0; j < n; j++ {
				out = append(out, out[from+j])
			}
		default:
			out = append(out, ' ', b^0x80)
		}
		if len(out) > RecordSize {
			return nil, fmt.Errorf("record expands past %d bytes", RecordSize)
		}
	}
	return out, nil
}

// splitRecords cuts text into RecordSize chunks and compresses each.
func splitRecords(text []byte) [][]byte {
	records := make([][]byte, 0, (len(text)+RecordSize-1)/RecordSize)
	for off := 0; off < len(text); off += RecordSize {
		records = append(records, compressRecord(text[off:min(off+RecordSize, len(text))]))
	}
	return records
}
