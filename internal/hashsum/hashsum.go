// Package hashsum implements the canonicalizing content hash used to
// identify mail files by body rather than by path (spec §4.2).
package hashsum

import (
	"bufio"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"os"
)

// tuidPrefix is the header line some MUAs stamp onto a delivered copy of a
// message. Exactly one occurrence is stripped before hashing so that two
// copies of the same logical message, one with the header and one without,
// hash identically.
const tuidPrefix = "X-TUID: "

// File hashes the file at path, applying the X-TUID canonicalization.
func File(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()
	return Reader(f)
}

// Reader hashes r, applying the X-TUID canonicalization.
func Reader(r io.Reader) (string, error) {
	h := sha256.New()
	br := bufio.NewReader(r)
	stripped := false

	for {
		line, err := br.ReadBytes('\n')
		if len(line) > 0 {
			if !stripped && hasTUIDPrefix(line) {
				stripped = true
				// Drop this line (and its newline) entirely.
			} else {
				if _, werr := h.Write(line); werr != nil {
					return "", werr
				}
			}
		}
		if err == io.EOF {
			break
		}
		if err != nil {
			return "", err
		}
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

func hasTUIDPrefix(line []byte) bool {
	if len(line) < len(tuidPrefix) {
		return false
	}
	for i := 0; i < len(tuidPrefix); i++ {
		if line[i] != tuidPrefix[i] {
			return false
		}
	}
	return true
}
