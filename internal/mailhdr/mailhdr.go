// Package mailhdr extracts just enough of an RFC-822 header block to
// identify a message: the Message-Id. It deliberately does not parse the
// rest of the message; ContentHasher (internal/hashsum) hashes the full
// file, and the store backends don't otherwise need a MIME parser.
package mailhdr

import (
	"bufio"
	"fmt"
	"os"
	"strings"
)

// MessageID scans the header block of the file at path and returns the
// value of its Message-Id (or Message-ID) field, angle brackets included,
// exactly as notmuch treats it as an opaque key (spec §3).
func MessageID(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()
	return messageIDFromReader(f, path)
}

func messageIDFromReader(f *os.File, path string) (string, error) {
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	var cur strings.Builder
	var inMessageID bool
	flush := func() (string, bool) {
		if !inMessageID {
			return "", false
		}
		v := strings.TrimSpace(cur.String())
		return v, v != ""
	}

	for sc.Scan() {
		line := sc.Text()
		if line == "" {
			// End of headers.
			if v, ok := flush(); ok {
				return v, nil
			}
			break
		}
		if line[0] == ' ' || line[0] == '\t' {
			// Continuation of a folded header.
			if inMessageID {
				cur.WriteByte(' ')
				cur.WriteString(strings.TrimSpace(line))
			}
			continue
		}
		if v, ok := flush(); ok {
			return v, nil
		}
		cur.Reset()
		inMessageID = false

		name, rest, found := strings.Cut(line, ":")
		if !found {
			continue
		}
		if strings.EqualFold(strings.TrimSpace(name), "Message-Id") {
			inMessageID = true
			cur.WriteString(strings.TrimSpace(rest))
		}
	}
	if err := sc.Err(); err != nil {
		return "", fmt.Errorf("mailhdr: scanning %s: %w", path, err)
	}
	if v, ok := flush(); ok {
		return v, nil
	}
	return "", fmt.Errorf("mailhdr: no Message-Id header in %s", path)
}
