// Package synclog is a durable, append-only audit trail of completed sync
// runs, one line per run, in the same flat field-tagged record format the
// teacher's journal package used for its own append-only ledger.
//
// Adapted from journal.Journal: SetWriter/WriteHeader/WriteRecord replace
// the p4d-journal-record writing with sync-run-record writing, same
// create-or-append discipline.
package synclog

import (
	"fmt"
	"io"
	"os"

	"github.com/notmuch-tools/notmuch-sync/internal/model"
)

// Log is the append-only ledger. One Log per local Store.
type Log struct {
	filename string
	w        io.Writer
}

// header is written exactly once, at the top of a freshly created log.
const header = `@sync@ 0 @format@ notmuch-sync-log-v1
`

// Open opens (or creates) the log file at path for appending. A brand
// new file gets the header written immediately.
func Open(path string) (*Log, error) {
	_, statErr := os.Stat(path)
	isNew := os.IsNotExist(statErr)

	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("synclog: open %s: %w", path, err)
	}
	l := &Log{filename: path, w: f}
	if isNew {
		if err := l.WriteHeader(); err != nil {
			f.Close()
			return nil, err
		}
	}
	return l, nil
}

// SetWriter overrides the destination writer (tests use this to capture
// output without touching disk).
func (l *Log) SetWriter(w io.Writer) { l.w = w }

// WriteHeader emits the one-time format marker.
func (l *Log) WriteHeader() error {
	_, err := fmt.Fprint(l.w, header)
	if err != nil {
		return fmt.Errorf("synclog: write header: %w", err)
	}
	return nil
}

// Record is one completed (or aborted-but-checkpointed) sync run.
type Record struct {
	UnixTime     int64
	PeerUUID     string
	Rev          uint64
	Counters     model.TransferCounters
	BytesRead    uint64
	BytesWritten uint64
	DurationMs   int64
	Role         string // "initiator" or "responder"
}

// WriteRecord appends one run record in the field-tagged line format.
func (l *Log) WriteRecord(r Record) error {
	c := r.Counters
	_, err := fmt.Fprintf(l.w,
		"@run@ %d @role@ %s @rev@ %d @peer@ %s @tag_changes@ %d @move_copy@ %d @dup_del@ %d @new_msg@ %d @msg_del@ %d @new_files@ %d @bytes_read@ %d @bytes_written@ %d @duration_ms@ %d \n",
		r.UnixTime, r.Role, r.Rev, r.PeerUUID, c.TagChanges, c.MoveCopy, c.DupDeletions, c.NewMessages, c.MessageDeletions, c.NewFiles, r.BytesRead, r.BytesWritten, r.DurationMs)
	if err != nil {
		return fmt.Errorf("synclog: write record: %w", err)
	}
	return nil
}

// Close closes the underlying file, if Open created one.
func (l *Log) Close() error {
	if c, ok := l.w.(io.Closer); ok {
		return c.Close()
	}
	return nil
}
