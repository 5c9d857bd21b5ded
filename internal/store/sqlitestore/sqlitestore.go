// Package sqlitestore is the production Store backend (spec §4.1, §9:
// "one concrete backend per underlying index engine"). It indexes message
// tags and file populations in a SQLite database sitting alongside the
// maildir tree, using github.com/mattn/go-sqlite3 (promoted here from an
// indirect teacher dependency to a direct one).
package sqlitestore

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"

	_ "github.com/mattn/go-sqlite3"
	"github.com/notmuch-tools/notmuch-sync/internal/hashsum"
	"github.com/notmuch-tools/notmuch-sync/internal/mailhdr"
	"github.com/notmuch-tools/notmuch-sync/internal/maildirflags"
	"github.com/notmuch-tools/notmuch-sync/internal/model"
	"github.com/notmuch-tools/notmuch-sync/internal/store"
	"github.com/notmuch-tools/notmuch-sync/internal/uuidgen"
)

var _ store.Store = (*Store)(nil)

const schema = `
CREATE TABLE IF NOT EXISTS meta (
	key   TEXT PRIMARY KEY,
	value TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS messages (
	id   TEXT PRIMARY KEY,
	tags TEXT NOT NULL,
	rev  INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS files (
	message_id TEXT NOT NULL,
	relpath    TEXT NOT NULL,
	PRIMARY KEY (message_id, relpath)
);
CREATE INDEX IF NOT EXISTS idx_files_relpath ON files(relpath);
CREATE INDEX IF NOT EXISTS idx_messages_rev ON messages(rev);
CREATE TABLE IF NOT EXISTS fingerprint_cache (
	abspath TEXT PRIMARY KEY,
	mtime   INTEGER NOT NULL,
	size    INTEGER NOT NULL,
	sha     TEXT NOT NULL
);
`

// Store is the SQLite-backed index. Every write holds mu in write mode;
// reads hold it in read mode, matching spec §4.1's "serialize writers,
// readers may proceed concurrently" without needing SQLite's own
// multi-writer machinery.
type Store struct {
	mu   sync.RWMutex
	db   *sql.DB
	root string
	uuid string
}

// Open opens (creating if necessary) the SQLite index at dbPath, rooted at
// maildirRoot for relative-path resolution.
func Open(dbPath, maildirRoot string) (*Store, error) {
	fresh := false
	if _, err := os.Stat(dbPath); os.IsNotExist(err) {
		fresh = true
	}

	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_foreign_keys=off")
	if err != nil {
		return nil, fmt.Errorf("sqlitestore: open %s: %w", dbPath, err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("sqlitestore: schema: %w", err)
	}

	s := &Store{db: db, root: maildirRoot}
	if fresh {
		s.uuid = uuidgen.New()
		if _, err := db.Exec(`INSERT INTO meta(key, value) VALUES ('uuid', ?)`, s.uuid); err != nil {
			db.Close()
			return nil, fmt.Errorf("sqlitestore: seed uuid: %w", err)
		}
	} else {
		row := db.QueryRow(`SELECT value FROM meta WHERE key = 'uuid'`)
		if err := row.Scan(&s.uuid); err != nil {
			db.Close()
			return nil, fmt.Errorf("sqlitestore: read uuid: %w", err)
		}
	}
	return s, nil
}

// Close closes the underlying database handle.
func (s *Store) Close() error { return s.db.Close() }

func (s *Store) Root() string { return s.root }

func (s *Store) Revision(ctx context.Context) (model.Revision, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rev, err := s.maxRevLocked(ctx)
	if err != nil {
		return model.Revision{}, err
	}
	return model.Revision{Rev: rev, UUID: s.uuid}, nil
}

func (s *Store) maxRevLocked(ctx context.Context) (uint64, error) {
	var rev sql.NullInt64
	row := s.db.QueryRowContext(ctx, `SELECT MAX(rev) FROM messages`)
	if err := row.Scan(&rev); err != nil {
		return 0, err
	}
	if !rev.Valid {
		return 0, nil
	}
	return uint64(rev.Int64), nil
}

func (s *Store) nextRevLocked(ctx context.Context) (uint64, error) {
	rev, err := s.maxRevLocked(ctx)
	if err != nil {
		return 0, err
	}
	return rev + 1, nil
}

type sqlIter struct {
	rows *sql.Rows
	s    *Store
	ctx  context.Context
	cur  struct {
		id  model.MessageId
		rec model.MessageRecord
	}
	err error
}

func (it *sqlIter) Next() bool {
	if it.err != nil || !it.rows.Next() {
		return false
	}
	var idStr, tagsJSON string
	if it.err = it.rows.Scan(&idStr, &tagsJSON); it.err != nil {
		return false
	}
	tags, err := tagSetFromJSON(tagsJSON)
	if err != nil {
		it.err = err
		return false
	}
	files, err := it.s.filesForLocked(it.ctx, model.MessageId(idStr))
	if err != nil {
		it.err = err
		return false
	}
	if len(files) == 0 {
		return it.Next() // ghost: skip, try the next row
	}
	it.cur.id = model.MessageId(idStr)
	it.cur.rec = model.MessageRecord{Tags: tags, Files: files}
	return true
}

func (it *sqlIter) Value() (model.MessageId, model.MessageRecord) { return it.cur.id, it.cur.rec }
func (it *sqlIter) Err() error                                    { return it.err }
func (it *sqlIter) Close() error                                  { return it.rows.Close() }

func (s *Store) MessagesSince(ctx context.Context, rev uint64) (store.MessageIter, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rows, err := s.db.QueryContext(ctx, `SELECT id, tags FROM messages WHERE rev > ? ORDER BY id`, rev)
	if err != nil {
		return nil, err
	}
	return &sqlIter{rows: rows, s: s, ctx: ctx}, nil
}

func (s *Store) AllIDs(ctx context.Context) ([]model.MessageId, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rows, err := s.db.QueryContext(ctx, `
		SELECT m.id FROM messages m
		WHERE EXISTS (SELECT 1 FROM files f WHERE f.message_id = m.id)
		ORDER BY m.id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var ids []model.MessageId
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, model.MessageId(id))
	}
	return ids, rows.Err()
}

func (s *Store) Find(ctx context.Context, id model.MessageId) (model.TagSet, []model.FileRecord, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var tagsJSON string
	row := s.db.QueryRowContext(ctx, `SELECT tags FROM messages WHERE id = ?`, string(id))
	if err := row.Scan(&tagsJSON); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil, false, nil
		}
		return nil, nil, false, err
	}
	files, err := s.filesForLocked(ctx, id)
	if err != nil {
		return nil, nil, false, err
	}
	if len(files) == 0 {
		return nil, nil, false, nil // ghost: absent for this core
	}
	tags, err := tagSetFromJSON(tagsJSON)
	if err != nil {
		return nil, nil, false, err
	}
	return tags, files, true, nil
}

func (s *Store) filesForLocked(ctx context.Context, id model.MessageId) ([]model.FileRecord, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT relpath FROM files WHERE message_id = ? ORDER BY relpath`, string(id))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []model.FileRecord
	for rows.Next() {
		var rel string
		if err := rows.Scan(&rel); err != nil {
			return nil, err
		}
		sha, err := s.fingerprintLocked(filepath.Join(s.root, rel))
		if err != nil {
			return nil, err
		}
		out = append(out, model.FileRecord{Name: model.RelPath(rel), Sha: sha})
	}
	return out, rows.Err()
}

func (s *Store) SetTags(ctx context.Context, id model.MessageId, tags model.TagSet) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var exists int
	if err := tx.QueryRowContext(ctx, `SELECT COUNT(1) FROM messages WHERE id = ?`, string(id)).Scan(&exists); err != nil {
		return err
	}
	if exists == 0 {
		return fmt.Errorf("sqlitestore: SetTags: unknown message %s", id)
	}

	rows, err := tx.QueryContext(ctx, `SELECT relpath FROM files WHERE message_id = ?`, string(id))
	if err != nil {
		return err
	}
	var relpaths []string
	for rows.Next() {
		var rel string
		if err := rows.Scan(&rel); err != nil {
			rows.Close()
			return err
		}
		relpaths = append(relpaths, rel)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return err
	}
	if len(relpaths) == 0 {
		return fmt.Errorf("sqlitestore: SetTags: message %s is a ghost", id)
	}

	type rename struct{ from, to string }
	var renames []rename
	for _, rel := range relpaths {
		oldBase := filepath.Base(rel)
		newBase := maildirflags.RenameForTags(oldBase, tags)
		if newBase != oldBase {
			renames = append(renames, rename{rel, filepath.ToSlash(filepath.Join(filepath.Dir(rel), newBase))})
		}
	}

	tagsJSON, err := json.Marshal(tags.Slice())
	if err != nil {
		return err
	}
	rev, err := s.nextRevLocked(ctx)
	if err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `UPDATE messages SET tags = ?, rev = ? WHERE id = ?`, string(tagsJSON), rev, string(id)); err != nil {
		return err
	}
	for _, r := range renames {
		if _, err := tx.ExecContext(ctx, `UPDATE files SET relpath = ? WHERE message_id = ? AND relpath = ?`, r.to, string(id), r.from); err != nil {
			return err
		}
	}
	if err := tx.Commit(); err != nil {
		return err
	}

	for _, r := range renames {
		if err := os.Rename(filepath.Join(s.root, r.from), filepath.Join(s.root, r.to)); err != nil {
			return fmt.Errorf("sqlitestore: flag rename: %w", err)
		}
	}
	return nil
}

func (s *Store) AddFile(ctx context.Context, absPath string) (model.MessageId, bool, error) {
	id, err := mailhdr.MessageID(absPath)
	if err != nil {
		return "", false, err
	}
	rel, err := filepath.Rel(s.root, absPath)
	if err != nil {
		return "", false, err
	}
	rel = filepath.ToSlash(rel)

	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return "", false, err
	}
	defer tx.Rollback()

	var fileCount int
	var existed bool
	if err := tx.QueryRowContext(ctx, `SELECT COUNT(1) FROM messages WHERE id = ?`, id).Scan(&fileCount); err != nil {
		return "", false, err
	}
	existed = fileCount > 0
	var priorFiles int
	if existed {
		if err := tx.QueryRowContext(ctx, `SELECT COUNT(1) FROM files WHERE message_id = ?`, id).Scan(&priorFiles); err != nil {
			return "", false, err
		}
	}
	isDuplicate := priorFiles > 0

	rev, err := s.nextRevLocked(ctx)
	if err != nil {
		return "", false, err
	}
	if !existed {
		emptyTags, _ := json.Marshal([]string{})
		if _, err := tx.ExecContext(ctx, `INSERT INTO messages(id, tags, rev) VALUES (?, ?, ?)`, id, string(emptyTags), rev); err != nil {
			return "", false, err
		}
	} else {
		if _, err := tx.ExecContext(ctx, `UPDATE messages SET rev = ? WHERE id = ?`, rev, id); err != nil {
			return "", false, err
		}
	}
	if _, err := tx.ExecContext(ctx, `INSERT OR IGNORE INTO files(message_id, relpath) VALUES (?, ?)`, id, rel); err != nil {
		return "", false, err
	}
	if err := tx.Commit(); err != nil {
		return "", false, err
	}
	return model.MessageId(id), isDuplicate, nil
}

func (s *Store) RemoveFile(ctx context.Context, absPath string) error {
	rel, err := filepath.Rel(s.root, absPath)
	if err != nil {
		return err
	}
	rel = filepath.ToSlash(rel)

	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var id string
	if err := tx.QueryRowContext(ctx, `SELECT message_id FROM files WHERE relpath = ?`, rel).Scan(&id); err != nil {
		if err == sql.ErrNoRows {
			return nil
		}
		return err
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM files WHERE message_id = ? AND relpath = ?`, id, rel); err != nil {
		return err
	}
	var remaining int
	if err := tx.QueryRowContext(ctx, `SELECT COUNT(1) FROM files WHERE message_id = ?`, id).Scan(&remaining); err != nil {
		return err
	}
	if remaining == 0 {
		if _, err := tx.ExecContext(ctx, `DELETE FROM messages WHERE id = ?`, id); err != nil {
			return err
		}
	} else {
		rev, err := s.nextRevLocked(ctx)
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `UPDATE messages SET rev = ? WHERE id = ?`, rev, id); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (s *Store) Fingerprint(ctx context.Context, absPath string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.fingerprintLocked(absPath)
}

// fingerprintLocked resolves spec §9's open question on fingerprint
// caching: cache by (mtime, size) keyed on absolute path, recompute only
// on mismatch.
func (s *Store) fingerprintLocked(absPath string) (string, error) {
	fi, err := os.Stat(absPath)
	if err != nil {
		return "", err
	}
	mtime := fi.ModTime().UnixNano()
	size := fi.Size()

	var cachedMtime, cachedSize int64
	var cachedSha string
	row := s.db.QueryRow(`SELECT mtime, size, sha FROM fingerprint_cache WHERE abspath = ?`, absPath)
	err = row.Scan(&cachedMtime, &cachedSize, &cachedSha)
	if err == nil && cachedMtime == mtime && cachedSize == size {
		return cachedSha, nil
	}
	if err != nil && err != sql.ErrNoRows {
		return "", err
	}

	sha, err := hashsum.File(absPath)
	if err != nil {
		return "", err
	}
	if _, err := s.db.Exec(`
		INSERT INTO fingerprint_cache(abspath, mtime, size, sha) VALUES (?, ?, ?, ?)
		ON CONFLICT(abspath) DO UPDATE SET mtime = excluded.mtime, size = excluded.size, sha = excluded.sha
	`, absPath, mtime, size, sha); err != nil {
		return "", err
	}
	return sha, nil
}

func tagSetFromJSON(s string) (model.TagSet, error) {
	var tags []string
	if err := json.Unmarshal([]byte(s), &tags); err != nil {
		return nil, err
	}
	sort.Strings(tags)
	return model.NewTagSet(tags...), nil
}
