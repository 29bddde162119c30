// Package storage keeps a connection journal in SQLite: session lifecycle
// and inbound event metadata observed by a server or client. Payload
// contents are never stored.
package storage

import (
	"database/sql"
	"fmt"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"gopkg.in/op/go-logging.v1"

	"github.com/ZentaChain/echotrace/pkg/log"
	"github.com/ZentaChain/echotrace/pkg/network"
)

// EntryKind identifies what a journal entry records
type EntryKind string

const (
	KindConnected EntryKind = "connected"
	KindRemoved   EntryKind = "removed"
	KindMessage   EntryKind = "message"
	KindCommand   EntryKind = "command"
	KindJSON      EntryKind = "json"
)

// Entry is one journal row
type Entry struct {
	ID        int64     `json:"id"`
	ConnID    string    `json:"conn_id"`
	Kind      EntryKind `json:"kind"`
	Peer      string    `json:"peer"`   // peer key fingerprint
	Remote    string    `json:"remote"` // peer socket address
	Detail    string    `json:"detail"`
	Timestamp int64     `json:"timestamp"` // Unix milliseconds
}

// Journal records entries in a SQLite database
type Journal struct {
	db        *sql.DB
	retention time.Duration
	log       *logging.Logger

	closeOnce sync.Once
	done      chan struct{}
	wg        sync.WaitGroup
}

// OpenJournal opens (or creates) the journal at path. Entries older than
// retention are pruned hourly; 0 keeps everything.
func OpenJournal(path string, retention time.Duration, backend *log.Backend) (*Journal, error) {
	if backend == nil {
		backend = log.Discard()
	}

	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open journal: %w", err)
	}

	// Enable WAL mode for better concurrency
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable WAL: %w", err)
	}

	j := &Journal{
		db:        db,
		retention: retention,
		log:       backend.GetLogger("journal"),
		done:      make(chan struct{}),
	}

	from, err := migrate(db)
	if err != nil {
		db.Close()
		return nil, err
	}
	if from != SchemaVersion {
		j.log.Noticef("Journal schema migrated from version %d to %d", from, SchemaVersion)
	}

	if retention > 0 {
		j.wg.Add(1)
		go j.pruneLoop(time.Hour)
	}

	return j, nil
}

// Record appends an entry. A zero timestamp is set to now.
func (j *Journal) Record(e *Entry) error {
	if e.Timestamp == 0 {
		e.Timestamp = time.Now().UnixMilli()
	}

	query := `
		INSERT INTO journal (conn_id, kind, peer, remote, detail, timestamp)
		VALUES (?, ?, ?, ?, ?, ?)
	`

	res, err := j.db.Exec(query, e.ConnID, string(e.Kind), e.Peer, e.Remote, e.Detail, e.Timestamp)
	if err != nil {
		return fmt.Errorf("failed to record %s: %w", e.Kind, err)
	}
	e.ID, _ = res.LastInsertId()
	return nil
}

// Recent returns up to limit entries, newest first
func (j *Journal) Recent(limit int) ([]*Entry, error) {
	if limit <= 0 {
		limit = 100
	}
	return j.query(`
		SELECT id, conn_id, kind, peer, remote, detail, timestamp
		FROM journal ORDER BY id DESC LIMIT ?
	`, limit)
}

// ByConnection returns every entry of one connection, oldest first
func (j *Journal) ByConnection(connID string) ([]*Entry, error) {
	return j.query(`
		SELECT id, conn_id, kind, peer, remote, detail, timestamp
		FROM journal WHERE conn_id = ? ORDER BY id ASC
	`, connID)
}

func (j *Journal) query(query string, args ...any) ([]*Entry, error) {
	rows, err := j.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query journal: %w", err)
	}
	defer rows.Close()

	var entries []*Entry
	for rows.Next() {
		e := &Entry{}
		var kind string
		if err := rows.Scan(&e.ID, &e.ConnID, &kind, &e.Peer, &e.Remote, &e.Detail, &e.Timestamp); err != nil {
			return nil, err
		}
		e.Kind = EntryKind(kind)
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// Counts returns the number of entries per kind
func (j *Journal) Counts() (map[EntryKind]int, error) {
	rows, err := j.db.Query(`SELECT kind, COUNT(*) FROM journal GROUP BY kind`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	counts := make(map[EntryKind]int)
	for rows.Next() {
		var kind string
		var n int
		if err := rows.Scan(&kind, &n); err != nil {
			return nil, err
		}
		counts[EntryKind(kind)] = n
	}
	return counts, rows.Err()
}

// Prune deletes entries recorded before t
func (j *Journal) Prune(before time.Time) (int64, error) {
	res, err := j.db.Exec(`DELETE FROM journal WHERE timestamp < ?`, before.UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("failed to prune journal: %w", err)
	}
	return res.RowsAffected()
}

func (j *Journal) pruneLoop(interval time.Duration) {
	defer j.wg.Done()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-j.done:
			return
		case <-ticker.C:
		}

		n, err := j.Prune(time.Now().Add(-j.retention))
		if err != nil {
			j.log.Warningf("%v", err)
			continue
		}
		if n > 0 {
			j.log.Infof("Pruned %d entries", n)
		}
	}
}

// Close stops the prune loop and closes the database
func (j *Journal) Close() error {
	var err error
	j.closeOnce.Do(func() {
		close(j.done)
		j.wg.Wait()
		err = j.db.Close()
	})
	return err
}

// Source is anything that emits session events, such as a network.Server
// or network.Client
type Source interface {
	AddMessageListener(network.MessageListener) error
	AddCommandListener(network.CommandListener) error
	AddJSONListener(network.JSONListener) error
}

// Attach registers the journal as a listener on src. Connection lifecycle
// events are recorded when src also emits them.
func (j *Journal) Attach(src Source) error {
	if err := src.AddMessageListener(j); err != nil {
		return err
	}
	if err := src.AddCommandListener(j); err != nil {
		return err
	}
	if err := src.AddJSONListener(j); err != nil {
		return err
	}
	if cs, ok := src.(interface {
		AddConnectionListener(network.ConnectionListener) error
	}); ok {
		return cs.AddConnectionListener(j)
	}
	return nil
}

func (j *Journal) record(c *network.Conn, kind EntryKind, at time.Time, detail string) {
	if at.IsZero() {
		at = time.Now()
	}
	e := &Entry{Kind: kind, Detail: detail, Timestamp: at.UnixMilli()}
	if c != nil {
		e.ConnID = c.ID()
		e.Peer = c.PeerFingerprint()
		if addr := c.RemoteAddr(); addr != nil {
			e.Remote = addr.String()
		}
	}
	if err := j.Record(e); err != nil {
		j.log.Warningf("%v", err)
	}
}

// OnConnectionCreated records a CONNECTED event
func (j *Journal) OnConnectionCreated(e *network.ConnectionEvent) {
	j.record(e.Conn, KindConnected, e.Time, "")
}

// OnConnectionRemoved records a REMOVED event
func (j *Journal) OnConnectionRemoved(e *network.ConnectionEvent) {
	j.record(e.Conn, KindRemoved, e.Time, "")
}

// OnMessageReceived records the size of a text message
func (j *Journal) OnMessageReceived(m *network.Message) {
	j.record(m.Conn, KindMessage, m.Time, fmt.Sprintf("%d bytes", len(m.Text)))
}

// OnCommandReceived records the verb of a command
func (j *Journal) OnCommandReceived(c *network.Command) {
	j.record(c.Conn, KindCommand, c.Time, c.Verb)
}

// OnJSONReceived records the number of top-level fields of a document
func (j *Journal) OnJSONReceived(d *network.JSONDocument) {
	j.record(d.Conn, KindJSON, d.Time, fmt.Sprintf("%d fields", len(d.Document)))
}
