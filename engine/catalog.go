package engine

import (
	"database/sql"
	"time"

	"github.com/pkg/errors"
	_ "modernc.org/sqlite"
)

// Desired states stored in the catalog.
const (
	DesiredStarted = "started"
	DesiredStopped = "stopped"
)

// CatalogEntry is one remembered torrent.
type CatalogEntry struct {
	InfoHash     string
	Name         string
	Magnet       string
	TorrentPath  string
	SavePath     string
	DesiredState string
}

// Catalog remembers every added torrent in SQLite so the session can be
// rebuilt at startup.
type Catalog struct {
	db *sql.DB
}

// OpenCatalog opens (or creates) the SQLite database at dsn.
// Use ":memory:" for an in-memory DB for tests.
func OpenCatalog(dsn string) (*Catalog, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, errors.Wrap(err, "open catalog")
	}
	// a second connection would see a different in-memory database
	db.SetMaxOpenConns(1)
	c := &Catalog{db: db}
	if err := c.initSchema(); err != nil {
		db.Close()
		return nil, err
	}
	return c, nil
}

func (c *Catalog) Close() error {
	if c == nil || c.db == nil {
		return nil
	}
	return c.db.Close()
}

func (c *Catalog) initSchema() error {
	schema := `
CREATE TABLE IF NOT EXISTS torrents (
  infohash TEXT PRIMARY KEY,
  name TEXT,
  magnet TEXT,
  torrent_path TEXT,
  save_path TEXT,
  desired_state TEXT,
  added_at DATETIME,
  updated_at DATETIME
);
`
	_, err := c.db.Exec(schema)
	return errors.Wrap(err, "init catalog schema")
}

func (c *Catalog) Upsert(e CatalogEntry) error {
	now := time.Now().UTC()
	_, err := c.db.Exec(`INSERT INTO torrents(infohash,name,magnet,torrent_path,save_path,desired_state,added_at,updated_at)
VALUES(?,?,?,?,?,?,?,?)
ON CONFLICT(infohash) DO UPDATE SET
  name=excluded.name,
  magnet=excluded.magnet,
  torrent_path=excluded.torrent_path,
  save_path=excluded.save_path,
  desired_state=excluded.desired_state,
  updated_at=excluded.updated_at`, e.InfoHash, e.Name, e.Magnet, e.TorrentPath, e.SavePath, e.DesiredState, now, now)
	if err != nil {
		return errors.Wrap(err, "upsert torrent")
	}
	return nil
}

// SetName records the name once metadata is known.
func (c *Catalog) SetName(infohash, name string) error {
	_, err := c.db.Exec(`UPDATE torrents SET name = ?, updated_at = ? WHERE infohash = ?`, name, time.Now().UTC(), infohash)
	return errors.Wrap(err, "update torrent name")
}

func (c *Catalog) SetDesiredState(infohash, state string) error {
	_, err := c.db.Exec(`UPDATE torrents SET desired_state = ?, updated_at = ? WHERE infohash = ?`, state, time.Now().UTC(), infohash)
	return errors.Wrap(err, "update desired state")
}

// Entries returns every torrent in the order they were added.
func (c *Catalog) Entries() ([]CatalogEntry, error) {
	rows, err := c.db.Query(`SELECT infohash,name,magnet,torrent_path,save_path,desired_state FROM torrents ORDER BY added_at, infohash`)
	if err != nil {
		return nil, errors.Wrap(err, "list torrents")
	}
	defer rows.Close()
	var out []CatalogEntry
	for rows.Next() {
		var infohash, name, magnet, torrentPath, savePath, desiredState sql.NullString
		if err := rows.Scan(&infohash, &name, &magnet, &torrentPath, &savePath, &desiredState); err != nil {
			return nil, errors.Wrap(err, "scan torrent")
		}
		out = append(out, CatalogEntry{
			InfoHash:     infohash.String,
			Name:         name.String,
			Magnet:       magnet.String,
			TorrentPath:  torrentPath.String,
			SavePath:     savePath.String,
			DesiredState: desiredState.String,
		})
	}
	return out, rows.Err()
}

func (c *Catalog) Delete(infohash string) error {
	_, err := c.db.Exec(`DELETE FROM torrents WHERE infohash = ?`, infohash)
	if err != nil {
		return errors.Wrap(err, "delete torrent")
	}
	return nil
}
