package chronochat

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	sqlite "github.com/go-llsqlite/crawshaw"
	"github.com/go-llsqlite/crawshaw/sqlitex"
	"github.com/sirupsen/logrus"
)

const messagesSchema = `create table if not exists messages (
	name      text primary key,
	content   blob not null,
	timestamp int  not null
);
create index if not exists messages_by_timestamp on messages (timestamp);`

var errStorageClosed = errors.New("storage closed")

// SQLiteStorage keeps chat history in a single SQLite table.
type SQLiteStorage struct {
	pool *sqlitex.Pool

	mu     sync.Mutex
	closed bool
}

// OpenSQLiteStorage opens (creating if needed) the database at path.
func OpenSQLiteStorage(path string) (*SQLiteStorage, error) {
	flags := sqlite.SQLITE_OPEN_READWRITE |
		sqlite.SQLITE_OPEN_CREATE |
		sqlite.SQLITE_OPEN_WAL |
		sqlite.SQLITE_OPEN_URI |
		sqlite.SQLITE_OPEN_NOMUTEX
	return openSQLite(path, flags, 4)
}

// OpenInMemorySQLiteStorage is a throwaway database, mostly for tests.
func OpenInMemorySQLiteStorage() (*SQLiteStorage, error) {
	return openSQLite("file::memory:?mode=memory", 0, 1)
}

func openSQLite(uri string, flags sqlite.OpenFlags, connections int) (*SQLiteStorage, error) {
	pool, err := sqlitex.Open(uri, flags, connections)
	if err != nil {
		return nil, fmt.Errorf("open db %s: %w", uri, err)
	}
	s := &SQLiteStorage{pool: pool}

	conn := pool.Get(context.Background())
	defer pool.Put(conn)
	if err := sqlitex.ExecScript(conn, messagesSchema); err != nil {
		return nil, errors.Join(fmt.Errorf("create schema: %w", err), pool.Close())
	}
	logrus.Debugf("💾 opened message store %s", uri)
	return s, nil
}

func (s *SQLiteStorage) withConn(ctx context.Context, fn func(*sqlite.Conn) error) error {
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return errStorageClosed
	}
	conn := s.pool.Get(ctx)
	if conn == nil {
		return ctx.Err()
	}
	defer s.pool.Put(conn)
	return fn(conn)
}

func exec(conn *sqlite.Conn, query string, bind func(*sqlite.Stmt), row func(*sqlite.Stmt)) (int, error) {
	stmt, err := conn.Prepare(query)
	if err != nil {
		return 0, fmt.Errorf("prepare %s: %w", query, err)
	}
	if bind != nil {
		bind(stmt)
	}
	defer stmt.ClearBindings()

	rows := 0
	for {
		more, err := stmt.Step()
		if err != nil {
			return rows, fmt.Errorf("step %d: %w", rows, err)
		}
		if !more {
			return rows, nil
		}
		rows++
		if row != nil {
			row(stmt)
		}
	}
}

func decodeRecord(stmt *sqlite.Stmt) Record {
	content := make([]byte, stmt.ColumnLen(1))
	stmt.ColumnBytes(1, content)
	return Record{
		Name:      Name(stmt.ColumnText(0)),
		Content:   content,
		Timestamp: time.UnixMilli(stmt.ColumnInt64(2)),
	}
}

func (s *SQLiteStorage) Store(ctx context.Context, rec Record) error {
	return s.withConn(ctx, func(conn *sqlite.Conn) error {
		_, err := exec(conn, `insert into messages (name, content, timestamp) values (?1, ?2, ?3)
			on conflict(name) do nothing`, func(stmt *sqlite.Stmt) {
			stmt.BindText(1, rec.Name.String())
			stmt.BindBytes(2, rec.Content)
			stmt.BindInt64(3, rec.Timestamp.UnixMilli())
		}, nil)
		if err != nil {
			return fmt.Errorf("store %s: %w", rec.Name, err)
		}
		return nil
	})
}

func (s *SQLiteStorage) Get(ctx context.Context, name Name) (Record, bool, error) {
	var (
		rec   Record
		found bool
	)
	err := s.withConn(ctx, func(conn *sqlite.Conn) error {
		_, err := exec(conn, `select name, content, timestamp from messages where name = ?1`,
			func(stmt *sqlite.Stmt) {
				stmt.BindText(1, name.String())
			}, func(stmt *sqlite.Stmt) {
				rec = decodeRecord(stmt)
				found = true
			})
		return err
	})
	if err != nil {
		return Record{}, false, fmt.Errorf("get %s: %w", name, err)
	}
	return rec, found, nil
}

// LoadAll returns every record, oldest first.
func (s *SQLiteStorage) LoadAll(ctx context.Context) ([]Record, error) {
	var records []Record
	err := s.withConn(ctx, func(conn *sqlite.Conn) error {
		_, err := exec(conn, `select name, content, timestamp from messages order by timestamp, rowid`,
			nil, func(stmt *sqlite.Stmt) {
				records = append(records, decodeRecord(stmt))
			})
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("load messages: %w", err)
	}
	return records, nil
}

func (s *SQLiteStorage) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	if err := s.pool.Close(); err != nil {
		return fmt.Errorf("close pool: %w", err)
	}
	s.closed = true
	return nil
}
