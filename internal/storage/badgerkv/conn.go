// Package badgerkv is an embedded key-value backend built on BadgerDB.
//
// It has no SQL engine: insert templates are parsed once, and every row is
// stored as one key (table prefix + big-endian primary key) holding the row's
// columns as a JSON object. It gives the benchmark a no-network baseline.
package badgerkv

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/dgraph-io/badger/v4"

	"batchbench/internal/storage"
)

// ErrDuplicateKey is returned when a row's primary key already exists.
var ErrDuplicateKey = errors.New("badgerkv: duplicate primary key")

func init() {
	storage.Register("badger", Open)
}

// Conn implements storage.Conn on a BadgerDB instance.
//
// Foreign keys are not enforced.
type Conn struct {
	db *badger.DB

	mu   sync.RWMutex
	keys map[string]string // table -> key column, from EnsureTables
}

// Open opens a database at cfg.DSN. An empty DSN or ":memory:" opens an
// in-memory instance.
func Open(_ context.Context, cfg storage.Config) (storage.Conn, error) {
	dsn := strings.TrimSpace(cfg.DSN)

	var opts badger.Options
	if dsn == "" || dsn == ":memory:" {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		opts = badger.DefaultOptions(dsn)
	}
	opts.Logger = nil

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open badger: %w", err)
	}
	return &Conn{db: db, keys: map[string]string{}}, nil
}

func (c *Conn) Close() { _ = c.db.Close() }

// Prepare parses the insert template. The key column is the table's primary
// key as registered by EnsureTables, or "id".
func (c *Conn) Prepare(_ context.Context, query string) (storage.Statement, error) {
	tpl, err := storage.ParseInsert(query)
	if err != nil {
		return nil, err
	}

	c.mu.RLock()
	keyCol, ok := c.keys[tpl.Table]
	c.mu.RUnlock()
	if !ok {
		keyCol = "id"
	}

	keyIdx := -1
	for i, col := range tpl.Columns {
		if strings.EqualFold(col, keyCol) {
			keyIdx = i
			break
		}
	}
	if keyIdx < 0 {
		return nil, fmt.Errorf("badgerkv: insert into %s does not set key column %q", tpl.Table, keyCol)
	}

	return &Statement{db: c.db, tpl: tpl, keyIdx: keyIdx, prefix: tablePrefix(tpl.Table)}, nil
}

// EnsureTables records each table's key column. There is no DDL.
func (c *Conn) EnsureTables(_ context.Context, tables []storage.TableSpec) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, t := range tables {
		if strings.TrimSpace(t.Name) == "" {
			return fmt.Errorf("badgerkv: table name is empty")
		}
		c.keys[t.Name] = t.KeyColumn()
	}
	return nil
}

// ResetTables drops every key under each table's prefix.
func (c *Conn) ResetTables(_ context.Context, tables []storage.TableSpec) error {
	for _, t := range tables {
		if err := c.db.DropPrefix(tablePrefix(t.Name)); err != nil {
			return fmt.Errorf("badgerkv: reset table %s: %w", t.Name, err)
		}
	}
	return nil
}

// count returns the number of rows stored for table. Used by tests.
func (c *Conn) count(table string) (int, error) {
	prefix := tablePrefix(table)
	n := 0
	err := c.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		opts.Prefix = prefix
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			n++
		}
		return nil
	})
	return n, err
}

// get decodes the row stored under table/key. Used by tests.
func (c *Conn) get(table string, key int64) (map[string]any, error) {
	var out map[string]any
	err := c.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(rowKey(tablePrefix(table), key))
		if err != nil {
			return err
		}
		return item.Value(func(v []byte) error {
			return json.Unmarshal(v, &out)
		})
	})
	return out, err
}

// Statement writes rows of one insert template.
type Statement struct {
	db     *badger.DB
	tpl    storage.InsertTemplate
	keyIdx int
	prefix []byte
}

// Exec stores one row in its own transaction.
func (s *Statement) Exec(_ context.Context, args []any) error {
	key, val, err := s.encode(args)
	if err != nil {
		return err
	}
	return s.db.Update(func(txn *badger.Txn) error {
		if err := checkAbsent(txn, key); err != nil {
			return err
		}
		return txn.Set(key, val)
	})
}

// ExecBatch checks that no key exists yet, then writes all rows through a
// WriteBatch.
func (s *Statement) ExecBatch(_ context.Context, rows [][]any) error {
	if len(rows) == 0 {
		return nil
	}

	keys := make([][]byte, len(rows))
	vals := make([][]byte, len(rows))
	seen := make(map[string]struct{}, len(rows))
	for i, row := range rows {
		k, v, err := s.encode(row)
		if err != nil {
			return fmt.Errorf("row %d: %w", i, err)
		}
		if _, dup := seen[string(k)]; dup {
			return fmt.Errorf("row %d: %w", i, ErrDuplicateKey)
		}
		seen[string(k)] = struct{}{}
		keys[i], vals[i] = k, v
	}

	err := s.db.View(func(txn *badger.Txn) error {
		for _, k := range keys {
			if err := checkAbsent(txn, k); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return err
	}

	wb := s.db.NewWriteBatch()
	for i := range keys {
		if err := wb.Set(keys[i], vals[i]); err != nil {
			wb.Cancel()
			return err
		}
	}
	return wb.Flush()
}

func (s *Statement) Close() error { return nil }

func (s *Statement) encode(args []any) (key, val []byte, err error) {
	if len(args) != len(s.tpl.Columns) {
		return nil, nil, fmt.Errorf("badgerkv: %s: %d args for %d columns", s.tpl.Table, len(args), len(s.tpl.Columns))
	}
	id, ok := asInt64(args[s.keyIdx])
	if !ok {
		return nil, nil, fmt.Errorf("badgerkv: %s: key %v (%T) is not an integer", s.tpl.Table, args[s.keyIdx], args[s.keyIdx])
	}

	row := make(map[string]any, len(args))
	for i, col := range s.tpl.Columns {
		row[col] = args[i]
	}
	val, err = json.Marshal(row)
	if err != nil {
		return nil, nil, fmt.Errorf("badgerkv: %s: encode row: %w", s.tpl.Table, err)
	}
	return rowKey(s.prefix, id), val, nil
}

func checkAbsent(txn *badger.Txn, key []byte) error {
	_, err := txn.Get(key)
	switch {
	case err == nil:
		return fmt.Errorf("%w: %x", ErrDuplicateKey, key)
	case errors.Is(err, badger.ErrKeyNotFound):
		return nil
	default:
		return err
	}
}

func tablePrefix(table string) []byte {
	return append([]byte(strings.ToLower(table)), 0)
}

// rowKey appends the key with its sign bit flipped so byte order matches
// numeric order.
func rowKey(prefix []byte, id int64) []byte {
	k := bytes.Clone(prefix)
	return binary.BigEndian.AppendUint64(k, uint64(id)^(1<<63))
}

func asInt64(v any) (int64, bool) {
	switch t := v.(type) {
	case int64:
		return t, true
	case int32:
		return int64(t), true
	case int:
		return int64(t), true
	default:
		return 0, false
	}
}
