package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"iter"
	"strings"
	"unicode/utf8"

	"github.com/roach88/swingstore/internal/storeerr"
)

// Namespace classifies KV keys by prefix.
type Namespace int

const (
	// NamespaceConsensus keys are exported as kv.<key> and hashed into
	// the crank hash.
	NamespaceConsensus Namespace = iota

	// NamespaceHost keys (host.*) belong to the host application and are
	// reachable from an export only through Exporter.GetHostKV.
	NamespaceHost

	// NamespaceLocal keys (local.*) never leave this store.
	NamespaceLocal
)

// NamespaceOf returns the namespace of key.
func NamespaceOf(key string) Namespace {
	switch {
	case strings.HasPrefix(key, "host."):
		return NamespaceHost
	case strings.HasPrefix(key, "local."):
		return NamespaceLocal
	default:
		return NamespaceConsensus
	}
}

// kvPageSize bounds how many rows one paging query reads.
const kvPageSize = 500

// KVEntry is one key/value pair.
type KVEntry struct {
	Key   string
	Value string
}

// KVStore is an ordered string to string table.
type KVStore struct {
	t       *txn
	exports *exportLog
	crank   *crankState
}

func checkKey(key string) error {
	if key == "" || !utf8.ValidString(key) {
		return storeerr.Validation(key, "KV key must be a non-empty UTF-8 string")
	}
	return nil
}

// Has reports whether key is present.
func (kv *KVStore) Has(ctx context.Context, key string) (bool, error) {
	_, ok, err := kv.Get(ctx, key)
	return ok, err
}

// Get returns the value of key and whether it exists.
func (kv *KVStore) Get(ctx context.Context, key string) (string, bool, error) {
	if err := checkKey(key); err != nil {
		return "", false, err
	}
	var value string
	err := kv.t.q().QueryRowContext(ctx, `SELECT value FROM kvStore WHERE key = ?`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("kv get %q: %w", key, err)
	}
	return value, true, nil
}

// GetNextKey returns the smallest key strictly greater than key, in
// byte order. It allows range iteration without loading every key.
func (kv *KVStore) GetNextKey(ctx context.Context, key string) (string, bool, error) {
	if !utf8.ValidString(key) {
		return "", false, storeerr.Validation(key, "KV key must be a UTF-8 string")
	}
	var next string
	err := kv.t.q().QueryRowContext(ctx,
		`SELECT key FROM kvStore WHERE key > ? ORDER BY key LIMIT 1`, key).Scan(&next)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("kv next key after %q: %w", key, err)
	}
	return next, true, nil
}

// Set stores value under key.
func (kv *KVStore) Set(ctx context.Context, key, value string) error {
	return kv.set(ctx, key, value, true)
}

// set writes a key. hashed=false skips the crank hash, which is how the
// activity hash itself is stored.
func (kv *KVStore) set(ctx context.Context, key, value string, hashed bool) error {
	if err := checkKey(key); err != nil {
		return err
	}
	if !utf8.ValidString(value) {
		return storeerr.Validation(key, "KV value must be a UTF-8 string")
	}
	q, err := kv.t.ensure(ctx)
	if err != nil {
		return err
	}
	_, err = q.ExecContext(ctx, `
		INSERT INTO kvStore (key, value) VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value
	`, key, value)
	if err != nil {
		return fmt.Errorf("kv set %q: %w", key, err)
	}

	if NamespaceOf(key) != NamespaceConsensus {
		return nil
	}
	if hashed {
		kv.crank.add(key, value)
	}
	return kv.exports.noteSet(ctx, "kv."+key, value)
}

// Delete removes key. Deleting an absent key is not an error.
func (kv *KVStore) Delete(ctx context.Context, key string) error {
	if err := checkKey(key); err != nil {
		return err
	}
	q, err := kv.t.ensure(ctx)
	if err != nil {
		return err
	}
	if _, err := q.ExecContext(ctx, `DELETE FROM kvStore WHERE key = ?`, key); err != nil {
		return fmt.Errorf("kv delete %q: %w", key, err)
	}

	if NamespaceOf(key) != NamespaceConsensus {
		return nil
	}
	kv.crank.delete(key)
	return kv.exports.noteDelete(ctx, "kv."+key)
}

// Entries iterates entries with start <= key < end in key order. An
// empty end means no upper bound. Rows are read a page at a time, so the
// loop body may use the store.
func (kv *KVStore) Entries(ctx context.Context, start, end string) iter.Seq2[KVEntry, error] {
	return func(yield func(KVEntry, error) bool) {
		cursor := start
		inclusive := true
		for {
			page, err := kv.page(ctx, cursor, inclusive, end)
			if err != nil {
				yield(KVEntry{}, err)
				return
			}
			for _, e := range page {
				if !yield(e, nil) {
					return
				}
			}
			if len(page) < kvPageSize {
				return
			}
			cursor = page[len(page)-1].Key
			inclusive = false
		}
	}
}

func (kv *KVStore) page(ctx context.Context, cursor string, inclusive bool, end string) ([]KVEntry, error) {
	op := ">"
	if inclusive {
		op = ">="
	}
	rows, err := kv.t.q().QueryContext(ctx, `
		SELECT key, value FROM kvStore
		WHERE key `+op+` ? AND (? = '' OR key < ?)
		ORDER BY key
		LIMIT ?
	`, cursor, end, end, kvPageSize)
	if err != nil {
		return nil, fmt.Errorf("query kv entries: %w", err)
	}
	defer rows.Close()

	var page []KVEntry
	for rows.Next() {
		var e KVEntry
		if err := rows.Scan(&e.Key, &e.Value); err != nil {
			return nil, fmt.Errorf("scan kv entry: %w", err)
		}
		page = append(page, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate kv entries: %w", err)
	}
	return page, nil
}

// exportRecords yields kv.<key> records for consensus keys.
func (kv *KVStore) exportRecords(ctx context.Context) iter.Seq2[ExportRecord, error] {
	return func(yield func(ExportRecord, error) bool) {
		for e, err := range kv.Entries(ctx, "", "") {
			if err != nil {
				yield(ExportRecord{}, err)
				return
			}
			if NamespaceOf(e.Key) != NamespaceConsensus {
				continue
			}
			if !yield(ExportRecord{Key: "kv." + e.Key, Value: StringPtr(e.Value)}, nil) {
				return
			}
		}
	}
}

// install writes an imported kv record without noting an export change
// or touching the crank hash. A nil value deletes the key.
func (kv *KVStore) install(ctx context.Context, key string, value *string) error {
	if err := checkKey(key); err != nil {
		return err
	}
	if NamespaceOf(key) != NamespaceConsensus {
		return storeerr.Validation(key, "imported KV key is not in the consensus namespace")
	}
	q, err := kv.t.ensure(ctx)
	if err != nil {
		return err
	}
	if value == nil {
		_, err = q.ExecContext(ctx, `DELETE FROM kvStore WHERE key = ?`, key)
	} else {
		if !utf8.ValidString(*value) {
			return storeerr.Validation(key, "KV value must be a UTF-8 string")
		}
		_, err = q.ExecContext(ctx, `
			INSERT INTO kvStore (key, value) VALUES (?, ?)
			ON CONFLICT(key) DO UPDATE SET value = excluded.value
		`, key, *value)
	}
	if err != nil {
		return fmt.Errorf("install kv %q: %w", key, err)
	}
	return nil
}
