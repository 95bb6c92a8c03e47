// Cursor persistence and the time-mode/id-mode cursor state machine for the
// SQL connector. Adapted from this codebase's
// infrastructures/fetcher/local_store.go atomic-rename file store, and from
// farmax_delivery_ingestor.py's _CursorState (prepare-pending/commit/
// rollback, so a failed detail fetch does not silently advance past
// unprocessed rows).
package sqlconnector

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/redis/go-redis/v9"
)

// cursorRecord is the persisted shadow of ingest progress.
type cursorRecord struct {
	LastLogID     *int64    `json:"last_log_id"`
	LastCheckTime time.Time `json:"last_check_time"`
}

// cursorStore is the persistence boundary for cursorRecord, letting the
// connector pick a file-backed or Redis-backed shadow without the rest of
// the cursor state machine caring which.
type cursorStore interface {
	Load(ctx context.Context) (*cursorRecord, error)
	Save(ctx context.Context, rec *cursorRecord) error
}

// fileCursorStore atomically persists a cursorRecord to disk, the same
// tmp-file-plus-rename-plus-fsync idiom as local_store.go.
type fileCursorStore struct {
	path string
}

func newFileCursorStore(path string) *fileCursorStore {
	return &fileCursorStore{path: path}
}

func (s *fileCursorStore) Load(ctx context.Context) (*cursorRecord, error) {
	f, err := os.Open(s.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("open cursor file: %w", err)
	}
	defer f.Close()

	data, err := io.ReadAll(f)
	if err != nil {
		return nil, fmt.Errorf("read cursor file: %w", err)
	}
	var rec cursorRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("decode cursor file: %w", err)
	}
	return &rec, nil
}

func (s *fileCursorStore) Save(ctx context.Context, rec *cursorRecord) error {
	tmp := s.path + ".tmp"
	dir := filepath.Dir(s.path)

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("mkdir cursor dir: %w", err)
	}
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o600)
	if err != nil {
		return fmt.Errorf("open tmp cursor: %w", err)
	}
	defer func() {
		_ = f.Close()
		_ = os.Remove(tmp)
	}()

	enc := json.NewEncoder(f)
	enc.SetIndent("", "  ")
	if err := enc.Encode(rec); err != nil {
		return fmt.Errorf("encode cursor: %w", err)
	}
	if err := f.Sync(); err != nil {
		return fmt.Errorf("fsync tmp cursor: %w", err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("close tmp cursor: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		return fmt.Errorf("rename cursor: %w", err)
	}
	if df, err := os.Open(dir); err == nil {
		_ = df.Sync()
		_ = df.Close()
	}
	return nil
}

// redisCursorStore backs the cursor with a shared Redis key instead of a
// local file, for deployments where infrastructures/fetcher/redis_client.go's
// "several processes, one authoritative cursor" shape applies (e.g. a warm
// standby polling the same ERP database). Save takes a short lease first so
// two processes racing a write don't interleave partial JSON; this is a
// best-effort single-writer lock, not a distributed commit protocol, mirroring
// cursor_store.go's own CAS-via-SETNX approach rather than inventing a new one.
type redisCursorStore struct {
	client   *redis.Client
	key      string
	leaseKey string
	leaseTTL time.Duration
}

func newRedisCursorStore(client *redis.Client, keyPrefix string, leaseTTL time.Duration) *redisCursorStore {
	return &redisCursorStore{
		client:   client,
		key:      keyPrefix + ":cursor",
		leaseKey: keyPrefix + ":cursor:lease",
		leaseTTL: leaseTTL,
	}
}

func (s *redisCursorStore) Load(ctx context.Context) (*cursorRecord, error) {
	data, err := s.client.Get(ctx, s.key).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("redis get cursor: %w", err)
	}
	var rec cursorRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("decode redis cursor: %w", err)
	}
	return &rec, nil
}

func (s *redisCursorStore) Save(ctx context.Context, rec *cursorRecord) error {
	ok, err := s.client.SetNX(ctx, s.leaseKey, "1", s.leaseTTL).Result()
	if err != nil {
		return fmt.Errorf("redis acquire cursor lease: %w", err)
	}
	if !ok {
		return fmt.Errorf("cursor lease %s already held, another writer is mid-save", s.leaseKey)
	}
	defer s.client.Del(ctx, s.leaseKey)

	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encode redis cursor: %w", err)
	}
	if err := s.client.Set(ctx, s.key, data, 0).Err(); err != nil {
		return fmt.Errorf("redis set cursor: %w", err)
	}
	return nil
}

// cursorState is the in-memory time-mode/id-mode cursor, mirroring
// farmax_delivery_ingestor.py's _CursorState.
type cursorState struct {
	lastLogID     *int64
	lastCheckTime time.Time
	pendingLogID  *int64
}

func newCursorState(startTime time.Time) *cursorState {
	return &cursorState{lastCheckTime: startTime}
}

// restoreFrom seeds the cursor from a persisted record, if any.
func (c *cursorState) restoreFrom(rec *cursorRecord) {
	if rec == nil {
		return
	}
	c.lastLogID = rec.LastLogID
	c.lastCheckTime = rec.LastCheckTime
}

func (c *cursorState) snapshot() *cursorRecord {
	return &cursorRecord{LastLogID: c.lastLogID, LastCheckTime: c.lastCheckTime}
}

// isSteadyState reports whether the cursor has graduated from time-mode to
// id-mode (i.e. has seen at least one log row).
func (c *cursorState) isSteadyState() bool {
	return c.lastLogID != nil
}

// preparePending records the highest id seen in a batch without committing
// it yet, so a downstream detail-fetch failure can roll it back.
func (c *cursorState) preparePending(maxID int64) {
	id := maxID
	c.pendingLogID = &id
}

func (c *cursorState) commit() {
	if c.pendingLogID != nil {
		c.lastLogID = c.pendingLogID
		c.pendingLogID = nil
	}
}

func (c *cursorState) rollback() {
	c.pendingLogID = nil
}
