// Package correlation maps notification ids posted on the operator channel
// back to the source account and conversant they were forwarded from.
//
// The table lives in memory and is mirrored to a JSON file. Every write goes
// through a temp file, fsync, atomic rename and a read-back verification; a
// failed verification restores the pre-write backup. Timestamped copies are
// rotated into a backup directory for manual recovery.
package correlation

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"relaybot/internal/domain"
)

const (
	defaultBackupRetention = 10
	backupPrefix           = "correlations-"
	backupTimeLayout       = "20060102T150405.000000000"
)

// Entry is a stored origin plus its insertion time.
type Entry struct {
	domain.OriginDescriptor
	CreatedAt time.Time
}

// Config configures a Store.
type Config struct {
	Path            string        // live JSON file
	BackupDir       string        // timestamped backups; empty disables rotation
	BackupRetention int           // backups kept in BackupDir
	BackupInterval  time.Duration // minimum spacing between rotated backups
	MaxEntries      int           // 0 = unbounded; otherwise oldest entries are evicted
	Logger          *slog.Logger
}

// Store is the correlation table. Put and Snapshot are safe for concurrent
// use; Get never touches disk.
type Store struct {
	path           string
	backupDir      string
	retention      int
	backupInterval time.Duration
	maxEntries     int
	logger         *slog.Logger
	ops            fileOps
	now            func() time.Time

	mu      sync.RWMutex
	entries map[domain.NotificationID]Entry
	order   []domain.NotificationID // insertion order, oldest first
	gen     uint64                  // bumped on every mutation

	persistMu    sync.Mutex
	persistedGen uint64
	lastBackup   time.Time
}

// Open creates a Store and loads the live file. A missing, empty or corrupt
// file is logged and yields an empty table; it is not an error.
func Open(cfg Config) (*Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, fmt.Errorf("correlation store: path is required")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.BackupRetention <= 0 {
		cfg.BackupRetention = defaultBackupRetention
	}
	s := &Store{
		path:           path,
		backupDir:      cfg.BackupDir,
		retention:      cfg.BackupRetention,
		backupInterval: cfg.BackupInterval,
		maxEntries:     cfg.MaxEntries,
		logger:         cfg.Logger,
		ops:            osFileOps(),
		now:            time.Now,
		entries:        make(map[domain.NotificationID]Entry),
	}
	s.load()
	return s, nil
}

// Path returns the live file path.
func (s *Store) Path() string { return s.path }

// Put inserts a new correlation. The in-memory table is updated before the
// snapshot is attempted, so concurrent Gets observe it immediately. A failed
// snapshot is logged and does not fail the Put; the entry is at risk until
// the next successful snapshot.
func (s *Store) Put(id domain.NotificationID, origin domain.OriginDescriptor) error {
	id = domain.NormalizeID(string(id))
	if id == "" {
		return fmt.Errorf("correlation put: empty notification id")
	}
	if origin.AccountID == "" {
		return fmt.Errorf("correlation put %s: empty account id", id)
	}
	if err := s.insert(id, Entry{OriginDescriptor: origin, CreatedAt: s.now()}); err != nil {
		return err
	}
	if err := s.Snapshot(); err != nil {
		s.logger.Error("correlation kept in memory only, snapshot failed",
			"notification_id", id, "account", origin.AccountID, "err", err)
	}
	return nil
}

func (s *Store) insert(id domain.NotificationID, e Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.entries[id]; exists {
		return fmt.Errorf("correlation put %s: %w", id, domain.ErrDuplicateID)
	}
	s.entries[id] = e
	s.order = append(s.order, id)
	s.evictLocked()
	s.gen++
	return nil
}

// evictLocked drops the oldest entries above maxEntries and returns how many
// were dropped.
func (s *Store) evictLocked() int {
	if s.maxEntries <= 0 {
		return 0
	}
	n := 0
	for len(s.entries) > s.maxEntries && len(s.order) > 0 {
		oldest := s.order[0]
		s.order = s.order[1:]
		delete(s.entries, oldest)
		n++
		s.logger.Debug("correlation evicted", "notification_id", oldest)
	}
	return n
}

// Get resolves a notification id. It never blocks on I/O.
func (s *Store) Get(id domain.NotificationID) (domain.OriginDescriptor, bool) {
	id = domain.NormalizeID(string(id))
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.entries[id]
	return e.OriginDescriptor, ok
}

// Lookup is Get returning a *domain.CorrelationMissError on a miss.
func (s *Store) Lookup(id domain.NotificationID) (domain.OriginDescriptor, error) {
	origin, ok := s.Get(id)
	if !ok {
		return domain.OriginDescriptor{}, &domain.CorrelationMissError{ID: domain.NormalizeID(string(id))}
	}
	return origin, nil
}

// Len returns the number of stored correlations.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}

// Keys returns the stored ids, oldest first.
func (s *Store) Keys() []domain.NotificationID {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]domain.NotificationID(nil), s.order...)
}

// Dirty reports whether the table has changes not yet on disk.
func (s *Store) Dirty() bool {
	s.mu.RLock()
	gen := s.gen
	s.mu.RUnlock()
	s.persistMu.Lock()
	defer s.persistMu.Unlock()
	return gen != s.persistedGen
}

// Snapshot writes the table to disk if it changed since the last successful
// write. Concurrent callers are serialized; a caller that waited behind a
// write covering its changes returns without writing again.
func (s *Store) Snapshot() error {
	s.persistMu.Lock()
	defer s.persistMu.Unlock()

	table, gen := s.copyTable()
	if gen == s.persistedGen {
		return nil
	}
	if err := s.persist(table); err != nil {
		return err
	}
	s.persistedGen = gen
	return nil
}

func (s *Store) copyTable() (map[domain.NotificationID]Entry, uint64) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	table := make(map[domain.NotificationID]Entry, len(s.entries))
	for k, v := range s.entries {
		table[k] = v
	}
	return table, s.gen
}

func (s *Store) load() {
	data, err := os.ReadFile(s.path)
	switch {
	case os.IsNotExist(err):
		s.logger.Info("no correlation file, starting empty", "path", s.path)
		return
	case err != nil:
		s.logger.Warn("cannot read correlation file, starting empty", "path", s.path, "err", err)
		return
	case len(strings.TrimSpace(string(data))) == 0:
		s.logger.Warn("correlation file is empty, starting empty", "path", s.path)
		return
	}

	table, err := decodeTable(data)
	if err != nil {
		aside := s.path + ".corrupt-" + s.now().Format(backupTimeLayout)
		if rerr := os.Rename(s.path, aside); rerr != nil {
			s.logger.Warn("cannot move corrupt correlation file aside", "path", s.path, "err", rerr)
			aside = ""
		}
		s.logger.Warn("correlation file is corrupt, starting empty",
			"path", s.path, "moved_to", aside, "err", err)
		return
	}

	ids := make([]domain.NotificationID, 0, len(table))
	for id := range table {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool {
		ci, cj := table[ids[i]].CreatedAt, table[ids[j]].CreatedAt
		if !ci.Equal(cj) {
			return ci.Before(cj)
		}
		return ids[i] < ids[j]
	})

	s.mu.Lock()
	s.entries = table
	s.order = ids
	evicted := s.evictLocked()
	if evicted > 0 {
		// the live file still holds the evicted ids until the next snapshot
		s.gen++
	}
	loaded := len(s.entries)
	s.mu.Unlock()

	s.logger.Info("correlation store loaded", "path", s.path, "entries", loaded, "evicted", evicted)
}

// persist runs the write / rename / verify / rollback sequence.
func (s *Store) persist(table map[domain.NotificationID]Entry) error {
	data, err := encodeTable(table)
	if err != nil {
		return &domain.PersistError{Op: "marshal", Path: s.path, Err: err}
	}

	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return &domain.PersistError{Op: "write", Path: s.path, Err: err}
	}

	bak := s.path + ".bak"
	hadLive, err := copyFile(s.path, bak)
	if err != nil {
		return &domain.PersistError{Op: "backup", Path: bak, Err: err}
	}

	tmp, err := s.ops.writeTemp(dir, filepath.Base(s.path)+".tmp-*", data)
	if err != nil {
		return &domain.PersistError{Op: "write", Path: s.path, Err: err}
	}
	if err := s.ops.rename(tmp, s.path); err != nil {
		os.Remove(tmp)
		return &domain.PersistError{Op: "rename", Path: s.path, Err: err}
	}
	syncDir(dir)

	if verr := s.verify(table); verr != nil {
		s.rollback(bak, hadLive)
		return &domain.PersistError{
			Op:   "verify",
			Path: s.path,
			Err:  fmt.Errorf("%w: %v", domain.ErrVerificationFailed, verr),
		}
	}

	if err := s.rotateBackup(data); err != nil {
		s.logger.Warn("correlation backup rotation failed", "dir", s.backupDir, "err", err)
	}
	return nil
}

func (s *Store) verify(want map[domain.NotificationID]Entry) error {
	data, err := s.ops.readFile(s.path)
	if err != nil {
		return fmt.Errorf("read back: %w", err)
	}
	got, err := decodeTable(data)
	if err != nil {
		return fmt.Errorf("decode read back: %w", err)
	}
	if len(got) != len(want) {
		return fmt.Errorf("record count %d, expected %d", len(got), len(want))
	}
	for id := range want {
		if _, ok := got[id]; !ok {
			return fmt.Errorf("key %s missing from read back", id)
		}
	}
	return nil
}

func (s *Store) rollback(bak string, hadLive bool) {
	if !hadLive {
		if err := os.Remove(s.path); err != nil && !os.IsNotExist(err) {
			s.logger.Error("cannot remove unverified correlation file", "path", s.path, "err", err)
		}
		return
	}
	if err := restoreFile(bak, s.path); err != nil {
		s.logger.Error("cannot restore correlation file from backup", "path", s.path, "backup", bak, "err", err)
		return
	}
	s.logger.Warn("correlation file restored from pre-write backup", "path", s.path)
}

func (s *Store) rotateBackup(data []byte) error {
	if s.backupDir == "" {
		return nil
	}
	now := s.now()
	if s.backupInterval > 0 && !s.lastBackup.IsZero() && now.Sub(s.lastBackup) < s.backupInterval {
		return nil
	}
	if err := os.MkdirAll(s.backupDir, 0o755); err != nil {
		return err
	}
	name := filepath.Join(s.backupDir, backupPrefix+now.UTC().Format(backupTimeLayout)+".json")
	if err := os.WriteFile(name, data, 0o600); err != nil {
		return err
	}
	s.lastBackup = now
	return s.pruneBackups()
}

func (s *Store) pruneBackups() error {
	backups, err := ListBackups(s.backupDir)
	if err != nil {
		return err
	}
	for len(backups) > s.retention {
		if err := os.Remove(backups[0]); err != nil {
			return err
		}
		backups = backups[1:]
	}
	return nil
}

// ListBackups returns the rotated backup files in dir, oldest first.
func ListBackups(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var out []string
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasPrefix(name, backupPrefix) || !strings.HasSuffix(name, ".json") {
			continue
		}
		out = append(out, filepath.Join(dir, name))
	}
	sort.Strings(out)
	return out, nil
}
