// Package storage is the durable, transactional Persistence Store of
// spec.md §4.3: a single SQLite file under config_path, opened through gorm
// with the pure-Go glebarez/sqlite driver (no cgo), exactly as the teacher's
// own db_test.go exercises gorm+sqlite even though its production db.go
// still used an older Badger-backed store. This package promotes that
// tested-but-unused pattern into the real implementation.
package storage

import (
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/glebarez/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	gormlogger "gorm.io/gorm/logger"
)

// ErrNotFound is returned by single-row lookups that find nothing.
var ErrNotFound = errors.New("storage: not found")

// Store is the single-writer handle to the database. mu serializes every
// mutating call; SQLite itself would reject concurrent writers with
// SQLITE_BUSY, but serializing in-process keeps that failure mode out of
// the critical path entirely, per the "single writer" requirement in
// spec.md §4.3.
type Store struct {
	db *gorm.DB
	mu sync.Mutex
}

type migration struct {
	version int
	apply   func(tx *gorm.DB) error
}

var migrations = []migration{
	{
		version: 1,
		apply: func(tx *gorm.DB) error {
			return tx.AutoMigrate(
				&Item{},
				&Preset{},
				&Condition{},
				&Task{},
				&NotificationTarget{},
				&DLField{},
			)
		},
	},
}

// Open creates (if absent) and migrates the database file at
// filepath.Join(configPath, "dlqueued.db"). Each pending migration runs
// inside its own transaction and is idempotent to rerun.
func Open(configPath string) (*Store, error) {
	dbPath := filepath.Join(configPath, "dlqueued.db")
	db, err := gorm.Open(sqlite.Open(dbPath), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("storage: open %s: %w", dbPath, err)
	}
	db.Exec("PRAGMA journal_mode=WAL;")
	db.Exec("PRAGMA foreign_keys=ON;")

	// queue and history are two physical tables sharing the Item shape;
	// AutoMigrate only knows the default table name, so migrate each
	// explicitly via Table().
	if err := db.Table("queue").AutoMigrate(&Item{}); err != nil {
		return nil, fmt.Errorf("storage: migrate queue: %w", err)
	}
	if err := db.Table("history").AutoMigrate(&Item{}); err != nil {
		return nil, fmt.Errorf("storage: migrate history: %w", err)
	}

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		return nil, err
	}
	return s, nil
}

// OpenInMemory is used by tests that want a disposable database.
func OpenInMemory() (*Store, error) {
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		return nil, err
	}
	if err := db.Table("queue").AutoMigrate(&Item{}); err != nil {
		return nil, err
	}
	if err := db.Table("history").AutoMigrate(&Item{}); err != nil {
		return nil, err
	}
	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Store) migrate() error {
	if err := s.db.AutoMigrate(&schemaVersion{}); err != nil {
		return fmt.Errorf("storage: migrate schema_version: %w", err)
	}

	var sv schemaVersion
	err := s.db.First(&sv).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		sv = schemaVersion{ID: 1, Version: 0}
		if err := s.db.Create(&sv).Error; err != nil {
			return fmt.Errorf("storage: init schema_version: %w", err)
		}
	} else if err != nil {
		return fmt.Errorf("storage: read schema_version: %w", err)
	}

	for _, m := range migrations {
		if m.version <= sv.Version {
			continue
		}
		err := s.db.Transaction(func(tx *gorm.DB) error {
			if err := m.apply(tx); err != nil {
				return err
			}
			return tx.Model(&schemaVersion{}).Where("id = ?", sv.ID).Update("version", m.version).Error
		})
		if err != nil {
			return fmt.Errorf("storage: migration %d: %w", m.version, err)
		}
		sv.Version = m.version
	}
	return nil
}

// Close releases the underlying database connection.
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// --- queue/history item operations ---

// AddToQueue inserts item into the queue table, assigning CreatedAt if zero.
func (s *Store) AddToQueue(item *Item) (*Item, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if item.CreatedAt.IsZero() {
		item.CreatedAt = time.Now().UTC()
	}
	if err := s.db.Table("queue").Create(item).Error; err != nil {
		return nil, fmt.Errorf("storage: add to queue: %w", err)
	}
	return item, nil
}

// GetQueueItem returns the queue row with the given ID.
func (s *Store) GetQueueItem(id string) (*Item, error) {
	var item Item
	err := s.db.Table("queue").Where("id = ?", id).First(&item).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &item, nil
}

// ListQueue returns every queued item ordered by insertion (FIFO).
func (s *Store) ListQueue() ([]Item, error) {
	var items []Item
	if err := s.db.Table("queue").Order("row_id asc").Find(&items).Error; err != nil {
		return nil, err
	}
	return items, nil
}

// UpdateQueueItem patches the queue row matching id with the columns in
// patch and returns the post-mutation row, per spec.md §4.3's
// "patch operations return the full row" requirement.
func (s *Store) UpdateQueueItem(id string, patch map[string]any) (*Item, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	res := s.db.Table("queue").Where("id = ?", id).Updates(patch)
	if res.Error != nil {
		return nil, res.Error
	}
	if res.RowsAffected == 0 {
		return nil, ErrNotFound
	}
	return s.GetQueueItem(id)
}

// DeleteFromQueue removes the row with the given ID from the queue table.
func (s *Store) DeleteFromQueue(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res := s.db.Table("queue").Where("id = ?", id).Delete(&Item{})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// DeleteFromHistory removes the row with the given ID from the history
// table, mirroring DeleteFromQueue for callers that purge old entries
// regardless of which table an item currently lives in.
func (s *Store) DeleteFromHistory(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res := s.db.Table("history").Where("id = ?", id).Delete(&Item{})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// MoveToHistory atomically removes id from queue and inserts it into
// history, the transition the spec requires on every terminal status.
func (s *Store) MoveToHistory(id string) (*Item, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var moved Item
	err := s.db.Transaction(func(tx *gorm.DB) error {
		var item Item
		if err := tx.Table("queue").Where("id = ?", id).First(&item).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrNotFound
			}
			return err
		}
		if err := tx.Table("queue").Where("id = ?", id).Delete(&Item{}).Error; err != nil {
			return err
		}
		item.RowID = 0 // let history assign its own autoincrement row id
		if err := tx.Table("history").Create(&item).Error; err != nil {
			return err
		}
		moved = item
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &moved, nil
}

// ListHistory returns history rows newest-first, offset/limit paginated.
// limit is clamped to 200 regardless of the caller's request.
func (s *Store) ListHistory(offset, limit int) ([]Item, error) {
	if limit <= 0 || limit > 200 {
		limit = 200
	}
	var items []Item
	err := s.db.Table("history").Order("row_id desc").Offset(offset).Limit(limit).Find(&items).Error
	if err != nil {
		return nil, err
	}
	return items, nil
}

// FindItem looks up id across both tables, reporting which one it lives in.
func (s *Store) FindItem(id string) (item *Item, table string, err error) {
	if it, err := s.GetQueueItem(id); err == nil {
		return it, "queue", nil
	} else if !errors.Is(err, ErrNotFound) {
		return nil, "", err
	}

	var hist Item
	err = s.db.Table("history").Where("id = ?", id).First(&hist).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, "", ErrNotFound
	}
	if err != nil {
		return nil, "", err
	}
	return &hist, "history", nil
}

// --- presets ---

func (s *Store) CreatePreset(p *Preset) (*Preset, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.db.Create(p).Error; err != nil {
		return nil, err
	}
	return p, nil
}

func (s *Store) ListPresets() ([]Preset, error) {
	var out []Preset
	err := s.db.Order("priority desc").Find(&out).Error
	return out, err
}

func (s *Store) GetPresetByName(name string) (*Preset, error) {
	var p Preset
	err := s.db.Where("name = ?", name).First(&p).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	return &p, err
}

func (s *Store) UpdatePreset(id uint, patch map[string]any) (*Preset, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var existing Preset
	if err := s.db.First(&existing, id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	if existing.Default {
		return nil, fmt.Errorf("storage: preset %q is a system default and cannot be modified", existing.Name)
	}
	if err := s.db.Model(&existing).Updates(patch).Error; err != nil {
		return nil, err
	}
	return &existing, nil
}

func (s *Store) DeletePreset(id uint) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var existing Preset
	if err := s.db.First(&existing, id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return ErrNotFound
		}
		return err
	}
	if existing.Default {
		return fmt.Errorf("storage: preset %q is a system default and cannot be deleted", existing.Name)
	}
	return s.db.Delete(&Preset{}, id).Error
}

// --- conditions ---

func (s *Store) CreateCondition(c *Condition) (*Condition, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.db.Create(c).Error; err != nil {
		return nil, err
	}
	return c, nil
}

func (s *Store) ListConditions() ([]Condition, error) {
	var out []Condition
	err := s.db.Order("priority asc").Find(&out).Error
	return out, err
}

func (s *Store) UpdateCondition(id uint, patch map[string]any) (*Condition, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	res := s.db.Model(&Condition{}).Where("id = ?", id).Updates(patch)
	if res.Error != nil {
		return nil, res.Error
	}
	if res.RowsAffected == 0 {
		return nil, ErrNotFound
	}
	var c Condition
	if err := s.db.First(&c, id).Error; err != nil {
		return nil, err
	}
	return &c, nil
}

func (s *Store) DeleteCondition(id uint) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	res := s.db.Delete(&Condition{}, id)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// --- tasks ---

func (s *Store) CreateTask(t *Task) (*Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.db.Create(t).Error; err != nil {
		return nil, err
	}
	return t, nil
}

func (s *Store) ListTasks() ([]Task, error) {
	var out []Task
	err := s.db.Order("id asc").Find(&out).Error
	return out, err
}

func (s *Store) ListEnabledTasks() ([]Task, error) {
	var out []Task
	err := s.db.Where("enabled = ?", true).Order("id asc").Find(&out).Error
	return out, err
}

func (s *Store) UpdateTask(id uint, patch map[string]any) (*Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	res := s.db.Model(&Task{}).Where("id = ?", id).Updates(patch)
	if res.Error != nil {
		return nil, res.Error
	}
	if res.RowsAffected == 0 {
		return nil, ErrNotFound
	}
	var t Task
	if err := s.db.First(&t, id).Error; err != nil {
		return nil, err
	}
	return &t, nil
}

func (s *Store) DeleteTask(id uint) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	res := s.db.Delete(&Task{}, id)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// --- notification targets ---

func (s *Store) CreateNotificationTarget(n *NotificationTarget) (*NotificationTarget, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.db.Create(n).Error; err != nil {
		return nil, err
	}
	return n, nil
}

func (s *Store) ListNotificationTargets() ([]NotificationTarget, error) {
	var out []NotificationTarget
	err := s.db.Find(&out).Error
	return out, err
}

func (s *Store) DeleteNotificationTarget(id uint) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	res := s.db.Delete(&NotificationTarget{}, id)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// --- dl_fields (read-through UI metadata) ---

func (s *Store) GetDLField(key string) (string, error) {
	var f DLField
	err := s.db.Where("key = ?", key).First(&f).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return "", ErrNotFound
	}
	return f.Value, err
}

func (s *Store) SetDLField(key, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "key"}},
		DoUpdates: clause.AssignmentColumns([]string{"value"}),
	}).Create(&DLField{Key: key, Value: value}).Error
}

// EncodeExtras/DecodeExtras round-trip the free-form metadata bags stored as
// JSON text columns (extras_json, on_json, presets_json, headers_json).
func EncodeExtras(m map[string]any) (string, error) {
	if len(m) == 0 {
		return "", nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func DecodeExtras(raw string) (map[string]any, error) {
	if raw == "" {
		return map[string]any{}, nil
	}
	var m map[string]any
	if err := json.Unmarshal([]byte(raw), &m); err != nil {
		return nil, err
	}
	return m, nil
}

func EncodeStrings(ss []string) (string, error) {
	if len(ss) == 0 {
		return "", nil
	}
	b, err := json.Marshal(ss)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func DecodeStrings(raw string) ([]string, error) {
	if raw == "" {
		return nil, nil
	}
	var ss []string
	if err := json.Unmarshal([]byte(raw), &ss); err != nil {
		return nil, err
	}
	return ss, nil
}
