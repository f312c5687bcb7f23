package storage

import "time"

// Item backs both the queue and history tables (spec.md §3/§4.3): an item
// lives in exactly one of the two at any time, moved by MoveToHistory. Both
// tables share this shape, so the struct carries no fixed TableName — every
// query goes through db.Table("queue") or db.Table("history") explicitly.
type Item struct {
	RowID     uint      `gorm:"column:row_id;primaryKey;autoIncrement"`
	ID        string    `gorm:"column:id;uniqueIndex;size:64"`
	URL       string    `gorm:"size:2048"`
	Status    string    `gorm:"size:32;index"`
	CreatedAt time.Time `gorm:"index"`

	Preset   string `gorm:"size:128"`
	Folder   string `gorm:"size:512"`
	Template string `gorm:"size:512"`
	CLI      string
	Cookies  string

	AutoStart  bool
	ExtrasJSON string `gorm:"column:extras_json"`
	Error      string

	Filename  string
	FileSize  int64
	Extractor string `gorm:"size:64;index"`
	Title     string
	Thumbnail string
	Duration  float64
}

// Preset is a named, reusable per-item configuration profile.
type Preset struct {
	ID          uint   `gorm:"primaryKey;autoIncrement"`
	Name        string `gorm:"uniqueIndex;size:128"`
	Description string
	Folder      string `gorm:"size:512"`
	Template    string `gorm:"size:512"`
	Cookies     string
	CLI         string
	Default     bool `gorm:"column:is_default"`
	Priority    int
}

func (Preset) TableName() string { return "presets" }

// Condition is a match-filter rule that injects extra cli arguments.
type Condition struct {
	ID         uint   `gorm:"primaryKey;autoIncrement"`
	Name       string `gorm:"uniqueIndex;size:128"`
	Filter     string
	CLI        string
	ExtrasJSON string `gorm:"column:extras_json"`
	Priority   int
	Enabled    bool
}

func (Condition) TableName() string { return "conditions" }

// Task is a scheduled, cron-driven URL source subscription.
type Task struct {
	ID             uint   `gorm:"primaryKey;autoIncrement"`
	Name           string `gorm:"size:128"`
	URL            string `gorm:"size:2048"`
	Timer          string `gorm:"size:64"`
	Preset         string `gorm:"size:128"`
	Folder         string `gorm:"size:512"`
	Template       string `gorm:"size:512"`
	CLI            string
	Cookies        string
	AutoStart      bool
	HandlerEnabled bool
	Enabled        bool
}

func (Task) TableName() string { return "tasks" }

// NotificationTarget describes where and when to deliver event notifications.
// Delivery itself is out of scope (spec.md §1); the store only persists the
// configuration row.
type NotificationTarget struct {
	ID          uint   `gorm:"primaryKey;autoIncrement"`
	Name        string `gorm:"size:128"`
	OnJSON      string `gorm:"column:on_json"`      // []string of event kinds, empty = all
	PresetsJSON string `gorm:"column:presets_json"` // []string of preset names, empty = all
	Enabled     bool

	Method      string `gorm:"size:16"`
	URL         string `gorm:"size:2048"`
	BodyType    string `gorm:"size:32"`
	HeadersJSON string `gorm:"column:headers_json"`
	DataKey     string `gorm:"column:data_key"`
}

func (NotificationTarget) TableName() string { return "notifications" }

// DLField is read-through UI metadata the core never writes; persisted here
// only so the store's schema matches spec.md §4.3's table list.
type DLField struct {
	ID    uint   `gorm:"primaryKey;autoIncrement"`
	Key   string `gorm:"uniqueIndex;size:128"`
	Value string
}

func (DLField) TableName() string { return "dl_fields" }

// schemaVersion is a single-row table tracking the monotonic migration
// counter described in spec.md §4.3.
type schemaVersion struct {
	ID      uint `gorm:"primaryKey"`
	Version int
}

func (schemaVersion) TableName() string { return "schema_version" }
