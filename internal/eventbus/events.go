package eventbus

// Kind is the closed set of event kinds the bus can publish, per spec.md §4.2.
type Kind string

const (
	ItemAdded     Kind = "item_added"
	ItemUpdated   Kind = "item_updated"
	ItemCompleted Kind = "item_completed"
	ItemCancelled Kind = "item_cancelled"
	ItemDeleted   Kind = "item_deleted"
	ItemMoved     Kind = "item_moved"
	ItemStatus    Kind = "item_status"
	Paused        Kind = "paused"
	Resumed       Kind = "resumed"
	LogInfo       Kind = "log_info"
	LogSuccess    Kind = "log_success"
	LogWarning    Kind = "log_warning"
	LogError      Kind = "log_error"
	ConfigUpdate  Kind = "config_update"
	Connected     Kind = "connected"
	ActiveQueue   Kind = "active_queue"
	Test          Kind = "test"
)

// Event is the envelope published on the bus. Payload is a discriminated
// variant; handlers type-switch on Kind to know what's in it.
type Event struct {
	Kind    Kind
	Payload any
}

// ItemPayload is carried by all item_* events except item_moved.
type ItemPayload struct {
	ID     string
	Status string
	Extra  map[string]any
}

// MovedPayload is carried by item_moved.
type MovedPayload struct {
	ID   string
	From string
	To   string
}

// ConfigUpdatePayload is carried by config_update.
type ConfigUpdatePayload struct {
	Table  string
	Action string
}

// LogPayload is carried by log_* events.
type LogPayload struct {
	Message string
	Attrs   map[string]any
}
