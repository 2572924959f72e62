package storage

import (
	"errors"
	"time"
)

// Status of a logical database instance.
type Status string

const (
	StatusActive    Status = "active"
	StatusArchived  Status = "archived"
	StatusRestoring Status = "restoring"
)

// Sentinel errors; callers match with errors.Is.
var (
	ErrNotFound  = errors.New("not found")
	ErrDuplicate = errors.New("already exists")
	ErrConflict  = errors.New("status conflict")
)

// Instance is one logical database hosted inside a dialect's pool
// container. DbName and DbUser are derived from DbID and therefore unique
// by construction. ContainerID and HostPort are set only while the
// instance is active and point at the pool, not a per-instance container.
type Instance struct {
	DbID            string     `json:"db_id" msgpack:"db_id"`
	Dialect         string     `json:"dialect" msgpack:"dialect"`
	DbName          string     `json:"db_name" msgpack:"db_name"`
	DbUser          string     `json:"db_user" msgpack:"db_user"`
	DbPassword      string     `json:"-" msgpack:"db_password"` // never serialized to clients
	Status          Status     `json:"status" msgpack:"status"`
	ContainerID     string     `json:"container_id,omitempty" msgpack:"container_id"`
	HostPort        uint16     `json:"host_port,omitempty" msgpack:"host_port"`
	CreatedAt       time.Time  `json:"created_at" msgpack:"created_at"`
	LastActivity    time.Time  `json:"last_activity" msgpack:"last_activity"`
	ArchivedAt      *time.Time `json:"archived_at,omitempty" msgpack:"archived_at"`
	BackupKey       string     `json:"backup_key,omitempty" msgpack:"backup_key"`
	BackupSizeBytes int64      `json:"backup_size_bytes,omitempty" msgpack:"backup_size_bytes"`
}

// Pool is the long-lived container hosting every instance of one dialect.
// At most one record exists per dialect; if its container is gone the
// record is stale and gets reaped.
type Pool struct {
	Dialect      string    `json:"dialect" msgpack:"dialect"`
	ContainerID  string    `json:"container_id" msgpack:"container_id"`
	HostPort     uint16    `json:"host_port" msgpack:"host_port"`
	RootPassword string    `json:"-" msgpack:"root_password"` // generated once, never rotated
	CreatedAt    time.Time `json:"created_at" msgpack:"created_at"`
	Status       string    `json:"status" msgpack:"status"`
}

// Store persists instance and pool records. Implementations serialize
// writes internally; callers need no external locking. Lookups return
// (nil, nil) when the record is absent so callers can branch without
// string-matching errors.
type Store interface {
	Close() error

	// Instance operations, keyed by db_id.
	InsertInstance(inst *Instance) error // ErrDuplicate on existing db_id
	GetInstance(id string) (*Instance, error)
	UpdateStatus(id string, status Status) error
	TouchActivity(id string) error
	MarkArchived(id, backupKey string, size int64) error
	MarkRestoring(id string) error // ErrConflict unless currently archived
	MarkActive(id, containerID string, hostPort uint16) error
	DeleteInstance(id string) error
	ListInstances() []*Instance
	ListActiveInstances() []*Instance
	GetExpiredInstances(timeout time.Duration) []*Instance

	// Pool operations, keyed by dialect.
	UpsertPool(p *Pool) error
	GetPool(dialect string) (*Pool, error)
	DeletePool(dialect string) error
	ListPools() []*Pool
}

// New opens the default store implementation.
func New(path string) (Store, error) {
	return NewBoltStore(path)
}
