package database

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/singleflight"

	"github.com/sirrobot01/dbctl/pkg/apperr"
	"github.com/sirrobot01/dbctl/pkg/backup"
	"github.com/sirrobot01/dbctl/pkg/config"
	"github.com/sirrobot01/dbctl/pkg/runtime"
	"github.com/sirrobot01/dbctl/pkg/storage"
)

// poolReadyInterval is how often the readiness probe runs while a fresh
// pool container boots.
const poolReadyInterval = 1 * time.Second

// Manager owns the instance cache and, transitively, every metadata and
// container mutation. One Manager is shared by the API handlers, the idle
// sweeper and startup reconciliation.
type Manager struct {
	store   storage.Store
	client  runtime.Client
	backups backup.Store // nil disables archiving; expiry degrades to destroy

	inactivityTimeout time.Duration
	memoryMB          int64

	mu    sync.RWMutex
	cache map[string]*storage.Instance

	// pools deduplicates concurrent bootstraps of the same dialect's
	// container; losers wait for the winner instead of racing on the
	// fixed container name.
	pools singleflight.Group
}

// NewManager wires the manager against its stores and the container
// runtime. backups may be nil when object storage is not configured.
func NewManager(store storage.Store, client runtime.Client, backups backup.Store, cfg *config.Config) *Manager {
	return &Manager{
		store:             store,
		client:            client,
		backups:           backups,
		inactivityTimeout: cfg.InactivityTimeout,
		memoryMB:          cfg.ContainerMemoryMB,
		cache:             make(map[string]*storage.Instance),
	}
}

// GetOrCreate returns the instance for requestedID, creating or restoring
// it as needed. An empty requestedID always creates a fresh instance. The
// bool reports whether the instance came back from a backup.
func (m *Manager) GetOrCreate(ctx context.Context, dialectName, requestedID string) (*storage.Instance, bool, error) {
	dialect, err := GetDialect(dialectName)
	if err != nil {
		return nil, false, err
	}

	if requestedID == "" {
		inst, err := m.create(ctx, dialect, uuid.New().String())
		return inst, false, err
	}

	if inst := m.cached(requestedID); inst != nil {
		return inst, false, nil
	}

	stored, err := m.store.GetInstance(requestedID)
	if err != nil {
		return nil, false, apperr.Wrap(apperr.Storage, "Failed to read instance metadata", err)
	}

	switch {
	case stored == nil:
		inst, err := m.create(ctx, dialect, requestedID)
		return inst, false, err
	case stored.Status == storage.StatusActive:
		m.putCache(stored)
		return stored, false, nil
	case stored.Status == storage.StatusArchived:
		inst, err := m.restore(ctx, stored)
		if err != nil {
			return nil, false, err
		}
		return inst, true, nil
	default:
		return nil, false, apperr.New(apperr.RestoreInProgress, "Restore already in progress")
	}
}

// Get returns an active instance by id. Active-but-uncached rows are
// reconciled into the cache; archived and restoring rows report DbNotFound
// so callers treat them as absent.
func (m *Manager) Get(id string) (*storage.Instance, error) {
	if inst := m.cached(id); inst != nil {
		return inst, nil
	}

	stored, err := m.store.GetInstance(id)
	if err != nil {
		return nil, apperr.Wrap(apperr.Storage, "Failed to read instance metadata", err)
	}
	if stored == nil || stored.Status != storage.StatusActive {
		return nil, apperr.New(apperr.DbNotFound, "Database instance not found")
	}

	m.putCache(stored)
	return stored, nil
}

// GetStored returns the raw metadata row regardless of status. The status
// endpoint uses this to report archived instances and backup availability.
func (m *Manager) GetStored(id string) (*storage.Instance, error) {
	stored, err := m.store.GetInstance(id)
	if err != nil {
		return nil, apperr.Wrap(apperr.Storage, "Failed to read instance metadata", err)
	}
	if stored == nil {
		return nil, apperr.New(apperr.DbNotFound, "Database instance not found")
	}
	return stored, nil
}

// Touch bumps last_activity in both the cache and the metadata row. The
// sweeper measures idleness from this timestamp.
func (m *Manager) Touch(id string) error {
	now := time.Now().UTC()

	m.mu.Lock()
	if inst, ok := m.cache[id]; ok {
		clone := *inst
		clone.LastActivity = now
		m.cache[id] = &clone
	}
	m.mu.Unlock()

	err := m.store.TouchActivity(id)
	if err == nil {
		return nil
	}
	if errors.Is(err, storage.ErrNotFound) {
		if m.cached(id) == nil {
			return apperr.New(apperr.DbNotFound, "Database instance not found")
		}
		return nil
	}
	return apperr.Wrap(apperr.Storage, "Failed to record activity", err)
}

// InactivityTimeout reports the configured idle horizon. The status
// endpoint derives expires_at from it.
func (m *Manager) InactivityTimeout() time.Duration {
	return m.inactivityTimeout
}

// create provisions a logical database and user inside the dialect's pool
// and records the instance. DDL failures check for a concurrent winner at
// the same id before surfacing, so racing creates converge on one record.
func (m *Manager) create(ctx context.Context, dialect Dialect, id string) (*storage.Instance, error) {
	pool, err := m.ensurePool(ctx, dialect)
	if err != nil {
		return nil, err
	}

	dbName, dbUser := credentialNames(id)
	dbPassword := generatePassword()

	log.Info().
		Str("db_id", id).
		Str("dialect", dialect.Name()).
		Str("db_name", dbName).
		Msg("Creating database instance")

	if err := m.execDDL(ctx, dialect, pool, dialect.CreateDatabaseSQL(dbName)); err != nil {
		if winner := m.raceWinner(id); winner != nil {
			return winner, nil
		}
		return nil, apperr.Wrap(apperr.Internal, "Failed to create database", err)
	}

	if err := m.execDDL(ctx, dialect, pool, dialect.CreateUserSQL(dbUser, dbPassword, dbName)); err != nil {
		if winner := m.raceWinner(id); winner != nil {
			return winner, nil
		}
		if dropErr := m.execDDL(ctx, dialect, pool, dialect.DropDatabaseSQL(dbName)); dropErr != nil {
			log.Warn().Err(dropErr).Str("db_id", id).Msg("Failed to roll back database after user creation failure")
		}
		return nil, apperr.Wrap(apperr.Internal, "Failed to create database user", err)
	}

	now := time.Now().UTC()
	inst := &storage.Instance{
		DbID:         id,
		Dialect:      dialect.Name(),
		DbName:       dbName,
		DbUser:       dbUser,
		DbPassword:   dbPassword,
		Status:       storage.StatusActive,
		ContainerID:  pool.ContainerID,
		HostPort:     pool.HostPort,
		CreatedAt:    now,
		LastActivity: now,
	}

	if err := m.store.InsertInstance(inst); err != nil {
		if errors.Is(err, storage.ErrDuplicate) {
			// The loser shares db_name and db_user with the winner, so
			// there is nothing to clean up; observe the winner's record.
			if winner := m.raceWinner(id); winner != nil {
				return winner, nil
			}
		}
		return nil, apperr.Wrap(apperr.Storage, "Failed to persist instance", err)
	}

	m.putCache(inst)
	log.Info().
		Str("db_id", id).
		Str("dialect", dialect.Name()).
		Uint16("host_port", pool.HostPort).
		Msg("Database instance ready")
	return inst, nil
}

// raceWinner returns the already-active record for id, if one exists. DDL
// and insert failures during create can mean a concurrent request built
// the same instance first; adopting its record turns the race into a
// no-op for the loser.
func (m *Manager) raceWinner(id string) *storage.Instance {
	winner, err := m.store.GetInstance(id)
	if err != nil || winner == nil || winner.Status != storage.StatusActive {
		return nil
	}
	log.Debug().Str("db_id", id).Msg("Lost create race, adopting existing instance")
	m.putCache(winner)
	return winner
}

// ensurePool returns the running pool container for a dialect, creating
// it when absent. Concurrent callers for the same dialect share one
// bootstrap.
func (m *Manager) ensurePool(ctx context.Context, dialect Dialect) (*storage.Pool, error) {
	v, err, _ := m.pools.Do(dialect.Name(), func() (interface{}, error) {
		return m.ensurePoolNow(ctx, dialect)
	})
	if err != nil {
		return nil, err
	}
	return v.(*storage.Pool), nil
}

func (m *Manager) ensurePoolNow(ctx context.Context, dialect Dialect) (*storage.Pool, error) {
	pool, err := m.store.GetPool(dialect.Name())
	if err != nil {
		return nil, apperr.Wrap(apperr.Storage, "Failed to read pool record", err)
	}

	if pool != nil {
		running, err := m.client.IsRunning(ctx, pool.ContainerID)
		if err != nil && !errors.Is(err, runtime.ErrNotFound) {
			return nil, apperr.Wrap(apperr.DockerError, "Docker error", err)
		}
		if running {
			return pool, nil
		}

		log.Warn().
			Str("dialect", dialect.Name()).
			Str("container_id", pool.ContainerID).
			Msg("Pool container not running, recreating")
		if err := m.store.DeletePool(dialect.Name()); err != nil {
			return nil, apperr.Wrap(apperr.Storage, "Failed to delete stale pool record", err)
		}
		// Free the fixed container name in case the old container is
		// merely stopped.
		if err := m.client.DestroyContainer(ctx, pool.ContainerID); err != nil && !errors.Is(err, runtime.ErrNotFound) {
			log.Debug().Err(err).Str("container_id", pool.ContainerID).Msg("Failed to remove stale pool container")
		}
	}

	return m.createPool(ctx, dialect)
}

// createPool boots a fresh pool container and waits until the engine
// accepts root connections.
func (m *Manager) createPool(ctx context.Context, dialect Dialect) (*storage.Pool, error) {
	rootPassword := generatePassword()

	log.Info().
		Str("dialect", dialect.Name()).
		Str("image", dialect.Image()).
		Msg("Creating pool container")

	if err := m.client.EnsureImage(ctx, dialect.Image()); err != nil {
		return nil, apperr.Wrap(apperr.DialectPullFailed, "Failed to pull Docker image: "+dialect.Image(), err)
	}

	created, err := m.client.CreatePool(ctx, &runtime.PoolConfig{
		Dialect:      dialect.Name(),
		Image:        dialect.Image(),
		Env:          dialect.PoolEnv(rootPassword),
		InternalPort: dialect.DefaultPort(),
		MemoryMB:     m.memoryMB,
	})
	if err != nil {
		return nil, apperr.Wrap(apperr.DockerError, "Docker error", err)
	}

	if !m.waitForPoolReady(ctx, dialect, created.ID, rootPassword) {
		log.Warn().
			Str("dialect", dialect.Name()).
			Str("container_id", created.ID).
			Msg("Pool failed to become ready, destroying")
		if err := m.client.DestroyContainer(ctx, created.ID); err != nil {
			log.Warn().Err(err).Str("container_id", created.ID).Msg("Failed to destroy unready pool container")
		}
		return nil, apperr.New(apperr.Internal, "Internal server error: database failed to start within timeout")
	}

	pool := &storage.Pool{
		Dialect:      dialect.Name(),
		ContainerID:  created.ID,
		HostPort:     created.HostPort,
		RootPassword: rootPassword,
		CreatedAt:    time.Now().UTC(),
		Status:       "running",
	}
	if err := m.store.UpsertPool(pool); err != nil {
		return nil, apperr.Wrap(apperr.Storage, "Failed to persist pool record", err)
	}

	log.Info().
		Str("dialect", dialect.Name()).
		Str("container_id", created.ID).
		Uint16("host_port", created.HostPort).
		Msg("Pool container ready")
	return pool, nil
}

// waitForPoolReady polls a trivial root query until the engine answers or
// the dialect's startup timeout elapses. The engine often restarts once
// during init, so transient exec failures just mean try again.
func (m *Manager) waitForPoolReady(ctx context.Context, dialect Dialect, containerID, rootPassword string) bool {
	deadline := time.Now().Add(dialect.StartupTimeout())
	argv := dialect.ExecSQL(rootPassword, "SELECT 1")

	for time.Now().Before(deadline) {
		running, err := m.client.IsRunning(ctx, containerID)
		if err == nil && !running {
			log.Warn().Str("container_id", containerID).Msg("Pool container stopped during startup")
			return false
		}

		result, err := m.client.Exec(ctx, containerID, argv, nil)
		if err == nil && result.Success() {
			return true
		}
		if err != nil {
			log.Debug().Err(err).Str("dialect", dialect.Name()).Msg("Pool not ready yet")
		}

		select {
		case <-ctx.Done():
			return false
		case <-time.After(poolReadyInterval):
		}
	}
	return false
}

// Archive dumps an instance to object storage, marks it archived and
// drops its database from the pool. Without a backup store, or for
// dialects whose image ships no dump tool, it degrades to Destroy.
func (m *Manager) Archive(ctx context.Context, id string) error {
	stored, err := m.store.GetInstance(id)
	if err != nil {
		return apperr.Wrap(apperr.Storage, "Failed to read instance metadata", err)
	}
	if stored == nil {
		return apperr.New(apperr.DbNotFound, "Database instance not found")
	}

	dialect, err := GetDialect(stored.Dialect)
	if err != nil {
		return err
	}

	if m.backups == nil || !dialect.SupportsBackup() {
		log.Info().
			Str("db_id", id).
			Str("dialect", stored.Dialect).
			Msg("Backup unavailable, destroying instead of archiving")
		return m.Destroy(ctx, id)
	}

	pool, err := m.store.GetPool(stored.Dialect)
	if err != nil {
		return apperr.Wrap(apperr.Storage, "Failed to read pool record", err)
	}
	if pool == nil {
		return apperr.New(apperr.Internal, "Internal server error: no pool record for dialect "+stored.Dialect)
	}

	log.Info().Str("db_id", id).Str("db_name", stored.DbName).Msg("Archiving instance")

	argv, env := dialect.DumpArgv(stored.DbName, stored.DbUser, stored.DbPassword)
	result, err := m.client.Exec(ctx, pool.ContainerID, argv, env)
	if err != nil || !result.Success() {
		// No dump means nothing to keep; reclaim the pool space anyway.
		log.Warn().Str("db_id", id).Msg("Dump failed, destroying instance")
		if derr := m.Destroy(ctx, id); derr != nil {
			log.Warn().Err(derr).Str("db_id", id).Msg("Failed to destroy instance after failed dump")
		}
		if err != nil {
			return apperr.Wrap(apperr.BackupFailed, "Backup failed", err)
		}
		return apperr.Wrap(apperr.BackupFailed, "Backup failed", fmt.Errorf("dump: %s: %s", exitString(result), strings.TrimSpace(result.Stderr)))
	}

	key, size, err := m.backups.Upload(ctx, id, []byte(result.Stdout))
	if err != nil {
		return apperr.Wrap(apperr.BackupFailed, "Backup failed", err)
	}

	if err := m.store.MarkArchived(id, key, size); err != nil {
		return apperr.Wrap(apperr.Storage, "Failed to mark instance archived", err)
	}
	m.evictCache(id)

	// A re-archived instance leaves its previous dump unreachable once the
	// record points at the new key; reclaim the object.
	if prev := stored.BackupKey; prev != "" && prev != key {
		if err := m.backups.Delete(ctx, prev); err != nil {
			log.Warn().Err(err).Str("backup_key", prev).Msg("Failed to delete superseded backup")
		}
	}

	// Reclaim the pool space; the metadata row and the backup object stay.
	m.dropInstanceObjects(ctx, dialect, pool, stored)

	log.Info().
		Str("db_id", id).
		Str("backup_key", key).
		Int64("size_bytes", size).
		Msg("Instance archived")
	return nil
}

// restore brings an archived instance back under its original identity.
// The restoring status both serializes concurrent attempts and marks rows
// for crash repair at the next startup.
func (m *Manager) restore(ctx context.Context, stored *storage.Instance) (*storage.Instance, error) {
	if m.backups == nil {
		return nil, apperr.New(apperr.Internal, "Internal server error: backup store not configured")
	}
	if stored.BackupKey == "" {
		return nil, apperr.New(apperr.BackupNotFound, "Backup not found")
	}

	dialect, err := GetDialect(stored.Dialect)
	if err != nil {
		return nil, err
	}

	if err := m.store.MarkRestoring(stored.DbID); err != nil {
		switch {
		case errors.Is(err, storage.ErrConflict):
			// Some other request beat us to the transition. If it
			// already finished, adopt its result.
			if inst := m.raceWinner(stored.DbID); inst != nil {
				return inst, nil
			}
			return nil, apperr.New(apperr.RestoreInProgress, "Restore already in progress")
		case errors.Is(err, storage.ErrNotFound):
			return nil, apperr.New(apperr.DbNotFound, "Database instance not found")
		default:
			return nil, apperr.Wrap(apperr.Storage, "Failed to mark instance restoring", err)
		}
	}

	log.Info().
		Str("db_id", stored.DbID).
		Str("backup_key", stored.BackupKey).
		Msg("Restoring instance from backup")

	inst, err := m.restoreInto(ctx, dialect, stored)
	if err != nil {
		if derr := m.store.UpdateStatus(stored.DbID, storage.StatusArchived); derr != nil {
			log.Warn().Err(derr).Str("db_id", stored.DbID).Msg("Failed to demote instance back to archived")
		}
		return nil, err
	}
	return inst, nil
}

func (m *Manager) restoreInto(ctx context.Context, dialect Dialect, stored *storage.Instance) (*storage.Instance, error) {
	pool, err := m.ensurePool(ctx, dialect)
	if err != nil {
		return nil, err
	}

	if err := m.execDDL(ctx, dialect, pool, dialect.CreateDatabaseSQL(stored.DbName)); err != nil {
		return nil, apperr.Wrap(apperr.RestoreFailed, "Restore failed", err)
	}
	if err := m.execDDL(ctx, dialect, pool, dialect.CreateUserSQL(stored.DbUser, stored.DbPassword, stored.DbName)); err != nil {
		if dropErr := m.execDDL(ctx, dialect, pool, dialect.DropDatabaseSQL(stored.DbName)); dropErr != nil {
			log.Warn().Err(dropErr).Str("db_id", stored.DbID).Msg("Failed to roll back database after user creation failure")
		}
		return nil, apperr.Wrap(apperr.RestoreFailed, "Restore failed", err)
	}

	dump, err := m.backups.Download(ctx, stored.BackupKey)
	if err != nil {
		m.dropInstanceObjects(ctx, dialect, pool, stored)
		var appErr *apperr.Error
		if errors.As(err, &appErr) {
			return nil, err
		}
		return nil, apperr.Wrap(apperr.RestoreFailed, "Restore failed", err)
	}

	argv, env := dialect.RestoreArgv(stored.DbName, stored.DbUser, stored.DbPassword)
	result, err := m.client.ExecWithStdin(ctx, pool.ContainerID, argv, env, dump)
	if err != nil || !result.Success() {
		m.dropInstanceObjects(ctx, dialect, pool, stored)
		if err != nil {
			return nil, apperr.Wrap(apperr.RestoreFailed, "Restore failed", err)
		}
		return nil, apperr.Wrap(apperr.RestoreFailed, "Restore failed", fmt.Errorf("replay: %s: %s", exitString(result), strings.TrimSpace(result.Stderr)))
	}

	if err := m.store.MarkActive(stored.DbID, pool.ContainerID, pool.HostPort); err != nil {
		return nil, apperr.Wrap(apperr.Storage, "Failed to mark instance active", err)
	}

	inst, err := m.store.GetInstance(stored.DbID)
	if err != nil || inst == nil {
		return nil, apperr.Wrap(apperr.Storage, "Failed to re-read restored instance", err)
	}

	m.putCache(inst)
	log.Info().
		Str("db_id", inst.DbID).
		Str("dialect", inst.Dialect).
		Msg("Instance restored")
	return inst, nil
}

// Destroy drops the instance's database and user from the pool and
// deletes its metadata row. Backup objects are never deleted; an archived
// dump outlives its instance.
func (m *Manager) Destroy(ctx context.Context, id string) error {
	stored, err := m.store.GetInstance(id)
	if err != nil {
		return apperr.Wrap(apperr.Storage, "Failed to read instance metadata", err)
	}
	if stored == nil {
		return apperr.New(apperr.DbNotFound, "Database instance not found")
	}

	m.evictCache(id)

	if dialect, err := GetDialect(stored.Dialect); err == nil {
		pool, perr := m.store.GetPool(stored.Dialect)
		if perr == nil && pool != nil {
			m.dropInstanceObjects(ctx, dialect, pool, stored)
		}
	}

	if err := m.store.DeleteInstance(id); err != nil && !errors.Is(err, storage.ErrNotFound) {
		return apperr.Wrap(apperr.Storage, "Failed to delete instance", err)
	}

	log.Info().Str("db_id", id).Msg("Instance destroyed")
	return nil
}

// SweepExpired archives every active instance idle past the inactivity
// timeout. Instances that cannot be archived are destroyed so the pool
// does not fill with abandoned databases.
func (m *Manager) SweepExpired(ctx context.Context) {
	expired := m.store.GetExpiredInstances(m.inactivityTimeout)
	for _, inst := range expired {
		log.Info().
			Str("db_id", inst.DbID).
			Time("last_activity", inst.LastActivity).
			Msg("Instance idle past timeout, archiving")
		if err := m.Archive(ctx, inst.DbID); err != nil {
			log.Warn().Err(err).Str("db_id", inst.DbID).Msg("Archive failed, destroying")
			if derr := m.Destroy(ctx, inst.DbID); derr != nil && !apperr.IsKind(derr, apperr.DbNotFound) {
				log.Warn().Err(derr).Str("db_id", inst.DbID).Msg("Failed to destroy expired instance")
			}
		}
	}
}

// Recover reconciles metadata with whatever containers actually survived
// a restart. Pool records without a running container are dropped, orphan
// pool containers are destroyed (their root password died with the old
// process), active instances are re-cached against the surviving pools
// and rows stuck in restoring are repaired. Returns the number of
// instances restored to the cache.
func (m *Manager) Recover(ctx context.Context) (int, error) {
	livePools := make(map[string]*storage.Pool)
	for _, pool := range m.store.ListPools() {
		running, err := m.client.IsRunning(ctx, pool.ContainerID)
		if err != nil && !errors.Is(err, runtime.ErrNotFound) {
			return 0, apperr.Wrap(apperr.DockerError, "Docker error", err)
		}
		if !running {
			log.Warn().
				Str("dialect", pool.Dialect).
				Str("container_id", pool.ContainerID).
				Msg("Recorded pool container not running, dropping record")
			if err := m.store.DeletePool(pool.Dialect); err != nil {
				log.Warn().Err(err).Str("dialect", pool.Dialect).Msg("Failed to delete stale pool record")
			}
			continue
		}
		livePools[pool.Dialect] = pool
	}

	containers, err := m.client.ListPoolContainers(ctx)
	if err != nil {
		return 0, apperr.Wrap(apperr.DockerError, "Docker error", err)
	}
	for _, ctr := range containers {
		if pool, ok := livePools[ctr.Dialect]; ok && pool.ContainerID == ctr.ID {
			continue
		}
		log.Warn().
			Str("dialect", ctr.Dialect).
			Str("container_id", ctr.ID).
			Msg("Destroying pool container without a usable record")
		if err := m.client.DestroyContainer(ctx, ctr.ID); err != nil {
			log.Warn().Err(err).Str("container_id", ctr.ID).Msg("Failed to destroy orphan pool container")
		}
	}

	legacy, err := m.client.ListLegacyContainers(ctx)
	if err != nil {
		log.Warn().Err(err).Msg("Failed to list legacy containers")
	}
	for _, containerID := range legacy {
		log.Info().Str("container_id", containerID).Msg("Destroying legacy per-instance container")
		if err := m.client.DestroyContainer(ctx, containerID); err != nil {
			log.Warn().Err(err).Str("container_id", containerID).Msg("Failed to destroy legacy container")
		}
	}

	recovered := 0
	for _, inst := range m.store.ListInstances() {
		switch inst.Status {
		case storage.StatusActive:
			pool, ok := livePools[inst.Dialect]
			if !ok {
				// The pool died and the data with it.
				if m.backupExists(ctx, inst.BackupKey) {
					log.Info().Str("db_id", inst.DbID).Msg("Pool lost, demoting instance to archived")
					if err := m.store.MarkArchived(inst.DbID, inst.BackupKey, inst.BackupSizeBytes); err != nil {
						log.Warn().Err(err).Str("db_id", inst.DbID).Msg("Failed to demote instance")
					}
				} else {
					log.Info().Str("db_id", inst.DbID).Msg("Pool lost and no backup exists, deleting instance")
					if err := m.store.DeleteInstance(inst.DbID); err != nil {
						log.Warn().Err(err).Str("db_id", inst.DbID).Msg("Failed to delete instance")
					}
				}
				continue
			}

			if inst.ContainerID != pool.ContainerID || inst.HostPort != pool.HostPort {
				if err := m.store.MarkActive(inst.DbID, pool.ContainerID, pool.HostPort); err != nil {
					log.Warn().Err(err).Str("db_id", inst.DbID).Msg("Failed to re-point instance at pool")
					continue
				}
				inst.ContainerID = pool.ContainerID
				inst.HostPort = pool.HostPort
			}
			m.putCache(inst)
			recovered++

		case storage.StatusRestoring:
			// The process died mid-restore. The dump is still in object
			// storage, so the row goes back to archived; without a dump
			// there is nothing left to restore.
			if m.backupExists(ctx, inst.BackupKey) {
				log.Warn().Str("db_id", inst.DbID).Msg("Repairing instance stuck in restoring state")
				if err := m.store.UpdateStatus(inst.DbID, storage.StatusArchived); err != nil {
					log.Warn().Err(err).Str("db_id", inst.DbID).Msg("Failed to repair restoring instance")
				}
			} else {
				log.Warn().Str("db_id", inst.DbID).Msg("Instance stuck in restoring with no backup, deleting")
				if err := m.store.DeleteInstance(inst.DbID); err != nil {
					log.Warn().Err(err).Str("db_id", inst.DbID).Msg("Failed to delete unrepairable instance")
				}
			}
		}
	}

	log.Info().Int("recovered", recovered).Msg("Startup reconciliation complete")
	return recovered, nil
}

// backupExists verifies the blob behind a claimed backup key. A missing
// store or a failed check falls back to trusting the metadata claim;
// only a definitive not-found answer is allowed to cost an instance its
// archived row.
func (m *Manager) backupExists(ctx context.Context, key string) bool {
	if key == "" {
		return false
	}
	if m.backups == nil {
		return true
	}
	ok, err := m.backups.Exists(ctx, key)
	if err != nil {
		log.Warn().Err(err).Str("backup_key", key).Msg("Failed to check backup object, assuming present")
		return true
	}
	return ok
}

// execDDL runs one statement as the pool's root principal and folds a
// non-zero exit into the error.
func (m *Manager) execDDL(ctx context.Context, dialect Dialect, pool *storage.Pool, sql string) error {
	result, err := m.client.Exec(ctx, pool.ContainerID, dialect.ExecSQL(pool.RootPassword, sql), nil)
	if err != nil {
		return err
	}
	if !result.Success() {
		return fmt.Errorf("%s: %s", exitString(result), strings.TrimSpace(result.Stderr))
	}
	return nil
}

// dropInstanceObjects removes an instance's user and database from the
// pool. Both drops are idempotent and best effort; leftovers only cost
// pool disk space.
func (m *Manager) dropInstanceObjects(ctx context.Context, dialect Dialect, pool *storage.Pool, inst *storage.Instance) {
	for _, ddl := range []string{dialect.DropUserSQL(inst.DbUser), dialect.DropDatabaseSQL(inst.DbName)} {
		if err := m.execDDL(ctx, dialect, pool, ddl); err != nil {
			log.Warn().Err(err).Str("db_id", inst.DbID).Msg("Cleanup DDL failed")
		}
	}
}

func (m *Manager) cached(id string) *storage.Instance {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.cache[id]
}

func (m *Manager) putCache(inst *storage.Instance) {
	m.mu.Lock()
	m.cache[inst.DbID] = inst
	m.mu.Unlock()
}

func (m *Manager) evictCache(id string) {
	m.mu.Lock()
	delete(m.cache, id)
	m.mu.Unlock()
}

// credentialNames derives the database and user names from the instance
// id. Hex-only names are safe to splice into DDL unquoted.
func credentialNames(id string) (dbName, dbUser string) {
	hexID := strings.ReplaceAll(id, "-", "")
	user := hexID
	if len(user) > 8 {
		user = user[:8]
	}
	return "db_" + hexID, "user_" + user
}

// generatePassword returns a password satisfying every engine's
// complexity rules: upper, lower, digit and symbol.
func generatePassword() string {
	return "Pwd" + strings.ReplaceAll(uuid.New().String(), "-", "") + "!@#"
}

func exitString(result *runtime.ExecResult) string {
	if result.ExitCode == nil {
		return "no exit code"
	}
	return fmt.Sprintf("exit code %d", *result.ExitCode)
}
