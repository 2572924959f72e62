package storage

import (
	"errors"
	"path/filepath"
	"testing"
	"time"
)

func setupTestStore(t *testing.T) *BoltStore {
	t.Helper()
	store, err := NewBoltStore(filepath.Join(t.TempDir(), "metadata.db"))
	if err != nil {
		t.Fatalf("failed to open store: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func testInstance(id string) *Instance {
	now := time.Now().UTC()
	return &Instance{
		DbID:         id,
		Dialect:      "mysql",
		DbName:       "db_" + id,
		DbUser:       "user_" + id[:4],
		DbPassword:   "Pwd" + id + "!@#",
		Status:       StatusActive,
		ContainerID:  "pool-container-1",
		HostPort:     33061,
		CreatedAt:    now,
		LastActivity: now,
	}
}

func TestInsertAndGetInstance(t *testing.T) {
	store := setupTestStore(t)

	inst := testInstance("aaaa1111")
	if err := store.InsertInstance(inst); err != nil {
		t.Fatalf("InsertInstance: %v", err)
	}

	got, err := store.GetInstance("aaaa1111")
	if err != nil {
		t.Fatalf("GetInstance: %v", err)
	}
	if got == nil {
		t.Fatal("GetInstance returned nil for stored instance")
	}
	if got.DbName != inst.DbName || got.DbUser != inst.DbUser || got.DbPassword != inst.DbPassword {
		t.Errorf("round-trip mismatch: got %+v", got)
	}
	if got.Status != StatusActive {
		t.Errorf("Status = %s, want active", got.Status)
	}
}

func TestGetInstanceMissing(t *testing.T) {
	store := setupTestStore(t)

	got, err := store.GetInstance("nope")
	if err != nil {
		t.Fatalf("GetInstance on missing id should not error, got %v", err)
	}
	if got != nil {
		t.Errorf("GetInstance = %+v, want nil", got)
	}
}

func TestInsertDuplicateFails(t *testing.T) {
	store := setupTestStore(t)

	if err := store.InsertInstance(testInstance("dupe")); err != nil {
		t.Fatalf("first insert: %v", err)
	}
	err := store.InsertInstance(testInstance("dupe"))
	if !errors.Is(err, ErrDuplicate) {
		t.Errorf("second insert error = %v, want ErrDuplicate", err)
	}
}

func TestMarkArchivedClearsPoolPointer(t *testing.T) {
	store := setupTestStore(t)
	store.InsertInstance(testInstance("arch"))

	if err := store.MarkArchived("arch", "backups/arch/20250101_120000.sql.gz", 2048); err != nil {
		t.Fatalf("MarkArchived: %v", err)
	}

	got, _ := store.GetInstance("arch")
	if got.Status != StatusArchived {
		t.Errorf("Status = %s, want archived", got.Status)
	}
	if got.ContainerID != "" || got.HostPort != 0 {
		t.Errorf("pool pointer not cleared: container=%q port=%d", got.ContainerID, got.HostPort)
	}
	if got.ArchivedAt == nil {
		t.Error("ArchivedAt not set")
	}
	if got.BackupKey == "" || got.BackupSizeBytes != 2048 {
		t.Errorf("backup fields: key=%q size=%d", got.BackupKey, got.BackupSizeBytes)
	}
}

func TestMarkActiveRestoresPoolPointer(t *testing.T) {
	store := setupTestStore(t)
	store.InsertInstance(testInstance("rest"))
	store.MarkArchived("rest", "backups/rest/20250101_120000.sql.gz", 1)

	if err := store.MarkActive("rest", "pool-container-2", 33062); err != nil {
		t.Fatalf("MarkActive: %v", err)
	}

	got, _ := store.GetInstance("rest")
	if got.Status != StatusActive {
		t.Errorf("Status = %s, want active", got.Status)
	}
	if got.ContainerID != "pool-container-2" || got.HostPort != 33062 {
		t.Errorf("pool pointer: container=%q port=%d", got.ContainerID, got.HostPort)
	}
	if got.ArchivedAt != nil {
		t.Error("ArchivedAt should be cleared on activation")
	}
	// The backup is kept; restore never deletes the blob.
	if got.BackupKey == "" {
		t.Error("BackupKey should survive reactivation")
	}
}

func TestMarkRestoringRequiresArchived(t *testing.T) {
	store := setupTestStore(t)
	store.InsertInstance(testInstance("cas"))

	// Active instances cannot enter Restoring.
	if err := store.MarkRestoring("cas"); !errors.Is(err, ErrConflict) {
		t.Errorf("MarkRestoring on active = %v, want ErrConflict", err)
	}

	store.MarkArchived("cas", "backups/cas/20250101_120000.sql.gz", 1)
	if err := store.MarkRestoring("cas"); err != nil {
		t.Fatalf("MarkRestoring on archived: %v", err)
	}
	got, _ := store.GetInstance("cas")
	if got.Status != StatusRestoring {
		t.Errorf("Status = %s, want restoring", got.Status)
	}

	// A second transition loses the race.
	if err := store.MarkRestoring("cas"); !errors.Is(err, ErrConflict) {
		t.Errorf("second MarkRestoring = %v, want ErrConflict", err)
	}

	if err := store.MarkRestoring("ghost"); !errors.Is(err, ErrNotFound) {
		t.Errorf("MarkRestoring on missing id = %v, want ErrNotFound", err)
	}
}

func TestTouchActivity(t *testing.T) {
	store := setupTestStore(t)
	inst := testInstance("touch")
	inst.LastActivity = time.Now().UTC().Add(-time.Hour)
	store.InsertInstance(inst)

	if err := store.TouchActivity("touch"); err != nil {
		t.Fatalf("TouchActivity: %v", err)
	}

	got, _ := store.GetInstance("touch")
	if time.Since(got.LastActivity) > time.Minute {
		t.Errorf("LastActivity not bumped: %v", got.LastActivity)
	}

	if err := store.TouchActivity("missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("TouchActivity(missing) = %v, want ErrNotFound", err)
	}
}

func TestDeleteInstance(t *testing.T) {
	store := setupTestStore(t)
	store.InsertInstance(testInstance("gone"))

	if err := store.DeleteInstance("gone"); err != nil {
		t.Fatalf("DeleteInstance: %v", err)
	}
	if got, _ := store.GetInstance("gone"); got != nil {
		t.Error("instance still present after delete")
	}
	if err := store.DeleteInstance("gone"); !errors.Is(err, ErrNotFound) {
		t.Errorf("second delete = %v, want ErrNotFound", err)
	}
}

func TestGetExpiredInstances(t *testing.T) {
	store := setupTestStore(t)

	fresh := testInstance("fresh123")
	store.InsertInstance(fresh)

	stale := testInstance("stale123")
	store.InsertInstance(stale)
	store.updateInstance("stale123", func(i *Instance) {
		i.LastActivity = time.Now().UTC().Add(-2 * time.Hour)
	})

	archived := testInstance("arch1234")
	store.InsertInstance(archived)
	store.MarkArchived("arch1234", "backups/arch1234/x.sql.gz", 1)
	store.updateInstance("arch1234", func(i *Instance) {
		i.LastActivity = time.Now().UTC().Add(-2 * time.Hour)
	})

	expired := store.GetExpiredInstances(time.Hour)
	if len(expired) != 1 {
		t.Fatalf("expired count = %d, want 1", len(expired))
	}
	if expired[0].DbID != "stale123" {
		t.Errorf("expired id = %s, want stale123", expired[0].DbID)
	}
}

func TestListActiveInstances(t *testing.T) {
	store := setupTestStore(t)
	store.InsertInstance(testInstance("a1"))
	store.InsertInstance(testInstance("a2"))
	store.InsertInstance(testInstance("a3"))
	store.MarkArchived("a3", "backups/a3/x.sql.gz", 1)

	active := store.ListActiveInstances()
	if len(active) != 2 {
		t.Errorf("active count = %d, want 2", len(active))
	}
	if all := store.ListInstances(); len(all) != 3 {
		t.Errorf("total count = %d, want 3", len(all))
	}
}

func TestPoolLifecycle(t *testing.T) {
	store := setupTestStore(t)

	pool := &Pool{
		Dialect:      "mysql",
		ContainerID:  "abc123",
		HostPort:     49213,
		RootPassword: "Pwdroot!@#",
		CreatedAt:    time.Now().UTC(),
		Status:       "running",
	}
	if err := store.UpsertPool(pool); err != nil {
		t.Fatalf("UpsertPool: %v", err)
	}

	got, err := store.GetPool("mysql")
	if err != nil || got == nil {
		t.Fatalf("GetPool: %v, %v", got, err)
	}
	if got.ContainerID != "abc123" || got.RootPassword != "Pwdroot!@#" {
		t.Errorf("pool round-trip: %+v", got)
	}

	// Upsert replaces.
	pool.ContainerID = "def456"
	store.UpsertPool(pool)
	got, _ = store.GetPool("mysql")
	if got.ContainerID != "def456" {
		t.Errorf("upsert did not replace: %s", got.ContainerID)
	}
	if pools := store.ListPools(); len(pools) != 1 {
		t.Errorf("pool count = %d, want 1 (upsert must not duplicate)", len(pools))
	}

	if err := store.DeletePool("mysql"); err != nil {
		t.Fatalf("DeletePool: %v", err)
	}
	if got, _ := store.GetPool("mysql"); got != nil {
		t.Error("pool still present after delete")
	}
	// Deleting a missing pool is fine; reconciliation does it blindly.
	if err := store.DeletePool("mysql"); err != nil {
		t.Errorf("DeletePool(missing) = %v, want nil", err)
	}
}

func TestPersistenceAcrossReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "metadata.db")

	store, err := NewBoltStore(path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	store.InsertInstance(testInstance("durable1"))
	store.UpsertPool(&Pool{Dialect: "sqlserver", ContainerID: "c1", HostPort: 1, RootPassword: "x"})
	if err := store.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	reopened, err := NewBoltStore(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer reopened.Close()

	if got, _ := reopened.GetInstance("durable1"); got == nil {
		t.Error("instance lost across reopen")
	}
	if got, _ := reopened.GetPool("sqlserver"); got == nil {
		t.Error("pool lost across reopen")
	}
}
