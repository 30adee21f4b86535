package database

import (
	"path/filepath"
	"testing"
	"time"

	"flashguard/internal/flash"
)

// newTestDB creates a new in-memory database with schema applied.
func newTestDB(t *testing.T) *SQLiteDatabase {
	t.Helper()

	db, err := NewSQLiteDatabase(":memory:")
	if err != nil {
		t.Fatalf("failed to create database: %v", err)
	}
	t.Cleanup(func() {
		db.Close()
	})
	return db
}

var base = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func newRecord(id, device string, started time.Time) flash.SessionRecord {
	return flash.SessionRecord{
		ID:              id,
		DeviceID:        device,
		FirmwareVersion: "2.1.0",
		FirmwareSHA256:  "9f86d081884c7d659a2feaa0c55ad015a3bf4f1b2b0b822cd15d6c15b0f00a08",
		FirmwareSize:    512 * 1024,
		Stage:           flash.StageQueued,
		StartedAt:       started,
		UpdatedAt:       started,
	}
}

func TestSQLiteDatabase_FindSession(t *testing.T) {
	t.Run("returns nil when session not found", func(t *testing.T) {
		db := newTestDB(t)

		rec, err := db.FindSession("missing")
		if err != nil {
			t.Fatalf("FindSession() error = %v", err)
		}
		if rec != nil {
			t.Errorf("FindSession() = %+v, want nil", rec)
		}
	})

	t.Run("finds created session", func(t *testing.T) {
		db := newTestDB(t)
		want := newRecord("s-1", "kitchen-plug", base)
		if err := db.CreateSession(want); err != nil {
			t.Fatalf("CreateSession() error = %v", err)
		}

		got, err := db.FindSession("s-1")
		if err != nil {
			t.Fatalf("FindSession() error = %v", err)
		}
		if got == nil {
			t.Fatal("FindSession() returned nil")
		}
		if got.DeviceID != want.DeviceID || got.FirmwareVersion != want.FirmwareVersion ||
			got.FirmwareSHA256 != want.FirmwareSHA256 || got.FirmwareSize != want.FirmwareSize {
			t.Errorf("FindSession() = %+v, want %+v", got, want)
		}
		if got.Stage != flash.StageQueued {
			t.Errorf("Stage = %q, want queued", got.Stage)
		}
		if !got.StartedAt.Equal(base) {
			t.Errorf("StartedAt = %v, want %v", got.StartedAt, base)
		}
		if !got.FinishedAt.IsZero() {
			t.Errorf("FinishedAt = %v, want zero for an unfinished session", got.FinishedAt)
		}
	})
}

func TestSQLiteDatabase_CreateSession_Duplicate(t *testing.T) {
	db := newTestDB(t)
	rec := newRecord("s-1", "dev", base)
	if err := db.CreateSession(rec); err != nil {
		t.Fatalf("CreateSession() error = %v", err)
	}
	if err := db.CreateSession(rec); err == nil {
		t.Error("CreateSession() expected error for duplicate id")
	}
}

func TestSQLiteDatabase_Transitions(t *testing.T) {
	db := newTestDB(t)
	if err := db.CreateSession(newRecord("s-1", "dev", base)); err != nil {
		t.Fatalf("CreateSession() error = %v", err)
	}

	stages := []flash.Stage{flash.StageTargetValidating, flash.StagePreflightGates, flash.StageAuthHandshake}
	for i, st := range stages {
		tr := flash.Transition{Stage: st, At: base.Add(time.Duration(i+1) * time.Second)}
		if err := db.AppendTransition("s-1", tr); err != nil {
			t.Fatalf("AppendTransition(%s) error = %v", st, err)
		}
	}

	got, err := db.ListTransitions("s-1")
	if err != nil {
		t.Fatalf("ListTransitions() error = %v", err)
	}
	if len(got) != len(stages) {
		t.Fatalf("ListTransitions() returned %d, want %d", len(got), len(stages))
	}
	for i, tr := range got {
		if tr.Stage != stages[i] {
			t.Errorf("transition %d = %q, want %q", i, tr.Stage, stages[i])
		}
	}

	rec, err := db.FindSession("s-1")
	if err != nil {
		t.Fatalf("FindSession() error = %v", err)
	}
	if rec.Stage != flash.StageAuthHandshake {
		t.Errorf("Stage = %q, want current stage to follow transitions", rec.Stage)
	}
	if !rec.UpdatedAt.Equal(base.Add(3 * time.Second)) {
		t.Errorf("UpdatedAt = %v", rec.UpdatedAt)
	}

	if err := db.AppendTransition("no-such", flash.Transition{Stage: flash.StageFailed, At: base}); err == nil {
		t.Error("AppendTransition() for an unknown session should fail")
	}
}

func TestSQLiteDatabase_FinishSession(t *testing.T) {
	db := newTestDB(t)
	rec := newRecord("s-1", "dev", base)
	if err := db.CreateSession(rec); err != nil {
		t.Fatalf("CreateSession() error = %v", err)
	}

	done := base.Add(2 * time.Minute)
	rec.Stage = flash.StageRollbackSuspected
	rec.FailedStage = flash.StageApplying
	rec.Outcome = "rollback_suspected:no_reappearance"
	rec.Reason = "no reappearance within 1m30s"
	rec.UpdatedAt, rec.FinishedAt = done, done
	if err := db.FinishSession(rec); err != nil {
		t.Fatalf("FinishSession() error = %v", err)
	}

	got, err := db.FindSession("s-1")
	if err != nil {
		t.Fatalf("FindSession() error = %v", err)
	}
	if got.Stage != flash.StageRollbackSuspected || got.FailedStage != flash.StageApplying {
		t.Errorf("stages = %q/%q", got.Stage, got.FailedStage)
	}
	if got.RollbackCause() != flash.CauseNoReappearance {
		t.Errorf("RollbackCause() = %q", got.RollbackCause())
	}
	if got.Reason != rec.Reason || !got.FinishedAt.Equal(done) {
		t.Errorf("FindSession() = %+v", got)
	}

	if err := db.FinishSession(newRecord("missing", "dev", base)); err == nil {
		t.Error("FinishSession() for an unknown session should fail")
	}
}

func TestSQLiteDatabase_ListSessions(t *testing.T) {
	db := newTestDB(t)
	for i, dev := range []string{"a", "b", "a", "c"} {
		rec := newRecord(string(rune('1'+i)), dev, base.Add(time.Duration(i)*time.Minute))
		if err := db.CreateSession(rec); err != nil {
			t.Fatalf("CreateSession() error = %v", err)
		}
	}

	all, err := db.ListSessions(0)
	if err != nil {
		t.Fatalf("ListSessions() error = %v", err)
	}
	if len(all) != 4 || all[0].ID != "4" || all[3].ID != "1" {
		t.Errorf("ListSessions(0) = %v, want all four newest first", ids(all))
	}

	two, err := db.ListSessions(2)
	if err != nil {
		t.Fatalf("ListSessions() error = %v", err)
	}
	if len(two) != 2 || two[0].ID != "4" || two[1].ID != "3" {
		t.Errorf("ListSessions(2) = %v", ids(two))
	}

	latest, err := db.LatestSessionForDevice("a")
	if err != nil {
		t.Fatalf("LatestSessionForDevice() error = %v", err)
	}
	if latest == nil || latest.ID != "3" {
		t.Errorf("LatestSessionForDevice(a) = %+v, want session 3", latest)
	}

	none, err := db.LatestSessionForDevice("zzz")
	if err != nil || none != nil {
		t.Errorf("LatestSessionForDevice(zzz) = %+v, %v; want nil, nil", none, err)
	}
}

func TestSQLiteDatabase_DeleteFinishedBefore(t *testing.T) {
	db := newTestDB(t)

	old := newRecord("old", "dev", base)
	recent := newRecord("recent", "dev", base.Add(time.Hour))
	running := newRecord("running", "dev", base)
	for _, r := range []flash.SessionRecord{old, recent, running} {
		if err := db.CreateSession(r); err != nil {
			t.Fatalf("CreateSession() error = %v", err)
		}
	}
	if err := db.AppendTransition("old", flash.Transition{Stage: flash.StageSucceeded, At: base.Add(time.Minute)}); err != nil {
		t.Fatalf("AppendTransition() error = %v", err)
	}
	for _, r := range []flash.SessionRecord{old, recent} {
		r.Stage = flash.StageSucceeded
		r.Outcome = string(flash.StageSucceeded)
		r.UpdatedAt = r.StartedAt.Add(time.Minute)
		r.FinishedAt = r.UpdatedAt
		if err := db.FinishSession(r); err != nil {
			t.Fatalf("FinishSession() error = %v", err)
		}
	}

	n, err := db.DeleteFinishedBefore(base.Add(30 * time.Minute))
	if err != nil {
		t.Fatalf("DeleteFinishedBefore() error = %v", err)
	}
	if n != 1 {
		t.Errorf("DeleteFinishedBefore() = %d, want 1", n)
	}
	if rec, _ := db.FindSession("old"); rec != nil {
		t.Error("old session still present")
	}
	if trs, _ := db.ListTransitions("old"); len(trs) != 0 {
		t.Error("transitions of deleted session still present")
	}
	if rec, _ := db.FindSession("running"); rec == nil {
		t.Error("unfinished session must never be deleted")
	}
}

func TestSQLiteDatabase_BackupTo(t *testing.T) {
	db := newTestDB(t)
	if err := db.CreateSession(newRecord("s-1", "dev", base)); err != nil {
		t.Fatalf("CreateSession() error = %v", err)
	}

	dest := filepath.Join(t.TempDir(), "backup.db")
	if err := db.BackupTo(dest); err != nil {
		t.Fatalf("BackupTo() error = %v", err)
	}

	copied, err := NewSQLiteDatabase(dest)
	if err != nil {
		t.Fatalf("opening backup: %v", err)
	}
	defer copied.Close()

	rec, err := copied.FindSession("s-1")
	if err != nil || rec == nil {
		t.Errorf("backup FindSession() = %+v, %v", rec, err)
	}
}

func TestSQLiteDatabase_CheckMigrations(t *testing.T) {
	db := newTestDB(t)
	if err := db.CheckMigrations(); err != nil {
		t.Errorf("CheckMigrations() error = %v", err)
	}
}

func ids(recs []flash.SessionRecord) []string {
	out := make([]string, len(recs))
	for i, r := range recs {
		out[i] = r.ID
	}
	return out
}
