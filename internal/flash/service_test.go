package flash_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"flashguard/internal/database"
	"flashguard/internal/flash"
	"flashguard/internal/testutil"
)

type serviceHarness struct {
	*harness
	db      *database.SQLiteDatabase
	service *flash.FlashService
}

func newServiceHarness(t *testing.T, artifacts ...*flash.FirmwareArtifact) *serviceHarness {
	t.Helper()
	h := newHarness(t)
	db := testutil.NewTestDatabase(t)
	h.machine = flash.NewMachine(flash.MachineConfig{
		ApplyTimeout: 90 * time.Second,
		PollInterval: 2 * time.Second,
		AuthRetries:  1,
	}, h.registry, h.devices, h.transport, db, flash.NewNopLogger(), h.clock)

	secrets := testutil.StubSecretStore{"dev-1": testSecret, "dev-2": testSecret}
	svc := flash.NewFlashService(h.registry, h.machine, h.devices,
		testutil.NewStubFirmwareSource(artifacts...), secrets, db, flash.NewNopLogger())
	return &serviceHarness{harness: h, db: db, service: svc}
}

func TestFlashService_FlashPersistsHistory(t *testing.T) {
	art := testutil.NewArtifact(t, "1.1.0", testutil.DefaultFirmwareSize)
	h := newServiceHarness(t, art)
	h.devices.Set(testutil.OnlineDevice("dev-1", "1.0.0", h.clock.Now()))
	h.rebootInto("dev-1", "1.1.0")

	s, o, err := h.service.Flash(context.Background(), flash.FlashRequest{DeviceID: "dev-1", Firmware: "1.1.0"})
	if err != nil {
		t.Fatalf("Flash() error = %v", err)
	}
	if !o.Succeeded() {
		t.Fatalf("outcome = %s (%s), want succeeded", o.Stage, o.Reason)
	}

	rec, err := h.db.FindSession(s.ID())
	if err != nil || rec == nil {
		t.Fatalf("FindSession() = %v, %v", rec, err)
	}
	if rec.Stage != flash.StageSucceeded || rec.Outcome != string(flash.StageSucceeded) || rec.FinishedAt.IsZero() {
		t.Errorf("persisted record = %+v", rec)
	}
	if rec.FirmwareSHA256 != art.HashHex() || rec.FirmwareSize != art.Size() {
		t.Errorf("persisted artifact = %s/%d", rec.FirmwareSHA256, rec.FirmwareSize)
	}

	ts, err := h.service.Transitions(s.ID())
	if err != nil {
		t.Fatalf("Transitions() error = %v", err)
	}
	want := stages(s.Transitions())
	got := stages(ts)
	if len(got) == 0 || got[len(got)-1] != flash.StageSucceeded || len(got) > len(want) {
		t.Errorf("persisted transitions %v, in-memory %v", got, want)
	}

	recs, err := h.service.History(10)
	if err != nil || len(recs) != 1 || recs[0].ID != s.ID() {
		t.Errorf("History() = %+v, %v", recs, err)
	}
}

func TestFlashService_StartRejects(t *testing.T) {
	art := testutil.NewArtifact(t, "1.1.0", testutil.DefaultFirmwareSize)

	tests := []struct {
		name    string
		req     flash.FlashRequest
		wantErr error
	}{
		{"unknown firmware", flash.FlashRequest{DeviceID: "dev-1", Firmware: "9.9.9"}, flash.ErrNotFound},
		{"no shared secret", flash.FlashRequest{DeviceID: "dev-3", Firmware: "1.1.0"}, flash.ErrMissingSharedSecret},
		{"missing device id", flash.FlashRequest{Firmware: "1.1.0"}, nil},
		{"missing firmware", flash.FlashRequest{DeviceID: "dev-1"}, nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newServiceHarness(t, art)
			_, err := h.service.Start(context.Background(), tt.req)
			if err == nil {
				t.Fatal("Start() expected error")
			}
			if tt.wantErr != nil && !errors.Is(err, tt.wantErr) {
				t.Errorf("Start() error = %v, want %v", err, tt.wantErr)
			}
			recs, _ := h.db.ListSessions(0)
			if len(recs) != 0 {
				t.Errorf("rejected request left %d session(s) in history", len(recs))
			}
		})
	}
}

func TestFlashService_StatusFallsBackToHistory(t *testing.T) {
	art := testutil.NewArtifact(t, "1.1.0", testutil.DefaultFirmwareSize)
	h := newServiceHarness(t, art)
	h.devices.Set(testutil.OnlineDevice("dev-1", "1.0.0", h.clock.Now()))
	h.rebootInto("dev-1", "1.0.0")

	s, o, err := h.service.Flash(context.Background(), flash.FlashRequest{DeviceID: "dev-1", Firmware: "1.1.0"})
	if err != nil {
		t.Fatalf("Flash() error = %v", err)
	}
	if o.Stage != flash.StageRollbackSuspected {
		t.Fatalf("outcome = %s, want rollback_suspected", o.Stage)
	}

	// A second service over the same history has no in-process sessions.
	other := flash.NewFlashService(flash.NewRegistry(h.clock, testutil.NewStubIDGenerator(), time.Hour),
		h.machine, h.devices, testutil.NewStubFirmwareSource(art), testutil.StubSecretStore{}, h.db, flash.NewNopLogger())

	st, err := other.Status("dev-1")
	if err != nil {
		t.Fatalf("Status() error = %v", err)
	}
	if st.SessionID != s.ID() || !st.Terminal || st.Outcome == nil {
		t.Fatalf("Status() = %+v", st)
	}
	if st.Outcome.RollbackCause != flash.CauseDeviceReverted {
		t.Errorf("RollbackCause = %q, want %q", st.Outcome.RollbackCause, flash.CauseDeviceReverted)
	}

	if _, err := other.Status("dev-2"); !errors.Is(err, flash.ErrNotFound) {
		t.Errorf("Status(unknown) error = %v, want ErrNotFound", err)
	}
	if _, err := other.Transitions("no-such-session"); !errors.Is(err, flash.ErrNotFound) {
		t.Errorf("Transitions(unknown) error = %v, want ErrNotFound", err)
	}
}

func TestFlashService_CheckGates(t *testing.T) {
	small := testutil.NewArtifact(t, "0.0.1", 1024)
	h := newServiceHarness(t, small)
	h.devices.Set(testutil.OnlineDevice("dev-1", "1.0.0", h.clock.Now()))

	res, err := h.service.CheckGates(context.Background(), flash.FlashRequest{DeviceID: "dev-1", Firmware: "0.0.1"})
	if err != nil {
		t.Fatalf("CheckGates() error = %v", err)
	}
	if res.Overall != flash.VerdictFail {
		t.Errorf("Overall = %s, want fail", res.Overall)
	}
	if c, ok := res.Check(flash.GateFirmwareSize); !ok || c.Verdict != flash.VerdictFail {
		t.Errorf("firmware_size check = %+v", c)
	}
	if h.transport.Connects() != 0 {
		t.Error("CheckGates() contacted the device")
	}
	if recs, _ := h.service.History(0); len(recs) != 0 {
		t.Error("CheckGates() admitted a session")
	}

	res, err = h.service.CheckGates(context.Background(), flash.FlashRequest{DeviceID: "ghost", Firmware: "0.0.1"})
	if err != nil {
		t.Fatalf("CheckGates(unknown device) error = %v", err)
	}
	if c, ok := res.Check(flash.GateReachability); !ok || c.Verdict != flash.VerdictFail {
		t.Errorf("reachability for unknown device = %+v", c)
	}
}

func TestFlashService_Cancel(t *testing.T) {
	h := newServiceHarness(t)
	if err := h.service.Cancel("dev-1"); !errors.Is(err, flash.ErrNotFound) {
		t.Errorf("Cancel() without session error = %v, want ErrNotFound", err)
	}
}
