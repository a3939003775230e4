package instancectl

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/kiloclaw/sandboxd/internal/store"
	"github.com/kiloclaw/sandboxd/pkg/flyclient"
)

// TestSelectRecoveryCandidateTotality covers the literal §8 property: nil
// iff every machine is destroyed/destroying.
func TestSelectRecoveryCandidateTotality(t *testing.T) {
	tests := []struct {
		name     string
		machines []flyclient.Machine
		wantNil  bool
	}{
		{"empty list", nil, true},
		{"all destroyed", []flyclient.Machine{{ID: "a", State: "destroyed"}, {ID: "b", State: "destroying"}}, true},
		{"one live", []flyclient.Machine{{ID: "a", State: "destroyed"}, {ID: "b", State: "stopped"}}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := selectRecoveryCandidate(tt.machines)
			if (got == nil) != tt.wantNil {
				t.Errorf("selectRecoveryCandidate() = %v, want nil=%v", got, tt.wantNil)
			}
		})
	}
}

func TestSelectRecoveryCandidatePrefersHigherPriorityState(t *testing.T) {
	machines := []flyclient.Machine{
		{ID: "a", State: "stopped", UpdatedAt: "2026-01-01T00:00:00Z"},
		{ID: "b", State: "started", UpdatedAt: "2025-01-01T00:00:00Z"},
		{ID: "c", State: "created", UpdatedAt: "2026-06-01T00:00:00Z"},
	}
	got := selectRecoveryCandidate(machines)
	if got == nil || got.ID != "b" {
		t.Errorf("selectRecoveryCandidate() = %+v, want machine b (started beats newer stopped/created)", got)
	}
}

func TestSelectRecoveryCandidateTieBreaksByNewestUpdatedAt(t *testing.T) {
	machines := []flyclient.Machine{
		{ID: "a", State: "stopped", UpdatedAt: "2026-01-01T00:00:00Z"},
		{ID: "b", State: "stopped", UpdatedAt: "2026-06-01T00:00:00Z"},
	}
	got := selectRecoveryCandidate(machines)
	if got == nil || got.ID != "b" {
		t.Errorf("selectRecoveryCandidate() = %+v, want machine b (newest updated_at wins tie)", got)
	}
}

// TestRecoverMetadataCooldownSkipsRepeatedListCalls exercises the
// metadataCandidates LRU as a load-bearing gate: two alarm ticks for the
// same user inside the cooldown window must hit list_machines at most once.
func TestRecoverMetadataCooldownSkipsRepeatedListCalls(t *testing.T) {
	var listCalls int32
	fly := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if r.Method == http.MethodGet {
			atomic.AddInt32(&listCalls, 1)
		}
		w.WriteHeader(http.StatusOK)
		_ = json.NewEncoder(w).Encode([]flyclient.Machine{})
	}))
	defer fly.Close()

	ctrl, st := newIntegrationController(t, fly.URL)
	ctx := context.Background()
	userID := "user-cooldown-" + t.Name()

	rec := store.InstanceRecord{UserID: userID, SandboxID: "sandbox-cooldown", Status: store.StatusProvisioned}
	if err := st.PutInstance(ctx, userID, rec); err != nil {
		t.Fatalf("seeding instance record: %v", err)
	}

	fc := ctrl.cfg.NewFlyClient(rec.FlyAppName)

	if err := ctrl.recoverMetadata(ctx, userID, fc, &rec); err != nil {
		t.Fatalf("recoverMetadata (first): %v", err)
	}
	if got := atomic.LoadInt32(&listCalls); got != 1 {
		t.Fatalf("list_machines calls after first recovery = %d, want 1", got)
	}

	if err := ctrl.recoverMetadata(ctx, userID, fc, &rec); err != nil {
		t.Fatalf("recoverMetadata (second, within cooldown): %v", err)
	}
	if got := atomic.LoadInt32(&listCalls); got != 1 {
		t.Errorf("list_machines calls after second recovery within cooldown = %d, want still 1 (LRU should have gated the call)", got)
	}
}

func TestCountLive(t *testing.T) {
	machines := []flyclient.Machine{
		{State: "started"},
		{State: "destroyed"},
		{State: "stopped"},
		{State: "destroying"},
	}
	if got := countLive(machines); got != 2 {
		t.Errorf("countLive() = %d, want 2", got)
	}
}
