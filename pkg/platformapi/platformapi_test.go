package platformapi

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-chi/chi/v5"
	"github.com/redis/go-redis/v9"

	"github.com/kiloclaw/sandboxd/internal/alarm"
	"github.com/kiloclaw/sandboxd/internal/store"
	"github.com/kiloclaw/sandboxd/pkg/appctl"
	"github.com/kiloclaw/sandboxd/pkg/flyclient"
	"github.com/kiloclaw/sandboxd/pkg/instancectl"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestServer(t *testing.T) *httptest.Server {
	srv, _ := newTestServerWithStore(t)
	return srv
}

func newTestServerWithStore(t *testing.T) (*httptest.Server, *store.Store) {
	t.Helper()

	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("starting miniredis: %v", err)
	}
	t.Cleanup(mr.Close)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	fly := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
	}))
	t.Cleanup(fly.Close)

	logger := testLogger()
	st := store.New(rdb, logger)
	alarms := alarm.New(rdb)
	newFC := func(appName string) *flyclient.Client {
		return flyclient.New(flyclient.Config{APIToken: "tok", AppName: appName}, fly.URL, logger)
	}
	appCtl := appctl.New(st, alarms, newFC, "personal", "dev-", logger)
	instances := instancectl.New(instancectl.Config{
		Store:          st,
		Alarms:         alarms,
		Redis:          rdb,
		AppCtl:         appCtl,
		NewFlyClient:   newFC,
		GatewaySecret:  []byte("gw-secret"),
		DefaultRegions: []string{"iad"},
		MachineImage:   "registry.fly.io/kiloclaw-sandbox:latest",
		Logger:         logger,
	})

	r := chi.NewRouter()
	Mount(r, instances, logger)
	return httptest.NewServer(r), st
}

func doJSON(t *testing.T, method, url string, body any) *http.Response {
	t.Helper()
	var reader io.Reader
	if body != nil {
		buf, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshaling request body: %v", err)
		}
		reader = bytes.NewReader(buf)
	}
	req, err := http.NewRequest(method, url, reader)
	if err != nil {
		t.Fatalf("building request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("executing request: %v", err)
	}
	return resp
}

func TestHandleProvisionReturnsCreatedWithSandboxID(t *testing.T) {
	srv := newTestServer(t)
	defer srv.Close()

	resp := doJSON(t, http.MethodPost, srv.URL+"/provision", map[string]any{
		"userId": "user-1",
		"region": "iad",
	})
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusCreated {
		body, _ := io.ReadAll(resp.Body)
		t.Fatalf("status = %d, want 201; body=%s", resp.StatusCode, body)
	}

	var out provisionResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("decoding response: %v", err)
	}
	if out.SandboxID == "" {
		t.Error("expected a non-empty sandboxId")
	}
}

func TestHandleProvisionRejectsMissingUserID(t *testing.T) {
	srv := newTestServer(t)
	defer srv.Close()

	resp := doJSON(t, http.MethodPost, srv.URL+"/provision", map[string]any{"region": "iad"})
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", resp.StatusCode)
	}
}

func TestHandleStatusRequiresUserIDQueryParam(t *testing.T) {
	srv := newTestServer(t)
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/status")
	if err != nil {
		t.Fatalf("GET /status: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", resp.StatusCode)
	}
}

func TestHandleStatusUnknownUserReturnsEmptyView(t *testing.T) {
	srv := newTestServer(t)
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/status?userId=never-provisioned")
	if err != nil {
		t.Fatalf("GET /status: %v", err)
	}
	defer resp.Body.Close()

	// An unprovisioned user has no instance record yet; GetStatus reports a
	// zero-value view rather than an error (the Platform API caller decides
	// whether an empty status means "call provision first").
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		t.Errorf("status = %d, want 200; body=%s", resp.StatusCode, body)
	}
}

func TestProvisionThenStartThenStatusRoundTrip(t *testing.T) {
	srv := newTestServer(t)
	defer srv.Close()

	provResp := doJSON(t, http.MethodPost, srv.URL+"/provision", map[string]any{"userId": "user-2", "region": "iad"})
	defer provResp.Body.Close()
	if provResp.StatusCode != http.StatusCreated {
		t.Fatalf("provision status = %d, want 201", provResp.StatusCode)
	}

	startResp := doJSON(t, http.MethodPost, srv.URL+"/start", map[string]any{"userId": "user-2"})
	defer startResp.Body.Close()
	if startResp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(startResp.Body)
		t.Fatalf("start status = %d, want 200; body=%s", startResp.StatusCode, body)
	}

	statusResp, err := http.Get(srv.URL + "/status?userId=user-2")
	if err != nil {
		t.Fatalf("GET /status: %v", err)
	}
	defer statusResp.Body.Close()
	if statusResp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", statusResp.StatusCode)
	}
}

func TestHandleStartReturnsConflictWhileDestroying(t *testing.T) {
	srv, st := newTestServerWithStore(t)
	defer srv.Close()

	ctx := context.Background()
	if err := st.PutInstance(ctx, "user-destroying", store.InstanceRecord{
		UserID:    "user-destroying",
		SandboxID: "sandbox-destroying",
		Status:    store.StatusDestroying,
	}); err != nil {
		t.Fatalf("seeding destroying instance record: %v", err)
	}

	resp := doJSON(t, http.MethodPost, srv.URL+"/start", map[string]any{"userId": "user-destroying"})
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusConflict {
		body, _ := io.ReadAll(resp.Body)
		t.Fatalf("status = %d, want 409; body=%s", resp.StatusCode, body)
	}

	var out struct {
		Error string `json:"error"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("decoding response: %v", err)
	}
	if out.Error != "destroying" {
		t.Errorf("error = %q, want %q", out.Error, "destroying")
	}
}

func TestHandleProvisionReturnsConflictWhileDestroying(t *testing.T) {
	srv, st := newTestServerWithStore(t)
	defer srv.Close()

	ctx := context.Background()
	if err := st.PutInstance(ctx, "user-destroying-2", store.InstanceRecord{
		UserID:    "user-destroying-2",
		SandboxID: "sandbox-destroying-2",
		Status:    store.StatusDestroying,
	}); err != nil {
		t.Fatalf("seeding destroying instance record: %v", err)
	}

	resp := doJSON(t, http.MethodPost, srv.URL+"/provision", map[string]any{"userId": "user-destroying-2", "region": "iad"})
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusConflict {
		body, _ := io.ReadAll(resp.Body)
		t.Fatalf("status = %d, want 409; body=%s", resp.StatusCode, body)
	}
}

func TestHandlePairingApproveRejectsInvalidChannel(t *testing.T) {
	srv := newTestServer(t)
	defer srv.Close()

	resp := doJSON(t, http.MethodPost, srv.URL+"/pairing/approve", map[string]any{
		"userId":  "user-3",
		"channel": "Not Valid!",
		"code":    "ABC123",
	})
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusInternalServerError {
		body, _ := io.ReadAll(resp.Body)
		t.Errorf("status = %d, want 500 (controller-level validation error); body=%s", resp.StatusCode, body)
	}
}
