package routes

import (
	"context"
	"encoding/json"
	"io"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/gofiber/fiber/v3"
	"github.com/sirupsen/logrus"

	"github.com/any-hub/offline-hub/internal/offline"
	"github.com/any-hub/offline-hub/internal/server"
)

type fakeService struct {
	mu       sync.Mutex
	added    []offline.AddRequest
	addErr   error
	cancel   map[string]error
	removed  []string
	cached   []string
	inflight []string
}

func (f *fakeService) Enabled() bool { return true }

func (f *fakeService) Add(_ context.Context, req offline.AddRequest) (*offline.Transfer, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.addErr != nil {
		return nil, f.addErr
	}
	f.added = append(f.added, req)
	return &offline.Transfer{Name: req.Name}, nil
}

func (f *fakeService) Cancel(_ context.Context, name string) error {
	return f.cancel[name]
}

func (f *fakeService) Remove(_ context.Context, name string) error {
	f.mu.Lock()
	f.removed = append(f.removed, name)
	f.mu.Unlock()
	return nil
}

func (f *fakeService) Status(_ context.Context, name string) offline.Snapshot {
	return offline.Snapshot{Name: name, Cached: name == "cached"}
}

func (f *fakeService) List(context.Context) ([]string, error) { return f.cached, nil }

func (f *fakeService) InFlight() []string { return f.inflight }

func newTestApp(t *testing.T, svc OfflineService, notify NotifyFunc) *fiber.App {
	t.Helper()
	logger := logrus.New()
	logger.SetOutput(io.Discard)

	app, err := server.NewApp(server.AppOptions{
		Logger: logger,
		Content: server.ContentHandlerFunc(func(c fiber.Ctx) error {
			return c.SendStatus(fiber.StatusTeapot)
		}),
		ListenPort: 5000,
	})
	if err != nil {
		t.Fatalf("failed to create app: %v", err)
	}
	RegisterOfflineRoutes(app, svc, notify, logger)
	return app
}

func TestAddRoutePassesPayload(t *testing.T) {
	svc := &fakeService{}
	app := newTestApp(t, svc, nil)

	body := `{"asset_path":"/static/intro","page_path":"/intro/","assets":["poster.jpg",{"src":"v.mp4","chunk":true}],"drm":{"key_system":"com.widevine.alpha","content_id":"intro"}}`
	req := httptest.NewRequest("POST", "/-/offline/intro", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	resp, err := app.Test(req)
	if err != nil {
		t.Fatalf("app.Test failed: %v", err)
	}
	if resp.StatusCode != fiber.StatusAccepted {
		t.Fatalf("expected 202, got %d", resp.StatusCode)
	}
	if len(svc.added) != 1 {
		t.Fatalf("expected one add, got %d", len(svc.added))
	}
	got := svc.added[0]
	if got.Name != "intro" || got.AssetPath != "/static/intro" || got.PagePath != "/intro/" {
		t.Fatalf("unexpected add request: %+v", got)
	}
	if len(got.Descriptors) != 2 || got.Descriptors[0].Src != "poster.jpg" || !got.Descriptors[1].Chunk {
		t.Fatalf("unexpected descriptors: %+v", got.Descriptors)
	}
	if got.DRM == nil || got.DRM.KeySystem != "com.widevine.alpha" {
		t.Fatalf("expected DRM info, got %+v", got.DRM)
	}
}

func TestAddRouteMapsErrors(t *testing.T) {
	testCases := []struct {
		err    error
		status int
		code   string
	}{
		{offline.ErrInFlight, fiber.StatusConflict, "offline_in_flight"},
		{offline.ErrInvalidName, fiber.StatusBadRequest, "invalid_name"},
	}
	for _, tc := range testCases {
		app := newTestApp(t, &fakeService{addErr: tc.err}, nil)
		resp, err := app.Test(httptest.NewRequest("POST", "/-/offline/intro", nil))
		if err != nil {
			t.Fatalf("app.Test failed: %v", err)
		}
		if resp.StatusCode != tc.status {
			t.Fatalf("expected %d for %v, got %d", tc.status, tc.err, resp.StatusCode)
		}
		body, _ := io.ReadAll(resp.Body)
		if !strings.Contains(string(body), tc.code) {
			t.Fatalf("expected %s in body, got %s", tc.code, body)
		}
	}
}

func TestAddRouteRejectsMalformedPayload(t *testing.T) {
	app := newTestApp(t, &fakeService{}, nil)
	resp, err := app.Test(httptest.NewRequest("POST", "/-/offline/intro", strings.NewReader("{")))
	if err != nil {
		t.Fatalf("app.Test failed: %v", err)
	}
	if resp.StatusCode != fiber.StatusBadRequest {
		t.Fatalf("expected 400, got %d", resp.StatusCode)
	}
}

func TestCancelCompleteReturnsConflict(t *testing.T) {
	svc := &fakeService{cancel: map[string]error{"cached": offline.ErrAlreadyComplete}}
	app := newTestApp(t, svc, nil)

	resp, err := app.Test(httptest.NewRequest("POST", "/-/offline/cached/cancel", nil))
	if err != nil {
		t.Fatalf("app.Test failed: %v", err)
	}
	if resp.StatusCode != fiber.StatusConflict {
		t.Fatalf("expected 409, got %d", resp.StatusCode)
	}

	resp, err = app.Test(httptest.NewRequest("POST", "/-/offline/other/cancel", nil))
	if err != nil {
		t.Fatalf("app.Test failed: %v", err)
	}
	if resp.StatusCode != fiber.StatusAccepted {
		t.Fatalf("expected 202, got %d", resp.StatusCode)
	}
}

func TestStatusListAndRemove(t *testing.T) {
	svc := &fakeService{cached: []string{"outro", "cached"}, inflight: []string{"intro"}}
	app := newTestApp(t, svc, nil)

	resp, err := app.Test(httptest.NewRequest("GET", "/-/offline/cached", nil))
	if err != nil {
		t.Fatalf("app.Test failed: %v", err)
	}
	var snap offline.Snapshot
	if err := json.NewDecoder(resp.Body).Decode(&snap); err != nil {
		t.Fatalf("decode snapshot: %v", err)
	}
	if !snap.Cached || snap.Name != "cached" {
		t.Fatalf("unexpected snapshot: %+v", snap)
	}

	resp, err = app.Test(httptest.NewRequest("GET", "/-/offline", nil))
	if err != nil {
		t.Fatalf("app.Test failed: %v", err)
	}
	var list struct {
		Partitions []string `json:"partitions"`
		InFlight   []string `json:"in_flight"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&list); err != nil {
		t.Fatalf("decode list: %v", err)
	}
	if strings.Join(list.Partitions, ",") != "cached,outro" || strings.Join(list.InFlight, ",") != "intro" {
		t.Fatalf("unexpected list: %+v", list)
	}

	resp, err = app.Test(httptest.NewRequest("DELETE", "/-/offline/cached", nil))
	if err != nil {
		t.Fatalf("app.Test failed: %v", err)
	}
	if resp.StatusCode != fiber.StatusNoContent || len(svc.removed) != 1 {
		t.Fatalf("expected removal, got %d %v", resp.StatusCode, svc.removed)
	}
}

func TestNotifyRoute(t *testing.T) {
	app := newTestApp(t, &fakeService{}, nil)
	resp, err := app.Test(httptest.NewRequest("POST", "/-/offline/notify", strings.NewReader(`{}`)))
	if err != nil {
		t.Fatalf("app.Test failed: %v", err)
	}
	if resp.StatusCode != fiber.StatusNotFound {
		t.Fatalf("expected 404 without background facility, got %d", resp.StatusCode)
	}

	var got []byte
	app = newTestApp(t, &fakeService{}, func(_ context.Context, payload []byte) {
		got = payload
	})
	payload := `{"offline":true,"success":true,"name":"intro"}`
	resp, err = app.Test(httptest.NewRequest("POST", "/-/offline/notify", strings.NewReader(payload)))
	if err != nil {
		t.Fatalf("app.Test failed: %v", err)
	}
	if resp.StatusCode != fiber.StatusAccepted {
		t.Fatalf("expected 202, got %d", resp.StatusCode)
	}
	if string(got) != payload {
		t.Fatalf("unexpected payload forwarded: %s", got)
	}
}

func TestContentRequestsBypassAdminRoutes(t *testing.T) {
	app := newTestApp(t, &fakeService{}, nil)
	resp, err := app.Test(httptest.NewRequest("GET", "/static/intro/poster.jpg", nil))
	if err != nil {
		t.Fatalf("app.Test failed: %v", err)
	}
	if resp.StatusCode != fiber.StatusTeapot {
		t.Fatalf("expected content handler, got %d", resp.StatusCode)
	}
}
