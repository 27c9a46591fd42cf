package rbac

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"

	"github.com/sentinel-iam/sentinel/internal/shared"
)

func newTestRouter(t *testing.T, store *stubStore, cache *spyCache, actorID string) http.Handler {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	svc := NewService(store, cache, nil, nil, logger)
	handler := NewHandler(logger, svc, Middleware{Service: svc, Logger: logger}, nil)

	r := chi.NewRouter()
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			sess := &shared.Session{}
			sess.SetUser(actorID)
			next.ServeHTTP(w, req.WithContext(shared.ContextWithSession(req.Context(), sess)))
		})
	})
	handler.MountRoutes(r)
	return r
}

func grantAll(cache *spyCache, userID int64) {
	cache.userSets[userID] = shared.CoreScopes()
}

func TestListRolesAuthorized(t *testing.T) {
	store := serviceFixture()
	cache := newSpyCache()
	grantAll(cache, 1)
	router := newTestRouter(t, store, cache, "1")

	req := httptest.NewRequest(http.MethodGet, "/roles/", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var body struct {
		Roles []roleResponse `json:"roles"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(body.Roles) != 1 || body.Roles[0].Name != "admin" {
		t.Fatalf("unexpected roles: %+v", body.Roles)
	}
}

func TestListRolesForbiddenWithoutPermission(t *testing.T) {
	store := serviceFixture()
	cache := newSpyCache()
	cache.userSets[1] = []string{"reports.view"}
	router := newTestRouter(t, store, cache, "1")

	req := httptest.NewRequest(http.MethodGet, "/roles/", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403, got %d", rec.Code)
	}
}

func TestCreateRoleValidation(t *testing.T) {
	store := serviceFixture()
	cache := newSpyCache()
	grantAll(cache, 1)
	router := newTestRouter(t, store, cache, "1")

	req := httptest.NewRequest(http.MethodPost, "/roles/", strings.NewReader(`{"name":"x"}`))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for short name, got %d", rec.Code)
	}
}

func TestCreateRoleCreated(t *testing.T) {
	store := serviceFixture()
	cache := newSpyCache()
	grantAll(cache, 1)
	router := newTestRouter(t, store, cache, "1")

	req := httptest.NewRequest(http.MethodPost, "/roles/", strings.NewReader(`{"name":"auditor","description":"read only"}`))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rec.Code, rec.Body.String())
	}
	var created roleResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &created); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if created.Name != "auditor" {
		t.Fatalf("unexpected role: %+v", created)
	}
}

func TestGetRoleNotFound(t *testing.T) {
	store := serviceFixture()
	cache := newSpyCache()
	grantAll(cache, 1)
	router := newTestRouter(t, store, cache, "1")

	req := httptest.NewRequest(http.MethodGet, "/roles/99", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
}

func TestCheckPermissionEndpoint(t *testing.T) {
	store := serviceFixture()
	cache := newSpyCache()
	grantAll(cache, 1)
	router := newTestRouter(t, store, cache, "1")

	req := httptest.NewRequest(http.MethodPost, "/authz/check", strings.NewReader(`{"user_id":1,"permission":"users.create"}`))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var resp checkResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !resp.Granted {
		t.Fatalf("expected grant, got %+v", resp)
	}
	if resp.Source != string(SourceInheritance) {
		t.Fatalf("expected inheritance source, got %s", resp.Source)
	}
	if resp.Parent != "users.manage" {
		t.Fatalf("expected parent users.manage, got %q", resp.Parent)
	}
}

func TestCheckPermissionRequiresSubject(t *testing.T) {
	store := serviceFixture()
	cache := newSpyCache()
	grantAll(cache, 1)
	router := newTestRouter(t, store, cache, "1")

	req := httptest.NewRequest(http.MethodPost, "/authz/check", strings.NewReader(`{"user_id":1}`))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 without permission or resource/action, got %d", rec.Code)
	}
}

func TestUpsertOverrideEndpoint(t *testing.T) {
	store := serviceFixture()
	cache := newSpyCache()
	grantAll(cache, 1)
	router := newTestRouter(t, store, cache, "1")

	body := `{"permission_id":2,"state":"deny","reason":"incident"}`
	req := httptest.NewRequest(http.MethodPut, "/users/1/overrides", strings.NewReader(body))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d: %s", rec.Code, rec.Body.String())
	}
	if len(store.overrides) != 1 || store.overrides[0].State != OverrideDeny {
		t.Fatalf("override not stored: %+v", store.overrides)
	}
	if len(cache.decisionDrops) != 1 || cache.decisionDrops[0] != 1 {
		t.Fatalf("expected decision drop for user 1, got %v", cache.decisionDrops)
	}
}

func TestUpsertOverrideBadState(t *testing.T) {
	store := serviceFixture()
	cache := newSpyCache()
	grantAll(cache, 1)
	router := newTestRouter(t, store, cache, "1")

	body := `{"permission_id":2,"state":"maybe"}`
	req := httptest.NewRequest(http.MethodPut, "/users/1/overrides", strings.NewReader(body))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for unknown state, got %d", rec.Code)
	}
}

func TestCacheEndpointsRequireAdmin(t *testing.T) {
	store := serviceFixture()
	cache := newSpyCache()
	cache.userSets[1] = []string{shared.PermRolesView}
	router := newTestRouter(t, store, cache, "1")

	req := httptest.NewRequest(http.MethodGet, "/cache/stats", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403 without cache.admin, got %d", rec.Code)
	}
}

func TestCacheClearEndpoint(t *testing.T) {
	store := serviceFixture()
	cache := newSpyCache()
	grantAll(cache, 1)
	router := newTestRouter(t, store, cache, "1")

	req := httptest.NewRequest(http.MethodPost, "/cache/clear", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", rec.Code)
	}
	if cache.cleared != 1 {
		t.Fatalf("expected cache cleared once, got %d", cache.cleared)
	}
}

func TestWarmUpEndpoint(t *testing.T) {
	store := serviceFixture()
	cache := newSpyCache()
	grantAll(cache, 1)
	router := newTestRouter(t, store, cache, "1")

	req := httptest.NewRequest(http.MethodPost, "/cache/warmup", strings.NewReader(`{"user_id":3}`))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d", rec.Code)
	}
	if len(cache.warmedUsers) != 1 || cache.warmedUsers[0] != 3 {
		t.Fatalf("expected warm-up for user 3, got %v", cache.warmedUsers)
	}
}

func TestEffectivePermissionsEndpoint(t *testing.T) {
	store := serviceFixture()
	cache := newSpyCache()
	grantAll(cache, 1)
	router := newTestRouter(t, store, cache, "1")

	req := httptest.NewRequest(http.MethodGet, "/users/1/permissions", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var body struct {
		UserID      int64    `json:"user_id"`
		Permissions []string `json:"permissions"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body.UserID != 1 || len(body.Permissions) == 0 {
		t.Fatalf("unexpected body: %+v", body)
	}
}
