package server

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/MarcoPoloResearchLab/retroboard/backend/internal/backup"
	"github.com/MarcoPoloResearchLab/retroboard/backend/internal/kvstore"
	"github.com/MarcoPoloResearchLab/retroboard/backend/internal/meta"
	"github.com/MarcoPoloResearchLab/retroboard/backend/internal/session"
	"github.com/MarcoPoloResearchLab/retroboard/backend/internal/team"
	"github.com/gin-gonic/gin"
)

func newTestHandler(t *testing.T) http.Handler {
	t.Helper()
	gin.SetMode(gin.TestMode)

	kv, err := kvstore.OpenSQLite(filepath.Join(t.TempDir(), "test.db"), nil)
	if err != nil {
		t.Fatalf("failed to open sqlite store: %v", err)
	}
	metaStore, err := meta.NewStore(meta.StoreConfig{Store: kv})
	if err != nil {
		t.Fatalf("failed to build meta store: %v", err)
	}
	teams, err := team.NewStore(team.StoreConfig{Store: kv, Meta: metaStore})
	if err != nil {
		t.Fatalf("failed to build team store: %v", err)
	}
	hub := session.NewHub()
	sessions, err := session.NewService(session.ServiceConfig{
		Store:       kv,
		Hub:         hub,
		Broadcaster: session.NewLocalBroadcaster(hub),
	})
	if err != nil {
		t.Fatalf("failed to build session service: %v", err)
	}
	backups, err := backup.NewService(backup.ServiceConfig{
		Store: kv,
		Teams: teams,
		Meta:  metaStore,
		Dir:   filepath.Join(t.TempDir(), "backups"),
	})
	if err != nil {
		t.Fatalf("failed to build backup service: %v", err)
	}

	handler, err := NewHTTPHandler(Dependencies{
		Teams:    teams,
		Meta:     metaStore,
		Sessions: sessions,
		Backups:  backups,
	})
	if err != nil {
		t.Fatalf("failed to build handler: %v", err)
	}
	return handler
}

func doJSON(t *testing.T, handler http.Handler, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("encode failed: %v", err)
		}
		reader = bytes.NewReader(encoded)
	} else {
		reader = bytes.NewReader(nil)
	}
	request := httptest.NewRequest(method, path, reader)
	request.Header.Set("Content-Type", "application/json")
	recorder := httptest.NewRecorder()
	handler.ServeHTTP(recorder, request)
	return recorder
}

func decodeBody(t *testing.T, recorder *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var payload map[string]any
	if err := json.Unmarshal(recorder.Body.Bytes(), &payload); err != nil {
		t.Fatalf("decode failed: %v (%s)", err, recorder.Body.String())
	}
	return payload
}

func TestCreateTeamGeneratesIDWhenAbsent(t *testing.T) {
	handler := newTestHandler(t)

	recorder := doJSON(t, handler, http.MethodPost, "/teams", map[string]any{"name": "Acme"})
	if recorder.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", recorder.Code, recorder.Body.String())
	}
	created := decodeBody(t, recorder)
	teamID, _ := created["id"].(string)
	if teamID == "" {
		t.Fatalf("expected a generated id: %#v", created)
	}

	recorder = doJSON(t, handler, http.MethodGet, "/teams/"+teamID, nil)
	if recorder.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", recorder.Code)
	}
	body := decodeBody(t, recorder)
	teamData, _ := body["team"].(map[string]any)
	if teamData["name"] != "Acme" {
		t.Fatalf("unexpected team payload: %#v", body)
	}
	if body["revision"] != float64(1) {
		t.Fatalf("expected revision 1, got %#v", body["revision"])
	}
}

func TestCreateTeamConflictOnDuplicateName(t *testing.T) {
	handler := newTestHandler(t)

	if recorder := doJSON(t, handler, http.MethodPost, "/teams", map[string]any{"name": "Acme"}); recorder.Code != http.StatusCreated {
		t.Fatalf("seed create failed: %d", recorder.Code)
	}
	recorder := doJSON(t, handler, http.MethodPost, "/teams", map[string]any{"name": "acme"})
	if recorder.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %d: %s", recorder.Code, recorder.Body.String())
	}
	if decodeBody(t, recorder)["error"] != team.ReasonNameTaken {
		t.Fatalf("unexpected error body: %s", recorder.Body.String())
	}
}

func TestGetMissingTeamReturns404(t *testing.T) {
	handler := newTestHandler(t)

	recorder := doJSON(t, handler, http.MethodGet, "/teams/ghost", nil)
	if recorder.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", recorder.Code)
	}
	if decodeBody(t, recorder)["error"] != team.ReasonNotFound {
		t.Fatalf("unexpected error body: %s", recorder.Body.String())
	}
}

func TestPatchTeamIgnoresIdentityFields(t *testing.T) {
	handler := newTestHandler(t)

	recorder := doJSON(t, handler, http.MethodPost, "/teams", map[string]any{"id": "t1", "name": "Acme"})
	if recorder.Code != http.StatusCreated {
		t.Fatalf("create failed: %d", recorder.Code)
	}

	recorder = doJSON(t, handler, http.MethodPatch, "/teams/t1", map[string]any{
		"id":    "hijacked",
		"name":  "hijacked",
		"color": "green",
	})
	if recorder.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", recorder.Code, recorder.Body.String())
	}
	updated := decodeBody(t, recorder)
	if updated["id"] != "t1" || updated["name"] != "Acme" {
		t.Fatalf("identity fields must not change via patch: %#v", updated)
	}
	if updated["color"] != "green" {
		t.Fatalf("patched field missing: %#v", updated)
	}
}

func TestRenameConflictKeepsOriginalName(t *testing.T) {
	handler := newTestHandler(t)

	for _, seed := range []map[string]any{
		{"id": "t1", "name": "Acme"},
		{"id": "t2", "name": "Globex"},
	} {
		if recorder := doJSON(t, handler, http.MethodPost, "/teams", seed); recorder.Code != http.StatusCreated {
			t.Fatalf("seed create failed: %d", recorder.Code)
		}
	}

	recorder := doJSON(t, handler, http.MethodPost, "/teams/t1/rename", map[string]any{"name": "Globex"})
	if recorder.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %d: %s", recorder.Code, recorder.Body.String())
	}

	recorder = doJSON(t, handler, http.MethodGet, "/team-index/acme", nil)
	if recorder.Code != http.StatusOK {
		t.Fatalf("original name must still resolve, got %d", recorder.Code)
	}
	if decodeBody(t, recorder)["id"] != "t1" {
		t.Fatalf("unexpected lookup body: %s", recorder.Body.String())
	}
}

func TestDeleteTeamThenLookupFails(t *testing.T) {
	handler := newTestHandler(t)

	if recorder := doJSON(t, handler, http.MethodPost, "/teams", map[string]any{"id": "t1", "name": "Acme"}); recorder.Code != http.StatusCreated {
		t.Fatalf("create failed: %d", recorder.Code)
	}
	if recorder := doJSON(t, handler, http.MethodDelete, "/teams/t1", nil); recorder.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", recorder.Code)
	}
	if recorder := doJSON(t, handler, http.MethodGet, "/team-index/acme", nil); recorder.Code != http.StatusNotFound {
		t.Fatalf("expected 404 after delete, got %d", recorder.Code)
	}
}

func TestBackupLifecycleOverHTTP(t *testing.T) {
	handler := newTestHandler(t)

	if recorder := doJSON(t, handler, http.MethodPost, "/teams", map[string]any{"id": "t1", "name": "Acme"}); recorder.Code != http.StatusCreated {
		t.Fatalf("create failed: %d", recorder.Code)
	}

	recorder := doJSON(t, handler, http.MethodPost, "/backups", map[string]any{"label": "manual"})
	if recorder.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", recorder.Code, recorder.Body.String())
	}
	entry := decodeBody(t, recorder)
	backupID, _ := entry["id"].(string)
	if backupID == "" || entry["teamCount"] != float64(1) {
		t.Fatalf("unexpected entry: %#v", entry)
	}

	recorder = doJSON(t, handler, http.MethodGet, "/backups", nil)
	if recorder.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", recorder.Code)
	}
	listing, _ := decodeBody(t, recorder)["backups"].([]any)
	if len(listing) != 1 {
		t.Fatalf("expected 1 catalog entry, got %#v", listing)
	}

	protected := true
	recorder = doJSON(t, handler, http.MethodPatch, "/backups/"+backupID, map[string]any{"protected": protected})
	if recorder.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", recorder.Code, recorder.Body.String())
	}
	if decodeBody(t, recorder)["protected"] != true {
		t.Fatalf("expected protected entry: %s", recorder.Body.String())
	}

	recorder = doJSON(t, handler, http.MethodPost, "/backups/"+backupID+"/restore", nil)
	if recorder.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d: %s", recorder.Code, recorder.Body.String())
	}

	recorder = doJSON(t, handler, http.MethodDelete, "/backups/"+backupID, nil)
	if recorder.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", recorder.Code)
	}
	recorder = doJSON(t, handler, http.MethodPost, "/backups/"+backupID+"/restore", nil)
	if recorder.Code != http.StatusNotFound {
		t.Fatalf("expected 404 after delete, got %d", recorder.Code)
	}
}

func TestInvalidJSONBodyReturns400(t *testing.T) {
	handler := newTestHandler(t)

	request := httptest.NewRequest(http.MethodPost, "/teams", bytes.NewReader([]byte("not json")))
	request.Header.Set("Content-Type", "application/json")
	recorder := httptest.NewRecorder()
	handler.ServeHTTP(recorder, request)
	if recorder.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", recorder.Code)
	}
}
