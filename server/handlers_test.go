package server

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/St-Ryzen/MNL/auth"
	"github.com/St-Ryzen/MNL/crypto"
	"github.com/St-Ryzen/MNL/db"
	"github.com/St-Ryzen/MNL/jobs"
	"github.com/St-Ryzen/MNL/profile"
	"github.com/St-Ryzen/MNL/retry"
	"github.com/St-Ryzen/MNL/session"
	"github.com/St-Ryzen/MNL/session/sessiontest"
	"github.com/St-Ryzen/MNL/store"
	"github.com/St-Ryzen/MNL/testutil"
)

const sitePassword = "Secret123"

func newTestEnv(t *testing.T) (http.Handler, *session.Orchestrator, *auth.Auth) {
	t.Helper()
	database := testutil.SetupTestDB(t)
	key, err := crypto.GenerateKey()
	if err != nil {
		t.Fatal(err)
	}
	enc, err := crypto.NewAESEncryptor(key)
	if err != nil {
		t.Fatal(err)
	}
	a := auth.New(database, testSecret, time.Hour, "")
	if err := a.EnsureDefaultAdmin(context.Background(), "Admin1234"); err != nil {
		t.Fatal(err)
	}

	fast := retry.Policy{MaxAttempts: 1}
	st := store.NewPostgres(database)
	st.Policy = fast
	site := session.DefaultSite("https://site.test")
	site.AfterReloadGap = 0
	orch := &session.Orchestrator{
		Registry: session.NewRegistry(0),
		Launcher: &sessiontest.FakeLauncher{New: func(session.LaunchOptions) *sessiontest.FakeBrowser {
			return sessiontest.SiteBrowser(site, sitePassword, false)
		}},
		Store:       st,
		Archiver:    &profile.Archiver{Policy: fast},
		Restorer:    &profile.Restorer{Policy: fast},
		Site:        site,
		ProfilesDir: t.TempDir(),
	}
	h := NewHandlers(Deps{DB: database, Encryptor: enc, Auth: a, Sessions: orch, ProfilesDir: orch.ProfilesDir})
	return NewMux(context.Background(), h), orch, a
}

func login(t *testing.T, mux http.Handler, username, password string) string {
	t.Helper()
	code, body := doJSON(t, mux, http.MethodPost, "/login", "", loginRequest{Username: username, Password: password})
	if code != http.StatusOK {
		t.Fatalf("login %s: status %d %v", username, code, body)
	}
	return body["token"].(string)
}

func TestAccountLifecycle(t *testing.T) {
	mux, orch, _ := newTestEnv(t)
	admin := login(t, mux, "admin", "Admin1234")

	if code, _ := doJSON(t, mux, http.MethodPost, "/login", "", loginRequest{Username: "admin", Password: "wrong"}); code != http.StatusUnauthorized {
		t.Errorf("wrong password status = %d", code)
	}

	// users
	code, body := doJSON(t, mux, http.MethodPost, "/add_user", admin, addUserRequest{Username: "chatter_1", Password: "weak"})
	if code != http.StatusBadRequest {
		t.Errorf("weak password status = %d %v", code, body)
	}
	code, body = doJSON(t, mux, http.MethodPost, "/add_user", admin, addUserRequest{Username: "chatter_1", Password: "Chatter123"})
	if code != http.StatusCreated {
		t.Fatalf("add_user status = %d %v", code, body)
	}
	chatterID := int64(body["user"].(map[string]any)["id"].(float64))
	if code, _ := doJSON(t, mux, http.MethodPost, "/add_user", admin, addUserRequest{Username: "chatter_1", Password: "Chatter123"}); code != http.StatusConflict {
		t.Errorf("duplicate user status = %d", code)
	}
	chatter := login(t, mux, "chatter_1", "Chatter123")

	// setup
	code, body = doJSON(t, mux, http.MethodPost, "/setup_accounts", admin, setupRequest{
		ModelUsername: "model_a", ActualUsername: "model@example.com", ModelPassword: sitePassword, ChatterID: chatterID,
	})
	if code != http.StatusCreated || body["browser_opened"] != true {
		t.Fatalf("setup status = %d %v", code, body)
	}
	accountID := int64(body["account_id"].(float64))
	if code, _ := doJSON(t, mux, http.MethodPost, "/setup_accounts", admin, setupRequest{ModelUsername: "MODEL_A", ModelPassword: "x"}); code != http.StatusConflict {
		t.Errorf("duplicate account status = %d", code)
	}

	// dashboards
	_, body = doJSON(t, mux, http.MethodGet, "/dashboard", admin, nil)
	if body["assigned_accounts_count"] != float64(1) || body["unassigned_accounts_count"] != float64(0) {
		t.Errorf("admin dashboard = %v", body)
	}
	accounts := body["accounts"].([]any)
	chatters := accounts[0].(map[string]any)["assigned_chatters"].([]any)
	if len(chatters) != 1 || chatters[0].(map[string]any)["username"] != "chatter_1" {
		t.Errorf("assigned chatters = %v", chatters)
	}
	_, body = doJSON(t, mux, http.MethodGet, "/dashboard", chatter, nil)
	if body["is_admin"] != false || len(body["accounts"].([]any)) != 1 {
		t.Errorf("chatter dashboard = %v", body)
	}

	// backup
	dir := profile.Dir(orch.ProfilesDir, accountID, "model_a")
	testutil.ProfileTree(t, dir, map[string]int{
		"Default/Local Storage/leveldb/000003.log": 4096,
		"Default/Cookies": 2048,
		"Default/Cache/Cache_Data/data_0": 8192,
	})
	path := fmt.Sprintf("/backup_profile/%d", accountID)
	code, body = doJSON(t, mux, http.MethodPost, path, admin, nil)
	if code != http.StatusOK || body["success"] != true {
		t.Fatalf("backup status = %d %v", code, body)
	}
	if _, ok := orch.Registry.Get(accountID); ok {
		t.Error("browser still open after backup")
	}
	code, body = doJSON(t, mux, http.MethodGet, fmt.Sprintf("/api/backup-status/%d", accountID), admin, nil)
	if code != http.StatusOK || body["has_backup"] != true || body["verification"] == nil {
		t.Errorf("backup status = %d %v", code, body)
	}

	// launch by the assigned chatter restores the profile
	launch := fmt.Sprintf("/launch_account/%d", accountID)
	code, body = doJSON(t, mux, http.MethodPost, launch, chatter, nil)
	if code != http.StatusOK || body["success"] != true || body["profile_restored"] != true {
		t.Fatalf("launch status = %d %v", code, body)
	}
	if _, err := os.Stat(profile.PreservedPath(dir)); err != nil {
		t.Errorf("previous profile not preserved: %v", err)
	}

	// unassign, then the chatter is locked out
	code, body = doJSON(t, mux, http.MethodPost, "/assign_chatter", admin, assignRequest{AccountID: accountID, ChatterID: chatterID, Action: db.ActionUnassign})
	if code != http.StatusOK {
		t.Fatalf("unassign status = %d %v", code, body)
	}
	if code, _ := doJSON(t, mux, http.MethodPost, launch, chatter, nil); code != http.StatusForbidden {
		t.Errorf("unassigned launch status = %d", code)
	}
	if code, _ := doJSON(t, mux, http.MethodPost, "/assign_chatter", admin, assignRequest{AccountID: accountID, ChatterID: chatterID, Action: "steal"}); code != http.StatusBadRequest {
		t.Errorf("invalid action status = %d", code)
	}

	// users cannot delete themselves
	_, me := doJSON(t, mux, http.MethodGet, "/user_management", admin, nil)
	var adminID int64
	for _, u := range me["users"].([]any) {
		if m := u.(map[string]any); m["username"] == "admin" {
			adminID = int64(m["id"].(float64))
		}
	}
	if code, _ := doJSON(t, mux, http.MethodPost, fmt.Sprintf("/delete_user/%d", adminID), admin, nil); code != http.StatusBadRequest {
		t.Errorf("self delete status = %d", code)
	}
	if code, _ := doJSON(t, mux, http.MethodPost, fmt.Sprintf("/delete_user/%d", chatterID), admin, nil); code != http.StatusOK {
		t.Errorf("delete chatter status = %d", code)
	}
	if code, _ := doJSON(t, mux, http.MethodGet, "/dashboard", chatter, nil); code != http.StatusUnauthorized {
		t.Errorf("deleted user still authenticated: %d", code)
	}

	// delete account
	if code, body := doJSON(t, mux, http.MethodPost, fmt.Sprintf("/delete_account/%d", accountID), admin, nil); code != http.StatusOK {
		t.Fatalf("delete account status = %d %v", code, body)
	}
	if _, err := os.Stat(dir); !os.IsNotExist(err) {
		t.Errorf("profile dir still present: %v", err)
	}
	if code, _ := doJSON(t, mux, http.MethodGet, fmt.Sprintf("/api/backup-status/%d", accountID), admin, nil); code != http.StatusNotFound {
		t.Errorf("deleted account backup status = %d", code)
	}

	// activity log
	_, body = doJSON(t, mux, http.MethodGet, "/api/activity?limit=50", admin, nil)
	seen := map[string]bool{}
	for _, e := range body["activity"].([]any) {
		seen[e.(map[string]any)["action"].(string)] = true
	}
	for _, action := range []string{"login", "add_user", "setup_account", "backup_profile", "launch_account", "chatter_unassign", "delete_user", "delete_account"} {
		if !seen[action] {
			t.Errorf("activity %q not logged", action)
		}
	}
}

func TestBackupProfileMissingDir(t *testing.T) {
	mux, orch, _ := newTestEnv(t)
	admin := login(t, mux, "admin", "Admin1234")
	orch.Launcher.(*sessiontest.FakeLauncher).Err = sessiontest.ErrLaunch

	code, body := doJSON(t, mux, http.MethodPost, "/setup_accounts", admin, setupRequest{ModelUsername: "model_b", ModelPassword: sitePassword})
	if code != http.StatusCreated || body["browser_opened"] != false {
		t.Fatalf("setup with broken browser = %d %v", code, body)
	}
	id := int64(body["account_id"].(float64))
	if err := os.RemoveAll(profile.Dir(orch.ProfilesDir, id, "model_b")); err != nil {
		t.Fatal(err)
	}
	if code, _ := doJSON(t, mux, http.MethodPost, fmt.Sprintf("/backup_profile/%d", id), admin, nil); code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", code)
	}
	if code, _ := doJSON(t, mux, http.MethodPost, "/backup_profile/999", admin, nil); code != http.StatusNotFound {
		t.Errorf("unknown account status = %d", code)
	}
	if code, _ := doJSON(t, mux, http.MethodPost, "/backup_profile/abc", admin, nil); code != http.StatusBadRequest {
		t.Errorf("bad id status = %d", code)
	}
}

func TestHealthEndpoints(t *testing.T) {
	mux, _, _ := newTestEnv(t)
	for _, path := range []string{"/healthz", "/readyz"} {
		code, _ := doJSON(t, mux, http.MethodGet, path, "", nil)
		if code != http.StatusOK {
			t.Errorf("%s status = %d", path, code)
		}
	}
}

func TestReadyzReportsCleanup(t *testing.T) {
	database := testutil.SetupTestDB(t)
	profiles := t.TempDir()
	h := NewHandlers(Deps{DB: database, ProfilesDir: profiles})

	code, body := doJSON(t, http.HandlerFunc(h.HandleReadyz), http.MethodGet, "/readyz", "", nil)
	if code != http.StatusOK || body["backup_cleanup"] != nil {
		t.Fatalf("before cleanup: %d %v", code, body)
	}
	if _, err := jobs.RunBackupCleanup(context.Background(), database, jobs.CleanupPolicy{ProfilesDir: profiles, DryRun: true}); err != nil {
		t.Fatal(err)
	}
	_, body = doJSON(t, http.HandlerFunc(h.HandleReadyz), http.MethodGet, "/readyz", "", nil)
	run, ok := body["backup_cleanup"].(map[string]any)
	if !ok || run["dry_run"] != true {
		t.Errorf("backup_cleanup = %v", body["backup_cleanup"])
	}
	checks := body["checks"].(map[string]any)
	for _, name := range []string{"database", "schema", "profiles_dir"} {
		if checks[name] != "ok" {
			t.Errorf("check %s = %v", name, checks[name])
		}
	}

	// a file where the profiles dir should be fails only that check
	blocked := filepath.Join(t.TempDir(), "file")
	if err := os.WriteFile(blocked, nil, 0o644); err != nil {
		t.Fatal(err)
	}
	h = NewHandlers(Deps{DB: database, ProfilesDir: blocked})
	code, body = doJSON(t, http.HandlerFunc(h.HandleReadyz), http.MethodGet, "/readyz", "", nil)
	if code != http.StatusServiceUnavailable || body["status"] != "not_ready" {
		t.Fatalf("blocked dir: %d %v", code, body)
	}
	if checks := body["checks"].(map[string]any); checks["database"] != "ok" || checks["profiles_dir"] == "ok" {
		t.Errorf("checks = %v", checks)
	}
}
