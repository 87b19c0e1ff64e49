package api

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/labstack/echo/v4"

	"github.com/serverledge-faas/offloadge/internal/clone"
	"github.com/serverledge-faas/offloadge/internal/demo"
	"github.com/serverledge-faas/offloadge/internal/node"
	u "github.com/serverledge-faas/offloadge/utils"
)

func newTestAPI(t *testing.T) (*echo.Echo, Services) {
	srv, err := clone.NewServer(clone.Config{
		NodeName:     "api-test",
		DataDir:      t.TempDir(),
		ClearAddress: "127.0.0.1:0",
		Loader:       clone.StaticLoader{demo.AppName: demo.Register},
	})
	u.AssertNil(t, err)
	t.Cleanup(srv.Close)

	s := Services{Node: node.NewIdentifier("test"), Clone: srv}
	e := echo.New()
	SetupRoutes(e, s)
	return e, s
}

func get(t *testing.T, e *echo.Echo, method string, path string, out any) {
	req := httptest.NewRequest(method, path, nil)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	u.AssertEquals(t, http.StatusOK, rec.Code)
	u.AssertNil(t, json.Unmarshal(rec.Body.Bytes(), out))
}

func TestStatusReportsDrain(t *testing.T) {
	e, s := newTestAPI(t)

	var status StatusInformation
	get(t, e, http.MethodGet, "/status", &status)
	u.AssertEquals(t, s.Node.String(), status.Node)
	u.AssertFalse(t, status.Migrating)
	u.AssertEquals(t, 0, status.Apps)

	var reply map[string]bool
	get(t, e, http.MethodPost, "/migrate", &reply)
	u.AssertTrue(t, reply["migrating"])
	get(t, e, http.MethodGet, "/status", &status)
	u.AssertTrue(t, status.Migrating)

	get(t, e, http.MethodPost, "/resume", &reply)
	u.AssertFalse(t, s.Clone.Migrating())
}

func TestPeersWithoutRegistry(t *testing.T) {
	e, _ := newTestAPI(t)

	var apps []clone.AppInfo
	get(t, e, http.MethodGet, "/apps", &apps)
	u.AssertEquals(t, 0, len(apps))

	var peers map[string]any
	get(t, e, http.MethodGet, "/peers", &peers)
	u.AssertEquals(t, 0, len(peers))
}
