package test

import (
	"context"
	"encoding/json"
	"net/http"
	"path/filepath"
	"testing"
	"time"

	"github.com/serverledge-faas/offloadge/internal/client"
	"github.com/serverledge-faas/offloadge/internal/connection"
	"github.com/serverledge-faas/offloadge/internal/decision"
	"github.com/serverledge-faas/offloadge/internal/demo"
	"github.com/serverledge-faas/offloadge/internal/netsampler"
	"github.com/serverledge-faas/offloadge/internal/registry"
	u "github.com/serverledge-faas/offloadge/utils"
)

// startRuntime starts a demo client bound to the primary clone. libsDir is
// shipped in the package when set.
func startRuntime(t *testing.T, choice decision.UserChoice, helperCount int, libsDir string) *client.Runtime {
	dataDir := t.TempDir()
	pkg := filepath.Join(dataDir, "demo.tar")
	u.AssertNil(t, demo.WritePackage(libsDir, pkg))

	network := netsampler.DefaultConfig("")
	network.NetworkType = "LOOPBACK"
	network.ProbeWindow = 500 * time.Millisecond
	network.DownloadDelay = 0
	network.UploadDelay = 0

	methods := registry.New()
	u.AssertNil(t, demo.Register(methods))
	rt, err := client.NewRuntime(client.Options{
		AppName:     demo.AppName,
		AppPackage:  pkg,
		DataDir:     dataDir,
		Choice:      choice,
		HelperCount: helperCount,
		Resolve:     connection.StaticResolver(endpointOf(primary)),
		DialTimeout: 2 * time.Second,
		SampleWait:  2 * time.Second,
		Network:     network,
	}, methods)
	u.AssertNil(t, err)
	u.AssertNil(t, rt.Start(context.Background()))
	t.Cleanup(func() { _ = rt.Close() })
	u.AssertTrue(t, rt.Connection().IsConnected())
	return rt
}

func post(t *testing.T, path string) {
	resp, err := http.Post(apiBase+path, "application/json", nil)
	u.AssertNil(t, err)
	_ = resp.Body.Close()
	u.AssertEquals(t, http.StatusOK, resp.StatusCode)
}

func getJSON(t *testing.T, path string, out any) {
	resp, err := http.Get(apiBase + path)
	u.AssertNil(t, err)
	defer resp.Body.Close()
	u.AssertEquals(t, http.StatusOK, resp.StatusCode)
	u.AssertNil(t, json.NewDecoder(resp.Body).Decode(out))
}
