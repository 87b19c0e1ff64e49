package test

import (
	"context"
	"hash/crc32"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/serverledge-faas/offloadge/internal/api"
	"github.com/serverledge-faas/offloadge/internal/clone"
	"github.com/serverledge-faas/offloadge/internal/decision"
	"github.com/serverledge-faas/offloadge/internal/demo"
	"github.com/serverledge-faas/offloadge/internal/dispatcher"
	"github.com/serverledge-faas/offloadge/internal/history"
	"github.com/serverledge-faas/offloadge/internal/netsampler"
	u "github.com/serverledge-faas/offloadge/utils"
)

// TestRemoteExecutionMovesState runs a call on the clone and checks that the
// receiver modified there is copied back.
func TestRemoteExecutionMovesState(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping integration test")
	}
	rt := startRuntime(t, decision.REMOTE, 1, "")

	greeter := &demo.HelloWorld{}
	call, err := dispatcher.NewCall(greeter, "Hello", nil)
	u.AssertNil(t, err)
	res := rt.Execute(context.Background(), call)
	u.AssertNil(t, res.Err)
	u.AssertEquals(t, history.REMOTE, res.Location)

	var greeting string
	u.AssertNil(t, res.Decode(&greeting))
	u.AssertTrue(t, strings.Contains(greeting, "on the clone"))
	u.AssertEquals(t, 1, greeter.Greeted)

	last, found := rt.LastExecution("Hello")
	u.AssertTrue(t, found)
	u.AssertEquals(t, history.REMOTE, last.Location)
	u.AssertTrue(t, last.PureExecDuration >= 0)

	// the RTT probe runs right after connecting
	u.AssertEventually(t, func() bool {
		return rt.Sampler().Current().RTT != netsampler.RTTInfinite
	}, 5*time.Second, 50*time.Millisecond)

	var apps []clone.AppInfo
	getJSON(t, "/apps", &apps)
	u.AssertEquals(t, 1, len(apps))
	u.AssertEquals(t, demo.AppName, apps[0].Identity)
}

// TestOffloadedResultsMatchLocal checks that every demo method returns the
// same value wherever it runs.
func TestOffloadedResultsMatchLocal(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping integration test")
	}
	remote := startRuntime(t, decision.REMOTE, 1, "")
	local := startRuntime(t, decision.LOCAL, 1, "")

	calls := []struct {
		receiver   any
		method     string
		paramTypes []string
		args       []any
	}{
		{&demo.Calculator{}, "Sum", []string{"int", "int"}, []any{40, 2}},
		{&demo.NQueens{N: 6}, "Solve", nil, nil},
		{&demo.Checksum{}, "Compute", []string{"string"}, []any{"offload me"}},
	}
	for _, c := range calls {
		call, err := dispatcher.NewCall(c.receiver, c.method, c.paramTypes, c.args...)
		u.AssertNil(t, err)

		onClone := remote.Execute(context.Background(), call)
		u.AssertNil(t, onClone.Err)
		u.AssertEquals(t, history.REMOTE, onClone.Location)
		onDevice := local.Execute(context.Background(), call)
		u.AssertNil(t, onDevice.Err)
		u.AssertEquals(t, history.LOCAL, onDevice.Location)

		u.AssertEqualsMsg(t, string(onDevice.Value), string(onClone.Value), c.method)
	}
}

// TestFanOutCountsQueens splits the board among the primary and its helpers.
func TestFanOutCountsQueens(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping integration test")
	}
	rt := startRuntime(t, decision.REMOTE, HELPERS+1, "")

	call, err := dispatcher.NewCall(&demo.NQueens{N: 8}, "Solve", nil)
	u.AssertNil(t, err)
	res := rt.Execute(context.Background(), call)
	u.AssertNil(t, res.Err)
	u.AssertEquals(t, history.REMOTE, res.Location)

	var solutions int
	u.AssertNil(t, res.Decode(&solutions))
	u.AssertEquals(t, 92, solutions)

	// every helper received the package from the primary
	for _, h := range helpers {
		apps := h.Apps()
		u.AssertNotEmptySlice(t, apps)
		u.AssertEquals(t, demo.AppName, apps[0].Identity)
	}
}

// TestShippedLibrariesLoadedOnDemand ships a native library with the package:
// the clone loads it after the first unsatisfied link.
func TestShippedLibrariesLoadedOnDemand(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping integration test")
	}
	libsDir := t.TempDir()
	u.AssertNil(t, os.WriteFile(filepath.Join(libsDir, "libcrc.so"), []byte("not really an object"), 0o644))
	rt := startRuntime(t, decision.REMOTE, 1, libsDir)

	hasher := &demo.Checksum{}
	call, err := dispatcher.NewCall(hasher, "Compute", []string{"string"}, "native")
	u.AssertNil(t, err)
	res := rt.Execute(context.Background(), call)
	u.AssertNil(t, res.Err)
	u.AssertEquals(t, history.REMOTE, res.Location)

	var sum uint32
	u.AssertNil(t, res.Decode(&sum))
	u.AssertEquals(t, crc32.ChecksumIEEE([]byte("native")), sum)
	u.AssertEquals(t, 1, len(hasher.Loaded))
	u.AssertEquals(t, "libcrc.so", filepath.Base(hasher.Loaded[0]))
}

// TestFallbackWhileMigrating checks that calls run locally while the clone
// drains, and remotely again once it resumes.
func TestFallbackWhileMigrating(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping integration test")
	}
	rt := startRuntime(t, decision.REMOTE, 1, "")
	call, err := dispatcher.NewCall(&demo.Calculator{}, "Sum", []string{"int", "int"}, 1, 1)
	u.AssertNil(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	u.AssertNil(t, rt.NotifyMigration(ctx))

	var status api.StatusInformation
	getJSON(t, "/status", &status)
	u.AssertTrue(t, status.Migrating)

	res := rt.Execute(context.Background(), call)
	u.AssertNil(t, res.Err)
	u.AssertEquals(t, history.LOCAL, res.Location)
	var sum int
	u.AssertNil(t, res.Decode(&sum))
	u.AssertEquals(t, 2, sum)

	post(t, "/resume")
	res = rt.Execute(context.Background(), call)
	u.AssertNil(t, res.Err)
	u.AssertEquals(t, history.REMOTE, res.Location)

	u.AssertEquals(t, 1, rt.Store().CountFor(demo.AppName, "Sum", history.LOCAL))
	u.AssertEquals(t, 1, rt.Store().CountFor(demo.AppName, "Sum", history.REMOTE))
}
