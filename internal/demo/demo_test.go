package demo

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/serverledge-faas/offloadge/internal/registry"
	u "github.com/serverledge-faas/offloadge/utils"
)

func TestQueensSplitMatchesWholeBoard(t *testing.T) {
	q := &NQueens{N: 8}
	whole, err := solveQueens(registry.LocalContext(), q)
	u.AssertNil(t, err)
	u.AssertEquals(t, 92, whole)

	parts := make([]int, 3)
	for i := range parts {
		parts[i], err = solveQueens(registry.ServerContext(i, 3, nil), q)
		u.AssertNil(t, err)
	}
	total, err := reduceQueens(registry.LocalContext(), q, parts)
	u.AssertNil(t, err)
	u.AssertEquals(t, whole, total)
}

func TestChecksumNeedsLibrariesOnClone(t *testing.T) {
	r := registry.New()
	u.AssertNil(t, Register(r))

	m, err := r.Lookup(checksumType, "Compute", []string{"string"})
	u.AssertNil(t, err)
	args, err := registry.NewArgs("hello")
	u.AssertNil(t, err)

	local, err := m.Call(nil, &Checksum{}, args)
	u.AssertNil(t, err)

	_, err = m.Call(registry.ServerContext(0, 1, []string{"/nonexistent/libcrc.so"}), &Checksum{}, args)
	u.AssertErrorIs(t, err, registry.ErrUnsatisfiedLink)

	remote, err := m.Call(registry.ServerContext(0, 1, nil), &Checksum{}, args)
	u.AssertNil(t, err)
	u.AssertEquals(t, local, remote)
}

func TestRegisterTwiceFails(t *testing.T) {
	r := registry.New()
	u.AssertNil(t, Register(r))
	u.AssertErrorIs(t, Register(r), registry.ErrDuplicateMethod)
	u.AssertEquals(t, 5, len(r.Methods()))
}

func TestWritePackageWithManifest(t *testing.T) {
	pkg := filepath.Join(t.TempDir(), "pkg", "demo.tar")
	u.AssertNil(t, WritePackage("", pkg))

	f, err := os.Open(pkg)
	u.AssertNil(t, err)
	defer f.Close()
	out := t.TempDir()
	written, err := u.Untar(f, out, 0)
	u.AssertNil(t, err)
	u.AssertEquals(t, 1, len(written))

	manifest, err := os.ReadFile(filepath.Join(out, manifestFile))
	u.AssertNil(t, err)
	u.AssertTrue(t, strings.HasPrefix(string(manifest), AppName+"\n"))
	u.AssertTrue(t, strings.Contains(string(manifest), "demo.NQueens.Solve"))
}
