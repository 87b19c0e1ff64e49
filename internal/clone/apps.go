package clone

import (
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/go-containerregistry/pkg/v1/mutate"
	"github.com/google/go-containerregistry/pkg/v1/tarball"
	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"

	"github.com/serverledge-faas/offloadge/internal/metrics"
	"github.com/serverledge-faas/offloadge/internal/protocol"
	"github.com/serverledge-faas/offloadge/internal/registry"
	"github.com/serverledge-faas/offloadge/utils"
)

var ErrInvalidIdentity = errors.New("invalid app identity")

// AppInfo describes a registered app.
type AppInfo struct {
	Identity    string    `json:"identity"`
	Size        int64     `json:"size"`
	Installed   time.Time `json:"installed"`
	LibsVersion int       `json:"libsVersion"`
	Libraries   []string  `json:"libraries"`
	Methods     []string  `json:"methods"`
}

// app is the code loading unit of one package of an app.
type app struct {
	identity string
	// closed when the owner has finished installing the package
	ready chan struct{}
	err   error

	size      int64
	dir       string
	pkgPath   string
	codeDir   string
	installed time.Time

	mu          sync.RWMutex
	methods     *registry.Registry
	libraries   map[string]string
	libOrder    []string
	libsVersion int
}

func (a *app) usable(size int64) bool {
	if a.err != nil || a.size != size {
		return false
	}
	return fileSize(a.pkgPath) == size
}

// unit returns the registry and the ordered library paths of the current version.
func (a *app) unit() (*registry.Registry, []string) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	dir := filepath.Join(a.dir, libsDirName(a.libsVersion))
	paths := make([]string, len(a.libOrder))
	for i, name := range a.libOrder {
		paths[i] = filepath.Join(dir, name)
	}
	return a.methods, paths
}

// nextLibsVersion copies the libraries into a fresh versioned directory.
func (a *app) nextLibsVersion() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if len(a.libraries) == 0 {
		return nil
	}
	version := a.libsVersion + 1
	if err := installLibraries(a.libraries, filepath.Join(a.dir, libsDirName(version)), filepath.Join(filepath.Dir(a.dir), SharedLibsDir)); err != nil {
		return err
	}
	a.libsVersion = version
	return nil
}

func (a *app) info() AppInfo {
	methods, libs := a.unit()
	info := AppInfo{
		Identity:  a.identity,
		Size:      a.size,
		Installed: a.installed,
		Libraries: libs,
	}
	a.mu.RLock()
	info.LibsVersion = a.libsVersion
	a.mu.RUnlock()
	if methods != nil {
		for _, key := range methods.Methods() {
			info.Methods = append(info.Methods, key.String())
		}
	}
	return info
}

func fileSize(path string) int64 {
	info, err := os.Stat(path)
	if err != nil {
		return -1
	}
	return info.Size()
}

// appCache holds the apps registered with the clone, shared by all sessions.
type appCache struct {
	dataDir string
	loader  CodeLoader

	mu   sync.Mutex
	apps map[string]*app
	// generation of the last unpacked package, never reused within a process
	generations map[string]int
}

func newAppCache(dataDir string, loader CodeLoader) *appCache {
	return &appCache{
		dataDir:     dataDir,
		loader:      loader,
		apps:        make(map[string]*app),
		generations: make(map[string]int),
	}
}

func validIdentity(identity string) bool {
	return identity != "" && identity != "." && identity != ".." &&
		filepath.Base(identity) == identity && identity != SharedLibsDir
}

// claim returns the app registered as reg, waiting for an install in progress.
// owner is true when the caller must install a new package.
func (c *appCache) claim(reg protocol.AppRegistration) (a *app, owner bool) {
	for {
		c.mu.Lock()
		current, found := c.apps[reg.Identity]
		if !found {
			c.generations[reg.Identity]++
			dir := filepath.Join(c.dataDir, reg.Identity)
			a = &app{
				identity: reg.Identity,
				ready:    make(chan struct{}),
				size:     reg.Size,
				dir:      dir,
				pkgPath:  filepath.Join(dir, reg.Identity+".pkg"),
				codeDir:  filepath.Join(dir, fmt.Sprintf("v%d", c.generations[reg.Identity])),
			}
			c.apps[reg.Identity] = a
			c.mu.Unlock()
			return a, true
		}
		c.mu.Unlock()

		<-current.ready
		if current.usable(reg.Size) {
			return current, false
		}

		c.mu.Lock()
		if c.apps[reg.Identity] == current {
			delete(c.apps, reg.Identity)
		}
		c.mu.Unlock()
	}
}

func (c *appCache) release(a *app, err error) {
	a.err = err
	if err != nil {
		c.mu.Lock()
		if c.apps[a.identity] == a {
			delete(c.apps, a.identity)
		}
		c.mu.Unlock()
	}
	close(a.ready)
}

// register serves a REGISTER_APP request whose header has already been read
// from r. The package is received from r when the clone does not have it.
func (c *appCache) register(reg protocol.AppRegistration, r io.Reader, w io.Writer) (*app, error) {
	if !validIdentity(reg.Identity) || reg.Size < 0 {
		_ = protocol.WriteOpcode(w, protocol.ERROR)
		metrics.AddAppRegistration(reg.Identity, "rejected")
		return nil, fmt.Errorf("%w: %q", ErrInvalidIdentity, reg.Identity)
	}

	a, owner := c.claim(reg)
	if !owner {
		if err := a.nextLibsVersion(); err != nil {
			log.Printf("[%s] could not refresh the libraries: %v", a.identity, err)
		}
		metrics.AddAppRegistration(a.identity, "present")
		return a, protocol.WriteOpcode(w, protocol.APP_PRESENT)
	}

	// a package left by a previous run of the clone
	if fileSize(a.pkgPath) == reg.Size {
		err := c.install(a)
		c.release(a, err)
		if err != nil {
			_ = protocol.WriteOpcode(w, protocol.ERROR)
			metrics.AddAppRegistration(a.identity, "failed")
			return nil, err
		}
		log.Printf("[%s] reusing the package found on disk", a.identity)
		metrics.AddAppRegistration(a.identity, "present")
		return a, protocol.WriteOpcode(w, protocol.APP_PRESENT)
	}

	err := c.receive(a, r, w)
	if err == nil {
		err = c.install(a)
	}
	c.release(a, err)
	if err != nil {
		_ = protocol.WriteOpcode(w, protocol.ERROR)
		metrics.AddAppRegistration(a.identity, "failed")
		return nil, err
	}
	metrics.AddAppRegistration(a.identity, "installed")
	return a, protocol.WriteOpcode(w, protocol.OK)
}

// receive asks for the package and stores exactly a.size bytes of it.
func (c *appCache) receive(a *app, r io.Reader, w io.Writer) error {
	if err := os.RemoveAll(a.dir); err != nil {
		return err
	}
	if err := os.MkdirAll(a.dir, 0o755); err != nil {
		return err
	}
	if err := protocol.WriteOpcode(w, protocol.APP_NEEDED); err != nil {
		return err
	}

	f, err := os.Create(a.pkgPath)
	if err != nil {
		return err
	}
	start := time.Now()
	n, err := io.CopyN(f, r, a.size)
	if closeErr := f.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		_ = os.Remove(a.pkgPath)
		return fmt.Errorf("package truncated after %d of %d bytes: %w", n, a.size, err)
	}
	log.Printf("[%s] received package (%d bytes in %v)", a.identity, n, time.Since(start))
	return nil
}

// install unpacks the package, prepares its libraries and loads its code.
func (c *appCache) install(a *app) error {
	if err := os.RemoveAll(a.codeDir); err != nil {
		return err
	}
	if err := os.MkdirAll(a.codeDir, 0o755); err != nil {
		return err
	}
	files, err := unpack(a.pkgPath, a.codeDir)
	if err != nil {
		return fmt.Errorf("could not unpack %s: %w", a.pkgPath, err)
	}

	libs, err := findLibraries(a.codeDir)
	if err != nil {
		return err
	}
	methods, err := c.loader.Load(a.identity, a.codeDir)
	if err != nil {
		return err
	}

	a.mu.Lock()
	a.methods = methods
	a.libraries = libs
	a.libOrder = orderLibraries(libs)
	a.installed = time.Now()
	a.mu.Unlock()
	if err := a.nextLibsVersion(); err != nil {
		return err
	}
	log.Printf("[%s] installed %d files, %d libraries", a.identity, len(files), len(libs))
	return nil
}

// unpack extracts an OCI/Docker image tarball (flattening its layers) or a plain tar.
func unpack(pkgPath string, dest string) ([]string, error) {
	if img, err := tarball.ImageFromPath(pkgPath, nil); err == nil {
		flattened := mutate.Extract(img)
		defer flattened.Close()
		return utils.Untar(flattened, dest, 0)
	}

	f, err := os.Open(pkgPath)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return utils.Untar(f, dest, 0)
}

func (c *appCache) list() []AppInfo {
	c.mu.Lock()
	apps := maps.Values(c.apps)
	c.mu.Unlock()

	infos := make([]AppInfo, 0, len(apps))
	for _, a := range apps {
		select {
		case <-a.ready:
		default:
			continue
		}
		if a.err == nil {
			infos = append(infos, a.info())
		}
	}
	slices.SortFunc(infos, func(x, y AppInfo) int {
		return strings.Compare(x.Identity, y.Identity)
	})
	return infos
}
