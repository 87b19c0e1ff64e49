package clone

import (
	"debug/elf"
	"debug/macho"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log"
	"os"
	"path/filepath"
	"runtime"
	"strings"

	"golang.org/x/exp/slices"

	"github.com/serverledge-faas/offloadge/internal/libdeps"
)

// SharedLibsDir is the clone-wide directory receiving a copy of every app library.
const SharedLibsDir = "libs"

var libExtensions = map[string][]string{
	"linux":  {".so"},
	"darwin": {".dylib", ".jnilib"},
}

func platformLibrary(name string) bool {
	exts, found := libExtensions[runtime.GOOS]
	if !found {
		exts = libExtensions["linux"]
	}
	for _, ext := range exts {
		if strings.HasSuffix(name, ext) {
			return true
		}
	}
	return false
}

// libsDirName returns the name of the library directory for the given version.
func libsDirName(version int) string {
	if version <= 1 {
		return "libs"
	}
	return fmt.Sprintf("libs-%d", version)
}

// findLibraries walks the unpacked code and returns the shared libraries by base name.
func findLibraries(codeDir string) (map[string]string, error) {
	found := make(map[string]string)
	err := filepath.WalkDir(codeDir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.Type().IsRegular() && platformLibrary(d.Name()) {
			if prev, dup := found[d.Name()]; dup {
				log.Printf("Library %s shipped twice (%s, %s): keeping the first", d.Name(), prev, path)
				return nil
			}
			found[d.Name()] = path
		}
		return nil
	})
	return found, err
}

// neededLibraries lists the libraries a shared object declares as dependencies.
// Files that are neither ELF nor Mach-O have none.
func neededLibraries(path string) ([]string, error) {
	if f, err := elf.Open(path); err == nil {
		defer f.Close()
		return f.ImportedLibraries()
	} else if !notAnObject(err) {
		return nil, err
	}

	if f, err := macho.Open(path); err == nil {
		defer f.Close()
		libs, err := f.ImportedLibraries()
		if err != nil {
			return nil, err
		}
		// Mach-O records install names: keep the base name
		for i := range libs {
			libs[i] = filepath.Base(libs[i])
		}
		return libs, nil
	} else if !notAnObject(err) {
		return nil, err
	}
	return nil, nil
}

func notAnObject(err error) bool {
	var elfErr *elf.FormatError
	var machoErr *macho.FormatError
	return errors.As(err, &elfErr) || errors.As(err, &machoErr) ||
		errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF)
}

// orderLibraries returns the library names so that every library follows the
// libraries of the same set it depends on.
func orderLibraries(libs map[string]string) []string {
	graph := libdeps.NewGraph()
	for name, path := range libs {
		graph.AddLibrary(name)
		needed, err := neededLibraries(path)
		if err != nil {
			log.Printf("Could not read the dependencies of %s: %v", name, err)
			continue
		}
		for _, dep := range needed {
			if _, shipped := libs[dep]; shipped {
				graph.AddDependency(name, dep)
			}
		}
	}

	order, err := graph.Order()
	if err != nil {
		log.Printf("Library load order is incomplete: %v", err)
	}
	return order
}

// installLibraries copies the given libraries into dir and into the shared directory.
func installLibraries(libs map[string]string, dir string, sharedDir string) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	if err := os.MkdirAll(sharedDir, 0o755); err != nil {
		return err
	}
	names := make([]string, 0, len(libs))
	for name := range libs {
		names = append(names, name)
	}
	slices.Sort(names)

	for _, name := range names {
		if err := copyFile(libs[name], filepath.Join(dir, name)); err != nil {
			return err
		}
		if err := copyFile(libs[name], filepath.Join(sharedDir, name)); err != nil {
			return err
		}
	}
	return nil
}

func copyFile(src string, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	tmp := dst + ".tmp"
	out, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o755)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		_ = out.Close()
		return err
	}
	if err := out.Close(); err != nil {
		return err
	}
	return os.Rename(tmp, dst)
}
