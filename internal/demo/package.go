package demo

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/serverledge-faas/offloadge/internal/registry"
	"github.com/serverledge-faas/offloadge/utils"
)

const manifestFile = "MANIFEST"

// WritePackage archives the files of dir as the code package of the demo.
// Native libraries placed in dir are shipped with it. When dir is empty only
// a manifest listing the demo methods is packaged.
func WritePackage(dir string, path string) error {
	if dir == "" {
		tmp, err := os.MkdirTemp("", "offloadge-demo")
		if err != nil {
			return err
		}
		defer os.RemoveAll(tmp)
		if err := writeManifest(tmp); err != nil {
			return err
		}
		dir = tmp
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := utils.Tar(dir, f); err != nil {
		_ = f.Close()
		return fmt.Errorf("could not write the demo package: %w", err)
	}
	return f.Close()
}

func writeManifest(dir string) error {
	r := registry.New()
	if err := Register(r); err != nil {
		return err
	}
	var lines []string
	for _, k := range r.Methods() {
		lines = append(lines, k.String())
	}
	content := AppName + "\n" + strings.Join(lines, "\n") + "\n"
	return os.WriteFile(filepath.Join(dir, manifestFile), []byte(content), 0o644)
}
