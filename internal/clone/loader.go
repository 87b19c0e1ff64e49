package clone

import (
	"errors"
	"fmt"
	"log"
	"path/filepath"
	"plugin"

	"github.com/serverledge-faas/offloadge/internal/registry"
)

var ErrUnknownApp = errors.New("no code available for the app")

// PluginFileName is the Go plugin looked up in the unpacked package.
const PluginFileName = "app.so"

// PluginSymbol is the function every app plugin must export.
const PluginSymbol = "Register"

// RegisterFunc populates a registry with the types and methods of an app.
type RegisterFunc func(r *registry.Registry) error

// CodeLoader builds the method registry of an app from its unpacked package.
type CodeLoader interface {
	Load(identity string, codeDir string) (*registry.Registry, error)
}

// StaticLoader serves apps compiled into the clone binary.
type StaticLoader map[string]RegisterFunc

func (l StaticLoader) Load(identity string, codeDir string) (*registry.Registry, error) {
	register, found := l[identity]
	if !found {
		return nil, fmt.Errorf("%w: %s", ErrUnknownApp, identity)
	}
	r := registry.New()
	if err := register(r); err != nil {
		return nil, err
	}
	return r, nil
}

// PluginLoader opens the Go plugin shipped in the package. Every package
// version is unpacked in its own directory, so each one gets its own plugin.
type PluginLoader struct {
	// apps known to the clone binary, used when the package has no plugin
	Fallback StaticLoader
}

func (l PluginLoader) Load(identity string, codeDir string) (*registry.Registry, error) {
	path := filepath.Join(codeDir, PluginFileName)
	p, err := plugin.Open(path)
	if err != nil {
		if l.Fallback != nil {
			log.Printf("[%s] no usable plugin (%v), using the built-in code", identity, err)
			return l.Fallback.Load(identity, codeDir)
		}
		return nil, fmt.Errorf("could not open %s: %w", path, err)
	}

	sym, err := p.Lookup(PluginSymbol)
	if err != nil {
		return nil, err
	}
	var register RegisterFunc
	switch fn := sym.(type) {
	case func(*registry.Registry) error:
		register = fn
	case *RegisterFunc:
		register = *fn
	default:
		return nil, fmt.Errorf("%s: symbol %s has type %T", path, PluginSymbol, sym)
	}

	r := registry.New()
	if err := register(r); err != nil {
		return nil, err
	}
	log.Printf("[%s] loaded plugin %s (%d methods)", identity, path, len(r.Methods()))
	return r, nil
}
