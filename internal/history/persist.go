package history

import (
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"

	"github.com/gofrs/flock"
)

var ErrCorruptedHistory = errors.New("history file is corrupted")

// FileName is the default name of the history file in the client data directory.
const FileName = "offload-history.json"

func lockFor(path string) *flock.Flock {
	return flock.New(path + ".lock")
}

// Load replaces the content of the store with the file at path.
// A missing or corrupted file leaves the store empty.
func (s *Store) Load(path string) error {
	lock := lockFor(path)
	if err := lock.RLock(); err != nil {
		log.Printf("Could not lock %s: %v", path, err)
	} else {
		defer func() { _ = lock.Unlock() }()
	}

	content, err := os.ReadFile(path)
	if err != nil {
		s.replace(nil)
		if errors.Is(err, os.ErrNotExist) {
			log.Printf("No execution history at %s", path)
			return nil
		}
		log.Printf("Could not read execution history: %v", err)
		return err
	}

	var table map[string][]Record
	if err := json.Unmarshal(content, &table); err != nil {
		s.replace(nil)
		log.Printf("Discarding execution history %s: %v", path, err)
		return fmt.Errorf("%w: %v", ErrCorruptedHistory, err)
	}

	s.replace(table)
	log.Printf("Loaded %d execution records from %s", s.Len(), path)
	return nil
}

// Save atomically writes the store to path.
func (s *Store) Save(path string) error {
	table := s.snapshot()
	content, err := json.MarshalIndent(table, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal history: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		log.Printf("Could not save execution history: %v", err)
		return err
	}

	lock := lockFor(path)
	if err := lock.Lock(); err != nil {
		log.Printf("Could not lock %s: %v", path, err)
		return err
	}
	defer func() { _ = lock.Unlock() }()

	tmpPath := path + ".tmp"
	if err := os.WriteFile(tmpPath, content, 0o644); err != nil {
		log.Printf("Could not save execution history: %v", err)
		return fmt.Errorf("failed to write temp history: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		_ = os.Remove(tmpPath)
		log.Printf("Could not save execution history: %v", err)
		return fmt.Errorf("failed to rename history: %w", err)
	}
	return nil
}
