package controller

import (
	"errors"
	"fmt"
	"os"

	"github.com/BurntSushi/toml"

	"inversion-orchestrator/core/models"
)

// Progress is the persisted iteration-progress record. It is saved after
// every completed task, so a restarted process resumes at the next pending
// stage instead of repeating finished work.
type Progress struct {
	Iteration string      `toml:"iteration"`
	Number    int         `toml:"number"`
	Task      models.Task `toml:"task"`
}

// ProgressStore loads and saves the progress record
type ProgressStore interface {
	// Load returns nil without error when no record has been saved yet.
	Load() (*Progress, error)
	Save(*Progress) error
}

// FileProgressStore keeps the progress record in a TOML file
type FileProgressStore struct {
	Path string
}

// Load reads the persisted record; a missing file means a fresh start.
func (s *FileProgressStore) Load() (*Progress, error) {
	data, err := os.ReadFile(s.Path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("controller: reading progress %s: %w", s.Path, err)
	}
	var p Progress
	if err := toml.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("controller: parsing progress %s: %w", s.Path, err)
	}
	if !models.ValidTask(p.Task) {
		return nil, fmt.Errorf("controller: progress %s has unknown task %q", s.Path, p.Task)
	}
	return &p, nil
}

// Save writes the record atomically.
func (s *FileProgressStore) Save(p *Progress) error {
	tmp := s.Path + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		return fmt.Errorf("controller: writing progress %s: %w", s.Path, err)
	}
	if err := toml.NewEncoder(f).Encode(p); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("controller: encoding progress %s: %w", s.Path, err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("controller: writing progress %s: %w", s.Path, err)
	}
	return os.Rename(tmp, s.Path)
}
