package main

import (
	"os"
	"path/filepath"

	"github.com/goccy/go-yaml"
	"github.com/pkg/errors"
	"github.com/spf13/afero"
)

// Store keeps the per-VPC metadata record, the only state vpcctl persists
// outside of the host network configuration.
type Store struct {
	fs  afero.Fs
	dir string
}

// NewStore returns a store keeping one YAML file per VPC in dir.
func NewStore(fs afero.Fs, dir string) *Store {
	return &Store{fs: fs, dir: dir}
}

func (s *Store) path(name string) string {
	return filepath.Join(s.dir, name+".yaml")
}

// Load returns the record of vpc name. The second result is false when no
// record exists.
func (s *Store) Load(name string) (VPC, bool, error) {
	data, err := afero.ReadFile(s.fs, s.path(name))
	if err != nil {
		if os.IsNotExist(err) {
			return VPC{Name: name}, false, nil
		}
		return VPC{}, false, errors.Wrapf(err, "failed to read metadata of vpc %s", name)
	}

	var vpc VPC
	if err := yaml.Unmarshal(data, &vpc); err != nil {
		return VPC{}, false, errors.Wrapf(err, "failed to decode metadata of vpc %s", name)
	}
	vpc.Name = name

	return vpc, true, nil
}

// Save writes the record of vpc.
func (s *Store) Save(vpc VPC) error {
	if err := s.fs.MkdirAll(s.dir, 0o755); err != nil {
		return errors.Wrapf(err, "failed to create state directory %s", s.dir)
	}

	data, err := yaml.Marshal(vpc)
	if err != nil {
		return errors.Wrapf(err, "failed to encode metadata of vpc %s", vpc.Name)
	}
	if err := afero.WriteFile(s.fs, s.path(vpc.Name), data, 0o644); err != nil {
		return errors.Wrapf(err, "failed to write metadata of vpc %s", vpc.Name)
	}

	return nil
}

// Delete removes the record of vpc name; a missing record is not an error.
func (s *Store) Delete(name string) error {
	if err := s.fs.Remove(s.path(name)); err != nil && !os.IsNotExist(err) {
		return errors.Wrapf(err, "failed to remove metadata of vpc %s", name)
	}
	return nil
}
