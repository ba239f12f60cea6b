// Copyright 2025 The go-acp Authors
// This file is part of the go-acp library.
//
// The go-acp library is free software: you can redistribute it and/or modify
// it under the terms of the GNU Lesser General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// The go-acp library is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Lesser General Public License for more details.
//
// You should have received a copy of the GNU Lesser General Public License
// along with the go-acp library. If not, see <http://www.gnu.org/licenses/>.

// Package storage provides durable state for wallets, tasks, reputation and
// registries: atomic JSON snapshots (write-temp, fsync, rename) and a
// SQLite-backed offline message queue.
package storage

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync"

	"github.com/acp-project/go-acp/errs"
	"github.com/acp-project/go-acp/log"
)

// writeRetries is how often a failed snapshot write is retried in-process
// before the error is surfaced.
const writeRetries = 3

// Store persists JSON snapshots below a data directory. Writes to the same
// file serialize on a per-file mutex and are atomic against crashes; reads
// may run concurrently with each other.
type Store struct {
	root string
	log  log.Logger

	mu    sync.Mutex // protects files
	files map[string]*sync.Mutex
}

// NewStore creates a store rooted at dir. The directory is created 0700 on
// first use.
func NewStore(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, errs.New(errs.PersistenceError, "cannot create data dir: %v", err)
	}
	return &Store{
		root:  dir,
		log:   log.New("pkg", "storage"),
		files: make(map[string]*sync.Mutex),
	}, nil
}

// Root returns the data directory.
func (s *Store) Root() string {
	return s.root
}

// Path resolves a relative snapshot path below the data directory.
func (s *Store) Path(parts ...string) string {
	return filepath.Join(append([]string{s.root}, parts...)...)
}

func (s *Store) fileLock(path string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	l := s.files[path]
	if l == nil {
		l = new(sync.Mutex)
		s.files[path] = l
	}
	return l
}

// WriteJSON marshals v and atomically replaces the file at the given
// relative path. Transient write failures are retried before surfacing
// PERSISTENCE_ERROR; on failure the previous file contents stay intact.
func (s *Store) WriteJSON(relpath string, v interface{}) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return errs.New(errs.PersistenceError, "cannot marshal %s: %v", relpath, err)
	}
	path := s.Path(relpath)
	lock := s.fileLock(path)
	lock.Lock()
	defer lock.Unlock()

	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return errs.New(errs.PersistenceError, "cannot create dir for %s: %v", relpath, err)
	}
	for i := 0; ; i++ {
		err = writeAtomic(path, data)
		if err == nil {
			return nil
		}
		if i >= writeRetries {
			break
		}
		s.log.Warn("Snapshot write failed, retrying", "file", relpath, "attempt", i+1, "err", err)
	}
	return errs.New(errs.PersistenceError, "cannot write %s: %v", relpath, err)
}

// ReadJSON unmarshals the file at the given relative path into v. A missing
// file returns os.ErrNotExist wrapped in the error chain.
func (s *Store) ReadJSON(relpath string, v interface{}) error {
	data, err := os.ReadFile(s.Path(relpath))
	if err != nil {
		return err
	}
	if err := json.Unmarshal(data, v); err != nil {
		return errs.New(errs.PersistenceError, "corrupt snapshot %s: %v", relpath, err)
	}
	return nil
}

// Exists reports whether a snapshot file is present.
func (s *Store) Exists(relpath string) bool {
	_, err := os.Stat(s.Path(relpath))
	return err == nil
}

// List returns the file names (without directories) below a relative
// directory, ignoring temporary files.
func (s *Store) List(reldir string) ([]string, error) {
	entries, err := os.ReadDir(s.Path(reldir))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var names []string
	for _, e := range entries {
		if e.IsDir() || e.Name()[0] == '.' {
			continue
		}
		names = append(names, e.Name())
	}
	return names, nil
}

// writeAtomic writes data to a temporary 0600 file in the target directory,
// fsyncs it and renames it over path.
func writeAtomic(path string, data []byte) error {
	f, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".tmp")
	if err != nil {
		return err
	}
	if err := f.Chmod(0600); err != nil {
		f.Close()
		os.Remove(f.Name())
		return err
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(f.Name())
		return err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(f.Name())
		return err
	}
	if err := f.Close(); err != nil {
		os.Remove(f.Name())
		return err
	}
	return os.Rename(f.Name(), path)
}
