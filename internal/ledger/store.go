package ledger

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"

	apperrors "split-trader/internal/errors"
	"split-trader/internal/models"
)

// Store persists the registry as a flat list of records. Load returns
// ErrStateNotFound when nothing has been saved yet.
type Store interface {
	Load(ctx context.Context) ([]Record, error)
	Save(ctx context.Context, records []Record) error
}

// Persist saves every account of reg.
func Persist(ctx context.Context, s Store, reg *Registry) error {
	return s.Save(ctx, reg.Records())
}

// Restore loads the registry. The boolean is false when no state exists,
// which signals a bootstrap from configuration rather than an error.
func Restore(ctx context.Context, s Store) (*Registry, bool, error) {
	records, err := s.Load(ctx)
	if err != nil {
		if apperrors.Is(err, apperrors.ErrStateNotFound) {
			return nil, false, nil
		}
		return nil, false, err
	}
	reg, err := FromRecords(records)
	if err != nil {
		return nil, false, err
	}
	return reg, true, nil
}

// Bootstrap restores the registry, merges the accounts book adds and saves
// when anything changed. It returns the registry and the number of accounts
// created.
func Bootstrap(ctx context.Context, s Store, book models.StrategyBook) (*Registry, int, error) {
	reg, restored, err := Restore(ctx, s)
	if err != nil {
		return nil, 0, fmt.Errorf("restoring state: %w", err)
	}
	if !restored {
		reg = NewRegistry()
	}

	created := reg.Merge(book)
	if created > 0 || !restored {
		if err := Persist(ctx, s, reg); err != nil {
			return nil, 0, fmt.Errorf("saving state: %w", err)
		}
	}
	return reg, created, nil
}

// FileStore keeps the record list in a JSON file.
type FileStore struct {
	Path string
}

// NewFileStore creates a JSON file store at path.
func NewFileStore(path string) *FileStore {
	return &FileStore{Path: path}
}

// Load reads the record list.
func (f *FileStore) Load(ctx context.Context) ([]Record, error) {
	data, err := os.ReadFile(f.Path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, apperrors.ErrStateNotFound
		}
		return nil, fmt.Errorf("reading %s: %w", f.Path, err)
	}

	var records []Record
	if err := json.Unmarshal(data, &records); err != nil {
		return nil, fmt.Errorf("decoding %s: %w", f.Path, err)
	}
	return records, nil
}

// Save writes the record list through a temp file and a rename so a crash
// never leaves a half-written state file.
func (f *FileStore) Save(ctx context.Context, records []Record) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	dir := filepath.Dir(f.Path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("creating state directory: %w", err)
	}

	if records == nil {
		records = []Record{}
	}
	data, err := json.MarshalIndent(records, "", "    ")
	if err != nil {
		return fmt.Errorf("encoding state: %w", err)
	}

	tmp, err := os.CreateTemp(dir, filepath.Base(f.Path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("creating temp state file: %w", err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("writing state: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("closing state: %w", err)
	}
	if err := os.Rename(tmpName, f.Path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("replacing state: %w", err)
	}
	return nil
}

// Backup copies the state file to "<path>.bak" and returns the backup path.
func (f *FileStore) Backup() (string, error) {
	src, err := os.Open(f.Path)
	if err != nil {
		return "", fmt.Errorf("opening state for backup: %w", err)
	}
	defer src.Close()

	backupPath := f.Path + ".bak"
	dst, err := os.Create(backupPath)
	if err != nil {
		return "", fmt.Errorf("creating backup: %w", err)
	}
	if _, err := io.Copy(dst, src); err != nil {
		dst.Close()
		return "", fmt.Errorf("writing backup: %w", err)
	}
	return backupPath, dst.Close()
}
