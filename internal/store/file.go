package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"

	"github.com/KaramelBytes/chatstream/internal/utils"
)

// File keeps all keys in a single JSON object on disk. Every Set rewrites the
// whole file through an atomic rename.
type File struct {
	path string

	mu   sync.Mutex
	data map[string]string
}

// NewFile opens (or lazily creates) the JSON store at path.
func NewFile(path string) (*File, error) {
	if path == "" {
		return nil, errors.New("file store path not set")
	}
	f := &File{path: path, data: make(map[string]string)}
	b, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return f, nil
		}
		return nil, fmt.Errorf("read store: %w", err)
	}
	if len(b) == 0 {
		return f, nil
	}
	if err := json.Unmarshal(b, &f.data); err != nil {
		return nil, fmt.Errorf("parse store %s: %w", path, err)
	}
	return f, nil
}

func (f *File) Get(_ context.Context, key string) (string, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	v, ok := f.data[key]
	return v, ok, nil
}

func (f *File) Set(ctx context.Context, key, value string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	prev, had := f.data[key]
	f.data[key] = value
	if err := f.flushLocked(); err != nil {
		// keep memory consistent with disk
		if had {
			f.data[key] = prev
		} else {
			delete(f.data, key)
		}
		return err
	}
	return nil
}

func (f *File) flushLocked() error {
	if err := utils.EnsureDir(filepath.Dir(f.path)); err != nil {
		return fmt.Errorf("ensure dir: %w", err)
	}
	data, err := utils.PrettyJSON(f.data)
	if err != nil {
		return err
	}
	return utils.SafeWriteFile(f.path, data)
}

func (f *File) Close() error { return nil }
