package definitions

import (
	"context"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/rendis/flowgate/internal/engine"
	"github.com/rendis/flowgate/pkg/schema"
)

// Directory resolves workflow ids to definition files under a root
// directory. Files are looked up as <id>.yaml, <id>.yml or <id>.json first;
// otherwise every definition in the tree is scanned for a matching id.
// Parsed definitions are cached by path and modification time.
type Directory struct {
	root string

	mu    sync.Mutex
	cache map[string]cached
}

type cached struct {
	modTime int64
	def     *schema.WorkflowDefinition
}

var _ engine.WorkflowResolver = (*Directory)(nil)

// NewDirectory returns a resolver rooted at root.
func NewDirectory(root string) *Directory {
	return &Directory{root: root, cache: make(map[string]cached)}
}

// Root returns the directory being served.
func (d *Directory) Root() string { return d.root }

func (d *Directory) ResolveWorkflow(ctx context.Context, id string) (*schema.WorkflowDefinition, error) {
	for _, ext := range []string{".yaml", ".yml", ".json"} {
		path := filepath.Join(d.root, id+ext)
		def, err := d.load(path)
		if errors.Is(err, fs.ErrNotExist) {
			continue
		}
		if err != nil {
			return nil, err
		}
		if def.ID == id {
			return def, nil
		}
	}

	defs, err := d.List(ctx)
	if err != nil {
		return nil, err
	}
	for _, def := range defs {
		if def.ID == id {
			return def, nil
		}
	}
	return nil, schema.NewErrorf(schema.ErrCodeNotFound, "workflow %s not found in %s", id, d.root)
}

// List parses every definition file under the root, sorted by id. Files
// that fail to parse are skipped.
func (d *Directory) List(ctx context.Context) ([]*schema.WorkflowDefinition, error) {
	var defs []*schema.WorkflowDefinition
	err := filepath.WalkDir(d.root, func(path string, entry fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if entry.IsDir() {
			return nil
		}
		if _, ferr := FormatOf(path); ferr != nil {
			return nil
		}
		def, lerr := d.load(path)
		if lerr != nil {
			return nil
		}
		defs = append(defs, def)
		return nil
	})
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeNotFound, "scan %s: %v", d.root, err).WithCause(err)
	}
	sort.Slice(defs, func(i, j int) bool { return defs[i].ID < defs[j].ID })
	return defs, nil
}

// load returns a private copy of the parsed file so callers may mutate it.
func (d *Directory) load(path string) (*schema.WorkflowDefinition, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, err
	}
	mod := info.ModTime().UnixNano()

	d.mu.Lock()
	c, ok := d.cache[path]
	d.mu.Unlock()
	if ok && c.modTime == mod {
		return c.def.DeepCopy()
	}

	def, err := LoadFile(path)
	if err != nil {
		return nil, err
	}
	d.mu.Lock()
	d.cache[path] = cached{modTime: mod, def: def}
	d.mu.Unlock()
	return def.DeepCopy()
}
