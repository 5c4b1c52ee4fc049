package catalog

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/xeipuuv/gojsonschema"
	"gopkg.in/yaml.v3"
)

// categorySchema describes one category document.
const categorySchema = `{
  "type": "object",
  "required": ["id", "name"],
  "properties": {
    "id": {"type": "integer", "minimum": 1},
    "name": {"type": "string", "minLength": 1},
    "subcategories": {
      "type": "array",
      "items": {
        "type": "object",
        "required": ["id"],
        "properties": {
          "id": {"type": "integer", "minimum": 1},
          "name": {"type": "string"},
          "posts": {
            "type": "array",
            "items": {
              "type": "object",
              "required": ["id"],
              "properties": {
                "id": {"type": "integer", "minimum": 1},
                "title": {"type": "string"}
              }
            }
          }
        }
      }
    }
  }
}`

// Loader loads and caches the content hierarchy from YAML files.
// Each file describes one category with its subcategories and posts.
type Loader struct {
	rootDir       string
	schema        *gojsonschema.Schema
	categories    map[int64]Category
	subcategories map[int64][]int64 // category -> subcategories
	posts         map[int64][]int64 // subcategory -> posts
	subParent     map[int64]int64
	postParent    map[int64]int64
	mu            sync.RWMutex
}

// NewLoader creates a new catalog loader and loads all content.
func NewLoader(rootDir string) (*Loader, error) {
	schema, err := gojsonschema.NewSchema(gojsonschema.NewStringLoader(categorySchema))
	if err != nil {
		return nil, fmt.Errorf("compiling category schema: %w", err)
	}

	l := &Loader{
		rootDir:       rootDir,
		schema:        schema,
		categories:    make(map[int64]Category),
		subcategories: make(map[int64][]int64),
		posts:         make(map[int64][]int64),
		subParent:     make(map[int64]int64),
		postParent:    make(map[int64]int64),
	}

	if err := l.loadAll(); err != nil {
		return nil, fmt.Errorf("loading catalog: %w", err)
	}

	slog.Info("catalog loaded",
		"categories", len(l.categories),
		"subcategories", len(l.subParent),
		"posts", len(l.postParent),
	)
	return l, nil
}

// GetCategory returns a category by ID.
func (l *Loader) GetCategory(id int64) (Category, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	c, ok := l.categories[id]
	return c, ok
}

// AllCategories returns all loaded categories ordered by ID.
func (l *Loader) AllCategories() []Category {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]Category, 0, len(l.categories))
	for _, c := range l.categories {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (l *Loader) PostParent(_ context.Context, postID int64) (int64, int64, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	sub, ok := l.postParent[postID]
	if !ok {
		return 0, 0, fmt.Errorf("post %d: %w", postID, ErrNotFound)
	}
	return sub, l.subParent[sub], nil
}

func (l *Loader) SubcategoryParent(_ context.Context, subcategoryID int64) (int64, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	cat, ok := l.subParent[subcategoryID]
	if !ok {
		return 0, fmt.Errorf("subcategory %d: %w", subcategoryID, ErrNotFound)
	}
	return cat, nil
}

func (l *Loader) CategoryExists(_ context.Context, categoryID int64) (bool, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	_, ok := l.categories[categoryID]
	return ok, nil
}

func (l *Loader) SubcategoriesOf(_ context.Context, categoryID int64) ([]int64, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if _, ok := l.categories[categoryID]; !ok {
		return nil, fmt.Errorf("category %d: %w", categoryID, ErrNotFound)
	}
	return append([]int64{}, l.subcategories[categoryID]...), nil
}

func (l *Loader) PostsOf(_ context.Context, subcategoryID int64) ([]int64, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if _, ok := l.subParent[subcategoryID]; !ok {
		return nil, fmt.Errorf("subcategory %d: %w", subcategoryID, ErrNotFound)
	}
	return append([]int64{}, l.posts[subcategoryID]...), nil
}

func (l *Loader) loadAll() error {
	return filepath.Walk(l.rootDir, func(path string, info os.FileInfo, err error) error {
		if err != nil || info.IsDir() {
			return nil
		}
		if strings.HasSuffix(path, ".yaml") || strings.HasSuffix(path, ".yml") {
			return l.loadCategory(path)
		}
		return nil
	})
}

func (l *Loader) loadCategory(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}

	var raw any
	if err := yaml.Unmarshal(data, &raw); err != nil {
		slog.Warn("skipping invalid catalog YAML", "path", path, "error", err)
		return nil
	}
	if raw == nil {
		return nil
	}

	result, err := l.schema.Validate(gojsonschema.NewGoLoader(raw))
	if err != nil {
		slog.Warn("skipping unreadable catalog document", "path", path, "error", err)
		return nil
	}
	if !result.Valid() {
		slog.Warn("skipping catalog document that fails schema",
			"path", path,
			"errors", describe(result.Errors()),
		)
		return nil
	}

	var cat Category
	if err := yaml.Unmarshal(data, &cat); err != nil {
		slog.Warn("skipping invalid catalog YAML", "path", path, "error", err)
		return nil
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if _, dup := l.categories[cat.ID]; dup {
		return fmt.Errorf("%s: duplicate category id %d", path, cat.ID)
	}
	l.categories[cat.ID] = cat
	for _, sub := range cat.Subcategories {
		if _, dup := l.subParent[sub.ID]; dup {
			return fmt.Errorf("%s: duplicate subcategory id %d", path, sub.ID)
		}
		l.subParent[sub.ID] = cat.ID
		l.subcategories[cat.ID] = append(l.subcategories[cat.ID], sub.ID)
		for _, p := range sub.Posts {
			if _, dup := l.postParent[p.ID]; dup {
				return fmt.Errorf("%s: duplicate post id %d", path, p.ID)
			}
			l.postParent[p.ID] = sub.ID
			l.posts[sub.ID] = append(l.posts[sub.ID], p.ID)
		}
	}

	return nil
}

func describe(errs []gojsonschema.ResultError) string {
	msgs := make([]string, 0, len(errs))
	for _, e := range errs {
		msgs = append(msgs, e.String())
	}
	return strings.Join(msgs, "; ")
}
