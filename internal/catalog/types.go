package catalog

import (
	"context"
	"errors"
)

// ErrNotFound is returned when a content ID does not resolve.
var ErrNotFound = errors.New("content not found")

// Category represents a top-level forum category loaded from YAML.
type Category struct {
	ID            int64         `yaml:"id"`
	Name          string        `yaml:"name"`
	Subcategories []Subcategory `yaml:"subcategories"`
}

// Subcategory represents a subcategory within a category.
type Subcategory struct {
	ID    int64  `yaml:"id"`
	Name  string `yaml:"name"`
	Posts []Post `yaml:"posts"`
}

// Post represents an individual article, the only completion-bearing content.
type Post struct {
	ID    int64  `yaml:"id"`
	Title string `yaml:"title"`
}

// Reader resolves the category → subcategory → post hierarchy.
// It is implemented by Loader (YAML files) and PostgresCatalog (forum tables).
type Reader interface {
	PostParent(ctx context.Context, postID int64) (subcategoryID, categoryID int64, err error)
	SubcategoryParent(ctx context.Context, subcategoryID int64) (categoryID int64, err error)
	CategoryExists(ctx context.Context, categoryID int64) (bool, error)
	SubcategoriesOf(ctx context.Context, categoryID int64) ([]int64, error)
	PostsOf(ctx context.Context, subcategoryID int64) ([]int64, error)
}
