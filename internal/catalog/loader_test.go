package catalog_test

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"slices"
	"testing"

	"github.com/p-n-ai/pai-training/internal/catalog"
)

func TestLoader_LoadCategories(t *testing.T) {
	dir := setupTestCatalog(t)

	loader, err := catalog.NewLoader(dir)
	if err != nil {
		t.Fatalf("NewLoader() error = %v", err)
	}

	cats := loader.AllCategories()
	if len(cats) != 1 {
		t.Fatalf("AllCategories() = %d, want 1", len(cats))
	}
	if cats[0].Name != "Onboarding" {
		t.Errorf("Name = %q, want Onboarding", cats[0].Name)
	}
}

func TestLoader_Hierarchy(t *testing.T) {
	ctx := context.Background()
	loader, err := catalog.NewLoader(setupTestCatalog(t))
	if err != nil {
		t.Fatalf("NewLoader() error = %v", err)
	}

	sub, cat, err := loader.PostParent(ctx, 102)
	if err != nil {
		t.Fatalf("PostParent() error = %v", err)
	}
	if sub != 10 || cat != 1 {
		t.Errorf("PostParent(102) = (%d, %d), want (10, 1)", sub, cat)
	}

	subs, err := loader.SubcategoriesOf(ctx, 1)
	if err != nil {
		t.Fatalf("SubcategoriesOf() error = %v", err)
	}
	if !slices.Equal(subs, []int64{10, 11}) {
		t.Errorf("SubcategoriesOf(1) = %v, want [10 11]", subs)
	}

	posts, err := loader.PostsOf(ctx, 10)
	if err != nil {
		t.Fatalf("PostsOf() error = %v", err)
	}
	if !slices.Equal(posts, []int64{101, 102}) {
		t.Errorf("PostsOf(10) = %v, want [101 102]", posts)
	}

	parent, err := loader.SubcategoryParent(ctx, 11)
	if err != nil || parent != 1 {
		t.Errorf("SubcategoryParent(11) = %d, %v; want 1", parent, err)
	}
}

func TestLoader_NotFound(t *testing.T) {
	ctx := context.Background()
	loader, err := catalog.NewLoader(setupTestCatalog(t))
	if err != nil {
		t.Fatalf("NewLoader() error = %v", err)
	}

	if _, _, err := loader.PostParent(ctx, 999); !errors.Is(err, catalog.ErrNotFound) {
		t.Errorf("PostParent(999) error = %v, want ErrNotFound", err)
	}
	if _, err := loader.PostsOf(ctx, 999); !errors.Is(err, catalog.ErrNotFound) {
		t.Errorf("PostsOf(999) error = %v, want ErrNotFound", err)
	}
	if ok, _ := loader.CategoryExists(ctx, 2); ok {
		t.Error("CategoryExists(2) should be false")
	}
}

func TestLoader_SkipsDocumentsFailingSchema(t *testing.T) {
	dir := setupTestCatalog(t)

	os.WriteFile(filepath.Join(dir, "broken.yaml"), []byte(`
id: -4
subcategories: "nope"
`), 0o644)

	loader, err := catalog.NewLoader(dir)
	if err != nil {
		t.Fatalf("NewLoader() error = %v", err)
	}
	if got := len(loader.AllCategories()); got != 1 {
		t.Errorf("AllCategories() = %d, want 1 (invalid document should be skipped)", got)
	}
}

func TestLoader_DuplicatePostID(t *testing.T) {
	dir := setupTestCatalog(t)

	os.WriteFile(filepath.Join(dir, "dup.yaml"), []byte(`
id: 2
name: Duplicates
subcategories:
  - id: 20
    posts:
      - id: 101
`), 0o644)

	if _, err := catalog.NewLoader(dir); err == nil {
		t.Fatal("NewLoader() should fail on duplicate post id")
	}
}

func TestLoader_EmptyDir(t *testing.T) {
	loader, err := catalog.NewLoader(t.TempDir())
	if err != nil {
		t.Fatalf("NewLoader() error = %v", err)
	}
	if len(loader.AllCategories()) != 0 {
		t.Error("AllCategories() should be empty for empty dir")
	}
}

func setupTestCatalog(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()

	os.WriteFile(filepath.Join(dir, "onboarding.yaml"), []byte(`
id: 1
name: Onboarding
subcategories:
  - id: 10
    name: Security
    posts:
      - id: 101
        title: Passwords
      - id: 102
        title: Phishing
  - id: 11
    name: Tools
    posts:
      - id: 111
        title: Laptop setup
`), 0o644)

	return dir
}
