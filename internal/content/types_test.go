package content_test

import (
	"slices"
	"testing"

	"github.com/p-n-ai/pai-training/internal/content"
)

func TestNormalize(t *testing.T) {
	tests := []struct {
		name    string
		raw     string
		want    content.Type
		wantErr bool
	}{
		{"canonical post", "post", content.TypePost, false},
		{"plural", "posts", content.TypePost, false},
		{"article", "article", content.TypePost, false},
		{"post_item", "post_item", content.TypePost, false},
		{"empty is post", "", content.TypePost, false},
		{"whitespace is post", "   ", content.TypePost, false},
		{"upper case", "ARTICLE", content.TypePost, false},
		{"subcat", "subcat", content.TypeSubcategory, false},
		{"subcategory", "Subcategory", content.TypeSubcategory, false},
		{"cat", "cat", content.TypeCategory, false},
		{"category", " category ", content.TypeCategory, false},
		{"unknown", "video", "", true},
		{"near miss", "catgory", "", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := content.Normalize(tt.raw)
			if (err != nil) != tt.wantErr {
				t.Fatalf("Normalize(%q) error = %v, wantErr %v", tt.raw, err, tt.wantErr)
			}
			if got != tt.want {
				t.Errorf("Normalize(%q) = %q, want %q", tt.raw, got, tt.want)
			}
		})
	}
}

func TestParse_RejectsAliases(t *testing.T) {
	for _, raw := range []string{"", "posts", "article", "subcat", "cat"} {
		if _, err := content.Parse(raw); err == nil {
			t.Errorf("Parse(%q) should reject legacy spelling", raw)
		}
	}
	for _, raw := range []string{"post", "subcategory", "category", "POST"} {
		if _, err := content.Parse(raw); err != nil {
			t.Errorf("Parse(%q) error = %v", raw, err)
		}
	}
}

func TestAliases(t *testing.T) {
	got := content.Aliases(content.TypePost)
	want := []string{"", "article", "post", "post_item", "posts"}
	if !slices.Equal(got, want) {
		t.Errorf("Aliases(post) = %v, want %v", got, want)
	}

	got = content.Aliases(content.TypeCategory)
	if !slices.Equal(got, []string{"cat", "category"}) {
		t.Errorf("Aliases(category) = %v", got)
	}
}

func TestSame(t *testing.T) {
	if !content.Same("", "article") {
		t.Error("empty and article should both be posts")
	}
	if content.Same("cat", "subcat") {
		t.Error("category and subcategory must differ")
	}
	if content.Same("video", "video") {
		t.Error("unknown tags must never match")
	}
}

func TestCompletable(t *testing.T) {
	if !content.TypePost.Completable() {
		t.Error("post should be completable")
	}
	if content.TypeCategory.Completable() || content.TypeSubcategory.Completable() {
		t.Error("markers should not be completable")
	}
}
