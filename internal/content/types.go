// Package content canonicalizes content-type tags used by course membership,
// progress records and quizzes.
//
// Historical rows carry several spellings for the same type ("posts",
// "article", "subcat", or an empty string). Every comparison in the engine
// goes through Normalize so that all of them agree on one vocabulary. New
// writes should use Parse, which only accepts the canonical names.
package content

import (
	"fmt"
	"sort"
	"strings"

	"golang.org/x/text/cases"
)

// Type is a canonical content type.
type Type string

const (
	TypeCategory    Type = "category"
	TypeSubcategory Type = "subcategory"
	TypePost        Type = "post"
)

// aliases maps every known stored spelling to its canonical type.
// The empty string maps to post by legacy convention.
var aliases = map[string]Type{
	"":            TypePost,
	"post":        TypePost,
	"posts":       TypePost,
	"article":     TypePost,
	"post_item":   TypePost,
	"subcategory": TypeSubcategory,
	"subcat":      TypeSubcategory,
	"category":    TypeCategory,
	"cat":         TypeCategory,
}

// fold lowers and case-folds a tag. Casers are stateful, so each call gets its own.
func fold(s string) string {
	return cases.Fold().String(strings.TrimSpace(s))
}

// Normalize maps a stored content-type tag to its canonical type.
// Unknown tags are rejected rather than guessed.
func Normalize(raw string) (Type, error) {
	key := fold(raw)
	t, ok := aliases[key]
	if !ok {
		return "", fmt.Errorf("unknown content type %q", raw)
	}
	return t, nil
}

// Parse accepts only canonical type names. It is used at the write boundary
// so that new rows never introduce legacy spellings.
func Parse(raw string) (Type, error) {
	t := Type(fold(raw))
	if !t.Valid() {
		return "", fmt.Errorf("unknown content type %q", raw)
	}
	return t, nil
}

// Valid reports whether t is one of the canonical types.
func (t Type) Valid() bool {
	switch t {
	case TypeCategory, TypeSubcategory, TypePost:
		return true
	}
	return false
}

// Completable reports whether items of this type count toward completion.
func (t Type) Completable() bool {
	return t == TypePost
}

func (t Type) String() string {
	return string(t)
}

// Aliases returns every stored spelling that normalizes to t, sorted.
// The empty string is included for TypePost.
func Aliases(t Type) []string {
	out := make([]string, 0, 4)
	for k, v := range aliases {
		if v == t {
			out = append(out, k)
		}
	}
	sort.Strings(out)
	return out
}

// Same reports whether two stored tags refer to the same canonical type.
// Unknown tags never match anything.
func Same(a, b string) bool {
	ta, err := Normalize(a)
	if err != nil {
		return false
	}
	tb, err := Normalize(b)
	if err != nil {
		return false
	}
	return ta == tb
}
