package training

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/p-n-ai/pai-training/internal/catalog"
	"github.com/p-n-ai/pai-training/internal/content"
)

// AddMode selects how AddContent expands the requested items.
type AddMode string

const (
	// AddSingle adds exactly the requested items. Posts also get their
	// parent markers, which are not counted.
	AddSingle AddMode = "single"
	// AddBulk adds each requested category or subcategory together with
	// everything under it.
	AddBulk AddMode = "bulk"
)

// ItemInput is one requested (type, id) pair as received from a caller.
type ItemInput struct {
	Type string `json:"type"`
	ID   int64  `json:"id"`
}

// AddContentRequest adds content to a course.
type AddContentRequest struct {
	CourseID int64
	Mode     AddMode
	Items    []ItemInput
	AddedBy  int64
}

// AddResult counts requested items that were inserted and those that were
// already present.
type AddResult struct {
	Added   int `json:"added"`
	Skipped int `json:"skipped"`
}

// AddContent applies a single or bulk add. Every row is written in one store
// call, so a failure adds nothing.
func (e *Engine) AddContent(ctx context.Context, req AddContentRequest) (AddResult, error) {
	if err := requirePositive("course_id", req.CourseID); err != nil {
		return AddResult{}, err
	}
	if len(req.Items) == 0 {
		return AddResult{}, invalid("items", "must not be empty")
	}
	mode := req.Mode
	if mode == "" {
		mode = AddSingle
	}
	if mode != AddSingle && mode != AddBulk {
		return AddResult{}, invalid("mode", fmt.Sprintf("unknown mode %q", req.Mode))
	}

	var plan addPlan
	for _, in := range req.Items {
		t, err := content.Parse(in.Type)
		if err != nil {
			return AddResult{}, invalid("type", err.Error())
		}
		if err := requirePositive("id", in.ID); err != nil {
			return AddResult{}, err
		}
		ref := ItemRef{Type: t, ID: in.ID}
		if mode == AddBulk {
			err = e.planBulk(ctx, &plan, ref)
		} else {
			err = e.planSingle(ctx, &plan, ref)
		}
		if err != nil {
			return AddResult{}, err
		}
	}
	return e.applyPlan(ctx, req.CourseID, req.AddedBy, plan)
}

// AddItem adds one item and reports whether a row was inserted.
func (e *Engine) AddItem(ctx context.Context, courseID int64, t content.Type, id, addedBy int64) (bool, error) {
	res, err := e.AddContent(ctx, AddContentRequest{
		CourseID: courseID,
		Mode:     AddSingle,
		Items:    []ItemInput{{Type: string(t), ID: id}},
		AddedBy:  addedBy,
	})
	if err != nil {
		return false, err
	}
	return res.Added > 0, nil
}

// AddAll adds a category, every subcategory under it and every post under
// those subcategories, in that order.
func (e *Engine) AddAll(ctx context.Context, courseID, categoryID, addedBy int64) (AddResult, error) {
	return e.AddContent(ctx, AddContentRequest{
		CourseID: courseID,
		Mode:     AddBulk,
		Items:    []ItemInput{{Type: string(content.TypeCategory), ID: categoryID}},
		AddedBy:  addedBy,
	})
}

// addPlan is the ordered list of rows to insert. Counted rows are the ones
// the caller asked for; implicit rows are parent markers.
type addPlan struct {
	rows    []ItemRef
	counted []bool
}

func (p *addPlan) add(ref ItemRef, counted bool) {
	p.rows = append(p.rows, ref)
	p.counted = append(p.counted, counted)
}

func (e *Engine) planSingle(ctx context.Context, p *addPlan, ref ItemRef) error {
	if e.catalog == nil {
		p.add(ref, true)
		return nil
	}
	switch ref.Type {
	case content.TypePost:
		sub, cat, err := e.catalog.PostParent(ctx, ref.ID)
		if err != nil {
			return catalogErr("post", ref.ID, err)
		}
		p.add(ItemRef{Type: content.TypeCategory, ID: cat}, false)
		p.add(ItemRef{Type: content.TypeSubcategory, ID: sub}, false)
	case content.TypeSubcategory:
		if _, err := e.catalog.SubcategoryParent(ctx, ref.ID); err != nil {
			return catalogErr("subcategory", ref.ID, err)
		}
	case content.TypeCategory:
		ok, err := e.catalog.CategoryExists(ctx, ref.ID)
		if err != nil {
			return fmt.Errorf("lookup category: %w", err)
		}
		if !ok {
			return notFound("category", ref.ID)
		}
	}
	p.add(ref, true)
	return nil
}

func (e *Engine) planBulk(ctx context.Context, p *addPlan, ref ItemRef) error {
	if e.catalog == nil {
		return invalid("mode", "bulk add needs a content catalog")
	}
	switch ref.Type {
	case content.TypeCategory:
		subs, err := e.catalog.SubcategoriesOf(ctx, ref.ID)
		if err != nil {
			return catalogErr("category", ref.ID, err)
		}
		p.add(ref, true)
		for _, sub := range subs {
			p.add(ItemRef{Type: content.TypeSubcategory, ID: sub}, true)
		}
		for _, sub := range subs {
			if err := e.planPosts(ctx, p, sub); err != nil {
				return err
			}
		}
		return nil
	case content.TypeSubcategory:
		cat, err := e.catalog.SubcategoryParent(ctx, ref.ID)
		if err != nil {
			return catalogErr("subcategory", ref.ID, err)
		}
		p.add(ItemRef{Type: content.TypeCategory, ID: cat}, false)
		p.add(ref, true)
		return e.planPosts(ctx, p, ref.ID)
	default:
		return e.planSingle(ctx, p, ref)
	}
}

func (e *Engine) planPosts(ctx context.Context, p *addPlan, subcategoryID int64) error {
	posts, err := e.catalog.PostsOf(ctx, subcategoryID)
	if err != nil {
		return catalogErr("subcategory", subcategoryID, err)
	}
	for _, post := range posts {
		p.add(ItemRef{Type: content.TypePost, ID: post}, true)
	}
	return nil
}

func (e *Engine) applyPlan(ctx context.Context, courseID, addedBy int64, p addPlan) (AddResult, error) {
	now := e.now()
	items := make([]CourseItem, len(p.rows))
	for i, ref := range p.rows {
		items[i] = CourseItem{
			CourseID:    courseID,
			ContentType: string(ref.Type),
			ContentID:   ref.ID,
			IsRequired:  true,
			AddedBy:     addedBy,
			AddedAt:     now,
		}
	}

	added, err := e.store.AddItems(ctx, courseID, items)
	if err != nil {
		return AddResult{}, err
	}

	inserted := make(map[ItemRef]bool, len(added))
	for _, ref := range added {
		inserted[ref] = true
	}
	var res AddResult
	for i, ref := range p.rows {
		if !p.counted[i] {
			continue
		}
		if inserted[ref] {
			res.Added++
			// A ref counts as added once; a repeat in the same request is a duplicate.
			delete(inserted, ref)
			continue
		}
		res.Skipped++
	}

	if len(added) > 0 {
		e.invalidateCourse(ctx, courseID)
	}
	slog.Info("course content added",
		"course_id", courseID,
		"added", res.Added,
		"skipped", res.Skipped,
		"markers", len(added)-res.Added,
	)
	return res, nil
}

// RemoveItem removes one item from a course. Removing a post also removes
// parent subcategory and category rows left without any post in the course,
// and orphans the post's quizzes once no course contains it. Removing a
// category or subcategory directly deletes only that row.
func (e *Engine) RemoveItem(ctx context.Context, courseID int64, t content.Type, id int64) (PostRemoval, error) {
	if err := requirePositive("course_id", courseID); err != nil {
		return PostRemoval{}, err
	}
	if err := requirePositive("id", id); err != nil {
		return PostRemoval{}, err
	}
	if !t.Valid() {
		return PostRemoval{}, invalid("type", fmt.Sprintf("unknown content type %q", t))
	}

	if t != content.TypePost {
		removed, err := e.store.RemoveMarker(ctx, courseID, ItemRef{Type: t, ID: id})
		if err != nil {
			return PostRemoval{}, err
		}
		if !removed {
			return PostRemoval{}, notFound("course item", id)
		}
		e.invalidateCourse(ctx, courseID)
		slog.Info("course marker removed", "course_id", courseID, "type", t, "id", id)
		return PostRemoval{}, nil
	}

	lineage, err := e.lineage(ctx, id)
	if err != nil {
		return PostRemoval{}, err
	}
	res, err := e.store.RemovePost(ctx, courseID, lineage)
	if err != nil {
		return PostRemoval{}, err
	}
	e.invalidateCourse(ctx, courseID)

	slog.Info("course post removed",
		"course_id", courseID,
		"post_id", id,
		"subcategory_removed", res.SubcategoryRemoved,
		"category_removed", res.CategoryRemoved,
		"quizzes_orphaned", res.QuizzesOrphaned,
	)
	return res, nil
}

// lineage resolves the hierarchy around a post. A post the catalog no longer
// knows yields a lineage without parents: its row can still be removed.
func (e *Engine) lineage(ctx context.Context, postID int64) (Lineage, error) {
	l := Lineage{PostID: postID}
	if e.catalog == nil {
		return l, nil
	}

	sub, cat, err := e.catalog.PostParent(ctx, postID)
	if errors.Is(err, catalog.ErrNotFound) {
		slog.Warn("post missing from catalog, removing without cascade", "post_id", postID)
		return l, nil
	}
	if err != nil {
		return Lineage{}, fmt.Errorf("lookup post parent: %w", err)
	}
	l.SubcategoryID = sub
	l.CategoryID = cat

	if l.SubcategoryPosts, err = e.catalog.PostsOf(ctx, sub); err != nil {
		return Lineage{}, fmt.Errorf("list subcategory posts: %w", err)
	}
	if l.CategorySubcategories, err = e.catalog.SubcategoriesOf(ctx, cat); err != nil {
		return Lineage{}, fmt.Errorf("list category subcategories: %w", err)
	}
	for _, s := range l.CategorySubcategories {
		posts, err := e.catalog.PostsOf(ctx, s)
		if err != nil {
			return Lineage{}, fmt.Errorf("list category posts: %w", err)
		}
		l.CategoryPosts = append(l.CategoryPosts, posts...)
	}
	return l, nil
}

func catalogErr(kind string, id int64, err error) error {
	if errors.Is(err, catalog.ErrNotFound) {
		return notFound(kind, id)
	}
	return fmt.Errorf("lookup %s: %w", kind, err)
}
