package roles_test

import (
	"slices"
	"testing"

	"github.com/p-n-ai/pai-training/internal/notify"
	"github.com/p-n-ai/pai-training/internal/platform/database/databasetest"
	"github.com/p-n-ai/pai-training/internal/roles"
)

func TestAssigner_GrantsOnTrainingStatusChanged(t *testing.T) {
	ctx := t.Context()
	store := roles.NewMemoryStore()
	a := roles.NewAssigner(store, "")

	if err := a.Handle(ctx, notify.Event{Type: notify.EventTrainingStatusChanged, UserID: 42}); err != nil {
		t.Fatalf("Handle() error = %v", err)
	}
	// Repeated delivery is harmless.
	if err := a.Handle(ctx, notify.Event{Type: notify.EventTrainingStatusChanged, UserID: 42}); err != nil {
		t.Fatalf("Handle() error = %v", err)
	}

	got, err := store.Roles(ctx, 42)
	if err != nil {
		t.Fatalf("Roles() error = %v", err)
	}
	if !slices.Equal(got, []string{roles.RoleTrained}) {
		t.Errorf("Roles() = %v, want [%s]", got, roles.RoleTrained)
	}
}

func TestAssigner_IgnoresOtherEvents(t *testing.T) {
	ctx := t.Context()
	store := roles.NewMemoryStore()
	a := roles.NewAssigner(store, "certified")

	if err := a.Handle(ctx, notify.Event{Type: "something_else", UserID: 1}); err != nil {
		t.Fatalf("Handle() error = %v", err)
	}
	got, _ := store.Roles(ctx, 1)
	if len(got) != 0 {
		t.Errorf("Roles() = %v, want none", got)
	}
}

func TestAssigner_RejectsEventWithoutUser(t *testing.T) {
	a := roles.NewAssigner(roles.NewMemoryStore(), "")
	if err := a.Handle(t.Context(), notify.Event{Type: notify.EventTrainingStatusChanged}); err == nil {
		t.Fatal("Handle() should fail for an event without a user")
	}
}

func TestMemoryStore_GrantReportsNewRolesOnly(t *testing.T) {
	ctx := t.Context()
	store := roles.NewMemoryStore()

	granted, err := store.Grant(ctx, 5, "trained")
	if err != nil || !granted {
		t.Fatalf("first Grant() = %v, %v; want true, nil", granted, err)
	}
	granted, err = store.Grant(ctx, 5, "trained")
	if err != nil || granted {
		t.Fatalf("second Grant() = %v, %v; want false, nil", granted, err)
	}
}

func TestPostgresStore_Grant(t *testing.T) {
	store, err := roles.NewPostgresStore(databasetest.New(t))
	if err != nil {
		t.Fatalf("NewPostgresStore() error = %v", err)
	}
	ctx := t.Context()
	a := roles.NewAssigner(store, roles.RoleTrained)

	for i := 0; i < 2; i++ {
		if err := a.Handle(ctx, notify.Event{Type: notify.EventTrainingStatusChanged, UserID: 9}); err != nil {
			t.Fatalf("Handle() error = %v", err)
		}
	}
	granted, err := store.Grant(ctx, 9, roles.RoleTrained)
	if err != nil {
		t.Fatalf("Grant() error = %v", err)
	}
	if granted {
		t.Error("Grant() = true for a role already held")
	}

	got, err := store.Roles(ctx, 9)
	if err != nil {
		t.Fatalf("Roles() error = %v", err)
	}
	if !slices.Equal(got, []string{roles.RoleTrained}) {
		t.Errorf("Roles() = %v, want [%s]", got, roles.RoleTrained)
	}
}
