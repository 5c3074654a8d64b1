package rules

import (
	"errors"
	"testing"

	"github.com/rs/zerolog"

	"github.com/steveyegge/rigwatch/internal/statedir"
)

func testStore(t *testing.T) (*Store, *statedir.Dir) {
	t.Helper()
	dir, err := statedir.Open(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { dir.Close() })
	s, err := NewStore(dir, zerolog.Nop())
	if err != nil {
		t.Fatal(err)
	}
	return s, dir
}

func TestStoreCreate(t *testing.T) {
	s, _ := testStore(t)

	created, err := s.Create(validRule())
	if err != nil {
		t.Fatal(err)
	}
	if created.ID == "" {
		t.Error("created rule has no id")
	}
	if created.Severity != SeverityWarning {
		t.Errorf("default severity = %q, want warning", created.Severity)
	}
	if created.CreatedAt.IsZero() || created.UpdatedAt.IsZero() {
		t.Error("timestamps not set")
	}

	if _, err := s.Create(validRule()); !errors.Is(err, ErrConflict) {
		t.Errorf("duplicate name: err = %v, want ErrConflict", err)
	}
}

func TestStoreDeleteThenRecreateGetsFreshID(t *testing.T) {
	s, _ := testStore(t)

	first, err := s.Create(validRule())
	if err != nil {
		t.Fatal(err)
	}
	if err := s.Delete(first.ID); err != nil {
		t.Fatal(err)
	}
	if err := s.Delete(first.ID); !errors.Is(err, ErrNotFound) {
		t.Errorf("double delete: err = %v, want ErrNotFound", err)
	}

	second, err := s.Create(validRule())
	if err != nil {
		t.Fatal(err)
	}
	if second.ID == first.ID {
		t.Error("recreated rule reuses the deleted id")
	}
}

func TestStoreUpdate(t *testing.T) {
	s, _ := testStore(t)
	created, err := s.Create(validRule())
	if err != nil {
		t.Fatal(err)
	}

	r := created
	r.Description = "agents stuck in error"
	r.CooldownMs = 30000
	updated, err := s.Update(created.ID, r)
	if err != nil {
		t.Fatal(err)
	}
	if updated.ID != created.ID {
		t.Error("update changed the id")
	}
	if !updated.CreatedAt.Equal(created.CreatedAt) {
		t.Error("update changed creation time")
	}
	if updated.CooldownMs != 30000 {
		t.Errorf("cooldownMs = %d", updated.CooldownMs)
	}

	if _, err := s.Update("no-such-id", r); !errors.Is(err, ErrNotFound) {
		t.Errorf("missing id: err = %v", err)
	}

	other := validRule()
	other.Name = "other-rule"
	if _, err := s.Create(other); err != nil {
		t.Fatal(err)
	}
	r.Name = "other-rule"
	if _, err := s.Update(created.ID, r); !errors.Is(err, ErrConflict) {
		t.Errorf("rename onto existing name: err = %v, want ErrConflict", err)
	}
}

func TestStoreToggle(t *testing.T) {
	s, _ := testStore(t)
	created, err := s.Create(validRule())
	if err != nil {
		t.Fatal(err)
	}

	toggled, err := s.Toggle(created.ID)
	if err != nil {
		t.Fatal(err)
	}
	if toggled.Enabled {
		t.Error("toggle did not disable the rule")
	}
	if got := len(s.active()); got != 0 {
		t.Errorf("active() = %d rules after disable", got)
	}

	toggled, err = s.Toggle(created.ID)
	if err != nil {
		t.Fatal(err)
	}
	if !toggled.Enabled {
		t.Error("second toggle did not re-enable")
	}
}

func TestStorePersistsAcrossReload(t *testing.T) {
	path := t.TempDir()
	dir, err := statedir.Open(path)
	if err != nil {
		t.Fatal(err)
	}
	s, err := NewStore(dir, zerolog.Nop())
	if err != nil {
		t.Fatal(err)
	}
	created, err := s.Create(validRule())
	if err != nil {
		t.Fatal(err)
	}
	dir.Close()

	dir2, err := statedir.Open(path)
	if err != nil {
		t.Fatal(err)
	}
	defer dir2.Close()
	s2, err := NewStore(dir2, zerolog.Nop())
	if err != nil {
		t.Fatal(err)
	}
	got, err := s2.Get(created.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Name != created.Name || !got.Enabled {
		t.Errorf("reloaded rule = %+v", got)
	}
}
