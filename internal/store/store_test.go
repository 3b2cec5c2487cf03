package store

import (
	"context"
	"errors"
	"testing"

	"AgentMesh-Chain/internal/catalogue"
)

func TestMemoryStoreCRUD(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	def := catalogue.Definition{
		ID:           "sommelier",
		Name:         "Sommelier",
		Description:  "Wine pairing advice.",
		SystemPrompt: "You are a sommelier.",
		Keywords:     []string{"wine"},
	}
	created, err := s.Create(ctx, def)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if created.CreatedAt.IsZero() {
		t.Fatalf("created timestamp missing")
	}

	if _, err := s.Create(ctx, def); !errors.Is(err, ErrAgentExists) {
		t.Fatalf("duplicate create should conflict, got %v", err)
	}

	got, err := s.Get(ctx, "sommelier")
	if err != nil || got.Name != "Sommelier" {
		t.Fatalf("get: %v %+v", err, got)
	}

	def.Name = "Master Sommelier"
	updated, err := s.Update(ctx, def)
	if err != nil || updated.Name != "Master Sommelier" {
		t.Fatalf("update: %v %+v", err, updated)
	}

	all, err := s.List(ctx)
	if err != nil || len(all) != 1 {
		t.Fatalf("list: %v %d", err, len(all))
	}

	if err := s.Delete(ctx, "sommelier"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := s.Get(ctx, "sommelier"); !errors.Is(err, ErrAgentNotFound) {
		t.Fatalf("expected not found after delete, got %v", err)
	}
	if err := s.Delete(ctx, "sommelier"); !errors.Is(err, ErrAgentNotFound) {
		t.Fatalf("double delete should be not found, got %v", err)
	}
}

func TestMemoryStoreValidation(t *testing.T) {
	s := NewMemoryStore()
	if _, err := s.Create(context.Background(), catalogue.Definition{}); err == nil {
		t.Fatalf("empty id should be rejected")
	}
}
