package database_test

import (
	"context"
	"testing"

	"github.com/kozaktomas/face-grouper/internal/database"
	"github.com/kozaktomas/face-grouper/internal/database/memory"
)

func TestProvider_RegisterAndReset(t *testing.T) {
	t.Cleanup(database.ResetGroupStore)
	ctx := context.Background()

	database.ResetGroupStore()
	if _, err := database.GetGroupWriter(ctx); err == nil {
		t.Fatal("expected error before a backend is registered")
	}
	if _, err := database.GetGroupReader(ctx); err == nil {
		t.Fatal("expected reader error before a backend is registered")
	}
	if database.BackendName() != "" {
		t.Errorf("expected empty backend name, got %q", database.BackendName())
	}

	store := memory.New()
	database.RegisterGroupStore("memory", func() database.GroupWriter { return store })
	database.RegisterProbeIndex(database.NewProbeIndex())

	w, err := database.GetGroupWriter(ctx)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if w != database.GroupWriter(store) {
		t.Error("expected the registered store")
	}
	if database.BackendName() != "memory" {
		t.Errorf("expected backend 'memory', got %q", database.BackendName())
	}
	if database.GetProbeIndex() == nil {
		t.Error("expected registered probe index")
	}

	database.ResetGroupStore()
	if database.GetProbeIndex() != nil {
		t.Error("expected probe index cleared by reset")
	}
	if _, err := database.GetGroupReader(ctx); err == nil {
		t.Error("expected error after reset")
	}
}
