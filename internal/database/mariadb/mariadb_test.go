//go:build integration

package mariadb

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/kozaktomas/face-grouper/internal/database"
	"github.com/kozaktomas/face-grouper/internal/database/storetest"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

func setupTestContainer(t *testing.T) (string, func()) {
	ctx := context.Background()

	req := testcontainers.ContainerRequest{
		Image:        "mariadb:11",
		ExposedPorts: []string{"3306/tcp"},
		Env: map[string]string{
			"MARIADB_USER":          "test",
			"MARIADB_PASSWORD":      "test",
			"MARIADB_DATABASE":      "testdb",
			"MARIADB_ROOT_PASSWORD": "root",
		},
		WaitingFor: wait.ForLog("ready for connections").
			WithOccurrence(2).
			WithStartupTimeout(90 * time.Second),
	}

	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	if err != nil {
		t.Skipf("Docker not available or container failed to start, skipping integration test: %v", err)
		return "", func() {}
	}

	host, err := container.Host(ctx)
	if err != nil {
		t.Fatalf("Failed to get container host: %v", err)
	}
	port, err := container.MappedPort(ctx, "3306")
	if err != nil {
		t.Fatalf("Failed to get container port: %v", err)
	}

	dsn := fmt.Sprintf("test:test@tcp(%s:%s)/testdb", host, port.Port())

	pool, err := NewPool(dsn)
	if err != nil {
		container.Terminate(ctx)
		t.Fatalf("Failed to create pool: %v", err)
	}
	defer pool.Close()

	if err := pool.EnsureSchema(ctx); err != nil {
		container.Terminate(ctx)
		t.Fatalf("Failed to apply schema: %v", err)
	}

	return dsn, func() { container.Terminate(ctx) }
}

func TestGroupRepository(t *testing.T) {
	dsn, cleanup := setupTestContainer(t)
	if dsn == "" {
		return
	}
	defer cleanup()

	storetest.Run(t, func(t *testing.T) database.GroupWriter {
		pool, err := NewPool(dsn)
		if err != nil {
			t.Fatalf("Failed to create pool: %v", err)
		}
		ctx := context.Background()
		for _, stmt := range []string{"DELETE FROM embeddings", "DELETE FROM face_groups"} {
			if _, err := pool.DB().ExecContext(ctx, stmt); err != nil {
				pool.Close()
				t.Fatalf("Failed to clear tables: %v", err)
			}
		}
		return NewGroupRepository(pool)
	})
}

func TestEnsureSchemaIsIdempotent(t *testing.T) {
	dsn, cleanup := setupTestContainer(t)
	if dsn == "" {
		return
	}
	defer cleanup()

	pool, err := NewPool(dsn)
	if err != nil {
		t.Fatalf("Failed to create pool: %v", err)
	}
	defer pool.Close()

	if err := pool.EnsureSchema(context.Background()); err != nil {
		t.Fatalf("second EnsureSchema: %v", err)
	}

	var locks int
	if err := pool.DB().QueryRow("SELECT COUNT(*) FROM assignment_lock").Scan(&locks); err != nil {
		t.Fatalf("count lock rows: %v", err)
	}
	if locks != 1 {
		t.Errorf("expected exactly one lock row, got %d", locks)
	}
}
