package orderstore

import (
	"path/filepath"
	"testing"
)

func TestBuildBackendFromDSN(t *testing.T) {
	backend, err := BuildBackendFromDSN("")
	if err != nil {
		t.Fatalf("empty dsn: %v", err)
	}
	if _, ok := backend.(*MemoryBackend); !ok {
		t.Fatalf("empty dsn should be memory, got %T", backend)
	}

	backend, err = BuildBackendFromDSN("memory://")
	if err != nil {
		t.Fatalf("memory dsn: %v", err)
	}
	if _, ok := backend.(*MemoryBackend); !ok {
		t.Fatalf("got %T", backend)
	}

	path := filepath.Join(t.TempDir(), "orders.json")
	backend, err = BuildBackendFromDSN("file://" + path)
	if err != nil {
		t.Fatalf("file dsn: %v", err)
	}
	if _, ok := backend.(*FileBackend); !ok {
		t.Fatalf("got %T", backend)
	}

	// a bare path works too
	backend, err = BuildBackendFromDSN(filepath.Join(t.TempDir(), "bare.json"))
	if err != nil {
		t.Fatalf("bare path: %v", err)
	}
	if _, ok := backend.(*FileBackend); !ok {
		t.Fatalf("got %T", backend)
	}

	if _, err := BuildBackendFromDSN("redis://localhost"); err == nil {
		t.Fatalf("unknown scheme accepted")
	}
	if _, err := BuildBackendFromDSN("file://"); err == nil {
		t.Fatalf("file dsn without a path accepted")
	}
}

func TestBuildBackendFromDSNPostgresIsLazy(t *testing.T) {
	// connection setup is deferred until first use, so construction
	// succeeds without a reachable server
	backend, err := BuildBackendFromDSN("postgres://user:pw@127.0.0.1:1/db")
	if err != nil {
		t.Fatalf("postgres dsn: %v", err)
	}
	if _, ok := backend.(*PostgresBackend); !ok {
		t.Fatalf("got %T", backend)
	}
	_ = backend.Close()
}
