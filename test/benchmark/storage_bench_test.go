package benchmark_test

import (
	"fmt"
	"path/filepath"
	"testing"

	"github.com/keyfold/keyfold/internal/events"
	"github.com/keyfold/keyfold/internal/vaultfile"
	"github.com/keyfold/keyfold/test/testutil"
)

func benchManager(b *testing.B) *vaultfile.Manager {
	b.Helper()
	dir := b.TempDir()

	registry, err := vaultfile.OpenRegistry(filepath.Join(dir, "registry.json"), events.Discard())
	if err != nil {
		b.Fatal(err)
	}
	manager, err := vaultfile.NewManager(filepath.Join(dir, "vaults"), registry, events.Discard())
	if err != nil {
		b.Fatal(err)
	}
	return manager
}

func BenchmarkSaveVault(b *testing.B) {
	for _, entries := range []int{10, 100, 1000} {
		b.Run(fmt.Sprintf("%dentries", entries), func(b *testing.B) {
			manager := benchManager(b)
			vaultID, _, err := manager.CreateVault("bench", "pass-123")
			if err != nil {
				b.Fatal(err)
			}
			_, key, err := manager.OpenVault(vaultID, "pass-123")
			if err != nil {
				b.Fatal(err)
			}
			payload := testutil.LargePayload(entries)

			b.ReportAllocs()
			b.ResetTimer()
			for i := 0; i < b.N; i++ {
				if err := manager.SaveVault(vaultID, payload, key); err != nil {
					b.Fatal(err)
				}
			}
		})
	}
}

func BenchmarkOpenVault(b *testing.B) {
	for _, entries := range []int{10, 100, 1000} {
		b.Run(fmt.Sprintf("%dentries", entries), func(b *testing.B) {
			manager := benchManager(b)
			vaultID, _, err := manager.CreateVault("bench", "pass-123")
			if err != nil {
				b.Fatal(err)
			}
			_, key, err := manager.OpenVault(vaultID, "pass-123")
			if err != nil {
				b.Fatal(err)
			}
			if err := manager.SaveVault(vaultID, testutil.LargePayload(entries), key); err != nil {
				b.Fatal(err)
			}

			b.ReportAllocs()
			b.ResetTimer()
			for i := 0; i < b.N; i++ {
				if _, err := manager.OpenWithKey(vaultID, key); err != nil {
					b.Fatal(err)
				}
			}
		})
	}
}

// BenchmarkUnlockVault measures the full password path including key
// derivation, the cost a user pays at unlock.
func BenchmarkUnlockVault(b *testing.B) {
	manager := benchManager(b)
	vaultID, _, err := manager.CreateVault("bench", "pass-123")
	if err != nil {
		b.Fatal(err)
	}

	b.ReportAllocs()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_, key, err := manager.OpenVault(vaultID, "pass-123")
		if err != nil {
			b.Fatal(err)
		}
		_ = key
	}
}
