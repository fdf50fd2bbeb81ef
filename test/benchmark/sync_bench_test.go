package benchmark_test

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/keyfold/keyfold/internal/events"
	"github.com/keyfold/keyfold/internal/models"
	"github.com/keyfold/keyfold/internal/providers"
	"github.com/keyfold/keyfold/internal/session"
	"github.com/keyfold/keyfold/internal/state"
	syncengine "github.com/keyfold/keyfold/internal/sync"
	"github.com/keyfold/keyfold/internal/vaultfile"
	"github.com/keyfold/keyfold/test/testutil"
)

type benchAccounts struct{}

func (benchAccounts) Account(provider string) (*models.ProviderAccount, error) {
	return &models.ProviderAccount{Provider: provider}, nil
}

type syncBench struct {
	engine   *syncengine.Engine
	provider *providers.MockProvider
	store    *state.MockStore
	vaultID  string
	remoteID string
}

func newSyncBench(b *testing.B, entries int) *syncBench {
	b.Helper()
	dir := b.TempDir()

	registry, err := vaultfile.OpenRegistry(filepath.Join(dir, "registry.json"), events.Discard())
	if err != nil {
		b.Fatal(err)
	}
	vaults, err := vaultfile.NewManager(filepath.Join(dir, "vaults"), registry, events.Discard())
	if err != nil {
		b.Fatal(err)
	}
	vaultID, _, err := vaults.CreateVault("bench", "pass-123")
	if err != nil {
		b.Fatal(err)
	}
	_, key, err := vaults.OpenVault(vaultID, "pass-123")
	if err != nil {
		b.Fatal(err)
	}
	if err := vaults.SaveVault(vaultID, testutil.LargePayload(entries), key); err != nil {
		b.Fatal(err)
	}

	sess := session.NewManager(time.Hour, events.Discard())
	if err := sess.Unlock(vaultID, key); err != nil {
		b.Fatal(err)
	}

	provider := providers.NewMockProvider()
	store := state.NewMockStore()
	engine := syncengine.NewEngine(
		providers.Registry{"mock": provider},
		benchAccounts{},
		vaults,
		sess,
		store,
		syncengine.DefaultConfig(),
		events.Discard(),
	)
	return &syncBench{
		engine:   engine,
		provider: provider,
		store:    store,
		vaultID:  vaultID,
		remoteID: vaultID + vaultfile.FileExt,
	}
}

func BenchmarkSyncUpToDate(b *testing.B) {
	sb := newSyncBench(b, 100)
	ctx := context.Background()

	if _, err := sb.engine.Sync(ctx, sb.vaultID, "mock"); err != nil {
		b.Fatal(err)
	}

	b.ReportAllocs()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if _, err := sb.engine.Sync(ctx, sb.vaultID, "mock"); err != nil {
			b.Fatal(err)
		}
	}
}

func BenchmarkSyncFirstUpload(b *testing.B) {
	for _, entries := range []int{10, 1000} {
		b.Run(fmt.Sprintf("%dentries", entries), func(b *testing.B) {
			sb := newSyncBench(b, entries)
			ctx := context.Background()

			b.ReportAllocs()
			b.ResetTimer()
			for i := 0; i < b.N; i++ {
				b.StopTimer()
				sb.store.Clear()
				_ = sb.provider.Delete(ctx, nil, sb.remoteID)
				b.StartTimer()

				if _, err := sb.engine.Sync(ctx, sb.vaultID, "mock"); err != nil {
					b.Fatal(err)
				}
			}
		})
	}
}
