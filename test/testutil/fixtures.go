package testutil

import (
	"fmt"
	"time"

	"github.com/keyfold/keyfold/internal/models"
)

// SamplePayload builds a payload with two groups and a handful of
// entries, enough to exercise lookup, grouping, and otp paths.
func SamplePayload() *models.VaultPayload {
	now := time.Date(2026, 3, 14, 9, 26, 53, 0, time.UTC)

	payload := models.NewVaultPayload()
	payload.Groups = []models.Group{
		{ID: "group-web", Name: "Web", CreatedAt: now},
		{ID: "group-infra", Name: "Infrastructure", ParentID: "group-web", CreatedAt: now},
	}
	payload.Entries = []models.Entry{
		{
			ID:        "entry-mail",
			GroupID:   "group-web",
			Title:     "Mail account",
			Username:  "alice@example.com",
			Secret:    "correct horse battery staple",
			URL:       "https://mail.example.com",
			OTPSecret: "JBSWY3DPEHPK3PXP",
			CreatedAt: now, ModifiedAt: now,
		},
		{
			ID:        "entry-db",
			GroupID:   "group-infra",
			Title:     "Production database",
			Username:  "admin",
			Secret:    "s3cr3t-db-pass",
			Fields:    map[string]string{"port": "5432"},
			CreatedAt: now, ModifiedAt: now,
		},
		{
			ID:        "entry-note",
			Title:     "Recovery codes",
			Secret:    "1111-2222-3333",
			Notes:     "printed copy in the safe",
			CreatedAt: now, ModifiedAt: now,
		},
	}
	return payload
}

// LargePayload builds a payload with n entries for benchmarks.
func LargePayload(n int) *models.VaultPayload {
	now := time.Now().UTC()

	payload := models.NewVaultPayload()
	payload.Groups = []models.Group{{ID: "group-0", Name: "All", CreatedAt: now}}
	for i := 0; i < n; i++ {
		payload.Entries = append(payload.Entries, models.Entry{
			ID:        fmt.Sprintf("entry-%04d", i),
			GroupID:   "group-0",
			Title:     fmt.Sprintf("Account %d", i),
			Username:  fmt.Sprintf("user%d@example.com", i),
			Secret:    fmt.Sprintf("password-%d", i),
			CreatedAt: now, ModifiedAt: now,
		})
	}
	return payload
}
