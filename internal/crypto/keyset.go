package crypto

import (
	"crypto/rand"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/google/uuid"
)

// KeysetVersion is the serialized keyset schema version.
const KeysetVersion = 1

// keyEntry is a single AEAD key inside a keyset. Entries are never
// removed; rotation only appends and re-points the primary.
type keyEntry struct {
	ID        string    `json:"id"`
	Material  []byte    `json:"material"`
	CreatedAt time.Time `json:"created_at"`
}

// keyset is a versioned collection of key entries with one primary.
type keyset struct {
	Version   int        `json:"version"`
	PrimaryID string     `json:"primary_id"`
	Entries   []keyEntry `json:"entries"`
}

func newKeyset() (*keyset, error) {
	entry, err := newKeyEntry()
	if err != nil {
		return nil, err
	}
	return &keyset{
		Version:   KeysetVersion,
		PrimaryID: entry.ID,
		Entries:   []keyEntry{entry},
	}, nil
}

func newKeyEntry() (keyEntry, error) {
	material := make([]byte, KeySize)
	if _, err := io.ReadFull(rand.Reader, material); err != nil {
		return keyEntry{}, fmt.Errorf("generate key material: %w", err)
	}
	return keyEntry{
		ID:        uuid.NewString(),
		Material:  material,
		CreatedAt: time.Now().UTC(),
	}, nil
}

// lookup resolves an entry by id. Decryption always resolves the id the
// ciphertext recorded; it never guesses.
func (k *keyset) lookup(id string) (keyEntry, bool) {
	for _, e := range k.Entries {
		if e.ID == id {
			return e, true
		}
	}
	return keyEntry{}, false
}

func (k *keyset) primary() (keyEntry, error) {
	e, ok := k.lookup(k.PrimaryID)
	if !ok {
		return keyEntry{}, fmt.Errorf("keyset: primary key %s missing", k.PrimaryID)
	}
	return e, nil
}

// rotate appends a fresh entry and promotes it to primary. Historical
// entries stay resolvable so older ciphertext remains decryptable.
func (k *keyset) rotate() (string, error) {
	entry, err := newKeyEntry()
	if err != nil {
		return "", err
	}
	k.Entries = append(k.Entries, entry)
	k.PrimaryID = entry.ID
	return entry.ID, nil
}

func (k *keyset) marshal() ([]byte, error) {
	return json.Marshal(k)
}

func unmarshalKeyset(data []byte) (*keyset, error) {
	var k keyset
	if err := json.Unmarshal(data, &k); err != nil {
		return nil, fmt.Errorf("parse keyset: %w", err)
	}
	if k.Version > KeysetVersion {
		return nil, fmt.Errorf("keyset version %d newer than supported %d", k.Version, KeysetVersion)
	}
	if len(k.Entries) == 0 {
		return nil, fmt.Errorf("keyset has no entries")
	}
	if _, ok := k.lookup(k.PrimaryID); !ok {
		return nil, fmt.Errorf("keyset primary %s not present", k.PrimaryID)
	}
	for _, e := range k.Entries {
		if len(e.Material) != KeySize {
			return nil, fmt.Errorf("keyset entry %s has invalid key size %d", e.ID, len(e.Material))
		}
	}
	return &k, nil
}

// zero erases all key material in the set.
func (k *keyset) zero() {
	for i := range k.Entries {
		Zero(k.Entries[i].Material)
	}
}
