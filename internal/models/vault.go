package models

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"
)

// Group is an optional folder inside a vault. Groups may nest via
// ParentID; an empty ParentID means the group sits at the root.
type Group struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	ParentID  string    `json:"parent_id,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// Entry is a single credential record. An entry belongs to exactly one
// vault and at most one group.
type Entry struct {
	ID         string            `json:"id"`
	GroupID    string            `json:"group_id,omitempty"`
	Title      string            `json:"title"`
	Username   string            `json:"username,omitempty"`
	Secret     string            `json:"secret"`
	URL        string            `json:"url,omitempty"`
	Notes      string            `json:"notes,omitempty"`
	OTPSecret  string            `json:"otp_secret,omitempty"`
	Fields     map[string]string `json:"fields,omitempty"`

	CreatedAt      time.Time `json:"created_at"`
	ModifiedAt     time.Time `json:"modified_at"`
	LastAccessedAt time.Time `json:"last_accessed_at,omitempty"`
	UsageCount     int       `json:"usage_count"`
}

// GeneratorPreset stores saved password-generation settings. The
// generation algorithms themselves live in the UI collaborators.
type GeneratorPreset struct {
	ID      string          `json:"id"`
	Name    string          `json:"name"`
	Options json.RawMessage `json:"options"`
}

// AttachmentMeta describes an attachment stored alongside an entry. The
// attachment bytes are encrypted separately; only metadata lives in the
// payload.
type AttachmentMeta struct {
	ID       string `json:"id"`
	EntryID  string `json:"entry_id"`
	Name     string `json:"name"`
	Size     int64  `json:"size"`
	Checksum string `json:"checksum"`
}

// VaultPayload is the decrypted content of a vault.
type VaultPayload struct {
	Groups      []Group           `json:"groups,omitempty"`
	Entries     []Entry           `json:"entries,omitempty"`
	Presets     []GeneratorPreset `json:"presets,omitempty"`
	Attachments []AttachmentMeta  `json:"attachments,omitempty"`
}

// NewVaultPayload returns an empty payload.
func NewVaultPayload() *VaultPayload {
	return &VaultPayload{}
}

// Checksum returns a stable digest of the payload. Entries and groups are
// sorted by ID before hashing so the digest does not depend on slice order.
func (p *VaultPayload) Checksum() (string, error) {
	clone := p.Clone()
	sort.Slice(clone.Groups, func(i, j int) bool { return clone.Groups[i].ID < clone.Groups[j].ID })
	sort.Slice(clone.Entries, func(i, j int) bool { return clone.Entries[i].ID < clone.Entries[j].ID })
	sort.Slice(clone.Presets, func(i, j int) bool { return clone.Presets[i].ID < clone.Presets[j].ID })
	sort.Slice(clone.Attachments, func(i, j int) bool { return clone.Attachments[i].ID < clone.Attachments[j].ID })

	data, err := json.Marshal(clone)
	if err != nil {
		return "", fmt.Errorf("marshal payload: %w", err)
	}

	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}

// Clone returns a deep copy of the payload.
func (p *VaultPayload) Clone() *VaultPayload {
	clone := &VaultPayload{
		Groups:      append([]Group(nil), p.Groups...),
		Entries:     make([]Entry, len(p.Entries)),
		Presets:     append([]GeneratorPreset(nil), p.Presets...),
		Attachments: append([]AttachmentMeta(nil), p.Attachments...),
	}
	for i, e := range p.Entries {
		clone.Entries[i] = e
		if e.Fields != nil {
			clone.Entries[i].Fields = make(map[string]string, len(e.Fields))
			for k, v := range e.Fields {
				clone.Entries[i].Fields[k] = v
			}
		}
	}
	return clone
}

// FindEntry returns the entry with the given ID.
func (p *VaultPayload) FindEntry(id string) (*Entry, bool) {
	for i := range p.Entries {
		if p.Entries[i].ID == id {
			return &p.Entries[i], true
		}
	}
	return nil, false
}

// RemoveGroup deletes a group and detaches (does not delete) its entries.
// Child groups are re-parented to the deleted group's parent.
func (p *VaultPayload) RemoveGroup(groupID string) bool {
	idx := -1
	var parent string
	for i := range p.Groups {
		if p.Groups[i].ID == groupID {
			idx = i
			parent = p.Groups[i].ParentID
			break
		}
	}
	if idx < 0 {
		return false
	}

	p.Groups = append(p.Groups[:idx], p.Groups[idx+1:]...)

	for i := range p.Entries {
		if p.Entries[i].GroupID == groupID {
			p.Entries[i].GroupID = ""
		}
	}
	for i := range p.Groups {
		if p.Groups[i].ParentID == groupID {
			p.Groups[i].ParentID = parent
		}
	}
	return true
}

// TouchEntry stamps access time and bumps the usage counter.
func (p *VaultPayload) TouchEntry(id string, now time.Time) bool {
	e, ok := p.FindEntry(id)
	if !ok {
		return false
	}
	e.LastAccessedAt = now
	e.UsageCount++
	return true
}

// Validate checks internal consistency of the payload.
func (p *VaultPayload) Validate() error {
	groups := make(map[string]bool, len(p.Groups))
	for _, g := range p.Groups {
		if strings.TrimSpace(g.ID) == "" {
			return fmt.Errorf("group with empty ID")
		}
		if groups[g.ID] {
			return fmt.Errorf("duplicate group ID: %s", g.ID)
		}
		groups[g.ID] = true
	}

	seen := make(map[string]bool, len(p.Entries))
	for _, e := range p.Entries {
		if strings.TrimSpace(e.ID) == "" {
			return fmt.Errorf("entry with empty ID")
		}
		if seen[e.ID] {
			return fmt.Errorf("duplicate entry ID: %s", e.ID)
		}
		seen[e.ID] = true

		if e.GroupID != "" && !groups[e.GroupID] {
			return fmt.Errorf("entry %s references unknown group %s", e.ID, e.GroupID)
		}
	}

	for _, a := range p.Attachments {
		if !seen[a.EntryID] {
			return fmt.Errorf("attachment %s references unknown entry %s", a.ID, a.EntryID)
		}
	}

	return nil
}
