package importer

import (
	"encoding/xml"
	"time"

	"github.com/google/uuid"

	"github.com/keyfold/keyfold/internal/models"
)

// Decrypted document tree. Entries are multisets of named string fields;
// five names are reserved, everything else becomes a custom field.
const (
	fieldNameTitle    = "Title"
	fieldNameUserName = "UserName"
	fieldNamePassword = "Password"
	fieldNameURL      = "URL"
	fieldNameNotes    = "Notes"
)

type xmlDocument struct {
	XMLName xml.Name `xml:"Document"`
	Meta    xmlMeta  `xml:"Meta"`
	Root    xmlRoot  `xml:"Root"`
}

type xmlMeta struct {
	Name string `xml:"Name"`
}

type xmlRoot struct {
	Group xmlGroup `xml:"Group"`
}

type xmlGroup struct {
	UUID    string     `xml:"UUID"`
	Name    string     `xml:"Name"`
	Groups  []xmlGroup `xml:"Group"`
	Entries []xmlEntry `xml:"Entry"`
}

type xmlEntry struct {
	UUID    string     `xml:"UUID"`
	Strings []xmlField `xml:"String"`
	Times   xmlTimes   `xml:"Times"`
}

type xmlField struct {
	Key   string `xml:"Key"`
	Value string `xml:"Value"`
}

type xmlTimes struct {
	CreationTime     string `xml:"CreationTime"`
	LastModifiedTime string `xml:"LastModifiedTime"`
}

// parseDocument decodes the decrypted XML into a vault payload. The root
// group itself maps to the payload's top level; its children become
// groups.
func parseDocument(data []byte) (*models.VaultPayload, string, error) {
	var doc xmlDocument
	if err := xml.Unmarshal(data, &doc); err != nil {
		return nil, "", parseError(0, 0, "payload is not a well-formed document", err)
	}

	payload := models.NewVaultPayload()
	collectEntries(payload, &doc.Root.Group, "")
	for i := range doc.Root.Group.Groups {
		collectGroup(payload, &doc.Root.Group.Groups[i], "")
	}

	name := doc.Meta.Name
	if name == "" {
		name = doc.Root.Group.Name
	}
	return payload, name, nil
}

func collectGroup(payload *models.VaultPayload, g *xmlGroup, parentID string) {
	id := g.UUID
	if id == "" {
		id = uuid.New().String()
	}
	payload.Groups = append(payload.Groups, models.Group{
		ID:        id,
		Name:      g.Name,
		ParentID:  parentID,
		CreatedAt: time.Now().UTC(),
	})
	collectEntries(payload, g, id)
	for i := range g.Groups {
		collectGroup(payload, &g.Groups[i], id)
	}
}

func collectEntries(payload *models.VaultPayload, g *xmlGroup, groupID string) {
	for i := range g.Entries {
		payload.Entries = append(payload.Entries, convertEntry(&g.Entries[i], groupID))
	}
}

func convertEntry(e *xmlEntry, groupID string) models.Entry {
	entry := models.Entry{
		ID:      e.UUID,
		GroupID: groupID,
	}
	if entry.ID == "" {
		entry.ID = uuid.New().String()
	}

	for _, f := range e.Strings {
		switch f.Key {
		case fieldNameTitle:
			entry.Title = f.Value
		case fieldNameUserName:
			entry.Username = f.Value
		case fieldNamePassword:
			entry.Secret = f.Value
		case fieldNameURL:
			entry.URL = f.Value
		case fieldNameNotes:
			entry.Notes = f.Value
		default:
			if entry.Fields == nil {
				entry.Fields = make(map[string]string)
			}
			entry.Fields[f.Key] = f.Value
		}
	}

	entry.CreatedAt = parseDocTime(e.Times.CreationTime)
	entry.ModifiedAt = parseDocTime(e.Times.LastModifiedTime)
	if entry.ModifiedAt.IsZero() {
		entry.ModifiedAt = entry.CreatedAt
	}
	return entry
}

// parseDocTime reads an RFC 3339 timestamp, falling back to now on
// anything unparseable. Timestamps are metadata; a bad one is not worth
// failing an import over.
func parseDocTime(s string) time.Time {
	if s == "" {
		return time.Now().UTC()
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Now().UTC()
	}
	return t.UTC()
}
