package memory

import (
	"crypto/sha1"
	"encoding/hex"
	"encoding/json"
	"strconv"
	"strings"
	"time"
)

// RecordType distinguishes what a memory record holds.
type RecordType string

const (
	TypeMemory      RecordType = "memory"
	TypeInteraction RecordType = "interaction"
	TypePersonality RecordType = "personality"
)

// InteractionMeta is attached to records of TypeInteraction.
type InteractionMeta struct {
	Timestamp  time.Time
	ImageCount int
	Images     []string
}

// Metadata describes a memory record. Known fields are typed; anything else
// a caller supplied survives in Extra.
type Metadata struct {
	Type        RecordType
	Interaction *InteractionMeta
	Extra       map[string]string
}

const (
	keyType       = "type"
	keyTimestamp  = "timestamp"
	keyImageCount = "image_count"
	keyImages     = "images"
)

// Flatten renders m as the flat string map stored alongside the record.
// Reserved keys override same-named Extra entries.
func (m Metadata) Flatten() map[string]string {
	out := make(map[string]string, len(m.Extra)+4)
	for k, v := range m.Extra {
		out[k] = v
	}
	t := m.Type
	if t == "" {
		t = TypeMemory
	}
	out[keyType] = string(t)
	if m.Interaction != nil {
		out[keyTimestamp] = m.Interaction.Timestamp.UTC().Format(time.RFC3339)
		out[keyImageCount] = strconv.Itoa(m.Interaction.ImageCount)
		out[keyImages] = strings.Join(m.Interaction.Images, "|")
	}
	return out
}

// ParseMetadata is the inverse of Flatten. Unknown keys go to Extra;
// malformed interaction fields are kept in Extra rather than dropped.
func ParseMetadata(flat map[string]string) Metadata {
	m := Metadata{Type: RecordType(flat[keyType])}
	if m.Type == "" {
		m.Type = TypeMemory
	}
	extra := make(map[string]string)
	for k, v := range flat {
		switch k {
		case keyType:
		case keyTimestamp, keyImageCount, keyImages:
			if m.Type != TypeInteraction {
				extra[k] = v
			}
		default:
			extra[k] = v
		}
	}

	if m.Type == TypeInteraction {
		im := &InteractionMeta{}
		if ts, ok := flat[keyTimestamp]; ok {
			if t, err := time.Parse(time.RFC3339, ts); err == nil {
				im.Timestamp = t
			} else {
				extra[keyTimestamp] = ts
			}
		}
		if n, ok := flat[keyImageCount]; ok {
			if c, err := strconv.Atoi(n); err == nil {
				im.ImageCount = c
			} else {
				extra[keyImageCount] = n
			}
		}
		if imgs := flat[keyImages]; imgs != "" {
			im.Images = strings.Split(imgs, "|")
		}
		m.Interaction = im
	}

	if len(extra) > 0 {
		m.Extra = extra
	}
	return m
}

// MarshalJSON encodes metadata in its flat form.
func (m Metadata) MarshalJSON() ([]byte, error) {
	return json.Marshal(m.Flatten())
}

// UnmarshalJSON accepts a flat object. Non-string values are stored in their
// JSON text form.
func (m *Metadata) UnmarshalJSON(data []byte) error {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	flat := make(map[string]string, len(raw))
	for k, v := range raw {
		var s string
		if err := json.Unmarshal(v, &s); err == nil {
			flat[k] = s
			continue
		}
		flat[k] = string(v)
	}
	*m = ParseMetadata(flat)
	return nil
}

// PersonalityKey derives the stable record key for a personality text.
func PersonalityKey(text string) string {
	sum := sha1.Sum([]byte(strings.TrimSpace(text)))
	return "personality_" + hex.EncodeToString(sum[:])[:12]
}
