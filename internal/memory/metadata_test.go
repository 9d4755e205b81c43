package memory

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFlattenInteraction(t *testing.T) {
	m := Metadata{
		Type: TypeInteraction,
		Interaction: &InteractionMeta{
			Timestamp:  time.Date(2025, 5, 4, 3, 2, 1, 0, time.UTC),
			ImageCount: 2,
			Images:     []string{"/u/a.png", "/u/b.png"},
		},
		Extra: map[string]string{"type": "ignored", "personality": "pirate"},
	}

	flat := m.Flatten()
	assert.Equal(t, map[string]string{
		"type":        "interaction",
		"timestamp":   "2025-05-04T03:02:01Z",
		"image_count": "2",
		"images":      "/u/a.png|/u/b.png",
		"personality": "pirate",
	}, flat)

	back := ParseMetadata(flat)
	assert.Equal(t, TypeInteraction, back.Type)
	require.NotNil(t, back.Interaction)
	assert.Equal(t, m.Interaction.Timestamp, back.Interaction.Timestamp)
	assert.Equal(t, 2, back.Interaction.ImageCount)
	assert.Equal(t, m.Interaction.Images, back.Interaction.Images)
	assert.Equal(t, map[string]string{"personality": "pirate"}, back.Extra)
}

func TestParseMetadata_DefaultsAndUnknownKeys(t *testing.T) {
	m := ParseMetadata(map[string]string{"source": "import", "timestamp": "yesterday"})
	assert.Equal(t, TypeMemory, m.Type)
	assert.Nil(t, m.Interaction)
	assert.Equal(t, "import", m.Extra["source"])
	assert.Equal(t, "yesterday", m.Extra["timestamp"], "interaction keys on other types stay in Extra")
}

func TestParseMetadata_MalformedInteractionFields(t *testing.T) {
	m := ParseMetadata(map[string]string{"type": "interaction", "image_count": "many"})
	require.NotNil(t, m.Interaction)
	assert.Zero(t, m.Interaction.ImageCount)
	assert.Equal(t, "many", m.Extra["image_count"])
}

func TestMetadataJSON(t *testing.T) {
	var m Metadata
	require.NoError(t, json.Unmarshal([]byte(`{"type":"memory","priority":3,"tag":"work"}`), &m))
	assert.Equal(t, TypeMemory, m.Type)
	assert.Equal(t, "3", m.Extra["priority"])
	assert.Equal(t, "work", m.Extra["tag"])

	out, err := json.Marshal(m)
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"memory","priority":"3","tag":"work"}`, string(out))
}

func TestPersonalityKey(t *testing.T) {
	k := PersonalityKey("pirate")
	assert.Len(t, k, len("personality_")+12)
	assert.Equal(t, k, PersonalityKey("  pirate \n"))
	assert.NotEqual(t, k, PersonalityKey("poet"))
}
