package es

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMessageIndexMapping(t *testing.T) {
	var m struct {
		Mappings struct {
			Properties map[string]map[string]interface{} `json:"properties"`
		} `json:"mappings"`
	}
	require.NoError(t, json.Unmarshal([]byte(MessageIndexMapping(384)), &m))

	props := m.Mappings.Properties
	assert.Equal(t, "keyword", props["room_id"]["type"])
	assert.Equal(t, "date", props["timestamp"]["type"])
	assert.Equal(t, "dense_vector", props["vector"]["type"])
	assert.EqualValues(t, 384, props["vector"]["dims"])
	assert.Equal(t, "cosine", props["vector"]["similarity"])
}
