package canonical

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMarshal_SortsKeys(t *testing.T) {
	out, err := Marshal(map[string]any{"b": 1, "a": "x", "c": true})
	require.NoError(t, err)
	assert.Equal(t, `{"a":"x","b":1,"c":true}`, string(out))
}

func TestMarshal_NoHTMLEscaping(t *testing.T) {
	out, err := Marshal(map[string]string{"url": "https://example.com/a?b=<c>&d=e"})
	require.NoError(t, err)
	assert.Contains(t, string(out), "<c>&d=e")
	assert.NotContains(t, string(out), `\u003c`)
}

func TestMarshal_RespectsStructTags(t *testing.T) {
	type rec struct {
		AgentID string `json:"agent_id"`
		Action  string `json:"action"`
		Skip    string `json:"-"`
	}
	out, err := Marshal(rec{AgentID: "a1", Action: "read_db", Skip: "nope"})
	require.NoError(t, err)
	assert.Equal(t, `{"action":"read_db","agent_id":"a1"}`, string(out))
}

func TestHash_Deterministic(t *testing.T) {
	v := map[string]any{"z": []int{1, 2, 3}, "a": map[string]string{"k": "v"}}
	h1, err := Hash(v)
	require.NoError(t, err)
	h2, err := Hash(v)
	require.NoError(t, err)
	assert.Equal(t, h1, h2)
	assert.Len(t, h1, 64)
}

func TestHash_SensitiveToContent(t *testing.T) {
	h1, err := Hash(map[string]string{"result": "success"})
	require.NoError(t, err)
	h2, err := Hash(map[string]string{"result": "denied"})
	require.NoError(t, err)
	assert.NotEqual(t, h1, h2)
}
