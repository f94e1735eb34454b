package noderegistry

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/voicestreams/node"
)

func TestNewRegistryHasAllBuiltins(t *testing.T) {
	registry, err := NewRegistry()
	require.NoError(t, err)

	assert.ElementsMatch(t, []string{
		"device_in", "device_out", "stt", "tts",
		"websocket_in", "websocket_out", "debug_log",
	}, registry.Types())
}

func TestRegisterAllTwiceFails(t *testing.T) {
	registry := node.NewRegistry()
	require.NoError(t, RegisterAll(registry))

	assert.Error(t, RegisterAll(registry), "types are registered exactly once")
}

func TestSchemasAreExposed(t *testing.T) {
	registry, err := NewRegistry()
	require.NoError(t, err)

	schema, err := registry.Schema("stt")
	require.NoError(t, err)
	assert.Contains(t, schema.Properties, "debounce_ms")
	assert.Equal(t, 2000, schema.Properties["debounce_ms"].Default)

	schema, err = registry.Schema("websocket_out")
	require.NoError(t, err)
	assert.Contains(t, schema.Required, "url")
}

func TestCreateBuiltinNode(t *testing.T) {
	registry, err := NewRegistry()
	require.NoError(t, err)

	n, err := registry.Create("tap-1", "debug_log", nil, node.Dependencies{})
	require.NoError(t, err)
	assert.Equal(t, "debug_log", n.Meta().Type)
}
