package main

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRecordSchema(t *testing.T) {
	data, err := recordSchema("change")
	require.NoError(t, err)

	var schema struct {
		Properties map[string]json.RawMessage `json:"properties"`
	}
	require.NoError(t, json.Unmarshal(data, &schema))
	assert.Contains(t, schema.Properties, "file_path")
	assert.Contains(t, schema.Properties, "change_type")
	assert.Contains(t, schema.Properties, "tool_invocation_id")

	_, err = recordSchema("checkpoint")
	require.NoError(t, err)

	_, err = recordSchema("nope")
	assert.Error(t, err)
}

func TestOneLine(t *testing.T) {
	assert.Equal(t, "a b c", oneLine("a\n b\tc", 10))
	assert.Equal(t, "héll…", oneLine("héllo", 4))
}

func TestCommandsRegistered(t *testing.T) {
	names := map[string]bool{}
	for _, c := range rootCmd.Commands() {
		names[c.Name()] = true
	}
	for _, want := range []string{"run", "checkpoints", "changes", "schema"} {
		assert.True(t, names[want], want)
	}
}
