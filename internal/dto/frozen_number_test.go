package dto

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFrozenNumber_Unmarshal(t *testing.T) {
	var holder struct {
		A FrozenNumber `json:"a"`
		B FrozenNumber `json:"b"`
		C FrozenNumber `json:"c"`
		D FrozenNumber `json:"d"`
	}

	err := json.Unmarshal([]byte(`{"a": 25000, "b": "25000", "c": true}`), &holder)
	require.NoError(t, err)

	assert.Equal(t, FrozenNumber{Value: 25000, Present: true, Valid: true}, holder.A)
	assert.True(t, holder.B.Present)
	assert.False(t, holder.B.Valid)
	assert.True(t, holder.C.Present)
	assert.False(t, holder.C.Valid)
	assert.False(t, holder.D.Present)
}

func TestFrozenNumber_Marshal(t *testing.T) {
	raw, err := json.Marshal(map[string]FrozenNumber{"ok": Num(12.5), "bad": {Present: true}})
	require.NoError(t, err)

	assert.JSONEq(t, `{"ok": 12.5, "bad": null}`, string(raw))
}

func TestFrozenNumber_Or(t *testing.T) {
	assert.Equal(t, 3.0, Num(3).Or(7))
	assert.Equal(t, 7.0, FrozenNumber{}.Or(7))
}
