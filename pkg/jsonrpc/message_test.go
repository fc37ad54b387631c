package jsonrpc

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIDRoundTrip(t *testing.T) {
	cases := []ID{NewStringID("abc"), NewIntID(42)}
	for _, id := range cases {
		data, err := json.Marshal(id)
		require.NoError(t, err)

		var got ID
		require.NoError(t, json.Unmarshal(data, &got))
		assert.Equal(t, id.String(), got.String())
	}
}

func TestEnvelopeKind(t *testing.T) {
	cases := []struct {
		name string
		line string
		want messageKind
	}{
		{"request", `{"jsonrpc":"2.0","id":1,"method":"initialize","params":{}}`, kindRequest},
		{"response result", `{"jsonrpc":"2.0","id":1,"result":{}}`, kindResponse},
		{"response error", `{"jsonrpc":"2.0","id":1,"error":{"code":-32601,"message":"nope"}}`, kindResponse},
		{"notification", `{"jsonrpc":"2.0","method":"session/update","params":{}}`, kindNotification},
		{"string id request", `{"jsonrpc":"2.0","id":"abc","method":"x"}`, kindRequest},
		{"garbage", `{"jsonrpc":"2.0"}`, kindUnknown},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			var env envelope
			require.NoError(t, json.Unmarshal([]byte(tc.line), &env))
			assert.Equal(t, tc.want, env.kind())
		})
	}
}

func TestIDRejectsNonStringNonNumber(t *testing.T) {
	var id ID
	err := json.Unmarshal([]byte(`true`), &id)
	assert.Error(t, err)
}
