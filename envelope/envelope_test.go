package envelope

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew(t *testing.T) {
	env, err := New(TypeMessage, MessagePayload{
		Content:   "hello",
		MessageID: "m-1",
	})
	require.NoError(t, err)

	assert.Equal(t, TypeMessage, env.Type)
	assert.Empty(t, env.Sender)

	// Timestamp should be set to roughly now.
	diff := time.Since(env.Time())
	assert.Less(t, diff, 5*time.Second)

	payload, err := env.Payload()
	require.NoError(t, err)
	msg, ok := payload.(*MessagePayload)
	require.True(t, ok)
	assert.Equal(t, "hello", msg.Content)
	assert.Equal(t, "m-1", msg.MessageID)
}

func TestNew_RejectsUnknownType(t *testing.T) {
	_, err := New(Type("bogus"), nil)
	assert.ErrorIs(t, err, ErrUnknownType)
}

func TestDecode(t *testing.T) {
	tests := []struct {
		name    string
		raw     string
		wantErr error
	}{
		{
			name: "valid auth",
			raw:  `{"type":"auth","data":{"username":"alice"},"timestamp":1700000000000}`,
		},
		{
			name: "valid ping without data",
			raw:  `{"type":"ping","timestamp":1700000000000}`,
		},
		{
			name:    "unknown type",
			raw:     `{"type":"teleport","data":{},"timestamp":1}`,
			wantErr: ErrUnknownType,
		},
		{
			name:    "not json",
			raw:     `{{{{`,
			wantErr: ErrMalformedEnvelope,
		},
		{
			name:    "missing data for typed payload",
			raw:     `{"type":"auth","timestamp":1}`,
			wantErr: ErrMalformedEnvelope,
		},
		{
			name:    "payload shape mismatch",
			raw:     `{"type":"user_list","data":{"users":"not-a-list"},"timestamp":1}`,
			wantErr: ErrMalformedEnvelope,
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			env, err := Decode([]byte(tc.raw))
			if tc.wantErr != nil {
				assert.ErrorIs(t, err, tc.wantErr)
				return
			}
			require.NoError(t, err)
			assert.True(t, env.Type.Valid())
		})
	}
}

func TestDecode_PayloadRoundTrip(t *testing.T) {
	env, err := New(TypeEncryptedMessage, EncryptedMessagePayload{
		EncryptedContent: "b64cipher",
		Recipient:        "bob",
		MessageID:        "m-2",
		IsEncrypted:      true,
	})
	require.NoError(t, err)

	raw, err := env.Encode()
	require.NoError(t, err)

	decoded, err := Decode(raw)
	require.NoError(t, err)

	payload, err := decoded.Payload()
	require.NoError(t, err)
	enc := payload.(*EncryptedMessagePayload)
	assert.Equal(t, "b64cipher", enc.EncryptedContent)
	assert.Equal(t, "bob", enc.Recipient)
	assert.True(t, enc.IsEncrypted)
}

func TestType_Valid(t *testing.T) {
	for typ := range knownTypes {
		if !typ.Valid() {
			t.Errorf("expected %q to be valid", typ)
		}
	}
	if Type("").Valid() {
		t.Error("empty type should not be valid")
	}
}
