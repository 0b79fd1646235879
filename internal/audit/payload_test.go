package audit

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPayload_EncodeDecodePerAction(t *testing.T) {
	remaining := 7
	revokedAt := time.Date(2026, 3, 1, 9, 30, 0, 0, time.UTC)

	cases := []struct {
		action  Action
		payload Payload
	}{
		{ActionSetupStarted, SetupPayload{BackupCodes: 8, Restarted: true}},
		{ActionLoginVerified, VerificationPayload{Method: "backup_code", RemainingCodes: &remaining}},
		{ActionSessionsRevoked, RevocationPayload{Reason: "stolen laptop", RevokedAt: &revokedAt, Changed: true}},
		{ActionPasswordLogin, LoginPayload{Username: "ashley", SecondFactor: true}},
	}

	for _, tc := range cases {
		t.Run(string(tc.action), func(t *testing.T) {
			raw, err := EncodePayload(tc.action, tc.payload)
			require.NoError(t, err)
			assert.Contains(t, string(raw), `"v":1`)

			decoded, err := DecodePayload(tc.action, raw)
			require.NoError(t, err)
			assert.Equal(t, tc.payload, decoded)
		})
	}
}

func TestPayload_KindMustMatchAction(t *testing.T) {
	_, err := EncodePayload(ActionSessionsRevoked, VerificationPayload{Method: "totp"})
	require.Error(t, err)

	raw, err := EncodePayload(ActionSetupStarted, SetupPayload{BackupCodes: 8})
	require.NoError(t, err)
	_, err = DecodePayload(ActionDisabled, raw)
	require.Error(t, err)
}

func TestPayload_EmptyAndUnknownVersion(t *testing.T) {
	raw, err := EncodePayload(ActionDisabled, nil)
	require.NoError(t, err)
	assert.Nil(t, raw)

	p, err := DecodePayload(ActionDisabled, nil)
	require.NoError(t, err)
	assert.Nil(t, p)

	_, err = DecodePayload(ActionDisabled, []byte(`{"v":9,"kind":"verification","data":{}}`))
	require.Error(t, err)
}

func TestAction_Category(t *testing.T) {
	assert.Equal(t, "2fa", ActionLoginVerified.Category())
	assert.Equal(t, "session", ActionSessionsRestored.Category())
	assert.Equal(t, "auth", ActionPasswordLogin.Category())
	assert.False(t, Action("2fa.unknown").Valid())
}
