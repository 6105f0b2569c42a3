package crypto

import (
	"bytes"
	"encoding/hex"
	"errors"
	"strings"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGenerateKeyPairRoundTrip(t *testing.T) {
	kp, err := GenerateKeyPair()
	require.NoError(t, err)

	derived, err := FromSecretKey(kp.Private)
	require.NoError(t, err)
	assert.Equal(t, kp.Public, derived.Public)

	other, err := GenerateKeyPair()
	require.NoError(t, err)
	assert.NotEqual(t, kp.Public, other.Public)
}

func TestFromSecretKeyRejectsZero(t *testing.T) {
	_, err := FromSecretKey([32]byte{})
	assert.ErrorIs(t, err, ErrInvalidSecretKey)
}

func TestParseSecretKey(t *testing.T) {
	kp, err := GenerateKeyPair()
	require.NoError(t, err)

	tests := []struct {
		name    string
		input   string
		wantErr bool
	}{
		{"valid", hex.EncodeToString(kp.Private[:]), false},
		{"not hex", "zz", true},
		{"short", "abcd", true},
		{"zero", strings.Repeat("00", 32), true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseSecretKey(tt.input)
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrInvalidSecretKey)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, kp.PublicKeyString(), got.PublicKeyString())
		})
	}
}

func TestSecureWipe(t *testing.T) {
	data := []byte{1, 2, 3, 4}
	require.NoError(t, SecureWipe(data))
	assert.Equal(t, []byte{0, 0, 0, 0}, data)
	assert.Error(t, SecureWipe(nil))

	kp, err := GenerateKeyPair()
	require.NoError(t, err)
	require.NoError(t, WipeKeyPair(kp))
	assert.True(t, isZeroKey(kp.Private))
	assert.Error(t, WipeKeyPair(nil))
}

func TestLoggerHelper(t *testing.T) {
	var buf bytes.Buffer
	old := logrus.StandardLogger().Out
	oldLevel := logrus.GetLevel()
	logrus.SetOutput(&buf)
	logrus.SetLevel(logrus.DebugLevel)
	defer func() {
		logrus.SetOutput(old)
		logrus.SetLevel(oldLevel)
	}()

	l := NewPackageLogger("noise", "Upgrade").
		WithField("initiator", true).
		WithError(errors.New("boom"), "handshake")
	assert.Equal(t, "noise", l.Fields()["package"])
	assert.Equal(t, "Upgrade", l.Fields()["function"])
	l.Warn("handshake failed")

	out := buf.String()
	assert.Contains(t, out, "handshake failed")
	assert.Contains(t, out, "error=boom")
	assert.Contains(t, out, "operation=handshake")
}

func TestSecureFieldHash(t *testing.T) {
	tests := []struct {
		name    string
		data    []byte
		preview string
	}{
		{"nil", nil, "nil"},
		{"short", []byte{0xab, 0xcd}, "abcd"},
		{"long", bytes.Repeat([]byte{0x11}, 12), "1111111111111111..."},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := SecureFieldHash(tt.data, "key")
			assert.Equal(t, tt.preview, f["key_preview"])
			assert.Equal(t, len(tt.data), f["key_size"])
		})
	}
}
