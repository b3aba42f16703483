package sshchannel

import (
	"crypto/rand"
	"crypto/rsa"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/ssh"
)

func TestParseAuthorizedKeyRoundTrips(t *testing.T) {
	priv, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)

	signer, err := ssh.NewSignerFromKey(priv)
	require.NoError(t, err)

	line := string(ssh.MarshalAuthorizedKey(signer.PublicKey()))

	key, err := ParseAuthorizedKey(line)
	require.NoError(t, err)
	assert.Equal(t, signer.PublicKey().Marshal(), key.Marshal())
}

func TestFakeRecordsCommandsInOrder(t *testing.T) {
	fake := NewFake()
	fake.Responses["uname -a"] = FakeResponse{Stdout: []byte("Linux\n")}
	fake.Responses["false"] = FakeResponse{Status: 1}

	out, status, err := fake.ExecCommand("uname -a")
	require.NoError(t, err)
	assert.Equal(t, "Linux\n", string(out))
	assert.Equal(t, 0, status)

	_, status, err = fake.ExecCommand("false")
	require.NoError(t, err)
	assert.Equal(t, 1, status)

	require.NoError(t, fake.Disconnect())
	assert.True(t, fake.Disconnected)
	assert.Equal(t, []string{"uname -a", "false"}, fake.Commands)
}
