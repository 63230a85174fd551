// Copyright (c) Microsoft Corporation.
// Licensed under the MIT License.
package mqtt_test

import (
	"strings"
	"testing"

	"github.com/Azure/cribwatch/bus/mqtt"
	"github.com/Azure/cribwatch/errors"
	mochi "github.com/mochi-mqtt/server/v2"
	"github.com/mochi-mqtt/server/v2/packets"
	"github.com/stretchr/testify/require"
)

func TestHashCredential(t *testing.T) {
	cred, err := mqtt.HashCredential("device", "hunter2")
	require.NoError(t, err)
	require.Equal(t, "device", cred.Username)
	require.Equal(t, 10000, cred.Iterations)
	require.Len(t, cred.Salt, 16)
	require.Len(t, cred.Hash, 32)

	require.True(t, cred.Verify([]byte("hunter2")))
	require.False(t, cred.Verify([]byte("wrong")))
	require.False(t, cred.Verify(nil))
}

func TestHashCredentialEmptyUsername(t *testing.T) {
	_, err := mqtt.HashCredential("", "hunter2")
	require.Error(t, err)
	require.Equal(t, errors.ArgumentInvalid, err.(*errors.Error).Kind)
}

func TestCredentialEncodeParse(t *testing.T) {
	cred, err := mqtt.HashCredential("device", "hunter2")
	require.NoError(t, err)

	encoded := cred.Encode()
	require.True(t, strings.HasPrefix(encoded, "pbkdf2-sha3-256$10000$"))

	parsed, err := mqtt.ParseCredential("device", encoded)
	require.NoError(t, err)
	require.Equal(t, cred, parsed)
	require.True(t, parsed.Verify([]byte("hunter2")))
}

func TestParseCredentialMalformed(t *testing.T) {
	tests := []struct {
		name    string
		encoded string
	}{
		{"Empty", ""},
		{"WrongScheme", "plain$10000$c2FsdA==$aGFzaA=="},
		{"MissingPart", "pbkdf2-sha3-256$10000$c2FsdA=="},
		{"ExtraPart", "pbkdf2-sha3-256$10000$c2FsdA==$aGFzaA==$more"},
		{"ZeroIterations", "pbkdf2-sha3-256$0$c2FsdA==$aGFzaA=="},
		{"BadIterations", "pbkdf2-sha3-256$lots$c2FsdA==$aGFzaA=="},
		{"BadSalt", "pbkdf2-sha3-256$10000$!!$aGFzaA=="},
		{"BadHash", "pbkdf2-sha3-256$10000$c2FsdA==$!!"},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			_, err := mqtt.ParseCredential("device", test.encoded)
			require.Error(t, err)

			e, ok := err.(*errors.Error)
			require.True(t, ok)
			require.Equal(t, errors.ConfigurationInvalid, e.Kind)
		})
	}
}

func TestAuthHook(t *testing.T) {
	cred, err := mqtt.HashCredential("device", "hunter2")
	require.NoError(t, err)

	hook := mqtt.NewAuthHook([]*mqtt.Credential{cred}, nil)
	require.Equal(t, "cribwatch-auth", hook.ID())
	require.True(t, hook.Provides(mochi.OnConnectAuthenticate))
	require.True(t, hook.Provides(mochi.OnACLCheck))
	require.False(t, hook.Provides(mochi.OnPublish))

	client := &mochi.Client{ID: "front-end"}
	connect := func(username, password string) packets.Packet {
		return packets.Packet{Connect: packets.ConnectParams{
			Username: []byte(username),
			Password: []byte(password),
		}}
	}

	require.True(t, hook.OnConnectAuthenticate(client, connect("device", "hunter2")))
	require.False(t, hook.OnConnectAuthenticate(client, connect("device", "wrong")))
	require.False(t, hook.OnConnectAuthenticate(client, connect("stranger", "hunter2")))

	// Authenticated clients may use any topic.
	require.True(t, hook.OnACLCheck(client, "cribwatch/events/radar", true))
	require.True(t, hook.OnACLCheck(client, "cribwatch/fusion/heart_rate", false))
}
