// Copyright (c) Microsoft Corporation.
// Licensed under the MIT License.
package mqtt

import (
	"bytes"
	"context"
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"log/slog"
	"strconv"
	"strings"

	"github.com/Azure/cribwatch/errors"
	"github.com/Azure/cribwatch/internal/log"
	mochi "github.com/mochi-mqtt/server/v2"
	"github.com/mochi-mqtt/server/v2/packets"
	"golang.org/x/crypto/pbkdf2"
	"golang.org/x/crypto/sha3"
)

// Credential hashing parameters. Only the hash of a device password is ever
// stored or configured.
const (
	credentialScheme     = "pbkdf2-sha3-256"
	credentialIterations = 10000
	credentialKeyLength  = 32
	credentialSaltLength = 16
)

type (
	// Credential is a stored device credential: the PBKDF2-SHA3-256 hash of
	// the device's password.
	Credential struct {
		Username   string
		Iterations int
		Salt       []byte
		Hash       []byte
	}

	// AuthHook verifies device credentials on the embedded broker against
	// the configured hashes. It allows all topics once authenticated; the
	// broker is private to the device.
	AuthHook struct {
		mochi.HookBase
		creds map[string]*Credential
		log   log.Logger
	}
)

// HashCredential derives a new credential from a plaintext password.
func HashCredential(username, password string) (*Credential, error) {
	if username == "" {
		return nil, &errors.Error{
			Message:      "username must not be empty",
			Kind:         errors.ArgumentInvalid,
			PropertyName: "username",
		}
	}

	salt := make([]byte, credentialSaltLength)
	if _, err := rand.Read(salt); err != nil {
		return nil, &errors.Error{
			Message:     "cannot generate credential salt",
			Kind:        errors.UnknownError,
			NestedError: err,
		}
	}

	return &Credential{
		Username:   username,
		Iterations: credentialIterations,
		Salt:       salt,
		Hash: pbkdf2.Key(
			[]byte(password),
			salt,
			credentialIterations,
			credentialKeyLength,
			sha3.New256,
		),
	}, nil
}

// ParseCredential decodes a credential from its stored string form,
// "pbkdf2-sha3-256$<iterations>$<salt b64>$<hash b64>".
func ParseCredential(username, encoded string) (*Credential, error) {
	invalid := func(nested error) error {
		return &errors.Error{
			Message:      "malformed credential",
			Kind:         errors.ConfigurationInvalid,
			PropertyName: "credential",
			NestedError:  nested,
		}
	}

	parts := strings.Split(encoded, "$")
	if len(parts) != 4 || parts[0] != credentialScheme {
		return nil, invalid(nil)
	}

	iterations, err := strconv.Atoi(parts[1])
	if err != nil || iterations <= 0 {
		return nil, invalid(err)
	}

	salt, err := base64.StdEncoding.DecodeString(parts[2])
	if err != nil {
		return nil, invalid(err)
	}

	hash, err := base64.StdEncoding.DecodeString(parts[3])
	if err != nil {
		return nil, invalid(err)
	}

	return &Credential{
		Username:   username,
		Iterations: iterations,
		Salt:       salt,
		Hash:       hash,
	}, nil
}

// Encode returns the credential's stored string form.
func (c *Credential) Encode() string {
	return strings.Join([]string{
		credentialScheme,
		strconv.Itoa(c.Iterations),
		base64.StdEncoding.EncodeToString(c.Salt),
		base64.StdEncoding.EncodeToString(c.Hash),
	}, "$")
}

// Verify reports whether the password matches the credential, in constant
// time with respect to the hash comparison.
func (c *Credential) Verify(password []byte) bool {
	derived := pbkdf2.Key(
		password,
		c.Salt,
		c.Iterations,
		credentialKeyLength,
		sha3.New256,
	)
	return subtle.ConstantTimeCompare(derived, c.Hash) == 1
}

// NewAuthHook creates a broker hook verifying the given credentials.
func NewAuthHook(creds []*Credential, logger *slog.Logger) *AuthHook {
	byUser := make(map[string]*Credential, len(creds))
	for _, c := range creds {
		byUser[c.Username] = c
	}
	return &AuthHook{creds: byUser, log: log.Wrap(logger)}
}

// ID returns the hook id.
func (h *AuthHook) ID() string {
	return "cribwatch-auth"
}

// Provides indicates which hook methods this hook provides.
func (h *AuthHook) Provides(b byte) bool {
	return bytes.Contains([]byte{
		mochi.OnConnectAuthenticate,
		mochi.OnACLCheck,
	}, []byte{b})
}

// OnConnectAuthenticate verifies the connecting client's credentials.
func (h *AuthHook) OnConnectAuthenticate(
	cl *mochi.Client,
	pk packets.Packet,
) bool {
	username := string(pk.Connect.Username)

	cred, ok := h.creds[username]
	if !ok {
		h.log.Warn(context.Background(), "unknown broker user",
			slog.String("username", username),
			slog.String("client_id", cl.ID))
		return false
	}
	if !cred.Verify(pk.Connect.Password) {
		h.log.Warn(context.Background(), "broker credential rejected",
			slog.String("username", username),
			slog.String("client_id", cl.ID))
		return false
	}
	return true
}

// OnACLCheck allows all topics for authenticated clients.
func (h *AuthHook) OnACLCheck(cl *mochi.Client, topic string, write bool) bool {
	return true
}
