package smtpout

import (
	"encoding/base64"
	"net/smtp"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestXOAUTH2String(t *testing.T) {
	enc := XOAUTH2String("user@example.com", "ya29.token")
	raw, err := base64.StdEncoding.DecodeString(enc)
	require.NoError(t, err)
	assert.Equal(t, "user=user@example.com\x01auth=Bearer ya29.token\x01\x01", string(raw))
}

func TestXOAUTH2AuthStart(t *testing.T) {
	a := XOAUTH2Auth("user@example.com", "tok")
	mech, resp, err := a.Start(&smtp.ServerInfo{TLS: true})
	require.NoError(t, err)
	assert.Equal(t, "XOAUTH2", mech)
	assert.Equal(t, "user=user@example.com\x01auth=Bearer tok\x01\x01", string(resp))
}

func TestXOAUTH2AuthAbortsOnChallenge(t *testing.T) {
	a := XOAUTH2Auth("user@example.com", "tok")
	resp, err := a.Next([]byte(`{"status":"401"}`), true)
	require.NoError(t, err)
	assert.Equal(t, "", string(resp))
}

func TestLoginAuthExchange(t *testing.T) {
	a := LoginAuth("user@example.com", "hunter2")
	mech, _, err := a.Start(&smtp.ServerInfo{TLS: true})
	require.NoError(t, err)
	assert.Equal(t, "LOGIN", mech)

	resp, err := a.Next([]byte("Username:"), true)
	require.NoError(t, err)
	assert.Equal(t, "user@example.com", string(resp))

	resp, err = a.Next([]byte("Password:"), true)
	require.NoError(t, err)
	assert.Equal(t, "hunter2", string(resp))

	_, err = a.Next([]byte("What?"), true)
	assert.Error(t, err)
}
