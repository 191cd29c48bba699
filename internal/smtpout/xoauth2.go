package smtpout

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"net/smtp"
	"strings"
	"sync"

	"golang.org/x/oauth2"

	"github.com/ignite/mailplane/internal/domain"
)

// TokenProvider yields a valid OAuth access token for an account, refreshing
// when the cached one expired.
type TokenProvider interface {
	AccessToken(ctx context.Context, account *domain.SMTPAccount) (string, error)
}

// OAuthProvider implements TokenProvider on top of x/oauth2 refresh-token
// flows. Token sources are cached per account and reuse tokens until expiry.
type OAuthProvider struct {
	mu      sync.Mutex
	sources map[string]oauth2.TokenSource
}

// NewOAuthProvider creates an empty provider.
func NewOAuthProvider() *OAuthProvider {
	return &OAuthProvider{sources: make(map[string]oauth2.TokenSource)}
}

// AccessToken returns a live access token for the account's refresh token.
func (p *OAuthProvider) AccessToken(ctx context.Context, account *domain.SMTPAccount) (string, error) {
	cred := account.Credential
	if cred.Kind != domain.CredentialOAuth {
		return "", fmt.Errorf("account %s does not use oauth", account.Email)
	}
	if cred.RefreshToken == "" || cred.TokenURL == "" {
		return "", fmt.Errorf("account %s has incomplete oauth credential", account.Email)
	}

	p.mu.Lock()
	src, ok := p.sources[account.ID]
	if !ok {
		conf := &oauth2.Config{
			ClientID:     cred.ClientID,
			ClientSecret: cred.ClientSecret,
			Endpoint:     oauth2.Endpoint{TokenURL: cred.TokenURL},
		}
		src = conf.TokenSource(context.Background(), &oauth2.Token{RefreshToken: cred.RefreshToken})
		p.sources[account.ID] = src
	}
	p.mu.Unlock()

	tok, err := src.Token()
	if err != nil {
		return "", fmt.Errorf("oauth token refresh for %s: %w", account.Email, err)
	}
	return tok.AccessToken, nil
}

// IMAPAccessToken serves IMAP accounts from the same token-source cache;
// credentials carry the same refresh-token shape on both protocols.
func (p *OAuthProvider) IMAPAccessToken(ctx context.Context, account *domain.IMAPAccount) (string, error) {
	shim := &domain.SMTPAccount{ID: account.ID, Email: account.Email, Credential: account.Credential}
	return p.AccessToken(ctx, shim)
}

// xoauth2Auth implements the SASL XOAUTH2 initial-response exchange:
// base64("user=<email>\x01auth=Bearer <token>\x01\x01").
type xoauth2Auth struct {
	email string
	token string
}

// XOAUTH2Auth returns a net/smtp Auth speaking SASL XOAUTH2.
func XOAUTH2Auth(email, token string) smtp.Auth {
	return &xoauth2Auth{email: email, token: token}
}

func (a *xoauth2Auth) Start(_ *smtp.ServerInfo) (string, []byte, error) {
	resp := fmt.Sprintf("user=%s\x01auth=Bearer %s\x01\x01", a.email, a.token)
	return "XOAUTH2", []byte(resp), nil
}

func (a *xoauth2Auth) Next(fromServer []byte, more bool) ([]byte, error) {
	if more {
		// Server pushed a base64 JSON error blob; an empty line aborts the
		// exchange and surfaces the 535 that follows.
		return []byte(""), nil
	}
	return nil, nil
}

// XOAUTH2String exposes the raw SASL line for protocol-level clients (IMAP).
func XOAUTH2String(email, token string) string {
	return base64.StdEncoding.EncodeToString(
		[]byte(fmt.Sprintf("user=%s\x01auth=Bearer %s\x01\x01", email, token)))
}

// loginAuth implements the legacy AUTH LOGIN exchange used by most
// password-based SMTP providers.
type loginAuth struct {
	username string
	password string
}

// LoginAuth returns a net/smtp Auth speaking AUTH LOGIN.
func LoginAuth(username, password string) smtp.Auth {
	return &loginAuth{username: username, password: password}
}

func (a *loginAuth) Start(_ *smtp.ServerInfo) (string, []byte, error) {
	return "LOGIN", nil, nil
}

func (a *loginAuth) Next(fromServer []byte, more bool) ([]byte, error) {
	if !more {
		return nil, nil
	}
	switch {
	case strings.Contains(string(fromServer), "Username"):
		return []byte(a.username), nil
	case strings.Contains(string(fromServer), "Password"):
		return []byte(a.password), nil
	default:
		return nil, errors.New("unexpected LOGIN challenge")
	}
}
