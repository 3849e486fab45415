// Package webapi talks to the locker endpoints of the WebApi.
//
// Registration and token refresh use the OAuth2 authorization-code and
// refresh-token grants. The locker endpoints (unlock, OTP unlock, password
// change, unregister) carry their request bodies in an encrypted envelope:
// a random session key wrapped with the server's RSA public key, and the
// JSON payload encrypted under that session key
package webapi

import (
	"bytes"
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/json"
	"encoding/pem"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/oauth2"

	"github.com/mesmerverse/coresdk/cryptor"
)

// Endpoint paths relative to Config.BasePath
const (
	PathAuthorize     = "/oauth2/auth"
	PathToken         = "/oauth2/token"
	PathUnlock        = "/locker/unlock"
	PathUnlockOTP     = "/locker/unlock/otp"
	PathPassword      = "/locker/password"
	PathRegistration  = "/locker/registration"
	sessionKeyEntropy = 16
)

var (
	// ErrNetwork wraps transport failures; the request may be retried
	ErrNetwork = errors.New("webapi: network failure")

	ErrInvalidPublicKey = errors.New("webapi: invalid public key")
	ErrInvalidResponse  = errors.New("webapi: invalid response")
)

// RejectedError is returned when the server refuses a request
type RejectedError struct {
	Status int

	// RemainingAttempts is -1 when the server did not report it
	RemainingAttempts int
}

func (e *RejectedError) Error() string {
	if e.RemainingAttempts < 0 {
		return fmt.Sprintf("webapi: request rejected (status %d)", e.Status)
	}
	return fmt.Sprintf("webapi: request rejected (status %d, %d attempts remaining)", e.Status, e.RemainingAttempts)
}

// Config configures a Client
type Config struct {
	BasePath     string
	ClientID     string
	ClientSecret string
	RedirectURL  string
	Scopes       []string

	// PublicKey is the PEM encoded RSA key payloads are wrapped with
	PublicKey string

	// HTTPClient defaults to http.DefaultClient
	HTTPClient *http.Client
}

// Token is a session issued by the token or unlock endpoints
type Token struct {
	AccessToken  string
	RefreshToken string
	TokenType    string
	Expiry       time.Time

	// ClientID and OneTimePasswordKey are only set by the code exchange
	ClientID           string
	OneTimePasswordKey string

	// RemainingAttempts is -1 when the server did not report it
	RemainingAttempts int
}

// Registration carries the device parameters of a code exchange
type Registration struct {
	DeviceFingerprint string
	Password          string
	LockType          string
}

// UnlockRequest is the payload of a password unlock
type UnlockRequest struct {
	ClientID          string `json:"clientId"`
	DeviceFingerprint string `json:"deviceFingerprint"`
	Password          string `json:"password"`
}

// OTPUnlockRequest is the payload of a one-time-password unlock
type OTPUnlockRequest struct {
	ClientID          string `json:"clientId"`
	DeviceFingerprint string `json:"deviceFingerprint"`
	OneTimePassword   string `json:"oneTimePassword"`
}

// ChangePasswordRequest is the payload of a password change
type ChangePasswordRequest struct {
	ClientID          string `json:"clientId"`
	DeviceFingerprint string `json:"deviceFingerprint"`
	OldPassword       string `json:"oldPassword"`
	NewPassword       string `json:"newPassword"`
	LockType          string `json:"lockType"`
}

// UnregisterRequest is the payload of an unregistration
type UnregisterRequest struct {
	ClientID          string `json:"clientId"`
	DeviceFingerprint string `json:"deviceFingerprint"`
}

// Envelope is the encrypted request body of the locker endpoints
type Envelope struct {
	Session string `json:"session"`
	Data    string `json:"data"`
}

type lockerResponse struct {
	AccessToken       string `json:"access_token"`
	RefreshToken      string `json:"refresh_token"`
	TokenType         string `json:"token_type"`
	ExpiresIn         int64  `json:"expires_in"`
	RemainingAttempts *int   `json:"remainingAttempts"`
}

type errorResponse struct {
	Error             string `json:"error"`
	RemainingAttempts *int   `json:"remainingAttempts"`
}

// Client calls the locker endpoints
type Client struct {
	cfg    Config
	oauth  *oauth2.Config
	pub    *rsa.PublicKey
	http   *http.Client
	crypto *cryptor.Cryptor
}

// NewClient parses the public key and prepares the OAuth2 configuration
func NewClient(cfg Config) (*Client, error) {
	pub, err := ParsePublicKey(cfg.PublicKey)
	if err != nil {
		return nil, err
	}

	hc := cfg.HTTPClient
	if hc == nil {
		hc = http.DefaultClient
	}
	base := strings.TrimRight(cfg.BasePath, "/")

	return &Client{
		cfg: cfg,
		oauth: &oauth2.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			RedirectURL:  cfg.RedirectURL,
			Scopes:       cfg.Scopes,
			Endpoint: oauth2.Endpoint{
				AuthURL:   base + PathAuthorize,
				TokenURL:  base + PathToken,
				AuthStyle: oauth2.AuthStyleInParams,
			},
		},
		pub:    pub,
		http:   hc,
		crypto: cryptor.Default(),
	}, nil
}

// ParsePublicKey accepts a PKIX or PKCS1 PEM encoded RSA public key
func ParsePublicKey(pemData string) (*rsa.PublicKey, error) {
	block, _ := pem.Decode([]byte(pemData))
	if block == nil {
		return nil, fmt.Errorf("%w: no PEM block", ErrInvalidPublicKey)
	}

	if block.Type == "RSA PUBLIC KEY" {
		pub, err := x509.ParsePKCS1PublicKey(block.Bytes)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidPublicKey, err)
		}
		return pub, nil
	}

	key, err := x509.ParsePKIXPublicKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPublicKey, err)
	}
	pub, ok := key.(*rsa.PublicKey)
	if !ok {
		return nil, fmt.Errorf("%w: not an RSA key", ErrInvalidPublicKey)
	}
	return pub, nil
}

// AuthCodeURL returns the URL the user authorizes the registration at
func (c *Client) AuthCodeURL(state string) string {
	return c.oauth.AuthCodeURL(state)
}

// ExchangeCode trades an authorization code for the first session of a
// newly registered device
func (c *Client) ExchangeCode(ctx context.Context, code string, reg Registration) (*Token, error) {
	tok, err := c.oauth.Exchange(c.oauthContext(ctx), code,
		oauth2.SetAuthURLParam("device_fingerprint", reg.DeviceFingerprint),
		oauth2.SetAuthURLParam("password", reg.Password),
		oauth2.SetAuthURLParam("lock_type", reg.LockType),
	)
	if err != nil {
		return nil, c.oauthError(PathToken, err)
	}

	t := fromOAuthToken(tok)
	t.ClientID, _ = tok.Extra("client_id").(string)
	t.OneTimePasswordKey, _ = tok.Extra("one_time_password_key").(string)
	if t.ClientID == "" {
		return nil, fmt.Errorf("%w: token response has no client_id", ErrInvalidResponse)
	}

	log.Debug().Str("path", PathToken).Msg("Authorization code exchanged")
	return t, nil
}

// Refresh obtains a new access token with the refresh-token grant
func (c *Client) Refresh(ctx context.Context, refreshToken string) (*Token, error) {
	src := c.oauth.TokenSource(c.oauthContext(ctx), &oauth2.Token{RefreshToken: refreshToken})
	tok, err := src.Token()
	if err != nil {
		return nil, c.oauthError(PathToken, err)
	}

	log.Debug().Str("path", PathToken).Msg("Access token refreshed")
	return fromOAuthToken(tok), nil
}

// Unlock asks the server for a session using the user's password
func (c *Client) Unlock(ctx context.Context, req UnlockRequest) (*Token, error) {
	return c.lockerCall(ctx, http.MethodPost, PathUnlock, "", req)
}

// UnlockOTP asks the server for a session using a one-time password
func (c *Client) UnlockOTP(ctx context.Context, req OTPUnlockRequest) (*Token, error) {
	return c.lockerCall(ctx, http.MethodPost, PathUnlockOTP, "", req)
}

// ChangePassword re-authenticates with the old password and sets a new one
func (c *Client) ChangePassword(ctx context.Context, accessToken string, req ChangePasswordRequest) (*Token, error) {
	return c.lockerCall(ctx, http.MethodPost, PathPassword, accessToken, req)
}

// Unregister removes the device registration on the server
func (c *Client) Unregister(ctx context.Context, accessToken string, req UnregisterRequest) error {
	_, err := c.lockerCall(ctx, http.MethodDelete, PathRegistration, accessToken, req)
	return err
}

// Seal builds the encrypted envelope for payload
func (c *Client) Seal(payload any) (*Envelope, error) {
	plain, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to encode payload: %w", err)
	}
	defer cryptor.Zero(plain)

	sessionKey, err := cryptor.RandomHex(sessionKeyEntropy)
	if err != nil {
		return nil, fmt.Errorf("failed to generate session key: %w", err)
	}

	wrapped, err := rsa.EncryptOAEP(sha256.New(), rand.Reader, c.pub, []byte(sessionKey), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to wrap session key: %w", err)
	}

	data, err := c.crypto.Encrypt(plain, sessionKey, true)
	if err != nil {
		return nil, fmt.Errorf("failed to encrypt payload: %w", err)
	}

	return &Envelope{
		Session: base64.StdEncoding.EncodeToString(wrapped),
		Data:    base64.StdEncoding.EncodeToString(data),
	}, nil
}

func (c *Client) lockerCall(ctx context.Context, method, path, accessToken string, payload any) (*Token, error) {
	env, err := c.Seal(payload)
	if err != nil {
		return nil, err
	}
	body, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("failed to encode envelope: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, method, strings.TrimRight(c.cfg.BasePath, "/")+path, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	if accessToken != "" {
		req.Header.Set("Authorization", "Bearer "+accessToken)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("%w: %v", ErrNetwork, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNetwork, err)
	}

	log.Debug().
		Str("method", method).
		Str("path", path).
		Int("status", resp.StatusCode).
		Msg("Locker endpoint called")

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, decodeError(resp.StatusCode, raw)
	}
	if len(bytes.TrimSpace(raw)) == 0 {
		return &Token{RemainingAttempts: -1}, nil
	}

	var lr lockerResponse
	if err := json.Unmarshal(raw, &lr); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidResponse, err)
	}

	t := &Token{
		AccessToken:       lr.AccessToken,
		RefreshToken:      lr.RefreshToken,
		TokenType:         lr.TokenType,
		RemainingAttempts: -1,
	}
	if lr.RemainingAttempts != nil {
		t.RemainingAttempts = *lr.RemainingAttempts
	}
	if lr.ExpiresIn > 0 {
		t.Expiry = time.Now().Add(time.Duration(lr.ExpiresIn) * time.Second)
	} else if exp, ok := ExpiryFromJWT(lr.AccessToken); ok {
		t.Expiry = exp
	}
	return t, nil
}

func (c *Client) oauthContext(ctx context.Context) context.Context {
	return context.WithValue(ctx, oauth2.HTTPClient, c.http)
}

func (c *Client) oauthError(path string, err error) error {
	var re *oauth2.RetrieveError
	if errors.As(err, &re) && re.Response != nil {
		log.Debug().Str("path", path).Int("status", re.Response.StatusCode).Msg("Token endpoint refused request")
		if re.Response.StatusCode >= 500 {
			return fmt.Errorf("%w: %v", ErrNetwork, err)
		}
		return decodeError(re.Response.StatusCode, re.Body)
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return fmt.Errorf("%w: %v", ErrNetwork, err)
}

func decodeError(status int, body []byte) error {
	if status >= 500 {
		return fmt.Errorf("%w: server returned %d", ErrNetwork, status)
	}

	rej := &RejectedError{Status: status, RemainingAttempts: -1}
	var er errorResponse
	if json.Unmarshal(body, &er) == nil && er.RemainingAttempts != nil {
		rej.RemainingAttempts = *er.RemainingAttempts
	}
	return rej
}

func fromOAuthToken(tok *oauth2.Token) *Token {
	t := &Token{
		AccessToken:       tok.AccessToken,
		RefreshToken:      tok.RefreshToken,
		TokenType:         tok.TokenType,
		Expiry:            tok.Expiry,
		RemainingAttempts: -1,
	}
	if t.Expiry.IsZero() {
		if exp, ok := ExpiryFromJWT(tok.AccessToken); ok {
			t.Expiry = exp
		}
	}
	return t
}
