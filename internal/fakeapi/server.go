// Package fakeapi simulates the locker endpoints of the WebApi. It backs
// the Locker tests and cmd/fakeapi for local development; it is not an
// OAuth2 server
package fakeapi

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/json"
	"encoding/pem"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/mesmerverse/coresdk/cryptor"
	"github.com/mesmerverse/coresdk/otp"
	"github.com/mesmerverse/coresdk/webapi"
)

// Config configures the simulator
type Config struct {
	ClientID     string
	ClientSecret string

	// PrivateKey unwraps request envelopes. A 2048-bit key is generated
	// when nil
	PrivateKey *rsa.PrivateKey

	// SigningKey signs access tokens (HS256). Random when empty
	SigningKey []byte

	MaxAttempts int
	TokenTTL    time.Duration
	OTP         otp.Config

	// OmitExpiresIn leaves expires_in out of unlock responses so clients
	// have to read the expiration from the token itself
	OmitExpiresIn bool
}

// Device is the server-side view of a registered device
type Device struct {
	ClientID          string
	DeviceFingerprint string
	Password          string
	LockType          string
	OTPKey            string
	RemainingAttempts int
}

type pendingCode struct {
	redirectURI string
	issuedAt    time.Time
}

// Server is the simulator. Its zero value is not usable; call New
type Server struct {
	cfg    Config
	otp    *otp.Generator
	engine *gin.Engine

	mu       sync.Mutex
	codes    map[string]pendingCode
	devices  map[string]*Device
	refresh  map[string]string
	failNext map[string]int
	calls    map[string]int
}

// New builds the simulator and its routes
func New(cfg Config) (*Server, error) {
	if cfg.PrivateKey == nil {
		key, err := rsa.GenerateKey(rand.Reader, 2048)
		if err != nil {
			return nil, fmt.Errorf("failed to generate RSA key: %w", err)
		}
		cfg.PrivateKey = key
	}
	if len(cfg.SigningKey) == 0 {
		key, err := cryptor.RandomBytes(32)
		if err != nil {
			return nil, fmt.Errorf("failed to generate signing key: %w", err)
		}
		cfg.SigningKey = key
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.TokenTTL <= 0 {
		cfg.TokenTTL = time.Hour
	}

	s := &Server{
		cfg:      cfg,
		otp:      otp.NewGenerator(cfg.OTP),
		codes:    make(map[string]pendingCode),
		devices:  make(map[string]*Device),
		refresh:  make(map[string]string),
		failNext: make(map[string]int),
		calls:    make(map[string]int),
	}

	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(gin.Recovery())
	engine.Use(s.accounting())

	engine.GET(webapi.PathAuthorize, s.handleAuthorize)
	engine.POST(webapi.PathToken, s.handleToken)
	engine.POST(webapi.PathUnlock, s.handleUnlock)
	engine.POST(webapi.PathUnlockOTP, s.handleUnlockOTP)
	engine.POST(webapi.PathPassword, s.handleChangePassword)
	engine.DELETE(webapi.PathRegistration, s.handleUnregister)

	s.engine = engine
	return s, nil
}

// Handler returns the HTTP handler serving every endpoint
func (s *Server) Handler() http.Handler {
	return s.engine
}

// PublicKeyPEM returns the PKIX PEM encoding of the envelope key
func (s *Server) PublicKeyPEM() string {
	der, err := x509.MarshalPKIXPublicKey(&s.cfg.PrivateKey.PublicKey)
	if err != nil {
		panic(err)
	}
	return string(pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: der}))
}

// FailNext makes the next request to path answer with status
func (s *Server) FailNext(path string, status int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failNext[path] = status
}

// Calls returns how many requests reached path
func (s *Server) Calls(path string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[path]
}

// Device returns a copy of the registered device, if any
func (s *Server) Device(clientID string) (Device, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.devices[clientID]
	if !ok {
		return Device{}, false
	}
	return *d, true
}

// IssueCode creates an authorization code without the redirect round trip
func (s *Server) IssueCode(redirectURI string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	code := uuid.NewString()
	s.codes[code] = pendingCode{redirectURI: redirectURI, issuedAt: time.Now()}
	return code
}

func (s *Server) accounting() gin.HandlerFunc {
	return func(c *gin.Context) {
		path := c.Request.URL.Path

		s.mu.Lock()
		s.calls[path]++
		status, fail := s.failNext[path]
		delete(s.failNext, path)
		s.mu.Unlock()

		if fail {
			c.AbortWithStatusJSON(status, gin.H{"error": "forced_failure"})
			return
		}

		start := time.Now()
		c.Next()
		log.Debug().
			Str("method", c.Request.Method).
			Str("path", path).
			Int("status", c.Writer.Status()).
			Dur("duration", time.Since(start)).
			Msg("Fake WebApi request")
	}
}

func (s *Server) handleAuthorize(c *gin.Context) {
	if c.Query("client_id") != s.cfg.ClientID || c.Query("response_type") != "code" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}

	redirect, err := url.Parse(c.Query("redirect_uri"))
	if err != nil || redirect.Scheme == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_redirect_uri"})
		return
	}

	code := s.IssueCode(redirect.String())
	q := redirect.Query()
	q.Set("code", code)
	q.Set("state", c.Query("state"))
	redirect.RawQuery = q.Encode()

	c.Redirect(http.StatusFound, redirect.String())
}

func (s *Server) handleToken(c *gin.Context) {
	if c.PostForm("client_id") != s.cfg.ClientID || c.PostForm("client_secret") != s.cfg.ClientSecret {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid_client"})
		return
	}

	switch c.PostForm("grant_type") {
	case "authorization_code":
		s.exchangeCode(c)
	case "refresh_token":
		s.refreshToken(c)
	default:
		c.JSON(http.StatusBadRequest, gin.H{"error": "unsupported_grant_type"})
	}
}

func (s *Server) exchangeCode(c *gin.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()

	code := c.PostForm("code")
	if _, ok := s.codes[code]; !ok {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_grant"})
		return
	}
	delete(s.codes, code)

	fingerprint := c.PostForm("device_fingerprint")
	password := c.PostForm("password")
	if fingerprint == "" || password == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}

	otpKey, err := cryptor.RandomBytes(20)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "server_error"})
		return
	}

	d := &Device{
		ClientID:          uuid.NewString(),
		DeviceFingerprint: fingerprint,
		Password:          password,
		LockType:          c.PostForm("lock_type"),
		OTPKey:            base64.StdEncoding.EncodeToString(otpKey),
		RemainingAttempts: s.cfg.MaxAttempts,
	}
	s.devices[d.ClientID] = d

	resp, err := s.issueTokens(d, false)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "server_error"})
		return
	}
	resp["client_id"] = d.ClientID
	resp["one_time_password_key"] = d.OTPKey

	log.Info().Str("client_id", d.ClientID).Msg("Device registered")
	c.JSON(http.StatusOK, resp)
}

func (s *Server) refreshToken(c *gin.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()

	clientID, ok := s.refresh[c.PostForm("refresh_token")]
	d := s.devices[clientID]
	if !ok || d == nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_grant"})
		return
	}

	resp, err := s.issueTokens(d, false)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "server_error"})
		return
	}
	c.JSON(http.StatusOK, resp)
}

func (s *Server) handleUnlock(c *gin.Context) {
	var req webapi.UnlockRequest
	if !s.open(c, &req) {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	d := s.lookup(req.ClientID, req.DeviceFingerprint)
	if d == nil {
		c.JSON(http.StatusForbidden, gin.H{"error": "unknown_device", "remainingAttempts": 0})
		return
	}
	if !s.checkPassword(c, d, req.Password) {
		return
	}

	s.respondUnlocked(c, d)
}

func (s *Server) handleUnlockOTP(c *gin.Context) {
	var req webapi.OTPUnlockRequest
	if !s.open(c, &req) {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	d := s.lookup(req.ClientID, req.DeviceFingerprint)
	if d == nil {
		c.JSON(http.StatusForbidden, gin.H{"error": "unknown_device"})
		return
	}

	// the previous step is accepted for clock skew and slow requests
	now := time.Now()
	step := s.otp.Config().Interval
	for _, at := range []time.Time{now, now.Add(-step)} {
		want, err := s.otp.Generate(d.OTPKey, d.ClientID, d.DeviceFingerprint, at)
		if err == nil && req.OneTimePassword == want {
			s.respondUnlocked(c, d)
			return
		}
	}

	c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid_otp"})
}

func (s *Server) handleChangePassword(c *gin.Context) {
	var req webapi.ChangePasswordRequest
	if !s.open(c, &req) {
		return
	}
	if !s.authorized(c, req.ClientID) {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	d := s.lookup(req.ClientID, req.DeviceFingerprint)
	if d == nil {
		c.JSON(http.StatusForbidden, gin.H{"error": "unknown_device", "remainingAttempts": 0})
		return
	}
	if !s.checkPassword(c, d, req.OldPassword) {
		return
	}
	if req.NewPassword == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}

	d.Password = req.NewPassword
	d.LockType = req.LockType
	s.respondUnlocked(c, d)
}

func (s *Server) handleUnregister(c *gin.Context) {
	var req webapi.UnregisterRequest
	if !s.open(c, &req) {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if d := s.lookup(req.ClientID, req.DeviceFingerprint); d != nil {
		delete(s.devices, d.ClientID)
		log.Info().Str("client_id", d.ClientID).Msg("Device unregistered")
	}
	c.Status(http.StatusNoContent)
}

// open unwraps the request envelope into v, answering 400 on failure
func (s *Server) open(c *gin.Context, v any) bool {
	var env webapi.Envelope
	if err := c.ShouldBindJSON(&env); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_envelope"})
		return false
	}
	if err := OpenEnvelope(s.cfg.PrivateKey, &env, v); err != nil {
		log.Debug().Err(err).Msg("Envelope rejected")
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_envelope"})
		return false
	}
	return true
}

// OpenEnvelope reverses webapi.Client.Seal
func OpenEnvelope(key *rsa.PrivateKey, env *webapi.Envelope, v any) error {
	wrapped, err := base64.StdEncoding.DecodeString(env.Session)
	if err != nil {
		return fmt.Errorf("invalid session encoding: %w", err)
	}
	sessionKey, err := rsa.DecryptOAEP(sha256.New(), nil, key, wrapped, nil)
	if err != nil {
		return fmt.Errorf("failed to unwrap session key: %w", err)
	}
	data, err := base64.StdEncoding.DecodeString(env.Data)
	if err != nil {
		return fmt.Errorf("invalid data encoding: %w", err)
	}
	plain, err := cryptor.Decrypt(data, string(sessionKey), true)
	if err != nil {
		return err
	}
	return json.Unmarshal(plain, v)
}

func (s *Server) lookup(clientID, fingerprint string) *Device {
	d := s.devices[clientID]
	if d == nil || d.DeviceFingerprint != fingerprint {
		return nil
	}
	return d
}

// checkPassword counts a failed attempt and drops the device once none
// remain. Callers hold s.mu
func (s *Server) checkPassword(c *gin.Context, d *Device, password string) bool {
	if cryptor.TimingSafeEqual([]byte(d.Password), []byte(password)) {
		d.RemainingAttempts = s.cfg.MaxAttempts
		return true
	}

	d.RemainingAttempts--
	if d.RemainingAttempts <= 0 {
		delete(s.devices, d.ClientID)
		log.Info().Str("client_id", d.ClientID).Msg("Attempts exhausted, device dropped")
		c.JSON(http.StatusForbidden, gin.H{"error": "attempts_exhausted", "remainingAttempts": 0})
		return false
	}
	c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid_password", "remainingAttempts": d.RemainingAttempts})
	return false
}

func (s *Server) authorized(c *gin.Context, clientID string) bool {
	raw, ok := strings.CutPrefix(c.GetHeader("Authorization"), "Bearer ")
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "missing_token"})
		return false
	}

	token, err := jwt.Parse(raw, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return s.cfg.SigningKey, nil
	})
	if err != nil || !token.Valid {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid_token"})
		return false
	}
	sub, err := token.Claims.GetSubject()
	if err != nil || sub != clientID {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid_token"})
		return false
	}
	return true
}

// respondUnlocked answers with a fresh session. Callers hold s.mu
func (s *Server) respondUnlocked(c *gin.Context, d *Device) {
	resp, err := s.issueTokens(d, s.cfg.OmitExpiresIn)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "server_error"})
		return
	}
	resp["remainingAttempts"] = d.RemainingAttempts
	c.JSON(http.StatusOK, resp)
}

// issueTokens mints an access token and a refresh token for d. Callers
// hold s.mu
func (s *Server) issueTokens(d *Device, omitExpiresIn bool) (gin.H, error) {
	now := time.Now()
	claims := jwt.MapClaims{
		"sub": d.ClientID,
		"jti": uuid.NewString(),
		"iat": now.Unix(),
		"exp": now.Add(s.cfg.TokenTTL).Unix(),
	}
	access, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.cfg.SigningKey)
	if err != nil {
		return nil, fmt.Errorf("failed to sign token: %w", err)
	}

	refresh := uuid.NewString()
	s.refresh[refresh] = d.ClientID

	resp := gin.H{
		"access_token":  access,
		"refresh_token": refresh,
		"token_type":    "bearer",
	}
	if !omitExpiresIn {
		resp["expires_in"] = int64(s.cfg.TokenTTL / time.Second)
	}
	return resp, nil
}

// ErrNoDevice is returned by helpers that need a registered device
var ErrNoDevice = errors.New("fakeapi: no such device")

// RevokeRefreshTokens invalidates every refresh token of clientID
func (s *Server) RevokeRefreshTokens(clientID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.devices[clientID]; !ok {
		return ErrNoDevice
	}
	for token, owner := range s.refresh {
		if owner == clientID {
			delete(s.refresh, token)
		}
	}
	return nil
}
