// Package otp derives the time-stepped one-time password used for
// passwordless unlock. The server computes the same value from the same
// inputs, so the algorithm here is fixed bit for bit
package otp

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/binary"
	"errors"
	"fmt"
	"strconv"
	"time"
)

// Defaults shared with the server
const (
	DefaultInterval = 30 * time.Second
	DefaultDigits   = 7
)

var ErrInvalidSecret = errors.New("otp: shared secret is not valid base64")

// Config holds the time-step parameters
type Config struct {
	// StartEpoch is subtracted from the current time before stepping
	StartEpoch time.Time `yaml:"start_epoch"`

	// Interval is the step length; it is used at millisecond resolution
	Interval time.Duration `yaml:"interval"`

	// Digits is the number of decimal digits in a code
	Digits int `yaml:"digits"`
}

// DefaultConfig returns the configuration the WebApi uses by default
func DefaultConfig() Config {
	return Config{
		StartEpoch: time.Unix(0, 0),
		Interval:   DefaultInterval,
		Digits:     DefaultDigits,
	}
}

// Generator produces codes for one configuration
type Generator struct {
	cfg Config
}

// NewGenerator returns a Generator, filling zero fields from DefaultConfig
func NewGenerator(cfg Config) *Generator {
	def := DefaultConfig()
	if cfg.StartEpoch.IsZero() {
		cfg.StartEpoch = def.StartEpoch
	}
	if cfg.Interval < time.Millisecond {
		cfg.Interval = def.Interval
	}
	if cfg.Digits <= 0 || cfg.Digits > 9 {
		cfg.Digits = def.Digits
	}
	return &Generator{cfg: cfg}
}

// Config returns the effective configuration
func (g *Generator) Config() Config {
	return g.cfg
}

// Counter returns the time-step counter for at
func (g *Generator) Counter(at time.Time) int64 {
	elapsed := at.UnixMilli() - g.cfg.StartEpoch.UnixMilli()
	step := g.cfg.Interval.Milliseconds()
	// floor division; times before the start epoch step backwards
	c := elapsed / step
	if elapsed%step != 0 && elapsed < 0 {
		c--
	}
	return c
}

// Generate returns the code for the given secret, client id and device
// fingerprint at time at
func (g *Generator) Generate(secret, clientID, fingerprint string, at time.Time) (string, error) {
	key, err := base64.StdEncoding.DecodeString(secret)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidSecret, err)
	}

	payload := strconv.FormatInt(g.Counter(at), 10) + clientID + fingerprint

	mac := hmac.New(sha256.New, key)
	mac.Write([]byte(payload))
	sum := mac.Sum(nil)

	offset := int(sum[len(sum)-1] & 0x0f)
	value := binary.BigEndian.Uint32(sum[offset:offset+4]) & 0x7fffffff

	mod := uint32(1)
	for i := 0; i < g.cfg.Digits; i++ {
		mod *= 10
	}

	return fmt.Sprintf("%0*d", g.cfg.Digits, value%mod), nil
}

// Generate computes a code with the default configuration
func Generate(secret, clientID, fingerprint string, at time.Time) (string, error) {
	return NewGenerator(Config{}).Generate(secret, clientID, fingerprint, at)
}
