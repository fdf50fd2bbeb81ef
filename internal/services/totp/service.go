// Package totp generates and checks one-time codes for entries that
// carry an otpauth secret. A secret may be raw base32 or a full
// otpauth:// URI; URI parameters (period, digits, algorithm) are
// honored, bare secrets use the standard 30s/6-digit/SHA1 profile.
package totp

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/pquerna/otp"
	"github.com/pquerna/otp/totp"

	"github.com/keyfold/keyfold/internal/models"
)

// ErrNoSecret indicates the entry carries no otpauth secret.
var ErrNoSecret = errors.New("entry has no otp secret")

// Code is a generated one-time code plus its validity window.
type Code struct {
	Value     string
	Period    time.Duration
	Remaining time.Duration
}

// Service turns entry otpauth secrets into codes.
type Service struct {
	now func() time.Time
}

// NewService creates a TOTP service.
func NewService() *Service {
	return &Service{now: time.Now}
}

// params is a normalized secret: the base32 material plus the profile
// to generate under.
type params struct {
	secret    string
	period    uint
	digits    otp.Digits
	algorithm otp.Algorithm
}

// parseSecret accepts a raw base32 secret or an otpauth:// URI.
func parseSecret(raw string) (*params, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, ErrNoSecret
	}

	if strings.HasPrefix(raw, "otpauth://") {
		key, err := otp.NewKeyFromURL(raw)
		if err != nil {
			return nil, fmt.Errorf("parse otpauth uri: %w", err)
		}
		p := &params{
			secret:    key.Secret(),
			period:    uint(key.Period()),
			digits:    key.Digits(),
			algorithm: key.Algorithm(),
		}
		if p.period == 0 {
			p.period = 30
		}
		if p.digits == 0 {
			p.digits = otp.DigitsSix
		}
		return p, nil
	}

	// bare secrets are stored with whatever spacing the user pasted
	return &params{
		secret:    strings.ToUpper(strings.ReplaceAll(raw, " ", "")),
		period:    30,
		digits:    otp.DigitsSix,
		algorithm: otp.AlgorithmSHA1,
	}, nil
}

func (p *params) opts() totp.ValidateOpts {
	return totp.ValidateOpts{
		Period:    p.period,
		Digits:    p.digits,
		Algorithm: p.algorithm,
		Skew:      1,
	}
}

// Generate produces the current code for a secret.
func (s *Service) Generate(secret string) (*Code, error) {
	return s.GenerateAt(secret, s.now())
}

// GenerateAt produces the code valid at a specific time.
func (s *Service) GenerateAt(secret string, at time.Time) (*Code, error) {
	p, err := parseSecret(secret)
	if err != nil {
		return nil, err
	}

	value, err := totp.GenerateCodeCustom(p.secret, at, p.opts())
	if err != nil {
		return nil, fmt.Errorf("generate code: %w", err)
	}

	period := time.Duration(p.period) * time.Second
	elapsed := time.Duration(at.Unix()%int64(p.period)) * time.Second
	return &Code{
		Value:     value,
		Period:    period,
		Remaining: period - elapsed,
	}, nil
}

// GenerateForEntry produces the current code for an entry's stored
// secret.
func (s *Service) GenerateForEntry(entry *models.Entry) (*Code, error) {
	if entry == nil || entry.OTPSecret == "" {
		return nil, ErrNoSecret
	}
	return s.Generate(entry.OTPSecret)
}

// Validate reports whether a code is currently valid for a secret,
// allowing one period of clock skew either way.
func (s *Service) Validate(secret, code string) bool {
	p, err := parseSecret(secret)
	if err != nil || code == "" {
		return false
	}
	ok, err := totp.ValidateCustom(code, p.secret, s.now(), p.opts())
	return err == nil && ok
}

// CheckSecret reports whether a stored secret can produce codes.
func (s *Service) CheckSecret(secret string) error {
	_, err := s.Generate(secret)
	return err
}
