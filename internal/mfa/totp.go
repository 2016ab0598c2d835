package mfa

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/pquerna/otp"
	"github.com/pquerna/otp/totp"
)

// totpChallengeTTL bounds how long an initiated TOTP verification stays open.
// The code itself rotates every 30 seconds regardless.
const totpChallengeTTL = 5 * time.Minute

// TOTPProvider implements RFC 6238 time-based one-time passwords with a
// 30-second period and one step of clock skew in either direction.
type TOTPProvider struct {
	issuer string
}

func NewTOTPProvider(issuer string) *TOTPProvider {
	return &TOTPProvider{issuer: issuer}
}

func (p *TOTPProvider) Method() string { return MethodTOTP }

func (p *TOTPProvider) Enroll(_ context.Context, userID string, opts EnrollOptions, now time.Time) (*Enrollment, *Setup, error) {
	account := opts.AccountName
	if account == "" {
		account = userID
	}
	key, err := totp.Generate(totp.GenerateOpts{
		Issuer:      p.issuer,
		AccountName: account,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("generate totp secret: %w", err)
	}
	enr := &Enrollment{
		UserID:    userID,
		Method:    MethodTOTP,
		Secret:    key.Secret(),
		EnabledAt: now,
	}
	setup := &Setup{
		Method:          MethodTOTP,
		Secret:          key.Secret(),
		ProvisioningURI: key.URL(),
		Instructions:    "Scan the provisioning URI with an authenticator app, then verify with the displayed code.",
	}
	return enr, setup, nil
}

func (p *TOTPProvider) Issue(_ context.Context, enr *Enrollment, now time.Time) (*Challenge, error) {
	return &Challenge{
		ID:        uuid.NewString(),
		UserID:    enr.UserID,
		Method:    MethodTOTP,
		CreatedAt: now,
		ExpiresAt: now.Add(totpChallengeTTL),
	}, nil
}

func (p *TOTPProvider) Verify(enr *Enrollment, _ *Challenge, response string, now time.Time) bool {
	ok, err := totp.ValidateCustom(response, enr.Secret, now, totp.ValidateOpts{
		Period:    30,
		Skew:      1,
		Digits:    otp.DigitsSix,
		Algorithm: otp.AlgorithmSHA1,
	})
	return err == nil && ok
}
