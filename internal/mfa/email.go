package mfa

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
)

const (
	emailCodeLength = 8
	emailCodeTTL    = 15 * time.Minute
)

// EmailProvider sends eight-character alphanumeric codes by email.
type EmailProvider struct {
	sender EmailSender
}

func NewEmailProvider(sender EmailSender) *EmailProvider {
	return &EmailProvider{sender: sender}
}

func (p *EmailProvider) Method() string { return MethodEmail }

func (p *EmailProvider) Enroll(_ context.Context, userID string, opts EnrollOptions, now time.Time) (*Enrollment, *Setup, error) {
	if opts.Email == "" {
		return nil, nil, fmt.Errorf("email address is required for email enrollment")
	}
	enr := &Enrollment{
		UserID:    userID,
		Method:    MethodEmail,
		Email:     opts.Email,
		EnabledAt: now,
	}
	setup := &Setup{
		Method:       MethodEmail,
		Instructions: fmt.Sprintf("Verification codes will be sent to %s.", maskEmail(opts.Email)),
	}
	return enr, setup, nil
}

func (p *EmailProvider) Issue(ctx context.Context, enr *Enrollment, now time.Time) (*Challenge, error) {
	code, err := randomCode(alnum, emailCodeLength)
	if err != nil {
		return nil, err
	}
	body := fmt.Sprintf("Your verification code is %s. It expires in %d minutes.", code, int(emailCodeTTL.Minutes()))
	if err := p.sender.SendEmail(ctx, enr.Email, "Your verification code", body); err != nil {
		return nil, fmt.Errorf("send email code: %w", err)
	}
	return &Challenge{
		ID:        uuid.NewString(),
		UserID:    enr.UserID,
		Method:    MethodEmail,
		Hint:      maskEmail(enr.Email),
		CreatedAt: now,
		ExpiresAt: now.Add(emailCodeTTL),
		codeHash:  hashCode(code),
	}, nil
}

func (p *EmailProvider) Verify(_ *Enrollment, ch *Challenge, response string, _ time.Time) bool {
	return codesEqual(ch.codeHash, response)
}
