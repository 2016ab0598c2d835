package mfa

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
)

const (
	smsCodeLength = 6
	smsCodeTTL    = 10 * time.Minute
)

// SMSProvider sends six-digit codes over text message.
type SMSProvider struct {
	sender SMSSender
}

func NewSMSProvider(sender SMSSender) *SMSProvider {
	return &SMSProvider{sender: sender}
}

func (p *SMSProvider) Method() string { return MethodSMS }

func (p *SMSProvider) Enroll(_ context.Context, userID string, opts EnrollOptions, now time.Time) (*Enrollment, *Setup, error) {
	if opts.Phone == "" {
		return nil, nil, fmt.Errorf("phone number is required for sms enrollment")
	}
	enr := &Enrollment{
		UserID:    userID,
		Method:    MethodSMS,
		Phone:     opts.Phone,
		EnabledAt: now,
	}
	setup := &Setup{
		Method:       MethodSMS,
		Instructions: fmt.Sprintf("Verification codes will be sent to %s.", maskPhone(opts.Phone)),
	}
	return enr, setup, nil
}

func (p *SMSProvider) Issue(ctx context.Context, enr *Enrollment, now time.Time) (*Challenge, error) {
	code, err := randomCode(digits, smsCodeLength)
	if err != nil {
		return nil, err
	}
	if err := p.sender.SendSMS(ctx, enr.Phone, fmt.Sprintf("Your verification code is %s", code)); err != nil {
		return nil, fmt.Errorf("send sms code: %w", err)
	}
	return &Challenge{
		ID:        uuid.NewString(),
		UserID:    enr.UserID,
		Method:    MethodSMS,
		Hint:      maskPhone(enr.Phone),
		CreatedAt: now,
		ExpiresAt: now.Add(smsCodeTTL),
		codeHash:  hashCode(code),
	}, nil
}

func (p *SMSProvider) Verify(_ *Enrollment, ch *Challenge, response string, _ time.Time) bool {
	return codesEqual(ch.codeHash, response)
}
