// Package mfa implements multi-factor authentication: TOTP, SMS and email
// codes, and single-use backup codes, behind a common Provider interface.
package mfa

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
	"math/big"
	"strings"
	"time"
)

// Method names accepted by the manager.
const (
	MethodTOTP        = "totp"
	MethodSMS         = "sms"
	MethodEmail       = "email"
	MethodBackupCodes = "backup_codes"
)

// Enrollment is a user's registration for one MFA method. Only the fields
// relevant to the method are populated.
type Enrollment struct {
	UserID    string
	Method    string
	Secret    string          // totp shared secret
	Phone     string          // sms destination
	Email     string          // email destination
	Codes     map[string]bool // backup code hash -> consumed
	EnabledAt time.Time
}

// EnrollOptions carry method-specific enrollment inputs.
type EnrollOptions struct {
	AccountName string // totp: label shown in the authenticator app
	Phone       string // sms
	Email       string // email
}

// Setup is returned to the user once, at enrollment time. Secrets and backup
// codes are never retrievable afterwards.
type Setup struct {
	Method          string
	Secret          string
	ProvisioningURI string
	BackupCodes     []string
	Instructions    string
}

// Challenge is a pending verification. It is single-use: completion removes
// it whether verification succeeded or not.
type Challenge struct {
	ID        string
	UserID    string
	Method    string
	Hint      string // masked destination, empty for totp/backup codes
	CreatedAt time.Time
	ExpiresAt time.Time

	codeHash string // expected response hash, empty when the provider verifies directly
}

// Provider implements one MFA method.
//
// Enroll and Issue may perform network I/O (sending codes) and are called
// outside the manager's lock. Verify must be pure computation plus enrollment
// mutation; it runs under the manager's write lock.
type Provider interface {
	Method() string
	Enroll(ctx context.Context, userID string, opts EnrollOptions, now time.Time) (*Enrollment, *Setup, error)
	Issue(ctx context.Context, enr *Enrollment, now time.Time) (*Challenge, error)
	Verify(enr *Enrollment, ch *Challenge, response string, now time.Time) bool
}

// SMSSender delivers a text message. Production wiring supplies a gateway
// client; tests supply a capture fake.
type SMSSender interface {
	SendSMS(ctx context.Context, phone, message string) error
}

// EmailSender delivers a plain-text email.
type EmailSender interface {
	SendEmail(ctx context.Context, to, subject, body string) error
}

const digits = "0123456789"
const alnum = "ABCDEFGHJKLMNPQRSTUVWXYZ23456789" // unambiguous set, no 0/O/1/I

func randomCode(alphabet string, length int) (string, error) {
	var b strings.Builder
	max := big.NewInt(int64(len(alphabet)))
	for i := 0; i < length; i++ {
		n, err := rand.Int(rand.Reader, max)
		if err != nil {
			return "", fmt.Errorf("generate code: %w", err)
		}
		b.WriteByte(alphabet[n.Int64()])
	}
	return b.String(), nil
}

func hashCode(code string) string {
	sum := sha256.Sum256([]byte(strings.ToUpper(strings.TrimSpace(code))))
	return hex.EncodeToString(sum[:])
}

func codesEqual(hash, response string) bool {
	return subtle.ConstantTimeCompare([]byte(hash), []byte(hashCode(response))) == 1
}

// maskPhone hides all but the last four digits.
func maskPhone(phone string) string {
	if len(phone) <= 4 {
		return strings.Repeat("*", len(phone))
	}
	return strings.Repeat("*", len(phone)-4) + phone[len(phone)-4:]
}

// maskEmail keeps the first character of the local part and the full domain.
func maskEmail(email string) string {
	at := strings.Index(email, "@")
	if at <= 0 {
		return "***"
	}
	return email[:1] + "***" + email[at:]
}
