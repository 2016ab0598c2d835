package mfa

import (
	"context"
	"time"

	"github.com/google/uuid"
)

const (
	backupCodeCount  = 10
	backupCodeLength = 8
	backupWindowTTL  = 15 * time.Minute
)

// BackupProvider issues single-use recovery codes. Codes are stored hashed;
// re-enrolling replaces the whole set. A consumed code never verifies again.
type BackupProvider struct{}

func NewBackupProvider() *BackupProvider { return &BackupProvider{} }

func (p *BackupProvider) Method() string { return MethodBackupCodes }

func (p *BackupProvider) Enroll(_ context.Context, userID string, _ EnrollOptions, now time.Time) (*Enrollment, *Setup, error) {
	codes := make([]string, 0, backupCodeCount)
	hashes := make(map[string]bool, backupCodeCount)
	for len(codes) < backupCodeCount {
		code, err := randomCode(alnum, backupCodeLength)
		if err != nil {
			return nil, nil, err
		}
		h := hashCode(code)
		if _, dup := hashes[h]; dup {
			continue
		}
		codes = append(codes, code)
		hashes[h] = false
	}
	enr := &Enrollment{
		UserID:    userID,
		Method:    MethodBackupCodes,
		Codes:     hashes,
		EnabledAt: now,
	}
	setup := &Setup{
		Method:       MethodBackupCodes,
		BackupCodes:  codes,
		Instructions: "Store these codes safely. Each can be used once; they are not shown again.",
	}
	return enr, setup, nil
}

func (p *BackupProvider) Issue(_ context.Context, enr *Enrollment, now time.Time) (*Challenge, error) {
	return &Challenge{
		ID:        uuid.NewString(),
		UserID:    enr.UserID,
		Method:    MethodBackupCodes,
		CreatedAt: now,
		ExpiresAt: now.Add(backupWindowTTL),
	}, nil
}

// Verify consumes the matched code. Runs under the manager's lock, so the
// consumed marker cannot race with a concurrent attempt on the same code.
func (p *BackupProvider) Verify(enr *Enrollment, _ *Challenge, response string, _ time.Time) bool {
	h := hashCode(response)
	used, found := enr.Codes[h]
	if !found || used {
		return false
	}
	enr.Codes[h] = true
	return true
}
