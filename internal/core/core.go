// Package core assembles the control plane: the event bus, every
// domain manager, and optional snapshot persistence.
package core

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/quorumsec/aegis/internal/authn"
	"github.com/quorumsec/aegis/internal/authz"
	"github.com/quorumsec/aegis/internal/config"
	"github.com/quorumsec/aegis/internal/controls"
	"github.com/quorumsec/aegis/internal/events"
	"github.com/quorumsec/aegis/internal/identity"
	"github.com/quorumsec/aegis/internal/mfa"
	"github.com/quorumsec/aegis/internal/monitor"
	"github.com/quorumsec/aegis/internal/pluginsec"
	"github.com/quorumsec/aegis/internal/store"
)

// Options overrides pieces of the default wiring. Zero values pick the
// defaults: real clock, discard logger, log-only code delivery.
type Options struct {
	Clock       clockwork.Clock
	Logger      *slog.Logger
	SMSSender   mfa.SMSSender
	EmailSender mfa.EmailSender
}

// App is the assembled control plane.
type App struct {
	Config    *config.Config
	Bus       *events.Bus
	Authn     *authn.Manager
	MFA       *mfa.Manager
	Authz     *authz.Manager
	Enhanced  *authz.Enhanced
	Identity  *identity.Manager
	OAuth     *identity.Server
	PluginSec *pluginsec.Manager
	Controls  *controls.Manager
	Monitor   *monitor.Manager

	// Store is nil when no storage DSN is configured.
	Store *store.Store

	clock  clockwork.Clock
	logger *slog.Logger

	lastAuditFlush    time.Time
	lastSecEventFlush time.Time
}

// New wires the managers together. Every manager publishes to the shared
// bus; the monitor subscribes last so its audit recorder sees the events
// the others emit.
func New(cfg *config.Config, opts Options) (*App, error) {
	clock := opts.Clock
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}

	bus := events.NewBus(clock, logger)
	authnMgr := authn.NewManager(cfg.Auth, bus, clock, logger)

	smsSender := opts.SMSSender
	if smsSender == nil {
		smsSender = logSender{logger: logger}
	}
	emailSender := opts.EmailSender
	if emailSender == nil {
		emailSender = logSender{logger: logger}
	}
	mfaMgr := mfa.NewManager([]mfa.Provider{
		mfa.NewTOTPProvider(totpIssuer(cfg.OAuth.Issuer)),
		mfa.NewSMSProvider(smsSender),
		mfa.NewEmailProvider(emailSender),
		mfa.NewBackupProvider(),
	}, authnMgr, bus, clock, logger)

	authzMgr, err := authz.NewManager(bus, clock, logger)
	if err != nil {
		return nil, fmt.Errorf("init authorization: %w", err)
	}
	if err := authzMgr.EnsureSystemDefaults(context.Background()); err != nil {
		return nil, fmt.Errorf("seed system roles: %w", err)
	}
	enhanced := authz.NewEnhanced(authzMgr, bus, clock, logger)

	signer, err := identity.NewTokenSigner(cfg.OAuth.SigningKeyPath)
	if err != nil {
		return nil, fmt.Errorf("init token signer: %w", err)
	}
	oauthSrv := identity.NewServer(cfg.OAuth, signer, authnMgr, bus, clock, logger)
	linker := identity.NewLinker(authnMgr, bus, clock, logger)
	identityMgr := identity.NewManager(linker, bus, logger)

	pluginSec, err := pluginsec.NewManager(bus, clock, logger)
	if err != nil {
		return nil, fmt.Errorf("init plugin security: %w", err)
	}

	controlsMgr, err := controls.NewManager(cfg.Controls, bus, clock, logger)
	if err != nil {
		return nil, fmt.Errorf("init security controls: %w", err)
	}

	monitorMgr := monitor.NewManager(bus, clock, logger)
	monitorMgr.WireBus(bus)

	app := &App{
		Config:    cfg,
		Bus:       bus,
		Authn:     authnMgr,
		MFA:       mfaMgr,
		Authz:     authzMgr,
		Enhanced:  enhanced,
		Identity:  identityMgr,
		OAuth:     oauthSrv,
		PluginSec: pluginSec,
		Controls:  controlsMgr,
		Monitor:   monitorMgr,
		clock:     clock,
		logger:    logger,
	}

	if cfg.StorageDSN != "" {
		db, err := store.NewDB(cfg.StorageDSN)
		if err != nil {
			return nil, fmt.Errorf("open storage: %w", err)
		}
		app.Store = store.New(db)
	}

	return app, nil
}

// LoadState restores persisted snapshots. A missing store is a no-op.
func (a *App) LoadState(ctx context.Context) error {
	if a.Store == nil {
		return nil
	}
	if err := a.Store.Init(ctx); err != nil {
		return fmt.Errorf("init storage: %w", err)
	}
	users, err := a.Store.LoadUsers(ctx)
	if err != nil {
		return err
	}
	a.Authn.RestoreUsers(users)
	a.logger.Info("restored persisted state", "users", len(users))
	return nil
}

// SaveState persists the account snapshot and flushes audit entries and
// security events recorded since the previous flush.
func (a *App) SaveState(ctx context.Context) error {
	if a.Store == nil {
		return nil
	}
	if err := a.Store.SaveUsers(ctx, a.Authn.ListUsers()); err != nil {
		return err
	}

	now := a.clock.Now()

	entries := a.Monitor.QueryAudit(monitor.AuditFilter{Since: sinceExclusive(a.lastAuditFlush)}, 0)
	if err := a.Store.AppendAuditEntries(ctx, entries); err != nil {
		return err
	}
	a.lastAuditFlush = now

	secEvents := a.Controls.QuerySecurityEvents(controls.SecurityEventFilter{Since: sinceExclusive(a.lastSecEventFlush)}, 0)
	if err := a.Store.AppendSecurityEvents(ctx, secEvents); err != nil {
		return err
	}
	a.lastSecEventFlush = now

	return nil
}

// Close releases held resources.
func (a *App) Close() error {
	if a.Store == nil {
		return nil
	}
	return store.Close(a.Store.DB())
}

// sinceExclusive nudges a watermark forward so entries flushed at exactly
// that instant are not flushed twice. The query filters are inclusive.
func sinceExclusive(t time.Time) time.Time {
	if t.IsZero() {
		return t
	}
	return t.Add(time.Nanosecond)
}

// totpIssuer derives the issuer label shown in authenticator apps from
// the OAuth issuer URL.
func totpIssuer(issuer string) string {
	if u, err := url.Parse(issuer); err == nil && u.Host != "" {
		return u.Host
	}
	return "aegis"
}

// logSender delivers MFA codes to the log. It stands in for real SMS and
// email gateways in development and tests.
type logSender struct {
	logger *slog.Logger
}

func (s logSender) SendSMS(_ context.Context, phone, message string) error {
	s.logger.Info("sms code dispatched", "phone", phone, "message", message)
	return nil
}

func (s logSender) SendEmail(_ context.Context, to, subject, _ string) error {
	s.logger.Info("email code dispatched", "to", to, "subject", subject)
	return nil
}
