package jobs

import (
	"context"
	"time"

	"go.uber.org/zap"
	"golang.org/x/oauth2"

	"github.com/Checker-Finance/sugar-adapter/internal/metrics"
	"github.com/Checker-Finance/sugar-adapter/internal/sugar"
)

// SessionSource exposes the state of the CRM session.
type SessionSource interface {
	State() sugar.State
	Token() *oauth2.Token
}

// Refresher rotates the token pair.
type Refresher interface {
	Refresh(ctx context.Context) error
}

// Loginer performs a fresh password-grant login.
type Loginer interface {
	Login(ctx context.Context) error
}

// SessionKeeper periodically refreshes the access token before it lapses and
// logs in again when the session has been lost, so that requests rarely pay
// for the expired-token round trip.
type SessionKeeper struct {
	logger    *zap.Logger
	session   SessionSource
	refresher Refresher
	login     Loginer
	interval  time.Duration
	margin    time.Duration
	stopCh    chan struct{}
	now       func() time.Time
}

// NewSessionKeeper constructs a background job that runs every interval and
// refreshes tokens expiring within margin.
func NewSessionKeeper(logger *zap.Logger, session SessionSource, refresher Refresher, login Loginer, interval, margin time.Duration) *SessionKeeper {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &SessionKeeper{
		logger:    logger,
		session:   session,
		refresher: refresher,
		login:     login,
		interval:  interval,
		margin:    margin,
		stopCh:    make(chan struct{}),
		now:       time.Now,
	}
}

// Start runs the keep-alive loop until ctx is done or Stop is called.
func (k *SessionKeeper) Start(ctx context.Context) {
	ticker := time.NewTicker(k.interval)
	defer ticker.Stop()

	k.logger.Info("session_keeper.started",
		zap.Duration("interval", k.interval),
		zap.Duration("margin", k.margin))

	for {
		select {
		case <-ticker.C:
			k.runOnce(ctx)
		case <-k.stopCh:
			k.logger.Info("session_keeper.stopped (manual stop)")
			return
		case <-ctx.Done():
			k.logger.Info("session_keeper.stopped (context canceled)")
			return
		}
	}
}

// Stop halts the keeper.
func (k *SessionKeeper) Stop() {
	close(k.stopCh)
}

// runOnce executes one keep-alive cycle.
func (k *SessionKeeper) runOnce(ctx context.Context) {
	switch k.session.State() {
	case sugar.StateRefreshing:
		return

	case sugar.StateUnauthenticated, sugar.StateExpired:
		k.relogin(ctx)
		return
	}

	tok := k.session.Token()
	if tok == nil || tok.Expiry.IsZero() || k.now().Add(k.margin).Before(tok.Expiry) {
		return
	}

	k.logger.Debug("session_keeper.refreshing", zap.Time("expiry", tok.Expiry))
	err := k.refresher.Refresh(ctx)
	switch {
	case err == nil:
		k.logger.Info("session_keeper.refreshed")
	case sugar.IsSessionExpired(err):
		k.relogin(ctx)
	default:
		metrics.IncError("session_keeper", "refresh_failed")
		k.logger.Warn("session_keeper.refresh_failed", zap.Error(err))
	}
}

func (k *SessionKeeper) relogin(ctx context.Context) {
	if err := k.login.Login(ctx); err != nil {
		metrics.IncError("session_keeper", "login_failed")
		k.logger.Warn("session_keeper.login_failed", zap.Error(err))
		return
	}
	k.logger.Info("session_keeper.logged_in")
}
