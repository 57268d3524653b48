package infrastructure

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"waflow/internal/entities"
	"waflow/internal/interfaces"
)

// SessionManagerOptions tunes send timeout and retry behavior.
type SessionManagerOptions struct {
	SendTimeout  time.Duration // per-attempt timeout
	SendAttempts int           // total attempts before giving up
	RetryBackoff time.Duration // initial backoff, doubled per attempt
}

func (o *SessionManagerOptions) withDefaults() {
	if o.SendTimeout <= 0 {
		o.SendTimeout = 30 * time.Second
	}
	if o.SendAttempts <= 0 {
		o.SendAttempts = 3
	}
	if o.RetryBackoff <= 0 {
		o.RetryBackoff = 2 * time.Second
	}
}

// ConnectResult is what a connect caller observes: either an established
// session or the pairing artifact needed to establish one.
type ConnectResult struct {
	Connected bool   `json:"connected"`
	Pairing   string `json:"pairing,omitempty"`
}

// SessionManager owns one gateway session per account. All status
// transitions go through the account store as they occur, so the registry is
// reconstructible from persisted rows after a restart.
type SessionManager struct {
	dialer   interfaces.GatewayDialer
	accounts interfaces.AccountStore
	opts     SessionManagerOptions
	log      *logrus.Entry

	mu      sync.Mutex
	entries map[string]*sessionEntry
}

// sessionEntry serializes all session operations for one account. Concurrent
// connect calls queue on the entry mutex instead of racing to dial twice.
type sessionEntry struct {
	mu      sync.Mutex
	session interfaces.GatewaySession
}

func NewSessionManager(dialer interfaces.GatewayDialer, accounts interfaces.AccountStore, opts SessionManagerOptions, logger *logrus.Logger) *SessionManager {
	opts.withDefaults()
	return &SessionManager{
		dialer:   dialer,
		accounts: accounts,
		opts:     opts,
		log:      logger.WithField("module", "session_manager"),
		entries:  make(map[string]*sessionEntry),
	}
}

func (m *SessionManager) entry(accountID string) *sessionEntry {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[accountID]
	if !ok {
		e = &sessionEntry{}
		m.entries[accountID] = e
	}
	return e
}

// Connect establishes the account's gateway session. If a connect is already
// in flight for the account, the caller blocks until it settles and observes
// the same attempt; a second session is never dialed.
func (m *SessionManager) Connect(ctx context.Context, accountID string) (*ConnectResult, error) {
	if _, err := m.accounts.Get(ctx, accountID); err != nil {
		return nil, err
	}

	e := m.entry(accountID)
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.session != nil && (e.session.IsConnected() || e.session.PairingCode() != "") {
		return m.observe(ctx, accountID, e.session)
	}

	if err := m.accounts.UpdateStatus(ctx, accountID, entities.StatusConnecting, ""); err != nil {
		return nil, err
	}

	m.log.WithField("account_id", accountID).Info("dialing gateway")
	sess, err := m.dialer.Dial(ctx, accountID)
	if err != nil {
		_ = m.accounts.UpdateStatus(ctx, accountID, entities.StatusError, err.Error())
		return nil, &entities.ConnectionError{AccountID: accountID, Reason: "dial failed", Err: err}
	}

	e.session = sess
	return m.observe(ctx, accountID, sess)
}

// observe persists the session's current state and builds the caller result.
func (m *SessionManager) observe(ctx context.Context, accountID string, sess interfaces.GatewaySession) (*ConnectResult, error) {
	if sess.IsConnected() {
		if err := m.accounts.UpdateStatus(ctx, accountID, entities.StatusConnected, ""); err != nil {
			return nil, err
		}
		_ = m.accounts.SaveHeartbeat(ctx, accountID, time.Now())
		return &ConnectResult{Connected: true}, nil
	}
	code := sess.PairingCode()
	if code != "" {
		_ = m.accounts.SavePairing(ctx, accountID, code)
	}
	return &ConnectResult{Pairing: code}, nil
}

// Disconnect tears the session down, clears transient secrets and persists
// DISCONNECTED. Disconnecting an already-disconnected account succeeds.
func (m *SessionManager) Disconnect(ctx context.Context, accountID string) error {
	e := m.entry(accountID)
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.session != nil {
		e.session.Disconnect()
		e.session = nil
	}
	if err := m.accounts.ClearSession(ctx, accountID); err != nil {
		return err
	}
	return m.accounts.UpdateStatus(ctx, accountID, entities.StatusDisconnected, "")
}

// Logout invalidates the credentials on the gateway side and then
// disconnects. Used when the operator wants a fresh pairing.
func (m *SessionManager) Logout(ctx context.Context, accountID string) error {
	e := m.entry(accountID)
	e.mu.Lock()
	if e.session != nil {
		if err := e.session.Logout(ctx); err != nil {
			m.log.WithField("account_id", accountID).WithError(err).Warn("gateway logout failed")
		}
	}
	e.mu.Unlock()
	return m.Disconnect(ctx, accountID)
}

// ActiveSession returns the connected session handle or nil. Callers must
// not assume automatic reconnection: a dropped session stays absent until an
// explicit Connect.
func (m *SessionManager) ActiveSession(accountID string) interfaces.GatewaySession {
	e := m.entry(accountID)
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.session != nil && e.session.IsConnected() {
		return e.session
	}
	return nil
}

// Heartbeat refreshes the account's last-heartbeat timestamp on confirmed
// liveness. Stale-heartbeat detection is the watchdog's job, not ours.
func (m *SessionManager) Heartbeat(ctx context.Context, accountID string) error {
	if m.ActiveSession(accountID) == nil {
		return &entities.ConnectionError{AccountID: accountID, Reason: "no active session"}
	}
	return m.accounts.SaveHeartbeat(ctx, accountID, time.Now())
}

// RunHeartbeat refreshes the last-heartbeat timestamp of every live session
// at the given interval until ctx is cancelled. Blocks; run it on its own
// goroutine. The watchdog reading the rows treats a stale timestamp as a dead
// session.
func (m *SessionManager) RunHeartbeat(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, id := range m.liveAccountIDs() {
				if err := m.Heartbeat(ctx, id); err != nil {
					m.log.WithField("account_id", id).WithError(err).Debug("heartbeat refresh skipped")
				}
			}
		}
	}
}

func (m *SessionManager) liveAccountIDs() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []string
	for id, e := range m.entries {
		e.mu.Lock()
		if e.session != nil && e.session.IsConnected() {
			out = append(out, id)
		}
		e.mu.Unlock()
	}
	return out
}

// Send routes a message through the account's active session, with a
// per-attempt timeout and bounded exponential backoff. Exhausting the retry
// budget returns a SendFailure; an absent session is a ConnectionError.
func (m *SessionManager) Send(ctx context.Context, accountID, to, content string, msgType entities.MessageType) (string, error) {
	sess := m.ActiveSession(accountID)
	if sess == nil {
		return "", &entities.ConnectionError{AccountID: accountID, Reason: "no active session"}
	}

	backoff := m.opts.RetryBackoff
	var lastErr error
	for attempt := 1; attempt <= m.opts.SendAttempts; attempt++ {
		cctx, cancel := context.WithTimeout(ctx, m.opts.SendTimeout)
		gatewayID, err := sess.Send(cctx, to, content, msgType)
		cancel()
		if err == nil {
			return gatewayID, nil
		}
		lastErr = err
		m.log.WithFields(logrus.Fields{
			"account_id": accountID,
			"to":         to,
			"attempt":    attempt,
		}).WithError(err).Warn("send attempt failed")

		if attempt == m.opts.SendAttempts {
			break
		}
		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			return "", &entities.SendFailure{AccountID: accountID, To: to, Attempts: attempt, Err: ctx.Err()}
		}
		backoff *= 2
	}
	return "", &entities.SendFailure{AccountID: accountID, To: to, Attempts: m.opts.SendAttempts, Err: lastErr}
}

// SendTyping forwards a composing indicator if a session is live. Best
// effort: no session is not an error for a cosmetic signal.
func (m *SessionManager) SendTyping(ctx context.Context, accountID, to string) {
	sess := m.ActiveSession(accountID)
	if sess == nil {
		return
	}
	if err := sess.SendTyping(ctx, to); err != nil {
		m.log.WithField("account_id", accountID).WithError(err).Debug("typing indicator failed")
	}
}

// MarkConnected persists a successful pairing reported by the event feed and
// clears the transient pairing artifact.
func (m *SessionManager) MarkConnected(ctx context.Context, accountID string) error {
	if err := m.accounts.SavePairing(ctx, accountID, ""); err != nil {
		return err
	}
	_ = m.accounts.SaveHeartbeat(ctx, accountID, time.Now())
	return m.accounts.UpdateStatus(ctx, accountID, entities.StatusConnected, "")
}

// MarkDropped persists a mid-session drop. The entry keeps its session
// object; ActiveSession already reports it absent via IsConnected.
func (m *SessionManager) MarkDropped(ctx context.Context, accountID string) error {
	return m.accounts.UpdateStatus(ctx, accountID, entities.StatusDisconnected, "session dropped")
}

// Restore redials every account the store says was connected. Called once on
// startup so the in-memory registry matches durable state.
func (m *SessionManager) Restore(ctx context.Context) error {
	accounts, err := m.accounts.ListByStatus(ctx, entities.StatusConnected)
	if err != nil {
		return err
	}
	for _, a := range accounts {
		if _, err := m.Connect(ctx, a.ID); err != nil {
			var connErr *entities.ConnectionError
			if !errors.As(err, &connErr) {
				return err
			}
			m.log.WithField("account_id", a.ID).WithError(err).Error("restore failed")
		}
	}
	return nil
}

// DisconnectAll tears down every session for graceful shutdown. Persisted
// status is left untouched so Restore can bring the sessions back.
func (m *SessionManager) DisconnectAll() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, e := range m.entries {
		e.mu.Lock()
		if e.session != nil {
			e.session.Disconnect()
			e.session = nil
		}
		e.mu.Unlock()
	}
}
