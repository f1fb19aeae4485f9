// Package broker owns the session credentials. It attaches the current
// access token to outgoing calls and, when a call is refused for expired
// credentials, runs a single refresh on behalf of every concurrent caller
// and replays each of them with the new token.
//
// State machine:
//
//	Idle --auth failure--> RefreshInFlight --success--> Idle (waiters replay)
//	                                       --rejected--> Idle (no credentials, waiters fail)
//	                                       --network error--> Idle (credentials kept, waiters fail)
//
// While a refresh is in flight, further auth failures join the waiter list
// instead of starting another refresh.
package broker

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/oauth2"

	"github.com/tonimelisma/rxsync/internal/apierr"
)

// DefaultRefreshTimeout bounds a single refresh call.
const DefaultRefreshTimeout = 30 * time.Second

// Refresher exchanges a refresh token for new credentials. An error
// matching apierr.ErrNetwork leaves the current credentials in place; any
// other error ends the session.
type Refresher interface {
	Refresh(ctx context.Context, refreshToken string) (*oauth2.Token, error)
}

// TokenStore persists credentials between runs. Satisfied by
// *tokenfile.Store.
type TokenStore interface {
	Save(tok *oauth2.Token) error
	Clear() error
}

type state int

const (
	stateIdle state = iota
	stateRefreshInFlight
)

func (s state) String() string {
	if s == stateRefreshInFlight {
		return "refresh-in-flight"
	}

	return "idle"
}

// result is the outcome of one refresh episode delivered to a waiter.
type result struct {
	access string
	err    error
}

// Config holds the options for New.
type Config struct {
	Refresher      Refresher
	Store          TokenStore    // optional; nil keeps credentials in memory only
	RefreshTimeout time.Duration // 0 → DefaultRefreshTimeout
	Logger         *slog.Logger
}

// Broker is the single owner of the credential state. Safe for concurrent
// use.
type Broker struct {
	refresher      Refresher
	store          TokenStore
	refreshTimeout time.Duration
	logger         *slog.Logger

	mu      sync.Mutex
	token   *oauth2.Token
	gen     uint64 // bumped whenever the installed token changes
	state   state
	waiters []chan result

	subs   map[uint64]func()
	nextID uint64
}

// New returns a Broker with no credentials installed.
func New(cfg Config) *Broker {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	timeout := cfg.RefreshTimeout
	if timeout <= 0 {
		timeout = DefaultRefreshTimeout
	}

	return &Broker{
		refresher:      cfg.Refresher,
		store:          cfg.Store,
		refreshTimeout: timeout,
		logger:         logger,
		subs:           make(map[uint64]func()),
	}
}

// Token returns a copy of the installed token, or nil when logged out.
func (b *Broker) Token() *oauth2.Token {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.token == nil {
		return nil
	}

	tok := *b.token

	return &tok
}

// SetToken installs tok (after login or when another process wrote a new
// token file) and persists it.
func (b *Broker) SetToken(tok *oauth2.Token) error {
	if tok == nil || tok.AccessToken == "" {
		return errors.New("broker: token is empty")
	}

	copied := *tok

	b.mu.Lock()
	b.token = &copied
	b.gen++
	b.mu.Unlock()

	b.logger.Info("credentials installed", slog.Time("expiry", tok.Expiry))

	return b.persist(&copied)
}

// Adopt installs tok without persisting it, for credentials loaded from the
// token store at startup.
func (b *Broker) Adopt(tok *oauth2.Token) {
	if tok == nil || tok.AccessToken == "" {
		return
	}

	copied := *tok

	b.mu.Lock()
	b.token = &copied
	b.gen++
	b.mu.Unlock()
}

// Clear drops the installed credentials and removes the persisted copy.
func (b *Broker) Clear() error {
	b.mu.Lock()
	b.token = nil
	b.gen++
	b.mu.Unlock()

	if b.store == nil {
		return nil
	}

	return b.store.Clear()
}

// Do runs call with the current access token. If call fails with
// ErrAuthExpired, Do obtains fresh credentials (refreshing at most once per
// episode across all concurrent callers) and replays call exactly once.
func (b *Broker) Do(ctx context.Context, call func(ctx context.Context, accessToken string) error) error {
	access, gen, err := b.current()
	if err != nil {
		return err
	}

	err = call(ctx, access)
	if !errors.Is(err, ErrAuthExpired) {
		return err
	}

	b.logger.Debug("call refused for expired credentials")

	fresh, err := b.awaitFresh(ctx, gen)
	if err != nil {
		return err
	}

	// A replay that is refused again is returned as is.
	return call(ctx, fresh)
}

func (b *Broker) current() (string, uint64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.token == nil {
		return "", b.gen, ErrNotLoggedIn
	}

	return b.token.AccessToken, b.gen, nil
}

// awaitFresh returns an access token newer than generation failedGen. If
// one is already installed it is returned at once; otherwise the caller
// joins the current refresh episode, starting one if the broker is idle.
func (b *Broker) awaitFresh(ctx context.Context, failedGen uint64) (string, error) {
	b.mu.Lock()

	if b.gen != failedGen {
		// Credentials changed since the call was made.
		if b.token == nil {
			b.mu.Unlock()
			return "", &AuthError{Op: "refresh", Err: ErrNotLoggedIn}
		}

		access := b.token.AccessToken
		b.mu.Unlock()

		return access, nil
	}

	if b.token == nil {
		b.mu.Unlock()
		return "", ErrNotLoggedIn
	}

	ch := make(chan result, 1)
	b.waiters = append(b.waiters, ch)

	if b.state == stateIdle {
		b.state = stateRefreshInFlight
		refreshToken := b.token.RefreshToken
		episodeGen := b.gen

		b.logger.Info("refreshing credentials")

		// The episode outlives any single caller's cancellation.
		go b.refresh(context.WithoutCancel(ctx), refreshToken, episodeGen)
	}

	b.mu.Unlock()

	select {
	case res := <-ch:
		return res.access, res.err
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

// refresh runs one episode and resolves every waiter exactly once.
func (b *Broker) refresh(ctx context.Context, refreshToken string, episodeGen uint64) {
	ctx, cancel := context.WithTimeout(ctx, b.refreshTimeout)
	defer cancel()

	var (
		tok *oauth2.Token
		err error
	)

	switch {
	case b.refresher == nil:
		err = errors.New("no refresher configured")
	case refreshToken == "":
		err = errors.New("no refresh token")
	default:
		tok, err = b.refresher.Refresh(ctx, refreshToken)
		if err == nil && (tok == nil || tok.AccessToken == "") {
			err = errors.New("refresh returned an empty token")
		}
	}

	b.mu.Lock()

	waiters := b.waiters
	b.waiters = nil
	b.state = stateIdle

	var (
		res     result
		persist *oauth2.Token
		expired bool
	)

	switch {
	case b.gen != episodeGen:
		// Credentials were replaced (login or logout) while refreshing;
		// the installed state wins.
		if b.token != nil {
			res = result{access: b.token.AccessToken}
		} else {
			res = result{err: &AuthError{Op: "refresh", Err: ErrNotLoggedIn}}
		}

	case err != nil && apierr.IsTransient(err):
		// The refresh never reached a verdict; keep the credentials so the
		// next failure can try again.
		res = result{err: err}

	case err != nil:
		b.token = nil
		b.gen++
		res = result{err: &AuthError{Op: "refresh", Err: err}}
		expired = true

	default:
		installed := *tok
		if installed.RefreshToken == "" {
			installed.RefreshToken = refreshToken
		}

		b.token = &installed
		b.gen++
		persist = &installed
		res = result{access: installed.AccessToken}
	}

	b.mu.Unlock()

	if err != nil && !expired && res.err != nil {
		b.logger.Warn("credential refresh failed transiently",
			slog.Int("waiters", len(waiters)),
			slog.String("error", err.Error()),
		)
	}

	if persist != nil {
		b.logger.Info("credentials refreshed",
			slog.Int("waiters", len(waiters)),
			slog.Time("expiry", persist.Expiry),
		)

		if perr := b.persist(persist); perr != nil {
			b.logger.Warn("persisting refreshed token", slog.String("error", perr.Error()))
		}
	}

	if expired {
		b.logger.Warn("credential refresh failed, login required",
			slog.Int("waiters", len(waiters)),
			slog.String("error", err.Error()),
		)

		if b.store != nil {
			if cerr := b.store.Clear(); cerr != nil {
				b.logger.Warn("clearing stored token", slog.String("error", cerr.Error()))
			}
		}
	}

	for _, ch := range waiters {
		ch <- res
	}

	if expired {
		b.notifyExpired()
	}
}

func (b *Broker) persist(tok *oauth2.Token) error {
	if b.store == nil {
		return nil
	}

	return b.store.Save(tok)
}

// SubscribeAuthExpired registers fn to be called whenever credentials are
// lost and the user has to log in again.
func (b *Broker) SubscribeAuthExpired(fn func()) (unsubscribe func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	id := b.nextID
	b.nextID++
	b.subs[id] = fn

	var once sync.Once

	return func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()

			delete(b.subs, id)
		})
	}
}

func (b *Broker) notifyExpired() {
	b.mu.Lock()
	fns := make([]func(), 0, len(b.subs))
	for _, fn := range b.subs {
		fns = append(fns, fn)
	}
	b.mu.Unlock()

	for _, fn := range fns {
		fn()
	}
}
