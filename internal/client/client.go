// Package client assembles the offline-first data layer: the local store,
// connectivity monitor, sync engine, read-through cache and credential
// broker, bound to one backend. Commands and long-running hosts use a
// single Client and never touch the parts directly.
package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"time"

	"golang.org/x/oauth2"

	"github.com/tonimelisma/rxsync/internal/api"
	"github.com/tonimelisma/rxsync/internal/broker"
	"github.com/tonimelisma/rxsync/internal/cache"
	"github.com/tonimelisma/rxsync/internal/config"
	"github.com/tonimelisma/rxsync/internal/mutation"
	"github.com/tonimelisma/rxsync/internal/netmon"
	"github.com/tonimelisma/rxsync/internal/store"
	isync "github.com/tonimelisma/rxsync/internal/sync"
	"github.com/tonimelisma/rxsync/internal/tokenfile"
)

// healthPath is probed to decide reachability.
const healthPath = "/health"

// Options configures New. Zero durations fall back to each component's
// default.
type Options struct {
	ServerURL string
	StorePath string
	TokenPath string

	HTTPClient     *http.Client // nil builds one with RequestTimeout
	RequestTimeout time.Duration

	MaxRetries   int
	ApplyTimeout time.Duration
	BaseBackoff  time.Duration
	MaxBackoff   time.Duration

	ProbeInterval time.Duration
	ProbeTimeout  time.Duration
	Debounce      time.Duration

	// InitialOnline seeds the monitor. New probes once at construction
	// unless SkipInitialProbe is set, so this rarely matters outside tests.
	InitialOnline    bool
	SkipInitialProbe bool

	RefreshTimeout time.Duration
	Registry       *mutation.Registry // nil → mutation.DefaultRegistry
	Routes         map[string]string  // nil → api.DefaultRoutes

	Logger *slog.Logger
}

// OptionsFromConfig maps resolved configuration onto Options.
func OptionsFromConfig(r *config.Resolved, logger *slog.Logger) Options {
	return Options{
		ServerURL:      r.ServerURL,
		StorePath:      r.StorePath,
		TokenPath:      r.TokenPath,
		RequestTimeout: r.RequestTimeout,
		MaxRetries:     r.MaxRetries,
		ApplyTimeout:   r.ApplyTimeout,
		BaseBackoff:    r.BaseBackoff,
		MaxBackoff:     r.MaxBackoff,
		ProbeInterval:  r.ProbeInterval,
		ProbeTimeout:   r.ProbeTimeout,
		Debounce:       r.Debounce,
		RefreshTimeout: r.RefreshTimeout,
		Logger:         logger,
	}
}

// Client is the entry point to the data layer. Safe for concurrent use.
type Client struct {
	logger *slog.Logger

	store     *store.Store
	monitor   *netmon.Monitor
	prober    *netmon.Prober
	api       *api.Client
	resources *api.Resources
	broker    *broker.Broker
	tokens    *tokenfile.Store
	engine    *isync.Engine
	cache     *cache.Accessor

	unsubscribeExpired func()

	mu      sync.Mutex
	started bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// New opens the local store, loads persisted credentials and wires the
// components together. Background work starts with Start.
func New(ctx context.Context, opts *Options) (*Client, error) {
	if opts.ServerURL == "" {
		return nil, errors.New("client: server URL is required")
	}

	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: opts.RequestTimeout}
	}

	if err := os.MkdirAll(filepath.Dir(opts.StorePath), tokenfile.DirPerms); err != nil {
		return nil, fmt.Errorf("client: creating data directory: %w", err)
	}

	st, err := store.Open(ctx, opts.StorePath, logger)
	if err != nil {
		return nil, err
	}

	tokens := tokenfile.NewStore(opts.TokenPath, tokenfile.Account{Server: opts.ServerURL})

	saved, err := tokens.Load()
	if err != nil {
		// A corrupt token file means logging in again, not a dead client.
		logger.Warn("ignoring unreadable token file",
			slog.String("path", opts.TokenPath),
			slog.String("error", err.Error()),
		)

		saved = nil
	}

	apiClient := api.NewClient(opts.ServerURL, httpClient, logger)

	br := broker.New(broker.Config{
		Refresher:      apiClient,
		Store:          tokens,
		RefreshTimeout: opts.RefreshTimeout,
		Logger:         logger,
	})
	br.Adopt(saved)

	resources := api.NewResources(apiClient, br, opts.Routes)

	mon := netmon.New(opts.InitialOnline, opts.Debounce, logger)
	prober := netmon.NewProber(apiClient.BaseURL()+healthPath, httpClient, mon,
		opts.ProbeInterval, opts.ProbeTimeout, logger)

	mutators := make(map[string]isync.Mutator)

	registry := opts.Registry
	if registry == nil {
		registry = mutation.DefaultRegistry()
	}

	for _, et := range registry.EntityTypes() {
		mutators[et] = resources
	}

	engine, err := isync.NewEngine(&isync.EngineConfig{
		Store:        st,
		Connectivity: mon,
		Registry:     registry,
		Mutators:     mutators,
		MaxRetries:   opts.MaxRetries,
		ApplyTimeout: opts.ApplyTimeout,
		BaseBackoff:  opts.BaseBackoff,
		MaxBackoff:   opts.MaxBackoff,
		Logger:       logger,
	})
	if err != nil {
		mon.Close()
		st.Close()

		return nil, err
	}

	c := &Client{
		logger:    logger,
		store:     st,
		monitor:   mon,
		prober:    prober,
		api:       apiClient,
		resources: resources,
		broker:    br,
		tokens:    tokens,
		engine:    engine,
		cache:     cache.NewAccessor(st, mon, opts.RequestTimeout, logger),
	}

	c.unsubscribeExpired = br.SubscribeAuthExpired(func() {
		logger.Warn("session expired, queued changes wait for the next login")
	})

	if !opts.SkipInitialProbe {
		prober.ProbeNow(ctx)
	}

	return c, nil
}

// Start launches the background drain loop, the connectivity prober and
// the token file watch. It returns at once; Close stops everything.
func (c *Client) Start(ctx context.Context) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.started {
		return
	}

	c.started = true

	runCtx, cancel := context.WithCancel(ctx)
	c.cancel = cancel

	c.engine.Start(runCtx)

	c.wg.Add(2)

	go func() {
		defer c.wg.Done()

		if err := c.prober.Run(runCtx); err != nil {
			c.logger.Error("connectivity prober stopped", slog.String("error", err.Error()))
		}
	}()

	go func() {
		defer c.wg.Done()

		if err := tokenfile.Watch(runCtx, c.tokens.Path(), c.logger, c.onTokenFile); err != nil {
			c.logger.Warn("token file watch unavailable", slog.String("error", err.Error()))
		}
	}()
}

// onTokenFile adopts credentials written by another process (a login from
// a second terminal) and drops them when the file is removed.
func (c *Client) onTokenFile(f *tokenfile.File) {
	current := c.broker.Token()

	if f == nil {
		if current != nil {
			c.logger.Info("token file removed, clearing session")

			if err := c.broker.Clear(); err != nil {
				c.logger.Warn("clearing session", slog.String("error", err.Error()))
			}
		}

		return
	}

	if current != nil && current.AccessToken == f.Token.AccessToken {
		return // our own write
	}

	c.logger.Info("token file changed, adopting new session", slog.String("email", f.Account.Email))
	c.tokens.SetAccount(f.Account)
	c.broker.Adopt(f.Token)
	c.engine.Trigger()
}

// Close stops background work and closes the store. Queued mutations stay
// durable for the next run.
func (c *Client) Close() error {
	c.mu.Lock()
	cancel := c.cancel
	started := c.started
	c.started = false
	c.mu.Unlock()

	if started {
		c.engine.Stop()
		cancel()
		c.wg.Wait()
	}

	c.unsubscribeExpired()
	c.monitor.Close()

	return c.store.Close()
}

// Login exchanges email and password for credentials, persists them and
// resumes draining.
func (c *Client) Login(ctx context.Context, email, password string) (*api.User, error) {
	tok, user, err := c.api.Login(ctx, email, password)
	if err != nil {
		return nil, fmt.Errorf("login: %w", err)
	}

	c.tokens.SetAccount(tokenfile.Account{Email: email, Server: c.api.BaseURL()})

	if err := c.broker.SetToken(tok); err != nil {
		return nil, err
	}

	c.engine.Trigger()

	return user, nil
}

// Logout ends the session on the backend (best effort) and removes local
// credentials. Queued mutations are kept.
func (c *Client) Logout(ctx context.Context) error {
	if tok := c.broker.Token(); tok != nil {
		if err := c.api.Logout(ctx, tok.AccessToken, tok.RefreshToken); err != nil {
			c.logger.Warn("server logout failed", slog.String("error", err.Error()))
		}
	}

	return c.broker.Clear()
}

// Me returns the logged-in account as seen by the backend.
func (c *Client) Me(ctx context.Context) (*api.User, error) {
	return c.api.Me(ctx, c.broker)
}

// Token returns the installed credentials, or nil when logged out.
func (c *Client) Token() *oauth2.Token {
	return c.broker.Token()
}

// Account returns the account the credentials belong to.
func (c *Client) Account() tokenfile.Account {
	return c.tokens.Account()
}

// Fetch reads through the cache: fresh from the backend when online, the
// stored copy otherwise.
func (c *Client) Fetch(ctx context.Context, entityType, id string) (cache.Result, error) {
	return c.cache.Fetch(ctx, entityType, id, c.resources)
}

// Prefetch refreshes ids of entityType in the local store.
func (c *Client) Prefetch(ctx context.Context, entityType string, ids []string, workers int) (int, error) {
	return c.cache.Prefetch(ctx, entityType, ids, c.resources, workers)
}

// Cached returns every stored record of entityType without contacting the
// backend.
func (c *Client) Cached(ctx context.Context, entityType string) ([]store.Record, error) {
	return c.store.Scan(ctx, entityType)
}

// EnqueueMutation records a local write and schedules its upload.
func (c *Client) EnqueueMutation(
	ctx context.Context, entityType string, op mutation.Op, entityID string, payload json.RawMessage,
) (mutation.Mutation, error) {
	return c.engine.Enqueue(ctx, entityType, op, entityID, payload)
}

// Pending lists queued mutations in drain order.
func (c *Client) Pending(ctx context.Context) ([]mutation.Mutation, error) {
	return c.store.DequeueCandidates(ctx)
}

// QueueLen returns the number of queued mutations.
func (c *Client) QueueLen(ctx context.Context) (int, error) {
	return c.store.QueueLen(ctx)
}

// Purge removes every cached record of entityType.
func (c *Client) Purge(ctx context.Context, entityType string) (int64, error) {
	return c.store.Purge(ctx, entityType)
}

// DrainOnce probes connectivity and runs a single drain cycle.
func (c *Client) DrainOnce(ctx context.Context) (isync.CycleReport, error) {
	c.prober.ProbeNow(ctx)

	return c.engine.DrainOnce(ctx)
}

// Probe checks reachability now and returns the monitor's committed state.
func (c *Client) Probe(ctx context.Context) bool {
	c.prober.ProbeNow(ctx)

	return c.monitor.State()
}

// Kick probes connectivity and wakes the background drain loop.
func (c *Client) Kick(ctx context.Context) {
	c.prober.ProbeNow(ctx)
	c.engine.Trigger()
}

// Online returns the last committed connectivity state.
func (c *Client) Online() bool {
	return c.monitor.State()
}

// SubscribeConnectivity registers fn for online/offline transitions.
func (c *Client) SubscribeConnectivity(fn func(netmon.Event)) (unsubscribe func()) {
	return c.monitor.Subscribe(fn)
}

// SubscribeQueue registers fn for mutation outcomes.
func (c *Client) SubscribeQueue(fn func(isync.Event)) (unsubscribe func()) {
	return c.engine.Subscribe(fn)
}

// SubscribeAuthExpired registers fn for session loss.
func (c *Client) SubscribeAuthExpired(fn func()) (unsubscribe func()) {
	return c.broker.SubscribeAuthExpired(fn)
}
