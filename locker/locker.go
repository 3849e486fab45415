// Package locker drives the user's credential lifecycle against the WebApi:
// registration, password and one-time-password unlock, lock, password
// change, token refresh and unregistration.
//
// Every operation is asynchronous. It runs on its own goroutine and reports
// through a Completion that fires exactly once, on the Locker's completion
// queue. Bundle state lives in a keeper.Keeper, which serializes all reads
// and writes; the Locker never touches the secure store itself
package locker

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/singleflight"

	"github.com/mesmerverse/coresdk/events"
	"github.com/mesmerverse/coresdk/keeper"
	"github.com/mesmerverse/coresdk/otp"
	"github.com/mesmerverse/coresdk/securestore"
	"github.com/mesmerverse/coresdk/webapi"
)

// Result is what a Completion receives
type Result struct {
	Status keeper.LockStatus

	// RemainingAttempts is -1 when the server did not report it
	RemainingAttempts int

	// Err is nil on success, otherwise an *Error
	Err error
}

// Completion receives the outcome of an operation
type Completion func(Result)

// API is the part of the WebApi the Locker uses. *webapi.Client implements it
type API interface {
	AuthCodeURL(state string) string
	ExchangeCode(ctx context.Context, code string, reg webapi.Registration) (*webapi.Token, error)
	Refresh(ctx context.Context, refreshToken string) (*webapi.Token, error)
	Unlock(ctx context.Context, req webapi.UnlockRequest) (*webapi.Token, error)
	UnlockOTP(ctx context.Context, req webapi.OTPUnlockRequest) (*webapi.Token, error)
	ChangePassword(ctx context.Context, accessToken string, req webapi.ChangePasswordRequest) (*webapi.Token, error)
	Unregister(ctx context.Context, accessToken string, req webapi.UnregisterRequest) error
}

type options struct {
	queue      Queue
	otp        otp.Config
	bus        *events.Bus
	now        func() time.Time
	httpClient *http.Client
}

// Option configures a Locker
type Option func(*options)

// WithCompletionQueue sets the queue completions are dispatched on. The
// default is a SerialQueue owned by the Locker
func WithCompletionQueue(q Queue) Option {
	return func(o *options) { o.queue = q }
}

// WithOTPConfig sets the one-time-password parameters shared with the server
func WithOTPConfig(cfg otp.Config) Option {
	return func(o *options) { o.otp = cfg }
}

// WithEventBus publishes lock status changes on bus
func WithEventBus(bus *events.Bus) Option {
	return func(o *options) { o.bus = bus }
}

// WithClock replaces time.Now
func WithClock(now func() time.Time) Option {
	return func(o *options) { o.now = now }
}

// WithHTTPClient sets the HTTP client Open builds the WebApi client with
func WithHTTPClient(hc *http.Client) Option {
	return func(o *options) { o.httpClient = hc }
}

// Locker orchestrates the lifecycle operations
type Locker struct {
	attrs  Attributes
	keeper *keeper.Keeper
	api    API
	otp    *otp.Generator
	bus    *events.Bus
	now    func() time.Time

	queue      Queue
	ownQueue   *SerialQueue
	ownsKeeper bool

	refreshes singleflight.Group
	wg        sync.WaitGroup

	mu       sync.Mutex
	closed   bool
	nextID   uint64
	inflight map[uint64]context.CancelFunc
	pending  *registration

	// shared work outlives any single caller; Cancel and Close end it
	shared     context.Context
	stopShared context.CancelFunc
	sharedGen  uint64

	statusMu   sync.Mutex
	lastStatus keeper.LockStatus
}

// New validates attrs and returns a Locker using k for bundle state and api
// for the WebApi
func New(attrs Attributes, k *keeper.Keeper, api API, opts ...Option) (*Locker, error) {
	if err := attrs.Validate(); err != nil {
		return nil, err
	}

	o := options{otp: otp.DefaultConfig(), now: time.Now}
	for _, opt := range opts {
		opt(&o)
	}

	l := &Locker{
		attrs:    attrs,
		keeper:   k,
		api:      api,
		otp:      otp.NewGenerator(o.otp),
		bus:      o.bus,
		now:      o.now,
		queue:    o.queue,
		inflight: make(map[uint64]context.CancelFunc),
	}
	if l.queue == nil {
		l.ownQueue = NewSerialQueue()
		l.queue = l.ownQueue
	}
	l.shared, l.stopShared = context.WithCancel(context.Background())

	// unavailable protected data reads as unregistered until it loads
	l.lastStatus, _ = k.Status(context.Background())

	log.Debug().
		Str("environment", attrs.EnvironmentName).
		Str("status", l.lastStatus.String()).
		Msg("Locker created")
	return l, nil
}

// MustNew is New for attributes known to be valid. It panics otherwise
func MustNew(attrs Attributes, k *keeper.Keeper, api API, opts ...Option) *Locker {
	l, err := New(attrs, k, api, opts...)
	if err != nil {
		panic(err)
	}
	return l
}

// Open builds the WebApi client and a Keeper over store, and returns a
// Locker owning both
func Open(attrs Attributes, store securestore.Store, marker keeper.InstallMarker, opts ...Option) (*Locker, error) {
	if err := attrs.Validate(); err != nil {
		return nil, err
	}

	var o options
	for _, opt := range opts {
		opt(&o)
	}

	api, err := webapi.NewClient(webapi.Config{
		BasePath:     attrs.BasePath,
		ClientID:     attrs.ClientID,
		ClientSecret: attrs.ClientSecret,
		RedirectURL:  attrs.RedirectURL,
		Scopes:       attrs.Scope,
		PublicKey:    attrs.PublicKey,
		HTTPClient:   o.httpClient,
	})
	if err != nil {
		return nil, err
	}

	k := keeper.New(keeper.Options{
		Store:        store,
		Marker:       marker,
		ClientID:     attrs.ClientID,
		ClientSecret: attrs.ClientSecret,
	})

	l, err := New(attrs, k, api, opts...)
	if err != nil {
		k.Close()
		return nil, err
	}
	l.ownsKeeper = true
	return l, nil
}

// Close cancels in-flight operations, waits for their completions and
// releases what the Locker owns
func (l *Locker) Close() error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return nil
	}
	l.closed = true
	for _, cancel := range l.inflight {
		cancel()
	}
	l.stopShared()
	l.mu.Unlock()

	l.wg.Wait()
	if l.ownQueue != nil {
		l.ownQueue.Close()
	}
	if l.ownsKeeper {
		return l.keeper.Close()
	}
	return nil
}

// Status returns the current lock status
func (l *Locker) Status() keeper.LockStatus {
	s, err := l.keeper.Status(context.Background())
	if err != nil {
		log.Debug().Err(err).Msg("Lock status read without protected data")
	}
	return s
}

// AccessToken returns the access token while the user is unlocked
func (l *Locker) AccessToken() (string, bool) {
	return l.keeper.AccessToken()
}

// Queue returns the queue completions are dispatched on
func (l *Locker) Queue() Queue {
	return l.queue
}

// opFunc does the work of an operation and returns the remaining attempts
// to report, or -1
type opFunc func(ctx context.Context) (int, error)

// run starts fn on its own goroutine under a cancellable context and
// completes done with its outcome
func (l *Locker) run(ctx context.Context, op string, done Completion, fn opFunc) {
	done = once(done)

	ctx, id, err := l.track(ctx)
	if err != nil {
		// the owned queue may already be drained
		go done(Result{Status: l.lastSeen(), RemainingAttempts: -1, Err: wrap(op, err)})
		return
	}

	go func() {
		defer l.wg.Done()
		defer l.release(id)

		remaining, err := fn(ctx)
		l.finish(op, done, remaining, err)
	}()
}

func (l *Locker) track(ctx context.Context) (context.Context, uint64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return nil, 0, ErrClosed
	}

	ctx, cancel := context.WithCancel(ctx)
	l.nextID++
	id := l.nextID
	l.inflight[id] = cancel
	l.wg.Add(1)
	return ctx, id, nil
}

// sharedWork returns the context work shared between callers runs under,
// and the generation it belongs to
func (l *Locker) sharedWork() (context.Context, uint64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.shared, l.sharedGen
}

// cancelAll cancels every tracked operation and the shared work, and
// starts a new shared generation
func (l *Locker) cancelAll() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, cancel := range l.inflight {
		cancel()
	}
	l.stopShared()
	if !l.closed {
		l.shared, l.stopShared = context.WithCancel(context.Background())
		l.sharedGen++
	}
	return len(l.inflight)
}

func (l *Locker) release(id uint64) {
	l.mu.Lock()
	cancel := l.inflight[id]
	delete(l.inflight, id)
	l.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

func (l *Locker) finish(op string, done Completion, remaining int, err error) {
	status := l.publishStatus()

	res := Result{Status: status, RemainingAttempts: remaining, Err: wrap(op, err)}
	if err != nil {
		log.Debug().Err(err).Str("op", op).Str("status", status.String()).Msg("Locker operation failed")
	} else {
		log.Debug().Str("op", op).Str("status", status.String()).Msg("Locker operation completed")
	}
	l.queue.Dispatch(func() { done(res) })
}

func (l *Locker) lastSeen() keeper.LockStatus {
	l.statusMu.Lock()
	defer l.statusMu.Unlock()
	return l.lastStatus
}

// publishStatus reads the status and announces it when it differs from the
// last one seen
func (l *Locker) publishStatus() keeper.LockStatus {
	l.statusMu.Lock()
	defer l.statusMu.Unlock()

	status, err := l.keeper.Status(context.Background())
	if errors.Is(err, keeper.ErrClosed) {
		return l.lastStatus
	}
	if err != nil {
		// nothing trustworthy to announce
		return status
	}
	if status == l.lastStatus {
		return status
	}
	from := l.lastStatus
	l.lastStatus = status

	log.Info().
		Str("from", from.String()).
		Str("to", status.String()).
		Msg("Lock status changed")
	if l.bus != nil {
		l.bus.PublishStatus(events.StatusChange{
			From: from.String(),
			To:   status.String(),
			At:   l.now(),
		})
	}
	return status
}

func once(done Completion) Completion {
	var o sync.Once
	return func(r Result) {
		o.Do(func() {
			if done != nil {
				done(r)
			}
		})
	}
}

// persistCtx detaches local writes that follow a successful server call
// from cancellation, so committed server state is always recorded
func persistCtx(ctx context.Context) context.Context {
	return context.WithoutCancel(ctx)
}

func sessionFromToken(tok *webapi.Token) keeper.SessionBundle {
	ek := keeper.SessionBundle{
		AccessToken:  tok.AccessToken,
		RefreshToken: tok.RefreshToken,
		TokenType:    tok.TokenType,
	}
	if ek.TokenType == "" {
		ek.TokenType = "bearer"
	}
	if !tok.Expiry.IsZero() {
		ek.AccessTokenExpiration = tok.Expiry.UnixMilli()
	}
	if tok.RemainingAttempts > 0 {
		ek.RemainingAttempts = tok.RemainingAttempts
	}
	return ek
}
