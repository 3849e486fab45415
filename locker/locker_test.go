package locker_test

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync"
	"testing"
	"time"

	"github.com/mesmerverse/coresdk/cryptor"
	"github.com/mesmerverse/coresdk/events"
	"github.com/mesmerverse/coresdk/internal/fakeapi"
	"github.com/mesmerverse/coresdk/keeper"
	"github.com/mesmerverse/coresdk/locker"
	"github.com/mesmerverse/coresdk/securestore"
	"github.com/mesmerverse/coresdk/webapi"
)

const (
	redirectURL = "coresdk-test://app/oauth-callback"
	password    = "correct horse"
)

var (
	serverKeyOnce sync.Once
	serverKey     *rsa.PrivateKey
)

func sharedServerKey(t *testing.T) *rsa.PrivateKey {
	t.Helper()
	serverKeyOnce.Do(func() {
		key, err := rsa.GenerateKey(rand.Reader, 2048)
		if err != nil {
			t.Fatalf("GenerateKey failed: %v", err)
		}
		serverKey = key
	})
	return serverKey
}

type fixture struct {
	api    *fakeapi.Server
	srv    *httptest.Server
	attrs  locker.Attributes
	store  *securestore.MemoryStore
	keeper *keeper.Keeper
	locker *locker.Locker
}

func newFixture(t *testing.T, cfg fakeapi.Config, opts ...locker.Option) *fixture {
	t.Helper()
	cfg.ClientID = "app"
	cfg.ClientSecret = "app-secret"
	cfg.PrivateKey = sharedServerKey(t)
	api, err := fakeapi.New(cfg)
	if err != nil {
		t.Fatalf("fakeapi.New failed: %v", err)
	}
	srv := httptest.NewServer(api.Handler())
	t.Cleanup(srv.Close)

	f := &fixture{
		api: api,
		srv: srv,
		attrs: locker.Attributes{
			EnvironmentName: "test",
			BasePath:        srv.URL,
			ClientID:        "app",
			ClientSecret:    "app-secret",
			RedirectURL:     redirectURL,
			Scope:           []string{"locker"},
			PublicKey:       api.PublicKeyPEM(),
		},
		store: securestore.NewMemory(""),
	}
	f.keeper, f.locker = f.open(t, opts...)
	return f
}

// open starts a Keeper and a Locker over the fixture's store, as a new
// process on the same device would
func (f *fixture) open(t *testing.T, opts ...locker.Option) (*keeper.Keeper, *locker.Locker) {
	t.Helper()
	return f.openWith(t, nil, opts...)
}

// openWith is open with the WebApi client passed through wrap
func (f *fixture) openWith(t *testing.T, wrap func(locker.API) locker.API, opts ...locker.Option) (*keeper.Keeper, *locker.Locker) {
	t.Helper()
	client, err := webapi.NewClient(webapi.Config{
		BasePath:     f.attrs.BasePath,
		ClientID:     f.attrs.ClientID,
		ClientSecret: f.attrs.ClientSecret,
		RedirectURL:  f.attrs.RedirectURL,
		Scopes:       f.attrs.Scope,
		PublicKey:    f.attrs.PublicKey,
		HTTPClient:   f.srv.Client(),
	})
	if err != nil {
		t.Fatalf("NewClient failed: %v", err)
	}
	k := keeper.New(keeper.Options{
		Store:        f.store,
		Marker:       keeper.NewMemoryMarker(true),
		ClientID:     f.attrs.ClientID,
		ClientSecret: f.attrs.ClientSecret,
	})
	var api locker.API = client
	if wrap != nil {
		api = wrap(client)
	}
	l, err := locker.New(f.attrs, k, api, opts...)
	if err != nil {
		t.Fatalf("locker.New failed: %v", err)
	}
	t.Cleanup(func() {
		l.Close()
		k.Close()
	})
	return k, l
}

// wait starts an operation and blocks until its completion fires
func wait(t *testing.T, start func(done locker.Completion)) locker.Result {
	t.Helper()
	ch := make(chan locker.Result, 1)
	start(func(r locker.Result) { ch <- r })
	select {
	case r := <-ch:
		return r
	case <-time.After(10 * time.Second):
		t.Fatal("completion did not fire")
		return locker.Result{}
	}
}

// follow authorizes at authURL and returns the redirect the server issues
func (f *fixture) follow(authURL string) (string, error) {
	hc := &http.Client{CheckRedirect: func(*http.Request, []*http.Request) error {
		return http.ErrUseLastResponse
	}}
	resp, err := hc.Get(authURL)
	if err != nil {
		return "", err
	}
	resp.Body.Close()
	return resp.Header.Get("Location"), nil
}

func stateOf(t *testing.T, rawURL string) string {
	t.Helper()
	u, err := url.Parse(rawURL)
	if err != nil {
		t.Errorf("invalid redirect %q: %v", rawURL, err)
		return ""
	}
	return u.Query().Get("state")
}

func (f *fixture) register(t *testing.T, l *locker.Locker) {
	t.Helper()
	ctx := context.Background()
	res := wait(t, func(done locker.Completion) {
		l.RegisterUser(ctx, func(authURL string) error {
			loc, err := f.follow(authURL)
			if err != nil {
				return err
			}
			if !l.ContinueWithUserRegistration(loc) {
				t.Errorf("redirect %q was not accepted", loc)
			}
			return nil
		}, done)
	})
	if res.Err != nil {
		t.Fatalf("RegisterUser failed: %v", res.Err)
	}
	if res.Status != keeper.Unregistered {
		t.Fatalf("expected unregistered after authorization, got %s", res.Status)
	}
}

func (f *fixture) registerAndComplete(t *testing.T, lockType keeper.LockType) {
	t.Helper()
	f.register(t, f.locker)
	res := wait(t, func(done locker.Completion) {
		f.locker.CompleteUserRegistration(context.Background(), lockType, password, done)
	})
	if res.Err != nil {
		t.Fatalf("CompleteUserRegistration failed: %v", res.Err)
	}
	if res.Status != keeper.Unlocked {
		t.Fatalf("expected unlocked, got %s", res.Status)
	}
}

func (f *fixture) device(t *testing.T) *keeper.DeviceBundle {
	t.Helper()
	dk, err := f.keeper.Device(context.Background())
	if err != nil {
		t.Fatalf("Device failed: %v", err)
	}
	return dk
}

func assertKind(t *testing.T, err error, want locker.Kind) {
	t.Helper()
	if !locker.IsKind(err, want) {
		t.Fatalf("expected %s error, got %v", want, err)
	}
}

// gatedRefresh holds every Refresh call until release is closed
type gatedRefresh struct {
	locker.API

	mu      sync.Mutex
	calls   int
	started chan struct{}
	release chan struct{}
}

func newGatedRefresh(api locker.API) *gatedRefresh {
	return &gatedRefresh{API: api, started: make(chan struct{}), release: make(chan struct{})}
}

func (g *gatedRefresh) Refresh(ctx context.Context, refreshToken string) (*webapi.Token, error) {
	g.mu.Lock()
	g.calls++
	if g.calls == 1 {
		close(g.started)
	}
	g.mu.Unlock()

	select {
	case <-g.release:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	return g.API.Refresh(ctx, refreshToken)
}

func (g *gatedRefresh) Calls() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.calls
}

// reopenGated restarts the fixture's Locker with refreshes held by a gate
// and resumes the session with the fixture password
func (f *fixture) reopenGated(t *testing.T) *gatedRefresh {
	t.Helper()
	f.locker.Close()
	f.keeper.Close()

	var gate *gatedRefresh
	f.keeper, f.locker = f.openWith(t, func(api locker.API) locker.API {
		gate = newGatedRefresh(api)
		return gate
	})
	res := wait(t, func(done locker.Completion) {
		f.locker.ResumeSession(context.Background(), password, done)
	})
	if res.Err != nil || res.Status != keeper.Unlocked {
		t.Fatalf("ResumeSession: %+v", res)
	}
	return gate
}

func awaitResult(t *testing.T, ch <-chan locker.Result) locker.Result {
	t.Helper()
	select {
	case r := <-ch:
		return r
	case <-time.After(10 * time.Second):
		t.Fatal("completion did not fire")
		return locker.Result{}
	}
}

func TestNew_ValidatesAttributes(t *testing.T) {
	k := keeper.New(keeper.Options{Store: securestore.NewMemory("")})
	defer k.Close()

	valid := locker.Attributes{
		BasePath:     "https://api.example.com",
		ClientID:     "app",
		ClientSecret: "secret",
		RedirectURL:  "app://host/oauth-callback",
		PublicKey:    "pem",
	}
	tests := []struct {
		name   string
		mutate func(a *locker.Attributes)
	}{
		{"missing client id", func(a *locker.Attributes) { a.ClientID = "" }},
		{"missing secret", func(a *locker.Attributes) { a.ClientSecret = "" }},
		{"missing public key", func(a *locker.Attributes) { a.PublicKey = "" }},
		{"missing base path", func(a *locker.Attributes) { a.BasePath = "" }},
		{"wrong callback path", func(a *locker.Attributes) { a.RedirectURL = "app://host/callback" }},
		{"no scheme", func(a *locker.Attributes) { a.RedirectURL = "/oauth-callback" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a := valid
			tt.mutate(&a)
			if _, err := locker.New(a, k, nil); !errors.Is(err, locker.ErrAttributesNotConfigured) {
				t.Errorf("expected ErrAttributesNotConfigured, got %v", err)
			}
		})
	}

	defer func() {
		if recover() == nil {
			t.Error("MustNew should panic on invalid attributes")
		}
	}()
	locker.MustNew(locker.Attributes{}, k, nil)
}

func TestRegistration(t *testing.T) {
	f := newFixture(t, fakeapi.Config{})

	if s := f.locker.Status(); s != keeper.Unregistered {
		t.Fatalf("expected unregistered, got %s", s)
	}
	if _, ok := f.locker.AccessToken(); ok {
		t.Fatal("no access token before registration")
	}

	f.register(t, f.locker)
	if dk := f.device(t); dk == nil || dk.OAuth2Code == "" {
		t.Fatalf("authorization code should be stored, got %+v", dk)
	}

	res := wait(t, func(done locker.Completion) {
		f.locker.CompleteUserRegistration(context.Background(), keeper.LockTypePassword, password, done)
	})
	if res.Err != nil {
		t.Fatalf("CompleteUserRegistration failed: %v", res.Err)
	}
	if res.Status != keeper.Unlocked {
		t.Fatalf("expected unlocked, got %s", res.Status)
	}

	dk := f.device(t)
	if !dk.Registered() || dk.OneTimePasswordKey == "" || dk.LockType != keeper.LockTypePassword {
		t.Fatalf("unexpected device bundle %+v", dk)
	}
	if _, ok := f.locker.AccessToken(); !ok {
		t.Error("expected an access token while unlocked")
	}

	server, ok := f.api.Device(dk.ClientID)
	if !ok {
		t.Fatal("server does not know the device")
	}
	if server.Password != cryptor.DeriveKey(password, dk.DeviceFingerprint) {
		t.Error("server should receive the derived key, not the password")
	}
}

func TestRegistration_AlreadyRegistered(t *testing.T) {
	f := newFixture(t, fakeapi.Config{})
	f.registerAndComplete(t, keeper.LockTypePassword)

	res := wait(t, func(done locker.Completion) {
		f.locker.RegisterUser(context.Background(), func(string) error { return nil }, done)
	})
	if !errors.Is(res.Err, locker.ErrAlreadyRegistered) {
		t.Fatalf("expected ErrAlreadyRegistered, got %v", res.Err)
	}
	assertKind(t, res.Err, locker.KindState)
}

func TestCompleteRegistration_WithoutCode(t *testing.T) {
	f := newFixture(t, fakeapi.Config{})

	res := wait(t, func(done locker.Completion) {
		f.locker.CompleteUserRegistration(context.Background(), keeper.LockTypePassword, password, done)
	})
	if !errors.Is(res.Err, locker.ErrNoAuthorizationCode) {
		t.Fatalf("expected ErrNoAuthorizationCode, got %v", res.Err)
	}

	res = wait(t, func(done locker.Completion) {
		f.locker.CompleteUserRegistration(context.Background(), "fingerprint", password, done)
	})
	if !errors.Is(res.Err, locker.ErrInvalidLockType) {
		t.Fatalf("expected ErrInvalidLockType, got %v", res.Err)
	}
}

func TestContinueWithUserRegistration(t *testing.T) {
	f := newFixture(t, fakeapi.Config{})

	if f.locker.ContinueWithUserRegistration(redirectURL + "?code=c&state=s") {
		t.Fatal("no registration is pending")
	}

	denied := wait(t, func(done locker.Completion) {
		f.locker.RegisterUser(context.Background(), func(authURL string) error {
			loc, err := f.follow(authURL)
			if err != nil {
				return err
			}
			state := stateOf(t, loc)

			if f.locker.ContinueWithUserRegistration("other-app://app/oauth-callback?code=c&state=" + state) {
				t.Error("foreign scheme accepted")
			}
			if f.locker.ContinueWithUserRegistration(redirectURL + "?code=c&state=forged") {
				t.Error("forged state accepted")
			}
			if !f.locker.ContinueWithUserRegistration(redirectURL + "?error=access_denied&state=" + state) {
				t.Error("denial not accepted")
			}
			return nil
		}, done)
	})
	if !errors.Is(denied.Err, locker.ErrAuthorizationDenied) {
		t.Fatalf("expected ErrAuthorizationDenied, got %v", denied.Err)
	}
	assertKind(t, denied.Err, locker.KindRejected)
}

func TestRegistration_RejectedCodeIsForgotten(t *testing.T) {
	f := newFixture(t, fakeapi.Config{})
	f.register(t, f.locker)

	f.api.FailNext(webapi.PathToken, http.StatusBadRequest)
	res := wait(t, func(done locker.Completion) {
		f.locker.CompleteUserRegistration(context.Background(), keeper.LockTypePassword, password, done)
	})
	assertKind(t, res.Err, locker.KindRejected)
	if dk := f.device(t); dk == nil || dk.OAuth2Code != "" || dk.DeviceFingerprint == "" {
		t.Errorf("code should be cleared and fingerprint kept, got %+v", dk)
	}
}

func TestUnlockAndLock(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, fakeapi.Config{MaxAttempts: 3})
	f.registerAndComplete(t, keeper.LockTypePassword)

	res := wait(t, func(done locker.Completion) { f.locker.LockUser(done) })
	if res.Err != nil || res.Status != keeper.Locked {
		t.Fatalf("LockUser: %+v", res)
	}
	if _, ok := f.locker.AccessToken(); ok {
		t.Fatal("access token must be withheld while locked")
	}

	res = wait(t, func(done locker.Completion) { f.locker.UnlockUser(ctx, "wrong", done) })
	assertKind(t, res.Err, locker.KindRejected)
	if res.RemainingAttempts != 2 || res.Status != keeper.Locked {
		t.Fatalf("unexpected result %+v", res)
	}

	res = wait(t, func(done locker.Completion) { f.locker.UnlockUser(ctx, password, done) })
	if res.Err != nil {
		t.Fatalf("UnlockUser failed: %v", res.Err)
	}
	if res.Status != keeper.Unlocked || res.RemainingAttempts != 3 {
		t.Fatalf("unexpected result %+v", res)
	}
	if _, ok := f.locker.AccessToken(); !ok {
		t.Error("expected an access token after unlock")
	}
}

func TestUnlock_AttemptsExhaustedUnregisters(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, fakeapi.Config{MaxAttempts: 2})
	f.registerAndComplete(t, keeper.LockTypePassword)
	wait(t, func(done locker.Completion) { f.locker.LockUser(done) })

	res := wait(t, func(done locker.Completion) { f.locker.UnlockUser(ctx, "wrong", done) })
	if res.RemainingAttempts != 1 || res.Status != keeper.Locked {
		t.Fatalf("unexpected first rejection %+v", res)
	}

	res = wait(t, func(done locker.Completion) { f.locker.UnlockUser(ctx, "wrong", done) })
	assertKind(t, res.Err, locker.KindRejected)
	if res.RemainingAttempts != 0 || res.Status != keeper.Unregistered {
		t.Fatalf("expected unregistered with no attempts, got %+v", res)
	}
	if dk := f.device(t); dk != nil {
		t.Errorf("device bundle should be wiped, got %+v", dk)
	}
	if f.keeper.Session() != nil {
		t.Error("session bundle should be wiped")
	}
}

func TestUnlock_NetworkFailureKeepsState(t *testing.T) {
	f := newFixture(t, fakeapi.Config{})
	f.registerAndComplete(t, keeper.LockTypePassword)
	wait(t, func(done locker.Completion) { f.locker.LockUser(done) })

	f.api.FailNext(webapi.PathUnlock, http.StatusServiceUnavailable)
	res := wait(t, func(done locker.Completion) { f.locker.UnlockUser(context.Background(), password, done) })
	assertKind(t, res.Err, locker.KindNetwork)

	var le *locker.Error
	if !errors.As(res.Err, &le) || !le.Retryable() {
		t.Errorf("network failures should be retryable, got %v", res.Err)
	}
	if res.Status != keeper.Locked {
		t.Errorf("expected locked, got %s", res.Status)
	}
}

func TestUnlock_NotRegistered(t *testing.T) {
	f := newFixture(t, fakeapi.Config{})

	res := wait(t, func(done locker.Completion) { f.locker.UnlockUser(context.Background(), password, done) })
	if !errors.Is(res.Err, keeper.ErrNotRegistered) {
		t.Fatalf("expected ErrNotRegistered, got %v", res.Err)
	}
	assertKind(t, res.Err, locker.KindState)
	if f.api.Calls(webapi.PathUnlock) != 0 {
		t.Error("nothing should be sent for an unregistered device")
	}
}

func TestNoAuthLockType(t *testing.T) {
	f := newFixture(t, fakeapi.Config{})
	f.registerAndComplete(t, keeper.LockTypeNoAuth)

	dk := f.device(t)
	if dk.NoAuthPassword == "" || dk.NoAuthPassword == password {
		t.Fatalf("expected a generated password, got %q", dk.NoAuthPassword)
	}

	wait(t, func(done locker.Completion) { f.locker.LockUser(done) })
	res := wait(t, func(done locker.Completion) { f.locker.UnlockUser(context.Background(), "", done) })
	if res.Err != nil || res.Status != keeper.Unlocked {
		t.Fatalf("noAuth unlock: %+v", res)
	}
}

func TestUnlockUsingOTP(t *testing.T) {
	f := newFixture(t, fakeapi.Config{})
	f.registerAndComplete(t, keeper.LockTypePassword)
	wait(t, func(done locker.Completion) { f.locker.LockUser(done) })

	code, err := f.locker.OneTimePassword(context.Background())
	if err != nil || len(code) != 7 {
		t.Fatalf("OneTimePassword: %q, %v", code, err)
	}

	res := wait(t, func(done locker.Completion) { f.locker.UnlockUserUsingOTP(context.Background(), done) })
	if res.Err != nil {
		t.Fatalf("UnlockUserUsingOTP failed: %v", res.Err)
	}
	if res.Status != keeper.Unlocked {
		t.Fatalf("expected unlocked, got %s", res.Status)
	}
}

func TestUnlockUsingOTP_RejectionUnregisters(t *testing.T) {
	f := newFixture(t, fakeapi.Config{})
	f.registerAndComplete(t, keeper.LockTypePassword)
	f.locker.Close()
	f.keeper.Close()

	// a clock an hour off produces a code the server refuses
	f.keeper, f.locker = f.open(t, locker.WithClock(func() time.Time { return time.Now().Add(-time.Hour) }))

	res := wait(t, func(done locker.Completion) { f.locker.UnlockUserUsingOTP(context.Background(), done) })
	assertKind(t, res.Err, locker.KindRejected)
	if res.Status != keeper.Unregistered {
		t.Fatalf("expected unregistered, got %s", res.Status)
	}
}

func TestChangePassword(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, fakeapi.Config{})
	f.registerAndComplete(t, keeper.LockTypePassword)

	res := wait(t, func(done locker.Completion) {
		f.locker.ChangePassword(ctx, password, keeper.LockTypePassword, "new password", done)
	})
	if res.Err != nil || res.Status != keeper.Unlocked {
		t.Fatalf("ChangePassword: %+v", res)
	}

	wait(t, func(done locker.Completion) { f.locker.LockUser(done) })

	res = wait(t, func(done locker.Completion) { f.locker.ResumeSession(ctx, "new password", done) })
	if res.Err != nil || res.Status != keeper.Unlocked {
		t.Fatalf("session should open with the new password: %+v", res)
	}

	wait(t, func(done locker.Completion) { f.locker.LockUser(done) })
	res = wait(t, func(done locker.Completion) { f.locker.UnlockUser(ctx, password, done) })
	assertKind(t, res.Err, locker.KindRejected)

	res = wait(t, func(done locker.Completion) { f.locker.UnlockUser(ctx, "new password", done) })
	if res.Err != nil {
		t.Fatalf("unlock with new password failed: %v", res.Err)
	}
}

func TestChangePassword_RequiresUnlocked(t *testing.T) {
	f := newFixture(t, fakeapi.Config{})
	f.registerAndComplete(t, keeper.LockTypePassword)
	wait(t, func(done locker.Completion) { f.locker.LockUser(done) })

	res := wait(t, func(done locker.Completion) {
		f.locker.ChangePassword(context.Background(), password, keeper.LockTypePassword, "x", done)
	})
	if !errors.Is(res.Err, keeper.ErrLocked) {
		t.Fatalf("expected ErrLocked, got %v", res.Err)
	}
}

func TestChangePassword_AttemptsExhaustedUnregisters(t *testing.T) {
	f := newFixture(t, fakeapi.Config{MaxAttempts: 1})
	f.registerAndComplete(t, keeper.LockTypePassword)

	res := wait(t, func(done locker.Completion) {
		f.locker.ChangePassword(context.Background(), "wrong", keeper.LockTypePassword, "new password", done)
	})
	assertKind(t, res.Err, locker.KindRejected)
	if res.RemainingAttempts != 0 || res.Status != keeper.Unregistered {
		t.Fatalf("expected unregistered with no attempts, got %+v", res)
	}
	if dk := f.device(t); dk != nil {
		t.Errorf("device bundle should be wiped, got %+v", dk)
	}
	if _, ok := f.locker.AccessToken(); ok {
		t.Error("access token should be gone")
	}
}

func TestRefreshToken(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, fakeapi.Config{})
	f.registerAndComplete(t, keeper.LockTypePassword)
	before, _ := f.locker.AccessToken()

	res := wait(t, func(done locker.Completion) { f.locker.RefreshToken(ctx, done) })
	if res.Err != nil || res.Status != keeper.Unlocked {
		t.Fatalf("RefreshToken: %+v", res)
	}
	after, _ := f.locker.AccessToken()
	if after == before {
		t.Error("expected a new access token")
	}

	if err := f.api.RevokeRefreshTokens(f.device(t).ClientID); err != nil {
		t.Fatalf("revoke failed: %v", err)
	}
	res = wait(t, func(done locker.Completion) { f.locker.RefreshToken(ctx, done) })
	assertKind(t, res.Err, locker.KindRejected)
	if res.Status != keeper.Unlocked {
		t.Errorf("a failed refresh must not change the status, got %s", res.Status)
	}

	wait(t, func(done locker.Completion) { f.locker.LockUser(done) })
	res = wait(t, func(done locker.Completion) { f.locker.RefreshToken(ctx, done) })
	if !errors.Is(res.Err, keeper.ErrLocked) {
		t.Errorf("expected ErrLocked, got %v", res.Err)
	}
}

func TestRefreshToken_Concurrent(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, fakeapi.Config{})
	f.registerAndComplete(t, keeper.LockTypePassword)
	gate := f.reopenGated(t)
	before, _ := f.locker.AccessToken()

	const n = 5
	results := make(chan locker.Result, n)
	for i := 0; i < n; i++ {
		f.locker.RefreshToken(ctx, func(r locker.Result) { results <- r })
	}
	<-gate.started
	// let the other calls join the running refresh
	time.Sleep(100 * time.Millisecond)
	close(gate.release)

	for i := 0; i < n; i++ {
		if r := awaitResult(t, results); r.Err != nil || r.Status != keeper.Unlocked {
			t.Errorf("refresh %d: %+v", i, r)
		}
	}
	if calls := gate.Calls(); calls != 1 {
		t.Errorf("expected one refresh request, got %d", calls)
	}
	if after, _ := f.locker.AccessToken(); after == before {
		t.Error("expected a new access token")
	}
}

func TestRefreshToken_CancelOnlyAffectsItsCaller(t *testing.T) {
	f := newFixture(t, fakeapi.Config{})
	f.registerAndComplete(t, keeper.LockTypePassword)
	gate := f.reopenGated(t)

	ctxA, cancelA := context.WithCancel(context.Background())
	defer cancelA()
	resA := make(chan locker.Result, 1)
	resB := make(chan locker.Result, 1)

	f.locker.RefreshToken(ctxA, func(r locker.Result) { resA <- r })
	<-gate.started
	f.locker.RefreshToken(context.Background(), func(r locker.Result) { resB <- r })
	time.Sleep(100 * time.Millisecond)

	cancelA()
	assertKind(t, awaitResult(t, resA).Err, locker.KindCancelled)

	close(gate.release)
	if r := awaitResult(t, resB); r.Err != nil || r.Status != keeper.Unlocked {
		t.Fatalf("refresh joined by an uncancelled caller: %+v", r)
	}
	if calls := gate.Calls(); calls != 1 {
		t.Errorf("expected one refresh request, got %d", calls)
	}
}

func TestRefreshToken_CancelAbortsSharedRefresh(t *testing.T) {
	f := newFixture(t, fakeapi.Config{})
	f.registerAndComplete(t, keeper.LockTypePassword)
	gate := f.reopenGated(t)

	pending := make(chan locker.Result, 1)
	f.locker.RefreshToken(context.Background(), func(r locker.Result) { pending <- r })
	<-gate.started

	wait(t, func(done locker.Completion) { f.locker.Cancel(done) })
	assertKind(t, awaitResult(t, pending).Err, locker.KindCancelled)

	// a refresh after Cancel starts afresh instead of joining the aborted one
	close(gate.release)
	res := wait(t, func(done locker.Completion) { f.locker.RefreshToken(context.Background(), done) })
	if res.Err != nil || res.Status != keeper.Unlocked {
		t.Fatalf("refresh after cancel: %+v", res)
	}
	if calls := gate.Calls(); calls != 2 {
		t.Errorf("expected two refresh requests, got %d", calls)
	}
}

func TestUnregisterUser(t *testing.T) {
	f := newFixture(t, fakeapi.Config{})
	f.registerAndComplete(t, keeper.LockTypePassword)
	clientID := f.device(t).ClientID

	res := wait(t, func(done locker.Completion) { f.locker.UnregisterUser(context.Background(), done) })
	if res.Err != nil || res.Status != keeper.Unregistered {
		t.Fatalf("UnregisterUser: %+v", res)
	}
	if _, ok := f.api.Device(clientID); ok {
		t.Error("server registration should be removed")
	}
	if _, ok := f.locker.AccessToken(); ok {
		t.Error("access token should be gone")
	}
	if f.device(t) != nil || f.keeper.Session() != nil {
		t.Error("bundles should be gone")
	}
}

func TestUnregisterUser_ServerDown(t *testing.T) {
	f := newFixture(t, fakeapi.Config{})
	f.registerAndComplete(t, keeper.LockTypePassword)
	f.srv.Close()

	res := wait(t, func(done locker.Completion) { f.locker.UnregisterUser(context.Background(), done) })
	if res.Err != nil || res.Status != keeper.Unregistered {
		t.Fatalf("local unregistration should succeed: %+v", res)
	}
}

func TestResumeSession_AfterRestart(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, fakeapi.Config{})
	f.registerAndComplete(t, keeper.LockTypePassword)
	f.locker.Close()
	f.keeper.Close()

	f.keeper, f.locker = f.open(t)
	if s := f.locker.Status(); s != keeper.Locked {
		t.Fatalf("a new process starts locked, got %s", s)
	}

	res := wait(t, func(done locker.Completion) { f.locker.ResumeSession(ctx, "wrong", done) })
	if !errors.Is(res.Err, keeper.ErrWrongKey) {
		t.Fatalf("expected ErrWrongKey, got %v", res.Err)
	}
	assertKind(t, res.Err, locker.KindCrypto)

	res = wait(t, func(done locker.Completion) { f.locker.ResumeSession(ctx, password, done) })
	if res.Err != nil || res.Status != keeper.Unlocked {
		t.Fatalf("ResumeSession: %+v", res)
	}
	if f.api.Calls(webapi.PathUnlock) != 0 {
		t.Error("resuming must not contact the server")
	}
}

func TestCancel(t *testing.T) {
	f := newFixture(t, fakeapi.Config{})

	opened := make(chan struct{})
	pending := make(chan locker.Result, 1)
	f.locker.RegisterUser(context.Background(), func(string) error {
		close(opened)
		return nil
	}, func(r locker.Result) { pending <- r })
	<-opened

	res := wait(t, func(done locker.Completion) { f.locker.Cancel(done) })
	if res.Err != nil || res.Status != keeper.Unregistered {
		t.Fatalf("Cancel: %+v", res)
	}

	select {
	case r := <-pending:
		assertKind(t, r.Err, locker.KindCancelled)
	case <-time.After(10 * time.Second):
		t.Fatal("cancelled registration did not complete")
	}
}

func TestUnlockAfterMigration(t *testing.T) {
	ctx := context.Background()

	// an earlier installation registered with the hashed password
	f := newFixture(t, fakeapi.Config{})
	data := migratedIdentity(t, f)

	// the new installation starts with an empty store
	f.store = securestore.NewMemory("")
	f.keeper, f.locker = f.open(t)

	res := wait(t, func(done locker.Completion) {
		f.locker.UnlockAfterMigration(ctx, keeper.LockTypePassword, "wrong", locker.MigrationPBKDF2, data, done)
	})
	assertKind(t, res.Err, locker.KindRejected)
	if res.Status != keeper.Locked {
		t.Fatalf("migrated identity should be kept, got %s", res.Status)
	}

	res = wait(t, func(done locker.Completion) {
		f.locker.UnlockAfterMigration(ctx, keeper.LockTypePassword, "legacy-pass", locker.MigrationPBKDF2, data, done)
	})
	if res.Err != nil || res.Status != keeper.Unlocked {
		t.Fatalf("UnlockAfterMigration: %+v", res)
	}
	if got := f.device(t); got.ClientID != data.ClientID || got.OneTimePasswordKey != data.OneTimePasswordKey {
		t.Errorf("device bundle not migrated: %+v", got)
	}
}

// migratedIdentity registers an earlier installation with password hashed
// by PBKDF2 and returns the data a new installation migrates with
func migratedIdentity(t *testing.T, f *fixture) locker.MigrationData {
	t.Helper()
	data := locker.MigrationData{Salt: "salt-1", Iterations: 1000}
	hashed, err := locker.MigrationPBKDF2.Hash("legacy-pass", data)
	if err != nil {
		t.Fatalf("Hash failed: %v", err)
	}
	f.register(t, f.locker)
	res := wait(t, func(done locker.Completion) {
		f.locker.CompleteUserRegistration(context.Background(), keeper.LockTypePassword, hashed, done)
	})
	if res.Err != nil {
		t.Fatalf("CompleteUserRegistration failed: %v", res.Err)
	}
	old := f.device(t)
	data.ClientID = old.ClientID
	data.DeviceFingerprint = old.DeviceFingerprint
	data.OneTimePasswordKey = old.OneTimePasswordKey
	return data
}

func TestUnlockAfterMigration_AttemptsExhaustedUnregisters(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, fakeapi.Config{MaxAttempts: 1})
	data := migratedIdentity(t, f)

	f.store = securestore.NewMemory("")
	f.keeper, f.locker = f.open(t)

	res := wait(t, func(done locker.Completion) {
		f.locker.UnlockAfterMigration(ctx, keeper.LockTypePassword, "wrong", locker.MigrationPBKDF2, data, done)
	})
	assertKind(t, res.Err, locker.KindRejected)
	if res.RemainingAttempts != 0 || res.Status != keeper.Unregistered {
		t.Fatalf("expected unregistered with no attempts, got %+v", res)
	}
	if dk := f.device(t); dk != nil {
		t.Errorf("migrated device bundle should be wiped, got %+v", dk)
	}
}

func TestUnlockAfterMigration_AlreadyRegistered(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, fakeapi.Config{})
	data := migratedIdentity(t, f)

	// unlocked with the same identity
	res := wait(t, func(done locker.Completion) {
		f.locker.UnlockAfterMigration(ctx, keeper.LockTypePassword, "legacy-pass", locker.MigrationPBKDF2, data, done)
	})
	if !errors.Is(res.Err, locker.ErrAlreadyRegistered) || res.Status != keeper.Unlocked {
		t.Fatalf("expected ErrAlreadyRegistered while unlocked, got %+v", res)
	}

	// locked, but registered to another identity
	wait(t, func(done locker.Completion) { f.locker.LockUser(done) })
	other := data
	other.ClientID = "someone-else"
	res = wait(t, func(done locker.Completion) {
		f.locker.UnlockAfterMigration(ctx, keeper.LockTypePassword, "legacy-pass", locker.MigrationPBKDF2, other, done)
	})
	if !errors.Is(res.Err, locker.ErrAlreadyRegistered) || res.Status != keeper.Locked {
		t.Fatalf("expected ErrAlreadyRegistered for another identity, got %+v", res)
	}
	if got := f.device(t); got.ClientID != data.ClientID {
		t.Errorf("device bundle must be untouched, got %+v", got)
	}
	assertKind(t, res.Err, locker.KindState)
}

func TestStatusEvents(t *testing.T) {
	bus := events.NewBus()
	var mu sync.Mutex
	var changes []events.StatusChange
	if err := bus.SubscribeStatus(func(c events.StatusChange) {
		mu.Lock()
		changes = append(changes, c)
		mu.Unlock()
	}); err != nil {
		t.Fatalf("SubscribeStatus failed: %v", err)
	}

	f := newFixture(t, fakeapi.Config{}, locker.WithEventBus(bus))
	f.registerAndComplete(t, keeper.LockTypePassword)
	wait(t, func(done locker.Completion) { f.locker.LockUser(done) })
	wait(t, func(done locker.Completion) { f.locker.UnregisterUser(context.Background(), done) })

	mu.Lock()
	defer mu.Unlock()
	want := [][2]string{
		{"unregistered", "unlocked"},
		{"unlocked", "locked"},
		{"locked", "unregistered"},
	}
	if len(changes) != len(want) {
		t.Fatalf("expected %d changes, got %+v", len(want), changes)
	}
	for i, w := range want {
		if changes[i].From != w[0] || changes[i].To != w[1] {
			t.Errorf("change %d: got %s -> %s, want %s -> %s", i, changes[i].From, changes[i].To, w[0], w[1])
		}
	}
}

func TestCompletionQueue(t *testing.T) {
	var mu sync.Mutex
	dispatched := 0
	q := locker.QueueFunc(func(fn func()) {
		mu.Lock()
		dispatched++
		mu.Unlock()
		fn()
	})

	f := newFixture(t, fakeapi.Config{}, locker.WithCompletionQueue(q))
	if f.locker.Queue() == nil {
		t.Fatal("expected a queue")
	}
	wait(t, func(done locker.Completion) { f.locker.LockUser(done) })

	mu.Lock()
	defer mu.Unlock()
	if dispatched != 1 {
		t.Errorf("expected 1 dispatch, got %d", dispatched)
	}
}

func TestClosed(t *testing.T) {
	f := newFixture(t, fakeapi.Config{})
	f.locker.Close()

	res := wait(t, func(done locker.Completion) { f.locker.LockUser(done) })
	if !errors.Is(res.Err, locker.ErrClosed) {
		t.Fatalf("expected ErrClosed, got %v", res.Err)
	}
	assertKind(t, res.Err, locker.KindState)
}

func TestOpen(t *testing.T) {
	f := newFixture(t, fakeapi.Config{})

	l, err := locker.Open(f.attrs, securestore.NewMemory(""), keeper.NewMemoryMarker(false), locker.WithHTTPClient(f.srv.Client()))
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	defer l.Close()

	f.register(t, l)
	res := wait(t, func(done locker.Completion) {
		l.CompleteUserRegistration(context.Background(), keeper.LockTypePassword, password, done)
	})
	if res.Err != nil || res.Status != keeper.Unlocked {
		t.Fatalf("registration through Open: %+v", res)
	}
}
