// Package main implements lockerctl, a command line client that drives a
// Locker against a configured WebApi.
//
// Each invocation is a separate process and therefore starts locked.
// Commands that need a session open the stored one with -password first
package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/mesmerverse/coresdk/config"
	"github.com/mesmerverse/coresdk/events"
	"github.com/mesmerverse/coresdk/keeper"
	"github.com/mesmerverse/coresdk/locker"
	"github.com/mesmerverse/coresdk/securestore"
)

// Version is set at build time
var Version = "dev"

const usage = `usage: lockerctl [flags] <command>

commands:
  register         authorize this device (prints the authorization URL)
  complete         finish registration with -lock-type and -password
  unlock           unlock with -password through the server
  unlock-otp       unlock with a one-time password
  lock             lock the user
  status           print the lock status
  change-password  change -password to -new-password
  refresh          refresh the access token
  unregister       remove the registration
  otp              print the current one-time password
`

type options struct {
	password    string
	newPassword string
	lockType    string
	auto        bool
}

func main() {
	configPath := flag.String("config", "coresdk.yaml", "Path to configuration file")
	stateDir := flag.String("state-dir", "", "Directory for local state (overrides config)")
	var opts options
	flag.StringVar(&opts.password, "password", "", "User password")
	flag.StringVar(&opts.newPassword, "new-password", "", "New password for change-password")
	flag.StringVar(&opts.lockType, "lock-type", string(keeper.LockTypePassword), "Lock type: password or noAuth")
	flag.BoolVar(&opts.auto, "auto", false, "Follow the authorization redirect without a browser")
	flag.Usage = func() {
		fmt.Fprint(flag.CommandLine.Output(), usage)
		flag.PrintDefaults()
	}
	flag.Parse()

	// a missing .env file is fine
	_ = godotenv.Load()

	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})

	if flag.NArg() != 1 {
		flag.Usage()
		os.Exit(2)
	}
	command := flag.Arg(0)

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load configuration")
	}
	if err := cfg.ApplyEnv(os.LookupEnv); err != nil {
		log.Fatal().Err(err).Msg("Invalid environment")
	}
	if *stateDir != "" {
		cfg.StateDir = *stateDir
	}
	if err := cfg.Resolve(); err != nil {
		log.Fatal().Err(err).Msg("Failed to resolve configuration")
	}
	zerolog.SetGlobalLevel(cfg.Level())

	log.Debug().
		Str("version", Version).
		Str("config", *configPath).
		Str("command", command).
		Msg("lockerctl starting")

	l, cleanup, err := openLocker(cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to open locker")
	}

	ctx, cancel := context.WithCancel(context.Background())
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigChan
		log.Info().Str("signal", sig.String()).Msg("Received shutdown signal")
		l.Cancel(nil)
		cancel()
	}()

	err = runCommand(ctx, l, command, opts)
	cancel()
	cleanup()
	if err != nil {
		log.Fatal().Err(err).Str("command", command).Msg("Command failed")
	}
}

func openLocker(cfg *config.Config) (*locker.Locker, func(), error) {
	if err := os.MkdirAll(cfg.StateDir, 0o700); err != nil {
		return nil, nil, fmt.Errorf("failed to create state directory: %w", err)
	}

	store, err := securestore.New(cfg.Store)
	if err != nil {
		return nil, nil, err
	}

	bus := events.NewBus()
	var fwd *events.Forwarder
	if cfg.Events.NATS.URL != "" {
		fwd, err = events.NewNATSForwarder(cfg.Events.NATS, bus)
		if err != nil {
			// status forwarding is telemetry; keep going without it
			log.Warn().Err(err).Msg("Status forwarding disabled")
		}
	}

	l, err := locker.Open(cfg.Locker, store, keeper.NewFileMarker(cfg.StateDir),
		locker.WithOTPConfig(cfg.OTP),
		locker.WithEventBus(bus),
		locker.WithHTTPClient(&http.Client{Timeout: 30 * time.Second}),
	)
	if err != nil {
		store.Close()
		if fwd != nil {
			fwd.Close()
		}
		return nil, nil, err
	}

	cleanup := func() {
		l.Close()
		if fwd != nil {
			fwd.Close()
		}
		if err := store.Close(); err != nil {
			log.Warn().Err(err).Msg("Failed to close secure store")
		}
	}
	return l, cleanup, nil
}

func runCommand(ctx context.Context, l *locker.Locker, command string, opts options) error {
	switch command {
	case "status":
		fmt.Println(l.Status())
		return nil

	case "otp":
		code, err := l.OneTimePassword(ctx)
		if err != nil {
			return err
		}
		fmt.Println(code)
		return nil

	case "register":
		return report(await(func(done locker.Completion) {
			l.RegisterUser(ctx, func(authURL string) error {
				return authorize(l, authURL, opts.auto)
			}, done)
		}))

	case "complete":
		return report(await(func(done locker.Completion) {
			l.CompleteUserRegistration(ctx, keeper.LockType(opts.lockType), opts.password, done)
		}))

	case "unlock":
		return report(await(func(done locker.Completion) {
			l.UnlockUser(ctx, opts.password, done)
		}))

	case "unlock-otp":
		return report(await(func(done locker.Completion) {
			l.UnlockUserUsingOTP(ctx, done)
		}))

	case "lock":
		return report(await(l.LockUser))

	case "change-password":
		if err := resume(ctx, l, opts.password); err != nil {
			return err
		}
		return report(await(func(done locker.Completion) {
			l.ChangePassword(ctx, opts.password, keeper.LockType(opts.lockType), opts.newPassword, done)
		}))

	case "refresh":
		if err := resume(ctx, l, opts.password); err != nil {
			return err
		}
		return report(await(func(done locker.Completion) {
			l.RefreshToken(ctx, done)
		}))

	case "unregister":
		if opts.password != "" {
			// a session lets the server drop the registration too
			if err := resume(ctx, l, opts.password); err != nil {
				log.Warn().Err(err).Msg("Unregistering without a session")
			}
		}
		return report(await(func(done locker.Completion) {
			l.UnregisterUser(ctx, done)
		}))

	default:
		return fmt.Errorf("unknown command %q", command)
	}
}

// authorize shows authURL and hands the resulting redirect to the Locker.
// With auto set it follows the URL itself, which works against servers
// that authorize without user interaction
func authorize(l *locker.Locker, authURL string, auto bool) error {
	var redirect string
	if auto {
		hc := &http.Client{
			Timeout: 30 * time.Second,
			CheckRedirect: func(*http.Request, []*http.Request) error {
				return http.ErrUseLastResponse
			},
		}
		resp, err := hc.Get(authURL)
		if err != nil {
			return err
		}
		resp.Body.Close()
		redirect = resp.Header.Get("Location")
	} else {
		fmt.Fprintf(os.Stderr, "Open this URL to authorize the device:\n\n  %s\n\nPaste the redirect URL: ", authURL)
		line, err := bufio.NewReader(os.Stdin).ReadString('\n')
		if err != nil {
			return fmt.Errorf("failed to read redirect URL: %w", err)
		}
		redirect = strings.TrimSpace(line)
	}

	if !l.ContinueWithUserRegistration(redirect) {
		return fmt.Errorf("%q is not a callback for this registration", redirect)
	}
	return nil
}

func resume(ctx context.Context, l *locker.Locker, password string) error {
	res := await(func(done locker.Completion) {
		l.ResumeSession(ctx, password, done)
	})
	return res.Err
}

func await(start func(done locker.Completion)) locker.Result {
	ch := make(chan locker.Result, 1)
	start(func(r locker.Result) { ch <- r })
	return <-ch
}

func report(res locker.Result) error {
	if res.Err != nil {
		if res.RemainingAttempts >= 0 {
			fmt.Fprintf(os.Stderr, "remaining attempts: %d\n", res.RemainingAttempts)
		}
		return res.Err
	}
	fmt.Println(res.Status)
	return nil
}
