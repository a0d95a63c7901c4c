package relay

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/LerianStudio/lib-relay/relay/assert"
	"github.com/LerianStudio/lib-relay/relay/errgroup"
	"github.com/LerianStudio/lib-relay/relay/log"
)

var (
	// ErrLoggerNil is returned when the launcher has no logger.
	ErrLoggerNil = errors.New("logger is nil")
	// ErrNilLauncher is returned for a nil launcher receiver.
	ErrNilLauncher = errors.New("launcher is nil")
	// ErrEmptyApp is returned for a blank app name.
	ErrEmptyApp = errors.New("app name is empty")
	// ErrNilApp is returned for a nil app.
	ErrNilApp = errors.New("app is nil")
	// ErrDuplicateApp is returned when an app name is registered twice.
	ErrDuplicateApp = errors.New("app already registered")
	// ErrConfigFailed wraps errors collected while applying launcher options.
	ErrConfigFailed = errors.New("launcher configuration failed")
)

// App is a long-running component such as the outbox dispatcher or the
// consumer. Run must return when ctx is cancelled; returning an error stops
// the other apps.
type App interface {
	Run(ctx context.Context, launcher *Launcher) error
}

// AppFunc adapts a function to App.
type AppFunc func(ctx context.Context, launcher *Launcher) error

// Run calls f.
func (f AppFunc) Run(ctx context.Context, launcher *Launcher) error {
	return f(ctx, launcher)
}

// LauncherOption configures a Launcher.
type LauncherOption func(l *Launcher)

// WithLogger sets the launcher logger.
func WithLogger(logger log.Logger) LauncherOption {
	return func(l *Launcher) {
		l.Logger = logger
	}
}

// RunApp registers app under name. Registration errors surface from Run.
func RunApp(name string, app App) LauncherOption {
	return func(l *Launcher) {
		if err := l.Add(name, app); err != nil {
			l.configErrors = append(l.configErrors, fmt.Errorf("add app %q: %w", name, err))
		}
	}
}

// Launcher runs registered apps concurrently until they all return.
type Launcher struct {
	Logger       log.Logger
	apps         map[string]App
	order        []string
	configErrors []error
}

// NewLauncher builds a Launcher from opts.
func NewLauncher(opts ...LauncherOption) *Launcher {
	l := &Launcher{apps: make(map[string]App)}

	for _, opt := range opts {
		opt(l)
	}

	return l
}

// Add registers app under appName.
func (l *Launcher) Add(appName string, app App) error {
	if l == nil {
		return ErrNilLauncher
	}

	if l.apps == nil {
		l.apps = make(map[string]App)
	}

	asserter := assert.New(context.Background(), l.Logger, "launcher", "add")

	if strings.TrimSpace(appName) == "" {
		_ = asserter.Never(context.Background(), "app name must not be empty")

		return ErrEmptyApp
	}

	if app == nil {
		_ = asserter.Never(context.Background(), "app must not be nil", "app_name", appName)

		return ErrNilApp
	}

	if _, exists := l.apps[appName]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicateApp, appName)
	}

	l.apps[appName] = app
	l.order = append(l.order, appName)

	return nil
}

// Run starts every app and blocks until all have returned. The first app
// error cancels the context passed to the others and is returned.
func (l *Launcher) Run(ctx context.Context) error {
	if l == nil {
		return ErrNilLauncher
	}

	if l.Logger == nil {
		return ErrLoggerNil
	}

	if len(l.configErrors) > 0 {
		return errors.Join(append([]error{ErrConfigFailed}, l.configErrors...)...)
	}

	group, gctx := errgroup.WithContext(ctx)
	group.SetLogger(l.Logger)

	l.Logger.Log(ctx, log.LevelInfo, "starting apps", log.Int("count", len(l.order)))

	for _, name := range l.order {
		app := l.apps[name]

		group.GoNamed("run_app_"+name, func() error {
			l.Logger.Log(gctx, log.LevelInfo, "app starting", log.String("app", name))

			err := app.Run(gctx, l)
			if err != nil {
				l.Logger.Log(gctx, log.LevelError, "app error", log.String("app", name), log.Err(err))

				return fmt.Errorf("app %s: %w", name, err)
			}

			l.Logger.Log(gctx, log.LevelInfo, "app finished", log.String("app", name))

			return nil
		})
	}

	err := group.Wait()

	l.Logger.Log(ctx, log.LevelInfo, "launcher terminated")

	return err
}
