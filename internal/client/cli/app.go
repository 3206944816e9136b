package cli

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/dmitrijs2005/podsync/internal/client/client"
	"github.com/dmitrijs2005/podsync/internal/client/config"
	"github.com/dmitrijs2005/podsync/internal/client/localdb"
	"github.com/dmitrijs2005/podsync/internal/client/services"
	"github.com/dmitrijs2005/podsync/internal/events"
	"github.com/dmitrijs2005/podsync/internal/filex"
	"github.com/dmitrijs2005/podsync/internal/logging"
	"github.com/dmitrijs2005/podsync/internal/netx"
	"github.com/dmitrijs2005/podsync/internal/storage"
	"github.com/spf13/afero"
	"golang.org/x/oauth2"
	"gopkg.in/natefinch/lumberjack.v2"
)

const (
	activeFamilyKey = "active_family"
	driveScope      = "https://www.googleapis.com/auth/drive.file"
)

type App struct {
	config *config.Config
	log    logging.Logger
	in     *bufio.Reader
	out    io.Writer
	fs     afero.Fs

	repos    *localdb.Repositories
	keys     *services.KeyManager
	configs  *storage.ConfigStore
	factory  *storage.Factory
	oauth    *storage.OAuthAuthenticator
	drive    *storage.DriveClient
	monitor  *netx.Monitor
	registry *client.Registry
	relay    *client.Relay
	bus      *events.Bus

	logFile io.Closer

	mu              sync.Mutex
	session         *services.Session
	stopWatchers    context.CancelFunc
	releaseRestored func()
}

// appIO holds what differs between a terminal run and a test.
type appIO struct {
	fs     afero.Fs
	in     io.Reader
	out    io.Writer
	logOut io.Writer
	http   *http.Client
}

func NewApp(ctx context.Context, c *config.Config) (*App, error) {
	env := appIO{
		fs:     afero.NewOsFs(),
		in:     os.Stdin,
		out:    os.Stdout,
		logOut: os.Stderr,
		http:   &http.Client{Timeout: 30 * time.Second},
	}

	var logFile *lumberjack.Logger
	if c.LogPath != "" {
		logFile = &lumberjack.Logger{
			Filename:   c.LogPath,
			MaxSize:    10, // megabytes
			MaxBackups: 3,
			MaxAge:     28, // days
		}
		env.logOut = logFile
	}

	a, err := newApp(ctx, c, env)
	if err != nil {
		if logFile != nil {
			logFile.Close()
		}
		return nil, err
	}
	if logFile != nil {
		a.logFile = logFile
	}
	return a, nil
}

func newApp(ctx context.Context, c *config.Config, env appIO) (*App, error) {
	if c.DatabasePath != ":memory:" {
		if _, err := filex.EnsureDir(filepath.Dir(c.DatabasePath)); err != nil {
			return nil, err
		}
	}

	repos, err := localdb.Open(ctx, c.DatabasePath)
	if err != nil {
		return nil, fmt.Errorf("error initializing database: %w", err)
	}

	log := logging.NewText(env.logOut, slog.LevelInfo)
	a := &App{
		config:  c,
		log:     log,
		in:      bufio.NewReader(env.in),
		out:     &lockedWriter{w: env.out},
		fs:      env.fs,
		repos:   repos,
		keys:    services.NewKeyManager(repos.Metadata, log),
		configs: storage.NewConfigStore(repos.Metadata),
		bus:     events.NewBus(),
	}
	a.factory = &storage.Factory{
		FS:      env.fs,
		Folder:  c.DriveFolderName,
		Configs: a.configs,
		Log:     log,
	}

	if c.CloudEnabled() {
		oc := &oauth2.Config{
			ClientID:     c.OAuthClientID,
			ClientSecret: c.OAuthClientSecret,
			Endpoint:     oauth2.Endpoint{AuthURL: c.OAuthAuthURL, TokenURL: c.OAuthTokenURL},
			RedirectURL:  c.OAuthRedirectURL,
			Scopes:       []string{driveScope},
		}
		a.oauth = storage.NewOAuthAuthenticator(oc, a.promptAuthCode, repos.Metadata)
		if err := a.oauth.Load(ctx); err != nil {
			log.Warn(ctx, "stored cloud sign-in unreadable", "err", err)
		}
		a.drive = storage.NewDriveClient(env.http, c.DriveBaseURL, c.DriveUploadURL)
		a.factory.Drive, a.factory.Auth = a.drive, a.oauth
	}

	if c.S3Enabled() {
		api, err := storage.NewS3Client(ctx, storage.S3Settings{
			Bucket:    c.S3Bucket,
			Region:    c.S3Region,
			Endpoint:  c.S3Endpoint,
			AccessKey: c.S3AccessKey,
			SecretKey: c.S3SecretKey,
		})
		if err != nil {
			repos.Close()
			return nil, fmt.Errorf("s3 client: %w", err)
		}
		a.factory.S3, a.factory.S3Bucket = api, c.S3Bucket
	}

	if c.OnlineProbeURL != "" {
		a.monitor = netx.NewMonitor(netx.HTTPProbe(env.http, c.OnlineProbeURL), c.OnlineCheckInterval, log)
	}
	if c.RegistryURL != "" {
		a.registry = client.NewRegistry(env.http, c.RegistryURL, c.RegistryAPIKey)
	}
	if c.RelayURL != "" {
		a.relay = client.NewRelay(env.http, c.RelayURL, c.RegistryAPIKey, log)
	}

	a.bus.Subscribe(a.onEvent)
	repos.Snapshots.OnChange(a.onLocalChange)

	return a, nil
}

// Run resumes the last active family and runs the REPL until the user exits
// or ctx is done.
func (a *App) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	defer a.Close(context.Background())

	if a.monitor != nil {
		go a.monitor.Run(ctx)
	}

	fmt.Fprintln(a.out, "podsync CLI (type 'help' for commands)")

	if fam, err := a.repos.Metadata.Get(ctx, activeFamilyKey); err == nil && len(fam) > 0 {
		if err := a.Family(ctx, []string{string(fam)}); err != nil {
			fmt.Fprintln(a.out, "error:", err)
		}
	}

	runREPL(ctx, a, a.getStatus, a.in, a.out)
	return nil
}

// Close flushes a pending save, ends the session and closes the database.
// Secrets of untrusted families are wiped.
func (a *App) Close(ctx context.Context) {
	a.closeSession(ctx)
	if err := a.keys.SignOut(ctx); err != nil {
		a.log.Warn(ctx, "sign out failed", "err", err)
	}
	if err := a.repos.Close(); err != nil {
		a.log.Warn(ctx, "database close failed", "err", err)
	}
	if a.logFile != nil {
		a.logFile.Close()
	}
}

func (a *App) current() *services.Session {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.session
}

func (a *App) closeSession(ctx context.Context) {
	// deliver change notifications still queued so their saves are flushed
	if err := a.repos.Snapshots.Settle(ctx); err != nil {
		a.log.Warn(ctx, "change notifications not settled", "err", err)
	}

	a.mu.Lock()
	s, stop, release := a.session, a.stopWatchers, a.releaseRestored
	a.session, a.stopWatchers, a.releaseRestored = nil, nil, nil
	a.mu.Unlock()

	if stop != nil {
		stop()
	}
	if release != nil {
		release()
	}
	if s == nil {
		return
	}
	if s.HasPendingSave() {
		if err := s.SaveNow(ctx); err != nil {
			a.log.Warn(ctx, "final save failed", "err", err)
		}
	}
	s.Close()
}

// newSession builds the session of one family. The returned func releases
// its network-restore subscription.
func (a *App) newSession(familyID, familyName string) (*services.Session, func()) {
	deps := services.SessionDeps{
		FamilyID:           familyID,
		FamilyName:         familyName,
		Store:              a.repos.Snapshots,
		Configs:            a.configs,
		Factory:            a.factory,
		Keys:               a.keys,
		Metadata:           a.repos.Metadata,
		Bus:                a.bus,
		Log:                a.log,
		DebounceInterval:   a.config.DebounceInterval,
		PollInterval:       a.config.PollInterval,
		TombstoneRetention: a.config.TombstoneRetention,
	}
	// typed nils must not reach the interface fields
	if a.registry != nil {
		deps.Registry = a.registry
	}
	if a.relay != nil {
		deps.Notifier = a.relay
	}
	release := func() {}
	if a.monitor != nil {
		deps.Restored, release = a.monitor.Restored()
	}
	return services.NewSession(deps), release
}

// startWatchers begins polling and subscribes to the change sources of the
// connected provider. Any previous watchers are stopped.
func (a *App) startWatchers(ctx context.Context, s *services.Session) {
	wctx, stop := context.WithCancel(ctx)

	a.mu.Lock()
	if a.stopWatchers != nil {
		a.stopWatchers()
	}
	a.stopWatchers = stop
	a.mu.Unlock()

	s.StartPolling()

	if lp, ok := s.Provider().(*storage.LocalProvider); ok {
		if ch, err := lp.Watch(wctx); err != nil {
			a.log.Warn(ctx, "file watcher unavailable, relying on polling", "err", err)
		} else {
			s.ListenForChanges(ch)
		}
	}

	if a.relay != nil {
		go func() {
			ch, err := a.relay.Subscribe(wctx, s.FamilyID())
			if err != nil {
				a.log.Warn(wctx, "relay unavailable, relying on polling", "err", err)
				return
			}
			s.ListenForChanges(ch)
		}()
	}
}

func (a *App) onLocalChange() {
	if s := a.current(); s != nil {
		s.TriggerDebouncedSave()
	}
}

func (a *App) onEvent(e events.Event) {
	switch e.Kind {
	case events.SaveCompleted:
		fmt.Fprintln(a.out, "· saved")
	case events.SaveFailed:
		fmt.Fprintln(a.out, "· save failed:", e.Err)
	case events.Queued:
		fmt.Fprintln(a.out, "· offline, save queued")
	case events.RemoteChanged:
		fmt.Fprintln(a.out, "· remote file changed, reloading")
	}
}

func (a *App) promptAuthCode(ctx context.Context, authURL string) (string, error) {
	fmt.Fprintf(a.out, "Open this URL in a browser and grant access:\n%s\n", authURL)
	return GetSimpleText(a.in, "Paste the authorization code", a.out)
}

func (a *App) getStatus() string {
	s := a.current()
	if s == nil {
		return "(no family)"
	}
	status := s.FamilyID()
	if name := s.FamilyName(); name != "" {
		status = name
	}
	status += " " + string(s.State())
	if a.monitor != nil && !a.monitor.Online() {
		status += " offline"
	}
	return "(" + status + ")"
}

// lockedWriter serializes REPL output with event notices printed from
// background goroutines.
type lockedWriter struct {
	mu sync.Mutex
	w  io.Writer
}

func (l *lockedWriter) Write(p []byte) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.w.Write(p)
}
