package cli

import (
	"bufio"
	"context"
	"os"
	"path/filepath"

	"github.com/dmitrijs2005/chatsync/internal/client/config"
	"github.com/dmitrijs2005/chatsync/internal/client/keystore"
	"github.com/dmitrijs2005/chatsync/internal/client/remote"
	"github.com/dmitrijs2005/chatsync/internal/client/services"
	"github.com/dmitrijs2005/chatsync/internal/client/storage"
	"github.com/dmitrijs2005/chatsync/internal/filex"
	"github.com/dmitrijs2005/chatsync/internal/logging"
)

// App is the interactive chatsync client.
type App struct {
	config *config.Config
	repos  *storage.Repositories
	keys   *keystore.Service
	remote *remote.HTTPClient
	sync   *services.CloudSyncService
	log    logging.Logger
	reader *bufio.Reader
}

// nullStreamTracker is used by the CLI, which never streams model output.
type nullStreamTracker struct{}

func (nullStreamTracker) IsStreaming(string) bool    { return false }
func (nullStreamTracker) OnStreamEnd(string, func()) {}

// logNotifier forwards sync events to the logger; the CLI has no richer UI
// surface to push them to.
type logNotifier struct {
	log logging.Logger
}

func (n *logNotifier) Emit(event services.SyncEvent) {
	n.log.Info(context.Background(), "sync event", "reason", event.Reason, "ids", event.IDs)
}

func NewApp(c *config.Config) (*App, error) {
	ctx := context.Background()
	log := logging.NewDefault()

	dbPath := c.DatabasePath
	if !filepath.IsAbs(dbPath) {
		dir, err := filex.EnsureDataDir("chatsync")
		if err != nil {
			return nil, err
		}
		dbPath = filepath.Join(dir, dbPath)
	}

	repos, err := storage.InitDatabase(ctx, dbPath)
	if err != nil {
		log.Error(ctx, "error initializing database", "error", err)
		return nil, err
	}

	keys := keystore.New(repos.Metadata, log)
	client := remote.NewHTTPClient(c.ServerURL, c.RequestTimeout)

	backoff := services.BackoffConfig{
		BaseDelay:  c.UploadBaseDelay,
		MaxDelay:   c.UploadMaxDelay,
		MaxRetries: c.UploadMaxRetries,
	}
	syncSvc := services.NewCloudSyncService(repos.Chats, repos.Metadata, client, keys,
		nullStreamTracker{}, &logNotifier{log: log}, backoff, nil, log)

	return &App{
		config: c,
		repos:  repos,
		keys:   keys,
		remote: client,
		sync:   syncSvc,
		log:    log,
		reader: bufio.NewReader(os.Stdin),
	}, nil
}

// Run starts the REPL and blocks until the user exits.
func (a *App) Run(ctx context.Context) {
	defer a.repos.DB.Close()
	runREPL(ctx, a, a.getStatus, bufio.NewScanner(os.Stdin))
}

func (a *App) isLoggedIn() bool {
	return a.remote.IsAuthenticated()
}

func (a *App) getStatus() string {
	s := "signed out"
	if a.isLoggedIn() {
		s = "online"
	}
	if !a.keys.HasPrimaryKey(context.Background()) {
		s += ", no key"
	}
	return "(" + s + ")"
}
