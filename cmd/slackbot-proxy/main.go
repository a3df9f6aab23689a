package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/alecthomas/kingpin/v2"

	server "github.com/growilabs/slackbot-proxy/internal"
	"github.com/growilabs/slackbot-proxy/internal/config"
	"github.com/growilabs/slackbot-proxy/internal/eventbus"
	"github.com/growilabs/slackbot-proxy/internal/growi"
	"github.com/growilabs/slackbot-proxy/internal/relation"
	"github.com/growilabs/slackbot-proxy/internal/slack"
	"github.com/growilabs/slackbot-proxy/pkg/clog"
	"github.com/growilabs/slackbot-proxy/pkg/detached"
)

var (
	app = kingpin.New("slackbot-proxy", "Slack proxy authorizing GROWI slash commands and interactions")

	serveCmd = app.Command("serve", "Run the HTTP server").Default()

	relationCmd = app.Command("relation", "Relation management commands")

	relationListCmd          = relationCmd.Command("list", "List relations")
	relationListInstallation = relationListCmd.Flag("installation", "Only relations of this Slack installation (team id)").String()

	relationSyncCmd = relationCmd.Command("sync", "Fetch a relation's supported commands from GROWI now")
	relationSyncID  = relationSyncCmd.Arg("id", "Relation ID").Required().String()
)

func main() {
	command := kingpin.MustParse(app.Parse(os.Args[1:]))

	env, err := config.LoadEnv()
	if err != nil {
		slog.Error("failed to load env", "error", err)
		os.Exit(1)
	}
	setupLogger(env)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer cancel()

	switch command {
	case serveCmd.FullCommand():
		err = serve(ctx, env)
	case relationListCmd.FullCommand():
		err = listRelations(ctx, env, *relationListInstallation)
	case relationSyncCmd.FullCommand():
		err = syncRelation(ctx, env, *relationSyncID)
	}
	if err != nil {
		slog.Error("command failed", "command", command, "error", err)
		os.Exit(1)
	}
}

func setupLogger(env *config.Env) {
	level := env.SlogLevel()
	var handler slog.Handler
	if env.Env == "local" {
		handler = clog.NewTextHandler(os.Stderr, clog.WithLevel(level))
	} else {
		handler = slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level})
	}
	slog.SetDefault(slog.New(clog.NewAttributesHandler(handler)))
}

// components is the relation subsystem wired for one process.
type components struct {
	repo         relation.Repository
	runner       *detached.Runner
	bus          *eventbus.Bus
	synchronizer *relation.Synchronizer
	evaluator    *relation.Evaluator
	authorizer   *relation.Authorizer
	closeRepo    func()
}

func newComponents(ctx context.Context, env *config.Env) (*components, error) {
	repo, closeRepo, err := newRepository(ctx, env)
	if err != nil {
		return nil, err
	}

	runner := detached.NewRunner(detached.WithTaskTimeout(env.RefreshTaskTimeout))
	bus := eventbus.New()
	client := growi.NewClient(growi.WithRequestTimeout(env.GrowiRequestTimeout))
	synchronizer := relation.NewSynchronizer(repo, client, runner,
		relation.WithCommandsValidity(env.CommandsValidity),
		relation.WithRefreshWindow(env.CommandsRefreshWindow),
		relation.WithRefreshTimeout(env.RefreshTaskTimeout),
		relation.WithSyncNotifier(relation.NewEventNotifier(bus)),
	)
	evaluator := relation.NewEvaluator(synchronizer)

	return &components{
		repo:         repo,
		runner:       runner,
		bus:          bus,
		synchronizer: synchronizer,
		evaluator:    evaluator,
		authorizer:   relation.NewAuthorizer(evaluator),
		closeRepo:    closeRepo,
	}, nil
}

// Close stops background refreshes before releasing the store they write to.
func (c *components) Close() {
	c.runner.Close()
	c.bus.Close()
	c.closeRepo()
}

func serve(ctx context.Context, env *config.Env) error {
	c, err := newComponents(ctx, env)
	if err != nil {
		return err
	}
	defer c.Close()

	go logSyncEvents(ctx, c.bus)

	relationServer := relation.NewServer(c.repo, c.synchronizer)
	slackHandler := slack.NewHandler(c.repo, c.evaluator, c.authorizer,
		slack.NewVerifier(env.SigningSecret),
		slack.WithBroadcastCommands(env.BroadcastCommands...),
	)
	srv := server.NewServer(env, relationServer, slackHandler)

	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server error: %w", err)
		}
	case <-ctx.Done():
	}
	slog.Info("shutting down server")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "error", err)
	}
	return nil
}

// logSyncEvents logs every relation sync event until the bus is closed or
// ctx is done.
func logSyncEvents(ctx context.Context, bus *eventbus.Bus) {
	id, ch := bus.Subscribe(64)
	defer bus.Unsubscribe(id)
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-ch:
			if !ok {
				return
			}
			level := slog.LevelInfo
			if ev.Type == eventbus.RelationSyncFailed {
				level = slog.LevelWarn
			}
			args := []any{"event_id", ev.ID, "relation_id", ev.ResourceID}
			for k, v := range ev.Metadata {
				args = append(args, k, v)
			}
			slog.Log(ctx, level, string(ev.Type), args...)
		}
	}
}

func listRelations(ctx context.Context, env *config.Env, installationID string) error {
	repo, closeRepo, err := newRepository(ctx, env)
	if err != nil {
		return err
	}
	defer closeRepo()

	var rels []*relation.Relation
	if installationID != "" {
		rels, err = repo.ListByInstallation(ctx, installationID)
	} else {
		rels, err = repo.List(ctx)
	}
	if err != nil {
		return err
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tINSTALLATION\tGROWI URI\tCOMMANDS\tEXPIRED AT")
	for _, r := range rels {
		fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%s\n", r.ID, r.InstallationID, r.GrowiURI, len(r.CommandNames()), expiry(r.ExpiredAtCommands))
	}
	return w.Flush()
}

func syncRelation(ctx context.Context, env *config.Env, id string) error {
	c, err := newComponents(ctx, env)
	if err != nil {
		return err
	}
	defer c.Close()

	rel, err := c.repo.Get(ctx, id)
	if err != nil {
		return err
	}
	refreshed, err := c.synchronizer.Refresh(ctx, rel, time.Now())
	if err != nil {
		return err
	}
	for _, scope := range []relation.Scope{relation.ScopeSingleUse, relation.ScopeBroadcastUse} {
		perms := refreshed.Permissions(scope)
		for _, name := range perms.CommandNames() {
			fmt.Printf("%s\t%s\t%s\n", scope, name, perms[name])
		}
	}
	fmt.Printf("expires at %s\n", expiry(refreshed.ExpiredAtCommands))
	return nil
}

func expiry(t time.Time) string {
	if t.IsZero() {
		return "never synced"
	}
	return t.Local().Format(time.RFC3339)
}
