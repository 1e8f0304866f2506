package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/urfave/cli/v2"

	"github.com/astromechza/diagram-sync/pkg/change"
	"github.com/astromechza/diagram-sync/pkg/collab"
	"github.com/astromechza/diagram-sync/pkg/config"
	"github.com/astromechza/diagram-sync/pkg/conn"
	"github.com/astromechza/diagram-sync/pkg/diagram"
	"github.com/astromechza/diagram-sync/pkg/history"
	"github.com/astromechza/diagram-sync/pkg/store"
	"github.com/astromechza/diagram-sync/pkg/viz"
)

func main() {
	if err := mainInner(); err != nil {
		slog.Error(err.Error())
		os.Exit(1)
	}
}

func mainInner() error {
	app := &cli.App{
		Name:  "client",
		Usage: "join a diagram session and make random edits",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "config", Usage: "path to a yaml config file"},
			&cli.StringFlag{Name: "diagram", Usage: "the diagram to join, overrides the config"},
			&cli.StringFlag{Name: "credential", Usage: "the session credential, overrides the config", EnvVars: []string{"DIAGRAM_CREDENTIAL"}},
			&cli.StringFlag{Name: "endpoint", Usage: "endpoint template containing " + config.DiagramPlaceholder + ", overrides the config"},
			&cli.DurationFlag{Name: "edit-interval", Value: 3 * time.Second, Usage: "mean time between random edits, 0 to only observe"},
			&cli.BoolFlag{Name: "render", Value: true, Usage: "render the diagram to svg on exit"},
		},
		Action: run,
	}
	return app.Run(os.Args)
}

func run(cCtx *cli.Context) error {
	cfg, err := config.Load(cCtx.String("config"))
	if err != nil {
		return err
	}
	if v := cCtx.String("diagram"); v != "" {
		cfg.Client.Diagram = v
	}
	if v := cCtx.String("credential"); v != "" {
		cfg.Client.Credential = v
	}
	if v := cCtx.String("endpoint"); v != "" {
		cfg.Client.EndpointTemplate = v
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(cCtx.Context)
	defer cancel()
	wg := new(sync.WaitGroup)

	var initial *diagram.Graph
	var backup *store.WriteBehind
	if cfg.Client.StorePath != "" {
		st, err := store.Open(cfg.Client.StorePath, slog.Default())
		if err != nil {
			return err
		}
		defer st.Close()
		if g, err := st.Load(ctx, cfg.Client.Diagram); err == nil {
			initial = g
			slog.Info("loaded local copy", "nodes", len(g.Nodes), "edges", len(g.Edges))
		} else if !errors.Is(err, store.ErrNotFound) {
			return err
		}
		backup = store.NewWriteBehind(st, 5*time.Second)
		wg.Add(1)
		go func() {
			defer wg.Done()
			backup.Run(ctx)
		}()
	}

	manager := conn.NewManager(ctx, cfg.Client.ConnSettings(cfg.Client.Diagram), slog.Default())
	defer manager.Close()
	coordinator := collab.New(ctx, manager, history.NewManager(cfg.Client.HistoryLimit), collab.Options{
		UserID:          cfg.Client.UserID,
		Initial:         initial,
		ResyncInterval:  cfg.Client.ResyncInterval,
		ConflictTimeout: cfg.Client.ConflictTimeout,
	})
	defer coordinator.Close()

	dispose := coordinator.Subscribe(func(e collab.Event) {
		switch e.Type {
		case collab.GraphChanged:
			if backup != nil {
				backup.Mark(cfg.Client.Diagram, e.Graph)
			}
			slog.Debug("graph changed", "nodes", len(e.Graph.Nodes), "edges", len(e.Graph.Edges))
		case collab.ConflictDetected:
			slog.Warn("conflict detected", "conflict", e.Conflict.ID, "kind", e.Conflict.Kind, "target", e.Conflict.TargetID)
		case collab.ConflictResolved:
			slog.Info("conflict resolved", "conflict", e.Conflict.ID, "strategy", e.Strategy)
		case collab.StateChanged:
			slog.Info("connection", "state", e.State.String())
		case collab.PeerJoined, collab.PeerLeft:
			slog.Info(string(e.Type), "peer", e.Peer.ID, "name", e.Peer.Name)
		case collab.PeerEditing:
			slog.Info("peer editing", "peer", e.Peer.Name, "target", e.TargetID, "editing", e.Editing)
		case collab.Error:
			if errors.Is(e.Err, conn.ErrConnectionExhausted) {
				slog.Error("gave up reconnecting, restart to try again", "err", e.Err)
			} else {
				slog.Warn("session error", "err", e.Err)
			}
		}
	})
	defer dispose()

	if err := manager.Connect(ctx); err != nil {
		slog.Warn("initial connection failed, retrying in the background", "err", err)
	}

	if interval := cCtx.Duration("edit-interval"); interval > 0 {
		e := &editor{coordinator: coordinator, builder: change.NewBuilder()}
		wg.Add(1)
		go func() {
			defer wg.Done()
			e.editRandomlyContinuously(ctx, interval)
		}()
	}

	exit := make(chan os.Signal, 1) // we need to reserve to buffer size 1, so the notifier are not blocked
	signal.Notify(exit, syscall.SIGINT, syscall.SIGTERM)
	sig := <-exit
	slog.Info("Signal caught", "sig", sig)
	final := coordinator.Graph()
	cancel()

	wg.Wait()

	if cCtx.Bool("render") && final != nil {
		if svgPath, err := viz.RenderToTemp(final); err != nil {
			slog.Error("failed to render", "err", err)
		} else {
			slog.Info("rendered", "path", "file://"+svgPath)
		}
	}
	return nil
}

type editor struct {
	coordinator *collab.Coordinator
	builder     *change.Builder
}

func (e *editor) editRandomlyContinuously(ctx context.Context, interval time.Duration) {
	for {
		t := time.NewTimer(interval/2 + time.Duration(rand.Int63n(int64(interval))))
		select {
		case <-t.C:
			if err := e.editOnce(ctx); err != nil && !errors.Is(err, conn.ErrNotConnected) {
				slog.Error("failed to edit", "err", err)
			}
		case <-ctx.Done():
			t.Stop()
			slog.Info("stopping scheduled edits")
			return
		}
	}
}

func (e *editor) editOnce(ctx context.Context) error {
	g := e.coordinator.Graph()
	if g == nil {
		return collab.ErrClosed
	}
	nodes := g.NodeIDs()
	pick := func() string { return nodes[rand.Intn(len(nodes))] }

	var c change.Change
	switch roll := rand.Intn(10); {
	case len(nodes) < 2 || roll < 3:
		id := change.NewElementID("node")
		c = e.builder.CreateNode(id, "class", diagram.Attributes{"name": fmt.Sprintf("Class%d", rand.Intn(1000))})
	case roll < 6:
		target := pick()
		if err := e.coordinator.NotifyEditing(ctx, target, true); err != nil {
			return err
		}
		defer func() { _ = e.coordinator.NotifyEditing(ctx, target, false) }()
		c = e.builder.UpdateNode(target, change.Payload{"x": rand.Intn(800), "y": rand.Intn(600)})
	case roll < 8:
		c = e.builder.CreateEdge(change.NewElementID("edge"), pick(), pick(), "association", nil)
	case roll < 9:
		c = e.builder.DeleteNode(pick())
	default:
		moved, err := e.coordinator.Undo(ctx)
		slog.Info("undo", "moved", moved)
		return err
	}
	if err := e.coordinator.SubmitLocalChange(ctx, c); err != nil {
		return err
	}
	slog.Info("edited", "kind", c.Kind, "target", c.TargetID)
	return nil
}
