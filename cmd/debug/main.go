package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"

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
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{})))

	dbVar := flag.String("db", "diagrams.sqlite3", "the sqlite database to read")
	listVar := flag.Bool("list", false, "list the stored diagrams instead of printing one")
	flag.Parse()

	st, err := store.Open(*dbVar, slog.Default())
	if err != nil {
		return err
	}
	defer st.Close()
	ctx := context.Background()

	if *listVar {
		all, err := st.LoadAll(ctx)
		if err != nil {
			return err
		}
		for id, g := range all {
			slog.Info("diagram", "id", id, "nodes", len(g.Nodes), "edges", len(g.Edges))
		}
		return nil
	}

	if flag.NArg() != 1 {
		return fmt.Errorf("expected one position argument: the diagram to print")
	}
	g, err := st.Load(ctx, flag.Arg(0))
	if err != nil {
		return fmt.Errorf("failed to load diagram: %w", err)
	}
	slog.Info("loaded diagram", "nodes", g.NodeIDs(), "edges", g.EdgeIDs())
	return viz.WriteDot(os.Stdout, flag.Arg(0), g)
}
