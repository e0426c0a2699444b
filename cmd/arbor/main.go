// Command arbor runs a small end-to-end tour of the repository: it builds
// a tree, versions a node, labels a version and restores it, then
// optionally exports a snapshot.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/arbor-db/arbor"
	"github.com/arbor-db/arbor/internal/config"
	"github.com/arbor-db/arbor/pkg/logging"
	"github.com/arbor-db/arbor/pkg/observer"
	"github.com/arbor-db/arbor/pkg/types"
	"github.com/arbor-db/arbor/pkg/version"
)

func main() {
	configPath := flag.String("config", "config.yaml", "path to the YAML configuration file")
	dataPath := flag.String("data", "", "data directory (overrides the config file)")
	exportPath := flag.String("export", "", "write a snapshot to this file before exiting")
	debug := flag.Bool("debug", false, "enable debug logging")
	flag.Parse()

	conf, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	if *dataPath != "" {
		conf.DataPath = *dataPath
	}

	level := logging.ParseLevel(conf.LogLevel)
	if *debug {
		level = slog.LevelDebug
	}
	logger := logging.New(os.Stderr, level)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, conf, *exportPath, logger); err != nil {
		logger.Error("arbor demo failed", "err", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, conf config.File, exportPath string, logger *slog.Logger) error {
	repo, err := arbor.New(arbor.Config{
		Paths:         []string{conf.DataPath},
		MinimumFreeGB: conf.MinimumFreeGB,
		GCInterval:    time.Duration(conf.GCIntervalSeconds) * time.Second,
		Logger:        logger,
	})
	if err != nil {
		return err
	}
	if err := repo.Start(ctx); err != nil {
		return err
	}
	defer repo.Close(context.Background())

	cancel, err := repo.Subscribe(func(ev observer.Event) {
		logger.Debug("repository event", "type", ev.Type.String(), "key", ev.Key)
	})
	if err != nil {
		return err
	}
	defer cancel()

	s, err := repo.OpenSession()
	if err != nil {
		return err
	}
	defer s.Close()

	note, err := s.AddNode(repo.RootID(), "notes", types.NodeDefinition{
		Type:        "arbor:note",
		Versionable: true,
	})
	if err != nil {
		return err
	}
	if _, err := s.SetProperty(note.ID, "title", []types.Value{types.StringValue("first draft")}); err != nil {
		return err
	}
	if err := s.Save(); err != nil {
		return err
	}

	v1, err := s.Checkin(note.ID)
	if err != nil {
		return err
	}
	logger.Info("checked in", "version", v1.Name())

	if _, err := s.Checkout(note.ID); err != nil {
		return err
	}
	if _, err := s.SetProperty(note.ID, "title", []types.Value{types.StringValue("second draft")}); err != nil {
		return err
	}
	if err := s.Save(); err != nil {
		return err
	}
	v2, err := s.Checkin(note.ID)
	if err != nil {
		return err
	}
	logger.Info("checked in", "version", v2.Name())

	if _, err := s.SetLabel(note.ID, v1.Name(), "stable", false); err != nil {
		return err
	}

	restored, err := s.Restore(note.ID, version.LabelSelector{Label: "stable"})
	if err != nil {
		return err
	}
	title, err := s.Property(note.ID, "title")
	if err != nil {
		return err
	}
	logger.Info("restored labeled version",
		"version", restored.Name(),
		"title", title.Values()[0].Str)

	if exportPath != "" {
		if err := exportSnapshot(ctx, repo, exportPath, logger); err != nil {
			return err
		}
	}
	return nil
}

func exportSnapshot(ctx context.Context, repo *arbor.Repository, path string, logger *slog.Logger) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()
	if err := repo.Export(ctx, f); err != nil {
		return err
	}
	logger.Info("snapshot written", "path", path)
	return nil
}
