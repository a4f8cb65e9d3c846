package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"path/filepath"

	"go.uber.org/zap"

	"github.com/matheus3301/collab/internal/daemon"
	"github.com/matheus3301/collab/internal/lock"
	"github.com/matheus3301/collab/internal/logging"
	"github.com/matheus3301/collab/internal/render"
	"github.com/matheus3301/collab/internal/room"
	"github.com/matheus3301/collab/internal/session"
	"github.com/matheus3301/collab/internal/tui"
	"github.com/matheus3301/collab/internal/tui/model"
)

func main() {
	roomFlag := flag.String("room", "", "room name (overrides config default)")
	addressFlag := flag.String("address", "", "relay address (overrides room.toml)")
	flag.Parse()

	roomName := room.Resolve(*roomFlag)
	if err := room.ValidateName(roomName); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}

	if err := run(roomName, *addressFlag); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run(roomName, address string) error {
	if err := room.EnsureDir(roomName); err != nil {
		return err
	}
	// The terminal belongs to tview, so logs only go to the file.
	logger, err := logging.NewFileOnly(filepath.Join(room.LogDir(roomName), "collabtui.log"), roomName)
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	cfg, err := room.Settings(roomName)
	if err != nil {
		return fmt.Errorf("room settings: %w", err)
	}
	if address != "" {
		cfg.Link.Address = address
	}

	lk, err := lock.Acquire(room.Dir(roomName))
	if err != nil {
		var held *lock.LockHeldError
		if errors.As(err, &held) {
			return fmt.Errorf("room %q is open in another process (PID %d); stop collabd or the other editor first", roomName, held.PID)
		}
		return err
	}
	defer func() {
		if err := lk.Release(); err != nil {
			logger.Warn("error releasing lock", zap.Error(err))
		}
	}()

	st, err := daemon.OpenStorage(roomName, cfg, logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := st.Close(); err != nil {
			logger.Warn("error closing store", zap.Error(err))
		}
	}()

	vm := model.NewViewModel(roomName)
	clientID, userID := daemon.Identity(cfg, logger)
	sess, err := session.New(context.Background(), session.Options{
		RoomID:      roomName,
		ClientID:    clientID,
		UserID:      userID,
		DisplayName: cfg.Presence.DisplayName,
		Settings:    cfg,
		Credentials: daemon.Credentials(cfg),
		Storage:     st.Queue,
		Checkpoints: st.Checkpoints,
		Sink:        render.Multi{vm, render.LogSink{Logger: logger.Named("room")}},
		Logger:      logger,
	})
	if err != nil {
		return err
	}
	if err := sess.Start(); err != nil {
		return err
	}
	defer sess.Stop()

	return tui.NewApp(sess, vm).Run()
}
