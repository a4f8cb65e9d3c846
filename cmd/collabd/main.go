package main

import (
	"flag"
	"fmt"
	"os"

	"go.uber.org/fx"

	"github.com/matheus3301/collab/internal/daemon"
	"github.com/matheus3301/collab/internal/room"
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

	app := fx.New(
		daemon.Module(daemon.Params{RoomName: roomName, Address: *addressFlag}),
	)

	app.Run()
}
