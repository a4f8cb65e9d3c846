package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/matheus3301/collab/internal/daemon"
	"github.com/matheus3301/collab/internal/room"
)

var (
	flagRoom string
	flagJSON bool
)

func main() {
	flag.StringVar(&flagRoom, "room", "", "room name (overrides config default)")
	flag.BoolVar(&flagJSON, "json", false, "output JSON")
	flag.Parse()

	args := flag.Args()
	if len(args) < 1 {
		printUsage()
		os.Exit(1)
	}

	var err error
	switch args[0] {
	case "status":
		err = cmdStatus()
	case "watch":
		err = cmdWatch()
	case "rooms":
		err = cmdRooms()
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n", args[0])
		printUsage()
		os.Exit(1)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Fprintln(os.Stderr, `Usage: collabctl [--room NAME] [--json] <command>

Commands:
  status    Show daemon and relay link health
  watch     Stream link health changes until interrupted
  rooms     List local rooms and whether a daemon is serving them`)
}

func dial(roomName string) (*grpc.ClientConn, healthpb.HealthClient, error) {
	sock := room.SocketPath(roomName)
	conn, err := grpc.NewClient("unix://"+sock,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	if err != nil {
		return nil, nil, fmt.Errorf("connect to daemon: %w", err)
	}
	return conn, healthpb.NewHealthClient(conn), nil
}

func resolved() (string, error) {
	name := room.Resolve(flagRoom)
	if err := room.ValidateName(name); err != nil {
		return "", err
	}
	return name, nil
}

type statusOutput struct {
	Room   string `json:"room"`
	Daemon string `json:"daemon"`
	Link   string `json:"link"`
}

func check(ctx context.Context, client healthpb.HealthClient, service string) string {
	resp, err := client.Check(ctx, &healthpb.HealthCheckRequest{Service: service})
	if err != nil {
		return "UNREACHABLE"
	}
	return resp.GetStatus().String()
}

func cmdStatus() error {
	name, err := resolved()
	if err != nil {
		return err
	}
	conn, client, err := dial(name)
	if err != nil {
		return err
	}
	defer conn.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	out := statusOutput{
		Room:   name,
		Daemon: check(ctx, client, ""),
		Link:   check(ctx, client, daemon.LinkService),
	}
	if flagJSON {
		return outputJSON(out)
	}
	fmt.Printf("Room:   %s\n", out.Room)
	fmt.Printf("Daemon: %s\n", out.Daemon)
	fmt.Printf("Link:   %s\n", out.Link)
	return nil
}

func cmdWatch() error {
	name, err := resolved()
	if err != nil {
		return err
	}
	conn, client, err := dial(name)
	if err != nil {
		return err
	}
	defer conn.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	stream, err := client.Watch(ctx, &healthpb.HealthCheckRequest{Service: daemon.LinkService})
	if err != nil {
		return fmt.Errorf("watch: %w", err)
	}
	for {
		resp, err := stream.Recv()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("watch: %w", err)
		}
		if flagJSON {
			if err := outputJSON(map[string]string{
				"room": name,
				"link": resp.GetStatus().String(),
				"at":   time.Now().UTC().Format(time.RFC3339),
			}); err != nil {
				return err
			}
			continue
		}
		fmt.Printf("%s  %s\n", time.Now().Format("15:04:05"), resp.GetStatus())
	}
}

type roomOutput struct {
	Name    string `json:"name"`
	Running bool   `json:"running"`
}

func cmdRooms() error {
	entries, err := os.ReadDir(filepath.Join(room.BaseDir(), "rooms"))
	if err != nil {
		if os.IsNotExist(err) {
			entries = nil
		} else {
			return err
		}
	}

	var rooms []roomOutput
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		rooms = append(rooms, roomOutput{Name: e.Name(), Running: probe(e.Name())})
	}

	if flagJSON {
		return outputJSON(rooms)
	}
	if len(rooms) == 0 {
		fmt.Println("no rooms")
		return nil
	}
	for _, r := range rooms {
		state := "stopped"
		if r.Running {
			state = "running"
		}
		fmt.Printf("%-24s %s\n", r.Name, state)
	}
	return nil
}

func probe(name string) bool {
	if _, err := os.Stat(room.SocketPath(name)); err != nil {
		return false
	}
	conn, client, err := dial(name)
	if err != nil {
		return false
	}
	defer conn.Close()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	return check(ctx, client, "") == healthpb.HealthCheckResponse_SERVING.String()
}

func outputJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
