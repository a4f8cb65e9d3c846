package room

import "github.com/matheus3301/collab/internal/config"

const DefaultRoomName = "main"

// Resolve determines the active room name using precedence:
// 1. flagOverride (--room flag)
// 2. config.toml default_room
// 3. "main"
func Resolve(flagOverride string) string {
	if flagOverride != "" {
		return flagOverride
	}
	cfg, err := config.Load(ConfigPath())
	if err == nil && cfg.DefaultRoom != "" {
		return cfg.DefaultRoom
	}
	return DefaultRoomName
}

// Settings loads the room's room.toml over the built-in defaults and
// validates the result.
func Settings(name string) (config.Room, error) {
	cfg, err := config.LoadRoom(RoomConfigPath(name))
	if err != nil {
		return config.Room{}, err
	}
	if err := cfg.Validate(); err != nil {
		return config.Room{}, err
	}
	return cfg, nil
}
