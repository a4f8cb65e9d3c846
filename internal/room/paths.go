package room

import (
	"os"
	"path/filepath"
)

// BaseDir returns ~/.collab.
func BaseDir() string {
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".collab")
}

// Dir returns the room-specific state directory.
func Dir(name string) string {
	return filepath.Join(BaseDir(), "rooms", name)
}

// SocketPath returns the UDS socket path of the room daemon's control server.
func SocketPath(name string) string {
	return filepath.Join(Dir(name), "collabd.sock")
}

// LockPath returns the lock file path for a room.
func LockPath(name string) string {
	return filepath.Join(Dir(name), "LOCK")
}

// DBPath returns the sqlite database holding the offline queue and checkpoints.
func DBPath(name string) string {
	return filepath.Join(Dir(name), "collab.db")
}

// BoltPath returns the bbolt file used when the queue backend is "bolt".
func BoltPath(name string) string {
	return filepath.Join(Dir(name), "queue.bolt")
}

// LogDir returns the log directory for a room.
func LogDir(name string) string {
	return filepath.Join(Dir(name), "logs")
}

// LogPath returns the daemon log file path.
func LogPath(name string) string {
	return filepath.Join(LogDir(name), "collabd.log")
}

// ConfigPath returns the global config file path.
func ConfigPath() string {
	return filepath.Join(BaseDir(), "config.toml")
}

// RoomConfigPath returns the per-room settings file.
func RoomConfigPath(name string) string {
	return filepath.Join(Dir(name), "room.toml")
}

// EnsureDir creates the room directory tree with proper permissions.
func EnsureDir(name string) error {
	dirs := []string{
		Dir(name),
		LogDir(name),
	}
	for _, d := range dirs {
		if err := os.MkdirAll(d, 0700); err != nil {
			return err
		}
	}
	return nil
}
