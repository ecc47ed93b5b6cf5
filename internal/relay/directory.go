package relay

import (
	"context"
	"errors"
	"time"

	"github.com/matst80/tunnelnet/internal/obs"
)

var (
	ErrNameTaken   = errors.New("name already registered")
	ErrNotFound    = errors.New("service not found")
	ErrInvalidName = errors.New("invalid service name")
)

// Entry is one service known to the lobby.
type Entry struct {
	Name      string    `json:"name"`
	Address   string    `json:"address"`
	Instance  string    `json:"instance,omitempty"`
	Static    bool      `json:"static,omitempty"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Directory maps service names to addresses. Static entries come from relay
// configuration; dynamic entries are owned by the lobby connection that
// registered them and are removed when it goes away.
type Directory interface {
	Register(ctx context.Context, e Entry) error
	Lookup(ctx context.Context, name string) (Entry, error)
	Remove(ctx context.Context, name, instance string) error
	List(ctx context.Context) ([]Entry, error)
	Close() error
}

// DirectoryOptions selects the directory backend.
type DirectoryOptions struct {
	RedisAddr     string
	RedisPassword string
	RedisDB       int
	Instance      string
}

// NewDirectory creates either an in-memory or Redis-backed directory.
func NewDirectory(opts DirectoryOptions) (Directory, error) {
	if opts.RedisAddr == "" {
		obs.Info("directory.backend", obs.Fields{"type": "in-memory"})
		return newMemoryDirectory(), nil
	}
	obs.Info("directory.backend", obs.Fields{"type": "redis", "addr": opts.RedisAddr})
	return newRedisDirectory(opts)
}

func validName(name string) bool {
	if name == "" || len(name) > 128 {
		return false
	}
	for _, r := range name {
		if r <= ' ' || r == ':' || r == 0x7f {
			return false
		}
	}
	return true
}

// canReplace reports whether next may overwrite cur.
func canReplace(cur, next Entry) bool {
	if cur.Static {
		return next.Static
	}
	return cur.Instance == next.Instance
}
