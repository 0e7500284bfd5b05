package audio

import (
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"github.com/fhs/gompd/v2/mpd"
)

// MPDTransport drives a running mpd. Each call dials a fresh connection so
// that idle timeouts on the daemon side never leave a dead client behind.
type MPDTransport struct {
	address  string
	password string
	musicDir string
	logger   *slog.Logger

	dial func(network, addr string) (mpdClient, error)

	mu     sync.Mutex
	loaded bool
}

// mpdClient is the subset of *mpd.Client the transport uses.
type mpdClient interface {
	Clear() error
	Add(uri string) error
	Play(pos int) error
	Pause(pause bool) error
	Stop() error
	Status() (mpd.Attrs, error)
	Close() error
}

// NewMPDTransport targets address ("host:port" or a unix socket path).
func NewMPDTransport(address, password, musicDir string, logger *slog.Logger) *MPDTransport {
	return &MPDTransport{
		address:  address,
		password: password,
		musicDir: musicDir,
		logger:   logger.With("component", "mpd"),
		dial: func(network, addr string) (mpdClient, error) {
			c, err := mpd.Dial(network, addr)
			if err != nil {
				return nil, err
			}
			return c, nil
		},
	}
}

func (t *MPDTransport) network() string {
	if strings.Contains(t.address, "/") {
		return "unix"
	}
	return "tcp"
}

func (t *MPDTransport) do(op string, fn func(mpdClient) error) error {
	c, err := t.dial(t.network(), t.address)
	if err != nil {
		return fmt.Errorf("mpd %s: dial %s: %w", op, t.address, err)
	}
	defer c.Close()

	if t.password != "" {
		if pc, ok := c.(*mpd.Client); ok {
			if err := pc.Command("password %s", t.password).OK(); err != nil {
				return fmt.Errorf("mpd %s: password auth failed: %w", op, err)
			}
		}
	}
	if err := fn(c); err != nil {
		return fmt.Errorf("mpd %s: %w", op, err)
	}
	return nil
}

// uri maps a local path onto mpd's music directory.
func (t *MPDTransport) uri(path string) (string, error) {
	if t.musicDir == "" {
		return path, nil
	}
	rel, err := filepath.Rel(t.musicDir, path)
	if err != nil || strings.HasPrefix(rel, "..") {
		return "", fmt.Errorf("%s is outside music dir %s", path, t.musicDir)
	}
	return filepath.ToSlash(rel), nil
}

// Load replaces the mpd queue with path.
func (t *MPDTransport) Load(path string) error {
	uri, err := t.uri(path)
	if err != nil {
		return newLoadError(path, err)
	}
	err = t.do("load", func(c mpdClient) error {
		if err := c.Clear(); err != nil {
			return err
		}
		return c.Add(uri)
	})
	if err != nil {
		return newLoadError(path, err)
	}
	t.mu.Lock()
	t.loaded = true
	t.mu.Unlock()
	t.logger.Debug("queued song", "uri", uri)
	return nil
}

func (t *MPDTransport) Play() error {
	t.mu.Lock()
	loaded := t.loaded
	t.mu.Unlock()
	if !loaded {
		return errors.New("mpd: nothing loaded")
	}
	return t.do("play", func(c mpdClient) error { return c.Play(-1) })
}

func (t *MPDTransport) Pause() error {
	return t.do("pause", func(c mpdClient) error { return c.Pause(true) })
}

func (t *MPDTransport) Unpause() error {
	return t.do("unpause", func(c mpdClient) error { return c.Pause(false) })
}

func (t *MPDTransport) Stop() error {
	return t.do("stop", func(c mpdClient) error { return c.Stop() })
}

func (t *MPDTransport) status() (mpd.Attrs, error) {
	var attrs mpd.Attrs
	err := t.do("status", func(c mpdClient) error {
		var err error
		attrs, err = c.Status()
		return err
	})
	return attrs, err
}

// IsBusy is true while mpd reports state=play.
func (t *MPDTransport) IsBusy() bool {
	attrs, err := t.status()
	if err != nil {
		t.logger.Warn("status failed", "error", err)
		return false
	}
	return attrs["state"] == "play"
}

// PositionMillis reads the elapsed field.
func (t *MPDTransport) PositionMillis() int64 {
	attrs, err := t.status()
	if err != nil {
		return 0
	}
	secs, err := strconv.ParseFloat(attrs["elapsed"], 64)
	if err != nil {
		return 0
	}
	return int64(secs * 1000)
}
