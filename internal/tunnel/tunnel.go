package tunnel

import (
	"fmt"
	"strings"
	"time"

	"github.com/blang/semver"
	"github.com/google/uuid"
)

// DefaultVersion is assumed when a caller omits the tunnel version.
const DefaultVersion = "v1.0"

// Status is the lifecycle state of a tunnel record.
type Status string

const (
	StatusStarting Status = "starting"
	StatusRunning  Status = "running"
	StatusStopping Status = "stopping"
	StatusStopped  Status = "stopped"
	StatusFailed   Status = "failed"
)

// Terminal reports whether the status allows no further transitions.
func (s Status) Terminal() bool {
	return s == StatusStopped || s == StatusFailed
}

// Key identifies a tunnel: two records are the same tunnel iff their keys are equal.
type Key struct {
	App     string `json:"name"`
	Version string `json:"version"`
}

// NewKey validates app and version and returns a normalized Key.
// An empty version resolves to DefaultVersion. Versions must parse with a
// tolerant semver reading ("v1.0", "1.2", "2.0.1" are all accepted).
func NewKey(app, version string) (Key, error) {
	app = strings.TrimSpace(app)
	if app == "" {
		return Key{}, fmt.Errorf("%w: app name is required", ErrValidation)
	}
	if !IsSafeName(app) {
		return Key{}, fmt.Errorf("%w: invalid app name %q: allowed [A-Za-z0-9._-]", ErrValidation, app)
	}
	if version == "" {
		version = DefaultVersion
	}
	if _, err := semver.ParseTolerant(version); err != nil {
		return Key{}, fmt.Errorf("%w: invalid version %q: %v", ErrValidation, version, err)
	}
	return Key{App: app, Version: version}, nil
}

func (k Key) String() string {
	return k.App + "@" + k.Version
}

// IsSafeName validates app names to avoid path traversal when they are used
// in log file names. Allowed characters: A-Z a-z 0-9 . _ - and no "..".
func IsSafeName(s string) bool {
	if s == "" {
		return false
	}
	if strings.Contains(s, "..") {
		return false
	}
	for _, r := range s {
		if (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') || r == '.' || r == '_' || r == '-' {
			continue
		}
		return false
	}
	return true
}

// Record is the unit of tunnel state. The registry exclusively owns all
// records; components read and mutate them only through the registry API.
// HandleID is the supervisor's opaque process handle; the manager never
// inspects the underlying process through anything but the supervisor.
type Record struct {
	ID        string    `json:"id"`
	Key       Key       `json:"-"`
	LocalPort int       `json:"localPort"`
	Status    Status    `json:"status"`
	PID       int       `json:"pid"`
	CreatedAt time.Time `json:"createdAt"`
	StoppedAt time.Time `json:"stoppedAt,omitempty"`
	LastError string    `json:"lastError,omitempty"`
	HandleID  uint64    `json:"-"`
	Seq       uint64    `json:"-"`
}

// NewRecord returns a Starting record for key bound to port.
func NewRecord(key Key, port int) Record {
	return Record{
		ID:        uuid.NewString(),
		Key:       key,
		LocalPort: port,
		Status:    StatusStarting,
		CreatedAt: time.Now().UTC(),
	}
}

// Terminal reports whether the record reached a terminal status.
func (r Record) Terminal() bool { return r.Status.Terminal() }

// View is the JSON representation served by the API and printed by the CLI.
type View struct {
	Name      string    `json:"name"`
	Version   string    `json:"version"`
	LocalPort int       `json:"localPort"`
	Status    Status    `json:"status"`
	PID       int       `json:"pid"`
	CreatedAt time.Time `json:"createdAt"`
	LastError string    `json:"lastError,omitempty"`
}

// View flattens the record key into the wire shape.
func (r Record) View() View {
	return View{
		Name:      r.Key.App,
		Version:   r.Key.Version,
		LocalPort: r.LocalPort,
		Status:    r.Status,
		PID:       r.PID,
		CreatedAt: r.CreatedAt,
		LastError: r.LastError,
	}
}
