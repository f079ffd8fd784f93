package config

import (
	"errors"
	"fmt"
	"time"

	"github.com/randalmurphal/eventflow/pkg/eventflow/event"
	"github.com/randalmurphal/eventflow/pkg/eventflow/instance"
	"github.com/randalmurphal/eventflow/pkg/eventflow/subscription"
)

// Store and queue drivers.
const (
	DriverMemory = "memory"
	DriverSQLite = "sqlite"
	DriverRedis  = "redis"
)

// ErrInvalid is wrapped by every validation failure.
var ErrInvalid = errors.New("invalid configuration")

// StoreSettings selects the subscription store.
type StoreSettings struct {
	Driver string
	Path   string
}

// QueueSettings selects the async job queue.
type QueueSettings struct {
	Driver   string
	Addr     string
	Password string
	DB       int
	Key      string
}

// Settings holds the engine section.
type Settings struct {
	DispatchMode   subscription.Mode
	Workers        int
	PollInterval   time.Duration
	TenantFallback bool
	Store          StoreSettings
	Queue          QueueSettings
}

// DefaultSettings returns the settings used for missing keys.
func DefaultSettings() Settings {
	return Settings{
		DispatchMode: subscription.ModeSync,
		Workers:      4,
		PollInterval: 100 * time.Millisecond,
		Store:        StoreSettings{Driver: DriverMemory},
		Queue:        QueueSettings{Driver: DriverMemory},
	}
}

// Channel declares one inbound JSON channel.
type Channel struct {
	Key              string `yaml:"key"`
	KeyField         string `yaml:"key_field"`
	TenantField      string `yaml:"tenant_field"`
	HeadersField     string `yaml:"headers_field"`
	TransportHeaders bool   `yaml:"transport_headers"`
}

// Definition declares a definition to deploy at startup together with the
// behavior of its instances in the in-process runtime.
type Definition struct {
	subscription.Definition `yaml:",inline"`

	Behavior instance.Behavior `yaml:"behavior"`
}

// File is a parsed engine document.
type File struct {
	Settings    Settings
	Models      []event.Model
	Channels    []Channel
	Definitions []Definition
}

// Load reads and validates an engine document.
func Load(path string) (*File, error) {
	cfg, err := FromFile(path)
	if err != nil {
		return nil, err
	}
	return Parse(cfg)
}

// Parse extracts and validates an engine document.
func Parse(cfg Config) (*File, error) {
	f := &File{Settings: ParseSettings(cfg.Section("engine"))}
	if err := cfg.Decode("event_models", &f.Models); err != nil {
		return nil, err
	}
	if err := cfg.Decode("channels", &f.Channels); err != nil {
		return nil, err
	}
	if err := cfg.Decode("definitions", &f.Definitions); err != nil {
		return nil, err
	}
	if err := f.Validate(); err != nil {
		return nil, err
	}
	return f, nil
}

// ParseSettings reads the engine section, falling back to DefaultSettings.
func ParseSettings(engine Config) Settings {
	s := DefaultSettings()
	s.DispatchMode = subscription.Mode(engine.String("dispatch_mode", string(s.DispatchMode)))
	s.Workers = engine.Int("workers", s.Workers)
	s.PollInterval = engine.Duration("poll_interval", s.PollInterval)
	s.TenantFallback = engine.Bool("tenant_fallback", s.TenantFallback)

	store := engine.Section("store")
	s.Store.Driver = store.String("driver", s.Store.Driver)
	s.Store.Path = store.String("path", s.Store.Path)

	queue := engine.Section("queue")
	s.Queue.Driver = queue.String("driver", s.Queue.Driver)
	s.Queue.Addr = queue.String("addr", s.Queue.Addr)
	s.Queue.Password = queue.String("password", s.Queue.Password)
	s.Queue.DB = queue.Int("db", s.Queue.DB)
	s.Queue.Key = queue.String("key", s.Queue.Key)
	return s
}

// Validate checks settings and declarations.
func (f *File) Validate() error {
	s := f.Settings
	switch s.DispatchMode {
	case subscription.ModeSync, subscription.ModeAsync:
	default:
		return fmt.Errorf("%w: dispatch_mode %q", ErrInvalid, s.DispatchMode)
	}
	if s.Workers <= 0 {
		return fmt.Errorf("%w: workers must be positive", ErrInvalid)
	}
	switch s.Store.Driver {
	case DriverMemory:
	case DriverSQLite:
		if s.Store.Path == "" {
			return fmt.Errorf("%w: sqlite store requires a path", ErrInvalid)
		}
	default:
		return fmt.Errorf("%w: store driver %q", ErrInvalid, s.Store.Driver)
	}
	switch s.Queue.Driver {
	case DriverMemory:
	case DriverRedis:
		if s.Queue.Addr == "" {
			return fmt.Errorf("%w: redis queue requires an addr", ErrInvalid)
		}
	default:
		return fmt.Errorf("%w: queue driver %q", ErrInvalid, s.Queue.Driver)
	}

	for i := range f.Models {
		if err := f.Models[i].Validate(); err != nil {
			return fmt.Errorf("%w: %v", ErrInvalid, err)
		}
	}
	seen := make(map[string]bool, len(f.Channels))
	for _, ch := range f.Channels {
		if ch.Key == "" {
			return fmt.Errorf("%w: channel without key", ErrInvalid)
		}
		if seen[ch.Key] {
			return fmt.Errorf("%w: duplicate channel %q", ErrInvalid, ch.Key)
		}
		seen[ch.Key] = true
	}
	for _, d := range f.Definitions {
		if d.Lineage == "" {
			return fmt.Errorf("%w: definition without lineage", ErrInvalid)
		}
	}
	return nil
}
