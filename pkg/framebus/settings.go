package framebus

import (
	"github.com/google/uuid"
	"github.com/pkg/errors"
)

const (
	BackendMemory = "memory"
	BackendRedis  = "redis"

	DefaultTopic    = "turnsync.frames"
	DefaultAddr     = "localhost:6379"
	DefaultBuffer   = 256
	groupNamePrefix = "turnsync-"
)

// Settings selects and configures the transport behind the frame bus.
type Settings struct {
	Backend  string `yaml:"backend"`
	Topic    string `yaml:"topic"`
	Buffer   int64  `yaml:"buffer"`
	Addr     string `yaml:"redis-addr"`
	Group    string `yaml:"redis-group"`
	Consumer string `yaml:"redis-consumer"`
}

func DefaultSettings() Settings {
	return Settings{
		Backend: BackendMemory,
		Topic:   DefaultTopic,
		Buffer:  DefaultBuffer,
		Addr:    DefaultAddr,
	}
}

// withDefaults fills the blanks. Every engine gets its own consumer group so
// each one sees every frame of the account.
func (s Settings) withDefaults() Settings {
	if s.Backend == "" {
		s.Backend = BackendMemory
	}
	if s.Topic == "" {
		s.Topic = DefaultTopic
	}
	if s.Buffer <= 0 {
		s.Buffer = DefaultBuffer
	}
	if s.Addr == "" {
		s.Addr = DefaultAddr
	}
	if s.Group == "" {
		s.Group = groupNamePrefix + uuid.NewString()
	}
	if s.Consumer == "" {
		s.Consumer = "engine-1"
	}
	return s
}

func (s Settings) Validate() error {
	switch s.Backend {
	case "", BackendMemory, BackendRedis:
		return nil
	default:
		return errors.Errorf("unknown frame bus backend %q", s.Backend)
	}
}
