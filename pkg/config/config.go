// Package config loads engine settings from a YAML file, an optional .env file
// and TURNSYNC_* environment variables, in that order of precedence (lowest first).
package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"

	"github.com/go-go-golems/turnsync/pkg/framebus"
	"github.com/go-go-golems/turnsync/pkg/gql"
	"github.com/go-go-golems/turnsync/pkg/prompt"
	"github.com/go-go-golems/turnsync/pkg/session"
)

const EnvPrefix = "TURNSYNC_"

type BackendSettings struct {
	BaseURL     string `yaml:"base-url"`
	Token       string `yaml:"token"`
	DisplayName string `yaml:"display-name"`
	UserAgent   string `yaml:"user-agent"`
	QueryPath   string `yaml:"query-path"`
	Salt        string `yaml:"salt"`
}

type RequestSettings struct {
	MaxRetries int           `yaml:"max-retries"`
	RetryDelay time.Duration `yaml:"retry-delay"`
	Timeout    time.Duration `yaml:"timeout"`
}

type ChannelSettings struct {
	HandshakeTimeout time.Duration `yaml:"handshake-timeout"`
	KeepaliveTimeout time.Duration `yaml:"keepalive-timeout"`
	CloseTimeout     time.Duration `yaml:"close-timeout"`
}

type TurnSettings struct {
	// TimeoutTicks is how many empty polls a turn tolerates before it times out.
	TimeoutTicks     int           `yaml:"timeout-ticks"`
	TickInterval     time.Duration `yaml:"tick-interval"`
	MaxAttempts      int           `yaml:"max-attempts"`
	SuggestionMaxAge time.Duration `yaml:"suggestion-max-age"`
}

type PurgeSettings struct {
	PageSize int `yaml:"page-size"`
}

type StoreSettings struct {
	// Path of the SQLite turn journal. Empty disables journaling.
	Path string `yaml:"path"`
}

type PromptSettings struct {
	CountTokens bool   `yaml:"count-tokens"`
	Counter     string `yaml:"counter"`
	Encoding    string `yaml:"encoding"`
}

type Settings struct {
	Backend  BackendSettings   `yaml:"backend"`
	Request  RequestSettings   `yaml:"request"`
	Channel  ChannelSettings   `yaml:"channel"`
	Turn     TurnSettings      `yaml:"turn"`
	Purge    PurgeSettings     `yaml:"purge"`
	FrameBus framebus.Settings `yaml:"framebus"`
	Store    StoreSettings     `yaml:"store"`
	Prompt   PromptSettings    `yaml:"prompt"`
}

func Default() Settings {
	return Settings{
		Backend: BackendSettings{
			BaseURL:     session.DefaultBaseURL,
			DisplayName: session.DefaultDisplayName,
			UserAgent:   session.DefaultUserAgent,
			QueryPath:   gql.DefaultPath,
			Salt:        gql.DefaultSalt,
		},
		Request: RequestSettings{
			MaxRetries: 20,
			RetryDelay: 2 * time.Second,
			Timeout:    60 * time.Second,
		},
		Channel: ChannelSettings{
			HandshakeTimeout: 10 * time.Second,
			KeepaliveTimeout: 5 * time.Second,
			CloseTimeout:     2 * time.Second,
		},
		Turn: TurnSettings{
			TimeoutTicks:     60,
			TickInterval:     time.Second,
			MaxAttempts:      3,
			SuggestionMaxAge: 30 * time.Minute,
		},
		Purge:    PurgeSettings{PageSize: 50},
		FrameBus: framebus.DefaultSettings(),
		Prompt: PromptSettings{
			Counter:  prompt.CounterCodec,
			Encoding: prompt.DefaultEncoding,
		},
	}
}

// Load starts from Default, overlays the YAML file at path (if any), loads the
// env files (".env" when none are given and it exists) and applies TURNSYNC_*
// variables. The result is validated.
func Load(path string, envFiles ...string) (Settings, error) {
	s := Default()
	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return Settings{}, errors.Wrapf(err, "read config %s", path)
		}
		if err := yaml.Unmarshal(b, &s); err != nil {
			return Settings{}, errors.Wrapf(err, "parse config %s", path)
		}
	}

	if len(envFiles) == 0 {
		if _, err := os.Stat(".env"); err == nil {
			envFiles = []string{".env"}
		}
	}
	if len(envFiles) > 0 {
		if err := godotenv.Load(envFiles...); err != nil {
			return Settings{}, errors.Wrap(err, "load env files")
		}
	}

	if err := s.applyEnv(os.LookupEnv); err != nil {
		return Settings{}, err
	}
	if err := s.Validate(); err != nil {
		return Settings{}, err
	}
	return s, nil
}

type lookupFunc func(string) (string, bool)

func (s *Settings) applyEnv(lookup lookupFunc) error {
	str := func(name string, dst *string) {
		if v, ok := lookup(EnvPrefix + name); ok {
			*dst = v
		}
	}
	num := func(name string, dst *int) error {
		if v, ok := lookup(EnvPrefix + name); ok {
			n, err := strconv.Atoi(strings.TrimSpace(v))
			if err != nil {
				return errors.Wrapf(err, "%s%s", EnvPrefix, name)
			}
			*dst = n
		}
		return nil
	}
	dur := func(name string, dst *time.Duration) error {
		if v, ok := lookup(EnvPrefix + name); ok {
			d, err := time.ParseDuration(strings.TrimSpace(v))
			if err != nil {
				return errors.Wrapf(err, "%s%s", EnvPrefix, name)
			}
			*dst = d
		}
		return nil
	}
	flag := func(name string, dst *bool) error {
		if v, ok := lookup(EnvPrefix + name); ok {
			b, err := strconv.ParseBool(strings.TrimSpace(v))
			if err != nil {
				return errors.Wrapf(err, "%s%s", EnvPrefix, name)
			}
			*dst = b
		}
		return nil
	}

	str("TOKEN", &s.Backend.Token)
	str("BASE_URL", &s.Backend.BaseURL)
	str("DISPLAY_NAME", &s.Backend.DisplayName)
	str("USER_AGENT", &s.Backend.UserAgent)
	str("FRAMEBUS_BACKEND", &s.FrameBus.Backend)
	str("REDIS_ADDR", &s.FrameBus.Addr)
	str("STORE_PATH", &s.Store.Path)

	for _, err := range []error{
		num("MAX_RETRIES", &s.Request.MaxRetries),
		dur("RETRY_DELAY", &s.Request.RetryDelay),
		dur("KEEPALIVE_TIMEOUT", &s.Channel.KeepaliveTimeout),
		num("TURN_TIMEOUT_TICKS", &s.Turn.TimeoutTicks),
		num("TURN_MAX_ATTEMPTS", &s.Turn.MaxAttempts),
		num("PURGE_PAGE_SIZE", &s.Purge.PageSize),
		flag("COUNT_TOKENS", &s.Prompt.CountTokens),
	} {
		if err != nil {
			return err
		}
	}
	return nil
}

func (s Settings) Validate() error {
	switch {
	case strings.TrimSpace(s.Backend.BaseURL) == "":
		return errors.New("backend.base-url is required")
	case s.Request.MaxRetries < 0:
		return errors.Errorf("request.max-retries must be >= 0, got %d", s.Request.MaxRetries)
	case s.Request.RetryDelay < 0:
		return errors.Errorf("request.retry-delay must be >= 0, got %s", s.Request.RetryDelay)
	case s.Channel.KeepaliveTimeout <= 0:
		return errors.Errorf("channel.keepalive-timeout must be > 0, got %s", s.Channel.KeepaliveTimeout)
	case s.Turn.TimeoutTicks <= 0:
		return errors.Errorf("turn.timeout-ticks must be > 0, got %d", s.Turn.TimeoutTicks)
	case s.Turn.TickInterval <= 0:
		return errors.Errorf("turn.tick-interval must be > 0, got %s", s.Turn.TickInterval)
	case s.Turn.MaxAttempts < 1:
		return errors.Errorf("turn.max-attempts must be >= 1, got %d", s.Turn.MaxAttempts)
	case s.Purge.PageSize <= 0:
		return errors.Errorf("purge.page-size must be > 0, got %d", s.Purge.PageSize)
	}
	return s.FrameBus.Validate()
}
