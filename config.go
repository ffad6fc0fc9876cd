package pubflow

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/petrijr/pubflow/internal/backoff"
	"github.com/petrijr/pubflow/internal/relay"
	"github.com/petrijr/pubflow/pkg/changefeed"
	"github.com/petrijr/pubflow/pkg/status"
	"github.com/petrijr/pubflow/pkg/worker"
)

// Config holds everything a Runner needs besides its backends. It is
// built once, usually with LoadConfig, and passed to the constructors.
type Config struct {
	Workflow   WorkflowConfig   `yaml:"workflow"`
	Feed       FeedConfig       `yaml:"feed"`
	Relay      RelayConfig      `yaml:"relay"`
	Trigger    TriggerConfig    `yaml:"trigger"`
	Moderation ModerationConfig `yaml:"moderation"`
	Bus        BusConfig        `yaml:"bus"`

	// Logger defaults to slog.Default().
	Logger *slog.Logger `yaml:"-"`
}

type WorkflowConfig struct {
	// DefinitionPath points to a YAML workflow definition. Empty selects
	// the built-in publication-approval definition.
	DefinitionPath string `yaml:"definition_path"`

	// RecoveryAfter is how long an instance may stay RUNNING without an
	// update before it counts as interrupted. It must exceed the longest
	// step, retries included.
	RecoveryAfter time.Duration `yaml:"recovery_after"`

	// RecoveryInterval repeats the interrupted-instance scan while the
	// runner is up. Zero scans only on Start.
	RecoveryInterval time.Duration `yaml:"recovery_interval"`
}

// FeedConfig applies to every change feed consumer.
type FeedConfig struct {
	BatchSize       int           `yaml:"batch_size"`
	MaxInFlight     int           `yaml:"max_in_flight"`
	PollInterval    time.Duration `yaml:"poll_interval"`
	RateLimit       float64       `yaml:"rate_limit"`
	Burst           int           `yaml:"burst"`
	MaxRedeliveries int           `yaml:"max_redeliveries"`

	// A failed record is redelivered no sooner than RedeliveryBackoff,
	// doubling per attempt up to MaxRedeliveryBackoff.
	RedeliveryBackoff    time.Duration `yaml:"redelivery_backoff"`
	MaxRedeliveryBackoff time.Duration `yaml:"max_redelivery_backoff"`

	// Shards partitions the in-memory and SQL change logs by entity.
	Shards int `yaml:"shards"`
}

type RelayConfig struct {
	AllowList      []string      `yaml:"allow_list"`
	MaxAttempts    int           `yaml:"max_attempts"`
	InitialBackoff time.Duration `yaml:"initial_backoff"`
	MaxBackoff     time.Duration `yaml:"max_backoff"`
}

// TriggerConfig controls delivery of workflow start tasks.
type TriggerConfig struct {
	MaxAttempts    int           `yaml:"max_attempts"`
	InitialBackoff time.Duration `yaml:"initial_backoff"`
	MaxBackoff     time.Duration `yaml:"max_backoff"`
	MaxEventAge    time.Duration `yaml:"max_event_age"`

	// Workers is the number of goroutines draining the task queue.
	Workers int `yaml:"workers"`

	// LeaseTTL hides a dequeued task from other workers until it is
	// acknowledged. A worker that dies holding a task releases it when
	// the lease runs out.
	LeaseTTL time.Duration `yaml:"lease_ttl"`

	// ListenBus also starts workflows from ApprovalRequested events.
	ListenBus bool `yaml:"listen_bus"`
}

type ModerationConfig struct {
	BlockedTerms []string `yaml:"blocked_terms"`
}

type BusConfig struct {
	// Source is stamped on every envelope published by this process.
	Source string `yaml:"source"`
}

// DefaultConfig returns the settings used when nothing is configured.
func DefaultConfig() Config {
	return Config{
		Workflow: WorkflowConfig{
			RecoveryAfter:    5 * time.Minute,
			RecoveryInterval: time.Minute,
		},
		Feed: FeedConfig{
			BatchSize:       100,
			MaxInFlight:     5,
			PollInterval:    time.Second,
			MaxRedeliveries: 3,
			Shards:          4,

			RedeliveryBackoff:    time.Second,
			MaxRedeliveryBackoff: time.Minute,
		},
		Relay: RelayConfig{
			AllowList:      []string{string(status.StateDraft), string(status.StateApproved)},
			MaxAttempts:    3,
			InitialBackoff: 50 * time.Millisecond,
			MaxBackoff:     time.Second,
		},
		Trigger: TriggerConfig{
			MaxAttempts:    5,
			InitialBackoff: time.Second,
			MaxBackoff:     time.Minute,
			MaxEventAge:    15 * time.Minute,
			Workers:        2,
			LeaseTTL:       time.Minute,
		},
		Bus: BusConfig{Source: "pubflow"},
	}
}

// LoadConfig reads a YAML file on top of DefaultConfig. Unknown keys are
// rejected. An empty path returns the defaults.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("config: %w", err)
	}
	if err := cfg.decode(data); err != nil {
		return Config{}, fmt.Errorf("config %s: %w", path, err)
	}
	return cfg, cfg.Validate()
}

func (c *Config) decode(data []byte) error {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(c); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

// Validate reports the first invalid setting.
func (c Config) Validate() error {
	if _, err := c.allowList(); err != nil {
		return err
	}
	switch {
	case c.Workflow.RecoveryAfter < 0, c.Workflow.RecoveryInterval < 0:
		return errors.New("config: workflow recovery settings must not be negative")
	case c.Feed.BatchSize < 0, c.Feed.MaxInFlight < 0, c.Feed.MaxRedeliveries < 0, c.Feed.Shards < 0:
		return errors.New("config: feed settings must not be negative")
	case c.Feed.RateLimit < 0:
		return errors.New("config: feed.rate_limit must not be negative")
	case c.Feed.RedeliveryBackoff < 0, c.Feed.MaxRedeliveryBackoff < 0:
		return errors.New("config: feed redelivery backoff must not be negative")
	case c.Relay.MaxAttempts < 0:
		return errors.New("config: relay.max_attempts must not be negative")
	case c.Trigger.MaxAttempts < 0:
		return errors.New("config: trigger.max_attempts must not be negative")
	case c.Trigger.Workers < 1:
		return errors.New("config: trigger.workers must be at least 1")
	case c.Trigger.MaxEventAge < 0:
		return errors.New("config: trigger.max_event_age must not be negative")
	case c.Trigger.LeaseTTL < 0:
		return errors.New("config: trigger.lease_ttl must not be negative")
	case c.Trigger.MaxBackoff > 0 && c.Trigger.InitialBackoff > c.Trigger.MaxBackoff:
		return errors.New("config: trigger.initial_backoff exceeds trigger.max_backoff")
	}
	return nil
}

func (c Config) allowList() ([]status.LifecycleState, error) {
	out := make([]status.LifecycleState, 0, len(c.Relay.AllowList))
	for _, s := range c.Relay.AllowList {
		st, err := status.ParseLifecycleState(s)
		if err != nil {
			return nil, fmt.Errorf("config: relay.allow_list: %w", err)
		}
		out = append(out, st)
	}
	return out, nil
}

func (c Config) logger() *slog.Logger {
	if c.Logger != nil {
		return c.Logger
	}
	return slog.Default()
}

func (c Config) subscription(consumer string, dead changefeed.DeadLetterFunc) changefeed.SubscriptionConfig {
	return changefeed.SubscriptionConfig{
		Consumer:        consumer,
		BatchSize:       c.Feed.BatchSize,
		MaxInFlight:     c.Feed.MaxInFlight,
		PollInterval:    c.Feed.PollInterval,
		RateLimit:       c.Feed.RateLimit,
		Burst:           c.Feed.Burst,
		MaxRedeliveries: c.Feed.MaxRedeliveries,
		DeadLetter:      dead,
		Logger:          c.logger(),

		RedeliveryBackoff: backoff.NewExponential(c.Feed.RedeliveryBackoff, c.Feed.MaxRedeliveryBackoff),
	}
}

func (c Config) relay() relay.Config {
	allow, _ := c.allowList()
	rc := relay.Config{
		AllowList:   allow,
		MaxAttempts: c.Relay.MaxAttempts,
		Logger:      c.logger(),
	}
	if c.Relay.InitialBackoff > 0 {
		rc.Backoff = backoff.NewExponential(c.Relay.InitialBackoff, c.Relay.MaxBackoff)
	}
	return rc
}

func (c Config) worker() worker.Config {
	wc := worker.Config{
		MaxAttempts: c.Trigger.MaxAttempts,
		MaxEventAge: c.Trigger.MaxEventAge,
		LeaseTTL:    c.Trigger.LeaseTTL,
		Logger:      c.logger(),
	}
	if c.Trigger.InitialBackoff > 0 {
		wc.Backoff = backoff.NewExponential(c.Trigger.InitialBackoff, c.Trigger.MaxBackoff)
	}
	return wc
}
