// Package config loads the PDP modification core's configuration
// parameters (spec.md §6): heartbeat timing, per-message-kind retry
// parameters, and the bus topic endpoint.
package config

import (
	"io/ioutil"

	"github.com/Velocidex/yaml/v2"
	"github.com/pkg/errors"
)

// MessageParameters bounds one message kind's retry behavior
// (spec.md §6 updateParameters / stateChangeParameters).
type MessageParameters struct {
	MaxWaitMs     int64 `yaml:"maxWaitMs"`
	MaxRetryCount int   `yaml:"maxRetryCount"`
}

func (self MessageParameters) Validate(name string) error {
	if self.MaxWaitMs <= 0 {
		return errors.Errorf("%s.maxWaitMs must be positive", name)
	}
	if self.MaxRetryCount < 0 {
		return errors.Errorf("%s.maxRetryCount must not be negative", name)
	}
	return nil
}

// TopicConfig carries the bus topic endpoint properties named in
// spec.md §6 ("topic.policy-pdp-pap endpoint properties"). The shape
// of the endpoint properties is transport-specific; this core only
// needs the topic name to hand to the bus collaborator.
type TopicConfig struct {
	Name       string            `yaml:"name"`
	Properties map[string]string `yaml:"properties,omitempty"`
}

// Config is the full parameter set consumed by this core.
type Config struct {
	HeartBeatMs          int64             `yaml:"heartBeatMs"`
	MaxMissedHeartbeats  int               `yaml:"maxMissedHeartbeats"`
	UpdateParameters     MessageParameters `yaml:"updateParameters"`
	StateChangeParameters MessageParameters `yaml:"stateChangeParameters"`
	PolicyPdpPapTopic    TopicConfig       `yaml:"topic.policy-pdp-pap"`
}

// DefaultMaxMissedHeartbeats is the multiplier spec.md §4.H names as
// its default when the parameter is absent.
const DefaultMaxMissedHeartbeats = 3

// Validate enforces the invariants spec.md §6 requires of each
// parameter, failing fast (spec.md §7 invalid-argument kind) rather
// than letting a zero value silently produce a busy-loop or a timer
// that never fires.
func (self *Config) Validate() error {
	if self.HeartBeatMs < 1 {
		return errors.New("heartBeatMs must be >= 1")
	}
	if self.MaxMissedHeartbeats <= 0 {
		self.MaxMissedHeartbeats = DefaultMaxMissedHeartbeats
	}
	if err := self.UpdateParameters.Validate("updateParameters"); err != nil {
		return err
	}
	if err := self.StateChangeParameters.Validate("stateChangeParameters"); err != nil {
		return err
	}
	if self.PolicyPdpPapTopic.Name == "" {
		return errors.New("topic.policy-pdp-pap.name is required")
	}
	return nil
}

// HeartbeatTimeoutMs returns MAX_MISSED_HEARTBEATS * heartBeatMs, the
// heartbeat-loss threshold (spec.md §4.H). NewPdpTracker computes the
// same threshold itself from the two parameters.
func (self *Config) HeartbeatTimeoutMs() int64 {
	return int64(self.MaxMissedHeartbeats) * self.HeartBeatMs
}

// Loader loads a Config from a YAML file, following the teacher's
// fluent-builder loader convention (config/loader.go) but scoped down
// to this core's single-role, single-source configuration.
type Loader struct {
	filename string
}

func NewLoader() *Loader {
	return &Loader{}
}

func (self *Loader) WithFileLoader(filename string) *Loader {
	self.filename = filename
	return self
}

// LoadAndValidate reads, parses, and validates the configuration.
func (self *Loader) LoadAndValidate() (*Config, error) {
	if self.filename == "" {
		return nil, errors.New("no configuration file specified")
	}

	data, err := ioutil.ReadFile(self.filename)
	if err != nil {
		return nil, errors.Wrap(err, "reading configuration file")
	}

	config_obj := &Config{}
	if err := yaml.Unmarshal(data, config_obj); err != nil {
		return nil, errors.Wrap(err, "parsing configuration file")
	}

	if err := config_obj.Validate(); err != nil {
		return nil, errors.Wrap(err, "validating configuration")
	}

	return config_obj, nil
}
