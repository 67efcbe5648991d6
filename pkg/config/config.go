// Copyright 2023 LiveKit, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package config

import (
	"fmt"
	"os"
	"reflect"
	"strings"
	"time"

	"github.com/mitchellh/go-homedir"
	"github.com/pkg/errors"
	"github.com/urfave/cli/v2"
	"gopkg.in/yaml.v3"

	"github.com/livekit/protocol/logger"
)

const (
	generatedCLIFlagUsage = "generated"

	DefaultListenAddress  = "127.0.0.1:5004"
	DefaultPrometheusPort = 0
	DefaultReadBufferSize = 1500

	StatsUpdateInterval = time.Second * 10
)

var (
	ErrInvalidMaxIntervals    = errors.New("rewriter.max_intervals must be positive")
	ErrInvalidMaxReporters    = errors.New("termination.max_reporters must be positive")
	ErrDuplicateStream        = errors.New("source ssrc configured more than once")
	ErrConflictingRTX         = errors.New("rtx ssrc collides with a media ssrc")
	ErrMissingForward         = errors.New("relay.forward must be set")
	ErrInvalidReadBuffer      = errors.New("relay.read_buffer_size too small for an rtp header")
	ErrInvalidPayloadType     = errors.New("payload type must be below 128")
	ErrStreamMissingTarget    = errors.New("stream target ssrc must be set")
	ErrStreamMissingSource    = errors.New("stream source ssrc must be set")
	ErrStreamSelfRepair       = errors.New("rtx ssrc equals its own primary ssrc")
	ErrStreamMissingRTXTarget = errors.New("stream rtx_target ssrc must be set with rtx")
	errUnsupportedFlagValue   = errors.New("unsupported generated cli flag type")
)

type Config struct {
	Development bool              `yaml:"development"`
	LogLevel    string            `yaml:"log_level,omitempty"`
	Logging     LoggingConfig     `yaml:"logging,omitempty"`
	Rewriter    RewriterConfig    `yaml:"rewriter,omitempty"`
	Termination TerminationConfig `yaml:"termination,omitempty"`
	Relay       RelayConfig       `yaml:"relay,omitempty"`
	Streams     []StreamConfig    `yaml:"streams,omitempty"`
}

type LoggingConfig struct {
	logger.Config `yaml:",inline"`
	PionLevel     string `yaml:"pion_level,omitempty"`
}

type RewriterConfig struct {
	// MaxIntervals is the number of splice intervals remembered per target
	MaxIntervals int `yaml:"max_intervals,omitempty"`
	// MaxIntervalAge evicts closed intervals that have seen no packet for this long
	MaxIntervalAge time.Duration `yaml:"max_interval_age,omitempty"`
	// LogInterval rate limits per-packet error logs, one in every LogInterval is logged
	LogInterval uint64 `yaml:"log_interval,omitempty"`
}

type TerminationConfig struct {
	MaxReporters   int           `yaml:"max_reporters,omitempty"`
	SnapshotMaxAge time.Duration `yaml:"snapshot_max_age,omitempty"`
}

type RelayConfig struct {
	ListenAddress  string `yaml:"listen,omitempty"`
	ForwardAddress string `yaml:"forward,omitempty"`
	// RTCPForwardAddress receives consolidated feedback, defaults to the address the media came from
	RTCPForwardAddress string `yaml:"rtcp_forward,omitempty"`
	ReadBufferSize     int    `yaml:"read_buffer_size,omitempty"`
	PrometheusPort     uint32 `yaml:"prometheus_port,omitempty"`
	NodeID             string `yaml:"node_id,omitempty"`
}

// StreamConfig maps one incoming media stream onto an outgoing one.
type StreamConfig struct {
	Source uint32 `yaml:"source,omitempty"`
	Target uint32 `yaml:"target,omitempty"`
	RTX    uint32 `yaml:"rtx,omitempty"`
	// RTXTarget is the outgoing repair stream, shared by the rtx streams of one target
	RTXTarget      uint32 `yaml:"rtx_target,omitempty"`
	REDPayloadType uint8  `yaml:"red_payload_type,omitempty"`
	FECPayloadType uint8  `yaml:"fec_payload_type,omitempty"`
}

var DefaultConfig = Config{
	Logging: LoggingConfig{
		PionLevel: "error",
	},
	Rewriter: RewriterConfig{
		MaxIntervals:   64,
		MaxIntervalAge: 30 * time.Second,
		LogInterval:    1000,
	},
	Termination: TerminationConfig{
		MaxReporters:   512,
		SnapshotMaxAge: 30 * time.Second,
	},
	Relay: RelayConfig{
		ListenAddress:  DefaultListenAddress,
		ReadBufferSize: DefaultReadBufferSize,
		PrometheusPort: DefaultPrometheusPort,
	},
}

func NewConfig(confString string, strictMode bool, c *cli.Context, baseFlags []cli.Flag) (*Config, error) {
	// start with defaults
	marshalled, err := yaml.Marshal(&DefaultConfig)
	if err != nil {
		return nil, err
	}

	var conf Config
	err = yaml.Unmarshal(marshalled, &conf)
	if err != nil {
		return nil, err
	}

	if confString != "" {
		decoder := yaml.NewDecoder(strings.NewReader(confString))
		decoder.KnownFields(strictMode)
		if err := decoder.Decode(&conf); err != nil {
			return nil, fmt.Errorf("could not parse config: %v", err)
		}
	}

	if c != nil {
		if err := conf.updateFromCLI(c, baseFlags); err != nil {
			return nil, err
		}
	}

	if err := conf.Validate(); err != nil {
		return nil, errors.Wrap(err, "could not validate config")
	}

	if conf.Relay.NodeID == "" {
		if hostname, err := os.Hostname(); err == nil {
			conf.Relay.NodeID = hostname
		}
	} else {
		conf.Relay.NodeID = os.ExpandEnv(conf.Relay.NodeID)
	}

	if conf.LogLevel != "" {
		conf.Logging.Level = conf.LogLevel
	}
	if conf.Logging.Level == "" && conf.Development {
		conf.Logging.Level = "debug"
	}
	if conf.Logging.PionLevel != "" {
		if conf.Logging.ComponentLevels == nil {
			conf.Logging.ComponentLevels = map[string]string{}
		}
		conf.Logging.ComponentLevels["transport.pion"] = conf.Logging.PionLevel
		conf.Logging.ComponentLevels["pion"] = conf.Logging.PionLevel
	}

	return &conf, nil
}

// LoadStreams appends the stream mappings read from a yaml file to the ones already configured.
func (conf *Config) LoadStreams(path string) error {
	file, err := homedir.Expand(os.ExpandEnv(path))
	if err != nil {
		return err
	}
	f, err := os.Open(file)
	if err != nil {
		return err
	}
	defer func() {
		_ = f.Close()
	}()

	var streams []StreamConfig
	decoder := yaml.NewDecoder(f)
	decoder.KnownFields(true)
	if err := decoder.Decode(&streams); err != nil {
		return errors.Wrapf(err, "could not parse streams file %s", file)
	}
	conf.Streams = append(conf.Streams, streams...)
	return conf.validateStreams()
}

func (conf *Config) Validate() error {
	if conf.Rewriter.MaxIntervals <= 0 {
		return ErrInvalidMaxIntervals
	}
	if conf.Termination.MaxReporters <= 0 {
		return ErrInvalidMaxReporters
	}
	if conf.Relay.ReadBufferSize < 12 {
		return ErrInvalidReadBuffer
	}
	return conf.validateStreams()
}

func (conf *Config) validateStreams() error {
	sources := make(map[uint32]struct{}, len(conf.Streams))
	for _, s := range conf.Streams {
		if s.Source == 0 {
			return ErrStreamMissingSource
		}
		if s.Target == 0 {
			return ErrStreamMissingTarget
		}
		if _, ok := sources[s.Source]; ok {
			return errors.Wrapf(ErrDuplicateStream, "ssrc %d", s.Source)
		}
		sources[s.Source] = struct{}{}
		if s.REDPayloadType >= 128 || s.FECPayloadType >= 128 {
			return errors.Wrapf(ErrInvalidPayloadType, "ssrc %d", s.Source)
		}
	}

	for _, s := range conf.Streams {
		if s.RTX == 0 {
			continue
		}
		if s.RTXTarget == 0 {
			return errors.Wrapf(ErrStreamMissingRTXTarget, "ssrc %d", s.Source)
		}
		if s.RTX == s.Source {
			return errors.Wrapf(ErrStreamSelfRepair, "ssrc %d", s.Source)
		}
		if _, ok := sources[s.RTX]; ok {
			return errors.Wrapf(ErrConflictingRTX, "ssrc %d", s.RTX)
		}
	}
	return nil
}

// ValidateRelay checks the fields needed to run the udp relay.
func (conf *Config) ValidateRelay() error {
	if conf.Relay.ForwardAddress == "" {
		return ErrMissingForward
	}
	return nil
}

type configNode struct {
	TypeNode  reflect.Value
	TagPrefix string
}

var durationType = reflect.TypeOf(time.Duration(0))

func (conf *Config) ToCLIFlagNames(existingFlags []cli.Flag) map[string]reflect.Value {
	existingFlagNames := map[string]bool{}
	for _, flag := range existingFlags {
		for _, flagName := range flag.Names() {
			existingFlagNames[flagName] = true
		}
	}

	flagNames := map[string]reflect.Value{}
	var currNode configNode
	nodes := []configNode{{reflect.ValueOf(conf).Elem(), ""}}
	for len(nodes) > 0 {
		currNode, nodes = nodes[0], nodes[1:]
		for i := 0; i < currNode.TypeNode.NumField(); i++ {
			// inspect yaml tag from struct field to get path
			field := currNode.TypeNode.Type().Field(i)
			yamlTagArray := strings.SplitN(field.Tag.Get("yaml"), ",", 2)
			yamlTag := yamlTagArray[0]
			isInline := false
			if len(yamlTagArray) > 1 && yamlTagArray[1] == "inline" {
				isInline = true
			}
			if (yamlTag == "" && (!isInline || currNode.TagPrefix == "")) || yamlTag == "-" {
				continue
			}
			yamlPath := yamlTag
			if currNode.TagPrefix != "" {
				if isInline {
					yamlPath = currNode.TagPrefix
				} else {
					yamlPath = fmt.Sprintf("%s.%s", currNode.TagPrefix, yamlTag)
				}
			}
			if existingFlagNames[yamlPath] {
				continue
			}

			// map flag name to value
			value := currNode.TypeNode.Field(i)
			if value.Kind() == reflect.Struct {
				nodes = append(nodes, configNode{value, yamlPath})
			} else {
				flagNames[yamlPath] = value
			}
		}
	}

	return flagNames
}

func GenerateCLIFlags(existingFlags []cli.Flag, hidden bool) ([]cli.Flag, error) {
	blankConfig := &Config{}
	flags := make([]cli.Flag, 0)
	for name, value := range blankConfig.ToCLIFlagNames(existingFlags) {
		kind := value.Kind()
		if kind == reflect.Ptr {
			kind = value.Type().Elem().Kind()
		}

		var flag cli.Flag
		envVar := fmt.Sprintf("SPLICER_%s", strings.ToUpper(strings.Replace(name, ".", "_", -1)))

		if value.Type() == durationType {
			flags = append(flags, &cli.DurationFlag{
				Name:    name,
				EnvVars: []string{envVar},
				Usage:   generatedCLIFlagUsage,
				Hidden:  hidden,
			})
			continue
		}

		switch kind {
		case reflect.Bool:
			flag = &cli.BoolFlag{
				Name:   name,
				Usage:  generatedCLIFlagUsage,
				Hidden: hidden,
			}
		case reflect.String:
			flag = &cli.StringFlag{
				Name:    name,
				EnvVars: []string{envVar},
				Usage:   generatedCLIFlagUsage,
				Hidden:  hidden,
			}
		case reflect.Int, reflect.Int32:
			flag = &cli.IntFlag{
				Name:    name,
				EnvVars: []string{envVar},
				Usage:   generatedCLIFlagUsage,
				Hidden:  hidden,
			}
		case reflect.Int64:
			flag = &cli.Int64Flag{
				Name:    name,
				EnvVars: []string{envVar},
				Usage:   generatedCLIFlagUsage,
				Hidden:  hidden,
			}
		case reflect.Uint8, reflect.Uint16, reflect.Uint32:
			flag = &cli.UintFlag{
				Name:    name,
				EnvVars: []string{envVar},
				Usage:   generatedCLIFlagUsage,
				Hidden:  hidden,
			}
		case reflect.Uint64:
			flag = &cli.Uint64Flag{
				Name:    name,
				EnvVars: []string{envVar},
				Usage:   generatedCLIFlagUsage,
				Hidden:  hidden,
			}
		case reflect.Float32, reflect.Float64:
			flag = &cli.Float64Flag{
				Name:    name,
				EnvVars: []string{envVar},
				Usage:   generatedCLIFlagUsage,
				Hidden:  hidden,
			}
		case reflect.Slice, reflect.Map:
			// streams and component levels only come from yaml
			continue
		default:
			return flags, fmt.Errorf("cli flag generation unsupported for config type: %s is a %s", name, kind.String())
		}

		flags = append(flags, flag)
	}

	return flags, nil
}

func (conf *Config) updateFromCLI(c *cli.Context, baseFlags []cli.Flag) error {
	generatedFlagNames := conf.ToCLIFlagNames(baseFlags)
	for _, flag := range c.App.Flags {
		flagName := flag.Names()[0]
		if !c.IsSet(flagName) {
			continue
		}

		configValue, ok := generatedFlagNames[flagName]
		if !ok {
			continue
		}

		if configValue.Type() == durationType {
			configValue.SetInt(int64(c.Duration(flagName)))
			continue
		}

		kind := configValue.Kind()
		if kind == reflect.Ptr {
			// instantiate value to be set
			configValue.Set(reflect.New(configValue.Type().Elem()))

			kind = configValue.Type().Elem().Kind()
			configValue = configValue.Elem()
		}

		switch kind {
		case reflect.Bool:
			configValue.SetBool(c.Bool(flagName))
		case reflect.String:
			configValue.SetString(c.String(flagName))
		case reflect.Int, reflect.Int32, reflect.Int64:
			configValue.SetInt(c.Int64(flagName))
		case reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
			configValue.SetUint(c.Uint64(flagName))
		case reflect.Float32, reflect.Float64:
			configValue.SetFloat(c.Float64(flagName))
		default:
			return errors.Wrapf(errUnsupportedFlagValue, "%s is a %s", flagName, kind.String())
		}
	}

	if c.IsSet("dev") {
		conf.Development = c.Bool("dev")
	}
	if c.IsSet("listen") {
		conf.Relay.ListenAddress = c.String("listen")
	}
	if c.IsSet("forward") {
		conf.Relay.ForwardAddress = c.String("forward")
	}
	if c.IsSet("streams") {
		if err := conf.LoadStreams(c.String("streams")); err != nil {
			return err
		}
	}
	return nil
}

func InitLoggerFromConfig(config *LoggingConfig) {
	logger.InitFromConfig(&config.Config, "rtp-splicer")
}
