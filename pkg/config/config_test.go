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
	"flag"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/urfave/cli/v2"

	"github.com/livekit/rtp-splicer/pkg/config/configtest"
)

func TestConfig_YAMLTags(t *testing.T) {
	require.NoError(t, configtest.CheckYAMLTags(Config{}))
}

func TestConfig_DefaultsKept(t *testing.T) {
	const content = `rewriter:
  max_intervals: 8`
	conf, err := NewConfig(content, true, nil, nil)
	require.NoError(t, err)
	require.Equal(t, 8, conf.Rewriter.MaxIntervals)
	require.Equal(t, 30*time.Second, conf.Rewriter.MaxIntervalAge)
	require.Equal(t, 512, conf.Termination.MaxReporters)
	require.Equal(t, DefaultListenAddress, conf.Relay.ListenAddress)
	require.Equal(t, "error", conf.Logging.ComponentLevels["pion"])
	require.Equal(t, "error", conf.Logging.ComponentLevels["transport.pion"])
}

func TestConfig_UnknownKeys(t *testing.T) {
	const content = `unknown: 10
rewriter:
  max_intervals: 8`
	_, err := NewConfig(content, true, nil, nil)
	require.Error(t, err)

	conf, err := NewConfig(content, false, nil, nil)
	require.NoError(t, err)
	require.Equal(t, 8, conf.Rewriter.MaxIntervals)
}

func TestConfig_LogLevel(t *testing.T) {
	conf, err := NewConfig("development: true", true, nil, nil)
	require.NoError(t, err)
	require.Equal(t, "debug", conf.Logging.Level)

	conf, err = NewConfig("development: true\nlog_level: warn", true, nil, nil)
	require.NoError(t, err)
	require.Equal(t, "warn", conf.Logging.Level)
}

func TestConfig_Streams(t *testing.T) {
	const content = `streams:
  - source: 1111
    target: 5000
    rtx: 1112
    rtx_target: 5001
    red_payload_type: 63
    fec_payload_type: 116
  - source: 2222
    target: 5000`
	conf, err := NewConfig(content, true, nil, nil)
	require.NoError(t, err)
	require.Equal(t, []StreamConfig{
		{Source: 1111, Target: 5000, RTX: 1112, RTXTarget: 5001, REDPayloadType: 63, FECPayloadType: 116},
		{Source: 2222, Target: 5000},
	}, conf.Streams)
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		content string
		err     error
	}{
		{
			name:    "max intervals",
			content: "rewriter:\n  max_intervals: -1",
			err:     ErrInvalidMaxIntervals,
		},
		{
			name:    "max reporters",
			content: "termination:\n  max_reporters: -1",
			err:     ErrInvalidMaxReporters,
		},
		{
			name:    "read buffer",
			content: "relay:\n  read_buffer_size: 4",
			err:     ErrInvalidReadBuffer,
		},
		{
			name:    "missing target",
			content: "streams:\n  - source: 1",
			err:     ErrStreamMissingTarget,
		},
		{
			name:    "missing source",
			content: "streams:\n  - target: 1",
			err:     ErrStreamMissingSource,
		},
		{
			name:    "duplicate source",
			content: "streams:\n  - {source: 1, target: 5}\n  - {source: 1, target: 6}",
			err:     ErrDuplicateStream,
		},
		{
			name:    "rtx collides with media",
			content: "streams:\n  - {source: 1, target: 5, rtx: 2, rtx_target: 6}\n  - {source: 2, target: 5}",
			err:     ErrConflictingRTX,
		},
		{
			name:    "rtx repairs itself",
			content: "streams:\n  - {source: 1, target: 5, rtx: 1, rtx_target: 6}",
			err:     ErrStreamSelfRepair,
		},
		{
			name:    "rtx without target",
			content: "streams:\n  - {source: 1, target: 5, rtx: 2}",
			err:     ErrStreamMissingRTXTarget,
		},
		{
			name:    "payload type",
			content: "streams:\n  - {source: 1, target: 5, red_payload_type: 200}",
			err:     ErrInvalidPayloadType,
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := NewConfig(tc.content, true, nil, nil)
			require.ErrorIs(t, err, tc.err)
		})
	}
}

func TestConfig_LoadStreams(t *testing.T) {
	path := filepath.Join(t.TempDir(), "streams.yaml")
	require.NoError(t, os.WriteFile(path, []byte("- {source: 10, target: 20, rtx: 11, rtx_target: 21}\n"), 0o644))

	conf, err := NewConfig("streams:\n  - {source: 1, target: 20}", true, nil, nil)
	require.NoError(t, err)
	require.NoError(t, conf.LoadStreams(path))
	require.Len(t, conf.Streams, 2)
	require.Equal(t, StreamConfig{Source: 10, Target: 20, RTX: 11, RTXTarget: 21}, conf.Streams[1])

	require.ErrorIs(t, conf.LoadStreams(path), ErrDuplicateStream)
	require.Error(t, conf.LoadStreams(filepath.Join(t.TempDir(), "missing.yaml")))
}

func TestConfig_ValidateRelay(t *testing.T) {
	conf, err := NewConfig("", true, nil, nil)
	require.NoError(t, err)
	require.ErrorIs(t, conf.ValidateRelay(), ErrMissingForward)

	conf.Relay.ForwardAddress = "127.0.0.1:6000"
	require.NoError(t, conf.ValidateRelay())
}

func TestGeneratedFlags(t *testing.T) {
	baseFlags := []cli.Flag{
		&cli.StringFlag{Name: "listen"},
		&cli.StringFlag{Name: "forward"},
	}
	generatedFlags, err := GenerateCLIFlags(baseFlags, true)
	require.NoError(t, err)

	app := cli.NewApp()
	app.Flags = append(baseFlags, generatedFlags...)

	set := flag.NewFlagSet("test", 0)
	set.Bool("development", false, "")                  // bool
	set.String("relay.node_id", "", "")                 // string
	set.Uint("relay.prometheus_port", 0, "")            // uint32
	set.Int("rewriter.max_intervals", 0, "")            // int
	set.Duration("termination.snapshot_max_age", 0, "") // duration
	set.String("listen", "", "")
	require.NoError(t, set.Set("development", "true"))
	require.NoError(t, set.Set("relay.node_id", "node-a"))
	require.NoError(t, set.Set("relay.prometheus_port", "9999"))
	require.NoError(t, set.Set("rewriter.max_intervals", "16"))
	require.NoError(t, set.Set("termination.snapshot_max_age", "5s"))
	require.NoError(t, set.Set("listen", "0.0.0.0:7000"))

	c := cli.NewContext(app, set, nil)
	conf, err := NewConfig("", true, c, baseFlags)
	require.NoError(t, err)

	require.True(t, conf.Development)
	require.Equal(t, "node-a", conf.Relay.NodeID)
	require.Equal(t, uint32(9999), conf.Relay.PrometheusPort)
	require.Equal(t, 16, conf.Rewriter.MaxIntervals)
	require.Equal(t, 5*time.Second, conf.Termination.SnapshotMaxAge)
	require.Equal(t, "0.0.0.0:7000", conf.Relay.ListenAddress)
}
