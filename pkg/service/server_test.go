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

package service

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/livekit/rtp-splicer/pkg/config"
)

func newTestConfig(t *testing.T, content string) *config.Config {
	conf, err := config.NewConfig(content, true, nil, nil)
	require.NoError(t, err)
	conf.Relay.ListenAddress = "127.0.0.1:0"
	conf.Relay.ForwardAddress = "127.0.0.1:9"
	return conf
}

func TestSplicerServerStartStop(t *testing.T) {
	conf := newTestConfig(t, `streams:
  - {source: 1111, target: 5000, rtx: 1112, rtx_target: 5001}
  - {source: 2222, target: 5000}`)

	s, err := NewSplicerServer(conf)
	require.NoError(t, err)
	require.NotNil(t, s.Engine().Group(5000))
	require.NotNil(t, s.Engine().Group(5001))
	require.Equal(t, 2, s.Engine().Group(5000).SourceCount())

	errChan := make(chan error, 1)
	go func() {
		errChan <- s.Start()
	}()
	require.Eventually(t, s.IsRunning, time.Second, 10*time.Millisecond)
	require.ErrorIs(t, s.Start(), ErrAlreadyRunning)

	s.Stop()
	select {
	case err := <-errChan:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("server did not stop")
	}
	require.False(t, s.IsRunning())
}

func TestSplicerServerInvalidStreams(t *testing.T) {
	conf := newTestConfig(t, "")
	conf.Streams = []config.StreamConfig{
		{Source: 1111, Target: 5000},
		{Source: 1111, Target: 6000},
	}

	_, err := NewSplicerServer(conf)
	require.Error(t, err)
}
