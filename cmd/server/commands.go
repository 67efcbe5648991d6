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

package main

import (
	"fmt"
	"net"
	"os"
	"strconv"

	"github.com/olekukonko/tablewriter"
	"github.com/urfave/cli/v2"
	"gopkg.in/yaml.v3"

	"github.com/livekit/rtp-splicer/pkg/config"
)

func printPorts(c *cli.Context) error {
	conf, err := getConfig(c)
	if err != nil {
		return err
	}

	_, port, err := net.SplitHostPort(conf.Relay.ListenAddress)
	if err != nil {
		return err
	}
	fmt.Println("UDP Ports")
	fmt.Printf("  - %s - RTP/RTCP\n", port)

	if conf.Relay.PrometheusPort != 0 {
		fmt.Println("TCP Ports")
		fmt.Printf("  - %d - metrics and debug\n", conf.Relay.PrometheusPort)
	}
	return nil
}

func printStreams(c *cli.Context) error {
	conf, err := getConfig(c)
	if err != nil {
		return err
	}

	table := tablewriter.NewWriter(os.Stdout)
	table.SetRowLine(true)
	table.SetAutoWrapText(false)
	table.SetHeader([]string{"Source", "Target", "RTX", "RTX Target", "RED PT", "FEC PT"})
	for _, s := range conf.Streams {
		table.Append(streamRow(s))
	}
	table.Render()
	return nil
}

func streamRow(s config.StreamConfig) []string {
	optional := func(v uint64) string {
		if v == 0 {
			return "-"
		}
		return strconv.FormatUint(v, 10)
	}
	return []string{
		strconv.FormatUint(uint64(s.Source), 10),
		strconv.FormatUint(uint64(s.Target), 10),
		optional(uint64(s.RTX)),
		optional(uint64(s.RTXTarget)),
		optional(uint64(s.REDPayloadType)),
		optional(uint64(s.FECPayloadType)),
	}
}

func printConfig(c *cli.Context) error {
	conf, err := getConfig(c)
	if err != nil {
		return err
	}

	b, err := yaml.Marshal(conf)
	if err != nil {
		return err
	}
	fmt.Print(string(b))
	return nil
}

func helpVerbose(c *cli.Context) error {
	generatedFlags, err := config.GenerateCLIFlags(baseFlags, false)
	if err != nil {
		return err
	}

	c.App.Flags = append(baseFlags, generatedFlags...)
	return cli.ShowAppHelp(c)
}
