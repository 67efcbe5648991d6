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
	"os"
	"os/signal"
	"syscall"

	"github.com/urfave/cli/v2"

	"github.com/livekit/protocol/logger"

	"github.com/livekit/rtp-splicer/pkg/config"
	"github.com/livekit/rtp-splicer/pkg/service"
	"github.com/livekit/rtp-splicer/version"
)

var baseFlags = []cli.Flag{
	&cli.StringFlag{
		Name:  "config",
		Usage: "path to splicer config file",
	},
	&cli.StringFlag{
		Name:    "config-body",
		Usage:   "splicer config in YAML, typically passed in as an environment var in a container",
		EnvVars: []string{"SPLICER_CONFIG"},
	},
	&cli.StringFlag{
		Name:    "listen",
		Usage:   "UDP address media and feedback are received on",
		EnvVars: []string{"SPLICER_LISTEN"},
	},
	&cli.StringFlag{
		Name:    "forward",
		Usage:   "UDP address rewritten media is sent to",
		EnvVars: []string{"SPLICER_FORWARD"},
	},
	&cli.StringFlag{
		Name:  "streams",
		Usage: "path to a YAML list of source to target stream mappings",
	},
	&cli.BoolFlag{
		Name:  "dev",
		Usage: "sets log-level to debug and listens on localhost by default",
	},
	&cli.BoolFlag{
		Name:   "disable-strict-config",
		Usage:  "disables strict config parsing",
		Hidden: true,
	},
}

func main() {
	generatedFlags, err := config.GenerateCLIFlags(baseFlags, true)
	if err != nil {
		fmt.Println(err)
	}

	app := &cli.App{
		Name:        "rtp-splicer",
		Usage:       "splices RTP sources into continuous outgoing streams",
		Description: "run without subcommands to start the relay",
		Flags:       append(baseFlags, generatedFlags...),
		Action:      startServer,
		Commands: []*cli.Command{
			{
				Name:   "ports",
				Usage:  "print ports that the relay is configured to use",
				Action: printPorts,
			},
			{
				Name:   "streams",
				Usage:  "print the configured stream mappings",
				Action: printStreams,
			},
			{
				Name:   "print-config",
				Usage:  "print the effective configuration",
				Action: printConfig,
			},
			{
				Name:   "help-verbose",
				Usage:  "prints app help, including all generated configuration flags",
				Action: helpVerbose,
			},
		},
		Version: version.Version,
	}

	if err := app.Run(os.Args); err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}

func getConfig(c *cli.Context) (*config.Config, error) {
	confString, err := getConfigString(c.String("config"), c.String("config-body"))
	if err != nil {
		return nil, err
	}

	strictMode := true
	if c.Bool("disable-strict-config") {
		strictMode = false
	}

	conf, err := config.NewConfig(confString, strictMode, c, baseFlags)
	if err != nil {
		return nil, err
	}
	config.InitLoggerFromConfig(&conf.Logging)

	if c.String("config") == "" && c.String("config-body") == "" && conf.Development {
		logger.Infow("starting in development mode")
		if conf.Relay.ForwardAddress == "" {
			conf.Relay.ForwardAddress = "127.0.0.1:5006"
			logger.Infow("no forward address provided, using placeholder", "forward", conf.Relay.ForwardAddress)
		}
	}
	return conf, nil
}

func startServer(c *cli.Context) error {
	conf, err := getConfig(c)
	if err != nil {
		return err
	}
	if err := conf.ValidateRelay(); err != nil {
		return err
	}

	server, err := service.NewSplicerServer(conf)
	if err != nil {
		return err
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM, syscall.SIGQUIT)

	go func() {
		sig := <-sigChan
		logger.Infow("exit requested, shutting down", "signal", sig)
		server.Stop()
	}()

	return server.Start()
}

func getConfigString(configFile string, inConfigBody string) (string, error) {
	if inConfigBody != "" || configFile == "" {
		return inConfigBody, nil
	}

	outConfigBody, err := os.ReadFile(configFile)
	if err != nil {
		return "", err
	}

	return string(outConfigBody), nil
}
