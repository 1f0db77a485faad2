// Copyright 2025 The Sepiida authors
// Licensed under the GPLv3, see LICENCE file for details.

// sepiidad is the sepiida relay server: it holds a persistent agent
// connection to every managed host and serves fleet requests from
// front-end clients over a unix socket, subject to authorization rules.
package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/juju/clock"
	"github.com/juju/cmd/v3"
	"github.com/juju/errors"
	"github.com/juju/gnuflag"
	"github.com/juju/loggo"
	"github.com/juju/worker/v4"

	"github.com/sepiida/sepiida/internal/acl"
	"github.com/sepiida/sepiida/internal/config"
	"github.com/sepiida/sepiida/internal/location"
	"github.com/sepiida/sepiida/internal/registry"
	"github.com/sepiida/sepiida/internal/relay"
)

var logger = loggo.GetLogger("sepiida.daemon")

const defaultConfigPath = "/etc/sepiida/server.yaml"

const version = "1.0.0"

// dialTimeout bounds SSH connection establishment to one host,
// including the wait for the agent's hello.
const dialTimeout = 30 * time.Second

func main() {
	ctx, err := cmd.DefaultContext()
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(2)
	}
	os.Exit(cmd.Main(&serverCommand{}, ctx, os.Args[1:]))
}

type serverCommand struct {
	cmd.CommandBase
	configPath  string
	logConfig   string
	showVersion bool
}

// Info is part of the cmd.Command interface.
func (c *serverCommand) Info() *cmd.Info {
	return &cmd.Info{
		Name:    "sepiidad",
		Purpose: "run the sepiida relay server",
	}
}

// SetFlags is part of the cmd.Command interface.
func (c *serverCommand) SetFlags(f *gnuflag.FlagSet) {
	f.StringVar(&c.configPath, "config", defaultConfigPath, "path to the configuration file")
	f.StringVar(&c.logConfig, "log-config", "", "loggo configuration, overriding the configuration file")
	f.BoolVar(&c.showVersion, "version", false, "print the version and exit")
}

// Run is part of the cmd.Command interface.
func (c *serverCommand) Run(ctx *cmd.Context) error {
	if c.showVersion {
		fmt.Fprintln(ctx.Stdout, version)
		return nil
	}
	cfg, err := config.Read(c.configPath)
	if err != nil {
		return errors.Trace(err)
	}
	logConfig := cfg.LogConfig
	if c.logConfig != "" {
		logConfig = c.logConfig
	}
	if logConfig != "" {
		if err := loggo.ConfigureLoggers(logConfig); err != nil {
			return errors.Annotate(err, "configuring logging")
		}
	}

	store := config.NewStore(cfg)
	clk := clock.WallClock

	reg, err := registry.New(registry.Config{
		Hosts: store.HostSpecs,
		Connector: registry.SSHConnector{
			Username:       cfg.AgentUser,
			KeyPath:        cfg.SSHKey,
			KnownHostsPath: cfg.KnownHosts,
			AgentCommand:   cfg.AgentCommand,
			Timeout:        dialTimeout,
			Clock:          clk,
		},
		Locations:        location.CommandResolver{Command: cfg.LocationCommand},
		Clock:            clk,
		ConnectFrequency: cfg.ConnectFrequency,
		PollFrequency:    cfg.PollFrequency,
	})
	if err != nil {
		return errors.Trace(err)
	}

	server, err := relay.NewServer(relay.Config{
		SocketPath: cfg.Socket,
		Identifier: relay.PeerCredIdentifier{},
		Backend:    relay.NewRegistryBackend(reg),
		Rules:      store.Rules,
		Groups:     acl.EtcGroupSource{},
		Clock:      clk,
	})
	if err != nil {
		reg.Kill()
		return errors.Trace(err)
	}

	reloader, err := config.NewReloader(config.ReloaderConfig{
		Path:  c.configPath,
		Store: store,
		Clock: clk,
	})
	if err != nil {
		reg.Kill()
		server.Kill()
		return errors.Trace(err)
	}

	// One worker dying for any reason takes the daemon down; process
	// supervision handles restarts.
	runner := worker.NewRunner(worker.RunnerParams{
		IsFatal: func(err error) bool { return true },
		Clock:   clk,
	})
	for _, w := range []struct {
		name   string
		worker worker.Worker
	}{
		{"registry", reg},
		{"relay", server},
		{"reloader", reloader},
	} {
		w := w
		if err := runner.StartWorker(w.name, func() (worker.Worker, error) {
			return w.worker, nil
		}); err != nil {
			runner.Kill()
			return errors.Annotatef(err, "starting %s", w.name)
		}
	}

	signals := make(chan os.Signal, 1)
	signal.Notify(signals, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)
	defer signal.Stop(signals)
	go func() {
		for sig := range signals {
			if sig == syscall.SIGHUP {
				logger.Infof("received SIGHUP, reloading configuration")
				reloader.Poke()
				continue
			}
			logger.Infof("received %v, shutting down", sig)
			runner.Kill()
			return
		}
	}()

	logger.Infof("serving on %s, managing %d hosts", cfg.Socket, len(cfg.Hosts))
	return errors.Trace(runner.Wait())
}
