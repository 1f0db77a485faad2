// Copyright 2025 The Sepiida authors
// Licensed under the GPLv3, see LICENCE file for details.

package config_test

import (
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/juju/clock/testclock"
	"github.com/juju/testing"
	jc "github.com/juju/testing/checkers"
	"github.com/juju/worker/v4/workertest"
	gc "gopkg.in/check.v1"

	"github.com/sepiida/sepiida/internal/config"
)

type reloaderSuite struct {
	testing.IsolationSuite
	path  string
	clock *testclock.Clock
	store *config.Store
}

var _ = gc.Suite(&reloaderSuite{})

func (s *reloaderSuite) SetUpTest(c *gc.C) {
	s.IsolationSuite.SetUpTest(c)
	s.path = filepath.Join(c.MkDir(), "server.yaml")
	s.writeConfig(c, "/run/sepiida.sock")
	// Start the clock in the past so any later write to the file looks
	// newer than the initial load.
	s.clock = testclock.NewClock(time.Now().Add(-time.Hour))

	cfg, err := config.Read(s.path)
	c.Assert(err, jc.ErrorIsNil)
	s.store = config.NewStore(cfg)
}

func (s *reloaderSuite) writeConfig(c *gc.C, socket string) {
	data := strings.Replace(validConfig, "/run/sepiida.sock", socket, 1)
	err := os.WriteFile(s.path, []byte(data), 0644)
	c.Assert(err, jc.ErrorIsNil)
}

func (s *reloaderSuite) newReloader(c *gc.C) *config.Reloader {
	reloader, err := config.NewReloader(config.ReloaderConfig{
		Path:  s.path,
		Store: s.store,
		Clock: s.clock,
	})
	c.Assert(err, jc.ErrorIsNil)
	s.AddCleanup(func(c *gc.C) { workertest.CleanKill(c, reloader) })
	return reloader
}

func waitFor(c *gc.C, cond func() bool) {
	timeout := time.After(testing.LongWait)
	for !cond() {
		select {
		case <-timeout:
			c.Fatalf("condition never held")
		case <-time.After(testing.ShortWait):
		}
	}
}

func (s *reloaderSuite) TestPokeReloads(c *gc.C) {
	reloader := s.newReloader(c)
	s.writeConfig(c, "/run/other.sock")
	reloader.Poke()
	waitFor(c, func() bool {
		return s.store.Current().Socket == "/run/other.sock"
	})
}

func (s *reloaderSuite) TestPollReloadsModifiedFile(c *gc.C) {
	s.newReloader(c)
	s.writeConfig(c, "/run/other.sock")
	err := s.clock.WaitAdvance(config.DefaultReloadInterval, testing.LongWait, 1)
	c.Assert(err, jc.ErrorIsNil)
	waitFor(c, func() bool {
		return s.store.Current().Socket == "/run/other.sock"
	})
}

func (s *reloaderSuite) TestBrokenConfigKeepsPrevious(c *gc.C) {
	reloader := s.newReloader(c)
	err := os.WriteFile(s.path, []byte("server:\n  unix-socket: /x\n"), 0644)
	c.Assert(err, jc.ErrorIsNil)
	reloader.Poke()

	// A subsequent good write is picked up, proving the reloader
	// survived the bad one; the bad one never replaced the snapshot.
	waitFor(c, func() bool {
		return s.store.Current().Socket == "/run/sepiida.sock"
	})
	s.writeConfig(c, "/run/third.sock")
	reloader.Poke()
	waitFor(c, func() bool {
		return s.store.Current().Socket == "/run/third.sock"
	})
}
