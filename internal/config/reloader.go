// Copyright 2025 The Sepiida authors
// Licensed under the GPLv3, see LICENCE file for details.

package config

import (
	"os"
	"time"

	"github.com/juju/clock"
	"github.com/juju/errors"
	"github.com/juju/loggo"
	"github.com/juju/worker/v4/catacomb"
)

var logger = loggo.GetLogger("sepiida.config")

// DefaultReloadInterval is how often the configuration file's
// modification time is checked.
const DefaultReloadInterval = 30 * time.Second

// ReloaderConfig holds a Reloader's dependencies.
type ReloaderConfig struct {
	// Path is the configuration file to watch.
	Path string

	// Store receives reloaded snapshots.
	Store *Store

	// Clock drives the poll interval.
	Clock clock.Clock

	// Interval overrides DefaultReloadInterval when positive.
	Interval time.Duration
}

// Validate returns an error if the config cannot back a Reloader.
func (config ReloaderConfig) Validate() error {
	if config.Path == "" {
		return errors.NotValidf("empty Path")
	}
	if config.Store == nil {
		return errors.NotValidf("nil Store")
	}
	if config.Clock == nil {
		return errors.NotValidf("nil Clock")
	}
	return nil
}

// Reloader reloads the configuration file when its modification time
// changes, or when poked. A load failure keeps the previous snapshot
// active; a broken edit must never take a working relay down.
type Reloader struct {
	catacomb catacomb.Catacomb
	config   ReloaderConfig
	poke     chan struct{}
	loadedAt time.Time
}

// NewReloader returns a running Reloader.
func NewReloader(config ReloaderConfig) (*Reloader, error) {
	if err := config.Validate(); err != nil {
		return nil, errors.Trace(err)
	}
	if config.Interval <= 0 {
		config.Interval = DefaultReloadInterval
	}
	r := &Reloader{
		config:   config,
		poke:     make(chan struct{}, 1),
		loadedAt: config.Clock.Now(),
	}
	if err := catacomb.Invoke(catacomb.Plan{
		Site: &r.catacomb,
		Work: r.loop,
	}); err != nil {
		return nil, errors.Trace(err)
	}
	return r, nil
}

// Kill is part of the worker.Worker interface.
func (r *Reloader) Kill() {
	r.catacomb.Kill(nil)
}

// Wait is part of the worker.Worker interface.
func (r *Reloader) Wait() error {
	return r.catacomb.Wait()
}

// Poke forces a reload regardless of the file's modification time. It
// never blocks; a reload is already due if the channel is full.
func (r *Reloader) Poke() {
	select {
	case r.poke <- struct{}{}:
	default:
	}
}

func (r *Reloader) loop() error {
	for {
		select {
		case <-r.catacomb.Dying():
			return r.catacomb.ErrDying()
		case <-r.poke:
			r.reload()
		case <-r.config.Clock.After(r.config.Interval):
			if r.modified() {
				r.reload()
			}
		}
	}
}

func (r *Reloader) modified() bool {
	info, err := os.Stat(r.config.Path)
	if err != nil {
		logger.Errorf("checking configuration file: %v", err)
		return false
	}
	return info.ModTime().After(r.loadedAt)
}

// reload swaps in a fresh snapshot. The load timestamp advances even on
// failure so a persistently broken file is not re-parsed every poll.
func (r *Reloader) reload() {
	r.loadedAt = r.config.Clock.Now()
	cfg, err := Read(r.config.Path)
	if err != nil {
		logger.Errorf("keeping previous configuration: %v", err)
		return
	}
	r.config.Store.replace(cfg)
	logger.Infof("reloaded configuration")
}
