// Copyright 2025 The Sepiida authors
// Licensed under the GPLv3, see LICENCE file for details.

// Package registry maintains one persistent agent connection per
// configured host and exposes the resulting live state: connection
// state, host information, and the table of logged-in user sessions.
// Each host gets its own connection worker that dials, watches, and
// redials forever; the registry supervises them and picks up hosts
// added by configuration reloads.
package registry

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"github.com/juju/clock"
	"github.com/juju/errors"
	"github.com/juju/loggo"
	"github.com/juju/retry"
	"github.com/juju/worker/v4"
	"github.com/juju/worker/v4/catacomb"

	"github.com/sepiida/sepiida/internal/location"
	"github.com/sepiida/sepiida/internal/params"
)

var logger = loggo.GetLogger("sepiida.registry")

// Session is a live agent connection as the registry and the relay see
// it. *agentconn.Session implements it.
type Session interface {
	Processes(ctx context.Context, items []params.Item) ([]params.Item, error)
	KillProcesses(ctx context.Context, items []params.Item) ([]params.Item, error)
	Thumbnails(ctx context.Context, items []params.Item) ([]params.Item, error)
	VNC(ctx context.Context, items []params.Item) ([]params.Item, error)
	Login(ctx context.Context, item params.Item) (params.Item, error)
	Message(ctx context.Context, items []params.Item) ([]params.Item, error)
	Logout(ctx context.Context, items []params.Item) ([]params.Item, error)
	Lock(ctx context.Context, items []params.Item) ([]params.Item, error)
	OpenURL(ctx context.Context, items []params.Item) ([]params.Item, error)
	Shutdown(ctx context.Context, item params.Item) (params.Item, error)

	Done() <-chan struct{}
	Err() error
	Close() error
}

// SessionEvents carries the callbacks a connector wires into each new
// session.
type SessionEvents struct {
	UsersChanged func([]params.AgentUser)
	InfoChanged  func(params.AgentInfo)
	Activity     func()
}

// Connector establishes agent sessions. The production implementation
// dials SSH; tests substitute their own.
type Connector interface {
	Connect(ctx context.Context, hostname, alias string, events SessionEvents) (Session, error)
}

// HostSpec names one host to manage, with an optional host key alias.
type HostSpec struct {
	Name  string
	Alias string
}

// Config holds a Registry's dependencies.
type Config struct {
	// Hosts returns the currently configured host list. It is consulted
	// on every sweep, so configuration reloads take effect without a
	// restart.
	Hosts func() []HostSpec

	// Connector establishes agent sessions.
	Connector Connector

	// Locations resolves host and user session locations.
	Locations location.Resolver

	// Clock drives reconnect pacing and the liveness watchdog.
	Clock clock.Clock

	// ConnectFrequency is the delay between reconnect attempts and
	// between host list sweeps. Initial connections are jittered within
	// it so a restart does not dial every host at once.
	ConnectFrequency time.Duration

	// PollFrequency is how often each host's liveness is checked. An
	// agent silent for longer than the watchdog threshold derived from
	// it is presumed dead and its connection is torn down.
	PollFrequency time.Duration
}

// Validate returns an error if the config cannot back a Registry.
func (config Config) Validate() error {
	if config.Hosts == nil {
		return errors.NotValidf("nil Hosts")
	}
	if config.Connector == nil {
		return errors.NotValidf("nil Connector")
	}
	if config.Locations == nil {
		return errors.NotValidf("nil Locations")
	}
	if config.Clock == nil {
		return errors.NotValidf("nil Clock")
	}
	if config.ConnectFrequency <= 0 {
		return errors.NotValidf("non-positive ConnectFrequency")
	}
	if config.PollFrequency <= 0 {
		return errors.NotValidf("non-positive PollFrequency")
	}
	return nil
}

// watchdogThreshold is how long an agent may stay silent before its
// connection is presumed dead. Agents push info every poll period, so
// half a period of slack absorbs scheduling noise without letting a
// dead connection linger.
func (config Config) watchdogThreshold() time.Duration {
	return config.PollFrequency + config.PollFrequency/2
}

// Registry supervises the per-host connection workers and indexes their
// host records.
type Registry struct {
	catacomb catacomb.Catacomb
	config   Config
	runner   *worker.Runner

	mu    sync.Mutex
	hosts map[string]*Host
}

// New returns a running Registry.
func New(config Config) (*Registry, error) {
	if err := config.Validate(); err != nil {
		return nil, errors.Trace(err)
	}
	r := &Registry{
		config: config,
		hosts:  make(map[string]*Host),
		runner: worker.NewRunner(worker.RunnerParams{
			// Host workers loop internally; an error escaping one is a
			// bug, and the runner restarting it keeps the host covered.
			IsFatal:      func(err error) bool { return false },
			RestartDelay: config.ConnectFrequency,
			Clock:        config.Clock,
		}),
	}
	if err := catacomb.Invoke(catacomb.Plan{
		Site: &r.catacomb,
		Work: r.loop,
		Init: []worker.Worker{r.runner},
	}); err != nil {
		return nil, errors.Trace(err)
	}
	return r, nil
}

// Kill is part of the worker.Worker interface.
func (r *Registry) Kill() {
	r.catacomb.Kill(nil)
}

// Wait is part of the worker.Worker interface.
func (r *Registry) Wait() error {
	return r.catacomb.Wait()
}

// Host returns the record for the named host, or nil if it is not
// configured.
func (r *Registry) Host(name string) *Host {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.hosts[name]
}

// Hosts returns all host records, in no particular order.
func (r *Registry) Hosts() []*Host {
	r.mu.Lock()
	defer r.mu.Unlock()
	hosts := make([]*Host, 0, len(r.hosts))
	for _, host := range r.hosts {
		hosts = append(hosts, host)
	}
	return hosts
}

func (r *Registry) loop() error {
	for {
		if err := r.sweep(); err != nil {
			return errors.Trace(err)
		}
		select {
		case <-r.catacomb.Dying():
			return r.catacomb.ErrDying()
		case <-r.config.Clock.After(r.config.ConnectFrequency):
		}
	}
}

// sweep starts a connection worker for every configured host that does
// not have one yet. Hosts dropped from configuration keep their workers
// until restart; tearing down live admin sessions on a reload is worse
// than carrying a few spare connections.
func (r *Registry) sweep() error {
	for _, spec := range r.config.Hosts() {
		r.mu.Lock()
		_, known := r.hosts[spec.Name]
		var host *Host
		if !known {
			host = newHost(spec.Name, spec.Alias)
			r.hosts[spec.Name] = host
		}
		r.mu.Unlock()
		if known {
			continue
		}
		logger.Debugf("managing host %q", spec.Name)
		if err := r.runner.StartWorker(spec.Name, func() (worker.Worker, error) {
			w := &hostWorker{config: r.config, host: host}
			if err := catacomb.Invoke(catacomb.Plan{
				Site: &w.catacomb,
				Work: w.loop,
			}); err != nil {
				return nil, errors.Trace(err)
			}
			return w, nil
		}); err != nil {
			return errors.Annotatef(err, "starting worker for host %q", spec.Name)
		}
	}
	return nil
}

// hostWorker owns one host's agent connection for the registry's
// lifetime: dial with jitter, watch for silence, tear down, redial.
type hostWorker struct {
	catacomb catacomb.Catacomb
	config   Config
	host     *Host

	// lastFailure suppresses repeated logging of an unchanged failure.
	// A host that is down stays down for a while; one error line per
	// streak is enough.
	lastFailure string
}

// Kill is part of the worker.Worker interface.
func (w *hostWorker) Kill() {
	w.catacomb.Kill(nil)
}

// Wait is part of the worker.Worker interface.
func (w *hostWorker) Wait() error {
	return w.catacomb.Wait()
}

func (w *hostWorker) loop() error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		<-w.catacomb.Dying()
		cancel()
	}()

	// Jitter the first attempt so a relay restart does not dial the
	// whole fleet simultaneously.
	jitter := time.Duration(rand.Int63n(int64(w.config.ConnectFrequency)))
	select {
	case <-w.catacomb.Dying():
		return w.catacomb.ErrDying()
	case <-w.config.Clock.After(jitter):
	}

	err := retry.Call(retry.CallArgs{
		Func: func() error {
			return w.connectOnce(ctx)
		},
		NotifyFunc: func(err error, attempt int) {
			w.noteFailure(err)
		},
		Attempts: -1, // retry forever
		Delay:    w.config.ConnectFrequency,
		Clock:    w.config.Clock,
		Stop:     w.catacomb.Dying(),
	})
	select {
	case <-w.catacomb.Dying():
		return w.catacomb.ErrDying()
	default:
		return errors.Trace(err)
	}
}

func (w *hostWorker) noteFailure(err error) {
	msg := err.Error()
	if msg == w.lastFailure {
		logger.Debugf("host %q: %v", w.host.Name(), err)
		return
	}
	w.lastFailure = msg
	logger.Errorf("host %q: %v", w.host.Name(), err)
}

// connectOnce establishes one agent session and serves it until it
// fails. It returns nil only when the worker is dying, so the enclosing
// retry loop runs until then.
func (w *hostWorker) connectOnce(ctx context.Context) error {
	host := w.host
	host.setState(StateConnecting)
	defer host.setDisconnected()

	session, err := w.config.Connector.Connect(ctx, host.Name(), host.alias, SessionEvents{
		UsersChanged: w.usersChanged,
		InfoChanged:  host.setInfo,
		Activity: func() {
			host.touch(w.config.Clock.Now())
		},
	})
	if err != nil {
		select {
		case <-w.catacomb.Dying():
			return nil
		default:
			return errors.Trace(err)
		}
	}
	host.setConnected(session, w.config.Clock.Now())
	w.lastFailure = ""
	logger.Infof("connected to host %q", host.Name())

	w.resolveHostLocation(ctx)
	return w.watch(session)
}

// watch waits for the session to end, checking on every poll period
// that the agent has spoken recently. Agents push host information on
// their own schedule, so a healthy connection is never silent for long.
func (w *hostWorker) watch(session Session) error {
	defer session.Close()
	threshold := w.config.watchdogThreshold()
	for {
		select {
		case <-w.catacomb.Dying():
			return nil
		case <-session.Done():
			err := session.Err()
			if err == nil {
				err = errors.New("connection closed")
			}
			return errors.Annotatef(err, "host %q", w.host.Name())
		case <-w.config.Clock.After(w.config.PollFrequency):
			silent := w.config.Clock.Now().Sub(w.host.LastResponse())
			if silent > threshold {
				return errors.Errorf("host %q: no response for %v", w.host.Name(), silent)
			}
		}
	}
}

func (w *hostWorker) resolveHostLocation(ctx context.Context) {
	loc, err := w.config.Locations.Lookup(ctx, w.host.Name(), "", "")
	if err != nil {
		logger.Debugf("resolving location of host %q: %v", w.host.Name(), err)
		return
	}
	w.host.setLocation(loc)
}

// usersChanged installs a pushed user list and resolves locations for
// identities not seen before. Lookups run an external command, so they
// happen off the session's input goroutine.
func (w *hostWorker) usersChanged(pushed []params.AgentUser) {
	unresolved := w.host.setUsers(pushed)
	for _, user := range unresolved {
		user := user
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), w.config.PollFrequency)
			defer cancel()
			loc, err := w.config.Locations.Lookup(ctx, user.Server, user.Client, user.HWAddr)
			if err != nil {
				logger.Debugf("resolving location of %s on %s: %v", user.Username, user.Server, err)
				return
			}
			w.host.setUserLocation(user.UserKey, loc)
		}()
	}
}
