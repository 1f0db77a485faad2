// Copyright 2025 The Sepiida authors
// Licensed under the GPLv3, see LICENCE file for details.

package relay

import (
	"context"
	"encoding/json"
	"strings"
	"sync"

	"github.com/juju/errors"

	"github.com/sepiida/sepiida/internal/params"
	"github.com/sepiida/sepiida/internal/registry"
)

type handlerKind int

const (
	kindUser handlerKind = iota
	kindServer
)

// ensureField is a default set on result items for targets that never
// reached an agent, so every result item has the fields callers expect.
type ensureField struct {
	name  string
	value interface{}
}

// handlerSpec describes one front-end request: its kind decides
// validation, authorization and routing; extraFields are required on
// every args item; postFilter requests have their results re-checked
// against the caller's rule.
type handlerSpec struct {
	kind        handlerKind
	extraFields []string
	postFilter  bool
	run         func(ctx context.Context, s *clientSession, request string, items []params.Item) []params.Item
}

// handlers maps lower-cased request names to their specs. Lookups are
// case-insensitive on the wire.
var handlers = map[string]handlerSpec{
	"listusers": {
		kind:       kindUser,
		postFilter: true,
		run:        runListUsers,
	},
	"listservers": {
		kind:       kindServer,
		postFilter: true,
		run:        runListServers,
	},
	"listprocesses": {
		kind: kindUser,
		run: userRunner([]ensureField{{"processes", []interface{}{}}},
			func(ctx context.Context, sess registry.Session, items []params.Item) ([]params.Item, error) {
				return sess.Processes(ctx, items)
			}),
	},
	"killprocesses": {
		kind:        kindUser,
		extraFields: []string{"pid"},
		run: userRunner(nil,
			func(ctx context.Context, sess registry.Session, items []params.Item) ([]params.Item, error) {
				return sess.KillProcesses(ctx, items)
			}),
	},
	"getthumbnails": {
		kind: kindUser,
		run: userRunner([]ensureField{{"thumbnail", ""}},
			func(ctx context.Context, sess registry.Session, items []params.Item) ([]params.Item, error) {
				return sess.Thumbnails(ctx, items)
			}),
	},
	"vnc": {
		kind: kindUser,
		run: userRunner([]ensureField{{"port", ""}},
			func(ctx context.Context, sess registry.Session, items []params.Item) ([]params.Item, error) {
				return sess.VNC(ctx, items)
			}),
	},
	"sendmessage": {
		kind:        kindUser,
		extraFields: []string{"message"},
		run: userRunner(nil,
			func(ctx context.Context, sess registry.Session, items []params.Item) ([]params.Item, error) {
				return sess.Message(ctx, items)
			}),
	},
	"logout": {
		kind: kindUser,
		run: userRunner(nil,
			func(ctx context.Context, sess registry.Session, items []params.Item) ([]params.Item, error) {
				return sess.Logout(ctx, items)
			}),
	},
	"lockscreen": {
		kind: kindUser,
		run: userRunner(nil,
			func(ctx context.Context, sess registry.Session, items []params.Item) ([]params.Item, error) {
				return sess.Lock(ctx, items)
			}),
	},
	"openurl": {
		kind:        kindUser,
		extraFields: []string{"url"},
		run: userRunner(nil,
			func(ctx context.Context, sess registry.Session, items []params.Item) ([]params.Item, error) {
				return sess.OpenURL(ctx, items)
			}),
	},
	"login": {
		kind: kindServer,
		run: serverRunner(func(ctx context.Context, sess registry.Session, item params.Item) (params.Item, error) {
			return sess.Login(ctx, item)
		}),
	},
	"shutdown": {
		kind:        kindServer,
		extraFields: []string{"action"},
		run:         serverRunner(runShutdownItem),
	},
}

// handle runs one request through the pipeline: validate, authorize,
// dispatch, post-filter, respond.
func (s *clientSession) handle(ctx context.Context, id int64, req clientRequest) {
	spec, ok := handlers[strings.ToLower(req.Request)]
	if !ok {
		logger.Errorf("%q sent unknown request %q", s.username, req.Request)
		s.respond(id, "", []params.Item{}, params.CodeInvalid)
		return
	}
	items, err := validateArgs(spec, req.Args)
	if err != nil {
		logger.Errorf("%q sent invalid %s request: %v", s.username, req.Request, err)
		s.respond(id, "", []params.Item{}, params.CodeInvalid)
		return
	}
	if !s.rule.RequestAllowed(req.Request, "", nil, nil) {
		s.respond(id, req.Request, []params.Item{}, params.CodeNotAuthorized)
		return
	}
	data := spec.run(ctx, s, req.Request, items)
	if spec.postFilter {
		data = s.postFilter(spec.kind, req.Request, data)
	}
	s.respond(id, req.Request, data, "")
}

// validateArgs checks the request's args list against the spec: user
// identity fields on user-kind items, a server name on server-kind
// items, any request-specific extra fields, and no caller-supplied
// error field.
func validateArgs(spec handlerSpec, raw json.RawMessage) ([]params.Item, error) {
	if len(raw) == 0 {
		return nil, errors.New("missing args")
	}
	var items []params.Item
	if err := json.Unmarshal(raw, &items); err != nil {
		return nil, errors.New("args is not a list")
	}
	for _, item := range items {
		if item.ErrorCode() != "" {
			return nil, errors.New("args item carries an error field")
		}
		switch spec.kind {
		case kindUser:
			if _, ok := item.Key(); !ok {
				return nil, errors.New("args item is missing user identity fields")
			}
		case kindServer:
			if _, ok := item.Server(); !ok {
				return nil, errors.New("args item is missing server field")
			}
		}
		for _, field := range spec.extraFields {
			if _, ok := item[field]; !ok {
				return nil, errors.Errorf("args item is missing %q field", field)
			}
		}
	}
	return items, nil
}

// userRunner builds the run function shared by all user-targeted
// requests: authorize each target, partition by host, fan out to agents
// concurrently, and aggregate. Targets that are unknown, offline or
// unauthorized come back marked notfound without any agent contact;
// authorization failures are deliberately indistinguishable from absent
// users so callers cannot probe for existence.
func userRunner(defaults []ensureField, call func(context.Context, registry.Session, []params.Item) ([]params.Item, error)) func(context.Context, *clientSession, string, []params.Item) []params.Item {
	return func(ctx context.Context, s *clientSession, request string, items []params.Item) []params.Item {
		locations := s.locations()

		// Partition cleared targets by host. Anything that cannot or
		// must not reach an agent goes straight to the results. These
		// appends are unlocked: no dispatch goroutine exists until the
		// partition is complete.
		results := make([]params.Item, 0, len(items))
		buckets := make(map[string]*hostBucket)
		for _, item := range items {
			server, _ := item.Server()
			host, ok := s.config.Backend.Host(server)
			if !ok || !host.Connected() {
				results = append(results, failItem(item, defaults))
				continue
			}
			key, _ := item.Key()
			user, ok := host.User(key)
			if !ok {
				results = append(results, failItem(item, defaults))
				continue
			}
			if !s.rule.RequestAllowed(request, s.username, locations, &user) {
				results = append(results, failItem(item, defaults))
				continue
			}
			bucket, ok := buckets[server]
			if !ok {
				bucket = &hostBucket{host: host}
				buckets[server] = bucket
			}
			bucket.items = append(bucket.items, item)
		}

		var (
			mu sync.Mutex
			wg sync.WaitGroup
		)
		for _, bucket := range buckets {
			bucket := bucket
			wg.Add(1)
			go func() {
				defer wg.Done()
				// Agents identify users by the remaining identity
				// fields; the server field is the relay's routing key
				// and is stripped before the call, then restored on
				// every result item.
				args := make([]params.Item, len(bucket.items))
				for i, item := range bucket.items {
					arg := item.Clone()
					delete(arg, "server")
					args[i] = arg
				}
				resp, err := call(ctx, bucket.host.Session(), args)
				mu.Lock()
				defer mu.Unlock()
				if err != nil {
					logger.Errorf("%s request to host %q failed: %v", request, bucket.host.Name(), err)
					for _, item := range bucket.items {
						results = append(results, failItem(item, defaults))
					}
					return
				}
				for _, item := range resp {
					item["server"] = bucket.host.Name()
					results = append(results, item)
				}
			}()
		}
		wg.Wait()
		return results
	}
}

type hostBucket struct {
	host  Host
	items []params.Item
}

// failItem marks a target notfound and fills in the defaults an agent
// response would have carried.
func failItem(item params.Item, defaults []ensureField) params.Item {
	item.SetError(params.CodeNotFound)
	for _, d := range defaults {
		item[d.name] = d.value
	}
	return item
}

// serverRunner builds the run function shared by the host-targeted
// requests. Each target is one single-object agent call; unknown,
// offline and unauthorized hosts are marked notfound without agent
// contact, on the same no-information-leak principle as user targets.
func serverRunner(call func(context.Context, registry.Session, params.Item) (params.Item, error)) func(context.Context, *clientSession, string, []params.Item) []params.Item {
	return func(ctx context.Context, s *clientSession, request string, items []params.Item) []params.Item {
		locations := s.locations()

		results := make([]params.Item, 0, len(items))
		var (
			mu sync.Mutex
			wg sync.WaitGroup
		)
		// Dispatch goroutines for earlier targets may already be
		// appending, so even the local rejections take the lock.
		reject := func(item params.Item) {
			item.SetError(params.CodeNotFound)
			mu.Lock()
			defer mu.Unlock()
			results = append(results, item)
		}
		for _, item := range items {
			server, _ := item.Server()
			host, ok := s.config.Backend.Host(server)
			if !ok || !host.Connected() {
				reject(item)
				continue
			}
			if !s.rule.RequestAllowedServer(request, s.username, locations, host.Users()) {
				reject(item)
				continue
			}
			item := item
			wg.Add(1)
			go func() {
				defer wg.Done()
				arg := item.Clone()
				delete(arg, "server")
				resp, err := call(ctx, host.Session(), arg)
				mu.Lock()
				defer mu.Unlock()
				if err != nil {
					logger.Errorf("%s request to host %q failed: %v", request, host.Name(), err)
					item.SetError(params.CodeNotFound)
					results = append(results, item)
					return
				}
				resp["server"] = host.Name()
				results = append(results, resp)
			}()
		}
		wg.Wait()
		return results
	}
}

// runShutdownItem rejects unknown actions before they reach a host.
// The result carries only the error; the dispatcher adds the server.
func runShutdownItem(ctx context.Context, sess registry.Session, item params.Item) (params.Item, error) {
	action, _ := item.String("action")
	if action != "poweroff" && action != "reboot" {
		return params.Item{"error": params.CodeInvalid}, nil
	}
	return sess.Shutdown(ctx, item)
}

// runListUsers reports every logged-in session on every connected host.
// The post-filter decides which of them this caller may see.
func runListUsers(ctx context.Context, s *clientSession, request string, items []params.Item) []params.Item {
	results := make([]params.Item, 0)
	for _, host := range s.config.Backend.Hosts() {
		if !host.Connected() {
			continue
		}
		for _, user := range host.Users() {
			results = append(results, params.Item{
				"username": user.Username,
				"server":   user.Server,
				"client":   user.Client,
				"display":  user.Display,
				"name":     user.Name,
				"groups":   user.Groups,
				"time":     user.LoginTime,
				"location": user.Location,
			})
		}
	}
	return results
}

// runListServers reports every connected host.
func runListServers(ctx context.Context, s *clientSession, request string, items []params.Item) []params.Item {
	results := make([]params.Item, 0)
	for _, host := range s.config.Backend.Hosts() {
		if !host.Connected() {
			continue
		}
		info := host.Info()
		results = append(results, params.Item{
			"server":   host.Name(),
			"users":    host.UserCount(),
			"uptime":   info.Uptime,
			"load":     info.Load,
			"os":       info.OS,
			"location": host.Location(),
		})
	}
	return results
}

// postFilter authorizes the response contents, as opposed to the
// request: an item survives only if the caller's rule allows this
// request against the user or host the item describes.
func (s *clientSession) postFilter(kind handlerKind, request string, data []params.Item) []params.Item {
	locations := s.locations()
	results := make([]params.Item, 0, len(data))
	for _, item := range data {
		server, _ := item.Server()
		host, ok := s.config.Backend.Host(server)
		if !ok {
			continue
		}
		switch kind {
		case kindUser:
			key, ok := item.Key()
			if !ok {
				continue
			}
			user, ok := host.User(key)
			if !ok {
				continue
			}
			if s.rule.RequestAllowed(request, s.username, locations, &user) {
				results = append(results, item)
			}
		case kindServer:
			if s.rule.RequestAllowedServer(request, s.username, locations, host.Users()) {
				results = append(results, item)
			}
		}
	}
	return results
}
