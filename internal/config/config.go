// Copyright 2025 The Sepiida authors
// Licensed under the GPLv3, see LICENCE file for details.

// Package config loads and watches the relay's configuration file: the
// server settings, the managed host list with numeric range expansion,
// and the authorization rules. A loaded Config is an immutable
// snapshot; reloads build a whole new one and swap it in atomically.
package config

import (
	"fmt"
	"os"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/juju/errors"
	"gopkg.in/yaml.v2"

	"github.com/sepiida/sepiida/internal/acl"
)

// HostEntry is one managed host, expanded from the hosts section.
// Alias, when not empty, names the known-hosts entry the host's key is
// checked against; hosts sharing an installation image share a key
// under one alias. Without an alias the host presents its own key.
type HostEntry struct {
	Name  string
	Alias string
}

// Config is one immutable configuration snapshot.
type Config struct {
	Socket           string
	PollFrequency    time.Duration
	ConnectFrequency time.Duration
	AgentUser        string
	AgentCommand     string
	SSHKey           string
	KnownHosts       string
	LocationCommand  string
	LogConfig        string
	Hosts            []HostEntry
	Rules            acl.Rules
}

// fileConfig is the raw YAML shape.
type fileConfig struct {
	Server struct {
		UnixSocket       string `yaml:"unix-socket"`
		PollFrequency    string `yaml:"poll-frequency"`
		ConnectFrequency string `yaml:"connect-frequency"`
		AgentUser        string `yaml:"agent-user"`
		AgentCommand     string `yaml:"agent-cmd"`
		SSHKey           string `yaml:"ssh-key"`
		KnownHosts       string `yaml:"known-hosts"`
		LocationCommand  string `yaml:"location-cmd"`
		LogConfig        string `yaml:"log-config"`
	} `yaml:"server"`
	Hosts []string `yaml:"hosts"`
	ACL   []string `yaml:"acl"`
}

// Read loads and validates the configuration file at path.
func Read(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Annotate(err, "reading configuration")
	}
	cfg, err := Parse(data)
	if err != nil {
		return nil, errors.Annotatef(err, "parsing %s", path)
	}
	return cfg, nil
}

// Parse validates raw configuration data. Any malformed host entry or
// authorization rule fails the whole load; a partially applied
// configuration is worse than keeping the previous one.
func Parse(data []byte) (*Config, error) {
	var raw fileConfig
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, errors.Annotate(err, "unmarshalling configuration")
	}

	required := []struct {
		key   string
		value string
	}{
		{"unix-socket", raw.Server.UnixSocket},
		{"poll-frequency", raw.Server.PollFrequency},
		{"connect-frequency", raw.Server.ConnectFrequency},
		{"agent-user", raw.Server.AgentUser},
		{"agent-cmd", raw.Server.AgentCommand},
		{"ssh-key", raw.Server.SSHKey},
		{"known-hosts", raw.Server.KnownHosts},
	}
	for _, r := range required {
		if r.value == "" {
			return nil, errors.NotValidf("missing server setting %q", r.key)
		}
	}

	pollFrequency, err := time.ParseDuration(raw.Server.PollFrequency)
	if err != nil {
		return nil, errors.NotValidf("poll-frequency %q", raw.Server.PollFrequency)
	}
	connectFrequency, err := time.ParseDuration(raw.Server.ConnectFrequency)
	if err != nil {
		return nil, errors.NotValidf("connect-frequency %q", raw.Server.ConnectFrequency)
	}
	if pollFrequency <= 0 {
		return nil, errors.NotValidf("non-positive poll-frequency")
	}
	if connectFrequency <= 0 {
		return nil, errors.NotValidf("non-positive connect-frequency")
	}

	var hosts []HostEntry
	for _, line := range raw.Hosts {
		entries, err := parseHostLine(line)
		if err != nil {
			return nil, errors.Trace(err)
		}
		hosts = append(hosts, entries...)
	}

	var rules acl.Rules
	for _, line := range raw.ACL {
		rule, err := acl.ParseLine(line)
		if err != nil {
			return nil, errors.Annotatef(err, "invalid acl line %q", line)
		}
		rules = append(rules, rule)
	}

	return &Config{
		Socket:           raw.Server.UnixSocket,
		PollFrequency:    pollFrequency,
		ConnectFrequency: connectFrequency,
		AgentUser:        raw.Server.AgentUser,
		AgentCommand:     raw.Server.AgentCommand,
		SSHKey:           raw.Server.SSHKey,
		KnownHosts:       raw.Server.KnownHosts,
		LocationCommand:  raw.Server.LocationCommand,
		LogConfig:        raw.Server.LogConfig,
		Hosts:            hosts,
		Rules:            rules,
	}, nil
}

// parseHostLine parses one hosts entry "key = host host ...", where
// each host may be a numeric range like ws00-50 or ws01-10.example.org.
// A key of the form @name is a host-key alias and is stripped of the @;
// a plain key is just a grouping label, and the hosts present their own
// keys.
func parseHostLine(line string) ([]HostEntry, error) {
	key, hostList, found := strings.Cut(line, "=")
	if !found {
		return nil, errors.NotValidf("host entry %q", line)
	}
	key = strings.TrimSpace(key)
	if key == "" {
		return nil, errors.NotValidf("host entry %q", line)
	}
	var alias string
	if strings.HasPrefix(key, "@") {
		alias = key[1:]
		if alias == "" {
			return nil, errors.NotValidf("host entry %q", line)
		}
	}
	var entries []HostEntry
	for _, host := range strings.Fields(hostList) {
		for _, name := range expandHostRange(host) {
			entries = append(entries, HostEntry{Name: name, Alias: alias})
		}
	}
	return entries, nil
}

var hostRange = regexp.MustCompile(`^(.*?)(\d+)-(\d+)(\.[\w\.]+)?$`)

// expandHostRange expands ws00-50 into ws00, ws01, ... ws50, keeping
// the zero padding of the range start. Names without a range expand to
// themselves.
func expandHostRange(host string) []string {
	m := hostRange.FindStringSubmatch(host)
	if m == nil {
		return []string{host}
	}
	base, begin, end, domain := m[1], m[2], m[3], m[4]
	// The bounds are all digits by construction.
	first, _ := strconv.Atoi(begin)
	last, _ := strconv.Atoi(end)
	var names []string
	for n := first; n <= last; n++ {
		names = append(names, fmt.Sprintf("%s%0*d%s", base, len(begin), n, domain))
	}
	return names
}
