// Copyright 2025 The Sepiida authors
// Licensed under the GPLv3, see LICENCE file for details.

// Package acl implements the authorization rules that decide which relay
// users may issue which requests, and against which logged-in users or
// hosts. Rules are parsed from configuration lines of the form
//
//	who = filter: requests
//
// where who is one or more usernames or @group references, filter is
// either ALL or one or more of @group / sameLocation, and requests is
// either ALL or one or more request names.
package acl

import (
	"regexp"
	"strings"

	"github.com/juju/collections/set"
	"github.com/juju/errors"
	"github.com/juju/loggo"

	"github.com/sepiida/sepiida/internal/params"
)

var logger = loggo.GetLogger("sepiida.acl")

const (
	keywordAll          = "ALL"
	keywordSameLocation = "sameLocation"
)

var validIdent = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)

// GroupSource answers system group membership queries. Membership is
// consulted at evaluation time, not at parse time, so group changes are
// observed without reloading the rules.
type GroupSource interface {
	// Members returns the member usernames of the named group.
	Members(group string) ([]string, error)
}

// Rule is one parsed authorization line. A Rule is immutable once parsed.
type Rule struct {
	users        set.Strings
	groups       set.Strings
	filterAll    bool
	sameLocation bool
	filterGroups set.Strings
	allRequests  bool
	requests     set.Strings
	line         string
}

// String returns the rule in its configuration form.
func (r *Rule) String() string {
	return r.line
}

// ParseLine parses a full configuration line "who = filter: requests".
func ParseLine(line string) (*Rule, error) {
	who, spec, found := strings.Cut(line, "=")
	if !found {
		return nil, errors.Errorf("expected %q in rule %q", "=", line)
	}
	return ParseRule(who, spec)
}

// ParseRule parses the two halves of a rule: who, and "filter: requests".
func ParseRule(who, spec string) (*Rule, error) {
	rule := &Rule{
		users:        set.NewStrings(),
		groups:       set.NewStrings(),
		filterGroups: set.NewStrings(),
		requests:     set.NewStrings(),
		line:         strings.TrimSpace(who) + " = " + strings.TrimSpace(spec),
	}
	if err := rule.parseWho(who); err != nil {
		return nil, errors.Trace(err)
	}
	filter, requests, found := strings.Cut(spec, ":")
	if !found {
		return nil, errors.Errorf("expected %q in rule %q", ":", rule.line)
	}
	if err := rule.parseFilter(filter); err != nil {
		return nil, errors.Trace(err)
	}
	if err := rule.parseRequests(requests); err != nil {
		return nil, errors.Trace(err)
	}
	return rule, nil
}

func isKeyword(token string) bool {
	return strings.EqualFold(token, keywordAll) ||
		strings.EqualFold(token, keywordSameLocation)
}

func parseGroup(token string) (string, error) {
	name := token[1:]
	if !validIdent.MatchString(name) {
		return "", errors.Errorf("malformed group reference %q", token)
	}
	return name, nil
}

func (r *Rule) parseWho(who string) error {
	tokens := strings.Fields(who)
	if len(tokens) == 0 {
		return errors.New("expected @group or username")
	}
	for _, token := range tokens {
		switch {
		case strings.HasPrefix(token, "@"):
			name, err := parseGroup(token)
			if err != nil {
				return errors.Trace(err)
			}
			r.groups.Add(name)
		case isKeyword(token):
			return errors.Errorf("expected @group or username, got %q", token)
		case validIdent.MatchString(token):
			r.users.Add(token)
		default:
			return errors.Errorf("expected @group or username, got %q", token)
		}
	}
	return nil
}

func (r *Rule) parseFilter(filter string) error {
	tokens := strings.Fields(filter)
	if len(tokens) == 0 {
		return errors.New("expected ALL, sameLocation or @group")
	}
	for _, token := range tokens {
		switch {
		case strings.EqualFold(token, keywordAll):
			if len(tokens) > 1 {
				return errors.Errorf("ALL cannot be combined with other filter tokens")
			}
			r.filterAll = true
		case strings.EqualFold(token, keywordSameLocation):
			r.sameLocation = true
		case strings.HasPrefix(token, "@"):
			name, err := parseGroup(token)
			if err != nil {
				return errors.Trace(err)
			}
			r.filterGroups.Add(name)
		default:
			return errors.Errorf("expected ALL, sameLocation or @group, got %q", token)
		}
	}
	return nil
}

func (r *Rule) parseRequests(requests string) error {
	tokens := strings.Fields(requests)
	if len(tokens) == 0 {
		return errors.New("expected ALL or request name")
	}
	for _, token := range tokens {
		switch {
		case strings.EqualFold(token, keywordAll):
			if len(tokens) > 1 {
				return errors.Errorf("ALL cannot be combined with other request names")
			}
			r.allRequests = true
		case isKeyword(token) || !validIdent.MatchString(token):
			return errors.Errorf("expected ALL or request name, got %q", token)
		default:
			r.requests.Add(strings.ToLower(token))
		}
	}
	return nil
}

// AppliesTo reports whether this rule governs the given relay user:
// either the username is listed literally, or it is a member of one of
// the groups referenced in the who section.
func (r *Rule) AppliesTo(username string, groups GroupSource) bool {
	if r.users.Contains(username) {
		return true
	}
	for _, group := range r.groups.Values() {
		members, err := groups.Members(group)
		if err != nil {
			logger.Debugf("cannot resolve group %q: %v", group, err)
			continue
		}
		for _, member := range members {
			if member == username {
				return true
			}
		}
	}
	return false
}

// RequestAllowed reports whether this rule allows the named request.
//
// The request-name check runs first; it is cheap and independent of
// identity. With no requester identity the check stops there, which is
// the form used for coarse allow/deny decisions with no subject. With a
// requester, the filter is applied against the subject user: ALL allows
// everything, sameLocation allows a subject co-located with any of the
// requester's sessions, and otherwise the subject must belong to one of
// the filter groups, or the filter must name no groups at all.
func (r *Rule) RequestAllowed(request, requester string, requesterLocations []string, subject *params.User) bool {
	if !r.allRequests && !r.requests.Contains(strings.ToLower(request)) {
		return false
	}
	if requester == "" {
		return true
	}
	if r.filterAll {
		return true
	}
	if r.sameLocation && subject != nil {
		for _, location := range requesterLocations {
			if location == subject.Location {
				return true
			}
		}
	}
	if r.filterGroups.IsEmpty() {
		return true
	}
	if subject == nil {
		return false
	}
	for _, group := range subject.Groups {
		if r.filterGroups.Contains(group) {
			return true
		}
	}
	return false
}

// RequestAllowedServer reports whether this rule allows the named request
// against a host with the given logged-in users: true if RequestAllowed
// holds for any of them. A host with no logged-in users falls back to the
// identity-independent request-name check.
func (r *Rule) RequestAllowedServer(request, requester string, requesterLocations []string, users []params.User) bool {
	if len(users) == 0 {
		return r.RequestAllowed(request, "", nil, nil)
	}
	for i := range users {
		if r.RequestAllowed(request, requester, requesterLocations, &users[i]) {
			return true
		}
	}
	return false
}

// Rules is an ordered rule set, in configuration order.
type Rules []*Rule

// FirstMatching returns the first rule applying to username, or nil.
func (rules Rules) FirstMatching(username string, groups GroupSource) *Rule {
	for _, rule := range rules {
		if rule.AppliesTo(username, groups) {
			return rule
		}
	}
	return nil
}
