// Copyright 2025 The Sepiida authors
// Licensed under the GPLv3, see LICENCE file for details.

package acl_test

import (
	"github.com/juju/errors"
	"github.com/juju/testing"
	jc "github.com/juju/testing/checkers"
	gc "gopkg.in/check.v1"

	"github.com/sepiida/sepiida/internal/acl"
	"github.com/sepiida/sepiida/internal/params"
)

// fakeGroups is a GroupSource backed by a plain map.
type fakeGroups map[string][]string

func (g fakeGroups) Members(group string) ([]string, error) {
	members, ok := g[group]
	if !ok {
		return nil, errors.NotFoundf("group %q", group)
	}
	return members, nil
}

type parseSuite struct {
	testing.IsolationSuite
}

var _ = gc.Suite(&parseSuite{})

func (s *parseSuite) TestParseAllAll(c *gc.C) {
	rule, err := acl.ParseLine("root = ALL: ALL")
	c.Assert(err, jc.ErrorIsNil)
	c.Assert(rule.RequestAllowed("anything", "", nil, nil), jc.IsTrue)
}

func (s *parseSuite) TestParseMultipleWho(c *gc.C) {
	rule, err := acl.ParseLine("alice bob @admins = ALL: listUsers")
	c.Assert(err, jc.ErrorIsNil)
	groups := fakeGroups{"admins": {"carol"}}
	c.Assert(rule.AppliesTo("alice", groups), jc.IsTrue)
	c.Assert(rule.AppliesTo("bob", groups), jc.IsTrue)
	c.Assert(rule.AppliesTo("carol", groups), jc.IsTrue)
	c.Assert(rule.AppliesTo("mallory", groups), jc.IsFalse)
}

func (s *parseSuite) TestRequestNamesCaseFolded(c *gc.C) {
	rule, err := acl.ParseLine("alice = ALL: ListUsers")
	c.Assert(err, jc.ErrorIsNil)
	c.Assert(rule.RequestAllowed("listusers", "", nil, nil), jc.IsTrue)
	c.Assert(rule.RequestAllowed("LISTUSERS", "", nil, nil), jc.IsTrue)
	c.Assert(rule.RequestAllowed("shutdown", "", nil, nil), jc.IsFalse)
}

func (s *parseSuite) TestAllKeywordCaseInsensitive(c *gc.C) {
	rule, err := acl.ParseLine("alice = all: aLL")
	c.Assert(err, jc.ErrorIsNil)
	c.Assert(rule.RequestAllowed("anything", "", nil, nil), jc.IsTrue)
}

func (s *parseSuite) TestParseErrors(c *gc.C) {
	for _, line := range []string{
		"",
		"alice",
		"alice = ALL",
		"= ALL: ALL",
		"alice = : ALL",
		"alice = ALL:",
		"alice = ALL @students: ALL",
		"alice = ALL: ALL listUsers",
		"ALL = ALL: ALL",
		"alice = ALL: sameLocation",
		"alice = @: ALL",
		"al ice! = ALL: ALL",
	} {
		_, err := acl.ParseLine(line)
		c.Check(err, gc.NotNil, gc.Commentf("line %q", line))
	}
}

func (s *parseSuite) TestString(c *gc.C) {
	rule, err := acl.ParseLine("alice =  @students sameLocation: listUsers ")
	c.Assert(err, jc.ErrorIsNil)
	c.Assert(rule.String(), gc.Equals, "alice = @students sameLocation: listUsers")
}

type evalSuite struct {
	testing.IsolationSuite
}

var _ = gc.Suite(&evalSuite{})

func user(username, location string, groups ...string) *params.User {
	return &params.User{
		UserKey:  params.UserKey{Username: username, Server: "ws01", Client: "c1", Display: ":0"},
		Groups:   groups,
		Location: location,
	}
}

func (s *evalSuite) TestRequestNameCheckedFirst(c *gc.C) {
	rule, err := acl.ParseLine("alice = ALL: listUsers")
	c.Assert(err, jc.ErrorIsNil)
	c.Assert(rule.RequestAllowed("shutdown", "alice", nil, user("bob", "")), jc.IsFalse)
}

func (s *evalSuite) TestNoRequesterStopsAtRequestName(c *gc.C) {
	rule, err := acl.ParseLine("alice = @students: listUsers")
	c.Assert(err, jc.ErrorIsNil)
	c.Assert(rule.RequestAllowed("listUsers", "", nil, nil), jc.IsTrue)
}

func (s *evalSuite) TestFilterAll(c *gc.C) {
	rule, err := acl.ParseLine("alice = ALL: listUsers")
	c.Assert(err, jc.ErrorIsNil)
	c.Assert(rule.RequestAllowed("listUsers", "alice", nil, user("bob", "")), jc.IsTrue)
	c.Assert(rule.RequestAllowed("listUsers", "alice", nil, nil), jc.IsTrue)
}

func (s *evalSuite) TestSameLocation(c *gc.C) {
	rule, err := acl.ParseLine("alice = sameLocation @students: listUsers")
	c.Assert(err, jc.ErrorIsNil)
	// Co-located subject is allowed even outside the filter groups.
	c.Assert(rule.RequestAllowed("listUsers", "alice", []string{"lab1"}, user("bob", "lab1")), jc.IsTrue)
	// Elsewhere, group membership decides.
	c.Assert(rule.RequestAllowed("listUsers", "alice", []string{"lab1"}, user("bob", "lab2")), jc.IsFalse)
	c.Assert(rule.RequestAllowed("listUsers", "alice", []string{"lab1"}, user("bob", "lab2", "students")), jc.IsTrue)
}

func (s *evalSuite) TestNoFilterGroupsAllows(c *gc.C) {
	rule, err := acl.ParseLine("alice = sameLocation: listUsers")
	c.Assert(err, jc.ErrorIsNil)
	// sameLocation alone never denies; with no filter groups the
	// filter is satisfied for any subject.
	c.Assert(rule.RequestAllowed("listUsers", "alice", nil, user("bob", "lab2")), jc.IsTrue)
}

func (s *evalSuite) TestGroupFilter(c *gc.C) {
	rule, err := acl.ParseLine("alice = @students: listUsers")
	c.Assert(err, jc.ErrorIsNil)
	c.Assert(rule.RequestAllowed("listUsers", "alice", nil, user("bob", "", "students")), jc.IsTrue)
	c.Assert(rule.RequestAllowed("listUsers", "alice", nil, user("bob", "", "staff")), jc.IsFalse)
	c.Assert(rule.RequestAllowed("listUsers", "alice", nil, nil), jc.IsFalse)
}

func (s *evalSuite) TestRequestAllowedServer(c *gc.C) {
	rule, err := acl.ParseLine("alice = @students: shutdown")
	c.Assert(err, jc.ErrorIsNil)

	students := []params.User{*user("bob", "", "students")}
	staff := []params.User{*user("carol", "", "staff")}
	c.Assert(rule.RequestAllowedServer("shutdown", "alice", nil, students), jc.IsTrue)
	c.Assert(rule.RequestAllowedServer("shutdown", "alice", nil, staff), jc.IsFalse)
	c.Assert(rule.RequestAllowedServer("shutdown", "alice", nil, append(staff, students...)), jc.IsTrue)
}

func (s *evalSuite) TestEmptyHostFallsBackToRequestName(c *gc.C) {
	rule, err := acl.ParseLine("alice = @students: shutdown")
	c.Assert(err, jc.ErrorIsNil)
	// A host with nobody logged in cannot satisfy any user filter; the
	// identity-independent check decides instead.
	c.Assert(rule.RequestAllowedServer("shutdown", "alice", nil, nil), jc.IsTrue)
	c.Assert(rule.RequestAllowedServer("listUsers", "alice", nil, nil), jc.IsFalse)
}

func (s *evalSuite) TestAppliesToObservesMembershipChanges(c *gc.C) {
	rule, err := acl.ParseLine("@admins = ALL: ALL")
	c.Assert(err, jc.ErrorIsNil)
	groups := fakeGroups{"admins": nil}
	c.Assert(rule.AppliesTo("dave", groups), jc.IsFalse)
	groups["admins"] = []string{"dave"}
	c.Assert(rule.AppliesTo("dave", groups), jc.IsTrue)
}

func (s *evalSuite) TestAppliesToSkipsUnresolvableGroups(c *gc.C) {
	rule, err := acl.ParseLine("@ghosts alice = ALL: ALL")
	c.Assert(err, jc.ErrorIsNil)
	c.Assert(rule.AppliesTo("alice", fakeGroups{}), jc.IsTrue)
	c.Assert(rule.AppliesTo("bob", fakeGroups{}), jc.IsFalse)
}

func (s *evalSuite) TestFirstMatchingOrder(c *gc.C) {
	first, err := acl.ParseLine("alice = ALL: listUsers")
	c.Assert(err, jc.ErrorIsNil)
	second, err := acl.ParseLine("alice bob = ALL: ALL")
	c.Assert(err, jc.ErrorIsNil)
	rules := acl.Rules{first, second}

	c.Assert(rules.FirstMatching("alice", fakeGroups{}), gc.Equals, first)
	c.Assert(rules.FirstMatching("bob", fakeGroups{}), gc.Equals, second)
	c.Assert(rules.FirstMatching("mallory", fakeGroups{}), gc.IsNil)
}
