// Copyright 2025 The Sepiida authors
// Licensed under the GPLv3, see LICENCE file for details.

package location_test

import (
	"context"
	"os"
	"path/filepath"

	"github.com/juju/testing"
	jc "github.com/juju/testing/checkers"
	gc "gopkg.in/check.v1"

	"github.com/sepiida/sepiida/internal/location"
)

type locationSuite struct {
	testing.IsolationSuite
}

var _ = gc.Suite(&locationSuite{})

func (s *locationSuite) writeScript(c *gc.C, script string) string {
	path := filepath.Join(c.MkDir(), "get-location")
	err := os.WriteFile(path, []byte("#!/bin/sh\n"+script+"\n"), 0755)
	c.Assert(err, jc.ErrorIsNil)
	return path
}

func (s *locationSuite) TestLookup(c *gc.C) {
	resolver := location.CommandResolver{
		Command: s.writeScript(c, `echo "room-$1-$2"`),
	}
	loc, err := resolver.Lookup(context.Background(), "ws01", "client9", "00:11:22:33:44:55")
	c.Assert(err, jc.ErrorIsNil)
	c.Assert(loc, gc.Equals, "room-ws01-client9")
}

func (s *locationSuite) TestTrimsTrailingNewlines(c *gc.C) {
	resolver := location.CommandResolver{
		Command: s.writeScript(c, `printf 'lab 3\n\n'`),
	}
	loc, err := resolver.Lookup(context.Background(), "ws01", "", "")
	c.Assert(err, jc.ErrorIsNil)
	c.Assert(loc, gc.Equals, "lab 3")
}

func (s *locationSuite) TestCommandFailureIsUnknownLocation(c *gc.C) {
	resolver := location.CommandResolver{
		Command: s.writeScript(c, `exit 1`),
	}
	loc, err := resolver.Lookup(context.Background(), "ws01", "", "")
	c.Assert(err, jc.ErrorIsNil)
	c.Assert(loc, gc.Equals, "")
}

func (s *locationSuite) TestNoCommandConfigured(c *gc.C) {
	resolver := location.CommandResolver{}
	loc, err := resolver.Lookup(context.Background(), "ws01", "", "")
	c.Assert(err, jc.ErrorIsNil)
	c.Assert(loc, gc.Equals, "")
}
