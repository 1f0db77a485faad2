// Copyright 2025 The Sepiida authors
// Licensed under the GPLv3, see LICENCE file for details.

package params_test

import (
	"encoding/json"

	"github.com/juju/testing"
	jc "github.com/juju/testing/checkers"
	gc "gopkg.in/check.v1"

	"github.com/sepiida/sepiida/internal/params"
)

type itemSuite struct {
	testing.IsolationSuite
}

var _ = gc.Suite(&itemSuite{})

func (s *itemSuite) TestString(c *gc.C) {
	item := params.Item{"username": "alice", "pid": 42}
	v, ok := item.String("username")
	c.Assert(ok, jc.IsTrue)
	c.Assert(v, gc.Equals, "alice")

	_, ok = item.String("pid")
	c.Assert(ok, jc.IsFalse)
	_, ok = item.String("missing")
	c.Assert(ok, jc.IsFalse)
}

func (s *itemSuite) TestIntAcceptsDecodedJSONNumbers(c *gc.C) {
	var item params.Item
	err := json.Unmarshal([]byte(`{"port": 5900}`), &item)
	c.Assert(err, jc.ErrorIsNil)

	port, ok := item.Int("port")
	c.Assert(ok, jc.IsTrue)
	c.Assert(port, gc.Equals, 5900)
}

func (s *itemSuite) TestIntRejectsNonNumbers(c *gc.C) {
	item := params.Item{"port": "5900"}
	_, ok := item.Int("port")
	c.Assert(ok, jc.IsFalse)
}

func (s *itemSuite) TestErrorCode(c *gc.C) {
	item := params.Item{"username": "alice"}
	c.Assert(item.ErrorCode(), gc.Equals, "")
	item.SetError(params.CodeNotFound)
	c.Assert(item.ErrorCode(), gc.Equals, params.CodeNotFound)
}

func (s *itemSuite) TestKey(c *gc.C) {
	item := params.Item{
		"username": "alice",
		"server":   "ws01",
		"client":   "ltsp01",
		"display":  ":7",
		"pid":      42,
	}
	key, ok := item.Key()
	c.Assert(ok, jc.IsTrue)
	c.Assert(key, gc.Equals, params.UserKey{
		Username: "alice",
		Server:   "ws01",
		Client:   "ltsp01",
		Display:  ":7",
	})
}

func (s *itemSuite) TestKeyMissingField(c *gc.C) {
	item := params.Item{
		"username": "alice",
		"server":   "ws01",
		"client":   "ltsp01",
	}
	_, ok := item.Key()
	c.Assert(ok, jc.IsFalse)
}

func (s *itemSuite) TestCloneIsIndependent(c *gc.C) {
	item := params.Item{"username": "alice", "server": "ws01"}
	clone := item.Clone()
	delete(clone, "server")
	c.Assert(item["server"], gc.Equals, "ws01")
	c.Assert(clone["server"], gc.IsNil)
}
