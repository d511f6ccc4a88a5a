package consensus

import (
	gocheck "gopkg.in/check.v1"

	"github.com/kestreldb/kestrel/crypto"
)

type DuplicateTest struct {
	group *testGroup
}

var _ = gocheck.Suite(&DuplicateTest{})

func (t *DuplicateTest) SetUpSuite(c *gocheck.C) {
	t.group = newTestGroup()
}

func (t *DuplicateTest) TestLifecycle(c *gocheck.C) {
	m := NewDuplicateManager(t.group.config(1))
	defer m.Stop()
	hash := crypto.Hash([]byte("req"))

	// unseen -> proposed
	c.Check(m.CheckAndAddProposed(hash), gocheck.Equals, false)
	c.Check(m.CheckAndAddProposed(hash), gocheck.Equals, true)
	c.Check(m.CheckIfExecuted(hash), gocheck.Equals, uint64(0))

	// proposed -> executed
	m.MarkExecuted(hash, 7)
	c.Check(m.CheckIfExecuted(hash), gocheck.Equals, uint64(7))
	c.Check(m.CheckAndAddProposed(hash), gocheck.Equals, true)
}

func (t *DuplicateTest) TestEraseProposed(c *gocheck.C) {
	m := NewDuplicateManager(t.group.config(1))
	defer m.Stop()
	hash := crypto.Hash([]byte("aborted"))

	c.Check(m.CheckAndAddProposed(hash), gocheck.Equals, false)
	m.EraseProposed(hash)
	c.Check(m.CheckAndAddProposed(hash), gocheck.Equals, false)

	// erase never downgrades an executed entry
	m.MarkExecuted(hash, 3)
	m.EraseProposed(hash)
	c.Check(m.CheckIfExecuted(hash), gocheck.Equals, uint64(3))
}
