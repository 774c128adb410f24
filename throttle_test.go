// Copyright (C) The Hapassoc Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package hapassoc

import (
	"errors"
	"sync/atomic"

	"gopkg.in/check.v1"
)

type throttleSuite struct{}

var _ = check.Suite(&throttleSuite{})

func (s *throttleSuite) TestMaxConcurrency(c *check.C) {
	var running, peak int64
	t := throttle{Max: 3}
	for i := 0; i < 100; i++ {
		t.Go(func() error {
			n := atomic.AddInt64(&running, 1)
			for {
				old := atomic.LoadInt64(&peak)
				if n <= old || atomic.CompareAndSwapInt64(&peak, old, n) {
					break
				}
			}
			atomic.AddInt64(&running, -1)
			return nil
		})
	}
	c.Check(t.Wait(), check.IsNil)
	c.Check(peak <= 3, check.Equals, true, check.Commentf("peak concurrency %d", peak))
}

func (s *throttleSuite) TestFirstErrorWins(c *check.C) {
	errBoom := errors.New("boom")
	t := throttle{Max: 2}
	for i := 0; i < 10; i++ {
		i := i
		t.Go(func() error {
			if i == 4 {
				return errBoom
			}
			return nil
		})
	}
	c.Check(t.Wait(), check.Equals, errBoom)
}
