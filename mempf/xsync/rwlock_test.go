// Copyright The MemTrack Authors
// SPDX-License-Identifier: Apache-2.0

package xsync_test

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/memtrack-dev/memtrack/mempf/xsync"
)

func TestRWMutex(t *testing.T) {
	m := xsync.NewRWMutex(uint64(891723))

	p := m.WLock()
	*p += 123
	m.WUnlock(&p)
	// WUnlock zeros the reference to make sure we can't accidentally use it
	// after unlocking.
	assert.Nil(t, p)

	r := m.RLock()
	defer m.RUnlock(&r)
	assert.Equal(t, uint64(891846), *r)
}

func TestRWMutex_CrashOnUseAfterUnlock(t *testing.T) {
	m := xsync.NewRWMutex(uint64(0))
	p := m.WLock()
	*p = 123
	m.WUnlock(&p)

	assert.Panics(t, func() {
		*p = 345
	})
}
