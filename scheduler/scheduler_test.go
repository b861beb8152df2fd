// Copyright (C) 2020-2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package scheduler

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/luxfi/scp/utils/timer/mockable"
)

func newTestScheduler() *Scheduler {
	clock := mockable.NewClock()
	clock.Set(time.Unix(0, 0))
	return New(clock)
}

func TestRunDueOrder(t *testing.T) {
	require := require.New(t)

	s := newTestScheduler()
	var order []int
	s.ScheduleAfter(2*time.Second, Token{Slot: 1, Kind: "a"}, func() { order = append(order, 2) })
	s.ScheduleAfter(time.Second, Token{Slot: 1, Kind: "b"}, func() { order = append(order, 1) })
	s.ScheduleAfter(3*time.Second, Token{Slot: 1, Kind: "c"}, func() { order = append(order, 3) })

	require.Zero(s.RunDue())
	require.Empty(order)

	s.Clock().Advance(2 * time.Second)
	require.Equal(2, s.RunDue())
	require.Equal([]int{1, 2}, order)

	s.Clock().Advance(time.Second)
	require.Equal(1, s.RunDue())
	require.Equal([]int{1, 2, 3}, order)
}

func TestSameDeadlineFIFO(t *testing.T) {
	require := require.New(t)

	s := newTestScheduler()
	var order []int
	for i := 0; i < 5; i++ {
		i := i
		s.ScheduleAfter(time.Second, Token{Slot: 1, Kind: "t"}, func() { order = append(order, i) })
	}
	s.Clock().Advance(time.Second)
	s.RunDue()
	require.Equal([]int{0, 1, 2, 3, 4}, order)
}

func TestCancelByToken(t *testing.T) {
	require := require.New(t)

	s := newTestScheduler()
	fired := 0
	s.ScheduleAfter(time.Second, Token{Slot: 1, Kind: "keep"}, func() { fired++ })
	s.ScheduleAfter(time.Second, Token{Slot: 1, Kind: "drop"}, func() { fired += 100 })
	s.ScheduleAfter(time.Second, Token{Slot: 2, Kind: "drop"}, func() { fired += 10 })

	s.Cancel(Token{Slot: 1, Kind: "drop"})
	require.Equal(2, s.Len())

	s.Clock().Advance(time.Second)
	s.RunDue()
	require.Equal(11, fired)
}

func TestCancelSlot(t *testing.T) {
	require := require.New(t)

	s := newTestScheduler()
	fired := 0
	s.ScheduleAfter(time.Second, Token{Slot: 1, Kind: "a"}, func() { fired += 100 })
	s.ScheduleAfter(time.Second, Token{Slot: 1, Kind: "b"}, func() { fired += 100 })
	s.ScheduleAfter(time.Second, Token{Slot: 2, Kind: "a"}, func() { fired++ })

	s.CancelSlot(1)
	s.Clock().Advance(time.Second)
	s.RunDue()
	require.Equal(1, fired)
}

func TestTasksScheduledWhileRunning(t *testing.T) {
	require := require.New(t)

	s := newTestScheduler()
	fired := 0
	s.ScheduleAfter(time.Second, Token{Slot: 1, Kind: "a"}, func() {
		fired++
		// Already due when posted: runs in the same drain.
		s.Schedule(s.Clock().Now(), Token{Slot: 1, Kind: "b"}, func() { fired++ })
	})
	s.Clock().Advance(time.Second)
	require.Equal(2, s.RunDue())
	require.Equal(2, fired)
}

func TestNextDeadline(t *testing.T) {
	require := require.New(t)

	s := newTestScheduler()
	_, ok := s.NextDeadline()
	require.False(ok)

	s.ScheduleAfter(5*time.Second, Token{Slot: 1, Kind: "late"}, func() {})
	s.ScheduleAfter(time.Second, Token{Slot: 1, Kind: "soon"}, func() {})

	deadline, ok := s.NextDeadline()
	require.True(ok)
	require.Equal(s.Clock().Now().Add(time.Second), deadline)

	s.Cancel(Token{Slot: 1, Kind: "soon"})
	deadline, ok = s.NextDeadline()
	require.True(ok)
	require.Equal(s.Clock().Now().Add(5*time.Second), deadline)
}

func TestShutdownDropsEverything(t *testing.T) {
	require := require.New(t)

	s := newTestScheduler()
	s.ScheduleAfter(time.Second, Token{Slot: 1, Kind: "a"}, func() { t.Fatal("ran after shutdown") })
	s.Shutdown()
	s.ScheduleAfter(time.Second, Token{Slot: 1, Kind: "b"}, func() { t.Fatal("scheduled after shutdown") })

	s.Clock().Advance(time.Minute)
	require.Zero(s.RunDue())
}
