package auth

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestSchedulerRunsScheduledFunc(t *testing.T) {
	s := NewScheduler()
	defer s.StopAll()

	fired := make(chan struct{})
	s.Schedule("k1", 10*time.Millisecond, func() { close(fired) })

	select {
	case <-fired:
	case <-time.After(time.Second):
		t.Fatal("scheduled func never ran")
	}
	assert.False(t, s.Pending("k1"), "fired timer is cleared")
}

func TestSchedulerReplacesPendingTimer(t *testing.T) {
	s := NewScheduler()
	defer s.StopAll()

	first := make(chan struct{}, 1)
	second := make(chan struct{}, 1)

	s.Schedule("k1", 20*time.Millisecond, func() { first <- struct{}{} })
	s.Schedule("k1", 20*time.Millisecond, func() { second <- struct{}{} })

	select {
	case <-second:
	case <-time.After(time.Second):
		t.Fatal("replacement timer never fired")
	}

	select {
	case <-first:
		t.Fatal("replaced timer still fired")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestSchedulerCancel(t *testing.T) {
	s := NewScheduler()
	defer s.StopAll()

	fired := make(chan struct{}, 1)
	s.Schedule("k1", 20*time.Millisecond, func() { fired <- struct{}{} })
	assert.True(t, s.Pending("k1"))

	s.Cancel("k1")
	assert.False(t, s.Pending("k1"))

	select {
	case <-fired:
		t.Fatal("cancelled timer fired")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestSchedulerStopAll(t *testing.T) {
	s := NewScheduler()

	s.Schedule("k1", time.Hour, func() {})
	s.Schedule("k2", time.Hour, func() {})

	s.StopAll()
	assert.False(t, s.Pending("k1"))
	assert.False(t, s.Pending("k2"))
}
