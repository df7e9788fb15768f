package rediscache

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

// Connecting to a real Redis is out of scope for unit tests; these cover
// the pure TTL-selection logic that Put relies on.

func TestClampTTLPrefersSoonerExpiry(t *testing.T) {
	now := time.Now()
	got := clampTTL(30*time.Minute, now.Add(5*time.Minute), now)
	assert.Equal(t, 5*time.Minute, got)
}

func TestClampTTLPrefersConfiguredWhenShorter(t *testing.T) {
	now := time.Now()
	got := clampTTL(5*time.Minute, now.Add(time.Hour), now)
	assert.Equal(t, 5*time.Minute, got)
}

func TestClampTTLFloorsAtOneSecondForExpiredSession(t *testing.T) {
	now := time.Now()
	got := clampTTL(30*time.Minute, now.Add(-time.Minute), now)
	assert.Equal(t, time.Second, got)
}

func TestNewRejectsInvalidURL(t *testing.T) {
	_, err := New("not-a-redis-url://{{{")
	assert.Error(t, err)
}
