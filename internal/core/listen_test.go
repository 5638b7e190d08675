package core

import (
	"testing"
	"time"
)

func TestAcceptLimiterAllowsUnderThreshold(t *testing.T) {
	l := newAcceptLimiter()
	now := time.Now()
	for i := 0; i < 10; i++ {
		if !l.Allow("1.2.3.4", now) {
			t.Fatalf("hit %d unexpectedly rate-limited", i)
		}
	}
}

func TestAcceptLimiterTripsAfterEleventh(t *testing.T) {
	l := newAcceptLimiter()
	now := time.Now()
	for i := 0; i < 10; i++ {
		l.Allow("1.2.3.4", now)
	}
	if l.Allow("1.2.3.4", now) {
		t.Fatalf("11th hit within the window should have been rate-limited")
	}
}

func TestAcceptLimiterCooldownExpires(t *testing.T) {
	l := newAcceptLimiter()
	now := time.Now()
	for i := 0; i < 11; i++ {
		l.Allow("1.2.3.4", now)
	}
	if l.Allow("1.2.3.4", now.Add(61*time.Second)) == false {
		t.Fatalf("expected cooldown to have expired after 61s")
	}
}

func TestAcceptLimiterWindowSlides(t *testing.T) {
	l := newAcceptLimiter()
	now := time.Now()
	for i := 0; i < 10; i++ {
		l.Allow("1.2.3.4", now)
	}
	// Past the 5s window, old hits should have aged out, allowing more.
	if !l.Allow("1.2.3.4", now.Add(6*time.Second)) {
		t.Fatalf("expected a fresh window to allow another hit")
	}
}

func TestAcceptLimiterPerIPIndependence(t *testing.T) {
	l := newAcceptLimiter()
	now := time.Now()
	for i := 0; i < 11; i++ {
		l.Allow("1.2.3.4", now)
	}
	if !l.Allow("5.6.7.8", now) {
		t.Fatalf("a different IP should not be affected by another IP's cooldown")
	}
}
