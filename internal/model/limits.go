package model

import (
	"math"
	"time"
)

// Limits bounds one live run. Idle never exceeds Wall.
type Limits struct {
	Wall time.Duration `json:"wall"`
	Idle time.Duration `json:"idle"`
}

// WallMS returns the wall limit in milliseconds.
func (l Limits) WallMS() int64 { return l.Wall.Milliseconds() }

// IdleMS returns the idle limit in milliseconds.
func (l Limits) IdleMS() int64 { return l.Idle.Milliseconds() }

// LimitBounds holds the defaults and the clamping range applied to client
// supplied limit overrides.
type LimitBounds struct {
	DefaultWall time.Duration
	DefaultIdle time.Duration
	Min         time.Duration
	MaxWall     time.Duration
}

// Clamp resolves optional millisecond overrides into effective limits. Values
// are clamped, never rejected: both limits are at least Min, wall is at most
// MaxWall, and idle is at most wall.
func (b LimitBounds) Clamp(wallMS, idleMS *int64) Limits {
	maxWallMS := int64(math.MaxInt64 / int64(time.Millisecond))
	if b.MaxWall > 0 {
		maxWallMS = b.MaxWall.Milliseconds()
	}

	wall := b.DefaultWall
	if wallMS != nil {
		wall = fromMS(*wallMS, maxWallMS)
	}
	if b.MaxWall > 0 && wall > b.MaxWall {
		wall = b.MaxWall
	}
	if wall < b.Min {
		wall = b.Min
	}

	idle := b.DefaultIdle
	if idleMS != nil {
		idle = fromMS(*idleMS, wall.Milliseconds())
	}
	if idle < b.Min {
		idle = b.Min
	}
	if idle > wall {
		idle = wall
	}
	return Limits{Wall: wall, Idle: idle}
}

// fromMS converts ms to a duration after bounding it to [0, limit] so the
// multiplication cannot overflow.
func fromMS(ms, limit int64) time.Duration {
	ms = min(max(ms, 0), limit)
	return time.Duration(ms) * time.Millisecond
}
