// Package selection chooses the next photo for a client session.
//
// The Service holds no per-client state. A Session is passed in by value and
// the updated Session is returned, so the caller decides where sessions live.
package selection

import (
	"errors"
	"fmt"
	"math/rand/v2"
	"os"
	"sync"

	"github.com/fpang/photomatic/internal/index"
	"github.com/fpang/photomatic/internal/lifecycle"
	"github.com/fpang/photomatic/internal/metrics"
	"github.com/rs/zerolog/log"
)

// ErrNoImages is returned when there is nothing to show: the photo tree is
// empty, or the published index has no entries.
var ErrNoImages = errors.New("no images available")

// Session is the per-client walk state through the same-day index.
type Session struct {
	// Position is the next line of the same-day index to serve.
	Position int `json:"position"`
	// DateStamp is the day Position belongs to. A different day restarts
	// the walk.
	DateStamp index.Day `json:"date_stamp"`
	// Served counts same-day photos served since the walk last restarted.
	Served int `json:"served"`
}

// Indexes is the view of the lifecycle coordinator the service needs.
type Indexes interface {
	EnsureFresh(today index.Day) lifecycle.Freshness
	Snapshot() *lifecycle.Snapshot
}

// Options configures a Service.
type Options struct {
	// SameDayMode walks the same-day index when it has entries.
	SameDayMode bool
	// SameDayCycle restarts the walk after this many photos. 0 disables.
	SameDayCycle int
}

// Option customizes a Service.
type Option func(*Service)

// WithRand sets the random source used for full-index picks.
func WithRand(r *rand.Rand) Option {
	return func(s *Service) {
		s.rand = r
	}
}

// Service picks photos from the published indexes.
type Service struct {
	indexes Indexes
	lines   *index.LineReader

	mu   sync.Mutex
	opts Options
	rand *rand.Rand
}

// New returns a Service reading indexes through lines.
func New(indexes Indexes, lines *index.LineReader, opts Options, options ...Option) *Service {
	s := &Service{indexes: indexes, lines: lines, opts: opts}
	for _, o := range options {
		o(s)
	}
	return s
}

// SetOptions replaces the selection options, e.g. after a config reload.
func (s *Service) SetOptions(opts Options) {
	s.mu.Lock()
	s.opts = opts
	s.mu.Unlock()
}

func (s *Service) options() Options {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.opts
}

// PickNext returns the path of the next photo and the updated session.
//
// When the indexes are stale a rebuild is requested in the background and,
// if an older index exists, a random photo is served from it meanwhile.
// ErrBuildInProgress is returned only when there is no index at all yet.
func (s *Service) PickNext(sess Session, today index.Day) (string, Session, error) {
	freshness := s.indexes.EnsureFresh(today)
	snap := s.indexes.Snapshot()

	if snap == nil {
		if freshness == lifecycle.InProgress || freshness == lifecycle.Started {
			metrics.Selections.WithLabelValues("building").Inc()
			return "", sess, lifecycle.ErrBuildInProgress
		}
		metrics.Selections.WithLabelValues("no_images").Inc()
		return "", sess, ErrNoImages
	}

	opts := s.options()
	if opts.SameDayMode && snap.FreshFor(today) && snap.SameDayCount > 0 {
		path, next, err := s.pickSameDay(snap, sess, today, opts.SameDayCycle)
		if err == nil {
			metrics.Selections.WithLabelValues("same_day").Inc()
			return path, next, nil
		}
		log.Warn().Err(err).Str("path", snap.SameDayPath).Msg("Same-day pick failed, falling back to random")
	}

	path, err := s.pickRandom(snap)
	if err != nil {
		metrics.Selections.WithLabelValues("no_images").Inc()
		return "", sess, err
	}
	metrics.Selections.WithLabelValues("random").Inc()
	return path, sess, nil
}

func (s *Service) pickSameDay(snap *lifecycle.Snapshot, sess Session, today index.Day, cycle int) (string, Session, error) {
	if sess.DateStamp != today {
		sess = Session{DateStamp: today}
	}
	if sess.Position < 0 {
		sess.Position = 0
	}
	if cycle > 0 && sess.Served >= cycle {
		log.Debug().Int("served", sess.Served).Msg("Same-day cycle complete, restarting")
		sess.Position = 0
		sess.Served = 0
	}

	path, n, count, err := s.lines.Pick(snap.SameDayPath, func(count int) int {
		return sess.Position % count
	})
	if err != nil {
		return "", sess, err
	}

	sess.Position = (n + 1) % count
	sess.Served++
	return path, sess, nil
}

func (s *Service) pickRandom(snap *lifecycle.Snapshot) (string, error) {
	path, _, _, err := s.lines.Pick(snap.FullPath, func(count int) int {
		return s.intN(count)
	})
	switch {
	case err == nil:
		return path, nil
	case errors.Is(err, index.ErrEmpty), errors.Is(err, os.ErrNotExist):
		return "", ErrNoImages
	default:
		return "", fmt.Errorf("failed to read full index: %w", err)
	}
}

func (s *Service) intN(n int) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.rand != nil {
		return s.rand.IntN(n)
	}
	return rand.IntN(n)
}
