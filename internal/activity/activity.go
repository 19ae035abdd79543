// Package activity periodically copies in-memory room statistics into the
// room directory.
package activity

import (
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/manpreetbhatti/boardify/backend/internal/db"
	"github.com/manpreetbhatti/boardify/backend/internal/room"
	"github.com/manpreetbhatti/boardify/backend/internal/session"
)

type Config struct {
	Interval time.Duration
}

func DefaultConfig() Config {
	return Config{
		Interval: 30 * time.Second,
	}
}

type synced struct {
	stats room.Stats
	peak  int
}

type Service struct {
	store    *room.Store
	sessions *session.Registry
	database *db.Database
	config   Config
	log      *slog.Logger

	// Guarded by mu; SyncNow may race with the ticker.
	last map[string]synced
	mu   sync.Mutex

	stop     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

func New(store *room.Store, sessions *session.Registry, database *db.Database, config Config, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if config.Interval <= 0 {
		config.Interval = DefaultConfig().Interval
	}
	return &Service{
		store:    store,
		sessions: sessions,
		database: database,
		config:   config,
		log:      logger,
		last:     make(map[string]synced),
		stop:     make(chan struct{}),
	}
}

func (s *Service) Start() {
	s.wg.Add(1)
	go s.run()
	s.log.Info("activity sync started", "interval", s.config.Interval)
}

// Stop halts the ticker and runs one final sync.
func (s *Service) Stop() {
	s.stopOnce.Do(func() {
		close(s.stop)
		s.wg.Wait()
		if _, err := s.SyncNow(); err != nil {
			s.log.Warn("final activity sync failed", "error", err)
		}
		s.log.Info("activity sync stopped")
	})
}

func (s *Service) run() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
			if _, err := s.SyncNow(); err != nil {
				s.log.Warn("activity sync failed", "error", err)
			}
		}
	}
}

// SyncNow writes every room that changed since the previous sync and
// returns how many were written. It stops at the first database error.
func (s *Service) SyncNow() (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	members := s.sessions.RoomCounts()
	written := 0

	for _, st := range s.store.Stats() {
		n := members[st.Key]
		prev, seen := s.last[st.Key]
		if seen && prev.stats == st && n <= prev.peak {
			continue
		}

		peak := n
		if seen && prev.peak > peak {
			peak = prev.peak
		}

		rec := db.RoomRecord{
			Key:         st.Key,
			FirstSeen:   st.CreatedAt,
			LastActive:  st.LastActive,
			Segments:    st.Segments,
			Clears:      st.Clears,
			PeakMembers: peak,
		}
		if err := s.database.UpsertRoom(rec); err != nil {
			return written, err
		}

		s.last[st.Key] = synced{stats: st, peak: peak}
		written++
	}

	if written > 0 {
		s.log.Debug("synced room activity", "rooms", written)
	}
	return written, nil
}
