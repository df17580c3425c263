// Package download issues short-lived single-use tokens for workspace
// archives and serves them over HTTP as tar.gz streams.
package download

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"sync"
	"time"

	"github.com/klauspost/compress/gzip"
	"github.com/robfig/cron/v3"

	"github.com/AjaxZhan/devspace/internal/clock"
	"github.com/AjaxZhan/devspace/internal/logging"
	"github.com/AjaxZhan/devspace/internal/metrics"
	"github.com/AjaxZhan/devspace/internal/security"
)

// DefaultTTL is how long an issued token stays redeemable.
const DefaultTTL = 60 * time.Second

var (
	ErrUnknownToken = errors.New("invalid token")
	ErrExpired      = errors.New("expired")
)

// Source produces a tar stream of a workspace path.
type Source interface {
	Archive(ctx context.Context, rel string) (io.ReadCloser, error)
}

type grant struct {
	src       Source
	sessionID string
	rel       string
	expires   time.Time
}

// Store maps tokens to pending downloads.
type Store struct {
	ttl     time.Duration
	clk     clock.Clock
	metrics *metrics.Metrics
	cron    *cron.Cron

	mu     sync.Mutex
	grants map[string]grant
}

// NewStore creates a Store. A zero ttl selects DefaultTTL.
func NewStore(ttl time.Duration, clk clock.Clock, m *metrics.Metrics) *Store {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if clk == nil {
		clk = clock.Real()
	}
	return &Store{
		ttl:     ttl,
		clk:     clk,
		metrics: m,
		cron:    cron.New(),
		grants:  make(map[string]grant),
	}
}

// Start schedules the sweep of stale tokens.
func (s *Store) Start() error {
	if _, err := s.cron.AddFunc("@every 1m", func() { s.Sweep(s.clk.Now()) }); err != nil {
		return fmt.Errorf("failed to schedule download sweep: %w", err)
	}
	s.cron.Start()
	return nil
}

// Stop halts the sweep.
func (s *Store) Stop() {
	<-s.cron.Stop().Done()
}

// Issue returns a new token for rel on src.
func (s *Store) Issue(src Source, sessionID, rel string) string {
	token := security.RandomHex(24)
	s.mu.Lock()
	s.grants[token] = grant{
		src:       src,
		sessionID: sessionID,
		rel:       security.SanitizeRelPath(rel),
		expires:   s.clk.Now().Add(s.ttl),
	}
	s.mu.Unlock()
	return token
}

// Redeem consumes a token. Expired tokens are consumed too.
func (s *Store) Redeem(token string) (Source, string, error) {
	s.mu.Lock()
	g, ok := s.grants[token]
	if ok {
		delete(s.grants, token)
	}
	s.mu.Unlock()

	if !ok {
		return nil, "", ErrUnknownToken
	}
	if s.clk.Now().After(g.expires) {
		return nil, "", ErrExpired
	}
	return g.src, g.rel, nil
}

// Sweep drops tokens that expired more than one TTL ago. Recently expired
// tokens are kept so a late redemption still reports expiry.
func (s *Store) Sweep(now time.Time) int {
	cutoff := now.Add(-s.ttl)
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for token, g := range s.grants {
		if g.expires.Before(cutoff) {
			delete(s.grants, token)
			n++
		}
	}
	return n
}

// Len returns the number of outstanding tokens.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.grants)
}

// ServeHTTP redeems ?token= and streams the archive gzip-compressed.
func (s *Store) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	src, rel, err := s.Redeem(r.URL.Query().Get("token"))
	switch {
	case errors.Is(err, ErrUnknownToken):
		s.metrics.Download("unknown")
		http.Error(w, "Invalid token", http.StatusNotFound)
		return
	case errors.Is(err, ErrExpired):
		s.metrics.Download("expired")
		http.Error(w, "Expired", http.StatusGone)
		return
	}

	rc, err := src.Archive(r.Context(), rel)
	if err != nil {
		s.metrics.Download("error")
		logging.Warn("Download archive failed", logging.String("path", rel), logging.Err(err))
		http.Error(w, "Archive error", http.StatusInternalServerError)
		return
	}
	defer rc.Close()

	w.Header().Set("Content-Type", "application/gzip")
	w.Header().Set("Content-Disposition", fmt.Sprintf(`attachment; filename="%s"`, url.PathEscape(archiveName(rel))))

	zw := gzip.NewWriter(w)
	if _, err := io.Copy(zw, rc); err != nil {
		s.metrics.Download("error")
		logging.Warn("Download stream interrupted", logging.String("path", rel), logging.Err(err))
		return
	}
	if err := zw.Close(); err != nil {
		s.metrics.Download("error")
		return
	}
	s.metrics.Download("ok")
}

func archiveName(rel string) string {
	base := path.Base("/" + rel)
	if base == "/" || base == "." {
		base = "download"
	}
	return base + ".tar.gz"
}
