package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/patrickmn/go-cache"
	"github.com/rs/zerolog"
)

const (
	// SessionsPath lists the active playback sessions.
	SessionsPath = "/status/sessions"

	DefaultCacheTTL       = 30 * time.Minute
	DefaultRequestTimeout = 10 * time.Second
)

var (
	ErrUnauthorized     = errors.New("sessions: unauthorized")
	ErrUnexpectedStatus = errors.New("sessions: unexpected status")
	ErrMissingBaseURL   = errors.New("sessions: base URL is required")
)

// Config configures an HTTPStore.
type Config struct {
	// BaseURL is the media server root, e.g. http://plex.lan:32400.
	BaseURL        string
	Token          string
	CacheTTL       time.Duration
	RequestTimeout time.Duration
}

type sessionsResponse struct {
	MediaContainer struct {
		Size     int              `json:"size"`
		Metadata []map[string]any `json:"Metadata"`
	} `json:"MediaContainer"`
}

// HTTPStore resolves sessions from the media server's session list and
// caches them by key.
type HTTPStore struct {
	url    string
	token  string
	client *http.Client
	cache  *cache.Cache
	log    zerolog.Logger
}

// Option configures an HTTPStore.
type Option func(*HTTPStore)

// WithHTTPClient replaces the HTTP client.
func WithHTTPClient(c *http.Client) Option {
	return func(s *HTTPStore) { s.client = c }
}

// WithLogger sets the logger.
func WithLogger(l zerolog.Logger) Option {
	return func(s *HTTPStore) { s.log = l.With().Str("component", "sessions").Logger() }
}

// NewHTTPStore creates an HTTPStore.
func NewHTTPStore(cfg Config, opts ...Option) (*HTTPStore, error) {
	if cfg.BaseURL == "" {
		return nil, ErrMissingBaseURL
	}
	if cfg.CacheTTL <= 0 {
		cfg.CacheTTL = DefaultCacheTTL
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = DefaultRequestTimeout
	}
	s := &HTTPStore{
		url:    strings.TrimRight(cfg.BaseURL, "/") + SessionsPath,
		token:  cfg.Token,
		client: &http.Client{Timeout: cfg.RequestTimeout},
		cache:  cache.New(cfg.CacheTTL, cfg.CacheTTL*2),
		log:    zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Fetch returns the cached session for key, refreshing the cache from the
// server on a miss.
func (s *HTTPStore) Fetch(ctx context.Context, key string) (*Session, error) {
	if sess, ok := s.get(key); ok {
		return sess, nil
	}
	if err := s.refresh(ctx); err != nil {
		return nil, err
	}
	sess, _ := s.get(key)
	return sess, nil
}

// Delete evicts key from the cache.
func (s *HTTPStore) Delete(key string) {
	s.cache.Delete(key)
}

// Len returns the number of cached sessions.
func (s *HTTPStore) Len() int {
	return s.cache.ItemCount()
}

func (s *HTTPStore) get(key string) (*Session, bool) {
	v, ok := s.cache.Get(key)
	if !ok {
		return nil, false
	}
	sess, ok := v.(*Session)
	return sess, ok
}

func (s *HTTPStore) refresh(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.url, nil)
	if err != nil {
		return fmt.Errorf("build sessions request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if s.token != "" {
		req.Header.Set("X-Plex-Token", s.token)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("fetch sessions: %w", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusUnauthorized:
		return ErrUnauthorized
	case resp.StatusCode != http.StatusOK:
		return fmt.Errorf("%w: %s", ErrUnexpectedStatus, resp.Status)
	}

	var body sessionsResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return fmt.Errorf("decode sessions: %w", err)
	}

	added := 0
	for _, entry := range body.MediaContainer.Metadata {
		sess := New(entry)
		if sess.Key == "" {
			continue
		}
		// Add leaves records already cached, and their prevState, alone.
		if s.cache.Add(sess.Key, sess, cache.DefaultExpiration) == nil {
			added++
		}
	}
	s.log.Debug().
		Int("sessions", len(body.MediaContainer.Metadata)).
		Int("added", added).
		Msg("sessions refreshed")
	return nil
}
