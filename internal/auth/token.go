// Package auth provides the bearer token issued by the external identity
// provider and the self identity carried in it.
package auth

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
	logging "github.com/ipfs/go-log/v2"
)

var log = logging.Logger("auth")

// ErrNoToken is returned when neither a literal token nor a token file
// yields a credential.
var ErrNoToken = errors.New("no bearer token configured")

// TokenSource hands out the current bearer token. A file-backed source is
// reloaded whenever the file changes on disk.
type TokenSource struct {
	mu    sync.RWMutex
	token string
	path  string

	listeners []func(string)
}

// Static wraps a literal token.
func Static(token string) *TokenSource {
	return &TokenSource{token: strings.TrimSpace(token)}
}

// FromFile reads the token stored at path.
func FromFile(path string) (*TokenSource, error) {
	s := &TokenSource{path: path}
	if err := s.reload(); err != nil {
		return nil, err
	}
	return s, nil
}

// Token returns the current token.
func (s *TokenSource) Token() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.token
}

// OnChange registers fn to run after each successful reload.
func (s *TokenSource) OnChange(fn func(token string)) {
	s.mu.Lock()
	s.listeners = append(s.listeners, fn)
	s.mu.Unlock()
}

func (s *TokenSource) reload() error {
	b, err := os.ReadFile(s.path)
	if err != nil {
		return fmt.Errorf("read token: %w", err)
	}
	tok := strings.TrimSpace(string(b))
	if tok == "" {
		return fmt.Errorf("%s: %w", s.path, ErrNoToken)
	}

	s.mu.Lock()
	changed := tok != s.token
	s.token = tok
	listeners := make([]func(string), len(s.listeners))
	copy(listeners, s.listeners)
	s.mu.Unlock()

	if changed {
		for _, fn := range listeners {
			fn(tok)
		}
	}
	return nil
}

// Watch reloads the token file until ctx is done. It watches the parent
// directory so editors and credential helpers that replace the file
// atomically are picked up. A static source returns immediately.
func (s *TokenSource) Watch(ctx context.Context) error {
	if s.path == "" {
		return nil
	}
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer w.Close()

	if err := w.Add(filepath.Dir(s.path)); err != nil {
		return fmt.Errorf("watch %s: %w", s.path, err)
	}
	want := filepath.Clean(s.path)

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != want {
				continue
			}
			if !ev.Op.Has(fsnotify.Write) && !ev.Op.Has(fsnotify.Create) {
				continue
			}
			if err := s.reload(); err != nil {
				log.Warnf("token reload: %v", err)
				continue
			}
			log.Infof("token reloaded from %s", s.path)
		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			log.Warnf("token watcher: %v", err)
		}
	}
}
