package tapeproxy

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"unicode"

	"github.com/akupila/tapeproxy/proxy"
	"github.com/akupila/tapeproxy/tape"
	"github.com/sirupsen/logrus"
)

var (
	// ErrNotStarted is returned by Stop when no tape is inserted.
	ErrNotStarted = errors.New("tapeproxy: recorder not started")

	// ErrAlreadyStarted is returned by Start when a tape is inserted.
	ErrAlreadyStarted = errors.New("tapeproxy: recorder already started")
)

// Listener is notified when the recorder inserts and ejects a tape.
// *proxy.Server implements it.
type Listener interface {
	OnRecorderStart(t proxy.Tape) error
	OnRecorderStop() error
}

var _ Listener = (*proxy.Server)(nil)

// Option configures a Recorder.
type Option func(*Recorder)

// WithLogger sets the logger. The default is the logrus standard logger.
func WithLogger(log logrus.FieldLogger) Option {
	return func(r *Recorder) { r.log = log }
}

// WithFilters adds filters applied to every entry before it is written to
// a tape.
func WithFilters(filters ...tape.Filter) Option {
	return func(r *Recorder) { r.filters = append(r.filters, filters...) }
}

// Recorder manages the tape that is currently inserted.
type Recorder struct {
	cfg     Configuration
	log     logrus.FieldLogger
	filters []tape.Filter

	mu        sync.Mutex
	listeners []Listener
	tape      *tape.Tape
}

// NewRecorder returns a Recorder with no tape inserted.
func NewRecorder(cfg Configuration, opts ...Option) *Recorder {
	r := &Recorder{cfg: cfg, log: logrus.StandardLogger()}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// AddListener registers l. Listeners are started in the order they were
// added and stopped in reverse.
func (r *Recorder) AddListener(l Listener) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.listeners = append(r.listeners, l)
}

// Start inserts the tape called name and starts every listener with it.
// With tape.Default the configured default mode is used.
//
// If a listener fails, those already started are stopped again and no tape
// is inserted.
func (r *Recorder) Start(name string, mode tape.Mode) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.tape != nil {
		return ErrAlreadyStarted
	}
	file := normalizeName(name)
	if file == "" || file == "_" {
		return fmt.Errorf("tapeproxy: invalid tape name %q", name)
	}
	if mode == tape.Default {
		mode = r.cfg.DefaultMode
	}
	t := tape.New(filepath.Join(r.cfg.TapeRoot, file), mode, r.filters...)
	if r.cfg.Sequential {
		t.Selector = &tape.OncePerCall{}
	}
	log := r.log.WithFields(logrus.Fields{"tape": t.Name(), "mode": t.Mode})

	for i, l := range r.listeners {
		if err := l.OnRecorderStart(t); err != nil {
			for j := i - 1; j >= 0; j-- {
				if serr := r.listeners[j].OnRecorderStop(); serr != nil {
					log.WithError(serr).Warn("stopping listener")
				}
			}
			return fmt.Errorf("tapeproxy: start tape %s: %w", t.Name(), err)
		}
	}
	r.tape = t
	log.Info("tape inserted")
	return nil
}

// Stop stops every listener and ejects the tape. Every listener is stopped
// even if one fails; the first error is returned.
func (r *Recorder) Stop() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.tape == nil {
		return ErrNotStarted
	}
	log := r.log.WithField("tape", r.tape.Name())

	var first error
	for i := len(r.listeners) - 1; i >= 0; i-- {
		if err := r.listeners[i].OnRecorderStop(); err != nil {
			log.WithError(err).Error("stopping listener")
			if first == nil {
				first = err
			}
		}
	}
	log.WithField("entries", r.tape.Size()).Info("tape ejected")
	r.tape = nil
	return first
}

// Tape returns the inserted tape, or nil.
func (r *Recorder) Tape() *tape.Tape {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.tape
}

// normalizeName turns a tape name into a file name: lower case, with every
// run of characters other than letters, digits, '-' and '_' replaced by a
// single underscore.
func normalizeName(name string) string {
	var b strings.Builder
	underscore := false
	for _, r := range strings.ToLower(strings.TrimSpace(name)) {
		if unicode.IsLetter(r) || unicode.IsDigit(r) || r == '-' || r == '_' {
			b.WriteRune(r)
			underscore = false
			continue
		}
		if !underscore {
			b.WriteRune('_')
			underscore = true
		}
	}
	return b.String()
}
