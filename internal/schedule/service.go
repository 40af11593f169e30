// Package schedule switches lights on cron rules.
//
// A rule only submits a command; execution, retries and duplicate
// suppression stay with the dispatch worker.
package schedule

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"kaku/internal/worker"
	logx "kaku/pkg/logx"
)

// Target is the light surface a rule drives.
type Target interface {
	TurnOn(brightness *int) error
	TurnOff() error
}

// Lookup resolves a device ID to its light.
type Lookup func(deviceID int) (Target, bool)

type Rule struct {
	Name       string
	DeviceID   int
	On         bool
	Brightness *int
	Spec       string
}

type EntryInfo struct {
	Name     string
	DeviceID int
	Spec     string
	Next     time.Time
	Prev     time.Time
}

type Service struct {
	log    logx.Logger
	lookup Lookup
	parser cron.Parser

	mu    sync.Mutex
	c     *cron.Cron
	quit  chan struct{}
	rules []Rule

	// registered holds only the rules that made it into cron, by name.
	registered map[string]entry
}

type entry struct {
	id   cron.EntryID
	rule Rule
}

func New(lookup Lookup, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{
		log:        log,
		lookup:     lookup,
		registered: map[string]entry{},
		// SecondOptional allows both 5-field and 6-field (with seconds) cron specs.
		parser: cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor),
	}
}

// Validate checks a rule without registering it.
func (s *Service) Validate(r Rule) error {
	if strings.TrimSpace(r.Name) == "" {
		return errors.New("rule name required")
	}
	spec, err := NormalizeSpec(r.Spec)
	if err != nil {
		return fmt.Errorf("%s: %w", r.Name, err)
	}
	if _, err := s.parser.Parse(spec); err != nil {
		return fmt.Errorf("%s: invalid cron %q: %w", r.Name, spec, err)
	}
	return nil
}

// Apply replaces the rule set. Invalid rules are logged and skipped.
// It is safe before and after Start.
func (s *Service) Apply(rules []Rule) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rules = append([]Rule(nil), rules...)
	if s.c != nil {
		s.registerLocked()
	}
}

// Start begins triggering rules. The service stops on its own when ctx is
// done.
func (s *Service) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.c != nil {
		return
	}
	c := cron.New(cron.WithParser(s.parser))
	quit := make(chan struct{})
	s.c, s.quit = c, quit
	s.registerLocked()
	c.Start()
	s.log.Info("service started", logx.Int("rules", len(s.registered)))

	go func() {
		select {
		case <-quit:
		case <-ctx.Done():
			s.stop(context.Background(), c)
		}
	}()
}

func (s *Service) Stop(ctx context.Context) {
	s.mu.Lock()
	c := s.c
	s.mu.Unlock()
	s.stop(ctx, c)
}

// stop tears down c if it is still the running instance.
func (s *Service) stop(ctx context.Context, c *cron.Cron) {
	s.mu.Lock()
	if c == nil || s.c != c {
		s.mu.Unlock()
		return
	}
	s.c = nil
	close(s.quit)
	s.quit = nil
	s.registered = map[string]entry{}
	s.mu.Unlock()

	select {
	case <-c.Stop().Done():
	case <-ctx.Done():
	}
	s.log.Info("service stopped")
}

// Running reports whether rules are being triggered.
func (s *Service) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.c != nil
}

func (s *Service) registerLocked() {
	for name, e := range s.registered {
		s.c.Remove(e.id)
		delete(s.registered, name)
	}
	for _, r := range s.rules {
		if err := s.Validate(r); err != nil {
			s.log.Warn("rule skipped", logx.String("rule", r.Name), logx.Err(err))
			continue
		}
		if _, dup := s.registered[r.Name]; dup {
			s.log.Warn("rule skipped", logx.String("rule", r.Name), logx.String("reason", "duplicate name"))
			continue
		}
		spec, _ := NormalizeSpec(r.Spec)
		r := r
		id, err := s.c.AddFunc(spec, func() { s.fire(r) })
		if err != nil {
			s.log.Warn("rule skipped", logx.String("rule", r.Name), logx.Err(err))
			continue
		}
		s.registered[r.Name] = entry{id: id, rule: r}
	}
}

func (s *Service) fire(r Rule) {
	t, ok := s.lookup(r.DeviceID)
	if !ok {
		s.log.Warn("rule target missing", logx.String("rule", r.Name), logx.Int("device", r.DeviceID))
		return
	}
	var err error
	if r.On {
		err = t.TurnOn(r.Brightness)
	} else {
		err = t.TurnOff()
	}
	switch {
	case err == nil:
		s.log.Debug("rule fired", logx.String("rule", r.Name), logx.Int("device", r.DeviceID), logx.Bool("on", r.On))
	case errors.Is(err, worker.ErrBusy):
		s.log.Debug("rule skipped; device busy", logx.String("rule", r.Name), logx.Int("device", r.DeviceID))
	default:
		s.log.Warn("rule failed", logx.String("rule", r.Name), logx.Int("device", r.DeviceID), logx.Err(err))
	}
}

// Entries lists registered rules with their next run time.
func (s *Service) Entries() []EntryInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.c == nil {
		return nil
	}
	byID := make(map[cron.EntryID]Rule, len(s.registered))
	for _, e := range s.registered {
		byID[e.id] = e.rule
	}
	var out []EntryInfo
	for _, e := range s.c.Entries() {
		r, ok := byID[e.ID]
		if !ok {
			continue
		}
		out = append(out, EntryInfo{Name: r.Name, DeviceID: r.DeviceID, Spec: r.Spec, Next: e.Next, Prev: e.Prev})
	}
	return out
}
