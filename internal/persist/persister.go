package persist

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"

	"github.com/opencode-ai/sessionbridge/internal/bridge"
	"github.com/opencode-ai/sessionbridge/internal/event"
	"github.com/opencode-ai/sessionbridge/internal/logging"
)

const (
	// DefaultInterval is the default autosave period.
	DefaultInterval = 5 * time.Second
	// MaxRetries bounds the retries of a single save.
	MaxRetries = 3
	// RetryInitialInterval is the first retry delay of a failed save.
	RetryInitialInterval = 100 * time.Millisecond
	// RetryMaxInterval caps the delay between retries.
	RetryMaxInterval = 2 * time.Second
)

// Sessions looks up live sessions by id. *bridge.Registry implements it.
type Sessions interface {
	Get(id string) (*bridge.Session, bool)
}

// Persister saves sessions whose history or resume id changed. It
// follows the bus event stream and flushes on a fixed interval.
type Persister struct {
	store    *Store
	sessions Sessions
	bus      *event.Bus
	interval time.Duration
	clock    func() time.Time
	log      zerolog.Logger

	mu    sync.Mutex
	dirty map[string]struct{}

	done chan struct{}
}

// Option configures a Persister.
type Option func(*Persister)

// WithInterval sets the autosave period.
func WithInterval(d time.Duration) Option {
	return func(p *Persister) {
		if d > 0 {
			p.interval = d
		}
	}
}

// WithClock overrides the time source used for UpdatedAt.
func WithClock(clock func() time.Time) Option {
	return func(p *Persister) { p.clock = clock }
}

// NewPersister creates a persister. Call Start to begin following the bus.
func NewPersister(store *Store, sessions Sessions, bus *event.Bus, opts ...Option) *Persister {
	p := &Persister{
		store:    store,
		sessions: sessions,
		bus:      bus,
		interval: DefaultInterval,
		clock:    time.Now,
		log:      logging.Component("persist"),
		dirty:    make(map[string]struct{}),
		done:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Start subscribes to the bus and runs the autosave loop until ctx is
// cancelled. Dirty sessions are flushed once more before the loop exits.
func (p *Persister) Start(ctx context.Context) error {
	messages, err := p.bus.Stream(ctx)
	if err != nil {
		return fmt.Errorf("subscribe to events: %w", err)
	}
	go p.run(ctx, messages)
	return nil
}

// Done is closed once the loop started by Start has exited.
func (p *Persister) Done() <-chan struct{} {
	return p.done
}

func (p *Persister) run(ctx context.Context, messages <-chan *message.Message) {
	defer close(p.done)

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case msg, ok := <-messages:
			if !ok {
				p.finalFlush()
				return
			}
			p.handle(msg)
			msg.Ack()
		case <-ticker.C:
			if err := p.Flush(ctx); err != nil && ctx.Err() == nil {
				p.log.Warn().Err(err).Msg("autosave failed")
			}
		case <-ctx.Done():
			p.finalFlush()
			return
		}
	}
}

func (p *Persister) finalFlush() {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := p.Flush(ctx); err != nil {
		p.log.Warn().Err(err).Msg("final flush failed")
	}
}

func (p *Persister) handle(msg *message.Message) {
	env, err := event.DecodeEnvelope(msg.Payload)
	if err != nil {
		p.log.Warn().Err(err).Msg("skipping undecodable event")
		return
	}
	id, err := env.SessionID()
	if err != nil || id == "" {
		return
	}

	switch env.Type {
	case event.SessionCreated, event.HistoryAppended, event.HistoryLoaded, event.AgentSessionReported:
		p.MarkDirty(id)
	case event.SessionRemoved:
		p.mu.Lock()
		delete(p.dirty, id)
		p.mu.Unlock()
	}
}

// MarkDirty schedules id for the next flush.
func (p *Persister) MarkDirty(id string) {
	p.mu.Lock()
	p.dirty[id] = struct{}{}
	p.mu.Unlock()
}

// Dirty returns the ids waiting to be saved, sorted.
func (p *Persister) Dirty() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	ids := make([]string, 0, len(p.dirty))
	for id := range p.dirty {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Flush saves every dirty session. Sessions that are gone are dropped;
// sessions that fail to save stay dirty.
func (p *Persister) Flush(ctx context.Context) error {
	p.mu.Lock()
	ids := make([]string, 0, len(p.dirty))
	for id := range p.dirty {
		ids = append(ids, id)
	}
	p.dirty = make(map[string]struct{})
	p.mu.Unlock()

	var errs []error
	for _, id := range ids {
		err := p.Save(ctx, id)
		switch {
		case err == nil:
		case errors.Is(err, bridge.ErrSessionNotFound), errors.Is(err, bridge.ErrSessionClosed):
			p.log.Debug().Str("sessionID", id).Msg("session gone before save")
		default:
			p.MarkDirty(id)
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Save writes the record and history of a live session, retrying with
// exponential backoff.
func (p *Persister) Save(ctx context.Context, id string) error {
	s, ok := p.sessions.Get(id)
	if !ok {
		return fmt.Errorf("save %s: %w", id, bridge.ErrSessionNotFound)
	}

	history, err := s.GetMessageHistory()
	if err != nil {
		return fmt.Errorf("save %s: %w", id, err)
	}
	info, err := s.Info()
	if err != nil {
		return fmt.Errorf("save %s: %w", id, err)
	}

	rec := Record{
		SessionID:     id,
		AgentResumeID: info.AgentSessionID,
		CreatedAt:     info.CreatedAt,
		UpdatedAt:     p.clock(),
		HistoryLength: len(history),
	}

	op := func() error {
		if err := p.store.SaveHistory(ctx, id, history); err != nil {
			return err
		}
		return p.store.SaveRecord(ctx, rec)
	}
	notify := func(err error, next time.Duration) {
		p.log.Warn().Err(err).Str("sessionID", id).Dur("retryIn", next).Msg("save failed, retrying")
	}
	if err := backoff.RetryNotify(op, newSaveBackoff(ctx), notify); err != nil {
		return err
	}

	p.log.Debug().Str("sessionID", id).Int("history", len(history)).Msg("session saved")
	return nil
}

func newSaveBackoff(ctx context.Context) backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = RetryInitialInterval
	b.MaxInterval = RetryMaxInterval
	b.RandomizationFactor = 0.5
	b.Multiplier = 2.0
	b.Reset()
	return backoff.WithContext(backoff.WithMaxRetries(b, MaxRetries), ctx)
}
