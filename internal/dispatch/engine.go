package dispatch

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"wablast/internal/cache"
	"wablast/internal/progress"
	"wablast/internal/storage"
	"wablast/internal/transport"
	"wablast/pkg/logx"
)

type Config struct {
	// MessageDelay is the pacing gap between consecutive sends.
	MessageDelay time.Duration
}

// SessionGate answers the only question the engine asks about the session.
type SessionGate interface {
	Authenticated() bool
}

// Ack is the synchronous answer to a successful Start; the send loop itself
// runs in the background.
type Ack struct {
	CampaignID string
	Total      int
}

type Engine struct {
	campaigns storage.CampaignStore
	contacts  storage.ContactStore
	channel   transport.Channel
	gate      SessionGate
	pub       *progress.Publisher
	ledger    cache.Ledger
	log       logx.Logger

	// startMu serializes Start so concurrent calls observe each other's
	// claims: for the same campaign the loser sees it already sending.
	startMu sync.Mutex

	mu      sync.Mutex
	cfg     Config
	running bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

func New(cfg Config, campaigns storage.CampaignStore, contacts storage.ContactStore,
	channel transport.Channel, gate SessionGate, pub *progress.Publisher,
	ledger cache.Ledger, log logx.Logger) *Engine {

	if cfg.MessageDelay <= 0 {
		cfg.MessageDelay = 2 * time.Second
	}
	if ledger == nil {
		ledger = cache.Noop{}
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Engine{
		cfg:       cfg,
		campaigns: campaigns,
		contacts:  contacts,
		channel:   channel,
		gate:      gate,
		pub:       pub,
		ledger:    ledger,
		log:       log,
	}
}

// Apply updates the pacing configuration. Takes effect from the next
// dispatch.
func (e *Engine) Apply(cfg Config) {
	if cfg.MessageDelay <= 0 {
		return
	}
	e.mu.Lock()
	e.cfg = cfg
	e.mu.Unlock()
}

// Running reports whether a dispatch is currently in flight.
func (e *Engine) Running() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.running
}

// Start checks every precondition, claims the campaign, creates the pending
// message records, and launches the send loop. The claim is a conditional
// update on status, so of two concurrent starts exactly one wins; the loser
// sees ErrCampaignAlreadyProcessed.
func (e *Engine) Start(ctx context.Context, campaignID string) (Ack, error) {
	e.startMu.Lock()
	defer e.startMu.Unlock()

	if !e.gate.Authenticated() {
		return Ack{}, ErrSessionNotAuthenticated
	}

	c, err := e.campaigns.GetCampaign(ctx, campaignID)
	if errors.Is(err, storage.ErrNotFound) {
		return Ack{}, ErrCampaignNotFound
	}
	if err != nil {
		return Ack{}, fmt.Errorf("load campaign: %w", err)
	}
	if c.Status != storage.CampaignDraft {
		return Ack{}, ErrCampaignAlreadyProcessed
	}

	recipients, err := e.contacts.ListContacts(ctx)
	if err != nil {
		return Ack{}, fmt.Errorf("list contacts: %w", err)
	}
	if len(recipients) == 0 {
		return Ack{}, ErrNoRecipients
	}

	e.mu.Lock()
	if e.running {
		e.mu.Unlock()
		return Ack{}, ErrDispatchInFlight
	}
	e.running = true
	delay := e.cfg.MessageDelay
	e.mu.Unlock()

	release := func() {
		e.mu.Lock()
		e.running = false
		e.cancel = nil
		e.mu.Unlock()
	}

	claimed, err := e.campaigns.ClaimForSending(ctx, campaignID, len(recipients))
	if err != nil {
		release()
		return Ack{}, fmt.Errorf("claim campaign: %w", err)
	}
	if !claimed {
		release()
		return Ack{}, ErrCampaignAlreadyProcessed
	}

	records, err := e.campaigns.CreateMessages(ctx, campaignID, c.Body, recipients)
	if err != nil {
		// Already claimed; the campaign cannot return to draft.
		if serr := e.campaigns.SetCampaignStatus(context.Background(), campaignID, storage.CampaignFailed, 0, 0); serr != nil {
			e.log.Error("mark campaign failed after record creation failure", logx.Err(serr))
		}
		release()
		return Ack{}, fmt.Errorf("create message records: %w", err)
	}

	e.pub.Begin(c.Name, len(recipients))

	// The loop must outlive the caller's request context; cancellation comes
	// from CancelInFlight (session disconnect) only.
	runCtx, cancel := context.WithCancel(context.Background())
	e.mu.Lock()
	e.cancel = cancel
	e.mu.Unlock()

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		defer release()
		defer func() {
			if r := recover(); r != nil {
				e.log.Error("panic in dispatch loop",
					logx.Any("panic", r), logx.String("stack", string(debug.Stack())))
				e.terminate(campaignID, storage.CampaignFailed, 0, 0)
			}
		}()
		e.run(runCtx, c, recipients, records, delay)
	}()

	e.log.Info("dispatch started",
		logx.String("campaign", campaignID),
		logx.String("name", c.Name),
		logx.Int("total", len(recipients)))
	return Ack{CampaignID: campaignID, Total: len(recipients)}, nil
}

// CancelInFlight aborts the current dispatch, if any. Used when the session
// disconnects: the loop stops at its next suspension point and the campaign
// is marked failed with the unattempted records left pending.
func (e *Engine) CancelInFlight(reason string) {
	e.mu.Lock()
	cancel := e.cancel
	e.mu.Unlock()
	if cancel != nil {
		e.log.Warn("cancelling in-flight dispatch", logx.String("reason", reason))
		cancel()
	}
}

// Stop cancels any in-flight dispatch and waits for the loop to finish or
// ctx to expire.
func (e *Engine) Stop(ctx context.Context) {
	e.CancelInFlight("engine stopping")
	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
	}
}

func (e *Engine) run(ctx context.Context, c storage.Campaign, recipients []storage.Contact, records []storage.MessageRecord, delay time.Duration) {
	start := time.Now()
	// Burst 1 with a full initial token: the first send goes out
	// immediately, every later one waits out the pacing gap.
	limiter := rate.NewLimiter(rate.Every(delay), 1)

	sent, failed := 0, 0
	for i, rec := range recipients {
		if err := limiter.Wait(ctx); err != nil {
			e.log.Warn("dispatch aborted", logx.String("campaign", c.ID), logx.Err(err))
			e.terminate(c.ID, storage.CampaignFailed, sent, failed)
			return
		}

		m := records[i]
		if done, err := e.ledger.WasSent(ctx, c.ID, rec.Phone); err == nil && done {
			// Delivered in a previous run of this campaign; don't double-send.
			now := time.Now()
			if err := e.campaigns.UpdateMessage(ctx, m.ID, storage.MessageSent, "", &now); err != nil {
				e.fault(c.ID, sent, failed, err)
				return
			}
			sent++
			e.pub.Update(sent + failed)
			continue
		}

		err := e.channel.SendText(ctx, rec.Phone, c.Body)
		if err != nil && ctx.Err() != nil {
			e.log.Warn("dispatch aborted mid-send", logx.String("campaign", c.ID), logx.Err(ctx.Err()))
			e.terminate(c.ID, storage.CampaignFailed, sent, failed)
			return
		}
		if err != nil {
			if uerr := e.campaigns.UpdateMessage(ctx, m.ID, storage.MessageFailed, err.Error(), nil); uerr != nil {
				e.fault(c.ID, sent, failed, uerr)
				return
			}
			failed++
			var serr *transport.SendError
			if errors.As(err, &serr) {
				e.log.Warn("send failed",
					logx.String("campaign", c.ID),
					logx.String("phone", rec.Phone),
					logx.String("code", serr.Code))
			} else {
				e.log.Warn("send failed",
					logx.String("campaign", c.ID),
					logx.String("phone", rec.Phone),
					logx.Err(err))
			}
		} else {
			now := time.Now()
			if uerr := e.campaigns.UpdateMessage(ctx, m.ID, storage.MessageSent, "", &now); uerr != nil {
				e.fault(c.ID, sent, failed, uerr)
				return
			}
			sent++
			if lerr := e.ledger.MarkSent(ctx, c.ID, rec.Phone, m.ID, now); lerr != nil {
				e.log.Debug("ledger write failed", logx.Err(lerr))
			}
		}
		e.pub.Update(sent + failed)
	}

	terminal := storage.CampaignCompleted
	if failed > 0 {
		terminal = storage.CampaignCompletedWithErrors
	}
	e.terminate(c.ID, terminal, sent, failed)

	fields := []logx.Field{
		logx.String("campaign", c.ID),
		logx.Int("sent", sent),
		logx.Int("failed", failed),
		logx.Duration("took", time.Since(start)),
	}
	if failed > 0 {
		e.log.Warn("dispatch finished with failures", fields...)
	} else {
		e.log.Info("dispatch finished", fields...)
	}
}

// fault handles an engine-level failure (store unreachable mid-loop): the
// campaign is marked failed and the loop gives up. Unattempted records stay
// pending.
func (e *Engine) fault(campaignID string, sent, failed int, err error) {
	e.log.Error("dispatch engine fault", logx.String("campaign", campaignID), logx.Err(err))
	e.terminate(campaignID, storage.CampaignFailed, sent, failed)
}

func (e *Engine) terminate(campaignID string, status storage.CampaignStatus, sent, failed int) {
	// Terminal writes use a fresh context: the run context may already be
	// canceled and the outcome must still be persisted.
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := e.campaigns.SetCampaignStatus(ctx, campaignID, status, sent, failed); err != nil {
		e.log.Error("persist terminal status",
			logx.String("campaign", campaignID),
			logx.String("status", string(status)),
			logx.Err(err))
	}
	e.pub.Finish()
}
