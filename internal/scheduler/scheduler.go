// Package scheduler starts campaigns at cron-defined times.
//
// A campaign is one-shot (draft → sending happens once), so an entry removes
// itself after the dispatcher accepts the start or reports the campaign
// already processed. Precondition failures at fire time (session down,
// another dispatch running) keep the entry armed for the next fire and are
// logged, never fatal.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"wablast/internal/dispatch"
	"wablast/pkg/logx"
)

// Starter is the dispatcher operation the scheduler drives.
type Starter interface {
	Start(ctx context.Context, campaignID string) (dispatch.Ack, error)
}

type Entry struct {
	CampaignID string
	Spec       string
	Next       time.Time
}

type Service struct {
	starter Starter
	log     logx.Logger
	parser  cron.Parser

	mu      sync.Mutex
	c       *cron.Cron
	entries map[string]cron.EntryID
	specs   map[string]string
}

func New(starter Starter, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	// SecondOptional allows both 5-field and 6-field (with seconds) specs.
	parser := cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
	return &Service{
		starter: starter,
		log:     log,
		parser:  parser,
		c:       cron.New(cron.WithParser(parser)),
		entries: map[string]cron.EntryID{},
		specs:   map[string]string{},
	}
}

func (s *Service) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.c.Start()
}

func (s *Service) Stop(ctx context.Context) {
	s.mu.Lock()
	done := s.c.Stop().Done()
	s.mu.Unlock()
	select {
	case <-done:
	case <-ctx.Done():
	}
}

// Schedule registers (or replaces) a cron entry for the campaign.
func (s *Service) Schedule(campaignID, spec string) error {
	if _, err := s.parser.Parse(spec); err != nil {
		return fmt.Errorf("invalid schedule %q: %w", spec, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if old, ok := s.entries[campaignID]; ok {
		s.c.Remove(old)
	}
	id, err := s.c.AddFunc(spec, func() { s.fire(campaignID) })
	if err != nil {
		return err
	}
	s.entries[campaignID] = id
	s.specs[campaignID] = spec
	s.log.Info("campaign scheduled", logx.String("campaign", campaignID), logx.String("spec", spec))
	return nil
}

// Unschedule removes the entry for the campaign, reporting whether one
// existed.
func (s *Service) Unschedule(campaignID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.entries[campaignID]
	if !ok {
		return false
	}
	s.c.Remove(id)
	delete(s.entries, campaignID)
	delete(s.specs, campaignID)
	return true
}

func (s *Service) Entries() []Entry {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Entry, 0, len(s.entries))
	for campaignID, id := range s.entries {
		out = append(out, Entry{
			CampaignID: campaignID,
			Spec:       s.specs[campaignID],
			Next:       s.c.Entry(id).Next,
		})
	}
	return out
}

func (s *Service) fire(campaignID string) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	ack, err := s.starter.Start(ctx, campaignID)
	switch {
	case err == nil:
		s.log.Info("scheduled dispatch started",
			logx.String("campaign", campaignID), logx.Int("total", ack.Total))
		s.Unschedule(campaignID)
	case errors.Is(err, dispatch.ErrCampaignAlreadyProcessed), errors.Is(err, dispatch.ErrCampaignNotFound):
		// Nothing left to fire for.
		s.log.Warn("dropping schedule", logx.String("campaign", campaignID), logx.Err(err))
		s.Unschedule(campaignID)
	default:
		// Transient (session down, dispatch busy): keep the entry armed.
		s.log.Warn("scheduled dispatch not started", logx.String("campaign", campaignID), logx.Err(err))
	}
}
