package dispatch

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/tmaklein/campaigner/internal/campaign"
	"github.com/tmaklein/campaigner/internal/channel"
	"github.com/tmaklein/campaigner/internal/lock"
	"github.com/tmaklein/campaigner/internal/metrics"
	"github.com/tmaklein/campaigner/internal/ratelimit"
	"github.com/tmaklein/campaigner/internal/session"
)

const (
	// DefaultTickInterval is the period between dispatch passes.
	DefaultTickInterval = 30 * time.Second

	// DefaultBatchSize caps how many entries one campaign may attempt per
	// tick, before the tier's own batch cap.
	DefaultBatchSize = 5
)

// Config contains dispatcher settings.
type Config struct {
	TickInterval time.Duration `yaml:"tick_interval"`
	BatchSize    int           `yaml:"batch_size"`
}

// Dispatcher is the periodic loop that pushes pending campaign queue
// entries through the channel, under the rate limiter and the lock manager.
// One dispatcher runs per process.
type Dispatcher struct {
	campaigns *campaign.Storage
	sessions  *session.Storage
	registry  *channel.Registry
	limiter   *ratelimit.Limiter
	locks     *lock.Manager
	metrics   *metrics.Metrics
	logger    *slog.Logger

	tickInterval time.Duration
	batchSize    int

	// injectable for deterministic tests
	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// New creates a dispatcher.
func New(
	campaigns *campaign.Storage,
	sessions *session.Storage,
	registry *channel.Registry,
	limiter *ratelimit.Limiter,
	locks *lock.Manager,
	m *metrics.Metrics,
	cfg Config,
	logger *slog.Logger,
) *Dispatcher {
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = DefaultTickInterval
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultBatchSize
	}
	return &Dispatcher{
		campaigns:    campaigns,
		sessions:     sessions,
		registry:     registry,
		limiter:      limiter,
		locks:        locks,
		metrics:      m,
		logger:       logger,
		tickInterval: cfg.TickInterval,
		batchSize:    cfg.BatchSize,
		now:          time.Now,
		sleep:        sleepCtx,
		stopCh:       make(chan struct{}),
	}
}

// Start launches the tick loop.
func (d *Dispatcher) Start(ctx context.Context) {
	d.logger.Info("starting dispatch loop", "tick_interval", d.tickInterval, "batch_size", d.batchSize)

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()

		ticker := time.NewTicker(d.tickInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-d.stopCh:
				return
			case <-ticker.C:
				d.TickNow(ctx)
			}
		}
	}()
}

// Stop stops the loop. A batch already in flight completes first.
func (d *Dispatcher) Stop() {
	close(d.stopCh)
	d.wg.Wait()
	d.logger.Info("dispatch loop stopped")
}

// TickNow runs one dispatch pass over all running campaigns. Exposed so
// tests and operators can single-step the loop.
func (d *Dispatcher) TickNow(ctx context.Context) {
	started := d.now()

	running, err := d.campaigns.ListByStatus(campaign.StatusRunning)
	if err != nil {
		d.logger.Error("failed to list running campaigns", "error", err)
		return
	}

	for _, c := range running {
		if ctx.Err() != nil {
			return
		}
		d.processCampaign(ctx, c)
	}

	if d.metrics != nil {
		d.metrics.DispatchTicksTotal.Inc()
		d.metrics.DispatchDurationSeconds.Observe(d.now().Sub(started).Seconds())
		d.metrics.CampaignsRunning.Set(float64(len(running)))

		if sessions, err := d.sessions.List(); err == nil {
			d.metrics.SessionsByStatus.Reset()
			for _, sess := range sessions {
				d.metrics.SessionsByStatus.WithLabelValues(string(sess.Status)).Inc()
			}
		}
	}
}

func (d *Dispatcher) processCampaign(ctx context.Context, c *campaign.Campaign) {
	logger := d.logger.With("campaign_id", c.ID)
	now := d.now()

	// A fully settled queue completes the campaign.
	if !c.HasPending() && c.AllSettled() {
		if err := c.Transition(campaign.StatusCompleted); err != nil {
			logger.Error("failed to complete campaign", "error", err)
			return
		}
		c.RecomputeStats()
		d.persistCampaign(logger, c)
		if c.Status == campaign.StatusCompleted {
			logger.Info("campaign completed",
				"sent", c.Stats.MessagesSent, "errors", c.Stats.Errors)
		}
		return
	}

	// The loop trusts the persisted session record; it never probes the
	// channel directly.
	sess, err := d.sessions.Get(c.SessionID)
	if err != nil {
		logger.Error("failed to load session", "session_id", c.SessionID, "error", err)
		return
	}
	if sess == nil || !sess.Usable() {
		logger.Debug("session not usable, skipping tick", "session_id", c.SessionID)
		return
	}
	client, ok := d.registry.Get(c.SessionID)
	if !ok {
		logger.Debug("no channel client bound, skipping tick", "session_id", c.SessionID)
		return
	}

	// Campaign-level hourly cadence, layered under the session limiter.
	budget := d.batchSize
	if tier := d.limiter.Tier(string(c.Priority)); tier.BatchSize > 0 && tier.BatchSize < budget {
		budget = tier.BatchSize
	}
	if c.Timing.MessagesPerHour > 0 {
		remaining := c.Timing.MessagesPerHour - c.SentWithinHour(now)
		if remaining <= 0 {
			logger.Debug("campaign hourly cadence reached")
			return
		}
		if remaining < budget {
			budget = remaining
		}
	}

	indices := c.PendingEntries(now, budget)
	if len(indices) == 0 {
		return
	}

	dirty := false
	sentInBatch := 0
	for _, idx := range indices {
		if ctx.Err() != nil {
			break
		}

		// Pace the campaign between successful sends. A batch in flight is
		// not cancellable mid-sleep; pausing is observed next batch.
		if sentInBatch > 0 && c.Timing.IntervalBetweenMessages > 0 {
			wait := time.Duration(c.Timing.IntervalBetweenMessages) * time.Second
			if err := d.sleep(ctx, wait); err != nil {
				break
			}
		}

		dec := d.limiter.CanSend(c.SessionID, string(c.Priority))
		if !dec.Allowed {
			logger.Debug("rate limited", "reason", dec.Reason, "wait", dec.Wait)
			if d.metrics != nil {
				d.metrics.RateLimitedTotal.WithLabelValues(string(dec.Reason)).Inc()
			}
			continue
		}
		if dec.Wait > 0 {
			// Forced pacing while the counter store is degraded.
			if err := d.sleep(ctx, dec.Wait); err != nil {
				break
			}
		}

		sent := d.dispatchEntry(ctx, logger, c, client, idx)
		if sent {
			sentInBatch++
		}
		dirty = true
	}

	if dirty {
		c.RecomputeStats()
		d.persistCampaign(logger, c)
	}
}

// persistCampaign writes the batch outcome back to storage. The batch's
// inter-message sleeps can span minutes, long enough for an operator to
// pause or cancel the campaign through the API; that transition must win
// over this write, so the stored lifecycle fields are re-read and adopted
// before persisting.
func (d *Dispatcher) persistCampaign(logger *slog.Logger, c *campaign.Campaign) {
	stored, err := d.campaigns.Get(c.ID)
	if err == nil && stored != nil && stored.Status != c.Status &&
		(stored.Status.IsTerminal() || stored.Status == campaign.StatusPaused) {
		logger.Info("adopting lifecycle transition applied during batch", "status", stored.Status)
		c.Status = stored.Status
		c.UpdatedAt = stored.UpdatedAt
		c.CompletedAt = stored.CompletedAt
	}
	if err := d.campaigns.Put(c); err != nil {
		logger.Error("failed to persist campaign after batch", "error", err)
	}
}

// dispatchEntry attempts one queue entry under its mutual-exclusion key.
// Returns true when a message actually went out.
func (d *Dispatcher) dispatchEntry(ctx context.Context, logger *slog.Logger, c *campaign.Campaign, client channel.Client, idx int) bool {
	entry := &c.MessageQueue[idx]
	sent := false

	ran, err := d.locks.WithLock(c.ID, entry.ContactID, entry.SequenceIndex, func() error {
		messageID, sendErr := d.send(ctx, client, entry)
		now := d.now()

		if sendErr != nil {
			// Transport failures stay on the entry; they never abort the
			// campaign.
			c.MarkFailed(idx, sendErr.Error())
			logger.Warn("send failed",
				"contact_id", entry.ContactID,
				"sequence_index", entry.SequenceIndex,
				"retry_count", entry.RetryCount,
				"error", sendErr)
			if d.metrics != nil {
				d.metrics.MessagesFailedTotal.WithLabelValues(string(c.Priority)).Inc()
			}
			return nil
		}

		c.MarkSent(idx, messageID, now)
		sent = true
		if err := d.limiter.RecordSend(c.SessionID); err != nil {
			logger.Warn("failed to record send", "error", err)
		}
		logger.Info("message sent",
			"contact_id", entry.ContactID,
			"sequence_index", entry.SequenceIndex,
			"message_id", messageID)
		if d.metrics != nil {
			d.metrics.MessagesSentTotal.WithLabelValues(string(c.Priority)).Inc()
		}
		return nil
	})
	if err != nil {
		logger.Warn("lock acquisition failed", "contact_id", entry.ContactID, "error", err)
		return false
	}
	if !ran {
		// Contention: another attempt holds this entry. Skip, retry next
		// tick.
		logger.Debug("entry locked elsewhere",
			"contact_id", entry.ContactID, "sequence_index", entry.SequenceIndex)
		if d.metrics != nil {
			d.metrics.LockContentionTotal.Inc()
		}
		return false
	}
	return sent
}

func (d *Dispatcher) send(ctx context.Context, client channel.Client, entry *campaign.QueueEntry) (string, error) {
	sendCtx, cancel := context.WithTimeout(ctx, 2*time.Minute)
	defer cancel()

	if len(entry.Attachments) > 0 {
		att := entry.Attachments[0]
		return client.SendMedia(sendCtx, entry.Destination, channel.Media{
			Type:    att.Type,
			URL:     att.URL,
			Caption: firstNonEmpty(att.Caption, entry.Text),
		})
	}
	return client.SendText(sendCtx, entry.Destination, entry.Text)
}

func firstNonEmpty(a, b string) string {
	if a != "" {
		return a
	}
	return b
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	select {
	case <-time.After(d):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
