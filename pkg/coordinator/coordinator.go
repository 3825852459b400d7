package coordinator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"cloud.google.com/go/civil"
	"github.com/levenlabs/go-lflag"
	"github.com/robfig/cron/v3"

	"github.com/enocoosync/enocoosync/pkg/enocoo"
	"github.com/enocoosync/enocoosync/pkg/log"
	"github.com/enocoosync/enocoosync/pkg/types"
)

var (
	// ErrReauthRequired is returned when the dashboard rejected the configured
	// credentials and they have to be changed.
	ErrReauthRequired = errors.New("enocoo credentials are no longer valid")

	// ErrUpdateFailed is returned when the dashboard could not be polled.
	ErrUpdateFailed = errors.New("failed to update enocoo dashboard data")
)

// Trigger starts a statistics insertion pass without waiting for it.
type Trigger interface {
	TriggerInsertion(ctx context.Context) bool
}

// Coordinator polls the dashboard on a schedule, keeps the latest snapshot and
// triggers a statistics insertion after every successful poll.
type Coordinator struct {
	source   enocoo.Source
	trigger  Trigger
	schedule cron.Schedule
	now      func() time.Time

	mu      sync.RWMutex
	data    *types.DashboardData
	lastErr error
}

// New returns a Coordinator polling source on schedule.
func New(source enocoo.Source, trigger Trigger, schedule cron.Schedule) *Coordinator {
	return &Coordinator{
		source:   source,
		trigger:  trigger,
		schedule: schedule,
		now:      time.Now,
	}
}

// Configured sets up the Coordinator from flags.
func Configured(source enocoo.Source, trigger Trigger) *Coordinator {
	schedule := lflag.String("poll-schedule", "@every 15m", "Cron schedule for polling the dashboard and inserting statistics")

	c := New(source, trigger, nil)
	lflag.Do(func() {
		sched, err := cron.ParseStandard(*schedule)
		if err != nil {
			panic(fmt.Sprintf("invalid poll-schedule: %v", err))
		}
		c.schedule = sched
	})
	return c
}

// classify maps dashboard errors onto the coordinator's errors.
func classify(err error) error {
	if errors.Is(err, enocoo.ErrAuthenticationFailed) {
		return fmt.Errorf("%w: %w", ErrReauthRequired, err)
	}
	return fmt.Errorf("%w: %w", ErrUpdateFailed, err)
}

// Fetch reads the current dashboard snapshot: the traffic light, the meter
// table and the latest photovoltaic reading of today.
func (c *Coordinator) Fetch(ctx context.Context) (types.DashboardData, error) {
	data := types.DashboardData{FetchedAt: c.now()}

	status, err := c.source.GetTrafficLightStatus(ctx)
	if err != nil {
		return types.DashboardData{}, classify(fmt.Errorf("failed to get traffic light status: %w", err))
	}
	data.TrafficLightStatus = status

	meters, err := c.source.GetMeterTable(ctx)
	if err != nil {
		return types.DashboardData{}, classify(fmt.Errorf("failed to get meter table: %w", err))
	}
	data.MeterTable = meters

	today := civil.DateOf(data.FetchedAt.In(c.source.Location()))
	pvs, err := c.source.GetQuarterPhotovoltaicData(ctx, types.IntervalDay, today)
	if err != nil {
		return types.DashboardData{}, classify(fmt.Errorf("failed to get photovoltaic data: %w", err))
	}
	for i := range pvs {
		if data.Photovoltaic == nil || pvs[i].Start.After(data.Photovoltaic.Start) {
			data.Photovoltaic = &pvs[i]
		}
	}
	return data, nil
}

// Update polls the dashboard, stores the snapshot and triggers a statistics
// insertion if the poll succeeded.
func (c *Coordinator) Update(ctx context.Context) (types.DashboardData, error) {
	start := time.Now()
	data, err := c.Fetch(ctx)
	pollDuration.Observe(time.Since(start).Seconds())

	c.mu.Lock()
	c.lastErr = err
	if err == nil {
		c.data = &data
	}
	c.mu.Unlock()

	switch {
	case errors.Is(err, ErrReauthRequired):
		pollsTotal.WithLabelValues("reauth_required").Inc()
		return data, err
	case err != nil:
		pollsTotal.WithLabelValues("error").Inc()
		return data, err
	}
	pollsTotal.WithLabelValues("success").Inc()
	lastPollTimestamp.Set(float64(data.FetchedAt.Unix()))

	if c.trigger != nil {
		// the pass outlives the poll
		c.trigger.TriggerInsertion(context.WithoutCancel(ctx))
	}
	return data, nil
}

// Data returns the latest successfully polled snapshot.
func (c *Coordinator) Data() (types.DashboardData, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.data == nil {
		return types.DashboardData{}, false
	}
	return *c.data, true
}

// LastError returns the error of the latest poll, if any.
func (c *Coordinator) LastError() error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.lastErr
}

func (c *Coordinator) poll(ctx context.Context) {
	if _, err := c.Update(ctx); err != nil {
		if errors.Is(err, ErrReauthRequired) {
			log.Ctx(ctx).ErrorContext(ctx, "enocoo rejected the credentials, update the configuration", slog.Any("error", err))
			return
		}
		log.Ctx(ctx).WarnContext(ctx, "failed to poll enocoo dashboard", slog.Any("error", err))
		return
	}
	log.Ctx(ctx).DebugContext(ctx, "polled enocoo dashboard")
}

// Run polls once immediately and then on the schedule until ctx is done.
func (c *Coordinator) Run(ctx context.Context) error {
	if c.schedule == nil {
		return errors.New("coordinator has no schedule")
	}
	l := cronLogger{ctx: ctx}
	cr := cron.New(
		cron.WithLocation(c.source.Location()),
		cron.WithLogger(l),
		cron.WithChain(
			cron.SkipIfStillRunning(l),
			cron.Recover(l),
		),
	)
	cr.Schedule(c.schedule, cron.FuncJob(func() { c.poll(ctx) }))

	c.poll(ctx)
	cr.Start()
	log.Ctx(ctx).InfoContext(ctx, "started polling enocoo dashboard")

	<-ctx.Done()
	stopped := cr.Stop()
	select {
	case <-stopped.Done():
	case <-time.After(30 * time.Second):
		log.Ctx(ctx).WarnContext(ctx, "timed out waiting for the running poll to finish")
	}
	return nil
}

// cronLogger writes cron's messages to the context logger.
type cronLogger struct {
	ctx context.Context
}

func (l cronLogger) Info(msg string, keysAndValues ...any) {
	log.Ctx(l.ctx).DebugContext(l.ctx, "cron: "+msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...any) {
	log.Ctx(l.ctx).ErrorContext(l.ctx, "cron: "+msg, append([]any{slog.Any("error", err)}, keysAndValues...)...)
}
