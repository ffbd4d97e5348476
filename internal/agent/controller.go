package agent

import (
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/bc-dunia/ocmon/internal/otel"
)

// DefaultInterval is the pause between successful heartbeats.
const DefaultInterval = 15 * time.Second

// IdentityPersister loads and saves the durable identity.
type IdentityPersister interface {
	Load() Identity
	Save(Identity) error
}

// SleepFunc blocks for d or until ctx is done.
type SleepFunc func(ctx context.Context, d time.Duration) error

// ControllerConfig holds the controller's tunables and collaborators.
type ControllerConfig struct {
	// Name is the display name sent on registration.
	Name string

	// Interval is the pause after each successful heartbeat.
	Interval time.Duration

	// MaxBackoff caps the retry delay.
	MaxBackoff time.Duration

	Store     IdentityPersister
	Collector Collector
	Source    MetricsSource
	Host      HostProbe

	// Optional. Defaults: logrus standard logger, no-op metrics,
	// a context-aware real sleep and time.Now.
	Logger  logrus.FieldLogger
	Metrics *otel.Metrics
	Sleep   SleepFunc
	Now     func() time.Time
}

// Controller drives registration and the heartbeat loop. It runs one
// operation at a time and never gives up; it stops only when its
// context is cancelled.
type Controller struct {
	name     string
	interval time.Duration

	store     IdentityPersister
	collector Collector
	source    MetricsSource
	host      HostProbe

	log     logrus.FieldLogger
	metrics *otel.Metrics
	sleep   SleepFunc
	now     func() time.Time

	backoff  *Backoff
	identity Identity
	state    State
	// resume is the state BACKOFF_WAIT returns to.
	resume State
}

// NewController creates a controller. The initial state comes from the
// persisted identity: a valid identity starts in HEARTBEAT_ACTIVE,
// anything else in UNREGISTERED.
func NewController(cfg ControllerConfig) (*Controller, error) {
	if cfg.Store == nil || cfg.Collector == nil || cfg.Source == nil {
		return nil, fmt.Errorf("controller requires a store, a collector and a metrics source")
	}
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	if cfg.Host == nil {
		cfg.Host = func(context.Context) HostFacts { return HostFacts{} }
	}
	if cfg.Logger == nil {
		cfg.Logger = logrus.StandardLogger()
	}
	if cfg.Metrics == nil {
		cfg.Metrics = otel.NoopMetrics()
	}
	if cfg.Sleep == nil {
		cfg.Sleep = SleepContext
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}

	c := &Controller{
		name:      cfg.Name,
		interval:  cfg.Interval,
		store:     cfg.Store,
		collector: cfg.Collector,
		source:    cfg.Source,
		host:      cfg.Host,
		log:       cfg.Logger,
		metrics:   cfg.Metrics,
		sleep:     cfg.Sleep,
		now:       cfg.Now,
		backoff:   NewBackoff(cfg.MaxBackoff),
	}

	c.identity = c.store.Load()
	if c.identity.Valid() {
		c.state = StateHeartbeatActive
		c.metrics.SetLastOK(c.identity.LastOKTs)
	} else {
		c.identity = Identity{}
		c.state = StateUnregistered
	}
	return c, nil
}

// State returns the current state.
func (c *Controller) State() State {
	return c.state
}

// Identity returns the in-memory identity.
func (c *Controller) Identity() Identity {
	return c.identity
}

// Backoff returns the controller's backoff policy.
func (c *Controller) Backoff() *Backoff {
	return c.backoff
}

// Run steps the state machine until ctx is cancelled and returns ctx's error.
func (c *Controller) Run(ctx context.Context) error {
	c.log.WithFields(logrus.Fields{
		"state":    c.state,
		"agent_id": c.identity.AgentID,
		"interval": c.interval,
	}).Info("Agent controller started")

	for {
		if err := c.Step(ctx); err != nil {
			c.log.WithField("state", c.state).Info("Agent controller stopped")
			return err
		}
	}
}

// Step performs the work of the current state and moves to the next one.
// It returns a non-nil error only when ctx is done.
func (c *Controller) Step(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	switch c.state {
	case StateUnregistered:
		c.transition(StateRegistering)
		return nil
	case StateRegistering:
		return c.register(ctx)
	case StateHeartbeatActive:
		return c.heartbeat(ctx)
	case StateBackoffWait:
		return c.wait(ctx)
	default:
		return fmt.Errorf("unknown controller state %q", c.state)
	}
}

func (c *Controller) register(ctx context.Context) error {
	facts := c.host(ctx)
	req := RegistrationRequest{
		Name:     c.name,
		Hostname: facts.Hostname,
		IP:       facts.IP,
		OS:       facts.OS,
	}
	if req.Name == "" {
		req.Name = facts.Hostname
	}

	creds, err := c.collector.Register(ctx, req)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		c.metrics.RecordRegistration(ctx, otel.ResultFailed)
		c.log.WithError(err).Warn("Registration failed")
		c.backoffFrom(StateRegistering)
		return nil
	}

	c.metrics.RecordRegistration(ctx, otel.ResultOK)
	c.identity = Identity{
		AgentID:      creds.AgentID,
		Token:        creds.Token,
		RegisteredAt: c.now().Unix(),
	}
	c.persist()
	c.backoff.Reset()
	c.log.WithField("agent_id", creds.AgentID).Info("Agent registered")
	c.transition(StateHeartbeatActive)
	return nil
}

func (c *Controller) heartbeat(ctx context.Context) error {
	snapshot := c.source.Sample(ctx)

	err := c.collector.Heartbeat(ctx, c.identity.Token, snapshot)
	if err == nil {
		c.metrics.RecordHeartbeat(ctx, otel.ResultOK)
		c.identity.LastOKTs = c.now().Unix()
		c.metrics.SetLastOK(c.identity.LastOKTs)
		c.persist()
		c.backoff.Reset()
		c.log.WithField("agent_id", c.identity.AgentID).Debug("Heartbeat accepted")
		return c.sleep(ctx, c.interval)
	}

	if ctx.Err() != nil {
		return ctx.Err()
	}

	if IsUnauthorized(err) {
		c.metrics.RecordHeartbeat(ctx, otel.ResultUnauthorized)
		c.log.WithField("agent_id", c.identity.AgentID).Warn("Token rejected, re-registering")
		c.identity = Identity{}
		c.persist()
		c.transition(StateUnregistered)
		return nil
	}

	c.metrics.RecordHeartbeat(ctx, otel.ResultTransient)
	c.log.WithError(err).WithField("agent_id", c.identity.AgentID).Warn("Heartbeat failed")
	c.backoffFrom(StateHeartbeatActive)
	return nil
}

func (c *Controller) wait(ctx context.Context) error {
	delay := c.backoff.Next()
	c.metrics.RecordBackoff(ctx, delay)
	c.log.WithFields(logrus.Fields{
		"delay":   delay,
		"resume":  c.resume,
		"next_in": c.backoff.Current(),
	}).Warn("Backing off")

	if err := c.sleep(ctx, delay); err != nil {
		return err
	}
	c.transition(c.resume)
	return nil
}

func (c *Controller) backoffFrom(s State) {
	c.resume = s
	c.transition(StateBackoffWait)
}

func (c *Controller) transition(to State) {
	if !CanTransition(c.state, to) {
		c.log.WithFields(logrus.Fields{"from": c.state, "to": to}).Error("Invalid controller transition")
	}
	c.log.WithFields(logrus.Fields{"from": c.state, "to": to}).Debug("State transition")
	c.state = to
}

// persist saves the identity; a failed write is logged and retried on
// the next state change.
func (c *Controller) persist() {
	if err := c.store.Save(c.identity); err != nil {
		c.log.WithError(err).Error("Failed to save agent state")
	}
}

// SleepContext sleeps for d or until ctx is done.
func SleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
