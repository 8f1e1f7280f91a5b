// Package call runs one participant of a meeting. It assembles the mesh
// orchestrator with a peer factory, the relay channel, the roster and the
// state replicator, then keeps the mesh in line with the roster.
package call

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"meshcall/media"
	"meshcall/mesh"
	"meshcall/metric"
	"meshcall/peer"
	"meshcall/pkg/clock"
	"meshcall/redis"
	"meshcall/signal"
	"meshcall/signal/client"
	"meshcall/state"
)

// LeaveTimeout bounds how long leaving the meeting may take once Run is cancelled.
const LeaveTimeout = 5 * time.Second

// Dependencies override what New would otherwise build from the configuration.
type Dependencies struct {
	Factory    peer.Factory
	Channel    signal.Channel
	Provider   media.Provider
	Roster     mesh.Roster
	Replicator state.Replicator
	Clock      clock.Clock
	Metrics    *metric.Metrics
}

// Call is a participant of one meeting.
type Call struct {
	config       Config
	orchestrator *mesh.Orchestrator
	roster       mesh.Roster
	metric       *metric.Metrics
	clock        clock.Clock
	redis        *goredis.Client

	// seed adds the configured peers to a local roster before joining.
	seed bool
}

// New creates a Call. Collaborators missing from deps are built from config:
// a pion factory, a relay channel, static media and, when Redis is
// configured, a Redis roster and replicator.
func New(ctx context.Context, config Config, deps Dependencies, callbacks mesh.Callbacks) (*Call, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}

	c := &Call{config: config, clock: deps.Clock, metric: deps.Metrics}
	if c.clock == nil {
		c.clock = clock.Real()
	}
	if c.metric == nil {
		c.metric = metric.New(config.Metrics)
	}

	if deps.Factory == nil {
		factory, err := peer.NewPionFactory(config.Peer)
		if err != nil {
			return nil, fmt.Errorf("failed to create peer factory: %w", err)
		}
		deps.Factory = factory
	}
	if deps.Channel == nil {
		tokens, err := config.TokenSource()
		if err != nil {
			return nil, fmt.Errorf("failed to create token source: %w", err)
		}
		deps.Channel = client.New(config.RelayURL, tokens)
	}
	if deps.Provider == nil {
		deps.Provider = media.NewStaticProvider(config.ParticipantID)
	}
	if deps.Roster == nil || deps.Replicator == nil {
		if config.Redis != nil {
			rdb, err := redis.Connect(ctx, *config.Redis)
			if err != nil {
				return nil, err
			}
			c.redis = rdb
			if deps.Roster == nil {
				deps.Roster = redis.NewRoster(rdb, config.Redis.RosterTTL)
			}
			if deps.Replicator == nil {
				deps.Replicator = redis.NewReplicator(rdb)
			}
		} else if deps.Roster == nil {
			deps.Roster = mesh.NewMemoryRoster()
			c.seed = true
		}
	}
	c.roster = deps.Roster

	orchestrator, err := mesh.New(config.MeshConfig(), mesh.Dependencies{
		Factory:    deps.Factory,
		Channel:    deps.Channel,
		Provider:   deps.Provider,
		Roster:     deps.Roster,
		Replicator: deps.Replicator,
		Clock:      c.clock,
		Metrics:    c.metric,
	}, callbacks)
	if err != nil {
		c.closeRedis()
		return nil, err
	}
	c.orchestrator = orchestrator
	return c, nil
}

// Orchestrator returns the orchestrator of the call.
func (c *Call) Orchestrator() *mesh.Orchestrator {
	return c.orchestrator
}

// Metrics returns the metrics of the call.
func (c *Call) Metrics() *metric.Metrics {
	return c.metric
}

// Run joins the meeting and connects to every participant of the roster,
// polling it for newcomers until ctx is done. It then leaves the meeting.
func (c *Call) Run(ctx context.Context) error {
	c.metric.Start()
	defer func() {
		if err := c.metric.Stop(); err != nil {
			log.Printf("failed to stop metrics server: %v", err)
		}
	}()
	go c.metric.CollectSystemMetrics(ctx)

	if c.seed {
		for _, id := range c.config.Peers {
			if err := c.roster.Add(ctx, c.config.MeetingID, id); err != nil {
				return fmt.Errorf("failed to seed roster with %s: %w", id, err)
			}
		}
	}

	if err := c.orchestrator.Join(ctx, c.config.MeetingID); err != nil {
		return fmt.Errorf("failed to join meeting %s: %w", c.config.MeetingID, err)
	}

	ticker := c.clock.NewTicker(c.config.RosterInterval)
	defer ticker.Stop()

	c.sync(ctx)
	for {
		select {
		case <-ctx.Done():
			return c.leave()
		case <-ticker.C:
			c.sync(ctx)
		}
	}
}

// sync connects to roster members without a live link.
func (c *Call) sync(ctx context.Context) {
	members, err := c.roster.Members(ctx, c.config.MeetingID)
	if err != nil {
		if ctx.Err() == nil {
			log.Printf("failed to read roster of meeting %s: %v", c.config.MeetingID, err)
		}
		return
	}
	if err := c.orchestrator.Connect(ctx, c.config.MeetingID, members); err != nil && ctx.Err() == nil {
		log.Printf("failed to connect in meeting %s: %v", c.config.MeetingID, err)
	}
}

func (c *Call) leave() error {
	ctx, cancel := context.WithTimeout(context.Background(), LeaveTimeout)
	defer cancel()
	if err := c.orchestrator.Leave(ctx); err != nil && !errors.Is(err, mesh.ErrSessionLeft) {
		return fmt.Errorf("failed to leave meeting %s: %w", c.config.MeetingID, err)
	}
	return nil
}

// Close stops the orchestrator and releases the Redis connection.
func (c *Call) Close() error {
	err := c.orchestrator.Close()
	c.closeRedis()
	return err
}

func (c *Call) closeRedis() {
	if c.redis == nil {
		return
	}
	if err := c.redis.Close(); err != nil {
		log.Printf("failed to close redis client: %v", err)
	}
	c.redis = nil
}
