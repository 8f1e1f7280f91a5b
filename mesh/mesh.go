// Package mesh establishes, negotiates, monitors and recovers a full mesh of
// peer connections for a group call.
//
// All state is owned by a single event loop. Primitive callbacks, delivered
// signals and timer expiries are queued as events and run to completion one
// at a time; public methods submit their work to the same loop.
package mesh

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sort"
	"sync"

	"github.com/lithammer/shortuuid/v4"

	"meshcall/media"
	"meshcall/metric"
	"meshcall/peer"
	"meshcall/pkg/clock"
	"meshcall/pkg/retry"
	"meshcall/signal"
	"meshcall/state"
	"meshcall/types/message"
)

var (
	// ErrNotJoined is returned by operations that need an active session.
	ErrNotJoined = errors.New("not joined to a meeting")

	// ErrAlreadyJoined is returned by Join while a session is active.
	ErrAlreadyJoined = errors.New("already joined to a meeting")

	// ErrSessionLeft is returned by every operation after Leave.
	ErrSessionLeft = errors.New("session left")

	// ErrInvalidMeeting is returned for an empty meeting id.
	ErrInvalidMeeting = errors.New("invalid meeting")

	// ErrInvalidParticipant is returned for an empty participant id.
	ErrInvalidParticipant = errors.New("invalid participant")

	// ErrSendFailed is returned when a signal could not be delivered after all retries.
	ErrSendFailed = errors.New("signal send failed")

	// ErrMediaUnavailable is returned when local media cannot be acquired.
	ErrMediaUnavailable = errors.New("local media unavailable")

	// ErrClosed is returned once the orchestrator has been closed.
	ErrClosed = errors.New("orchestrator closed")
)

// Callbacks are invoked in order on a dedicated goroutine, never on the
// event loop, so they may call back into the Orchestrator.
type Callbacks struct {
	OnRemoteMedia             func(participantID string, track peer.RemoteTrack)
	OnRemoteMediaRemoved      func(participantID string)
	OnParticipantStateChanged func(participantID string, s state.State)
	OnParticipantDisconnected func(participantID string)
	OnSessionStateChanged     func(s SessionState)

	// OnParticipantRemoved is called once a participant is torn down or its
	// replicated state is deleted.
	OnParticipantRemoved func(participantID string)
}

// Dependencies are the collaborators of an Orchestrator. Clock defaults to
// the real clock and Replicator to an in-memory one.
type Dependencies struct {
	Factory    peer.Factory
	Channel    signal.Channel
	Provider   media.Provider
	Roster     Roster
	Replicator state.Replicator
	Clock      clock.Clock
	Metrics    *metric.Metrics
}

func (d Dependencies) validate() error {
	if d.Factory == nil || d.Channel == nil || d.Provider == nil || d.Roster == nil {
		return fmt.Errorf("factory, channel, provider and roster are required: %w", ErrInvalidConfig)
	}
	return nil
}

type session struct {
	meetingID string
	ctx       context.Context
	cancel    context.CancelFunc
	store     *state.Store
	sub       signal.Subscription
	stopSweep func()
}

// Orchestrator owns the peer links of the local participant.
type Orchestrator struct {
	config     Config
	factory    peer.Factory
	channel    signal.Channel
	provider   media.Provider
	roster     Roster
	replicator state.Replicator
	clock      clock.Clock
	metrics    *metric.Metrics
	callbacks  Callbacks
	sendPolicy retry.Policy
	epoch      string

	events    *queue
	notices   *queue
	quit      chan struct{}
	done      chan struct{}
	closeOnce sync.Once

	// background tracks goroutines that must end before Cleanup returns.
	background sync.WaitGroup

	// owned by the event loop
	links          map[string]*link
	generation     uint64
	candidates     *candidateBuffer
	resets         map[string]int
	outboxes       map[string]*outbox
	cursors        map[string]cursor
	sequence       uint64
	subscription   uint64
	media          media.Handle
	session        *session
	sessionState   SessionState
	reconnectTimer *clock.Timer
	reconnecting   bool
	left           bool
}

// New creates an Orchestrator and starts its event loop.
func New(config Config, deps Dependencies, callbacks Callbacks) (*Orchestrator, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	if err := deps.validate(); err != nil {
		return nil, err
	}
	if deps.Clock == nil {
		deps.Clock = clock.Real()
	}
	if deps.Replicator == nil {
		deps.Replicator = state.NewMemoryReplicator()
	}

	o := &Orchestrator{
		config:     config,
		factory:    deps.Factory,
		channel:    deps.Channel,
		provider:   deps.Provider,
		roster:     deps.Roster,
		replicator: deps.Replicator,
		clock:      deps.Clock,
		metrics:    deps.Metrics,
		callbacks:  callbacks,
		epoch:      shortuuid.New(),
		events:     newQueue(),
		notices:    newQueue(),
		quit:       make(chan struct{}),
		done:       make(chan struct{}),
		links:      map[string]*link{},
		candidates: newCandidateBuffer(),
		resets:     map[string]int{},
		outboxes:   map[string]*outbox{},
		cursors:    map[string]cursor{},
	}

	o.sendPolicy = config.SendRetry
	onExhausted := config.SendRetry.OnExhausted
	o.sendPolicy.OnExhausted = func(err error) {
		o.metrics.IncrementSignalSendFailures()
		if onExhausted != nil {
			onExhausted(err)
		}
	}

	go o.run()
	go o.runNotifier()
	return o, nil
}

func (o *Orchestrator) run() {
	defer close(o.done)
	for {
		select {
		case <-o.quit:
			return
		case <-o.events.notify:
			for _, event := range o.events.drain() {
				event()
			}
		}
	}
}

func (o *Orchestrator) runNotifier() {
	for {
		select {
		case <-o.quit:
			for _, notice := range o.notices.drain() {
				notice()
			}
			return
		case <-o.notices.notify:
			for _, notice := range o.notices.drain() {
				notice()
			}
		}
	}
}

func (o *Orchestrator) notify(f func(c Callbacks)) {
	o.notices.push(func() { f(o.callbacks) })
}

// call runs f on the event loop and waits for its result.
func (o *Orchestrator) call(ctx context.Context, f func() error) error {
	result := make(chan error, 1)
	o.events.push(func() { result <- f() })
	select {
	case err := <-result:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-o.done:
		return ErrClosed
	}
}

// checkSession rejects operations without an active session. An empty
// meetingID matches any session.
func (o *Orchestrator) checkSession(meetingID string) error {
	if o.left {
		return ErrSessionLeft
	}
	if o.session == nil {
		return ErrNotJoined
	}
	if meetingID != "" && meetingID != o.session.meetingID {
		return fmt.Errorf("meeting %s: %w", meetingID, ErrNotJoined)
	}
	return nil
}

// Join acquires local media, subscribes to signaling for the meeting and
// adds the local participant to the roster. A media failure is returned
// without retry.
func (o *Orchestrator) Join(ctx context.Context, meetingID string) error {
	if meetingID == "" {
		return fmt.Errorf("meeting id is required: %w", ErrInvalidMeeting)
	}
	canJoin := func() error {
		if o.left {
			return ErrSessionLeft
		}
		if o.session != nil {
			return fmt.Errorf("already in meeting %s: %w", o.session.meetingID, ErrAlreadyJoined)
		}
		return nil
	}
	if err := o.call(ctx, canJoin); err != nil {
		return err
	}

	handle, err := o.provider.Acquire(ctx, o.config.Media)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrMediaUnavailable, err)
	}

	store, err := state.NewStore(o.config.State, o.clock, o.replicator, meetingID, o.config.SelfID)
	if err != nil {
		o.release(handle)
		return err
	}
	store.OnChange(func(participantID string, s state.State) {
		o.notify(func(c Callbacks) {
			if c.OnParticipantStateChanged != nil {
				c.OnParticipantStateChanged(participantID, s)
			}
		})
	})
	store.OnRemove(o.notifyRemoved)

	if err := o.call(ctx, func() error {
		if err := canJoin(); err != nil {
			return err
		}
		sctx, cancel := context.WithCancel(context.Background())
		o.session = &session{
			meetingID: meetingID,
			ctx:       sctx,
			cancel:    cancel,
			store:     store,
			stopSweep: o.startSweep(),
		}
		o.media = handle
		o.background.Add(1)
		go func() {
			defer o.background.Done()
			store.Watch(sctx)
		}()
		o.setSessionState(SessionConnecting)
		return nil
	}); err != nil {
		o.release(handle)
		return err
	}

	if err := o.subscribe(ctx, meetingID); err != nil {
		o.abort()
		return err
	}
	if err := o.roster.Add(ctx, meetingID, o.config.SelfID); err != nil {
		o.abort()
		return fmt.Errorf("failed to add %s to roster of meeting %s: %w", o.config.SelfID, meetingID, err)
	}
	log.Printf("%s joined meeting %s", o.config.SelfID, meetingID)
	return nil
}

func (o *Orchestrator) release(handle media.Handle) {
	if err := handle.Close(); err != nil {
		log.Printf("failed to release media: %v", err)
	}
}

func (o *Orchestrator) abort() {
	if err := o.Cleanup(context.Background()); err != nil {
		log.Printf("failed to clean up aborted join: %v", err)
	}
}

func (o *Orchestrator) subscribe(ctx context.Context, meetingID string) error {
	var generation uint64
	if err := o.call(ctx, func() error {
		if err := o.checkSession(meetingID); err != nil {
			return err
		}
		o.subscription++
		generation = o.subscription
		return nil
	}); err != nil {
		return err
	}

	sub, err := o.channel.Subscribe(ctx, meetingID, o.config.SelfID, func(batch []message.Signal) {
		o.events.push(func() {
			if o.subscription == generation {
				o.dispatch(batch)
			}
		})
	})
	if err != nil {
		return fmt.Errorf("failed to subscribe to meeting %s: %w", meetingID, err)
	}

	return o.call(ctx, func() error {
		if err := o.checkSession(meetingID); err != nil {
			sub.Unsubscribe()
			return err
		}
		if o.subscription != generation {
			sub.Unsubscribe()
			return fmt.Errorf("subscription to meeting %s replaced: %w", meetingID, ErrNotJoined)
		}
		o.session.sub = sub
		o.background.Add(1)
		go func() {
			defer o.background.Done()
			<-sub.Done()
			err := sub.Err()
			o.events.push(func() { o.subscriptionEnded(generation, err) })
		}()
		return nil
	})
}

func (o *Orchestrator) subscriptionEnded(generation uint64, err error) {
	if o.session == nil || o.subscription != generation {
		return
	}
	log.Printf("signaling subscription to meeting %s lost: %v", o.session.meetingID, err)
	o.session.sub = nil
	o.setSessionState(SessionDisconnected)
}

func (o *Orchestrator) unsubscribe() {
	o.subscription++
	if o.session != nil && o.session.sub != nil {
		o.session.sub.Unsubscribe()
		o.session.sub = nil
	}
}

// Connect creates a link and sends an offer to every participant that is
// not the local one and has no live link. Participants complete
// independently; the returned error joins the failures of each.
func (o *Orchestrator) Connect(ctx context.Context, meetingID string, participantIDs []string) error {
	type pending struct {
		participantID string
		result        <-chan error
	}
	var waiting []pending
	var errs []error

	if err := o.call(ctx, func() error {
		if err := o.checkSession(meetingID); err != nil {
			return err
		}
		seen := map[string]bool{}
		for _, id := range participantIDs {
			if id == "" {
				errs = append(errs, fmt.Errorf("connect: %w", ErrInvalidParticipant))
				continue
			}
			if id == o.config.SelfID || seen[id] {
				continue
			}
			seen[id] = true
			if l, ok := o.links[id]; ok && l.state.alive() {
				continue
			}
			l, err := o.createLink(id)
			if err != nil {
				errs = append(errs, fmt.Errorf("connect %s: %w", id, err))
				continue
			}
			if result := o.initiate(l, initialOffer); result != nil {
				waiting = append(waiting, pending{participantID: id, result: result})
			}
		}
		return nil
	}); err != nil {
		return err
	}

	for _, p := range waiting {
		select {
		case err := <-p.result:
			if err != nil {
				errs = append(errs, fmt.Errorf("connect %s: %w", p.participantID, err))
			}
		case <-ctx.Done():
			errs = append(errs, fmt.Errorf("connect %s: %w", p.participantID, ctx.Err()))
		}
	}

	if len(errs) == 0 {
		if err := o.call(ctx, func() error {
			if o.session != nil && o.sessionState == SessionConnecting && !o.reconnecting {
				o.setSessionState(SessionConnected)
			}
			return nil
		}); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Teardown closes the link to a participant, stops its outbox, drops its
// buffered candidates and its replicated state and notifies
// OnParticipantRemoved. Tearing down an unknown participant is a no-op.
func (o *Orchestrator) Teardown(ctx context.Context, participantID string) error {
	if participantID == "" {
		return fmt.Errorf("teardown: %w", ErrInvalidParticipant)
	}
	return o.call(ctx, func() error {
		if err := o.checkSession(""); err != nil {
			return err
		}
		_, linked := o.links[participantID]
		o.destroyLink(participantID)
		o.stopOutbox(participantID)
		o.candidates.discard(participantID)
		delete(o.resets, participantID)
		if !o.session.store.Remove(participantID) && linked {
			o.notifyRemoved(participantID)
		}
		return nil
	})
}

func (o *Orchestrator) notifyRemoved(participantID string) {
	o.notify(func(c Callbacks) {
		if c.OnParticipantRemoved != nil {
			c.OnParticipantRemoved(participantID)
		}
	})
}

func (o *Orchestrator) destroyLinks() {
	ids := o.linkIDs()
	for _, id := range ids {
		o.destroyLink(id)
	}
	o.candidates = newCandidateBuffer()
	o.resets = map[string]int{}
}

func (o *Orchestrator) linkIDs() []string {
	ids := make([]string, 0, len(o.links))
	for id := range o.links {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Cleanup tears down every link, stops timers and the sweep, releases local
// media and ends the session. It returns once every pending send and ack
// has finished.
func (o *Orchestrator) Cleanup(ctx context.Context) error {
	var waits []<-chan struct{}
	if err := o.call(ctx, func() error {
		waits = o.shutdownSession()
		if o.sessionState != SessionLeft {
			o.setSessionState(SessionIdle)
		}
		return nil
	}); err != nil {
		return err
	}

	for _, w := range waits {
		select {
		case <-w:
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	finished := make(chan struct{})
	go func() {
		o.background.Wait()
		close(finished)
	}()
	select {
	case <-finished:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (o *Orchestrator) shutdownSession() []<-chan struct{} {
	s := o.session
	if s == nil {
		return nil
	}
	o.reconnectTimer.Stop()
	o.reconnectTimer = nil
	s.stopSweep()
	o.destroyLinks()
	o.unsubscribe()
	waits := o.stopOutboxes()
	s.cancel()
	if o.media != nil {
		o.release(o.media)
		o.media = nil
	}
	o.cursors = map[string]cursor{}
	o.session = nil
	log.Printf("%s left meeting %s", o.config.SelfID, s.meetingID)
	return waits
}

// Leave removes the local participant from the roster and from replicated
// state, cleans up and rejects every later operation.
func (o *Orchestrator) Leave(ctx context.Context) error {
	var s *session
	if err := o.call(ctx, func() error {
		if err := o.checkSession(""); err != nil {
			return err
		}
		s = o.session
		return nil
	}); err != nil {
		return err
	}

	var errs []error
	if err := o.roster.Remove(ctx, s.meetingID, o.config.SelfID); err != nil {
		errs = append(errs, fmt.Errorf("failed to remove %s from roster: %w", o.config.SelfID, err))
	}
	if err := s.store.Clear(ctx); err != nil {
		errs = append(errs, err)
	}
	if err := o.Cleanup(ctx); err != nil {
		errs = append(errs, err)
	}
	if err := o.call(ctx, func() error {
		o.left = true
		o.setSessionState(SessionLeft)
		return nil
	}); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// SetMedia replaces the local media on every link. Links that gain a new
// sender are renegotiated.
func (o *Orchestrator) SetMedia(ctx context.Context, handle media.Handle) error {
	if handle == nil {
		return fmt.Errorf("nil media handle: %w", ErrMediaUnavailable)
	}
	return o.call(ctx, func() error {
		if err := o.checkSession(""); err != nil {
			return err
		}
		o.replaceMedia(handle)
		return nil
	})
}

func (o *Orchestrator) replaceMedia(next media.Handle) {
	prev := o.media
	o.media = next
	for _, id := range o.linkIDs() {
		l := o.links[id]
		added, err := l.conn.SetTracks(next.Tracks())
		if err != nil {
			log.Printf("failed to attach local media for %s: %v", id, err)
			continue
		}
		if added {
			o.initiate(l, renegotiationOffer)
		}
	}
	if prev != nil && prev != next {
		o.release(prev)
	}
}

// SetLocalState merges u into the local participant state and publishes it.
func (o *Orchestrator) SetLocalState(ctx context.Context, u state.Update) (state.State, error) {
	store, err := o.store(ctx)
	if err != nil {
		return state.State{}, err
	}
	return store.SetLocal(ctx, u)
}

// ParticipantState returns the replicated state of a remote participant.
func (o *Orchestrator) ParticipantState(ctx context.Context, participantID string) (state.State, bool, error) {
	store, err := o.store(ctx)
	if err != nil {
		return state.State{}, false, err
	}
	s, ok := store.Get(participantID)
	return s, ok, nil
}

func (o *Orchestrator) store(ctx context.Context) (*state.Store, error) {
	var store *state.Store
	err := o.call(ctx, func() error {
		if err := o.checkSession(""); err != nil {
			return err
		}
		store = o.session.store
		return nil
	})
	return store, err
}

// read runs f on the event loop. Once the loop has stopped, f reads the
// final state directly since nothing mutates it anymore.
func (o *Orchestrator) read(f func()) {
	err := o.call(context.Background(), func() error {
		f()
		return nil
	})
	if errors.Is(err, ErrClosed) {
		f()
	}
}

// LinkState returns the state of the link to a participant. After Close it
// reports no link, since Close tears every link down.
func (o *Orchestrator) LinkState(participantID string) (ConnectionState, bool) {
	var s ConnectionState
	var ok bool
	o.read(func() {
		var l *link
		if l, ok = o.links[participantID]; ok {
			s = l.state
		}
	})
	return s, ok
}

// Peers returns the participants with a link, sorted.
func (o *Orchestrator) Peers() []string {
	var ids []string
	o.read(func() { ids = o.linkIDs() })
	return ids
}

// SessionState returns the state of the session. After Close it returns the
// state the session ended in.
func (o *Orchestrator) SessionState() SessionState {
	var s SessionState
	o.read(func() { s = o.sessionState })
	return s
}

// Close cleans up and stops the event loop.
func (o *Orchestrator) Close() error {
	var err error
	o.closeOnce.Do(func() {
		err = o.Cleanup(context.Background())
		close(o.quit)
		<-o.done
	})
	return err
}
