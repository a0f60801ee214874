package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/lexiqai/voice-client/internal/audio"
	"github.com/lexiqai/voice-client/internal/catalog"
	"github.com/lexiqai/voice-client/internal/config"
	"github.com/lexiqai/voice-client/internal/events"
	"github.com/lexiqai/voice-client/internal/media"
	"github.com/lexiqai/voice-client/internal/observability"
	"github.com/lexiqai/voice-client/internal/playback"
	"github.com/lexiqai/voice-client/internal/speech"
	"github.com/lexiqai/voice-client/internal/stt"
	"github.com/lexiqai/voice-client/internal/transcript"
	"github.com/lexiqai/voice-client/internal/transport"
)

var (
	ErrAlreadyRunning = errors.New("session: already running")
	ErrNotActive      = errors.New("session: not active")
	// ErrSuperseded is returned by a Start that was overtaken by Stop
	ErrSuperseded = errors.New("session: start superseded by stop")
	// ErrConnectionLost is the cause recorded for an unclean remote close
	ErrConnectionLost = errors.New("session: connection lost")
)

const publishTimeout = 5 * time.Second

// AgentLookup resolves agent metadata
type AgentLookup interface {
	GetAgent(ctx context.Context, agentID string) (*catalog.Agent, error)
	// Invalidate drops cached metadata for an agent the remote side no longer knows
	Invalidate(agentID string)
}

// Dependencies are the collaborators a controller needs. Catalog, Broker and
// Microphone are required.
type Dependencies struct {
	Catalog    AgentLookup
	Broker     transport.SessionBroker
	Microphone media.Microphone

	// NewOutput opens the playback output for one session. Defaults to a
	// running Device that discards audio.
	NewOutput func() (playback.Output, error)
	Decoder   audio.Decoder
	RoomJoin  transport.JoinFunc

	// NewTranscriber builds the local user transcriber for socket sessions.
	// Nil disables local transcription.
	NewTranscriber func() stt.Client

	// NewTransport overrides adapter selection by agent kind
	NewTransport func(kind catalog.AgentKind, handler transport.Handler) transport.Transport

	Publisher *events.Publisher
}

// run holds everything owned by one Start call
type run struct {
	token         uint64
	agentID       string
	correlationID string
	cancel        context.CancelFunc
	logger        zerolog.Logger
	aggregator    *transcript.Aggregator

	// Resources are attached under mu so Stop can release a run that is
	// still connecting
	mu        sync.Mutex
	released  bool
	metrics   *observability.Metrics
	transport transport.Transport
	stream    *media.Stream
	detector  *speech.Detector
	scheduler *playback.Scheduler
	feeder    *stt.Feeder

	// remoteClose is set when the remote side goes away before the run is active
	remoteClose  *transport.ClosedEvent
	teardownOnce sync.Once
}

// hold runs attach unless the run has already been torn down. A false
// return means the caller still owns the resource.
func (r *run) hold(attach func()) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.released {
		return false
	}
	attach()
	return true
}

// Controller is the session state machine
type Controller struct {
	config *config.Config
	deps   Dependencies
	logger zerolog.Logger

	mu         sync.Mutex
	state      State
	token      uint64
	agentID    string
	agentKind  catalog.AgentKind
	startedAt  time.Time
	micGranted bool
	micMuted   bool
	lastErr    *Error
	pending    *run
	active     *run
	aggregator *transcript.Aggregator

	onStateChange func(from, to State)
	onNotice      func(message string)
}

// NewController creates an idle controller
func NewController(cfg *config.Config, deps Dependencies, logger zerolog.Logger) *Controller {
	return &Controller{
		config: cfg,
		deps:   deps,
		logger: observability.WithComponent(logger, "session"),
		state:  StateIdle,
	}
}

// OnStateChange registers a hook called after every state transition
func (c *Controller) OnStateChange(fn func(from, to State)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onStateChange = fn
}

// OnNotice registers a hook for user-visible messages
func (c *Controller) OnNotice(fn func(message string)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onNotice = fn
}

// Start opens a session with the given agent. It blocks until the session
// is active or has failed. Failures are returned as *Error.
func (c *Controller) Start(ctx context.Context, agentID string) error {
	runCtx, cancel := context.WithCancel(ctx)

	c.mu.Lock()
	if c.state == StateConnecting || c.state == StateActive {
		c.mu.Unlock()
		cancel()
		return ErrAlreadyRunning
	}
	c.token++
	r := &run{
		token:         c.token,
		agentID:       agentID,
		correlationID: observability.NewCorrelationID(),
		cancel:        cancel,
	}
	r.logger = observability.WithSession(r.correlationID, r.token, agentID)
	r.aggregator = transcript.NewAggregator(r.logger)
	r.aggregator.OnEntry(func(e transcript.Entry) { c.onEntry(r, e) })

	c.pending = r
	c.agentID = agentID
	c.agentKind = ""
	c.startedAt = time.Time{}
	c.micGranted = false
	c.micMuted = false
	c.lastErr = nil
	c.aggregator = r.aggregator
	prev := c.setStateLocked(StateConnecting)
	c.mu.Unlock()
	c.notifyState(prev, StateConnecting)

	r.logger.Info().Msg("Starting voice session")

	if err := c.open(runCtx, r); err != nil {
		c.teardown(r)
		if !c.isCurrent(r.token) {
			return ErrSuperseded
		}
		c.mu.Lock()
		if r.remoteClose != nil {
			err = closedError(*r.remoteClose)
		}
		c.mu.Unlock()
		return c.fail(r, err)
	}

	c.mu.Lock()
	if c.token != r.token {
		c.mu.Unlock()
		c.teardown(r)
		return ErrSuperseded
	}
	if r.remoteClose != nil {
		closed := *r.remoteClose
		c.mu.Unlock()
		c.teardown(r)
		return c.fail(r, closedError(closed))
	}
	c.pending = nil
	c.active = r
	c.startedAt = time.Now()
	prev = c.setStateLocked(StateActive)
	c.mu.Unlock()

	r.metrics.RecordSessionStart(r.transport.Name())
	r.logger.Info().Str("transport", r.transport.Name()).Msg("Voice session active")
	c.notifyState(prev, StateActive)
	return nil
}

// open runs the connect sequence: agent, transport choice, microphone,
// connect, then the consumers of the microphone stream
func (c *Controller) open(ctx context.Context, r *run) error {
	agent, err := c.deps.Catalog.GetAgent(ctx, r.agentID)
	if err != nil {
		return fmt.Errorf("resolve agent: %w", err)
	}
	if !c.isCurrent(r.token) {
		return ErrSuperseded
	}

	c.mu.Lock()
	c.agentKind = agent.Kind
	c.mu.Unlock()
	r.logger.Debug().Str("agent_type", string(agent.Kind)).Str("agent_name", agent.Name).Msg("Agent resolved")

	metrics := observability.NewSessionMetrics(string(agent.Kind))
	if !r.hold(func() { r.metrics = metrics }) {
		return ErrSuperseded
	}

	out, err := c.openOutput(r.logger)
	if err != nil {
		return fmt.Errorf("open audio output: %w", err)
	}
	scheduler := playback.NewScheduler(out, c.deps.Decoder, c.playbackConfig(), observability.WithComponent(r.logger, "playback"))
	if !r.hold(func() { r.scheduler = scheduler }) {
		scheduler.Teardown()
		return ErrSuperseded
	}
	tr := c.newTransport(agent.Kind, r)
	if !r.hold(func() { r.transport = tr }) {
		return ErrSuperseded
	}

	stream, err := c.deps.Microphone.Acquire(ctx, media.DefaultConstraints())
	if err != nil {
		return fmt.Errorf("acquire microphone: %w", err)
	}
	if !r.hold(func() { r.stream = stream }) {
		stream.Stop()
		return ErrSuperseded
	}
	c.mu.Lock()
	c.micGranted = true
	c.mu.Unlock()

	if err := tr.Connect(ctx, r.agentID); err != nil {
		return fmt.Errorf("connect %s: %w", tr.Name(), err)
	}

	detector := speech.NewDetector(c.speechConfig(), observability.WithComponent(r.logger, "speech"),
		func() { c.onUserSpeaking(r, true) },
		func() { c.onUserSpeaking(r, false) },
	)
	if !r.hold(func() { r.detector = detector }) {
		return ErrSuperseded
	}
	if err := detector.Start(stream); err != nil {
		return fmt.Errorf("start speech detector: %w", err)
	}

	if err := tr.StartOutbound(stream); err != nil {
		return fmt.Errorf("start outbound audio: %w", err)
	}

	if agent.Kind != catalog.KindText && c.deps.NewTranscriber != nil {
		feeder := stt.NewFeeder(c.deps.NewTranscriber(), transcript.SourceSocket,
			func(f transcript.Fragment) {
				if c.isCurrent(r.token) {
					r.aggregator.Add(f)
				}
			}, r.logger)
		if err := feeder.Start(ctx, stream); err != nil {
			// Local transcription is optional
			r.logger.Warn().Err(err).Msg("Local transcription unavailable")
		} else if !r.hold(func() { r.feeder = feeder }) {
			feeder.Stop()
			return ErrSuperseded
		}
	}
	return nil
}

func (c *Controller) openOutput(logger zerolog.Logger) (playback.Output, error) {
	if c.deps.NewOutput != nil {
		return c.deps.NewOutput()
	}
	dev := playback.NewDevice(nil, logger)
	go dev.Run()
	return dev, nil
}

// newTransport picks the adapter for the agent kind. Text agents use the
// media room; every other kind uses the socket.
func (c *Controller) newTransport(kind catalog.AgentKind, r *run) transport.Transport {
	handler := c.dispatch(r)
	if c.deps.NewTransport != nil {
		return c.deps.NewTransport(kind, handler)
	}
	if kind == catalog.KindText {
		return transport.NewRoom(transport.RoomConfig{
			ParticipantName: c.config.ParticipantName,
			Join:            c.deps.RoomJoin,
			Metrics:         r.metrics,
		}, c.deps.Broker, handler, r.logger)
	}
	return transport.NewSocket(transport.SocketConfig{
		BaseURL:        c.config.SocketBaseURL,
		ConnectTimeout: c.config.SocketDialTimeout(),
		Metrics:        r.metrics,
	}, handler, r.logger)
}

func (c *Controller) playbackConfig() *playback.Config {
	cfg := playback.DefaultConfig()
	if c.config.PlaybackQueueSize > 0 {
		cfg.QueueSize = c.config.PlaybackQueueSize
	}
	if c.config.PlaybackLeadMs > 0 {
		cfg.Lead = time.Duration(c.config.PlaybackLeadMs) * time.Millisecond
	}
	if c.config.PlaybackEpsilonMs > 0 {
		cfg.Epsilon = time.Duration(c.config.PlaybackEpsilonMs) * time.Millisecond
	}
	return cfg
}

func (c *Controller) speechConfig() *speech.Config {
	cfg := speech.DefaultConfig()
	cfg.SpeakingThreshold = c.config.VADSpeakingThreshold
	cfg.SilenceThreshold = c.config.VADSilenceThreshold
	if c.config.VADSpeakingFrames > 0 {
		cfg.SpeakingFrames = c.config.VADSpeakingFrames
	}
	if c.config.VADSilenceFrames > 0 {
		cfg.SilenceFrames = c.config.VADSilenceFrames
	}
	if c.config.VADFrameIntervalMs > 0 {
		cfg.FrameInterval = time.Duration(c.config.VADFrameIntervalMs) * time.Millisecond
	}
	return cfg
}

// dispatch is the single event handler of one run. Events from a superseded
// run are dropped.
func (c *Controller) dispatch(r *run) transport.Handler {
	return func(ev transport.Event) {
		if !c.isCurrent(r.token) {
			return
		}

		switch e := ev.(type) {
		case transport.AudioEvent:
			r.metrics.RecordAudioBytes("inbound", int64(len(e.Chunk.Data)))
			if e.Streamed {
				if _, err := r.scheduler.Stream(e.Chunk); err != nil {
					r.logger.Debug().Err(err).Uint64("seq", e.Chunk.Seq).Msg("Dropped streamed chunk")
				}
				return
			}
			r.scheduler.Enqueue(e.Chunk)

		case transport.TranscriptEvent:
			r.aggregator.Add(e.Fragment)

		case transport.InterruptEvent:
			r.scheduler.Interrupt()
			r.aggregator.Flush()
			r.logger.Debug().Msg("Agent interrupted")

		case transport.SpeakingEvent:
			r.aggregator.MarkSpeaking(e.Speaker, e.Speaking)

		case transport.ClosedEvent:
			// The adapter's read goroutine is waited on by Teardown
			go c.remoteClosed(r, e)
		}
	}
}

func (c *Controller) onUserSpeaking(r *run, speaking bool) {
	if !c.isCurrent(r.token) {
		return
	}
	edge := "end"
	if speaking {
		edge = "start"
	}
	r.metrics.RecordSpeechEdge(edge)
	r.aggregator.MarkSpeaking(transcript.SpeakerUser, speaking)
}

func (c *Controller) onEntry(r *run, e transcript.Entry) {
	if r.metrics != nil {
		r.metrics.RecordTranscriptEntry(string(e.Speaker), string(e.Source))
	}
	pub := c.deps.Publisher
	if pub == nil {
		return
	}

	sessionID := r.correlationID
	if room, ok := r.transport.(*transport.Room); ok && room.SessionID() != "" {
		sessionID = room.SessionID()
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
		defer cancel()
		if err := pub.PublishEntry(ctx, sessionID, r.agentID, e); err != nil {
			r.logger.Warn().Err(err).Msg("Failed to publish transcript entry")
		}
	}()
}

// remoteClosed turns a remote close into an implicit stop. An unclean close
// leaves the controller in ERROR.
func (c *Controller) remoteClosed(r *run, ev transport.ClosedEvent) {
	c.mu.Lock()
	if c.token != r.token {
		c.mu.Unlock()
		return
	}
	if c.active != r {
		// Still connecting; Start fails the run once its current step returns
		r.remoteClose = &ev
		c.mu.Unlock()
		r.cancel()
		return
	}

	c.token++
	c.active = nil
	c.startedAt = time.Time{}
	next := StateIdle
	var classified *Error
	if !ev.Clean {
		classified = Classify(closedError(ev))
		c.lastErr = classified
		next = StateError
	}
	prev := c.setStateLocked(next)
	agentID, agg := c.agentID, c.aggregator
	c.mu.Unlock()

	if classified != nil {
		r.metrics.RecordFailure(classified.Kind.String())
		r.logger.Error().Err(ev.Err).Str("reason", ev.Reason).Msg("Connection lost")
	} else {
		r.logger.Info().Str("reason", ev.Reason).Msg("Agent closed the session")
	}

	c.teardown(r)
	c.exportOnStop(agg, agentID)
	c.notifyState(prev, next)
	if classified != nil {
		c.notice(classified.Message)
	} else {
		c.notice("The agent ended the session.")
	}
}

func closedError(ev transport.ClosedEvent) error {
	if ev.Clean {
		return fmt.Errorf("%w: closed by agent: %s", ErrConnectionLost, ev.Reason)
	}
	if ev.Err != nil {
		return fmt.Errorf("%w: %w", ErrConnectionLost, ev.Err)
	}
	return ErrConnectionLost
}

// fail records a classified start failure
func (c *Controller) fail(r *run, err error) error {
	classified := Classify(err)

	c.mu.Lock()
	if c.token != r.token {
		c.mu.Unlock()
		return classified
	}
	c.pending = nil
	c.lastErr = classified
	prev := c.setStateLocked(StateError)
	c.mu.Unlock()

	if classified.Kind == KindNotFound {
		c.deps.Catalog.Invalidate(r.agentID)
	}

	metrics := r.metrics
	if metrics == nil {
		metrics = observability.NewSessionMetrics("unknown")
	}
	metrics.RecordFailure(classified.Kind.String())
	r.logger.Error().Err(err).Str("kind", classified.Kind.String()).Msg("Failed to start voice session")

	c.notifyState(prev, StateError)
	c.notice(classified.Message)
	return classified
}

// teardown releases a run's resources: outbound production first, then the
// inbound consumers, and the microphone last
func (c *Controller) teardown(r *run) {
	r.teardownOnce.Do(func() {
		r.cancel()

		r.mu.Lock()
		r.released = true
		tr, feeder, detector, scheduler, stream, metrics := r.transport, r.feeder, r.detector, r.scheduler, r.stream, r.metrics
		r.mu.Unlock()

		if tr != nil {
			tr.Teardown()
		}
		if feeder != nil {
			feeder.Stop()
		}
		if detector != nil {
			detector.Teardown()
		}
		if scheduler != nil {
			scheduler.Teardown()
		}
		if stream != nil {
			stream.Stop()
		}
		if metrics != nil {
			metrics.RecordSessionEnd()
		}
		r.logger.Debug().Msg("Session resources released")
	})
}

// Stop ends the session from any state and returns to IDLE. Safe to call
// more than once.
func (c *Controller) Stop() {
	c.mu.Lock()
	c.token++
	active, pending := c.active, c.pending
	c.active, c.pending = nil, nil
	c.startedAt = time.Time{}
	agentID, agg := c.agentID, c.aggregator
	prev := c.setStateLocked(StateIdle)
	c.mu.Unlock()

	// Release a connecting run here so its transport and microphone are gone
	// before Stop returns; the pending Start then returns ErrSuperseded
	if pending != nil {
		c.teardown(pending)
		pending.logger.Info().Msg("Voice session start abandoned")
	}
	if active != nil {
		c.teardown(active)
		c.exportOnStop(agg, agentID)
		active.logger.Info().Msg("Voice session stopped")
	}
	if prev != StateIdle {
		c.notifyState(prev, StateIdle)
	}
}

func (c *Controller) exportOnStop(agg *transcript.Aggregator, agentID string) {
	if agg == nil || agg.Len() == 0 {
		return
	}
	path, err := agg.Export(c.config.TranscriptDir, agentID)
	if err != nil {
		c.logger.Error().Err(err).Msg("Failed to export transcript")
		return
	}
	c.notice("Transcript saved to " + path)
}

// ToggleMic mutes or unmutes the microphone without touching the transport.
// It returns the new muted state.
func (c *Controller) ToggleMic() (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.active == nil || c.active.stream == nil {
		return c.micMuted, ErrNotActive
	}
	c.micMuted = !c.micMuted
	for _, t := range c.active.stream.Tracks() {
		t.SetEnabled(!c.micMuted)
	}
	return c.micMuted, nil
}

// State returns the current state
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// LastError returns the classified error of the last failed session, if any
func (c *Controller) LastError() *Error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastErr
}

// Elapsed returns how long the current session has been active
func (c *Controller) Elapsed() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.startedAt.IsZero() {
		return 0
	}
	return time.Since(c.startedAt)
}

// Snapshot returns the session view
func (c *Controller) Snapshot() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()

	snap := Snapshot{
		State:            c.state,
		AgentID:          c.agentID,
		AgentType:        c.agentKind,
		HasMicPermission: c.micGranted,
		IsMicMuted:       c.micMuted,
	}
	if !c.startedAt.IsZero() {
		started := c.startedAt
		snap.StartedAt = &started
	}
	return snap
}

// Transcript returns the final entries of the current or last session
func (c *Controller) Transcript() []transcript.Entry {
	c.mu.Lock()
	agg := c.aggregator
	c.mu.Unlock()
	if agg == nil {
		return nil
	}
	return agg.Entries()
}

// ExportTranscript writes the transcript of the current or last session
func (c *Controller) ExportTranscript() (string, error) {
	c.mu.Lock()
	agg, agentID := c.aggregator, c.agentID
	c.mu.Unlock()
	if agg == nil {
		return "", transcript.ErrEmpty
	}
	return agg.Export(c.config.TranscriptDir, agentID)
}

func (c *Controller) isCurrent(token uint64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return token == c.token && (c.state == StateConnecting || c.state == StateActive)
}

func (c *Controller) setStateLocked(next State) State {
	prev := c.state
	c.state = next
	return prev
}

func (c *Controller) notifyState(from, to State) {
	c.mu.Lock()
	fn := c.onStateChange
	c.mu.Unlock()
	if fn != nil {
		fn(from, to)
	}
}

func (c *Controller) notice(message string) {
	c.mu.Lock()
	fn := c.onNotice
	c.mu.Unlock()
	if fn != nil {
		fn(message)
	}
}
