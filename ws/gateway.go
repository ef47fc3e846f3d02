package ws

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/robfig/cron/v3"
	"github.com/tcriess/lightspeed-session/auth"
	"github.com/tcriess/lightspeed-session/completion"
	"github.com/tcriess/lightspeed-session/config"
	"github.com/tcriess/lightspeed-session/filter"
	"github.com/tcriess/lightspeed-session/globals"
	"github.com/tcriess/lightspeed-session/persistence"
	"github.com/tcriess/lightspeed-session/presence"
	"github.com/tcriess/lightspeed-session/telemetry"
	"github.com/tcriess/lightspeed-session/types"
	"github.com/tcriess/lightspeed-session/voice"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const (
	maxMessageSize     = 8192
	pongWait           = 2 * time.Minute
	pingPeriod         = time.Minute
	writeWait          = 10 * time.Second
	sendChannelSize    = 256
	defaultHistorySize = 20
)

var ErrNoPersister = errors.New("no persister")

// Options are the collaborators of a Gateway. Only the Persister is mandatory, everything else is built from the
// configuration if not set.
type Options struct {
	Persister     persistence.Persister
	Presence      presence.Registry
	Filter        *filter.Filter
	Issuer        *voice.Issuer
	Identities    *voice.IdentityAllocator
	Completer     completion.Completer
	Authenticator *auth.Authenticator
	Metrics       *telemetry.Metrics
}

// Gateway turns the inbound events of all connections into authorized state changes and room broadcasts. Events
// of one connection are handled in order, events of different connections interleave.
type Gateway struct {
	cfg           *config.Config
	persister     persistence.Persister
	presence      presence.Registry
	filter        *filter.Filter
	issuer        *voice.Issuer // nil if voice is disabled
	identities    *voice.IdentityAllocator
	completer     completion.Completer
	authenticator *auth.Authenticator
	metrics       *telemetry.Metrics
	logger        hclog.Logger

	historySize int

	// all open websocket connections
	clients map[*Client]struct{}

	// the connections of each session's room
	rooms map[string]map[*Client]struct{}

	// sessions with a pending or delivered opening question
	openings map[string]struct{}

	// ctx is cancelled on Shutdown, it bounds all persistence and completion calls
	ctx    context.Context
	cancel context.CancelFunc
	tasks  sync.WaitGroup

	// sessions whose room has been sent session-ended
	endedRooms map[string]struct{}

	// set by Shutdown, no new completions are started afterwards
	closed bool

	now func() time.Time

	// serializes bindings that depend on persisted membership (join, join-voice-room, abuse removal)
	membership sync.Mutex

	// mutex for clients, rooms, openings, endedRooms and closed
	sync.RWMutex
}

func NewGateway(cfg *config.Config, opts Options) (*Gateway, error) {
	if opts.Persister == nil {
		return nil, ErrNoPersister
	}
	g := &Gateway{
		cfg:           cfg,
		persister:     opts.Persister,
		presence:      opts.Presence,
		filter:        opts.Filter,
		issuer:        opts.Issuer,
		identities:    opts.Identities,
		completer:     opts.Completer,
		authenticator: opts.Authenticator,
		metrics:       opts.Metrics,
		logger:        globals.AppLogger.Named("gateway"),
		historySize:   cfg.HistoryConfig.HistorySize,
		clients:       make(map[*Client]struct{}),
		rooms:         make(map[string]map[*Client]struct{}),
		openings:      make(map[string]struct{}),
		endedRooms:    make(map[string]struct{}),
		now:           time.Now,
	}
	if g.historySize <= 0 {
		g.historySize = defaultHistorySize
	}
	if g.presence == nil {
		g.presence = presence.NewMemoryRegistry()
	}
	if g.filter == nil {
		f, err := filter.New(cfg.ModerationConfig)
		if err != nil {
			return nil, err
		}
		g.filter = f
	}
	if g.issuer == nil && cfg.VoiceEnabled() {
		issuer, err := voice.NewIssuer(cfg.VoiceConfig.AppId, cfg.VoiceConfig.Secret)
		if err != nil {
			return nil, err
		}
		g.issuer = issuer
	}
	if g.identities == nil {
		identities, err := voice.NewIdentityAllocator(cfg.VoiceConfig.IdentityCacheSize)
		if err != nil {
			return nil, err
		}
		g.identities = identities
	}
	if g.completer == nil {
		g.completer = completion.NewCompleter(cfg.AIConfig)
	}
	if g.authenticator == nil {
		g.authenticator = auth.NewAuthenticator(cfg.OIDCConfigs)
	}
	if g.metrics == nil {
		g.metrics = telemetry.NoopMetrics()
	}
	g.ctx, g.cancel = context.WithCancel(context.Background())
	return g, nil
}

// Run starts the expiry sweep and blocks until ctx is done.
func (g *Gateway) Run(ctx context.Context) error {
	cronLogger := cron.PrintfLogger(g.logger.Named("cron").StandardLogger(&hclog.StandardLoggerOptions{InferLevels: true}))
	cronRunner := cron.New(cron.WithLocation(time.UTC), cron.WithChain(cron.SkipIfStillRunning(cronLogger)))
	if spec := g.cfg.ExpiryConfig.CronSpec; spec != "" {
		_, err := cronRunner.AddFunc(spec, func() {
			g.SweepExpired(ctx)
		})
		if err != nil {
			return err
		}
	}
	cronRunner.Start()
	g.logger.Info("gateway running", "expiry", g.cfg.ExpiryConfig.CronSpec)
	<-ctx.Done()
	<-cronRunner.Stop().Done()
	return nil
}

// Shutdown closes all connections, cancels in-flight completions and waits for them to finish, or for ctx to be
// done.
func (g *Gateway) Shutdown(ctx context.Context) error {
	g.Lock()
	g.closed = true
	for c := range g.clients {
		c.close()
	}
	g.Unlock()
	g.cancel()
	done := make(chan struct{})
	go func() {
		g.tasks.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// SweepExpired ends all active sessions whose scheduled end time has passed. Sessions without a positive duration
// never expire. Rooms of sessions ended outside the gateway (f.e. by the admin tool) are sent session-ended as well.
func (g *Gateway) SweepExpired(ctx context.Context) {
	sessions, err := g.persister.GetActiveSessions(ctx)
	if err != nil {
		g.logger.Error("could not load active sessions", "error", err)
		return
	}
	now := g.now()
	active := make(map[string]struct{}, len(sessions))
	for _, session := range sessions {
		if session.Duration <= 0 || now.Before(session.EndTime()) {
			active[session.Id] = struct{}{}
			continue
		}
		if _, err := g.EndSession(ctx, session.Id, "expiry"); err != nil {
			g.logger.Error("could not end expired session", "session", session.Id, "error", err)
		}
	}
	g.notifyEnded(ctx, active)
}

// notifyEnded sends session-ended to the rooms of sessions which are not active anymore and have not been told so.
func (g *Gateway) notifyEnded(ctx context.Context, active map[string]struct{}) {
	g.RLock()
	candidates := make([]string, 0)
	for sessionId := range g.rooms {
		_, isActive := active[sessionId]
		_, notified := g.endedRooms[sessionId]
		if !isActive && !notified {
			candidates = append(candidates, sessionId)
		}
	}
	g.RUnlock()
	for _, sessionId := range candidates {
		session, err := g.persister.GetSession(ctx, sessionId)
		if err != nil {
			g.logger.Debug("could not check session of room", "session", sessionId, "error", err)
			continue
		}
		if session.IsActive() {
			continue
		}
		g.notifyRoomEnded(ctx, sessionId, "external")
	}
}

// EndSession moves the session to ended and broadcasts session-ended to its room. Ending an already ended session
// changes nothing and broadcasts nothing.
func (g *Gateway) EndSession(ctx context.Context, sessionId, trigger string) (bool, error) {
	changed, err := g.persister.EndSession(ctx, sessionId)
	if err != nil {
		return false, err
	}
	if !changed {
		g.logger.Debug("session already ended", "session", sessionId)
		return false, nil
	}
	g.notifyRoomEnded(ctx, sessionId, trigger)
	return true, nil
}

// notifyRoomEnded broadcasts session-ended to the room, once per room.
func (g *Gateway) notifyRoomEnded(ctx context.Context, sessionId, trigger string) {
	g.Lock()
	if _, ok := g.endedRooms[sessionId]; ok {
		g.Unlock()
		return
	}
	if len(g.rooms[sessionId]) > 0 {
		g.endedRooms[sessionId] = struct{}{}
	}
	delete(g.openings, sessionId)
	g.Unlock()
	g.logger.Info("session ended", "session", sessionId, "trigger", trigger)
	g.metrics.SessionsEnded.Add(ctx, 1, metric.WithAttributes(attribute.String("trigger", trigger)))
	g.broadcast(sessionId, types.EventSessionEnded, types.SessionEnded{}, nil)
}

func (g *Gateway) register(c *Client) {
	g.Lock()
	defer g.Unlock()
	g.clients[c] = struct{}{}
}

func (g *Gateway) unregister(c *Client) {
	g.Lock()
	defer g.Unlock()
	delete(g.clients, c)
}

// Stats is a snapshot of the gateway's live state.
type Stats struct {
	Connections int `json:"connections"`
	Rooms       int `json:"rooms"`
}

func (g *Gateway) Stats() Stats {
	g.RLock()
	defer g.RUnlock()
	return Stats{Connections: len(g.clients), Rooms: len(g.rooms)}
}

// RoomSize returns the number of connections bound to the session.
func (g *Gateway) RoomSize(sessionId string) int {
	g.RLock()
	defer g.RUnlock()
	return len(g.rooms[sessionId])
}

func (g *Gateway) addToRoom(c *Client, sessionId string) {
	g.Lock()
	defer g.Unlock()
	room, ok := g.rooms[sessionId]
	if !ok {
		room = make(map[*Client]struct{})
		g.rooms[sessionId] = room
	}
	room[c] = struct{}{}
}

func (g *Gateway) removeFromRoom(c *Client, sessionId string) {
	g.Lock()
	defer g.Unlock()
	room, ok := g.rooms[sessionId]
	if !ok {
		return
	}
	delete(room, c)
	if len(room) == 0 {
		delete(g.rooms, sessionId)
		delete(g.endedRooms, sessionId)
	}
}

// roomClients returns the connections of the session bound to userId.
func (g *Gateway) roomClients(sessionId, userId string) []*Client {
	g.RLock()
	defer g.RUnlock()
	clients := make([]*Client, 0)
	for c := range g.rooms[sessionId] {
		if b, ok := c.binding(); ok && b.UserId == userId {
			clients = append(clients, c)
		}
	}
	return clients
}

// broadcast sends the event to every connection in the session's room except the given one (may be nil).
func (g *Gateway) broadcast(sessionId, event string, data interface{}, except *Client) {
	msg, err := types.NewWireMessage(event, data)
	if err != nil {
		g.logger.Error("could not marshal event", "event", event, "error", err)
		return
	}
	g.RLock()
	defer g.RUnlock()
	for c := range g.rooms[sessionId] {
		if c == except {
			continue
		}
		c.enqueue(msg)
	}
}

// unicast sends the event to c only.
func (g *Gateway) unicast(c *Client, event string, data interface{}) {
	msg, err := types.NewWireMessage(event, data)
	if err != nil {
		g.logger.Error("could not marshal event", "event", event, "error", err)
		return
	}
	c.enqueue(msg)
}

// Disconnect releases everything the connection held, as if it had sent leave-room.
func (g *Gateway) Disconnect(c *Client) {
	g.logger.Debug("disconnect", "connection", c.Id)
	g.leaveRoom(c)
}
