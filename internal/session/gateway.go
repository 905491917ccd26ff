package session

import (
	"context"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"github.com/outpostgame/worldserver/internal/auth"
	"github.com/outpostgame/worldserver/internal/world"
)

const (
	maxFrameBytes  = 16 * 1024
	idleTimeout    = 30 * time.Second
	writeTimeout   = 10 * time.Second
	pingPeriod     = 20 * time.Second
	sendBufferSize = 128
	joinWait       = 10 * time.Second
	subscribeRing  = 1 // chunks within this Chebyshev radius of spawn are subscribed
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin: func(r *http.Request) bool {
		// TODO: validate Origin against a configured allowlist once the
		// client is served from a known host.
		return true
	},
}

// worldHub is the per-world slice of the gateway: the arbiter and chunk
// store that back it, and the sessions currently joined to it, indexed
// both directly and by subscribed chunk for delta fan-out.
type worldHub struct {
	id      string
	arbiter *world.Arbiter
	chunks  *world.Store

	mu       sync.RWMutex
	sessions map[string]*Session
	subs     map[world.ChunkKey]map[string]*Session
}

func newWorldHub(id string, arbiter *world.Arbiter, chunks *world.Store) *worldHub {
	return &worldHub{
		id:       id,
		arbiter:  arbiter,
		chunks:   chunks,
		sessions: make(map[string]*Session),
		subs:     make(map[world.ChunkKey]map[string]*Session),
	}
}

func (h *worldHub) add(s *Session) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.sessions[s.id] = s
}

func (h *worldHub) remove(s *Session) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.sessions, s.id)
	for key, set := range h.subs {
		delete(set, s.id)
		if len(set) == 0 {
			delete(h.subs, key)
		}
	}
}

func (h *worldHub) subscribe(s *Session, key world.ChunkKey) {
	h.mu.Lock()
	defer h.mu.Unlock()
	set, ok := h.subs[key]
	if !ok {
		set = make(map[string]*Session)
		h.subs[key] = set
	}
	set[s.id] = s
}

func (h *worldHub) position(sessionID string) (world.Position, bool) {
	h.mu.RLock()
	s, ok := h.sessions[sessionID]
	h.mu.RUnlock()
	if !ok {
		return world.Position{}, false
	}
	return s.currentPosition(), true
}

// broadcastChunk fans a chunk delta out to every session subscribed to it.
func (h *worldHub) broadcastChunk(cx, cz int32, state world.ChunkState) {
	key := world.ChunkKey{WorldID: h.id, CX: cx, CZ: cz}
	h.mu.RLock()
	set := h.subs[key]
	recipients := make([]*Session, 0, len(set))
	for _, s := range set {
		recipients = append(recipients, s)
	}
	h.mu.RUnlock()

	frame, err := encodeFrame(WorldChunkFrame{T: "worldChunk", ChunkX: cx, ChunkZ: cz, State: state})
	if err != nil {
		log.Printf("session: encode worldChunk: %v", err)
		return
	}
	for _, s := range recipients {
		s.enqueue(frame)
	}
}

func (h *worldHub) snapshot() []PlayerSnapshot {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]PlayerSnapshot, 0, len(h.sessions))
	for _, s := range h.sessions {
		pos := s.currentPosition()
		out = append(out, PlayerSnapshot{ID: s.guestID, X: pos.X, Y: pos.Y, Z: pos.Z, Yaw: s.currentYaw()})
	}
	return out
}

// Gateway is the WebSocket session manager: it upgrades connections, runs
// the join handshake, and routes subsequent frames between sessions and
// the world they joined.
type Gateway struct {
	verifier    *auth.Verifier
	eventRadius float64

	mu           sync.RWMutex
	worlds       map[string]*worldHub
	worldFactory func(worldID string) bool
}

func NewGateway(verifier *auth.Verifier, eventRadius float64) *Gateway {
	return &Gateway{verifier: verifier, eventRadius: eventRadius, worlds: make(map[string]*worldHub)}
}

// RegisterWorld wires a world's arbiter and chunk store into the gateway so
// joins against worldID can be served. chunks' onDelta callback should have
// been constructed to call g.OnChunkDelta(worldID, ...) so fan-out reaches
// subscribed sessions.
func (g *Gateway) RegisterWorld(worldID string, arbiter *world.Arbiter, chunks *world.Store) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.worlds[worldID] = newWorldHub(worldID, arbiter, chunks)
}

// SetWorldFactory installs the hook hub() falls back to when a join names a
// worldID that hasn't been registered yet: factory should build and
// RegisterWorld the world (validating its id) and return whether it did, so
// a world comes into being on first join the same way a chunk comes into
// being on first touch.
func (g *Gateway) SetWorldFactory(factory func(worldID string) bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.worldFactory = factory
}

// PositionLookup returns a world.PositionLookup bound to worldID, resolved
// lazily against the gateway's registered hubs. It can be handed to
// world.NewArbiter before RegisterWorld has run, since it only dereferences
// the hub at call time, once sessions actually exist to look up.
func (g *Gateway) PositionLookup(worldID string) world.PositionLookup {
	return func(sessionID string) (world.Position, bool) {
		hub, ok := g.hub(worldID)
		if !ok {
			return world.Position{}, false
		}
		return hub.position(sessionID)
	}
}

// OnChunkDelta implements world.DeltaFunc for every world registered with
// this gateway; wire it as the onDelta argument to world.NewStore.
func (g *Gateway) OnChunkDelta(worldID string, cx, cz int32, state world.ChunkState) {
	g.mu.RLock()
	hub, ok := g.worlds[worldID]
	g.mu.RUnlock()
	if !ok {
		return
	}
	hub.broadcastChunk(cx, cz, state)
}

func (g *Gateway) hub(worldID string) (*worldHub, bool) {
	g.mu.RLock()
	h, ok := g.worlds[worldID]
	factory := g.worldFactory
	g.mu.RUnlock()
	if ok || factory == nil {
		return h, ok
	}
	if !factory(worldID) {
		return nil, false
	}
	g.mu.RLock()
	defer g.mu.RUnlock()
	h, ok = g.worlds[worldID]
	return h, ok
}

// BroadcastSnapshots sends a players snapshot to every session in every
// registered world at the given tick rate until ctx is cancelled.
func (g *Gateway) BroadcastSnapshots(ctx context.Context, hz int) {
	if hz <= 0 {
		hz = 20
	}
	ticker := time.NewTicker(time.Second / time.Duration(hz))
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			g.mu.RLock()
			hubs := make([]*worldHub, 0, len(g.worlds))
			for _, h := range g.worlds {
				hubs = append(hubs, h)
			}
			g.mu.RUnlock()
			for _, h := range hubs {
				players := h.snapshot()
				if len(players) == 0 {
					continue
				}
				frame, err := encodeFrame(SnapshotFrame{T: "snapshot", Players: players})
				if err != nil {
					log.Printf("session: encode snapshot: %v", err)
					continue
				}
				h.mu.RLock()
				for _, s := range h.sessions {
					s.enqueue(frame)
				}
				h.mu.RUnlock()
			}
		}
	}
}

// Session is one player's live WebSocket connection.
type Session struct {
	id      string
	conn    *websocket.Conn
	send    chan []byte
	gw      *Gateway
	hub     *worldHub
	limiter *rate.Limiter

	guestID string
	worldID string

	posMu sync.RWMutex
	kin   kinematicState
	yaw   float64
	pitch float64

	closeOnce sync.Once
}

func (s *Session) currentPosition() world.Position {
	s.posMu.RLock()
	defer s.posMu.RUnlock()
	return s.kin.pos
}

func (s *Session) currentYaw() float64 {
	s.posMu.RLock()
	defer s.posMu.RUnlock()
	return s.yaw
}

// enqueue drops the frame and closes the connection if the session's
// outbound buffer is saturated, rather than blocking the broadcaster on a
// slow client.
func (s *Session) enqueue(frame []byte) {
	select {
	case s.send <- frame:
	default:
		log.Printf("session: send buffer full for %s, disconnecting", s.id)
		s.closeConn()
	}
}

func (s *Session) closeConn() {
	s.closeOnce.Do(func() {
		close(s.send)
	})
}

// HandleWS upgrades an HTTP request to a WebSocket and runs the session
// until the connection closes.
func (g *Gateway) HandleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("session: upgrade error: %v", err)
		return
	}

	s := &Session{
		id:      uuid.NewString(),
		conn:    conn,
		send:    make(chan []byte, sendBufferSize),
		gw:      g,
		limiter: rate.NewLimiter(rate.Limit(60), 60),
	}
	conn.SetReadLimit(maxFrameBytes)

	go s.writePump()
	s.readLoop()
}

func (s *Session) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		s.conn.Close()
	}()

	for {
		select {
		case frame, ok := <-s.send:
			s.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if !ok {
				s.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := s.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				return
			}
		case <-ticker.C:
			s.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (s *Session) readLoop() {
	defer func() {
		if s.hub != nil {
			s.hub.remove(s)
		}
		s.closeConn()
		s.conn.Close()
	}()

	s.conn.SetReadDeadline(time.Now().Add(joinWait))
	s.conn.SetPongHandler(func(string) error {
		s.conn.SetReadDeadline(time.Now().Add(idleTimeout))
		return nil
	})

	joined := false
	for {
		_, raw, err := s.conn.ReadMessage()
		if err != nil {
			return
		}
		if !s.limiter.Allow() {
			s.sendError("rate_limited", "")
			continue
		}

		tag, payload, err := decodeInbound(raw)
		if err != nil {
			s.closeWithCode(websocket.CloseUnsupportedData, "bad_frame")
			return
		}

		if !joined {
			if tag != "join" {
				s.closeWithCode(websocket.CloseUnsupportedData, "join_required")
				return
			}
			if !s.handleJoin(payload.(JoinFrame)) {
				return
			}
			joined = true
			s.conn.SetReadDeadline(time.Now().Add(idleTimeout))
			continue
		}

		switch tag {
		case "join":
			s.sendError("already_joined", "")
		case "input":
			s.handleInput(payload.(InputFrame))
		case "teleport":
			s.handleTeleport(payload.(TeleportFrame))
		case "worldEvent":
			s.handleWorldEvent(payload.(WorldEventFrame))
		}
	}
}

func (s *Session) closeWithCode(code int, reason string) {
	deadline := time.Now().Add(time.Second)
	msg := websocket.FormatCloseMessage(code, reason)
	s.conn.WriteControl(websocket.CloseMessage, msg, deadline)
}

func (s *Session) sendError(code, message string) {
	frame, err := encodeFrame(ErrorFrame{T: "error", Code: code, Message: message})
	if err != nil {
		return
	}
	s.enqueue(frame)
}

func (s *Session) handleJoin(f JoinFrame) bool {
	if f.V != ProtocolVersion {
		s.sendError("bad_version", "")
		s.closeWithCode(websocket.CloseUnsupportedData, "bad_version")
		return false
	}
	guestID, err := s.gw.verifier.Verify(f.Token, time.Now())
	if err != nil {
		code := string(auth.FailureInvalid)
		if failure, ok := err.(auth.Failure); ok {
			code = string(failure)
		}
		s.sendError(code, err.Error())
		s.closeWithCode(websocket.ClosePolicyViolation, code)
		return false
	}
	if guestID != f.GuestID {
		s.sendError("auth_invalid", "")
		s.closeWithCode(websocket.ClosePolicyViolation, "auth_invalid")
		return false
	}
	hub, ok := s.gw.hub(f.WorldID)
	if !ok {
		s.sendError("unknown_world", "")
		s.closeWithCode(websocket.CloseUnsupportedData, "unknown_world")
		return false
	}

	s.guestID = guestID
	s.worldID = f.WorldID
	s.hub = hub
	s.posMu.Lock()
	s.kin = kinematicState{pos: world.Position{X: f.Spawn.X, Y: f.Spawn.Y, Z: f.Spawn.Z}}
	s.posMu.Unlock()

	hub.add(s)
	s.subscribeAround(f.Spawn.X, f.Spawn.Z)

	welcome, _ := encodeFrame(WelcomeFrame{T: "welcome", ID: s.id})
	s.enqueue(welcome)
	return true
}

// subscribeAround subscribes the session to every chunk within
// subscribeRing of the chunk containing (x, z) and pushes each chunk's
// current state immediately, so a fresh join sees the world without
// waiting for the next mutation.
func (s *Session) subscribeAround(x, z float64) {
	cx, cz := world.ChunkCoord(x, z)
	for dx := int32(-subscribeRing); dx <= subscribeRing; dx++ {
		for dz := int32(-subscribeRing); dz <= subscribeRing; dz++ {
			key := world.ChunkKey{WorldID: s.worldID, CX: cx + dx, CZ: cz + dz}
			s.hub.subscribe(s, key)

			state, err := s.hub.chunks.ReadChunk(context.Background(), s.worldID, cx+dx, cz+dz)
			if err != nil {
				log.Printf("session: read chunk %d:%d: %v", cx+dx, cz+dz, err)
				continue
			}
			frame, err := encodeFrame(WorldChunkFrame{T: "worldChunk", ChunkX: cx + dx, ChunkZ: cz + dz, State: state})
			if err != nil {
				continue
			}
			s.enqueue(frame)
		}
	}
}

func (s *Session) handleInput(f InputFrame) {
	s.posMu.Lock()
	s.yaw, s.pitch = f.Yaw, f.Pitch
	obstacles := s.nearbyObstacles()
	s.kin = integrate(s.kin, f.Keys, f.Yaw, f.Dt, obstacles)
	s.posMu.Unlock()
}

func (s *Session) handleTeleport(f TeleportFrame) {
	s.posMu.Lock()
	s.kin.pos = world.Position{X: f.X, Y: f.Y, Z: f.Z}
	s.posMu.Unlock()
	s.subscribeAround(f.X, f.Z)
}

// nearbyObstacles gathers collider circles from the player's current chunk
// and its immediate neighbors so movement integration can push the player
// out of chests, forges, forge tables, and campfires.
func (s *Session) nearbyObstacles() []Obstacle {
	pos := s.kin.pos
	cx, cz := world.ChunkCoord(pos.X, pos.Z)
	var out []Obstacle
	for dx := int32(-1); dx <= 1; dx++ {
		for dz := int32(-1); dz <= 1; dz++ {
			state, err := s.hub.chunks.ReadChunk(context.Background(), s.worldID, cx+dx, cz+dz)
			if err != nil {
				continue
			}
			for _, p := range state.Placed {
				radius, ok := world.MinSpacing[p.Type]
				if !ok {
					radius = 0.8
				}
				out = append(out, Obstacle{X: p.X, Z: p.Z, Radius: radius})
			}
		}
	}
	return out
}

func (s *Session) handleWorldEvent(f WorldEventFrame) {
	if s.hub == nil {
		return
	}
	ev := world.Event{
		Kind:      world.EventKind(f.Kind),
		SessionID: s.id,
		GuestID:   s.guestID,
		ID:        f.ID,
		PlaceKind: f.PlaceKind,
		SeedID:    f.SeedID,
		X:         f.X,
		Z:         f.Z,
		At:        f.At,
	}
	result := <-s.hub.arbiter.Submit(ev)
	frame, err := encodeFrame(WorldEventResultFrame{
		T:      "worldEventResult",
		OK:     result.OK,
		Kind:   string(result.Kind),
		ID:     result.ID,
		Reason: result.Reason,
	})
	if err != nil {
		return
	}
	s.enqueue(frame)
}
