package session

import (
	"context"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"

	"github.com/chatrouter/engine/internal/v1/assign"
	"github.com/chatrouter/engine/internal/v1/auth"
	"github.com/chatrouter/engine/internal/v1/bus"
	"github.com/chatrouter/engine/internal/v1/metrics"
	"github.com/chatrouter/engine/internal/v1/notify"
	"github.com/chatrouter/engine/internal/v1/queue"
	"github.com/chatrouter/engine/internal/v1/room"
	"github.com/chatrouter/engine/internal/v1/store"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

// TokenValidator authenticates the bearer token on a WebSocket upgrade.
// Grounded on the teacher's TokenValidator interface; *auth.Validator
// satisfies this.
type TokenValidator interface {
	ValidateToken(tokenString string) (*auth.CustomClaims, error)
}

// WsUserLimiter enforces the per-identity WebSocket connection rate, checked
// once the bearer token resolves to an identity. *ratelimit.RateLimiter
// satisfies this.
type WsUserLimiter interface {
	CheckWebSocketUser(ctx context.Context, userID string) error
}

// BusService is the distributed fan-out and presence surface the hub needs.
// *bus.Service satisfies this structurally.
type BusService interface {
	Publish(ctx context.Context, visitorID, event string, payload any, senderID string, roles []string) error
	PublishOrg(ctx context.Context, orgID, event string, payload any, senderID string) error
	PublishMonitor(ctx context.Context, orgID, event string, payload any, senderID string) error
	PublishDirect(ctx context.Context, sid, event string, payload any, senderID string) error
	Subscribe(ctx context.Context, visitorID string, wg *sync.WaitGroup, handler func(bus.PubSubPayload))
	SubscribeOrg(ctx context.Context, orgID string, wg *sync.WaitGroup, handler func(bus.PubSubPayload))
	SubscribeMonitor(ctx context.Context, orgID string, wg *sync.WaitGroup, handler func(bus.PubSubPayload))
	SubscribeDirect(ctx context.Context, sid string, wg *sync.WaitGroup, handler func(bus.PubSubPayload))
	SetAdd(ctx context.Context, key, member string) error
	SetRem(ctx context.Context, key, member string) error
	SetMembers(ctx context.Context, key string) ([]string, error)
	IsStaffOnline(ctx context.Context, staffID string) (bool, error)
}

// Store is the read-model surface the hub needs beyond C2-C8's own stores.
// *store.DB satisfies this structurally.
type Store interface {
	GetStaff(ctx context.Context, staffID string) (*store.Staff, error)
	GetOrCreateVisitor(ctx context.Context, orgID, visitorID, name string) (*store.Visitor, error)
	SetStaffDisabled(ctx context.Context, staffID string, disabled bool) error
	RemoveAllSubscriptionsForStaff(ctx context.Context, staffID string) ([]string, error)
	SubscribedVisitorIDs(ctx context.Context, staffID string) ([]string, error)
	VisitorOrgID(ctx context.Context, visitorID string) (string, error)
	LastMessageSender(ctx context.Context, chatID string) (*string, error)
	RecentMessages(ctx context.Context, chatID string, limit int) ([]store.ChatMessage, error)
	BookmarkedVisitors(ctx context.Context, staffID string, offset, limit int) ([]store.Visitor, error)
	SetBookmark(ctx context.Context, staffID, visitorID string, bookmarked bool) error
	GetAllSettings(ctx context.Context) (*store.Settings, error)
	AppendChatMessage(ctx context.Context, chatID string, seq int64, typeID int, senderStaffID *string, content any) (room.MessageInfo, error)
}

const onlineVisitorsKey = "online_visitors"

// onlineStaffKey mirrors bus.OnlineStaffKey; session maintains this set on
// connect/disconnect, room.Manager and reassign.Timer consult it.
const onlineStaffKey = bus.OnlineStaffKey

// Hub is C1: the live-connection registry. It authenticates WebSocket
// upgrades, tracks local-process presence, subscribes to the bus topics its
// locally-connected sessions need, and routes wire events into C2 (room),
// C3 (queue), C6 (assign) and C7 (notify). Grounded on the teacher's Hub
// registry-of-rooms shape, generalized from a single room-topic model to
// room/org/monitor/direct topics.
type Hub struct {
	validator TokenValidator
	wsLimiter WsUserLimiter
	bus       BusService
	room      *room.Manager
	queue     *queue.Index
	assigner  *assign.Engine
	notifier  *notify.Dispatcher
	store     Store

	mu           sync.Mutex
	sessions     map[string]*Session
	roomMembers  map[string]map[string]*Session
	roomCancel   map[string]context.CancelFunc
	orgMembers   map[string]map[string]*Session
	orgCancel    map[string]context.CancelFunc
	monMembers   map[string]map[string]*Session
	monCancel    map[string]context.CancelFunc
	directCancel map[string]context.CancelFunc
}

// NewHub wires the registry over its collaborators. wsLimiter may be nil,
// in which case the per-identity WebSocket connection rate is not enforced
// (used by tests that drive onVisitorConnect/onStaffConnect directly).
func NewHub(validator TokenValidator, wsLimiter WsUserLimiter, busService BusService, roomMgr *room.Manager, queueIdx *queue.Index, assigner *assign.Engine, notifier *notify.Dispatcher, st Store) *Hub {
	return &Hub{
		validator:    validator,
		wsLimiter:    wsLimiter,
		bus:          busService,
		room:         roomMgr,
		queue:        queueIdx,
		assigner:     assigner,
		notifier:     notifier,
		store:        st,
		sessions:     make(map[string]*Session),
		roomMembers:  make(map[string]map[string]*Session),
		roomCancel:   make(map[string]context.CancelFunc),
		orgMembers:   make(map[string]map[string]*Session),
		orgCancel:    make(map[string]context.CancelFunc),
		monMembers:   make(map[string]map[string]*Session),
		monCancel:    make(map[string]context.CancelFunc),
		directCancel: make(map[string]context.CancelFunc),
	}
}

var upgrader = websocket.Upgrader{
	WriteBufferPool: &sync.Pool{
		New: func() any { return make([]byte, 4096) },
	},
}

// ServeWs authenticates the caller via an Authorization: Bearer header (the
// teacher reads the token from a query parameter; this protocol carries it
// in the header per spec.md §6.1) and hands the upgraded connection off to
// a new Session.
func (h *Hub) ServeWs(c *gin.Context) {
	header := c.GetHeader("Authorization")
	if !strings.HasPrefix(header, "Bearer ") {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "missing bearer token"})
		return
	}
	tokenString := strings.TrimPrefix(header, "Bearer ")

	claims, err := h.validator.ValidateToken(tokenString)
	if err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
		return
	}
	identity := claims.Identity()

	if h.wsLimiter != nil {
		if err := h.wsLimiter.CheckWebSocketUser(c.Request.Context(), identity.ID); err != nil {
			c.JSON(http.StatusTooManyRequests, gin.H{"error": "too many connections for this user"})
			return
		}
	}

	allowedOrigins := auth.GetAllowedOriginsFromEnv("ALLOWED_ORIGINS", []string{"http://localhost:3000"})
	upgrader.CheckOrigin = func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		originURL, err := url.Parse(origin)
		if err != nil {
			return false
		}
		for _, allowed := range allowedOrigins {
			allowedURL, err := url.Parse(allowed)
			if err == nil && originURL.Scheme == allowedURL.Scheme && originURL.Host == allowedURL.Host {
				return true
			}
		}
		return false
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		slog.Error("failed to upgrade connection", "error", err)
		return
	}

	ctx := c.Request.Context()
	sess := newSession(conn, h, uuid.NewString(), identity)

	if identity.Kind == KindVisitor {
		if !h.onVisitorConnect(ctx, sess) {
			conn.WriteMessage(websocket.TextMessage, rejectionFrame(EventVisitorRoomExists))
			conn.Close()
			return
		}
	} else {
		if !h.onStaffConnect(ctx, sess) {
			conn.Close()
			return
		}
	}

	metrics.IncConnection()
	go sess.writePump()
	go sess.readPump()
}

func rejectionFrame(event string) []byte {
	return []byte(`{"event":"` + event + `","payload":null}`)
}

func (h *Hub) registerSession(sess *Session) {
	h.mu.Lock()
	h.sessions[sess.SID] = sess
	ctx, cancel := context.WithCancel(context.Background())
	h.directCancel[sess.SID] = cancel
	h.mu.Unlock()

	var wg sync.WaitGroup
	h.bus.SubscribeDirect(ctx, sess.SID, &wg, func(p bus.PubSubPayload) {
		sess.push(p.Event, p.Payload)
	})
	// Auto-assignment notices are published on the staff ID, so every open
	// tab of a staff member also listens on that direct channel.
	if sess.Identity.Kind == KindStaff {
		h.bus.SubscribeDirect(ctx, sess.Identity.ID, &wg, func(p bus.PubSubPayload) {
			sess.push(p.Event, p.Payload)
		})
	}
}

func (h *Hub) unregisterSession(sess *Session) {
	h.mu.Lock()
	delete(h.sessions, sess.SID)
	if cancel, ok := h.directCancel[sess.SID]; ok {
		cancel()
		delete(h.directCancel, sess.SID)
	}
	h.mu.Unlock()
}

// joinRoom subscribes the process (once per visitor) to room:{visitorID} and
// registers sess as a local fan-out target.
func (h *Hub) joinRoom(ctx context.Context, visitorID string, sess *Session) {
	h.mu.Lock()
	members, ok := h.roomMembers[visitorID]
	if !ok {
		members = make(map[string]*Session)
		h.roomMembers[visitorID] = members
		subCtx, cancel := context.WithCancel(context.Background())
		h.roomCancel[visitorID] = cancel
		var wg sync.WaitGroup
		h.bus.Subscribe(subCtx, visitorID, &wg, func(p bus.PubSubPayload) {
			h.fanoutRoom(visitorID, p)
		})
	}
	members[sess.SID] = sess
	h.mu.Unlock()
	sess.markRoom(visitorID)
}

func (h *Hub) leaveRoom(visitorID string, sess *Session) {
	h.mu.Lock()
	members, ok := h.roomMembers[visitorID]
	if ok {
		delete(members, sess.SID)
		if len(members) == 0 {
			delete(h.roomMembers, visitorID)
			if cancel, ok := h.roomCancel[visitorID]; ok {
				cancel()
				delete(h.roomCancel, visitorID)
			}
		}
	}
	h.mu.Unlock()
	sess.unmarkRoom(visitorID)
}

func (h *Hub) fanoutRoom(visitorID string, p bus.PubSubPayload) {
	h.mu.Lock()
	members := make([]*Session, 0, len(h.roomMembers[visitorID]))
	for _, s := range h.roomMembers[visitorID] {
		members = append(members, s)
	}
	h.mu.Unlock()

	for _, s := range members {
		if s.SID == p.SenderID {
			continue
		}
		if len(p.Roles) > 0 {
			if s.Identity.Kind != KindStaff || !roleIn(s.Identity.Role, p.Roles) {
				continue
			}
		}
		s.push(p.Event, p.Payload)
	}
}

func roleIn(role string, roles []string) bool {
	for _, r := range roles {
		if r == role {
			return true
		}
	}
	return false
}

func (h *Hub) joinOrg(ctx context.Context, orgID string, sess *Session) {
	h.mu.Lock()
	members, ok := h.orgMembers[orgID]
	if !ok {
		members = make(map[string]*Session)
		h.orgMembers[orgID] = members
		subCtx, cancel := context.WithCancel(context.Background())
		h.orgCancel[orgID] = cancel
		var wg sync.WaitGroup
		h.bus.SubscribeOrg(subCtx, orgID, &wg, func(p bus.PubSubPayload) {
			h.fanoutOrg(orgID, p)
		})
	}
	members[sess.SID] = sess
	h.mu.Unlock()
	sess.setOrg(orgID)
}

func (h *Hub) leaveOrg(orgID string, sess *Session) {
	h.mu.Lock()
	members, ok := h.orgMembers[orgID]
	if ok {
		delete(members, sess.SID)
		if len(members) == 0 {
			delete(h.orgMembers, orgID)
			if cancel, ok := h.orgCancel[orgID]; ok {
				cancel()
				delete(h.orgCancel, orgID)
			}
		}
	}
	h.mu.Unlock()
}

func (h *Hub) fanoutOrg(orgID string, p bus.PubSubPayload) {
	h.mu.Lock()
	members := make([]*Session, 0, len(h.orgMembers[orgID]))
	for _, s := range h.orgMembers[orgID] {
		members = append(members, s)
	}
	h.mu.Unlock()

	for _, s := range members {
		if s.SID == p.SenderID {
			continue
		}
		s.push(p.Event, p.Payload)
	}
}

func (h *Hub) joinMonitor(ctx context.Context, orgID string, sess *Session) {
	h.mu.Lock()
	members, ok := h.monMembers[orgID]
	if !ok {
		members = make(map[string]*Session)
		h.monMembers[orgID] = members
		subCtx, cancel := context.WithCancel(context.Background())
		h.monCancel[orgID] = cancel
		var wg sync.WaitGroup
		h.bus.SubscribeMonitor(subCtx, orgID, &wg, func(p bus.PubSubPayload) {
			h.fanoutMonitor(orgID, p)
		})
	}
	members[sess.SID] = sess
	h.mu.Unlock()
	sess.setMonitor(true)
}

func (h *Hub) leaveMonitor(orgID string, sess *Session) {
	h.mu.Lock()
	members, ok := h.monMembers[orgID]
	if ok {
		delete(members, sess.SID)
		if len(members) == 0 {
			delete(h.monMembers, orgID)
			if cancel, ok := h.monCancel[orgID]; ok {
				cancel()
				delete(h.monCancel, orgID)
			}
		}
	}
	h.mu.Unlock()
}

func (h *Hub) fanoutMonitor(orgID string, p bus.PubSubPayload) {
	h.mu.Lock()
	members := make([]*Session, 0, len(h.monMembers[orgID]))
	for _, s := range h.monMembers[orgID] {
		members = append(members, s)
	}
	h.mu.Unlock()

	for _, s := range members {
		if s.SID == p.SenderID {
			continue
		}
		s.push(p.Event, p.Payload)
	}
}

// onVisitorConnect performs visitor connect-time setup. Returns false when
// the visitor already has a live session elsewhere (invariant: at most one
// live tab per visitor), in which case the caller rejects the upgrade.
func (h *Hub) onVisitorConnect(ctx context.Context, sess *Session) bool {
	visitorID := sess.Identity.ID
	members, err := h.bus.SetMembers(ctx, onlineVisitorsKey)
	if err != nil {
		slog.Error("failed to check online visitors", "error", err)
	}
	for _, m := range members {
		if m == visitorID {
			return false
		}
	}
	if err := h.bus.SetAdd(ctx, onlineVisitorsKey, visitorID); err != nil {
		slog.Error("failed to mark visitor online", "error", err)
	}

	h.registerSession(sess)
	h.joinRoom(ctx, visitorID, sess)

	if _, err := h.store.GetOrCreateVisitor(ctx, sess.Identity.OrgID, visitorID, sess.Identity.Display); err != nil {
		slog.Error("failed to ensure visitor row", "error", err)
	}
	snap, err := h.room.GetOrCreate(ctx, visitorID, sess.Identity.OrgID, true)
	if err != nil {
		slog.Error("failed to rehydrate room on visitor connect", "error", err)
	}
	if err := h.queue.MoveToOnline(ctx, sess.Identity.OrgID, visitorID); err != nil {
		slog.Error("failed to move visitor to online-unclaimed", "error", err)
	}

	sess.push(EventVisitorInit, visitorInitPayload(snap))
	if err := h.bus.PublishOrg(ctx, sess.Identity.OrgID, EventVisitorGoesOnline, map[string]string{"visitor": visitorID}, sess.SID); err != nil {
		slog.Error("failed to publish visitor online", "error", err)
	}
	return true
}

// onStaffConnect performs staff connect-time setup: rejoins every
// subscribed visitor room (spec.md §4.9), joins the org and (if
// supervisor/admin) monitor topics, and sends a staff_init snapshot.
// Returns false (and the caller closes the connection) if the staff account
// is disabled.
func (h *Hub) onStaffConnect(ctx context.Context, sess *Session) bool {
	staffID := sess.Identity.ID
	staff, err := h.store.GetStaff(ctx, staffID)
	if err != nil {
		slog.Error("failed to load staff on connect", "error", err)
		return false
	}
	if staff.Disabled {
		return false
	}

	h.registerSession(sess)
	h.joinOrg(ctx, sess.Identity.OrgID, sess)
	if sess.Identity.Role == RoleSupervisor || sess.Identity.Role == RoleAdmin {
		h.joinMonitor(ctx, sess.Identity.OrgID, sess)
	}
	if err := h.bus.SetAdd(ctx, onlineStaffKey, staffID); err != nil {
		slog.Error("failed to mark staff online", "error", err)
	}

	visitorIDs, err := h.store.SubscribedVisitorIDs(ctx, staffID)
	if err != nil {
		slog.Error("failed to load staff subscriptions", "error", err)
	}
	rooms := make([]*room.Snapshot, 0, len(visitorIDs))
	for _, vID := range visitorIDs {
		h.joinRoom(ctx, vID, sess)
		snap, err := h.room.Snapshot(ctx, vID)
		if err == nil && snap != nil {
			rooms = append(rooms, snap)
		}
	}

	unclaimed, err := h.queue.AllOnlineUnclaimed(ctx, sess.Identity.OrgID)
	if err != nil {
		slog.Error("failed to load unclaimed queue on staff connect", "error", err)
	}
	bookmarked, err := h.store.BookmarkedVisitors(ctx, staffID, 0, 50)
	if err != nil {
		slog.Error("failed to load bookmarks on staff connect", "error", err)
	}

	sess.push(EventStaffInit, staffInitPayload(rooms, unclaimed, bookmarked))
	if err := h.bus.PublishOrg(ctx, sess.Identity.OrgID, EventStaffGoesOnline, map[string]string{"staff": staffID}, sess.SID); err != nil {
		slog.Error("failed to publish staff online", "error", err)
	}
	return true
}

// onDisconnect tears down everything ServeWs set up for sess.
func (h *Hub) onDisconnect(sess *Session) {
	ctx := context.Background()
	rooms, orgID, monitor := sess.snapshot()

	for _, vID := range rooms {
		h.leaveRoom(vID, sess)
	}
	if orgID != "" {
		h.leaveOrg(orgID, sess)
	}
	if monitor {
		h.leaveMonitor(orgID, sess)
	}
	h.unregisterSession(sess)

	if sess.Identity.Kind == KindVisitor {
		visitorID := sess.Identity.ID
		if err := h.bus.SetRem(ctx, onlineVisitorsKey, visitorID); err != nil {
			slog.Error("failed to clear online visitor marker", "error", err)
		}
		unclaimed, err := h.queue.ContainsOnlineUnclaimed(ctx, sess.Identity.OrgID, visitorID)
		if err == nil && unclaimed {
			if err := h.queue.MoveToOffline(ctx, sess.Identity.OrgID, visitorID); err != nil {
				slog.Error("failed to move visitor to offline-unclaimed", "error", err)
			}
		}
		if err := h.room.DropIfAbandoned(ctx, visitorID, false); err != nil {
			slog.Error("failed to drop abandoned room", "error", err)
		}
		if err := h.bus.PublishOrg(ctx, sess.Identity.OrgID, EventVisitorGoesOffline, map[string]string{"visitor": visitorID}, sess.SID); err != nil {
			slog.Error("failed to publish visitor offline", "error", err)
		}
		return
	}

	for _, vID := range rooms {
		if err := h.room.ClearStaffSID(ctx, vID, sess.Identity.ID, sess.SID); err != nil {
			slog.Error("failed to clear staff liveness", "error", err)
		}
		if err := h.room.DropIfAbandoned(ctx, vID, true); err != nil {
			slog.Error("failed to drop abandoned room after staff disconnect", "error", err)
		}
	}
	if err := h.bus.SetRem(ctx, onlineStaffKey, sess.Identity.ID); err != nil {
		slog.Error("failed to clear online staff marker", "error", err)
	}
	if err := h.bus.PublishOrg(ctx, orgID, EventStaffGoesOffline, map[string]string{"staff": sess.Identity.ID}, sess.SID); err != nil {
		slog.Error("failed to publish staff offline", "error", err)
	}
}

// DisableStaff implements invariant 7: disabling a staff member removes all
// of their subscriptions and triggers reassignment for each orphaned
// visitor. Called by the (out-of-scope) admin REST surface.
func (h *Hub) DisableStaff(ctx context.Context, staffID string) error {
	if err := h.store.SetStaffDisabled(ctx, staffID, true); err != nil {
		return err
	}
	orgID := ""
	if sess, ok := h.findSessionByIdentity(staffID); ok {
		orgID = sess.Identity.OrgID
	}
	visitorIDs, err := h.store.RemoveAllSubscriptionsForStaff(ctx, staffID)
	if err != nil {
		return err
	}
	h.assigner.InvalidateCache(orgID)
	for _, vID := range visitorIDs {
		if orgID == "" {
			if id, err := h.store.VisitorOrgID(ctx, vID); err == nil {
				orgID = id
			}
		}
		if err := h.room.RemoveStaff(ctx, vID, staffID); err != nil {
			slog.Error("failed to remove staff from room after disable", "error", err)
			continue
		}

		// Only a now-orphaned visitor (zero remaining staff) needs
		// reassignment. assign.Engine.Reassign clears every subscription on
		// the visitor before assigning, which would wipe any other staff
		// still legitimately subscribed under max_staffs_in_chat > 1.
		remaining, err := h.room.Snapshot(ctx, vID)
		if err != nil {
			slog.Error("failed to read room snapshot after disable", "visitor", vID, "error", err)
			continue
		}
		if remaining != nil && len(remaining.Staffs) > 0 {
			continue
		}

		chosen, err := h.assigner.Reassign(ctx, orgID, vID, staffID)
		if err != nil {
			slog.Error("failed to reassign after staff disable", "visitor", vID, "error", err)
			continue
		}
		if chosen != "" {
			if err := h.room.AddStaff(ctx, vID, chosen, ""); err != nil {
				slog.Error("failed to add reassigned staff to room", "error", err)
			}
			h.notifyReassigned(ctx, chosen, vID)
		}
	}
	return nil
}

// notifyReassigned tells a staff member picked by an auto-reassignment
// (disable-triggered or C8's sweep) about their new chat: a direct fan-out
// plus in-app notification if they're online, a suppressed e-mail otherwise.
// Mirrors room.Manager.notifyAssigned and reassign.Timer.notifyChosen.
func (h *Hub) notifyReassigned(ctx context.Context, staffID, visitorID string) {
	online, err := h.bus.IsStaffOnline(ctx, staffID)
	if err != nil {
		online = false
	}
	if online {
		if err := h.bus.PublishDirect(ctx, staffID, EventStaffAutoAssignedChat, map[string]string{"visitor": visitorID}, ""); err == nil {
			metrics.NotificationsTotal.WithLabelValues("direct", "assignment").Inc()
		}
		if err := h.notifier.NotifyInApp(ctx, staffID, notify.CategoryNewAssignedChat, map[string]string{"visitor": visitorID}); err != nil {
			slog.Error("failed to persist in-app notification after reassign", "staff_id", staffID, "error", err)
		}
		return
	}
	staff, err := h.store.GetStaff(ctx, staffID)
	if err != nil || staff.Email == "" {
		return
	}
	if err := h.notifier.NotifyEmail(ctx, staff.Email, notify.CategoryNewAssignedChat,
		"You've been assigned a new chat",
		"You've been automatically assigned a visitor's chat."); err != nil {
		slog.Error("failed to enqueue email notification after reassign", "staff_id", staffID, "error", err)
	}
}

func (h *Hub) findSessionByIdentity(staffID string) (*Session, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, s := range h.sessions {
		if s.Identity.ID == staffID {
			return s, true
		}
	}
	return nil, false
}
