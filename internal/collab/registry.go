package collab

import "sync"

// Conn is the write side of one client connection. Send must be safe for
// concurrent use; Close may be called more than once.
type Conn interface {
	Send(v interface{}) error
	Close() error
}

// Session states. A session is registered on connect, becomes active after
// a successful CLIENT_READY and stays disconnected once removed.
type State int

const (
	StateAwaitingReady State = iota
	StateActive
	StateDisconnected
)

// Session is one client connection's coordinator-side state. The rev and
// time cursors track the last revision delivered to this client and are
// only touched by the owning pad's queue worker.
type Session struct {
	conn   Conn
	ip     string
	cookie string

	mu       sync.Mutex
	id       uint64
	state    State
	padID    string
	authorID string
	readOnly bool

	rev  int
	time int64
}

func (s *Session) ID() uint64 { return s.id }

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Session) PadID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.padID
}

func (s *Session) AuthorID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.authorID
}

func (s *Session) IsReadOnly() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.readOnly
}

func (s *Session) activate(padID, authorID string, readOnly bool) {
	s.mu.Lock()
	s.state = StateActive
	s.padID = padID
	s.authorID = authorID
	s.readOnly = readOnly
	s.mu.Unlock()
}

func (s *Session) markDisconnected() {
	s.mu.Lock()
	s.state = StateDisconnected
	s.mu.Unlock()
}

func (s *Session) send(v interface{}) error {
	return s.conn.Send(v)
}

// Registry holds every live session and an index of sessions per pad. The
// coordinator owns one and hands it to the queue workers explicitly; there
// is no ambient global.
type Registry struct {
	mu     sync.RWMutex
	nextID uint64
	all    map[uint64]*Session
	byPad  map[string]map[uint64]*Session
}

func NewRegistry() *Registry {
	return &Registry{
		all:   make(map[uint64]*Session),
		byPad: make(map[string]map[uint64]*Session),
	}
}

func (r *Registry) Add(conn Conn, ip, cookie string) *Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.nextID++
	s := &Session{
		conn:   conn,
		ip:     ip,
		cookie: cookie,
		id:     r.nextID,
		state:  StateAwaitingReady,
	}
	r.all[s.id] = s
	return s
}

// Join indexes an activated session under its pad.
func (r *Registry) Join(s *Session) {
	r.mu.Lock()
	defer r.mu.Unlock()
	padID := s.PadID()
	if r.byPad[padID] == nil {
		r.byPad[padID] = make(map[uint64]*Session)
	}
	r.byPad[padID][s.ID()] = s
}

func (r *Registry) Remove(s *Session) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.all, s.ID())
	if padID := s.PadID(); padID != "" {
		delete(r.byPad[padID], s.ID())
		if len(r.byPad[padID]) == 0 {
			delete(r.byPad, padID)
		}
	}
}

// PadSessions snapshots the sessions currently on a pad.
func (r *Registry) PadSessions(padID string) []*Session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Session, 0, len(r.byPad[padID]))
	for _, s := range r.byPad[padID] {
		out = append(out, s)
	}
	return out
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.all)
}
