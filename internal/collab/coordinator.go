// Package collab coordinates live editing sessions: it serializes edit
// application per pad through a single queue worker, rebases concurrent
// changesets with follow, and fans accepted revisions out to every session
// in strict revision order.
package collab

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/ottopad/ottopad/internal/apool"
	"github.com/ottopad/ottopad/internal/changeset"
	"github.com/ottopad/ottopad/internal/pad"
)

// Access check outcomes.
const (
	AccessGrant         = "grant"
	AccessDeny          = "deny"
	AccessNeedPassword  = "needPassword"
	AccessWrongPassword = "wrongPassword"
)

// AccessResult is the outcome of an authorization check. AuthorID is only
// meaningful when Status is grant.
type AccessResult struct {
	Status   string
	AuthorID string
}

// AccessChecker decides whether a token may join a pad. Anything but grant
// ends the connection attempt.
type AccessChecker interface {
	CheckAccess(ctx context.Context, padID, sessionCookie, token, password string) (AccessResult, error)
}

type Options struct {
	RateLimit   rate.Limit    // inbound messages per second per IP
	RateBurst   int
	QueueDepth  int           // buffered tasks per pad queue
	TaskTimeout time.Duration // storage budget for one queued task
	RecentChat  int           // chat entries included in CLIENT_VARS
}

func (o *Options) fillDefaults() {
	if o.RateLimit == 0 {
		o.RateLimit = 10
	}
	if o.RateBurst == 0 {
		o.RateBurst = 10
	}
	if o.QueueDepth == 0 {
		o.QueueDepth = 256
	}
	if o.TaskTimeout == 0 {
		o.TaskTimeout = 30 * time.Second
	}
	if o.RecentChat == 0 {
		o.RecentChat = 100
	}
}

// Coordinator owns the session registry and one FIFO task queue per active
// pad. Everything that reads or mutates a pad's head, pool or session
// cursors runs inside that pad's queue worker, so there is exactly one
// in-flight edit application per pad at a time.
type Coordinator struct {
	pads    *pad.Manager
	access  AccessChecker
	logger  *log.Logger
	reg     *Registry
	limiter *ipLimiter
	opts    Options

	mu     sync.Mutex
	queues map[string]chan func(context.Context)
}

func NewCoordinator(pads *pad.Manager, access AccessChecker, logger *log.Logger, opts Options) *Coordinator {
	opts.fillDefaults()
	return &Coordinator{
		pads:    pads,
		access:  access,
		logger:  logger,
		reg:     NewRegistry(),
		limiter: newIPLimiter(opts.RateLimit, opts.RateBurst),
		opts:    opts,
		queues:  make(map[string]chan func(context.Context)),
	}
}

func (c *Coordinator) Registry() *Registry { return c.reg }

// Connect registers a fresh connection. The session stays in awaiting-ready
// until its CLIENT_READY is accepted.
func (c *Coordinator) Connect(conn Conn, ip, sessionCookie string) *Session {
	return c.reg.Add(conn, ip, sessionCookie)
}

// Disconnect tears a session down and tells the pad's remaining sessions
// that the author left.
func (c *Coordinator) Disconnect(s *Session) {
	if s.State() == StateDisconnected {
		return
	}
	padID := s.PadID()
	if padID == "" {
		s.markDisconnected()
		c.reg.Remove(s)
		return
	}
	c.enqueue(padID, func(ctx context.Context) {
		c.removeSession(s, "")
	})
}

// HandleMessage dispatches one inbound message. Pad-scoped work is enqueued
// on the pad's queue; everything this method does itself is cheap.
func (c *Coordinator) HandleMessage(s *Session, m Message) {
	if s.State() == StateDisconnected {
		return
	}
	if !c.limiter.Allow(s.ip) {
		c.logger.Printf("session %d (%s): rate limited", s.ID(), s.ip)
		c.kickDirect(s, "rateLimited")
		return
	}

	switch m.Type {
	case "CLIENT_READY":
		padID, readOnly, err := c.resolvePadID(m.PadID)
		if err != nil {
			c.logger.Printf("session %d: CLIENT_READY for %q: %v", s.ID(), m.PadID, err)
			c.denyDirect(s, AccessDeny)
			return
		}
		c.enqueue(padID, func(ctx context.Context) {
			c.handleClientReady(ctx, s, m, padID, readOnly)
		})
	case "COLLABROOM":
		if s.State() != StateActive {
			c.logger.Printf("session %d: COLLABROOM before CLIENT_READY", s.ID())
			return
		}
		var d collabData
		if err := json.Unmarshal(m.Data, &d); err != nil {
			c.logger.Printf("session %d: bad COLLABROOM payload: %v", s.ID(), err)
			return
		}
		c.enqueue(s.PadID(), func(ctx context.Context) {
			c.handleCollabRoom(ctx, s, d)
		})
	case "CHANGESET_REQ":
		if s.State() != StateActive {
			return
		}
		var req changesetRequest
		if err := json.Unmarshal(m.Data, &req); err != nil {
			c.logger.Printf("session %d: bad CHANGESET_REQ payload: %v", s.ID(), err)
			return
		}
		c.enqueue(s.PadID(), func(ctx context.Context) {
			c.handleChangesetRequest(ctx, s, req)
		})
	default:
		c.logger.Printf("session %d: dropping message type %q", s.ID(), m.Type)
	}
}

// enqueue puts a task on padID's queue, starting the queue's worker on
// first use. Queues live until Shutdown; an idle worker costs a goroutine.
func (c *Coordinator) enqueue(padID string, task func(context.Context)) {
	c.mu.Lock()
	q, ok := c.queues[padID]
	if !ok {
		q = make(chan func(context.Context), c.opts.QueueDepth)
		c.queues[padID] = q
		go c.worker(q)
	}
	c.mu.Unlock()
	q <- task
}

func (c *Coordinator) worker(tasks chan func(context.Context)) {
	for task := range tasks {
		ctx, cancel := context.WithTimeout(context.Background(), c.opts.TaskTimeout)
		task(ctx)
		cancel()
	}
}

// Do runs fn inside padID's queue worker and waits for it, giving callers
// outside the message path (the HTTP API) the same single-writer guarantee
// as edits.
func (c *Coordinator) Do(padID string, fn func(ctx context.Context) error) error {
	errc := make(chan error, 1)
	c.enqueue(padID, func(ctx context.Context) {
		errc <- fn(ctx)
	})
	return <-errc
}

// SetPadText replaces a pad's text and fans the resulting revision out to
// its connected sessions.
func (c *Coordinator) SetPadText(padID, text, authorID string) (int, error) {
	var rev int
	err := c.Do(padID, func(ctx context.Context) error {
		p, err := c.pads.GetIfExists(ctx, padID)
		if err != nil {
			return err
		}
		rev, err = p.SetText(ctx, text, authorID)
		if err != nil {
			return err
		}
		c.updatePadClients(ctx, p)
		return nil
	})
	return rev, err
}

// RemovePad kicks every session off a pad and deletes it.
func (c *Coordinator) RemovePad(padID string) error {
	return c.Do(padID, func(ctx context.Context) error {
		for _, s := range c.reg.PadSessions(padID) {
			c.removeSession(s, "deleted")
		}
		return c.pads.Remove(ctx, padID)
	})
}

// Shutdown stops every queue worker. Pending tasks still drain.
func (c *Coordinator) Shutdown() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for id, q := range c.queues {
		close(q)
		delete(c.queues, id)
	}
}

func (c *Coordinator) resolvePadID(id string) (realID string, readOnly bool, err error) {
	if !pad.IsReadOnlyID(id) {
		if !pad.ValidPadID(id) {
			return "", false, fmt.Errorf("invalid pad id %q", id)
		}
		return id, false, nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), c.opts.TaskTimeout)
	defer cancel()
	realID, err = c.pads.ReadOnly.PadFor(ctx, id)
	if err != nil {
		return "", false, err
	}
	return realID, true, nil
}

// kickDirect disconnects a session from outside any queue worker.
func (c *Coordinator) kickDirect(s *Session, reason string) {
	if err := s.send(disconnectMessage{Disconnect: reason}); err != nil {
		c.logger.Printf("session %d: send failed: %v", s.ID(), err)
	}
	s.markDisconnected()
	c.reg.Remove(s)
	s.conn.Close()
}

func (c *Coordinator) denyDirect(s *Session, status string) {
	if err := s.send(accessStatusMessage{AccessStatus: status}); err != nil {
		c.logger.Printf("session %d: send failed: %v", s.ID(), err)
	}
	s.markDisconnected()
	c.reg.Remove(s)
	s.conn.Close()
}

// removeSession runs inside the pad's queue worker. reason is sent as a
// disconnect signal when non-empty; remaining sessions get USER_LEAVE.
func (c *Coordinator) removeSession(s *Session, reason string) {
	if s.State() == StateDisconnected {
		return
	}
	padID := s.PadID()
	authorID := s.AuthorID()
	if reason != "" {
		if err := s.send(disconnectMessage{Disconnect: reason}); err != nil {
			c.logger.Printf("session %d: send failed: %v", s.ID(), err)
		}
	}
	s.markDisconnected()
	c.reg.Remove(s)
	s.conn.Close()
	if padID == "" || authorID == "" {
		return
	}
	leave := serverMessage{Type: "COLLABROOM", Data: userJoinOrUpdate{
		Type:     "USER_LEAVE",
		UserInfo: userInfo{UserID: authorID},
	}}
	for _, other := range c.reg.PadSessions(padID) {
		if err := other.send(leave); err != nil {
			c.logger.Printf("session %d: send failed: %v", other.ID(), err)
		}
	}
}

func (c *Coordinator) handleClientReady(ctx context.Context, s *Session, m Message, padID string, readOnly bool) {
	if s.State() == StateDisconnected {
		return
	}
	if m.ProtocolVersion != 2 {
		c.logger.Printf("session %d: unsupported protocol version %d", s.ID(), m.ProtocolVersion)
		c.denyDirect(s, AccessDeny)
		return
	}
	res, err := c.access.CheckAccess(ctx, padID, s.cookie, m.Token, m.Password)
	if err != nil {
		c.logger.Printf("session %d: access check for %s: %v", s.ID(), padID, err)
		c.denyDirect(s, AccessDeny)
		return
	}
	if res.Status != AccessGrant {
		c.denyDirect(s, res.Status)
		return
	}

	// two live sessions for one author on one pad is a duplicate tab;
	// the older one is kicked
	for _, other := range c.reg.PadSessions(padID) {
		if other.ID() != s.ID() && other.AuthorID() == res.AuthorID {
			c.removeSession(other, "userdup")
		}
	}

	p, err := c.pads.Get(ctx, padID)
	if err != nil {
		c.logger.Printf("session %d: loading pad %s: %v", s.ID(), padID, err)
		c.kickDirect(s, "corruptPad")
		return
	}

	s.activate(padID, res.AuthorID, readOnly)
	s.rev = p.Head()
	if t, err := p.GetRevisionDate(ctx, p.Head()); err == nil {
		s.time = t
	}
	c.reg.Join(s)

	if m.Reconnect {
		c.replayMissedRevisions(ctx, s, p, m.ClientRev)
	} else if err := c.sendClientVars(ctx, s, p, readOnly); err != nil {
		c.logger.Printf("session %d: preparing snapshot of %s: %v", s.ID(), padID, err)
		c.removeSession(s, "corruptPad")
		return
	}

	c.announceUser(ctx, s, padID)
}

func (c *Coordinator) sendClientVars(ctx context.Context, s *Session, p *pad.Pad, readOnly bool) error {
	head := p.Head()
	headTime, err := p.GetRevisionDate(ctx, head)
	if err != nil {
		return err
	}
	roID, err := c.pads.ReadOnly.IDFor(ctx, p.ID)
	if err != nil {
		return err
	}
	chatStart := p.ChatHead() - c.opts.RecentChat + 1
	chat, err := p.GetChatMessages(ctx, chatStart, p.ChatHead())
	if err != nil {
		return err
	}
	vars := clientVars{
		CollabClientVars: collabClientVars{
			InitialAttributedText: p.AText(),
			Apool:                 p.Pool().Copy(),
			Rev:                   head,
			Time:                  headTime,
			PadID:                 p.ID,
		},
		UserID:         s.AuthorID(),
		ReadOnly:       readOnly,
		ReadOnlyID:     roID,
		ColorPalette:   pad.ColorPalette(),
		PadID:          p.ID,
		ChatHead:       p.ChatHead(),
		RecentChat:     chat,
		SavedRevisions: p.SavedRevisions(),
	}
	if rec, err := c.pads.Authors.Get(ctx, s.AuthorID()); err == nil {
		vars.UserName = rec.Name
		vars.UserColor = rec.ColorID
	}
	return s.send(serverMessage{Type: "CLIENT_VARS", Data: vars})
}

// replayMissedRevisions re-sends clientRev+1..head one revision at a time,
// each re-encoded against a fresh wire pool.
func (c *Coordinator) replayMissedRevisions(ctx context.Context, s *Session, p *pad.Pad, clientRev int) {
	head := p.Head()
	if clientRev < -1 || clientRev > head {
		c.logger.Printf("session %d: reconnect at impossible rev %d (head %d)", s.ID(), clientRev, head)
		c.removeSession(s, "badChangeset")
		return
	}
	if clientRev == head {
		if err := s.send(serverMessage{Type: "CLIENT_RECONNECT", Data: clientReconnect{
			Type: "CLIENT_RECONNECT", HeadRev: head, NewRev: head, NoChanges: true,
		}}); err != nil {
			c.logger.Printf("session %d: send failed: %v", s.ID(), err)
		}
		return
	}
	prevTime := int64(0)
	if t, err := p.GetRevisionDate(ctx, clientRev); err == nil {
		prevTime = t
	}
	for r := clientRev + 1; r <= head; r++ {
		cs, err := p.GetRevisionChangeset(ctx, r)
		if err == nil {
			var author string
			var when int64
			author, err = p.GetRevisionAuthor(ctx, r)
			if err == nil {
				when, err = p.GetRevisionDate(ctx, r)
			}
			if err == nil {
				var wireCS string
				var wirePool *apool.Pool
				wireCS, wirePool, err = changeset.PrepareForWire(cs, p.Pool())
				if err == nil {
					err = s.send(serverMessage{Type: "CLIENT_RECONNECT", Data: clientReconnect{
						Type:        "CLIENT_RECONNECT",
						HeadRev:     head,
						NewRev:      r,
						Changeset:   wireCS,
						Apool:       wirePool,
						Author:      author,
						CurrentTime: when,
						TimeDelta:   when - prevTime,
					}})
					prevTime = when
				}
			}
		}
		if err != nil {
			c.logger.Printf("session %d: replaying rev %d of %s: %v", s.ID(), r, p.ID, err)
			c.removeSession(s, "corruptPad")
			return
		}
		s.rev = r
		s.time = prevTime
	}
}

// announceUser introduces the new session to the pad and the pad's existing
// users to the new session.
func (c *Coordinator) announceUser(ctx context.Context, s *Session, padID string) {
	self := c.userInfoFor(ctx, s.AuthorID())
	join := serverMessage{Type: "COLLABROOM", Data: userJoinOrUpdate{Type: "USER_NEWINFO", UserInfo: self}}
	for _, other := range c.reg.PadSessions(padID) {
		if other.ID() == s.ID() {
			continue
		}
		if err := other.send(join); err != nil {
			c.logger.Printf("session %d: send failed: %v", other.ID(), err)
		}
		if err := s.send(serverMessage{Type: "COLLABROOM", Data: userJoinOrUpdate{
			Type:     "USER_NEWINFO",
			UserInfo: c.userInfoFor(ctx, other.AuthorID()),
		}}); err != nil {
			c.logger.Printf("session %d: send failed: %v", s.ID(), err)
		}
	}
}

func (c *Coordinator) userInfoFor(ctx context.Context, authorID string) userInfo {
	info := userInfo{UserID: authorID}
	if rec, err := c.pads.Authors.Get(ctx, authorID); err == nil {
		info.Name = rec.Name
		info.ColorID = rec.ColorID
	}
	return info
}

func (c *Coordinator) handleCollabRoom(ctx context.Context, s *Session, d collabData) {
	if s.State() != StateActive {
		return
	}
	if s.IsReadOnly() && d.Type != "GET_CHAT_MESSAGES" {
		c.logger.Printf("session %d: dropping %s write on read-only pad %s", s.ID(), d.Type, s.PadID())
		return
	}
	p, err := c.pads.GetIfExists(ctx, s.PadID())
	if err != nil {
		c.logger.Printf("session %d: loading pad %s: %v", s.ID(), s.PadID(), err)
		c.removeSession(s, "corruptPad")
		return
	}
	switch d.Type {
	case "USER_CHANGES":
		c.handleUserChanges(ctx, s, p, d)
	case "CHAT_MESSAGE":
		c.handleChatMessage(ctx, s, p, d.Text)
	case "GET_CHAT_MESSAGES":
		msgs, err := p.GetChatMessages(ctx, d.Start, d.End)
		if err != nil {
			c.logger.Printf("session %d: reading chat of %s: %v", s.ID(), p.ID, err)
			return
		}
		if err := s.send(serverMessage{Type: "COLLABROOM", Data: chatMessages{Type: "CHAT_MESSAGES", Messages: msgs}}); err != nil {
			c.logger.Printf("session %d: send failed: %v", s.ID(), err)
		}
	case "SAVE_REVISION":
		if _, err := p.AddSavedRevision(ctx, p.Head(), s.AuthorID(), ""); err != nil {
			c.logger.Printf("session %d: saving revision of %s: %v", s.ID(), p.ID, err)
		}
	case "USERINFO_UPDATE":
		c.handleUserInfoUpdate(ctx, s, d.UserInfo)
	default:
		c.logger.Printf("session %d: dropping COLLABROOM type %q", s.ID(), d.Type)
	}
}

func (c *Coordinator) handleChatMessage(ctx context.Context, s *Session, p *pad.Pad, text string) {
	msg := pad.ChatMessage{Text: text, AuthorID: s.AuthorID(), Time: time.Now().UnixMilli()}
	if _, err := p.AppendChatMessage(ctx, msg); err != nil {
		c.logger.Printf("session %d: appending chat to %s: %v", s.ID(), p.ID, err)
		return
	}
	name := ""
	if rec, err := c.pads.Authors.Get(ctx, s.AuthorID()); err == nil {
		name = rec.Name
	}
	out := serverMessage{Type: "COLLABROOM", Data: chatBroadcast{
		Type:     "CHAT_MESSAGE",
		Text:     text,
		UserID:   msg.AuthorID,
		UserName: name,
		Time:     msg.Time,
	}}
	for _, sess := range c.reg.PadSessions(p.ID) {
		if err := sess.send(out); err != nil {
			c.logger.Printf("session %d: send failed: %v", sess.ID(), err)
		}
	}
}

func (c *Coordinator) handleUserInfoUpdate(ctx context.Context, s *Session, info *userInfo) {
	if info == nil {
		return
	}
	if info.Name != "" {
		if err := c.pads.Authors.SetName(ctx, s.AuthorID(), info.Name); err != nil {
			c.logger.Printf("session %d: setting name: %v", s.ID(), err)
			return
		}
	}
	if err := c.pads.Authors.SetColorID(ctx, s.AuthorID(), info.ColorID); err != nil {
		c.logger.Printf("session %d: setting color: %v", s.ID(), err)
		return
	}
	out := serverMessage{Type: "COLLABROOM", Data: userJoinOrUpdate{
		Type:     "USERINFO_UPDATE",
		UserInfo: userInfo{UserID: s.AuthorID(), Name: info.Name, ColorID: info.ColorID},
	}}
	for _, other := range c.reg.PadSessions(s.PadID()) {
		if other.ID() == s.ID() {
			continue
		}
		if err := other.send(out); err != nil {
			c.logger.Printf("session %d: send failed: %v", other.ID(), err)
		}
	}
}

// handleUserChanges validates, rebases and appends one submitted changeset.
// Any invariant violation is fatal to the edit and disconnects the
// submitter with badChangeset; the pad is left untouched.
func (c *Coordinator) handleUserChanges(ctx context.Context, s *Session, p *pad.Pad, d collabData) {
	reject := func(err error) {
		c.logger.Printf("session %d: rejecting changeset on %s: %v", s.ID(), p.ID, err)
		c.removeSession(s, "badChangeset")
	}

	if d.Apool == nil {
		reject(errors.New("missing wire pool"))
		return
	}
	cs := d.Changeset
	if err := changeset.CheckRep(cs); err != nil {
		reject(err)
		return
	}

	// every attribute must resolve in the wire pool, and any author
	// attribute must name the submitting author
	var attrErr error
	err := changeset.EachAttribNumber(cs, func(num int) {
		attr, ok := d.Apool.Get(num)
		if !ok {
			if attrErr == nil {
				attrErr = fmt.Errorf("attribute %d missing from wire pool", num)
			}
			return
		}
		if attr.Key == "author" && attr.Value != "" && attr.Value != s.AuthorID() {
			if attrErr == nil {
				attrErr = fmt.Errorf("author attribute %q does not match session author %q", attr.Value, s.AuthorID())
			}
		}
	})
	if err == nil {
		err = attrErr
	}
	if err != nil {
		reject(err)
		return
	}

	cs, err = changeset.MoveOpsToNewPool(cs, d.Apool, p.Pool())
	if err != nil {
		reject(err)
		return
	}

	// rebase over every revision committed since the client's base
	baseRev := d.BaseRev
	if baseRev < 0 || baseRev > p.Head() {
		reject(fmt.Errorf("base revision %d out of range (head %d)", baseRev, p.Head()))
		return
	}
	for r := baseRev + 1; r <= p.Head(); r++ {
		committed, err := p.GetRevisionChangeset(ctx, r)
		if err != nil {
			reject(err)
			return
		}
		author, err := p.GetRevisionAuthor(ctx, r)
		if err != nil {
			reject(err)
			return
		}
		if committed == cs && author == s.AuthorID() {
			// the client retransmitted an edit that already
			// committed; follow an identity instead of applying
			// it twice
			u, err := changeset.Unpack(cs)
			if err != nil {
				reject(err)
				return
			}
			cs = changeset.Identity(u.OldLen)
		}
		cs, err = changeset.Follow(committed, cs, false, p.Pool())
		if err != nil {
			reject(err)
			return
		}
	}

	oldLen, err := changeset.OldLen(cs)
	if err != nil {
		reject(err)
		return
	}
	if oldLen != len(p.Text()) {
		reject(fmt.Errorf("changeset old length %d does not match document length %d", oldLen, len(p.Text())))
		return
	}

	if _, err := p.AppendRevision(ctx, cs, s.AuthorID()); err != nil {
		c.logger.Printf("session %d: appending revision to %s: %v", s.ID(), p.ID, err)
		c.removeSession(s, "badChangeset")
		return
	}

	c.correctPad(ctx, p)
	c.updatePadClients(ctx, p)
}

// correctPad cleans up after an accepted edit: line markers stranded
// mid-line are removed and a missing final newline is restored, each as a
// follow-up revision authored by nobody.
func (c *Coordinator) correctPad(ctx context.Context, p *pad.Pad) {
	if fix, ok := strandedMarkerFix(p.AText(), p.Pool()); ok {
		if _, err := p.AppendRevision(ctx, fix, ""); err != nil {
			c.logger.Printf("pad %s: marker correction: %v", p.ID, err)
		}
	}
	if text := p.Text(); !strings.HasSuffix(text, "\n") {
		fix := changeset.MakeSplice(text, len(text), 0, "\n")
		if _, err := p.AppendRevision(ctx, fix, ""); err != nil {
			c.logger.Printf("pad %s: newline correction: %v", p.ID, err)
		}
	}
}

// strandedMarkerFix builds a changeset deleting every char that carries a
// list line-marker attribute but no longer sits at the start of a line.
func strandedMarkerFix(atext changeset.AText, pool *apool.Pool) (string, bool) {
	var offsets []int
	pos := 0
	iter := changeset.NewOpIter(atext.Attribs)
	for iter.Next() {
		op := iter.Op()
		marker := false
		nums, err := changeset.DecodeAttribString(op.Attribs)
		if err != nil {
			return "", false
		}
		for _, num := range nums {
			if attr, ok := pool.Get(num); ok && attr.Key == "list" && attr.Value != "" {
				marker = true
				break
			}
		}
		if marker {
			for i := 0; i < op.Chars; i++ {
				at := pos + i
				if at > 0 && atext.Text[at-1] != '\n' {
					offsets = append(offsets, at)
				}
			}
		}
		pos += op.Chars
	}
	if iter.Err() != nil || len(offsets) == 0 {
		return "", false
	}
	b := changeset.NewBuilder(len(atext.Text))
	prev := 0
	for _, at := range offsets {
		b.KeepText(atext.Text[prev:at], "")
		lines := 0
		if atext.Text[at] == '\n' {
			lines = 1
		}
		b.Remove(1, lines)
		prev = at + 1
	}
	return b.String(), true
}

type revInfo struct {
	cs     string
	author string
	time   int64
}

// updatePadClients walks every session on the pad forward to head, one
// revision at a time. The submitter of a revision gets ACCEPT_COMMIT,
// everyone else NEW_CHANGES; each session's rev cursor only ever moves by
// one, so no session observes r+1 before r.
func (c *Coordinator) updatePadClients(ctx context.Context, p *pad.Pad) {
	cache := make(map[int]revInfo)
	for _, sess := range c.reg.PadSessions(p.ID) {
		for sess.rev < p.Head() {
			r := sess.rev + 1
			info, ok := cache[r]
			if !ok {
				cs, err := p.GetRevisionChangeset(ctx, r)
				if err == nil {
					info.cs = cs
					info.author, err = p.GetRevisionAuthor(ctx, r)
				}
				if err == nil {
					info.time, err = p.GetRevisionDate(ctx, r)
				}
				if err != nil {
					c.logger.Printf("pad %s: reading rev %d: %v", p.ID, r, err)
					return
				}
				cache[r] = info
			}
			if info.author != "" && info.author == sess.AuthorID() {
				if err := sess.send(serverMessage{Type: "COLLABROOM", Data: acceptCommit{Type: "ACCEPT_COMMIT", NewRev: r}}); err != nil {
					c.logger.Printf("session %d: send failed: %v", sess.ID(), err)
				}
			} else {
				wireCS, wirePool, err := changeset.PrepareForWire(info.cs, p.Pool())
				if err != nil {
					c.logger.Printf("pad %s: wire-encoding rev %d: %v", p.ID, r, err)
					return
				}
				if err := sess.send(serverMessage{Type: "COLLABROOM", Data: newChanges{
					Type:        "NEW_CHANGES",
					NewRev:      r,
					Changeset:   wireCS,
					Apool:       wirePool,
					Author:      info.author,
					CurrentTime: info.time,
					TimeDelta:   info.time - sess.time,
				}}); err != nil {
					c.logger.Printf("session %d: send failed: %v", sess.ID(), err)
				}
			}
			sess.rev = r
			sess.time = info.time
		}
	}
}
