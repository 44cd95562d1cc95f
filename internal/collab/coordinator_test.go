package collab

import (
	"context"
	"encoding/json"
	"io"
	"log"
	"sync"
	"testing"

	"golang.org/x/time/rate"

	"github.com/ottopad/ottopad/internal/apool"
	"github.com/ottopad/ottopad/internal/pad"
	"github.com/ottopad/ottopad/internal/store"
)

type fakeConn struct {
	mu     sync.Mutex
	msgs   []interface{}
	closed bool
}

func (f *fakeConn) Send(v interface{}) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.msgs = append(f.msgs, v)
	return nil
}

func (f *fakeConn) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *fakeConn) isClosed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

func (f *fakeConn) messages() []interface{} {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]interface{}, len(f.msgs))
	copy(out, f.msgs)
	return out
}

// collabPayloads extracts the data of every COLLABROOM message received.
func (f *fakeConn) collabPayloads() []interface{} {
	var out []interface{}
	for _, m := range f.messages() {
		if sm, ok := m.(serverMessage); ok && sm.Type == "COLLABROOM" {
			out = append(out, sm.Data)
		}
	}
	return out
}

type fakeAccess map[string]string // token -> author id

func (f fakeAccess) CheckAccess(_ context.Context, _, _, token, _ string) (AccessResult, error) {
	if author, ok := f[token]; ok {
		return AccessResult{Status: AccessGrant, AuthorID: author}, nil
	}
	return AccessResult{Status: AccessDeny}, nil
}

// drain waits until every task already queued for padID has run.
func (c *Coordinator) drain(padID string) {
	done := make(chan struct{})
	c.enqueue(padID, func(context.Context) { close(done) })
	<-done
}

func newTestCoordinator(defaultText string, opts Options) *Coordinator {
	db := store.NewMemory()
	logger := log.New(io.Discard, "", 0)
	pads := pad.NewManager(db, logger, defaultText)
	access := fakeAccess{"t.x": "a.x", "t.y": "a.y"}
	if opts.RateLimit == 0 {
		opts.RateLimit = rate.Inf
	}
	return NewCoordinator(pads, access, logger, opts)
}

func mustJSON(t *testing.T, v interface{}) json.RawMessage {
	t.Helper()
	raw, err := json.Marshal(v)
	if err != nil {
		t.Fatal(err)
	}
	return raw
}

func readyMessage(padID, token string) Message {
	return Message{Type: "CLIENT_READY", PadID: padID, Token: token, ProtocolVersion: 2}
}

func userChangesMessage(t *testing.T, baseRev int, cs string, pool *apool.Pool) Message {
	t.Helper()
	return Message{Type: "COLLABROOM", Data: mustJSON(t, map[string]interface{}{
		"type":      "USER_CHANGES",
		"baseRev":   baseRev,
		"changeset": cs,
		"apool":     pool,
	})}
}

func connectReady(t *testing.T, c *Coordinator, padID, token string) (*Session, *fakeConn) {
	t.Helper()
	conn := &fakeConn{}
	s := c.Connect(conn, "10.0.0."+token, "")
	c.HandleMessage(s, readyMessage(padID, token))
	c.drain(padID)
	return s, conn
}

func TestClientVarsSnapshot(t *testing.T) {
	c := newTestCoordinator("hello", Options{})
	defer c.Shutdown()
	_, conn := connectReady(t, c, "demo", "t.x")

	msgs := conn.messages()
	if len(msgs) == 0 {
		t.Fatal("no messages received")
	}
	sm, ok := msgs[0].(serverMessage)
	if !ok || sm.Type != "CLIENT_VARS" {
		t.Fatalf("first message = %+v", msgs[0])
	}
	vars := sm.Data.(clientVars)
	if vars.CollabClientVars.Rev != 0 {
		t.Errorf("rev = %d", vars.CollabClientVars.Rev)
	}
	if vars.CollabClientVars.InitialAttributedText.Text != "hello\n" {
		t.Errorf("text = %q", vars.CollabClientVars.InitialAttributedText.Text)
	}
	if vars.UserID != "a.x" {
		t.Errorf("userId = %q", vars.UserID)
	}
	if !pad.IsReadOnlyID(vars.ReadOnlyID) {
		t.Errorf("readOnlyId = %q", vars.ReadOnlyID)
	}
	if len(vars.ColorPalette) == 0 {
		t.Error("empty color palette")
	}
}

func TestAccessDenied(t *testing.T) {
	c := newTestCoordinator("", Options{})
	defer c.Shutdown()
	conn := &fakeConn{}
	s := c.Connect(conn, "10.0.0.1", "")
	c.HandleMessage(s, readyMessage("demo", "t.unknown"))
	c.drain("demo")

	msgs := conn.messages()
	if len(msgs) != 1 {
		t.Fatalf("got %d messages", len(msgs))
	}
	if status, ok := msgs[0].(accessStatusMessage); !ok || status.AccessStatus != AccessDeny {
		t.Errorf("got %+v", msgs[0])
	}
	if !conn.isClosed() {
		t.Error("connection left open")
	}
}

func TestConcurrentInsertsConverge(t *testing.T) {
	c := newTestCoordinator("hello", Options{})
	defer c.Shutdown()
	sessX, connX := mustReady(t, c, "demo", "t.x")
	sessY, connY := mustReady(t, c, "demo", "t.y")

	// both clients insert at offset 5 of "hello\n", based on rev 0
	c.HandleMessage(sessX, userChangesMessage(t, 0, "Z:6>1=5+1$X", apool.New()))
	c.HandleMessage(sessY, userChangesMessage(t, 0, "Z:6>1=5+1$Y", apool.New()))
	c.drain("demo")

	p, err := c.pads.GetIfExists(context.Background(), "demo")
	if err != nil {
		t.Fatal(err)
	}
	if p.Text() != "helloXY\n" {
		t.Errorf("text = %q", p.Text())
	}
	if p.Head() != 2 {
		t.Errorf("head = %d", p.Head())
	}

	// submitter X: ACCEPT_COMMIT 1 then NEW_CHANGES 2
	wantRevs(t, connX, []int{1, 2})
	// observer Y: NEW_CHANGES 1 then ACCEPT_COMMIT 2
	wantRevs(t, connY, []int{1, 2})
}

func mustReady(t *testing.T, c *Coordinator, padID, token string) (*Session, *fakeConn) {
	t.Helper()
	s, conn := connectReady(t, c, padID, token)
	if s.State() != StateActive {
		t.Fatalf("session for %s not active", token)
	}
	return s, conn
}

// wantRevs checks that the revision numbers carried by ACCEPT_COMMIT and
// NEW_CHANGES arrive in exactly the given order.
func wantRevs(t *testing.T, conn *fakeConn, want []int) {
	t.Helper()
	var got []int
	for _, d := range conn.collabPayloads() {
		switch m := d.(type) {
		case acceptCommit:
			got = append(got, m.NewRev)
		case newChanges:
			got = append(got, m.NewRev)
		}
	}
	if len(got) != len(want) {
		t.Fatalf("revision messages %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("revision messages %v, want %v", got, want)
		}
	}
}

func TestOldLengthMismatchRejected(t *testing.T) {
	c := newTestCoordinator("hello", Options{})
	defer c.Shutdown()
	s, conn := mustReady(t, c, "demo", "t.x")

	c.HandleMessage(s, userChangesMessage(t, 0, "Z:3>1=2+1$Z", apool.New()))
	c.drain("demo")

	p, err := c.pads.GetIfExists(context.Background(), "demo")
	if err != nil {
		t.Fatal(err)
	}
	if p.Head() != 0 {
		t.Errorf("head advanced to %d", p.Head())
	}
	if !conn.isClosed() {
		t.Error("connection left open")
	}
	msgs := conn.messages()
	last := msgs[len(msgs)-1]
	if d, ok := last.(disconnectMessage); !ok || d.Disconnect != "badChangeset" {
		t.Errorf("last message = %+v", last)
	}
}

func TestRetransmissionIsNotAppliedTwice(t *testing.T) {
	c := newTestCoordinator("hello", Options{})
	defer c.Shutdown()
	s, conn := mustReady(t, c, "demo", "t.x")

	c.HandleMessage(s, userChangesMessage(t, 0, "Z:6>1=5+1$X", apool.New()))
	c.drain("demo")
	c.HandleMessage(s, userChangesMessage(t, 0, "Z:6>1=5+1$X", apool.New()))
	c.drain("demo")

	p, err := c.pads.GetIfExists(context.Background(), "demo")
	if err != nil {
		t.Fatal(err)
	}
	if p.Text() != "helloX\n" {
		t.Errorf("text = %q", p.Text())
	}
	if p.Head() != 1 {
		t.Errorf("head = %d", p.Head())
	}
	if conn.isClosed() {
		t.Error("retransmission disconnected the client")
	}
}

func TestBroadcastOrderIsMonotonic(t *testing.T) {
	c := newTestCoordinator("hello", Options{})
	defer c.Shutdown()
	sX, _ := mustReady(t, c, "demo", "t.x")
	_, connY := mustReady(t, c, "demo", "t.y")

	c.HandleMessage(sX, userChangesMessage(t, 0, "Z:6>1=5+1$A", apool.New()))
	c.HandleMessage(sX, userChangesMessage(t, 1, "Z:7>1=6+1$B", apool.New()))
	c.drain("demo")

	var revs []int
	for _, d := range connY.collabPayloads() {
		if m, ok := d.(newChanges); ok {
			revs = append(revs, m.NewRev)
		}
	}
	if len(revs) != 2 || revs[0] != 1 || revs[1] != 2 {
		t.Errorf("NEW_CHANGES order %v", revs)
	}
}

func TestDuplicateAuthorKicked(t *testing.T) {
	c := newTestCoordinator("", Options{})
	defer c.Shutdown()
	_, conn1 := mustReady(t, c, "demo", "t.x")
	_, conn2 := mustReady(t, c, "demo", "t.x")

	if !conn1.isClosed() {
		t.Error("first connection still open")
	}
	found := false
	for _, m := range conn1.messages() {
		if d, ok := m.(disconnectMessage); ok && d.Disconnect == "userdup" {
			found = true
		}
	}
	if !found {
		t.Error("no userdup signal")
	}
	if conn2.isClosed() {
		t.Error("second connection closed")
	}
}

func TestReadOnlySessionWritesDropped(t *testing.T) {
	c := newTestCoordinator("hello", Options{})
	defer c.Shutdown()
	ctx := context.Background()
	if _, err := c.pads.Get(ctx, "demo"); err != nil {
		t.Fatal(err)
	}
	roID, err := c.pads.ReadOnly.IDFor(ctx, "demo")
	if err != nil {
		t.Fatal(err)
	}

	s, conn := connectReady(t, c, roID, "t.x")
	c.drain("demo")
	if !s.IsReadOnly() {
		t.Fatal("session not read-only")
	}
	c.HandleMessage(s, userChangesMessage(t, 0, "Z:6>1=5+1$X", apool.New()))
	c.drain("demo")

	p, err := c.pads.GetIfExists(ctx, "demo")
	if err != nil {
		t.Fatal(err)
	}
	if p.Head() != 0 {
		t.Errorf("read-only session advanced head to %d", p.Head())
	}
	if conn.isClosed() {
		t.Error("read-only session disconnected")
	}
}

func TestAuthorImpersonationRejected(t *testing.T) {
	c := newTestCoordinator("hello", Options{})
	defer c.Shutdown()
	s, conn := mustReady(t, c, "demo", "t.x")

	wire := apool.New()
	wire.Put(apool.Attribute{Key: "author", Value: "a.someoneelse"})
	c.HandleMessage(s, userChangesMessage(t, 0, "Z:6>1=5*0+1$Z", wire))
	c.drain("demo")

	if !conn.isClosed() {
		t.Error("impersonating changeset accepted")
	}
	p, err := c.pads.GetIfExists(context.Background(), "demo")
	if err != nil {
		t.Fatal(err)
	}
	if p.Head() != 0 {
		t.Errorf("head advanced to %d", p.Head())
	}
}

func TestReconnectReplay(t *testing.T) {
	c := newTestCoordinator("hello", Options{})
	defer c.Shutdown()
	s, _ := mustReady(t, c, "demo", "t.x")
	c.HandleMessage(s, userChangesMessage(t, 0, "Z:6>1=5+1$A", apool.New()))
	c.HandleMessage(s, userChangesMessage(t, 1, "Z:7>1=6+1$B", apool.New()))
	c.drain("demo")
	c.Disconnect(s)
	c.drain("demo")

	conn := &fakeConn{}
	s2 := c.Connect(conn, "10.0.0.9", "")
	c.HandleMessage(s2, Message{
		Type: "CLIENT_READY", PadID: "demo", Token: "t.x",
		ProtocolVersion: 2, Reconnect: true, ClientRev: 0,
	})
	c.drain("demo")

	var revs []int
	for _, m := range conn.messages() {
		if sm, ok := m.(serverMessage); ok && sm.Type == "CLIENT_RECONNECT" {
			revs = append(revs, sm.Data.(clientReconnect).NewRev)
		}
	}
	if len(revs) != 2 || revs[0] != 1 || revs[1] != 2 {
		t.Errorf("replayed revisions %v", revs)
	}
}

func TestRateLimited(t *testing.T) {
	c := newTestCoordinator("", Options{RateLimit: 1, RateBurst: 1})
	defer c.Shutdown()
	conn := &fakeConn{}
	s := c.Connect(conn, "10.0.0.1", "")
	c.HandleMessage(s, readyMessage("demo", "t.x"))
	c.drain("demo")
	c.HandleMessage(s, Message{Type: "CLIENT_READY", PadID: "demo", Token: "t.x", ProtocolVersion: 2})

	if !conn.isClosed() {
		t.Error("flooding connection left open")
	}
	msgs := conn.messages()
	last := msgs[len(msgs)-1]
	if d, ok := last.(disconnectMessage); !ok || d.Disconnect != "rateLimited" {
		t.Errorf("last message = %+v", last)
	}
}

func TestChatBroadcast(t *testing.T) {
	c := newTestCoordinator("", Options{})
	defer c.Shutdown()
	sX, connX := mustReady(t, c, "demo", "t.x")
	_, connY := mustReady(t, c, "demo", "t.y")

	c.HandleMessage(sX, Message{Type: "COLLABROOM", Data: mustJSON(t, map[string]interface{}{
		"type": "CHAT_MESSAGE",
		"text": "hi there",
	})})
	c.drain("demo")

	for name, conn := range map[string]*fakeConn{"sender": connX, "other": connY} {
		found := false
		for _, d := range conn.collabPayloads() {
			if m, ok := d.(chatBroadcast); ok && m.Text == "hi there" && m.UserID == "a.x" {
				found = true
			}
		}
		if !found {
			t.Errorf("%s did not receive the chat message", name)
		}
	}

	p, err := c.pads.GetIfExists(context.Background(), "demo")
	if err != nil {
		t.Fatal(err)
	}
	if p.ChatHead() != 0 {
		t.Errorf("chatHead = %d", p.ChatHead())
	}
}

func TestTrailingNewlineRestored(t *testing.T) {
	c := newTestCoordinator("hello", Options{})
	defer c.Shutdown()
	s, _ := mustReady(t, c, "demo", "t.x")

	// remove the final newline; the coordinator appends a correction
	c.HandleMessage(s, userChangesMessage(t, 0, "Z:6<1=5|1-1$", apool.New()))
	c.drain("demo")

	p, err := c.pads.GetIfExists(context.Background(), "demo")
	if err != nil {
		t.Fatal(err)
	}
	if p.Text() != "hello\n" {
		t.Errorf("text = %q", p.Text())
	}
	if p.Head() != 2 {
		t.Errorf("head = %d", p.Head())
	}
}

func TestStrandedMarkerRemoved(t *testing.T) {
	c := newTestCoordinator("hello", Options{})
	defer c.Shutdown()
	s, _ := mustReady(t, c, "demo", "t.x")

	wire := apool.New()
	wire.Put(apool.Attribute{Key: "list", Value: "bullet1"})
	c.HandleMessage(s, userChangesMessage(t, 0, "Z:6>1=2*0+1$*", wire))
	c.drain("demo")

	p, err := c.pads.GetIfExists(context.Background(), "demo")
	if err != nil {
		t.Fatal(err)
	}
	if p.Text() != "hello\n" {
		t.Errorf("marker not removed: %q", p.Text())
	}
	if p.Head() != 2 {
		t.Errorf("head = %d", p.Head())
	}
}

func TestChangesetRequest(t *testing.T) {
	c := newTestCoordinator("hello", Options{})
	defer c.Shutdown()
	s, conn := mustReady(t, c, "demo", "t.x")
	for i := 0; i < 3; i++ {
		cs := userChangesMessage(t, i, changesetAppendAt(t, c, "x"), apool.New())
		c.HandleMessage(s, cs)
		c.drain("demo")
	}

	c.HandleMessage(s, Message{Type: "CHANGESET_REQ", Data: mustJSON(t, map[string]interface{}{
		"granularity": 1,
		"start":       0,
		"requestID":   "req1",
	})})
	c.drain("demo")

	var info changesetInfo
	found := false
	for _, m := range conn.messages() {
		if sm, ok := m.(serverMessage); ok && sm.Type == "CHANGESET_REQ" {
			info = sm.Data.(changesetInfo)
			found = true
		}
	}
	if !found {
		t.Fatal("no CHANGESET_REQ response")
	}
	if info.RequestID != "req1" {
		t.Errorf("requestID = %q", info.RequestID)
	}
	// head is 3, so buckets cover revisions 0..3
	if len(info.ForwardsChangesets) != 4 || len(info.BackwardsChangesets) != 4 {
		t.Errorf("got %d forwards, %d backwards", len(info.ForwardsChangesets), len(info.BackwardsChangesets))
	}
	if info.ActualEndNum != 4 {
		t.Errorf("actualEndNum = %d", info.ActualEndNum)
	}
	if len(info.TimeDeltas) != 4 {
		t.Errorf("got %d timeDeltas", len(info.TimeDeltas))
	}
}

// changesetAppendAt builds an insert of text just before the current final
// newline of pad demo.
func changesetAppendAt(t *testing.T, c *Coordinator, text string) string {
	t.Helper()
	p, err := c.pads.GetIfExists(context.Background(), "demo")
	if err != nil {
		t.Fatal(err)
	}
	cur := p.Text()
	return "Z:" + num36OrDie(t, len(cur)) + ">" + num36OrDie(t, len(text)) +
		"=" + num36OrDie(t, len(cur)-1) + "+" + num36OrDie(t, len(text)) + "$" + text
}

func num36OrDie(t *testing.T, n int) string {
	t.Helper()
	const digits = "0123456789abcdefghijklmnopqrstuvwxyz"
	if n == 0 {
		return "0"
	}
	var out []byte
	for n > 0 {
		out = append([]byte{digits[n%36]}, out...)
		n /= 36
	}
	return string(out)
}

func TestUserLeaveOnDisconnect(t *testing.T) {
	c := newTestCoordinator("", Options{})
	defer c.Shutdown()
	sX, _ := mustReady(t, c, "demo", "t.x")
	_, connY := mustReady(t, c, "demo", "t.y")

	c.Disconnect(sX)
	c.drain("demo")

	found := false
	for _, d := range connY.collabPayloads() {
		if m, ok := d.(userJoinOrUpdate); ok && m.Type == "USER_LEAVE" && m.UserInfo.UserID == "a.x" {
			found = true
		}
	}
	if !found {
		t.Error("no USER_LEAVE broadcast")
	}
	if got := len(c.reg.PadSessions("demo")); got != 1 {
		t.Errorf("%d sessions left on pad", got)
	}
}
