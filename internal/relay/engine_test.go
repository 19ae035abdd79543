package relay

import (
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/manpreetbhatti/boardify/backend/internal/event"
	"github.com/manpreetbhatti/boardify/backend/internal/room"
	"github.com/manpreetbhatti/boardify/backend/internal/session"
)

// Records every frame it is sent
type fakePeer struct {
	id     session.ID
	mu     sync.Mutex
	frames []event.Envelope
	fail   bool
}

func newFakePeer(id string) *fakePeer {
	return &fakePeer{id: session.ID(id)}
}

func (p *fakePeer) ID() session.ID { return p.id }

func (p *fakePeer) Send(data []byte) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.fail {
		return false
	}
	var env event.Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		panic(err)
	}
	p.frames = append(p.frames, env)
	return true
}

func (p *fakePeer) setFail(fail bool) {
	p.mu.Lock()
	p.fail = fail
	p.mu.Unlock()
}

func (p *fakePeer) received() []event.Envelope {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]event.Envelope, len(p.frames))
	copy(out, p.frames)
	return out
}

func (p *fakePeer) reset() {
	p.mu.Lock()
	p.frames = nil
	p.mu.Unlock()
}

// Blocks inside the next Send after hold until release is called
type gatedPeer struct {
	*fakePeer
	armed   atomic.Bool
	entered chan struct{}
	gate    chan struct{}
}

func newGatedPeer(id string) *gatedPeer {
	return &gatedPeer{
		fakePeer: newFakePeer(id),
		entered:  make(chan struct{}),
		gate:     make(chan struct{}),
	}
}

func (p *gatedPeer) hold()    { p.armed.Store(true) }
func (p *gatedPeer) release() { close(p.gate) }

func (p *gatedPeer) Send(data []byte) bool {
	if p.armed.CompareAndSwap(true, false) {
		close(p.entered)
		<-p.gate
	}
	return p.fakePeer.Send(data)
}

func history(t *testing.T, env event.Envelope) []event.Segment {
	t.Helper()
	require.Equal(t, event.KindHistory, env.Type)
	var segs []event.Segment
	require.NoError(t, json.Unmarshal(env.Data, &segs))
	return segs
}

func stroke(t *testing.T, env event.Envelope) event.Segment {
	t.Helper()
	require.Equal(t, event.KindStroke, env.Type)
	var seg event.Segment
	require.NoError(t, json.Unmarshal(env.Data, &seg))
	return seg
}

func newEngine() *Engine {
	return NewEngine(room.NewStore(), session.NewRegistry(), nil)
}

func frame(t *testing.T, kind event.Kind, payload interface{}) []byte {
	t.Helper()
	data, err := json.Marshal(payload)
	require.NoError(t, err)
	out, err := json.Marshal(event.Envelope{Type: kind, Data: data})
	require.NoError(t, err)
	return out
}

func seg(key string, x float64) event.Segment {
	return event.Segment{RoomKey: key, X0: x, Y0: x, X1: x + 10, Y1: x + 10, Color: "#000000", Width: 5, Mode: event.ModeDraw}
}

func TestJoinClearScenario(t *testing.T) {
	e := newEngine()
	peerA, peerB, peerC := newFakePeer("a"), newFakePeer("b"), newFakePeer("c")
	a, b, c := e.Connect(peerA), e.Connect(peerB), e.Connect(peerC)

	require.NoError(t, a.Handle(frame(t, event.KindJoin, "abc1234")))
	got := peerA.received()
	require.Len(t, got, 1)
	assert.Empty(t, history(t, got[0]))

	first := event.Segment{RoomKey: "abc1234", X0: 0, Y0: 0, X1: 10, Y1: 10, Color: "#000000", Width: 5, Mode: event.ModeDraw}
	require.NoError(t, a.Handle(frame(t, event.KindStroke, first)))

	require.NoError(t, b.Handle(frame(t, event.KindJoin, "abc1234")))
	got = peerB.received()
	require.Len(t, got, 1)
	assert.Equal(t, []event.Segment{first}, history(t, got[0]))

	require.NoError(t, a.Handle(frame(t, event.KindClear, "abc1234")))
	got = peerB.received()
	require.Len(t, got, 2)
	assert.Equal(t, event.KindClear, got[1].Type)
	assert.Empty(t, got[1].Data)

	require.NoError(t, c.Handle(frame(t, event.KindJoin, "abc1234")))
	got = peerC.received()
	require.Len(t, got, 1)
	assert.Empty(t, history(t, got[0]))

	// A never hears its own stroke or clear
	assert.Len(t, peerA.received(), 1)
}

func TestStateTransitions(t *testing.T) {
	e := newEngine()
	c := e.Connect(newFakePeer("a"))

	st, key := c.State()
	assert.Equal(t, StateUnjoined, st)
	assert.Empty(t, key)

	c.Join("one")
	st, key = c.State()
	assert.Equal(t, StateJoined, st)
	assert.Equal(t, "one", key)

	c.Join("two")
	st, key = c.State()
	assert.Equal(t, StateJoined, st)
	assert.Equal(t, "two", key)

	c.Close()
	st, _ = c.State()
	assert.Equal(t, StateClosed, st)
	assert.Equal(t, "closed", st.String())

	assert.ErrorIs(t, c.Handle(frame(t, event.KindJoin, "one")), ErrClosed)
	assert.NotPanics(t, c.Close)
}

func TestSelfExclusion(t *testing.T) {
	e := newEngine()
	peers := make([]*fakePeer, 4)
	conns := make([]*Conn, 4)
	for i := range peers {
		peers[i] = newFakePeer(fmt.Sprintf("p%d", i))
		conns[i] = e.Connect(peers[i])
		conns[i].Join("r")
		peers[i].reset()
	}

	for i, c := range conns {
		c.Stroke(seg("r", float64(i)))
	}
	conns[0].Clear("r")

	for i, p := range peers {
		for _, env := range p.received() {
			if env.Type == event.KindStroke {
				assert.NotEqual(t, float64(i), stroke(t, env).X0, "peer %d received its own stroke", i)
			}
		}
	}
	assert.Len(t, peers[0].received(), 3)
	for _, p := range peers[1:] {
		assert.Len(t, p.received(), 4)
	}
}

func TestRoomsAreIsolated(t *testing.T) {
	e := newEngine()
	peerA, peerB := newFakePeer("a"), newFakePeer("b")
	a, b := e.Connect(peerA), e.Connect(peerB)
	a.Join("red")
	b.Join("blue")
	peerA.reset()
	peerB.reset()

	a.Stroke(seg("red", 1))
	a.Clear("red")
	b.Stroke(seg("blue", 2))

	assert.Empty(t, peerA.received())
	assert.Empty(t, peerB.received())
	assert.Empty(t, e.Store().Snapshot("red"))
	assert.Len(t, e.Store().Snapshot("blue"), 1)
}

func TestStrokeUsesSegmentRoomKey(t *testing.T) {
	e := newEngine()
	peerA, peerB, peerC := newFakePeer("a"), newFakePeer("b"), newFakePeer("c")
	a, b, c := e.Connect(peerA), e.Connect(peerB), e.Connect(peerC)
	a.Join("mine")
	b.Join("mine")
	c.Join("theirs")
	peerB.reset()
	peerC.reset()

	a.Stroke(seg("theirs", 7))

	assert.Empty(t, peerB.received())
	got := peerC.received()
	require.Len(t, got, 1)
	assert.Equal(t, "theirs", stroke(t, got[0]).RoomKey)
	assert.Empty(t, e.Store().Snapshot("mine"))
	assert.Len(t, e.Store().Snapshot("theirs"), 1)

	st, key := a.State()
	assert.Equal(t, StateJoined, st)
	assert.Equal(t, "mine", key)
}

func TestStrokeBeforeJoinIsRelayed(t *testing.T) {
	e := newEngine()
	peerB := newFakePeer("b")
	a, b := e.Connect(newFakePeer("a")), e.Connect(peerB)
	b.Join("r")
	peerB.reset()

	a.Stroke(seg("r", 1))

	assert.Len(t, peerB.received(), 1)
	assert.Len(t, e.Store().Snapshot("r"), 1)
}

func TestRejoinLeavesOldAudience(t *testing.T) {
	e := newEngine()
	peerA := newFakePeer("a")
	a, b := e.Connect(peerA), e.Connect(newFakePeer("b"))
	a.Join("old")
	b.Join("old")
	b.Stroke(seg("old", 1))

	a.Join("new")
	peerA.reset()

	b.Stroke(seg("old", 2))
	b.Clear("old")
	assert.Empty(t, peerA.received())
}

func TestRejoinWaitsForOldRoomFanOut(t *testing.T) {
	for run := 0; run < 20; run++ {
		e := newEngine()
		e.Store().Append("B", seg("B", 1))

		mover := newFakePeer("mover")
		slow := newGatedPeer("slow")
		x, g, s := e.Connect(mover), e.Connect(slow), e.Connect(newFakePeer("sender"))
		x.Join("A")
		g.Join("A")
		s.Join("A")
		mover.reset()

		slow.hold()
		cleared := make(chan struct{})
		go func() {
			defer close(cleared)
			s.Clear("A")
		}()
		<-slow.entered

		joined := make(chan struct{})
		go func() {
			defer close(joined)
			x.Join("B")
		}()

		select {
		case <-joined:
			t.Fatalf("run %d: join to B completed while a fan-out in A was still running", run)
		case <-time.After(20 * time.Millisecond):
		}

		slow.release()
		<-cleared
		<-joined

		got := mover.received()
		require.NotEmpty(t, got)
		last := got[len(got)-1]
		assert.Len(t, history(t, last), 1, "run %d: history of B must be the last frame", run)
		for _, env := range got[:len(got)-1] {
			assert.Equal(t, event.KindClear, env.Type)
		}
	}
}

func TestRejoinSendsNewRoomHistory(t *testing.T) {
	e := newEngine()
	e.Store().Append("second", seg("second", 1))
	e.Store().Append("second", seg("second", 2))

	peer := newFakePeer("a")
	c := e.Connect(peer)
	c.Join("first")
	c.Join("second")

	got := peer.received()
	require.Len(t, got, 2)
	assert.Empty(t, history(t, got[0]))
	assert.Len(t, history(t, got[1]), 2)
}

func TestMalformedEventsDropped(t *testing.T) {
	e := newEngine()
	peerA, peerB := newFakePeer("a"), newFakePeer("b")
	a, b := e.Connect(peerA), e.Connect(peerB)
	a.Join("r")
	b.Join("r")
	peerB.reset()

	bad := [][]byte{
		[]byte(`not json`),
		[]byte(`{"type":"drawing","data":{"roomKey":"r","x0":0}}`),
		[]byte(`{"type":"drawing","data":{"roomKey":"r","x0":0,"y0":0,"x1":1,"y1":1,"color":"#000","width":0,"mode":"draw"}}`),
		[]byte(`{"type":"clear"}`),
		[]byte(`{"type":"nope"}`),
	}
	for _, data := range bad {
		assert.Error(t, a.Handle(data))
	}

	assert.Empty(t, peerB.received())
	assert.Empty(t, e.Store().Snapshot("r"))

	// The connection keeps working
	require.NoError(t, a.Handle(frame(t, event.KindStroke, seg("r", 1))))
	assert.Len(t, peerB.received(), 1)
}

func TestFailedPeerDoesNotAffectOthers(t *testing.T) {
	e := newEngine()
	peerB, peerC := newFakePeer("b"), newFakePeer("c")
	a, b, c := e.Connect(newFakePeer("a")), e.Connect(peerB), e.Connect(peerC)
	a.Join("r")
	b.Join("r")
	c.Join("r")
	peerB.reset()
	peerC.reset()

	peerB.setFail(true)
	assert.NotPanics(t, func() { a.Stroke(seg("r", 1)) })
	assert.Len(t, peerC.received(), 1)

	b.Close()
	assert.NotPanics(t, func() { a.Stroke(seg("r", 2)) })
	assert.Len(t, peerC.received(), 2)
	assert.Len(t, e.Store().Snapshot("r"), 2)
}

func TestDisconnectUnregisters(t *testing.T) {
	e := newEngine()
	a := e.Connect(newFakePeer("a"))
	a.Join("r")
	require.Equal(t, 1, e.Sessions().Count())

	a.Close()
	assert.Equal(t, 0, e.Sessions().Count())
	assert.Empty(t, e.Sessions().MembersOf("r", ""))
}

func TestLateJoinerNoGapNoDuplicate(t *testing.T) {
	const total = 500

	e := newEngine()
	writer := e.Connect(newFakePeer("writer"))
	writer.Join("r")

	peer := newFakePeer("late")
	late := e.Connect(peer)

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		for i := 0; i < total; i++ {
			writer.Stroke(seg("r", float64(i)))
		}
	}()
	go func() {
		defer wg.Done()
		late.Join("r")
	}()
	wg.Wait()

	got := peer.received()
	require.NotEmpty(t, got)

	seen := history(t, got[0])
	for _, env := range got[1:] {
		seen = append(seen, stroke(t, env))
	}

	require.Len(t, seen, total)
	for i, s := range seen {
		assert.Equal(t, float64(i), s.X0, "segment %d out of order", i)
	}
	assert.Equal(t, e.Store().Snapshot("r"), seen)
}

func TestConcurrentWritersKeepPerRoomOrder(t *testing.T) {
	e := newEngine()
	observer := newFakePeer("observer")
	e.Connect(observer).Join("r")
	observer.reset()

	var wg sync.WaitGroup
	for w := 0; w < 8; w++ {
		c := e.Connect(newFakePeer(fmt.Sprintf("w%d", w)))
		c.Join("r")
		wg.Add(1)
		go func(w int, c *Conn) {
			defer wg.Done()
			for i := 0; i < 50; i++ {
				c.Stroke(seg("r", float64(w*1000+i)))
			}
		}(w, c)
	}
	wg.Wait()

	var relayed []event.Segment
	for _, env := range observer.received() {
		relayed = append(relayed, stroke(t, env))
	}
	assert.Equal(t, e.Store().Snapshot("r"), relayed, "broadcast order must match log order")
}
