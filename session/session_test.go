package session

import (
	"bytes"
	"context"
	"math/rand"
	"net"
	"testing"
	"time"

	"github.com/netsys-lab/bittorrent-over-scion/bitfield"
	"github.com/netsys-lab/bittorrent-over-scion/bterrors"
	"github.com/netsys-lab/bittorrent-over-scion/handshake"
	"github.com/netsys-lab/bittorrent-over-scion/message"
	"github.com/netsys-lab/bittorrent-over-scion/storage"
	"github.com/netsys-lab/bittorrent-over-scion/torrentfile"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const blockSize = 16 * 1024

var (
	leechID = [20]byte{'l', 'e', 'e', 'c', 'h'}
	seedID  = [20]byte{'s', 'e', 'e', 'd'}
)

func testTorrent(t *testing.T, size, pieceLength int) (*torrentfile.TorrentFile, []byte) {
	t.Helper()
	content := make([]byte, size)
	rand.New(rand.NewSource(int64(size))).Read(content)
	meta, err := torrentfile.Create("content.bin", content, pieceLength)
	require.NoError(t, err)
	return &meta, content
}

func openStore(t *testing.T, meta *torrentfile.TorrentFile, content []byte) storage.Store {
	t.Helper()
	store, err := storage.Open(meta, t.TempDir(), nil)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	if content == nil {
		return store
	}
	for i := 0; i < meta.NumPieces(); i++ {
		begin, end := meta.PieceBounds(i)
		res, err := store.Put(i, content[begin:end])
		require.NoError(t, err)
		require.Equal(t, storage.Verified, res)
	}
	return store
}

func blocks(meta *torrentfile.TorrentFile) []message.Request {
	var reqs []message.Request
	for i := 0; i < meta.NumPieces(); i++ {
		size := meta.PieceSize(i)
		for begin := 0; begin < size; begin += blockSize {
			length := blockSize
			if begin+length > size {
				length = size - begin
			}
			reqs = append(reqs, message.Request{Index: i, Begin: begin, Length: length})
		}
	}
	return reqs
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.HandshakeTimeout = 2 * time.Second
	cfg.WriteTimeout = 2 * time.Second
	return cfg
}

func waitEvent(t *testing.T, events <-chan Event, match func(Event) bool) Event {
	t.Helper()
	timeout := time.After(5 * time.Second)
	for {
		select {
		case e := <-events:
			if match(e) {
				return e
			}
		case <-timeout:
			t.Fatal("timed out waiting for session event")
			return nil
		}
	}
}

func isUnchoke(e Event) bool {
	c, ok := e.(ChokeEvent)
	return ok && !c.Choked
}

func isClosed(e Event) bool {
	_, ok := e.(ClosedEvent)
	return ok
}

func runSession(ctx context.Context, s *Session) <-chan error {
	errs := make(chan error, 1)
	go func() { errs <- s.Run(ctx) }()
	return errs
}

func waitErr(t *testing.T, errs <-chan error) error {
	t.Helper()
	select {
	case err := <-errs:
		return err
	case <-time.After(5 * time.Second):
		t.Fatal("session did not stop")
		return nil
	}
}

// fakePeer answers the handshake and then records what the session sends
type fakePeer struct {
	conn net.Conn
	msgs chan *message.Message
}

func newFakePeer(t *testing.T, conn net.Conn, infoHash [20]byte) *fakePeer {
	t.Helper()
	require.NoError(t, conn.SetDeadline(time.Now().Add(2*time.Second)))
	_, err := handshake.Read(conn)
	require.NoError(t, err)
	_, err = conn.Write(handshake.New(infoHash, seedID).Serialize())
	require.NoError(t, err)
	require.NoError(t, conn.SetDeadline(time.Time{}))

	p := &fakePeer{conn: conn, msgs: make(chan *message.Message, 64)}
	go func() {
		for {
			msg, err := message.Read(conn)
			if err != nil {
				close(p.msgs)
				return
			}
			if msg != nil {
				p.msgs <- msg
			}
		}
	}()
	return p
}

func (p *fakePeer) send(t *testing.T, msg *message.Message) {
	t.Helper()
	_, err := p.conn.Write(msg.Serialize())
	require.NoError(t, err)
}

func (p *fakePeer) expect(t *testing.T, id message.MsgID) *message.Message {
	t.Helper()
	timeout := time.After(5 * time.Second)
	for {
		select {
		case msg, ok := <-p.msgs:
			require.True(t, ok, "connection closed while waiting for %s", id)
			if msg.ID == id {
				return msg
			}
		case <-timeout:
			t.Fatalf("no %s message", id)
			return nil
		}
	}
}

func TestSessionDownload(t *testing.T) {
	meta, content := testTorrent(t, 100*1024, 32*1024)
	leechStore := openStore(t, meta, nil)
	seedStore := openStore(t, meta, content)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	c1, c2 := net.Pipe()
	leechEvents := make(chan Event, 64)
	seedEvents := make(chan Event, 64)
	leech := New(c1, "seed", meta, leechStore, leechID, leechEvents, testConfig())
	leechErrs := runSession(ctx, leech)

	remote, err := handshake.Read(c2)
	require.NoError(t, err)
	assert.Equal(t, leechID, remote.PeerID)
	seed := NewInbound(c2, "leech", remote, meta, seedStore, seedID, seedEvents, testConfig())
	seedErrs := runSession(ctx, seed)

	ready := waitEvent(t, leechEvents, func(e Event) bool { _, ok := e.(ReadyEvent); return ok }).(ReadyEvent)
	assert.Equal(t, seedID, ready.PeerID)
	bf := waitEvent(t, leechEvents, func(e Event) bool { _, ok := e.(BitfieldEvent); return ok }).(BitfieldEvent)
	assert.Equal(t, meta.NumPieces(), bf.Bitfield.Count(meta.NumPieces()))
	waitEvent(t, leechEvents, isUnchoke)

	t.Run("requests are issued up to the cap", func(t *testing.T) {
		reqs := blocks(meta)
		for _, req := range reqs {
			assert.True(t, leech.Request(req), "request %s", req)
		}
		assert.False(t, leech.Request(reqs[0]), "duplicate request")
		assert.Equal(t, len(reqs), leech.InFlight())
	})

	t.Run("blocks arrive with the served content", func(t *testing.T) {
		got := make([]byte, len(content))
		for range blocks(meta) {
			ev := waitEvent(t, leechEvents, func(e Event) bool { _, ok := e.(BlockEvent); return ok }).(BlockEvent)
			begin, _ := meta.PieceBounds(ev.Request.Index)
			copy(got[begin+ev.Request.Begin:], ev.Data)
		}
		assert.True(t, bytes.Equal(content, got))
		assert.Equal(t, 0, leech.InFlight())
		assert.Equal(t, Idle, leech.State())
	})

	t.Run("have updates the peer bitfield", func(t *testing.T) {
		seed.SendHave(2)
		ev := waitEvent(t, leechEvents, func(e Event) bool { _, ok := e.(HaveEvent); return ok }).(HaveEvent)
		assert.Equal(t, 2, ev.Index)
	})

	leech.Close()
	assert.ErrorIs(t, waitErr(t, leechErrs), ErrClosed)
	assert.Equal(t, Closed, leech.State())
	waitErr(t, seedErrs)
	closed := waitEvent(t, seedEvents, isClosed).(ClosedEvent)
	assert.Error(t, closed.Err)
}

func TestSessionHandshakeMismatch(t *testing.T) {
	meta, _ := testTorrent(t, 40*1024, 32*1024)
	c1, c2 := net.Pipe()
	events := make(chan Event, 8)
	s := New(c1, "peer", meta, openStore(t, meta, nil), leechID, events, testConfig())
	errs := runSession(context.Background(), s)

	_, err := handshake.Read(c2)
	require.NoError(t, err)
	other := [20]byte{9, 9, 9}
	_, err = c2.Write(handshake.New(other, seedID).Serialize())
	require.NoError(t, err)

	err = waitErr(t, errs)
	assert.Equal(t, bterrors.KindProtocolViolation, bterrors.KindOf(err))
	assert.Equal(t, Closed, s.State())
	closed := waitEvent(t, events, isClosed).(ClosedEvent)
	assert.Equal(t, err, closed.Err)
}

func TestSessionRequestTimeout(t *testing.T) {
	meta, _ := testTorrent(t, 64*1024, 32*1024)
	cfg := testConfig()
	cfg.RequestTimeout = 50 * time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	c1, c2 := net.Pipe()
	events := make(chan Event, 16)
	s := New(c1, "silent", meta, openStore(t, meta, nil), leechID, events, cfg)
	errs := runSession(ctx, s)

	peer := newFakePeer(t, c2, meta.InfoHash)
	peer.expect(t, message.MsgInterested)
	peer.send(t, message.FormatBitfield(bitfield.Full(meta.NumPieces())))
	peer.send(t, &message.Message{ID: message.MsgUnchoke})
	waitEvent(t, events, isUnchoke)

	req := message.Request{Index: 1, Begin: 0, Length: blockSize}
	require.True(t, s.Request(req))
	assert.Equal(t, Requesting, s.State())
	assert.Equal(t, req, peer.expect(t, message.MsgRequest).Request())

	ev := waitEvent(t, events, func(e Event) bool { _, ok := e.(TimeoutEvent); return ok }).(TimeoutEvent)
	assert.Equal(t, req, ev.Request)
	assert.Equal(t, req, peer.expect(t, message.MsgCancel).Request())
	assert.Equal(t, 0, s.InFlight())
	assert.Equal(t, Idle, s.State())

	t.Run("late block is ignored", func(t *testing.T) {
		peer.send(t, message.FormatPiece(1, 0, make([]byte, blockSize)))
		peer.send(t, &message.Message{ID: message.MsgUnchoke})
		waitEvent(t, events, func(e Event) bool {
			_, block := e.(BlockEvent)
			require.False(t, block, "late block was delivered")
			return isUnchoke(e)
		})
		assert.Equal(t, 0, s.InFlight())
	})

	cancel()
	assert.ErrorIs(t, waitErr(t, errs), ErrClosed)
}

func TestSessionChokeDropsRequests(t *testing.T) {
	meta, _ := testTorrent(t, 64*1024, 32*1024)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	c1, c2 := net.Pipe()
	events := make(chan Event, 16)
	s := New(c1, "choker", meta, openStore(t, meta, nil), leechID, events, testConfig())
	errs := runSession(ctx, s)

	peer := newFakePeer(t, c2, meta.InfoHash)
	assert.False(t, s.Request(message.Request{Index: 0, Begin: 0, Length: blockSize}), "choked peers get no requests")

	peer.send(t, message.FormatHave(0))
	peer.send(t, &message.Message{ID: message.MsgUnchoke})
	waitEvent(t, events, isUnchoke)
	assert.False(t, s.Request(message.Request{Index: 1, Begin: 0, Length: blockSize}), "peer lacks piece 1")
	require.True(t, s.Request(message.Request{Index: 0, Begin: 0, Length: blockSize}))
	require.True(t, s.Request(message.Request{Index: 0, Begin: blockSize, Length: blockSize}))

	peer.send(t, &message.Message{ID: message.MsgChoke})
	ev := waitEvent(t, events, func(e Event) bool { c, ok := e.(ChokeEvent); return ok && c.Choked }).(ChokeEvent)
	assert.Len(t, ev.Dropped, 2)
	assert.Equal(t, 0, s.InFlight())
	assert.True(t, s.Choked())

	t.Run("pending requests are reported on close", func(t *testing.T) {
		peer.send(t, &message.Message{ID: message.MsgUnchoke})
		waitEvent(t, events, isUnchoke)
		require.True(t, s.Request(message.Request{Index: 0, Begin: 0, Length: blockSize}))
		cancel()
		assert.ErrorIs(t, waitErr(t, errs), ErrClosed)
		closed := waitEvent(t, events, isClosed).(ClosedEvent)
		assert.Equal(t, []message.Request{{Index: 0, Begin: 0, Length: blockSize}}, closed.Pending)
	})
}

func TestSessionProtocolViolations(t *testing.T) {
	meta, content := testTorrent(t, 64*1024, 32*1024)

	tests := []struct {
		name string
		msg  *message.Message
	}{
		{"request out of range", message.FormatRequest(message.Request{Index: 99, Begin: 0, Length: blockSize})},
		{"request past piece end", message.FormatRequest(message.Request{Index: 0, Begin: 30 * 1024, Length: blockSize})},
		{"have out of range", message.FormatHave(5)},
		{"bitfield of wrong size", message.FormatBitfield(bitfield.New(64))},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c1, c2 := net.Pipe()
			events := make(chan Event, 16)
			s := New(c1, "rogue", meta, openStore(t, meta, content), seedID, events, testConfig())
			errs := runSession(context.Background(), s)

			peer := newFakePeer(t, c2, meta.InfoHash)
			peer.expect(t, message.MsgBitfield)
			peer.send(t, tt.msg)

			err := waitErr(t, errs)
			assert.Equal(t, bterrors.KindProtocolViolation, bterrors.KindOf(err), "%v", err)
			assert.Equal(t, Closed, s.State())
		})
	}

	t.Run("request for missing piece", func(t *testing.T) {
		c1, c2 := net.Pipe()
		events := make(chan Event, 16)
		s := New(c1, "rogue", meta, openStore(t, meta, nil), leechID, events, testConfig())
		errs := runSession(context.Background(), s)

		peer := newFakePeer(t, c2, meta.InfoHash)
		peer.send(t, message.FormatRequest(message.Request{Index: 0, Begin: 0, Length: blockSize}))
		assert.Equal(t, bterrors.KindProtocolViolation, bterrors.KindOf(waitErr(t, errs)))
	})
}

func TestSessionKeepAliveTimeout(t *testing.T) {
	meta, _ := testTorrent(t, 64*1024, 32*1024)
	cfg := testConfig()
	cfg.KeepAliveTimeout = 100 * time.Millisecond
	c1, c2 := net.Pipe()
	events := make(chan Event, 16)
	s := New(c1, "quiet", meta, openStore(t, meta, nil), leechID, events, cfg)
	errs := runSession(context.Background(), s)

	newFakePeer(t, c2, meta.InfoHash)
	err := waitErr(t, errs)
	assert.ErrorIs(t, err, bterrors.ErrTimeout)
}
