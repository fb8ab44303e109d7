package bus

import (
	"errors"
	"reflect"
	"strings"
	"testing"

	"github.com/danmuck/sigbus/internal/protocol/sasl"
	"github.com/danmuck/sigbus/internal/protocol/wire"
	"github.com/danmuck/sigbus/internal/router"
	"github.com/danmuck/sigbus/internal/services"
	"github.com/danmuck/sigbus/internal/testutil/testlog"
)

func TestBootstrapWaitsForServiceOwner(t *testing.T) {
	testlog.Start(t)
	var got [][]any
	obs := &recorder{}
	cfg := DefaultConfig()
	cfg.Host = ""
	cfg.Auth.UID = 1000
	cfg.Observer = obs
	cfg.OnSignal = func(body []any) { got = append(got, body) }
	b := newFakeBus(t, cfg)
	b.open()

	if b.host != "bus.test" || b.port != 4700 {
		t.Fatalf("connected to %s:%d", b.host, b.port)
	}
	if len(b.authLines) != 1 || string(b.authLines[0]) != "\x00AUTH EXTERNAL 31303030\r\n" {
		t.Fatalf("auth lines=%q", b.authLines)
	}

	b.reply(b.expect("Hello"), "s", ":1.5")
	if b.conn.UniqueName() != ":1.5" || b.conn.State() != StateSessionOpen {
		t.Fatalf("unique=%q state=%s", b.conn.UniqueName(), b.conn.State())
	}

	hasOwner := b.expect("NameHasOwner")
	if hasOwner.Body[0] != "org.asamk.Signal" {
		t.Fatalf("NameHasOwner body=%v", hasOwner.Body)
	}
	b.reply(hasOwner, "b", false)

	addOwners := b.expect("AddMatch")
	if !strings.Contains(addOwners.Body[0].(string), "member='NameOwnerChanged'") {
		t.Fatalf("AddMatch rule=%v", addOwners.Body)
	}
	b.reply(addOwners, "")

	b.signal(services.DBus.BusName, services.DBus, "NameOwnerChanged", "sss", "org.other", "", ":1.7")
	if msgs := b.sent(); len(msgs) != 0 {
		t.Fatalf("client reacted to unrelated owner change: %v", msgs)
	}
	b.signal(services.DBus.BusName, services.DBus, "NameOwnerChanged", "sss", "org.asamk.Signal", "", ":1.9")

	b.reply(b.expect("RemoveMatch"), "")
	b.reply(b.expect("GetNameOwner"), "s", ":1.9")
	if b.conn.TargetOwner() != ":1.9" || b.conn.State() != StateServiceResolved {
		t.Fatalf("owner=%q state=%s", b.conn.TargetOwner(), b.conn.State())
	}

	addSignal := b.expect("AddMatch")
	want := "type='signal',sender=':1.9',interface='org.asamk.Signal',member='MessageReceived',path='/org/asamk/Signal'"
	if addSignal.Body[0] != want {
		t.Fatalf("AddMatch rule=%v\nwant=%s", addSignal.Body[0], want)
	}
	b.reply(addSignal, "")
	if tasks := b.conn.Tasks(); len(tasks) != 0 {
		t.Fatalf("tasks still running: %v", tasks)
	}

	b.signal(":1.9", services.Signal, "MessageReceived", "xsaysas",
		int64(1700000000000), "+15550001111", []byte{}, "hi", []string{})
	b.signal(":1.66", services.Signal, "MessageReceived", "xsaysas",
		int64(1700000000001), "+15550002222", []byte{}, "spoofed", []string{})
	if len(got) != 1 || got[0][3] != "hi" {
		t.Fatalf("delivered=%v", got)
	}
	if obs.unhandled != 1 {
		t.Fatalf("unhandled=%d want 1 (spoofed sender)", obs.unhandled)
	}
	wantStates := []State{StateAuthenticating, StateAuthenticated, StateSessionOpen, StateServiceResolved}
	if !reflect.DeepEqual(obs.states, wantStates) {
		t.Fatalf("states=%v want %v", obs.states, wantStates)
	}
}

func TestBootstrapWithServiceAlreadyOwned(t *testing.T) {
	testlog.Start(t)
	cfg := DefaultConfig()
	cfg.Host = ""
	cfg.Obey = false
	b := newFakeBus(t, cfg)
	b.open()
	b.reply(b.expect("Hello"), "s", ":1.2")
	b.reply(b.expect("NameHasOwner"), "b", true)
	b.reply(b.expect("GetNameOwner"), "s", ":1.3")
	if b.conn.State() != StateServiceResolved {
		t.Fatalf("state=%s", b.conn.State())
	}
	if msgs := b.sent(); len(msgs) != 0 {
		t.Fatalf("obey disabled but client sent %v", msgs)
	}
	if len(b.conn.Tasks()) != 0 || len(b.conn.Subscriptions()) != 0 {
		t.Fatalf("tasks=%v subs=%v", b.conn.Tasks(), b.conn.Subscriptions())
	}
}

func TestBytesAfterAuthLineReachTheParser(t *testing.T) {
	testlog.Start(t)
	b := newFakeBus(t, Config{Obey: false})
	if err := b.conn.Open(); err != nil {
		t.Fatalf("open: %v", err)
	}
	hello := &wire.Message{Kind: wire.KindMethodCall, Serial: 1}
	ret := wire.NewMethodReturn(hello, "s", ":1.44")
	ret.Serial = 1
	frame, err := ret.Marshal()
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	b.conn.DataReceived(append([]byte("OK 99\r\n"), frame...))
	if b.conn.UniqueName() != ":1.44" || b.conn.GUID() != "99" {
		t.Fatalf("unique=%q guid=%q", b.conn.UniqueName(), b.conn.GUID())
	}
	b.expect("Hello")
	b.expect("NameHasOwner")
}

func TestAuthFallsBackToAnonymous(t *testing.T) {
	testlog.Start(t)
	obs := &recorder{}
	b := newFakeBus(t, Config{Auth: sasl.Config{Trace: "x"}, Observer: obs})
	if err := b.conn.Open(); err != nil {
		t.Fatalf("open: %v", err)
	}
	b.conn.DataReceived([]byte("REJECTED ANONYMOUS\r\n"))
	if len(b.authLines) != 2 || string(b.authLines[1]) != "AUTH ANONYMOUS 78\r\n" {
		t.Fatalf("auth lines=%q", b.authLines)
	}
	if b.conn.State() != StateAuthenticating {
		t.Fatalf("state=%s", b.conn.State())
	}
	b.conn.DataReceived([]byte("OK\r\n"))
	if b.conn.State() != StateAuthenticated || obs.authOK != 1 {
		t.Fatalf("state=%s authOK=%d", b.conn.State(), obs.authOK)
	}
	b.expect("Hello")
}

func TestAuthRejectionClosesConnection(t *testing.T) {
	testlog.Start(t)
	var reason error
	closed := 0
	b := newFakeBus(t, Config{OnClosed: func(err error) { closed++; reason = err }})
	if err := b.conn.Open(); err != nil {
		t.Fatalf("open: %v", err)
	}
	b.conn.DataReceived([]byte("REJECTED DBUS_COOKIE_SHA1\r\n"))
	isClosedWith(t, b.conn, ErrAuth)
	var authErr *sasl.AuthError
	if !errors.As(reason, &authErr) || closed != 1 || b.closes != 1 {
		t.Fatalf("reason=%v closed=%d transport closes=%d", reason, closed, b.closes)
	}
	b.conn.DataReceived([]byte("OK\r\n"))
	if closed != 1 {
		t.Fatalf("closed hook ran again")
	}
}

func TestMalformedFrameClosesConnection(t *testing.T) {
	testlog.Start(t)
	b := newFakeBus(t, Config{})
	b.open()
	b.conn.DataReceived([]byte{'Q', 2, 0, 1, 0, 0, 0, 0, 1, 0, 0, 0, 0, 0, 0, 0})
	isClosedWith(t, b.conn, ErrProtocol)
	var pe *wire.ProtocolError
	if !errors.As(b.conn.Err(), &pe) || !errors.Is(b.conn.Err(), wire.ErrBadEndian) {
		t.Fatalf("reason=%v", b.conn.Err())
	}
	if b.conn.Pending() != 0 || len(b.conn.Tasks()) != 0 {
		t.Fatalf("state survived teardown: pending=%d tasks=%v", b.conn.Pending(), b.conn.Tasks())
	}
}

func TestCloseFailsPendingCalls(t *testing.T) {
	testlog.Start(t)
	b := newFakeBus(t, Config{})
	b.open()
	b.expect("Hello")
	extra, err := b.conn.CallMethod("dbus", "ListNames", "")
	if err != nil {
		t.Fatalf("call: %v", err)
	}
	if b.conn.Pending() != 2 {
		t.Fatalf("pending=%d want 2", b.conn.Pending())
	}
	if err := b.conn.Close(nil); err != nil {
		t.Fatalf("close: %v", err)
	}
	if !errors.Is(extra.Err(), router.ErrConnectionClosed) {
		t.Fatalf("extra err=%v", extra.Err())
	}
	if b.conn.Pending() != 0 {
		t.Fatalf("pending=%d after close", b.conn.Pending())
	}
	if _, err := b.conn.Call(services.ListNames()); !errors.Is(err, ErrClosed) {
		t.Fatalf("call after close: %v", err)
	}
	if err := b.conn.Close(errors.New("again")); err != nil || b.closes != 1 || b.conn.Err() != nil {
		t.Fatalf("second close err=%v closes=%d reason=%v", err, b.closes, b.conn.Err())
	}
}

func TestCloseOrder(t *testing.T) {
	testlog.Start(t)
	b := newFakeBus(t, Config{})
	b.open()
	b.expect("Hello")
	if _, _, err := b.conn.Subscribe(services.Signal.Rule("", "MessageReceived"), nil); err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	var order []string
	fut, err := b.conn.Call(services.ListNames())
	if err != nil {
		t.Fatalf("call: %v", err)
	}
	fut.OnDone(func(*router.Future) {
		if len(b.conn.Tasks()) == 0 || b.conn.Router().Filters.Len() == 0 {
			t.Errorf("replies must fail before tasks and subscriptions go")
		}
		order = append(order, "replies")
	})
	b.onClose = func() {
		if b.conn.Pending() != 0 || len(b.conn.Tasks()) != 0 || b.conn.Router().Filters.Len() != 0 {
			t.Errorf("transport released before state was cleared")
		}
		order = append(order, "transport")
	}
	b.conn.Close(errors.New("bye"))
	if !reflect.DeepEqual(order, []string{"replies", "transport"}) {
		t.Fatalf("order=%v", order)
	}
}

func TestTaskFailureIsIsolated(t *testing.T) {
	testlog.Start(t)
	obs := &recorder{}
	b := newFakeBus(t, Config{Observer: obs})
	b.open()
	b.expect("Hello")

	boom := b.conn.Spawn("boom", func() (Yield, error) { return Next, errors.New("boom") })
	panicky := b.conn.Spawn("panicky", func() (Yield, error) { panic("kaboom") })
	var names []string
	var list *router.Future
	lister := b.conn.Spawn("lister",
		func() (Yield, error) {
			f, err := b.conn.Call(services.ListNames())
			list = f
			return Await(f), err
		},
		func() (Yield, error) {
			msg, err := list.Result()
			if err != nil {
				return Next, err
			}
			names, err = services.ReplyStrings(msg)
			return Next, err
		},
	)
	if !boom.Done() || boom.Err() == nil {
		t.Fatalf("boom done=%v err=%v", boom.Done(), boom.Err())
	}
	if !errors.Is(panicky.Err(), ErrTaskPanic) {
		t.Fatalf("panicky err=%v", panicky.Err())
	}
	if lister.Done() {
		t.Fatalf("lister finished before its reply")
	}
	b.reply(b.expect("ListNames"), "as", []string{"org.freedesktop.DBus", "org.asamk.Signal"})
	if !lister.Done() || lister.Err() != nil || len(names) != 2 {
		t.Fatalf("lister done=%v err=%v names=%v", lister.Done(), lister.Err(), names)
	}
	if b.conn.State() == StateClosed {
		t.Fatalf("task failures closed the connection")
	}
	if !reflect.DeepEqual(obs.failed, []string{"boom", "panicky"}) {
		t.Fatalf("failed=%v", obs.failed)
	}
}

func TestErrorReplyOnlyFailsItsCall(t *testing.T) {
	testlog.Start(t)
	b := newFakeBus(t, Config{})
	b.open()
	b.expect("Hello")
	fut, err := b.conn.CallMethod("Signal", "getContactName", "s", "+1")
	if err != nil {
		t.Fatalf("call: %v", err)
	}
	b.replyError(b.expect("getContactName"), "org.asamk.Signal.Error.Failure", "unknown contact")
	var ce *router.CallError
	if !errors.As(fut.Err(), &ce) || ce.Message != "unknown contact" {
		t.Fatalf("err=%v", fut.Err())
	}
	if b.conn.State() == StateClosed || b.conn.Pending() != 1 {
		t.Fatalf("state=%s pending=%d", b.conn.State(), b.conn.Pending())
	}
	if _, err := b.conn.CallMethod("nope", "x", ""); !errors.Is(err, services.ErrUnknownService) {
		t.Fatalf("unknown node err=%v", err)
	}
}

func TestSendBeforeAuthentication(t *testing.T) {
	b := newFakeBus(t, Config{})
	if err := b.conn.Send(services.Hello()); !errors.Is(err, ErrNotAuthenticated) {
		t.Fatalf("send before open: %v", err)
	}
	if err := b.conn.Open(); err != nil {
		t.Fatalf("open: %v", err)
	}
	if err := b.conn.Open(); !errors.Is(err, ErrAlreadyOpen) {
		t.Fatalf("second open: %v", err)
	}
	if _, err := b.conn.Call(services.Hello()); !errors.Is(err, ErrNotAuthenticated) {
		t.Fatalf("call during auth: %v", err)
	}
}

func TestEncodeFailureIsFatal(t *testing.T) {
	testlog.Start(t)
	b := newFakeBus(t, Config{})
	b.open()
	bad := services.Signal.Call("sendMessage", "sass", "only-one")
	if _, err := b.conn.Call(bad); !errors.Is(err, ErrProtocol) || !errors.Is(err, wire.ErrSignatureMismatch) {
		t.Fatalf("err=%v", err)
	}
	isClosedWith(t, b.conn, ErrProtocol)
}

func TestWriteFailureIsFatal(t *testing.T) {
	b := newFakeBus(t, Config{})
	b.open()
	b.writeErr = errors.New("broken pipe")
	fut, err := b.conn.Call(services.ListNames())
	if !errors.Is(err, ErrTransport) {
		t.Fatalf("err=%v", err)
	}
	if !errors.Is(fut.Err(), router.ErrConnectionClosed) {
		t.Fatalf("future err=%v", fut.Err())
	}
	isClosedWith(t, b.conn, ErrTransport)
}

func TestConnectionLost(t *testing.T) {
	b := newFakeBus(t, Config{})
	b.open()
	b.conn.ConnectionLost(nil)
	isClosedWith(t, b.conn, ErrTransport)
}

func TestDisconnectRemovesMatchesThenCloses(t *testing.T) {
	testlog.Start(t)
	cfg := DefaultConfig()
	cfg.Host = ""
	b := newFakeBus(t, cfg)
	b.open()
	b.reply(b.expect("Hello"), "s", ":1.2")
	b.reply(b.expect("NameHasOwner"), "b", true)
	b.reply(b.expect("GetNameOwner"), "s", ":1.3")
	b.reply(b.expect("AddMatch"), "")

	task := b.conn.Disconnect()
	remove := b.expect("RemoveMatch")
	if !strings.Contains(remove.Body[0].(string), "sender=':1.3'") {
		t.Fatalf("RemoveMatch rule=%v", remove.Body)
	}
	if task.Done() || b.conn.State() == StateClosed {
		t.Fatalf("closed before RemoveMatch reply")
	}
	b.reply(remove, "")
	if !task.Done() || task.Err() != nil {
		t.Fatalf("disconnect done=%v err=%v", task.Done(), task.Err())
	}
	isClosedWith(t, b.conn, nil)
	if b.closes != 1 {
		t.Fatalf("transport closes=%d", b.closes)
	}
}

func TestSignalHandlerPanicIsContained(t *testing.T) {
	testlog.Start(t)
	cfg := DefaultConfig()
	cfg.Host = ""
	cfg.OnSignal = func([]any) { panic("host bug") }
	b := newFakeBus(t, cfg)
	b.open()
	b.reply(b.expect("Hello"), "s", ":1.2")
	b.reply(b.expect("NameHasOwner"), "b", true)
	b.reply(b.expect("GetNameOwner"), "s", ":1.3")
	b.reply(b.expect("AddMatch"), "")
	b.signal(":1.3", services.Signal, "MessageReceived", "xsaysas",
		int64(1), "+1", []byte{}, "hi", []string{})
	if b.conn.State() != StateServiceResolved {
		t.Fatalf("state=%s", b.conn.State())
	}
}

func TestRetryAndAll(t *testing.T) {
	b := newFakeBus(t, Config{})
	b.open()
	b.expect("Hello")
	first, second := router.NewFuture(), router.NewFuture()
	tries := 0
	task := b.conn.Spawn("retry",
		func() (Yield, error) {
			tries++
			if tries < 3 {
				return Retry(first), nil
			}
			return Await(All(first, second)), nil
		},
	)
	if tries != 1 || task.Done() {
		t.Fatalf("tries=%d done=%v", tries, task.Done())
	}
	first.Resolve(nil)
	b.conn.DataReceived(nil)
	if tries != 3 || task.Done() {
		t.Fatalf("tries=%d done=%v", tries, task.Done())
	}
	second.Resolve(nil)
	b.conn.DataReceived(nil)
	if !task.Done() || task.Err() != nil {
		t.Fatalf("done=%v err=%v", task.Done(), task.Err())
	}
}
