package wire

import (
	"errors"
	"reflect"
	"testing"
)

func streamOfThree(t *testing.T) []byte {
	t.Helper()
	sig, body := richBody()
	msgs := []*Message{
		NewSignal("/x", "I", "Foo", ""),
		NewMethodCall("org.asamk.Signal", "/org/asamk/Signal", "org.asamk.Signal", "sendMessage", sig, body...),
		NewSignal("/org/asamk/Signal", "org.asamk.Signal", "MessageReceived", "xsaysas",
			int64(1700000000000), "+15550001111", []byte{}, "hi", []string{}),
	}
	var out []byte
	for i, m := range msgs {
		m.Serial = uint32(i + 1)
		data, err := m.Marshal()
		if err != nil {
			t.Fatalf("marshal %d: %v", i, err)
		}
		out = append(out, data...)
	}
	return out
}

func TestParserSingleFeedYieldsAllMessages(t *testing.T) {
	stream := streamOfThree(t)
	p := NewParser()
	msgs, err := p.FeedAll(stream)
	if err != nil {
		t.Fatalf("feed: %v", err)
	}
	if len(msgs) != 3 {
		t.Fatalf("got %d messages, want 3", len(msgs))
	}
	for i, m := range msgs {
		if m.Serial != uint32(i+1) {
			t.Fatalf("message %d serial=%d", i, m.Serial)
		}
	}
	if p.Buffered() != 0 {
		t.Fatalf("leftover bytes=%d", p.Buffered())
	}
}

func TestParserSplitDeliveryMatchesSingleFeed(t *testing.T) {
	stream := streamOfThree(t)
	want, err := NewParser().FeedAll(stream)
	if err != nil {
		t.Fatalf("feed: %v", err)
	}
	for split := 0; split <= len(stream); split++ {
		p := NewParser()
		first, err := p.FeedAll(stream[:split])
		if err != nil {
			t.Fatalf("split=%d first feed: %v", split, err)
		}
		second, err := p.FeedAll(stream[split:])
		if err != nil {
			t.Fatalf("split=%d second feed: %v", split, err)
		}
		got := append(first, second...)
		if !reflect.DeepEqual(got, want) {
			t.Fatalf("split=%d produced different messages", split)
		}
	}
}

func TestParserByteAtATime(t *testing.T) {
	stream := streamOfThree(t)
	p := NewParser()
	var got []*Message
	for i := range stream {
		msgs, err := p.FeedAll(stream[i : i+1])
		if err != nil {
			t.Fatalf("byte %d: %v", i, err)
		}
		got = append(got, msgs...)
	}
	if len(got) != 3 {
		t.Fatalf("got %d messages, want 3", len(got))
	}
}

func TestParserMessagesIsRestartable(t *testing.T) {
	stream := streamOfThree(t)
	p := NewParser()
	p.Feed(stream[:len(stream)-1])
	count := 0
	for _, err := range p.Messages() {
		if err != nil {
			t.Fatalf("messages: %v", err)
		}
		count++
	}
	if count != 2 {
		t.Fatalf("first pass count=%d want 2", count)
	}
	p.Feed(stream[len(stream)-1:])
	for m, err := range p.Messages() {
		if err != nil {
			t.Fatalf("messages: %v", err)
		}
		if m.Member() != "MessageReceived" {
			t.Fatalf("unexpected member %q", m.Member())
		}
		count++
	}
	if count != 3 {
		t.Fatalf("total count=%d want 3", count)
	}
}

func TestParserErrorIsSticky(t *testing.T) {
	p := NewParser()
	bad := append([]byte(nil), signalFooBytes...)
	bad[0] = 'Q'
	_, err := p.FeedAll(bad)
	if !errors.Is(err, ErrBadEndian) {
		t.Fatalf("expected ErrBadEndian, got %v", err)
	}
	if _, err := p.FeedAll(signalFooBytes); !errors.Is(err, ErrBadEndian) {
		t.Fatalf("expected sticky error, got %v", err)
	}
}

func TestParserRejectsOversizedFrame(t *testing.T) {
	head := []byte{'l', 4, 0, 1, 0xff, 0xff, 0xff, 0x7f, 1, 0, 0, 0, 0, 0, 0, 0}
	_, err := NewParser().FeedAll(head)
	if !errors.Is(err, ErrMessageTooLarge) {
		t.Fatalf("expected ErrMessageTooLarge, got %v", err)
	}
}
