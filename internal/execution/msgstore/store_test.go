package msgstore

import (
	"context"
	"strings"
	"testing"
	"time"

	v1 "github.com/kandev/kandev/pkg/api/v1"
)

func TestStore_PushAndHistory(t *testing.T) {
	s := New()
	s.PushStdout("line one")
	s.PushStderr("oops")
	s.PushTokenCount(10, 20)
	s.PushFinished()

	history := s.GetHistory()
	if len(history) != 4 {
		t.Fatalf("expected 4 messages, got %d", len(history))
	}
	if history[0].Kind != v1.LogMessageStdout || history[0].Text != "line one" {
		t.Fatalf("unexpected first message: %+v", history[0])
	}
	if !history[3].IsFinished() {
		t.Fatal("expected last message to be the Finished sentinel")
	}
}

func TestStore_PushAfterFinishedIsNoOp(t *testing.T) {
	s := New()
	s.PushFinished()
	s.PushStdout("too late")

	history := s.GetHistory()
	if len(history) != 1 {
		t.Fatalf("expected pushes after Finished to be dropped, got %d messages", len(history))
	}
}

func TestStore_SubscribeReceivesLiveMessages(t *testing.T) {
	s := New()
	ch, unsubscribe := s.Subscribe()
	defer unsubscribe()

	s.PushStdout("hello")

	select {
	case msg := <-ch:
		if msg.Text != "hello" {
			t.Fatalf("unexpected message: %+v", msg)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for subscriber message")
	}
}

func TestStore_SubscribeChannelClosesOnFinished(t *testing.T) {
	s := New()
	ch, _ := s.Subscribe()

	s.PushFinished()

	select {
	case msg, ok := <-ch:
		if !ok {
			return // channel closed as expected after Finished is drained
		}
		if !msg.IsFinished() {
			t.Fatalf("expected Finished sentinel, got %+v", msg)
		}
		if _, ok := <-ch; ok {
			t.Fatal("expected channel to be closed after Finished")
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for Finished")
	}
}

func TestStore_SubscribeAfterFinishedGetsClosedChannel(t *testing.T) {
	s := New()
	s.PushFinished()

	ch, _ := s.Subscribe()
	if _, ok := <-ch; ok {
		t.Fatal("expected an already-closed channel for a post-Finished subscriber")
	}
}

func TestStore_LastAssistantMessageAndErrorMessage(t *testing.T) {
	s := New()
	s.PushJSONPatch(v1.NormalizedEntry{Type: v1.NormalizedEntryAssistantMessage, Content: "first"})
	s.PushJSONPatch(v1.NormalizedEntry{Type: v1.NormalizedEntryToolCall, Content: "ran a tool"})
	s.PushJSONPatch(v1.NormalizedEntry{Type: v1.NormalizedEntryAssistantMessage, Content: "done"})
	s.PushJSONPatch(v1.NormalizedEntry{Type: v1.NormalizedEntryErrorMessage, Content: "boom"})

	assistant, ok := s.LastAssistantMessage(100)
	if !ok || assistant != "done" {
		t.Fatalf("expected last assistant message 'done', got %q (ok=%v)", assistant, ok)
	}
	errMsg, ok := s.LastErrorMessage(100)
	if !ok || errMsg != "boom" {
		t.Fatalf("expected last error message 'boom', got %q (ok=%v)", errMsg, ok)
	}
}

func TestStore_LastAssistantMessageTruncates(t *testing.T) {
	s := New()
	s.PushJSONPatch(v1.NormalizedEntry{Type: v1.NormalizedEntryAssistantMessage, Content: strings.Repeat("a", 5000)})

	got, ok := s.LastAssistantMessage(4096)
	if !ok {
		t.Fatal("expected a match")
	}
	if len(got) != 4096 {
		t.Fatalf("expected truncation to 4096 bytes, got %d", len(got))
	}
}

func TestStore_TotalTokenCount(t *testing.T) {
	s := New()
	s.PushTokenCount(5, 10)
	s.PushTokenCount(3, 7)

	input, output := s.TotalTokenCount()
	if input != 8 || output != 17 {
		t.Fatalf("unexpected totals: input=%d output=%d", input, output)
	}
}

func TestStore_SlowSubscriberIsDroppedNotBlocking(t *testing.T) {
	s := New()
	ch, _ := s.Subscribe()
	_ = ch // never drained, forcing the buffer to fill

	for i := 0; i < subscriberBuffer+10; i++ {
		s.PushStdout("spam")
	}

	// The producer must not block on the slow subscriber; reaching here
	// before the test timeout is the assertion.
}

func TestStore_ForwardStdoutLineAligned(t *testing.T) {
	s := New()
	ch, unsubscribe := s.Subscribe()
	defer unsubscribe()

	r := strings.NewReader("line one\nline two\n")
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	done := make(chan struct{})
	go func() {
		s.ForwardStdout(ctx, r)
		close(done)
	}()

	var got []string
	for len(got) < 2 {
		select {
		case msg := <-ch:
			got = append(got, msg.Text)
		case <-time.After(time.Second):
			t.Fatal("timed out waiting for forwarded lines")
		}
	}
	if got[0] != "line one" || got[1] != "line two" {
		t.Fatalf("unexpected forwarded lines: %v", got)
	}
	<-done
}
