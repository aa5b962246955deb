package queue_test

import (
	"sync"
	"testing"
	"time"

	"github.com/outscale/vgraphd/queue"
)

func TestQueue_FIFOOrder(t *testing.T) {
	q := queue.New()
	q.Push(queue.VhostStart{SocketFolder: "/tmp/a"})
	q.Push(queue.VhostStop{})
	q.Push(queue.Exit{})

	var got []queue.Command
	for {
		cmd, ok := q.Pop()
		if !ok {
			break
		}
		got = append(got, cmd)
	}

	if len(got) != 3 {
		t.Fatalf("got %d commands, want 3", len(got))
	}
	if _, ok := got[0].(queue.VhostStart); !ok {
		t.Fatalf("got[0] = %T, want VhostStart", got[0])
	}
	if _, ok := got[1].(queue.VhostStop); !ok {
		t.Fatalf("got[1] = %T, want VhostStop", got[1])
	}
	if _, ok := got[2].(queue.Exit); !ok {
		t.Fatalf("got[2] = %T, want Exit", got[2])
	}
}

func TestQueue_PopEmpty(t *testing.T) {
	q := queue.New()
	if _, ok := q.Pop(); ok {
		t.Fatalf("Pop on empty queue returned ok=true")
	}
}

func TestQueue_WaitEmptyQueue(t *testing.T) {
	q := queue.New()
	q.Push(queue.VhostStart{SocketFolder: "/tmp/a"})

	done := make(chan struct{})
	go func() {
		q.WaitEmptyQueue()
		close(done)
	}()

	// Drain like the poller would: everything already queued, then the
	// Nothing fence WaitEmptyQueue pushes behind it.
	drained := 0
	deadline := time.After(2 * time.Second)
	for drained < 2 {
		if _, ok := q.Pop(); ok {
			drained++
			continue
		}
		select {
		case <-deadline:
			t.Fatalf("timed out waiting for WaitEmptyQueue's fence to appear")
		default:
			time.Sleep(time.Millisecond)
		}
	}

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("WaitEmptyQueue did not return after queue drained")
	}
}

func TestQueue_ConcurrentPush(t *testing.T) {
	q := queue.New()
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			q.Push(queue.Nothing{})
		}()
	}
	wg.Wait()
	if got := q.Len(); got != 50 {
		t.Fatalf("Len() = %d, want 50", got)
	}
}
