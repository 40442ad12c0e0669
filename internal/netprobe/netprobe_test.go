package netprobe

import (
	"context"
	"net"
	"testing"
	"time"

	logx "questd/pkg/logx"
)

func TestDialProberLocalListener(t *testing.T) {
	t.Parallel()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			conn.Close()
		}
	}()

	p := NewDialProber([]string{ln.Addr().String()}, time.Second, logx.Nop())
	if !p.Up(context.Background()) {
		t.Fatal("local listener not reachable")
	}
}

func TestDialProberUnreachable(t *testing.T) {
	t.Parallel()
	// Reserved TEST-NET-1 address; nothing answers there.
	p := NewDialProber([]string{"192.0.2.1:9"}, 200*time.Millisecond, logx.Nop())
	if p.Up(context.Background()) {
		t.Fatal("unreachable target reported up")
	}
}

type countingProber struct {
	calls  int
	answer bool
}

func (c *countingProber) Up(context.Context) bool {
	c.calls++
	return c.answer
}

func TestCachedRateLimitsProbes(t *testing.T) {
	t.Parallel()
	inner := &countingProber{answer: true}
	c := NewCached(inner, time.Hour)

	for i := 0; i < 5; i++ {
		if !c.Up(context.Background()) {
			t.Fatal("cached answer flipped")
		}
	}
	if inner.calls != 1 {
		t.Fatalf("inner probed %d times, want 1", inner.calls)
	}
}

func TestStatic(t *testing.T) {
	t.Parallel()
	if Static(false).Up(context.Background()) {
		t.Fatal("static false reported up")
	}
	if !Static(true).Up(context.Background()) {
		t.Fatal("static true reported down")
	}
}
