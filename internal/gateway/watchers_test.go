package gateway

import "testing"

func testClient(id string) *Client {
	return &Client{
		id:            id,
		send:          make(chan []byte, clientSendBuffer),
		subscriptions: make(map[string]func()),
	}
}

func TestWatcherRegistry(t *testing.T) {
	w := NewWatcherRegistry()
	a := testClient("a")
	b := testClient("b")

	w.Watch("s1", a)
	w.Watch("s1", b)
	w.Watch("s2", a)

	if got := w.Watchers("s1"); len(got) != 2 {
		t.Errorf("s1 watchers = %d", len(got))
	}
	if got := w.Watchers("s2"); len(got) != 1 || got[0].id != "a" {
		t.Errorf("s2 watchers wrong")
	}

	// Watching twice does not duplicate.
	w.Watch("s1", a)
	if got := w.Watchers("s1"); len(got) != 2 {
		t.Errorf("duplicate watch inflated the set: %d", len(got))
	}

	w.Unwatch("s1", a)
	if got := w.Watchers("s1"); len(got) != 1 || got[0].id != "b" {
		t.Errorf("unwatch failed")
	}

	w.DropClient(b)
	if got := w.Watchers("s1"); len(got) != 0 {
		t.Errorf("dropClient left watchers: %d", len(got))
	}
	if got := w.Watchers("s2"); len(got) != 1 {
		t.Errorf("dropClient removed the wrong client")
	}
}

func TestWatchersUnknownSessionEmpty(t *testing.T) {
	w := NewWatcherRegistry()
	if got := w.Watchers("nope"); len(got) != 0 {
		t.Errorf("unknown session watchers = %d", len(got))
	}
}

func TestRateLimiter(t *testing.T) {
	r := NewRateLimiter(60) // 1 rps, burst 5
	if !r.Enabled() {
		t.Fatal("limiter should be enabled")
	}
	allowed := 0
	for i := 0; i < 20; i++ {
		if r.Allow("c1") {
			allowed++
		}
	}
	if allowed < 5 || allowed > 7 {
		t.Errorf("allowed = %d, want roughly the burst size", allowed)
	}
	// Other clients have their own budget.
	if !r.Allow("c2") {
		t.Error("second client must not share the first's budget")
	}

	disabled := NewRateLimiter(0)
	for i := 0; i < 100; i++ {
		if !disabled.Allow("c1") {
			t.Fatal("disabled limiter must always allow")
		}
	}
}
