package network

import "testing"

func TestMonitorTransitions(t *testing.T) {
	m := NewMonitor(false)
	if m.IsOnline() {
		t.Fatal("monitor should start offline")
	}

	var seen []bool
	unsubscribe := m.Subscribe(func(online bool) { seen = append(seen, online) })

	m.SetOnline(true)
	m.SetOnline(true) // no-op, no duplicate notification
	m.SetOnline(false)

	want := []bool{true, false}
	if len(seen) != len(want) {
		t.Fatalf("notifications = %v, want %v", seen, want)
	}
	for i := range want {
		if seen[i] != want[i] {
			t.Errorf("notification[%d] = %t, want %t", i, seen[i], want[i])
		}
	}

	unsubscribe()
	unsubscribe() // idempotent
	m.SetOnline(true)
	if len(seen) != 2 {
		t.Errorf("notified after unsubscribe: %v", seen)
	}
}
