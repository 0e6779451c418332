package gateway

import "testing"

func newTestServer() *Server {
	return &Server{
		clients: make(map[*client]struct{}),
	}
}

func TestPresenceCountsRolesSeparately(t *testing.T) {
	s := newTestServer()
	sup := &client{role: RoleSupervisor}
	h1 := &client{role: RoleHuman}
	h2 := &client{role: RoleHuman}
	unk := &client{role: RoleUnknown}
	s.clients[sup] = struct{}{}
	s.clients[h1] = struct{}{}
	s.clients[h2] = struct{}{}
	s.clients[unk] = struct{}{}

	supervisorConnected, humanCount := s.presence()
	if !supervisorConnected {
		t.Fatalf("expected supervisor connected")
	}
	if humanCount != 2 {
		t.Fatalf("expected 2 humans, got %d", humanCount)
	}
}

func TestPresenceEmptyWhenNoClients(t *testing.T) {
	s := newTestServer()
	supervisorConnected, humanCount := s.presence()
	if supervisorConnected || humanCount != 0 {
		t.Fatalf("expected empty presence, got supervisor=%v humans=%d", supervisorConnected, humanCount)
	}
}

func TestIsBusyReflectsSetBusy(t *testing.T) {
	s := newTestServer()
	if s.isBusy() {
		t.Fatalf("expected not busy initially")
	}
	s.onBusyChange(true)
	if !s.isBusy() {
		t.Fatalf("expected busy after onBusyChange(true)")
	}
	s.onBusyChange(false)
	if s.isBusy() {
		t.Fatalf("expected not busy after onBusyChange(false)")
	}
}
