package relay

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/park285/quiz-buzzer/internal/protocol"
)

func newTestSwitch(t *testing.T) (*Switch, *httptest.Server) {
	t.Helper()
	sw := New(Options{})
	srv := httptest.NewServer(sw.Handler())
	t.Cleanup(srv.Close)
	return sw, srv
}

func dial(t *testing.T, srv *httptest.Server) *websocket.Conn {
	t.Helper()
	u := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
	c, _, err := websocket.DefaultDialer.Dial(u, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func write(t *testing.T, c *websocket.Conn, typ protocol.SignalType, to string, payload any) {
	t.Helper()
	f, err := protocol.NewFrame(typ, "", to, payload)
	if err != nil {
		t.Fatalf("NewFrame: %v", err)
	}
	if err := c.WriteJSON(f); err != nil {
		t.Fatalf("write: %v", err)
	}
}

func read(t *testing.T, c *websocket.Conn) protocol.Frame {
	t.Helper()
	_ = c.SetReadDeadline(time.Now().Add(2 * time.Second))
	var f protocol.Frame
	if err := c.ReadJSON(&f); err != nil {
		t.Fatalf("read: %v", err)
	}
	return f
}

func register(t *testing.T, srv *httptest.Server, typ protocol.SignalType, reg protocol.Register) *websocket.Conn {
	t.Helper()
	c := dial(t, srv)
	write(t, c, typ, "", reg)
	if f := read(t, c); f.Type != protocol.SignalRegistered {
		t.Fatalf("expected REGISTERED, got %s %s", f.Type, f.Payload)
	}
	return c
}

func TestRelayForwardsAndStampsFrom(t *testing.T) {
	_, srv := newTestSwitch(t)
	host := register(t, srv, protocol.SignalRegisterHost, protocol.Register{PeerID: "h1", Name: "Quiz"})
	client := register(t, srv, protocol.SignalRegisterClient, protocol.Register{PeerID: "c1", HostID: "h1"})

	f, _ := protocol.NewFrame(protocol.SignalRelay, "spoofed", "h1", json.RawMessage(`{"type":"BUZZ"}`))
	if err := client.WriteJSON(f); err != nil {
		t.Fatalf("write: %v", err)
	}
	got := read(t, host)
	if got.Type != protocol.SignalRelay || got.From != "c1" || string(got.Payload) != `{"type":"BUZZ"}` {
		t.Fatalf("forwarded frame = %+v payload=%s", got, got.Payload)
	}
}

func TestRelayUnknownTargetErrors(t *testing.T) {
	_, srv := newTestSwitch(t)
	client := register(t, srv, protocol.SignalRegisterClient, protocol.Register{PeerID: "c1"})
	write(t, client, protocol.SignalRelay, "nobody", json.RawMessage(`{}`))
	f := read(t, client)
	var e protocol.ErrorPayload
	_ = json.Unmarshal(f.Payload, &e)
	if f.Type != protocol.SignalError || e.Code != protocol.CodePeerNotFound || e.Ref != "nobody" {
		t.Fatalf("got %+v %+v", f, e)
	}
}

func TestClientRejectedForMissingHost(t *testing.T) {
	_, srv := newTestSwitch(t)
	c := dial(t, srv)
	write(t, c, protocol.SignalRegisterClient, "", protocol.Register{PeerID: "c1", HostID: "ghost"})
	f := read(t, c)
	var e protocol.ErrorPayload
	_ = json.Unmarshal(f.Payload, &e)
	if f.Type != protocol.SignalError || e.Code != protocol.CodeHostNotFound {
		t.Fatalf("got %+v %+v", f, e)
	}
}

func TestHeartbeatAndHostList(t *testing.T) {
	_, srv := newTestSwitch(t)
	register(t, srv, protocol.SignalRegisterHost, protocol.Register{PeerID: "h1", Name: "Quiz"})
	client := register(t, srv, protocol.SignalRegisterClient, protocol.Register{PeerID: "c1", HostID: "h1"})

	write(t, client, protocol.SignalHeartbeat, "", nil)
	if f := read(t, client); f.Type != protocol.SignalHeartbeatAck {
		t.Fatalf("expected HEARTBEAT_ACK, got %s", f.Type)
	}
	write(t, client, protocol.SignalHostList, "", nil)
	f := read(t, client)
	var hl protocol.HostList
	_ = json.Unmarshal(f.Payload, &hl)
	if len(hl.Hosts) != 1 || hl.Hosts[0].PeerID != "h1" || hl.Hosts[0].Clients != 1 {
		t.Fatalf("host list = %+v", hl)
	}
}

func TestDisconnectNotifications(t *testing.T) {
	_, srv := newTestSwitch(t)
	host := register(t, srv, protocol.SignalRegisterHost, protocol.Register{PeerID: "h1"})
	client := register(t, srv, protocol.SignalRegisterClient, protocol.Register{PeerID: "c1", HostID: "h1"})

	_ = client.Close()
	f := read(t, host)
	if f.Type != protocol.SignalClientDisconnected || f.From != "c1" {
		t.Fatalf("expected CLIENT_DISCONNECTED from c1, got %+v", f)
	}

	client2 := register(t, srv, protocol.SignalRegisterClient, protocol.Register{PeerID: "c2", HostID: "h1"})
	_ = host.Close()
	f = read(t, client2)
	if f.Type != protocol.SignalHostDisconnected || f.From != "h1" {
		t.Fatalf("expected HOST_DISCONNECTED, got %+v", f)
	}
}

func TestHTTPEndpoints(t *testing.T) {
	_, srv := newTestSwitch(t)
	register(t, srv, protocol.SignalRegisterHost, protocol.Register{PeerID: "h1", Name: "Quiz"})

	resp, err := http.Get(srv.URL + "/v1/hosts")
	if err != nil {
		t.Fatalf("GET hosts: %v", err)
	}
	defer resp.Body.Close()
	var body protocol.HostList
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(body.Hosts) != 1 || body.Hosts[0].Name != "Quiz" {
		t.Fatalf("hosts = %+v", body)
	}

	h, err := http.Get(srv.URL + "/health")
	if err != nil || h.StatusCode != http.StatusOK {
		t.Fatalf("health: %v %v", err, h)
	}
	_ = h.Body.Close()
}
