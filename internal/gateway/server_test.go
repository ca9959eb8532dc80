package gateway

import (
	"context"
	"encoding/json"
	"net"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/brewva/brewva/pkg/protocol"
)

type fakeBackend struct {
	mu       sync.Mutex
	opened   []OpenSessionParams
	sent     []SendParams
	aborted  []string
	closed   []string
	reloaded int
}

func (f *fakeBackend) OpenSession(ctx context.Context, p OpenSessionParams) (OpenSessionResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.opened = append(f.opened, p)
	return OpenSessionResult{SessionID: "sess-1"}, nil
}

func (f *fakeBackend) SendTurn(ctx context.Context, p SendParams) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, p)
	return nil
}

func (f *fakeBackend) AbortSession(ctx context.Context, sessionID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.aborted = append(f.aborted, sessionID)
	return nil
}

func (f *fakeBackend) CloseSession(ctx context.Context, sessionID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = append(f.closed, sessionID)
	return nil
}

func (f *fakeBackend) StatusDeep(ctx context.Context) (any, error) {
	return map[string]string{"status": "deep-ok"}, nil
}

func (f *fakeBackend) ReloadHeartbeat(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reloaded++
	return nil
}

func startTestServer(t *testing.T, backend SessionBackend) (addr, token string, s *Server) {
	t.Helper()
	cfg := Config{
		Host:          "127.0.0.1",
		Token:         "test-token",
		TokenFilePath: filepath.Join(t.TempDir(), "token"),
	}
	srv, err := NewServer(cfg, backend)
	if err != nil {
		t.Fatalf("NewServer: %v", err)
	}

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	go srv.StartOnListener(ctx, ln)

	return ln.Addr().String(), cfg.Token, srv
}

func dialAndHandshake(t *testing.T, addr, token string) *websocket.Conn {
	t.Helper()
	url := "ws://" + addr + "/ws"

	var conn *websocket.Conn
	var err error
	for i := 0; i < 20; i++ {
		conn, _, err = websocket.DefaultDialer.Dial(url, nil)
		if err == nil {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	if err != nil {
		t.Fatalf("dial: %v", err)
	}

	_, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read challenge: %v", err)
	}
	var challenge protocol.EventFrame
	if err := json.Unmarshal(data, &challenge); err != nil {
		t.Fatalf("unmarshal challenge: %v", err)
	}
	if challenge.Event != protocol.EventConnectChallenge {
		t.Fatalf("expected connect.challenge, got %s", challenge.Event)
	}
	payloadBytes, _ := json.Marshal(challenge.Payload)
	var cp challengePayload
	json.Unmarshal(payloadBytes, &cp)

	connectParams := ConnectParams{
		Protocol:       protocol.ProtocolVersion,
		Client:         ClientInfo{ID: "test-client"},
		Auth:           AuthInfo{Token: token},
		ChallengeNonce: cp.Nonce,
	}
	paramsBytes, _ := json.Marshal(connectParams)
	req := protocol.ReqFrame{Type: protocol.TypeReq, ID: "c1", Method: protocol.MethodConnect, Params: paramsBytes}
	reqBytes, _ := json.Marshal(req)
	if err := conn.WriteMessage(websocket.TextMessage, reqBytes); err != nil {
		t.Fatalf("write connect: %v", err)
	}

	_, data, err = conn.ReadMessage()
	if err != nil {
		t.Fatalf("read connect response: %v", err)
	}
	var res protocol.ResFrame
	if err := json.Unmarshal(data, &res); err != nil {
		t.Fatalf("unmarshal connect response: %v", err)
	}
	if !res.OK {
		t.Fatalf("connect failed: %+v", res.Error)
	}
	return conn
}

func callMethod(t *testing.T, conn *websocket.Conn, id, method string, params any) protocol.ResFrame {
	t.Helper()
	var raw json.RawMessage
	if params != nil {
		b, _ := json.Marshal(params)
		raw = b
	}
	req := protocol.ReqFrame{Type: protocol.TypeReq, ID: id, Method: method, Params: raw}
	b, _ := json.Marshal(req)
	if err := conn.WriteMessage(websocket.TextMessage, b); err != nil {
		t.Fatalf("write request: %v", err)
	}
	_, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read response: %v", err)
	}
	var res protocol.ResFrame
	if err := json.Unmarshal(data, &res); err != nil {
		t.Fatalf("unmarshal response: %v", err)
	}
	return res
}

func TestHandshake_WrongTokenRejected(t *testing.T) {
	addr, _, _ := startTestServer(t, nil)
	url := "ws://" + addr + "/ws"

	var conn *websocket.Conn
	var err error
	for i := 0; i < 20; i++ {
		conn, _, err = websocket.DefaultDialer.Dial(url, nil)
		if err == nil {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	_, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read challenge: %v", err)
	}
	var challenge protocol.EventFrame
	json.Unmarshal(data, &challenge)
	payloadBytes, _ := json.Marshal(challenge.Payload)
	var cp challengePayload
	json.Unmarshal(payloadBytes, &cp)

	connectParams := ConnectParams{
		Protocol:       protocol.ProtocolVersion,
		Auth:           AuthInfo{Token: "wrong-token"},
		ChallengeNonce: cp.Nonce,
	}
	paramsBytes, _ := json.Marshal(connectParams)
	req := protocol.ReqFrame{Type: protocol.TypeReq, ID: "c1", Method: protocol.MethodConnect, Params: paramsBytes}
	reqBytes, _ := json.Marshal(req)
	conn.WriteMessage(websocket.TextMessage, reqBytes)

	_, data, err = conn.ReadMessage()
	if err != nil {
		t.Fatalf("read response: %v", err)
	}
	var res protocol.ResFrame
	json.Unmarshal(data, &res)
	if res.OK {
		t.Fatal("expected connect to fail with wrong token")
	}
	if res.Error == nil || res.Error.Code != protocol.ErrUnauthorized {
		t.Errorf("expected unauthorized error, got %+v", res.Error)
	}
}

func TestHandshake_MethodBeforeConnectRejected(t *testing.T) {
	addr, _, _ := startTestServer(t, nil)
	url := "ws://" + addr + "/ws"

	var conn *websocket.Conn
	var err error
	for i := 0; i < 20; i++ {
		conn, _, err = websocket.DefaultDialer.Dial(url, nil)
		if err == nil {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	conn.ReadMessage() // drain challenge

	res := callMethod(t, conn, "x1", protocol.MethodHealth, nil)
	if res.OK {
		t.Fatal("expected bad_state before connect")
	}
	if res.Error == nil || res.Error.Code != protocol.ErrBadState {
		t.Errorf("expected bad_state, got %+v", res.Error)
	}
}

func TestHealth_ReturnsOK(t *testing.T) {
	addr, token, _ := startTestServer(t, nil)
	conn := dialAndHandshake(t, addr, token)
	defer conn.Close()

	res := callMethod(t, conn, "h1", protocol.MethodHealth, nil)
	if !res.OK {
		t.Fatalf("health failed: %+v", res.Error)
	}
}

func TestSessionsOpenAndSend_DelegatesToBackend(t *testing.T) {
	backend := &fakeBackend{}
	addr, token, _ := startTestServer(t, backend)
	conn := dialAndHandshake(t, addr, token)
	defer conn.Close()

	res := callMethod(t, conn, "o1", protocol.MethodSessionsOpen, OpenSessionParams{Cwd: "/tmp/work"})
	if !res.OK {
		t.Fatalf("sessions.open failed: %+v", res.Error)
	}

	res = callMethod(t, conn, "s1", protocol.MethodSessionsSend, SendParams{SessionID: "sess-1", Text: "hello"})
	if !res.OK {
		t.Fatalf("sessions.send failed: %+v", res.Error)
	}

	backend.mu.Lock()
	defer backend.mu.Unlock()
	if len(backend.opened) != 1 || backend.opened[0].Cwd != "/tmp/work" {
		t.Errorf("unexpected opened calls: %+v", backend.opened)
	}
	if len(backend.sent) != 1 || backend.sent[0].Text != "hello" {
		t.Errorf("unexpected sent calls: %+v", backend.sent)
	}
}

func TestSessionsSend_NoBackendConfigured_ReturnsInternalError(t *testing.T) {
	addr, token, _ := startTestServer(t, nil)
	conn := dialAndHandshake(t, addr, token)
	defer conn.Close()

	res := callMethod(t, conn, "s1", protocol.MethodSessionsSend, SendParams{SessionID: "x", Text: "hi"})
	if res.OK {
		t.Fatal("expected failure with no backend configured")
	}
	if res.Error == nil || res.Error.Code != protocol.ErrInternal {
		t.Errorf("expected internal_error, got %+v", res.Error)
	}
}

func TestUnknownMethod_ReturnsMethodNotFound(t *testing.T) {
	addr, token, _ := startTestServer(t, nil)
	conn := dialAndHandshake(t, addr, token)
	defer conn.Close()

	res := callMethod(t, conn, "u1", "nonsense.method", nil)
	if res.OK {
		t.Fatal("expected method_not_found")
	}
	if res.Error == nil || res.Error.Code != protocol.ErrMethodNotFound {
		t.Errorf("expected method_not_found, got %+v", res.Error)
	}
}

func TestSubscribeAndBroadcast_DeliversSeqTaggedEvents(t *testing.T) {
	addr, token, srv := startTestServer(t, nil)
	conn := dialAndHandshake(t, addr, token)
	defer conn.Close()

	res := callMethod(t, conn, "sub1", protocol.MethodSessionsSubscribe, map[string]string{"sessionId": "sess-1"})
	if !res.OK {
		t.Fatalf("subscribe failed: %+v", res.Error)
	}

	srv.BroadcastToSession("sess-1", protocol.NewEvent(protocol.EventSessionTurnStart, nil))
	srv.BroadcastToSession("sess-1", protocol.NewEvent(protocol.EventSessionTurnEnd, nil))

	var seqs []int64
	for i := 0; i < 2; i++ {
		_, data, err := conn.ReadMessage()
		if err != nil {
			t.Fatalf("read event %d: %v", i, err)
		}
		var ev protocol.EventFrame
		json.Unmarshal(data, &ev)
		seqs = append(seqs, ev.Seq)
	}
	if seqs[0] != 1 || seqs[1] != 2 {
		t.Errorf("expected monotonic seq 1,2, got %v", seqs)
	}
}

func TestUnsubscribe_StopsFurtherDelivery(t *testing.T) {
	addr, token, srv := startTestServer(t, nil)
	conn := dialAndHandshake(t, addr, token)
	defer conn.Close()

	callMethod(t, conn, "sub1", protocol.MethodSessionsSubscribe, map[string]string{"sessionId": "sess-1"})
	callMethod(t, conn, "unsub1", protocol.MethodSessionsUnsubscribe, map[string]string{"sessionId": "sess-1"})

	srv.BroadcastToSession("sess-1", protocol.NewEvent(protocol.EventSessionTurnStart, nil))

	conn.SetReadDeadline(time.Now().Add(100 * time.Millisecond))
	_, _, err := conn.ReadMessage()
	if err == nil {
		t.Fatal("expected no event after unsubscribe")
	}
}

func TestRotateToken_OldTokenNoLongerAccepted(t *testing.T) {
	addr, token, srv := startTestServer(t, nil)
	conn := dialAndHandshake(t, addr, token)
	defer conn.Close()

	res := callMethod(t, conn, "r1", protocol.MethodGatewayRotateToken, nil)
	if !res.OK {
		t.Fatalf("rotate-token failed: %+v", res.Error)
	}

	url := "ws://" + addr + "/ws"
	conn2, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn2.Close()

	_, data, _ := conn2.ReadMessage()
	var challenge protocol.EventFrame
	json.Unmarshal(data, &challenge)
	payloadBytes, _ := json.Marshal(challenge.Payload)
	var cp challengePayload
	json.Unmarshal(payloadBytes, &cp)

	connectParams := ConnectParams{Protocol: protocol.ProtocolVersion, Auth: AuthInfo{Token: token}, ChallengeNonce: cp.Nonce}
	paramsBytes, _ := json.Marshal(connectParams)
	req := protocol.ReqFrame{Type: protocol.TypeReq, ID: "c2", Method: protocol.MethodConnect, Params: paramsBytes}
	reqBytes, _ := json.Marshal(req)
	conn2.WriteMessage(websocket.TextMessage, reqBytes)

	_, data, _ = conn2.ReadMessage()
	var res2 protocol.ResFrame
	json.Unmarshal(data, &res2)
	if res2.OK {
		t.Fatal("expected old token to be rejected after rotation")
	}
	_ = srv
}

func TestNonLoopbackHost_Rejected(t *testing.T) {
	cfg := Config{Host: "0.0.0.0", Token: "tok"}
	_, err := NewServer(cfg, nil)
	if err == nil {
		t.Fatal("expected non-loopback host to be rejected")
	}
}
