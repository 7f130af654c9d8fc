package transport

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

func echoServer(t *testing.T) *httptest.Server {
	t.Helper()
	upgrader := websocket.Upgrader{}
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		for {
			mt, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			if err := conn.WriteMessage(mt, data); err != nil {
				return
			}
		}
	}))
}

func TestWebSocketTransportConnectRejectsInvalidURL(t *testing.T) {
	tr := NewWebSocketTransport()
	_, _, err := tr.Connect(context.Background(), "://not-a-url", ConnectOptions{})
	if err == nil {
		t.Fatal("expected an error for a malformed relay url")
	}
}

func TestWebSocketTransportSendRecvRoundTrip(t *testing.T) {
	srv := echoServer(t)
	defer srv.Close()
	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")

	tr := NewWebSocketTransport()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	sink, stream, err := tr.Connect(ctx, wsURL, ConnectOptions{Timeout: 2 * time.Second})
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer sink.Close()

	if err := sink.Send(ctx, Frame{Type: Text, Data: []byte(`["REQ","sub1"]`)}); err != nil {
		t.Fatalf("send: %v", err)
	}

	recvCtx, recvCancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer recvCancel()
	f, err := stream.Recv(recvCtx)
	if err != nil {
		t.Fatalf("recv: %v", err)
	}
	if f.Type != Text {
		t.Fatalf("expected echoed frame to stay text, got %v", f.Type)
	}
	if string(f.Data) != `["REQ","sub1"]` {
		t.Fatalf("unexpected echoed payload: %q", f.Data)
	}
}

func TestWebSocketTransportSupportsPing(t *testing.T) {
	tr := NewWebSocketTransport()
	if !tr.SupportsPing() {
		t.Fatal("expected the native transport to support ping frames")
	}
}
