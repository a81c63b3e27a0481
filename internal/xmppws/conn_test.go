package xmppws

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/coder/websocket"
)

// acceptStream upgrades the request and answers the client's stream
// open with a server open element.
func acceptStream(t *testing.T, w http.ResponseWriter, r *http.Request) *websocket.Conn {
	t.Helper()
	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		Subprotocols: []string{Subprotocol},
	})
	if err != nil {
		t.Errorf("accept: %v", err)
		return nil
	}

	ctx := r.Context()
	_, data, err := ws.Read(ctx)
	if err != nil {
		t.Errorf("read open: %v", err)
		return nil
	}
	if !strings.Contains(string(data), FramingNS) {
		t.Errorf("client open missing framing namespace: %s", data)
	}
	reply := `<open xmlns="urn:ietf:params:xml:ns:xmpp-framing" from="example.org" version="1.0"/>`
	if err := ws.Write(ctx, websocket.MessageText, []byte(reply)); err != nil {
		t.Errorf("write open: %v", err)
		return nil
	}
	return ws
}

func TestOpenAndStanzaExchange(t *testing.T) {
	// Server sends a message stanza; client reads it and replies with
	// presence.
	const inbound = `<message xmlns="jabber:client" from="alice@example.org/tablet" id="m1" type="chat"><body>hi</body></message>`

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws := acceptStream(t, w, r)
		if ws == nil {
			return
		}
		defer ws.CloseNow()
		ctx := r.Context()

		if err := ws.Write(ctx, websocket.MessageText, []byte(inbound)); err != nil {
			t.Errorf("write stanza: %v", err)
			return
		}

		_, data, err := ws.Read(ctx)
		if err != nil {
			t.Errorf("read reply: %v", err)
			return
		}
		head, err := ParseHead(data)
		if err != nil {
			t.Errorf("parse reply: %v", err)
			return
		}
		if head.Name.Local != "presence" {
			t.Errorf("reply element = %q, want presence", head.Name.Local)
		}
		ws.Close(websocket.StatusNormalClosure, "done")
	}))
	defer srv.Close()

	ctx := context.Background()
	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")

	conn, err := Dial(ctx, wsURL, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()

	if err := conn.Open(ctx, "example.org"); err != nil {
		t.Fatal(err)
	}

	stanza, err := conn.ReadStanza(ctx)
	if err != nil {
		t.Fatal(err)
	}
	head, err := ParseHead(stanza)
	if err != nil {
		t.Fatal(err)
	}
	if head.Name.Local != "message" || head.ID != "m1" || head.Type != "chat" {
		t.Fatalf("head = %+v", head)
	}
	if head.From != "alice@example.org/tablet" {
		t.Fatalf("from = %q", head.From)
	}

	if err := conn.WriteStanza(ctx, []byte(`<presence xmlns="jabber:client"/>`)); err != nil {
		t.Fatal(err)
	}
}

func TestReadStreamClose(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws := acceptStream(t, w, r)
		if ws == nil {
			return
		}
		defer ws.CloseNow()
		ctx := r.Context()
		closing := `<close xmlns="urn:ietf:params:xml:ns:xmpp-framing"/>`
		if err := ws.Write(ctx, websocket.MessageText, []byte(closing)); err != nil {
			t.Errorf("write close: %v", err)
		}
	}))
	defer srv.Close()

	ctx := context.Background()
	conn, err := Dial(ctx, "ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	if err != nil {
		t.Fatal(err)
	}
	defer conn.CloseNow()

	if err := conn.Open(ctx, "example.org"); err != nil {
		t.Fatal(err)
	}
	if _, err := conn.ReadStanza(ctx); err != ErrStreamClosed {
		t.Fatalf("err = %v, want ErrStreamClosed", err)
	}
}

func TestParseHeadMalformed(t *testing.T) {
	if _, err := ParseHead([]byte("not xml at all <")); err == nil {
		t.Fatal("expected parse error")
	}
}
