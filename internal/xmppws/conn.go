// Package xmppws provides framed XMPP over WebSocket (RFC 7395): one
// complete stanza or stream framing element per text frame.
package xmppws

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/xml"
	"errors"
	"fmt"
	"net/http"

	"github.com/coder/websocket"
)

const (
	// FramingNS is the stream framing namespace.
	FramingNS = "urn:ietf:params:xml:ns:xmpp-framing"

	// Subprotocol is the negotiated WebSocket subprotocol.
	Subprotocol = "xmpp"
)

// ErrStreamClosed is returned by ReadStanza when the server closed the
// stream with a framing close element.
var ErrStreamClosed = errors.New("xmppws: stream closed by peer")

// StanzaHead is the parsed outer element of a stanza, enough to route
// it without decoding the body.
type StanzaHead struct {
	Name xml.Name
	ID   string
	Type string
	From string
	To   string
}

// ParseHead reads the outer element of a stanza.
func ParseHead(stanza []byte) (StanzaHead, error) {
	var head StanzaHead
	dec := xml.NewDecoder(bytes.NewReader(stanza))
	for {
		tok, err := dec.Token()
		if err != nil {
			return head, fmt.Errorf("xmppws: parse stanza: %w", err)
		}
		start, ok := tok.(xml.StartElement)
		if !ok {
			continue
		}
		head.Name = start.Name
		for _, attr := range start.Attr {
			switch attr.Name.Local {
			case "id":
				head.ID = attr.Value
			case "type":
				head.Type = attr.Value
			case "from":
				head.From = attr.Value
			case "to":
				head.To = attr.Value
			}
		}
		return head, nil
	}
}

// Conn wraps a WebSocket connection with stanza framing.
type Conn struct {
	ws *websocket.Conn
}

// Dial opens a WebSocket connection to the given URL with the xmpp
// subprotocol. If tlsConf is non-nil, it is used for the TLS
// handshake. Optional HTTP headers are added to the upgrade request.
func Dial(ctx context.Context, url string, tlsConf *tls.Config, headers ...http.Header) (*Conn, error) {
	opts := &websocket.DialOptions{
		Subprotocols: []string{Subprotocol},
	}
	if tlsConf != nil {
		opts.HTTPClient = &http.Client{
			Transport: &http.Transport{
				TLSClientConfig: tlsConf,
			},
		}
	}
	if len(headers) > 0 {
		opts.HTTPHeader = headers[0]
	}
	ws, _, err := websocket.Dial(ctx, url, opts)
	if err != nil {
		return nil, fmt.Errorf("xmppws: dial: %w", err)
	}
	return &Conn{ws: ws}, nil
}

// Open performs the stream open handshake: it sends our framing open
// element and waits for the server's.
func (c *Conn) Open(ctx context.Context, domain string) error {
	open := fmt.Sprintf(`<open xmlns=%q to=%q version="1.0"/>`, FramingNS, domain)
	if err := c.ws.Write(ctx, websocket.MessageText, []byte(open)); err != nil {
		return fmt.Errorf("xmppws: stream open: %w", err)
	}
	_, data, err := c.ws.Read(ctx)
	if err != nil {
		return fmt.Errorf("xmppws: stream open: %w", err)
	}
	head, err := ParseHead(data)
	if err != nil {
		return err
	}
	if head.Name.Local != "open" || head.Name.Space != FramingNS {
		return fmt.Errorf("xmppws: unexpected stream element <%s>", head.Name.Local)
	}
	return nil
}

// ReadStanza reads the next stanza frame. A framing close element
// yields ErrStreamClosed.
func (c *Conn) ReadStanza(ctx context.Context) ([]byte, error) {
	typ, data, err := c.ws.Read(ctx)
	if err != nil {
		return nil, fmt.Errorf("xmppws: read: %w", err)
	}
	if typ != websocket.MessageText {
		return nil, fmt.Errorf("xmppws: unexpected binary frame")
	}
	head, err := ParseHead(data)
	if err != nil {
		return nil, err
	}
	if head.Name.Local == "close" && head.Name.Space == FramingNS {
		return nil, ErrStreamClosed
	}
	return data, nil
}

// WriteStanza sends one stanza in its own text frame.
func (c *Conn) WriteStanza(ctx context.Context, stanza []byte) error {
	if err := c.ws.Write(ctx, websocket.MessageText, stanza); err != nil {
		return fmt.Errorf("xmppws: write: %w", err)
	}
	return nil
}

// Close sends a framing close element and a normal closure frame.
func (c *Conn) Close() error {
	ctx := context.Background()
	_ = c.ws.Write(ctx, websocket.MessageText, []byte(fmt.Sprintf(`<close xmlns=%q/>`, FramingNS)))
	return c.ws.Close(websocket.StatusNormalClosure, "")
}

// CloseNow closes the connection immediately without a close frame.
func (c *Conn) CloseNow() error {
	return c.ws.CloseNow()
}
