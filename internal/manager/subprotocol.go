// WebSocket front door: subprotocol token parsing (spec.md §6) and the
// request/WebSocket proxy entry points, dispatching on method the same
// way the teacher's ais/target.go bucketHandler/objectHandler pair
// dispatch HTTP verbs to typed handlers.
package manager

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/rivet-dev/rivet-sub006/internal/actor"
	"github.com/rivet-dev/rivet-sub006/internal/codec"
	"github.com/rivet-dev/rivet-sub006/internal/rlog"
)

// ParsedSubprotocol is the decoded form of the WebSocket subprotocol
// string: the tokens "rivet", "target.actor", "actor.{id}",
// "encoding.{json|cbor|bare}", and zero or more "conn_params.{...}",
// joined by ';' into one protocol value. The actor id is carried as is,
// not URL-encoded, and each conn_params token carries one raw key=value
// pair rather than an encoded JSON object.
type ParsedSubprotocol struct {
	ActorID    string
	Encoding   codec.Encoding
	ConnParams map[string]string
}

// ParseSubprotocol decodes one negotiated subprotocol string into its
// tokens. It expects exactly "rivet", "target.actor", one "actor.{id}",
// and one "encoding.{...}" token, plus any number of "conn_params.{...}"
// tokens, each carrying one key=value pair after the prefix.
func ParseSubprotocol(proto string) (ParsedSubprotocol, error) {
	tokens := strings.Split(proto, ";")
	var out ParsedSubprotocol
	out.ConnParams = make(map[string]string)

	var sawRivet, sawTargetActor, sawActorID, sawEncoding bool
	for _, tok := range tokens {
		tok = strings.TrimSpace(tok)
		switch {
		case tok == "rivet":
			sawRivet = true
		case tok == "target.actor":
			sawTargetActor = true
		case strings.HasPrefix(tok, "actor."):
			out.ActorID = strings.TrimPrefix(tok, "actor.")
			sawActorID = true
		case strings.HasPrefix(tok, "encoding."):
			enc := codec.Encoding(strings.TrimPrefix(tok, "encoding."))
			if !enc.Valid() {
				return ParsedSubprotocol{}, fmt.Errorf("manager: unsupported encoding token %q", tok)
			}
			out.Encoding = enc
			sawEncoding = true
		case strings.HasPrefix(tok, "conn_params."):
			kv := strings.TrimPrefix(tok, "conn_params.")
			k, v, ok := strings.Cut(kv, "=")
			if !ok {
				return ParsedSubprotocol{}, fmt.Errorf("manager: malformed conn_params token %q", tok)
			}
			out.ConnParams[k] = v
		default:
			return ParsedSubprotocol{}, fmt.Errorf("manager: unrecognized subprotocol token %q", tok)
		}
	}

	if !sawRivet || !sawTargetActor || !sawActorID || !sawEncoding {
		return ParsedSubprotocol{}, fmt.Errorf("manager: subprotocol missing required tokens: %q", proto)
	}
	return out, nil
}

// BuildSubprotocol is ParseSubprotocol's inverse, used by clients (and
// by tests) to construct the negotiated subprotocol string.
func BuildSubprotocol(p ParsedSubprotocol) string {
	var b strings.Builder
	b.WriteString("rivet;target.actor;actor.")
	b.WriteString(p.ActorID)
	b.WriteString(";encoding.")
	b.WriteString(string(p.Encoding))
	for k, v := range p.ConnParams {
		b.WriteString(";conn_params.")
		b.WriteString(k)
		b.WriteByte('=')
		b.WriteString(v)
	}
	return b.String()
}

var upgrader = websocket.Upgrader{
	// The negotiated subprotocol encodes the target actor id, so any
	// origin may open a connection; per-actor authorization happens in
	// onBeforeConnect, not at the transport layer.
	CheckOrigin: func(r *http.Request) bool { return true },
}

type wsTransport struct {
	conn *websocket.Conn
	enc  codec.Encoding
}

func (t *wsTransport) Send(ctx context.Context, eventName string, payload []byte) error {
	frame, err := codec.Marshal(t.enc, map[string]any{"event": eventName, "payload": payload})
	if err != nil {
		return err
	}
	return t.conn.WriteMessage(websocket.BinaryMessage, frame)
}

func (t *wsTransport) Close(ctx context.Context) error {
	return t.conn.Close()
}

// OpenWebSocket upgrades r to a WebSocket, resolves the target actor
// from the negotiated subprotocol, and runs onBeforeConnect/onConnect
// before entering a read loop that dispatches every inbound frame to
// the actor's onAction hook until the socket closes, at which point
// onDisconnect runs (spec.md §4.4, §4.9).
func (m *Manager) OpenWebSocket(w http.ResponseWriter, r *http.Request) {
	// The upgrader lists no Subprotocols, so the client's requested
	// protocol is echoed back through the response header to negotiate it.
	requested := r.Header.Get("Sec-Websocket-Protocol")
	conn, err := upgrader.Upgrade(w, r, http.Header{"Sec-Websocket-Protocol": []string{requested}})
	if err != nil {
		log.Warn("websocket upgrade failed")
		return
	}

	parsed, err := ParseSubprotocol(conn.Subprotocol())
	if err != nil {
		log.Warn("subprotocol parse failed")
		_ = conn.Close()
		return
	}

	a, err := m.GetForID(r.Context(), parsed.ActorID)
	if err != nil {
		log.Warn("websocket target resolution failed", rlog.ActorID(parsed.ActorID))
		_ = conn.Close()
		return
	}

	connID := connIDFromParams(parsed.ConnParams)
	transport := &wsTransport{conn: conn, enc: parsed.Encoding}

	ctx := r.Context()
	if _, err := a.Connect(ctx, actor.ConnectMeta{ConnID: connID, Params: parsed.ConnParams, Encoding: parsed.Encoding}, transport); err != nil {
		log.Warn("onConnect rejected connection", rlog.ConnID(connID))
		_ = conn.Close()
		return
	}

	m.readLoop(context.Background(), a, connID, conn, parsed.Encoding)
}

func (m *Manager) readLoop(ctx context.Context, a *actor.Actor, connID string, conn *websocket.Conn, enc codec.Encoding) {
	defer func() {
		if err := a.Disconnect(ctx, connID); err != nil {
			log.Warn("onDisconnect failed", rlog.ConnID(connID))
		}
	}()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		var frame struct {
			Action  string `json:"action"`
			Payload []byte `json:"payload"`
		}
		if err := codec.Unmarshal(enc, data, &frame); err != nil {
			log.Warn("inbound frame decode failed", rlog.ConnID(connID))
			continue
		}
		if _, err := a.Action(ctx, frame.Action, frame.Payload); err != nil {
			log.Warn("action failed", rlog.ConnID(connID))
		}
	}
}

func connIDFromParams(params map[string]string) string {
	if id, ok := params["conn_id"]; ok && id != "" {
		return id
	}
	return uuid.NewString()
}

// ProxyRequest handles a plain HTTP action invocation against an actor,
// dispatching on method the same way the teacher's bucketHandler and
// objectHandler split GET/PUT/DELETE into typed calls: POST runs an
// action and writes its result, anything else is rejected.
func (m *Manager) ProxyRequest(w http.ResponseWriter, r *http.Request, actorID, action string) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	a, err := m.GetForID(r.Context(), actorID)
	if err != nil {
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	}

	buf, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, "failed to read request body", http.StatusBadRequest)
		return
	}

	out, err := a.Action(r.Context(), action, buf)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/octet-stream")
	_, _ = w.Write(out)
}
