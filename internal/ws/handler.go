// Package ws serves the websocket endpoint: every connection receives each
// accepted value and may send get, set and cmd requests.
package ws

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"github.com/jkaberg/pihive/internal/bus"
)

const writeTimeout = 5 * time.Second

// MaxFrameSize bounds an incoming request frame.
const MaxFrameSize = 4096

// Frame prefixes sent to clients.
const (
	PrefixOK    = "ok"
	PrefixError = "err"
	PrefixValue = "val"
)

// Node is the runtime command surface.
type Node interface {
	GetValue(name string) (string, error)
	SetValue(name, value string) (string, error)
	Command(ctx context.Context, name string, args []string) (string, error)
}

// Registrar manages history subscribers.
type Registrar interface {
	Register(id string, sink bus.Sink)
	Unregister(id string) bool
}

// Handler upgrades requests to websocket connections.
type Handler struct {
	node     Node
	subs     Registrar
	logger   *logrus.Logger
	upgrader websocket.Upgrader
}

// NewHandler creates the endpoint.
func NewHandler(node Node, subs Registrar, logger *logrus.Logger) *Handler {
	return &Handler{
		node:   node,
		subs:   subs,
		logger: logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
	}
}

// conn serializes writes; gorilla allows one concurrent writer.
type conn struct {
	ws *websocket.Conn
	mu sync.Mutex
}

func (c *conn) send(prefix, text string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.ws.SetWriteDeadline(time.Now().Add(writeTimeout)); err != nil {
		return err
	}
	return c.ws.WriteMessage(websocket.TextMessage, []byte(prefix+" "+text))
}

// Deliver pushes one history line to the client.
func (c *conn) Deliver(text string) error {
	return c.send(PrefixValue, text)
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	wsConn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.WithError(err).Debug("Websocket upgrade failed")
		return
	}
	id := uuid.Must(uuid.NewV7()).String()
	wsConn.SetReadLimit(MaxFrameSize)
	c := &conn{ws: wsConn}
	log := h.logger.WithFields(logrus.Fields{
		"subscriber": id,
		"remote":     r.RemoteAddr,
	})

	h.subs.Register(id, c)
	log.Info("Websocket subscriber connected")
	defer func() {
		h.subs.Unregister(id)
		_ = wsConn.Close()
		log.Info("Websocket subscriber disconnected")
	}()

	for {
		kind, msg, err := wsConn.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				log.WithError(err).Debug("Websocket read failed")
			}
			return
		}
		if kind != websocket.TextMessage {
			continue
		}
		reply, err := Dispatch(r.Context(), h.node, string(msg))
		if err != nil {
			log.WithError(err).WithField("request", string(msg)).Debug("Websocket request failed")
			err = c.send(PrefixError, err.Error())
		} else {
			err = c.send(PrefixOK, reply)
		}
		if err != nil {
			log.WithError(err).Debug("Websocket write failed")
			return
		}
	}
}

// ErrBadRequest is returned for frames that are not get, set or cmd.
var ErrBadRequest = errors.New("expected get <name>, set <name> <value> or cmd <name> [args]")

// Dispatch parses one request frame and calls node. The MQTT command topic
// uses it too.
func Dispatch(ctx context.Context, node Node, msg string) (string, error) {
	verb, rest, _ := strings.Cut(strings.TrimSpace(msg), " ")
	rest = strings.TrimSpace(rest)
	switch verb {
	case "get":
		if rest == "" {
			return "", ErrBadRequest
		}
		return node.GetValue(rest)
	case "set":
		name, value, ok := strings.Cut(rest, " ")
		if !ok || name == "" {
			return "", ErrBadRequest
		}
		return node.SetValue(name, strings.TrimSpace(value))
	case "cmd":
		fields := strings.Fields(rest)
		if len(fields) == 0 {
			return "", ErrBadRequest
		}
		return node.Command(ctx, fields[0], fields[1:])
	}
	return "", fmt.Errorf("unknown request %q: %w", verb, ErrBadRequest)
}
