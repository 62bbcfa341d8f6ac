package app

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/jkaberg/pihive/internal/ws"
)

// Run starts the scheduler and the HTTP endpoint and blocks until ctx is
// canceled or either fails. Outstanding work is finished before it returns.
func (n *Node) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", n.cfg.Listen)
	if err != nil {
		n.shutdown()
		return fmt.Errorf("failed to listen on %s: %w", n.cfg.Listen, err)
	}
	n.mu.Lock()
	n.addr = ln.Addr()
	n.mu.Unlock()

	srv := &http.Server{
		Handler:           n.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	if n.mqtt != nil {
		if err := n.mqtt.PublishAvailability(true); err != nil {
			n.logger.WithError(err).Warn("Failed to publish availability")
		}
		if err := n.mqtt.Subscribe(n.mqtt.Topic("cmd"), n.handleMQTTCommand(ctx)); err != nil {
			n.logger.WithError(err).Warn("MQTT command topic unavailable")
		}
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		// The scheduler only stops on cancellation or a loop failure; either
		// way the server has to follow.
		defer srv.Close()
		return n.scheduler.Run(gctx)
	})

	g.Go(func() error {
		n.logger.WithField("addr", ln.Addr().String()).Info("HTTP endpoint listening")
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		sctx, cancel := context.WithTimeout(context.Background(), n.cfg.ShutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(sctx); err != nil {
			n.logger.WithError(err).Debug("HTTP shutdown incomplete")
		}
		return nil
	})

	err = g.Wait()
	n.shutdown()
	return err
}

func (n *Node) shutdown() {
	ctx, cancel := context.WithTimeout(context.Background(), n.cfg.ShutdownTimeout)
	defer cancel()

	if err := n.pool.Wait(ctx); err != nil {
		n.logger.WithError(err).Warn("Background acquisitions still running at exit")
	}
	if err := n.history.Close(); err != nil {
		n.logger.WithError(err).Warn("Failed to close data log")
	}
	if n.mqtt != nil {
		n.mqtt.Disconnect(250)
	}
	n.logger.Info("Node stopped")
}

// Handler returns the HTTP routes: the websocket endpoint, Prometheus
// metrics and a plain text history dump.
func (n *Node) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/ws", ws.NewHandler(n, n.history, n.logger))
	mux.Handle("/metrics", n.metrics.Handler())
	mux.HandleFunc("/history", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		if _, err := n.history.WriteTo(w); err != nil {
			n.logger.WithError(err).Debug("History dump interrupted")
		}
	})
	return mux
}

// Addr returns the address the HTTP endpoint listens on once Run started.
func (n *Node) Addr() net.Addr {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.addr
}

// handleMQTTCommand answers get/set/cmd requests arriving on the command
// topic. Replies go to the reply topic with the same ok/err framing as the
// websocket.
func (n *Node) handleMQTTCommand(ctx context.Context) func(topic string, payload []byte) {
	return func(_ string, payload []byte) {
		msg := strings.TrimSpace(string(payload))
		if msg == "" {
			return
		}
		reply, err := ws.Dispatch(ctx, n, msg)
		frame := ws.PrefixOK + " " + reply
		if err != nil {
			frame = ws.PrefixError + " " + err.Error()
		}
		n.logger.WithFields(logrus.Fields{
			"request": msg,
			"ok":      err == nil,
		}).Debug("MQTT command handled")
		if err := n.mqtt.Publish(n.mqtt.Topic("reply"), []byte(frame), false); err != nil {
			n.logger.WithError(err).Debug("Failed to publish command reply")
		}
	}
}
