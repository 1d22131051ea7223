/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package api

import (
	"context"
	"net/http"
	"time"

	ws "nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/friendsincode/actuator/internal/events"
	"github.com/friendsincode/actuator/internal/telemetry"
)

const eventsPingInterval = 15 * time.Second

// handleEvents streams bus events under the "prefix" query parameter
// (default devices/actuators) to a WebSocket client.
func (a *API) handleEvents(w http.ResponseWriter, r *http.Request) {
	prefix := r.URL.Query().Get("prefix")
	if prefix == "" {
		prefix = events.TopicRoot
	}

	conn, err := ws.Accept(w, r, &ws.AcceptOptions{InsecureSkipVerify: true})
	if err != nil {
		a.logger.Error().Err(err).Msg("websocket accept failed")
		return
	}
	defer conn.Close(ws.StatusInternalError, "server error")

	telemetry.APIActiveConnections.Inc()
	defer telemetry.APIActiveConnections.Dec()

	// Clients only listen; CloseRead handles their control frames and
	// cancels ctx when they go away.
	ctx := conn.CloseRead(r.Context())

	sub := a.bus.SubscribeBuffered(prefix, 256)
	defer a.bus.Unsubscribe(sub)

	ticker := time.NewTicker(eventsPingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			conn.Close(ws.StatusNormalClosure, "")
			return
		case <-ticker.C:
			if err := conn.Ping(ctx); err != nil {
				a.logger.Debug().Err(err).Msg("websocket ping failed")
				return
			}
		case msg, ok := <-sub:
			if !ok {
				conn.Close(ws.StatusGoingAway, "bus closed")
				return
			}
			if err := a.writeEvent(ctx, conn, msg); err != nil {
				a.logger.Debug().Err(err).Str("topic", msg.Topic).Msg("websocket write failed")
				return
			}
		}
	}
}

func (a *API) writeEvent(ctx context.Context, conn *ws.Conn, msg events.Message) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	return wsjson.Write(ctx, conn, msg)
}
