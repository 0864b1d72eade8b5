// Package server exposes HTTP handlers, including WebSocket upgrades, health
// checks, the internal notification hook and the built-in test page.
package server

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/Tyrowin/gochat-live/internal/auth"
	"github.com/Tyrowin/gochat-live/internal/protocol"
	"go.uber.org/zap"
)

// InternalTokenHeader carries the shared secret of POST /internal/messages.
const InternalTokenHeader = "X-Internal-Token"

// maxNotificationBytes bounds an internal notification body.
const maxNotificationBytes = 64 << 10

// WebSocketHandler upgrades GET requests and hands the socket to the hub. The
// credential is checked after the upgrade so a rejection can be reported with
// a policy-violation close frame.
func (s *Server) WebSocketHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed. WebSocket endpoint only accepts GET requests.", http.StatusMethodNotAllowed)
		return
	}

	credential := auth.CredentialFromRequest(r, s.cfg.Auth.CookieName)

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Info("websocket upgrade failed", zap.String("remote_addr", r.RemoteAddr), zap.Error(err))
		return
	}

	// the request context ends when this handler returns; the socket outlives it
	if err := s.hub.Connect(context.Background(), conn, credential, r.RemoteAddr); err != nil {
		if !errors.Is(err, auth.ErrAuthFailure) && !errors.Is(err, ErrShuttingDown) {
			s.log.Warn("websocket connect failed", zap.String("remote_addr", r.RemoteAddr), zap.Error(err))
		}
	}
}

// HealthHandler provides a simple health check endpoint that returns server status.
// It responds with a plain text message indicating the server is running.
func (s *Server) HealthHandler(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}
	w.Header().Set("Content-Type", "text/plain")
	_, _ = fmt.Fprintf(w, "GoChat server is running!")
}

type healthzResponse struct {
	Status      string `json:"status"`
	Connections int    `json:"connections"`
	OnlineUsers int    `json:"onlineUsers"`
}

// HealthzHandler reports liveness with current registry counts.
func (s *Server) HealthzHandler(w http.ResponseWriter, _ *http.Request) {
	connections, users := s.hub.Registry().Counts()
	s.writeJSON(w, http.StatusOK, healthzResponse{
		Status:      "ok",
		Connections: connections,
		OnlineUsers: users,
	})
}

// OnlineHandler returns the sorted online user ids.
func (s *Server) OnlineHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	s.writeJSON(w, http.StatusOK, s.hub.CurrentOnlineUsers())
}

// InternalMessagesHandler accepts post-commit notifications from the message
// store and fans them out to the recipient.
func (s *Server) InternalMessagesHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	token := r.Header.Get(InternalTokenHeader)
	if subtle.ConstantTimeCompare([]byte(token), []byte(s.cfg.InternalToken)) != 1 {
		s.writeJSON(w, http.StatusUnauthorized, protocol.ErrorEvent{Message: "invalid internal token"})
		return
	}

	var ev protocol.MessageEvent
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxNotificationBytes))
	if err := dec.Decode(&ev); err != nil {
		s.writeJSON(w, http.StatusBadRequest, protocol.ErrorEvent{Message: "malformed message event"})
		return
	}

	result, err := s.hub.NotifyNewMessage(ev)
	if err != nil {
		s.writeJSON(w, http.StatusBadRequest, protocol.ErrorEvent{Message: err.Error()})
		return
	}
	s.writeJSON(w, http.StatusAccepted, result)
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.log.Debug("write response", zap.Error(err))
	}
}

// TestPageHandler serves an HTML page for exercising the WebSocket endpoint
// by hand: connect with a token, watch presence and message events, and send
// typing notifications.
func (s *Server) TestPageHandler(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/html")
	if _, err := fmt.Fprint(w, testPage); err != nil {
		s.log.Debug("write test page", zap.Error(err))
	}
}

const testPage = `<!DOCTYPE html>
<html>
<head>
    <title>GoChat WebSocket Test</title>
    <style>
        body { font-family: Arial, sans-serif; margin: 20px; }
        #events {
            border: 1px solid #ccc;
            height: 300px;
            padding: 10px;
            overflow-y: scroll;
            margin: 10px 0;
            background-color: #f9f9f9;
            font-family: monospace;
        }
        input[type="text"] { width: 300px; padding: 5px; margin-right: 10px; }
        button { padding: 5px 15px; background-color: #007cba; color: white; border: none; cursor: pointer; }
        button:hover { background-color: #005a87; }
        .status { margin: 10px 0; padding: 5px; border-radius: 3px; }
        .connected { background-color: #d4edda; color: #155724; }
        .disconnected { background-color: #f8d7da; color: #721c24; }
    </style>
</head>
<body>
    <h1>GoChat WebSocket Test</h1>

    <div id="status" class="status disconnected">Disconnected</div>
    <div>Online: <span id="online">-</span></div>

    <div>
        <input type="text" id="tokenInput" placeholder="JWT (gochat token --user <id>)">
        <button id="connectButton" onclick="toggleConnection()">Connect</button>
    </div>
    <div>
        <input type="text" id="peerInput" placeholder="Peer user id" disabled>
        <button id="typingButton" onclick="sendEvent('typing')" disabled>Typing</button>
        <button id="stopButton" onclick="sendEvent('stopTyping')" disabled>Stop typing</button>
        <button id="refreshButton" onclick="refreshOnline()" disabled>Refresh online</button>
    </div>

    <div id="events"></div>

    <script>
        let ws = null;
        const eventsDiv = document.getElementById('events');
        const statusDiv = document.getElementById('status');
        const onlineSpan = document.getElementById('online');
        const controls = ['peerInput', 'typingButton', 'stopButton', 'refreshButton']
            .map(id => document.getElementById(id));

        function log(text) {
            const line = document.createElement('div');
            line.textContent = new Date().toLocaleTimeString() + ' ' + text;
            eventsDiv.appendChild(line);
            eventsDiv.scrollTop = eventsDiv.scrollHeight;
        }

        function updateStatus(connected) {
            statusDiv.textContent = connected ? 'Connected' : 'Disconnected';
            statusDiv.className = 'status ' + (connected ? 'connected' : 'disconnected');
            controls.forEach(el => el.disabled = !connected);
            document.getElementById('connectButton').textContent = connected ? 'Disconnect' : 'Connect';
        }

        function connect() {
            const scheme = location.protocol === 'https:' ? 'wss://' : 'ws://';
            const token = encodeURIComponent(document.getElementById('tokenInput').value.trim());
            ws = new WebSocket(scheme + location.host + '/ws?token=' + token);

            ws.onopen = () => { log('connected'); updateStatus(true); };
            ws.onmessage = (event) => {
                const msg = JSON.parse(event.data);
                if (msg.type === 'getOnlineUsers') {
                    onlineSpan.textContent = msg.data.join(', ') || '(nobody)';
                }
                log(msg.type + ' ' + JSON.stringify(msg.data));
            };
            ws.onclose = (event) => {
                log('closed (' + event.code + (event.reason ? ': ' + event.reason : '') + ')');
                updateStatus(false);
                ws = null;
            };
            ws.onerror = () => log('connection error');
        }

        function toggleConnection() {
            if (ws && ws.readyState === WebSocket.OPEN) {
                ws.close();
            } else {
                connect();
            }
        }

        function sendEvent(type) {
            const to = document.getElementById('peerInput').value.trim();
            if (to && ws && ws.readyState === WebSocket.OPEN) {
                ws.send(JSON.stringify({ type: type, data: { to: to } }));
            }
        }

        function refreshOnline() {
            if (ws && ws.readyState === WebSocket.OPEN) {
                ws.send(JSON.stringify({ type: 'getOnlineUsers' }));
            }
        }
    </script>
</body>
</html>`
