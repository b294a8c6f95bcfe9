package server

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/Tyrowin/teamchat/internal/auth"
	"github.com/Tyrowin/teamchat/internal/chat"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// ServeWS authenticates the handshake and upgrades it to a chat connection.
// A missing or invalid credential is refused with 401 before the upgrade.
func (s *Server) ServeWS(w http.ResponseWriter, r *http.Request) {
	if s.shuttingDown.Load() {
		http.Error(w, "server is shutting down", http.StatusServiceUnavailable)
		return
	}
	if !s.origins.Allowed(r) {
		s.metrics.HandshakesRejected.Inc()
		s.log.Warn("blocked WebSocket connection from disallowed origin", zap.String("origin", r.Header.Get("Origin")))
		writeError(w, http.StatusForbidden, chat.NewError(chat.KindAuthorization, "origin not allowed", nil))
		return
	}

	id, err := s.auth.Authenticate(r.Context(), auth.BearerToken(r))
	if err != nil {
		s.metrics.HandshakesRejected.Inc()
		s.log.Info("rejected handshake", zap.String("remote_addr", r.RemoteAddr), zap.Error(err))
		writeError(w, http.StatusUnauthorized, err)
		return
	}

	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn("WebSocket upgrade failed", zap.Error(err))
		return
	}

	conn := NewConnection(s.baseCtx, ws, r.RemoteAddr, s.opts, s.log)
	if err := conn.Authenticate(id); err != nil {
		s.log.Error("authenticate connection", zap.Error(err))
		conn.Close(websocket.CloseInternalServerErr, "authentication failed")
		return
	}
	if err := s.registry.Register(conn); err != nil {
		s.log.Error("register connection", zap.Error(err))
		conn.Close(websocket.CloseInternalServerErr, "registration failed")
		return
	}
	conn.expireAt(id.ExpiresAt)

	s.wg.Add(2)
	go func() {
		defer s.wg.Done()
		conn.writePump()
	}()
	go func() {
		defer s.wg.Done()
		conn.readPump(s.protocol.Handle, s.registry.Unregister)
	}()

	if s.shuttingDown.Load() {
		conn.Close(websocket.CloseGoingAway, "server shutting down")
	}
}

// ServeHistory returns a page of a team's messages, oldest first.
//
//	GET /api/messages?team_id=1&limit=50&before=120
func (s *Server) ServeHistory(w http.ResponseWriter, r *http.Request) {
	id, ok := IdentityFrom(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, chat.ErrAuthentication)
		return
	}

	q := r.URL.Query()
	teamID, err := positiveParam(q.Get("team_id"), true)
	if err != nil {
		writeError(w, http.StatusBadRequest, chat.NewError(chat.KindValidation, "team_id must be a positive integer", err))
		return
	}
	limit, err := positiveParam(q.Get("limit"), false)
	if err != nil {
		writeError(w, http.StatusBadRequest, chat.NewError(chat.KindValidation, "limit must be a positive integer", err))
		return
	}
	before, err := positiveParam(q.Get("before"), false)
	if err != nil {
		writeError(w, http.StatusBadRequest, chat.NewError(chat.KindValidation, "before must be a positive integer", err))
		return
	}

	switch {
	case limit == 0:
		limit = int64(s.cfg.HistoryPageSize)
	case limit > int64(s.cfg.HistoryMaxSize):
		limit = int64(s.cfg.HistoryMaxSize)
	}

	member, err := s.dir.IsMember(r.Context(), id.UserID, teamID)
	if err != nil {
		s.log.Error("membership lookup", zap.Int64("team_id", teamID), zap.Error(err))
		writeError(w, http.StatusInternalServerError, chat.NewError(chat.KindInternal, "membership lookup failed", err))
		return
	}
	if !member {
		writeError(w, http.StatusForbidden, chat.NewError(chat.KindAuthorization, "not a member of this team", nil))
		return
	}

	msgs, err := s.store.History(r.Context(), teamID, int(limit), before)
	if err != nil {
		s.log.Error("load history", zap.Int64("team_id", teamID), zap.Error(err))
		if !errors.Is(err, chat.ErrStorage) {
			err = chat.NewError(chat.KindStorage, "history unavailable", err)
		}
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	if msgs == nil {
		msgs = []chat.Message{}
	}
	writeJSON(w, http.StatusOK, msgs)
}

func positiveParam(raw string, required bool) (int64, error) {
	if raw == "" {
		if required {
			return 0, errors.New("missing")
		}
		return 0, nil
	}
	v, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, err
	}
	if v <= 0 {
		return 0, fmt.Errorf("%d is not positive", v)
	}
	return v, nil
}

// Health reports that the server is up.
func (s *Server) Health(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain")
	_, _ = fmt.Fprintf(w, "teamchat server is running!")
}

// TestPage serves a small browser client for manual testing.
func (s *Server) TestPage(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/html")
	if _, err := fmt.Fprint(w, testPageHTML); err != nil {
		s.log.Warn("write test page", zap.Error(err))
	}
}

const testPageHTML = `<!DOCTYPE html>
<html>
<head>
    <title>teamchat WebSocket Test</title>
    <style>
        body { font-family: Arial, sans-serif; margin: 20px; }
        #messages {
            border: 1px solid #ccc;
            height: 300px;
            padding: 10px;
            overflow-y: scroll;
            margin: 10px 0;
            background-color: #f9f9f9;
        }
        input[type="text"] { width: 300px; padding: 5px; margin-right: 10px; }
        input.short { width: 60px; }
        button { padding: 5px 15px; background-color: #007cba; color: white; border: none; cursor: pointer; }
        button:hover { background-color: #005a87; }
        .status { margin: 10px 0; padding: 5px; border-radius: 3px; }
        .connected { background-color: #d4edda; color: #155724; }
        .disconnected { background-color: #f8d7da; color: #721c24; }
    </style>
</head>
<body>
    <h1>teamchat WebSocket Test</h1>

    <div id="status" class="status disconnected">Disconnected</div>

    <div>
        <input type="text" id="tokenInput" placeholder="Bearer token">
        <button id="connectButton" onclick="toggleConnection()">Connect</button>
    </div>
    <div style="margin-top: 10px">
        <input type="text" class="short" id="teamInput" placeholder="Team" disabled>
        <button id="subscribeButton" onclick="switchTeam()" disabled>Open team</button>
    </div>
    <div style="margin-top: 10px">
        <input type="text" id="messageInput" placeholder="Type a message..." disabled>
        <button id="sendButton" onclick="sendMessage()" disabled>Send</button>
    </div>

    <div id="messages"></div>

    <script>
        let ws = null;
        let team = 0;
        let lastId = 0;
        const messagesDiv = document.getElementById('messages');
        const tokenInput = document.getElementById('tokenInput');
        const teamInput = document.getElementById('teamInput');
        const messageInput = document.getElementById('messageInput');
        const controls = [teamInput, messageInput, document.getElementById('sendButton'), document.getElementById('subscribeButton')];
        const connectButton = document.getElementById('connectButton');
        const statusDiv = document.getElementById('status');

        function addLine(text, color) {
            const el = document.createElement('div');
            el.style.margin = '5px 0';
            el.style.color = color || 'gray';
            el.textContent = text;
            messagesDiv.appendChild(el);
            messagesDiv.scrollTop = messagesDiv.scrollHeight;
        }

        function showMessage(m) {
            if (m.team_id !== team || m.message_id <= lastId) return;
            lastId = m.message_id;
            addLine('[' + m.message_id + '] ' + (m.user_name || ('user ' + m.user_id)) + ': ' + m.content, 'green');
        }

        function updateStatus(connected) {
            statusDiv.textContent = connected ? 'Connected' : 'Disconnected';
            statusDiv.className = 'status ' + (connected ? 'connected' : 'disconnected');
            controls.forEach(c => c.disabled = !connected);
            connectButton.textContent = connected ? 'Disconnect' : 'Connect';
        }

        function connect() {
            const scheme = location.protocol === 'https:' ? 'wss://' : 'ws://';
            ws = new WebSocket(scheme + location.host + '/ws?token=' + encodeURIComponent(tokenInput.value.trim()));
            ws.onopen = () => { addLine('Connected'); updateStatus(true); };
            ws.onmessage = (event) => {
                const f = JSON.parse(event.data);
                if (f.type === 'message') showMessage(f);
                else if (f.type === 'subscribed') addLine('Live on team ' + f.team_id);
                else if (f.type === 'error') addLine('Error (' + f.code + '): ' + f.error, 'red');
            };
            ws.onclose = (event) => { addLine('Connection closed (' + event.code + ')'); updateStatus(false); ws = null; };
        }

        async function switchTeam() {
            team = parseInt(teamInput.value, 10);
            lastId = 0;
            messagesDiv.textContent = '';
            const resp = await fetch('/api/messages?team_id=' + team, {
                headers: { 'Authorization': 'Bearer ' + tokenInput.value.trim() }
            });
            if (resp.ok) (await resp.json()).forEach(showMessage);
            else addLine('History failed: ' + resp.status, 'red');
            ws.send(JSON.stringify({ type: 'subscribe', team_id: team }));
        }

        function toggleConnection() {
            if (ws && ws.readyState === WebSocket.OPEN) ws.close();
            else connect();
        }

        function sendMessage() {
            const content = messageInput.value.trim();
            if (content && ws && ws.readyState === WebSocket.OPEN) {
                ws.send(JSON.stringify({ type: 'send', team_id: team, content: content }));
                messageInput.value = '';
            }
        }

        messageInput.addEventListener('keypress', (e) => { if (e.key === 'Enter') sendMessage(); });
    </script>
</body>
</html>`
