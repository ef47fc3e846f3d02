package ws

import (
	"net/http"

	"github.com/gorilla/websocket"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// ServeHTTP upgrades the request to a websocket connection and serves it until it is closed. If OIDC providers
// are configured, the query parameters id_token and provider must authenticate the connection.
func (g *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	authUserId := ""
	if g.authenticator.Enabled() {
		vals := r.URL.Query()
		userId, err := g.authenticator.Authenticate(r.Context(), vals.Get("id_token"), vals.Get("provider"))
		if err != nil {
			g.logger.Debug("authentication failed", "error", err)
			http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
			return
		}
		authUserId = userId
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		g.logger.Error("websocket upgrade error", "error", err)
		return
	}

	c := NewClient(g, conn, authUserId)
	g.logger.Debug("new connection", "connection", c.Id, "user", authUserId)
	g.register(c)
	defer g.unregister(c)
	g.metrics.Connections.Add(g.ctx, 1)
	defer g.metrics.Connections.Add(g.ctx, -1)

	c.Add(2)
	go c.WriteLoop()
	go c.ReadLoop()
	c.Wait()
	g.logger.Debug("connection closed", "connection", c.Id)
}
