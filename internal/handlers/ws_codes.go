// internal/handlers/ws_codes.go
package handlers

import "github.com/coder/websocket"

// Close codes for the tree websocket, more specific than the standard ones.
const (
	BadSubprotocolError   websocket.StatusCode = 3000 // Client did not speak the tree subprotocol.
	InvalidAuthTokenError websocket.StatusCode = 3001 // Token missing, invalid or expired.
	NotParticipantError   websocket.StatusCode = 3002 // Caller is not in the room they tried to reach.
	RoomGoneError         websocket.StatusCode = 3003 // The room was deleted while subscribed.
)

// TreeSubprotocol is the websocket subprotocol clients must request.
const TreeSubprotocol = "pairplay.tree"
