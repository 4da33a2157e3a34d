package handlers

import (
	"errors"
	"fmt"
	"log/slog"

	hub "github.com/anjiri1684/lesson_billing/websocket"
	"github.com/gofiber/contrib/websocket"
	"github.com/gofiber/fiber/v2"
	"github.com/golang-jwt/jwt/v4"
	"github.com/google/uuid"
)

// RealtimeHandler streams billing events to the authenticated user over a websocket.
type RealtimeHandler struct {
	hub    *hub.Hub
	secret string
	logger *slog.Logger
}

func NewRealtimeHandler(h *hub.Hub, secret string, logger *slog.Logger) *RealtimeHandler {
	return &RealtimeHandler{hub: h, secret: secret, logger: defaultLogger(logger, "realtime_handler")}
}

// RequireUpgrade rejects plain HTTP requests to the websocket route.
func RequireUpgrade(c *fiber.Ctx) error {
	if !websocket.IsWebSocketUpgrade(c) {
		return fiber.ErrUpgradeRequired
	}
	return c.Next()
}

func (h *RealtimeHandler) Serve() fiber.Handler {
	return websocket.New(h.serve)
}

func (h *RealtimeHandler) serve(c *websocket.Conn) {
	userID, err := h.authenticate(c.Query("token"))
	if err != nil {
		h.logger.Warn("websocket auth failed", "error", err)
		_ = c.WriteJSON(fiber.Map{"error": "Invalid token"})
		c.Close()
		return
	}

	client := &hub.Client{UserID: userID, Conn: c}
	h.hub.Register(client)
	defer h.hub.Unregister(client)

	// Clients only listen; reading keeps the connection alive until it closes.
	for {
		if _, _, err := c.ReadMessage(); err != nil {
			if !websocket.IsCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				h.logger.Debug("websocket read error", "user_id", userID, "error", err)
			}
			return
		}
	}
}

func (h *RealtimeHandler) authenticate(tokenString string) (uuid.UUID, error) {
	if tokenString == "" {
		return uuid.Nil, errors.New("missing token")
	}
	token, err := jwt.Parse(tokenString, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return []byte(h.secret), nil
	})
	if err != nil {
		return uuid.Nil, fmt.Errorf("invalid token: %w", err)
	}
	if !token.Valid {
		return uuid.Nil, errors.New("invalid token")
	}
	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return uuid.Nil, errors.New("unexpected claims")
	}
	raw, _ := claims["user_id"].(string)
	return uuid.Parse(raw)
}
