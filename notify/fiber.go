package notify

import (
	fiberws "github.com/gofiber/contrib/websocket"
	"github.com/gofiber/fiber/v2"
)

// RegisterRoutes serves the hub on path of a fiber router. Plain HTTP
// requests to path are refused with 426.
func (h *Hub) RegisterRoutes(r fiber.Router, path string) {
	r.Use(path, func(c *fiber.Ctx) error {
		if fiberws.IsWebSocketUpgrade(c) {
			return c.Next()
		}
		return fiber.ErrUpgradeRequired
	})
	r.Get(path, fiberws.New(func(c *fiberws.Conn) {
		h.serve(c, c.RemoteAddr().String())
	}))
}
