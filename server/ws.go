package server

import (
	"context"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/websocket/v2"
	"github.com/sirupsen/logrus"

	"github.com/mrsingh-rishi/ziya-twin/middleware"
	"github.com/mrsingh-rishi/ziya-twin/model"
	"github.com/mrsingh-rishi/ziya-twin/output"
)

// requireUpgrade rejects plain HTTP requests on the socket route.
func requireUpgrade(c *fiber.Ctx) error {
	if websocket.IsWebSocketUpgrade(c) {
		c.Locals("allowed", true)
		return c.Next()
	}
	return fiber.ErrUpgradeRequired
}

// socketHandler serves /ws. Every binary message is one complete upload and
// is answered with one JSON message, either a reply or an error payload.
func (s *Server) socketHandler() fiber.Handler {
	return websocket.New(func(ws *websocket.Conn) {
		defer ws.Close()

		requestID, _ := ws.Locals(middleware.RequestIDKey).(string)
		log := s.logger.WithField("request_id", requestID)
		log.Info("websocket connected")

		ctx, cancel := context.WithCancel(s.baseCtx)
		defer cancel()

		if s.readLimit > 0 {
			ws.SetReadLimit(s.readLimit)
		}

		for {
			msgType, msg, err := ws.ReadMessage()
			if err != nil {
				if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
					log.WithError(err).Warn("websocket read failed")
				}
				break
			}

			var reply interface{}
			if msgType != websocket.BinaryMessage || len(msg) == 0 {
				reply = output.ErrorPayload(output.MsgMissingAudio)
			} else {
				resp, err := s.runner.Run(ctx, model.AudioUpload(msg))
				if err != nil {
					code, text := statusFor(err)
					log.WithFields(logrus.Fields{"status": code}).WithError(err).Warn("voice reply failed")
					reply = output.ErrorPayload(text)
				} else {
					reply = resp
				}
			}

			if err := ws.WriteJSON(reply); err != nil {
				log.WithError(err).Warn("websocket write failed")
				break
			}
		}
		log.Info("websocket closed")
	})
}
