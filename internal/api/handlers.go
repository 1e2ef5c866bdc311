package api

import (
	"encoding/json"
	"net/http"
	"slices"

	"github.com/gorilla/websocket"
	"github.com/npezzotti/go-sse-relay/internal/server"
	"github.com/npezzotti/go-sse-relay/internal/types"
)

const maxRequestBodySize = 1 << 20

type RoomRequest struct {
	UserId string `json:"userId"`
	RoomId string `json:"roomId"`
}

type TypingRequest struct {
	UserId   string `json:"userId"`
	RoomId   string `json:"roomId"`
	IsTyping *bool  `json:"isTyping"`
	UserName string `json:"userName"`
}

type NewMessageRequest struct {
	RoomId        string          `json:"roomId"`
	Message       json.RawMessage `json:"message"`
	ExcludeUserId string          `json:"excludeUserId"`
}

type NotifyRequest struct {
	UserId       string          `json:"userId"`
	Notification json.RawMessage `json:"notification"`
}

type BroadcastRequest struct {
	Data          json.RawMessage `json:"data"`
	ExcludeUserId string          `json:"excludeUserId"`
}

type AckResponse struct {
	Success bool `json:"success"`
	SentTo  *int `json:"sentTo,omitempty"`
}

func ack() AckResponse {
	return AckResponse{Success: true}
}

func ackSent(n int) AckResponse {
	return AckResponse{Success: true, SentTo: &n}
}

func (s *RelayApp) writeJson(w http.ResponseWriter, statusCode int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if v == nil {
		return
	}

	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.log.Printf("json encode: %v", err)
	}
}

func (s *RelayApp) writeError(w http.ResponseWriter, errResp *ApiError) {
	s.writeJson(w, errResp.StatusCode, errResp)
}

// decodeBody decodes a JSON request body into v, writing a 400 on failure.
func (s *RelayApp) decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		s.log.Printf("decode request body: %v", err)
		s.writeError(w, NewBadRequestError("invalid json body"))
		return false
	}

	return true
}

func (s *RelayApp) healthCheck(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("OK"))
}

func (s *RelayApp) serveSSE(w http.ResponseWriter, r *http.Request) {
	userId := r.PathValue("userId")
	if userId == "" {
		s.writeError(w, NewBadRequestError("missing userId"))
		return
	}
	if !s.authorizeUser(r, userId) {
		s.writeError(w, NewForbiddenError())
		return
	}

	stream := server.NewSSEStream(w, s.log, s.sendBufferSize, s.heartbeat)
	s.dm.Connect(userId, stream)

	// blocks until the client goes away or the stream is replaced
	stream.Run(r.Context())
}

func (s *RelayApp) serveWs(w http.ResponseWriter, r *http.Request) {
	userId := r.PathValue("userId")
	if userId == "" {
		s.writeError(w, NewBadRequestError("missing userId"))
		return
	}
	if !s.authorizeUser(r, userId) {
		s.writeError(w, NewForbiddenError())
		return
	}

	upgrader := websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool {
			// only allow connections from allowed origins
			origin := r.Header.Get("Origin")
			if origin == "" {
				// if no origin header, allow the request
				return true
			}

			return slices.Contains(s.allowedOrigins, origin)
		},
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Println("error upgrading connection:", err)
		return
	}

	stream := server.NewWSStream(conn, s.log, s.sendBufferSize)
	s.dm.Connect(userId, stream)
	stream.Run()
}

// decodeRoomRequest validates a {userId, roomId} body.
func (s *RelayApp) decodeRoomRequest(w http.ResponseWriter, r *http.Request) (RoomRequest, bool) {
	var req RoomRequest
	if !s.decodeBody(w, r, &req) {
		return req, false
	}

	if req.UserId == "" || req.RoomId == "" {
		s.writeError(w, NewBadRequestError("userId and roomId are required"))
		return req, false
	}

	if !s.authorizeUser(r, req.UserId) {
		s.writeError(w, NewForbiddenError())
		return req, false
	}

	return req, true
}

func (s *RelayApp) joinRoom(w http.ResponseWriter, r *http.Request) {
	req, ok := s.decodeRoomRequest(w, r)
	if !ok {
		return
	}

	s.writeJson(w, http.StatusOK, AckResponse{Success: s.dm.JoinRoom(req.UserId, req.RoomId)})
}

func (s *RelayApp) leaveRoom(w http.ResponseWriter, r *http.Request) {
	req, ok := s.decodeRoomRequest(w, r)
	if !ok {
		return
	}

	s.writeJson(w, http.StatusOK, AckResponse{Success: s.dm.LeaveRoom(req.UserId, req.RoomId)})
}

func (s *RelayApp) typing(w http.ResponseWriter, r *http.Request) {
	var req TypingRequest
	if !s.decodeBody(w, r, &req) {
		return
	}

	if req.UserId == "" || req.RoomId == "" || req.IsTyping == nil {
		s.writeError(w, NewBadRequestError("userId, roomId and isTyping are required"))
		return
	}

	if !s.authorizeUser(r, req.UserId) {
		s.writeError(w, NewForbiddenError())
		return
	}

	sent := s.dm.NotifyTyping(req.RoomId, req.UserId, req.UserName, *req.IsTyping)
	s.writeJson(w, http.StatusOK, ackSent(sent))
}

func (s *RelayApp) messageRead(w http.ResponseWriter, r *http.Request) {
	req, ok := s.decodeRoomRequest(w, r)
	if !ok {
		return
	}

	sent := s.dm.NotifyMessageRead(req.RoomId, req.UserId)
	s.writeJson(w, http.StatusOK, ackSent(sent))
}

func (s *RelayApp) newMessage(w http.ResponseWriter, r *http.Request) {
	var req NewMessageRequest
	if !s.decodeBody(w, r, &req) {
		return
	}

	if req.RoomId == "" || types.IsEmptyPayload(req.Message) {
		s.writeError(w, NewBadRequestError("roomId and message are required"))
		return
	}

	sent := s.dm.NotifyNewMessage(req.RoomId, req.Message, req.ExcludeUserId)
	s.writeJson(w, http.StatusOK, ackSent(sent))
}

func (s *RelayApp) notify(w http.ResponseWriter, r *http.Request) {
	var req NotifyRequest
	if !s.decodeBody(w, r, &req) {
		return
	}

	if req.UserId == "" || types.IsEmptyPayload(req.Notification) {
		s.writeError(w, NewBadRequestError("userId and notification are required"))
		return
	}

	sent := s.dm.NotifyUser(req.UserId, req.Notification)
	s.writeJson(w, http.StatusOK, ackSent(sent))
}

func (s *RelayApp) broadcast(w http.ResponseWriter, r *http.Request) {
	var req BroadcastRequest
	if !s.decodeBody(w, r, &req) {
		return
	}

	if types.IsEmptyPayload(req.Data) {
		s.writeError(w, NewBadRequestError("data is required"))
		return
	}

	sent := s.dm.BroadcastAll(server.Broadcast(req.Data), req.ExcludeUserId)
	s.writeJson(w, http.StatusOK, ackSent(sent))
}

func (s *RelayApp) status(w http.ResponseWriter, r *http.Request) {
	s.writeJson(w, http.StatusOK, s.dm.Diagnostics())
}
