package ws

import (
	"net/http"
	"sync"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
	"github.com/titoTito21/Titan-sub004/internal/config"
	"github.com/titoTito21/Titan-sub004/internal/models"
	"github.com/titoTito21/Titan-sub004/internal/mw"
	"github.com/titoTito21/Titan-sub004/internal/service"
	"golang.org/x/time/rate"
)

// Server 是实时服务端：负责握手、请求分发与会话生命周期。
// 依赖全部由调用方注入。
type Server struct {
	cfg      config.Config
	hub      *Hub
	users    *service.UserService
	rooms    *service.RoomService
	msgs     *service.MessageService
	upgrader websocket.Upgrader

	// presenceMu 串行化“绑定/解绑会话 + 写在线状态”，
	// 保证数据库中的 status 与会话表的上下线判断一致。
	presenceMu sync.Mutex
}

func NewServer(cfg config.Config, hub *Hub, users *service.UserService, rooms *service.RoomService, msgs *service.MessageService) *Server {
	s := &Server{cfg: cfg, hub: hub, users: users, rooms: rooms, msgs: msgs}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin:     s.checkOrigin,
	}
	return s
}

func (s *Server) Hub() *Hub { return s.hub }

// checkOrigin 桌面客户端不带 Origin，直接放行；浏览器来源按允许列表校验。
func (s *Server) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	return origin == "" || mw.OriginAllowed(s.cfg.AllowedOrigins, origin)
}

// Routes 在 "/" 与 "/ws" 上注册升级端点。
func (s *Server) Routes(r gin.IRoutes) {
	r.GET("/", s.Serve)
	r.GET("/ws", s.Serve)
}

// Serve 完成握手后在当前 goroutine 中运行 readPump，writePump 另起 goroutine。
func (s *Server) Serve(c *gin.Context) {
	conn, err := s.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Debug().Err(err).Str("remote", c.Request.RemoteAddr).Msg("ws upgrade")
		return
	}
	client := newClient(conn, s.newLimiter())
	s.hub.Attach(client)
	log.Debug().Str("remote", client.remote).Msg("ws connected")

	go client.writePump()
	s.readPump(client)
}

func (s *Server) newLimiter() *rate.Limiter {
	if s.cfg.WSMessagesPerSecond <= 0 {
		return nil
	}
	return rate.NewLimiter(rate.Limit(s.cfg.WSMessagesPerSecond), s.cfg.WSMessageBurst)
}

// disconnect 是连接关闭的唯一出口：解绑会话、必要时广播离线，然后关闭发送队列。
func (s *Server) disconnect(c *Client) {
	s.presenceMu.Lock()
	sess, last, bound := s.hub.Detach(c)
	if bound {
		s.sessionEnded(sess, last)
	}
	s.presenceMu.Unlock()
	if bound && last {
		s.broadcastStatus(sess, models.StatusOffline, nil)
	}
	c.shutdown()
	if c.conn != nil {
		_ = c.conn.Close()
	}
	log.Debug().Str("remote", c.remote).Uint("user_id", sess.UserID).Msg("ws disconnected")
}

// sessionEnded 在 presenceMu 内调用。
func (s *Server) sessionEnded(sess Session, last bool) {
	if err := s.users.CloseSession(sess.ID); err != nil {
		log.Warn().Err(err).Str("session_id", sess.ID).Msg("close session record")
	}
	if last {
		if err := s.users.SetStatus(sess.UserID, models.StatusOffline); err != nil {
			log.Error().Err(err).Uint("user_id", sess.UserID).Msg("set offline")
		}
	}
}

func (s *Server) broadcastStatus(sess Session, status string, except *Client) {
	s.hub.Broadcast(frame("user_status", M{
		"user_id":      sess.UserID,
		"username":     sess.Username,
		"titan_number": sess.TitanNumber,
		"status":       status,
	}), except)
}

// Shutdown 关闭全部连接，各连接的 readPump 负责清理会话。
func (s *Server) Shutdown() {
	s.hub.CloseAll()
}
