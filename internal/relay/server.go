package relay

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"vigil/internal/jobstate"
	"vigil/internal/logtail"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/mux"
	"go.uber.org/zap"
)

// TailFactory 为 jid 新建一个还没启动的日志控制器
type TailFactory func(jid string) *logtail.Controller

// DefaultIdleTimeout 没有任何观看者之后日志控制器还保留多久
const DefaultIdleTimeout = 30 * time.Second

// Server 把 JobStateStore 和 LogTailController 的视图以 JSON / SSE 暴露出去
type Server struct {
	ctx     context.Context
	jobs    *jobstate.Store
	newTail TailFactory
	logger  *zap.Logger

	// IdleTimeout 最后一个观看者离开后多久拆掉还在跟随的流
	IdleTimeout time.Duration

	mu    sync.Mutex
	tails map[string]*tailEntry
	wg    sync.WaitGroup
}

// tailEntry 一次日志查看：控制器 + 它的生命周期 + 当前观看者数
type tailEntry struct {
	c      *logtail.Controller
	cancel context.CancelFunc
	refs   int
	idle   *time.Timer
}

// New ctx 是所有日志控制器的生命周期，取消后它们都会拆掉各自的流
func New(ctx context.Context, jobs *jobstate.Store, newTail TailFactory, logger *zap.Logger) *Server {
	return &Server{
		ctx:     ctx,
		jobs:    jobs,
		newTail: newTail,
		logger:  logger.Named("relay"),
		tails:   make(map[string]*tailEntry),

		IdleTimeout: DefaultIdleTimeout,
	}
}

// Handler 路由 + 中间件
func (s *Server) Handler() http.Handler {
	router := mux.NewRouter().StrictSlash(true)
	router.HandleFunc("/api/jobs", s.listJobs).Methods(http.MethodGet)
	router.HandleFunc("/api/jobs/events", s.jobEvents).Methods(http.MethodGet)
	router.HandleFunc("/api/jobs/{jid}/log", s.jobLog).Methods(http.MethodGet)
	router.HandleFunc("/api/jobs/{jid}/log/events", s.jobLogEvents).Methods(http.MethodGet)
	router.HandleFunc("/v1/health", s.health).Methods(http.MethodGet)

	var h http.Handler = router
	h = logging(s.logger)(h)
	h = middleware.Recoverer(h)
	h = middleware.RequestID(h)
	return h
}

// Wait 等待所有日志控制器结束
func (s *Server) Wait() { s.wg.Wait() }

// Active 当前登记的日志控制器数量
func (s *Server) Active() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.tails)
}

// acquire 同一个 jid 的并发观看者共用一个控制器。
// 控制器没人看超过 IdleTimeout 就从表里移除 (还在跟随的流会被拆掉)，下一次请求是一次新的查看。
func (s *Server) acquire(jid string) *tailEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.tails[jid]
	if !ok {
		ctx, cancel := context.WithCancel(s.ctx)
		e = &tailEntry{c: s.newTail(jid), cancel: cancel}
		s.tails[jid] = e
		s.wg.Add(1)
		go s.run(ctx, jid, e)
	}
	if e.idle != nil {
		e.idle.Stop()
		e.idle = nil
	}
	e.refs++
	return e
}

// release 最后一个观看者离开后开始计时
func (s *Server) release(jid string, e *tailEntry) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e.refs--
	if e.refs > 0 || s.tails[jid] != e {
		return
	}
	e.idle = time.AfterFunc(s.IdleTimeout, func() { s.evict(jid, e) })
}

func (s *Server) evict(jid string, e *tailEntry) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e.refs > 0 {
		return
	}
	if s.tails[jid] == e {
		delete(s.tails, jid)
	}
	s.logger.Debug("log tail idle, dropping", zap.String("jid", jid))
	e.cancel()
}

// run 控制器结束后结果再保留一个空闲周期给轮询的客户端，之后的请求重新开始查看
func (s *Server) run(ctx context.Context, jid string, e *tailEntry) {
	defer s.wg.Done()
	if err := e.c.Run(ctx); err != nil {
		s.logger.Debug("log tail stopped", zap.String("jid", jid), zap.Error(err))
	}
	e.cancel()

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.tails[jid] != e {
		return
	}
	if s.ctx.Err() != nil {
		delete(s.tails, jid)
		return
	}
	if e.refs == 0 && e.idle == nil {
		e.idle = time.AfterFunc(s.IdleTimeout, func() { s.evict(jid, e) })
	}
}

func (s *Server) listJobs(w http.ResponseWriter, r *http.Request) {
	v := s.jobs.View()
	if !v.HasData {
		writeJSON(w, http.StatusServiceUnavailable, errorBody{Error: "no snapshot received yet", Link: string(v.Link)})
		return
	}
	writeJSON(w, http.StatusOK, v)
}

func (s *Server) jobLog(w http.ResponseWriter, r *http.Request) {
	jid := mux.Vars(r)["jid"]
	e := s.acquire(jid)
	defer s.release(jid, e)
	writeJSON(w, http.StatusOK, e.c.View())
}

type healthBody struct {
	IsReady    bool `json:"isReady"`
	IsShutdown bool `json:"isShutdown"`
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	v := s.jobs.View()
	writeJSON(w, http.StatusOK, healthBody{IsReady: v.IsReady, IsShutdown: v.IsShutdown})
}

type errorBody struct {
	Error string `json:"error"`
	Link  string `json:"link,omitempty"`
}

func writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

// logging 记录每个请求的方法、路径、状态码和 request id
func logging(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			defer func() {
				logger.Debug("request",
					zap.String("method", r.Method),
					zap.String("path", r.URL.Path),
					zap.Int("status", ww.Status()),
					zap.Int("bytes", ww.BytesWritten()),
					zap.String("request_id", middleware.GetReqID(r.Context())),
					zap.String("remote", r.RemoteAddr))
			}()
			next.ServeHTTP(ww, r)
		})
	}
}
