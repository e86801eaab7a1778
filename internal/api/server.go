package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"StrongNet-Agent/internal/cycle"
	xerrors "StrongNet-Agent/internal/errors"
	"StrongNet-Agent/internal/observability/metrics"
	"StrongNet-Agent/internal/trigger"
	"StrongNet-Agent/pkg/logger"

	"github.com/ethereum/go-ethereum/common"
)

// HealthMessage 是 /health 的固定响应。
const HealthMessage = "StrongNet-Agent is Alive."

// CycleService 是 API 依赖的周期引擎能力。
type CycleService interface {
	RunCycle(ctx context.Context, trigger cycle.Trigger) (cycle.Report, error)
	State() cycle.State
	LastReport() (cycle.Report, bool)
}

// Info 描述 /api/v1/status 中的静态信息。
type Info struct {
	Wallet    common.Address `json:"wallet"`
	Chain     string         `json:"chain"`
	Endpoints []string       `json:"endpoints"`
	Policy    string         `json:"confirmation_policy"`
	Amount    string         `json:"amount"`
	Sinks     []string       `json:"notify_sinks"`
}

// Option 配置 Server。
type Option func(*Server)

// WithInfo 设置状态信息。
func WithInfo(info Info) Option {
	return func(s *Server) {
		s.info = info
	}
}

// WithTriggerTimeout 限制同步触发等待周期锁与执行周期的总时长。
func WithTriggerTimeout(d time.Duration) Option {
	return func(s *Server) {
		if d > 0 {
			s.triggerTimeout = d
		}
	}
}

// WithQueue 启用 ?async=true 的异步触发。
func WithQueue(p trigger.Producer) Option {
	return func(s *Server) {
		s.queue = p
	}
}

// WithLogger 注入日志。
func WithLogger(l *slog.Logger) Option {
	return func(s *Server) {
		if l != nil {
			s.log = l
		}
	}
}

// Server 暴露健康检查、手动触发、状态与指标接口。
type Server struct {
	addr           string
	engine         CycleService
	info           Info
	triggerTimeout time.Duration
	queue          trigger.Producer
	log            *slog.Logger
	base           context.Context
}

// NewServer 构造 API 服务实例。
func NewServer(addr string, engine CycleService, opts ...Option) *Server {
	s := &Server{
		addr:           addr,
		engine:         engine,
		triggerTimeout: 5 * time.Minute,
		log:            logger.Named("api"),
		base:           context.Background(),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

// Handler 返回带指标中间件的路由。
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/health", instrument("/health", http.HandlerFunc(s.handleHealth)))
	mux.Handle("/api/v1/cycles", instrument("/api/v1/cycles", http.HandlerFunc(s.handleCycles)))
	mux.Handle("/api/v1/status", instrument("/api/v1/status", http.HandlerFunc(s.handleStatus)))
	mux.Handle("/metrics", metrics.Handler())
	return mux
}

// Start 启动 HTTP 服务，直到上下文取消或出现错误。
func (s *Server) Start(ctx context.Context) error {
	s.base = ctx
	server := &http.Server{
		Addr:              s.addr,
		Handler:           withContext(ctx, s.Handler()),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()
	s.log.Info("HTTP 服务已启动", slog.String("address", s.addr))

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
		return ctx.Err()
	case err := <-errCh:
		return err
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		http.Error(w, "仅支持 GET", http.StatusMethodNotAllowed)
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	_, _ = w.Write([]byte(HealthMessage))
}

func (s *Server) handleCycles(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "仅支持 POST", http.StatusMethodNotAllowed)
		return
	}
	if s.engine == nil {
		writeError(w, http.StatusServiceUnavailable, xerrors.New(xerrors.CodeInitializationFailure, "周期引擎未初始化"))
		return
	}

	if async, _ := strconv.ParseBool(r.URL.Query().Get("async")); async {
		s.enqueue(w, r)
		return
	}

	// 周期不随客户端断开而取消，只受服务生命周期与触发超时约束。
	ctx, cancel := context.WithTimeout(s.base, s.triggerTimeout)
	defer cancel()
	report, err := s.engine.RunCycle(ctx, cycle.TriggerManual)
	if err != nil {
		status := http.StatusInternalServerError
		if xerrors.CodeOf(err) == xerrors.CodeCycleBusy {
			status = http.StatusConflict
		}
		writeError(w, status, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

func (s *Server) enqueue(w http.ResponseWriter, r *http.Request) {
	if s.queue == nil {
		writeError(w, http.StatusServiceUnavailable, xerrors.New(xerrors.CodeQueueFailure, "触发队列未配置"))
		return
	}
	source := r.Header.Get("X-Trigger-Source")
	if source == "" {
		source = "http"
	}
	req := trigger.NewRequest(source)
	if err := s.queue.Publish(r.Context(), req); err != nil {
		writeError(w, http.StatusBadGateway, xerrors.Wrap(xerrors.CodeQueueFailure, err, "投递触发请求失败"))
		return
	}
	writeJSON(w, http.StatusAccepted, req)
}

type statusResponse struct {
	Info
	State     cycle.State   `json:"state"`
	LastCycle *cycle.Report `json:"last_cycle,omitempty"`
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "仅支持 GET", http.StatusMethodNotAllowed)
		return
	}
	if s.engine == nil {
		writeError(w, http.StatusServiceUnavailable, xerrors.New(xerrors.CodeInitializationFailure, "周期引擎未初始化"))
		return
	}
	resp := statusResponse{Info: s.info, State: s.engine.State()}
	if last, ok := s.engine.LastReport(); ok {
		resp.LastCycle = &last
	}
	writeJSON(w, http.StatusOK, resp)
}

type errorResponse struct {
	Code    xerrors.Code `json:"code"`
	Message string       `json:"message"`
}

func writeError(w http.ResponseWriter, status int, err error) {
	resp := errorResponse{Code: xerrors.CodeOf(err), Message: err.Error()}
	if e, ok := xerrors.From(err); ok {
		resp.Message = e.Message()
	}
	writeJSON(w, status, resp)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// withContext 确保请求处理能够感知根上下文取消。
func withContext(ctx context.Context, handler http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-ctx.Done():
			http.Error(w, "服务已关闭", http.StatusServiceUnavailable)
			return
		default:
		}
		handler.ServeHTTP(w, r)
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func instrument(name string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		started := time.Now()
		next.ServeHTTP(rec, r)
		metrics.ObserveHTTPRequest(name, r.Method, rec.status, time.Since(started))
	})
}
