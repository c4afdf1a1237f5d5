package metrics

import (
	"context"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"perpmesh/logger"
)

// Server 指标暴露服务
type Server struct {
	srv *http.Server
	log *logger.Logger
}

// NewServer 创建指标暴露服务
func NewServer(listen string, log *logger.Logger) *Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())

	return &Server{
		srv: &http.Server{
			Addr:              listen,
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		},
		log: log,
	}
}

// Start 启动指标服务（非阻塞）
func (s *Server) Start() {
	go func() {
		s.log.Info("📊 指标服务已启动: %s/metrics", s.srv.Addr)
		if err := s.srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.log.Error("❌ 指标服务异常退出: %v", err)
		}
	}()
}

// Stop 停止指标服务
func (s *Server) Stop(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}
