// Package grpc 提供仿真引擎的gRPC服务
// 一元方法承载命令与查询，WatchState按推送间隔持续推送状态
package grpc

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/bwu32/canbus/internal/canbus/attack"
	"github.com/bwu32/canbus/internal/canbus/engine"
)

// Server gRPC服务器
type Server struct {
	mutex      sync.RWMutex
	listener   net.Listener
	grpcServer *grpc.Server
	port       int
	running    bool

	sim          engine.Simulator
	pushInterval time.Duration
}

// Snapshot WatchState推送的完整状态
type Snapshot struct {
	Simulation engine.State  `json:"simulation"`
	Attacks    attack.Status `json:"attacks"`
}

// CommandResult 命令执行结果
type CommandResult struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
}

// NewServer 创建gRPC服务器
func NewServer(port int, sim engine.Simulator, pushInterval time.Duration) *Server {
	return &Server{
		port:         port,
		sim:          sim,
		pushInterval: pushInterval,
	}
}

// Start 监听端口并开始服务
func (s *Server) Start() error {
	lis, err := net.Listen("tcp", fmt.Sprintf(":%d", s.port))
	if err != nil {
		return fmt.Errorf("failed to listen: %w", err)
	}
	return s.Serve(lis)
}

// Serve 在给定监听器上启动服务，立即返回
func (s *Server) Serve(lis net.Listener) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	if s.running {
		return fmt.Errorf("server already running")
	}

	s.listener = lis
	s.grpcServer = grpc.NewServer()
	s.grpcServer.RegisterService(&ServiceDesc, s)
	s.running = true

	gs := s.grpcServer
	go func() {
		if err := gs.Serve(lis); err != nil {
			log.WithError(err).Error("gRPC server stopped")
		}
	}()

	log.WithField("addr", lis.Addr().String()).Info("gRPC server started")
	return nil
}

// Stop 优雅关闭
func (s *Server) Stop() {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	if !s.running {
		return
	}
	s.grpcServer.GracefulStop()
	s.running = false
}

// IsRunning 检查服务器是否运行中
func (s *Server) IsRunning() bool {
	s.mutex.RLock()
	defer s.mutex.RUnlock()
	return s.running
}

// GetState 返回仿真状态
func (s *Server) GetState(ctx context.Context, _ *emptypb.Empty) (*structpb.Struct, error) {
	return encode(s.sim.GetState())
}

// GetAttackStatus 返回攻击状态
func (s *Server) GetAttackStatus(ctx context.Context, _ *emptypb.Empty) (*structpb.Struct, error) {
	return encode(s.sim.GetAttackStatus())
}

// ToggleSecurity 开关安全措施，请求字段 measure、enabled
func (s *Server) ToggleSecurity(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	measure, err := stringField(req, "measure")
	if err != nil {
		return nil, err
	}
	v, ok := req.GetFields()["enabled"]
	if !ok {
		return nil, status.Error(codes.InvalidArgument, "missing field enabled")
	}
	enabled, ok := v.GetKind().(*structpb.Value_BoolValue)
	if !ok {
		return nil, status.Error(codes.InvalidArgument, "field enabled must be a bool")
	}

	if !s.sim.ToggleSecurity(measure, enabled.BoolValue) {
		return encode(CommandResult{Message: fmt.Sprintf("unknown security measure: %s", measure)})
	}
	state := "disabled"
	if enabled.BoolValue {
		state = "enabled"
	}
	return encode(CommandResult{Success: true, Message: fmt.Sprintf("%s %s", measure, state)})
}

// StartAttack 启动攻击，请求字段 attack
func (s *Server) StartAttack(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	name, err := stringField(req, "attack")
	if err != nil {
		return nil, err
	}
	if !s.sim.StartAttack(name) {
		return encode(CommandResult{Message: fmt.Sprintf("failed to start %s (unknown or already active)", name)})
	}
	return encode(CommandResult{Success: true, Message: fmt.Sprintf("%s started", name)})
}

// StopAttack 停止攻击，请求字段 attack
func (s *Server) StopAttack(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	name, err := stringField(req, "attack")
	if err != nil {
		return nil, err
	}
	if !s.sim.StopAttack(name) {
		return encode(CommandResult{Message: fmt.Sprintf("failed to stop %s (not active)", name)})
	}
	return encode(CommandResult{Success: true, Message: fmt.Sprintf("%s stopped", name)})
}

// WatchState 持续推送状态直到客户端断开
func (s *Server) WatchState(_ *emptypb.Empty, stream grpc.ServerStream) error {
	ticker := time.NewTicker(s.pushInterval)
	defer ticker.Stop()

	log.Debug("State watcher connected")
	defer log.Debug("State watcher disconnected")

	for {
		msg, err := encode(Snapshot{
			Simulation: s.sim.GetState(),
			Attacks:    s.sim.GetAttackStatus(),
		})
		if err != nil {
			return err
		}
		if err := stream.SendMsg(msg); err != nil {
			return err
		}

		select {
		case <-stream.Context().Done():
			return nil
		case <-ticker.C:
		}
	}
}

func encode(v interface{}) (*structpb.Struct, error) {
	s, err := ToStruct(v)
	if err != nil {
		return nil, status.Errorf(codes.Internal, "encode response: %v", err)
	}
	return s, nil
}

func stringField(req *structpb.Struct, name string) (string, error) {
	v, ok := req.GetFields()[name]
	if !ok {
		return "", status.Errorf(codes.InvalidArgument, "missing field %s", name)
	}
	str, ok := v.GetKind().(*structpb.Value_StringValue)
	if !ok || str.StringValue == "" {
		return "", status.Errorf(codes.InvalidArgument, "field %s must be a non-empty string", name)
	}
	return str.StringValue, nil
}
