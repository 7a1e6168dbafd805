// Package client 提供仿真服务的gRPC客户端
package client

import (
	"context"
	"fmt"
	"io"
	"sync"

	log "github.com/sirupsen/logrus"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/bwu32/canbus/internal/canbus/attack"
	"github.com/bwu32/canbus/internal/canbus/engine"
	simgrpc "github.com/bwu32/canbus/internal/server/grpc"
)

// Client gRPC客户端
type Client struct {
	mutex      sync.RWMutex
	conn       *grpc.ClientConn
	serverAddr string
	connected  bool
}

// NewClient 创建客户端
func NewClient(serverAddr string) *Client {
	return &Client{serverAddr: serverAddr}
}

// Connect 连接到仿真服务，默认不加密
func (c *Client) Connect(opts ...grpc.DialOption) error {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	if c.connected {
		return nil
	}

	opts = append([]grpc.DialOption{grpc.WithTransportCredentials(insecure.NewCredentials())}, opts...)
	conn, err := grpc.NewClient(c.serverAddr, opts...)
	if err != nil {
		return fmt.Errorf("failed to connect: %w", err)
	}

	c.conn = conn
	c.connected = true

	log.WithField("server", c.serverAddr).Debug("Connected to simulator")
	return nil
}

// Disconnect 断开连接
func (c *Client) Disconnect() {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	if !c.connected {
		return
	}
	c.conn.Close()
	c.connected = false
}

// IsConnected 检查是否已连接
func (c *Client) IsConnected() bool {
	c.mutex.RLock()
	defer c.mutex.RUnlock()
	return c.connected
}

func (c *Client) connection() (*grpc.ClientConn, error) {
	c.mutex.RLock()
	defer c.mutex.RUnlock()
	if !c.connected {
		return nil, fmt.Errorf("not connected")
	}
	return c.conn, nil
}

func (c *Client) invoke(ctx context.Context, method string, req interface{}, out interface{}) error {
	conn, err := c.connection()
	if err != nil {
		return err
	}

	resp := &structpb.Struct{}
	if err := conn.Invoke(ctx, method, req, resp); err != nil {
		return err
	}
	return simgrpc.FromStruct(resp, out)
}

// GetState 获取仿真状态
func (c *Client) GetState(ctx context.Context) (*engine.State, error) {
	state := &engine.State{}
	if err := c.invoke(ctx, simgrpc.MethodGetState, &emptypb.Empty{}, state); err != nil {
		return nil, err
	}
	return state, nil
}

// GetAttackStatus 获取攻击状态
func (c *Client) GetAttackStatus(ctx context.Context) (*attack.Status, error) {
	st := &attack.Status{}
	if err := c.invoke(ctx, simgrpc.MethodGetAttackStatus, &emptypb.Empty{}, st); err != nil {
		return nil, err
	}
	return st, nil
}

// ToggleSecurity 开关安全措施
func (c *Client) ToggleSecurity(ctx context.Context, measure string, enabled bool) (*simgrpc.CommandResult, error) {
	req, err := structpb.NewStruct(map[string]interface{}{
		"measure": measure,
		"enabled": enabled,
	})
	if err != nil {
		return nil, err
	}
	result := &simgrpc.CommandResult{}
	if err := c.invoke(ctx, simgrpc.MethodToggleSecurity, req, result); err != nil {
		return nil, err
	}
	return result, nil
}

// StartAttack 启动攻击
func (c *Client) StartAttack(ctx context.Context, name string) (*simgrpc.CommandResult, error) {
	return c.attackCommand(ctx, simgrpc.MethodStartAttack, name)
}

// StopAttack 停止攻击
func (c *Client) StopAttack(ctx context.Context, name string) (*simgrpc.CommandResult, error) {
	return c.attackCommand(ctx, simgrpc.MethodStopAttack, name)
}

func (c *Client) attackCommand(ctx context.Context, method, name string) (*simgrpc.CommandResult, error) {
	req, err := structpb.NewStruct(map[string]interface{}{"attack": name})
	if err != nil {
		return nil, err
	}
	result := &simgrpc.CommandResult{}
	if err := c.invoke(ctx, method, req, result); err != nil {
		return nil, err
	}
	return result, nil
}

// Watch 订阅状态推送，每收到一次快照调用fn
// fn返回错误或ctx取消时结束
func (c *Client) Watch(ctx context.Context, fn func(*simgrpc.Snapshot) error) error {
	conn, err := c.connection()
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	stream, err := conn.NewStream(ctx, &simgrpc.ServiceDesc.Streams[0], simgrpc.MethodWatchState)
	if err != nil {
		return err
	}
	if err := stream.SendMsg(&emptypb.Empty{}); err != nil {
		return err
	}
	if err := stream.CloseSend(); err != nil {
		return err
	}

	for {
		msg := &structpb.Struct{}
		if err := stream.RecvMsg(msg); err != nil {
			if err == io.EOF || ctx.Err() != nil {
				return nil
			}
			return err
		}

		snap := &simgrpc.Snapshot{}
		if err := simgrpc.FromStruct(msg, snap); err != nil {
			return err
		}
		if err := fn(snap); err != nil {
			return err
		}
	}
}
