package main

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/legamerdc/tickrpc/server"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// Settings 宿主进程配置：服务端配置加上宿主侧开关
type Settings struct {
	Server server.Config

	// AutoStartServer 进程启动后立即启动服务端
	AutoStartServer bool
	// AutoAcceptConnections 自动允许所有连接请求；否则等待运维通过管理接口处置
	AutoAcceptConnections bool

	TickInterval time.Duration
	AdminAddr    string
	Vessel       string

	LogLevel  string
	LogFormat string
}

// 配置键
const (
	keyAddress          = "server.address"
	keyRPCPort          = "server.rpc_port"
	keyStreamPort       = "server.stream_port"
	keyOneRPCPerUpdate  = "server.one_rpc_per_update"
	keyMaxTimePerUpdate = "server.max_time_per_update"
	keyAdaptive         = "server.adaptive_rate_control"
	keyBlockingRecv     = "server.blocking_recv"
	keyRecvTimeout      = "server.recv_timeout"
	keyRequestTimeout   = "server.request_timeout"
	keyMaxPayload       = "server.max_payload"
	keyMaxQueuedCalls   = "server.max_queued_calls"
	keyAutoStart        = "auto_start_server"
	keyAutoAccept       = "auto_accept_connections"
	keyTickInterval     = "tick_interval"
	keyAdminAddr        = "admin_addr"
	keyVessel           = "vessel"
	keyLogLevel         = "log.level"
	keyLogFormat        = "log.format"
)

// newViper 设置默认值与环境变量（TICKRPC_ 前缀，点号替换为下划线）
func newViper() *viper.Viper {
	d := server.DefaultConfig()
	v := viper.New()
	v.SetDefault(keyAddress, d.Address)
	v.SetDefault(keyRPCPort, d.RPCPort)
	v.SetDefault(keyStreamPort, d.StreamPort)
	v.SetDefault(keyOneRPCPerUpdate, d.OneRPCPerUpdate)
	v.SetDefault(keyMaxTimePerUpdate, d.MaxTimePerUpdate)
	v.SetDefault(keyAdaptive, d.AdaptiveRateControl)
	v.SetDefault(keyBlockingRecv, d.BlockingRecv)
	v.SetDefault(keyRecvTimeout, d.RecvTimeout)
	v.SetDefault(keyRequestTimeout, d.RequestTimeout)
	v.SetDefault(keyMaxPayload, d.MaxPayload)
	v.SetDefault(keyMaxQueuedCalls, d.MaxQueuedCalls)
	v.SetDefault(keyAutoStart, true)
	v.SetDefault(keyAutoAccept, false)
	v.SetDefault(keyTickInterval, d.TickInterval)
	v.SetDefault(keyAdminAddr, "127.0.0.1:9477")
	v.SetDefault(keyVessel, "Kerbal X")
	v.SetDefault(keyLogLevel, "info")
	v.SetDefault(keyLogFormat, "console")

	v.SetEnvPrefix("TICKRPC")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

// bindFlags 将命令行参数绑定到配置键，参数优先于文件与环境变量
func bindFlags(v *viper.Viper, fs *pflag.FlagSet) error {
	binds := map[string]string{
		"address":      keyAddress,
		"rpc-port":     keyRPCPort,
		"stream-port":  keyStreamPort,
		"auto-start":   keyAutoStart,
		"auto-accept":  keyAutoAccept,
		"tick":         keyTickInterval,
		"admin-addr":   keyAdminAddr,
		"log-level":    keyLogLevel,
		"one-rpc":      keyOneRPCPerUpdate,
		"max-time":     keyMaxTimePerUpdate,
		"adaptive":     keyAdaptive,
		"vessel":       keyVessel,
		"log-format":   keyLogFormat,
		"request-wait": keyRequestTimeout,
	}
	for name, key := range binds {
		f := fs.Lookup(name)
		if f == nil {
			continue
		}
		if err := v.BindPFlag(key, f); err != nil {
			return fmt.Errorf("bind flag %s: %w", name, err)
		}
	}
	return nil
}

// loadSettings 读取可选的配置文件并解析为 Settings
func loadSettings(v *viper.Viper, path string) (*Settings, error) {
	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	s := &Settings{Server: server.DefaultConfig()}
	s.Server.Address = v.GetString(keyAddress)
	s.Server.RPCPort = v.GetInt(keyRPCPort)
	s.Server.StreamPort = v.GetInt(keyStreamPort)
	s.Server.OneRPCPerUpdate = v.GetBool(keyOneRPCPerUpdate)
	s.Server.MaxTimePerUpdate = v.GetDuration(keyMaxTimePerUpdate)
	s.Server.AdaptiveRateControl = v.GetBool(keyAdaptive)
	s.Server.BlockingRecv = v.GetBool(keyBlockingRecv)
	s.Server.RecvTimeout = v.GetDuration(keyRecvTimeout)
	s.Server.RequestTimeout = v.GetDuration(keyRequestTimeout)
	s.Server.MaxPayload = v.GetInt(keyMaxPayload)
	s.Server.MaxQueuedCalls = v.GetInt(keyMaxQueuedCalls)
	s.TickInterval = v.GetDuration(keyTickInterval)
	s.Server.TickInterval = s.TickInterval
	if s.Server.RxRingSize < s.Server.MaxPayload*2 {
		s.Server.RxRingSize = s.Server.MaxPayload * 2
	}

	s.AutoStartServer = v.GetBool(keyAutoStart)
	s.AutoAcceptConnections = v.GetBool(keyAutoAccept)
	s.AdminAddr = v.GetString(keyAdminAddr)
	s.Vessel = v.GetString(keyVessel)
	s.LogLevel = v.GetString(keyLogLevel)
	s.LogFormat = v.GetString(keyLogFormat)

	if err := s.validate(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Settings) validate() error {
	if s.TickInterval <= 0 {
		return errors.New("tick_interval must be positive")
	}
	// 服务端配置在每次 Start 时校验，这里提前报告明显错误
	if err := s.Server.Validate(); err != nil {
		return err
	}
	return nil
}
