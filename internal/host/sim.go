package host

import (
	"math"
	"time"

	"github.com/legamerdc/tickrpc/service"
)

const (
	gravity    = 9.81
	maxThrust  = 215000.0 // N
	dryMass    = 5000.0   // kg
	burnRate   = 68.0     // kg/s，满推力
	initialLFO = 12000.0  // kg
)

// Sim 演示用的宿主模拟：一枚竖直飞行的火箭。
// 状态只在 tick 线程上读写，过程也在该线程上执行。
type Sim struct {
	name     string
	ut       float64
	altitude float64
	velocity float64
	throttle float64
	fuel     float64
	maxAlt   float64
}

func NewSim(vessel string) *Sim {
	return &Sim{name: vessel, fuel: initialLFO}
}

// Advance 推进 dt 的模拟时间
func (s *Sim) Advance(dt time.Duration) {
	sec := dt.Seconds()
	s.ut += sec

	thrust := 0.0
	if s.fuel > 0 && s.throttle > 0 {
		burn := math.Min(s.fuel, burnRate*s.throttle*sec)
		s.fuel -= burn
		thrust = maxThrust * s.throttle
	}
	accel := thrust/s.mass() - gravity
	s.velocity += accel * sec
	s.altitude += s.velocity * sec
	if s.altitude <= 0 {
		s.altitude, s.velocity = 0, math.Max(s.velocity, 0)
	}
	s.maxAlt = math.Max(s.maxAlt, s.altitude)
}

func (s *Sim) mass() float64 { return dryMass + s.fuel }

// UT 宿主时间（秒），用作服务端的时间源
func (s *Sim) UT() float64 { return s.ut }

func (s *Sim) Altitude() float64 { return s.altitude }

func (s *Sim) Velocity() float64 { return s.velocity }

func (s *Sim) Throttle() float64 { return s.throttle }

// SetThrottle 设置油门，超出 [0,1] 时截断
func (s *Sim) SetThrottle(v float64) {
	s.throttle = math.Max(0, math.Min(1, v))
}

// Register 将模拟的过程注册到 reg
func (s *Sim) Register(reg *service.Registry) error {
	procs := map[string]service.Func{
		"space_center.ut": func(service.Args) (any, error) { return s.ut, nil },
		"vessel.name":     func(service.Args) (any, error) { return s.name, nil },
		"vessel.altitude": func(service.Args) (any, error) { return s.altitude, nil },
		"vessel.velocity": func(service.Args) (any, error) { return s.velocity, nil },
		"vessel.throttle": func(service.Args) (any, error) { return s.throttle, nil },
		"vessel.fuel":     func(service.Args) (any, error) { return s.fuel, nil },
		"vessel.set_throttle": func(args service.Args) (any, error) {
			if args.Len() != 1 {
				return nil, service.BadArguments("set_throttle expects 1 argument, got %d", args.Len())
			}
			v, err := args.Number(0)
			if err != nil {
				return nil, err
			}
			s.SetThrottle(v)
			return s.throttle, nil
		},
		"vessel.flight": func(service.Args) (any, error) {
			return map[string]any{
				"altitude":     s.altitude,
				"max_altitude": s.maxAlt,
				"velocity":     s.velocity,
				"mass":         s.mass(),
				"throttle":     s.throttle,
			}, nil
		},
		"vessel.resource": func(args service.Args) (any, error) {
			name, err := args.String(0)
			if err != nil {
				return nil, err
			}
			if name != "LiquidFuel" {
				return nil, service.BadArguments("unknown resource %q", name)
			}
			return s.fuel, nil
		},
	}
	for name, fn := range procs {
		if err := reg.Register(name, fn); err != nil {
			return err
		}
	}
	return nil
}
