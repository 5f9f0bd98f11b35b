// Package config loads the machine configuration : CAN bus settings,
// planner limits and the drive node behind every axis. The file is INI,
// selected keys can be overridden through PRINTD_* environment
// variables (optionally loaded from a .env file).
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	log "github.com/sirupsen/logrus"
	"gopkg.in/ini.v1"

	printd "github.com/PS-3D/3dprintd"
	"github.com/PS-3D/3dprintd/pkg/drive"
	"github.com/PS-3D/3dprintd/pkg/executor"
	"github.com/PS-3D/3dprintd/pkg/motion"
)

type CanConfig struct {
	Interface string
	Channel   string
}

type FaultConfig struct {
	AbortAll     bool
	ResetRetries int
	BusRetries   int
	Backoff      time.Duration
}

type AxisConfig struct {
	NodeId      uint8
	StepsPerMM  float64
	HasTravel   bool
	Min, Max    float64 // mm
	MaxFeedrate float64 // mm/min
	MaxAccel    float64 // mm/s^2
	Home        float64 // mm
}

type Config struct {
	Can           CanConfig
	TickInterval  time.Duration
	Fault         FaultConfig
	GatewayListen string
	Axes          map[printd.Axis]AxisConfig
}

// Default returns a configuration suitable for the virtual bus and the
// drive simulator
func Default() *Config {
	cartesian := AxisConfig{
		StepsPerMM:  80,
		HasTravel:   true,
		Min:         0,
		Max:         200,
		MaxFeedrate: 9000,
		MaxAccel:    1500,
	}
	x, y, z, e := cartesian, cartesian, cartesian, AxisConfig{
		StepsPerMM:  400,
		MaxFeedrate: 3000,
		MaxAccel:    5000,
	}
	x.NodeId, y.NodeId, z.NodeId, e.NodeId = 1, 2, 3, 4
	z.MaxFeedrate = 600
	z.MaxAccel = 100
	return &Config{
		Can:          CanConfig{Interface: "virtual", Channel: "printd"},
		TickInterval: 10 * time.Millisecond,
		Fault: FaultConfig{
			AbortAll:     true,
			ResetRetries: 3,
			BusRetries:   5,
			Backoff:      100 * time.Millisecond,
		},
		GatewayListen: "localhost:8376",
		Axes: map[printd.Axis]AxisConfig{
			printd.AxisX: x,
			printd.AxisY: y,
			printd.AxisZ: z,
			printd.AxisE: e,
		},
	}
}

// Load reads the configuration file and applies environment overrides
func Load(path string) (*Config, error) {
	file, err := ini.Load(path)
	if err != nil {
		return nil, fmt.Errorf("loading config : %w", err)
	}
	cfg := Default()

	canSec := file.Section("can")
	cfg.Can.Interface = canSec.Key("interface").MustString(cfg.Can.Interface)
	cfg.Can.Channel = canSec.Key("channel").MustString(cfg.Can.Channel)

	planner := file.Section("planner")
	cfg.TickInterval = planner.Key("tick_interval").MustDuration(cfg.TickInterval)

	fault := file.Section("fault")
	cfg.Fault.AbortAll = fault.Key("abort_all").MustBool(cfg.Fault.AbortAll)
	cfg.Fault.ResetRetries = fault.Key("reset_retries").MustInt(cfg.Fault.ResetRetries)
	cfg.Fault.BusRetries = fault.Key("bus_retries").MustInt(cfg.Fault.BusRetries)
	cfg.Fault.Backoff = fault.Key("backoff").MustDuration(cfg.Fault.Backoff)

	gateway := file.Section("gateway")
	cfg.GatewayListen = gateway.Key("listen").MustString(cfg.GatewayListen)

	for _, axis := range printd.Axes {
		name := "axis." + strings.ToLower(axis.String())
		if _, err := file.GetSection(name); err != nil {
			return nil, fmt.Errorf("missing section [%s]", name)
		}
		sec := file.Section(name)
		ax := AxisConfig{
			NodeId:      uint8(sec.Key("node_id").MustUint(0)),
			StepsPerMM:  sec.Key("steps_per_mm").MustFloat64(80),
			MaxFeedrate: sec.Key("max_feedrate").MustFloat64(0),
			MaxAccel:    sec.Key("max_accel").MustFloat64(0),
			Home:        sec.Key("home").MustFloat64(0),
		}
		// The extruder has no travel range
		if axis != printd.AxisE {
			ax.HasTravel = true
			ax.Min = sec.Key("min").MustFloat64(0)
			ax.Max = sec.Key("max").MustFloat64(0)
			if ax.Max <= ax.Min {
				return nil, fmt.Errorf("[%s] : max must be greater than min", name)
			}
		}
		if ax.MaxFeedrate <= 0 || ax.MaxAccel <= 0 {
			return nil, fmt.Errorf("[%s] : max_feedrate and max_accel are required", name)
		}
		cfg.Axes[axis] = ax
	}

	cfg.applyEnv()
	return cfg, nil
}

// applyEnv overrides deployment specific keys from the environment.
// A .env file next to the working directory is honored when present.
func (c *Config) applyEnv() {
	if err := godotenv.Load(); err == nil {
		log.Debugf("[CONFIG] loaded .env overrides")
	}
	if v := os.Getenv("PRINTD_CAN_INTERFACE"); v != "" {
		c.Can.Interface = v
	}
	if v := os.Getenv("PRINTD_CAN_CHANNEL"); v != "" {
		c.Can.Channel = v
	}
	if v := os.Getenv("PRINTD_GATEWAY_LISTEN"); v != "" {
		c.GatewayListen = v
	}
}

// Limits converts the axis configuration into planner limits
func (c *Config) Limits() map[printd.Axis]motion.Limits {
	limits := make(map[printd.Axis]motion.Limits, len(c.Axes))
	for axis, ax := range c.Axes {
		limits[axis] = motion.Limits{
			HasTravel:   ax.HasTravel,
			Min:         ax.Min,
			Max:         ax.Max,
			MaxFeedrate: ax.MaxFeedrate,
			MaxAccel:    ax.MaxAccel,
		}
	}
	return limits
}

// Mapping converts the axis configuration into the axis to drive node
// table
func (c *Config) Mapping() drive.Mapping {
	mapping := make(drive.Mapping, len(c.Axes))
	for axis, ax := range c.Axes {
		mapping[axis] = drive.Node{NodeId: ax.NodeId, StepsPerMM: ax.StepsPerMM}
	}
	return mapping
}

// Executor converts the relevant parts into the executor configuration
func (c *Config) Executor() executor.Config {
	homes := make(map[printd.Axis]float64, len(c.Axes))
	for axis, ax := range c.Axes {
		homes[axis] = ax.Home
	}
	return executor.Config{
		TickInterval: c.TickInterval,
		AbortAll:     c.Fault.AbortAll,
		ResetRetries: c.Fault.ResetRetries,
		BusRetries:   c.Fault.BusRetries,
		Backoff:      c.Fault.Backoff,
		Homes:        homes,
	}
}
