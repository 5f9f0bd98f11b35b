package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	log "github.com/sirupsen/logrus"

	printd "github.com/PS-3D/3dprintd"
	"github.com/PS-3D/3dprintd/pkg/can"
	_ "github.com/PS-3D/3dprintd/pkg/can/socketcan"
	"github.com/PS-3D/3dprintd/pkg/can/virtual"
	"github.com/PS-3D/3dprintd/pkg/config"
	"github.com/PS-3D/3dprintd/pkg/drive"
	"github.com/PS-3D/3dprintd/pkg/executor"
	"github.com/PS-3D/3dprintd/pkg/gateway"
	"github.com/PS-3D/3dprintd/pkg/motion"
)

func main() {
	configPath := flag.String("c", "", "configuration file path")
	sim := flag.Bool("sim", false, "run against simulated drives on a virtual bus")
	verbose := flag.Bool("v", false, "debug logging")
	flag.Parse()

	if *verbose {
		log.SetLevel(log.DebugLevel)
	}

	cfg := config.Default()
	if *configPath != "" {
		var err error
		cfg, err = config.Load(*configPath)
		if err != nil {
			log.Fatalf("config : %v", err)
		}
	}
	if *sim {
		cfg.Can.Interface = "virtual"
	}

	bus, err := can.NewBus(cfg.Can.Interface, cfg.Can.Channel)
	if err != nil {
		log.Fatalf("bus : %v", err)
	}
	if err := bus.Connect(); err != nil {
		log.Fatalf("bus connect : %v", err)
	}
	defer bus.Disconnect()

	bm := printd.NewBusManager(bus)
	if err := bus.Subscribe(bm); err != nil {
		log.Fatalf("bus subscribe : %v", err)
	}

	planner := motion.NewPlanner(cfg.Limits())
	exec, err := executor.New(bm, planner, cfg.Mapping(), cfg.Executor(), executor.NopHeater{})
	if err != nil {
		log.Fatalf("executor : %v", err)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if *sim {
		startSims(ctx, cfg)
	}

	if err := exec.Setup(); err != nil {
		log.Fatalf("drive setup : %v", err)
	}

	go func() {
		server := gateway.NewServer(exec)
		if err := server.ListenAndServe(cfg.GatewayListen); err != nil {
			log.Errorf("[GATEWAY] %v", err)
			cancel()
		}
	}()

	log.Infof("printd running, bus %s/%s, api %s", cfg.Can.Interface, cfg.Can.Channel, cfg.GatewayListen)
	if err := exec.Run(ctx); err != nil && ctx.Err() == nil {
		log.Fatalf("executor halted : %v", err)
	}
}

// startSims attaches one simulated drive per configured node to the
// virtual bus and publishes their statuswords at the tick rate
func startSims(ctx context.Context, cfg *config.Config) {
	var sims []*drive.Sim
	for _, ax := range cfg.Axes {
		bus, err := virtual.NewVirtualCanBus(cfg.Can.Channel)
		if err != nil {
			log.Fatalf("sim bus : %v", err)
		}
		s, err := drive.NewSim(bus, ax.NodeId)
		if err != nil {
			log.Fatalf("sim x%x : %v", ax.NodeId, err)
		}
		sims = append(sims, s)
	}
	go func() {
		ticker := time.NewTicker(cfg.TickInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				for _, s := range sims {
					s.Process()
				}
			}
		}
	}()
	log.Infof("simulating %d drives", len(sims))
}
