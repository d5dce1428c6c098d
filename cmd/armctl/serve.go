package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/golang/geo/r3"

	"github.com/gwillem/armctl/pkg/actuator/servo"
	"github.com/gwillem/armctl/pkg/actuator/sim"
	"github.com/gwillem/armctl/pkg/actuator/wslink"
	"github.com/gwillem/armctl/pkg/command"
	"github.com/gwillem/armctl/pkg/coordinator"
	"github.com/gwillem/armctl/pkg/robot"
	"github.com/gwillem/armctl/pkg/rpc"
	"github.com/gwillem/armctl/pkg/state"
	"github.com/gwillem/armctl/pkg/state/sqlitestore"
	"github.com/gwillem/armctl/pkg/task"
)

type ServeCommand struct {
	Listen    string `short:"l" long:"listen" description:"Listen address (overrides config)"`
	Actuator  string `long:"actuator" choice:"sim" choice:"websocket" choice:"servo" description:"Actuator kind (overrides config)"`
	Store     string `long:"store" choice:"json" choice:"sqlite" choice:"memory" description:"State store kind (overrides config)"`
	StorePath string `long:"store-path" description:"State store path (overrides config)"`
}

// defaultObjects seeds the simulator when the config lists none.
var defaultObjects = []robot.TrackedObject{
	{ID: "cube1", Position: r3.Vector{X: 0.4, Y: 0.025, Z: 0.3}},
}

// loadConfig reads the config file, falling back to defaults when it is missing.
func loadConfig(path string) (*robot.Config, error) {
	cfg, err := robot.LoadConfigFrom(path)
	if errors.Is(err, os.ErrNotExist) {
		return robot.DefaultConfig(), nil
	}
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	return cfg, nil
}

func taskTimeouts(cfg *robot.Config) task.Timeouts {
	return task.Timeouts{
		Command: cfg.Timeouts.Command(),
		Motion:  cfg.Timeouts.Motion(),
		Attach:  cfg.Timeouts.Attach(),
		Settle:  cfg.Timeouts.Settle(),
	}
}

// openPersister returns the snapshot persister and a function that releases it.
func openPersister(cfg robot.StoreConfig) (state.Persister, func() error, error) {
	noop := func() error { return nil }
	switch cfg.Kind {
	case robot.StoreMemory:
		return &state.Memory{}, noop, nil
	case robot.StoreSQLite:
		db, err := sqlitestore.Open(cfg.Path)
		if err != nil {
			return nil, nil, err
		}
		return db, db.Close, nil
	default:
		return state.NewFileStore(cfg.Path), noop, nil
	}
}

// openTransport builds the actuator. The returned link is non-nil for the
// websocket actuator and must be mounted for the actuator to connect.
// The simulator starts from objects, the store's view of the workspace.
func openTransport(ctx context.Context, cfg *robot.Config, objects []robot.TrackedObject) (command.Transport, *wslink.Link, error) {
	switch cfg.Actuator.Kind {
	case robot.ActuatorWebsocket:
		link := wslink.NewLink()
		return link, link, nil

	case robot.ActuatorServo:
		arm, err := robot.NewArm(cfg.Actuator.Port, cfg.Actuator.Calibration)
		if err != nil {
			return nil, nil, fmt.Errorf("connect arm: %w", err)
		}
		var watch []robot.JointName
		for _, name := range robot.AllJoints() {
			if _, ok := cfg.Actuator.Calibration[name]; ok {
				watch = append(watch, name)
			}
		}
		act, err := servo.New(ctx, arm, servo.Config{
			Gripper: cfg.Actuator.Gripper,
			Watch:   watch,
		})
		if err != nil {
			arm.Close()
			return nil, nil, err
		}
		return act, nil, nil

	default:
		return sim.New(sim.Config{Objects: objects}), nil, nil
	}
}

func (c *ServeCommand) Execute(args []string) error {
	cfg, err := loadConfig(opts.Config)
	if err != nil {
		return err
	}
	if c.Listen != "" {
		cfg.Listen = c.Listen
	}
	if c.Actuator != "" {
		cfg.Actuator.Kind = c.Actuator
	}
	if c.Store != "" {
		cfg.Store = robot.StoreConfig{Kind: c.Store, Path: c.StorePath}
		cfg.WithDefaults()
	} else if c.StorePath != "" {
		cfg.Store.Path = c.StorePath
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	if len(cfg.Objects) == 0 && cfg.Actuator.Kind == robot.ActuatorSim {
		cfg.Objects = defaultObjects
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	persister, closePersister, err := openPersister(cfg.Store)
	if err != nil {
		return err
	}
	defer closePersister()

	store, err := state.Open(ctx, persister, cfg.Objects)
	if err != nil {
		return err
	}

	transport, link, err := openTransport(ctx, cfg, store.Objects())
	if err != nil {
		return err
	}

	coord := coordinator.New(store, transport, coordinator.Config{
		Timeouts:    taskTimeouts(cfg),
		DanceFrames: cfg.DanceFrames,
	})
	defer coord.Close()

	go func() {
		for line := range coord.Logs() {
			log.Println(line)
		}
	}()
	go func() {
		if err := coord.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			log.Printf("Coordinator error: %v", err)
		}
	}()

	srvCfg := rpc.Config{
		Addr:        cfg.Listen,
		Coordinator: coord,
		States:      coord.States(),
	}
	if link != nil {
		srvCfg.Actuator = link
	}
	srv := rpc.New(srvCfg)

	log.Printf("Actuator: %s, store: %s %s", cfg.Actuator.Kind, cfg.Store.Kind, cfg.Store.Path)
	errCh := make(chan error, 1)
	go func() { errCh <- srv.Start() }()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	log.Println("Shutting down")
	return srv.Stop(shutdownCtx)
}
