package main

import (
	"context"
	"errors"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gwillem/armctl/pkg/actuator/sim"
	"github.com/gwillem/armctl/pkg/actuator/wslink"
)

type SimulateCommand struct {
	Connect    string        `long:"connect" default:"ws://localhost:8765/actuator" description:"Coordinator actuator link URL"`
	MotionTime time.Duration `long:"motion-time" default:"200ms" description:"Simulated time to complete a pose"`
	Retry      time.Duration `long:"retry" default:"2s" description:"Delay before reconnecting after the link drops"`
}

func (c *SimulateCommand) Execute(args []string) error {
	cfg, err := loadConfig(opts.Config)
	if err != nil {
		return err
	}
	objects := cfg.Objects
	if len(objects) == 0 {
		objects = defaultObjects
	}

	act := sim.New(sim.Config{MotionTime: c.MotionTime, Objects: objects})
	defer act.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	bridge := &wslink.Bridge{URL: c.Connect, Actuator: act}
	for {
		log.Printf("Connecting to %s", c.Connect)
		err := bridge.Run(ctx)
		if errors.Is(err, context.Canceled) || ctx.Err() != nil {
			return nil
		}
		log.Printf("Link lost: %v", err)

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(c.Retry):
		}
	}
}
