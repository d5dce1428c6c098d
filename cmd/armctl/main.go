package main

import (
	"os"

	"github.com/jessevdk/go-flags"
)

type Options struct {
	Config string `short:"c" long:"config" default:"armctl.json" description:"Configuration file"`

	Serve    ServeCommand    `command:"serve" description:"Run the coordinator and its JSON-RPC server"`
	Call     CallCommand     `command:"call" description:"Invoke one JSON-RPC method on a running coordinator"`
	Demo     DemoCommand     `command:"demo" description:"Run the pick/carry/place/dance scenario against the simulator"`
	Simulate SimulateCommand `command:"simulate" alias:"sim" description:"Attach a simulated actuator to a coordinator's websocket link"`
	Setup    SetupCommand    `command:"setup" description:"Scan for a servo arm and calibrate it"`
}

var opts Options
var parser = flags.NewParser(&opts, flags.Default)

func main() {
	parser.LongDescription = "armctl - coordinator for a remote 6-joint manipulator"

	_, err := parser.Parse()
	if err != nil {
		if flagsErr, ok := err.(*flags.Error); ok {
			if flagsErr.Type == flags.ErrHelp {
				os.Exit(0)
			}
		}
		os.Exit(1)
	}
}
