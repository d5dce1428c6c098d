package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/gwillem/armctl/pkg/rpc"
	"github.com/gwillem/armctl/pkg/task"
)

type CallCommand struct {
	URL     string        `short:"u" long:"url" default:"ws://localhost:8765/websocket" description:"Coordinator websocket URL"`
	Timeout time.Duration `short:"t" long:"timeout" default:"60s" description:"Give up waiting for the response after this long"`

	Args struct {
		Method string   `positional-arg-name:"method" required:"yes"`
		Params []string `positional-arg-name:"key=value"`
	} `positional-args:"yes"`
}

// parseParams turns key=value pairs into a params object. Values that parse
// as numbers are sent as numbers.
func parseParams(pairs []string) (map[string]any, error) {
	params := make(map[string]any, len(pairs))
	for _, pair := range pairs {
		key, value, ok := strings.Cut(pair, "=")
		if !ok || key == "" {
			return nil, fmt.Errorf("invalid parameter %q, expected key=value", pair)
		}
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			params[key] = f
		} else {
			params[key] = value
		}
	}
	return params, nil
}

// checkMethod rejects names the coordinator does not serve, before dialing.
func checkMethod(method string) error {
	if !slices.Contains(rpc.Methods, method) {
		return fmt.Errorf("unknown method %q, available: %s", method, strings.Join(rpc.Methods, ", "))
	}
	return nil
}

func (c *CallCommand) Execute(args []string) error {
	if err := checkMethod(c.Args.Method); err != nil {
		return err
	}
	params, err := parseParams(c.Args.Params)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), c.Timeout)
	defer cancel()

	client, err := rpc.Dial(ctx, c.URL)
	if err != nil {
		return err
	}
	defer client.Close()

	raw, err := client.Call(ctx, c.Args.Method, params)
	if err != nil {
		fmt.Println(failureStyle.Render(err.Error()))
		return err
	}
	fmt.Println(renderResult(c.Args.Method, raw))
	return nil
}

// renderResult prints task results as a status line and everything else as
// indented JSON.
func renderResult(method string, raw json.RawMessage) string {
	var res task.Result
	if isTaskMethod(method) && json.Unmarshal(raw, &res) == nil {
		status := successStyle.Render("✓ " + method)
		if !res.Success {
			status = failureStyle.Render(fmt.Sprintf("✗ %s [%s]", method, res.ErrorCode))
		}
		return fmt.Sprintf("%s %s %s", status, res.Message, dimStyle.Render(fmt.Sprintf("(%d ms)", res.DurationMs)))
	}

	var out bytes.Buffer
	if err := json.Indent(&out, raw, "", "  "); err != nil {
		return string(raw)
	}
	return out.String()
}

func isTaskMethod(method string) bool {
	switch method {
	case rpc.MethodPickObject, rpc.MethodCarryTo, rpc.MethodPlaceObject,
		rpc.MethodDance, rpc.MethodResetToBase:
		return true
	}
	return false
}
