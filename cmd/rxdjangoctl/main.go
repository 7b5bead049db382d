package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"sync"
	"time"

	"github.com/docopt/docopt-go"

	"github.com/CDIGlobalTrack/rxdjango"
)

const RxDjangoCtlVersion = "0.0.1"

var Out *log.Logger
var Err *log.Logger

func init() {
	Out = log.New(os.Stdout, "", 0)
	Err = log.New(os.Stderr, "", log.Ldate|log.Ltime|log.Lshortfile)
}

func main() {
	usage := `rxDjango channel control.

Usage:
    rxdjangoctl watch --endpoint=<endpoint> --token=<token> --type=<type>
        [--subprotocol=<subprotocol>]
    rxdjangoctl call --endpoint=<endpoint> --token=<token>
        --action=<action> [--params=<json>]
        [--subprotocol=<subprotocol>]

Options:
    -h --help                    Show this screen.
    --version                    Show version.
    --endpoint=<endpoint>        Channel websocket URL.
    --token=<token>              Auth token sent on connect.
    --type=<type>                Anchor instance type tag.
    --action=<action>            RPC action name.
    --params=<json>              RPC params, as a JSON object.
    --subprotocol=<subprotocol>  Websocket subprotocol.`

	opts, err := docopt.ParseArgs(usage, os.Args[1:], RxDjangoCtlVersion)
	if err != nil {
		panic(err)
	}

	if watch, _ := opts.Bool("watch"); watch {
		watchChannel(opts)
	} else if call, _ := opts.Bool("call"); call {
		callAction(opts)
	}
}

func newCoordinator(opts docopt.Opts) *rxdjango.Coordinator {
	endpoint, _ := opts.String("--endpoint")
	token, _ := opts.String("--token")

	var subprotocols []string
	if sub, _ := opts.String("--subprotocol"); sub != "" {
		subprotocols = []string{sub}
	}

	config := rxdjango.Config{
		Endpoint:     rxdjango.EndpointTemplate(endpoint),
		Token:        token,
		Subprotocols: subprotocols,
		ModelMap:     rxdjango.ModelMap{},
	}

	if typeTag, _ := opts.String("--type"); typeTag != "" {
		config.AnchorType = typeTag
	}

	return rxdjango.NewCoordinator(config)
}

// watch subscribes to a channel and prints every whole-state update
// until interrupted, mirroring the teacher's `sink` debug command.
func watchChannel(opts docopt.Opts) {
	c := newCoordinator(opts)
	c.OnError = func(err error) {
		Err.Printf("fatal: %s", err)
		os.Exit(1)
	}

	unsubscribe := c.Subscribe(func(state any) {
		out, err := json.Marshal(state)
		if err != nil {
			Err.Printf("marshal: %s", err)
			return
		}
		Out.Println(string(out))
	}, func(disconnectedAt *int64) {
		if disconnectedAt == nil {
			Err.Printf("connected")
		} else {
			Err.Printf("disconnected at %d", *disconnectedAt)
		}
	})
	defer unsubscribe()

	select {}
}

// call issues a single RPC action and prints the result, mirroring the
// teacher's `send` debug command.
func callAction(opts docopt.Opts) {
	c := newCoordinator(opts)

	connected := make(chan struct{})
	var connectedOnce sync.Once
	unsubscribe := c.Subscribe(func(any) {}, func(disconnectedAt *int64) {
		if disconnectedAt == nil {
			connectedOnce.Do(func() { close(connected) })
		}
	})
	defer unsubscribe()

	action, _ := opts.String("--action")

	var params any
	if raw, _ := opts.String("--params"); raw != "" {
		if err := json.Unmarshal([]byte(raw), &params); err != nil {
			Err.Printf("params: %s", err)
			os.Exit(1)
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	select {
	case <-connected:
	case <-ctx.Done():
		Err.Printf("call failed: %s", ctx.Err())
		os.Exit(1)
	}

	result, err := c.CallAction(ctx, action, params)
	if err != nil {
		Err.Printf("call failed: %s", err)
		os.Exit(1)
	}

	out, _ := json.Marshal(result)
	Out.Println(string(out))
	fmt.Fprintln(os.Stderr)
}
