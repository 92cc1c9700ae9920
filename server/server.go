package server

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"

	"replhub/util"
)

var (
	genericLogger = log.New(os.Stdout, "", 0)
	infoLogger    = log.New(os.Stdout, "INFO: ", 0)
	errorLogger   = log.New(os.Stdout, "ERROR: ", 0)
)

// Run starts a hub and serves the interactive console on stdin until quit.
// Without a console the hub runs until interrupted.
func Run(cfg Config, interactive bool) error {
	h, err := Start(cfg)
	if err != nil {
		return err
	}
	defer h.Shutdown()
	infoLogger.Printf("hub %d listening on %q", cfg.ServerID, h.Addr())

	if !interactive {
		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		select {
		case <-ctx.Done():
		case <-h.Failed():
			return h.Err()
		}
		genericLogger.Printf("%s!", goodbye)
		return nil
	}

	genericLogger.Println(welcomeMessage)
	return console(h, os.Stdin)
}

func console(h *Hub, in io.Reader) error {
	scanner := bufio.NewScanner(in)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}

		var (
			result string
			err    error
		)
		args := strings.Fields(line)
		switch args[0] {
		case monitorCmd:
			result = util.StructToPrettyJsonString(h.Monitor())
		case peersCmd:
			if err = util.ValidateHostPorts(args[1:]); err != nil {
				break
			}
			cfg := h.config()
			cfg.PeerHubs = args[1:]
			if err = h.Reconfigure(cfg); err == nil {
				result = fmt.Sprintf("peer hubs are now %q", cfg.PeerHubs)
			}
		case windowCmd, queueCmd:
			if len(args) != 2 {
				err = fmt.Errorf("%s. %s", badArguments, helpPrompt)
				break
			}
			var n int
			if n, err = strconv.Atoi(args[1]); err != nil {
				break
			}
			cfg := h.config()
			if args[0] == windowCmd {
				cfg.WindowSize = n
			} else {
				cfg.QueueSize = n
			}
			if err = h.Reconfigure(cfg); err == nil {
				result = fmt.Sprintf("%s set to %d", args[0], n)
			}
		case stateCmd:
			if len(args) != 2 {
				err = fmt.Errorf("%s. %s", badArguments, helpPrompt)
				break
			}
			v, ok := h.State(args[1])
			if !ok {
				err = fmt.Errorf("domain %q is not replicated by this hub", args[1])
				break
			}
			result = v
		case hCmd:
			fallthrough
		case helpCmd:
			result = helpMessage
		case qCmd:
			fallthrough
		case quitCmd:
			genericLogger.Printf("%s!", goodbye)
			return nil
		default:
			err = fmt.Errorf("%s %q", unrecognizedCommand, args[0])
		}

		if err != nil {
			errorLogger.Printf("%v", err)
		} else {
			if result != "" {
				genericLogger.Printf("%s", result)
			}
		}
	}
	if err := scanner.Err(); err != nil {
		return err
	}

	genericLogger.Printf("%s!", goodbye)
	return nil
}
