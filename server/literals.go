package server

import (
	"fmt"
	"strings"

	"replhub/util"
)

const (
	monitorCmd = "monitor"
	peersCmd   = "peers"
	windowCmd  = "window"
	queueCmd   = "queue"
	stateCmd   = "state"
	hCmd       = "h"
	helpCmd    = "help"
	qCmd       = "q"
	quitCmd    = "quit"

	badArguments        = "bad arguments"
	goodbye             = "goodbye"
	unrecognizedCommand = "unrecognized command"
)

var helpMessage = strings.Join([]string{
	fmt.Sprintf("\t%s", monitorCmd),
	fmt.Sprintf("\t%s [ip:port of peer hubs (if multiple, separate by space; none to drop every peer)]", peersCmd),
	fmt.Sprintf("\t%s [window size (live hub links at once, replica sessions from their next connection)]", windowCmd),
	fmt.Sprintf("\t%s [in-memory queue size]", queueCmd),
	fmt.Sprintf("\t%s [domain]", stateCmd),
	fmt.Sprintf("\t%s, %s", quitCmd, qCmd),
	fmt.Sprintf("\t%s, %s", helpCmd, hCmd),
}, "\n")

var helpPrompt = fmt.Sprintf("Type %q or %q to see command usages", helpCmd, hCmd)
var welcomeMessage = fmt.Sprintf("Welcome to %q. You are running this app as a hub.\n%s", util.AppName, helpPrompt)
