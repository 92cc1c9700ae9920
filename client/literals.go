package client

import (
	"fmt"
	"strings"

	"replhub/util"
)

const (
	connectCmd  = "connect"
	addCmd      = "add"
	modifyCmd   = "modify"
	deleteCmd   = "delete"
	renameCmd   = "rename"
	receiveCmd  = "receive"
	ackCmd      = "ack"
	rejectCmd   = "reject"
	probeCmd    = "probe"
	stateCmd    = "state"
	topologyCmd = "topology"
	hCmd        = "h"
	helpCmd     = "help"
	qCmd        = "q"
	quitCmd     = "quit"

	badArguments        = "bad arguments"
	goodbye             = "goodbye"
	notConnected        = "not connected"
	unrecognizedCommand = "unrecognized command"
)

var helpMessage = strings.Join([]string{
	fmt.Sprintf("\t%s [ip:port of hub (default: --hub)]", connectCmd),
	fmt.Sprintf("\t%s [dn] [attr=value ...]", addCmd),
	fmt.Sprintf("\t%s [dn] [attr=value ...] (replaces every value of attr)", modifyCmd),
	fmt.Sprintf("\t%s [dn]", deleteCmd),
	fmt.Sprintf("\t%s [dn] [new rdn] [new superior (optional)]", renameCmd),
	fmt.Sprintf("\t%s [timeout in ms (default: --timeout)]", receiveCmd),
	fmt.Sprintf("\t%s", ackCmd),
	fmt.Sprintf("\t%s (the oldest received change could not be applied)", rejectCmd),
	fmt.Sprintf("\t%s", probeCmd),
	fmt.Sprintf("\t%s", stateCmd),
	fmt.Sprintf("\t%s", topologyCmd),
	fmt.Sprintf("\t%s, %s", helpCmd, hCmd),
	fmt.Sprintf("\t%s, %s", quitCmd, qCmd),
}, "\n")

var helpPrompt = fmt.Sprintf("Type %q or %q to see command usages", helpCmd, hCmd)
var welcomeMessage = fmt.Sprintf("Welcome to %q. You are running this app as a replica.\n%s", util.AppName, helpPrompt)
