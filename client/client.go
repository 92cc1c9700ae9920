package client

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"replhub/communication"
	"replhub/util"
)

var (
	genericLogger = log.New(os.Stdout, "", 0)
	errorLogger   = log.New(os.Stdout, "ERROR: ", 0)
)

// console is an interactive replica: every change typed is published, and
// every change received can be acknowledged as applied.
type console struct {
	cfg   AgentConfig
	agent *Agent
}

// Run serves the interactive replica console on stdin
func Run(cfg AgentConfig) error {
	genericLogger.Println(welcomeMessage)
	c := &console{cfg: cfg}
	defer c.close()
	return c.serve(os.Stdin)
}

func (c *console) serve(in io.Reader) error {
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
		case connectCmd:
			if len(args) > 2 {
				err = fmt.Errorf("%s. %s", badArguments, helpPrompt)
				break
			}
			result, err = c.handleConnect(args[1:])
		case addCmd, modifyCmd:
			if len(args) < 3 {
				err = fmt.Errorf("%s. %s", badArguments, helpPrompt)
				break
			}
			result, err = c.handleChange(args[0], args[1], args[2:])
		case deleteCmd:
			if len(args) != 2 {
				err = fmt.Errorf("%s. %s", badArguments, helpPrompt)
				break
			}
			result, err = c.handleChange(args[0], args[1], nil)
		case renameCmd:
			if len(args) != 3 && len(args) != 4 {
				err = fmt.Errorf("%s. %s", badArguments, helpPrompt)
				break
			}
			result, err = c.handleChange(args[0], args[1], args[2:])
		case receiveCmd:
			result, err = c.handleReceive(args[1:])
		case ackCmd:
			result, err = c.withAgent(func(a *Agent) (string, error) {
				return "acknowledged", a.AcknowledgeReplay()
			})
		case rejectCmd:
			result, err = c.withAgent(func(a *Agent) (string, error) {
				return "rejected", a.RejectReplay()
			})
		case probeCmd:
			result, err = c.withAgent(func(a *Agent) (string, error) {
				return fmt.Sprintf("probe sent, the reply comes with %q", receiveCmd), a.ProbeWindow()
			})
		case stateCmd:
			result, err = c.withAgent(func(a *Agent) (string, error) {
				return a.State().String(), nil
			})
		case topologyCmd:
			result, err = c.withAgent(func(a *Agent) (string, error) {
				return util.StructToPrettyJsonString(a.Topology()), nil
			})
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
	return scanner.Err()
}

func (c *console) withAgent(f func(a *Agent) (string, error)) (string, error) {
	if c.agent == nil {
		return "", fmt.Errorf("%s. Type %q first", notConnected, connectCmd)
	}
	return f(c.agent)
}

func (c *console) handleConnect(args []string) (string, error) {
	if c.agent != nil {
		return "", fmt.Errorf("already connected to %q", c.cfg.HubAddress)
	}
	cfg := c.cfg
	if len(args) == 1 {
		cfg.HubAddress = args[0]
	}
	if err := util.ValidateHostPort(cfg.HubAddress); err != nil {
		return "", err
	}

	a, err := Connect(context.Background(), cfg)
	if err != nil {
		return "", err
	}
	c.cfg, c.agent = cfg, a
	result := fmt.Sprintf("connected to hub %d at %q", a.HubID(), cfg.HubAddress)
	if since, missing := a.OwnChangesMissing(); missing {
		result += fmt.Sprintf(", the hub is missing this replica's changes after %s: publish them again", since)
	}
	return result, nil
}

func (c *console) handleChange(kind, dn string, args []string) (string, error) {
	return c.withAgent(func(a *Agent) (string, error) {
		header := communication.UpdateHeader{
			ID:       a.NextChangeID(),
			TargetDN: dn,
			UUID:     entryUUID(dn),
		}

		var u communication.Update
		switch kind {
		case addCmd:
			attrs, err := parseAttributes(args)
			if err != nil {
				return "", err
			}
			u = &communication.AddMsg{UpdateHeader: header, ParentUUID: entryUUID(parentDN(dn)), Attributes: attrs}
		case modifyCmd:
			attrs, err := parseAttributes(args)
			if err != nil {
				return "", err
			}
			mods := make([]communication.Modification, 0, len(attrs))
			for _, attr := range attrs {
				mods = append(mods, communication.Modification{Type: communication.ModReplace, Attribute: attr})
			}
			u = &communication.ModifyMsg{UpdateHeader: header, Mods: mods}
		case deleteCmd:
			u = &communication.DeleteMsg{UpdateHeader: header}
		case renameCmd:
			m := &communication.ModifyDNMsg{UpdateHeader: header, NewRDN: args[0], DeleteOldRDN: true}
			if len(args) == 2 {
				m.NewSuperior = args[1]
				m.NewSuperiorUUID = entryUUID(args[1])
			}
			u = m
		}

		if err := a.Publish(u); err != nil {
			return "", err
		}
		return "published " + u.String(), nil
	})
}

func (c *console) handleReceive(args []string) (string, error) {
	timeout := c.cfg.Timeout
	if len(args) > 1 {
		return "", fmt.Errorf("%s. %s", badArguments, helpPrompt)
	}
	if len(args) == 1 {
		ms, err := strconv.Atoi(args[0])
		if err != nil || ms < 0 {
			return "", fmt.Errorf("%s: timeout must be a number of milliseconds", badArguments)
		}
		timeout = time.Duration(ms) * time.Millisecond
	}
	return c.withAgent(func(a *Agent) (string, error) {
		m, err := a.Receive(timeout)
		if err != nil {
			return "", err
		}
		return m.String(), nil
	})
}

func (c *console) close() {
	if c.agent != nil {
		_ = c.agent.Stop()
	}
}

// entryUUID names an entry by its dn, so that every replica agrees on it
func entryUUID(dn string) string {
	return uuid.NewSHA1(uuid.NameSpaceURL, []byte("ldap:///"+strings.ToLower(dn))).String()
}

func parentDN(dn string) string {
	if i := strings.Index(dn, ","); i >= 0 {
		return dn[i+1:]
	}
	return ""
}

// parseAttributes groups attr=value arguments by attribute, keeping their order
func parseAttributes(args []string) ([]communication.Attribute, error) {
	var attrs []communication.Attribute
	index := make(map[string]int)
	for _, arg := range args {
		name, value, ok := strings.Cut(arg, "=")
		if !ok || name == "" {
			return nil, fmt.Errorf("%s: %q is not attr=value", badArguments, arg)
		}
		if i, seen := index[name]; seen {
			attrs[i].Values = append(attrs[i].Values, value)
			continue
		}
		index[name] = len(attrs)
		attrs = append(attrs, communication.Attribute{Name: name, Values: []string{value}})
	}
	return attrs, nil
}
