package server

import (
	"crypto/tls"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"replhub/clock"
	"replhub/communication"
	"replhub/util"
)

const (
	DefaultListen                  = "0.0.0.0:8989"
	DefaultPurgeDelay              = 24 * time.Hour
	DefaultQueueSize               = 10000
	DefaultWindowSize              = 100
	DefaultAssuredTimeout          = 1000 * time.Millisecond
	DefaultDegradedStatusThreshold = 5000
	DefaultStatusInterval          = 5 * time.Second
)

// Config is everything a hub needs to run. Reconfigure may change PeerHubs,
// Domains, QueueSize, WindowSize, AssuredTimeout and DegradedStatusThreshold.
type Config struct {
	Listen                  string
	AdvertiseURL            string
	ServerID                clock.ReplicaID
	Domains                 []string
	ChangeLogDir            string
	// GenerationID names the data set the domains hold. Every hub and
	// replica of a topology must agree on it; changing it discards the
	// change logs.
	GenerationID            string
	PurgeDelay              time.Duration
	QueueSize               int
	WindowSize              int
	GroupID                 uint8
	AssuredTimeout          time.Duration
	DegradedStatusThreshold int
	StatusInterval          time.Duration
	PeerHubs                []string
	TLSCertFile             string
	TLSKeyFile              string
}

func DefaultConfig() Config {
	return Config{
		Listen:                  DefaultListen,
		ServerID:                1,
		ChangeLogDir:            "changelogDb",
		PurgeDelay:              DefaultPurgeDelay,
		QueueSize:               DefaultQueueSize,
		WindowSize:              DefaultWindowSize,
		AssuredTimeout:          DefaultAssuredTimeout,
		DegradedStatusThreshold: DefaultDegradedStatusThreshold,
		StatusInterval:          DefaultStatusInterval,
	}
}

func (c Config) Validate() error {
	if err := util.ValidateHostPort(c.Listen); err != nil {
		return errors.Wrapf(err, "bad listen address %q", c.Listen)
	}
	if err := util.ValidateHostPorts(c.PeerHubs); err != nil {
		return errors.Wrap(err, "bad peer hub")
	}
	if c.ServerID == 0 {
		return errors.New("server id must not be 0")
	}
	if len(c.Domains) == 0 {
		return errors.New("at least one replication domain is required")
	}
	seen := make(map[string]bool)
	for _, d := range c.Domains {
		if d == "" {
			return errors.New("empty domain")
		}
		if seen[d] {
			return errors.Errorf("domain %q configured twice", d)
		}
		seen[d] = true
	}
	if c.ChangeLogDir == "" {
		return errors.New("change log directory is required")
	}
	if c.QueueSize <= 0 {
		return errors.Errorf("queue size must be positive, got %d", c.QueueSize)
	}
	if c.WindowSize <= 0 {
		return errors.Errorf("window size must be positive, got %d", c.WindowSize)
	}
	if c.PurgeDelay < 0 || c.AssuredTimeout < 0 || c.StatusInterval < 0 {
		return errors.New("durations must not be negative")
	}
	if (c.TLSCertFile == "") != (c.TLSKeyFile == "") {
		return errors.New("tls needs both a certificate and a key")
	}
	return nil
}

func (c Config) serverTLS() (*tls.Config, error) {
	if c.TLSCertFile == "" {
		return nil, nil
	}
	cert, err := tls.LoadX509KeyPair(c.TLSCertFile, c.TLSKeyFile)
	if err != nil {
		return nil, communication.WrapError(communication.BindError, err, "load tls key pair")
	}
	return &tls.Config{Certificates: []tls.Certificate{cert}, MinVersion: tls.VersionTLS12}, nil
}

func (c Config) peerTLS() *tls.Config {
	if c.TLSCertFile == "" {
		return nil
	}
	// hubs present self-signed certificates to each other
	return &tls.Config{InsecureSkipVerify: true, MinVersion: tls.VersionTLS12}
}

// generation is the generation id of a domain: stable for a given domain
// name and GenerationID, different across domains
func (c Config) generation(domain string) string {
	name := "ldap:///" + strings.ToLower(domain) + "?generation=" + c.GenerationID
	return uuid.NewSHA1(uuid.NameSpaceURL, []byte(name)).String()
}

func (c Config) hasDomain(name string) bool {
	for _, d := range c.Domains {
		if d == name {
			return true
		}
	}
	return false
}

func (c Config) hasPeer(addr string) bool {
	for _, p := range c.PeerHubs {
		if p == addr {
			return true
		}
	}
	return false
}

func (c Config) clone() Config {
	c.Domains = append([]string(nil), c.Domains...)
	c.PeerHubs = append([]string(nil), c.PeerHubs...)
	return c
}
