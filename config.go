// Copyright 2016-present the fetchd authors. All rights reserved.
// Use of this source code is governed by a MIT-license.
// See LICENSE for details.

package fetchd

import (
	"strings"
	"time"
)

// BrokerConfig holds the connection and topology settings of the
// message broker the Gateway bridges to.
type BrokerConfig struct {
	Host     string
	Port     int
	Username string
	Password string
	VHost    string

	ExchangeName       string
	QueueInName        string
	QueueInRoutingKey  string
	QueueOutName       string
	QueueOutRoutingKey string

	// RetryIncrement is added to the reconnect delay on every
	// consecutive connection failure.
	RetryIncrement time.Duration
}

// Config collects the settings consumed by the core components.
// Zero values are replaced by the documented defaults.
type Config struct {
	AppID string

	// MaxProc is the number of worker slots. Zero derives the count
	// from the available CPUs times MaxProcPerCPU.
	MaxProc       int
	MaxProcPerCPU int

	MaxRetry    int
	MaxFileSize int64

	StoragePath     string
	PublicURL       string
	StaticServePath string
	RestAddr        string

	// TrustedClients lists the client addresses allowed to submit
	// tasks on the request surface. Empty means any client.
	TrustedClients []string

	PollInterval time.Duration
	PollSize     int

	Broker BrokerConfig
}

// DefaultConfig returns a Config with every default filled in.
func DefaultConfig() Config {
	c := Config{}
	c.applyDefaults()
	return c
}

func (c *Config) applyDefaults() {
	if c.AppID == "" {
		c.AppID = "fw0"
	}
	if c.MaxProcPerCPU <= 0 {
		c.MaxProcPerCPU = 4
	}
	if c.MaxRetry <= 0 {
		c.MaxRetry = 10
	}
	if c.MaxFileSize <= 0 {
		c.MaxFileSize = 2 * 1024 * 1024
	}
	if c.StoragePath == "" {
		c.StoragePath = "/tmp"
	}
	if c.StaticServePath == "" {
		c.StaticServePath = "files"
	}
	if c.RestAddr == "" {
		c.RestAddr = ":4000"
	}
	if c.PollInterval <= 0 {
		c.PollInterval = 1 * time.Second
	}
	if c.PollSize <= 0 {
		c.PollSize = 5
	}
	if c.Broker.Host == "" {
		c.Broker.Host = "localhost"
	}
	if c.Broker.Port == 0 {
		c.Broker.Port = 5672
	}
	if c.Broker.VHost == "" {
		c.Broker.VHost = "/"
	}
	if c.Broker.ExchangeName == "" {
		c.Broker.ExchangeName = "fetchd-ex"
	}
	if c.Broker.QueueInName == "" {
		c.Broker.QueueInName = "fetchd-in-queue"
	}
	if c.Broker.QueueInRoutingKey == "" {
		c.Broker.QueueInRoutingKey = "fetchd.in"
	}
	if c.Broker.QueueOutName == "" {
		c.Broker.QueueOutName = "fetchd-out-queue"
	}
	if c.Broker.QueueOutRoutingKey == "" {
		c.Broker.QueueOutRoutingKey = "fetchd.out"
	}
	if c.Broker.RetryIncrement <= 0 {
		c.Broker.RetryIncrement = 2 * time.Second
	}
}

// ServeURI returns the public base under which saved files are served,
// always ending in a slash. Result URLs published to the broker are
// built by joining this base with the saved file name.
func (c *Config) ServeURI() string {
	base := strings.TrimSuffix(c.PublicURL, "/")
	path := strings.Trim(c.StaticServePath, "/")
	return base + "/" + path + "/"
}
