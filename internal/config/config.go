// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package config defines the fastpath daemon configuration and its HCL
// loader.
package config

import (
	"math"
	"time"

	"grimm.is/fastpath/internal/fastpath"
	"grimm.is/fastpath/internal/hooks"
	"grimm.is/fastpath/internal/kernel"
	"grimm.is/fastpath/internal/logging"
	"grimm.is/fastpath/internal/netns"
)

// CurrentSchemaVersion is the schema version this build reads and writes.
const CurrentSchemaVersion = "1.0"

// Registration models.
const (
	ModeNamespace = "namespace"
	ModeGlobal    = "global"
)

// Config is the top-level daemon configuration.
type Config struct {
	SchemaVersion string `hcl:"schema_version,optional" json:"schema_version"`
	Mode          string `hcl:"mode,optional" json:"mode"`

	Classifier         *ClassifierConfig         `hcl:"classifier,block" json:"classifier,omitempty"`
	Hooks              *HooksConfig              `hcl:"hooks,block" json:"hooks,omitempty"`
	ContainerInterface *ContainerInterfaceConfig `hcl:"container_interface,block" json:"container_interface,omitempty"`
	Queue              *QueueConfig              `hcl:"queue,block" json:"queue,omitempty"`
	Namespaces         *NamespacesConfig         `hcl:"namespaces,block" json:"namespaces,omitempty"`
	Logging            *LoggingConfig            `hcl:"logging,block" json:"logging,omitempty"`
	API                *APIConfig                `hcl:"api,block" json:"api,omitempty"`
}

// ClassifierConfig holds the tunnel ports.
type ClassifierConfig struct {
	GenevePort *int `hcl:"geneve_port,optional" json:"geneve_port,omitempty"`
	STTPort    *int `hcl:"stt_port,optional" json:"stt_port,omitempty"`
}

// HooksConfig selects where and in which order the classifier runs.
type HooksConfig struct {
	Points   []string `hcl:"points,optional" json:"points,omitempty"`
	Priority *int64   `hcl:"priority,optional" json:"priority,omitempty"`
	Family   string   `hcl:"family,optional" json:"family,omitempty"`
}

// ContainerInterfaceConfig parameterizes the legacy alias predicate: a
// device is a container interface when its alias has AliasChar at
// AliasIndex.
type ContainerInterfaceConfig struct {
	AliasIndex *int   `hcl:"alias_index,optional" json:"alias_index,omitempty"`
	AliasChar  string `hcl:"alias_char,optional" json:"alias_char,omitempty"`
}

// QueueConfig configures NFQUEUE delivery on Linux.
type QueueConfig struct {
	Number   *int  `hcl:"number,optional" json:"number,omitempty"`
	MaxLen   *int  `hcl:"max_len,optional" json:"max_len,omitempty"`
	FailOpen *bool `hcl:"fail_open,optional" json:"fail_open,omitempty"`
}

// NamespacesConfig locates the named namespaces to follow.
type NamespacesConfig struct {
	WatchDir string `hcl:"watch_dir,optional" json:"watch_dir,omitempty"`
}

// LoggingConfig configures the process logger.
type LoggingConfig struct {
	Level  string                `hcl:"level,optional" json:"level,omitempty"`
	JSON   bool                  `hcl:"json,optional" json:"json,omitempty"`
	Syslog *logging.SyslogConfig `hcl:"syslog,block" json:"syslog,omitempty"`
}

// APIConfig configures the status and metrics listener.
type APIConfig struct {
	Enabled         *bool  `hcl:"enabled,optional" json:"enabled,omitempty"`
	Listen          string `hcl:"listen,optional" json:"listen,omitempty"`
	ShutdownTimeout string `hcl:"shutdown_timeout,optional" json:"shutdown_timeout,omitempty"`
}

func intPtr(v int) *int       { return &v }
func int64Ptr(v int64) *int64 { return &v }
func boolPtr(v bool) *bool    { return &v }

// Default returns the configuration used when no file is given.
func Default() *Config {
	c := &Config{}
	c.ApplyDefaults()
	return c
}

// ApplyDefaults fills every unset field.
func (c *Config) ApplyDefaults() {
	if c.SchemaVersion == "" {
		c.SchemaVersion = CurrentSchemaVersion
	}
	if c.Mode == "" {
		c.Mode = ModeNamespace
	}

	if c.Classifier == nil {
		c.Classifier = &ClassifierConfig{}
	}
	if c.Classifier.GenevePort == nil {
		c.Classifier.GenevePort = intPtr(int(fastpath.DefaultGenevePort))
	}
	if c.Classifier.STTPort == nil {
		c.Classifier.STTPort = intPtr(int(fastpath.DefaultSTTPort))
	}

	if c.Hooks == nil {
		c.Hooks = &HooksConfig{}
	}
	if len(c.Hooks.Points) == 0 {
		for _, p := range fastpath.HookPoints {
			c.Hooks.Points = append(c.Hooks.Points, p.String())
		}
	}
	if c.Hooks.Priority == nil {
		c.Hooks.Priority = int64Ptr(int64(hooks.PriorityFirst))
	}
	if c.Hooks.Family == "" {
		c.Hooks.Family = hooks.FamilyIPv4.String()
	}

	if c.ContainerInterface == nil {
		c.ContainerInterface = &ContainerInterfaceConfig{}
	}
	if c.ContainerInterface.AliasIndex == nil {
		c.ContainerInterface.AliasIndex = intPtr(13)
	}
	if c.ContainerInterface.AliasChar == "" {
		c.ContainerInterface.AliasChar = "c"
	}

	lk := kernel.DefaultLinuxConfig()
	if c.Queue == nil {
		c.Queue = &QueueConfig{}
	}
	if c.Queue.Number == nil {
		c.Queue.Number = intPtr(int(lk.Queue))
	}
	if c.Queue.MaxLen == nil {
		c.Queue.MaxLen = intPtr(int(lk.MaxQueueLen))
	}
	if c.Queue.FailOpen == nil {
		c.Queue.FailOpen = boolPtr(lk.FailOpen)
	}

	if c.Namespaces == nil {
		c.Namespaces = &NamespacesConfig{}
	}
	if c.Namespaces.WatchDir == "" {
		c.Namespaces.WatchDir = netns.DefaultDir
	}

	if c.Logging == nil {
		c.Logging = &LoggingConfig{}
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	def := logging.DefaultSyslogConfig()
	if c.Logging.Syslog == nil {
		c.Logging.Syslog = &def
	}
	if c.Logging.Syslog.Port == 0 {
		c.Logging.Syslog.Port = def.Port
	}
	if c.Logging.Syslog.Protocol == "" {
		c.Logging.Syslog.Protocol = def.Protocol
	}
	if c.Logging.Syslog.Tag == "" {
		c.Logging.Syslog.Tag = def.Tag
	}
	if c.Logging.Syslog.Facility == 0 {
		c.Logging.Syslog.Facility = def.Facility
	}

	if c.API == nil {
		c.API = &APIConfig{}
	}
	if c.API.Enabled == nil {
		c.API.Enabled = boolPtr(true)
	}
	if c.API.Listen == "" {
		c.API.Listen = "127.0.0.1:9108"
	}
	if c.API.ShutdownTimeout == "" {
		c.API.ShutdownTimeout = "5s"
	}
}

// ClassifierOptions builds the classifier options, with the detection
// strategy selected by the mode. root is the namespace the daemon runs in.
func (c *Config) ClassifierOptions(root fastpath.NamespaceID) fastpath.Options {
	opts := fastpath.Options{
		GenevePort: uint16(*c.Classifier.GenevePort),
		STTPort:    uint16(*c.Classifier.STTPort),
	}
	switch c.Mode {
	case ModeGlobal:
		ci := c.ContainerInterface
		opts.Strategy = fastpath.NewInterfaceAliasStrategy(fastpath.AliasCharAt(*ci.AliasIndex, ci.AliasChar[0]))
	default:
		opts.Strategy = fastpath.NewNamespaceStrategy(root)
	}
	return opts
}

// TableConfig converts the hooks block. The config must be valid.
func (c *Config) TableConfig() hooks.TableConfig {
	points := make([]fastpath.HookPoint, 0, len(c.Hooks.Points))
	for _, s := range c.Hooks.Points {
		p, _ := fastpath.ParseHookPoint(s)
		points = append(points, p)
	}
	family, _ := hooks.ParseFamily(c.Hooks.Family)
	return hooks.TableConfig{
		Points:   points,
		Priority: int32(*c.Hooks.Priority),
		Family:   family,
	}
}

// LinuxConfig converts the queue block.
func (c *Config) LinuxConfig() kernel.LinuxConfig {
	lk := kernel.DefaultLinuxConfig()
	lk.Queue = uint16(*c.Queue.Number)
	lk.MaxQueueLen = uint32(*c.Queue.MaxLen)
	lk.FailOpen = *c.Queue.FailOpen
	return lk
}

// LoggerConfig converts the logging block.
func (c *Config) LoggerConfig() logging.Config {
	lc := logging.DefaultConfig()
	lc.Level = logging.ParseLevel(c.Logging.Level)
	lc.JSON = c.Logging.JSON
	lc.Syslog = *c.Logging.Syslog
	return lc
}

// APIShutdownTimeout parses api.shutdown_timeout, falling back to 5s.
func (c *Config) APIShutdownTimeout() time.Duration {
	d, err := time.ParseDuration(c.API.ShutdownTimeout)
	if err != nil || d <= 0 {
		return 5 * time.Second
	}
	return d
}

func inInt32(v int64) bool { return v >= math.MinInt32 && v <= math.MaxInt32 }
