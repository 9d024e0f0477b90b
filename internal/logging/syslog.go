// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package logging

import (
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"
)

// SyslogConfig configures forwarding of log records to a remote syslog daemon.
type SyslogConfig struct {
	Enabled  bool   `hcl:"enabled,optional"`
	Host     string `hcl:"host,optional"`
	Port     int    `hcl:"port,optional"`
	Protocol string `hcl:"protocol,optional"` // "udp" or "tcp"
	Tag      string `hcl:"tag,optional"`
	Facility int    `hcl:"facility,optional"`
}

// DefaultSyslogConfig returns a disabled config with RFC 5424 defaults.
func DefaultSyslogConfig() SyslogConfig {
	return SyslogConfig{
		Enabled:  false,
		Port:     514,
		Protocol: "udp",
		Tag:      "fastpath",
		Facility: 1, // user-level
	}
}

// SyslogWriter is an io.Writer that frames each write as one RFC 5424 message.
type SyslogWriter struct {
	mu       sync.Mutex
	conn     net.Conn
	tag      string
	facility int
	hostname string
}

// NewSyslogWriter dials the configured syslog endpoint.
func NewSyslogWriter(cfg SyslogConfig) (*SyslogWriter, error) {
	if cfg.Host == "" {
		return nil, fmt.Errorf("syslog host is required")
	}
	if cfg.Port == 0 {
		cfg.Port = 514
	}
	if cfg.Protocol == "" {
		cfg.Protocol = "udp"
	}
	if cfg.Tag == "" {
		cfg.Tag = "fastpath"
	}
	if cfg.Protocol != "udp" && cfg.Protocol != "tcp" {
		return nil, fmt.Errorf("unsupported syslog protocol %q", cfg.Protocol)
	}

	addr := net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.Port))
	conn, err := net.DialTimeout(cfg.Protocol, addr, 5*time.Second)
	if err != nil {
		return nil, fmt.Errorf("dial syslog %s: %w", addr, err)
	}

	hostname, _ := os.Hostname()
	if hostname == "" {
		hostname = "-"
	}
	return &SyslogWriter{
		conn:     conn,
		tag:      cfg.Tag,
		facility: cfg.Facility,
		hostname: hostname,
	}, nil
}

// Write sends p as a single notice-severity message.
func (w *SyslogWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	pri := w.facility*8 + 5
	msg := fmt.Sprintf("<%d>1 %s %s %s %d - - %s\n",
		pri, time.Now().UTC().Format(time.RFC3339), w.hostname, w.tag, os.Getpid(),
		strings.TrimRight(string(p), "\n"))
	if _, err := w.conn.Write([]byte(msg)); err != nil {
		return 0, err
	}
	return len(p), nil
}

// Close closes the underlying connection.
func (w *SyslogWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.conn.Close()
}
