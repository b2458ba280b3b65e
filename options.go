package peerdial

import (
	"errors"
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/opd-ai/peerdial/interfaces"
	"github.com/opd-ai/peerdial/limits"
	"github.com/opd-ai/peerdial/proxy"
	"github.com/opd-ai/peerdial/socket"
	"github.com/sirupsen/logrus"
	ini "gopkg.in/ini.v1"
)

// EnvPrefix prefixes the environment variables that override loaded options.
const EnvPrefix = "PEERDIAL_"

// ErrInvalidOptions is wrapped by every Validate failure.
var ErrInvalidOptions = errors.New("invalid options")

// ProxyOptions configures the outbound proxy.
type ProxyOptions struct {
	Type     string `ini:"type"`
	Host     string `ini:"host"`
	Port     int    `ini:"port"`
	Username string `ini:"username"`
	Password string `ini:"password"`

	// Private proxies loopback and private targets too
	Private bool `ini:"private"`
}

// BindOptions configures the local address of outbound sockets.
type BindOptions struct {
	// Address is an IP or ip:port; empty binds nothing
	Address string `ini:"address"`
}

// ConnectOptions configures outbound connects.
type ConnectOptions struct {
	// MaxConnecting caps connects in flight; 0 means unbounded
	MaxConnecting int           `ini:"max_connecting"`
	Timeout       time.Duration `ini:"timeout"`

	// Type is "plain", "tls" or "ssl"
	Type string `ini:"type"`

	// DNSServers are host:port pairs for hostname resolution; empty uses
	// /etc/resolv.conf
	DNSServers []string `ini:"dns_servers" delim:","`
}

// InboundOptions configures the inbound listener and dispatcher.
type InboundOptions struct {
	Listen          string        `ini:"listen"`
	LocalIsPrivate  bool          `ini:"local_is_private"`
	AllowTLS        bool          `ini:"allow_tls"`
	WordReadTimeout time.Duration `ini:"word_read_timeout"`
	ProxyProtocol   bool          `ini:"proxy_protocol"`

	// AcceptRate limits accepted connections per second; 0 disables it
	AcceptRate  float64 `ini:"accept_rate"`
	AcceptBurst int     `ini:"accept_burst"`
}

// LogOptions configures logrus.
type LogOptions struct {
	Level  string `ini:"level"`
	Format string `ini:"format"`
}

// Options contains the configuration of a peerdial node.
//
// *Options implements interfaces.ProxySettings, interfaces.BindSettings and
// interfaces.InboundSettings, so the running stack observes changes made
// through the setters.
type Options struct {
	Proxy   ProxyOptions   `ini:"proxy"`
	Bind    BindOptions    `ini:"bind"`
	Connect ConnectOptions `ini:"connect"`
	Inbound InboundOptions `ini:"inbound"`
	Log     LogOptions     `ini:"log"`

	mu sync.RWMutex `ini:"-"`
}

// NewOptions creates a new default options.
func NewOptions() *Options {
	return &Options{
		Proxy: ProxyOptions{
			Type: "none",
		},
		Connect: ConnectOptions{
			MaxConnecting: limits.DefaultMaxConnecting,
			Timeout:       limits.DefaultConnectTimeout,
			Type:          "plain",
		},
		Inbound: InboundOptions{
			Listen:          "0.0.0.0:6346",
			LocalIsPrivate:  true,
			WordReadTimeout: limits.DefaultWordReadTimeout,
			AcceptBurst:     16,
		},
		Log: LogOptions{
			Level:  "info",
			Format: "text",
		},
	}
}

// LoadOptions reads options from the ini file at path on top of the
// defaults, then applies PEERDIAL_* environment overrides. An empty path
// skips the file.
func LoadOptions(path string) (*Options, error) {
	opts := NewOptions()
	if path != "" {
		f, err := ini.Load(path)
		if err != nil {
			return nil, fmt.Errorf("load %s: %w", path, err)
		}
		if err := f.MapTo(opts); err != nil {
			return nil, fmt.Errorf("map %s: %w", path, err)
		}
	}
	if err := opts.applyEnv(os.LookupEnv); err != nil {
		return nil, err
	}
	if err := opts.Validate(); err != nil {
		return nil, err
	}

	logrus.WithFields(logrus.Fields{
		"function":   "LoadOptions",
		"path":       path,
		"proxy_type": opts.Proxy.Type,
		"listen":     opts.Inbound.Listen,
	}).Debug("Options loaded")
	return opts, nil
}

// Save writes o to path in the format LoadOptions reads.
func (o *Options) Save(path string) error {
	o.mu.RLock()
	defer o.mu.RUnlock()
	f := ini.Empty()
	if err := ini.ReflectFrom(f, o); err != nil {
		return fmt.Errorf("failed to reflect options: %w", err)
	}
	return f.SaveTo(path)
}

type envBinding struct {
	name string
	set  func(string) error
}

func (o *Options) envBindings() []envBinding {
	return []envBinding{
		{"PROXY_TYPE", setString(&o.Proxy.Type)},
		{"PROXY_HOST", setString(&o.Proxy.Host)},
		{"PROXY_PORT", setInt(&o.Proxy.Port)},
		{"PROXY_USERNAME", setString(&o.Proxy.Username)},
		{"PROXY_PASSWORD", setString(&o.Proxy.Password)},
		{"PROXY_PRIVATE", setBool(&o.Proxy.Private)},
		{"BIND_ADDRESS", setString(&o.Bind.Address)},
		{"CONNECT_MAX_CONNECTING", setInt(&o.Connect.MaxConnecting)},
		{"CONNECT_TIMEOUT", setDuration(&o.Connect.Timeout)},
		{"CONNECT_TYPE", setString(&o.Connect.Type)},
		{"CONNECT_DNS_SERVERS", func(v string) error {
			o.Connect.DNSServers = splitList(v)
			return nil
		}},
		{"INBOUND_LISTEN", setString(&o.Inbound.Listen)},
		{"INBOUND_LOCAL_IS_PRIVATE", setBool(&o.Inbound.LocalIsPrivate)},
		{"INBOUND_ALLOW_TLS", setBool(&o.Inbound.AllowTLS)},
		{"INBOUND_WORD_READ_TIMEOUT", setDuration(&o.Inbound.WordReadTimeout)},
		{"INBOUND_PROXY_PROTOCOL", setBool(&o.Inbound.ProxyProtocol)},
		{"INBOUND_ACCEPT_RATE", setFloat(&o.Inbound.AcceptRate)},
		{"INBOUND_ACCEPT_BURST", setInt(&o.Inbound.AcceptBurst)},
		{"LOG_LEVEL", setString(&o.Log.Level)},
		{"LOG_FORMAT", setString(&o.Log.Format)},
	}
}

func (o *Options) applyEnv(lookup func(string) (string, bool)) error {
	for _, b := range o.envBindings() {
		v, ok := lookup(EnvPrefix + b.name)
		if !ok || v == "" {
			continue
		}
		if err := b.set(v); err != nil {
			return fmt.Errorf("%s%s: %w", EnvPrefix, b.name, err)
		}
	}
	return nil
}

func setString(p *string) func(string) error {
	return func(v string) error { *p = v; return nil }
}

func setInt(p *int) func(string) error {
	return func(v string) error {
		n, err := strconv.Atoi(v)
		if err == nil {
			*p = n
		}
		return err
	}
}

func setBool(p *bool) func(string) error {
	return func(v string) error {
		b, err := strconv.ParseBool(v)
		if err == nil {
			*p = b
		}
		return err
	}
}

func setFloat(p *float64) func(string) error {
	return func(v string) error {
		f, err := strconv.ParseFloat(v, 64)
		if err == nil {
			*p = f
		}
		return err
	}
}

func setDuration(p *time.Duration) func(string) error {
	return func(v string) error {
		d, err := time.ParseDuration(v)
		if err == nil {
			*p = d
		}
		return err
	}
}

func splitList(v string) []string {
	var out []string
	for _, s := range strings.Split(v, ",") {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}

// Validate checks the options for consistency.
func (o *Options) Validate() error {
	o.mu.RLock()
	defer o.mu.RUnlock()

	t, err := proxy.ParseType(o.Proxy.Type)
	if err != nil {
		return fmt.Errorf("%w: proxy: %v", ErrInvalidOptions, err)
	}
	if t != proxy.TypeNone {
		if o.Proxy.Host == "" {
			return fmt.Errorf("%w: proxy %s needs a host", ErrInvalidOptions, t)
		}
		if o.Proxy.Port <= 0 || o.Proxy.Port > 0xFFFF {
			return fmt.Errorf("%w: proxy port %d out of range", ErrInvalidOptions, o.Proxy.Port)
		}
	}
	if _, err := parseBindAddress(o.Bind.Address); err != nil {
		return fmt.Errorf("%w: bind: %v", ErrInvalidOptions, err)
	}
	if o.Connect.MaxConnecting < 0 {
		return fmt.Errorf("%w: max_connecting %d is negative", ErrInvalidOptions, o.Connect.MaxConnecting)
	}
	if o.Connect.Timeout < 0 {
		return fmt.Errorf("%w: connect timeout %v is negative", ErrInvalidOptions, o.Connect.Timeout)
	}
	if _, err := socket.ParseConnectType(o.Connect.Type); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidOptions, err)
	}
	if o.Inbound.WordReadTimeout < 0 {
		return fmt.Errorf("%w: word_read_timeout %v is negative", ErrInvalidOptions, o.Inbound.WordReadTimeout)
	}
	if o.Inbound.AcceptRate < 0 {
		return fmt.Errorf("%w: accept_rate %v is negative", ErrInvalidOptions, o.Inbound.AcceptRate)
	}
	if _, err := logrus.ParseLevel(o.Log.Level); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidOptions, err)
	}
	switch o.Log.Format {
	case "", "text", "json":
	default:
		return fmt.Errorf("%w: log format %q", ErrInvalidOptions, o.Log.Format)
	}
	return nil
}

// ConnectType returns the parsed connect type, plain when invalid.
func (o *Options) ConnectType() socket.ConnectType {
	o.mu.RLock()
	defer o.mu.RUnlock()
	ct, _ := socket.ParseConnectType(o.Connect.Type)
	return ct
}

// ConfigureLogging applies the log options to the standard logrus logger.
func (o *Options) ConfigureLogging() error {
	o.mu.RLock()
	defer o.mu.RUnlock()
	level, err := logrus.ParseLevel(o.Log.Level)
	if err != nil {
		return err
	}
	logrus.SetLevel(level)
	if o.Log.Format == "json" {
		logrus.SetFormatter(&logrus.JSONFormatter{})
	} else {
		logrus.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}
	return nil
}

// SetProxy replaces the proxy options.
func (o *Options) SetProxy(p ProxyOptions) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.Proxy = p
}

// SetBindAddress replaces the bind address.
func (o *Options) SetBindAddress(addr string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.Bind.Address = addr
}

func (o *Options) ProxyType() string {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.Proxy.Type
}

func (o *Options) ProxyHost() string {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.Proxy.Host
}

func (o *Options) ProxyPort() int {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.Proxy.Port
}

func (o *Options) ProxyUsername() string {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.Proxy.Username
}

func (o *Options) ProxyPassword() string {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.Proxy.Password
}

func (o *Options) ProxyPrivate() bool {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.Proxy.Private
}

// BindAddr returns the configured local address, or nil when none is set or
// it does not parse.
func (o *Options) BindAddr() net.Addr {
	o.mu.RLock()
	defer o.mu.RUnlock()
	addr, err := parseBindAddress(o.Bind.Address)
	if err != nil || addr == nil {
		return nil
	}
	return addr
}

// BindFailed clears the bind address so later connects use an ephemeral
// local address.
func (o *Options) BindFailed(addr net.Addr, err error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	logrus.WithFields(logrus.Fields{
		"function": "Options.BindFailed",
		"address":  o.Bind.Address,
		"error":    err,
	}).Warn("Local address cannot be bound, clearing bind setting")
	o.Bind.Address = ""
}

func (o *Options) LocalIsPrivate() bool {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.Inbound.LocalIsPrivate
}

func (o *Options) AllowTLS() bool {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.Inbound.AllowTLS
}

func (o *Options) WordReadTimeout() time.Duration {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.Inbound.WordReadTimeout
}

// parseBindAddress accepts "", an IP or ip:port.
func parseBindAddress(s string) (*net.TCPAddr, error) {
	if s == "" {
		return nil, nil
	}
	if ip := net.ParseIP(s); ip != nil {
		return &net.TCPAddr{IP: ip}, nil
	}
	host, port, err := net.SplitHostPort(s)
	if err != nil {
		return nil, err
	}
	ip := net.ParseIP(host)
	if ip == nil {
		return nil, fmt.Errorf("bind host %q is not an IP", host)
	}
	p, err := strconv.Atoi(port)
	if err != nil || p < 0 || p > 0xFFFF {
		return nil, fmt.Errorf("bind port %q out of range", port)
	}
	return &net.TCPAddr{IP: ip, Port: p}, nil
}

var (
	_ interfaces.ProxySettings   = (*Options)(nil)
	_ interfaces.BindSettings    = (*Options)(nil)
	_ interfaces.InboundSettings = (*Options)(nil)
)
