// Package config loads the daemon configuration from YAML and turns it
// into link and bundle configurations.
package config

import (
	"errors"
	"fmt"
	"net/netip"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/codelaboratoryltd/mpd/pkg/auth"
	"github.com/codelaboratoryltd/mpd/pkg/ppp"
)

// Defaults mirroring mpd.
const (
	DefaultFSMTimeout   = 2
	MinFSMTimeout       = 1
	MaxFSMTimeout       = 10
	DefaultRedialDelay  = 1
	DefaultMaxRedial    = -1
	DefaultEchoInterval = 5
	DefaultEchoMax      = 40
	DefaultMetricsAddr  = ":9090"
	DefaultLogLevel     = "info"
	DefaultDeviceType   = "udp"
)

// ErrInvalid wraps every validation failure.
var ErrInvalid = errors.New("invalid configuration")

// Config is the whole configuration file.
type Config struct {
	Daemon  DaemonConfig   `yaml:"daemon"`
	Links   []LinkConfig   `yaml:"links"`
	Bundles []BundleConfig `yaml:"bundles"`
	Radius  RadiusConfig   `yaml:"radius"`
	Auth    AuthConfig     `yaml:"auth"`
}

// DaemonConfig holds process wide settings.
type DaemonConfig struct {
	LogLevel    string `yaml:"log-level"`
	MetricsAddr string `yaml:"metrics-addr"`
}

// OptionSet lists option names per verb, as in "set link enable pap".
type OptionSet struct {
	Enable  []string `yaml:"enable"`
	Disable []string `yaml:"disable"`
	Accept  []string `yaml:"accept"`
	Deny    []string `yaml:"deny"`
}

// Apply runs the verbs over o in the order enable, disable, accept, deny.
func (s OptionSet) Apply(table ppp.OptionTable, o *ppp.Options) error {
	for _, step := range []struct {
		verb  string
		names []string
	}{
		{"enable", s.Enable},
		{"disable", s.Disable},
		{"accept", s.Accept},
		{"deny", s.Deny},
	} {
		if err := o.Apply(table, step.verb, step.names...); err != nil {
			return err
		}
	}
	return nil
}

// DeviceConfig selects the physical device of a link.
type DeviceConfig struct {
	Type string `yaml:"type"`
	Self string `yaml:"self"`
	Peer string `yaml:"peer"`
	MTU  int    `yaml:"mtu"`
}

// LinkConfig is one "create link" block. Times are in seconds.
type LinkConfig struct {
	Name     string       `yaml:"name"`
	Template bool         `yaml:"template"`
	Device   DeviceConfig `yaml:"device"`
	Options  OptionSet    `yaml:"options"`

	MRU    int     `yaml:"mru"`
	MTU    int     `yaml:"mtu"`
	MRRU   int     `yaml:"mrru"`
	Accmap *uint32 `yaml:"accmap"`

	MaxRedial   *int `yaml:"max-redial"`
	RedialDelay int  `yaml:"redial-delay"`
	FSMTimeout  int  `yaml:"fsm-timeout"`
	MaxChildren int  `yaml:"max-children"`

	Bandwidth int `yaml:"bandwidth"`
	Latency   int `yaml:"latency"`

	EchoInterval int    `yaml:"echo-interval"`
	EchoMax      int    `yaml:"echo-max"`
	Ident        string `yaml:"ident"`

	Actions    []string `yaml:"actions"`
	Authname   string   `yaml:"authname"`
	Password   string   `yaml:"password"`
	AcctUpdate int      `yaml:"acct-update"`
}

// BMConfig holds the bandwidth management tunables.
type BMConfig struct {
	Period int `yaml:"period"`
	HiWat  int `yaml:"hiwat"`
	LoWat  int `yaml:"lowat"`
	MinCon int `yaml:"min-con"`
	MinDis int `yaml:"min-dis"`
}

// IPCPConfig is the "set ipcp" block.
type IPCPConfig struct {
	Options OptionSet `yaml:"options"`
	Self    string    `yaml:"self"`
	Peer    string    `yaml:"peer"`
	DNS     []string  `yaml:"dns"`
	NBNS    []string  `yaml:"nbns"`
}

// CCPConfig is the "set ccp" block.
type CCPConfig struct {
	Options OptionSet `yaml:"options"`
	Window  int       `yaml:"window"`
}

// ECPConfig is the "set ecp" block.
type ECPConfig struct {
	Options OptionSet `yaml:"options"`
	Key     string    `yaml:"key"`
}

// BundleConfig is one "create bundle" block.
type BundleConfig struct {
	Name      string     `yaml:"name"`
	Template  bool       `yaml:"template"`
	Links     []string   `yaml:"links"`
	Options   OptionSet  `yaml:"options"`
	Retry     int        `yaml:"fsm-timeout"`
	BM        BMConfig   `yaml:"bw-manage"`
	IPCP      IPCPConfig `yaml:"ipcp"`
	CCP       CCPConfig  `yaml:"ccp"`
	ECP       ECPConfig  `yaml:"ecp"`
	Interface string     `yaml:"interface"`
	OnDemand  bool       `yaml:"on-demand"`
	// Open opens the bundle at startup.
	Open bool `yaml:"open"`
}

// RadiusServer is one RADIUS server.
type RadiusServer struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	AcctPort int    `yaml:"acct-port"`
	Secret   string `yaml:"secret"`
}

// RadiusConfig enables RADIUS authentication and accounting.
type RadiusConfig struct {
	Enabled    bool           `yaml:"enabled"`
	Servers    []RadiusServer `yaml:"servers"`
	NASID      string         `yaml:"nas-id"`
	Timeout    time.Duration  `yaml:"timeout"`
	Retries    int            `yaml:"retries"`
	Accounting bool           `yaml:"accounting"`
}

// Secret is one entry of the local secret table.
type Secret struct {
	Name     string `yaml:"name"`
	Password string `yaml:"password"`
	IP       string `yaml:"ip"`
	Action   string `yaml:"action"`
}

// AuthConfig holds the local secret table.
type AuthConfig struct {
	Secrets []Secret `yaml:"secrets"`
}

// Load reads and validates path.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
	}
	cfg, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}

// Parse decodes data, fills in defaults and validates the result.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	cfg.SetDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// SetDefaults fills zero values.
func (c *Config) SetDefaults() {
	if c.Daemon.LogLevel == "" {
		c.Daemon.LogLevel = DefaultLogLevel
	}
	if c.Daemon.MetricsAddr == "" {
		c.Daemon.MetricsAddr = DefaultMetricsAddr
	}
	def := ppp.DefaultLinkConfig()
	for i := range c.Links {
		l := &c.Links[i]
		if l.Device.Type == "" {
			l.Device.Type = DefaultDeviceType
		}
		if l.MRU == 0 {
			l.MRU = def.MRU
		}
		if l.MTU == 0 {
			l.MTU = def.MTU
		}
		if l.MRRU == 0 {
			l.MRRU = def.MRRU
		}
		if l.Accmap == nil {
			v := def.Accmap
			l.Accmap = &v
		}
		if l.MaxRedial == nil {
			v := DefaultMaxRedial
			l.MaxRedial = &v
		}
		if l.RedialDelay == 0 {
			l.RedialDelay = DefaultRedialDelay
		}
		if l.FSMTimeout == 0 {
			l.FSMTimeout = DefaultFSMTimeout
		}
		if l.Bandwidth == 0 {
			l.Bandwidth = def.Bandwidth
		}
		if l.Latency == 0 {
			l.Latency = def.Latency
		}
		if l.EchoInterval == 0 {
			l.EchoInterval = DefaultEchoInterval
		}
		if l.EchoMax == 0 {
			l.EchoMax = DefaultEchoMax
		}
	}
	bm := ppp.DefaultBMConfig()
	for i := range c.Bundles {
		b := &c.Bundles[i]
		if b.Retry == 0 {
			b.Retry = DefaultFSMTimeout
		}
		if b.BM.Period == 0 {
			b.BM.Period = int(bm.Period / time.Second)
		}
		if b.BM.HiWat == 0 {
			b.BM.HiWat = bm.HiWat
		}
		if b.BM.LoWat == 0 {
			b.BM.LoWat = bm.LoWat
		}
		if b.BM.MinCon == 0 {
			b.BM.MinCon = int(bm.MinCon / time.Second)
		}
		if b.BM.MinDis == 0 {
			b.BM.MinDis = int(bm.MinDis / time.Second)
		}
		if b.CCP.Window == 0 {
			b.CCP.Window = 15
		}
	}
	if c.Radius.Timeout == 0 {
		c.Radius.Timeout = 3 * time.Second
	}
	if c.Radius.Retries == 0 {
		c.Radius.Retries = 3
	}
	if c.Radius.NASID == "" {
		c.Radius.NASID = "mpd"
	}
}

func invalid(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalid, fmt.Sprintf(format, args...))
}

// Validate checks names, ranges and cross references, and that every
// link and bundle converts cleanly.
func (c *Config) Validate() error {
	switch c.Daemon.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return invalid("log-level %q", c.Daemon.LogLevel)
	}

	links := make(map[string]bool)
	for _, l := range c.Links {
		if l.Name == "" {
			return invalid("link without a name")
		}
		if links[l.Name] {
			return invalid("duplicate link %q", l.Name)
		}
		links[l.Name] = true
		if l.Device.Type != DefaultDeviceType {
			return invalid("link %q: unsupported device type %q", l.Name, l.Device.Type)
		}
		if l.Device.Self == "" {
			return invalid("link %q: device needs a self address", l.Name)
		}
		if l.FSMTimeout < MinFSMTimeout || l.FSMTimeout > MaxFSMTimeout {
			return invalid("link %q: fsm-timeout %d out of range %d..%d",
				l.Name, l.FSMTimeout, MinFSMTimeout, MaxFSMTimeout)
		}
		if _, err := l.PPP(); err != nil {
			return invalid("link %q: %v", l.Name, err)
		}
	}

	bundles := make(map[string]bool)
	for _, b := range c.Bundles {
		if b.Name == "" {
			return invalid("bundle without a name")
		}
		if bundles[b.Name] {
			return invalid("duplicate bundle %q", b.Name)
		}
		bundles[b.Name] = true
		if len(b.Links) > ppp.MaxLinks {
			return invalid("bundle %q: %d links, at most %d", b.Name, len(b.Links), ppp.MaxLinks)
		}
		for _, name := range b.Links {
			if !links[name] {
				return invalid("bundle %q: unknown link %q", b.Name, name)
			}
		}
		if b.Retry < MinFSMTimeout || b.Retry > MaxFSMTimeout {
			return invalid("bundle %q: fsm-timeout %d out of range %d..%d",
				b.Name, b.Retry, MinFSMTimeout, MaxFSMTimeout)
		}
		if b.BM.LoWat >= b.BM.HiWat || b.BM.HiWat > 100 || b.BM.LoWat < 0 {
			return invalid("bundle %q: watermarks %d/%d", b.Name, b.BM.LoWat, b.BM.HiWat)
		}
		if b.BM.Period < 6 {
			return invalid("bundle %q: period %d below 6 seconds", b.Name, b.BM.Period)
		}
		if b.CCP.Window < 8 || b.CCP.Window > 15 {
			return invalid("bundle %q: deflate window %d out of range 8..15", b.Name, b.CCP.Window)
		}
		if b.Open && b.Template {
			return invalid("bundle %q: templates cannot be opened", b.Name)
		}
		if _, err := b.PPP(); err != nil {
			return invalid("bundle %q: %v", b.Name, err)
		}
	}

	if c.Radius.Enabled {
		if len(c.Radius.Servers) == 0 {
			return invalid("radius enabled without servers")
		}
		for _, s := range c.Radius.Servers {
			if s.Host == "" || s.Secret == "" {
				return invalid("radius server needs host and secret")
			}
		}
	}

	for _, s := range c.Auth.Secrets {
		if s.Name == "" {
			return invalid("secret without a name")
		}
		if s.IP != "" {
			if _, err := netip.ParseAddr(s.IP); err != nil {
				return invalid("secret %q: %v", s.Name, err)
			}
		}
	}
	return nil
}

func seconds(n int) time.Duration {
	return time.Duration(n) * time.Second
}

// PPP converts the block into a link configuration.
func (l LinkConfig) PPP() (ppp.LinkConfig, error) {
	out := ppp.DefaultLinkConfig()
	out.Template = l.Template
	if err := l.Options.Apply(ppp.LinkOptions, &out.Options); err != nil {
		return out, err
	}
	out.MRU = l.MRU
	out.MTU = l.MTU
	out.MRRU = l.MRRU
	if l.Accmap != nil {
		out.Accmap = *l.Accmap
	}
	if l.MaxRedial != nil {
		out.MaxRedial = *l.MaxRedial
	}
	out.RedialDelay = seconds(l.RedialDelay)
	out.Retry = seconds(l.FSMTimeout)
	if l.MaxChildren > 0 {
		out.MaxChildren = l.MaxChildren
	}
	out.Bandwidth = l.Bandwidth
	out.Latency = l.Latency
	out.EchoInterval = seconds(l.EchoInterval)
	out.EchoMax = seconds(l.EchoMax)
	out.Ident = l.Ident
	for _, s := range l.Actions {
		a, err := ppp.ParseAction(s)
		if err != nil {
			return out, err
		}
		out.Actions = append(out.Actions, a)
	}
	out.Auth.Authname = l.Authname
	out.Auth.Password = l.Password
	out.AcctUpdate = seconds(l.AcctUpdate)
	return out, nil
}

func parseRange(s string) (netip.Prefix, error) {
	if s == "" {
		return netip.Prefix{}, nil
	}
	if p, err := netip.ParsePrefix(s); err == nil {
		return p, nil
	}
	a, err := netip.ParseAddr(s)
	if err != nil {
		return netip.Prefix{}, err
	}
	return netip.PrefixFrom(a, a.BitLen()), nil
}

func parseServers(in []string) ([2]netip.Addr, error) {
	var out [2]netip.Addr
	if len(in) > 2 {
		return out, fmt.Errorf("at most two servers, got %d", len(in))
	}
	for i, s := range in {
		a, err := netip.ParseAddr(s)
		if err != nil {
			return out, err
		}
		out[i] = a
	}
	return out, nil
}

// PPP converts the block into a bundle configuration.
func (b BundleConfig) PPP() (ppp.BundleConfig, error) {
	out := ppp.DefaultBundleConfig()
	out.Template = b.Template
	out.Links = append([]string(nil), b.Links...)
	out.OnDemand = b.OnDemand
	out.Retry = seconds(b.Retry)
	if err := b.Options.Apply(ppp.BundleOptions, &out.Options); err != nil {
		return out, err
	}
	out.BM = b.BM.PPP()

	var err error
	if err = b.IPCP.Options.Apply(ppp.IPCPOptions, &out.IPCP.Options); err != nil {
		return out, err
	}
	if out.IPCP.Self, err = parseRange(b.IPCP.Self); err != nil {
		return out, fmt.Errorf("ipcp self: %w", err)
	}
	if out.IPCP.Peer, err = parseRange(b.IPCP.Peer); err != nil {
		return out, fmt.Errorf("ipcp peer: %w", err)
	}
	if out.IPCP.DNS, err = parseServers(b.IPCP.DNS); err != nil {
		return out, fmt.Errorf("ipcp dns: %w", err)
	}
	if out.IPCP.NBNS, err = parseServers(b.IPCP.NBNS); err != nil {
		return out, fmt.Errorf("ipcp nbns: %w", err)
	}

	if err = b.CCP.Options.Apply(ppp.CCPOptions, &out.CCP.Options); err != nil {
		return out, err
	}
	out.CCP.Window = b.CCP.Window
	if err = b.ECP.Options.Apply(ppp.ECPOptions, &out.ECP.Options); err != nil {
		return out, err
	}
	out.ECP.Key = b.ECP.Key
	if out.ECP.Options.Enabled(ppp.ECPDeseBis) && out.ECP.Key == "" {
		return out, errors.New("dese-bis needs a key")
	}
	return out, nil
}

// PPP converts the tunables.
func (m BMConfig) PPP() ppp.BMConfig {
	return ppp.BMConfig{
		Period: seconds(m.Period),
		HiWat:  m.HiWat,
		LoWat:  m.LoWat,
		MinCon: seconds(m.MinCon),
		MinDis: seconds(m.MinDis),
	}
}

// Table builds the local secret table.
func (a AuthConfig) Table() map[string]auth.Secret {
	out := make(map[string]auth.Secret, len(a.Secrets))
	for _, s := range a.Secrets {
		sec := auth.Secret{Password: s.Password}
		sec.Params.Action = s.Action
		if s.IP != "" {
			sec.Params.FramedIP, _ = netip.ParseAddr(s.IP)
		}
		out[s.Name] = sec
	}
	return out
}

// FindLink returns the named link block.
func (c *Config) FindLink(name string) (LinkConfig, bool) {
	for _, l := range c.Links {
		if l.Name == name {
			return l, true
		}
	}
	return LinkConfig{}, false
}

// FindBundle returns the named bundle block.
func (c *Config) FindBundle(name string) (BundleConfig, bool) {
	for _, b := range c.Bundles {
		if b.Name == name {
			return b, true
		}
	}
	return BundleConfig{}, false
}
