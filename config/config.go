package config

import (
	"flag"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"
)

const (
	RolePrimary   = "primary"
	RoleSecondary = "secondary"
)

type Config struct {
	Role      string `yaml:"role"`
	KeySeed   string `yaml:"key_seed"`
	PrimaryID string `yaml:"primary_id"`
	PeerCount uint32 `yaml:"peer_count"`

	Listen    string        `yaml:"listen"`
	Peers     []string      `yaml:"peers"`
	Topic     string        `yaml:"topic"`
	Heartbeat time.Duration `yaml:"heartbeat"`
	PeerTTL   time.Duration `yaml:"peer_ttl"`

	Timeout   time.Duration `yaml:"timeout"`
	Retention time.Duration `yaml:"retention"`

	APIAddr     string   `yaml:"api_addr"`
	Whitelist   []string `yaml:"whitelist"`
	MetricsAddr string   `yaml:"metrics_addr"`
	DataDir     string   `yaml:"data_dir"`

	WithTrace      bool   `yaml:"with_trace"`
	TraceCollector string `yaml:"trace_collector"`

	RequestFile      string `yaml:"request_file"`
	MaxClientLength  int    `yaml:"max_client_length"`
	MaxContentLength int    `yaml:"max_content_length"`
	LogLevel         string `yaml:"log_level"`
}

// Request is the initial client request a primary submits at startup.
type Request struct {
	Client  string `yaml:"client" json:"client"`
	Content string `yaml:"content" json:"content"`
}

func (c *Config) IsPrimary() bool {
	return c.Role == RolePrimary
}

// Default returns the configuration used when neither a file nor flags say otherwise.
func Default() *Config {
	return &Config{
		Role:             RoleSecondary,
		PeerCount:        4,
		Listen:           "tcp://127.0.0.1:5555",
		Topic:            "pbft-net",
		Heartbeat:        10 * time.Second,
		PeerTTL:          60 * time.Second,
		Timeout:          6 * time.Second,
		Retention:        10 * time.Minute,
		APIAddr:          "localhost:3050",
		Whitelist:        []string{"127.0.0.1"},
		MetricsAddr:      "localhost:9090",
		DataDir:          "./data",
		MaxClientLength:  256,
		MaxContentLength: 64 * 1024,
		LogLevel:         "info",
	}
}

type list []string

func (i *list) String() string {
	if i == nil {
		return ""
	}
	return strings.Join(*i, ",")
}

func (i *list) Set(value string) error {
	*i = nil
	for _, v := range strings.Split(value, ",") {
		if v = strings.TrimSpace(v); v != "" {
			*i = append(*i, v)
		}
	}
	return nil
}

type count uint32

func (c *count) String() string {
	if c == nil {
		return "0"
	}
	return strconv.FormatUint(uint64(*c), 10)
}

func (c *count) Set(value string) error {
	v, err := strconv.ParseUint(value, 10, 32)
	if err != nil {
		return err
	}
	*c = count(v)
	return nil
}

func bind(fs *flag.FlagSet, c *Config, path *string) {
	fs.StringVar(path, "config", "", "path to yaml configuration file")
	fs.StringVar(&c.Role, "role", c.Role, "role (primary or secondary)")
	fs.StringVar(&c.KeySeed, "keyseed", c.KeySeed, "seed of the ed25519 identity, random if empty")
	fs.StringVar(&c.PrimaryID, "primary", c.PrimaryID, "peer id of the primary, required on secondaries")
	fs.Var((*count)(&c.PeerCount), "peers-count", "deployment size n (3f+1)")
	fs.StringVar(&c.Listen, "listen", c.Listen, "gossip endpoint to publish on")
	fs.Var((*list)(&c.Peers), "peers", "gossip endpoints of the other peers, comma separated")
	fs.StringVar(&c.Topic, "topic", c.Topic, "gossip topic")
	fs.DurationVar(&c.Heartbeat, "heartbeat", c.Heartbeat, "heartbeat interval")
	fs.DurationVar(&c.PeerTTL, "peer-ttl", c.PeerTTL, "time after which a silent peer is dropped")
	fs.DurationVar(&c.Timeout, "timeout", c.Timeout, "quorum deadline of each proposal stage")
	fs.DurationVar(&c.Retention, "retention", c.Retention, "how long decided proposals are remembered")
	fs.StringVar(&c.APIAddr, "api", c.APIAddr, "client API address")
	fs.Var((*list)(&c.Whitelist), "whitelist", "allowed client hosts")
	fs.StringVar(&c.MetricsAddr, "metrics", c.MetricsAddr, "metrics address, empty to disable")
	fs.StringVar(&c.DataDir, "datadir", c.DataDir, "directory for the journal and decisions")
	fs.BoolVar(&c.WithTrace, "trace", c.WithTrace, "report client API spans to zipkin")
	fs.StringVar(&c.TraceCollector, "trace-collector", c.TraceCollector, "zipkin collector url")
	fs.StringVar(&c.RequestFile, "request", c.RequestFile, "client request submitted by the primary at startup")
	fs.IntVar(&c.MaxClientLength, "max-client", c.MaxClientLength, "longest client id voted for")
	fs.IntVar(&c.MaxContentLength, "max-content", c.MaxContentLength, "longest content voted for")
	fs.StringVar(&c.LogLevel, "loglevel", c.LogLevel, "log level")
}

// Parse builds the configuration from defaults, then the yaml file given by
// -config, then the flags that were set explicitly.
func Parse(args []string) (*Config, error) {
	var path string
	pre := flag.NewFlagSet("pbft", flag.ContinueOnError)
	pre.SetOutput(io.Discard)
	bind(pre, Default(), &path)
	if err := pre.Parse(args); err != nil {
		return nil, errors.Wrap(err, "parse flags")
	}

	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, errors.Wrap(err, "read config file")
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, errors.Wrap(err, "decode config file")
		}
	}

	fs := flag.NewFlagSet("pbft", flag.ContinueOnError)
	bind(fs, cfg, &path)
	if err := fs.Parse(args); err != nil {
		return nil, errors.Wrap(err, "parse flags")
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Get creates configuration from yaml configuration file (if '-config=' flag specified) or command-line arguments.
func Get() *Config {
	cfg, err := Parse(os.Args[1:])
	if err != nil {
		log.Fatalf("invalid configuration: %v", err)
	}
	return cfg
}

// Validate rejects configurations a node cannot start with.
func (c *Config) Validate() error {
	if c.Role != RolePrimary && c.Role != RoleSecondary {
		return errors.Errorf("unknown role %q", c.Role)
	}
	if !c.IsPrimary() && c.PrimaryID == "" {
		return errors.New("secondary needs the primary's peer id")
	}
	if c.PeerCount == 0 {
		return errors.New("peers-count must be positive")
	}
	if c.Listen == "" {
		return errors.New("listen address is empty")
	}
	if includes(c.Peers, c.Listen) {
		return errors.New("peers must not include the node's own listen address")
	}
	if c.Topic == "" {
		return errors.New("topic is empty")
	}
	if c.Heartbeat <= 0 || c.Timeout <= 0 || c.Retention <= 0 {
		return errors.New("heartbeat, timeout and retention must be positive")
	}
	if c.PeerTTL <= c.Heartbeat {
		return errors.Errorf("peer-ttl %s must exceed heartbeat %s", c.PeerTTL, c.Heartbeat)
	}
	if c.DataDir == "" {
		return errors.New("datadir is empty")
	}
	if c.MaxClientLength <= 0 || c.MaxContentLength <= 0 {
		return errors.New("length limits must be positive")
	}
	if _, err := log.ParseLevel(c.LogLevel); err != nil {
		return errors.Wrap(err, "loglevel")
	}
	if c.RequestFile != "" && !c.IsPrimary() {
		return errors.New("only the primary loads a client request")
	}
	return nil
}

// LoadRequest reads a {client, content} document in yaml or json.
func LoadRequest(path string) (Request, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Request{}, errors.Wrap(err, "read request file")
	}

	var req Request
	if err := yaml.Unmarshal(data, &req); err != nil {
		return Request{}, errors.Wrap(err, "decode request file")
	}
	if req.Client == "" || req.Content == "" {
		return Request{}, errors.Errorf("request file %s needs both client and content", path)
	}
	return req, nil
}

// includes checks that the 'arr' includes 'value'
func includes(arr []string, value string) bool {
	for i := range arr {
		if arr[i] == value {
			return true
		}
	}
	return false
}
