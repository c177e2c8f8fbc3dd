package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/spf13/viper"

	"github.com/austindbirch/control_core/internal/delivery"
)

// EnvPrefix is prepended to every environment key, e.g. CC_PORT
const EnvPrefix = "CC"

// ConfigFileEnv names an optional YAML file read before the environment
const ConfigFileEnv = "CC_CONFIG_FILE"

type Relay struct {
	Workers        int           // concurrent delivery workers
	HTTPTimeout    time.Duration // per target call
	MaxRetries     int           // an event is dropped once attempts exceed this
	BackoffBase    time.Duration // delay is BackoffBase * 2^attempts
	MaxBackoff     time.Duration // ceiling on a single delay, zero for none
	QueueHighWater int           // queue depth that triggers a warning, zero disables
}

type EventLog struct {
	Path             string // JSONL file holding undelivered events
	Sync             bool   // fsync after every write
	CompactThreshold int    // dead lines tolerated before a rewrite
}

type JWT struct {
	PublicKey string // PEM, or a path to a PEM file
	Issuer    string
	Audience  string
}

type NSQ struct {
	PublishDLQ   bool   // publish dropped events to DLQTopic
	NsqdTCPAddr  string // e.g. nsqd:4150
	NsqdHTTPAddr string // stats endpoint polled by dlq-monitor, e.g. nsqd:4151
	DLQTopic     string

	MonitorPort     string
	MonitorInterval time.Duration
}

type FakeReceiver struct {
	FailFirstN           int           // Number of requests to fail initially
	AlwaysFail           bool          // Fail every request
	EndpointSecret       string        // Secret for signature verification
	SigningLeewaySeconds int           // Allowed timestamp skew in seconds
	ResponseDelayMS      int           // Simulated response delay in milliseconds
	Port                 string        // Server listen address
	ReadTimeout          time.Duration // HTTP read timeout
	WriteTimeout         time.Duration // HTTP write timeout
	IdleTimeout          time.Duration // HTTP idle timeout
}

type Config struct {
	ServiceName  string
	Port         string // listen port, without the colon
	SysAPIKey    string // value expected in X-SYS-API-KEY
	LogLevel     string
	Relay        Relay
	Log          EventLog
	Targets      []delivery.Target
	JWT          JWT
	NSQ          NSQ
	FakeReceiver FakeReceiver
}

// Addr is the listen address for the HTTP server
func (c Config) Addr() string {
	return ":" + strings.TrimPrefix(c.Port, ":")
}

// New returns a viper instance with defaults and the CC_ environment bound
func New() *viper.Viper {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	v.SetDefault("service_name", "control-core")
	v.SetDefault("port", "8021")
	v.SetDefault("sys_api_key", "")
	v.SetDefault("log_level", "info")

	v.SetDefault("workers", 4)
	v.SetDefault("http_timeout", "10s")
	v.SetDefault("max_retries", 5)
	v.SetDefault("backoff_base", "1s")
	v.SetDefault("max_backoff", "10m")
	v.SetDefault("queue_high_water", 10000)

	v.SetDefault("log_path", "data/relay_log.jsonl")
	v.SetDefault("log_sync", false)
	v.SetDefault("compact_threshold", 256)

	v.SetDefault("targets", "intelligence=http://localhost:8011/api/relay/receive")

	v.SetDefault("jwt.public_key", "")
	v.SetDefault("jwt.issuer", "")
	v.SetDefault("jwt.audience", "")

	v.SetDefault("nsq.publish_dlq", false)
	v.SetDefault("nsq.nsqd_tcp_addr", "nsqd:4150")
	v.SetDefault("nsq.dlq_topic", "control_core_dlq")
	v.SetDefault("nsq.nsqd_http_addr", "nsqd:4151")
	v.SetDefault("nsq.monitor_port", ":8084")
	v.SetDefault("nsq.monitor_interval", "15s")

	v.SetDefault("receiver.fail_first_n", 0)
	v.SetDefault("receiver.always_fail", false)
	v.SetDefault("receiver.secret", "")
	v.SetDefault("receiver.signing_leeway_seconds", 300)
	v.SetDefault("receiver.response_delay_ms", 0)
	v.SetDefault("receiver.port", ":8011")
	v.SetDefault("receiver.read_timeout", "10s")
	v.SetDefault("receiver.write_timeout", "10s")
	v.SetDefault("receiver.idle_timeout", "60s")
	return v
}

// FromEnv loads configuration from CC_CONFIG_FILE, if set, and the environment
func FromEnv() (Config, error) {
	v := New()
	if path := os.Getenv(ConfigFileEnv); path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config file %s: %w", path, err)
		}
	}
	return Load(v)
}

// Load builds a Config from v. It parses but does not validate.
func Load(v *viper.Viper) (Config, error) {
	var errs *multierror.Error
	dur := func(key string) time.Duration {
		d, err := parseDuration(v.GetString(key))
		if err != nil {
			errs = multierror.Append(errs, fmt.Errorf("%s: %w", key, err))
		}
		return d
	}

	cfg := Config{
		ServiceName: v.GetString("service_name"),
		Port:        v.GetString("port"),
		SysAPIKey:   v.GetString("sys_api_key"),
		LogLevel:    v.GetString("log_level"),
		Relay: Relay{
			Workers:        v.GetInt("workers"),
			HTTPTimeout:    dur("http_timeout"),
			MaxRetries:     v.GetInt("max_retries"),
			BackoffBase:    dur("backoff_base"),
			MaxBackoff:     dur("max_backoff"),
			QueueHighWater: v.GetInt("queue_high_water"),
		},
		Log: EventLog{
			Path:             v.GetString("log_path"),
			Sync:             v.GetBool("log_sync"),
			CompactThreshold: v.GetInt("compact_threshold"),
		},
		JWT: JWT{
			PublicKey: v.GetString("jwt.public_key"),
			Issuer:    v.GetString("jwt.issuer"),
			Audience:  v.GetString("jwt.audience"),
		},
		NSQ: NSQ{
			PublishDLQ:      v.GetBool("nsq.publish_dlq"),
			NsqdTCPAddr:     v.GetString("nsq.nsqd_tcp_addr"),
			NsqdHTTPAddr:    v.GetString("nsq.nsqd_http_addr"),
			DLQTopic:        v.GetString("nsq.dlq_topic"),
			MonitorPort:     v.GetString("nsq.monitor_port"),
			MonitorInterval: dur("nsq.monitor_interval"),
		},
		FakeReceiver: FakeReceiver{
			FailFirstN:           v.GetInt("receiver.fail_first_n"),
			AlwaysFail:           v.GetBool("receiver.always_fail"),
			EndpointSecret:       v.GetString("receiver.secret"),
			SigningLeewaySeconds: v.GetInt("receiver.signing_leeway_seconds"),
			ResponseDelayMS:      v.GetInt("receiver.response_delay_ms"),
			Port:                 v.GetString("receiver.port"),
			ReadTimeout:          dur("receiver.read_timeout"),
			WriteTimeout:         dur("receiver.write_timeout"),
			IdleTimeout:          dur("receiver.idle_timeout"),
		},
	}

	targets, err := ParseTargets(v.GetString("targets"))
	if err != nil {
		errs = multierror.Append(errs, err)
	}
	for i := range targets {
		t := &targets[i]
		prefix := "target." + t.Name + "."
		t.Credential = v.GetString(prefix + "api_key")
		if t.Credential == "" {
			// downstream services share the system key unless told otherwise
			t.Credential = cfg.SysAPIKey
		}
		t.AuthHeader = v.GetString(prefix + "header")
		t.Secret = v.GetString(prefix + "secret")
	}
	cfg.Targets = targets

	return cfg, errs.ErrorOrNil()
}

// Validate reports every setting that would prevent the relay from running
func (c Config) Validate() error {
	var errs *multierror.Error
	if c.Port == "" {
		errs = multierror.Append(errs, errors.New("port is required"))
	}
	if c.SysAPIKey == "" && c.JWT.PublicKey == "" {
		errs = multierror.Append(errs, errors.New("sys_api_key or jwt.public_key is required"))
	}
	if c.Relay.Workers < 1 {
		errs = multierror.Append(errs, fmt.Errorf("workers must be at least 1, got %d", c.Relay.Workers))
	}
	if c.Relay.HTTPTimeout <= 0 {
		errs = multierror.Append(errs, errors.New("http_timeout must be positive"))
	}
	if c.Relay.MaxRetries < 0 {
		errs = multierror.Append(errs, fmt.Errorf("max_retries must not be negative, got %d", c.Relay.MaxRetries))
	}
	if c.Relay.BackoffBase <= 0 {
		errs = multierror.Append(errs, errors.New("backoff_base must be positive"))
	}
	if c.Relay.MaxBackoff < 0 {
		errs = multierror.Append(errs, errors.New("max_backoff must not be negative"))
	}
	if c.Log.Path == "" {
		errs = multierror.Append(errs, errors.New("log_path is required"))
	}
	if len(c.Targets) == 0 {
		errs = multierror.Append(errs, errors.New("at least one target is required"))
	}
	if c.NSQ.PublishDLQ && (c.NSQ.NsqdTCPAddr == "" || c.NSQ.DLQTopic == "") {
		errs = multierror.Append(errs, errors.New("nsq.nsqd_tcp_addr and nsq.dlq_topic are required when nsq.publish_dlq is set"))
	}
	return errs.ErrorOrNil()
}

// ParseTargets parses "name=url,name=url". A bare URL is named target-<n>.
func ParseTargets(list string) ([]delivery.Target, error) {
	var (
		targets []delivery.Target
		errs    *multierror.Error
		seen    = make(map[string]bool)
	)
	for i, part := range strings.Split(list, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		name, raw, found := strings.Cut(part, "=")
		if !found {
			name, raw = "target-"+strconv.Itoa(i+1), part
		}
		name = strings.TrimSpace(name)
		raw = strings.TrimSpace(raw)

		u, err := url.Parse(raw)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			errs = multierror.Append(errs, fmt.Errorf("target %q: invalid url %q", name, raw))
			continue
		}
		if name == "" || seen[name] {
			errs = multierror.Append(errs, fmt.Errorf("target %q: empty or duplicate name", name))
			continue
		}
		seen[name] = true
		targets = append(targets, delivery.Target{Name: name, URL: u.String()})
	}
	return targets, errs.ErrorOrNil()
}

// parseDuration accepts Go durations and bare integers, read as seconds
func parseDuration(s string) (time.Duration, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, nil
	}
	if n, err := strconv.Atoi(s); err == nil {
		return time.Duration(n) * time.Second, nil
	}
	return time.ParseDuration(s)
}
