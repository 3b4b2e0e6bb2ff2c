package ops

import (
	"os"
	"strings"
	"time"

	"mdbroker/internal/entitlement"
	"mdbroker/internal/gateway"
	"mdbroker/internal/model"
	"mdbroker/internal/normalize"
	"mdbroker/internal/session"
	"mdbroker/internal/subscription"
	"mdbroker/internal/upstream"
	"mdbroker/pkg/conn"
	"mdbroker/pkg/exception"
	"mdbroker/pkg/retry"

	"github.com/yanun0323/errors"
	"gopkg.in/yaml.v3"
)

const (
	defaultCanonicalScheme = "BUID"
	defaultHTTPAddr        = ":8080"
)

// FileConfig mirrors the YAML config layout. JSON files load as well.
type FileConfig struct {
	Listen        ListenConfig        `yaml:"listen"`
	Identifiers   IdentifiersConfig   `yaml:"identifiers"`
	Normalization NormalizationConfig `yaml:"normalization"`
	Entitlement   EntitlementConfig   `yaml:"entitlement"`
	Session       SessionConfig       `yaml:"session"`
	Upstream      UpstreamConfig      `yaml:"upstream"`
	Postgres      conn.Option         `yaml:"postgres"`
	Profiling     ProfilingConfig     `yaml:"profiling"`
}

type ListenConfig struct {
	HTTP         *string `yaml:"http"`
	UDS          string  `yaml:"uds"`
	MaxFrameSize int     `yaml:"maxFrameSize"`
}

// IdentifiersConfig declares the canonical scheme and static aliases.
// Aliases are SCHEME~VALUE strings mapped to a canonical value.
type IdentifiersConfig struct {
	CanonicalScheme string        `yaml:"canonicalScheme"`
	CacheSize       int           `yaml:"cacheSize"`
	Database        bool          `yaml:"database"`
	Aliases         []AliasConfig `yaml:"aliases"`
}

type AliasConfig struct {
	Canonical string   `yaml:"canonical"`
	IDs       []string `yaml:"ids"`
}

type NormalizationConfig struct {
	RuleSets []normalize.RuleSetConfig `yaml:"ruleSets"`
}

type EntitlementConfig struct {
	Mode    string              `yaml:"mode"`
	Grants  []entitlement.Grant `yaml:"grants"`
	Timeout time.Duration       `yaml:"timeout"`
	TTL     time.Duration       `yaml:"ttl"`
}

type SessionConfig struct {
	HandshakeTimeout time.Duration `yaml:"handshakeTimeout"`
	RequestTimeout   time.Duration `yaml:"requestTimeout"`
	OutboxSize       int           `yaml:"outboxSize"`
	Overflow         string        `yaml:"overflow"`
	AllowedUsers     []string      `yaml:"allowedUsers"`
	RateLimit        float64       `yaml:"rateLimit"`
	RateBurst        int           `yaml:"rateBurst"`
}

type UpstreamConfig struct {
	Interval           time.Duration `yaml:"interval"`
	BasePrice          int64         `yaml:"basePrice"`
	BaseSize           int64         `yaml:"baseSize"`
	Spread             int64         `yaml:"spread"`
	Buffer             int           `yaml:"buffer"`
	Known              []string      `yaml:"known"`
	Shards             int           `yaml:"shards"`
	SubscribeTimeout   time.Duration `yaml:"subscribeTimeout"`
	UnsubscribeTimeout time.Duration `yaml:"unsubscribeTimeout"`
	SnapshotTimeout    time.Duration `yaml:"snapshotTimeout"`
	SnapshotAttempts   int           `yaml:"snapshotAttempts"`
	Backoff            retry.Backoff `yaml:"backoff"`
}

// ProfilingConfig enables the pyroscope agent and the periodic runtime
// report. Zero values disable both.
type ProfilingConfig struct {
	ServerAddress   string        `yaml:"serverAddress"`
	ApplicationName string        `yaml:"applicationName"`
	ReportInterval  time.Duration `yaml:"reportInterval"`
}

// EntitlementMode selects the entitlement checker.
type EntitlementMode string

const (
	EntitlementAllowAll EntitlementMode = "allow-all"
	EntitlementFixed    EntitlementMode = "fixed"
	EntitlementDatabase EntitlementMode = "database"
)

// Alias is a resolved static identifier mapping.
type Alias struct {
	Canonical model.CanonicalID
	IDs       []model.ExternalID
}

type Entitlement struct {
	Mode    EntitlementMode
	Grants  []entitlement.Grant
	Timeout time.Duration
	TTL     time.Duration
}

// Loaded is the resolved configuration ready for use.
type Loaded struct {
	Gateway         gateway.Config
	CanonicalScheme string
	IdentifierCache int
	AliasesFromDB   bool
	Aliases         []Alias
	RuleSets        *normalize.Registry
	Entitlement     Entitlement
	Session         session.Config
	Simulator       upstream.SimulatorConfig
	Subscription    subscription.Config
	Postgres        conn.Option
	Profiling       ProfilingConfig
}

// Load reads a config file and resolves it.
func Load(path string) (Loaded, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Loaded{}, errors.Wrap(err, "read config").With("path", path)
	}
	return Parse(data)
}

// Parse resolves a YAML or JSON document.
func Parse(data []byte) (Loaded, error) {
	var cfg FileConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Loaded{}, errors.Wrapf(exception.ErrInvalidConfig, "parse config: %v", err)
	}
	return Resolve(cfg)
}

// Default is the configuration used without a config file: a simulator
// feed, a pass-through RAW rule set and open entitlement.
func Default() (Loaded, error) {
	return Resolve(FileConfig{
		Normalization: NormalizationConfig{
			RuleSets: []normalize.RuleSetConfig{{ID: "RAW"}},
		},
	})
}

// Resolve validates a file config and applies defaults.
func Resolve(cfg FileConfig) (Loaded, error) {
	scheme := strings.TrimSpace(cfg.Identifiers.CanonicalScheme)
	if scheme == "" {
		scheme = defaultCanonicalScheme
	}

	aliases, err := resolveAliases(scheme, cfg.Identifiers.Aliases)
	if err != nil {
		return Loaded{}, err
	}
	if cfg.Identifiers.Database && cfg.Postgres.IsZero() {
		return Loaded{}, errors.Wrap(exception.ErrInvalidConfig, "identifiers.database needs postgres")
	}

	ruleSets, err := resolveRuleSets(cfg.Normalization)
	if err != nil {
		return Loaded{}, err
	}

	ent, err := resolveEntitlement(cfg.Entitlement, cfg.Postgres)
	if err != nil {
		return Loaded{}, err
	}

	sessionCfg, err := resolveSession(cfg.Session)
	if err != nil {
		return Loaded{}, err
	}

	known := make([]model.CanonicalID, 0, len(cfg.Upstream.Known))
	for _, s := range cfg.Upstream.Known {
		id, err := model.ParseExternalID(s)
		if err != nil {
			return Loaded{}, errors.Wrap(exception.ErrInvalidConfig, "upstream.known").With("id", s)
		}
		known = append(known, model.CanonicalID(id))
	}

	backoff := cfg.Upstream.Backoff
	if backoff.IsZero() {
		backoff = retry.DefaultBackoff()
	}

	httpAddr := defaultHTTPAddr
	if cfg.Listen.HTTP != nil {
		httpAddr = strings.TrimSpace(*cfg.Listen.HTTP)
	}
	if httpAddr == "" && strings.TrimSpace(cfg.Listen.UDS) == "" {
		return Loaded{}, errors.Wrap(exception.ErrInvalidConfig, "no listener configured")
	}

	return Loaded{
		Gateway: gateway.Config{
			HTTPAddr:     httpAddr,
			UDSPath:      strings.TrimSpace(cfg.Listen.UDS),
			MaxFrameSize: cfg.Listen.MaxFrameSize,
		},
		CanonicalScheme: scheme,
		IdentifierCache: cfg.Identifiers.CacheSize,
		AliasesFromDB:   cfg.Identifiers.Database,
		Aliases:         aliases,
		RuleSets:        ruleSets,
		Entitlement:     ent,
		Session:         sessionCfg,
		Simulator: upstream.SimulatorConfig{
			Interval:  cfg.Upstream.Interval,
			BasePrice: cfg.Upstream.BasePrice,
			BaseSize:  cfg.Upstream.BaseSize,
			Spread:    cfg.Upstream.Spread,
			Buffer:    cfg.Upstream.Buffer,
			Known:     known,
		},
		Subscription: subscription.Config{
			Shards:             cfg.Upstream.Shards,
			SubscribeTimeout:   cfg.Upstream.SubscribeTimeout,
			UnsubscribeTimeout: cfg.Upstream.UnsubscribeTimeout,
			SnapshotTimeout:    cfg.Upstream.SnapshotTimeout,
			SnapshotAttempts:   cfg.Upstream.SnapshotAttempts,
			Backoff:            backoff,
		},
		Postgres:  cfg.Postgres,
		Profiling: cfg.Profiling,
	}, nil
}

func resolveAliases(scheme string, cfg []AliasConfig) ([]Alias, error) {
	aliases := make([]Alias, 0, len(cfg))
	for _, a := range cfg {
		value := strings.TrimSpace(a.Canonical)
		if value == "" {
			return nil, errors.Wrap(exception.ErrInvalidConfig, "alias without canonical value")
		}
		alias := Alias{Canonical: model.NewCanonicalID(scheme, value)}
		for _, s := range a.IDs {
			id, err := model.ParseExternalID(s)
			if err != nil {
				return nil, errors.Wrap(exception.ErrInvalidConfig, "alias id").With("id", s)
			}
			alias.IDs = append(alias.IDs, id)
		}
		aliases = append(aliases, alias)
	}
	return aliases, nil
}

func resolveRuleSets(cfg NormalizationConfig) (*normalize.Registry, error) {
	sets := make([]*normalize.RuleSet, 0, len(cfg.RuleSets))
	for _, rs := range cfg.RuleSets {
		set, err := normalize.BuildRuleSet(rs)
		if err != nil {
			return nil, errors.Wrapf(err, "rule set %q", rs.ID)
		}
		sets = append(sets, set)
	}
	if len(sets) == 0 {
		return nil, errors.Wrap(exception.ErrInvalidConfig, "no normalization rule sets")
	}
	return normalize.NewRegistry(sets...)
}

func resolveEntitlement(cfg EntitlementConfig, pg conn.Option) (Entitlement, error) {
	mode := EntitlementMode(strings.ToLower(strings.TrimSpace(cfg.Mode)))
	if mode == "" {
		mode = EntitlementAllowAll
		if len(cfg.Grants) > 0 {
			mode = EntitlementFixed
		}
	}
	switch mode {
	case EntitlementAllowAll, EntitlementFixed:
	case EntitlementDatabase:
		if pg.IsZero() {
			return Entitlement{}, errors.Wrap(exception.ErrInvalidConfig, "database entitlement needs postgres")
		}
	default:
		return Entitlement{}, errors.Wrap(exception.ErrInvalidConfig, "entitlement mode").With("mode", cfg.Mode)
	}
	return Entitlement{
		Mode:    mode,
		Grants:  cfg.Grants,
		Timeout: cfg.Timeout,
		TTL:     cfg.TTL,
	}, nil
}

func resolveSession(cfg SessionConfig) (session.Config, error) {
	overflow, ok := session.ParseOverflowPolicy(cfg.Overflow)
	if !ok {
		return session.Config{}, errors.Wrap(exception.ErrInvalidConfig, "session overflow").With("overflow", cfg.Overflow)
	}
	if cfg.RateLimit < 0 {
		return session.Config{}, errors.Wrap(exception.ErrInvalidConfig, "session rateLimit must be >= 0")
	}
	return session.Config{
		HandshakeTimeout: cfg.HandshakeTimeout,
		RequestTimeout:   cfg.RequestTimeout,
		OutboxSize:       cfg.OutboxSize,
		Overflow:         overflow,
		AllowedUsers:     cfg.AllowedUsers,
		RateLimit:        cfg.RateLimit,
		RateBurst:        cfg.RateBurst,
	}, nil
}
