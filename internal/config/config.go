package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

type Config struct {
	Server        ServerConfig        `yaml:"server"`
	Storage       StorageConfig       `yaml:"storage"`
	Auth          AuthConfig          `yaml:"auth"`
	API           APIConfig           `yaml:"api"`
	Observability ObservabilityConfig `yaml:"observability"`
}

type ServerConfig struct {
	Host         string `yaml:"host"`
	Port         int    `yaml:"port"`
	MaxBodyBytes int64  `yaml:"max_body_bytes"`
}

func (c ServerConfig) Address() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

type StorageConfig struct {
	Driver string `yaml:"driver"`
	Path   string `yaml:"path"`
	DSN    string `yaml:"dsn"`
}

type AuthConfig struct {
	Enabled  bool            `yaml:"enabled"`
	Header   string          `yaml:"header"`
	Sessions []SessionConfig `yaml:"sessions"`
}

// SessionConfig is one bearer session. Exactly one of Token or TokenHash
// (hex sha256 of the token) should be set.
type SessionConfig struct {
	ID        string          `yaml:"id"`
	Token     string          `yaml:"token"`
	TokenHash string          `yaml:"token_hash"`
	UserID    string          `yaml:"user_id"`
	UserName  string          `yaml:"user_name"`
	UserEmail string          `yaml:"user_email"`
	UserImage string          `yaml:"user_image"`
	OrgID     string          `yaml:"org_id"`
	OrgRole   string          `yaml:"org_role"`
	Projects  []ProjectConfig `yaml:"projects"`
}

// ProjectConfig grants a session access to one project. An empty role
// inherits the session org_role.
type ProjectConfig struct {
	ID   string `yaml:"id"`
	Name string `yaml:"name"`
	Role string `yaml:"role"`
}

type APIConfig struct {
	DefaultPageSize int `yaml:"default_page_size"`
	MaxPageSize     int `yaml:"max_page_size"`
}

type ObservabilityConfig struct {
	OTel OTelConfig `yaml:"otel"`
}

type OTelConfig struct {
	Enabled                bool    `yaml:"enabled"`
	Endpoint               string  `yaml:"endpoint"`
	Insecure               bool    `yaml:"insecure"`
	ServiceName            string  `yaml:"service_name"`
	TracesEnabled          bool    `yaml:"traces_enabled"`
	MetricsEnabled         bool    `yaml:"metrics_enabled"`
	SamplingRatio          float64 `yaml:"sampling_ratio"`
	ExportTimeoutMS        int     `yaml:"export_timeout_ms"`
	MetricExportIntervalMS int     `yaml:"metric_export_interval_ms"`
}

const (
	defaultOTELEndpoint               = "localhost:4318"
	defaultOTELServiceName            = "ongoingai-console"
	defaultOTELSamplingRatio          = 1.0
	defaultOTELExportTimeoutMS        = 3000
	defaultOTELMetricExportIntervalMS = 10000

	// HardMaxPageSize bounds api.max_page_size.
	HardMaxPageSize = 100
)

func Default() Config {
	return Config{
		Server: ServerConfig{
			Host:         "0.0.0.0",
			Port:         8080,
			MaxBodyBytes: 1 << 20,
		},
		Storage: StorageConfig{
			Driver: "sqlite",
			Path:   "./data/ongoingai.db",
		},
		Auth: AuthConfig{
			Enabled: false,
			Header:  "Authorization",
		},
		API: APIConfig{
			DefaultPageSize: 50,
			MaxPageSize:     HardMaxPageSize,
		},
		Observability: ObservabilityConfig{
			OTel: OTelConfig{
				Enabled:                false,
				Endpoint:               defaultOTELEndpoint,
				Insecure:               true,
				ServiceName:            defaultOTELServiceName,
				TracesEnabled:          true,
				MetricsEnabled:         true,
				SamplingRatio:          defaultOTELSamplingRatio,
				ExportTimeoutMS:        defaultOTELExportTimeoutMS,
				MetricExportIntervalMS: defaultOTELMetricExportIntervalMS,
			},
		},
	}
}

// LoadEnvFile loads KEY=value pairs into the process environment without
// overwriting variables that are already set. An empty path loads ./.env
// when it exists.
func LoadEnvFile(path string) error {
	path = strings.TrimSpace(path)
	if path == "" {
		path = strings.TrimSpace(os.Getenv("ONGOINGAI_ENV_FILE"))
	}
	if path == "" {
		if _, err := os.Stat(".env"); err != nil {
			return nil
		}
		path = ".env"
	}
	if err := godotenv.Load(path); err != nil {
		return fmt.Errorf("load env file %q: %w", path, err)
	}
	return nil
}

func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err == nil {
			decoder := yaml.NewDecoder(bytes.NewReader(data))
			decoder.KnownFields(true)
			decodeErr := decoder.Decode(&cfg)
			if errors.Is(decodeErr, io.EOF) {
				decodeErr = nil
			}
			if decodeErr != nil {
				return Config{}, fmt.Errorf("parse yaml %q: %w", path, decodeErr)
			}
			var trailing any
			trailingErr := decoder.Decode(&trailing)
			if trailingErr != nil && !errors.Is(trailingErr, io.EOF) {
				return Config{}, fmt.Errorf("parse yaml %q: %w", path, trailingErr)
			}
			if trailing != nil {
				return Config{}, fmt.Errorf("parse yaml %q: multiple yaml documents are not supported", path)
			}
		} else if !errors.Is(err, os.ErrNotExist) {
			return Config{}, fmt.Errorf("read config %q: %w", path, err)
		}
	}

	if err := applyEnv(&cfg); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

// Validate checks configuration invariants required at runtime.
func Validate(cfg Config) error {
	if cfg.Server.Port <= 0 || cfg.Server.Port > 65535 {
		return fmt.Errorf("server.port must be between 1 and 65535 (got %d)", cfg.Server.Port)
	}
	if cfg.Server.MaxBodyBytes <= 0 {
		return fmt.Errorf("server.max_body_bytes must be > 0 (got %d)", cfg.Server.MaxBodyBytes)
	}

	driver := strings.TrimSpace(cfg.Storage.Driver)
	switch driver {
	case "sqlite":
		if strings.TrimSpace(cfg.Storage.Path) == "" {
			return errors.New("storage.path is required when storage.driver=sqlite")
		}
	case "postgres":
		if strings.TrimSpace(cfg.Storage.DSN) == "" {
			return errors.New("storage.dsn is required when storage.driver=postgres")
		}
	default:
		return fmt.Errorf("storage.driver must be one of sqlite, postgres (got %q)", cfg.Storage.Driver)
	}

	if strings.TrimSpace(cfg.Auth.Header) == "" {
		return errors.New("auth.header must not be empty")
	}
	if err := validateSessions(cfg.Auth); err != nil {
		return err
	}

	if cfg.API.MaxPageSize <= 0 || cfg.API.MaxPageSize > HardMaxPageSize {
		return fmt.Errorf("api.max_page_size must be between 1 and %d (got %d)", HardMaxPageSize, cfg.API.MaxPageSize)
	}
	if cfg.API.DefaultPageSize <= 0 || cfg.API.DefaultPageSize > cfg.API.MaxPageSize {
		return fmt.Errorf("api.default_page_size must be between 1 and api.max_page_size (got %d)", cfg.API.DefaultPageSize)
	}

	if err := validateOTelConfig(cfg.Observability.OTel); err != nil {
		return err
	}

	return nil
}

func validateSessions(cfg AuthConfig) error {
	if cfg.Enabled && len(cfg.Sessions) == 0 {
		return errors.New("auth.sessions must not be empty when auth.enabled=true")
	}

	seen := make(map[string]struct{}, len(cfg.Sessions))
	for idx, session := range cfg.Sessions {
		name := fmt.Sprintf("auth.sessions[%d]", idx)
		token := strings.TrimSpace(session.Token)
		tokenHash := strings.ToLower(strings.TrimSpace(session.TokenHash))
		switch {
		case token == "" && tokenHash == "":
			return fmt.Errorf("%s requires token or token_hash", name)
		case token != "" && tokenHash != "":
			return fmt.Errorf("%s must set only one of token, token_hash", name)
		}
		key := "token:" + token
		if tokenHash != "" {
			key = "hash:" + tokenHash
		}
		if _, ok := seen[key]; ok {
			return fmt.Errorf("%s duplicates the token of an earlier session", name)
		}
		seen[key] = struct{}{}

		if strings.TrimSpace(session.UserID) == "" {
			return fmt.Errorf("%s.user_id is required", name)
		}
		if strings.TrimSpace(session.OrgID) == "" {
			return fmt.Errorf("%s.org_id is required", name)
		}
		if !validRole(session.OrgRole) {
			return fmt.Errorf("%s.org_role must be one of OWNER, ADMIN, MEMBER, VIEWER, NONE (got %q)", name, session.OrgRole)
		}
		for pidx, project := range session.Projects {
			if strings.TrimSpace(project.ID) == "" {
				return fmt.Errorf("%s.projects[%d].id is required", name, pidx)
			}
			if !validRole(project.Role) {
				return fmt.Errorf("%s.projects[%d].role must be one of OWNER, ADMIN, MEMBER, VIEWER, NONE (got %q)", name, pidx, project.Role)
			}
		}
	}
	return nil
}

func validRole(role string) bool {
	switch strings.ToUpper(strings.TrimSpace(role)) {
	case "", "OWNER", "ADMIN", "MEMBER", "VIEWER", "NONE":
		return true
	default:
		return false
	}
}

func validateOTelConfig(cfg OTelConfig) error {
	if !cfg.Enabled {
		return nil
	}
	if strings.TrimSpace(cfg.Endpoint) == "" {
		return errors.New("observability.otel.endpoint is required when observability.otel.enabled=true")
	}
	if strings.TrimSpace(cfg.ServiceName) == "" {
		return errors.New("observability.otel.service_name is required when observability.otel.enabled=true")
	}
	if !cfg.TracesEnabled && !cfg.MetricsEnabled {
		return errors.New("observability.otel requires traces_enabled and/or metrics_enabled when enabled")
	}
	if cfg.SamplingRatio < 0 || cfg.SamplingRatio > 1 {
		return fmt.Errorf("observability.otel.sampling_ratio must be between 0 and 1 (got %f)", cfg.SamplingRatio)
	}
	if cfg.ExportTimeoutMS <= 0 {
		return fmt.Errorf("observability.otel.export_timeout_ms must be > 0 (got %d)", cfg.ExportTimeoutMS)
	}
	if cfg.MetricExportIntervalMS <= 0 {
		return fmt.Errorf("observability.otel.metric_export_interval_ms must be > 0 (got %d)", cfg.MetricExportIntervalMS)
	}
	return nil
}

func applyEnv(cfg *Config) error {
	if host := os.Getenv("ONGOINGAI_HOST"); host != "" {
		cfg.Server.Host = host
	}
	if port := os.Getenv("ONGOINGAI_PORT"); port != "" {
		v, err := strconv.Atoi(port)
		if err != nil {
			return fmt.Errorf("invalid ONGOINGAI_PORT: %w", err)
		}
		cfg.Server.Port = v
	}
	if maxBody := os.Getenv("ONGOINGAI_MAX_BODY_BYTES"); maxBody != "" {
		v, err := strconv.ParseInt(maxBody, 10, 64)
		if err != nil {
			return fmt.Errorf("invalid ONGOINGAI_MAX_BODY_BYTES: %w", err)
		}
		cfg.Server.MaxBodyBytes = v
	}

	if storageDriver := os.Getenv("ONGOINGAI_STORAGE_DRIVER"); storageDriver != "" {
		cfg.Storage.Driver = storageDriver
	}
	if storagePath := os.Getenv("ONGOINGAI_STORAGE_PATH"); storagePath != "" {
		cfg.Storage.Path = storagePath
	}
	if storageDSN := os.Getenv("ONGOINGAI_STORAGE_DSN"); storageDSN != "" {
		cfg.Storage.DSN = storageDSN
	}

	if pageSize := os.Getenv("ONGOINGAI_DEFAULT_PAGE_SIZE"); pageSize != "" {
		v, err := strconv.Atoi(pageSize)
		if err != nil {
			return fmt.Errorf("invalid ONGOINGAI_DEFAULT_PAGE_SIZE: %w", err)
		}
		cfg.API.DefaultPageSize = v
	}
	if pageSize := os.Getenv("ONGOINGAI_MAX_PAGE_SIZE"); pageSize != "" {
		v, err := strconv.Atoi(pageSize)
		if err != nil {
			return fmt.Errorf("invalid ONGOINGAI_MAX_PAGE_SIZE: %w", err)
		}
		cfg.API.MaxPageSize = v
	}

	otelConfigured := false
	otelSDKDisabledSet := false
	if sdkDisabled := strings.TrimSpace(os.Getenv("OTEL_SDK_DISABLED")); sdkDisabled != "" {
		v, err := strconv.ParseBool(sdkDisabled)
		if err != nil {
			return fmt.Errorf("invalid OTEL_SDK_DISABLED: %w", err)
		}
		cfg.Observability.OTel.Enabled = !v
		otelSDKDisabledSet = true
		otelConfigured = true
	}
	if endpoint := strings.TrimSpace(os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT")); endpoint != "" {
		cfg.Observability.OTel.Endpoint = endpoint
		otelConfigured = true
	}
	if insecure := strings.TrimSpace(os.Getenv("OTEL_EXPORTER_OTLP_INSECURE")); insecure != "" {
		v, err := strconv.ParseBool(insecure)
		if err != nil {
			return fmt.Errorf("invalid OTEL_EXPORTER_OTLP_INSECURE: %w", err)
		}
		cfg.Observability.OTel.Insecure = v
		otelConfigured = true
	}
	if serviceName := strings.TrimSpace(os.Getenv("OTEL_SERVICE_NAME")); serviceName != "" {
		cfg.Observability.OTel.ServiceName = serviceName
		otelConfigured = true
	}
	if tracesExporter := strings.TrimSpace(os.Getenv("OTEL_TRACES_EXPORTER")); tracesExporter != "" {
		enabled, err := otelExporterEnabled(tracesExporter)
		if err != nil {
			return fmt.Errorf("invalid OTEL_TRACES_EXPORTER: %w", err)
		}
		cfg.Observability.OTel.TracesEnabled = enabled
		otelConfigured = true
	}
	if metricsExporter := strings.TrimSpace(os.Getenv("OTEL_METRICS_EXPORTER")); metricsExporter != "" {
		enabled, err := otelExporterEnabled(metricsExporter)
		if err != nil {
			return fmt.Errorf("invalid OTEL_METRICS_EXPORTER: %w", err)
		}
		cfg.Observability.OTel.MetricsEnabled = enabled
		otelConfigured = true
	}
	if samplingRatio := strings.TrimSpace(os.Getenv("OTEL_TRACES_SAMPLER_ARG")); samplingRatio != "" {
		v, err := strconv.ParseFloat(samplingRatio, 64)
		if err != nil {
			return fmt.Errorf("invalid OTEL_TRACES_SAMPLER_ARG: %w", err)
		}
		cfg.Observability.OTel.SamplingRatio = v
		otelConfigured = true
	}
	if exportTimeout := strings.TrimSpace(os.Getenv("OTEL_EXPORTER_OTLP_TIMEOUT")); exportTimeout != "" {
		v, err := strconv.Atoi(exportTimeout)
		if err != nil {
			return fmt.Errorf("invalid OTEL_EXPORTER_OTLP_TIMEOUT: %w", err)
		}
		cfg.Observability.OTel.ExportTimeoutMS = v
		otelConfigured = true
	}
	if metricExportInterval := strings.TrimSpace(os.Getenv("OTEL_METRIC_EXPORT_INTERVAL")); metricExportInterval != "" {
		v, err := strconv.Atoi(metricExportInterval)
		if err != nil {
			return fmt.Errorf("invalid OTEL_METRIC_EXPORT_INTERVAL: %w", err)
		}
		cfg.Observability.OTel.MetricExportIntervalMS = v
		otelConfigured = true
	}
	if otelConfigured && !otelSDKDisabledSet {
		cfg.Observability.OTel.Enabled = true
	}

	if authEnabled := os.Getenv("ONGOINGAI_AUTH_ENABLED"); authEnabled != "" {
		v, err := strconv.ParseBool(authEnabled)
		if err != nil {
			return fmt.Errorf("invalid ONGOINGAI_AUTH_ENABLED: %w", err)
		}
		cfg.Auth.Enabled = v
	}
	if authHeader := os.Getenv("ONGOINGAI_AUTH_HEADER"); authHeader != "" {
		cfg.Auth.Header = authHeader
	}

	return nil
}

func otelExporterEnabled(value string) (bool, error) {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "otlp":
		return true, nil
	case "none":
		return false, nil
	default:
		return false, fmt.Errorf("must be one of otlp, none (got %q)", value)
	}
}
