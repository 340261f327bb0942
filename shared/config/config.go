package config

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

type Problem struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

type Config struct {
	Env              string
	ServiceName      string
	HTTPPort         int
	LogLevel         string
	ConfigPath       string
	RequestTimeoutMS int
	RequestTimeout   time.Duration

	OIDCIssuer      string
	OIDCAudience    string
	OIDCJWKSURL     string
	JWKSTTLSeconds  int
	JWTClockSkewSec int

	DatabaseURL      string
	DBMaxConns       int
	DBMinConns       int
	DBConnMaxIdleSec int
	DBConnMaxLifeSec int

	AuditEnabled bool

	KafkaBrokers  []string
	KafkaClientID string
	KafkaGroupID  string
	KafkaRetryMax int
	KafkaWriteMS  int

	RedisAddr        string
	RedisPassword    string
	RedisDB          int
	SnapshotCacheSec int

	AsynqRedisAddr   string
	AsynqRedisPass   string
	AsynqRedisDB     int
	AsynqQueue       string
	AsynqConcurrency int

	OrchScanSec     int
	OrchBatchSize   int
	OrchMaxAttempts int

	InfluxURL       string
	InfluxToken     string
	InfluxOrg       string
	InfluxBucket    string
	InfluxTimeoutMS int

	// Assignment knobs.
	SearchRadiusKM      float64
	RadiusGrowthFactor  float64
	LocationStaleSec    int
	AvgSpeedKMH         float64
	WeightETA           float64
	WeightPriority      float64
	ReassignIntervalSec int
	ReassignMaxAttempts int
	BusBufferSize       int

	// Real-time dispatch backend link.
	BridgeURL           string
	BridgeToken         string
	BridgeEnabled       bool
	BridgeQueueSize     int
	BridgeSendCeilingMS int
	BridgeBackoffBaseMS int
	BridgeBackoffCapMS  int
	BridgeHeartbeatSec  int
	BridgeDeadAfterSec  int

	RecordsAPIURL   string
	RecordsAPIToken string
	BillingAPIURL   string
	BillingAPIToken string
	CollabTimeoutMS int

	CORSAllowedOrigins []string
	RateLimitRPS       float64
	RateLimitBurst     int

	OtelEnabled     bool
	OtelEndpoint    string
	OtelInsecure    bool
	OtelSampleRatio float64
}

func Load(serviceNameDefault string, httpPortDefault int) (Config, []Problem) {
	envRaw := strings.TrimSpace(os.Getenv("ENV"))
	cfg := Config{
		Env:              envRaw,
		ServiceName:      serviceNameDefault,
		HTTPPort:         httpPortDefault,
		LogLevel:         "info",
		ConfigPath:       strings.TrimSpace(os.Getenv("CONFIG_PATH")),
		RequestTimeoutMS: 30000,
		OIDCIssuer:       strings.TrimSpace(os.Getenv("OIDC_ISSUER")),
		OIDCAudience:     strings.TrimSpace(os.Getenv("OIDC_AUDIENCE")),
		OIDCJWKSURL:      strings.TrimSpace(os.Getenv("OIDC_JWKS_URL")),
		JWKSTTLSeconds:   300,
		JWTClockSkewSec:  60,
		DatabaseURL:      strings.TrimSpace(os.Getenv("DATABASE_URL")),
		DBMaxConns:       10,
		DBMinConns:       1,
		DBConnMaxIdleSec: 300,
		DBConnMaxLifeSec: 1800,

		KafkaRetryMax: 5,
		KafkaWriteMS:  5000,

		SnapshotCacheSec: 5,

		AsynqQueue:       "orchestration",
		AsynqConcurrency: 10,
		OrchScanSec:      5,
		OrchBatchSize:    50,
		OrchMaxAttempts:  10,

		InfluxTimeoutMS: 5000,

		SearchRadiusKM:      15,
		RadiusGrowthFactor:  2,
		LocationStaleSec:    120,
		AvgSpeedKMH:         50,
		WeightETA:           1.0,
		WeightPriority:      0.25,
		ReassignIntervalSec: 15,
		ReassignMaxAttempts: 5,
		BusBufferSize:       256,

		BridgeQueueSize:     1000,
		BridgeSendCeilingMS: 5000,
		BridgeBackoffBaseMS: 1000,
		BridgeBackoffCapMS:  30000,
		BridgeHeartbeatSec:  10,
		BridgeDeadAfterSec:  25,

		CollabTimeoutMS: 5000,

		RateLimitRPS:   50,
		RateLimitBurst: 100,

		OtelInsecure:    true,
		OtelSampleRatio: 1.0,
	}

	problems := make([]Problem, 0, 4)
	envProvided := envRaw != ""

	if repoRoot, ok := findRepoRoot(); ok && cfg.Env != "" && cfg.ConfigPath == "" {
		cfg.ConfigPath = filepath.Join(repoRoot, "configs", cfg.Env+".json")
	}

	if fileData, fileProblems, ok := loadConfigFile(cfg.ConfigPath, strings.TrimSpace(os.Getenv("CONFIG_PATH")) != ""); ok {
		problems = append(problems, fileProblems...)
		if fileEnv, ok := readStringKey(fileData, "ENV"); ok && strings.TrimSpace(fileEnv) != "" {
			envProvided = true
		}
		applyConfigMap(&cfg, fileData, &problems)
	} else {
		problems = append(problems, fileProblems...)
	}

	applyEnv(&cfg, &problems)

	// Default the JWKS URL from the issuer when not given explicitly.
	if cfg.OIDCIssuer != "" && strings.TrimSpace(cfg.OIDCJWKSURL) == "" {
		cfg.OIDCJWKSURL = strings.TrimRight(cfg.OIDCIssuer, "/") + "/.well-known/jwks.json"
	}

	if cfg.Env == "" {
		cfg.Env = "dev"
	}
	if !envProvided {
		problems = append(problems, Problem{Field: "ENV", Message: "ENV is required"})
	}
	if cfg.HTTPPort <= 0 || cfg.HTTPPort > 65535 {
		problems = append(problems, Problem{Field: "HTTP_PORT", Message: "HTTP_PORT must be 1-65535"})
		cfg.HTTPPort = httpPortDefault
	}
	if cfg.RequestTimeoutMS <= 0 {
		problems = append(problems, Problem{Field: "REQUEST_TIMEOUT_MS", Message: "REQUEST_TIMEOUT_MS must be > 0"})
		cfg.RequestTimeoutMS = 30000
	}
	cfg.RequestTimeout = time.Duration(cfg.RequestTimeoutMS) * time.Millisecond

	clampInt(&cfg.JWKSTTLSeconds, 1, 300, "JWKS_CACHE_TTL_SECONDS", &problems)
	if cfg.JWTClockSkewSec < 0 {
		problems = append(problems, Problem{Field: "JWT_CLOCK_SKEW_SECONDS", Message: "JWT_CLOCK_SKEW_SECONDS must be >= 0"})
		cfg.JWTClockSkewSec = 60
	}
	clampInt(&cfg.DBMaxConns, 1, 10, "DB_MAX_CONNS", &problems)
	if cfg.DBMinConns < 0 {
		problems = append(problems, Problem{Field: "DB_MIN_CONNS", Message: "DB_MIN_CONNS must be >= 0"})
		cfg.DBMinConns = 1
	}
	if cfg.DBMinConns > cfg.DBMaxConns {
		problems = append(problems, Problem{Field: "DB_MIN_CONNS", Message: "DB_MIN_CONNS must be <= DB_MAX_CONNS"})
		cfg.DBMinConns = cfg.DBMaxConns
	}
	clampInt(&cfg.DBConnMaxIdleSec, 1, 300, "DB_CONN_MAX_IDLE_SECONDS", &problems)
	clampInt(&cfg.DBConnMaxLifeSec, 1, 1800, "DB_CONN_MAX_LIFETIME_SECONDS", &problems)
	if cfg.KafkaRetryMax < 0 {
		problems = append(problems, Problem{Field: "KAFKA_RETRY_MAX", Message: "KAFKA_RETRY_MAX must be >= 0"})
		cfg.KafkaRetryMax = 5
	}
	clampInt(&cfg.KafkaWriteMS, 1, 5000, "KAFKA_WRITE_TIMEOUT_MS", &problems)
	if cfg.RedisDB < 0 {
		problems = append(problems, Problem{Field: "REDIS_DB", Message: "REDIS_DB must be >= 0"})
		cfg.RedisDB = 0
	}
	clampInt(&cfg.SnapshotCacheSec, 1, 5, "SNAPSHOT_CACHE_SECONDS", &problems)
	if cfg.AsynqRedisDB < 0 {
		problems = append(problems, Problem{Field: "ASYNQ_REDIS_DB", Message: "ASYNQ_REDIS_DB must be >= 0"})
		cfg.AsynqRedisDB = 0
	}
	clampInt(&cfg.AsynqConcurrency, 1, 10, "ASYNQ_CONCURRENCY", &problems)
	clampInt(&cfg.OrchScanSec, 1, 5, "ORCH_SCAN_INTERVAL_SECONDS", &problems)
	clampInt(&cfg.OrchBatchSize, 1, 50, "ORCH_BATCH_SIZE", &problems)
	clampInt(&cfg.OrchMaxAttempts, 1, 10, "ORCH_MAX_ATTEMPTS", &problems)
	clampInt(&cfg.InfluxTimeoutMS, 1, 5000, "INFLUX_TIMEOUT_MS", &problems)

	clampFloat(&cfg.SearchRadiusKM, 15, "DISPATCH_SEARCH_RADIUS_KM", &problems)
	if cfg.RadiusGrowthFactor < 1 {
		problems = append(problems, Problem{Field: "DISPATCH_RADIUS_GROWTH_FACTOR", Message: "DISPATCH_RADIUS_GROWTH_FACTOR must be >= 1"})
		cfg.RadiusGrowthFactor = 2
	}
	clampInt(&cfg.LocationStaleSec, 1, 120, "DISPATCH_LOCATION_STALE_SECONDS", &problems)
	clampFloat(&cfg.AvgSpeedKMH, 50, "DISPATCH_AVG_SPEED_KMH", &problems)
	if cfg.WeightETA <= 0 {
		problems = append(problems, Problem{Field: "DISPATCH_WEIGHT_ETA", Message: "DISPATCH_WEIGHT_ETA must be > 0"})
		cfg.WeightETA = 1.0
	}
	if cfg.WeightPriority < 0 {
		problems = append(problems, Problem{Field: "DISPATCH_WEIGHT_PRIORITY", Message: "DISPATCH_WEIGHT_PRIORITY must be >= 0"})
		cfg.WeightPriority = 0.25
	}
	clampInt(&cfg.ReassignIntervalSec, 1, 15, "DISPATCH_REASSIGN_INTERVAL_SECONDS", &problems)
	clampInt(&cfg.ReassignMaxAttempts, 1, 5, "DISPATCH_REASSIGN_MAX_ATTEMPTS", &problems)
	clampInt(&cfg.BusBufferSize, 1, 256, "DISPATCH_BUS_BUFFER_SIZE", &problems)

	clampInt(&cfg.BridgeQueueSize, 1, 1000, "BRIDGE_QUEUE_SIZE", &problems)
	clampInt(&cfg.BridgeSendCeilingMS, 1, 5000, "BRIDGE_SEND_CEILING_MS", &problems)
	clampInt(&cfg.BridgeBackoffBaseMS, 1, 1000, "BRIDGE_BACKOFF_BASE_MS", &problems)
	clampInt(&cfg.BridgeBackoffCapMS, 1, 30000, "BRIDGE_BACKOFF_CAP_MS", &problems)
	if cfg.BridgeBackoffCapMS < cfg.BridgeBackoffBaseMS {
		problems = append(problems, Problem{Field: "BRIDGE_BACKOFF_CAP_MS", Message: "BRIDGE_BACKOFF_CAP_MS must be >= BRIDGE_BACKOFF_BASE_MS"})
		cfg.BridgeBackoffCapMS = 30000
	}
	clampInt(&cfg.BridgeHeartbeatSec, 1, 10, "BRIDGE_HEARTBEAT_SECONDS", &problems)
	clampInt(&cfg.BridgeDeadAfterSec, 1, 25, "BRIDGE_DEAD_AFTER_SECONDS", &problems)
	if cfg.BridgeDeadAfterSec <= cfg.BridgeHeartbeatSec {
		problems = append(problems, Problem{Field: "BRIDGE_DEAD_AFTER_SECONDS", Message: "BRIDGE_DEAD_AFTER_SECONDS must be > BRIDGE_HEARTBEAT_SECONDS"})
		cfg.BridgeDeadAfterSec = cfg.BridgeHeartbeatSec + 15
	}
	clampInt(&cfg.CollabTimeoutMS, 1, 5000, "COLLAB_TIMEOUT_MS", &problems)
	if cfg.OtelSampleRatio < 0 || cfg.OtelSampleRatio > 1 {
		problems = append(problems, Problem{Field: "OTEL_SAMPLE_RATIO", Message: "OTEL_SAMPLE_RATIO must be 0-1"})
		cfg.OtelSampleRatio = 1.0
	}

	return cfg, problems
}

func clampInt(v *int, low int, fallback int, field string, problems *[]Problem) {
	if *v < low {
		*problems = append(*problems, Problem{Field: field, Message: field + " must be >= " + strconv.Itoa(low)})
		*v = fallback
	}
}

func clampFloat(v *float64, fallback float64, field string, problems *[]Problem) {
	if *v <= 0 {
		*problems = append(*problems, Problem{Field: field, Message: field + " must be > 0"})
		*v = fallback
	}
}

func findRepoRoot() (string, bool) {
	start, err := os.Getwd()
	if err != nil {
		return "", false
	}
	dir := start
	for i := 0; i < 8; i++ {
		candidate := filepath.Join(dir, "configs")
		if fi, err := os.Stat(candidate); err == nil && fi.IsDir() {
			return dir, true
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			break
		}
		dir = parent
	}
	return "", false
}

func loadConfigFile(path string, explicit bool) (map[string]any, []Problem, bool) {
	if strings.TrimSpace(path) == "" {
		return nil, nil, false
	}

	b, err := os.ReadFile(path)
	if err != nil {
		if explicit && !errors.Is(err, os.ErrNotExist) {
			return nil, []Problem{{Field: "CONFIG_PATH", Message: fmt.Sprintf("failed to read config file: %v", err)}}, false
		}
		if explicit && errors.Is(err, os.ErrNotExist) {
			return nil, []Problem{{Field: "CONFIG_PATH", Message: "config file not found"}}, false
		}
		return nil, nil, false
	}

	dec := json.NewDecoder(bytes.NewReader(b))
	dec.UseNumber()
	var raw map[string]any
	if err := dec.Decode(&raw); err != nil {
		return nil, []Problem{{Field: "CONFIG_PATH", Message: fmt.Sprintf("invalid json: %v", err)}}, false
	}
	return raw, nil, true
}

func applyConfigMap(cfg *Config, raw map[string]any, problems *[]Problem) {
	for key, value := range raw {
		if target, ok := stringKeys(cfg)[key]; ok {
			if s, ok := value.(string); ok {
				*target = strings.TrimSpace(s)
			} else {
				*problems = append(*problems, Problem{Field: key, Message: key + " must be a string"})
			}
			continue
		}
		if target, ok := intKeys(cfg)[key]; ok {
			if n, ok := asInt(value); ok {
				*target = n
			} else {
				*problems = append(*problems, Problem{Field: key, Message: key + " must be an integer"})
			}
			continue
		}
		if target, ok := floatKeys(cfg)[key]; ok {
			if f, ok := asFloat(value); ok {
				*target = f
			} else {
				*problems = append(*problems, Problem{Field: key, Message: key + " must be a number"})
			}
			continue
		}
		if target, ok := boolKeys(cfg)[key]; ok {
			switch t := value.(type) {
			case bool:
				*target = t
			case string:
				if b, ok := asBool(t); ok {
					*target = b
				} else {
					*problems = append(*problems, Problem{Field: key, Message: key + " must be a boolean"})
				}
			default:
				*problems = append(*problems, Problem{Field: key, Message: key + " must be a boolean"})
			}
			continue
		}
		if key == "KAFKA_BROKERS" {
			switch t := value.(type) {
			case string:
				cfg.KafkaBrokers = parseCSV(t)
			case []any:
				cfg.KafkaBrokers = parseAnyCSV(t)
			default:
				*problems = append(*problems, Problem{Field: key, Message: "KAFKA_BROKERS must be a string or array"})
			}
		}
		if key == "CORS_ALLOWED_ORIGINS" {
			switch t := value.(type) {
			case string:
				cfg.CORSAllowedOrigins = parseCSV(t)
			case []any:
				cfg.CORSAllowedOrigins = parseAnyCSV(t)
			default:
				*problems = append(*problems, Problem{Field: key, Message: "CORS_ALLOWED_ORIGINS must be a string or array"})
			}
		}
	}
}

func applyEnv(cfg *Config, problems *[]Problem) {
	if v := strings.TrimSpace(os.Getenv("SERVICE_NAME")); v != "" {
		cfg.ServiceName = v
	}

	portRaw := strings.TrimSpace(os.Getenv("HTTP_PORT"))
	if portRaw == "" {
		portRaw = strings.TrimSpace(os.Getenv("PORT"))
	}
	if portRaw != "" {
		if p, err := strconv.Atoi(portRaw); err != nil || p <= 0 || p > 65535 {
			*problems = append(*problems, Problem{Field: "HTTP_PORT", Message: "HTTP_PORT must be 1-65535"})
		} else {
			cfg.HTTPPort = p
		}
	}

	if v := strings.TrimSpace(os.Getenv("LOG_LEVEL")); v != "" {
		cfg.LogLevel = v
	}
	if v := strings.TrimSpace(os.Getenv("KAFKA_BROKERS")); v != "" {
		cfg.KafkaBrokers = parseCSV(v)
	}
	if v := strings.TrimSpace(os.Getenv("CORS_ALLOWED_ORIGINS")); v != "" {
		cfg.CORSAllowedOrigins = parseCSV(v)
	}

	for key, target := range stringKeys(cfg) {
		if key == "ENV" || key == "SERVICE_NAME" || key == "LOG_LEVEL" {
			continue
		}
		if v := strings.TrimSpace(os.Getenv(key)); v != "" {
			*target = v
		}
	}
	for key, target := range intKeys(cfg) {
		if v := strings.TrimSpace(os.Getenv(key)); v != "" {
			if n, err := strconv.Atoi(v); err != nil {
				*problems = append(*problems, Problem{Field: key, Message: key + " must be an integer"})
			} else {
				*target = n
			}
		}
	}
	for key, target := range floatKeys(cfg) {
		if v := strings.TrimSpace(os.Getenv(key)); v != "" {
			if f, err := strconv.ParseFloat(v, 64); err != nil {
				*problems = append(*problems, Problem{Field: key, Message: key + " must be a number"})
			} else {
				*target = f
			}
		}
	}
	for key, target := range boolKeys(cfg) {
		if v := strings.TrimSpace(os.Getenv(key)); v != "" {
			if b, ok := asBool(v); ok {
				*target = b
			} else {
				*problems = append(*problems, Problem{Field: key, Message: key + " must be a boolean"})
			}
		}
	}
}

func stringKeys(cfg *Config) map[string]*string {
	return map[string]*string{
		"ENV":                  &cfg.Env,
		"SERVICE_NAME":         &cfg.ServiceName,
		"LOG_LEVEL":            &cfg.LogLevel,
		"OIDC_ISSUER":          &cfg.OIDCIssuer,
		"OIDC_AUDIENCE":        &cfg.OIDCAudience,
		"OIDC_JWKS_URL":        &cfg.OIDCJWKSURL,
		"DATABASE_URL":         &cfg.DatabaseURL,
		"KAFKA_CLIENT_ID":      &cfg.KafkaClientID,
		"KAFKA_CONSUMER_GROUP": &cfg.KafkaGroupID,
		"REDIS_ADDR":           &cfg.RedisAddr,
		"REDIS_PASSWORD":       &cfg.RedisPassword,
		"ASYNQ_REDIS_ADDR":     &cfg.AsynqRedisAddr,
		"ASYNQ_REDIS_PASSWORD": &cfg.AsynqRedisPass,
		"ASYNQ_QUEUE":          &cfg.AsynqQueue,
		"INFLUX_URL":           &cfg.InfluxURL,
		"INFLUX_TOKEN":         &cfg.InfluxToken,
		"INFLUX_ORG":           &cfg.InfluxOrg,
		"INFLUX_BUCKET":        &cfg.InfluxBucket,
		"BRIDGE_URL":           &cfg.BridgeURL,
		"BRIDGE_TOKEN":         &cfg.BridgeToken,
		"RECORDS_API_URL":      &cfg.RecordsAPIURL,
		"RECORDS_API_TOKEN":    &cfg.RecordsAPIToken,
		"BILLING_API_URL":      &cfg.BillingAPIURL,
		"BILLING_API_TOKEN":    &cfg.BillingAPIToken,
		"OTEL_ENDPOINT":        &cfg.OtelEndpoint,
	}
}

func intKeys(cfg *Config) map[string]*int {
	return map[string]*int{
		"REQUEST_TIMEOUT_MS":                 &cfg.RequestTimeoutMS,
		"JWKS_CACHE_TTL_SECONDS":             &cfg.JWKSTTLSeconds,
		"JWT_CLOCK_SKEW_SECONDS":             &cfg.JWTClockSkewSec,
		"DB_MAX_CONNS":                       &cfg.DBMaxConns,
		"DB_MIN_CONNS":                       &cfg.DBMinConns,
		"DB_CONN_MAX_IDLE_SECONDS":           &cfg.DBConnMaxIdleSec,
		"DB_CONN_MAX_LIFETIME_SECONDS":       &cfg.DBConnMaxLifeSec,
		"KAFKA_RETRY_MAX":                    &cfg.KafkaRetryMax,
		"KAFKA_WRITE_TIMEOUT_MS":             &cfg.KafkaWriteMS,
		"REDIS_DB":                           &cfg.RedisDB,
		"SNAPSHOT_CACHE_SECONDS":             &cfg.SnapshotCacheSec,
		"ASYNQ_REDIS_DB":                     &cfg.AsynqRedisDB,
		"ASYNQ_CONCURRENCY":                  &cfg.AsynqConcurrency,
		"ORCH_SCAN_INTERVAL_SECONDS":         &cfg.OrchScanSec,
		"ORCH_BATCH_SIZE":                    &cfg.OrchBatchSize,
		"ORCH_MAX_ATTEMPTS":                  &cfg.OrchMaxAttempts,
		"INFLUX_TIMEOUT_MS":                  &cfg.InfluxTimeoutMS,
		"DISPATCH_LOCATION_STALE_SECONDS":    &cfg.LocationStaleSec,
		"DISPATCH_REASSIGN_INTERVAL_SECONDS": &cfg.ReassignIntervalSec,
		"DISPATCH_REASSIGN_MAX_ATTEMPTS":     &cfg.ReassignMaxAttempts,
		"DISPATCH_BUS_BUFFER_SIZE":           &cfg.BusBufferSize,
		"BRIDGE_QUEUE_SIZE":                  &cfg.BridgeQueueSize,
		"BRIDGE_SEND_CEILING_MS":             &cfg.BridgeSendCeilingMS,
		"BRIDGE_BACKOFF_BASE_MS":             &cfg.BridgeBackoffBaseMS,
		"BRIDGE_BACKOFF_CAP_MS":              &cfg.BridgeBackoffCapMS,
		"BRIDGE_HEARTBEAT_SECONDS":           &cfg.BridgeHeartbeatSec,
		"BRIDGE_DEAD_AFTER_SECONDS":          &cfg.BridgeDeadAfterSec,
		"COLLAB_TIMEOUT_MS":                  &cfg.CollabTimeoutMS,
		"RATE_LIMIT_BURST":                   &cfg.RateLimitBurst,
	}
}

func floatKeys(cfg *Config) map[string]*float64 {
	return map[string]*float64{
		"DISPATCH_SEARCH_RADIUS_KM":     &cfg.SearchRadiusKM,
		"DISPATCH_RADIUS_GROWTH_FACTOR": &cfg.RadiusGrowthFactor,
		"DISPATCH_AVG_SPEED_KMH":        &cfg.AvgSpeedKMH,
		"DISPATCH_WEIGHT_ETA":           &cfg.WeightETA,
		"DISPATCH_WEIGHT_PRIORITY":      &cfg.WeightPriority,
		"RATE_LIMIT_RPS":                &cfg.RateLimitRPS,
		"OTEL_SAMPLE_RATIO":             &cfg.OtelSampleRatio,
	}
}

func boolKeys(cfg *Config) map[string]*bool {
	return map[string]*bool{
		"AUDIT_ENABLED":  &cfg.AuditEnabled,
		"BRIDGE_ENABLED": &cfg.BridgeEnabled,
		"OTEL_ENABLED":   &cfg.OtelEnabled,
		"OTEL_INSECURE":  &cfg.OtelInsecure,
	}
}

func readStringKey(raw map[string]any, key string) (string, bool) {
	v, ok := raw[key]
	if !ok {
		return "", false
	}
	s, ok := v.(string)
	return s, ok
}

func asInt(v any) (int, bool) {
	switch t := v.(type) {
	case json.Number:
		n, err := t.Int64()
		if err != nil {
			return 0, false
		}
		return int(n), true
	case string:
		n, err := strconv.Atoi(strings.TrimSpace(t))
		if err != nil {
			return 0, false
		}
		return n, true
	case float64:
		return int(t), true
	default:
		return 0, false
	}
}

func asFloat(v any) (float64, bool) {
	switch t := v.(type) {
	case json.Number:
		f, err := t.Float64()
		if err != nil {
			return 0, false
		}
		return f, true
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(t), 64)
		if err != nil {
			return 0, false
		}
		return f, true
	case float64:
		return t, true
	default:
		return 0, false
	}
}

func asBool(v string) (bool, bool) {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "1", "t", "true", "yes", "on":
		return true, true
	case "0", "f", "false", "no", "off":
		return false, true
	default:
		return false, false
	}
}

func parseCSV(raw string) []string {
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		out = append(out, p)
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

func parseAnyCSV(raw []any) []string {
	out := make([]string, 0, len(raw))
	for _, v := range raw {
		s, ok := v.(string)
		if !ok {
			continue
		}
		s = strings.TrimSpace(s)
		if s == "" {
			continue
		}
		out = append(out, s)
	}
	if len(out) == 0 {
		return nil
	}
	return out
}
