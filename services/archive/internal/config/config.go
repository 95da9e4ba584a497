package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// ConfigPath is the default location of the service configuration.
const ConfigPath = "config.yaml"

// FileConfig represents configuration loaded from YAML.
type FileConfig struct {
	Port     string `yaml:"port"`
	LogLevel string `yaml:"logLevel"`

	// StoreDriver is postgres, sqlite or memory.
	StoreDriver string `yaml:"storeDriver"`
	DatabaseURL string `yaml:"databaseURL"`
	SQLitePath  string `yaml:"sqlitePath"`

	// BlobDriver is minio or file.
	BlobDriver     string `yaml:"blobDriver"`
	BlobDir        string `yaml:"blobDir"`
	PublicURL      string `yaml:"publicURL"`
	MediaSecret    string `yaml:"mediaSecret"`
	MinioEndpoint  string `yaml:"minioEndpoint"`
	MinioAccessKey string `yaml:"minioAccessKey"`
	MinioSecretKey string `yaml:"minioSecretKey"`
	MinioBucket    string `yaml:"minioBucket"`
	MinioUseSSL    bool   `yaml:"minioUseSSL"`

	RedisAddr     string `yaml:"redisAddr"`
	RedisPassword string `yaml:"redisPassword"`

	AIProvider     string `yaml:"aiProvider"`
	GeminiAPIKey   string `yaml:"geminiAPIKey"`
	AIModel        string `yaml:"aiModel"`
	AIBaseURL      string `yaml:"aiBaseURL"`
	AIAPIKey       string `yaml:"aiAPIKey"`
	STTProvider    string `yaml:"sttProvider"`
	STTBaseURL     string `yaml:"sttBaseURL"`
	STTModel       string `yaml:"sttModel"`
	AITimeoutSecs  int    `yaml:"aiTimeoutSeconds"`
	AIRateLimitMin int    `yaml:"aiRateLimitPerMinute"`

	AuthJWKSURL string `yaml:"authJwksURL"`
	JWTIssuer   string `yaml:"jwtIssuer"`
	JWTAudience string `yaml:"jwtAudience"`
	JWTLeeway   string `yaml:"jwtLeeway"`

	MaxUploadBytes    int64    `yaml:"maxUploadBytes"`
	MaxRecordSeconds  int      `yaml:"maxRecordSeconds"`
	WizardIdleTTL     string   `yaml:"wizardIdleTTL"`
	WizardMaxPerUser  int      `yaml:"wizardMaxPerUser"`
	CleanupWorkers    int      `yaml:"cleanupWorkers"`
	TrustedProxyCIDRs []string `yaml:"trustedProxyCIDRs"`
	// CORSOrigins lists browser origins allowed to call the API; empty or
	// "*" allows any.
	CORSOrigins []string `yaml:"corsOrigins"`
}

// Load reads config from path (defaults to config.yaml).
func Load(path string) (FileConfig, error) {
	cfg := FileConfig{}
	if path == "" {
		path = ConfigPath
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config: %w", err)
	}
	applyEnv(&cfg)
	if cfg.StoreDriver == "" {
		cfg.StoreDriver = "postgres"
	}
	if cfg.BlobDriver == "" {
		cfg.BlobDriver = "minio"
	}
	if cfg.AIProvider == "" {
		cfg.AIProvider = "gemini"
	}
	if cfg.STTProvider == "" {
		cfg.STTProvider = cfg.AIProvider
		if cfg.STTProvider == "ollama" {
			cfg.STTProvider = "gemini"
		}
	}
	if err := validateConfig(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func applyEnv(cfg *FileConfig) {
	// Override with environment variables
	if v := os.Getenv("PORT"); v != "" {
		cfg.Port = v
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("STORE_DRIVER"); v != "" {
		cfg.StoreDriver = strings.ToLower(v)
	}
	if v := os.Getenv("DATABASE_URL"); v != "" {
		cfg.DatabaseURL = v
	}
	if v := os.Getenv("SQLITE_PATH"); v != "" {
		cfg.SQLitePath = v
	}
	if v := os.Getenv("BLOB_DRIVER"); v != "" {
		cfg.BlobDriver = strings.ToLower(v)
	}
	if v := os.Getenv("BLOB_DIR"); v != "" {
		cfg.BlobDir = v
	}
	if v := os.Getenv("ARCHIVE_PUBLIC_URL"); v != "" {
		cfg.PublicURL = v
	}
	if v := os.Getenv("ARCHIVE_MEDIA_SECRET"); v != "" {
		cfg.MediaSecret = v
	}
	if v := os.Getenv("MINIO_ENDPOINT"); v != "" {
		cfg.MinioEndpoint = v
	}
	if v := os.Getenv("MINIO_ACCESS_KEY"); v != "" {
		cfg.MinioAccessKey = v
	}
	if v := os.Getenv("MINIO_SECRET_KEY"); v != "" {
		cfg.MinioSecretKey = v
	}
	if v := os.Getenv("MINIO_BUCKET"); v != "" {
		cfg.MinioBucket = v
	}
	if v := os.Getenv("MINIO_USE_SSL"); v == "true" {
		cfg.MinioUseSSL = true
	}
	if v := os.Getenv("REDIS_ADDR"); v != "" {
		cfg.RedisAddr = v
	}
	if v := os.Getenv("REDIS_PASSWORD"); v != "" {
		cfg.RedisPassword = v
	}
	if v := os.Getenv("AI_PROVIDER"); v != "" {
		cfg.AIProvider = strings.ToLower(v)
	}
	if v := os.Getenv("GEMINI_API_KEY"); v != "" {
		cfg.GeminiAPIKey = v
	}
	if v := os.Getenv("AI_MODEL"); v != "" {
		cfg.AIModel = v
	}
	if v := os.Getenv("AI_BASE_URL"); v != "" {
		cfg.AIBaseURL = v
	}
	if v := os.Getenv("AI_API_KEY"); v != "" {
		cfg.AIAPIKey = v
	}
	if v := os.Getenv("STT_PROVIDER"); v != "" {
		cfg.STTProvider = strings.ToLower(v)
	}
	if v := os.Getenv("STT_BASE_URL"); v != "" {
		cfg.STTBaseURL = v
	}
	if v := os.Getenv("STT_MODEL"); v != "" {
		cfg.STTModel = v
	}
	if v := os.Getenv("AUTH_JWKS_URL"); v != "" {
		cfg.AuthJWKSURL = v
	}
	if v := os.Getenv("JWT_ISSUER"); v != "" {
		cfg.JWTIssuer = v
	}
	if v := os.Getenv("JWT_AUDIENCE"); v != "" {
		cfg.JWTAudience = v
	}
	if v := os.Getenv("JWT_LEEWAY"); v != "" {
		cfg.JWTLeeway = v
	}
	if v := os.Getenv("ARCHIVE_MAX_UPLOAD_BYTES"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			cfg.MaxUploadBytes = n
		}
	}
	if v := os.Getenv("ARCHIVE_AI_RATE_LIMIT_PER_MINUTE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.AIRateLimitMin = n
		}
	}
	if v := os.Getenv("ARCHIVE_TRUSTED_PROXY_CIDRS"); v != "" {
		cfg.TrustedProxyCIDRs = splitCSV(v)
	}
	if v := os.Getenv("ARCHIVE_CORS_ORIGINS"); v != "" {
		cfg.CORSOrigins = splitCSV(v)
	}
}

func validateConfig(cfg FileConfig) error {
	if cfg.Port == "" {
		return errors.New("config: port is required (set in config.yaml)")
	}
	switch cfg.StoreDriver {
	case "postgres":
		if cfg.DatabaseURL == "" {
			return errors.New("config: databaseURL is required for the postgres store (set in config.yaml or DATABASE_URL)")
		}
	case "sqlite":
		if cfg.SQLitePath == "" {
			return errors.New("config: sqlitePath is required for the sqlite store (set in config.yaml or SQLITE_PATH)")
		}
	case "memory":
	default:
		return fmt.Errorf("config: unknown storeDriver %q (postgres, sqlite or memory)", cfg.StoreDriver)
	}
	switch cfg.BlobDriver {
	case "minio":
		if cfg.MinioEndpoint == "" {
			return errors.New("config: minioEndpoint is required (set in config.yaml)")
		}
		if cfg.MinioAccessKey == "" {
			return errors.New("config: minioAccessKey is required (set in config.yaml)")
		}
		if cfg.MinioSecretKey == "" {
			return errors.New("config: minioSecretKey is required (set in config.yaml)")
		}
		if cfg.MinioBucket == "" {
			return errors.New("config: minioBucket is required (set in config.yaml)")
		}
	case "file":
		if cfg.BlobDir == "" {
			return errors.New("config: blobDir is required for the file blob store (set in config.yaml or BLOB_DIR)")
		}
		if cfg.MediaSecret == "" {
			return errors.New("config: mediaSecret is required for the file blob store (set in config.yaml or ARCHIVE_MEDIA_SECRET)")
		}
	default:
		return fmt.Errorf("config: unknown blobDriver %q (minio or file)", cfg.BlobDriver)
	}
	switch cfg.AIProvider {
	case "gemini":
		if cfg.GeminiAPIKey == "" {
			return errors.New("config: geminiAPIKey is required for the gemini provider (set in config.yaml or GEMINI_API_KEY)")
		}
	case "openai", "ollama":
		if cfg.AIBaseURL == "" {
			return fmt.Errorf("config: aiBaseURL is required for the %s provider (set in config.yaml or AI_BASE_URL)", cfg.AIProvider)
		}
	default:
		return fmt.Errorf("config: unknown aiProvider %q (gemini, openai or ollama)", cfg.AIProvider)
	}
	switch cfg.STTProvider {
	case "gemini":
		if cfg.GeminiAPIKey == "" {
			return errors.New("config: geminiAPIKey is required for gemini speech-to-text (set in config.yaml or GEMINI_API_KEY)")
		}
	case "openai":
		if cfg.STTBaseURL == "" && cfg.AIBaseURL == "" {
			return errors.New("config: sttBaseURL is required for openai speech-to-text (set in config.yaml or STT_BASE_URL)")
		}
	default:
		return fmt.Errorf("config: unknown sttProvider %q (gemini or openai)", cfg.STTProvider)
	}
	if cfg.AuthJWKSURL == "" {
		return errors.New("config: authJwksURL is required (set in config.yaml or AUTH_JWKS_URL)")
	}
	if cfg.JWTIssuer == "" {
		return errors.New("config: jwtIssuer is required (set in config.yaml or JWT_ISSUER)")
	}
	if cfg.JWTAudience == "" {
		return errors.New("config: jwtAudience is required (set in config.yaml or JWT_AUDIENCE)")
	}
	if _, err := ParseJWTLeeway(cfg.JWTLeeway); err != nil {
		return err
	}
	if _, err := ParseIdleTTL(cfg.WizardIdleTTL); err != nil {
		return err
	}
	if cfg.MaxUploadBytes < 0 {
		return errors.New("config: maxUploadBytes must not be negative")
	}
	return nil
}

// ParseJWTLeeway parses optional JWT leeway duration string.
func ParseJWTLeeway(leewayStr string) (time.Duration, error) {
	if leewayStr == "" {
		return 0, nil
	}
	dur, err := time.ParseDuration(leewayStr)
	if err != nil {
		return 0, fmt.Errorf("invalid jwtLeeway duration: %w", err)
	}
	return dur, nil
}

// ParseIdleTTL parses the optional wizard idle timeout. Zero keeps the default.
func ParseIdleTTL(raw string) (time.Duration, error) {
	if raw == "" {
		return 0, nil
	}
	dur, err := time.ParseDuration(raw)
	if err != nil || dur < 0 {
		return 0, fmt.Errorf("invalid wizardIdleTTL duration %q", raw)
	}
	return dur, nil
}

func splitCSV(value string) []string {
	parts := strings.Split(value, ",")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		out = append(out, part)
	}
	return out
}
