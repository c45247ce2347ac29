package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all application configuration
type Config struct {
	// Server
	Port        string
	OutputDir   string
	CORSOrigins []string
	MaxUploadMB int

	// Generator
	CheckpointDirs    []string
	GeneratorBin      string
	GeneratorWorkDir  string
	Task              string
	InferenceCmd      string
	OffloadModel      bool
	ConvertModelDType bool
	AllowMock         bool

	// Request defaults and validation
	DefaultPrompt     string
	DefaultResolution string
	MinArtifactBytes  int

	// Scratch retention for the REST variant, 0 keeps outputs forever
	OutputRetention time.Duration

	// Auth
	APIKeys   []string
	JWTSecret string

	// Optional integrations
	HistoryDSN      string
	S3Bucket        string
	S3Region        string
	S3Endpoint      string
	S3AccessKey     string
	S3SecretKey     string
	S3PublicBaseURL string
	S3Prefix        string
}

// DefaultCheckpointDirs is the probe order used when CHECKPOINT_DIRS is unset
var DefaultCheckpointDirs = []string{
	"./models/Wan2.2-S2V-14B",
	"./models",
}

// LoadConfig loads configuration from environment variables
func LoadConfig() (*Config, error) {
	// Load .env file if exists
	_ = godotenv.Load()

	checkpointDirs := parseList(getEnv("CHECKPOINT_DIRS", ""))
	if len(checkpointDirs) == 0 {
		checkpointDirs = DefaultCheckpointDirs
	}

	cfg := &Config{
		Port:        getEnv("PORT", "8080"),
		OutputDir:   getEnv("OUTPUT_DIR", "./outputs"),
		CORSOrigins: parseList(getEnv("CORS_ORIGINS", "http://localhost:5173,http://localhost:3000")),
		MaxUploadMB: getEnvAsInt("MAX_UPLOAD_MB", 200),

		CheckpointDirs:    checkpointDirs,
		GeneratorBin:      getEnv("GENERATOR_BIN", ""),
		GeneratorWorkDir:  getEnv("GENERATOR_WORKDIR", ""),
		Task:              getEnv("GENERATOR_TASK", "s2v-14B"),
		InferenceCmd:      getEnv("INFERENCE_CMD", ""),
		OffloadModel:      getEnvAsBool("OFFLOAD_MODEL", true),
		ConvertModelDType: getEnvAsBool("CONVERT_MODEL_DTYPE", true),
		AllowMock:         getEnvAsBool("ALLOW_MOCK", true),

		DefaultPrompt:     getEnv("DEFAULT_PROMPT", "A person speaking"),
		DefaultResolution: getEnv("DEFAULT_RESOLUTION", "1024*704"),
		MinArtifactBytes:  getEnvAsInt("MIN_ARTIFACT_BYTES", 44),

		OutputRetention: getEnvAsDuration("OUTPUT_RETENTION", 0),

		APIKeys:   parseList(getEnv("API_KEYS", "")),
		JWTSecret: getEnv("JWT_SECRET", ""),

		HistoryDSN:      getEnv("HISTORY_DSN", ""),
		S3Bucket:        getEnv("S3_BUCKET", ""),
		S3Region:        getEnv("S3_REGION", "auto"),
		S3Endpoint:      getEnv("S3_ENDPOINT", ""),
		S3AccessKey:     getEnv("S3_ACCESS_KEY", ""),
		S3SecretKey:     getEnv("S3_SECRET_KEY", ""),
		S3PublicBaseURL: getEnv("S3_PUBLIC_BASE_URL", ""),
		S3Prefix:        getEnv("S3_PREFIX", "s2v-outputs"),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks if configuration is valid
func (c *Config) Validate() error {
	if c.OutputDir == "" {
		return errors.New("OUTPUT_DIR is required")
	}
	if len(c.CheckpointDirs) == 0 {
		return errors.New("CHECKPOINT_DIRS must list at least one directory")
	}
	if c.MinArtifactBytes < 0 {
		return errors.New("MIN_ARTIFACT_BYTES must not be negative")
	}
	if c.MaxUploadMB <= 0 {
		return errors.New("MAX_UPLOAD_MB must be positive")
	}
	if c.OutputRetention < 0 {
		return errors.New("OUTPUT_RETENTION must not be negative")
	}
	if c.S3Bucket != "" && (c.S3AccessKey == "") != (c.S3SecretKey == "") {
		return errors.New("S3_ACCESS_KEY and S3_SECRET_KEY must be set together")
	}
	return nil
}

// Helper functions

func getEnv(key, defaultValue string) string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	return value
}

func getEnvAsInt(key string, defaultValue int) int {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.Atoi(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

func getEnvAsBool(key string, defaultValue bool) bool {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.ParseBool(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := time.ParseDuration(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

func parseList(s string) []string {
	if s == "" {
		return []string{}
	}
	parts := strings.Split(s, ",")
	result := make([]string, 0, len(parts))
	for _, part := range parts {
		trimmed := strings.TrimSpace(part)
		if trimmed != "" {
			result = append(result, trimmed)
		}
	}
	return result
}

func (c *Config) String() string {
	return fmt.Sprintf("Config{Port: %s, OutputDir: %s, Checkpoints: %v, GeneratorBin: %q, MockAllowed: %t, API Keys: %d, JWT: %t, History: %t, S3: %t}",
		c.Port, c.OutputDir, c.CheckpointDirs, c.GeneratorBin, c.AllowMock,
		len(c.APIKeys), c.JWTSecret != "", c.HistoryDSN != "", c.S3Bucket != "")
}
