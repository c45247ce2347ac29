package config

import (
	"time"

	"github.com/joho/godotenv"
)

// ClientConfig holds settings for the submission client
type ClientConfig struct {
	Endpoint string
	APIKeys  []string
	Timeout  time.Duration
}

// LoadClientConfig reads RUNPOD_ENDPOINT, RUNPOD_API_KEYS and CLIENT_TIMEOUT
func LoadClientConfig() *ClientConfig {
	_ = godotenv.Load()

	return &ClientConfig{
		Endpoint: getEnv("RUNPOD_ENDPOINT", "http://localhost:8080"),
		APIKeys:  parseList(getEnv("RUNPOD_API_KEYS", "")),
		Timeout:  getEnvAsDuration("CLIENT_TIMEOUT", 5*time.Minute),
	}
}
