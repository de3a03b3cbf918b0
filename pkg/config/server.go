package config

import "time"

// ServerConfig holds runtime configuration for the OTA server.
type ServerConfig struct {
	Environment        string
	Addr               string
	DataDir            string
	CredentialsFile    string
	ProjectsFile       string
	RetentionDepth     int
	FetchTimeout       time.Duration
	FetchAttempts      int
	FetchBackoff       time.Duration
	SyncInterval       time.Duration
	APIBaseURL         string
	ArchiveBaseURL     string
	RateLimitPerMinute int
	LogLevel           string
}

// LoadServerConfig constructs a ServerConfig from environment variables.
func LoadServerConfig() ServerConfig {
	return ServerConfig{
		Environment:        GetString("APP_ENV", "development"),
		Addr:               GetString("OTA_ADDR", ":8000"),
		DataDir:            GetString("OTA_DATA_DIR", "ota_files"),
		CredentialsFile:    GetString("OTA_CREDENTIALS_FILE", ResolveFile(".ota_credentials")),
		ProjectsFile:       GetString("OTA_PROJECTS_FILE", ResolveFile(".ota_projects.json")),
		RetentionDepth:     GetInt("OTA_RETENTION_DEPTH", 2),
		FetchTimeout:       time.Duration(GetInt("OTA_FETCH_TIMEOUT_SECONDS", 30)) * time.Second,
		FetchAttempts:      GetInt("OTA_FETCH_ATTEMPTS", 3),
		FetchBackoff:       time.Duration(GetInt("OTA_FETCH_BACKOFF_MS", 500)) * time.Millisecond,
		SyncInterval:       time.Duration(GetInt("OTA_SYNC_INTERVAL_SECONDS", 3600)) * time.Second,
		APIBaseURL:         GetString("OTA_API_BASE_URL", "https://api.github.com"),
		ArchiveBaseURL:     GetString("OTA_ARCHIVE_BASE_URL", "https://github.com"),
		RateLimitPerMinute: GetInt("OTA_RATE_LIMIT_PER_MINUTE", 120),
		LogLevel:           GetString("OTA_LOG_LEVEL", "info"),
	}
}
