package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	Port        string
	Mode        string // "debug" or "release"
	CORSOrigins []string

	// Gemini
	GeminiAPIKey    string
	GenerationModel string
	EmbeddingModel  string
	CaptionModel    string
	GeminiTier      string

	// Crawl targets
	SiteRoots []string
	// Host → solutions listing path. Overrides the generic derivation for
	// portals whose listing lives somewhere non-standard.
	ListingPaths map[string]string

	// Fetching
	UserAgent    string
	FetchTimeout time.Duration
	FolderDelay  time.Duration
	ArticleDelay time.Duration

	// Visual annotation
	AnnotateImages bool
	ImageTimeout   time.Duration
	MaxImageBytes  int64

	// Extraction
	MinContentLength int

	// Index build
	EmbedBatchSize  int
	BatchPause      time.Duration
	EmbedAttempts   int
	EmbedRetryDelay time.Duration
	IndexDir        string

	// Query path
	RetrievalK     int
	ContextBudget  int
	PromptTemplate string
	ProductName    string

	// Metrics
	MetricsDBPath string

	// Periodic re-ingestion; 0 disables the refresh service.
	RefreshInterval time.Duration
}

func Load() (*Config, error) {
	// Load .env file if exists
	if _, err := os.Stat(".env"); err == nil {
		if err := godotenv.Load(); err != nil {
			return nil, fmt.Errorf("error loading .env file: %v", err)
		}
	}

	cfg := &Config{
		Port:        getEnv("PORT", "8000"),
		Mode:        getEnv("APP_MODE", "debug"),
		CORSOrigins: splitList(getEnv("CORS_ORIGINS", "*")),

		GeminiAPIKey:    getEnv("GEMINI_API_KEY", ""),
		GenerationModel: getEnv("GENERATION_MODEL", "gemini-2.0-flash"),
		EmbeddingModel:  getEnv("EMBEDDING_MODEL", "text-embedding-004"),
		CaptionModel:    getEnv("CAPTION_MODEL", "gemini-2.0-flash"),
		GeminiTier:      getEnv("GEMINI_TIER", "free"),

		SiteRoots:    splitList(getEnv("SITE_ROOTS", "")),
		ListingPaths: parsePathMap(getEnv("LISTING_PATHS", "")),

		UserAgent:    getEnv("CRAWL_USER_AGENT", "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/131.0.0.0 Safari/537.36"),
		FetchTimeout: getEnvDuration("FETCH_TIMEOUT", 10*time.Second),
		FolderDelay:  getEnvDuration("FOLDER_DELAY", 400*time.Millisecond),
		ArticleDelay: getEnvDuration("ARTICLE_DELAY", 200*time.Millisecond),

		AnnotateImages: getEnvBool("ANNOTATE_IMAGES", true),
		ImageTimeout:   getEnvDuration("IMAGE_TIMEOUT", 5*time.Second),
		MaxImageBytes:  getEnvInt64("MAX_IMAGE_BYTES", 10*1024*1024),

		MinContentLength: getEnvInt("MIN_CONTENT_LENGTH", 50),

		EmbedBatchSize:  getEnvInt("EMBED_BATCH_SIZE", 20),
		BatchPause:      getEnvDuration("BATCH_PAUSE", 2*time.Second),
		EmbedAttempts:   getEnvInt("EMBED_ATTEMPTS", 5),
		EmbedRetryDelay: getEnvDuration("EMBED_RETRY_DELAY", 2*time.Second),
		IndexDir:        getEnv("INDEX_DIR", "vector_index"),

		RetrievalK:     getEnvInt("RETRIEVAL_K", 3),
		ContextBudget:  getEnvInt("CONTEXT_CHAR_BUDGET", 6000),
		PromptTemplate: getEnv("PROMPT_TEMPLATE", "default"),
		ProductName:    getEnv("PRODUCT_NAME", "Support"),

		MetricsDBPath: getEnv("METRICS_DB_PATH", "metrics.db"),

		RefreshInterval: getEnvDuration("REFRESH_INTERVAL", 0),
	}

	if cfg.GeminiAPIKey == "" {
		return nil, fmt.Errorf("GEMINI_API_KEY is required - set it in .env file")
	}
	if len(cfg.SiteRoots) == 0 {
		return nil, fmt.Errorf("SITE_ROOTS is required - comma-separated list of help-center base URLs")
	}

	return cfg, nil
}

func splitList(value string) []string {
	var out []string
	for _, part := range strings.Split(value, ",") {
		part = strings.TrimSpace(part)
		if part != "" {
			out = append(out, part)
		}
	}
	return out
}

// parsePathMap parses "host=/path,host2=/path2" into a lookup map.
func parsePathMap(value string) map[string]string {
	m := make(map[string]string)
	for _, pair := range strings.Split(value, ",") {
		host, path, ok := strings.Cut(strings.TrimSpace(pair), "=")
		if !ok || host == "" || path == "" {
			continue
		}
		m[strings.ToLower(host)] = path
	}
	return m
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvInt64(key string, defaultValue int64) int64 {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.ParseInt(value, 10, 64); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolValue, err := strconv.ParseBool(value); err == nil {
			return boolValue
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}
