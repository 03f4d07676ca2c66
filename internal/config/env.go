package config

import (
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	DatabaseURL  string
	SslCertPath  string
	AwsAccessKey string
	AwsSecretKey string
	AwsRegion    string
	BucketName   string
	AIAPIKey     string
	EmbedModel   string
	EmbedDim     int
	GenModel     string
	Port         string
	JwtSecret    string

	// Ingestion pipeline knobs.
	Workers          int
	ChunkMethod      string
	TargetTokens     int
	OverlapTokens    int
	EmbedBatchSize   int
	EmbedMaxParallel int
	PollInterval     time.Duration
	PollMaxAttempts  int

	// Retrieval knobs.
	TopK            int
	MaxContextChars int
	// Keyword lists driving intent classification; policy is data, not code.
	ComprehensiveKeywords []string
	TargetedKeywords      []string
}

// LoadConfig loads the environment variables and returns the config.
func LoadConfig() *Config {

	_ = godotenv.Load()

	cfg := &Config{
		DatabaseURL:  getEnv("DATABASE_URL", ""),
		SslCertPath:  getEnv("SSL_CERT_PATH", ""),
		AwsAccessKey: getEnv("AWS_ACCESS_KEY", ""),
		AwsSecretKey: getEnv("AWS_SECRET_KEY", ""),
		AwsRegion:    getEnv("AWS_REGION", "us-east-2"),
		BucketName:   getEnv("BUCKET_NAME", "veridoc-docs"),
		AIAPIKey:     getEnv("GEMINI_API_KEY", ""),
		EmbedModel:   getEnv("EMBED_MODEL", "text-embedding-004"),
		EmbedDim:     getEnvInt("EMBED_DIM", 768),
		GenModel:     getEnv("GEN_MODEL", "gemini-1.5-flash"),
		Port:         getEnv("PORT", "8080"),
		JwtSecret:    getEnv("JWT_SECRET", ""),

		Workers:          getEnvInt("INGEST_WORKERS", 4),
		ChunkMethod:      getEnv("CHUNK_METHOD", "recursive"),
		TargetTokens:     getEnvInt("CHUNK_TARGET_TOKENS", 400),
		OverlapTokens:    getEnvInt("CHUNK_OVERLAP_TOKENS", 50),
		EmbedBatchSize:   getEnvInt("EMBED_BATCH_SIZE", 32),
		EmbedMaxParallel: getEnvInt("EMBED_MAX_PARALLEL", 4),
		PollInterval:     getEnvDuration("OCR_POLL_INTERVAL", 5*time.Second),
		PollMaxAttempts:  getEnvInt("OCR_POLL_MAX_ATTEMPTS", 300),

		TopK:            getEnvInt("RETRIEVAL_TOP_K", 10),
		MaxContextChars: getEnvInt("RETRIEVAL_MAX_CONTEXT_CHARS", 24000),
		ComprehensiveKeywords: getEnvList("INTENT_COMPREHENSIVE_KEYWORDS",
			"summary,summarize,summarise,overview,analyze,analyse,timeline,key points,main points,entire,whole document,explain"),
		TargetedKeywords: getEnvList("INTENT_TARGETED_KEYWORDS",
			"locate,find the,specific,section,clause,page,paragraph,article,exhibit,definition of"),
	}

	if cfg.DatabaseURL == "" {
		log.Fatal("DATABASE_URL not set")
	}

	return cfg
}

// Helper to read environment variables with a default fallback
func getEnv(key, fallback string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return fallback
}

func getEnvInt(key string, def int) int {
	v := getEnv(key, "")
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		log.Printf("WARN: %s=%q not an int, using default %d", key, v, def)
		return def
	}
	return n
}

func getEnvDuration(key string, def time.Duration) time.Duration {
	v := getEnv(key, "")
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		log.Printf("WARN: %s=%q not a duration, using default %s", key, v, def)
		return def
	}
	return d
}

func getEnvList(key, def string) []string {
	raw := getEnv(key, def)
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, strings.ToLower(p))
		}
	}
	return out
}
