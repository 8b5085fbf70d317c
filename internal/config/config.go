package config

import (
	"errors"
	"fmt"
	"path/filepath"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Server     ServerConfig
	Logger     LoggerConfig
	Store      StoreConfig
	Supabase   SupabaseConfig
	S3         S3Config
	Filesystem FilesystemConfig
	Artifacts  ArtifactsConfig
	Metadata   MetadataCacheConfig
	Inference  InferenceConfig
	Caption    CaptionConfig
	Fusion     FusionConfig
	Heuristics HeuristicsConfig
}

type ServerConfig struct {
	Host           string
	Port           int
	MaxUploadBytes int64
}

type LoggerConfig struct {
	Level  string
	Format string
}

const (
	StoreSupabase   = "supabase"
	StoreS3         = "s3"
	StoreFilesystem = "filesystem"
)

type StoreConfig struct {
	Backend string
	Timeout time.Duration
}

type SupabaseConfig struct {
	URL         string
	Key         string
	ModelBucket string
}

type S3Config struct {
	Bucket   string
	Region   string
	Endpoint string
}

type FilesystemConfig struct {
	Root string
}

type ArtifactsConfig struct {
	LocalDir     string
	ModelRemote  string
	LabelsRemote string
}

// ModelLocalPath is where the synced model file lives.
func (c ArtifactsConfig) ModelLocalPath() string {
	return filepath.Join(c.LocalDir, filepath.Base(c.ModelRemote))
}

// LabelsLocalPath is where the synced labels file lives.
func (c ArtifactsConfig) LabelsLocalPath() string {
	return filepath.Join(c.LocalDir, filepath.Base(c.LabelsRemote))
}

const (
	MetadataSQLite   = "sqlite"
	MetadataPostgres = "postgres"
	MetadataMemory   = "memory"
)

type MetadataCacheConfig struct {
	Backend string
	Path    string
	DSN     string
	TTL     time.Duration
}

type InferenceConfig struct {
	URL         string
	ModelName   string
	ModelConfig string
	Timeout     time.Duration
}

type CaptionConfig struct {
	Enabled   bool
	BaseURL   string
	APIKey    string
	Model     string
	MaxTokens int64
	Timeout   time.Duration
}

type FusionConfig struct {
	ConfidenceThreshold float64
	AmbiguityMargin     float64
}

type HeuristicsConfig struct {
	BlurThreshold float64
}

func Load() (*Config, error) {
	v := viper.New()

	// Defaults
	v.SetDefault("SERVER_HOST", "0.0.0.0")
	v.SetDefault("SERVER_PORT", 8080)
	v.SetDefault("SERVER_MAX_UPLOAD_BYTES", 10<<20)
	v.SetDefault("LOGGER_LEVEL", "info")
	v.SetDefault("LOGGER_FORMAT", "json")

	v.SetDefault("STORE_BACKEND", StoreSupabase)
	v.SetDefault("STORE_TIMEOUT", "30s")
	v.SetDefault("SUPABASE_URL", "")
	v.SetDefault("SUPABASE_KEY", "")
	v.SetDefault("SUPABASE_MODEL_BUCKET", "")
	v.SetDefault("S3_BUCKET", "")
	v.SetDefault("S3_REGION", "")
	v.SetDefault("S3_ENDPOINT", "")
	v.SetDefault("FILESYSTEM_ROOT", "remote")

	v.SetDefault("ARTIFACTS_LOCAL_DIR", "models")
	v.SetDefault("ARTIFACTS_MODEL_REMOTE", "models/final_model_latest.tflite")
	v.SetDefault("ARTIFACTS_LABELS_REMOTE", "models/labels_full.txt")

	v.SetDefault("METADATA_CACHE_BACKEND", MetadataSQLite)
	v.SetDefault("METADATA_CACHE_PATH", "models/.remote-metadata.db")
	v.SetDefault("METADATA_CACHE_DSN", "")
	v.SetDefault("METADATA_CACHE_TTL", "600s")

	v.SetDefault("INFERENCE_URL", "http://localhost:8000")
	v.SetDefault("INFERENCE_MODEL_NAME", "incident-classifier")
	v.SetDefault("INFERENCE_MODEL_CONFIG", "")
	v.SetDefault("INFERENCE_TIMEOUT", "30s")

	v.SetDefault("CAPTION_ENABLED", true)
	v.SetDefault("CAPTION_BASE_URL", "")
	v.SetDefault("CAPTION_API_KEY", "")
	v.SetDefault("CAPTION_MODEL", "gpt-4o-mini")
	v.SetDefault("CAPTION_MAX_TOKENS", 50)
	v.SetDefault("CAPTION_TIMEOUT", "30s")

	v.SetDefault("FUSION_CONFIDENCE_THRESHOLD", 0.75)
	v.SetDefault("FUSION_AMBIGUITY_MARGIN", 0.15)
	v.SetDefault("HEURISTICS_BLUR_THRESHOLD", 50.0)

	// Env
	v.AutomaticEnv()

	cfg := &Config{
		Server: ServerConfig{
			Host:           v.GetString("SERVER_HOST"),
			Port:           v.GetInt("SERVER_PORT"),
			MaxUploadBytes: v.GetInt64("SERVER_MAX_UPLOAD_BYTES"),
		},
		Logger: LoggerConfig{
			Level:  v.GetString("LOGGER_LEVEL"),
			Format: v.GetString("LOGGER_FORMAT"),
		},
		Store: StoreConfig{
			Backend: v.GetString("STORE_BACKEND"),
			Timeout: duration(v, "STORE_TIMEOUT", 30*time.Second),
		},
		Supabase: SupabaseConfig{
			URL:         v.GetString("SUPABASE_URL"),
			Key:         v.GetString("SUPABASE_KEY"),
			ModelBucket: v.GetString("SUPABASE_MODEL_BUCKET"),
		},
		S3: S3Config{
			Bucket:   v.GetString("S3_BUCKET"),
			Region:   v.GetString("S3_REGION"),
			Endpoint: v.GetString("S3_ENDPOINT"),
		},
		Filesystem: FilesystemConfig{
			Root: v.GetString("FILESYSTEM_ROOT"),
		},
		Artifacts: ArtifactsConfig{
			LocalDir:     v.GetString("ARTIFACTS_LOCAL_DIR"),
			ModelRemote:  v.GetString("ARTIFACTS_MODEL_REMOTE"),
			LabelsRemote: v.GetString("ARTIFACTS_LABELS_REMOTE"),
		},
		Metadata: MetadataCacheConfig{
			Backend: v.GetString("METADATA_CACHE_BACKEND"),
			Path:    v.GetString("METADATA_CACHE_PATH"),
			DSN:     v.GetString("METADATA_CACHE_DSN"),
			TTL:     duration(v, "METADATA_CACHE_TTL", 600*time.Second),
		},
		Inference: InferenceConfig{
			URL:         v.GetString("INFERENCE_URL"),
			ModelName:   v.GetString("INFERENCE_MODEL_NAME"),
			ModelConfig: v.GetString("INFERENCE_MODEL_CONFIG"),
			Timeout:     duration(v, "INFERENCE_TIMEOUT", 30*time.Second),
		},
		Caption: CaptionConfig{
			Enabled:   v.GetBool("CAPTION_ENABLED"),
			BaseURL:   v.GetString("CAPTION_BASE_URL"),
			APIKey:    v.GetString("CAPTION_API_KEY"),
			Model:     v.GetString("CAPTION_MODEL"),
			MaxTokens: v.GetInt64("CAPTION_MAX_TOKENS"),
			Timeout:   duration(v, "CAPTION_TIMEOUT", 30*time.Second),
		},
		Fusion: FusionConfig{
			ConfidenceThreshold: v.GetFloat64("FUSION_CONFIDENCE_THRESHOLD"),
			AmbiguityMargin:     v.GetFloat64("FUSION_AMBIGUITY_MARGIN"),
		},
		Heuristics: HeuristicsConfig{
			BlurThreshold: v.GetFloat64("HEURISTICS_BLUR_THRESHOLD"),
		},
	}

	return cfg, nil
}

// Validate checks that the selected backends are known and configured.
func (c *Config) Validate() error {
	var errs []error

	switch c.Store.Backend {
	case StoreSupabase:
		if c.Supabase.URL == "" || c.Supabase.Key == "" || c.Supabase.ModelBucket == "" {
			errs = append(errs, errors.New("supabase store requires SUPABASE_URL, SUPABASE_KEY and SUPABASE_MODEL_BUCKET"))
		}
	case StoreS3:
		if c.S3.Bucket == "" {
			errs = append(errs, errors.New("s3 store requires S3_BUCKET"))
		}
	case StoreFilesystem:
		if c.Filesystem.Root == "" {
			errs = append(errs, errors.New("filesystem store requires FILESYSTEM_ROOT"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown STORE_BACKEND %q", c.Store.Backend))
	}

	switch c.Metadata.Backend {
	case MetadataSQLite:
		if c.Metadata.Path == "" {
			errs = append(errs, errors.New("sqlite metadata cache requires METADATA_CACHE_PATH"))
		}
	case MetadataPostgres:
		if c.Metadata.DSN == "" {
			errs = append(errs, errors.New("postgres metadata cache requires METADATA_CACHE_DSN"))
		}
	case MetadataMemory:
	default:
		errs = append(errs, fmt.Errorf("unknown METADATA_CACHE_BACKEND %q", c.Metadata.Backend))
	}

	if c.Artifacts.ModelRemote == "" || c.Artifacts.LabelsRemote == "" {
		errs = append(errs, errors.New("artifact remote paths must not be empty"))
	}
	if c.Fusion.ConfidenceThreshold < 0 || c.Fusion.ConfidenceThreshold > 1 {
		errs = append(errs, fmt.Errorf("FUSION_CONFIDENCE_THRESHOLD %v outside [0,1]", c.Fusion.ConfidenceThreshold))
	}
	if c.Fusion.AmbiguityMargin < 0 {
		errs = append(errs, fmt.Errorf("FUSION_AMBIGUITY_MARGIN %v is negative", c.Fusion.AmbiguityMargin))
	}

	return errors.Join(errs...)
}

func duration(v *viper.Viper, key string, fallback time.Duration) time.Duration {
	d, err := time.ParseDuration(v.GetString(key))
	if err != nil {
		return fallback
	}
	return d
}
