package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Database   DatabaseConfig   `yaml:"database"`
	Redis      RedisConfig      `yaml:"redis"`
	NATS       NATSConfig       `yaml:"nats"`
	MinIO      MinIOConfig      `yaml:"minio"`
	Vision     VisionConfig     `yaml:"vision"`
	Attendance AttendanceConfig `yaml:"attendance"`
	Watcher    WatcherConfig    `yaml:"watcher"`
	Logging    LoggingConfig    `yaml:"logging"`
}

type ServerConfig struct {
	Port   int    `yaml:"port"`
	APIKey string `yaml:"api_key"`
	OrgID  string `yaml:"org_id"`
}

type DatabaseConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Name     string `yaml:"name"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	MaxConns int    `yaml:"max_conns"`
}

func (d DatabaseConfig) DSN() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=disable",
		d.User, d.Password, d.Host, d.Port, d.Name)
}

// RedisConfig controls the optional embedding mirror. Disabled when Addr
// is empty.
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

type NATSConfig struct {
	URL string `yaml:"url"`
}

type MinIOConfig struct {
	Endpoint  string `yaml:"endpoint"`
	AccessKey string `yaml:"access_key"`
	SecretKey string `yaml:"secret_key"`
	Bucket    string `yaml:"bucket"`
	UseSSL    bool   `yaml:"use_ssl"`
	PublicURL string `yaml:"public_url"`
}

type VisionConfig struct {
	ModelsDir          string  `yaml:"models_dir"`
	Backend            string  `yaml:"backend"` // cpu or cuda
	DetectionThreshold float64 `yaml:"detection_threshold"`
	MinCosineAccept    float64 `yaml:"min_cosine_accept"`
	EmotionModel       string  `yaml:"emotion_model"` // file name under models_dir, empty disables the fun channel
}

type AttendanceConfig struct {
	CooldownSec       int           `yaml:"cooldown_sec"`
	MaxEvents         int           `yaml:"max_events"`
	DupThreshold      float64       `yaml:"dup_threshold"`
	FrameMinInterval  time.Duration `yaml:"frame_min_interval"`
	FunMinInterval    time.Duration `yaml:"fun_min_interval"`
	LoginMessageDelay time.Duration `yaml:"login_message_delay"`
}

type WatcherConfig struct {
	Enabled  bool          `yaml:"enabled"`
	Dir      string        `yaml:"dir"`
	Interval time.Duration `yaml:"interval"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Load reads config from YAML file and applies environment variable overrides.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	cfg := &Config{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	applyEnvOverrides(cfg)
	setDefaults(cfg)

	return cfg, nil
}

func setDefaults(cfg *Config) {
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8080
	}
	if cfg.Server.OrgID == "" {
		cfg.Server.OrgID = "default"
	}
	if cfg.Database.Port == 0 {
		cfg.Database.Port = 5432
	}
	if cfg.Database.MaxConns == 0 {
		cfg.Database.MaxConns = 20
	}
	if cfg.Vision.Backend == "" {
		cfg.Vision.Backend = "cpu"
	}
	if cfg.Vision.DetectionThreshold == 0 {
		cfg.Vision.DetectionThreshold = 0.75
	}
	if cfg.Vision.MinCosineAccept == 0 {
		cfg.Vision.MinCosineAccept = 0.6
	}
	if cfg.Attendance.CooldownSec == 0 {
		cfg.Attendance.CooldownSec = 4860
	}
	if cfg.Attendance.MaxEvents == 0 {
		cfg.Attendance.MaxEvents = 5000
	}
	if cfg.Attendance.DupThreshold == 0 {
		cfg.Attendance.DupThreshold = 0.6
	}
	if cfg.Attendance.FrameMinInterval == 0 {
		cfg.Attendance.FrameMinInterval = 150 * time.Millisecond
	}
	if cfg.Attendance.FunMinInterval == 0 {
		cfg.Attendance.FunMinInterval = 100 * time.Millisecond
	}
	if cfg.Attendance.LoginMessageDelay == 0 {
		cfg.Attendance.LoginMessageDelay = 2 * time.Second
	}
	if cfg.Watcher.Dir == "" {
		cfg.Watcher.Dir = "uploads/faces"
	}
	if cfg.Watcher.Interval == 0 {
		cfg.Watcher.Interval = 3 * time.Second
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "json"
	}
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("PRESENCE_SERVER_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Server.Port = port
		}
	}
	if v := os.Getenv("PRESENCE_API_KEY"); v != "" {
		cfg.Server.APIKey = v
	}
	if v := os.Getenv("PRESENCE_ORG_ID"); v != "" {
		cfg.Server.OrgID = v
	}
	if v := os.Getenv("PRESENCE_DB_HOST"); v != "" {
		cfg.Database.Host = v
	}
	if v := os.Getenv("PRESENCE_DB_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Database.Port = port
		}
	}
	if v := os.Getenv("PRESENCE_DB_NAME"); v != "" {
		cfg.Database.Name = v
	}
	if v := os.Getenv("PRESENCE_DB_USER"); v != "" {
		cfg.Database.User = v
	}
	if v := os.Getenv("PRESENCE_DB_PASSWORD"); v != "" {
		cfg.Database.Password = v
	}
	if v := os.Getenv("PRESENCE_REDIS_ADDR"); v != "" {
		cfg.Redis.Addr = v
	}
	if v := os.Getenv("PRESENCE_REDIS_PASSWORD"); v != "" {
		cfg.Redis.Password = v
	}
	if v := os.Getenv("PRESENCE_NATS_URL"); v != "" {
		cfg.NATS.URL = v
	}
	if v := os.Getenv("PRESENCE_MINIO_ENDPOINT"); v != "" {
		cfg.MinIO.Endpoint = v
	}
	if v := os.Getenv("PRESENCE_MINIO_ACCESS_KEY"); v != "" {
		cfg.MinIO.AccessKey = v
	}
	if v := os.Getenv("PRESENCE_MINIO_SECRET_KEY"); v != "" {
		cfg.MinIO.SecretKey = v
	}
	if v := os.Getenv("PRESENCE_MINIO_BUCKET"); v != "" {
		cfg.MinIO.Bucket = v
	}
	if v := os.Getenv("PRESENCE_MODELS_DIR"); v != "" {
		cfg.Vision.ModelsDir = v
	}
	if v := os.Getenv("PRESENCE_VISION_BACKEND"); v != "" {
		cfg.Vision.Backend = v
	}
	if v := os.Getenv("PRESENCE_WATCH_DIR"); v != "" {
		cfg.Watcher.Dir = v
	}
}
