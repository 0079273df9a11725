package config

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Load reads the .env file from the current working directory and sets
// environment variables. If .env does not exist, Load returns an error but
// callers can ignore it and use system env or defaults. Pass one or more paths
// to load from specific files (e.g. ".env"); with no paths, ".env" is used.
func Load(paths ...string) error {
	if len(paths) == 0 {
		paths = []string{".env"}
	}
	return godotenv.Load(paths...)
}

// GetEnv returns the value of the environment variable named by key, or fallback
// if the variable is unset or empty.
func GetEnv(key, fallback string) string {
	if s := os.Getenv(key); s != "" {
		return s
	}
	return fallback
}

// GetEnvInt returns the integer value of the environment variable named by key,
// or fallback if the variable is unset, empty, or not a valid integer.
func GetEnvInt(key string, fallback int) int {
	if s := os.Getenv(key); s != "" {
		if n, err := strconv.Atoi(s); err == nil {
			return n
		}
	}
	return fallback
}

// GetEnvDuration parses values like "90s" or "2m". A bare integer is read as
// seconds. Unset, empty, invalid or non-positive values yield fallback.
func GetEnvDuration(key string, fallback time.Duration) time.Duration {
	s := strings.TrimSpace(os.Getenv(key))
	if s == "" {
		return fallback
	}
	if n, err := strconv.Atoi(s); err == nil {
		if n <= 0 {
			return fallback
		}
		return time.Duration(n) * time.Second
	}
	d, err := time.ParseDuration(s)
	if err != nil || d <= 0 {
		return fallback
	}
	return d
}

// GetEnvList splits a comma separated variable, dropping blanks.
func GetEnvList(key string) []string {
	var out []string
	for _, part := range strings.Split(os.Getenv(key), ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// Config is the full set of server settings.
type Config struct {
	Host      string
	Port      string
	LogLevel  string
	LogFormat string

	MediaRoots []string
	FFmpegPath string

	HLSRoot           string
	HLSIdleTimeout    time.Duration
	HLSSweepInterval  time.Duration
	HLSSegmentSeconds int
	HLSPlaylistWait   time.Duration

	ThumbnailDir    string
	ThumbnailOffset time.Duration
	ThumbnailWidth  int

	DriveAPIBase     string
	DriveAccessToken string
}

// Addr is the listen address.
func (c Config) Addr() string {
	return c.Host + ":" + c.Port
}

// FromEnv reads Config from the environment, applying defaults.
func FromEnv() Config {
	return Config{
		Host:      GetEnv("HOST", "127.0.0.1"),
		Port:      GetEnv("PORT", "8999"),
		LogLevel:  GetEnv("LOG_LEVEL", "info"),
		LogFormat: GetEnv("LOG_FORMAT", "json"),

		MediaRoots: GetEnvList("MEDIA_ROOTS"),
		FFmpegPath: GetEnv("FFMPEG_PATH", "ffmpeg"),

		HLSRoot:           GetEnv("HLS_ROOT", filepath.Join(os.TempDir(), "media-streamer-hls")),
		HLSIdleTimeout:    GetEnvDuration("HLS_IDLE_TIMEOUT", 2*time.Minute),
		HLSSweepInterval:  GetEnvDuration("HLS_SWEEP_INTERVAL", 30*time.Second),
		HLSSegmentSeconds: GetEnvInt("HLS_SEGMENT_SECONDS", 6),
		HLSPlaylistWait:   GetEnvDuration("HLS_PLAYLIST_WAIT", 15*time.Second),

		ThumbnailDir:    GetEnv("THUMBNAIL_DIR", defaultThumbnailDir()),
		ThumbnailOffset: GetEnvDuration("THUMBNAIL_OFFSET", 5*time.Second),
		ThumbnailWidth:  GetEnvInt("THUMBNAIL_WIDTH", 320),

		DriveAPIBase:     GetEnv("DRIVE_API_BASE", "https://www.googleapis.com/drive/v3"),
		DriveAccessToken: GetEnv("DRIVE_ACCESS_TOKEN", ""),
	}
}

func defaultThumbnailDir() string {
	base, err := os.UserCacheDir()
	if err != nil {
		base = os.TempDir()
	}
	return filepath.Join(base, "media-streamer", "thumbnails")
}
