// Package config loads recorder settings from the environment.
package config

import (
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
)

// Environment variable names.
const (
	EnvAddr      = "HLSREC_ADDR"
	EnvDataDir   = "HLSREC_DATA_DIR"
	EnvLogLevel  = "HLSREC_LOG_LEVEL"
	EnvLogFormat = "HLSREC_LOG_FORMAT"
	EnvRaftID    = "HLSREC_RAFT_ID"
	EnvRaftBind  = "HLSREC_RAFT_BIND"
	EnvRaftPeers = "HLSREC_RAFT_PEERS"

	EnvRaftLogLevel  = "HLSREC_RAFT_LOG_LEVEL"
	EnvWhisperModel  = "HLSREC_WHISPER_MODEL"
	EnvWhisperPrompt = "HLSREC_WHISPER_PROMPT"
)

// Load reads .env style files into the process environment. Variables that
// are already set are not overridden. With no paths, ".env" is used; a
// missing file is reported as an error that callers may ignore.
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

// GetEnvList splits a comma-separated variable, dropping empty items.
func GetEnvList(key string, fallback []string) []string {
	s := os.Getenv(key)
	if s == "" {
		return fallback
	}
	return SplitList(s)
}

// SplitList splits a comma-separated value, trimming spaces and dropping
// empty items.
func SplitList(s string) []string {
	var out []string
	for _, item := range strings.Split(s, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}
