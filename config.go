package main

import (
	"flag"
	"os"
	"strings"
	"time"
)

type Config struct {
	DBPath       string
	GatewayURL   string
	GatewayToken string

	// External gateway process supervised by the watchdog. Empty GatewayDir
	// disables supervision and assumes the gateway runs elsewhere.
	GatewayDir string
	GatewayBin string

	GeminiKeys []string
	FastModel  string
	DeepModel  string
	TavilyKey  string

	GroupThreshold int
	GroupJitter    int
	IdleTimeout    time.Duration
	ReplyCooldown  time.Duration
}

func LoadConfig() Config {
	cfg := Config{}

	var keys string
	flag.StringVar(&cfg.DBPath, "db", envOrDefault("LOOPBOT_DB", "loopbot.db"), "SQLite database path")
	flag.StringVar(&cfg.GatewayURL, "gateway", envOrDefault("LOOPBOT_GATEWAY", "ws://127.0.0.1:3001"), "Chat gateway websocket URL")
	flag.StringVar(&cfg.GatewayToken, "gateway-token", envOrDefault("LOOPBOT_GATEWAY_TOKEN", ""), "Chat gateway access token")
	flag.StringVar(&cfg.GatewayDir, "gateway-dir", envOrDefault("LOOPBOT_GATEWAY_DIR", ""), "Directory of the supervised gateway process (empty disables supervision)")
	flag.StringVar(&cfg.GatewayBin, "gateway-bin", envOrDefault("LOOPBOT_GATEWAY_BIN", "gateway"), "Gateway executable name inside -gateway-dir")
	flag.StringVar(&keys, "gemini-keys", envOrDefault("LOOPBOT_GEMINI_KEYS", ""), "Comma-separated Gemini API keys")
	flag.StringVar(&cfg.FastModel, "fast-model", envOrDefault("LOOPBOT_FAST_MODEL", ""), "Fast model name")
	flag.StringVar(&cfg.DeepModel, "deep-model", envOrDefault("LOOPBOT_DEEP_MODEL", ""), "Deep model name")
	flag.StringVar(&cfg.TavilyKey, "tavily-key", envOrDefault("LOOPBOT_TAVILY_KEY", ""), "Tavily search API key (empty disables web search)")
	flag.IntVar(&cfg.GroupThreshold, "group-threshold", 5, "Base batch size for ambient group messages")
	flag.IntVar(&cfg.GroupJitter, "group-jitter", 5, "Random addition to the batch threshold")
	flag.DurationVar(&cfg.IdleTimeout, "idle-timeout", 10*time.Second, "Group batch debounce timeout")
	flag.DurationVar(&cfg.ReplyCooldown, "reply-cooldown", 20*time.Second, "Minimum gap between group replies per session")
	flag.Parse()

	for _, k := range strings.Split(keys, ",") {
		if k = strings.TrimSpace(k); k != "" {
			cfg.GeminiKeys = append(cfg.GeminiKeys, k)
		}
	}
	return cfg
}

func envOrDefault(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
