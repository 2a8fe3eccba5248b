package config

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

// 运行模式
const (
	ModeDevelopment = "development"
	ModeProduction  = "production"
)

// DevBackendHost 开发模式下直连的本地后端地址。
const DevBackendHost = "localhost:8000"

// APIPrefix 后端 API 的统一前缀。
const APIPrefix = "/api/v1"

// DefaultJWTSecret 本地开发后端的默认签名密钥。
const DefaultJWTSecret = "changethis"

// Config 聚合客户端与本地开发后端的配置项。
type Config struct {
	Endpoint Endpoint
	Realtime RealtimeConfig
	Auth     AuthConfig
	Server   ServerConfig
}

// Load 从环境变量加载配置。
func Load() (*Config, error) {
	endpoint, err := loadEndpoint()
	if err != nil {
		return nil, err
	}

	realtime, err := loadRealtimeConfig()
	if err != nil {
		return nil, err
	}

	auth, err := loadAuthConfig()
	if err != nil {
		return nil, err
	}

	server, err := loadServerConfig()
	if err != nil {
		return nil, err
	}

	return &Config{Endpoint: endpoint, Realtime: realtime, Auth: auth, Server: server}, nil
}

// Endpoint 描述后端的访问地址。开发模式直连本地后端，
// 生产模式使用同源地址，由反向代理转发 /api 与 WebSocket 升级请求。
type Endpoint struct {
	Mode    string
	BaseURL string
	UseTLS  bool
}

// HTTPURL 返回 API 请求的根地址，例如 http://localhost:8000/api/v1。
func (e Endpoint) HTTPURL() string {
	scheme := "http"
	if e.UseTLS {
		scheme = "https"
	}
	return scheme + "://" + e.BaseURL + APIPrefix
}

// WebSocketURL 构造聊天 WebSocket 地址，令牌以 query 参数传递。
func (e Endpoint) WebSocketURL(chatID, token string) (string, error) {
	if strings.TrimSpace(e.BaseURL) == "" {
		return "", fmt.Errorf("websocket endpoint: base url is empty")
	}
	if chatID == "" {
		return "", fmt.Errorf("websocket endpoint: chat id is empty")
	}

	scheme := "ws"
	if e.UseTLS {
		scheme = "wss"
	}

	u := &url.URL{
		Scheme:   scheme,
		Host:     e.BaseURL,
		Path:     APIPrefix + "/ws/" + chatID,
		RawQuery: url.Values{"token": {token}}.Encode(),
	}
	return u.String(), nil
}

func loadEndpoint() (Endpoint, error) {
	mode := strings.ToLower(getEnvOrDefault("CHAT_ENV", ModeDevelopment))
	if mode != ModeDevelopment && mode != ModeProduction {
		return Endpoint{}, fmt.Errorf("invalid CHAT_ENV value: %q", mode)
	}

	baseURL := strings.TrimSpace(os.Getenv("CHAT_BASE_URL"))
	if baseURL == "" {
		if mode == ModeProduction {
			return Endpoint{}, fmt.Errorf("CHAT_BASE_URL is required in production mode")
		}
		baseURL = DevBackendHost
	}
	baseURL, impliedTLS := stripScheme(baseURL)

	useTLS, err := parseBoolEnv("CHAT_USE_TLS", impliedTLS)
	if err != nil {
		return Endpoint{}, err
	}

	return Endpoint{Mode: mode, BaseURL: baseURL, UseTLS: useTLS}, nil
}

// stripScheme 允许 CHAT_BASE_URL 带上 http(s):// 前缀，并据此推断是否启用 TLS。
func stripScheme(raw string) (string, bool) {
	raw = strings.TrimRight(raw, "/")
	switch {
	case strings.HasPrefix(raw, "https://"):
		return strings.TrimPrefix(raw, "https://"), true
	case strings.HasPrefix(raw, "wss://"):
		return strings.TrimPrefix(raw, "wss://"), true
	case strings.HasPrefix(raw, "http://"):
		return strings.TrimPrefix(raw, "http://"), false
	case strings.HasPrefix(raw, "ws://"):
		return strings.TrimPrefix(raw, "ws://"), false
	}
	return raw, false
}

// RealtimeConfig 描述实时会话的重连与传输设置。
type RealtimeConfig struct {
	MaxReconnectAttempts int
	ReconnectDelay       time.Duration
	HandshakeTimeout     time.Duration
	WriteTimeout         time.Duration
	Transport            string
	EventBuffer          int
}

func loadRealtimeConfig() (RealtimeConfig, error) {
	maxAttempts := 5
	if override, err := parseOptionalIntEnv("CHAT_WS_MAX_RECONNECT"); err != nil {
		return RealtimeConfig{}, err
	} else if override != nil {
		if *override < 0 {
			maxAttempts = 0
		} else {
			maxAttempts = *override
		}
	}

	delay, err := parseDurationEnv("CHAT_WS_RECONNECT_DELAY", time.Second)
	if err != nil {
		return RealtimeConfig{}, err
	}

	handshake, err := parseDurationEnv("CHAT_WS_HANDSHAKE_TIMEOUT", 10*time.Second)
	if err != nil {
		return RealtimeConfig{}, err
	}

	write, err := parseDurationEnv("CHAT_WS_WRITE_TIMEOUT", 10*time.Second)
	if err != nil {
		return RealtimeConfig{}, err
	}

	buffer := 64
	if override, err := parseOptionalIntEnv("CHAT_WS_EVENT_BUFFER"); err != nil {
		return RealtimeConfig{}, err
	} else if override != nil && *override > 0 {
		buffer = *override
	}

	transport := strings.ToLower(getEnvOrDefault("CHAT_WS_TRANSPORT", "gorilla"))
	if transport != "gorilla" && transport != "coder" {
		return RealtimeConfig{}, fmt.Errorf("invalid CHAT_WS_TRANSPORT value: %q", transport)
	}

	return RealtimeConfig{
		MaxReconnectAttempts: maxAttempts,
		ReconnectDelay:       delay,
		HandshakeTimeout:     handshake,
		WriteTimeout:         write,
		Transport:            transport,
		EventBuffer:          buffer,
	}, nil
}

// AuthConfig 描述凭证存储与开发后端的签名设置。
type AuthConfig struct {
	TokenFile string
	JWTSecret string
	TokenTTL  time.Duration
}

func loadAuthConfig() (AuthConfig, error) {
	tokenFile := strings.TrimSpace(os.Getenv("CHAT_TOKEN_FILE"))
	if tokenFile == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return AuthConfig{}, fmt.Errorf("resolve home directory: %w", err)
		}
		tokenFile = filepath.Join(home, ".zchat", "storage.json")
	}

	ttl, err := parseDurationEnv("CHAT_TOKEN_TTL", 8*24*time.Hour)
	if err != nil {
		return AuthConfig{}, err
	}

	return AuthConfig{
		TokenFile: tokenFile,
		JWTSecret: getEnvOrDefault("CHAT_JWT_SECRET", DefaultJWTSecret),
		TokenTTL:  ttl,
	}, nil
}

// ServerConfig 描述本地开发后端的监听配置。
type ServerConfig struct {
	Addr        string
	CORSOrigins []string
}

// loadServerConfig 解析服务器监听地址。
func loadServerConfig() (ServerConfig, error) {
	port := strings.TrimSpace(os.Getenv("PORT"))
	if port == "" {
		port = "8000"
	}

	origins := splitList(getEnvOrDefault("CHAT_CORS_ORIGINS", "http://localhost:5173"))

	if strings.Contains(port, ":") {
		// 允许用户直接传入 ":8000" 或 "127.0.0.1:8000"。
		return ServerConfig{Addr: port, CORSOrigins: origins}, nil
	}

	if strings.Contains(port, " ") {
		return ServerConfig{}, fmt.Errorf("invalid PORT value: %q", port)
	}

	return ServerConfig{Addr: ":" + port, CORSOrigins: origins}, nil
}

func splitList(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := strings.TrimSpace(os.Getenv(key)); value != "" {
		return value
	}
	return defaultValue
}

func parseBoolEnv(key string, defaultValue bool) (bool, error) {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return defaultValue, nil
	}

	val, err := strconv.ParseBool(raw)
	if err != nil {
		return false, fmt.Errorf("invalid %s value %q: %w", key, raw, err)
	}
	return val, nil
}

func parseOptionalIntEnv(key string) (*int, error) {
	raw, ok := os.LookupEnv(key)
	if !ok {
		return nil, nil
	}

	value := strings.TrimSpace(raw)
	if value == "" {
		return nil, nil
	}

	val, err := strconv.Atoi(value)
	if err != nil {
		return nil, fmt.Errorf("invalid %s value %q: %w", key, value, err)
	}
	return &val, nil
}

// parseDurationEnv 支持 "1500ms" 这样的时长，也兼容纯数字（按毫秒处理）。
func parseDurationEnv(key string, defaultValue time.Duration) (time.Duration, error) {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return defaultValue, nil
	}

	var val time.Duration
	if ms, err := strconv.Atoi(raw); err == nil {
		val = time.Duration(ms) * time.Millisecond
	} else if val, err = time.ParseDuration(raw); err != nil {
		return 0, fmt.Errorf("invalid %s value %q: %w", key, raw, err)
	}
	if val < 0 {
		return 0, fmt.Errorf("invalid %s value %q: must not be negative", key, raw)
	}
	return val, nil
}
