// internal/config/config.go
package config

import (
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/joho/godotenv"
)

// 当前配置的单例实例
var (
	currentConfig *AppConfig
	configMutex   sync.RWMutex
	configFile    string
)

// AppConfig 包含应用程序的所有配置
type AppConfig struct {
	// 基础配置
	Port      string `json:"port"`
	DataDir   string `json:"data_dir"`
	LogDir    string `json:"log_dir"`
	LogLevel  string `json:"log_level"`
	DebugMode bool   `json:"debug_mode"`

	// LLM相关配置
	LLMProvider string            `json:"llm_provider"`
	LLMConfig   map[string]string `json:"llm_config"`

	// 生成相关配置
	Generation GenerationConfig `json:"generation"`
}

// GenerationConfig 控制工作流引擎的并发与规模参数
type GenerationConfig struct {
	MaxConcurrentRequests int           `json:"max_concurrent_requests"`
	CandidateCount        int           `json:"candidate_count"`
	Timeout               time.Duration `json:"timeout"`
	ContextTopK           int           `json:"context_top_k"`
	PriorTailRunes        int           `json:"prior_tail_runes"`
	PartOutlineThreshold  int           `json:"part_outline_threshold"`
	ChaptersPerPart       int           `json:"chapters_per_part"`
	OutlineBatchSize      int           `json:"outline_batch_size"`
	ChapterMaxTokens      int           `json:"chapter_max_tokens"`
	StylePresetsFile      string        `json:"style_presets_file,omitempty"`
	RateLimitPerMinute    int           `json:"rate_limit_per_minute"`
}

// DefaultGenerationConfig 返回默认生成参数
func DefaultGenerationConfig() GenerationConfig {
	return GenerationConfig{
		MaxConcurrentRequests: 4,
		CandidateCount:        3,
		Timeout:               180 * time.Second,
		ContextTopK:           5,
		PriorTailRunes:        800,
		PartOutlineThreshold:  50,
		ChaptersPerPart:       25,
		OutlineBatchSize:      10,
		ChapterMaxTokens:      8000,
		RateLimitPerMinute:    30,
	}
}

// Load 从环境变量加载配置
func Load() (*AppConfig, error) {
	// .env 文件可选
	godotenv.Load()

	def := DefaultGenerationConfig()
	cfg := &AppConfig{
		Port:        getEnv("PORT", "8080"),
		DataDir:     getEnvPath("DATA_DIR", "data"),
		LogDir:      getEnvPath("LOG_DIR", "logs"),
		LogLevel:    getEnv("LOG_LEVEL", "INFO"),
		DebugMode:   getEnvBool("DEBUG_MODE", false),
		LLMProvider: getEnv("LLM_PROVIDER", "openai"),
		LLMConfig: map[string]string{
			"api_key":       getEnv("LLM_API_KEY", ""),
			"base_url":      getEnv("LLM_BASE_URL", ""),
			"default_model": getEnv("LLM_MODEL", ""),
		},
		Generation: GenerationConfig{
			MaxConcurrentRequests: getEnvInt("MAX_CONCURRENT_REQUESTS", def.MaxConcurrentRequests),
			CandidateCount:        getEnvInt("CANDIDATE_COUNT", def.CandidateCount),
			Timeout:               getEnvDuration("GENERATION_TIMEOUT", def.Timeout),
			ContextTopK:           getEnvInt("CONTEXT_TOP_K", def.ContextTopK),
			PriorTailRunes:        getEnvInt("PRIOR_TAIL_RUNES", def.PriorTailRunes),
			PartOutlineThreshold:  getEnvInt("PART_OUTLINE_THRESHOLD", def.PartOutlineThreshold),
			ChaptersPerPart:       getEnvInt("CHAPTERS_PER_PART", def.ChaptersPerPart),
			OutlineBatchSize:      getEnvInt("OUTLINE_BATCH_SIZE", def.OutlineBatchSize),
			ChapterMaxTokens:      getEnvInt("CHAPTER_MAX_TOKENS", def.ChapterMaxTokens),
			StylePresetsFile:      getEnv("STYLE_PRESETS_FILE", ""),
			RateLimitPerMinute:    getEnvInt("RATE_LIMIT_PER_MINUTE", def.RateLimitPerMinute),
		},
	}

	if err := cfg.Generation.Validate(); err != nil {
		return nil, err
	}

	if cfg.LLMConfig["api_key"] == "" {
		log.Println("警告: 未设置 LLM_API_KEY，生成类接口将返回服务不可用")
	}

	return cfg, nil
}

// Validate 检查生成参数的取值范围
func (g GenerationConfig) Validate() error {
	switch {
	case g.MaxConcurrentRequests < 1:
		return fmt.Errorf("MAX_CONCURRENT_REQUESTS must be >= 1, got %d", g.MaxConcurrentRequests)
	case g.CandidateCount < 1:
		return fmt.Errorf("CANDIDATE_COUNT must be >= 1, got %d", g.CandidateCount)
	case g.Timeout <= 0:
		return fmt.Errorf("GENERATION_TIMEOUT must be positive, got %s", g.Timeout)
	case g.ChaptersPerPart < 1:
		return fmt.Errorf("CHAPTERS_PER_PART must be >= 1, got %d", g.ChaptersPerPart)
	case g.OutlineBatchSize < 1:
		return fmt.Errorf("OUTLINE_BATCH_SIZE must be >= 1, got %d", g.OutlineBatchSize)
	}
	return nil
}

// getEnv 获取环境变量，如果不存在则返回默认值
func getEnv(key, defaultValue string) string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	return value
}

// getEnvPath 获取环境变量表示的路径，并确保目录存在
func getEnvPath(key, defaultValue string) string {
	path := getEnv(key, defaultValue)

	if _, err := os.Stat(path); os.IsNotExist(err) {
		if err := os.MkdirAll(path, 0755); err != nil {
			fmt.Printf("警告: 创建目录失败 %s: %v\n", path, err)
		}
	}

	return path
}

// getEnvBool 获取布尔类型环境变量
func getEnvBool(key string, defaultValue bool) bool {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}

	return value == "true" || value == "1" || value == "yes"
}

func getEnvInt(key string, defaultValue int) int {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	n, err := strconv.Atoi(value)
	if err != nil {
		log.Printf("警告: %s=%q 不是整数，使用默认值 %d", key, value, defaultValue)
		return defaultValue
	}
	return n
}

// getEnvDuration 接受 "90s" 这类时长，也接受纯数字秒数
func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	if d, err := time.ParseDuration(value); err == nil {
		return d
	}
	if secs, err := strconv.Atoi(value); err == nil {
		return time.Duration(secs) * time.Second
	}
	log.Printf("警告: %s=%q 不是有效时长，使用默认值 %s", key, value, defaultValue)
	return defaultValue
}

// InitConfig 初始化配置管理器
func InitConfig(dataDir string) error {
	configFile = filepath.Join(dataDir, "config.json")

	baseConfig, err := Load()
	if err != nil {
		return err
	}

	configMutex.Lock()
	defer configMutex.Unlock()

	currentConfig = baseConfig

	// 文件中保存的 LLM 设置优先，其余字段以环境变量为准
	if data, err := os.ReadFile(configFile); err == nil {
		var saved AppConfig
		if json.Unmarshal(data, &saved) == nil && saved.LLMProvider != "" {
			currentConfig.LLMProvider = saved.LLMProvider
			merged := make(map[string]string, len(saved.LLMConfig))
			for k, v := range saved.LLMConfig {
				merged[k] = v
			}
			if merged["api_key"] == "" {
				merged["api_key"] = baseConfig.LLMConfig["api_key"]
			}
			currentConfig.LLMConfig = merged
		}
	}

	return saveLocked()
}

// SetCurrentConfig 直接替换当前配置，供测试和嵌入方使用
func SetCurrentConfig(cfg *AppConfig) {
	configMutex.Lock()
	defer configMutex.Unlock()
	currentConfig = cfg
}

// GetCurrentConfig 返回当前配置的副本
func GetCurrentConfig() *AppConfig {
	configMutex.RLock()
	defer configMutex.RUnlock()

	if currentConfig == nil {
		return &AppConfig{
			Port:        "8080",
			DataDir:     "data",
			LogDir:      "logs",
			LogLevel:    "INFO",
			LLMProvider: "openai",
			LLMConfig:   map[string]string{},
			Generation:  DefaultGenerationConfig(),
		}
	}

	configCopy := *currentConfig
	configCopy.LLMConfig = make(map[string]string, len(currentConfig.LLMConfig))
	for k, v := range currentConfig.LLMConfig {
		configCopy.LLMConfig[k] = v
	}
	return &configCopy
}

// UpdateLLMConfig 更新LLM配置
func UpdateLLMConfig(provider string, llmConfig map[string]string) error {
	configMutex.Lock()
	defer configMutex.Unlock()

	if currentConfig == nil {
		return fmt.Errorf("配置系统未初始化")
	}

	currentConfig.LLMProvider = provider
	currentConfig.LLMConfig = llmConfig

	return saveLocked()
}

// saveLocked 保存当前配置到文件，调用方持有 configMutex
func saveLocked() error {
	if currentConfig == nil {
		return fmt.Errorf("没有配置可保存")
	}
	if configFile == "" {
		return nil
	}

	if err := os.MkdirAll(filepath.Dir(configFile), 0755); err != nil {
		return fmt.Errorf("创建配置目录失败: %w", err)
	}

	data, err := json.MarshalIndent(currentConfig, "", "  ")
	if err != nil {
		return fmt.Errorf("序列化配置失败: %w", err)
	}

	tmp := configFile + ".tmp"
	if err := os.WriteFile(tmp, data, 0600); err != nil {
		return err
	}
	return os.Rename(tmp, configFile)
}
