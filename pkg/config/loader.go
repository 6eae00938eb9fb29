package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Load 加载并解析完整的 AppConfig
// 优先级：系统环境变量 > secrets.env 占位符 > <env>.yaml > base.yaml
func Load(envName string, configDir string) (*AppConfig, error) {
	merged, err := LoadConfig(envName, configDir)
	if err != nil {
		return nil, err
	}

	raw, err := yaml.Marshal(merged)
	if err != nil {
		return nil, fmt.Errorf("failed to re-encode merged config: %w", err)
	}

	var cfg AppConfig
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}

	// 用系统环境变量覆盖（优先级最高）
	if err := env.Parse(&cfg); err != nil {
		return nil, fmt.Errorf("failed to apply env overrides: %w", err)
	}

	cfg.applyDefaults()
	return &cfg, nil
}

// LoadConfig 合并 base.yaml 与 <env>.yaml，并展开 ${VAR} 占位符
func LoadConfig(env string, configDir string) (map[string]interface{}, error) {
	if configDir == "" {
		configDir = "config"
	}

	merged, err := loadYAMLFile(filepath.Join(configDir, "base.yaml"))
	if err != nil {
		return nil, fmt.Errorf("failed to load base.yaml: %w", err)
	}

	if env != "" && env != "base" {
		overlay, err := loadYAMLFile(filepath.Join(configDir, env+".yaml"))
		switch {
		case err == nil:
			merged = mergeMaps(merged, overlay)
		case !errors.Is(err, fs.ErrNotExist):
			return nil, fmt.Errorf("failed to load %s.yaml: %w", env, err)
		}
	}

	secrets := map[string]string{}
	secretsFile := filepath.Join(configDir, "secrets.env")
	if _, err := os.Stat(secretsFile); err == nil {
		if secrets, err = godotenv.Read(secretsFile); err != nil {
			return nil, fmt.Errorf("failed to load secrets.env: %w", err)
		}
	}

	return expandPlaceholders(merged, func(name string) string {
		if v, ok := secrets[name]; ok {
			return v
		}
		return os.Getenv(name)
	}), nil
}

func loadYAMLFile(path string) (map[string]interface{}, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	out := make(map[string]interface{})
	if err := yaml.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("%s: %w", filepath.Base(path), err)
	}
	return out, nil
}

// mergeMaps 递归合并，src 覆盖 dst
func mergeMaps(dst, src map[string]interface{}) map[string]interface{} {
	result := make(map[string]interface{}, len(dst)+len(src))
	for k, v := range dst {
		result[k] = v
	}
	for k, v := range src {
		dstMap, dstOK := result[k].(map[string]interface{})
		srcMap, srcOK := v.(map[string]interface{})
		if dstOK && srcOK {
			result[k] = mergeMaps(dstMap, srcMap)
			continue
		}
		result[k] = v
	}
	return result
}

var placeholder = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// expandPlaceholders 替换字符串值中的 ${NAME}；未定义的变量展开为空串，
// 交给 Validate 报告缺失的必填项
func expandPlaceholders(node map[string]interface{}, lookup func(string) string) map[string]interface{} {
	result := make(map[string]interface{}, len(node))
	for k, v := range node {
		result[k] = expandValue(v, lookup)
	}
	return result
}

func expandValue(v interface{}, lookup func(string) string) interface{} {
	switch val := v.(type) {
	case string:
		return placeholder.ReplaceAllStringFunc(val, func(m string) string {
			return lookup(placeholder.FindStringSubmatch(m)[1])
		})
	case map[string]interface{}:
		return expandPlaceholders(val, lookup)
	case []interface{}:
		out := make([]interface{}, len(val))
		for i, item := range val {
			out[i] = expandValue(item, lookup)
		}
		return out
	default:
		return v
	}
}

// GetEnv 获取环境变量，如果未设置则返回默认值
func GetEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// GetConfigEnv 获取配置环境（从环境变量 CONFIG_ENV，默认为 local）
func GetConfigEnv() string {
	return GetEnv("CONFIG_ENV", "local")
}
