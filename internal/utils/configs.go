package utils

import (
	"bufio"
	"embed"
	"fmt"
	"io"
	"maps"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/joho/godotenv"
)

//go:embed configs
var defaultConfig embed.FS

// EnvPrefix marks environment variables that override config keys,
// e.g. INBOX_NODE_LOG_LEVEL=debug overrides log_level.
const EnvPrefix = "INBOX_NODE_"

type Config map[string]string

type ConfigManager struct {
	configsPath string
	configs     Config
	configMutex sync.RWMutex
}

// NewConfigManager loads the key = value config file at path (or the default location,
// seeded from the embedded defaults) and applies .env / environment overrides.
func NewConfigManager(path string) *ConfigManager {
	if path == "" {
		paths := GetAppPaths("")
		path = filepath.Join(paths.ConfigDir, "configs")
		if err := ensureConfig(path); err != nil {
			panic(err)
		}
	}

	configs, err := readConfigs(path)
	if err != nil {
		panic(err)
	}

	cm := &ConfigManager{
		configsPath: path,
		configs:     configs,
	}
	cm.applyEnvOverrides()

	return cm
}

// NewConfigManagerFromMap builds a manager without touching the filesystem.
func NewConfigManagerFromMap(values map[string]string) *ConfigManager {
	configs := Config{}
	maps.Copy(configs, values)
	return &ConfigManager{configs: configs}
}

func ensureConfig(configPath string) error {
	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		data, err := defaultConfig.ReadFile("configs/configs")
		if err != nil {
			return err
		}
		return os.WriteFile(configPath, data, 0644)
	}
	return nil
}

func readConfigs(configsPath string) (Config, error) {
	if len(configsPath) == 0 {
		return nil, fmt.Errorf("invalid configs path `%s`", configsPath)
	}

	config := Config{
		"file": configsPath,
	}

	file, err := os.Open(configsPath)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	reader := bufio.NewReader(file)

	for {
		line, err := reader.ReadString('\n')

		trimmed := strings.TrimSpace(line)
		if !strings.HasPrefix(trimmed, "#") {
			if equal := strings.Index(trimmed, "="); equal >= 0 {
				if key := strings.TrimSpace(trimmed[:equal]); len(key) > 0 {
					config[key] = strings.TrimSpace(trimmed[equal+1:])
				}
			}
		}

		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, err
		}
	}

	return config, nil
}

// applyEnvOverrides loads a .env file from the working directory (if any) and copies every
// INBOX_NODE_* variable onto the matching lower-cased config key.
func (cm *ConfigManager) applyEnvOverrides() {
	_ = godotenv.Load()

	cm.configMutex.Lock()
	defer cm.configMutex.Unlock()

	for _, kv := range os.Environ() {
		if !strings.HasPrefix(kv, EnvPrefix) {
			continue
		}
		equal := strings.Index(kv, "=")
		if equal < 0 {
			continue
		}
		key := strings.ToLower(strings.TrimPrefix(kv[:equal], EnvPrefix))
		if key == "" || key == "home" {
			continue
		}
		cm.configs[key] = kv[equal+1:]
	}
}

func (cm *ConfigManager) GetConfig(key string) (string, bool) {
	cm.configMutex.RLock()
	defer cm.configMutex.RUnlock()

	value, exists := cm.configs[key]
	return value, exists
}

func (cm *ConfigManager) GetConfigWithDefault(key string, defaultValue string) string {
	if value, exists := cm.GetConfig(key); exists && value != "" {
		return value
	}
	return defaultValue
}

func (cm *ConfigManager) GetAllConfigs() Config {
	cm.configMutex.RLock()
	defer cm.configMutex.RUnlock()

	configsCopy := make(Config)
	maps.Copy(configsCopy, cm.configs)
	return configsCopy
}

// ReloadConfig re-reads the config file and re-applies environment overrides
func (cm *ConfigManager) ReloadConfig(path string) error {
	newConfigs, err := readConfigs(path)
	if err != nil {
		return err
	}

	cm.configMutex.Lock()
	cm.configs = newConfigs
	cm.configsPath = path
	cm.configMutex.Unlock()

	cm.applyEnvOverrides()
	return nil
}

// GetConfigDuration parses a duration string from config with default fallback
func (cm *ConfigManager) GetConfigDuration(key string, defaultValue time.Duration) time.Duration {
	valueStr := cm.GetConfigWithDefault(key, defaultValue.String())
	duration, err := time.ParseDuration(valueStr)
	if err != nil {
		fmt.Printf("Invalid duration '%s' for key '%s', using default %v\n", valueStr, key, defaultValue)
		return defaultValue
	}
	return duration
}

// GetConfigInt parses an integer from config with validation
func (cm *ConfigManager) GetConfigInt(key string, defaultValue int, min int, max int) int {
	valueStr := cm.GetConfigWithDefault(key, strconv.Itoa(defaultValue))
	value, err := strconv.Atoi(valueStr)
	if err != nil {
		fmt.Printf("Invalid integer '%s' for key '%s', using default %d\n", valueStr, key, defaultValue)
		return defaultValue
	}
	if value < min || value > max {
		fmt.Printf("Value %d for key '%s' out of range [%d, %d], using default %d\n", value, key, min, max, defaultValue)
		return defaultValue
	}
	return value
}

// GetConfigBool parses a boolean from config with default fallback
func (cm *ConfigManager) GetConfigBool(key string, defaultValue bool) bool {
	valueStr := strings.ToLower(cm.GetConfigWithDefault(key, strconv.FormatBool(defaultValue)))

	switch valueStr {
	case "true", "yes", "1", "on", "enabled":
		return true
	case "false", "no", "0", "off", "disabled":
		return false
	default:
		fmt.Printf("Invalid boolean '%s' for key '%s', using default %v\n", valueStr, key, defaultValue)
		return defaultValue
	}
}

// SetConfig sets a configuration value at runtime
func (cm *ConfigManager) SetConfig(key string, value interface{}) {
	cm.configMutex.Lock()
	defer cm.configMutex.Unlock()

	var strValue string
	switch v := value.(type) {
	case string:
		strValue = v
	case bool:
		strValue = strconv.FormatBool(v)
	case int:
		strValue = strconv.Itoa(v)
	case int64:
		strValue = strconv.FormatInt(v, 10)
	case time.Duration:
		strValue = v.String()
	default:
		strValue = fmt.Sprintf("%v", v)
	}

	cm.configs[key] = strValue
}
