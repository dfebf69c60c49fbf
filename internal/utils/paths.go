package utils

import (
	"os"
	"path/filepath"
	"runtime"
)

const DefaultAppName = "inbox-node"

type AppPaths struct {
	AppDir    string
	ConfigDir string
	LogDir    string
	DataDir   string
}

// GetAppPaths resolves the per-OS application directories and makes sure they exist.
// INBOX_NODE_HOME pins every directory under a single root (used by tests and portable installs).
func GetAppPaths(appName string) *AppPaths {
	if appName == "" {
		appName = DefaultAppName
	}

	if root := os.Getenv("INBOX_NODE_HOME"); root != "" {
		paths := &AppPaths{
			AppDir:    root,
			ConfigDir: root,
			LogDir:    filepath.Join(root, "logs"),
			DataDir:   filepath.Join(root, "data"),
		}
		return paths.ensure()
	}

	homeDir, err := os.UserHomeDir()
	if err != nil {
		if homeDir, err = os.Getwd(); err != nil {
			homeDir = "."
		}
	}

	paths := &AppPaths{}

	switch runtime.GOOS {
	case "windows":
		appData := os.Getenv("APPDATA")
		if appData == "" {
			appData = filepath.Join(homeDir, "AppData", "Roaming")
		}
		paths.AppDir = filepath.Join(appData, appName)
		paths.ConfigDir = paths.AppDir
		paths.LogDir = paths.AppDir
		paths.DataDir = paths.AppDir

	case "darwin":
		paths.AppDir = filepath.Join(homeDir, "Library", "Application Support", appName)
		paths.ConfigDir = paths.AppDir
		paths.LogDir = filepath.Join(homeDir, "Library", "Logs", appName)
		paths.DataDir = paths.AppDir

	case "linux":
		// XDG Base Directory Specification
		configHome := os.Getenv("XDG_CONFIG_HOME")
		if configHome == "" {
			configHome = filepath.Join(homeDir, ".config")
		}
		dataHome := os.Getenv("XDG_DATA_HOME")
		if dataHome == "" {
			dataHome = filepath.Join(homeDir, ".local", "share")
		}
		cacheHome := os.Getenv("XDG_CACHE_HOME")
		if cacheHome == "" {
			cacheHome = filepath.Join(homeDir, ".cache")
		}

		paths.AppDir = filepath.Join(dataHome, appName)
		paths.ConfigDir = filepath.Join(configHome, appName)
		paths.LogDir = filepath.Join(cacheHome, appName, "logs")
		paths.DataDir = filepath.Join(dataHome, appName)

	default:
		paths.AppDir = filepath.Join(homeDir, "."+appName)
		paths.ConfigDir = paths.AppDir
		paths.LogDir = paths.AppDir
		paths.DataDir = paths.AppDir
	}

	return paths.ensure()
}

func (ap *AppPaths) ensure() *AppPaths {
	for _, dir := range []string{ap.AppDir, ap.ConfigDir, ap.LogDir, ap.DataDir} {
		if err := os.MkdirAll(dir, 0755); err != nil {
			// Fall back to the working directory if we can't create the directory
			ap.AppDir, ap.ConfigDir, ap.LogDir, ap.DataDir = ".", ".", ".", "."
			break
		}
	}
	return ap
}

// GetConfigPath returns the path to a config file
func (ap *AppPaths) GetConfigPath(filename string) string {
	return filepath.Join(ap.ConfigDir, filename)
}

// GetDataPath returns the path to a data file
func (ap *AppPaths) GetDataPath(filename string) string {
	return filepath.Join(ap.DataDir, filename)
}

// NamespaceDir returns the directory holding one storage namespace's database files.
func (ap *AppPaths) NamespaceDir() string {
	return filepath.Join(ap.DataDir, "inboxes")
}
