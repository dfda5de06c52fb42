package configpaths

import (
	"errors"
	"os"
	"path/filepath"
	"runtime"
	"strings"
)

// DefaultConfigDir returns the platform-specific configuration directory for usbipd.
func DefaultConfigDir() (string, error) {
	switch runtime.GOOS {
	case "windows":
		if appdata := os.Getenv("AppData"); appdata != "" {
			return filepath.Join(appdata, "usbipd"), nil
		}
		return "", errors.New("AppData not set")
	default:
		if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
			return filepath.Join(xdg, "usbipd"), nil
		}
		if home := os.Getenv("HOME"); home != "" {
			return filepath.Join(home, ".config", "usbipd"), nil
		}
		return "", errors.New("HOME not set")
	}
}

// DefaultConfigPath returns the default config file path for the given format using base name "config".
func DefaultConfigPath(format string) (string, error) {
	return DefaultNamedConfigPath("config", format)
}

// DefaultNamedConfigPath returns the default config file path for the given format and base name (e.g., "server").
func DefaultNamedConfigPath(baseName, format string) (string, error) {
	dir, err := DefaultConfigDir()
	if err != nil {
		return "", err
	}
	ext := "json"
	switch format {
	case "yaml", "yml":
		ext = "yaml"
	case "toml":
		ext = "toml"
	}
	return filepath.Join(dir, baseName+"."+ext), nil
}

// EnsureDir ensures the directory for a given file path exists.
func EnsureDir(filePath string) error {
	dir := filepath.Dir(filePath)
	return os.MkdirAll(dir, 0o755)
}

// searchTier is one directory to probe, with the base names (sans extension)
// to try within it, in priority order.
type searchTier struct {
	dir   string
	bases []string
}

// ConfigCandidatePaths builds candidate paths for config files per format.
// If userPath is provided, it is prioritized and routed to the matching
// loader by extension. Beyond that, every tier below is expanded through the
// same .json/.yaml/.yml/.toml fan-out instead of three copy-pasted search blocks.
func ConfigCandidatePaths(userPath string) (jsonPaths, yamlPaths, tomlPaths []string) {
	byFormat := map[string]*[]string{"json": &jsonPaths, "yaml": &yamlPaths, "toml": &tomlPaths}

	if userPath != "" {
		format := strings.TrimPrefix(filepath.Ext(userPath), ".")
		if format == "yml" {
			format = "yaml"
		}
		target, ok := byFormat[format]
		if !ok {
			target = byFormat["json"]
		}
		*target = append(*target, userPath)
	}

	wd, _ := os.Getwd()
	tiers := []searchTier{{dir: wd, bases: []string{"usbipd", "config"}}}

	if dir, err := DefaultConfigDir(); err == nil {
		tiers = append(tiers, searchTier{dir: dir, bases: []string{"config"}})
	}
	if runtime.GOOS != "windows" {
		tiers = append(tiers, searchTier{dir: "/etc/usbipd", bases: []string{"config"}})
	}

	for _, tier := range tiers {
		for _, base := range tier.bases {
			jsonPaths = append(jsonPaths, filepath.Join(tier.dir, base+".json"))
			yamlPaths = append(yamlPaths, filepath.Join(tier.dir, base+".yaml"), filepath.Join(tier.dir, base+".yml"))
			tomlPaths = append(tomlPaths, filepath.Join(tier.dir, base+".toml"))
		}
	}

	return
}
