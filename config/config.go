package config

import (
	"os"
	"path/filepath"

	"github.com/ilyakaznacheev/cleanenv"
)

type Path string

func (p Path) Join(elem ...string) Path {
	parts := append([]string{string(p)}, elem...)
	return Path(filepath.Join(parts...))
}

func (p Path) ToString() string {
	return string(p)
}

// Load reads configuration from the given file (toml) and then from the
// environment. Missing file falls back to environment-only loading so the
// coordinator can run from env vars alone (containers, systemd).
func Load(path Path, cfg any) error {
	if _, err := os.Stat(path.ToString()); err != nil {
		return cleanenv.ReadEnv(cfg)
	}
	return cleanenv.ReadConfig(path.ToString(), cfg)
}
