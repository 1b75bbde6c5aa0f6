// Package config loads the server's YAML configuration file: a plain
// struct decoded with gopkg.in/yaml.v3, with defaults applied for anything
// the file omits.
package config

import (
	"os"
	"time"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

// Config holds every server tunable.
type Config struct {
	ListenAddr string `yaml:"listen_addr"`

	WorldX int `yaml:"world_x"`
	WorldY int `yaml:"world_y"`
	WorldZ int `yaml:"world_z"`

	WorldFile    string `yaml:"world_file"`
	WorldTmpFile string `yaml:"world_tmp_file"`
	UsersFile    string `yaml:"users_file"`

	ServerName string `yaml:"server_name"`
	MOTD       string `yaml:"motd"`

	Admins []string `yaml:"admins"`

	AutoSaveInterval   time.Duration `yaml:"-"`
	AntiGriefPerSecond int           `yaml:"anti_grief_per_second"`
	MoveSpamPer30Sec   int           `yaml:"move_spam_per_30_sec"`
	CompactionChunk    int64         `yaml:"compaction_chunk"`
}

// UnmarshalYAML decodes the file through a shadow struct so
// auto_save_interval can be written as a duration string ("5m", "300s")
// rather than a raw nanosecond count.
func (c *Config) UnmarshalYAML(value *yaml.Node) error {
	type shadow Config
	aux := struct {
		shadow      `yaml:",inline"`
		AutoSaveStr string `yaml:"auto_save_interval"`
	}{shadow: shadow(*c)}

	if err := value.Decode(&aux); err != nil {
		return err
	}
	*c = Config(aux.shadow)
	if aux.AutoSaveStr != "" {
		d, err := time.ParseDuration(aux.AutoSaveStr)
		if err != nil {
			return errors.Wrapf(err, "auto_save_interval %q", aux.AutoSaveStr)
		}
		c.AutoSaveInterval = d
	}
	return nil
}

// Default returns the configuration used when no file is present and no
// flags override it.
func Default() Config {
	return Config{
		ListenAddr:         ":25565",
		WorldX:             128,
		WorldY:             64,
		WorldZ:             128,
		WorldFile:          "world.rle",
		WorldTmpFile:       "world.rle.tmp",
		UsersFile:          "users.json",
		ServerName:         "RLE Server",
		MOTD:               "Direct-Stream",
		Admins:             nil,
		AutoSaveInterval:   300 * time.Second,
		AntiGriefPerSecond: 45,
		MoveSpamPer30Sec:   660,
		CompactionChunk:    50_000_000,
	}
}

// Load reads and decodes path over the defaults. A missing file is not an
// error; the caller just gets Default() back untouched.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return cfg, errors.Wrapf(err, "opening config %s", path)
	}
	defer f.Close()

	dec := yaml.NewDecoder(f)
	if err := dec.Decode(&cfg); err != nil {
		return cfg, errors.Wrapf(err, "decoding config %s", path)
	}
	return cfg, nil
}

// IsAdmin reports whether name (case-sensitive, matching the static admin
// list convention) is configured as an administrator.
func (c Config) IsAdmin(name string) bool {
	for _, a := range c.Admins {
		if a == name {
			return true
		}
	}
	return false
}
