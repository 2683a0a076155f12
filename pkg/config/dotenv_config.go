package config

import (
	"os"

	"github.com/apex/log"
	"github.com/mitchellh/go-homedir"
	"github.com/subosito/gotenv"
)

// DotenvConfig reads keys from the environment after loading a dotenv file into it.
type DotenvConfig struct {
	typedKeys
	DotenvPath string
}

func NewDotenvConfig(path string) *DotenvConfig {
	return &DotenvConfig{
		typedKeys:  typedKeys{lookup: os.Getenv},
		DotenvPath: path,
	}
}

func (c *DotenvConfig) LoadFromPath(path string) error {
	c.DotenvPath = path
	return c.Load()
}

// Load loads the dotenv file. Values already present in the environment win over the file.
func (c *DotenvConfig) Load() error {
	path, err := homedir.Expand(c.DotenvPath)
	if err != nil {
		return err
	}

	return gotenv.Load(path)
}

func (c *DotenvConfig) GetKey(key string) string {
	return os.Getenv(key)
}

// MustLoadDotenv loads the dotenv file at path and exits the process when it can't.
func MustLoadDotenv(path string) *DotenvConfig {
	if path == "" {
		log.Fatalf("No dotenv path given, set DIODE_DOTENV_PATH or pass --dotenv")
	}

	c := NewDotenvConfig(path)
	if err := c.Load(); err != nil {
		log.Fatalf("Failed loading configuration file %s: %s", path, err)
	}

	return c
}
