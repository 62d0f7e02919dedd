package config

import (
	"errors"

	"github.com/joho/godotenv"
	"github.com/knadh/koanf/maps"
)

// dotenvProvider is a koanf.Provider that reads KEY=value pairs from a
// dotenv file and maps keys the same way the environment provider does.
type dotenvProvider struct {
	path string
	cb   func(key, value string) (string, interface{})
}

func newDotenvProvider(path string, cb func(key, value string) (string, interface{})) *dotenvProvider {
	return &dotenvProvider{path: path, cb: cb}
}

// ReadBytes is not supported; the file is parsed by godotenv.
func (p *dotenvProvider) ReadBytes() ([]byte, error) {
	return nil, errors.New("dotenv provider does not support this method")
}

// Read parses the file and returns a nested config map.
func (p *dotenvProvider) Read() (map[string]interface{}, error) {
	vals, err := godotenv.Read(p.path)
	if err != nil {
		return nil, err
	}

	mp := make(map[string]interface{}, len(vals))
	for k, v := range vals {
		key, value := p.cb(k, v)
		if key == "" {
			continue
		}
		mp[key] = value
	}

	return maps.Unflatten(mp, "."), nil
}
