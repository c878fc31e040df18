package config

import (
	"errors"
	"fmt"
	"io/fs"

	"github.com/joho/godotenv"
)

// SaveNetatmoTokens writes refreshed OAuth tokens into the .env file at path,
// keeping any other entries already there.
func SaveNetatmoTokens(path, accessToken, refreshToken string) error {
	env, err := godotenv.Read(path)
	if err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("read %s: %w", path, err)
		}
		env = map[string]string{}
	}
	env["NETATMO_ACCESS_TOKEN"] = accessToken
	if refreshToken != "" {
		env["NETATMO_REFRESH_TOKEN"] = refreshToken
	}
	if err := godotenv.Write(env, path); err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	return nil
}
