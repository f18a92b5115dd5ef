package config

import (
	"os"
	"path/filepath"
	"strings"
)

// readSecret читает секрет из файла Docker Secrets, при отсутствии файла
// берет значение из переменной окружения. Пустая строка - секрет не задан.
func readSecret(dir, name, envKey string) string {
	if dir != "" {
		data, err := os.ReadFile(filepath.Join(dir, name))
		if err == nil {
			if secret := strings.TrimSpace(string(data)); secret != "" {
				return secret
			}
		}
	}
	return strings.TrimSpace(os.Getenv(envKey))
}
