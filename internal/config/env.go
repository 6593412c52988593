package config

import (
	"errors"
	"io/fs"
	"os"
	"regexp"
	"strings"

	"github.com/joho/godotenv"
)

// LoadEnv loads a dotenv file into the process environment. A missing file is
// not an error. Existing variables are never overridden.
func LoadEnv(path string) error {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil
	}
	if err := godotenv.Load(path); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return err
	}
	return nil
}

var envRef = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// expandEnv replaces ${NAME} with the variable's value. Unset variables
// expand to "". A bare $ is left alone so passwords survive.
func expandEnv(s string) string {
	if !strings.Contains(s, "${") {
		return s
	}
	return envRef.ReplaceAllStringFunc(s, func(ref string) string {
		return os.Getenv(envRef.FindStringSubmatch(ref)[1])
	})
}

func expandConfig(c *Config) {
	for _, p := range []*string{
		&c.Telegram.Token,
		&c.Telegram.GroupLog,
		&c.Storage.Path,
		&c.Logging.File.Path,
		&c.Providers.Email.APIKey,
		&c.Providers.Email.BaseURL,
		&c.Providers.Email.SenderEmail,
		&c.Providers.Email.SenderName,
		&c.Providers.Email.SMTPHost,
		&c.Providers.Email.SMTPUser,
		&c.Providers.Email.SMTPPassword,
		&c.Providers.SMS.AuthToken,
		&c.Providers.SMS.PhoneNumber,
		&c.Providers.SMS.BaseURL,
		&c.Metrics.Addr,
		&c.UsersFile,
	} {
		*p = strings.TrimSpace(expandEnv(*p))
	}
}
