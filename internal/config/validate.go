package config

import (
	"errors"
	"fmt"
	"io/fs"
	"reflect"
	"strings"

	"github.com/caarlos0/env/v11"
	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
)

// validate reports fields by their file key rather than the Go name.
var validate = func() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
		switch name {
		case "-":
			return ""
		case "":
			return f.Name
		}
		return name
	})
	return v
}()

// Validate checks struct tags and the cross-section rules that depend on
// which secrets are present.
func Validate(cfg *Config) error {
	if cfg == nil {
		return errors.New("config is nil")
	}
	var errs []error
	if err := validate.Struct(cfg); err != nil {
		var verrs validator.ValidationErrors
		if !errors.As(err, &verrs) {
			return err
		}
		for _, fe := range verrs {
			errs = append(errs, fieldError(fe))
		}
	}

	s := cfg.Secrets
	switch cfg.Chat.Transport {
	case "irc":
		if s.IRCToken == "" {
			errs = append(errs, errors.New("chat.transport=irc requires TWITCH_IRC_TOKEN"))
		}
	case "gql":
		if s.GQLToken == "" || s.GQLClientID == "" {
			errs = append(errs, errors.New("chat.transport=gql requires TWITCH_GQL_TOKEN and TWITCH_GQL_CLIENT_ID"))
		}
	}
	if cfg.PubSub.Enabled && s.HermesToken == "" {
		errs = append(errs, errors.New("pubsub.enabled requires TWITCH_HERMES_TOKEN"))
	}
	if cfg.Storage.Driver != "none" && (s.HelixToken == "" || s.HelixClientID == "") {
		errs = append(errs, errors.New("storage.driver="+cfg.Storage.Driver+" requires TWITCH_HELIX_TOKEN and TWITCH_HELIX_CLIENT_ID"))
	}
	if cfg.Storage.Driver == "postgres" && s.DatabaseURL == "" {
		errs = append(errs, errors.New("storage.driver=postgres requires DATABASE_URL"))
	}
	if cfg.Cache.Driver == "redis" && s.RedisURL == "" {
		errs = append(errs, errors.New("cache.driver=redis requires REDIS_URL"))
	}
	return errors.Join(errs...)
}

// fieldError renders "Config.pubsub.max_connections" as "pubsub.max_connections".
func fieldError(fe validator.FieldError) error {
	path := fe.Namespace()
	if _, rest, ok := strings.Cut(path, "."); ok {
		path = rest
	}
	if fe.Param() != "" {
		return fmt.Errorf("%s: failed %s=%s", path, fe.Tag(), fe.Param())
	}
	return fmt.Errorf("%s: failed %s", path, fe.Tag())
}

// LoadSecrets parses the environment, first loading EnvFile when it exists.
// Variables already set in the environment win over the file.
func LoadSecrets() (Secrets, error) {
	var s Secrets
	if err := env.Parse(&s); err != nil {
		return Secrets{}, fmt.Errorf("secrets: %w", err)
	}
	if s.EnvFile == "" {
		return s, nil
	}
	if err := godotenv.Load(s.EnvFile); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return s, nil
		}
		return Secrets{}, fmt.Errorf("secrets: load %s: %w", s.EnvFile, err)
	}
	if err := env.Parse(&s); err != nil {
		return Secrets{}, fmt.Errorf("secrets: %w", err)
	}
	return s, nil
}
