package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/jwtauth/v5"
	"github.com/ilyakaznacheev/cleanenv"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/tendant/simple-mfa/pkg/challenge"
	"github.com/tendant/simple-mfa/pkg/mfa"
	mfaapi "github.com/tendant/simple-mfa/pkg/mfa/api"
	"github.com/tendant/simple-mfa/pkg/notify"
	"github.com/tendant/simple-mfa/pkg/passkey"
	"github.com/tendant/simple-mfa/pkg/secretvault"
	"github.com/tendant/simple-mfa/pkg/totp"
)

type DbConfig struct {
	Host     string `env:"MFA_PG_HOST" env-default:"localhost"`
	Port     uint16 `env:"MFA_PG_PORT" env-default:"5432"`
	Database string `env:"MFA_PG_DATABASE" env-default:"mfa_db"`
	User     string `env:"MFA_PG_USER" env-default:"mfa"`
	Password string `env:"MFA_PG_PASSWORD" env-default:"pwd"`
}

func (d DbConfig) toConnString() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s",
		d.User, d.Password, d.Host, d.Port, d.Database)
}

type RedisConfig struct {
	Host string `env:"MFA_REDIS_HOST" env-default:""`
	Port uint16 `env:"MFA_REDIS_PORT" env-default:"6379"`
}

type WebauthnConfig struct {
	RPID          string `env:"MFA_RP_ID" env-default:"localhost"`
	RPDisplayName string `env:"MFA_RP_DISPLAY_NAME" env-default:"Simple MFA"`
	RPOrigins     string `env:"MFA_RP_ORIGINS" env-default:"http://localhost:4000"`
}

type SMTPConfig struct {
	Host     string `env:"MFA_SMTP_HOST" env-default:""`
	Port     int    `env:"MFA_SMTP_PORT" env-default:"1025"`
	TLS      bool   `env:"MFA_SMTP_TLS" env-default:"false"`
	Username string `env:"MFA_SMTP_USERNAME" env-default:""`
	Password string `env:"MFA_SMTP_PASSWORD" env-default:""`
	From     string `env:"MFA_SMTP_FROM" env-default:"noreply@example.com"`
}

type Config struct {
	Addr             string        `env:"MFA_ADDR" env-default:":4000"`
	Persistence      string        `env:"MFA_PERSISTENCE" env-default:"inmem"`
	EncryptionKey    string        `env:"MFA_ENCRYPTION_KEY" env-default:"change-me-in-production"`
	JwtSecret        string        `env:"MFA_JWT_SECRET" env-default:"very-secure-jwt-secret"`
	Issuer           string        `env:"MFA_ISSUER" env-default:"simple-mfa"`
	ChallengeTTL     time.Duration `env:"MFA_CHALLENGE_TTL" env-default:"5m"`
	TrustedProviders string        `env:"MFA_TRUSTED_PROVIDERS" env-default:""`
	DbConfig         DbConfig
	RedisConfig      RedisConfig
	WebauthnConfig   WebauthnConfig
	SMTPConfig       SMTPConfig
}

func main() {
	config := Config{}
	cleanenv.ReadEnv(&config)

	vault, err := secretvault.New(config.EncryptionKey)
	if err != nil {
		slog.Error("Failed creating secret vault", "error", err)
		os.Exit(-1)
	}

	var totpRepo totp.TotpRepository
	var credentialRepo passkey.CredentialRepository

	switch config.Persistence {
	case "postgres":
		pool, err := pgxpool.New(context.Background(), config.DbConfig.toConnString())
		if err != nil {
			slog.Error("Failed creating dbpool", "db", config.DbConfig.Database,
				"host", config.DbConfig.Host, "port", config.DbConfig.Port)
			os.Exit(-1)
		}
		totpRepo = totp.NewPostgresTotpRepository(pool)
		credentialRepo = passkey.NewPostgresCredentialRepository(pool)
	case "inmem":
		slog.Warn("Using in-memory persistence, enrollments are lost on restart")
		totpRepo = totp.NewInMemTotpRepository()
		credentialRepo = passkey.NewInMemCredentialRepository()
	default:
		slog.Error("Unknown persistence type", "type", config.Persistence)
		os.Exit(-1)
	}

	storeOptions := challenge.StoreOptions{TTL: config.ChallengeTTL}
	var challenges challenge.Store
	if config.RedisConfig.Host != "" {
		rdb := redis.NewClient(&redis.Options{
			Addr: fmt.Sprintf("%s:%d", config.RedisConfig.Host, config.RedisConfig.Port),
		})
		challenges = challenge.NewRedisStoreWithOptions(rdb, storeOptions)
	} else {
		challenges = challenge.NewInMemStoreWithOptions(storeOptions)
	}

	totpEngine := totp.NewTotpEngine(totpRepo, vault)

	passkeyEngine, err := passkey.NewPasskeyEngine(passkey.Config{
		RPID:          config.WebauthnConfig.RPID,
		RPDisplayName: config.WebauthnConfig.RPDisplayName,
		RPOrigins:     splitAndTrim(config.WebauthnConfig.RPOrigins),
	}, credentialRepo)
	if err != nil {
		slog.Error("Failed creating passkey engine", "error", err)
		os.Exit(-1)
	}

	var notifier notify.Notifier
	if config.SMTPConfig.Host != "" {
		notifier, err = notify.NewEmailNotifier(notify.SMTPConfig{
			Host:     config.SMTPConfig.Host,
			Port:     config.SMTPConfig.Port,
			TLS:      config.SMTPConfig.TLS,
			Username: config.SMTPConfig.Username,
			Password: config.SMTPConfig.Password,
			From:     config.SMTPConfig.From,
		})
		if err != nil {
			slog.Error("Failed creating email notifier", "error", err)
			os.Exit(-1)
		}
	} else {
		notifier = notify.NewNoopNotifier()
	}

	orchestrator := mfa.NewOrchestrator(totpEngine, passkeyEngine, challenges, mfa.Options{
		TrustedProviders: splitAndTrim(config.TrustedProviders),
	})

	handler := mfaapi.NewMfaHandler(orchestrator, totpEngine, passkeyEngine, challenges, notifier, config.Issuer)

	tokenAuth := jwtauth.New("HS256", []byte(config.JwtSecret), nil)

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})

	r.Group(func(r chi.Router) {
		r.Use(jwtauth.Verifier(tokenAuth))
		r.Use(jwtauth.Authenticator(tokenAuth))
		r.Mount("/mfa", mfaapi.Handler(handler))
	})

	slog.Info("Starting MFA server", "addr", config.Addr, "persistence", config.Persistence)
	if err := http.ListenAndServe(config.Addr, r); err != nil {
		slog.Error("Server stopped", "error", err)
		os.Exit(-1)
	}
}

func splitAndTrim(value string) []string {
	var result []string
	for _, part := range strings.Split(value, ",") {
		if part = strings.TrimSpace(part); part != "" {
			result = append(result, part)
		}
	}
	return result
}
