package app

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"cbtexam/internal/db"
	"cbtexam/internal/exam"
	"cbtexam/internal/question"

	"github.com/rs/zerolog/log"
	"github.com/spf13/viper"
)

var ErrInvalidConfig = errors.New("invalid config")

// Config stores runtime configuration loaded from environment variables and
// an optional .env file in the working directory.
type Config struct {
	AppEnv            string
	LogLevel          string
	HTTPAddr          string
	DBDriver          string
	DBDSN             string
	DBMaxOpenConns    int
	DBMaxIdleConns    int
	DBConnMaxLifeMins int

	RedisAddr     string
	RedisPassword string
	RedisDB       int

	QuestionBankDriver string
	MongoURI           string
	MongoDatabase      string

	ExamDate             string
	ExamWindowStart      string
	ExamWindowEnd        string
	ExamDurationSeconds  int
	ExamDistribution     string
	PointsPerQuestion    int
	EscalationThreshold  int
	EscalatingEventKinds string
	SweepIntervalSeconds int

	IdentityJWTSecret    string
	IdentityJWTIssuer    string
	CredentialReleaseAt  string
	CredentialSigningKey string

	RateLimitPerMin int
	CORSOrigins     []string
}

func LoadConfig() Config {
	return loadConfig(viper.New(), ".")
}

func loadConfig(v *viper.Viper, dir string) Config {
	v.SetConfigName(".env")
	v.SetConfigType("env")
	v.AddConfigPath(dir)

	v.SetDefault("APP_ENV", "development")
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("HTTP_ADDR", ":8080")
	v.SetDefault("DB_DRIVER", string(db.DriverPostgres))
	v.SetDefault("DB_DSN", "")
	v.SetDefault("DB_MAX_OPEN_CONNS", 25)
	v.SetDefault("DB_MAX_IDLE_CONNS", 25)
	v.SetDefault("DB_CONN_MAX_LIFETIME_MINUTES", 30)
	v.SetDefault("REDIS_ADDR", "")
	v.SetDefault("REDIS_PASSWORD", "")
	v.SetDefault("REDIS_DB", 0)
	v.SetDefault("QUESTION_BANK_DRIVER", "sql")
	v.SetDefault("MONGO_URI", "mongodb://localhost:27017")
	v.SetDefault("MONGO_DATABASE", "cbtexam")
	v.SetDefault("EXAM_DATE", "")
	v.SetDefault("EXAM_WINDOW_START", "")
	v.SetDefault("EXAM_WINDOW_END", "")
	v.SetDefault("EXAM_DURATION_SECONDS", int(exam.DefaultDuration.Seconds()))
	v.SetDefault("EXAM_DISTRIBUTION", "")
	v.SetDefault("POINTS_PER_QUESTION", exam.DefaultPointsPerQuestion)
	v.SetDefault("ESCALATION_THRESHOLD", exam.DefaultEscalationThreshold)
	v.SetDefault("ESCALATING_EVENT_KINDS", strings.Join(exam.DefaultEscalatingKinds, ","))
	v.SetDefault("SWEEP_INTERVAL_SECONDS", 60)
	v.SetDefault("IDENTITY_JWT_SECRET", "")
	v.SetDefault("IDENTITY_JWT_ISSUER", "")
	v.SetDefault("CREDENTIAL_RELEASE_AT", "")
	v.SetDefault("CREDENTIAL_SIGNING_KEY", "")
	v.SetDefault("RATE_LIMIT_PER_MIN", 60)
	v.SetDefault("CORS_ORIGINS", "*")

	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			log.Warn().Err(err).Msg("error reading config file")
		}
	}

	return Config{
		AppEnv:            v.GetString("APP_ENV"),
		LogLevel:          v.GetString("LOG_LEVEL"),
		HTTPAddr:          v.GetString("HTTP_ADDR"),
		DBDriver:          strings.ToLower(v.GetString("DB_DRIVER")),
		DBDSN:             v.GetString("DB_DSN"),
		DBMaxOpenConns:    positiveOr(v.GetInt("DB_MAX_OPEN_CONNS"), 25),
		DBMaxIdleConns:    positiveOr(v.GetInt("DB_MAX_IDLE_CONNS"), 25),
		DBConnMaxLifeMins: positiveOr(v.GetInt("DB_CONN_MAX_LIFETIME_MINUTES"), 30),

		RedisAddr:     v.GetString("REDIS_ADDR"),
		RedisPassword: v.GetString("REDIS_PASSWORD"),
		RedisDB:       v.GetInt("REDIS_DB"),

		QuestionBankDriver: strings.ToLower(v.GetString("QUESTION_BANK_DRIVER")),
		MongoURI:           v.GetString("MONGO_URI"),
		MongoDatabase:      v.GetString("MONGO_DATABASE"),

		ExamDate:             strings.TrimSpace(v.GetString("EXAM_DATE")),
		ExamWindowStart:      strings.TrimSpace(v.GetString("EXAM_WINDOW_START")),
		ExamWindowEnd:        strings.TrimSpace(v.GetString("EXAM_WINDOW_END")),
		ExamDurationSeconds:  positiveOr(v.GetInt("EXAM_DURATION_SECONDS"), int(exam.DefaultDuration.Seconds())),
		ExamDistribution:     v.GetString("EXAM_DISTRIBUTION"),
		PointsPerQuestion:    positiveOr(v.GetInt("POINTS_PER_QUESTION"), exam.DefaultPointsPerQuestion),
		EscalationThreshold:  positiveOr(v.GetInt("ESCALATION_THRESHOLD"), exam.DefaultEscalationThreshold),
		EscalatingEventKinds: v.GetString("ESCALATING_EVENT_KINDS"),
		SweepIntervalSeconds: positiveOr(v.GetInt("SWEEP_INTERVAL_SECONDS"), 60),

		IdentityJWTSecret:    v.GetString("IDENTITY_JWT_SECRET"),
		IdentityJWTIssuer:    v.GetString("IDENTITY_JWT_ISSUER"),
		CredentialReleaseAt:  strings.TrimSpace(v.GetString("CREDENTIAL_RELEASE_AT")),
		CredentialSigningKey: v.GetString("CREDENTIAL_SIGNING_KEY"),

		RateLimitPerMin: positiveOr(v.GetInt("RATE_LIMIT_PER_MIN"), 60),
		CORSOrigins:     splitList(v.GetString("CORS_ORIGINS")),
	}
}

func (c Config) PoolConfig() db.PoolConfig {
	return db.PoolConfig{
		MaxOpenConns:    c.DBMaxOpenConns,
		MaxIdleConns:    c.DBMaxIdleConns,
		ConnMaxLifetime: time.Duration(c.DBConnMaxLifeMins) * time.Minute,
	}
}

// ExamConfig resolves the exam date and window. Without an explicit window
// the exam runs for the whole UTC day of the exam date.
func (c Config) ExamConfig(now time.Time) (exam.Config, error) {
	examDate := c.ExamDate
	if examDate == "" {
		examDate = now.UTC().Format(time.DateOnly)
	}
	day, err := time.Parse(time.DateOnly, examDate)
	if err != nil {
		return exam.Config{}, fmt.Errorf("%w: EXAM_DATE %q: %v", ErrInvalidConfig, examDate, err)
	}

	start, end := day, day.Add(24*time.Hour)
	if c.ExamWindowStart != "" {
		if start, err = time.Parse(time.RFC3339, c.ExamWindowStart); err != nil {
			return exam.Config{}, fmt.Errorf("%w: EXAM_WINDOW_START: %v", ErrInvalidConfig, err)
		}
	}
	if c.ExamWindowEnd != "" {
		if end, err = time.Parse(time.RFC3339, c.ExamWindowEnd); err != nil {
			return exam.Config{}, fmt.Errorf("%w: EXAM_WINDOW_END: %v", ErrInvalidConfig, err)
		}
	}
	if !end.After(start) {
		return exam.Config{}, fmt.Errorf("%w: exam window end must be after start", ErrInvalidConfig)
	}

	draws, err := question.ParseDistribution(c.ExamDistribution)
	if err != nil {
		return exam.Config{}, fmt.Errorf("%w: EXAM_DISTRIBUTION: %v", ErrInvalidConfig, err)
	}

	return exam.Config{
		WindowStart:         start.UTC(),
		WindowEnd:           end.UTC(),
		ExamDate:            examDate,
		Duration:            time.Duration(c.ExamDurationSeconds) * time.Second,
		Distribution:        draws,
		PointsPerQuestion:   c.PointsPerQuestion,
		EscalationThreshold: c.EscalationThreshold,
		EscalatingKinds:     splitList(c.EscalatingEventKinds),
	}, nil
}

// CredentialFireAt returns the zero time when no release is configured.
func (c Config) CredentialFireAt() (time.Time, error) {
	if c.CredentialReleaseAt == "" {
		return time.Time{}, nil
	}
	at, err := time.Parse(time.RFC3339, c.CredentialReleaseAt)
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: CREDENTIAL_RELEASE_AT: %v", ErrInvalidConfig, err)
	}
	return at.UTC(), nil
}

func positiveOr(v, fallback int) int {
	if v <= 0 {
		return fallback
	}
	return v
}

func splitList(raw string) []string {
	out := make([]string, 0)
	for _, part := range strings.Split(raw, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
