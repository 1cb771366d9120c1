package configuration

import (
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"

	"github.com/iota-uz/iota-ingest/pkg/logging"
)

const Production = "production"

const (
	QueueBackendRedis    = "redis"
	QueueBackendPostgres = "postgres"
	QueueBackendMemory   = "memory"

	SinkSheets = "sheets"
	SinkXLSX   = "xlsx"

	StoreMongo  = "mongo"
	StoreMemory = "memory"

	LedgerRedis  = "redis"
	LedgerMemory = "memory"
)

var singleton = sync.OnceValue(func() *Configuration {
	c := &Configuration{}
	if err := c.load([]string{".env", ".env.local"}); err != nil {
		c.Unload()
		panic(err)
	}
	return c
})

func LoadEnv(envFiles []string) (int, error) {
	existing := make([]string, 0, len(envFiles))
	for _, file := range envFiles {
		if st, err := os.Stat(file); err == nil && !st.IsDir() {
			existing = append(existing, file)
		}
	}
	if len(existing) == 0 {
		return 0, nil
	}
	return len(existing), godotenv.Load(existing...)
}

type DatabaseOptions struct {
	Opts     string `env:"-"`
	Name     string `env:"DB_NAME" envDefault:"ingest"`
	Host     string `env:"DB_HOST" envDefault:"localhost"`
	Port     string `env:"DB_PORT" envDefault:"5432"`
	User     string `env:"DB_USER" envDefault:"postgres"`
	Password string `env:"DB_PASSWORD" envDefault:"postgres"`
}

func (d *DatabaseOptions) ConnectionString() string {
	return fmt.Sprintf(
		"host=%s port=%s user=%s dbname=%s password=%s sslmode=disable",
		d.Host, d.Port, d.User, d.Name, d.Password,
	)
}

type MongoOptions struct {
	URI            string        `env:"MONGO_URI" envDefault:"mongodb://localhost:27017/?replicaSet=rs0"`
	Database       string        `env:"MONGO_DB" envDefault:"ingest"`
	ErrorLogs      string        `env:"MONGO_ERROR_LOG_COLLECTION" envDefault:"error_logs"`
	ConnectTimeout time.Duration `env:"MONGO_CONNECT_TIMEOUT" envDefault:"10s"`
}

type RedisOptions struct {
	Addr     string `env:"REDIS_URL" envDefault:"localhost:6379"`
	Password string `env:"REDIS_PASSWORD"`
	DB       int    `env:"REDIS_DB" envDefault:"0"`
	Prefix   string `env:"REDIS_PREFIX" envDefault:"ingest"`
}

type GoogleOptions struct {
	CredentialsFile string `env:"GOOGLE_APPLICATION_CREDENTIALS"`
	TemplateID      string `env:"GOOGLE_TEMPLATE_SPREADSHEET_ID"`
	FolderID        string `env:"GOOGLE_DRIVE_FOLDER_ID"`
	ShareWithAnyone bool   `env:"GOOGLE_SHARE_WITH_ANYONE" envDefault:"true"`

	// WriteRate caps API writes per spreadsheet, e.g. "60-M".
	WriteRate string `env:"GOOGLE_WRITE_RATE" envDefault:"60-M"`
}

type PrometheusOptions struct {
	Enabled bool   `env:"PROMETHEUS_METRICS_ENABLED" envDefault:"false"`
	Path    string `env:"PROMETHEUS_METRICS_PATH" envDefault:"/debug/prometheus"`
}

type QueueOptions struct {
	Backend       string `env:"QUEUE_BACKEND" envDefault:"redis"`
	PostgresTable string `env:"QUEUE_PG_TABLE" envDefault:"public.ingest_jobs"`
	SinkQueue     string `env:"QUEUE_SINK_NAME" envDefault:"sheet_queue"`
	UpsertQueue   string `env:"QUEUE_UPSERT_NAME" envDefault:"mongo_queue"`

	PollInterval    time.Duration `env:"QUEUE_POLL_INTERVAL" envDefault:"1s"`
	BatchSize       int           `env:"QUEUE_BATCH_SIZE" envDefault:"20"`
	LockTTL         time.Duration `env:"QUEUE_LOCK_TTL" envDefault:"5m"`
	MaxAttempts     int           `env:"QUEUE_MAX_ATTEMPTS" envDefault:"3"`
	BackoffDelay    time.Duration `env:"QUEUE_BACKOFF_DELAY" envDefault:"1s"`
	MaxBackoff      time.Duration `env:"QUEUE_MAX_BACKOFF" envDefault:"60s"`
	DispatchTimeout time.Duration `env:"QUEUE_DISPATCH_TIMEOUT" envDefault:"2m"`

	SinkConcurrency   int `env:"QUEUE_SINK_CONCURRENCY" envDefault:"1"`
	UpsertConcurrency int `env:"QUEUE_UPSERT_CONCURRENCY" envDefault:"3"`

	LastErrorMaxBytes int `env:"QUEUE_LAST_ERROR_MAX_BYTES" envDefault:"2048"`

	CleanerEnabled       bool          `env:"QUEUE_CLEANER_ENABLED" envDefault:"true"`
	CleanerInterval      time.Duration `env:"QUEUE_CLEANER_INTERVAL" envDefault:"1m"`
	CleanerRetention     time.Duration `env:"QUEUE_CLEANER_RETENTION" envDefault:"168h"`
	CleanerDeadRetention time.Duration `env:"QUEUE_CLEANER_DEAD_RETENTION" envDefault:"0"`
}

type IngestOptions struct {
	ChunkSize int           `env:"INGEST_CHUNK_SIZE" envDefault:"20"`
	Sink      string        `env:"INGEST_SINK" envDefault:"sheets"`
	Store     string        `env:"INGEST_STORE" envDefault:"mongo"`
	Ledger    string        `env:"INGEST_LEDGER" envDefault:"redis"`
	XLSXDir   string        `env:"INGEST_XLSX_DIR" envDefault:"./output"`
	LedgerTTL time.Duration `env:"INGEST_LEDGER_TTL" envDefault:"168h"`

	// AliasesFile adds header spellings (YAML field: [spellings]).
	AliasesFile string `env:"INGEST_ALIASES_FILE"`
}

type Configuration struct {
	Database   DatabaseOptions
	Mongo      MongoOptions
	Redis      RedisOptions
	Google     GoogleOptions
	Prometheus PrometheusOptions
	Queue      QueueOptions
	Ingest     IngestOptions

	ServerPort       int    `env:"PORT" envDefault:"3300"`
	GoAppEnvironment string `env:"GO_APP_ENV" envDefault:"development"`
	SocketAddress    string `env:"-"`
	LogLevel         string `env:"LOG_LEVEL" envDefault:"error"`
	LogPath          string `env:"LOG_PATH" envDefault:"./logs/ingest.log"`

	logFile *os.File
	logger  *logrus.Logger
}

func (c *Configuration) Logger() *logrus.Logger {
	return c.logger
}

func (c *Configuration) LogrusLogLevel() logrus.Level {
	return logging.ParseLevel(c.LogLevel)
}

func Use() *Configuration {
	return singleton()
}

func (c *Configuration) load(envFiles []string) error {
	n, err := LoadEnv(envFiles)
	if err != nil {
		return err
	}
	if n == 0 {
		wd, _ := os.Getwd()
		log.Println("No .env files found. Tried:")
		for _, file := range envFiles {
			log.Println(filepath.Join(wd, file))
		}
	}
	if err := env.Parse(c); err != nil {
		return err
	}
	if err := c.Validate(); err != nil {
		return err
	}

	f, logger, err := logging.FileLogger(c.LogrusLogLevel(), c.LogPath)
	if err != nil {
		return err
	}
	c.logFile = f
	c.logger = logger

	c.Database.Opts = c.Database.ConnectionString()
	if c.GoAppEnvironment == Production {
		c.SocketAddress = fmt.Sprintf(":%d", c.ServerPort)
	} else {
		c.SocketAddress = fmt.Sprintf("localhost:%d", c.ServerPort)
	}
	return nil
}

func (c *Configuration) Validate() error {
	c.Queue.Backend = strings.ToLower(strings.TrimSpace(c.Queue.Backend))
	switch c.Queue.Backend {
	case QueueBackendRedis, QueueBackendPostgres, QueueBackendMemory:
	default:
		return fmt.Errorf("invalid QUEUE_BACKEND=%q (expected redis|postgres|memory)", c.Queue.Backend)
	}

	c.Ingest.Sink = strings.ToLower(strings.TrimSpace(c.Ingest.Sink))
	switch c.Ingest.Sink {
	case SinkSheets, SinkXLSX:
	default:
		return fmt.Errorf("invalid INGEST_SINK=%q (expected sheets|xlsx)", c.Ingest.Sink)
	}

	c.Ingest.Store = strings.ToLower(strings.TrimSpace(c.Ingest.Store))
	switch c.Ingest.Store {
	case StoreMongo, StoreMemory:
	default:
		return fmt.Errorf("invalid INGEST_STORE=%q (expected mongo|memory)", c.Ingest.Store)
	}

	c.Ingest.Ledger = strings.ToLower(strings.TrimSpace(c.Ingest.Ledger))
	switch c.Ingest.Ledger {
	case LedgerRedis, LedgerMemory:
	default:
		return fmt.Errorf("invalid INGEST_LEDGER=%q (expected redis|memory)", c.Ingest.Ledger)
	}

	if c.Ingest.ChunkSize < 1 {
		return fmt.Errorf("INGEST_CHUNK_SIZE must be positive, got %d", c.Ingest.ChunkSize)
	}
	if c.Queue.SinkConcurrency < 1 || c.Queue.UpsertConcurrency < 1 {
		return fmt.Errorf("queue concurrency must be positive (sink=%d upsert=%d)", c.Queue.SinkConcurrency, c.Queue.UpsertConcurrency)
	}
	if c.Queue.MaxAttempts < 1 {
		return fmt.Errorf("QUEUE_MAX_ATTEMPTS must be positive, got %d", c.Queue.MaxAttempts)
	}
	if c.Ingest.Sink == SinkSheets && c.GoAppEnvironment == Production && c.Google.CredentialsFile == "" {
		return fmt.Errorf("GOOGLE_APPLICATION_CREDENTIALS is required for the sheets sink in production")
	}
	return nil
}

// Unload handles a graceful shutdown.
func (c *Configuration) Unload() {
	if c.logFile != nil {
		if err := c.logFile.Close(); err != nil {
			log.Printf("Failed to close log file: %v", err)
		}
	}
}
