package infrastructure

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/krobus00/market-bridge/internal/config"
	_ "github.com/lib/pq"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
)

const (
	defaultConnectTimeout = 5 * time.Second
	defaultMinJitter      = 100 * time.Millisecond
	defaultMaxJitter      = 1 * time.Second
	defaultMaxIdleConns   = 5
	defaultMaxOpenConns   = 10
	defaultConnLifetime   = 1 * time.Hour
)

var databaseUp = prometheus.NewGaugeVec(
	prometheus.GaugeOpts{
		Name: "bridge_database_up",
		Help: "1 when the last ping of the database succeeded",
	},
	[]string{"database"},
)

func init() {
	prometheus.MustRegister(databaseUp)
}

type poolSettings struct {
	maxIdle     int
	maxOpen     int
	maxLifetime time.Duration
	maxIdleTime time.Duration
}

// The journal and history writer are the only users, so the pool stays small.
func newPoolSettings(cfg config.DatabaseConfig) poolSettings {
	p := poolSettings{
		maxIdle:     cfg.MaxIdleConns,
		maxOpen:     cfg.MaxActiveConns,
		maxLifetime: cfg.MaxConnLifetime,
		maxIdleTime: cfg.PingInterval,
	}
	if p.maxIdle <= 0 {
		p.maxIdle = defaultMaxIdleConns
	}
	if p.maxOpen <= 0 {
		p.maxOpen = defaultMaxOpenConns
	}
	if p.maxIdle > p.maxOpen {
		p.maxIdle = p.maxOpen
	}
	if p.maxLifetime <= 0 {
		p.maxLifetime = defaultConnLifetime
	}
	return p
}

func (p poolSettings) apply(db *sqlx.DB) {
	db.SetMaxIdleConns(p.maxIdle)
	db.SetMaxOpenConns(p.maxOpen)
	db.SetConnMaxLifetime(p.maxLifetime)
	if p.maxIdleTime > 0 {
		db.SetConnMaxIdleTime(p.maxIdleTime)
	}
}

// NewPostgresConnection connects with jittered retries until cfg.MaxRetry is
// exhausted or ctx ends.
func NewPostgresConnection(ctx context.Context, cfg config.DatabaseConfig) (*sqlx.DB, error) {
	if strings.TrimSpace(cfg.DSN) == "" {
		return nil, errors.New("database dsn is required")
	}

	connectTimeout := cfg.PingInterval
	if connectTimeout <= 0 || connectTimeout > defaultConnectTimeout {
		connectTimeout = defaultConnectTimeout
	}

	maxRetry := max(cfg.MaxRetry, 0)
	backoff := newJitterBackoff(cfg.ReconnectFactor, cfg.MinJitter, cfg.MaxJitter, defaultMinJitter, defaultMaxJitter)
	pool := newPoolSettings(cfg)
	rng := rand.New(rand.NewSource(time.Now().UnixNano()))
	log := logrus.WithFields(logrus.Fields{
		"component":    "postgres",
		"postgres_dsn": maskDSN(cfg.DSN),
	})

	var lastErr error
	for attempt := 0; attempt <= maxRetry; attempt++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		attemptCtx, cancel := context.WithTimeout(ctx, connectTimeout)
		db, err := sqlx.ConnectContext(attemptCtx, "postgres", cfg.DSN)
		cancel()
		if err == nil {
			pool.apply(db)
			log.WithFields(logrus.Fields{
				"attempt":          attempt + 1,
				"max_idle_conns":   pool.maxIdle,
				"max_active_conns": pool.maxOpen,
			}).Info("postgres connection established")
			return db, nil
		}

		lastErr = err
		if attempt == maxRetry {
			break
		}

		wait := backoff.delay(attempt, rng)
		log.WithFields(logrus.Fields{
			"attempt":  attempt + 1,
			"retry_in": wait.String(),
		}).Warnf("postgres connection failed: %v", err)

		select {
		case <-time.After(wait):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	return nil, fmt.Errorf("connect postgres after %d attempts: %w", maxRetry+1, lastErr)
}

// StartPostgresHealthCheck pings db every interval until ctx ends and
// exports the result as bridge_database_up.
func StartPostgresHealthCheck(ctx context.Context, name string, db *sqlx.DB, interval time.Duration) {
	if db == nil || interval <= 0 {
		return
	}

	up := databaseUp.WithLabelValues(name)
	up.Set(1)
	log := logrus.WithFields(logrus.Fields{"component": "postgres", "database": name})

	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		healthy := true
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				pingCtx, cancel := context.WithTimeout(ctx, interval)
				err := db.PingContext(pingCtx)
				cancel()

				switch {
				case err != nil && healthy:
					log.Errorf("postgres health check failed: %v", err)
					up.Set(0)
				case err == nil && !healthy:
					log.Info("postgres reachable again")
					up.Set(1)
				}
				healthy = err == nil
			}
		}
	}()
}

func maskDSN(dsn string) string {
	idx := strings.LastIndex(dsn, "@")
	if idx == -1 {
		return dsn
	}

	scheme := strings.Index(dsn[:idx], "://")
	if scheme == -1 {
		return "***" + dsn[idx:]
	}

	return dsn[:scheme+3] + "***" + dsn[idx:]
}
