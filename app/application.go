package app

import (
	"context"
	"crypto/tls"
	"log/slog"
	"net/http"

	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/sweater-ventures/relay/config"
	"github.com/sweater-ventures/relay/db"
)

// TaskClaimer is the claim step of the delivery worker, satisfied by
// *db.Store. Split out so worker tests can stub it.
type TaskClaimer interface {
	ClaimTask(ctx context.Context, id pgtype.UUID) (db.ClaimedTask, bool, error)
}

type Application struct {
	Config        config.AppConfig
	DB            db.Querier
	Claimer       TaskClaimer
	Redis         *redis.Client
	Cache         *SubscriptionCache
	Queue         *DeliveryQueue
	TargetLimiter *TargetLimiter
	HTTPClient    *http.Client
	dbconn        *pgxpool.Pool
	stopWorkers   func()
}

func NewApp(config *config.AppConfig) (*Application, error) {
	conn, err := connectToDB(config)
	if err != nil {
		slog.Error("Failed to connect to database", "error", err)
		return nil, err
	}
	store := db.NewStore(conn)

	rdb := connectToRedis(config)

	return &Application{
		Config:        *config,
		DB:            store.Queries,
		Claimer:       store,
		Redis:         rdb,
		Cache:         NewSubscriptionCache(store.Queries, rdb, config),
		Queue:         NewDeliveryQueue(rdb, config.DeliveryQueue),
		TargetLimiter: NewTargetLimiter(rdb, config.TargetURLRateLimit),
		HTTPClient:    newWebhookClient(config),
		dbconn:        conn,
		stopWorkers:   func() {},
	}, nil
}

func (relay *Application) SetStopWorkers(fn func()) {
	relay.stopWorkers = fn
}

func (relay *Application) StopWorkers() {
	relay.stopWorkers()
}

// newWebhookClient builds the outbound client used for all delivery
// attempts. Certificate verification can be disabled for dev targets with
// self-signed certs.
func newWebhookClient(config *config.AppConfig) *http.Client {
	transport := http.DefaultTransport.(*http.Transport).Clone()
	if !config.VerifySSLCertificates {
		transport.TLSClientConfig = &tls.Config{InsecureSkipVerify: true}
	}
	return &http.Client{
		Timeout:   config.WebhookTimeout(),
		Transport: transport,
	}
}
