package server

import (
	"context"
	"fmt"
	"strings"

	"github.com/usersapi/apiserver/config"
	"github.com/usersapi/apiserver/internal/db"
	"github.com/usersapi/apiserver/internal/logging"
	"github.com/usersapi/apiserver/internal/mail"
	"github.com/usersapi/apiserver/internal/mq"
	"github.com/usersapi/apiserver/internal/services"
	"github.com/usersapi/apiserver/internal/storage"
	"github.com/usersapi/apiserver/internal/store"
)

type closer func() error

// newAccountRepository selects the credential store backend.
func newAccountRepository(ctx context.Context, cfg config.Config) (services.AccountRepository, closer, error) {
	switch strings.ToLower(cfg.StoreBackend) {
	case "memory":
		return store.NewMemoryAccountRepository(), nil, nil
	case "", "postgres":
		dbConn, err := db.Open(ctx, cfg.Database)
		if err != nil {
			return nil, nil, fmt.Errorf("open database: %w", err)
		}
		return store.NewAccountRepository(dbConn), dbConn.Close, nil
	default:
		return nil, nil, fmt.Errorf("unknown store backend %q", cfg.StoreBackend)
	}
}

// OpenQueue connects to the broker named by transport ("rabbitmq" or
// "pubsub").
func OpenQueue(ctx context.Context, transport string, cfg config.Config) (*mq.MQ, error) {
	switch strings.ToLower(transport) {
	case "rabbitmq":
		client, err := mq.NewRabbitMQClient(cfg.RabbitMQ)
		if err != nil {
			return nil, fmt.Errorf("connect rabbitmq: %w", err)
		}
		return mq.New(client), nil
	case "pubsub":
		client, err := mq.NewPubSubClient(ctx, cfg.PubSub)
		if err != nil {
			return nil, fmt.Errorf("connect pubsub: %w", err)
		}
		return mq.New(client), nil
	default:
		return nil, fmt.Errorf("unknown queue transport %q", transport)
	}
}

// NewDeliveryMailer returns a mailer that delivers directly ("smtp" or
// "log"), as opposed to enqueueing.
func NewDeliveryMailer(transport string, cfg config.MailConfig, log logging.Logger) (mail.Mailer, error) {
	switch strings.ToLower(transport) {
	case "", "log":
		return mail.NewLogMailer(log), nil
	case "smtp":
		mailer, err := mail.NewSMTPMailer(cfg)
		if err != nil {
			return nil, fmt.Errorf("smtp mailer: %w", err)
		}
		return mailer, nil
	default:
		return nil, fmt.Errorf("unknown delivery transport %q", transport)
	}
}

// newMailer builds the mailer used by the API process.
func newMailer(ctx context.Context, cfg config.Config, log logging.Logger) (mail.Mailer, closer, error) {
	switch transport := strings.ToLower(cfg.Mail.Transport); transport {
	case "rabbitmq", "pubsub":
		queue, err := OpenQueue(ctx, transport, cfg)
		if err != nil {
			return nil, nil, err
		}
		return mail.NewQueueMailer(queue, cfg.Mail.Queue), queue.Close, nil
	default:
		mailer, err := NewDeliveryMailer(transport, cfg.Mail, log)
		return mailer, nil, err
	}
}

// newAvatarStorage selects the object storage backend for avatars and makes
// sure its bucket exists.
func newAvatarStorage(ctx context.Context, cfg config.AvatarConfig) (*storage.Storage, closer, error) {
	var (
		backend  storage.ObjectStorage
		closeGCS closer
	)
	switch strings.ToLower(cfg.Storage) {
	case "", "local":
		client, err := storage.NewLocalClient(cfg.LocalDir)
		if err != nil {
			return nil, nil, err
		}
		backend = client
	case "minio":
		client, err := storage.NewMinioClient(cfg.Minio)
		if err != nil {
			return nil, nil, fmt.Errorf("minio client: %w", err)
		}
		backend = client
	case "gcs":
		client, err := storage.NewGCSClient(ctx, cfg.GCS)
		if err != nil {
			return nil, nil, fmt.Errorf("gcs client: %w", err)
		}
		backend, closeGCS = client, client.Close
	default:
		return nil, nil, fmt.Errorf("unknown avatar storage %q", cfg.Storage)
	}

	avatars := storage.NewStorage(backend, cfg.PublicURL)
	if err := avatars.EnsureBucket(ctx); err != nil {
		if closeGCS != nil {
			_ = closeGCS()
		}
		return nil, nil, fmt.Errorf("ensure avatar bucket: %w", err)
	}
	return avatars, closeGCS, nil
}
