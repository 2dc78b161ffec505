package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
	"github.com/spf13/viper"

	"github.com/lettermill/lettermill"
	"github.com/lettermill/lettermill/bolt"
	"github.com/lettermill/lettermill/delivery"
	"github.com/lettermill/lettermill/http"
	"github.com/lettermill/lettermill/rabbitmq"
	"github.com/lettermill/lettermill/smtp"
	"github.com/lettermill/lettermill/sqlite"
)

func main() {
	viper.SetConfigName("config")
	viper.AddConfigPath(".")
	viper.AddConfigPath("./config")
	viper.AutomaticEnv()
	if err := viper.ReadInConfig(); err != nil {
		log.Fatal(err)
	}

	viper.SetDefault("http.addr", ":8080")
	viper.SetDefault("db.type", "sqlite")

	var config *lettermill.Config
	if err := viper.Unmarshal(&config); err != nil {
		log.Fatal(err)
	}
	if err := config.Validate(); err != nil {
		log.Fatalf("invalid configuration: %v", err)
	}

	if err := sentry.Init(sentry.ClientOptions{
		Dsn: config.Sentry.DSN,
	}); err != nil {
		log.Fatalf("sentry.Init: %v", err)
	}
	defer sentry.Flush(2 * time.Second)

	a := newApp(config)

	ctx, cancel := context.WithCancel(context.Background())
	c := make(chan os.Signal, 1)
	signal.Notify(c, os.Interrupt)
	go func() {
		<-c
		cancel()
	}()

	if err := a.Run(ctx); err != nil {
		_ = a.Close()
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	<-ctx.Done()

	if err := a.Close(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

type app struct {
	config     *lettermill.Config
	db         lettermill.Database
	httpServer *http.Server
	queue      *rabbitmq.QueueService
	cron       *cron.Cron
	logger     zerolog.Logger
}

func newApp(config *lettermill.Config) *app {
	httpServer, err := http.NewServer()
	if err != nil {
		log.Fatalf("%+v\n", err)
	}
	return &app{
		config:     config,
		httpServer: httpServer,
		logger:     zerolog.New(os.Stdout).With().Timestamp().Logger(),
	}
}

func (a *app) Run(ctx context.Context) error {
	var (
		subscriptions lettermill.SubscriptionService
		tokens        lettermill.TokenService
		issues        lettermill.IssueService
	)

	tokenCfg := a.config.Newsletter.Token
	switch a.config.DB.Type {
	case "bolt":
		db := bolt.NewDB(a.config.DB.Path)
		if err := db.Open(); err != nil {
			return err
		}
		a.db = db
		subscriptions = bolt.NewSubscriptionService(db)
		tokens = bolt.NewTokenService(db, tokenCfg.Secret, tokenCfg.TTL)
		issues = bolt.NewIssueService(db)
	default:
		db := sqlite.NewDB(a.config.DB.Path)
		if err := db.Open(); err != nil {
			return err
		}
		a.db = db
		subscriptions = sqlite.NewSubscriptionService(db)
		tokens = sqlite.NewTokenService(db, tokenCfg.Secret, tokenCfg.TTL)
		issues = sqlite.NewIssueService(db)
	}

	a.httpServer.Addr = a.config.HTTP.Addr
	a.httpServer.Domain = a.config.HTTP.Domain

	if err := a.httpServer.Open(); err != nil {
		return err
	}

	newsletter := smtp.NewNewsletterService(a.config, a.httpServer.URL())
	dispatcher := delivery.NewDispatcher(subscriptions, issues, newsletter, a.config.Newsletter.Workers, a.logger)

	a.httpServer.SubscriptionService = subscriptions
	a.httpServer.TokenService = tokens
	a.httpServer.IssueService = issues
	a.httpServer.NewsletterService = newsletter
	a.httpServer.Publisher = dispatcher
	a.httpServer.AdminUsername = a.config.Newsletter.Admin.Username
	a.httpServer.AdminPasswordHash = a.config.Newsletter.Admin.PasswordHash

	if a.config.AMQP.URL != "" {
		queue, err := rabbitmq.NewQueueService(a.config.AMQP.URL)
		if err != nil {
			return err
		}
		a.queue = queue
		go func() {
			if err := dispatcher.ListenQueue(ctx, queue, a.config.AMQP.Topic); err != nil {
				a.logger.Error().Err(err).Msg("queue listener stopped")
				sentry.CaptureException(err)
			}
		}()
	}

	if spec := a.config.Newsletter.Cron.Spec; spec != "" {
		a.cron = cron.New()
		if _, err := a.cron.AddFunc(spec, func() {
			if err := dispatcher.Resume(ctx); err != nil {
				a.logger.Error().Err(err).Msg("resume sweep failed")
				sentry.CaptureException(err)
			}
		}); err != nil {
			return err
		}
		a.cron.Start()
	}

	return nil
}

func (a *app) Close() error {
	if a.cron != nil {
		<-a.cron.Stop().Done()
	}

	if a.queue != nil {
		if err := a.queue.Close(); err != nil {
			return err
		}
	}

	if a.httpServer != nil {
		if a.httpServer.NewsletterService != nil {
			if err := a.httpServer.NewsletterService.Stop(); err != nil {
				return err
			}
		}

		if err := a.httpServer.Close(); err != nil {
			return err
		}
	}

	if a.db != nil {
		if err := a.db.Close(); err != nil {
			return err
		}
	}

	return nil
}
