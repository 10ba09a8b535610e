package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/confluentinc/confluent-kafka-go/kafka"
	"github.com/confluentinc/confluent-kafka-go/schemaregistry"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"
	tally "github.com/uber-go/tally/v4"

	"github.com/streamhaus/orderflow/codec"
	jsoncodec "github.com/streamhaus/orderflow/codec/json"
	protocodec "github.com/streamhaus/orderflow/codec/proto"
	"github.com/streamhaus/orderflow/config"
	"github.com/streamhaus/orderflow/consumer"
	"github.com/streamhaus/orderflow/dlt"
	"github.com/streamhaus/orderflow/logger"
	zerologger "github.com/streamhaus/orderflow/logger/zerolog"
	tallymetrics "github.com/streamhaus/orderflow/metrics/tally"
	"github.com/streamhaus/orderflow/order"
	"github.com/streamhaus/orderflow/outbox"
	"github.com/streamhaus/orderflow/publisher"
	"github.com/streamhaus/orderflow/retry"
	"github.com/streamhaus/orderflow/storage/pgxv5"
)

var txKey outbox.TxKey = "orderflow.tx"

func main() {
	place := flag.String("place", "", "place a smoke order on startup as <customerId>:<amount>")
	flag.Parse()

	log := newLogger()

	settings, err := config.Load()
	if err != nil {
		log.Error("loading settings", err)
		os.Exit(1)
	}

	scope, scopeCloser := tally.NewRootScope(tally.ScopeOptions{Prefix: "orderflow"}, time.Second)
	defer scopeCloser.Close()
	pipeline := tallymetrics.NewPipeline(scope)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	pool, err := pgxpool.New(ctx, settings.DatabaseURL)
	if err != nil {
		log.Error("connecting to the database", err)
		os.Exit(1)
	}
	defer pool.Close()

	producer, err := newProducer(settings)
	if err != nil {
		log.Error("creating the kafka producer", err)
		os.Exit(1)
	}

	wireCodec, topic, err := newWireCodec(settings)
	if err != nil {
		log.Error("building the wire codec", err)
		os.Exit(1)
	}

	dltPublisher := dlt.New(producer, settings.DltTopic, log, pipeline)
	eventPublisher := publisher.New(producer, wireCodec, topic, settings.SendTimeout, dltPublisher, log, pipeline)
	scheduler := retry.NewScheduler(producer, settings.RetryTopic, settings.MaxAttempts, log, pipeline)

	outboxRepo := pgxv5.NewOutboxRepository(txKey, pool)
	outboxRepo.SetLogger(log)
	payloadCodec := jsoncodec.New()

	dispatcher := outbox.NewDispatcher(outboxRepo, eventPublisher, payloadCodec, outbox.DispatcherConfig{
		PollInterval: settings.PollInterval,
		BatchSize:    settings.BatchSize,
		MaxAttempts:  settings.MaxAttempts,
	}, log, pipeline)

	orderStore := pgxv5.NewOrderStore(txKey)
	orderStore.SetLogger(log)
	writer := order.NewService(orderStore, outboxRepo, pgxv5.NewTxRunner(txKey, pool), payloadCodec, log)

	primary, err := newConsumer(settings, settings.GroupID)
	if err != nil {
		log.Error("creating the primary consumer", err)
		os.Exit(1)
	}
	retryCons, err := newConsumer(settings, settings.RetryGroupID())
	if err != nil {
		log.Error("creating the retry consumer", err)
		os.Exit(1)
	}

	cons := consumer.New(primary, retryCons, scheduler, dltPublisher, payloadCodec, consumer.Config{
		Topic:       settings.OrderTopic,
		RetryTopic:  settings.RetryTopic,
		MaxAttempts: settings.MaxAttempts,
	}, log, pipeline)
	if err := cons.Start(ctx); err != nil {
		log.Error("starting the consumer", err)
		os.Exit(1)
	}

	go dispatcher.Run(ctx)

	if *place != "" {
		placeSmokeOrder(ctx, writer, *place, log)
	}

	<-ctx.Done()
	log.Info("shutting down")

	cons.Close()
	scheduler.Close()
	producer.Flush(5000)
	dltPublisher.Close()
	producer.Close()
}

func newLogger() logger.Logger {
	return &zerologger.Logger{Logger: zerolog.New(zerolog.ConsoleWriter{
		Out:        os.Stdout,
		TimeFormat: time.RFC3339,
	}).
		Level(zerolog.InfoLevel).
		With().
		Timestamp().
		Logger()}
}

func newProducer(s *config.Settings) (*kafka.Producer, error) {
	return kafka.NewProducer(&kafka.ConfigMap{
		"bootstrap.servers":  s.BootstrapServers,
		"linger.ms":          500,
		"compression.type":   "lz4",
		"acks":               -1,
		"enable.idempotence": true,
	})
}

func newConsumer(s *config.Settings, groupID string) (*kafka.Consumer, error) {
	return kafka.NewConsumer(&kafka.ConfigMap{
		"bootstrap.servers":  s.BootstrapServers,
		"group.id":           groupID,
		"auto.offset.reset":  "earliest",
		"enable.auto.commit": false,
	})
}

// newWireCodec selects the codec and matching topic for the configured
// format.
func newWireCodec(s *config.Settings) (codec.Codec, string, error) {
	switch s.Format {
	case codec.FormatProtobuf:
		client, err := schemaregistry.NewClient(schemaregistry.NewConfig(s.SchemaRegistryURL))
		if err != nil {
			return nil, "", fmt.Errorf("could not create the schema registry client: %w", err)
		}
		return protocodec.New(client, s.OrderProtoTopic), s.OrderProtoTopic, nil
	default:
		return jsoncodec.New(), s.OrderTopic, nil
	}
}

func placeSmokeOrder(ctx context.Context, writer *order.Service, spec string, log logger.Logger) {
	customerID, amountStr, found := strings.Cut(spec, ":")
	if !found {
		log.Warn("ignoring malformed -place value, expected <customerId>:<amount>")
		return
	}
	amount, err := strconv.ParseFloat(amountStr, 64)
	if err != nil {
		log.Warn("ignoring malformed -place amount: " + amountStr)
		return
	}
	evt, err := writer.PlaceOrder(ctx, customerID, amount)
	if err != nil {
		log.Error("placing smoke order", err)
		return
	}
	log.Info(fmt.Sprintf("smoke order '%s' queued for delivery", evt.OrderID))
}
