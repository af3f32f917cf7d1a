package bootstrap

import (
	"context"
	"fmt"

	libLog "github.com/LerianStudio/workflow-relay/relay/log"
	"github.com/LerianStudio/workflow-relay/relay/outbox"
	rabbitTransport "github.com/LerianStudio/workflow-relay/relay/outbox/transport/rabbitmq"
	redisTransport "github.com/LerianStudio/workflow-relay/relay/outbox/transport/redis"
	libRabbitMQ "github.com/LerianStudio/workflow-relay/relay/rabbitmq"
	libRedis "github.com/LerianStudio/workflow-relay/relay/redis"
	"go.opentelemetry.io/otel/trace"
)

// brokerTransport is a transport plus what the process needs to watch and
// release it.
type brokerTransport struct {
	name      string
	transport outbox.Transport
	probe     func(ctx context.Context) error
	closers   []namedCloser
}

type namedCloser struct {
	name  string
	close func(ctx context.Context) error
}

func newBrokerTransport(
	ctx context.Context,
	cfg Config,
	redisClient *libRedis.Client,
	logger libLog.Logger,
	tracer trace.Tracer,
) (brokerTransport, error) {
	switch cfg.Transport {
	case TransportAMQP:
		return newAMQPTransport(ctx, cfg, logger, tracer)
	case TransportRedis:
		return newRedisTransport(cfg, redisClient, logger, tracer)
	default:
		return brokerTransport{
			name:      TransportLog,
			transport: outbox.NewLogTransport(logger),
		}, nil
	}
}

func newAMQPTransport(ctx context.Context, cfg Config, logger libLog.Logger, tracer trace.Tracer) (brokerTransport, error) {
	conn := &libRabbitMQ.Connection{URL: cfg.AMQPURL, Logger: logger}

	topology := libRabbitMQ.DefaultTopologyConfig()
	topology.ExchangeName = cfg.AMQPExchange

	if err := conn.DeclareTopology(ctx, topology); err != nil {
		_ = conn.Close()

		return brokerTransport{}, fmt.Errorf("declare amqp topology: %w", err)
	}

	ch, err := conn.Channel(ctx)
	if err != nil {
		_ = conn.Close()

		return brokerTransport{}, fmt.Errorf("open amqp channel: %w", err)
	}

	publisher, err := libRabbitMQ.NewConfirmablePublisher(ch,
		libRabbitMQ.WithLogger(logger),
		libRabbitMQ.WithAutoRecovery(conn.ChannelProvider(context.WithoutCancel(ctx))),
	)
	if err != nil {
		_ = conn.Close()

		return brokerTransport{}, fmt.Errorf("create amqp publisher: %w", err)
	}

	transport, err := rabbitTransport.New(publisher,
		rabbitTransport.WithExchange(cfg.AMQPExchange),
		rabbitTransport.WithLogger(logger),
		rabbitTransport.WithTracer(tracer),
	)
	if err != nil {
		_ = publisher.Close()
		_ = conn.Close()

		return brokerTransport{}, err
	}

	return brokerTransport{
		name:      TransportAMQP,
		transport: transport,
		probe: func(context.Context) error {
			if state := publisher.HealthState(); state != libRabbitMQ.HealthStateConnected {
				return fmt.Errorf("amqp publisher is %s", state)
			}

			return nil
		},
		closers: []namedCloser{
			{name: "amqp-publisher", close: func(context.Context) error { return publisher.Close() }},
			{name: "amqp-connection", close: func(context.Context) error { return conn.Close() }},
		},
	}, nil
}

func newRedisTransport(cfg Config, redisClient *libRedis.Client, logger libLog.Logger, tracer trace.Tracer) (brokerTransport, error) {
	if redisClient == nil {
		return brokerTransport{}, fmt.Errorf("%w: redis transport needs REDIS_ADDR", ErrInvalidConfig)
	}

	transport, err := redisTransport.NewFromProvider(redisClient.GetClient,
		redisTransport.WithStreamPrefix(cfg.RedisStreamPrefix),
		redisTransport.WithMaxLen(cfg.RedisStreamMaxLen),
		redisTransport.WithLogger(logger),
		redisTransport.WithTracer(tracer),
	)
	if err != nil {
		return brokerTransport{}, err
	}

	return brokerTransport{
		name:      TransportRedis,
		transport: transport,
		probe:     redisClient.Ping,
	}, nil
}
