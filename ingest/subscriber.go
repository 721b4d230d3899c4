package ingest

import (
	"fmt"
	"time"

	"github.com/avast/retry-go"
	"github.com/streadway/amqp"
	"go.uber.org/zap"
)

// AMQPConfig represents the config of the Subscriber. An empty DSN disables it.
type AMQPConfig struct {
	Tag      string `yaml:"tag"`
	Exchange string `yaml:"exchange"`
	DSN      string `yaml:"dsn"`
	TLS      bool   `yaml:"tls"`
}

// Enabled reports whether a broker is configured
func (c AMQPConfig) Enabled() bool {
	return c.DSN != ""
}

// Subscriber represents an AMQP subscriber delivering raw reading payloads
type Subscriber struct {
	config     AMQPConfig
	topics     []string
	tag        string
	connection *amqp.Connection
	channel    *amqp.Channel
	queue      *amqp.Queue
	logger     *zap.SugaredLogger
}

// Connect with the configured AMQP broker
func (s *Subscriber) dial() error {
	var err error

	if s.config.TLS {
		s.connection, err = amqp.DialTLS(s.config.DSN, nil)
	} else {
		s.connection, err = amqp.Dial(s.config.DSN)
	}
	if err != nil {
		return fmt.Errorf("Subscriber: %w", err)
	}

	s.logger.Info("Subscriber: connection established")

	return nil
}

// Get a Channel for the deliveries
func (s *Subscriber) getChannel() error {
	var err error

	s.channel, err = s.connection.Channel()
	if err != nil {
		s.logger.Warnf("Subscriber: %s", err)

		return fmt.Errorf("Subscriber: failed to get Channel")
	}

	s.logger.Info("Subscriber: got Channel")

	return nil
}

// Declare a non-durable Queue for the deliveries
func (s *Subscriber) declareQueue() (*amqp.Queue, error) {
	queueName := QueueName(s.tag)
	s.logger.Infof("Subscriber: declaring Queue %v", queueName)

	queue, err := s.channel.QueueDeclare(
		queueName,
		false, // durable
		true,  // autoDelete
		false, // exclusive
		false, // noWait
		nil,   // arguments
	)
	if err != nil {
		s.logger.Warnf("Subscriber: %s", err)

		return nil, fmt.Errorf("Subscriber: failed to declare Queue")
	}

	s.logger.Info("Subscriber: declared Queue")

	return &queue, nil
}

// Bind the Queue to the configured topics
func (s *Subscriber) bindQueue() error {
	if s.queue == nil {
		return fmt.Errorf("Subscriber: Queue not declared")
	}

	for _, topic := range s.topics {
		s.logger.Infof("Subscriber: binding topic to Exchange (key: %q)", topic)

		err := s.channel.QueueBind(
			s.queue.Name,      // name
			topic,             // key
			s.config.Exchange, // exchange
			false,             // noWait
			nil,               // arguments
		)
		if err != nil {
			s.logger.Warnf("Subscriber: %s", err)

			return fmt.Errorf("Subscriber: failed to bind Queue")
		}
	}

	return nil
}

// Delete the declared Queue if there are no more consumers
func (s *Subscriber) deleteQueue() error {
	if s.channel == nil || s.queue == nil {
		return nil
	}

	_, err := s.channel.QueueDelete(s.queue.Name, true, false, false)
	if err != nil {
		s.logger.Warnf("Subscriber: %s", err)

		return fmt.Errorf("Subscriber: failed to delete Queue")
	}

	return nil
}

// Subscribe to the topics defined in the AMQPConfig. Deliveries are not
// auto-acked; the consumer acks once the reading is stored.
func (s *Subscriber) Subscribe() (<-chan amqp.Delivery, error) {
	err := s.dial()
	if err != nil {
		return nil, err
	}

	err = retry.Do(
		func() error {
			err := s.getChannel()
			if err != nil {
				return err
			}

			s.queue, err = s.declareQueue()
			if err != nil {
				return err
			}

			return s.bindQueue()
		},
		retry.Attempts(5),
		retry.Delay(time.Second),
	)
	if err != nil {
		return nil, err
	}

	deliveries, err := s.channel.Consume(
		s.queue.Name, // queue
		s.tag,        // consumer
		false,        // autoAck
		false,        // exclusive
		false,        // noLocal
		false,        // noWait
		nil,          // arguments
	)
	if err != nil {
		return nil, fmt.Errorf("Subscriber: consume: %w", err)
	}

	return deliveries, nil
}

// Shutdown the Subscriber
func (s *Subscriber) Shutdown() error {
	s.logger.Info("Subscriber: shutting down")

	if s.connection == nil {
		s.logger.Info("Subscriber: shutdown OK")

		return nil
	}

	err := s.deleteQueue()
	if err != nil {
		return err
	}

	if err := s.connection.Close(); err != nil {
		return fmt.Errorf("AMQP connection close error: %s", err)
	}

	s.logger.Info("Subscriber: shutdown OK")

	return nil
}

// QueueName returns the name of the queue declared for a consumer tag
func QueueName(tag string) string {
	return fmt.Sprintf("granxa-sensor-storage-%s", tag)
}

// NewSubscriber creates a new Subscriber
func NewSubscriber(config AMQPConfig, topics []string, logger *zap.SugaredLogger) *Subscriber {
	return &Subscriber{
		config: config,
		topics: topics,
		tag:    config.Tag,
		logger: logger,
	}
}
