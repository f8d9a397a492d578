package notify

import (
	"errors"
	"fmt"
	"net"
	"strconv"

	"github.com/segmentio/kafka-go"

	"ms-reservation/internal/logger"
	"ms-reservation/internal/models"
)

// Topics lists every topic the publisher writes to.
func Topics(prefix string) []string {
	topics := []string{
		HoldTopic(prefix, models.HoldEventCreated),
		HoldTopic(prefix, models.HoldEventConfirmed),
		HoldTopic(prefix, models.HoldEventCancelled),
		HoldTopic(prefix, models.HoldEventExpired),
		HoldTopic(prefix, models.HoldEventExtended),
	}
	for _, t := range []string{models.PaymentEventSucceeded, models.PaymentEventFailed, models.PaymentEventRefunded} {
		topics = append(topics, PaymentTopic(prefix, t))
	}
	return topics
}

// EnsureTopicsExist creates missing topics through the cluster controller.
func EnsureTopicsExist(brokers []string, topics []string, log *logger.Logger) error {
	if len(brokers) == 0 {
		return errors.New("no kafka brokers configured")
	}

	conn, err := kafka.Dial("tcp", brokers[0])
	if err != nil {
		return fmt.Errorf("dial kafka: %w", err)
	}
	defer conn.Close()

	controller, err := conn.Controller()
	if err != nil {
		return fmt.Errorf("find kafka controller: %w", err)
	}
	controllerConn, err := kafka.Dial("tcp", net.JoinHostPort(controller.Host, strconv.Itoa(controller.Port)))
	if err != nil {
		return fmt.Errorf("dial kafka controller: %w", err)
	}
	defer controllerConn.Close()

	for _, topic := range topics {
		err := controllerConn.CreateTopics(kafka.TopicConfig{
			Topic:             topic,
			NumPartitions:     3,
			ReplicationFactor: 1,
		})
		if err != nil && !errors.Is(err, kafka.TopicAlreadyExists) {
			log.Warn("KAFKA", fmt.Sprintf("Error creating topic %s: %v", topic, err))
			continue
		}
		log.Debug("KAFKA", fmt.Sprintf("Topic ready: %s", topic))
	}
	return nil
}
