package mq

import (
	"fmt"
	"net/url"
	"time"

	"github.com/rabbitmq/amqp091-go"
)

// DefaultExchange 领域事件 topic exchange
const DefaultExchange = "subscan.events"

// Options describes where events go and how the connection identifies itself.
type Options struct {
	URL       string
	Exchange  string
	Heartbeat time.Duration
	// Name 显示在管理界面的 connection_name
	Name string
}

func (o Options) withDefaults() Options {
	if o.Exchange == "" {
		o.Exchange = DefaultExchange
	}
	if o.Heartbeat <= 0 {
		o.Heartbeat = 10 * time.Second
	}
	if o.Name == "" {
		o.Name = "subscan"
	}
	return o
}

// Dial opens a named connection with the configured heartbeat.
func Dial(o Options) (*amqp091.Connection, error) {
	o = o.withDefaults()
	props := amqp091.NewConnectionProperties()
	props.SetClientConnectionName(o.Name)

	conn, err := amqp091.DialConfig(o.URL, amqp091.Config{
		Heartbeat:  o.Heartbeat,
		Locale:     "en_US",
		Properties: props,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to RabbitMQ at %s: %w", redactURL(o.URL), err)
	}
	return conn, nil
}

// declareExchange 声明持久化 topic exchange，已存在且参数一致时为空操作
func declareExchange(ch *amqp091.Channel, name string) error {
	if err := ch.ExchangeDeclare(name, amqp091.ExchangeTopic, true, false, false, false, nil); err != nil {
		return fmt.Errorf("failed to declare exchange %s: %w", name, err)
	}
	return nil
}

func redactURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return "<invalid url>"
	}
	return u.Redacted()
}
