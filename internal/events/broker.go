package events

import (
	"fmt"

	amqp "github.com/rabbitmq/amqp091-go"
)

// channelSetup configures a freshly opened channel
type channelSetup func(*amqp.Channel) error

// openChannel dials the broker, declares the exchange and applies setup.
// Nothing is left open on failure.
func openChannel(url string, setup channelSetup) (*amqp.Connection, *amqp.Channel, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, nil, fmt.Errorf("dial rabbitmq: %w", err)
	}

	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, nil, fmt.Errorf("open channel: %w", err)
	}

	err = ch.ExchangeDeclare(ExchangeName, ExchangeType, true, false, false, false, nil)
	if err != nil {
		err = fmt.Errorf("declare exchange %s: %w", ExchangeName, err)
	} else if setup != nil {
		err = setup(ch)
	}
	if err != nil {
		ch.Close()
		conn.Close()
		return nil, nil, err
	}
	return conn, ch, nil
}

// closeAll closes the channel then the connection, returning the first error
func closeAll(conn *amqp.Connection, ch *amqp.Channel) error {
	var first error
	if ch != nil {
		if err := ch.Close(); err != nil && err != amqp.ErrClosed {
			first = fmt.Errorf("close channel: %w", err)
		}
	}
	if conn != nil && !conn.IsClosed() {
		if err := conn.Close(); err != nil && first == nil {
			first = fmt.Errorf("close connection: %w", err)
		}
	}
	return first
}
