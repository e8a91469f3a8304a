package stream

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/luxfi/log"
	"github.com/luxfi/perps/pkg/lx"
	"github.com/nats-io/nats.go"
)

// DefaultSubjectPrefix is the root of every event subject
const DefaultSubjectPrefix = "perps.events"

// publisher is the part of *nats.Conn the NATS sink needs
type publisher interface {
	Publish(subject string, data []byte) error
}

// Connect dials NATS and keeps reconnecting for the life of the process
func Connect(url, name string) (*nats.Conn, error) {
	if url == "" {
		url = nats.DefaultURL
	}
	return nats.Connect(url,
		nats.Name(name),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(time.Second),
	)
}

// NATSPublisher forwards engine events to NATS subjects of the form
// <prefix>.<EventType>.<pairID>
type NATSPublisher struct {
	conn      publisher
	prefix    string
	logger    log.Logger
	published func(sink string)
}

var _ lx.EventSink = (*NATSPublisher)(nil)

func NewNATSPublisher(conn publisher, prefix string, logger log.Logger) *NATSPublisher {
	if prefix == "" {
		prefix = DefaultSubjectPrefix
	}
	if logger == nil {
		logger = log.Root().New("module", "nats")
	}
	return &NATSPublisher{
		conn:      conn,
		prefix:    strings.TrimSuffix(prefix, "."),
		logger:    logger,
		published: func(string) {},
	}
}

// OnPublished registers a callback run after each successful publish
func (p *NATSPublisher) OnPublished(fn func(sink string)) {
	p.published = fn
}

// Subject returns the subject ev is published on
func (p *NATSPublisher) Subject(ev lx.Event) string {
	return fmt.Sprintf("%s.%s.%d", p.prefix, ev.Type, ev.PairID)
}

func (p *NATSPublisher) Publish(ev lx.Event) {
	data, err := json.Marshal(ev)
	if err != nil {
		p.logger.Error("Failed to marshal event", "sequence", ev.Sequence, "error", err)
		return
	}
	subject := p.Subject(ev)
	if err := p.conn.Publish(subject, data); err != nil {
		p.logger.Warn("NATS publish failed", "subject", subject, "error", err)
		return
	}
	p.published("nats")
}
