package events

import (
	"context"
	"fmt"

	"github.com/dtm-labs/client/dtmcli"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

// DTMBroker delivers envelopes as DTM two-phase messages. DTM posts the
// envelope to every subscriber URL of the topic and retries until each one
// answers with success.
type DTMBroker struct {
	server      string
	subscribers map[string][]string
	genGid      func(server string) string
}

// NewDTMBroker cria uma nova instância de DTMBroker. subscribers mapeia cada
// tópico para as URLs que o recebem.
func NewDTMBroker(server string, subscribers map[string][]string) *DTMBroker {
	return &DTMBroker{server: server, subscribers: subscribers, genGid: dtmcli.MustGenGid}
}

// gid asks the DTM server for a global transaction id. MustGenGid panics when
// the server is unreachable.
func (b *DTMBroker) gid() (gid string, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("failed to generate gid (dtm unavailable?): %v", r)
		}
	}()
	gid = b.genGid(b.server)
	if gid == "" {
		return "", fmt.Errorf("failed to generate gid")
	}
	return gid, nil
}

func (b *DTMBroker) Send(ctx context.Context, topic string, env Envelope) error {
	urls := b.subscribers[topic]
	if len(urls) == 0 {
		return fmt.Errorf("no dtm subscribers for topic %s", topic)
	}

	_, span := otel.Tracer("dtm-msg").Start(ctx, "dtm.msg.submit")
	defer span.End()

	gid, err := b.gid()
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "gid generation failed")
		return err
	}
	span.SetAttributes(
		attribute.String("dtm.gid", gid),
		attribute.String("dtm.topic", topic),
		attribute.Int("dtm.subscribers", len(urls)),
		attribute.String("component", "dtm-coordinator"),
	)

	msg := dtmcli.NewMsg(b.server, gid)
	for _, url := range urls {
		msg.Add(url, env)
	}
	if err := msg.Submit(); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "submit failed")
		return fmt.Errorf("failed to submit dtm msg %s: %w", gid, err)
	}
	return nil
}
