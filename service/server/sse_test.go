package server

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"testing"

	"github.com/nats-io/nats.go/jetstream"
	"github.com/stretchr/testify/assert"
)

type ackMsg struct {
	jetstream.Msg
	err   error
	acked int
}

func (m *ackMsg) Ack() error {
	m.acked++
	return m.err
}

func (m *ackMsg) Subject() string { return "tokendesk.ops.W" }

func TestAckMessage(t *testing.T) {
	var logs bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&logs, &slog.HandlerOptions{Level: slog.LevelDebug}))

	ok := &ackMsg{}
	ackMessage(context.Background(), logger, ok)
	assert.Equal(t, 1, ok.acked)
	assert.Empty(t, logs.String())

	failed := &ackMsg{err: errors.New("nats: connection closed")}
	ackMessage(context.Background(), logger, failed)
	assert.Equal(t, 1, failed.acked)
	assert.Contains(t, logs.String(), "failed to ack event")
	assert.Contains(t, logs.String(), "connection closed")
}
