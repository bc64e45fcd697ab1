package database

import (
	"context"
	"io"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
)

func TestListenStatement(t *testing.T) {
	assert.Equal(t, `LISTEN "transaction_created"`, listenStatement("transaction_created"))
	assert.Equal(t, `LISTEN "bad""name"`, listenStatement(`bad"name`))
}

func TestListener_WaitWithoutConnection(t *testing.T) {
	logger := logrus.New()
	logger.SetOutput(io.Discard)

	l := NewListener("postgres://unused", logger, "transaction_created")

	n, err := l.WaitForNotification(context.Background())
	assert.Nil(t, n)
	assert.ErrorIs(t, err, ErrListenerClosed)
	assert.NoError(t, l.Close(context.Background()))
}
