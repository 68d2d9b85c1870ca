package nats

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeConn struct {
	subjects []string
	payloads [][]byte
	err      error
	drained  bool
	closed   bool
}

func (c *fakeConn) Publish(subj string, data []byte) error {
	if c.err != nil {
		return c.err
	}
	c.subjects = append(c.subjects, subj)
	c.payloads = append(c.payloads, data)
	return nil
}

func (c *fakeConn) Drain() error { c.drained = true; return nil }
func (c *fakeConn) Close()       { c.closed = true }

func TestPublisher_Publish(t *testing.T) {
	conn := &fakeConn{}
	p := NewPublisherWithConn(conn, "alerts.notifications.")

	require.NoError(t, p.Publish("u1", map[string]string{"alert_id": "a1"}))
	require.Len(t, conn.subjects, 1)
	assert.Equal(t, "alerts.notifications.u1", conn.subjects[0])
	assert.JSONEq(t, `{"alert_id":"a1"}`, string(conn.payloads[0]))

	p.Close()
	assert.True(t, conn.drained)
	assert.False(t, conn.closed)
}

func TestPublisher_Errors(t *testing.T) {
	conn := &fakeConn{err: errors.New("nats: connection closed")}
	p := NewPublisherWithConn(conn, "")

	assert.Equal(t, "u1", p.Subject("u1"))
	err := p.PublishRaw("u1", []byte("x"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "publish u1")

	require.Error(t, p.Publish("u1", make(chan int)))
}
