package amqpbus

import (
	"errors"
	"testing"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/whookdev/busbridge/internal/bus"
	"github.com/whookdev/busbridge/internal/codec"
)

func TestValuePublishingRoundTrip(t *testing.T) {
	msg, err := valuePublishing(codec.Double(2.5))
	require.NoError(t, err)
	assert.Equal(t, "Double", msg.Type)
	assert.Equal(t, []byte("2.5"), msg.Body)

	v, err := fromDelivery(msg.Type, msg.Headers, msg.Body)
	require.NoError(t, err)
	assert.Equal(t, codec.Double(2.5), v)
}

func TestFromDeliveryUntyped(t *testing.T) {
	v, err := fromDelivery("", nil, []byte{0x01, 0x02})
	require.NoError(t, err)
	assert.Equal(t, codec.ByteArray{0x01, 0x02}, v)
}

func TestReplyPublishingFailure(t *testing.T) {
	msg := replyPublishing(nil, bus.NoHandlersError("orders"))

	_, err := fromDelivery(msg.Type, msg.Headers, msg.Body)
	var replyErr *bus.ReplyError
	require.ErrorAs(t, err, &replyErr)
	assert.Equal(t, bus.NoHandlers, replyErr.Type)
	assert.Equal(t, -1, replyErr.Code)
}

func TestReplyPublishingPlainError(t *testing.T) {
	msg := replyPublishing(nil, errors.New("boom"))

	_, err := fromDelivery(msg.Type, msg.Headers, msg.Body)
	var replyErr *bus.ReplyError
	require.ErrorAs(t, err, &replyErr)
	assert.Equal(t, bus.RecipientFailure, replyErr.Type)
	assert.Equal(t, "boom", replyErr.Message)
}

func TestFromDeliveryUnknownFailureType(t *testing.T) {
	headers := amqp.Table{headerFailureType: "EXPLODED", headerFailureCode: int64(3)}

	_, err := fromDelivery("", headers, []byte("bad"))
	var replyErr *bus.ReplyError
	require.ErrorAs(t, err, &replyErr)
	assert.Equal(t, bus.RecipientFailure, replyErr.Type)
	assert.Equal(t, 3, replyErr.Code)
}

func TestTableInt(t *testing.T) {
	assert.Equal(t, 5, tableInt(int32(5)))
	assert.Equal(t, 6, tableInt(int64(6)))
	assert.Equal(t, 7, tableInt(7))
	assert.Equal(t, -1, tableInt("8"))
	assert.Equal(t, -1, tableInt(nil))
}

func TestNewRequiresConnection(t *testing.T) {
	_, err := New(nil, nil)
	assert.Error(t, err)
}
