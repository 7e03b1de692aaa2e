package kinlease

import (
	"testing"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewRejectsInvalidConfig(t *testing.T) {
	sess := session.Must(session.NewSession(&aws.Config{Region: aws.String("us-east-1")}))
	_, err := New(NewConfig(), sess, nil)
	assert.Error(t, err, "stream_name and consumer_group are required")
}

func TestNewWiresAConsumerWithoutTouchingNetwork(t *testing.T) {
	cfg := NewConfig()
	cfg.StreamName = "orders"
	cfg.ConsumerGroup = "billing"
	sess := session.Must(session.NewSession(&aws.Config{Region: aws.String("us-east-1")}))

	c, err := New(cfg, sess, func(Delivery) (Feedback, error) { return Feedback{ContinuePolling: true}, nil })
	require.NoError(t, err)
	require.NotNil(t, c)
	assert.Equal(t, "billing-state", c.cfg.KVTable.Name, "Validate derives the coordination table name from consumer_group")
}
