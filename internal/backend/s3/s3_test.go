package s3

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNewRejectsEmptyBucket(t *testing.T) {
	_, err := New(context.Background(), Config{})
	require.Error(t, err)
}
