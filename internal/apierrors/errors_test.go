package apierrors

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc/codes"
)

func TestOfAndIs(t *testing.T) {
	err := New(NotFound, "key %x missing", []byte{1})
	assert.Equal(t, NotFound, Of(err))
	assert.True(t, Is(err, NotFound))
	assert.False(t, Is(err, Internal))
}

func TestOfNonBobError(t *testing.T) {
	assert.Equal(t, Unknown, Of(fmt.Errorf("boom")))
	assert.Equal(t, Unknown, Of(nil))
}

func TestWrapUnwrap(t *testing.T) {
	cause := fmt.Errorf("disk read failed")
	err := Wrap(DiskUnavailable, cause, "probe failed")
	require.ErrorIs(t, err, cause)
	assert.Contains(t, err.Error(), "disk read failed")
}

func TestWithRetries(t *testing.T) {
	sub := map[string]error{"node1/disk1": fmt.Errorf("timeout")}
	err := New(QuorumNotReached, "only 1 of 3 acked").WithRetries(sub)
	assert.Len(t, err.Retries, 1)
}

func TestGRPCStatusCode(t *testing.T) {
	err := New(Timeout, "deadline exceeded")
	st := err.GRPCStatus()
	require.NotNil(t, st)
	assert.Equal(t, codes.DeadlineExceeded, st.Code())
	assert.Equal(t, "deadline exceeded", st.Message())
}
