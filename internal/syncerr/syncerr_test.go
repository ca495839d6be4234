package syncerr

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestError_IsMatchesByKind(t *testing.T) {
	err := New(KindReorgTooDeep, "rollback", errors.New("no ancestor in 256 blocks"))
	wrapped := fmt.Errorf("reconcile script s1: %w", err)

	assert.ErrorIs(t, wrapped, ErrReorgTooDeep)
	assert.NotErrorIs(t, wrapped, ErrNetworkUnavailable)
	assert.Equal(t, KindReorgTooDeep, KindOf(wrapped))
}

func TestError_UnwrapKeepsCause(t *testing.T) {
	cause := errors.New("connection refused")
	err := New(KindNetworkUnavailable, "get_tip_block_number", cause)

	assert.ErrorIs(t, err, cause)
	assert.Equal(t, "get_tip_block_number: network_unavailable: connection refused", err.Error())
}

func TestKindOf_Unknown(t *testing.T) {
	assert.Equal(t, KindUnknown, KindOf(errors.New("plain")))
	assert.Equal(t, KindUnknown, KindOf(nil))
}

func TestKind_Retriable(t *testing.T) {
	assert.True(t, KindNetworkUnavailable.Retriable())
	for _, k := range []Kind{KindRejectedByNode, KindNonMonotonicCursor, KindReorgTooDeep, KindAmendmentCycleDetected, KindDuplicateScript} {
		assert.False(t, k.Retriable(), k.String())
	}
}
