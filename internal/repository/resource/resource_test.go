package resource

import (
	"context"
	"errors"
	"fmt"
	"net"
	"testing"
	"time"

	"github.com/jgivc/resyncserver/internal/common"
	"github.com/jgivc/resyncserver/internal/entity"
	"github.com/stretchr/testify/require"
)

func TestRecordRoundTrip(t *testing.T) {
	res := entity.Resource{
		Identifier:   "docs/a|b.txt",
		LastModified: time.Date(2024, 5, 1, 12, 0, 0, 123, time.UTC),
		Length:       42,
		MIMEType:     "text/plain; charset=utf-8",
	}

	decoded, err := decodeRecord(res.Identifier, encodeRecord(res))
	require.NoError(t, err)
	require.Equal(t, res, decoded)
}

func TestDecodeRecordInvalid(t *testing.T) {
	for _, record := range []string{"", "1|2", "x|2|text/plain", "1|y|text/plain"} {
		_, err := decodeRecord("id", record)
		require.ErrorIs(t, err, common.ErrInvalidResourceRecordError, record)
	}
}

func TestClassify(t *testing.T) {
	netErr := &net.OpError{Op: "dial", Net: "tcp", Err: errors.New("connection refused")}
	require.True(t, common.IsTransient(classify(fmt.Errorf("cannot get: %w", netErr))))
	require.True(t, common.IsTransient(classify(context.DeadlineExceeded)))
	require.False(t, common.IsTransient(classify(errors.New("WRONGTYPE"))))
}

func TestGetKey(t *testing.T) {
	require.Equal(t, "rs:rm:v1", getKey(KeyPrefix, KeyResourceMap, KeyVersion1))
}
