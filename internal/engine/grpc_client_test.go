package engine

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/ChuLiYu/geebatch/pkg/types"
)

func TestStatusMappingRoundTrip(t *testing.T) {
	tests := []struct {
		in       error
		wantCode codes.Code
		wantIs   error
	}{
		{fmt.Errorf("%w: 01X", ErrUnknownJob), codes.NotFound, ErrUnknownJob},
		{fmt.Errorf("%w: mosaic", ErrUnsupportedKind), codes.InvalidArgument, ErrUnsupportedKind},
		{fmt.Errorf("%w: bad", types.ErrInvalidParameter), codes.InvalidArgument, ErrUnsupportedKind},
		{ErrEngineClosed, codes.Unavailable, nil},
		{context.DeadlineExceeded, codes.DeadlineExceeded, nil},
		{errors.New("disk full"), codes.Internal, nil},
	}

	for _, tt := range tests {
		st := ToStatus(tt.in)
		assert.Equal(t, tt.wantCode, status.Code(st), tt.in.Error())

		back := fromStatus(st)
		if tt.wantIs != nil {
			assert.ErrorIs(t, back, tt.wantIs)
		} else {
			assert.Contains(t, back.Error(), "engine rpc failed")
		}
	}

	assert.NoError(t, ToStatus(nil))
}

func TestFromStatusPassesThroughPlainErrors(t *testing.T) {
	plain := errors.New("not a status")
	assert.Equal(t, plain, fromStatus(plain))
}

func TestStartRejectsUnencodableParams(t *testing.T) {
	c := NewGRPCClient(nil)
	_, err := c.Start(context.Background(), types.KindCompute, map[string]interface{}{"ch": make(chan int)})
	assert.ErrorIs(t, err, types.ErrInvalidParameter)
}
