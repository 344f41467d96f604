package async

import (
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"
)

func TestOperationResolution(t *testing.T) {
	var op = NewOperation()

	select {
	case <-op.Done():
		t.Fatal("unresolved operation must not be done")
	default:
	}

	go op.Resolve(errors.New("boom"))
	require.EqualError(t, op.Err(), "boom")

	select {
	case <-op.Done():
	default:
		t.Fatal("resolved operation must be done")
	}
}

func TestFinishedOperation(t *testing.T) {
	require.NoError(t, FinishedOperation(nil).Err())
	require.EqualError(t, FinishedOperation(errors.New("oops")).Err(), "oops")
}
